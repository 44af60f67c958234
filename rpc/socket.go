package rpc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SocketPrefix starts every socket name.
const SocketPrefix = "kiln-node"

const pipePrefix = `\\.\pipe\`

// IsNamedPipe reports whether path names a Windows named pipe.
func IsNamedPipe(path string) bool {
	return strings.HasPrefix(path, pipePrefix)
}

// IsAbstract reports whether path names a Linux abstract socket.
func IsAbstract(path string) bool {
	return strings.HasPrefix(path, "\x00")
}

// socketEnv is what socket selection depends on.
type socketEnv struct {
	goos      string
	pid       int
	now       time.Time
	tempDir   string
	nodeMajor func() int
	provider  string
	inDocker  func() bool
}

// selectSocketPath picks the socket location: a named pipe on Windows, an
// abstract socket on Linux when the consumer runtime supports it and the
// process is not containerized, and a file in the temp dir otherwise.
func selectSocketPath(env socketEnv) string {
	name := fmt.Sprintf("%s-%d-%d", SocketPrefix, env.pid, env.now.UnixMilli())

	switch env.goos {
	case "windows":
		return pipePrefix + name
	case "linux":
		if env.provider != "stackblitz" && env.nodeMajor() >= 20 && !env.inDocker() {
			return "\x00" + name + ".sock"
		}
	}
	return filepath.Join(env.tempDir, name+".sock")
}

var processSocketPath = sync.OnceValue(func() string {
	return selectSocketPath(socketEnv{
		goos:      runtime.GOOS,
		pid:       os.Getpid(),
		now:       time.Now(),
		tempDir:   os.TempDir(),
		nodeMajor: nodeMajorVersion,
		provider:  detectProvider(),
		inDocker:  inDocker,
	})
})

// SocketPath returns this process's socket location. It is computed once.
func SocketPath() string {
	return processSocketPath()
}

// nodeMajorVersion asks the node binary on PATH for its version. Zero means
// unknown.
func nodeMajorVersion() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "node", "--version").Output()
	if err != nil {
		return 0
	}
	return parseNodeMajor(string(out))
}

func parseNodeMajor(version string) int {
	v := strings.TrimPrefix(strings.TrimSpace(version), "v")
	major, _, _ := strings.Cut(v, ".")
	n, err := strconv.Atoi(major)
	if err != nil {
		return 0
	}
	return n
}

// detectProvider recognizes hosted environments that change socket support.
func detectProvider() string {
	if os.Getenv("SHELL") == "/bin/jsh" || os.Getenv("STACKBLITZ") != "" {
		return "stackblitz"
	}
	return ""
}

func inDocker() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	b, err := os.ReadFile("/proc/1/cgroup")
	return err == nil && strings.Contains(string(b), "docker")
}
