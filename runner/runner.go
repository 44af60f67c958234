// Package runner ships the consumer-side runner scripts.
//
// The scripts are embedded at build time and extracted to a versioned
// temporary directory on first use, so the kiln binary is self-contained.
// WriteDevServer points a consumer build directory at the extracted copy.
package runner

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/pithecene-io/kiln/types"
)

//go:embed bundle/*.mjs
var bundle embed.FS

// Script names inside the bundle.
const (
	RunnerScript   = "runner.mjs"
	ManifestScript = "client.manifest.mjs"
)

var (
	extractOnce sync.Once
	extractedTo string
	extractErr  error
)

// Checksum returns the SHA256 checksum over every embedded script.
func Checksum() string {
	h := sha256.New()
	_ = fs.WalkDir(bundle, "bundle", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := bundle.ReadFile(path)
		if err != nil {
			return err
		}
		h.Write([]byte(path))
		h.Write(data)
		return nil
	})
	return hex.EncodeToString(h.Sum(nil))
}

// Dir returns the directory holding the extracted scripts, extracting them
// on first call.
func Dir() (string, error) {
	extractOnce.Do(func() {
		extractedTo, extractErr = extract(os.TempDir())
	})
	return extractedTo, extractErr
}

// extract writes the scripts under base. Scripts already present with the
// same size are left alone.
func extract(base string) (string, error) {
	dir := filepath.Join(base, fmt.Sprintf("kiln-runner-%s-%s", types.Version, Checksum()[:16]))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create runner directory: %w", err)
	}

	entries, err := bundle.ReadDir("bundle")
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		data, err := bundle.ReadFile("bundle/" + e.Name())
		if err != nil {
			return "", err
		}
		dst := filepath.Join(dir, e.Name())
		if info, err := os.Stat(dst); err == nil && info.Size() == int64(len(data)) {
			continue
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return "", fmt.Errorf("failed to write %s: %w", e.Name(), err)
		}
	}
	return dir, nil
}

// Cleanup removes the extracted scripts. Safe to call when nothing was
// extracted.
func Cleanup() error {
	if extractedTo == "" {
		return nil
	}
	if err := os.RemoveAll(extractedTo); err != nil {
		return fmt.Errorf("failed to clean up runner: %w", err)
	}
	return nil
}

// WriteDevServer writes the consumer's dev entry points into
// buildDir/dist/server: server.mjs re-exports the runner, client.manifest.mjs
// re-exports the manifest fetcher, and client.precomputed.mjs exports
// undefined.
func WriteDevServer(buildDir string) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	return writeDevServer(buildDir, dir)
}

func writeDevServer(buildDir, runnerDir string) error {
	serverDist := filepath.Join(buildDir, "dist", "server")
	if err := os.MkdirAll(serverDist, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", serverDist, err)
	}

	files := map[string]string{
		"server.mjs":             reexport(filepath.Join(runnerDir, RunnerScript)),
		"client.precomputed.mjs": "export default undefined",
		"client.manifest.mjs":    reexport(filepath.Join(runnerDir, ManifestScript)),
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(serverDist, name), []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return nil
}

func reexport(path string) string {
	spec, _ := json.Marshal(fileURL(path))
	return "export { default } from " + string(spec)
}

// fileURL converts an absolute path to a file:// URL.
func fileURL(path string) string {
	p := filepath.ToSlash(path)
	if filepath.VolumeName(path) != "" {
		p = "/" + p
	}
	return (&url.URL{Scheme: "file", Path: p}).String()
}
