package journal

import (
	"errors"
	"fmt"
	"strings"
)

// Storage failure classes. Match with errors.Is.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
	ErrDiskFull         = errors.New("no space left on device")
	ErrTimeout          = errors.New("operation timed out")
	ErrThrottled        = errors.New("rate limited")
	ErrAuth             = errors.New("authentication failed")
	ErrNetwork          = errors.New("network error")
	errUnclassified     = errors.New("storage error")
)

// StorageError wraps a Lode failure with its classification.
type StorageError struct {
	Kind error
	// Op is one of "init", "write".
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("journal %s %s: %v: %v", e.Op, e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("journal %s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is matches the classification sentinel.
func (e *StorageError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// WrapWriteError classifies a write failure. Returns nil for nil.
func WrapWriteError(err error, path string) error {
	if err == nil {
		return nil
	}
	return &StorageError{Kind: classify(err), Op: "write", Path: path, Err: err}
}

// WrapInitError classifies a dataset construction failure. Returns nil for nil.
func WrapInitError(err error, dataset string) error {
	if err == nil {
		return nil
	}
	return &StorageError{Kind: classify(err), Op: "init", Path: dataset, Err: err}
}

var patterns = []struct {
	kind   error
	substr []string
}{
	{ErrTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{ErrPermissionDenied, []string{"permission denied", "eacces", "accessdenied", "forbidden", "403"}},
	{ErrNotFound, []string{"no such file", "does not exist", "enoent", "nosuchbucket", "nosuchkey", "404"}},
	{ErrDiskFull, []string{"no space left", "enospc", "quota exceeded"}},
	{ErrThrottled, []string{"slowdown", "throttl", "429", "toomanyrequests"}},
	{ErrAuth, []string{"nocredentialproviders", "invalidaccesskeyid", "signaturedoesnotmatch", "expiredtoken", "401"}},
	{ErrNetwork, []string{"connection refused", "no route to host", "network unreachable", "no such host", "dial tcp"}},
}

func classify(err error) error {
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return ErrTimeout
	}
	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		for _, s := range p.substr {
			if strings.Contains(msg, s) {
				return p.kind
			}
		}
	}
	return errUnclassified
}
