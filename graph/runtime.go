package graph

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
)

// loaderRuntime is the module loader emitted after the module manifest. It
// expects a `__modules__` object mapping id to wrapped module function.
//
//go:embed runtime/loader.js
var loaderRuntime string

// RuntimeChecksum returns the SHA256 checksum of the embedded loader runtime.
func RuntimeChecksum() string {
	hash := sha256.Sum256([]byte(loaderRuntime))
	return hex.EncodeToString(hash[:])
}

// RuntimeSize returns the size of the embedded loader runtime in bytes.
func RuntimeSize() int {
	return len(loaderRuntime)
}
