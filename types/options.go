package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// NodeOptionsEnv is the environment variable carrying NodeOptions to the
// consumer process.
const NodeOptionsEnv = "KILN_NODE_OPTIONS"

// DefaultBase is the public asset base used when none is configured.
const DefaultBase = "/_nuxt/"

// Client tuning defaults.
const (
	DefaultMaxRetryAttempts = 5
	DefaultBaseRetryDelay   = 100 * time.Millisecond
	DefaultMaxRetryDelay    = 2 * time.Second
	DefaultRequestTimeout   = 60 * time.Second
)

// ErrNoNodeOptions is returned when NodeOptionsEnv is unset.
var ErrNoNodeOptions = errors.New("node options not set")

// NodeOptions is the handoff blob that tells a consumer where to connect.
// Durations travel as integer milliseconds.
type NodeOptions struct {
	BaseURL          string `json:"baseURL"`
	SocketPath       string `json:"socketPath"`
	Root             string `json:"root"`
	EntryPath        string `json:"entryPath"`
	Base             string `json:"base"`
	MaxRetryAttempts *int   `json:"maxRetryAttempts,omitempty"`
	BaseRetryDelay   *int64 `json:"baseRetryDelay,omitempty"`
	MaxRetryDelay    *int64 `json:"maxRetryDelay,omitempty"`
	RequestTimeout   *int64 `json:"requestTimeout,omitempty"`
}

// Encode serializes the options for NodeOptionsEnv.
func (o NodeOptions) Encode() (string, error) {
	if o.Base == "" {
		o.Base = DefaultBase
	}
	b, err := json.Marshal(o)
	if err != nil {
		return "", fmt.Errorf("encode node options: %w", err)
	}
	return string(b), nil
}

// Env returns the NAME=value pair for a child process environment.
func (o NodeOptions) Env() (string, error) {
	v, err := o.Encode()
	if err != nil {
		return "", err
	}
	return NodeOptionsEnv + "=" + v, nil
}

// DecodeNodeOptions parses a serialized options blob.
func DecodeNodeOptions(s string) (*NodeOptions, error) {
	var o NodeOptions
	if err := json.Unmarshal([]byte(s), &o); err != nil {
		return nil, fmt.Errorf("decode node options: %w", err)
	}
	if o.SocketPath == "" {
		return nil, errors.New("decode node options: socketPath is required")
	}
	if o.Base == "" {
		o.Base = DefaultBase
	}
	return &o, nil
}

// LoadNodeOptions reads NodeOptionsEnv from the process environment.
func LoadNodeOptions() (*NodeOptions, error) {
	s, ok := os.LookupEnv(NodeOptionsEnv)
	if !ok || s == "" {
		return nil, ErrNoNodeOptions
	}
	return DecodeNodeOptions(s)
}

// RetryAttempts returns the configured attempt budget or the default.
func (o NodeOptions) RetryAttempts() int {
	if o.MaxRetryAttempts != nil && *o.MaxRetryAttempts > 0 {
		return *o.MaxRetryAttempts
	}
	return DefaultMaxRetryAttempts
}

// RetryDelays returns the base and max retry delays.
func (o NodeOptions) RetryDelays() (base, maxDelay time.Duration) {
	base, maxDelay = DefaultBaseRetryDelay, DefaultMaxRetryDelay
	if o.BaseRetryDelay != nil && *o.BaseRetryDelay > 0 {
		base = time.Duration(*o.BaseRetryDelay) * time.Millisecond
	}
	if o.MaxRetryDelay != nil && *o.MaxRetryDelay > 0 {
		maxDelay = time.Duration(*o.MaxRetryDelay) * time.Millisecond
	}
	return base, maxDelay
}

// Timeout returns the per-request timeout.
func (o NodeOptions) Timeout() time.Duration {
	if o.RequestTimeout != nil && *o.RequestTimeout > 0 {
		return time.Duration(*o.RequestTimeout) * time.Millisecond
	}
	return DefaultRequestTimeout
}

// Millis is a helper for populating the optional millisecond fields.
func Millis(d time.Duration) *int64 {
	ms := d.Milliseconds()
	return &ms
}
