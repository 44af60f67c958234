package config

import (
	"fmt"
	"slices"
	"time"
)

// Config represents a kiln.yaml file. Every value is optional and acts as a
// default for the matching CLI flag; flags always win.
type Config struct {
	Root        string `yaml:"root"`
	Entry       string `yaml:"entry"`
	ClientEntry string `yaml:"client_entry"`
	Base        string `yaml:"base"`
	BaseURL     string `yaml:"base_url"`
	Socket      string `yaml:"socket"`
	Codec       string `yaml:"codec"`
	LogLevel    string `yaml:"log_level"`
	NoScripts   bool   `yaml:"no_scripts"`
	// BuildDir receives the consumer entry points (dist/server/*.mjs).
	BuildDir string `yaml:"build_dir"`

	Transform TransformConfig `yaml:"transform"`
	Externals ExternalsConfig `yaml:"externals"`
	Watch     WatchConfig     `yaml:"watch"`
	Client    ClientConfig    `yaml:"client"`
	Notify    NotifyConfig    `yaml:"notify"`
	Journal   JournalConfig   `yaml:"journal"`
	Buffer    BufferConfig    `yaml:"buffer"`
}

// TransformConfig selects the transform collaborator. Exactly one of
// ServiceURL and Command may be set.
type TransformConfig struct {
	ServiceURL string            `yaml:"service_url"`
	Command    []string          `yaml:"command"`
	Timeout    Duration          `yaml:"timeout"`
	Retries    *int              `yaml:"retries,omitempty"`
	Headers    map[string]string `yaml:"headers,omitempty"`
}

// ExternalsConfig holds externality patterns. Patterns written as /re/flags
// are regular expressions; anything else matches as a package prefix.
type ExternalsConfig struct {
	Inline      []string `yaml:"inline"`
	External    []string `yaml:"external"`
	ForceInline []string `yaml:"force_inline"`
}

// WatchConfig configures the file watcher.
type WatchConfig struct {
	Enabled  *bool    `yaml:"enabled,omitempty"`
	Ignore   []string `yaml:"ignore"`
	Debounce Duration `yaml:"debounce"`
}

// On reports whether watching is enabled. It defaults to true.
func (w WatchConfig) On() bool {
	return w.Enabled == nil || *w.Enabled
}

// ClientConfig holds the client tunables handed to the consumer.
type ClientConfig struct {
	MaxRetryAttempts *int     `yaml:"max_retry_attempts,omitempty"`
	BaseRetryDelay   Duration `yaml:"base_retry_delay"`
	MaxRetryDelay    Duration `yaml:"max_retry_delay"`
	RequestTimeout   Duration `yaml:"request_timeout"`
}

// NotifyConfig selects the invalidation notification adapter.
type NotifyConfig struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// JournalConfig selects the build journal backend.
type JournalConfig struct {
	// Backend is "fs", "s3" or empty to disable the journal.
	Backend string `yaml:"backend"`
	// Path is a directory for fs and bucket[/prefix] for s3.
	Path        string `yaml:"path"`
	Dataset     string `yaml:"dataset"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// BufferConfig sizes per-connection receive buffers, in bytes.
type BufferConfig struct {
	Initial int `yaml:"initial"`
	Max     int `yaml:"max"`
}

// Supported enum values.
var (
	Codecs          = []string{"json", "msgpack"}
	NotifyTypes     = []string{"webhook", "redis"}
	JournalBackends = []string{"fs", "s3"}
)

// Validate checks enum fields and mutually exclusive options.
func (c *Config) Validate() error {
	if c.Codec != "" && !slices.Contains(Codecs, c.Codec) {
		return fmt.Errorf("codec: unsupported value %q (want one of %v)", c.Codec, Codecs)
	}
	if c.Transform.ServiceURL != "" && len(c.Transform.Command) > 0 {
		return fmt.Errorf("transform: service_url and command are mutually exclusive")
	}
	if c.Notify.Type != "" {
		if !slices.Contains(NotifyTypes, c.Notify.Type) {
			return fmt.Errorf("notify.type: unsupported value %q (want one of %v)", c.Notify.Type, NotifyTypes)
		}
		if c.Notify.URL == "" {
			return fmt.Errorf("notify.url is required when notify.type is set")
		}
	}
	if c.Journal.Backend != "" {
		if !slices.Contains(JournalBackends, c.Journal.Backend) {
			return fmt.Errorf("journal.backend: unsupported value %q (want one of %v)", c.Journal.Backend, JournalBackends)
		}
		if c.Journal.Path == "" {
			return fmt.Errorf("journal.path is required when journal.backend is set")
		}
	}
	if c.Buffer.Initial < 0 || c.Buffer.Max < 0 {
		return fmt.Errorf("buffer sizes must not be negative")
	}
	if c.Buffer.Max > 0 && c.Buffer.Initial > c.Buffer.Max {
		return fmt.Errorf("buffer.initial (%d) exceeds buffer.max (%d)", c.Buffer.Initial, c.Buffer.Max)
	}
	return nil
}

// Duration wraps time.Duration for YAML strings such as "10s" or "1m30s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	if d.Duration == 0 {
		return "", nil
	}
	return d.String(), nil
}
