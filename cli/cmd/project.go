package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/kiln/adapter"
	"github.com/pithecene-io/kiln/adapter/redis"
	"github.com/pithecene-io/kiln/adapter/webhook"
	"github.com/pithecene-io/kiln/cli/config"
	"github.com/pithecene-io/kiln/journal"
	"github.com/pithecene-io/kiln/log"
	"github.com/pithecene-io/kiln/metrics"
	"github.com/pithecene-io/kiln/resolve"
	"github.com/pithecene-io/kiln/transform"
)

// Transform backends, as reported in metrics.
const (
	backendService = "service"
	backendProcess = "process"
	backendNone    = "none"
)

// project is the resolved configuration of one command invocation plus the
// resources opened for it.
type project struct {
	cfg       *config.Config
	root      string
	serverID  string
	codec     string
	logger    *log.Logger
	collector *metrics.Collector

	closers []func()
}

// openProject loads kiln.yaml and applies flag overrides. Flags defined on
// the command win over the file; the file wins over flag defaults.
func openProject(c *cli.Context) (*project, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}

	root, err := filepath.Abs(resolveString(c, "root", cfg.Root))
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	level, err := log.ParseLevel(resolveString(c, "log-level", cfg.LogLevel))
	if err != nil {
		return nil, err
	}

	cfg.Transform.ServiceURL = resolveString(c, "transform-url", cfg.Transform.ServiceURL)
	cfg.Transform.Command = resolveSlice(c, "transform-command", cfg.Transform.Command)
	cfg.Externals.External = resolveSlice(c, "external", cfg.Externals.External)
	cfg.Externals.Inline = resolveSlice(c, "inline", cfg.Externals.Inline)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	p := &project{
		cfg:      cfg,
		root:     root,
		serverID: uuid.NewString(),
		codec:    resolveString(c, "codec", cfg.Codec),
	}
	if p.codec == "" {
		p.codec = "json"
	}
	p.logger = log.NewLogger(&log.ServerMeta{ServerID: p.serverID, Root: root}, level)
	p.collector = metrics.NewCollector(p.serverID, p.codec, p.transformBackend(), p.journalBackend())
	return p, nil
}

// loadConfig reads --config, or kiln.yaml under the root when present.
func loadConfig(c *cli.Context) (*config.Config, error) {
	if path := c.String("config"); path != "" {
		return config.Load(path)
	}
	return config.LoadDefault(c.String("root"))
}

func (p *project) onClose(fn func()) { p.closers = append(p.closers, fn) }

// Close releases everything opened for the project, newest first.
func (p *project) Close() {
	for _, fn := range slices.Backward(p.closers) {
		fn()
	}
	p.closers = nil
	_ = p.logger.Sync()
}

func (p *project) transformBackend() string {
	switch {
	case p.cfg.Transform.ServiceURL != "":
		return backendService
	case len(p.cfg.Transform.Command) > 0:
		return backendProcess
	default:
		return backendNone
	}
}

func (p *project) journalBackend() string {
	if p.cfg.Journal.Backend == "" {
		return backendNone
	}
	return p.cfg.Journal.Backend
}

// transformer starts the configured transform collaborator.
func (p *project) transformer(ctx context.Context) (transform.Transformer, error) {
	tc := p.cfg.Transform
	switch p.transformBackend() {
	case backendService:
		svc, err := transform.NewService(transform.ServiceConfig{
			URL:     tc.ServiceURL,
			Headers: tc.Headers,
			Timeout: tc.Timeout.Duration,
			Retries: intOr(tc.Retries, 2),
		})
		if err != nil {
			return nil, err
		}
		p.onClose(func() { _ = svc.Close() })
		return svc, nil
	case backendProcess:
		proc := transform.NewProcess(transform.ProcessConfig{
			Command: tc.Command[0],
			Args:    tc.Command[1:],
			Dir:     p.root,
		})
		if err := proc.Start(ctx); err != nil {
			return nil, err
		}
		p.onClose(func() {
			if code, err := proc.Close(); err != nil || code != 0 {
				p.logger.Warn("transform process exited abnormally", map[string]any{
					"exit_code": code,
					"stderr":    proc.Stderr(),
				})
			}
		})
		return proc, nil
	default:
		return nil, errors.New("no transform collaborator configured: set transform.service_url or transform.command in kiln.yaml, or pass --transform-url / --transform-command")
	}
}

// externals compiles the externality patterns.
func (p *project) externals() (*resolve.Externals, error) {
	ext := &resolve.Externals{ForceInline: p.cfg.Externals.ForceInline}
	var err error
	if ext.Inline, err = parsePatterns(p.cfg.Externals.Inline); err != nil {
		return nil, fmt.Errorf("externals.inline: %w", err)
	}
	if ext.External, err = parsePatterns(p.cfg.Externals.External); err != nil {
		return nil, fmt.Errorf("externals.external: %w", err)
	}
	return ext, nil
}

func parsePatterns(raw []string) ([]resolve.Pattern, error) {
	patterns := make([]resolve.Pattern, 0, len(raw))
	for _, s := range raw {
		pat, err := resolve.ParsePattern(s)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, pat)
	}
	return patterns, nil
}

// resolver builds the transform resolver. cache must only be set when a
// watcher invalidates it.
func (p *project) resolver(ctx context.Context, cache bool) (*resolve.Resolver, error) {
	tr, err := p.transformer(ctx)
	if err != nil {
		return nil, err
	}
	ext, err := p.externals()
	if err != nil {
		return nil, err
	}
	return resolve.New(resolve.Options{
		Root:        p.root,
		Transformer: tr,
		Externals:   ext,
		Cache:       cache,
		Logger:      p.logger,
		Collector:   p.collector,
	})
}

// notifier builds the invalidation notifier, or nil when none is configured.
func (p *project) notifier() (*adapter.Notifier, error) {
	nc := p.cfg.Notify
	var (
		a   adapter.Adapter
		err error
	)
	switch nc.Type {
	case "":
		return nil, nil
	case "webhook":
		a, err = webhook.New(webhook.Config{
			URL:     nc.URL,
			Headers: nc.Headers,
			Timeout: nc.Timeout.Duration,
			Retries: intOr(nc.Retries, webhook.DefaultRetries),
		})
	case "redis":
		a, err = redis.New(redis.Config{
			URL:     nc.URL,
			Channel: nc.Channel,
			Timeout: nc.Timeout.Duration,
			Retries: intOr(nc.Retries, redis.DefaultRetries),
		})
	default:
		return nil, fmt.Errorf("%w: %q", adapter.ErrUnknownType, nc.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	n := adapter.NewNotifier(a, p.serverID, p.root, p.logger, p.collector)
	p.onClose(func() { _ = n.Close() })
	return n, nil
}

// journal opens the build journal, or returns nil when none is configured.
func (p *project) journal(ctx context.Context) (*journal.Journal, error) {
	jc := p.cfg.Journal
	cfg := journal.Config{Dataset: jc.Dataset, ServerID: p.serverID}
	opts := []journal.Option{journal.WithLogger(p.logger), journal.WithCollector(p.collector)}

	var (
		j   *journal.Journal
		err error
	)
	switch jc.Backend {
	case "":
		return nil, nil
	case "fs":
		path := jc.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(p.root, path)
		}
		j, err = journal.NewFS(cfg, path, opts...)
	case "s3":
		bucket, prefix := journal.ParseS3Path(jc.Path)
		j, err = journal.NewS3(ctx, cfg, journal.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       jc.Region,
			Endpoint:     jc.Endpoint,
			UsePathStyle: jc.S3PathStyle,
		}, opts...)
	default:
		return nil, fmt.Errorf("unknown journal backend: %s (must be fs or s3)", jc.Backend)
	}
	if err != nil {
		return nil, err
	}
	p.onClose(func() { _ = j.Close() })
	return j, nil
}

// resolveString returns the flag value when it was set explicitly, else the
// config value, else the flag default.
func resolveString(c *cli.Context, flag, cfgVal string) string {
	if c.IsSet(flag) || cfgVal == "" {
		return c.String(flag)
	}
	return cfgVal
}

func resolveSlice(c *cli.Context, flag string, cfgVal []string) []string {
	if c.IsSet(flag) || len(cfgVal) == 0 {
		return c.StringSlice(flag)
	}
	return cfgVal
}

func resolveInt(c *cli.Context, flag string, cfgVal *int) int {
	if c.IsSet(flag) || cfgVal == nil {
		return c.Int(flag)
	}
	return *cfgVal
}

func resolveBool(c *cli.Context, flag string, cfgVal bool) bool {
	if c.IsSet(flag) {
		return c.Bool(flag)
	}
	return cfgVal || c.Bool(flag)
}

func resolveDuration(c *cli.Context, flag string, cfgVal config.Duration) time.Duration {
	if c.IsSet(flag) || cfgVal.Duration == 0 {
		return c.Duration(flag)
	}
	return cfgVal.Duration
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}
