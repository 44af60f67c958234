package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/kiln/cli/reader"
	"github.com/pithecene-io/kiln/cli/render"
	"github.com/pithecene-io/kiln/consumer"
	"github.com/pithecene-io/kiln/devserver"
	"github.com/pithecene-io/kiln/ipc"
	"github.com/pithecene-io/kiln/rpc"
	"github.com/pithecene-io/kiln/runner"
	"github.com/pithecene-io/kiln/types"
	"github.com/pithecene-io/kiln/watch"
)

// ServeCommand returns the serve command.
func ServeCommand() *cli.Command {
	flags := append(ProjectFlags(), SocketFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:  "entry",
			Usage: "Server entry module id handed to the consumer",
		},
		&cli.StringFlag{
			Name:  "client-entry",
			Usage: "Client entry module id reported in the manifest",
		},
		&cli.StringFlag{
			Name:  "base",
			Usage: "Public asset base",
		},
		&cli.StringFlag{
			Name:  "base-url",
			Usage: "Base URL of the dev server",
		},
		&cli.BoolFlag{
			Name:  "no-scripts",
			Usage: "Omit the client entry from the manifest",
		},
		&cli.BoolFlag{
			Name:  "no-watch",
			Usage: "Do not watch the project for changes",
		},
		&cli.StringFlag{
			Name:  "build-dir",
			Usage: "Directory receiving the consumer entry points (dist/server)",
		},
		&cli.StringFlag{
			Name:  "report",
			Usage: "Write a JSON session report on exit (path, or - for stderr)",
		},
		&cli.BoolFlag{
			Name:  "stats",
			Usage: "Print counters on exit",
		},
	)
	return &cli.Command{
		Name:      "serve",
		Usage:     "Serve modules to a consumer over the RPC socket",
		ArgsUsage: "[-- consumer command...]",
		Description: "Starts the RPC server and, unless --no-watch is set, the file watcher.\n" +
			"With a consumer command the server lives as long as the consumer and\n" +
			"exits with its exit code. Without one, the handoff variable is printed\n" +
			"so another process can connect.",
		Flags:  flags,
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	p, err := openProject(c)
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := p.cfg
	watching := cfg.Watch.On() && !c.Bool("no-watch")
	res, err := p.resolver(ctx, watching)
	if err != nil {
		return err
	}
	notifier, err := p.notifier()
	if err != nil {
		return err
	}
	jrnl, err := p.journal(ctx)
	if err != nil {
		return err
	}

	svc, err := devserver.New(devserver.Options{
		Resolver:    res,
		ClientEntry: resolveString(c, "client-entry", cfg.ClientEntry),
		NoScripts:   resolveBool(c, "no-scripts", cfg.NoScripts),
		Notifier:    notifier,
		Journal:     jrnl,
		Logger:      p.logger,
		Collector:   p.collector,
	})
	if err != nil {
		return err
	}

	codec, err := ipc.CodecByName(p.codec)
	if err != nil {
		return err
	}
	socket := resolveString(c, "socket", cfg.Socket)
	if socket == "" {
		socket = rpc.SocketPath()
	}
	p.logger = p.logger.With(map[string]any{"socket": socket})

	srv := rpc.NewServer(socket, svc, rpc.ServerOptions{
		Codec:             codec,
		InitialBufferSize: cfg.Buffer.Initial,
		MaxBufferSize:     cfg.Buffer.Max,
		Logger:            p.logger,
		Collector:         p.collector,
	})
	if err := srv.Listen(); err != nil {
		return err
	}
	defer func() { _ = srv.Close() }()

	opts := nodeOptions(c, p, socket)
	if dir := resolveString(c, "build-dir", cfg.BuildDir); dir != "" {
		if err := runner.WriteDevServer(dir); err != nil {
			return err
		}
		defer func() { _ = runner.Cleanup() }()
	}

	started := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(gctx); !errors.Is(err, rpc.ErrServerClosed) {
			return err
		}
		return nil
	})

	if watching {
		w, err := watch.New(watch.Config{
			Root:     p.root,
			Ignore:   cfg.Watch.Ignore,
			Debounce: cfg.Watch.Debounce.Duration,
			OnChange: svc.FilesChanged,
			Logger:   p.logger,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	var exitCode int
	if c.Args().Present() {
		proc, err := consumer.New(consumer.Config{
			Command:     c.Args().First(),
			Args:        c.Args().Tail(),
			Dir:         p.root,
			NodeOptions: opts,
			Stdout:      os.Stdout,
			Stderr:      os.Stderr,
			Logger:      p.logger,
		})
		if err != nil {
			return err
		}
		// Shutdown goes through Stop so the consumer gets its grace period.
		if err := proc.Start(context.WithoutCancel(gctx)); err != nil {
			return err
		}
		g.Go(func() error {
			select {
			case <-proc.Done():
			case <-gctx.Done():
				_ = proc.Stop()
			}
			result, err := proc.Wait()
			if err != nil {
				return err
			}
			exitCode = result.ExitCode
			return errConsumerExited
		})
	} else {
		env, err := opts.Env()
		if err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer, env)
	}

	p.logger.Info("kiln serving", map[string]any{
		"watch":   watching,
		"version": types.Version,
	})

	err = g.Wait()
	_ = srv.Close()
	if errors.Is(err, errConsumerExited) || errors.Is(err, context.Canceled) {
		err = nil
	}

	snap := p.collector.Snapshot()
	p.logger.Info("kiln stopped", map[string]any{
		"duration_ms":   time.Since(started).Milliseconds(),
		"connections":   snap.ConnectionsOpened,
		"requests":      snap.FramesReceived,
		"graph_builds":  snap.GraphBuilds,
		"invalidations": snap.InvalidationsMarked,
	})

	if path := c.String("report"); path != "" {
		report := svc.Report(devserver.SessionMeta{
			ServerID:  p.serverID,
			Socket:    socket,
			Root:      p.root,
			StartedAt: started,
		}, snap)
		if werr := devserver.WriteReport(report, path); werr != nil {
			p.logger.Error("failed to write report", map[string]any{"error": werr.Error()})
		}
	}
	if c.Bool("stats") {
		r := render.NewRendererWithWriter(render.FormatTable, true, c.App.ErrWriter)
		if rerr := r.Render(reader.Stats(&snap)); rerr != nil {
			return rerr
		}
	}

	if err != nil {
		return err
	}
	if exitCode != 0 {
		return cli.Exit("", exitCode)
	}
	return nil
}

// errConsumerExited stops the errgroup when the consumer exits on its own.
var errConsumerExited = errors.New("consumer exited")

// nodeOptions builds the handoff blob for the consumer.
func nodeOptions(c *cli.Context, p *project, socket string) types.NodeOptions {
	cc := p.cfg.Client
	opts := types.NodeOptions{
		BaseURL:          resolveString(c, "base-url", p.cfg.BaseURL),
		SocketPath:       socket,
		Root:             p.root,
		EntryPath:        resolveString(c, "entry", p.cfg.Entry),
		Base:             resolveString(c, "base", p.cfg.Base),
		MaxRetryAttempts: cc.MaxRetryAttempts,
	}
	if cc.BaseRetryDelay.Duration > 0 {
		opts.BaseRetryDelay = types.Millis(cc.BaseRetryDelay.Duration)
	}
	if cc.MaxRetryDelay.Duration > 0 {
		opts.MaxRetryDelay = types.Millis(cc.MaxRetryDelay.Duration)
	}
	if cc.RequestTimeout.Duration > 0 {
		opts.RequestTimeout = types.Millis(cc.RequestTimeout.Duration)
	}
	return opts
}
