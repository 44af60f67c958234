package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/kiln/cli/reader"
	"github.com/pithecene-io/kiln/cli/render"
	"github.com/pithecene-io/kiln/cli/tui"
	"github.com/pithecene-io/kiln/devserver"
	"github.com/pithecene-io/kiln/graph"
)

var entryFlag = &cli.StringFlag{
	Name:    "entry",
	Aliases: []string{"e"},
	Usage:   "Entry module id (default: entry from kiln.yaml)",
}

// BundleCommand returns the bundle command.
func BundleCommand() *cli.Command {
	flags := append(ProjectFlags(),
		entryFlag,
		&cli.StringFlag{
			Name:    "out",
			Aliases: []string{"o"},
			Usage:   "Write the bundle to this file instead of stdout",
		},
		&cli.BoolFlag{
			Name:  "strict",
			Usage: "Fail when any module could not be transformed",
		},
	)
	return &cli.Command{
		Name:   "bundle",
		Usage:  "Build the module graph of an entry and emit its loader bundle",
		Flags:  flags,
		Action: bundleAction,
	}
}

func bundleAction(c *cli.Context) error {
	p, err := openProject(c)
	if err != nil {
		return err
	}
	defer p.Close()

	g, err := buildGraph(c, p)
	if err != nil {
		return err
	}
	for _, d := range g.Diagnostics {
		fmt.Fprintf(c.App.ErrWriter, "warning: %s was replaced by an empty module: %s\n", d.ID, d.Error.Message)
	}
	if c.Bool("strict") && len(g.Diagnostics) > 0 {
		return cli.Exit(fmt.Sprintf("%d module(s) failed to transform", len(g.Diagnostics)), 1)
	}

	b := graph.Emit(g)
	out := c.String("out")
	if out == "" {
		_, err := fmt.Fprint(c.App.Writer, b.Code)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := os.WriteFile(out, []byte(b.Code), 0o644); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	p.logger.Info("bundle written", map[string]any{
		"path":    out,
		"entry":   g.Entry,
		"modules": len(b.IDs),
		"bytes":   len(b.Code),
	})
	return nil
}

// GraphCommand returns the graph command.
func GraphCommand() *cli.Command {
	return &cli.Command{
		Name:   "graph",
		Usage:  "Show the module graph of an entry",
		Flags:  append(append(ProjectFlags(), entryFlag), OutputFlags()...),
		Action: graphAction,
	}
}

func graphAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	p, err := openProject(c)
	if err != nil {
		return err
	}
	defer p.Close()

	g, err := buildGraph(c, p)
	if err != nil {
		return err
	}
	view := reader.Graph(g)
	if c.Bool("tui") {
		return r.RenderTUI(tui.ViewGraph, view)
	}
	return r.Render(view)
}

// buildGraph walks the entry once, journaling the build when configured.
func buildGraph(c *cli.Context, p *project) (*graph.Graph, error) {
	entry := resolveString(c, "entry", p.cfg.Entry)
	if entry == "" {
		return nil, errors.New("no entry: pass --entry or set entry in kiln.yaml")
	}

	ctx := c.Context
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := p.resolver(ctx, false)
	if err != nil {
		return nil, err
	}
	jrnl, err := p.journal(ctx)
	if err != nil {
		return nil, err
	}
	svc, err := devserver.New(devserver.Options{
		Resolver:  res,
		Journal:   jrnl,
		Logger:    p.logger,
		Collector: p.collector,
	})
	if err != nil {
		return nil, err
	}
	return svc.Build(ctx, entry)
}
