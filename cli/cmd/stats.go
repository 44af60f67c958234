package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/kiln/cli/reader"
	"github.com/pithecene-io/kiln/cli/render"
	"github.com/pithecene-io/kiln/cli/tui"
)

// StatsCommand returns the stats command.
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show the counters of a session report written by serve --report",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:     "report",
				Aliases:  []string{"r"},
				Usage:    "Report file (- for stdin)",
				Required: true,
			},
		}, OutputFlags()...),
		Action: statsAction,
	}
}

func statsAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	report, err := reader.ReadReport(c.String("report"))
	if err != nil {
		return err
	}
	view := reader.Stats(report.Metrics)
	if c.Bool("tui") {
		return r.RenderTUI(tui.ViewStats, view)
	}
	return r.Render(view)
}
