package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/kiln/cli/render"
	"github.com/pithecene-io/kiln/types"
)

// VersionResponse is the payload of the version command.
type VersionResponse struct {
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocol_version"`
	Commit          string `json:"commit"`
}

// VersionCommand returns the version command. It never contacts a server.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Flags: OutputFlags(),
		Action: func(c *cli.Context) error {
			if c.Bool("tui") {
				return cli.Exit("--tui is not supported for version command", 1)
			}
			r, err := render.NewRenderer(c)
			if err != nil {
				return err
			}
			return r.Render(VersionResponse{
				Version:         types.Version,
				ProtocolVersion: types.ProtocolVersion,
				Commit:          commit,
			})
		},
	}
}
