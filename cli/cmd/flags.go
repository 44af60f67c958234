// Package cmd implements the kiln subcommands.
package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/kiln/cli/config"
)

// Output flags shared by commands that render a payload.
var (
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	// TUIFlag is accepted everywhere output is rendered so that commands
	// without a viewer can reject it explicitly.
	TUIFlag = &cli.BoolFlag{
		Name:  "tui",
		Usage: "Open the interactive viewer (graph, stats only)",
	}
)

// OutputFlags returns the flags for commands that render a payload.
func OutputFlags() []cli.Flag {
	return []cli.Flag{FormatFlag, NoColorFlag, TUIFlag}
}

// ProjectFlags select the project and how kiln talks to it. Each one
// overrides the matching kiln.yaml key.
func ProjectFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to kiln.yaml (default: <root>/" + config.DefaultFile + " if present)",
		},
		&cli.StringFlag{
			Name:  "root",
			Usage: "Project root",
			Value: ".",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level: debug, info, warn, error",
			Value: "info",
		},
		&cli.StringFlag{
			Name:  "transform-url",
			Usage: "HTTP transform service endpoint",
		},
		&cli.StringSliceFlag{
			Name:  "transform-command",
			Usage: "Transform process command and arguments (repeat per argument)",
		},
		&cli.StringSliceFlag{
			Name:  "external",
			Usage: "Pattern of ids loaded natively by the consumer (prefix or /regexp/)",
		},
		&cli.StringSliceFlag{
			Name:  "inline",
			Usage: "Pattern of ids kept in the bundle (prefix or /regexp/)",
		},
	}
}

// SocketFlags locate a running server.
func SocketFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "socket",
			Usage: "RPC socket path (default: selected per platform)",
		},
		&cli.StringFlag{
			Name:  "codec",
			Usage: "Payload codec: json or msgpack",
			Value: "json",
		},
	}
}
