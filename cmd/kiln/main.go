// Package main provides the kiln CLI entrypoint.
//
// Usage:
//
//	kiln <command> [subcommand] [options]
//
// Exit codes:
//   - 0: success
//   - 1: command error, or strict bundle with failed transforms
//   - 2: usage error
//   - N: exit code of the consumer run by `serve -- <command>`
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/kiln/cli/cmd"
	"github.com/pithecene-io/kiln/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

// osExit is replaced in tests.
var osExit = os.Exit

func main() {
	app := &cli.App{
		Name:           "kiln",
		Usage:          "Module graph server and bundler for SSR consumers",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.ServeCommand(),
			cmd.BundleCommand(),
			cmd.GraphCommand(),
			cmd.ClientCommand(),
			cmd.StatsCommand(),
			cmd.VersionCommand(commit),
		},
	}

	if err := app.Run(os.Args); err != nil {
		// Reached only for errors the handler did not exit on.
		os.Exit(1)
	}
}

// exitErrHandler preserves exit codes from cli.Exit, so a consumer's exit
// code becomes kiln's.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	code, msg := exitStatus(err)
	if msg != "" {
		fmt.Fprintln(stderr, msg)
	}
	osExit(code)
}

var stderr io.Writer = os.Stderr

// exitStatus maps err to a process exit code and the message to print.
func exitStatus(err error) (int, string) {
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		// cli.Exit("", N) carries no message worth printing.
		if msg == fmt.Sprintf("exit status %d", code) {
			msg = ""
		}
		return code, msg
	}
	return 1, fmt.Sprintf("Error: %v", err)
}
