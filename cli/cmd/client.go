package cmd

import (
	"errors"
	"fmt"
	"slices"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/kiln/cli/reader"
	"github.com/pithecene-io/kiln/cli/render"
	"github.com/pithecene-io/kiln/ipc"
	"github.com/pithecene-io/kiln/rpc"
	"github.com/pithecene-io/kiln/types"
)

// ClientCommand returns the client command, which drives a running server
// the way a consumer would.
func ClientCommand() *cli.Command {
	flags := append(SocketFlags(), OutputFlags()...)
	return &cli.Command{
		Name:  "client",
		Usage: "Call a running server (socket from --socket or " + types.NodeOptionsEnv + ")",
		Subcommands: []*cli.Command{
			{
				Name:  "manifest",
				Usage: "Fetch the client asset manifest",
				Flags: flags,
				Action: clientAction(func(c *cli.Context, cl *rpc.Client) (any, error) {
					m, err := cl.Manifest(c.Context)
					return reader.ManifestView(m), err
				}),
			},
			{
				Name:  "invalidates",
				Usage: "Drain the pending invalidated module ids",
				Flags: flags,
				Action: clientAction(func(c *cli.Context, cl *rpc.Client) (any, error) {
					return cl.Invalidates(c.Context)
				}),
			},
			{
				Name:      "resolve",
				Usage:     "Resolve a module id",
				ArgsUsage: "<id>",
				Flags: append(slices.Clip(flags), &cli.StringFlag{
					Name:  "importer",
					Usage: "Importing module id",
				}),
				Action: clientAction(func(c *cli.Context, cl *rpc.Client) (any, error) {
					id, err := requireArg(c, "id")
					if err != nil {
						return nil, err
					}
					return cl.ResolveID(c.Context, id, c.String("importer"))
				}),
			},
			{
				Name:      "module",
				Usage:     "Fetch a transformed module",
				ArgsUsage: "<id>",
				Flags:     flags,
				Action: clientAction(func(c *cli.Context, cl *rpc.Client) (any, error) {
					id, err := requireArg(c, "id")
					if err != nil {
						return nil, err
					}
					return cl.FetchModule(c.Context, id)
				}),
			},
		},
	}
}

type clientCall func(c *cli.Context, cl *rpc.Client) (any, error)

func clientAction(call clientCall) cli.ActionFunc {
	return func(c *cli.Context) error {
		if c.Bool("tui") {
			return cli.Exit(fmt.Sprintf("--tui is not supported for client %s", c.Command.Name), 1)
		}
		r, err := render.NewRenderer(c)
		if err != nil {
			return err
		}
		cl, err := dialClient(c)
		if err != nil {
			return err
		}
		defer func() { _ = cl.Close() }()

		out, err := call(c, cl)
		if err != nil {
			var remote *rpc.RemoteError
			if errors.As(err, &remote) {
				msg := remote.Error()
				if frame := remote.Frame(); frame != "" {
					msg += "\n" + frame
				}
				return cli.Exit(msg, 1)
			}
			return err
		}
		return r.Render(out)
	}
}

// dialClient connects to --socket, or to the server named by the handoff
// variable.
func dialClient(c *cli.Context) (*rpc.Client, error) {
	codec, err := ipc.CodecByName(c.String("codec"))
	if err != nil {
		return nil, err
	}
	if socket := c.String("socket"); socket != "" {
		return rpc.Dial(c.Context, socket, rpc.ClientOptions{Codec: codec})
	}
	cl, _, err := rpc.DialEnv(c.Context, codec)
	if errors.Is(err, types.ErrNoNodeOptions) {
		return nil, fmt.Errorf("no server to call: pass --socket or set %s", types.NodeOptionsEnv)
	}
	return cl, err
}

func requireArg(c *cli.Context, name string) (string, error) {
	if c.NArg() != 1 {
		return "", cli.Exit(fmt.Sprintf("client %s: expected exactly one <%s> argument", c.Command.Name, name), 2)
	}
	return c.Args().First(), nil
}
