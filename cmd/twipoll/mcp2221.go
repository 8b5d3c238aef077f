package main

import (
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/mklimuk/twipoll/adapter"
	"github.com/mklimuk/twipoll/busctx"
	"github.com/mklimuk/twipoll/cmd/twipoll/console"
)

var mcp2221Cmd = cli.Command{
	Name:  "mcp2221",
	Usage: "talk to the MCP2221 bridge directly",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "device", Value: -1, Usage: "enumeration index of the adapter"},
	},
	Subcommands: cli.Commands{
		&mcp2221StatusCmd,
		&mcp2221ReleaseCmd,
	},
}

var mcp2221StatusCmd = cli.Command{
	Name:  "status",
	Usage: "print the bridge i2c engine status",
	Action: func(c *cli.Context) error {
		a := adapter.NewMCP2221(adapter.WithDevice(c.Int("device")))
		ctx := busctx.SetVerbose(c.Context, c.Bool("verbose"))
		status, err := a.Status(ctx)
		if err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		if err := yaml.NewEncoder(console.Writer()).Encode(status); err != nil {
			return console.Exit(1, "encoding error: %s", console.Red(err))
		}
		return nil
	},
}

var mcp2221ReleaseCmd = cli.Command{
	Name:  "release",
	Usage: "cancel the current transfer and free the bus",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "do not ask for confirmation"},
	},
	Action: func(c *cli.Context) error {
		if !c.Bool("yes") {
			ok, err := console.YesOrNo("cancel the running i2c transfer?")
			if err != nil {
				return console.Exit(1, "terminal error: %s", console.Red(err))
			}
			if !ok {
				console.Infof("bus left untouched")
				return nil
			}
		}
		a := adapter.NewMCP2221(adapter.WithDevice(c.Int("device")))
		ctx := busctx.SetVerbose(c.Context, c.Bool("verbose"))
		status, err := a.ReleaseBus(ctx)
		if err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		if err := yaml.NewEncoder(console.Writer()).Encode(status); err != nil {
			return console.Exit(1, "encoding error: %s", console.Red(err))
		}
		return nil
	},
}
