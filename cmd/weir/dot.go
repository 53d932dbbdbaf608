package main

import (
	"context"
	"io"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/nirosys/weir/graph"
)

func NewDotCommand() *cli.Command {
	return &cli.Command{
		Name:      "dot",
		Usage:     "Render a graph file in Graphviz format",
		ArgsUsage: "GRAPH",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Write to this file instead of stdout",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			files, err := graphArgs(command)
			if err != nil {
				return err
			}
			g, err := graph.LoadFile(files[0])
			if err != nil {
				return err
			}

			var w io.Writer = command.Root().Writer
			if fn := command.String("output"); fn != "" {
				f, err := os.Create(fn)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return g.WriteDot(w)
		},
	}
}
