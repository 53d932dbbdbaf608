package main

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v3"
	"go.uber.org/multierr"

	"github.com/nirosys/weir"
	"github.com/nirosys/weir/graph"
	"github.com/nirosys/weir/nodes"
)

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Check graph files for structural errors and unknown node types",
		ArgsUsage: "GRAPH...",
		Action: func(ctx context.Context, command *cli.Command) error {
			files, err := graphArgs(command)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(command)
			if err != nil {
				return err
			}
			x, err := weir.NewExecutor(cfg)
			if err != nil {
				return err
			}
			defer x.Shutdown(ctx)
			nodes.Register(x)

			out := command.Root().Writer
			var errs error
			for _, fn := range files {
				g, err := graph.LoadFile(fn)
				if err == nil {
					err = x.Validate(g)
				}
				if err != nil {
					log.WithField("op", "weir:cli.validate").WithField("file", fn).WithField("err", err.Error()).Debug("invalid graph")
					fmt.Fprintf(out, "%s: %s\n", fn, err)
					errs = multierr.Append(errs, fmt.Errorf("%s: %w", fn, err))
					continue
				}
				fmt.Fprintf(out, "%s: ok (%d nodes, %d edges)\n", fn, len(g.Nodes), len(g.Edges))
			}
			return errs
		},
	}
}
