package main

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v3"

	"github.com/nirosys/weir"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:                  "weir",
		Usage:                 "Run workflow graphs over bounded, backpressured connections",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			NewRunCommand(),
			NewValidateCommand(),
			NewDotCommand(),
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML engine configuration",
				Sources: cli.EnvVars("WEIR_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (trace, debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("WEIR_LOG_LEVEL"),
			},
		},
	}
}

// loadConfig reads --config when given and applies the log level. An
// explicit --log-level wins over the file.
func loadConfig(command *cli.Command) (*weir.Config, error) {
	cfg := weir.DefaultConfig()
	if fn := command.String("config"); fn != "" {
		var err error
		if cfg, err = weir.LoadConfigFile(fn); err != nil {
			return nil, fmt.Errorf("loading %s: %w", fn, err)
		}
	}

	level := cfg.LogLevel
	if command.IsSet("log-level") || level == "" {
		level = command.String("log-level")
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	log.SetLevel(lvl)
	return cfg, nil
}

func graphArgs(command *cli.Command) ([]string, error) {
	if command.NArg() == 0 {
		return nil, fmt.Errorf("%s: at least one graph file is required", command.Name)
	}
	return command.Args().Slice(), nil
}
