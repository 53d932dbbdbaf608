package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v3"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/nirosys/weir"
	"github.com/nirosys/weir/eventbus"
	"github.com/nirosys/weir/graph"
	"github.com/nirosys/weir/monitor"
	"github.com/nirosys/weir/nodes"
)

const shutdownTimeout = 5 * time.Second

func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Execute graph files once each, in order",
		ArgsUsage: "GRAPH...",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "trace",
				Usage:   "Log every debug event as it is published",
				Sources: cli.EnvVars("WEIR_TRACE"),
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "Serve Prometheus metrics on this address, e.g. :9090",
				Sources: cli.EnvVars("WEIR_METRICS_ADDR"),
			},
			&cli.DurationFlag{
				Name:    "linger",
				Usage:   "Keep serving metrics this long after the last run",
				Sources: cli.EnvVars("WEIR_LINGER"),
			},
		},
		Action: runAction,
	}
}

func runAction(ctx context.Context, command *cli.Command) error {
	logger := log.WithField("op", "weir:cli.run")

	files, err := graphArgs(command)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(command)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	x, err := weir.NewExecutor(cfg)
	if err != nil {
		return err
	}
	sink := nodes.Register(x)
	mon := monitor.New(x.Engine(), cfg.Monitor)

	grp, gctx := errgroup.WithContext(ctx)

	alerts := mon.SubscribeAlerts()
	grp.Go(func() error {
		for a := range alerts.C {
			logger.WithFields(log.Fields{
				"level":      a.Level,
				"metric":     a.Metric,
				"connection": a.ConnectionID,
				"value":      a.Value,
				"threshold":  a.Threshold,
			}).Warn("connection alert")
		}
		return nil
	})

	var fwd *eventbus.Forwarder
	if command.Bool("trace") {
		if fwd, err = startTrace(gctx, grp, x); err != nil {
			return err
		}
	}

	if addr := command.String("metrics-addr"); addr != "" {
		serveMetrics(gctx, grp, addr, mon)
	}

	var runErr error
	for _, fn := range files {
		if ctx.Err() != nil {
			break
		}
		runErr = multierr.Append(runErr, runFile(ctx, x, sink, fn))
		x.EmitMetrics()
	}

	if linger := command.Duration("linger"); linger > 0 && ctx.Err() == nil {
		logger.WithField("linger", linger).Info("runs complete, lingering")
		select {
		case <-time.After(linger):
		case <-ctx.Done():
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = x.Shutdown(shutdownCtx)
	if fwd != nil {
		err = multierr.Append(err, fwd.Close())
	}
	mon.Close()
	stop()

	return multierr.Combine(runErr, err, grp.Wait())
}

func runFile(ctx context.Context, x *weir.Executor, sink *nodes.Sink, fn string) error {
	logger := log.WithField("op", "weir:cli.run").WithField("file", fn)

	g, err := graph.LoadFile(fn)
	if err != nil {
		return fmt.Errorf("%s: %w", fn, err)
	}
	if err := x.Validate(g); err != nil {
		return fmt.Errorf("%s: %w", fn, err)
	}
	if err := x.Run(ctx, g); err != nil {
		return fmt.Errorf("%s: %w", fn, err)
	}

	for _, n := range g.Nodes {
		if vals := sink.Received(g.ID, n.ID); len(vals) > 0 {
			logger.WithField("node_id", n.ID).WithField("received", len(vals)).Info("sink results")
		}
	}
	sink.Reset(g.ID)
	return nil
}

// startTrace republishes the engine's debug feed on an in-process watermill
// channel and logs what arrives on it.
func startTrace(ctx context.Context, grp *errgroup.Group, x *weir.Executor) (*eventbus.Forwarder, error) {
	logger := log.WithField("op", "weir:cli.trace")
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 1024},
		eventbus.NewLoggerAdapter(logger),
	)
	msgs, err := pubsub.Subscribe(ctx, eventbus.EventsTopic)
	if err != nil {
		return nil, err
	}
	grp.Go(func() error {
		for msg := range msgs {
			logTraceMessage(logger, msg)
			msg.Ack()
		}
		return nil
	})
	return eventbus.NewForwarder(x.Engine(), pubsub), nil
}

func logTraceMessage(logger *log.Entry, msg *message.Message) {
	logger.WithFields(log.Fields{
		"type":       msg.Metadata.Get(eventbus.EventTypeMetadataKey),
		"connection": msg.Metadata.Get(eventbus.ConnectionMetadataKey),
		"payload":    string(msg.Payload),
	}).Info("event")
}

func serveMetrics(ctx context.Context, grp *errgroup.Group, addr string, mon *monitor.Monitor) {
	logger := log.WithField("op", "weir:cli.metrics").WithField("addr", addr)

	reg := prometheus.NewRegistry()
	reg.MustRegister(mon.Collector())
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	grp.Go(func() error {
		logger.Info("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	grp.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
