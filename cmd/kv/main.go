// Package main provides the kv command running set store server and the client streaming stdin into it.
//
// Usage:
//
//	kv server [--host H] [--port P] [--metrics-addr ADDR] [--config FILE]
//	kv client [--host H] [--port P] [--name NAME] [--separator SEP] [--config FILE]
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/outofforest/kv"
	"github.com/outofforest/kv/errsink"
	"github.com/outofforest/kv/setstore"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
)

func main() {
	app := &cli.App{
		Name:  "kv",
		Usage: "Named sets of byte strings fed over the network",
		Commands: []*cli.Command{
			serverCommand(),
			clientCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serverCommand() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "Run the set store server",
		Flags: append(commonFlags(),
			&cli.StringFlag{
				Name:  flagMetricsAddr,
				Usage: "Address prometheus metrics are served on, disabled if empty",
			},
		),
		Action: serverAction,
	}
}

func clientCommand() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "Split stdin into chunks and insert them into the set",
		Flags: append(commonFlags(),
			&cli.StringFlag{
				Name:  flagName,
				Usage: "Name of the set chunks are inserted to",
			},
			&cli.StringFlag{
				Name:  flagSeparator,
				Usage: "Separator splitting stdin into chunks, empty separator disables splitting",
				Value: "\n",
			},
		),
		Action: clientAction,
	}
}

func serverAction(c *cli.Context) error {
	cfg, err := configFromCLI(c)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	sink := errsink.New(errsink.Config{QueueSize: cfg.ErrorQueueSize}, reg)
	store := setstore.New(setstore.Config{InboxSize: cfg.StoreInboxSize}, reg)

	serverConfig := kv.DefaultServerConfig
	serverConfig.Host = cfg.Host
	serverConfig.Port = cfg.Port
	serverConfig.MaxMessageSize = cfg.MaxMessageSize

	return run(c.Context, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("errsink", parallel.Fail, sink.Run)
		spawn("store", parallel.Fail, store.Run)
		spawn("server", parallel.Continue, func(ctx context.Context) error {
			return kv.RunServer(ctx, serverConfig, store, sink)
		})
		if cfg.MetricsAddr != "" {
			spawn("metrics", parallel.Fail, func(ctx context.Context) error {
				return serveMetrics(ctx, cfg.MetricsAddr, reg)
			})
		}
		return nil
	})
}

func clientAction(c *cli.Context) error {
	cfg, err := configFromCLI(c)
	if err != nil {
		return err
	}
	if cfg.Name == "" {
		return errors.New("name of the set must be provided")
	}

	sink := errsink.New(errsink.Config{QueueSize: cfg.ErrorQueueSize}, nil)

	clientConfig := kv.DefaultClientConfig
	clientConfig.Host = cfg.Host
	clientConfig.Port = cfg.Port
	clientConfig.MaxMessageSize = cfg.MaxMessageSize
	client := kv.NewClient(clientConfig, sink)

	chunkerConfig := kv.DefaultChunkerConfig(cfg.Name)
	chunkerConfig.Separator = []byte(cfg.Separator)
	chunkerConfig.BlockSize = cfg.BlockSize
	chunker := kv.NewChunker(chunkerConfig, os.Stdin, client, sink)

	return run(c.Context, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("errsink", parallel.Fail, sink.Run)
		spawn("client", parallel.Continue, client.Run)
		spawn("chunker", parallel.Exit, func(ctx context.Context) error {
			if err := chunker.Run(ctx); err != nil {
				return err
			}
			logger.Get(ctx).Info("Input consumed, waiting for acknowledgements", zap.Int("inFlight", client.InFlight()))
			return client.Drain(ctx)
		})
		return nil
	})
}

// run executes the tasks until they finish or interrupt signal is received.
// Interruption is not an error.
func run(ctx context.Context, setup func(ctx context.Context, spawn parallel.SpawnFn) error) error {
	log := logger.New(logger.DefaultConfig)
	defer func() {
		_ = log.Sync()
	}()

	ctx, stop := signal.NotifyContext(logger.WithLogger(ctx, log), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := parallel.Run(ctx, setup)
	if ctx.Err() != nil {
		log.Info("Interrupted")
		return nil
	}
	if err != nil {
		log.Error("Application failed", zap.Error(err))
	}
	return err
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	ls, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WithStack(err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Get(ctx).Info("Serving metrics", zap.String("addr", ls.Addr().String()))

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("server", parallel.Fail, func(ctx context.Context) error {
			if err := server.Serve(ls); !errors.Is(err, http.ErrServerClosed) {
				return errors.WithStack(err)
			}
			return errors.WithStack(ctx.Err())
		})
		spawn("shutdown", parallel.Fail, func(ctx context.Context) error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return errors.WithStack(err)
			}
			return errors.WithStack(ctx.Err())
		})
		return nil
	})
}
