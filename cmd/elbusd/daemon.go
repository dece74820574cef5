package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/vitalvas/elbus"
	"github.com/vitalvas/elbus/extensions/fifo"
	"github.com/vitalvas/elbus/extensions/rpc"
	"github.com/vitalvas/elbus/internal/config"
	"golang.org/x/sync/errgroup"
)

// run starts the broker and serves every bind address until ctx is done or
// an endpoint fails.
func run(ctx context.Context, cfg *config.Config, logger elbus.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.PidFile != "" {
		if err := writePidFile(cfg.PidFile); err != nil {
			return err
		}
		defer os.Remove(cfg.PidFile)
	}

	metrics := elbus.NewPrometheusMetrics(nil)

	bopts, err := cfg.BrokerOptions()
	if err != nil {
		return err
	}
	bopts = append(bopts, elbus.WithLogger(logger), elbus.WithMetrics(metrics))
	broker := elbus.NewBroker(bopts...)
	defer broker.Close()

	svc, err := rpc.ServeBroker(broker)
	if err != nil {
		return fmt.Errorf("start broker service: %w", err)
	}
	defer svc.Close()

	sopts, err := cfg.ServerOptions()
	if err != nil {
		return err
	}
	srv := elbus.NewServer(broker, sopts...)
	defer srv.Close()

	tlsConfig, err := cfg.TLSConfig()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, bind := range cfg.Bind {
		addr, err := elbus.ParseAddress(bind)
		if err != nil {
			return err
		}

		switch addr.Scheme {
		case "fifo":
			ch, err := fifo.New(broker, addr.Address, fifo.WithBufSize(cfg.BufSize), fifo.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("bind %s: %w", bind, err)
			}
			defer ch.Close()
			logger.Info("listening", elbus.LogFields{elbus.LogFieldListener: addr.String(), elbus.LogFieldKind: string(elbus.ClientInternal)})
			g.Go(func() error { return serveErr(ch.Serve(gctx)) })

		case "ws", "wss":
			g.Go(func() error { return serveErr(srv.ServeWS(addr, tlsConfig)) })

		default:
			l, err := elbus.Listen(addr, tlsConfig)
			if err != nil {
				return fmt.Errorf("bind %s: %w", bind, err)
			}
			g.Go(func() error { return serveErr(srv.Serve(l, addr.Kind())) })
		}
	}

	var hs *http.Server
	if cfg.Metrics.Address != "" {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		hs = &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics listening", elbus.LogFields{elbus.LogFieldListener: hs.Addr})
			if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", nil)
		if hs != nil {
			sctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
			defer cancel()
			hs.Shutdown(sctx)
		}
		return srv.Close()
	})

	logger.Info("broker started", elbus.LogFields{
		"id":      broker.ID().String(),
		"version": elbus.Version,
		"workers": cfg.Workers,
	})

	return g.Wait()
}

// serveErr hides the errors endpoints return on a regular shutdown.
func serveErr(err error) error {
	if errors.Is(err, elbus.ErrServerClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func writePidFile(path string) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}
