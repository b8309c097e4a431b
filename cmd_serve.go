package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"securechat/discovery"
	"securechat/network"
	"securechat/storage"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay: HTTP API, realtime hub, expiry sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	dbPath := a.cfg.DatabasePath(a.dataDir)
	store, err := storage.OpenPath(dbPath, storage.Options{Logger: a.logger})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			a.logger.Warn("database close failed", zap.Error(err))
		}
	}()

	hub, err := network.ListenHub(a.cfg.RealtimeListen, network.HubOptions{Logger: a.logger.Named("hub")})
	if err != nil {
		return err
	}
	defer hub.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	server, err := network.NewServer(network.ServerOptions{
		Store:         store,
		Publisher:     hub,
		Logger:        a.logger.Named("http"),
		Registry:      registry,
		SweepInterval: a.cfg.SweepInterval,
	})
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", a.cfg.HTTPListen)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", a.cfg.HTTPListen, err)
	}

	a.logger.Info("relay running",
		zap.String("http", listener.Addr().String()),
		zap.String("realtime", hub.Addr().String()),
		zap.String("db", dbPath),
	)

	if !a.cfg.DisableDiscovery {
		advertiser, err := discovery.Advertise(discovery.Config{
			Instance:     a.cfg.DisplayName,
			RelayID:      a.cfg.Identity,
			HTTPPort:     portOf(listener.Addr()),
			RealtimePort: portOf(hub.Addr()),
		})
		if err != nil {
			a.logger.Warn("mDNS advertisement unavailable", zap.Error(err))
		} else {
			defer advertiser.Stop()
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Serve(listener)
	})
	group.Go(func() error {
		return server.RunSweeper(groupCtx)
	})
	group.Go(func() error {
		return store.RunMaintenance(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("http shutdown failed", zap.Error(err))
		}
		return hub.Close()
	})

	err = group.Wait()
	a.logger.Info("relay stopped")
	return err
}

func portOf(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}
