package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/agent-pool/internal/batch"
	"github.com/hochfrequenz/agent-pool/web/api"
)

var (
	serveHost    string
	servePort    int
	serveWorkers int
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and its HTTP API",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&serveHost, "host", "", "address to bind (default: from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default: from config)")
	serveCmd.Flags().IntVar(&serveWorkers, "workers", 0, "number of worker slots (default: from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.Web.Host = serveHost
	}
	if servePort != 0 {
		cfg.Web.Port = servePort
	}
	if serveWorkers != 0 {
		cfg.General.MaxWorkers = serveWorkers
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)
	rt, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	sched, err := batch.NewScheduler(cfg.Schedules, rt.pool, logger)
	if err != nil {
		return err
	}

	opts := api.Options{
		Addr:      cfg.Web.Addr(),
		Pool:      rt.pool,
		Agents:    rt.selector,
		Metrics:   rt.observer,
		Schedules: sched,
		Logger:    logger,
	}
	if rt.store != nil {
		opts.History = rt.store
	}
	server := api.NewServer(opts)
	rt.pool.Subscribe(server)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Printf("[pool] starting with %d workers, %d agents registered",
		cfg.General.MaxWorkers, rt.selector.Registry().Len())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.pool.Run(ctx) })
	g.Go(func() error { return rt.monitor.Run(ctx) })
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error {
		if err := server.Run(ctx); err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Printf("[pool] stopped")
	return err
}
