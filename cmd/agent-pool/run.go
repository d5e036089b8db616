package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/agent-pool/internal/domain"
	"github.com/hochfrequenz/agent-pool/web/api"
)

var runVerbose bool

func init() {
	runCmd := &cobra.Command{
		Use:   "run DESCRIPTION",
		Short: "Run a single task in this process, without a server",
		Args:  cobra.ExactArgs(1),
		RunE:  runOnce,
	}
	addTaskFlags(runCmd)
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "log scheduler activity to stderr")
	rootCmd.AddCommand(runCmd)
}

func runOnce(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	req, err := submitRequest(args[0])
	if err != nil {
		return err
	}
	poolReq, err := req.PoolRequest()
	if err != nil {
		return err
	}

	logger := log.New(io.Discard, "", 0)
	if runVerbose {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	rt, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt.pool.Start(ctx)
	go rt.monitor.Run(ctx)

	id, err := rt.pool.Submit(poolReq)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Started %s\n", id)

	task, waitErr := rt.pool.Wait(ctx, id)
	if waitErr != nil {
		// interrupted: cancel and collect the final state
		rt.pool.Cancel(id)
		cancelCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.General.TerminationGracePeriod.Duration)
		task, _ = rt.pool.Wait(cancelCtx, id)
		cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.General.TerminationGracePeriod.Duration)
	defer cancel()
	if err := rt.pool.Shutdown(shutdownCtx); err != nil {
		logger.Printf("[pool] shutdown: %v", err)
	}

	if jsonOutput {
		return printJSON(task)
	}
	printTask(api.TaskResponse{Task: task, Source: "live"})
	if task.Status != domain.StatusCompleted {
		return fmt.Errorf("task %s %s", id, task.Status)
	}
	return nil
}
