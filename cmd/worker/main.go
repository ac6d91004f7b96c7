package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yungbote/smriti-backend/internal/app"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.Close(closeCtx)
	}()

	orch, err := a.Orchestrator()
	if err != nil {
		return err
	}
	reg, err := a.JobRegistry(orch)
	if err != nil {
		return err
	}

	a.StartCollectors(ctx)
	w := a.Worker(reg)
	w.Start(ctx)

	if cfg.Scheduler.Enabled {
		sched, err := a.Scheduler()
		if err != nil {
			return err
		}
		sched.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			sched.Stop(stopCtx)
		}()
	}

	ops := a.OpsServer()
	opsErr := make(chan error, 1)
	go func() { opsErr <- ops.Run() }()
	a.Log.Info("worker running", "ops_addr", cfg.OpsAddr, "scheduler", cfg.Scheduler.Enabled)

	select {
	case <-ctx.Done():
	case err := <-opsErr:
		if err != nil {
			a.Log.Error("ops server stopped", "error", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := ops.Shutdown(shutdownCtx); err != nil {
		a.Log.Warn("ops server shutdown", "error", err)
	}
	w.Wait()
	a.Log.Info("worker stopped")
	return nil
}
