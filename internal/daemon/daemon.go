// Package daemon implements the strix process lifecycle: it assembles
// the forwarding graph from configuration, runs the scheduler loop and
// handles signals until shutdown.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"firestige.xyz/strix/internal/config"
	"firestige.xyz/strix/internal/fabric"
	"firestige.xyz/strix/internal/log"
	"firestige.xyz/strix/internal/metrics"
	"firestige.xyz/strix/internal/pool"
	"firestige.xyz/strix/internal/router"
	"firestige.xyz/strix/internal/sched"
)

// Daemon manages the strix daemon process lifecycle.
type Daemon struct {
	// Configuration
	config     *config.Config
	configPath string
	pidFile    string

	// Forwarding graph
	loop   *sched.Loop
	pool   *pool.Pool
	fab    *fabric.Core
	table  *router.Table    // nil when the router is disabled
	deferq *router.DeferFwd // nil when the router is disabled

	metricsServer *metrics.Server // nil if metrics disabled
	sinks         []io.Closer     // watch-point sinks


	// Lifecycle management
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	loopDone chan struct{}
	sigChan  chan os.Signal // promoted from Run() local for cleanup in Stop()
}

// New creates a new Daemon instance. pidFile may be empty to skip PID
// file handling.
func New(configPath, pidFile string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	d := &Daemon{
		config:     cfg,
		configPath: configPath,
		pidFile:    pidFile,
		loopDone:   make(chan struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start initializes logging, assembles the forwarding graph and runs
// the scheduler loop in the background.
func (d *Daemon) Start() error {
	// 1. Initialize logging system
	if err := log.Init(d.config.Log); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	slog.Info("starting strix daemon", "config", d.configPath)

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Build the forwarding graph
	if err := d.assemble(); err != nil {
		return fmt.Errorf("failed to assemble forwarding graph: %w", err)
	}

	// 4. Start metrics server
	if d.config.Metrics.Enabled {
		d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
		if err := d.metricsServer.Start(d.ctx); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	// 5. Start port transports before the loop begins servicing them.
	if err := d.fab.Start(); err != nil {
		return fmt.Errorf("failed to start fabric: %w", err)
	}

	// 6. Run the scheduler loop
	d.started = true
	go func() {
		d.loop.Run(d.ctx)
		close(d.loopDone)
	}()

	slog.Info("daemon started successfully")
	return nil
}

// Run runs the daemon main loop, blocking until shutdown is triggered.
// Shutdown comes from SIGTERM/SIGINT or external context cancellation;
// SIGHUP reloads the routes file.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running, waiting for signals")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil

			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.ReloadRoutes(); err != nil {
					slog.Error("failed to reload routes", "error", err)
				}
			}

		case <-d.ctx.Done():
			slog.Info("context cancelled", "error", d.ctx.Err())
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// Stop performs graceful shutdown. Safe to call more than once.
func (d *Daemon) Stop() {
	slog.Info("initiating graceful shutdown")

	// 1. Stop the scheduler loop and wait for it to drain.
	d.cancel()
	if d.started {
		<-d.loopDone
	}

	// 2. Release packets parked on the deferred-forwarding queue.
	if d.deferq != nil {
		d.deferq.Stop()
	}

	// 3. Tear down port transports.
	if d.fab != nil {
		if err := d.fab.Close(); err != nil {
			slog.Error("error closing fabric", "error", err)
		}
	}

	// 4. Close watch-point sinks.
	d.closeSinks()

	// 5. Stop metrics server
	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
		d.metricsServer = nil
	}

	// 6. Unregister signal handler to prevent goroutine leak
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	// 7. Remove PID file
	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}

	slog.Info("daemon stopped gracefully")
}

// ReloadRoutes re-reads the routes file on the loop goroutine so
// in-flight resolutions observe a consistent table.
func (d *Daemon) ReloadRoutes() error {
	if d.table == nil {
		slog.Info("reload ignored, router disabled")
		return nil
	}
	errCh := make(chan error, 1)
	d.loop.Submit(func() { errCh <- d.table.Reload() })
	return <-errCh
}

// Stats returns the fabric counters.
func (d *Daemon) Stats() fabric.Stats {
	return d.fab.Stats()
}

func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	return os.WriteFile(d.pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
