package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"warden/pkg/liveness"
	"warden/pkg/session"
)

// DaemonStatusValue represents the health state of the daemon.
type DaemonStatusValue string

const (
	// StatusRunning means the PID file exists and the process is alive.
	StatusRunning DaemonStatusValue = "running"
	// StatusStopped means no PID file exists.
	StatusStopped DaemonStatusValue = "stopped"
	// StatusStale means the PID file exists but the process is dead.
	StatusStale DaemonStatusValue = "stale"
)

const pidFileName = "daemon.pid"

// WritePIDFile writes the given PID to the specified file path, creating its
// directory if needed.
func WritePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create PID dir: %w", err)
	}
	data := []byte(strconv.Itoa(pid))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write PID file %s: %w", path, err)
	}
	return nil
}

// ReadPIDFile reads and parses the PID from the given file path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // PID file path is controlled by the application
	if err != nil {
		return 0, fmt.Errorf("read PID file %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse PID from %s: %w", path, err)
	}
	return pid, nil
}

// RemovePIDFile removes the PID file. It is idempotent: no error if the file
// does not exist.
func RemovePIDFile(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove PID file %s: %w", path, err)
	}
	return nil
}

// DaemonStatus reports whether the daemon recorded at pidPath is running.
func DaemonStatus(pidPath string, probe liveness.Probe) (DaemonStatusValue, int, error) {
	pid, err := ReadPIDFile(pidPath)
	if errors.Is(err, os.ErrNotExist) {
		return StatusStopped, 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	if pid > 0 && probe.Alive(pid) {
		return StatusRunning, pid, nil
	}
	return StatusStale, pid, nil
}

// newDaemonCmd creates the "warden daemon" subcommand.
func newDaemonCmd(a *app) *cobra.Command {
	var heartbeat bool
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the backlog loop and periodic stale cleanup",
		Long: `Runs in the foreground until interrupted:

  - rescoring the backlog whenever a file in $WARDEN_HOME/signals changes,
    and on the configured scan interval regardless
  - re-ranking queues whose items changed band or score
  - releasing claims of dead sessions every stale threshold
  - with --heartbeat, keeping this terminal's session alive

Only one daemon runs per WARDEN_HOME.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.open(ctx); err != nil {
				return err
			}

			pidPath := a.paths.PIDPath
			status, pid, err := DaemonStatus(pidPath, a.probe)
			if err != nil {
				return err
			}
			if status == StatusRunning && pid != os.Getpid() {
				return fmt.Errorf("daemon already running (pid %d)", pid)
			}
			if err := WritePIDFile(pidPath, os.Getpid()); err != nil {
				return err
			}
			defer func() { _ = RemovePIDFile(pidPath) }()

			_, scanner, release, err := a.backlog()
			if err != nil {
				return err
			}
			defer release()

			var sched *session.Scheduler
			if heartbeat {
				sess, err := a.ensureSession(ctx, true)
				if err != nil {
					return err
				}
				sched = session.NewScheduler(a.registry, sess.ID, a.cfg, a.log)
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return scanner.Run(gctx) })
			g.Go(func() error { return a.cleanupLoop(gctx) })
			if sched != nil {
				g.Go(func() error { return sched.Run(gctx) })
			}

			a.log.Info("daemon started", "pid", os.Getpid(), "signals", a.paths.SignalsDir,
				"scan_interval", a.cfg.ScanInterval, "stale_threshold", a.cfg.StaleThreshold)
			err = g.Wait()
			a.log.Info("daemon stopped", "error", err)
			return err
		},
	}
	cmd.Flags().BoolVar(&heartbeat, "heartbeat", false, "also heartbeat this terminal's session")
	return cmd
}

// cleanupLoop runs stale cleanup once per stale threshold until ctx is done.
// Failures are logged; the loop keeps going.
func (a *app) cleanupLoop(ctx context.Context) error {
	interval := a.cfg.StaleThreshold
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := a.registry.CleanupStale(ctx, 0); err != nil && ctx.Err() == nil {
				a.log.Error("stale cleanup", "error", err)
			}
		}
	}
}
