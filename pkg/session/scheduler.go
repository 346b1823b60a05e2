package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"warden/internal/logging"
	"warden/pkg/config"
	"warden/pkg/protocol"
)

// ErrHeartbeatStopped is returned by Scheduler.Run when it gave up after
// too many consecutive failures.
var ErrHeartbeatStopped = errors.New("heartbeat scheduler stopped after repeated failures")

// Beater sends one heartbeat. *Registry satisfies it.
type Beater interface {
	Heartbeat(ctx context.Context, sessionID string) (time.Time, error)
}

// Scheduler heartbeats one session on a fixed interval. After
// MaxHeartbeatFailures consecutive failures it stops itself rather than
// hammering a dead store.
type Scheduler struct {
	beater      Beater
	sessionID   string
	interval    time.Duration
	maxFailures int
	log         *slog.Logger

	mu       sync.Mutex
	failures int
	last     time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

// NewScheduler creates a Scheduler. Nothing runs until Start or Run.
func NewScheduler(b Beater, sessionID string, cfg config.Config, logger *slog.Logger) *Scheduler {
	maxFailures := cfg.MaxHeartbeatFailures
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &Scheduler{
		beater:      b,
		sessionID:   sessionID,
		interval:    cfg.HeartbeatInterval,
		maxFailures: maxFailures,
		log:         logging.For(logger, "heartbeat"),
		done:        make(chan struct{}),
	}
}

// Start runs the scheduler on its own goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	go func() { _ = s.Run(ctx) }()
}

// Stop cancels a scheduler started with Start and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-s.done
	}
}

// Done is closed when the scheduler exits for any reason.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Failures returns the current consecutive failure count.
func (s *Scheduler) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// LastBeat returns the time of the last successful heartbeat.
func (s *Scheduler) LastBeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Err returns why the scheduler stopped, nil while running or after a
// clean cancel.
func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Run heartbeats until ctx is done, the failure budget is spent, or the
// session is found released. It returns nil on cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := s.beat(ctx); err != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return err
		}
	}
}

func (s *Scheduler) beat(ctx context.Context) error {
	at, err := s.beater.Heartbeat(ctx, s.sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		s.failures = 0
		s.last = at
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, protocol.ErrSessionReleased) {
		s.log.Error("session released, stopping heartbeat", "session", s.sessionID)
		return err
	}

	s.failures++
	s.log.Warn("heartbeat failed", "session", s.sessionID, "failures", s.failures, "error", err)
	if s.failures >= s.maxFailures {
		s.log.Error("heartbeat giving up", "session", s.sessionID, "failures", s.failures)
		return fmt.Errorf("%w: %w", ErrHeartbeatStopped, err)
	}
	return nil
}
