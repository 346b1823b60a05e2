package reprioritize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"warden/internal/logging"
	"warden/pkg/config"
	"warden/pkg/protocol"
	"warden/pkg/store"
	"warden/pkg/urgency"
)

// ScanStore is the read side of the backlog scan.
type ScanStore interface {
	Now() time.Time
	ActiveItems(ctx context.Context) ([]protocol.WorkItem, error)
	ItemSignals(ctx context.Context, itemID string) (store.Signals, error)
}

// Scanner rescores the backlog and feeds the results to an Engine.
type Scanner struct {
	store      ScanStore
	engine     *Engine
	learning   urgency.LearningSource
	signalsDir string
	cfg        config.Config
	log        *slog.Logger
}

// NewScanner creates a Scanner. learning may be nil, in which case no item
// carries a learning override. signalsDir is watched for change
// nudges; writers touch any file there after editing the backlog.
func NewScanner(st ScanStore, engine *Engine, learning urgency.LearningSource, signalsDir string, cfg config.Config, logger *slog.Logger) *Scanner {
	return &Scanner{
		store:      st,
		engine:     engine,
		learning:   learning,
		signalsDir: signalsDir,
		cfg:        cfg,
		log:        logging.For(logger, "scanner"),
	}
}

// Score computes the current urgency of one item.
func (s *Scanner) Score(ctx context.Context, it protocol.WorkItem) (urgency.Result, error) {
	sig, err := s.store.ItemSignals(ctx, it.ID)
	if err != nil {
		return urgency.Result{}, err
	}
	if s.learning != nil {
		v, ok, err := s.learning.Override(ctx, it)
		if err != nil {
			s.log.Warn("learning override failed", "item", it.ID, "error", err)
		} else if ok {
			sig.LearningOverride = &v
		}
	}
	return urgency.Score(urgency.SignalsFor(it, sig), s.store.Now()), nil
}

// ScanOnce scores every non-terminal item and applies the batch.
func (s *Scanner) ScanOnce(ctx context.Context) (ApplyResult, error) {
	items, err := s.store.ActiveItems(ctx)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("scan backlog: %w", err)
	}

	updates := make([]Update, 0, len(items))
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return ApplyResult{}, err
		}
		res, err := s.Score(ctx, it)
		if err != nil {
			return ApplyResult{}, fmt.Errorf("score %s: %w", it.ID, err)
		}
		updates = append(updates, Update{ItemID: it.ID, Result: res})
	}
	return s.engine.Apply(ctx, updates)
}

// Run rescans on every change in the signals directory and on a fallback
// ticker until ctx is done. Without a usable watcher it polls.
func (s *Scanner) Run(ctx context.Context) error {
	s.scan(ctx)

	interval := s.cfg.ScanInterval
	if interval <= 0 {
		interval = time.Minute
	}

	watcher, err := s.watch()
	if err != nil {
		s.log.Warn("signals watcher unavailable, polling", "dir", s.signalsDir, "error", err)
		return s.poll(ctx, interval)
	}
	defer func() { _ = watcher.Close() }()

	fallback := time.NewTicker(interval)
	defer fallback.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return s.poll(ctx, interval)
			}
			s.log.Debug("signal", "path", ev.Name, "op", ev.Op.String())
			s.scan(ctx)
		case err, ok := <-watcher.Errors:
			if ok && err != nil {
				s.log.Warn("signals watcher error", "error", err)
			}
		case <-fallback.C:
			s.scan(ctx)
		}
	}
}

func (s *Scanner) watch() (*fsnotify.Watcher, error) {
	if s.signalsDir == "" {
		return nil, errors.New("no signals directory")
	}
	if err := os.MkdirAll(s.signalsDir, 0o700); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(s.signalsDir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

func (s *Scanner) poll(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *Scanner) scan(ctx context.Context) {
	res, err := s.ScanOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("backlog scan", "error", err)
		}
		return
	}
	if res.Applied > 0 {
		s.log.Info("backlog rescored", "scored", len(res.Items), "applied", res.Applied, "queues", res.Queues)
	}
}
