// Package session manages session rows: registration and adoption, lookup
// by terminal identity, heartbeats, stale cleanup and shutdown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"warden/internal/logging"
	"warden/pkg/config"
	"warden/pkg/identity"
	"warden/pkg/liveness"
	"warden/pkg/protocol"
	"warden/pkg/store"
)

// Attrs are the process attributes recorded on a new session.
type Attrs struct {
	MachineID string
	// PID is the process whose liveness stands for the session. Zero takes
	// the identity's runtime pid; if that is unknown too, the session records
	// no pid and always counts as alive.
	PID      int
	Hostname string
	Codebase string
}

// Registration is the result of RegisterOrAdopt.
type Registration struct {
	Session  protocol.Session      `json:"session" yaml:"session"`
	Outcome  store.RegisterOutcome `json:"outcome" yaml:"outcome"`
	Released []string              `json:"released,omitempty" yaml:"released,omitempty"`

	// Notice is informational: set when the adopted session already holds
	// a claim.
	Notice string `json:"notice,omitempty" yaml:"notice,omitempty"`
}

// Options carries the optional collaborators of a Registry.
type Options struct {
	Cache    *Cache          // local identity -> session hint, may be nil
	Probe    liveness.Probe  // defaults to liveness.OS
	Hostname string          // defaults to os.Hostname
	Context  ContextProvider // heartbeat metadata source, may be nil
	Logger   *slog.Logger
}

// Registry is the session registry. Safe for concurrent use.
type Registry struct {
	store    *store.Store
	cfg      config.Config
	cache    *Cache
	probe    liveness.Probe
	hostname string
	working  ContextProvider
	log      *slog.Logger

	pending sync.WaitGroup
}

// NewRegistry creates a Registry over st.
func NewRegistry(st *store.Store, cfg config.Config, opts Options) *Registry {
	r := &Registry{
		store:    st,
		cfg:      cfg,
		cache:    opts.Cache,
		probe:    opts.Probe,
		hostname: opts.Hostname,
		working:  opts.Context,
		log:      logging.For(opts.Logger, "session"),
	}
	if r.probe == nil {
		r.probe = liveness.OS{}
	}
	if r.hostname == "" {
		r.hostname, _ = os.Hostname()
	}
	return r
}

// Hostname is the host this registry considers local.
func (r *Registry) Hostname() string {
	return r.hostname
}

func (r *Registry) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.cfg.StoreTimeout)
}

// FindByIdentity returns the live session registered for identity, or nil.
// When duplicate registrations exist the most recently updated one wins and
// the rest are released in the background (see Wait).
func (r *Registry) FindByIdentity(ctx context.Context, ident string) (*protocol.Session, error) {
	if ident == "" {
		return nil, protocol.ErrMissingIdentity
	}
	if r.cache != nil {
		if e, ok := r.cache.Load(ident); ok {
			r.log.Debug("session cache hint", "identity", ident, "session", e.SessionID)
		}
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	sessions, err := r.store.SessionsByIdentity(ctx, ident)
	if err != nil {
		return nil, fmt.Errorf("find session for %s: %w", ident, err)
	}
	if len(sessions) == 0 {
		if r.cache != nil {
			_ = r.cache.Remove(ident)
		}
		return nil, nil
	}

	winner := sessions[0]
	if len(sessions) > 1 {
		dups := make([]string, 0, len(sessions)-1)
		for _, s := range sessions[1:] {
			dups = append(dups, s.ID)
		}
		r.releaseAsync(dups, protocol.ReasonDuplicate)
	}
	r.remember(winner)
	return &winner, nil
}

// releaseAsync ends sessions on a tracked goroutine so the caller is not
// held up by cleanup of someone else's rows.
func (r *Registry) releaseAsync(ids []string, reason string) {
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		for _, id := range ids {
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StoreTimeout)
			err := r.store.EndSession(ctx, id, reason)
			cancel()
			if err != nil {
				r.log.Warn("release duplicate session", "session", id, "error", err)
				continue
			}
			r.log.Info("released duplicate session", "session", id, "reason", reason)
		}
	}()
}

// Wait blocks until background releases scheduled by FindByIdentity finish.
func (r *Registry) Wait() {
	r.pending.Wait()
}

// RegisterOrAdopt creates a session for id, supersedes older ones, or
// adopts a registration that raced this one. An unreachable store here is
// a hard error: no session can be established.
func (r *Registry) RegisterOrAdopt(ctx context.Context, id identity.Identity, attrs Attrs) (Registration, error) {
	if id.Value == "" {
		return Registration{}, protocol.ErrMissingIdentity
	}
	if attrs.Hostname == "" {
		attrs.Hostname = r.hostname
	}
	if attrs.PID == 0 {
		attrs.PID = id.RuntimePID
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	reg, err := r.store.RegisterOrAdoptSession(ctx, store.RegisterParams{
		Identity:    id.Value,
		Tier:        id.Tier,
		Channel:     id.Channel,
		MachineID:   attrs.MachineID,
		PID:         attrs.PID,
		Hostname:    attrs.Hostname,
		Codebase:    attrs.Codebase,
		AdoptWindow: r.cfg.AdoptWindow,
	})
	if err != nil {
		return Registration{}, err
	}

	out := Registration{Session: reg.Session, Outcome: reg.Outcome, Released: reg.Released}
	if reg.Outcome == store.RegisterAdopted && reg.Session.ClaimedItemID != "" {
		out.Notice = fmt.Sprintf("adopted session %s already holds %s", reg.Session.ID, reg.Session.ClaimedItemID)
	}
	r.log.Info("session registered",
		"session", reg.Session.ID, "identity", id.Value, "tier", id.Tier, "outcome", reg.Outcome)
	r.remember(reg.Session)
	return out, nil
}

// Heartbeat refreshes the session's liveness timestamp, then records the
// working context as best-effort metadata.
func (r *Registry) Heartbeat(ctx context.Context, sessionID string) (time.Time, error) {
	tctx, cancel := r.withTimeout(ctx)
	at, err := r.store.Heartbeat(tctx, sessionID)
	cancel()
	if err != nil {
		return time.Time{}, err
	}

	if r.working != nil {
		kv, err := r.working.Context(ctx)
		if err != nil {
			r.log.Warn("read working context", "session", sessionID, "error", err)
			return at, nil
		}
		if len(kv) > 0 {
			tctx, cancel := r.withTimeout(ctx)
			if err := r.store.UpdateMetadata(tctx, sessionID, kv); err != nil {
				r.log.Warn("write heartbeat metadata", "session", sessionID, "error", err)
			}
			cancel()
		}
	}
	return at, nil
}

// CleanupStale releases sessions whose heartbeat is older than threshold
// and whose local process is verifiably dead, and marks the rest stale.
// A zero threshold means the configured one.
func (r *Registry) CleanupStale(ctx context.Context, threshold time.Duration) (store.CleanupResult, error) {
	if threshold <= 0 {
		threshold = r.cfg.StaleThreshold
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	res, err := r.store.CleanupStale(ctx, store.CleanupParams{
		Threshold: threshold,
		BatchSize: r.cfg.CleanupBatchSize,
		Hostname:  r.hostname,
		IsDead:    liveness.Dead(r.probe),
	})
	if err != nil {
		return store.CleanupResult{}, err
	}
	if len(res.Released)+len(res.MarkedStale) > 0 {
		r.log.Info("stale cleanup", "released", len(res.Released), "marked_stale", len(res.MarkedStale))
	}
	return res, nil
}

// EndSession releases the session's claim and retires it. Repeat calls are
// no-ops.
func (r *Registry) EndSession(ctx context.Context, sessionID, reason string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := r.store.EndSession(ctx, sessionID, reason); err != nil {
		return err
	}
	if r.cache != nil {
		if err := r.cache.Remove(sess.TerminalIdentity); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.log.Warn("remove session cache entry", "session", sessionID, "error", err)
		}
	}
	return nil
}

// Get loads one session.
func (r *Registry) Get(ctx context.Context, sessionID string) (*protocol.Session, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.store.GetSession(ctx, sessionID)
}

// List returns sessions, newest first.
func (r *Registry) List(ctx context.Context, includeReleased bool) ([]protocol.Session, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.store.ListSessions(ctx, includeReleased)
}

func (r *Registry) remember(s protocol.Session) {
	if r.cache == nil {
		return
	}
	err := r.cache.Save(CacheEntry{
		Identity:  s.TerminalIdentity,
		SessionID: s.ID,
		Hostname:  s.Hostname,
		PID:       s.PID,
		UpdatedAt: s.UpdatedAt,
	})
	if err != nil {
		r.log.Warn("write session cache", "session", s.ID, "error", err)
	}
}
