package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"warden/internal/logging"
	"warden/pkg/blocked"
	"warden/pkg/claim"
	"warden/pkg/config"
	"warden/pkg/conflict"
	"warden/pkg/identity"
	"warden/pkg/liveness"
	"warden/pkg/protocol"
	"warden/pkg/reprioritize"
	"warden/pkg/session"
	"warden/pkg/store"
	"warden/pkg/urgency"
)

// app holds the wiring shared by every subcommand. Fields with a nil or
// zero value are filled from the live system by setup; tests inject them.
type app struct {
	// Flags.
	format     string
	configPath string
	logLevel   string

	// Injectable collaborators.
	resolve  func(cfg config.Config, log *slog.Logger) identity.Identity
	probe    liveness.Probe
	hostname string
	stderr   io.Writer

	paths *Paths
	cfg   config.Config
	log   *slog.Logger

	st       *store.Store
	registry *session.Registry
	analyzer *conflict.Analyzer
	coord    *claim.Coordinator
}

func newApp() *app {
	return &app{}
}

// setup resolves paths, loads config and builds the logger. It does not
// touch the database.
func (a *app) setup(stderr io.Writer) error {
	if a.paths == nil {
		paths, err := ResolvePaths()
		if err != nil {
			return fmt.Errorf("resolve paths: %w", err)
		}
		a.paths = paths
	}
	cfgPath := a.configPath
	if cfgPath == "" {
		cfgPath = a.paths.ConfigPath
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	a.cfg = cfg

	if a.stderr == nil {
		a.stderr = stderr
	}
	a.log = logging.New(a.stderr, cfg.LogLevel, cfg.LogFormat)
	if a.probe == nil {
		a.probe = liveness.OS{}
	}
	if a.hostname == "" {
		a.hostname, _ = os.Hostname()
	}
	if a.resolve == nil {
		a.resolve = resolveIdentity
	}
	return nil
}

func resolveIdentity(cfg config.Config, log *slog.Logger) identity.Identity {
	return identity.New(identity.Options{
		Channel:      identity.ChannelFromEnv(cfg.ChannelEnv),
		RuntimeNames: cfg.RuntimeNames,
		Logger:       log,
	}).Resolve()
}

// open connects to the coordination database and builds the session and
// claim components on top of it.
func (a *app) open(ctx context.Context) error {
	if a.st != nil {
		return nil
	}
	if err := os.MkdirAll(a.paths.Home, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", a.paths.Home, err)
	}
	st, err := store.Open(ctx, a.paths.StateDBPath)
	if err != nil {
		return err
	}
	a.st = st

	cwd, _ := os.Getwd()
	a.registry = session.NewRegistry(st, a.cfg, session.Options{
		Cache:    session.NewCache(a.paths.SessionsDir),
		Probe:    a.probe,
		Hostname: a.hostname,
		Context:  session.GitContext{Dir: cwd},
		Logger:   a.log,
	})
	a.analyzer = conflict.NewAnalyzer(st, a.probe, a.cfg, a.hostname)
	a.coord = claim.NewCoordinator(st, a.analyzer, a.cfg, a.log)
	return nil
}

func (a *app) close() {
	if a.registry != nil {
		a.registry.Wait()
	}
	if a.st != nil {
		_ = a.st.Close()
		a.st = nil
	}
}

func (a *app) identity() identity.Identity {
	return a.resolve(a.cfg, a.log)
}

// currentSession returns this terminal's live session, or nil when it has
// none. It never registers.
func (a *app) currentSession(ctx context.Context) (*protocol.Session, error) {
	return a.registry.FindByIdentity(ctx, a.identity().Value)
}

// ensureSession returns this terminal's live session, registering one when
// needed. The session's pid is the conversation runtime's. Only a long-lived
// caller (selfPID) may stand in with its own pid when no runtime was found: a
// one-shot command exits at once and would read as dead.
func (a *app) ensureSession(ctx context.Context, selfPID bool) (protocol.Session, error) {
	id := a.identity()
	sess, err := a.registry.FindByIdentity(ctx, id.Value)
	if err != nil {
		return protocol.Session{}, err
	}
	if sess != nil {
		return *sess, nil
	}
	pid := id.RuntimePID
	if pid == 0 && selfPID {
		pid = os.Getpid()
	}
	cwd, _ := os.Getwd()
	reg, err := a.registry.RegisterOrAdopt(ctx, id, session.Attrs{
		MachineID: machineID(),
		PID:       pid,
		Hostname:  a.hostname,
		Codebase:  cwd,
	})
	if err != nil {
		return protocol.Session{}, err
	}
	if reg.Notice != "" {
		a.log.Info(reg.Notice)
	}
	return reg.Session, nil
}

func (a *app) printer(w io.Writer) (*printer, error) {
	return newPrinter(w, a.format)
}

// learning chains the configured Lua script, if any, ahead of the stored
// learning_overrides table.
func (a *app) learning() (urgency.LearningSource, func(), error) {
	stored := urgency.StoreLearning{Store: a.st}
	if a.cfg.LearningScript == "" {
		return urgency.Sources{stored}, func() {}, nil
	}
	l, err := urgency.LoadLuaLearning(a.cfg.LearningScript)
	if err != nil {
		return nil, nil, err
	}
	return urgency.Sources{l, stored}, l.Close, nil
}

// backlog builds the reprioritization engine and scanner. The returned
// func releases both.
func (a *app) backlog() (*reprioritize.Engine, *reprioritize.Scanner, func(), error) {
	learning, closeLearning, err := a.learning()
	if err != nil {
		return nil, nil, nil, err
	}
	engine := reprioritize.NewEngine(a.st, a.cfg, a.log)
	scanner := reprioritize.NewScanner(a.st, engine, learning, a.paths.SignalsDir, a.cfg, a.log)
	return engine, scanner, func() {
		engine.Close()
		closeLearning()
	}, nil
}

func (a *app) detector() *blocked.Detector {
	return blocked.NewDetector(a.st, a.log)
}

func machineID() string {
	for _, p := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		b, err := os.ReadFile(p)
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return ""
}

// exitCode maps an error to the process exit status: 1 for classified
// refusals a caller is expected to handle, 2 for everything else.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ce *protocol.ClaimError
	switch {
	case errors.As(err, &ce),
		errors.Is(err, blocked.ErrStillBlocked),
		errors.Is(err, blocked.ErrNothingRunnable),
		errors.Is(err, blocked.ErrNotBlocked),
		errors.Is(err, blocked.ErrNotOrchestrator),
		errors.Is(err, blocked.ErrJustificationTooShort),
		errors.Is(err, blocked.ErrUnknownDecision):
		return 1
	default:
		return 2
	}
}
