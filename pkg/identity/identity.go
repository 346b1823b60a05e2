// Package identity derives a terminal identity: a value that stays the same
// across every process spawned by one logical conversation and differs
// between conversations, even ones that share a channel.
//
// Resolution is an explicit ordered list of strategies, each returning
// (Identity, bool). The first strategy that answers wins. The resolver never
// fails; the worst case is an empty fallback identity, which session
// registration rejects.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"warden/internal/logging"
	"warden/pkg/protocol"
)

// Identity is a resolved terminal identity.
type Identity struct {
	Value      string        `json:"value" yaml:"value"`
	Tier       protocol.Tier `json:"tier" yaml:"tier"`
	Channel    string        `json:"channel,omitempty" yaml:"channel,omitempty"`
	RuntimePID int           `json:"runtime_pid,omitempty" yaml:"runtime_pid,omitempty"`
	Strategy   string        `json:"strategy" yaml:"strategy"`
}

// Exact reports whether the identity distinguishes sibling conversations.
func (i Identity) Exact() bool {
	return i.Tier == protocol.TierExact
}

// Strategy is one named way of deriving an identity.
type Strategy struct {
	Name    string
	Resolve func() (Identity, bool)
}

// Options configures a Resolver. Zero values pick the live system.
type Options struct {
	Table        ProcessTable
	Channel      string
	RuntimeNames []string
	SelfPID      int

	// Terminal returns a stable id for the controlling terminal.
	Terminal func() (string, bool)

	Logger *slog.Logger
}

// Resolver resolves and caches the identity of the current process.
type Resolver struct {
	table    ProcessTable
	channel  string
	runtimes map[string]bool
	selfPID  int
	terminal func() (string, bool)
	log      *slog.Logger

	once sync.Once
	id   Identity
}

var shellNames = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "fish": true, "dash": true,
	"ksh": true, "tcsh": true, "csh": true, "nu": true, "pwsh": true,
}

// maxDepth bounds the ancestry walk.
const maxDepth = 64

// New returns a Resolver for the current process.
func New(opts Options) *Resolver {
	r := &Resolver{
		table:    opts.Table,
		channel:  opts.Channel,
		runtimes: make(map[string]bool, len(opts.RuntimeNames)),
		selfPID:  opts.SelfPID,
		terminal: opts.Terminal,
		log:      logging.For(opts.Logger, "identity"),
	}
	if r.table == nil {
		r.table = SystemTable()
	}
	if r.selfPID == 0 {
		r.selfPID = os.Getpid()
	}
	if r.terminal == nil {
		r.terminal = terminalDevice
	}
	for _, n := range opts.RuntimeNames {
		if n = strings.TrimSpace(n); n != "" {
			r.runtimes[n] = true
		}
	}
	return r
}

// ChannelFromEnv reads the shared channel attribute from the named
// environment variable.
func ChannelFromEnv(name string) string {
	if name == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(name))
}

// Resolve returns the identity, computing it once per Resolver.
func (r *Resolver) Resolve() Identity {
	r.once.Do(func() {
		for _, s := range r.Strategies() {
			if id, ok := s.Resolve(); ok {
				id.Strategy = s.Name
				id.Channel = r.channel
				r.id = id
				r.log.Debug("identity resolved", "strategy", s.Name, "tier", id.Tier, "value", id.Value)
				return
			}
			r.log.Debug("identity strategy declined", "strategy", s.Name)
		}
	})
	return r.id
}

// Strategies returns the resolution order.
func (r *Resolver) Strategies() []Strategy {
	return []Strategy{
		{Name: "ancestry", Resolve: r.fromAncestry},
		{Name: "scan", Resolve: r.fromScan},
		{Name: "channel", Resolve: r.fromChannel},
		{Name: "tty", Resolve: r.fromTerminal},
		{Name: "none", Resolve: func() (Identity, bool) {
			return Identity{Tier: protocol.TierFallback}, true
		}},
	}
}

// fromAncestry walks up from the current process and returns the outermost
// runtime process. Shells between runtimes are passed through; the walk
// ends at the first ancestor above a runtime that is neither, such as a
// terminal multiplexer or init. A chain that reaches init before any
// runtime is broken (an orphaned shell) and yields nothing.
func (r *Resolver) fromAncestry() (Identity, bool) {
	var root *Process
	pid := r.selfPID
walk:
	for range maxDepth {
		if pid <= 1 {
			break
		}
		p, ok := r.table.Lookup(pid)
		if !ok {
			break
		}
		switch {
		case r.isRuntime(p):
			root = &p
		case isShell(p):
		case root != nil:
			break walk
		}
		pid = p.PPID
	}
	if root == nil {
		return Identity{}, false
	}
	return Identity{Value: r.runtimeValue(root.PID), Tier: protocol.TierExact, RuntimePID: root.PID}, true
}

// fromScan looks for runtime processes whose command line mentions the
// channel. One match is exact; several can only be told apart by channel.
func (r *Resolver) fromScan() (Identity, bool) {
	if r.channel == "" {
		return Identity{}, false
	}
	procs, err := r.table.List()
	if err != nil {
		r.log.Debug("process scan failed", "error", err)
		return Identity{}, false
	}
	var matches []Process
	for _, p := range procs {
		if r.isRuntime(p) && strings.Contains(p.Cmdline, r.channel) {
			matches = append(matches, p)
		}
	}
	switch len(matches) {
	case 0:
		return Identity{}, false
	case 1:
		return Identity{Value: r.runtimeValue(matches[0].PID), Tier: protocol.TierExact, RuntimePID: matches[0].PID}, true
	default:
		return Identity{Value: channelValue(r.channel), Tier: protocol.TierAmbiguous}, true
	}
}

func (r *Resolver) fromChannel() (Identity, bool) {
	if r.channel == "" {
		return Identity{}, false
	}
	return Identity{Value: channelValue(r.channel), Tier: protocol.TierAmbiguous}, true
}

func (r *Resolver) fromTerminal() (Identity, bool) {
	dev, ok := r.terminal()
	if !ok || dev == "" {
		return Identity{}, false
	}
	sum := sha256.Sum256([]byte(dev))
	return Identity{Value: "tty-" + hex.EncodeToString(sum[:])[:16], Tier: protocol.TierFallback}, true
}

func (r *Resolver) runtimeValue(pid int) string {
	v := "rt-" + strconv.Itoa(pid)
	if r.channel != "" {
		v += "@" + r.channel
	}
	return v
}

func (r *Resolver) isRuntime(p Process) bool {
	return r.runtimes[p.Base()]
}

func isShell(p Process) bool {
	return shellNames[strings.TrimPrefix(p.Base(), "-")]
}

func channelValue(channel string) string {
	return "ch-" + channel
}

// Process is one row of the process table.
type Process struct {
	PID     int
	PPID    int
	Name    string // executable name, possibly truncated by the kernel
	Cmdline string // space-joined argv
}

// Base returns the executable's base name, preferring argv[0] over the
// kernel's truncated name.
func (p Process) Base() string {
	if argv0, _, _ := strings.Cut(p.Cmdline, " "); argv0 != "" {
		return filepath.Base(argv0)
	}
	return p.Name
}

// ProcessTable exposes process ancestry.
type ProcessTable interface {
	Lookup(pid int) (Process, bool)
	List() ([]Process, error)
}
