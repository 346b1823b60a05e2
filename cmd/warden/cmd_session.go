package main

import (
	"time"

	"github.com/spf13/cobra"

	"warden/internal/appversion"
	"warden/pkg/identity"
	"warden/pkg/protocol"
	"warden/pkg/session"
	"warden/pkg/store"
)

// info is the payload of "warden info".
type info struct {
	Version  string            `json:"version" yaml:"version"`
	Revision string            `json:"revision,omitempty" yaml:"revision,omitempty"`
	Identity identity.Identity `json:"identity" yaml:"identity"`
	Hostname string            `json:"hostname" yaml:"hostname"`
	Session  *protocol.Session `json:"session,omitempty" yaml:"session,omitempty"`
	Database string            `json:"database" yaml:"database"`
	Config   string            `json:"config" yaml:"config"`
}

// newInfoCmd creates the "warden info" subcommand.
func newInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show this terminal's identity and session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			p, err := a.printer(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if err := a.open(ctx); err != nil {
				return err
			}

			out := info{
				Version:  appversion.String(),
				Revision: appversion.Revision(),
				Identity: a.identity(),
				Hostname: a.hostname,
				Database: a.paths.StateDBPath,
				Config:   a.paths.ConfigPath,
			}
			if out.Identity.Value != "" {
				if out.Session, err = a.currentSession(ctx); err != nil {
					return err
				}
			}

			return p.emit(out, func(p *printer) {
				id := out.Identity
				p.line("warden %s", out.Version)
				p.line("identity  %s", orDash(id.Value))
				tier := string(id.Tier)
				if !id.Exact() {
					tier = p.warn(tier)
				}
				p.line("  tier      %s (via %s)", tier, id.Strategy)
				p.line("  channel   %s", orDash(id.Channel))
				p.line("host      %s", out.Hostname)
				if out.Session == nil {
					p.line("session   %s", p.muted("none"))
				} else {
					s := out.Session
					p.line("session   %s (%s)", s.ID, s.Status)
					p.line("  claimed   %s", orDash(s.ClaimedItemID))
					p.line("  heartbeat %s", fmtTime(s.HeartbeatAt))
				}
				p.line("database  %s", out.Database)
			})
		},
	}
}

// newHeartbeatCmd creates the "warden heartbeat" subcommand.
func newHeartbeatCmd(a *app) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Keep this terminal's session alive",
		Long: `Without --once, registers the session if needed and heartbeats it on the
configured interval until interrupted. It gives up after the configured
number of consecutive failures.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			p, err := a.printer(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if err := a.open(ctx); err != nil {
				return err
			}

			if once {
				sess, err := a.currentSession(ctx)
				if err != nil {
					return err
				}
				if sess == nil {
					return errNoSession
				}
				at, err := a.registry.Heartbeat(ctx, sess.ID)
				if err != nil {
					return err
				}
				return p.emit(map[string]any{"session_id": sess.ID, "heartbeat_at": at}, func(p *printer) {
					p.line("%s %s at %s", p.ok("heartbeat"), sess.ID, fmtTime(at))
				})
			}

			sess, err := a.ensureSession(ctx, true)
			if err != nil {
				return err
			}
			a.log.Info("heartbeating", "session", sess.ID, "interval", a.cfg.HeartbeatInterval)
			return session.NewScheduler(a.registry, sess.ID, a.cfg, a.log).Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "send a single heartbeat and exit")
	return cmd
}

// newCleanupCmd creates the "warden cleanup" subcommand.
func newCleanupCmd(a *app) *cobra.Command {
	var threshold time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Release claims of sessions that stopped heartbeating",
		Long: `Releases sessions whose heartbeat is older than the threshold and whose
process on this host is verifiably dead. Stale sessions that are still
alive, or that ran on another host, are only marked stale.

Safe to run anytime.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			p, err := a.printer(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if err := a.open(ctx); err != nil {
				return err
			}
			res, err := a.registry.CleanupStale(ctx, threshold)
			if err != nil {
				return err
			}
			return p.emit(nonNilCleanup(res), func(p *printer) {
				if len(res.Released)+len(res.MarkedStale) == 0 {
					p.line("nothing to clean")
					return
				}
				for _, id := range res.Released {
					p.line("%s %s", p.ok("released"), id)
				}
				for _, id := range res.MarkedStale {
					p.line("%s %s", p.warn("stale"), id)
				}
			})
		},
	}
	cmd.Flags().DurationVar(&threshold, "threshold", 0, "heartbeat age considered stale (default from config)")
	return cmd
}

func nonNilCleanup(res store.CleanupResult) store.CleanupResult {
	if res.Released == nil {
		res.Released = []string{}
	}
	if res.MarkedStale == nil {
		res.MarkedStale = []string{}
	}
	return res
}
