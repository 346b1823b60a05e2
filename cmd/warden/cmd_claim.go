package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"warden/pkg/claim"
	"warden/pkg/protocol"
)

// newClaimCmd creates the "warden claim" subcommand.
func newClaimCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "claim <item-id>",
		Short: "Claim a work item for this terminal's session",
		Long: `Claims a work item for the session of the current conversation, registering
one first if needed. A claim held elsewhere is refused with exit status 1;
a stale claim whose holder is gone is reclaimed. Claiming while holding
another item switches to the new one.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClaim(cmd, a, args[0], false)
		},
	}
}

// newSwitchCmd creates the "warden switch" subcommand.
func newSwitchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "switch <item-id>",
		Short: "Move this session's claim to another item",
		Long:  "Atomically releases the current claim and claims <item-id>.\nOn refusal the current claim is kept.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClaim(cmd, a, args[0], true)
		},
	}
}

func runClaim(cmd *cobra.Command, a *app, itemID string, mustHold bool) error {
	ctx := cmd.Context()
	p, err := a.printer(cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if err := a.open(ctx); err != nil {
		return err
	}
	sess, err := a.ensureSession(ctx, false)
	if err != nil {
		return err
	}
	if mustHold && sess.ClaimedItemID == "" {
		return fmt.Errorf("session %s holds no item to switch from; use claim", sess.ID)
	}

	res, err := a.coord.Claim(ctx, itemID, sess.ID)
	if err != nil {
		return err
	}
	if err := p.emit(res, func(p *printer) { printClaim(p, res) }); err != nil {
		return err
	}
	return res.Err()
}

func printClaim(p *printer, res claim.Result) {
	if res.Success {
		p.line("%s %s  %s", p.ok("claimed"), res.ItemID, p.outcome(res.Outcome))
	} else {
		p.line("%s %s  %s", p.fail("refused"), res.ItemID, p.outcome(res.Outcome))
	}
	p.line("  session  %s", res.SessionID)
	if res.Switched != "" {
		p.line("  switched from %s", res.Switched)
	}
	if res.Conflict != "" {
		p.line("  holder   %s", res.Conflict)
	}
	if res.Owner != nil {
		p.line("  owner    %s", res.Owner)
	}
	if res.Detail != "" {
		p.line("  detail   %s", res.Detail)
	}
	if len(res.ReleasedStale) > 0 {
		p.line("  reclaimed from %s", strings.Join(res.ReleasedStale, ", "))
	}
	for _, w := range res.Warnings {
		p.line("  %s %s", p.warn("warning"), w)
	}
}

// newReleaseCmd creates the "warden release" subcommand.
func newReleaseCmd(a *app) *cobra.Command {
	var (
		reason string
		end    bool
	)
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Release this session's claim",
		Long:  "Releases whatever this terminal's session holds. Safe to repeat.\nWith --end the session itself is retired too.",
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
			sess, err := a.currentSession(ctx)
			if err != nil {
				return err
			}
			if sess == nil {
				return p.emit(claim.ReleaseResult{}, func(p *printer) {
					p.line("%s", p.muted("no active session"))
				})
			}

			res := a.coord.Release(ctx, sess.ID, reason)
			if end {
				if err := a.registry.EndSession(ctx, sess.ID, protocol.ReasonExit); err != nil {
					return err
				}
			}
			return p.emit(res, func(p *printer) {
				switch {
				case res.ItemID == "":
					p.line("%s", p.muted("nothing to release"))
				case res.Error != "":
					p.line("%s %s: %s", p.warn("release incomplete"), res.ItemID, res.Error)
				default:
					p.line("%s %s", p.ok("released"), res.ItemID)
				}
				if end {
					p.line("session %s ended", sess.ID)
				}
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", protocol.ReasonManual, "reason recorded in the claim ledger")
	cmd.Flags().BoolVar(&end, "end", false, "also end the session")
	return cmd
}

// newStatusCmd creates the "warden status" subcommand.
func newStatusCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "status [item-id]",
		Short: "Show who holds an item, or list sessions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := a.printer(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if err := a.open(ctx); err != nil {
				return err
			}

			if len(args) == 1 {
				st, err := a.coord.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return p.emit(st, func(p *printer) { printItemStatus(p, st) })
			}

			sessions, err := a.registry.List(ctx, all)
			if err != nil {
				return err
			}
			if sessions == nil {
				sessions = []protocol.Session{}
			}
			now := a.st.Now()
			return p.emit(sessions, func(p *printer) {
				if len(sessions) == 0 {
					p.line("%s", p.muted("no sessions"))
					return
				}
				for _, s := range sessions {
					p.line("%-36s  %-8s  %-24s  pid=%-7d  %-12s  heartbeat %s",
						s.ID, s.Status, s.Hostname, s.PID, orDash(s.ClaimedItemID), fmtAge(now, s.HeartbeatAt))
				}
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include released sessions")
	return cmd
}

func printItemStatus(p *printer, st claim.Status) {
	if !st.Claimed {
		p.line("%s %s", st.ItemID, p.ok("unclaimed"))
		return
	}
	h := st.Holder
	p.line("%s held by %s", st.ItemID, h.Owner)
	kind := string(h.DisplayKind)
	if h.Stale {
		kind = p.warn(kind)
	}
	p.line("  classification  %s", kind)
	if len(st.Holders) > 1 {
		p.line("  %s %d sessions hold this item", p.fail("inconsistent:"), len(st.Holders))
	}
}

// errNoSession is returned by commands that need an existing session.
var errNoSession = errors.New("no active session for this terminal; run claim or heartbeat first")
