package main

import (
	"os/user"
	"strings"

	"github.com/spf13/cobra"

	"warden/pkg/blocked"
	"warden/pkg/protocol"
)

// newBlockedDetectCmd creates the "warden blocked detect" subcommand.
func newBlockedDetectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "detect <parent-id>",
		Short: "Classify an orchestrator's children and record the result",
		Long:  "Exits 1 when every non-terminal child is blocked and no override is in force.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := a.printer(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if err := a.open(ctx); err != nil {
				return err
			}
			rep, err := a.detector().Detect(ctx, args[0])
			if err != nil {
				return err
			}
			if err := p.emit(rep, func(p *printer) { printReport(p, rep) }); err != nil {
				return err
			}
			if rep.State == blocked.StateAllBlocked {
				return blocked.ErrStillBlocked
			}
			return nil
		},
	}
}

func printReport(p *printer, rep blocked.Report) {
	state := p.ok("runnable")
	switch rep.State {
	case blocked.StateAllBlocked:
		state = p.fail(rep.State)
	case blocked.StateOverridden:
		state = p.warn(rep.State)
	}
	p.line("%s  %s", rep.ParentID, state)
	p.line("  children  %d runnable, %d blocked, %d terminal",
		rep.RunnableChildren, rep.BlockedChildren, rep.TerminalChildren)
	for _, b := range rep.Blockers {
		sev := string(b.Severity)
		if b.Severity == protocol.SeverityHigh {
			sev = p.fail(sev)
		}
		p.line("  [%s] %s: %s  (%s)", sev, b.Type, b.Description, strings.Join(b.AffectedChildren, ", "))
		for _, act := range b.RecommendedActions {
			p.line("      %s %s", p.muted("->"), act)
		}
	}
}

// newBlockedDecideCmd creates the "warden blocked decide" subcommand.
func newBlockedDecideCmd(a *app) *cobra.Command {
	var dec blocked.Decision
	var kind string
	cmd := &cobra.Command{
		Use:   "decide <parent-id>",
		Short: "Resume, cancel or override an all-blocked orchestrator",
		Long: `Records a decision on a blocked orchestrator:

  resume    re-run detection; refused while every child is still blocked
  cancel    cancel the orchestrator
  override  proceed anyway; needs --justification of at least 20 characters

Every decision is recorded, including refused ones.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := a.printer(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if err := a.open(ctx); err != nil {
				return err
			}
			dec.Kind = blocked.Kind(kind)
			if dec.Actor == "" {
				dec.Actor = currentUser()
			}

			res, derr := a.detector().Decide(ctx, args[0], dec)
			if res.Outcome == "" {
				return derr
			}
			if err := p.emit(res, func(p *printer) {
				out := p.ok(res.Outcome)
				if derr != nil {
					out = p.fail(res.Outcome)
				}
				p.line("%s  %s  %s", res.ParentID, res.Kind, out)
				if res.Report != nil {
					printReport(p, *res.Report)
				}
			}); err != nil {
				return err
			}
			return derr
		},
	}
	cmd.Flags().StringVar(&kind, "decision", "", "resume, cancel or override")
	cmd.Flags().StringVar(&dec.Justification, "justification", "", "why the override is safe")
	cmd.Flags().StringVar(&dec.Actor, "actor", "", "who decided (default: current user)")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

// newBlockedHistoryCmd creates the "warden blocked history" subcommand.
func newBlockedHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history <parent-id>",
		Short: "List decisions recorded for an orchestrator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := a.printer(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if err := a.open(ctx); err != nil {
				return err
			}
			rows, err := a.detector().History(ctx, args[0])
			if err != nil {
				return err
			}
			if rows == nil {
				rows = []protocol.DecisionRow{}
			}
			return p.emit(rows, func(p *printer) {
				if len(rows) == 0 {
					p.line("no decisions recorded")
				}
				for _, d := range rows {
					p.line("%s  %-8s %-24s %s", p.muted(fmtTime(d.CreatedAt)), d.Decision, d.Outcome, orDash(d.Actor))
					if d.Justification != "" {
						p.line("    %s", d.Justification)
					}
				}
			})
		},
	}
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}
