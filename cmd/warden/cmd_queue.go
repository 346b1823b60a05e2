package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"warden/pkg/eventlog"
	"warden/pkg/protocol"
	"warden/pkg/reprioritize"
	"warden/pkg/urgency"
)

// scoreOutput is the payload of "warden score".
type scoreOutput struct {
	ItemID   string                    `json:"item_id" yaml:"item_id"`
	Previous protocol.UrgencyRecord    `json:"previous" yaml:"previous"`
	Result   urgency.Result            `json:"result" yaml:"result"`
	Applied  *reprioritize.ItemOutcome `json:"applied,omitempty" yaml:"applied,omitempty"`
}

// newScoreCmd creates the "warden score" subcommand.
func newScoreCmd(a *app) *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "score <item-id>",
		Short: "Compute an item's urgency score and band",
		Long:  "Scores the item from its current signals. With --apply the result is\npersisted subject to the delta threshold and jitter window.",
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
			engine, scanner, release, err := a.backlog()
			if err != nil {
				return err
			}
			defer release()

			it, err := a.st.GetItem(ctx, args[0])
			if err != nil {
				return err
			}
			res, err := scanner.Score(ctx, *it)
			if err != nil {
				return err
			}
			out := scoreOutput{ItemID: it.ID, Previous: it.Urgency, Result: res}

			if apply {
				applied, err := engine.Apply(ctx, []reprioritize.Update{{ItemID: it.ID, Result: res}})
				if err != nil {
					return err
				}
				if len(applied.Items) == 1 {
					out.Applied = &applied.Items[0]
				}
				// The triggered re-rank runs before release returns.
			}

			return p.emit(out, func(p *printer) {
				p.line("%s  %.3f  %s", it.ID, res.Score, p.band(res.Band))
				if it.Urgency.Band != "" {
					p.line("  previous  %.3f  %s", it.Urgency.Score, p.band(it.Urgency.Band))
				}
				p.line("  reasons   %s", orDash(strings.Join(res.ReasonCodes, ", ")))
				p.line("  model     %s", res.ModelVersion)
				if out.Applied != nil {
					p.line("  decision  %s", out.Applied.Decision)
				}
			})
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "persist the score and re-rank the item's queue")
	return cmd
}

// newRerankCmd creates the "warden rerank" subcommand.
func newRerankCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rerank <queue-id>",
		Short: "Re-rank a queue now",
		Long:  "Sorts the queue by band, score and enqueue time, persists the new\npositions and appends an audit record. Ignores the rate limit.",
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
			engine, _, release, err := a.backlog()
			if err != nil {
				return err
			}
			defer release()

			rec, err := engine.Flush(ctx, args[0])
			if err != nil {
				return err
			}
			return p.emit(rec, func(p *printer) { printAudit(p, rec) })
		},
	}
}

func printAudit(p *printer, rec protocol.AuditRecord) {
	p.line("%s %s  %s  %s", p.muted(fmtTime(rec.CreatedAt)), rec.QueueID, rec.CorrelationID,
		p.muted(rec.Latency.String()))
	if len(rec.TriggerItemIDs) > 0 {
		p.line("  triggered by %s", strings.Join(rec.TriggerItemIDs, ", "))
	}
	if len(rec.Changes) == 0 {
		p.line("  %s", p.muted("no changes"))
	}
	for _, c := range rec.Changes {
		move := fmt.Sprintf("#%d -> #%d", c.OldRank, c.NewRank)
		if c.OldRank == 0 {
			move = fmt.Sprintf("new -> #%d", c.NewRank)
		}
		if c.OldBand != c.NewBand {
			move += fmt.Sprintf("  %s -> %s", p.band(c.OldBand), p.band(c.NewBand))
		}
		p.line("  %-16s %s", c.ItemID, move)
	}
}

// newAuditCmd creates the "warden audit" subcommand.
func newAuditCmd(a *app) *cobra.Command {
	var (
		queue string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the re-rank audit trail",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.printer(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			reader, err := eventlog.NewReader(a.paths.StateDBPath)
			if err != nil {
				return err
			}
			defer reader.Close()

			recs, err := reader.Audits(cmd.Context(), queue, limit)
			if err != nil {
				return err
			}
			return p.emit(recs, func(p *printer) {
				if len(recs) == 0 {
					p.line("no audit records found")
				}
				for _, rec := range recs {
					printAudit(p, rec)
				}
			})
		},
	}
	cmd.Flags().StringVar(&queue, "queue", "", "only this queue")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of recent records to show (0 = all)")
	return cmd
}

// newEventsCmd creates the "warden events" subcommand.
func newEventsCmd(a *app) *cobra.Command {
	var (
		opts  eventlog.QueryOpts
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the claim ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.printer(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			reader, err := eventlog.NewReader(a.paths.StateDBPath)
			if err != nil {
				return err
			}
			defer reader.Close()

			if since > 0 {
				t := time.Now().Add(-since)
				opts.Since = &t
			}
			events, err := reader.ClaimEvents(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return p.emit(events, func(p *printer) {
				if len(events) == 0 {
					p.line("no events found")
				}
				for _, e := range events {
					reason := ""
					if e.Reason != "" {
						reason = p.muted(" (" + e.Reason + ")")
					}
					p.line("%s  %-10s %-16s %s%s", p.muted(fmtTime(e.CreatedAt)), e.Event, e.ItemID, e.SessionID, reason)
				}
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.ItemID, "item", "", "only this item")
	f.StringVar(&opts.SessionID, "session", "", "only this session")
	f.StringVar(&opts.QueueID, "queue", "", "only this queue")
	f.StringVar(&opts.Event, "event", "", "only this event kind (claim, release, switch, reclaim, adopt)")
	f.DurationVar(&since, "since", 0, "only events newer than this")
	f.IntVar(&opts.Limit, "limit", 50, "number of recent events to show (0 = all)")
	return cmd
}
