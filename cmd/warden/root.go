package main

import (
	"fmt"

	"warden/internal/appversion"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root warden command with all subcommands attached.
func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "warden",
		Short: "Queue coordination for concurrent workers",
		Long: "warden coordinates many independent worker sessions pulling from shared work\n" +
			"queues: one owner per item, urgency-driven ordering, and detection of\n" +
			"orchestrators whose children are all blocked.",
		Version:       fmt.Sprintf("warden %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.ErrOrStderr())
		},
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	pf := cmd.PersistentFlags()
	pf.StringVar(&a.format, "format", formatText, "output format: text, json or yaml")
	pf.StringVar(&a.configPath, "config", "", "config file (default $WARDEN_HOME/config.toml)")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error")

	blockedCmd := &cobra.Command{
		Use:   "blocked",
		Short: "Detect and resolve all-blocked orchestrators",
	}
	blockedCmd.AddCommand(
		newBlockedDetectCmd(a),
		newBlockedDecideCmd(a),
		newBlockedHistoryCmd(a),
	)

	cmd.AddCommand(
		newClaimCmd(a),
		newSwitchCmd(a),
		newReleaseCmd(a),
		newStatusCmd(a),
		newInfoCmd(a),
		newHeartbeatCmd(a),
		newCleanupCmd(a),
		newScoreCmd(a),
		newRerankCmd(a),
		newAuditCmd(a),
		newEventsCmd(a),
		blockedCmd,
		newDaemonCmd(a),
	)

	return cmd
}
