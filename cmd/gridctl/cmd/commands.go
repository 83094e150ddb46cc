package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/traingrid/traingrid/internal/gridctl"
)

func statsCmd(a *gridctl.App) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print entry counts per index status",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.Stats(cmd.Context())
		},
	}
}

func orphansCmd(a *gridctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "Inspect and resolve entries flagged by the reconciler",
	}
	cmd.AddCommand(orphansListCmd(a), orphansTombstoneCmd(a))
	return cmd
}

func orphansListCmd(a *gridctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orphaned entries and the mismatch that flagged them",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := cmd.Flags().GetInt("limit")
			if err != nil {
				return fmt.Errorf("error reading limit: %s", err)
			}
			return a.ListOrphans(cmd.Context(), limit)
		},
	}
	cmd.Flags().Int("limit", 100, "maximum number of entries to list")
	return cmd
}

func orphansTombstoneCmd(a *gridctl.App) *cobra.Command {
	return &cobra.Command{
		Use:   "tombstone",
		Short: "Move all orphaned entries to the terminal tombstoned state",
		Long: `Tombstoning declares an orphan's data unrecoverable. Tombstoned entries keep
their dedup token, so the same chunk can never be re-ingested, and are removed
by "gridctl purge".`,
		Args: cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.TombstoneOrphans(cmd.Context())
		},
	}
}

func purgeCmd(a *gridctl.App) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Remove tombstoned entries and their remaining objects",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.Purge(cmd.Context())
		},
	}
}

func setNetworkCmd(a *gridctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-network <weights-file>",
		Short: "Install a weights file as the active network and roll the session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := cmd.Flags().GetString("session")
			if err != nil {
				return fmt.Errorf("error reading session: %s", err)
			}
			minVersion, err := cmd.Flags().GetInt("min-client-version")
			if err != nil {
				return fmt.Errorf("error reading min-client-version: %s", err)
			}
			return a.SetNetwork(cmd.Context(), args[0], sessionID, minVersion)
		},
	}
	cmd.Flags().String("session", "", "generation session identifier for the new network")
	cmd.Flags().Int("min-client-version", 0, "oldest client version still accepted")
	cmd.MarkFlagRequired("session")
	return cmd
}
