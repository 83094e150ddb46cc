package cmd

import (
	"github.com/spf13/cobra"

	"github.com/traingrid/traingrid/internal/gridctl"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	a := gridctl.New()

	cmd := &cobra.Command{
		Use:   "gridctl",
		Short: "gridctl operates the training grid's chunk index and stores.",
	}

	cmd.PersistentFlags().StringVar(&a.Params.Postgres, "postgres", "", "chunk index connection string")
	cmd.PersistentFlags().StringVar(&a.Params.ObjectStoreDir, "object-store", "", "chunk object store directory")
	cmd.PersistentFlags().StringVar(&a.Params.NetworkDir, "network-dir", "", "network weights directory")

	cmd.AddCommand(
		statsCmd(a),
		orphansCmd(a),
		purgeCmd(a),
		setNetworkCmd(a),
	)

	return cmd
}
