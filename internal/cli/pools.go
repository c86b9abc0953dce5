package cli

import (
	"github.com/spf13/cobra"

	"yield-engine/internal/app"
)

var (
	poolsChain string
)

var poolsCmd = &cobra.Command{
	Use:   "pools",
	Short: "Display persisted pool records",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.PoolsOptions{
			Chain: poolsChain,
		}

		return getApp().Pools(cmd.Context(), opts)
	},
}

func init() {
	poolsCmd.Flags().StringVar(&poolsChain, "chain", "", "Only show pools on this chain")
}
