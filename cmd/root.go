package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "quarry",
	Short: "Verifiable storage marketplace node",
	Long: "Quarry erasure-codes objects into provable shards, escrows storage deals\n" +
		"and streams per-epoch payouts against Merkle inclusion proofs.",
}

func Execute() error {
	return rootCmd.Execute()
}
