package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info <identifier>",
	Short: "Show the manifest behind a content identifier",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		n, err := newNode()
		cobra.CheckErr(err)
		defer n.close()

		m, err := n.gateway.Info(args[0])
		cobra.CheckErr(err)

		data, err := json.MarshalIndent(m, "", "  ")
		cobra.CheckErr(err)
		fmt.Println(string(data))
		fmt.Printf("size: %s\n", humanize.IBytes(m.Size))
	},
}

var branchCmd = &cobra.Command{
	Use:   "branch <identifier> <index>",
	Short: "Print the inclusion proof branch for a shard index",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		n, err := newNode()
		cobra.CheckErr(err)
		defer n.close()

		index, err := strconv.ParseUint(args[1], 10, 64)
		cobra.CheckErr(err)

		b, err := n.gateway.ProofBranch(args[0], index)
		cobra.CheckErr(err)

		data, err := json.MarshalIndent(b, "", "  ")
		cobra.CheckErr(err)
		fmt.Println(string(data))
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(branchCmd)
}
