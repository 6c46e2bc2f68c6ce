package cmd

import (
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/quarry-storage/quarry/pkg/model"
)

var (
	downloadCaller string
	downloadOffset int64
	downloadLength int64
)

var downloadCmd = &cobra.Command{
	Use:   "download <identifier> [output]",
	Short: "Reconstruct and fetch an object",
	Long:  "Reconstructs the object from its surviving shards and writes it to the output file or stdout.",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		logging.SetLogLevel("*", "error")

		n, err := newNode()
		cobra.CheckErr(err)
		defer n.close()

		data, err := n.gateway.Download(cmd.Context(), model.Address(downloadCaller), args[0], downloadOffset, downloadLength)
		cobra.CheckErr(err)

		out := os.Stdout
		if len(args) > 1 {
			out, err = os.Create(args[1])
			cobra.CheckErr(err)
			defer out.Close()
		}
		_, err = out.Write(data)
		cobra.CheckErr(err)
	},
}

func init() {
	downloadCmd.Flags().StringVar(&downloadCaller, "caller", "local", "caller address checked against the access policy")
	downloadCmd.Flags().Int64Var(&downloadOffset, "offset", 0, "byte offset to start from")
	downloadCmd.Flags().Int64Var(&downloadLength, "length", -1, "bytes to read (-1 for the rest)")
	rootCmd.AddCommand(downloadCmd)
}
