package cmd

import (
	"fmt"
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/quarry-storage/quarry/pkg/model"
)

var (
	uploadOwner        string
	uploadDataShards   int
	uploadParityShards int
)

var uploadCmd = &cobra.Command{
	Use:   "upload [file]",
	Short: "Encode and store an object",
	Long:  "Erasure-codes a file into shards, stores them with their commitment and prints the content identifier.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		logging.SetLogLevel("*", "info")

		n, err := newNode()
		cobra.CheckErr(err)
		defer n.close()

		k, m := n.cfg.DataShards, n.cfg.ParityShards
		if uploadDataShards > 0 {
			k = uploadDataShards
		}
		if cmd.Flags().Changed("parity-shards") {
			m = uploadParityShards
		}

		f, err := os.Open(args[0])
		cobra.CheckErr(err)
		defer f.Close()

		manifest, id, err := n.gateway.Upload(cmd.Context(), model.Address(uploadOwner), f, k, m)
		cobra.CheckErr(err)

		fmt.Println(id)
		fmt.Printf("size=%d shards=%d (k=%d m=%d)\n", manifest.Size, manifest.ShardCount, manifest.DataShards, manifest.ParityShards)
	},
}

func init() {
	uploadCmd.Flags().StringVar(&uploadOwner, "owner", "local", "owner address recorded for the object")
	uploadCmd.Flags().IntVar(&uploadDataShards, "data-shards", 0, "data shard count (default from config)")
	uploadCmd.Flags().IntVar(&uploadParityShards, "parity-shards", 0, "parity shard count (default from config)")
	rootCmd.AddCommand(uploadCmd)
}
