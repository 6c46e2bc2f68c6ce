package cmd

import (
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/quarry-storage/quarry/pkg/codec"
	"github.com/quarry-storage/quarry/pkg/model"
)

var repairBounty uint64

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Detect and repair lost shards",
}

var repairDetectCmd = &cobra.Command{
	Use:   "detect <identifier>",
	Short: "Scan stored shards against their commitments",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		n, err := newNode()
		cobra.CheckErr(err)
		defer n.close()

		root, err := model.ParseRoot(args[0])
		cobra.CheckErr(err)

		lost, err := n.repairs.DetectLoss(root)
		cobra.CheckErr(err)
		if len(lost) == 0 {
			fmt.Println("all shards intact")
			return
		}
		fmt.Printf("lost shards: %v\n", lost)
	},
}

var repairRunCmd = &cobra.Command{
	Use:   "run <identifier>",
	Short: "Repair lost shards from the survivors",
	Long: "Detects lost shards, posts a bounty, reconstructs the missing shards from\n" +
		"the surviving ones and submits them for verification against the original\n" +
		"commitment.",
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		logging.SetLogLevel("*", "info")

		n, err := newNode()
		cobra.CheckErr(err)
		defer n.close()

		root, err := model.ParseRoot(args[0])
		cobra.CheckErr(err)

		lost, err := n.repairs.DetectLoss(root)
		cobra.CheckErr(err)
		if len(lost) == 0 {
			fmt.Println("all shards intact")
			return
		}

		n.bank.Deposit("treasury", repairBounty)
		task, err := n.repairs.CreateRepairTask("treasury", root, lost, repairBounty)
		cobra.CheckErr(err)

		m, err := n.records.Manifest(root)
		cobra.CheckErr(err)
		leaves, err := n.records.Leaves(root)
		cobra.CheckErr(err)

		// Everything DetectLoss flagged is rebuilt, including shards that
		// are still on disk but corrupt.
		lostSet := make(map[uint64]bool, len(lost))
		for _, idx := range lost {
			lostSet[idx] = true
		}
		shards := make([][]byte, m.ShardCount)
		for i := range shards {
			if lostSet[uint64(i)] {
				continue
			}
			data, err := n.shards.FetchShard(root, uint64(i))
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			cobra.CheckErr(err)
			shards[i] = data
		}
		cobra.CheckErr(codec.Reconstruct(m, leaves, shards))

		submission := make(map[uint64][]byte, len(lost))
		for _, idx := range lost {
			submission[idx] = shards[idx]
		}
		resolved, err := n.repairs.SubmitRepair(task.ID, "local-repairer", submission)
		cobra.CheckErr(err)
		cobra.CheckErr(n.records.PutRepairTask(resolved))

		fmt.Printf("repair task %s status=%s repaired=%v bounty=%d\n", resolved.ID, resolved.Status, resolved.LostShardIndices, resolved.Bounty)
	},
}

func init() {
	repairRunCmd.Flags().Uint64Var(&repairBounty, "bounty", 100, "bounty escrowed for the repair")
	repairCmd.AddCommand(repairDetectCmd)
	repairCmd.AddCommand(repairRunCmd)
	rootCmd.AddCommand(repairCmd)
}
