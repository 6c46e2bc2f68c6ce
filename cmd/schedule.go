package cmd

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/quarry-storage/quarry/pkg/eventlog"
	"github.com/quarry-storage/quarry/pkg/model"
	"github.com/quarry-storage/quarry/pkg/scheduler"
	"github.com/quarry-storage/quarry/pkg/seal"
)

var (
	schedulePayer    string
	scheduleProvider string
	scheduleDuration uint64
	schedulePrice    uint64
	scheduleStake    uint64
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule <identifier>",
	Short: "Run the proof cycle for an object",
	Long: "Creates a deal over the object, then drives one challenge, proof and\n" +
		"settlement round per epoch until the deal terminates. Challenge and payout\n" +
		"audit rows are appended as CSV under the data directory.",
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		logging.SetLogLevel("*", "info")

		n, err := newNode()
		cobra.CheckErr(err)
		defer n.close()

		m, err := n.gateway.Info(args[0])
		cobra.CheckErr(err)

		provider := model.Address(scheduleProvider)
		n.bank.Deposit(provider, scheduleStake)
		_, err = n.registry.RegisterProvider(provider, scheduleStake)
		cobra.CheckErr(err)

		// The provider seals the object and answers one seal challenge
		// before the storage proof cycle starts.
		sealRec, err := n.seals.RegisterSeal(provider, m.Root)
		cobra.CheckErr(err)
		nonce := make([]byte, 16)
		_, err = rand.Read(nonce)
		cobra.CheckErr(err)
		_, err = n.seals.ChallengeSeal(provider, m.Root, nonce)
		cobra.CheckErr(err)
		_, err = n.seals.RespondToChallenge(provider, m.Root, seal.Answer(sealRec.ProofHash, nonce))
		cobra.CheckErr(err)

		endowment := model.EndowmentFor(m.Size, schedulePrice, scheduleDuration, 1)
		n.bank.Deposit(model.Address(schedulePayer), endowment)
		d, err := n.gateway.CreateDeal(args[0], model.Address(schedulePayer), provider, 1, scheduleDuration, schedulePrice, endowment)
		cobra.CheckErr(err)

		chFile, err := os.OpenFile(filepath.Join(n.cfg.DataDir, "challenges.csv"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		cobra.CheckErr(err)
		defer chFile.Close()
		payFile, err := os.OpenFile(filepath.Join(n.cfg.DataDir, "payouts.csv"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		cobra.CheckErr(err)
		defer payFile.Close()

		chLog := eventlog.NewCSVWriter[model.ChallengeRecord](chFile)
		payLog := eventlog.NewCSVWriter[model.PayoutRecord](payFile)

		s := scheduler.New(scheduler.Config{
			Ledger:        n.ledger,
			Seals:         n.seals,
			Manifests:     n.records,
			Prover:        scheduler.NewLocalProver(n.records),
			Clock:         n.clock,
			Window:        n.cfg.ResponseWindow,
			EpochDuration: n.cfg.EpochDuration,
			ChallengeLog:  chLog,
			PayoutLog:     payLog,
		})

		for epoch := uint64(0); epoch < scheduleDuration; epoch++ {
			cobra.CheckErr(s.RunEpoch(cmd.Context()))
			n.clock.Advance(1)
		}
		cobra.CheckErr(chLog.Flush())
		cobra.CheckErr(payLog.Flush())

		final, err := n.ledger.Deal(d.ID)
		cobra.CheckErr(err)
		cobra.CheckErr(n.records.PutDeal(final))
		fmt.Printf("deal %s status=%s payouts=%d refunds=%d\n", final.ID, final.Status, final.Payouts, final.Refunds)
	},
}

func init() {
	scheduleCmd.Flags().StringVar(&schedulePayer, "payer", "payer", "payer address")
	scheduleCmd.Flags().StringVar(&scheduleProvider, "provider", "provider", "provider address")
	scheduleCmd.Flags().Uint64Var(&scheduleDuration, "duration", 5, "deal duration in epochs")
	scheduleCmd.Flags().Uint64Var(&schedulePrice, "price", 1, "price per GiB per epoch")
	scheduleCmd.Flags().Uint64Var(&scheduleStake, "stake", 1000, "provider stake locked at registration")
	rootCmd.AddCommand(scheduleCmd)
}
