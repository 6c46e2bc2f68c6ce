package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/quarry-storage/quarry/pkg/model"
)

var (
	dealPayer    string
	dealProvider string
	dealReplicas uint32
	dealDuration uint64
	dealPrice    uint64
	dealStake    uint64
)

var dealCmd = &cobra.Command{
	Use:   "deal",
	Short: "Create and inspect storage deals",
}

var dealCreateCmd = &cobra.Command{
	Use:   "create <identifier>",
	Short: "Escrow a deal over a stored object",
	Long:  "Computes the endowment for the object, funds the payer on the local ledger and creates the deal.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		logging.SetLogLevel("*", "info")

		n, err := newNode()
		cobra.CheckErr(err)
		defer n.close()

		m, err := n.gateway.Info(args[0])
		cobra.CheckErr(err)

		n.bank.Deposit(model.Address(dealProvider), dealStake)
		_, err = n.registry.RegisterProvider(model.Address(dealProvider), dealStake)
		cobra.CheckErr(err)

		endowment := model.EndowmentFor(m.Size, dealPrice, dealDuration, dealReplicas)
		n.bank.Deposit(model.Address(dealPayer), endowment)

		d, err := n.gateway.CreateDeal(args[0], model.Address(dealPayer), model.Address(dealProvider), dealReplicas, dealDuration, dealPrice, endowment)
		cobra.CheckErr(err)

		fmt.Printf("deal %s endowment=%d epochPrice=%d\n", d.ID, d.Endowment, d.EpochPrice())
	},
}

var dealShowCmd = &cobra.Command{
	Use:   "show <deal-id>",
	Short: "Show one persisted deal record",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		n, err := newNode()
		cobra.CheckErr(err)
		defer n.close()

		id, err := uuid.Parse(args[0])
		cobra.CheckErr(err)

		d, err := n.records.Deal(id)
		cobra.CheckErr(err)

		data, err := json.MarshalIndent(d, "", "  ")
		cobra.CheckErr(err)
		fmt.Println(string(data))
	},
}

var dealListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted deal records",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		n, err := newNode()
		cobra.CheckErr(err)
		defer n.close()

		deals, err := n.records.ListDeals()
		cobra.CheckErr(err)

		data, err := json.MarshalIndent(deals, "", "  ")
		cobra.CheckErr(err)
		fmt.Println(string(data))
	},
}

func init() {
	dealCreateCmd.Flags().StringVar(&dealPayer, "payer", "payer", "payer address")
	dealCreateCmd.Flags().StringVar(&dealProvider, "provider", "provider", "provider address")
	dealCreateCmd.Flags().Uint32Var(&dealReplicas, "replicas", 1, "replica count")
	dealCreateCmd.Flags().Uint64Var(&dealDuration, "duration", 10, "deal duration in epochs")
	dealCreateCmd.Flags().Uint64Var(&dealPrice, "price", 1, "price per GiB per epoch")
	dealCreateCmd.Flags().Uint64Var(&dealStake, "stake", 1000, "provider stake locked at registration")
	dealCmd.AddCommand(dealCreateCmd)
	dealCmd.AddCommand(dealShowCmd)
	dealCmd.AddCommand(dealListCmd)
	rootCmd.AddCommand(dealCmd)
}
