package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quarry-storage/quarry/pkg/model"
)

var (
	offerProvider string
	offerPrice    uint64
	offerRegion   string
	offerLatency  uint64
	offerStake    uint64
)

var offerCmd = &cobra.Command{
	Use:   "offer",
	Short: "Publish and list provider offers",
}

var offerPublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish an offer for a provider",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		n, err := newNode()
		cobra.CheckErr(err)
		defer n.close()

		addr := model.Address(offerProvider)
		n.bank.Deposit(addr, offerStake)
		_, err = n.registry.RegisterProvider(addr, offerStake)
		cobra.CheckErr(err)

		o, err := n.registry.PublishOffer(addr, offerPrice, offerRegion, offerLatency)
		cobra.CheckErr(err)
		cobra.CheckErr(n.records.PutOffer(o))

		fmt.Printf("offer %s provider=%s price=%d region=%s\n", o.ID, o.Provider, o.PricePerGiBEpoch, o.Region)
	},
}

var offerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the persisted offer history",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		n, err := newNode()
		cobra.CheckErr(err)
		defer n.close()

		offers, err := n.records.ListOffers()
		cobra.CheckErr(err)

		data, err := json.MarshalIndent(offers, "", "  ")
		cobra.CheckErr(err)
		fmt.Println(string(data))
	},
}

func init() {
	offerPublishCmd.Flags().StringVar(&offerProvider, "provider", "provider", "provider address")
	offerPublishCmd.Flags().Uint64Var(&offerPrice, "price", 1, "price per GiB per epoch")
	offerPublishCmd.Flags().StringVar(&offerRegion, "region", "unknown", "provider region")
	offerPublishCmd.Flags().Uint64Var(&offerLatency, "sla-latency-ms", 1000, "SLA latency bound in milliseconds")
	offerPublishCmd.Flags().Uint64Var(&offerStake, "stake", 1000, "stake locked at registration")
	offerCmd.AddCommand(offerPublishCmd)
	offerCmd.AddCommand(offerListCmd)
	rootCmd.AddCommand(offerCmd)
}
