package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quarry-storage/quarry/pkg/model"
)

var (
	policyCaller    string
	policyAllowlist []string
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect or change an object's access policy",
}

var policyShowCmd = &cobra.Command{
	Use:   "show <identifier>",
	Short: "Print the owner and access policy of an object",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		n, err := newNode()
		cobra.CheckErr(err)
		defer n.close()

		acl, err := n.gateway.Policy(args[0])
		cobra.CheckErr(err)

		data, err := json.MarshalIndent(acl, "", "  ")
		cobra.CheckErr(err)
		fmt.Println(string(data))
	},
}

var policySetCmd = &cobra.Command{
	Use:   "set <identifier> <public|private>",
	Short: "Replace the access policy; only the owner may do this",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		n, err := newNode()
		cobra.CheckErr(err)
		defer n.close()

		var visibility model.Visibility
		switch args[1] {
		case string(model.VisibilityPublic):
			visibility = model.VisibilityPublic
		case string(model.VisibilityPrivate):
			visibility = model.VisibilityPrivate
		default:
			cobra.CheckErr(fmt.Errorf("visibility %q: %w", args[1], model.ErrMalformedInput))
		}

		allowlist := make([]model.Address, 0, len(policyAllowlist))
		for _, a := range policyAllowlist {
			allowlist = append(allowlist, model.Address(a))
		}
		policy := model.AccessPolicy{Visibility: visibility, Allowlist: allowlist}

		cobra.CheckErr(n.gateway.SetPolicy(args[0], model.Address(policyCaller), policy))
		fmt.Printf("policy on %s set to %s\n", args[0], visibility)
	},
}

func init() {
	policySetCmd.Flags().StringVar(&policyCaller, "caller", "local", "address making the change")
	policySetCmd.Flags().StringSliceVar(&policyAllowlist, "allow", nil, "addresses allowed to read a private object")
	policyCmd.AddCommand(policyShowCmd)
	policyCmd.AddCommand(policySetCmd)
	rootCmd.AddCommand(policyCmd)
}
