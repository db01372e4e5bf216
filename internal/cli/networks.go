package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newNetworksCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "networks",
		Short: "List configured network profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}

			type network struct {
				Name      string `json:"name"`
				RPCURL    string `json:"rpc_url"`
				NetworkID string `json:"network_id"`
				Gas       uint64 `json:"gas,omitempty"`
				GasPrice  uint64 `json:"gas_price,omitempty"`
				From      string `json:"from,omitempty"`
			}
			networks := make([]network, 0, len(cfg.Networks))
			for _, name := range cfg.NetworkNames() {
				p := cfg.Networks[name]
				networks = append(networks, network{
					Name:      name,
					RPCURL:    p.RPCURL(),
					NetworkID: string(p.NetworkID),
					Gas:       p.Gas,
					GasPrice:  p.GasPrice,
					From:      p.From,
				})
			}

			out := cmd.OutOrStdout()
			if root.jsonOut {
				return writeJSON(out, map[string]any{
					"networks": networks,
					"count":    len(networks),
				})
			}

			w := newTable(out)
			printTableHeader(w, "NAME", "RPC", "NETWORK ID", "GAS", "GAS PRICE", "FROM")
			for _, n := range networks {
				gas, price, from := "estimate", "auto", "-"
				if n.Gas > 0 {
					gas = fmt.Sprintf("%d", n.Gas)
				}
				if n.GasPrice > 0 {
					price = fmt.Sprintf("%d", n.GasPrice)
				}
				if n.From != "" {
					from = n.From
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", n.Name, n.RPCURL, n.NetworkID, gas, price, from)
			}
			return w.Flush()
		},
	}
}
