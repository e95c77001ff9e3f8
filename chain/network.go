// Package chain owns the JSON-RPC connection to the network the lending
// contracts are deployed on.
package chain

import (
	"fmt"
	"strings"
)

// DefaultChainID is Polygon Amoy, the network the marketplace contracts live on.
const DefaultChainID uint64 = 80002

// Network describes an EVM network the provider can dial.
type Network struct {
	Name        string `yaml:"name" toml:"name" json:"name"`
	ChainID     uint64 `yaml:"chain_id" toml:"chain_id" json:"chainId"`
	RPCURL      string `yaml:"rpc_url" toml:"rpc_url" json:"rpcUrl"`
	ExplorerURL string `yaml:"explorer_url" toml:"explorer_url" json:"explorerUrl,omitempty"`
}

// DefaultNetwork returns the Polygon Amoy network definition.
func DefaultNetwork() Network {
	return Network{
		Name:        "polygon-amoy",
		ChainID:     DefaultChainID,
		RPCURL:      "https://rpc-amoy.polygon.technology",
		ExplorerURL: "https://amoy.polygonscan.com",
	}
}

// ChainIDHex renders the chain id the way wallets expect it ("0x13882").
func (n Network) ChainIDHex() string {
	return fmt.Sprintf("0x%x", n.ChainID)
}

// TxURL links a transaction hash on the network's block explorer. It returns
// an empty string when no explorer is configured.
func (n Network) TxURL(hash string) string {
	base := strings.TrimRight(strings.TrimSpace(n.ExplorerURL), "/")
	if base == "" || strings.TrimSpace(hash) == "" {
		return ""
	}
	return base + "/tx/" + strings.TrimSpace(hash)
}

func (n Network) validate() error {
	if n.ChainID == 0 {
		return fmt.Errorf("network %q: chain id required", n.Name)
	}
	if strings.TrimSpace(n.RPCURL) == "" {
		return fmt.Errorf("network %q: rpc url required", n.Name)
	}
	return nil
}
