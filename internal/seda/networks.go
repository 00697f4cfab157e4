package seda

import "fmt"

// Network describes one SEDA chain deployment.
type Network struct {
	Name         string
	ChainID      string
	RPCEndpoint  string
	CoreContract string
	ExplorerURL  string
	Denom        string
}

// Built-in deployments. RPC endpoint and core contract can be overridden
// through configuration; chain id and denom cannot.
var networks = map[string]Network{
	"testnet": {
		Name:         "testnet",
		ChainID:      "seda-1-testnet",
		RPCEndpoint:  "https://rpc.testnet.seda.xyz",
		CoreContract: "seda1c6qftzuwzjr4pqvss32a27pk2nkgy7y4mgklxe83m3cnzkj2jlwqz02u6j",
		ExplorerURL:  "https://testnet.explorer.seda.xyz",
		Denom:        "aseda",
	},
	"mainnet": {
		Name:         "mainnet",
		ChainID:      "seda-1",
		RPCEndpoint:  "https://rpc.seda.xyz",
		CoreContract: "seda1uy22mdcsfm6hdl7xdtu5hgqzv4r03vqjw30cvzt60g3n3900dsjsrczw4v",
		ExplorerURL:  "https://explorer.seda.xyz",
		Denom:        "aseda",
	},
	"local": {
		Name:         "local",
		ChainID:      "seda-1-local",
		RPCEndpoint:  "http://localhost:26657",
		CoreContract: "seda14hj2tavq8fpesdwxxcu44rty3hh90vhujrvcmstl4zr3txmfvw9smpk9qt",
		ExplorerURL:  "",
		Denom:        "aseda",
	},
}

// NetworkByName returns the preset for name (testnet, mainnet, local).
func NetworkByName(name string) (Network, error) {
	n, ok := networks[name]
	if !ok {
		return Network{}, fmt.Errorf("seda: unknown network %q", name)
	}
	return n, nil
}

// TxURL returns an explorer link for a transaction hash, or empty when
// the network has no explorer.
func (n Network) TxURL(txHash string) string {
	if n.ExplorerURL == "" {
		return ""
	}
	return n.ExplorerURL + "/txs/" + txHash
}

// DataRequestURL returns an explorer link for a data request id.
func (n Network) DataRequestURL(drID Hash) string {
	if n.ExplorerURL == "" {
		return ""
	}
	return n.ExplorerURL + "/data-requests/" + drID.Hex()
}
