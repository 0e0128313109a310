// Package kaspa holds the per-network chain parameters and the address
// derivation contract used by the rest of the gateway. Everything here is
// pure: no I/O, no clock, no global state.
package kaspa

import (
	"fmt"
	"strings"
)

// Network identifies a supported kaspa network.
type Network string

const (
	NetworkMainnet   Network = "mainnet"
	NetworkTestnet10 Network = "testnet-10"
)

// Params bundles the network-dependent constants: the address prefix, the
// public REST indexer, the wRPC node endpoints tried in order, the block
// explorer base, and the blue-score distance treated as final.
type Params struct {
	Network               Network
	AddressPrefix         string
	IndexerURL            string
	NodeEndpoints         []string
	ExplorerURL           string
	RequiredConfirmations uint64
}

var mainnetParams = Params{
	Network:       NetworkMainnet,
	AddressPrefix: "kaspa",
	IndexerURL:    "https://api.kaspa.org",
	NodeEndpoints: []string{
		"wss://node.kaspa.ws/kaspa/mainnet/wrpc/json",
		"wss://eu-1.kaspa-ng.org/mainnet",
	},
	ExplorerURL:           "https://explorer.kaspa.org",
	RequiredConfirmations: 10,
}

var testnet10Params = Params{
	Network:       NetworkTestnet10,
	AddressPrefix: "kaspatest",
	IndexerURL:    "https://api-tn10.kaspa.org",
	NodeEndpoints: []string{
		"wss://node.kaspa.ws/kaspa/testnet-10/wrpc/json",
	},
	ExplorerURL:           "https://explorer-tn10.kaspa.org",
	RequiredConfirmations: 10,
}

// ParamsFor resolves the chain parameters for a network name.
func ParamsFor(name string) (Params, error) {
	switch Network(strings.TrimSpace(name)) {
	case NetworkMainnet:
		return mainnetParams, nil
	case NetworkTestnet10:
		return testnet10Params, nil
	default:
		return Params{}, fmt.Errorf("kaspa: unknown network %q", name)
	}
}

// ExplorerAddressURL returns the explorer page for an address.
func (p Params) ExplorerAddressURL(address string) string {
	return p.ExplorerURL + "/addresses/" + address
}

// ExplorerTxURL returns the explorer page for a transaction.
func (p Params) ExplorerTxURL(txID string) string {
	return p.ExplorerURL + "/txs/" + txID
}

// PaymentURI builds the kaspa: payment URI encoded into session QR codes.
// The amount is a decimal KAS string.
func (p Params) PaymentURI(address, amountKAS string) string {
	return fmt.Sprintf("%s?amount=%s", address, amountKAS)
}
