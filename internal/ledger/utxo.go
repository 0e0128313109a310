// Package ledger watches the kaspa ledger for payments to monitored
// addresses. Two backends run concurrently: a push client over the node's
// wRPC websocket and a polling client against the public REST indexer.
// Either may observe a payment first; the single-shot detected flag on each
// monitored address guarantees exactly one callback.
package ledger

import (
	"fmt"
	"math/big"
)

// UTXO is one unspent output paying a monitored address.
type UTXO struct {
	TxID          string
	Index         uint32
	AmountSompi   *big.Int
	BlockDAAScore uint64 // 0 means mempool-only, not yet block-included
	ScriptPubKey  string
}

// OutpointKey identifies the UTXO for snapshot diffing.
func (u UTXO) OutpointKey() string {
	return fmt.Sprintf("%s:%d", u.TxID, u.Index)
}

// Included reports whether the output is block-included. Mempool-only
// outputs never count toward a session's expected amount.
func (u UTXO) Included() bool {
	return u.BlockDAAScore > 0
}

// IncludedTotal sums the block-included outputs.
func IncludedTotal(utxos []UTXO) *big.Int {
	total := new(big.Int)
	for _, u := range utxos {
		if u.Included() && u.AmountSompi != nil {
			total.Add(total, u.AmountSompi)
		}
	}
	return total
}

// Callback receives the first qualifying payment observed for an address:
// the transaction id of the largest contributing output, the block-included
// total, and the outputs themselves.
type Callback func(address, txID string, total *big.Int, utxos []UTXO)
