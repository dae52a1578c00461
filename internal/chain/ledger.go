// Package chain provides the narrow ledger interface the mixing engine
// uses to move funds. The engine never embeds ledger-protocol encoding;
// everything beyond transfer and balance queries lives outside this module.
package chain

import "context"

// TransferReceipt identifies a submitted ledger transfer.
type TransferReceipt struct {
	TxHash      string `json:"tx_hash"`
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
}

// Ledger is the external collaborator that actually moves funds. Callers
// bound every call with a context deadline; a timed-out transfer is treated
// as a failure by the caller, never as a hang.
type Ledger interface {
	Transfer(ctx context.Context, destination string, amount int64, note string) (TransferReceipt, error)
	GetBalance(ctx context.Context, address string) (int64, error)
}
