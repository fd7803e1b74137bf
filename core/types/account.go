package types

import "math/big"

// Account is the ledger view of a single identity. Balances are expressed in
// the ledger's smallest unit.
type Account struct {
	Nonce   uint64   `json:"nonce"`
	Balance *big.Int `json:"balance"`
	// RejectsInbound marks an identity that refuses incoming value. Transfers
	// addressed to it fail instead of crediting the balance.
	RejectsInbound bool `json:"rejectsInbound,omitempty"`
}

// Clone returns a deep copy so callers may mutate balances freely.
func (a *Account) Clone() *Account {
	if a == nil {
		return &Account{Balance: big.NewInt(0)}
	}
	clone := *a
	if a.Balance != nil {
		clone.Balance = new(big.Int).Set(a.Balance)
	} else {
		clone.Balance = big.NewInt(0)
	}
	return &clone
}
