package events

import (
	"math/big"

	"propertyescrow/core/types"
	"propertyescrow/crypto"
)

const (
	// TypeTransfer is emitted for every ledger value movement.
	TypeTransfer = "transfer.native"
)

type Transfer struct {
	From   [20]byte
	To     [20]byte
	Amount *big.Int
	Memo   string
}

func (Transfer) EventType() string { return TypeTransfer }

func (e Transfer) Event() *types.Event {
	attrs := map[string]string{
		"from":   crypto.FromRaw(e.From).String(),
		"to":     crypto.FromRaw(e.To).String(),
		"amount": formatAmount(e.Amount),
	}
	if e.Memo != "" {
		attrs["memo"] = e.Memo
	}
	return &types.Event{Type: TypeTransfer, Attributes: attrs}
}
