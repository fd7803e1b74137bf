package bank

import (
	"fmt"
	"math/big"

	coreerrors "propertyescrow/core/errors"
	"propertyescrow/core/types"
	"propertyescrow/crypto"
)

// AccountState is the slice of state the ledger needs.
type AccountState interface {
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, account *types.Account) error
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{Balance: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}

// Balance returns the spendable balance of addr.
func Balance(state AccountState, addr [20]byte) (*big.Int, error) {
	if state == nil {
		return nil, fmt.Errorf("bank: state not configured")
	}
	acc, err := state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return cloneBigInt(ensureAccount(acc).Balance), nil
}

// Transfer moves amount from one identity to another. The debit and credit
// are validated before either account is written, so a rejected transfer
// leaves both accounts untouched.
func Transfer(state AccountState, from, to [20]byte, amount *big.Int) error {
	if state == nil {
		return fmt.Errorf("bank: state not configured")
	}
	amt := cloneBigInt(amount)
	if amt.Sign() < 0 {
		return fmt.Errorf("bank: negative transfer amount: %w", coreerrors.ErrPreconditionFailed)
	}
	if to == ([20]byte{}) {
		return fmt.Errorf("bank: transfer to zero identity: %w", coreerrors.ErrTransferFailed)
	}
	if amt.Sign() == 0 {
		return nil
	}
	fromAcc, err := state.GetAccount(from)
	if err != nil {
		return err
	}
	toAcc, err := state.GetAccount(to)
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	if toAcc.RejectsInbound {
		return fmt.Errorf("bank: recipient %s rejects value: %w", crypto.FromRaw(to).String(), coreerrors.ErrTransferFailed)
	}
	if fromAcc.Balance.Cmp(amt) < 0 {
		return fmt.Errorf("bank: insufficient balance: %w", coreerrors.ErrTransferFailed)
	}
	if from == to {
		return nil
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := state.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return state.PutAccount(to, toAcc)
}

// Credit mints amount into addr. It is reserved for genesis allocations.
func Credit(state AccountState, addr [20]byte, amount *big.Int) error {
	if state == nil {
		return fmt.Errorf("bank: state not configured")
	}
	amt := cloneBigInt(amount)
	if amt.Sign() < 0 {
		return fmt.Errorf("bank: negative credit")
	}
	acc, err := state.GetAccount(addr)
	if err != nil {
		return err
	}
	acc = ensureAccount(acc)
	acc.Balance = new(big.Int).Add(acc.Balance, amt)
	return state.PutAccount(addr, acc)
}

// SetRejectsInbound toggles whether addr refuses incoming value.
func SetRejectsInbound(state AccountState, addr [20]byte, rejects bool) error {
	if state == nil {
		return fmt.Errorf("bank: state not configured")
	}
	acc, err := state.GetAccount(addr)
	if err != nil {
		return err
	}
	acc = ensureAccount(acc)
	acc.RejectsInbound = rejects
	return state.PutAccount(addr, acc)
}
