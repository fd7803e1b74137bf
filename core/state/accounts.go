package state

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"propertyescrow/core/types"
)

type storedAccount struct {
	Nonce          uint64
	Balance        *big.Int
	RejectsInbound bool
}

func accountKey(addr [20]byte) []byte {
	return prefixedKey(accountPrefix, addr[:])
}

// GetAccount returns the account stored for addr. Unknown identities yield a
// zero-balance account rather than an error.
func (m *Manager) GetAccount(addr [20]byte) (*types.Account, error) {
	data, err := m.get(accountKey(addr))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	stored := new(storedAccount)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, fmt.Errorf("state: decode account: %w", err)
	}
	account := &types.Account{
		Nonce:          stored.Nonce,
		Balance:        big.NewInt(0),
		RejectsInbound: stored.RejectsInbound,
	}
	if stored.Balance != nil {
		account.Balance = new(big.Int).Set(stored.Balance)
	}
	return account, nil
}

// PutAccount persists the account for addr.
func (m *Manager) PutAccount(addr [20]byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("state: nil account")
	}
	balance := big.NewInt(0)
	if account.Balance != nil {
		if account.Balance.Sign() < 0 {
			return fmt.Errorf("state: negative balance")
		}
		balance = new(big.Int).Set(account.Balance)
	}
	return m.put(accountKey(addr), &storedAccount{
		Nonce:          account.Nonce,
		Balance:        balance,
		RejectsInbound: account.RejectsInbound,
	})
}
