package genesis

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"

	"propertyescrow/crypto"
)

// Spec describes the state a fresh node starts from: funded identities and
// titles the seller lists before any RPC traffic arrives.
type Spec struct {
	Alloc []AllocSpec `json:"alloc"`
	Seeds []SeedSpec  `json:"seeds"`
}

// AllocSpec credits Balance to Address at genesis.
type AllocSpec struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

// SeedSpec mints a title to the seller and lists it for Buyer.
type SeedSpec struct {
	URI           string `json:"uri"`
	Buyer         string `json:"buyer"`
	PurchasePrice string `json:"purchasePrice"`
	EscrowAmount  string `json:"escrowAmount"`
}

type allocation struct {
	addr    [20]byte
	balance *big.Int
}

type seed struct {
	uri           string
	buyer         [20]byte
	purchasePrice *big.Int
	escrowAmount  *big.Int
}

// LoadSpec reads a JSON genesis document from path.
func LoadSpec(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis: %w", err)
	}
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("decode genesis: %w", err)
	}
	return &spec, nil
}

// Validate checks that every address and amount in the spec parses.
func (s *Spec) Validate() error {
	_, _, err := s.resolve()
	return err
}

func (s *Spec) resolve() ([]allocation, []seed, error) {
	if s == nil {
		return nil, nil, nil
	}
	allocs := make([]allocation, 0, len(s.Alloc))
	for i, entry := range s.Alloc {
		addr, err := crypto.ParseRaw(entry.Address)
		if err != nil {
			return nil, nil, fmt.Errorf("alloc[%d]: %w", i, err)
		}
		balance, err := parseAmount(entry.Balance)
		if err != nil {
			return nil, nil, fmt.Errorf("alloc[%d] balance: %w", i, err)
		}
		allocs = append(allocs, allocation{addr: addr, balance: balance})
	}
	seeds := make([]seed, 0, len(s.Seeds))
	for i, entry := range s.Seeds {
		buyer, err := crypto.ParseRaw(entry.Buyer)
		if err != nil {
			return nil, nil, fmt.Errorf("seed[%d] buyer: %w", i, err)
		}
		price, err := parseAmount(entry.PurchasePrice)
		if err != nil {
			return nil, nil, fmt.Errorf("seed[%d] purchasePrice: %w", i, err)
		}
		escrowAmount, err := parseAmount(entry.EscrowAmount)
		if err != nil {
			return nil, nil, fmt.Errorf("seed[%d] escrowAmount: %w", i, err)
		}
		if strings.TrimSpace(entry.URI) == "" {
			return nil, nil, fmt.Errorf("seed[%d]: uri required", i)
		}
		seeds = append(seeds, seed{
			uri:           strings.TrimSpace(entry.URI),
			buyer:         buyer,
			purchasePrice: price,
			escrowAmount:  escrowAmount,
		})
	}
	return allocs, seeds, nil
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount %q must not be negative", value)
	}
	return amount, nil
}
