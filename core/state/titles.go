package state

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"propertyescrow/native/title"
)

type storedTitle struct {
	ID          uint64
	Owner       [20]byte
	Approved    [20]byte
	MetadataURI string
	MintedAt    *big.Int
}

func newStoredTitle(t *title.Title) *storedTitle {
	return &storedTitle{
		ID:          t.ID,
		Owner:       t.Owner,
		Approved:    t.Approved,
		MetadataURI: t.MetadataURI,
		MintedAt:    big.NewInt(t.MintedAt),
	}
}

func (s *storedTitle) toTitle() *title.Title {
	out := &title.Title{
		ID:          s.ID,
		Owner:       s.Owner,
		Approved:    s.Approved,
		MetadataURI: s.MetadataURI,
	}
	if s.MintedAt != nil {
		out.MintedAt = s.MintedAt.Int64()
	}
	return out
}

func titleKey(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return prefixedKey(titlePrefix, buf[:])
}

func titleHoldingKey(owner [20]byte) []byte {
	return prefixedKey(titleHoldingPrefix, owner[:])
}

// TitlePut persists the title record after validation.
func (m *Manager) TitlePut(t *title.Title) error {
	sanitized, err := title.SanitizeTitle(t)
	if err != nil {
		return err
	}
	return m.put(titleKey(sanitized.ID), newStoredTitle(sanitized))
}

// TitleGet loads the title with the given identifier.
func (m *Manager) TitleGet(id uint64) (*title.Title, bool, error) {
	data, err := m.get(titleKey(id))
	if err != nil {
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	stored := new(storedTitle)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false, fmt.Errorf("state: decode title %d: %w", id, err)
	}
	return stored.toTitle(), true, nil
}

// TitleSupply returns the number of titles minted so far.
func (m *Manager) TitleSupply() (uint64, error) {
	data, err := m.get(titleSupplyKey)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}
	var supply uint64
	if err := rlp.DecodeBytes(data, &supply); err != nil {
		return 0, fmt.Errorf("state: decode title supply: %w", err)
	}
	return supply, nil
}

// TitleNextID reserves the next sequential title identifier. Identifiers
// start at 1 and are never reused.
func (m *Manager) TitleNextID() (uint64, error) {
	supply, err := m.TitleSupply()
	if err != nil {
		return 0, err
	}
	next := supply + 1
	if next == 0 {
		return 0, fmt.Errorf("state: title identifier space exhausted")
	}
	if err := m.put(titleSupplyKey, next); err != nil {
		return 0, err
	}
	return next, nil
}

// TitleBalance returns the number of titles held by owner.
func (m *Manager) TitleBalance(owner [20]byte) (uint64, error) {
	data, err := m.get(titleHoldingKey(owner))
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}
	var count uint64
	if err := rlp.DecodeBytes(data, &count); err != nil {
		return 0, fmt.Errorf("state: decode title balance: %w", err)
	}
	return count, nil
}

// TitleSetBalance records the number of titles held by owner.
func (m *Manager) TitleSetBalance(owner [20]byte, count uint64) error {
	return m.put(titleHoldingKey(owner), count)
}
