package state

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"propertyescrow/native/escrow"
)

type storedListing struct {
	TitleID          uint64
	Buyer            [20]byte
	PurchasePrice    *big.Int
	EscrowAmount     *big.Int
	Deposit          *big.Int
	Listed           bool
	InspectionPassed bool
	BuyerApproved    bool
	SellerApproved   bool
	LenderApproved   bool
	Status           uint8
	ListedAt         *big.Int
	ClosedAt         *big.Int
}

func newStoredListing(l *escrow.Listing) *storedListing {
	return &storedListing{
		TitleID:          l.TitleID,
		Buyer:            l.Buyer,
		PurchasePrice:    new(big.Int).Set(l.PurchasePrice),
		EscrowAmount:     new(big.Int).Set(l.EscrowAmount),
		Deposit:          new(big.Int).Set(l.Deposit),
		Listed:           l.Listed,
		InspectionPassed: l.InspectionPassed,
		BuyerApproved:    l.BuyerApproved,
		SellerApproved:   l.SellerApproved,
		LenderApproved:   l.LenderApproved,
		Status:           uint8(l.Status),
		ListedAt:         big.NewInt(l.ListedAt),
		ClosedAt:         big.NewInt(l.ClosedAt),
	}
}

func (s *storedListing) toListing() (*escrow.Listing, error) {
	out := &escrow.Listing{
		TitleID:          s.TitleID,
		Buyer:            s.Buyer,
		PurchasePrice:    big.NewInt(0),
		EscrowAmount:     big.NewInt(0),
		Deposit:          big.NewInt(0),
		Listed:           s.Listed,
		InspectionPassed: s.InspectionPassed,
		BuyerApproved:    s.BuyerApproved,
		SellerApproved:   s.SellerApproved,
		LenderApproved:   s.LenderApproved,
		Status:           escrow.ListingStatus(s.Status),
	}
	if s.PurchasePrice != nil {
		out.PurchasePrice.Set(s.PurchasePrice)
	}
	if s.EscrowAmount != nil {
		out.EscrowAmount.Set(s.EscrowAmount)
	}
	if s.Deposit != nil {
		out.Deposit.Set(s.Deposit)
	}
	if s.ListedAt != nil {
		out.ListedAt = s.ListedAt.Int64()
	}
	if s.ClosedAt != nil {
		out.ClosedAt = s.ClosedAt.Int64()
	}
	return escrow.SanitizeListing(out)
}

func listingKey(titleID uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], titleID)
	return prefixedKey(listingPrefix, buf[:])
}

// ListingPut persists the listing for its title, replacing any earlier one.
func (m *Manager) ListingPut(l *escrow.Listing) error {
	sanitized, err := escrow.SanitizeListing(l)
	if err != nil {
		return err
	}
	return m.put(listingKey(sanitized.TitleID), newStoredListing(sanitized))
}

// ListingGet loads the most recent listing for the title.
func (m *Manager) ListingGet(titleID uint64) (*escrow.Listing, bool, error) {
	data, err := m.get(listingKey(titleID))
	if err != nil {
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	stored := new(storedListing)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false, fmt.Errorf("state: decode listing %d: %w", titleID, err)
	}
	listing, err := stored.toListing()
	if err != nil {
		return nil, false, fmt.Errorf("state: listing %d: %w", titleID, err)
	}
	return listing, true, nil
}

var escrowReservedKey = []byte("escrow/reserved")

func buyerIndexKey(buyer [20]byte) []byte {
	return append([]byte("escrow/buyer/"), buyer[:]...)
}

// EscrowReserved returns the earnest held on behalf of active listings.
func (m *Manager) EscrowReserved() (*big.Int, error) {
	reserved := new(big.Int)
	if _, err := m.KVGet(escrowReservedKey, reserved); err != nil {
		return nil, fmt.Errorf("state: escrow reserved: %w", err)
	}
	return reserved, nil
}

// EscrowSetReserved records the earnest held on behalf of active listings.
// A zero total removes the entry.
func (m *Manager) EscrowSetReserved(amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return m.KVDelete(escrowReservedKey)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("state: escrow reserved must not be negative")
	}
	return m.KVPut(escrowReservedKey, amount)
}

// ListingIndexBuyer remembers that buyer has been offered titleID.
func (m *Manager) ListingIndexBuyer(buyer [20]byte, titleID uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], titleID)
	return m.KVAppend(buyerIndexKey(buyer), buf[:])
}

// ListingsByBuyer returns the titles ever listed for buyer, in listing order.
func (m *Manager) ListingsByBuyer(buyer [20]byte) ([]uint64, error) {
	var raw [][]byte
	if err := m.KVGetList(buyerIndexKey(buyer), &raw); err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(raw))
	for _, entry := range raw {
		if len(entry) != 8 {
			return nil, fmt.Errorf("state: malformed buyer index entry")
		}
		ids = append(ids, binary.BigEndian.Uint64(entry))
	}
	return ids, nil
}
