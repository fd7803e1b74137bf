package escrow

import (
	"fmt"
	"math/big"
)

// ListingStatus represents the lifecycle of a listing.
type ListingStatus uint8

const (
	ListingUnlisted ListingStatus = iota
	ListingActive
	ListingFinalized
	ListingCancelled
)

// String returns the lower-case status label used in events and RPC payloads.
func (s ListingStatus) String() string {
	switch s {
	case ListingUnlisted:
		return "unlisted"
	case ListingActive:
		return "listed"
	case ListingFinalized:
		return "finalized"
	case ListingCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Valid reports whether the status value is within the supported range.
func (s ListingStatus) Valid() bool {
	switch s {
	case ListingUnlisted, ListingActive, ListingFinalized, ListingCancelled:
		return true
	default:
		return false
	}
}

// Roles holds the identities fixed when the engine is created. The value is
// copied into the engine and never mutated afterwards.
type Roles struct {
	Seller    [20]byte
	Inspector [20]byte
	Lender    [20]byte
}

// Validate ensures every role is set and no identity holds two roles.
func (r Roles) Validate() error {
	zero := [20]byte{}
	if r.Seller == zero || r.Inspector == zero || r.Lender == zero {
		return fmt.Errorf("escrow: seller, inspector and lender must all be set")
	}
	if r.Seller == r.Inspector || r.Seller == r.Lender || r.Inspector == r.Lender {
		return fmt.Errorf("escrow: role identities must be distinct")
	}
	return nil
}

// Holds reports whether addr occupies any fixed role.
func (r Roles) Holds(addr [20]byte) bool {
	return addr == r.Seller || addr == r.Inspector || addr == r.Lender
}

// Listing captures the sale workflow of a single title while the engine holds
// it in custody. Deposit tracks the earnest received for this title; lender
// funding is pooled in the engine account and is not attributed here.
type Listing struct {
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
	Status           ListingStatus
	ListedAt         int64
	ClosedAt         int64
}

// Clone returns a deep copy of the listing so callers can safely mutate the
// copy without affecting the stored instance.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	clone := *l
	clone.PurchasePrice = cloneBigInt(l.PurchasePrice)
	clone.EscrowAmount = cloneBigInt(l.EscrowAmount)
	clone.Deposit = cloneBigInt(l.Deposit)
	return &clone
}

// FullyApproved reports whether buyer, seller and lender have all consented.
func (l *Listing) FullyApproved() bool {
	return l != nil && l.BuyerApproved && l.SellerApproved && l.LenderApproved
}

// SanitizeListing validates the listing and returns a clone with non-nil
// amounts. The function does not mutate the original value.
func SanitizeListing(l *Listing) (*Listing, error) {
	if l == nil {
		return nil, fmt.Errorf("nil listing")
	}
	clone := l.Clone()
	if clone.TitleID == 0 {
		return nil, fmt.Errorf("listing title id must be positive")
	}
	if clone.Buyer == ([20]byte{}) {
		return nil, fmt.Errorf("listing %d: buyer required", clone.TitleID)
	}
	if clone.PurchasePrice.Sign() < 0 || clone.EscrowAmount.Sign() < 0 || clone.Deposit.Sign() < 0 {
		return nil, fmt.Errorf("listing %d: amounts must be non-negative", clone.TitleID)
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("listing %d: invalid status %d", clone.TitleID, clone.Status)
	}
	if clone.Listed != (clone.Status == ListingActive) {
		return nil, fmt.Errorf("listing %d: listed flag disagrees with status %s", clone.TitleID, clone.Status)
	}
	return clone, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
