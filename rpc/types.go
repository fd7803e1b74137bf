package rpc

import (
	"fmt"
	"math/big"
	"strings"

	"propertyescrow/core/types"
	"propertyescrow/crypto"
	"propertyescrow/native/escrow"
	"propertyescrow/native/title"
)

// TitleResult describes a minted title.
type TitleResult struct {
	ID          uint64 `json:"id"`
	Owner       string `json:"owner"`
	Approved    string `json:"approved,omitempty"`
	MetadataURI string `json:"metadataUri"`
	MintedAt    int64  `json:"mintedAt"`
}

// ListingResult describes the escrow workflow of one title.
type ListingResult struct {
	TitleID          uint64 `json:"titleId"`
	Buyer            string `json:"buyer"`
	PurchasePrice    string `json:"purchasePrice"`
	EscrowAmount     string `json:"escrowAmount"`
	Deposit          string `json:"deposit"`
	Listed           bool   `json:"listed"`
	Status           string `json:"status"`
	InspectionPassed bool   `json:"inspectionPassed"`
	BuyerApproved    bool   `json:"buyerApproved"`
	SellerApproved   bool   `json:"sellerApproved"`
	LenderApproved   bool   `json:"lenderApproved"`
	ListedAt         int64  `json:"listedAt"`
	ClosedAt         int64  `json:"closedAt,omitempty"`
}

// RolesResult names the fixed parties and the custody identities.
type RolesResult struct {
	Seller    string `json:"seller"`
	Inspector string `json:"inspector"`
	Lender    string `json:"lender"`
	Escrow    string `json:"escrow"`
	Registry  string `json:"registry"`
}

// BalanceResult reports the ledger view of one identity.
type BalanceResult struct {
	Address        string `json:"address"`
	Balance        string `json:"balance"`
	Nonce          uint64 `json:"nonce"`
	RejectsInbound bool   `json:"rejectsInbound,omitempty"`
}

func formatAddress(raw [20]byte) string {
	if raw == ([20]byte{}) {
		return ""
	}
	return crypto.FromRaw(raw).String()
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func titleResult(t *title.Title) TitleResult {
	return TitleResult{
		ID:          t.ID,
		Owner:       formatAddress(t.Owner),
		Approved:    formatAddress(t.Approved),
		MetadataURI: t.MetadataURI,
		MintedAt:    t.MintedAt,
	}
}

func listingResult(l *escrow.Listing) ListingResult {
	return ListingResult{
		TitleID:          l.TitleID,
		Buyer:            formatAddress(l.Buyer),
		PurchasePrice:    formatAmount(l.PurchasePrice),
		EscrowAmount:     formatAmount(l.EscrowAmount),
		Deposit:          formatAmount(l.Deposit),
		Listed:           l.Listed,
		Status:           l.Status.String(),
		InspectionPassed: l.InspectionPassed,
		BuyerApproved:    l.BuyerApproved,
		SellerApproved:   l.SellerApproved,
		LenderApproved:   l.LenderApproved,
		ListedAt:         l.ListedAt,
		ClosedAt:         l.ClosedAt,
	}
}

func balanceResult(addr string, account *types.Account) BalanceResult {
	return BalanceResult{
		Address:        addr,
		Balance:        formatAmount(account.Balance),
		Nonce:          account.Nonce,
		RejectsInbound: account.RejectsInbound,
	}
}

func parseBech32Address(addr string) ([20]byte, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("address required")
	}
	return crypto.ParseRaw(trimmed)
}

// parseAmount accepts a base-10 integer string that is zero or greater.
func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

func requireTitleID(id uint64) error {
	if id == 0 {
		return fmt.Errorf("id must be positive")
	}
	return nil
}
