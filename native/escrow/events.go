package escrow

import (
	"strconv"

	"propertyescrow/core/types"
	"propertyescrow/crypto"
)

const (
	EventTypeEscrowListed     = "escrow.listed"
	EventTypeEscrowDeposited  = "escrow.deposited"
	EventTypeEscrowFunded     = "escrow.funded"
	EventTypeEscrowInspection = "escrow.inspection"
	EventTypeEscrowApproved   = "escrow.approved"
	EventTypeEscrowFinalized  = "escrow.finalized"
	EventTypeEscrowCancelled  = "escrow.cancelled"
)

// NewListedEvent returns the canonical payload for a new listing.
func NewListedEvent(l *Listing) *types.Event { return newListingEvent(EventTypeEscrowListed, l) }

// NewDepositedEvent returns the payload emitted when earnest is deposited.
func NewDepositedEvent(l *Listing, from [20]byte, amount string) *types.Event {
	evt := newListingEvent(EventTypeEscrowDeposited, l)
	evt.Attributes["from"] = crypto.FromRaw(from).String()
	evt.Attributes["amount"] = amount
	return evt
}

// NewFundedEvent returns the payload for a direct value transfer to the
// engine that is not attributed to a title.
func NewFundedEvent(from [20]byte, amount string) *types.Event {
	return &types.Event{
		Type: EventTypeEscrowFunded,
		Attributes: map[string]string{
			"from":   crypto.FromRaw(from).String(),
			"amount": amount,
		},
	}
}

// NewInspectionEvent returns the payload emitted when the inspector reports.
func NewInspectionEvent(l *Listing) *types.Event {
	return newListingEvent(EventTypeEscrowInspection, l)
}

// NewApprovedEvent returns the payload emitted when a party consents.
func NewApprovedEvent(l *Listing, party [20]byte) *types.Event {
	evt := newListingEvent(EventTypeEscrowApproved, l)
	evt.Attributes["party"] = crypto.FromRaw(party).String()
	return evt
}

// NewFinalizedEvent returns the payload emitted on settlement.
func NewFinalizedEvent(l *Listing, seller [20]byte) *types.Event {
	evt := newListingEvent(EventTypeEscrowFinalized, l)
	evt.Attributes["seller"] = crypto.FromRaw(seller).String()
	return evt
}

// NewCancelledEvent returns the payload emitted on cancellation, naming where
// the earnest deposit went.
func NewCancelledEvent(l *Listing, depositTo [20]byte, amount string) *types.Event {
	evt := newListingEvent(EventTypeEscrowCancelled, l)
	evt.Attributes["depositTo"] = crypto.FromRaw(depositTo).String()
	evt.Attributes["depositAmount"] = amount
	return evt
}

func newListingEvent(eventType string, l *Listing) *types.Event {
	attrs := make(map[string]string)
	if l == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeListing(l)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["titleId"] = strconv.FormatUint(sanitized.TitleID, 10)
	attrs["buyer"] = crypto.FromRaw(sanitized.Buyer).String()
	attrs["purchasePrice"] = sanitized.PurchasePrice.String()
	attrs["escrowAmount"] = sanitized.EscrowAmount.String()
	attrs["deposit"] = sanitized.Deposit.String()
	attrs["status"] = sanitized.Status.String()
	attrs["inspectionPassed"] = strconv.FormatBool(sanitized.InspectionPassed)
	return &types.Event{Type: eventType, Attributes: attrs}
}
