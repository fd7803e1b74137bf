package title

import (
	"strconv"

	"propertyescrow/core/types"
	"propertyescrow/crypto"
)

const (
	EventTypeTitleMinted      = "title.minted"
	EventTypeTitleApproved    = "title.approved"
	EventTypeTitleTransferred = "title.transferred"
)

type titleEvent struct {
	evt *types.Event
}

func (e titleEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e titleEvent) Event() *types.Event { return e.evt }

// NewMintedEvent returns the payload for a freshly minted title.
func NewMintedEvent(t *Title) *types.Event {
	evt := newTitleEvent(EventTypeTitleMinted, t)
	if t != nil {
		evt.Attributes["uri"] = t.MetadataURI
	}
	return evt
}

// NewApprovedEvent returns the payload for a delegate approval.
func NewApprovedEvent(t *Title) *types.Event {
	evt := newTitleEvent(EventTypeTitleApproved, t)
	if t != nil {
		evt.Attributes["approved"] = crypto.FromRaw(t.Approved).String()
	}
	return evt
}

// NewTransferredEvent returns the payload for an ownership change.
func NewTransferredEvent(t *Title, from [20]byte) *types.Event {
	evt := newTitleEvent(EventTypeTitleTransferred, t)
	evt.Attributes["from"] = crypto.FromRaw(from).String()
	return evt
}

func newTitleEvent(eventType string, t *Title) *types.Event {
	attrs := make(map[string]string)
	if t == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["titleId"] = strconv.FormatUint(t.ID, 10)
	attrs["owner"] = crypto.FromRaw(t.Owner).String()
	return &types.Event{Type: eventType, Attributes: attrs}
}
