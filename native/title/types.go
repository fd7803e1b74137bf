package title

import (
	"fmt"
	"strings"
)

// maxMetadataURILength bounds the opaque locator stored with each title.
const maxMetadataURILength = 2048

// Title is the non-fungible ownership record for one property. The metadata
// locator is fixed at mint time; ownership moves through TransferFrom only.
type Title struct {
	ID          uint64
	Owner       [20]byte
	Approved    [20]byte
	MetadataURI string
	MintedAt    int64
}

// Clone returns a copy of the title.
func (t *Title) Clone() *Title {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}

// HasApproval reports whether a delegate is currently approved.
func (t *Title) HasApproval() bool {
	return t != nil && t.Approved != ([20]byte{})
}

// SanitizeTitle validates a title definition and returns a normalised copy.
func SanitizeTitle(t *Title) (*Title, error) {
	if t == nil {
		return nil, fmt.Errorf("nil title")
	}
	clone := t.Clone()
	if clone.ID == 0 {
		return nil, fmt.Errorf("title id must be positive")
	}
	if clone.Owner == ([20]byte{}) {
		return nil, fmt.Errorf("title %d: owner required", clone.ID)
	}
	clone.MetadataURI = strings.TrimSpace(clone.MetadataURI)
	if err := validateMetadataURI(clone.MetadataURI); err != nil {
		return nil, err
	}
	return clone, nil
}

func validateMetadataURI(uri string) error {
	if uri == "" {
		return fmt.Errorf("metadata uri required")
	}
	if len(uri) > maxMetadataURILength {
		return fmt.Errorf("metadata uri exceeds %d bytes", maxMetadataURILength)
	}
	return nil
}
