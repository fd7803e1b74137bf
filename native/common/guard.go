package common

import (
	"strings"

	coreerrors "propertyescrow/core/errors"
)

// ErrModulePaused is returned by Guard for modules switched off by the operator.
var ErrModulePaused = coreerrors.ErrPaused

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// StaticPauses is a fixed set of paused module names, typically loaded from
// configuration at startup.
type StaticPauses map[string]struct{}

// NewStaticPauses builds a pause set from module names. Names are matched
// case-insensitively.
func NewStaticPauses(modules []string) StaticPauses {
	out := make(StaticPauses, len(modules))
	for _, m := range modules {
		if trimmed := strings.ToLower(strings.TrimSpace(m)); trimmed != "" {
			out[trimmed] = struct{}{}
		}
	}
	return out
}

// IsPaused implements PauseView.
func (s StaticPauses) IsPaused(module string) bool {
	_, ok := s[strings.ToLower(strings.TrimSpace(module))]
	return ok
}
