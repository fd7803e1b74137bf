package errors

import stderrors "errors"

// The taxonomy shared by the title registry and the escrow engine. Modules wrap
// these sentinels with context so callers can classify failures with errors.Is.
var (
	ErrUnauthorized       = stderrors.New("unauthorized")
	ErrPreconditionFailed = stderrors.New("precondition failed")
	ErrNotFound           = stderrors.New("not found")
	ErrTransferFailed     = stderrors.New("transfer failed")
	ErrPaused             = stderrors.New("module paused")
)

// Kind returns a stable label for err suitable for metrics and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case stderrors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case stderrors.Is(err, ErrPreconditionFailed):
		return "precondition_failed"
	case stderrors.Is(err, ErrNotFound):
		return "not_found"
	case stderrors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	case stderrors.Is(err, ErrPaused):
		return "paused"
	default:
		return "internal"
	}
}
