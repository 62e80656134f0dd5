package invoker

import (
	"errors"

	"github.com/jkaninda/stepguard/internal/approval"
	"github.com/jkaninda/stepguard/internal/tools"
)

// Error kinds recorded on step results.
const (
	KindInvalidParameters   = "InvalidParameters"
	KindUnknownTool         = "UnknownTool"
	KindDuplicateTool       = "DuplicateTool"
	KindConfirmationDenied  = "ConfirmationDenied"
	KindConfirmationTimeout = "ConfirmationTimeout"
	KindInvocationTimeout   = "InvocationTimeout"
	KindTransientFailure    = "TransientFailure"
	KindPermanentFailure    = "PermanentFailure"
	KindCancelled           = "Cancelled"
	KindInternal            = "Internal"
)

// Kind maps an invocation or gate error to a stable kind string.
// It returns "" for a nil error.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, tools.ErrInvalidParameters):
		return KindInvalidParameters
	case errors.Is(err, tools.ErrUnknownTool):
		return KindUnknownTool
	case errors.Is(err, tools.ErrDuplicateTool):
		return KindDuplicateTool
	case errors.Is(err, approval.ErrConfirmationTimeout):
		return KindConfirmationTimeout
	case errors.Is(err, approval.ErrConfirmationDenied):
		return KindConfirmationDenied
	case errors.Is(err, ErrInterrupted):
		return KindCancelled
	case errors.Is(err, ErrInvocationTimeout):
		return KindInvocationTimeout
	case errors.Is(err, ErrTransientFailure):
		return KindTransientFailure
	case errors.Is(err, ErrPermanentFailure):
		return KindPermanentFailure
	default:
		return KindInternal
	}
}
