package envelope

import (
	"errors"
	"fmt"
)

// ErrEnvelopeIDMismatch means a candidate record was routed to a register
// holding a different envelope. This indicates an upstream routing bug and is
// never expected in correct operation.
var ErrEnvelopeIDMismatch = errors.New("envelope: candidate envelope id does not match current record")

// Validation error codes.
const (
	CodeMissingField  = "MISSING_FIELD"
	CodeInvalidStatus = "INVALID_STATUS"
	CodeInvalidMax    = "INVALID_MAX_SATS"
	CodeInvalidExpiry = "INVALID_EXPIRY"
	CodeBadDocument   = "BAD_DOCUMENT"
)

// FieldError reports a malformed or missing attribute on an update record.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("envelope %s: %s (%s)", e.Field, e.Message, e.Code)
}

// TransitionError reports a candidate status not reachable from the current
// status. The current record is left untouched.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("envelope: invalid transition %s -> %s", e.From, e.To)
}
