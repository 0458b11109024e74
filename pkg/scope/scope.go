// Package scope defines the scope reference attached to credit lines and job
// payments: an externally validated pointer naming what the money is for.
//
// The full skill-reference validator lives outside this module; here we only
// enforce the structural invariants every scope reference must satisfy before
// any credit state is touched.
package scope

import (
	"encoding/hex"
	"fmt"
)

// Known scope reference types.
const (
	TypeJobHash  = "job_hash"
	TypeSkillRef = "skill_ref"
)

// Ref is an opaque, pre-validated scope descriptor plus a constraints hash.
type Ref struct {
	Type            string `json:"type"`
	ID              string `json:"id"`
	ConstraintsHash string `json:"constraints_hash,omitempty"`
}

// ValidationError reports a specific structural failure.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("scope %s: %s (%s)", e.Field, e.Message, e.Code)
}

// Validate performs the structural check. Fail-closed: any issue rejects the
// reference before it reaches the envelope or treasury layers.
func (r Ref) Validate() error {
	if r.Type == "" {
		return &ValidationError{Field: "type", Code: "MISSING_FIELD", Message: "scope type is required"}
	}
	if r.Type != TypeJobHash && r.Type != TypeSkillRef {
		return &ValidationError{Field: "type", Code: "UNKNOWN_TYPE",
			Message: fmt.Sprintf("unknown scope type %q", r.Type)}
	}
	if r.ID == "" {
		return &ValidationError{Field: "id", Code: "MISSING_FIELD", Message: "scope id is required"}
	}
	if r.ConstraintsHash != "" {
		if len(r.ConstraintsHash) != 64 {
			return &ValidationError{Field: "constraints_hash", Code: "BAD_LENGTH",
				Message: "constraints hash must be a sha256 hex digest"}
		}
		if _, err := hex.DecodeString(r.ConstraintsHash); err != nil {
			return &ValidationError{Field: "constraints_hash", Code: "BAD_HEX",
				Message: "constraints hash must be hex encoded"}
		}
	}
	return nil
}
