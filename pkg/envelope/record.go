package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Meshline-Labs/satline/pkg/canonical"
	"github.com/Meshline-Labs/satline/pkg/scope"
	"github.com/Meshline-Labs/satline/pkg/signing"
)

// CreditEnvelope is a bounded, time-limited credit authorization between a
// borrowing agent and an issuer, optionally bound to a fulfilling provider.
type CreditEnvelope struct {
	EnvelopeID     string                 `json:"envelope_id"`
	BorrowerPubkey string                 `json:"borrower_pubkey"`
	IssuerPubkey   string                 `json:"issuer_pubkey"`
	LSPPubkey      string                 `json:"lsp_pubkey,omitempty"`
	Scope          scope.Ref              `json:"scope"`
	ProviderPubkey string                 `json:"provider_pubkey,omitempty"`
	MaxSats        int64                  `json:"max_sats"`
	Expiry         time.Time              `json:"expiry"`
	Status         Status                 `json:"status"`
	RepaymentRail  string                 `json:"repayment_rail,omitempty"`
	Terms          map[string]interface{} `json:"terms,omitempty"`
}

// Validate rejects an envelope whose required attributes are absent or
// malformed. Runs before any authority state is touched.
func (e *CreditEnvelope) Validate() error {
	required := []struct{ field, value string }{
		{"envelope_id", e.EnvelopeID},
		{"borrower_pubkey", e.BorrowerPubkey},
		{"issuer_pubkey", e.IssuerPubkey},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &FieldError{Field: r.field, Code: CodeMissingField,
				Message: r.field + " is required"}
		}
	}
	if !e.Status.Valid() {
		return &FieldError{Field: "status", Code: CodeInvalidStatus,
			Message: fmt.Sprintf("unknown status %q", e.Status)}
	}
	if e.MaxSats <= 0 {
		return &FieldError{Field: "max_sats", Code: CodeInvalidMax,
			Message: fmt.Sprintf("max_sats must be positive, got %d", e.MaxSats)}
	}
	if e.Expiry.IsZero() {
		return &FieldError{Field: "expiry", Code: CodeInvalidExpiry,
			Message: "expiry is required"}
	}
	if err := e.Scope.Validate(); err != nil {
		return err
	}
	return nil
}

// UpdateRecord is one authenticated update to an envelope: the candidate
// envelope value plus its provenance (record id, creation timestamp) and an
// optional publisher signature.
type UpdateRecord struct {
	RecordID  string         `json:"record_id"`
	CreatedAt time.Time      `json:"created_at"`
	Envelope  CreditEnvelope `json:"envelope"`
	Signature *signing.Block `json:"signature,omitempty"`
}

// NewUpdateRecord builds an update record with a content-derived record id, so
// independent observers of the same logical update compute the same id and the
// authority tie-break resolves identically everywhere.
func NewUpdateRecord(env CreditEnvelope, createdAt time.Time) (*UpdateRecord, error) {
	rec := &UpdateRecord{CreatedAt: createdAt.UTC(), Envelope: env}
	id, err := canonical.Hash(struct {
		CreatedAt time.Time      `json:"created_at"`
		Envelope  CreditEnvelope `json:"envelope"`
	}{rec.CreatedAt, env})
	if err != nil {
		return nil, fmt.Errorf("envelope: derive record id: %w", err)
	}
	rec.RecordID = id
	return rec, nil
}

const updateRecordSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["created_at", "envelope"],
  "properties": {
    "record_id": {"type": "string"},
    "created_at": {"type": "string"},
    "envelope": {
      "type": "object",
      "required": ["envelope_id", "borrower_pubkey", "issuer_pubkey", "scope", "max_sats", "expiry", "status"],
      "properties": {
        "envelope_id": {"type": "string", "minLength": 1},
        "borrower_pubkey": {"type": "string", "minLength": 1},
        "issuer_pubkey": {"type": "string", "minLength": 1},
        "lsp_pubkey": {"type": "string"},
        "scope": {
          "type": "object",
          "required": ["type", "id"],
          "properties": {
            "type": {"type": "string"},
            "id": {"type": "string"},
            "constraints_hash": {"type": "string"}
          }
        },
        "provider_pubkey": {"type": "string"},
        "max_sats": {"type": "integer"},
        "expiry": {"type": "string"},
        "status": {"type": "string"},
        "repayment_rail": {"type": "string"},
        "terms": {"type": "object"}
      }
    },
    "signature": {"type": "object"}
  }
}`

var compiledRecordSchema = mustCompileRecordSchema()

func mustCompileRecordSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://satline.schemas.local/envelope_update_record.schema.json"
	if err := c.AddResource(url, strings.NewReader(updateRecordSchema)); err != nil {
		panic(fmt.Sprintf("envelope: load record schema: %v", err))
	}
	return c.MustCompile(url)
}

// ParseUpdateRecord validates a raw update document against the record schema
// and decodes it. A missing record id is derived from the record content.
func ParseUpdateRecord(raw []byte) (*UpdateRecord, error) {
	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, &FieldError{Field: "record", Code: CodeBadDocument,
			Message: fmt.Sprintf("not valid JSON: %v", err)}
	}
	if err := compiledRecordSchema.Validate(generic); err != nil {
		return nil, &FieldError{Field: "record", Code: CodeBadDocument,
			Message: fmt.Sprintf("schema validation failed: %v", err)}
	}

	var rec UpdateRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, &FieldError{Field: "record", Code: CodeBadDocument,
			Message: fmt.Sprintf("decode failed: %v", err)}
	}
	if rec.CreatedAt.IsZero() {
		return nil, &FieldError{Field: "created_at", Code: CodeMissingField,
			Message: "created_at is required"}
	}
	if rec.RecordID == "" {
		derived, err := NewUpdateRecord(rec.Envelope, rec.CreatedAt)
		if err != nil {
			return nil, err
		}
		rec.RecordID = derived.RecordID
	}
	return &rec, nil
}
