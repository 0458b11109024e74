package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUpdateRecordRoundTrip(t *testing.T) {
	rec := mustRecord(t, testEnvelope(StatusAccepted), baseTime)
	raw, err := json.Marshal(rec)
	require.NoError(t, err)

	parsed, err := ParseUpdateRecord(raw)
	require.NoError(t, err)
	assert.Equal(t, rec.RecordID, parsed.RecordID)
	assert.Equal(t, rec.Envelope.EnvelopeID, parsed.Envelope.EnvelopeID)
	assert.Equal(t, StatusAccepted, parsed.Envelope.Status)
	assert.True(t, rec.CreatedAt.Equal(parsed.CreatedAt))
}

func TestParseUpdateRecordDerivesRecordID(t *testing.T) {
	rec := mustRecord(t, testEnvelope(StatusOffered), baseTime)
	withID, err := json.Marshal(rec)
	require.NoError(t, err)

	rec.RecordID = ""
	withoutID, err := json.Marshal(rec)
	require.NoError(t, err)

	a, err := ParseUpdateRecord(withID)
	require.NoError(t, err)
	b, err := ParseUpdateRecord(withoutID)
	require.NoError(t, err)
	assert.Equal(t, a.RecordID, b.RecordID)
}

func TestParseUpdateRecordRejectsNonJSON(t *testing.T) {
	_, err := ParseUpdateRecord([]byte("not json"))
	var ferr *FieldError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, CodeBadDocument, ferr.Code)
}

func TestParseUpdateRecordRejectsMissingEnvelopeFields(t *testing.T) {
	raw := []byte(`{
		"created_at": "2026-03-01T12:00:00Z",
		"envelope": {"envelope_id": "env_1", "status": "offered"}
	}`)
	_, err := ParseUpdateRecord(raw)
	var ferr *FieldError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, CodeBadDocument, ferr.Code)
}

func TestParseUpdateRecordRejectsMissingCreatedAt(t *testing.T) {
	rec := mustRecord(t, testEnvelope(StatusOffered), baseTime)
	rec.CreatedAt = time.Time{}
	raw, err := json.Marshal(rec)
	require.NoError(t, err)

	// "0001-01-01T00:00:00Z" decodes to the zero time.
	_, err = ParseUpdateRecord(raw)
	var ferr *FieldError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, CodeMissingField, ferr.Code)
}

func TestNewUpdateRecordDeterministicID(t *testing.T) {
	a, err := NewUpdateRecord(testEnvelope(StatusOffered), baseTime)
	require.NoError(t, err)
	b, err := NewUpdateRecord(testEnvelope(StatusOffered), baseTime)
	require.NoError(t, err)
	assert.Equal(t, a.RecordID, b.RecordID)
	assert.Len(t, a.RecordID, 64)

	c, err := NewUpdateRecord(testEnvelope(StatusAccepted), baseTime)
	require.NoError(t, err)
	assert.NotEqual(t, a.RecordID, c.RecordID)
}
