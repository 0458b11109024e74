//go:build property
// +build property

package envelope

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Meshline-Labs/satline/pkg/canonical"
	"github.com/Meshline-Labs/satline/pkg/scope"
)

// TestAuthorityConvergence checks that applying the same set of same-status
// updates in shuffled orders always resolves to the record with the greatest
// (created_at, record_id) key.
func TestAuthorityConvergence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ref := scope.Ref{Type: scope.TypeJobHash, ID: canonical.HashString("job")}

	properties.Property("shuffled application converges", prop.ForAll(
		func(offsets []int64, seed int64) bool {
			if len(offsets) == 0 {
				return true
			}
			records := make([]*UpdateRecord, 0, len(offsets))
			for _, off := range offsets {
				env := CreditEnvelope{
					EnvelopeID:     "env_prop",
					BorrowerPubkey: "b",
					IssuerPubkey:   "i",
					Scope:          ref,
					MaxSats:        1000,
					Expiry:         base.Add(72 * time.Hour),
					Status:         StatusOffered,
					Terms:          map[string]interface{}{"offset": off},
				}
				rec, err := NewUpdateRecord(env, base.Add(time.Duration(off)*time.Second))
				if err != nil {
					return false
				}
				records = append(records, rec)
			}

			// Expected winner: lexicographic max of (created_at, record_id).
			want := records[0]
			for _, rec := range records[1:] {
				cand := &StateRecord{RecordID: rec.RecordID, CreatedAt: rec.CreatedAt}
				if cand.newerThan(&StateRecord{RecordID: want.RecordID, CreatedAt: want.CreatedAt}) {
					want = rec
				}
			}

			// Apply in rotated orders; all must converge to the same winner.
			for pass := 0; pass < 3; pass++ {
				s := NewAuthorityState()
				rot := int((seed + int64(pass)) % int64(len(records)))
				if rot < 0 {
					rot = -rot
				}
				for i := range records {
					if _, err := s.Apply(records[(i+rot)%len(records)]); err != nil {
						return false
					}
				}
				cur, ok := s.Get("env_prop")
				if !ok || cur.RecordID != want.RecordID {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(0, 10_000)),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
