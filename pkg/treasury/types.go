package treasury

import (
	"errors"
	"time"
)

// Status is the escrow state of a compute job settlement.
type Status string

const (
	StatusReserved Status = "reserved"
	StatusReleased Status = "released"
	StatusWithheld Status = "withheld"
)

var (
	// ErrNotReserved means settlement was attempted with no matching reservation.
	ErrNotReserved = errors.New("treasury: job not reserved")

	// ErrInsufficientBudget means the owner's remaining budget cannot cover the
	// reservation. No partial reservation is made.
	ErrInsufficientBudget = errors.New("treasury: insufficient remaining budget")

	// ErrOwnerMismatch means a re-reservation named a different owner.
	ErrOwnerMismatch = errors.New("treasury: owner mismatch on existing reservation")

	// ErrAmountMismatch means a re-reservation named a different amount.
	ErrAmountMismatch = errors.New("treasury: amount mismatch on existing reservation")

	// ErrSettlementConflict means a settled job was re-settled with a
	// contradictory outcome. The stored outcome is authoritative.
	ErrSettlementConflict = errors.New("treasury: settlement replayed with different outcome")
)

// ComputeJobSettlement is the escrow record for one compute job, keyed by job
// hash. Created by Reserve, settled exactly once, never deleted.
type ComputeJobSettlement struct {
	JobHash            string     `json:"job_hash"`
	OwnerKey           string     `json:"owner_key"`
	ProviderID         string     `json:"provider_id"`
	ProviderWorkerID   string     `json:"provider_worker_id,omitempty"`
	ReservationID      string     `json:"reservation_id"`
	AmountMsats        int64      `json:"amount_msats"`
	Status             Status     `json:"status"`
	VerificationPassed *bool      `json:"verification_passed,omitempty"`
	ExitCode           *int       `json:"exit_code,omitempty"`
	ReservedAt         time.Time  `json:"reserved_at"`
	SettledAt          *time.Time `json:"settled_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// BudgetAccount tracks one owner's escrow budget.
type BudgetAccount struct {
	OwnerKey      string    `json:"owner_key"`
	LimitMsats    int64     `json:"limit_msats"`
	ReservedMsats int64     `json:"reserved_msats"`
	SpentMsats    int64     `json:"spent_msats"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RemainingMsats is the budget still available for new reservations.
func (a *BudgetAccount) RemainingMsats() int64 {
	return a.LimitMsats - a.SpentMsats - a.ReservedMsats
}

// ProviderEarnings aggregates released payouts per provider.
type ProviderEarnings struct {
	ProviderID   string `json:"provider_id"`
	EarnedMsats  int64  `json:"earned_msats"`
	ReleasedJobs int    `json:"released_jobs"`
}

// Summary is the per-owner escrow roll-up.
type Summary struct {
	OwnerKey           string                 `json:"owner_key"`
	Account            BudgetAccount          `json:"account"`
	ReleasedTotalMsats int64                  `json:"released_total_msats"`
	ReleasedCount      int                    `json:"released_count"`
	WithheldCount      int                    `json:"withheld_count"`
	ReservedCount      int                    `json:"reserved_count"`
	Providers          []ProviderEarnings     `json:"providers"`
	RecentJobs         []ComputeJobSettlement `json:"recent_jobs"`
}
