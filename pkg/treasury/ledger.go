// Package treasury is the compute-job escrow ledger: it reserves budget
// against a job, then settles it exactly once to released (paid) or withheld
// (not paid), maintaining a per-owner budget account.
//
// There is a single authoritative process, so no replicated-register conflict
// resolution is needed; every read-check-write runs in one critical section
// and performs no I/O.
package treasury

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Meshline-Labs/satline/pkg/canonical"
)

// DefaultLimitMsats is the budget limit assigned to accounts on first touch
// when the ledger is built without an explicit default.
const DefaultLimitMsats = 100_000_000

const (
	minJobLimit = 1
	maxJobLimit = 200
)

// Ledger is the in-memory escrow ledger. Durable storage is an external
// swap-in; see PostgresStore.
type Ledger struct {
	mu           sync.Mutex
	jobs         map[string]*ComputeJobSettlement
	accounts     map[string]*BudgetAccount
	defaultLimit int64
	clock        func() time.Time
}

// NewLedger creates an empty ledger. defaultLimitMsats <= 0 selects
// DefaultLimitMsats.
func NewLedger(defaultLimitMsats int64) *Ledger {
	if defaultLimitMsats <= 0 {
		defaultLimitMsats = DefaultLimitMsats
	}
	return &Ledger{
		jobs:         make(map[string]*ComputeJobSettlement),
		accounts:     make(map[string]*BudgetAccount),
		defaultLimit: defaultLimitMsats,
		clock:        time.Now,
	}
}

// WithClock overrides clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// account returns the owner's account, creating it lazily with the default
// limit. Caller must hold l.mu.
func (l *Ledger) account(ownerKey string) *BudgetAccount {
	a, ok := l.accounts[ownerKey]
	if !ok {
		a = &BudgetAccount{
			OwnerKey:   ownerKey,
			LimitMsats: l.defaultLimit,
			UpdatedAt:  l.clock().UTC(),
		}
		l.accounts[ownerKey] = a
	}
	return a
}

// SetLimit sets an owner's budget limit.
func (l *Ledger) SetLimit(ownerKey string, limitMsats int64) error {
	if limitMsats <= 0 {
		return fmt.Errorf("treasury: limit must be positive, got %d", limitMsats)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.account(ownerKey)
	a.LimitMsats = limitMsats
	a.UpdatedAt = l.clock().UTC()
	return nil
}

// Reserve places a hold of amountMsats against the owner's budget for jobHash.
//
// Re-reserving an existing job is idempotent when owner and amount match
// exactly (created=false); a mismatch fails without touching state. A new
// reservation requires remaining budget >= amount.
func (l *Ledger) Reserve(ownerKey, jobHash, providerID, providerWorkerID string, amountMsats int64) (*ComputeJobSettlement, bool, error) {
	if ownerKey == "" || jobHash == "" || providerID == "" {
		return nil, false, fmt.Errorf("treasury: owner_key, job_hash and provider_id are required")
	}
	if amountMsats <= 0 {
		return nil, false, fmt.Errorf("treasury: amount_msats must be positive, got %d", amountMsats)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.jobs[jobHash]; ok {
		if existing.OwnerKey != ownerKey {
			return nil, false, fmt.Errorf("%w: job %s", ErrOwnerMismatch, jobHash)
		}
		if existing.AmountMsats != amountMsats {
			return nil, false, fmt.Errorf("%w: job %s has %d, got %d",
				ErrAmountMismatch, jobHash, existing.AmountMsats, amountMsats)
		}
		cp := *existing
		return &cp, false, nil
	}

	acct := l.account(ownerKey)
	if acct.RemainingMsats() < amountMsats {
		return nil, false, fmt.Errorf("%w: remaining %d msats, need %d",
			ErrInsufficientBudget, acct.RemainingMsats(), amountMsats)
	}

	now := l.clock().UTC()
	job := &ComputeJobSettlement{
		JobHash:          jobHash,
		OwnerKey:         ownerKey,
		ProviderID:       providerID,
		ProviderWorkerID: providerWorkerID,
		ReservationID:    canonical.DeriveID("rsv", jobHash),
		AmountMsats:      amountMsats,
		Status:           StatusReserved,
		ReservedAt:       now,
		UpdatedAt:        now,
	}
	acct.ReservedMsats += amountMsats
	acct.UpdatedAt = now
	l.jobs[jobHash] = job

	cp := *job
	return &cp, true, nil
}

// Settle resolves a reservation exactly once. A replay with the identical
// outcome returns the stored record (changed=false); a contradictory replay
// fails with ErrSettlementConflict.
func (l *Ledger) Settle(jobHash string, verificationPassed bool, exitCode int) (*ComputeJobSettlement, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	job, ok := l.jobs[jobHash]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrNotReserved, jobHash)
	}

	if job.Status != StatusReserved {
		if job.VerificationPassed != nil && *job.VerificationPassed == verificationPassed &&
			job.ExitCode != nil && *job.ExitCode == exitCode {
			cp := *job
			return &cp, false, nil
		}
		return nil, false, fmt.Errorf("%w: job %s already %s", ErrSettlementConflict, jobHash, job.Status)
	}

	acct := l.account(job.OwnerKey)
	now := l.clock().UTC()

	acct.ReservedMsats -= job.AmountMsats
	if verificationPassed {
		acct.SpentMsats += job.AmountMsats
		job.Status = StatusReleased
	} else {
		job.Status = StatusWithheld
	}
	vp := verificationPassed
	ec := exitCode
	job.VerificationPassed = &vp
	job.ExitCode = &ec
	job.SettledAt = &now
	job.UpdatedAt = now
	acct.UpdatedAt = now

	cp := *job
	return &cp, true, nil
}

// GetAccount returns the owner's budget account. Owners never seen before get
// the default-limit view without creating state.
func (l *Ledger) GetAccount(ownerKey string) BudgetAccount {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.accounts[ownerKey]; ok {
		return *a
	}
	return BudgetAccount{OwnerKey: ownerKey, LimitMsats: l.defaultLimit}
}

// GetComputeJob returns the settlement record for a job hash.
func (l *Ledger) GetComputeJob(jobHash string) (ComputeJobSettlement, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[jobHash]
	if !ok {
		return ComputeJobSettlement{}, false
	}
	return *job, true
}

// SnapshotJobs copies every settlement record, for archival.
func (l *Ledger) SnapshotJobs() []ComputeJobSettlement {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ComputeJobSettlement, 0, len(l.jobs))
	for _, job := range l.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobHash < out[j].JobHash })
	return out
}

// SnapshotAccounts copies every budget account, for archival.
func (l *Ledger) SnapshotAccounts() []BudgetAccount {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]BudgetAccount, 0, len(l.accounts))
	for _, a := range l.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OwnerKey < out[j].OwnerKey })
	return out
}

// SummarizeOwner aggregates the owner's escrow activity. jobLimit is clamped
// to [1, 200]; recent jobs are ordered by updated_at descending.
func (l *Ledger) SummarizeOwner(ownerKey string, jobLimit int) Summary {
	if jobLimit < minJobLimit {
		jobLimit = minJobLimit
	}
	if jobLimit > maxJobLimit {
		jobLimit = maxJobLimit
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	sum := Summary{OwnerKey: ownerKey}
	if a, ok := l.accounts[ownerKey]; ok {
		sum.Account = *a
	} else {
		sum.Account = BudgetAccount{OwnerKey: ownerKey, LimitMsats: l.defaultLimit}
	}

	earnings := make(map[string]*ProviderEarnings)
	for _, job := range l.jobs {
		if job.OwnerKey != ownerKey {
			continue
		}
		sum.RecentJobs = append(sum.RecentJobs, *job)
		switch job.Status {
		case StatusReleased:
			sum.ReleasedCount++
			sum.ReleasedTotalMsats += job.AmountMsats
			e, ok := earnings[job.ProviderID]
			if !ok {
				e = &ProviderEarnings{ProviderID: job.ProviderID}
				earnings[job.ProviderID] = e
			}
			e.EarnedMsats += job.AmountMsats
			e.ReleasedJobs++
		case StatusWithheld:
			sum.WithheldCount++
		case StatusReserved:
			sum.ReservedCount++
		}
	}

	sum.Providers = make([]ProviderEarnings, 0, len(earnings))
	for _, e := range earnings {
		sum.Providers = append(sum.Providers, *e)
	}
	sort.Slice(sum.Providers, func(i, j int) bool {
		if sum.Providers[i].EarnedMsats != sum.Providers[j].EarnedMsats {
			return sum.Providers[i].EarnedMsats > sum.Providers[j].EarnedMsats
		}
		return sum.Providers[i].ProviderID < sum.Providers[j].ProviderID
	})

	sort.Slice(sum.RecentJobs, func(i, j int) bool {
		if !sum.RecentJobs[i].UpdatedAt.Equal(sum.RecentJobs[j].UpdatedAt) {
			return sum.RecentJobs[i].UpdatedAt.After(sum.RecentJobs[j].UpdatedAt)
		}
		return sum.RecentJobs[i].JobHash < sum.RecentJobs[j].JobHash
	})
	if len(sum.RecentJobs) > jobLimit {
		sum.RecentJobs = sum.RecentJobs[:jobLimit]
	}
	return sum
}
