package treasury

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore persists escrow records and accounts to PostgreSQL. It is the
// durable swap-in behind the in-memory Ledger: callers archive settled records
// outside the ledger's critical section.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an open database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS compute_jobs (
	job_hash TEXT PRIMARY KEY,
	owner_key TEXT NOT NULL,
	provider_id TEXT NOT NULL,
	provider_worker_id TEXT,
	reservation_id TEXT NOT NULL,
	amount_msats BIGINT NOT NULL,
	status TEXT NOT NULL,
	verification_passed BOOLEAN,
	exit_code INTEGER,
	reserved_at TIMESTAMPTZ NOT NULL,
	settled_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_compute_jobs_owner_updated ON compute_jobs(owner_key, updated_at);
CREATE TABLE IF NOT EXISTS budget_accounts (
	owner_key TEXT PRIMARY KEY,
	limit_msats BIGINT NOT NULL,
	reserved_msats BIGINT NOT NULL,
	spent_msats BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

// Init creates the necessary tables.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, postgresSchema)
	return err
}

// SaveJob upserts an escrow record.
func (s *PostgresStore) SaveJob(ctx context.Context, job *ComputeJobSettlement) error {
	query := `
		INSERT INTO compute_jobs (job_hash, owner_key, provider_id, provider_worker_id, reservation_id,
			amount_msats, status, verification_passed, exit_code, reserved_at, settled_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (job_hash) DO UPDATE SET
			status = EXCLUDED.status,
			verification_passed = EXCLUDED.verification_passed,
			exit_code = EXCLUDED.exit_code,
			settled_at = EXCLUDED.settled_at,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		job.JobHash, job.OwnerKey, job.ProviderID, job.ProviderWorkerID, job.ReservationID,
		job.AmountMsats, string(job.Status), job.VerificationPassed, job.ExitCode,
		job.ReservedAt, job.SettledAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("treasury: persist job: %w", err)
	}
	return nil
}

// SaveAccount upserts a budget account.
func (s *PostgresStore) SaveAccount(ctx context.Context, a *BudgetAccount) error {
	query := `
		INSERT INTO budget_accounts (owner_key, limit_msats, reserved_msats, spent_msats, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner_key) DO UPDATE SET
			limit_msats = EXCLUDED.limit_msats,
			reserved_msats = EXCLUDED.reserved_msats,
			spent_msats = EXCLUDED.spent_msats,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		a.OwnerKey, a.LimitMsats, a.ReservedMsats, a.SpentMsats, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("treasury: persist account: %w", err)
	}
	return nil
}

// GetJob fetches the escrow record for a job hash.
func (s *PostgresStore) GetJob(ctx context.Context, jobHash string) (*ComputeJobSettlement, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_hash, owner_key, provider_id, provider_worker_id, reservation_id,
			amount_msats, status, verification_passed, exit_code, reserved_at, settled_at, updated_at
		FROM compute_jobs WHERE job_hash = $1`, jobHash)

	var job ComputeJobSettlement
	var status string
	var workerID sql.NullString
	err := row.Scan(&job.JobHash, &job.OwnerKey, &job.ProviderID, &workerID, &job.ReservationID,
		&job.AmountMsats, &status, &job.VerificationPassed, &job.ExitCode,
		&job.ReservedAt, &job.SettledAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("treasury: get job: %w", err)
	}
	job.Status = Status(status)
	job.ProviderWorkerID = workerID.String
	return &job, nil
}

// LoadOwnerJobs fetches the owner's escrow records, most recently updated
// first.
func (s *PostgresStore) LoadOwnerJobs(ctx context.Context, ownerKey string, limit int) ([]ComputeJobSettlement, error) {
	if limit < minJobLimit {
		limit = minJobLimit
	}
	if limit > maxJobLimit {
		limit = maxJobLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_hash, owner_key, provider_id, provider_worker_id, reservation_id,
			amount_msats, status, verification_passed, exit_code, reserved_at, settled_at, updated_at
		FROM compute_jobs WHERE owner_key = $1 ORDER BY updated_at DESC LIMIT $2`, ownerKey, limit)
	if err != nil {
		return nil, fmt.Errorf("treasury: load owner jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ComputeJobSettlement
	for rows.Next() {
		var job ComputeJobSettlement
		var status string
		var workerID sql.NullString
		if err := rows.Scan(&job.JobHash, &job.OwnerKey, &job.ProviderID, &workerID, &job.ReservationID,
			&job.AmountMsats, &status, &job.VerificationPassed, &job.ExitCode,
			&job.ReservedAt, &job.SettledAt, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("treasury: scan job: %w", err)
		}
		job.Status = Status(status)
		job.ProviderWorkerID = workerID.String
		out = append(out, job)
	}
	return out, rows.Err()
}
