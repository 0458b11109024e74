package treasury

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meshline-Labs/satline/pkg/canonical"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testLedger() *Ledger {
	return NewLedger(1_000_000).WithClock(func() time.Time { return now })
}

func jobHash(n int) string {
	return canonical.HashString(fmt.Sprintf("job-%d", n))
}

func TestReserveCreates(t *testing.T) {
	l := testLedger()
	job, created, err := l.Reserve("owner-1", jobHash(1), "prov-1", "worker-1", 100_000)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, StatusReserved, job.Status)
	assert.True(t, strings.HasPrefix(job.ReservationID, "rsv_"))
	assert.Equal(t, canonical.DeriveID("rsv", jobHash(1)), job.ReservationID)

	acct := l.GetAccount("owner-1")
	assert.Equal(t, int64(100_000), acct.ReservedMsats)
	assert.Equal(t, int64(0), acct.SpentMsats)
	assert.Equal(t, int64(900_000), acct.RemainingMsats())
}

func TestReserveIdempotent(t *testing.T) {
	l := testLedger()
	_, created, err := l.Reserve("owner-1", jobHash(1), "prov-1", "w", 100_000)
	require.NoError(t, err)
	require.True(t, created)

	job, created, err := l.Reserve("owner-1", jobHash(1), "prov-1", "w", 100_000)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, StatusReserved, job.Status)

	// Budget reserved only once.
	assert.Equal(t, int64(100_000), l.GetAccount("owner-1").ReservedMsats)
}

func TestReserveAmountMismatch(t *testing.T) {
	l := testLedger()
	_, _, err := l.Reserve("owner-1", jobHash(1), "prov-1", "w", 100_000)
	require.NoError(t, err)

	_, _, err = l.Reserve("owner-1", jobHash(1), "prov-1", "w", 200_000)
	assert.ErrorIs(t, err, ErrAmountMismatch)
}

func TestReserveOwnerMismatch(t *testing.T) {
	l := testLedger()
	_, _, err := l.Reserve("owner-1", jobHash(1), "prov-1", "w", 100_000)
	require.NoError(t, err)

	_, _, err = l.Reserve("owner-2", jobHash(1), "prov-1", "w", 100_000)
	assert.ErrorIs(t, err, ErrOwnerMismatch)
}

func TestReserveInsufficientBudget(t *testing.T) {
	l := testLedger()
	_, _, err := l.Reserve("owner-1", jobHash(1), "prov-1", "w", 900_000)
	require.NoError(t, err)

	_, _, err = l.Reserve("owner-1", jobHash(2), "prov-1", "w", 200_000)
	assert.ErrorIs(t, err, ErrInsufficientBudget)

	// The failed reservation left no partial state.
	acct := l.GetAccount("owner-1")
	assert.Equal(t, int64(900_000), acct.ReservedMsats)
	_, ok := l.GetComputeJob(jobHash(2))
	assert.False(t, ok)
}

func TestReserveValidation(t *testing.T) {
	l := testLedger()
	_, _, err := l.Reserve("", jobHash(1), "prov-1", "w", 100)
	assert.Error(t, err)
	_, _, err = l.Reserve("owner-1", "", "prov-1", "w", 100)
	assert.Error(t, err)
	_, _, err = l.Reserve("owner-1", jobHash(1), "", "w", 100)
	assert.Error(t, err)
	_, _, err = l.Reserve("owner-1", jobHash(1), "prov-1", "w", 0)
	assert.Error(t, err)
}

func TestSettleRelease(t *testing.T) {
	l := testLedger()
	_, _, err := l.Reserve("owner-1", jobHash(1), "prov-1", "w", 100_000)
	require.NoError(t, err)

	job, changed, err := l.Settle(jobHash(1), true, 0)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusReleased, job.Status)
	require.NotNil(t, job.SettledAt)
	require.NotNil(t, job.ExitCode)
	assert.Equal(t, 0, *job.ExitCode)

	acct := l.GetAccount("owner-1")
	assert.Equal(t, int64(0), acct.ReservedMsats)
	assert.Equal(t, int64(100_000), acct.SpentMsats)
}

func TestSettleWithhold(t *testing.T) {
	l := testLedger()
	_, _, err := l.Reserve("owner-1", jobHash(1), "prov-1", "w", 100_000)
	require.NoError(t, err)

	job, changed, err := l.Settle(jobHash(1), false, 137)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusWithheld, job.Status)

	// Hold released, nothing spent.
	acct := l.GetAccount("owner-1")
	assert.Equal(t, int64(0), acct.ReservedMsats)
	assert.Equal(t, int64(0), acct.SpentMsats)
	assert.Equal(t, int64(1_000_000), acct.RemainingMsats())
}

func TestSettleNotReserved(t *testing.T) {
	l := testLedger()
	_, _, err := l.Settle(jobHash(1), true, 0)
	assert.ErrorIs(t, err, ErrNotReserved)
}

func TestSettleIdenticalReplay(t *testing.T) {
	l := testLedger()
	_, _, err := l.Reserve("owner-1", jobHash(1), "prov-1", "w", 100_000)
	require.NoError(t, err)
	first, _, err := l.Settle(jobHash(1), true, 0)
	require.NoError(t, err)

	second, changed, err := l.Settle(jobHash(1), true, 0)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, first.Status, second.Status)

	// Spend applied only once.
	assert.Equal(t, int64(100_000), l.GetAccount("owner-1").SpentMsats)
}

func TestSettleConflictingReplay(t *testing.T) {
	l := testLedger()
	_, _, err := l.Reserve("owner-1", jobHash(1), "prov-1", "w", 100_000)
	require.NoError(t, err)
	_, _, err = l.Settle(jobHash(1), true, 0)
	require.NoError(t, err)

	_, _, err = l.Settle(jobHash(1), false, 0)
	assert.ErrorIs(t, err, ErrSettlementConflict)
	_, _, err = l.Settle(jobHash(1), true, 1)
	assert.ErrorIs(t, err, ErrSettlementConflict)

	job, ok := l.GetComputeJob(jobHash(1))
	require.True(t, ok)
	assert.Equal(t, StatusReleased, job.Status)
}

func TestBudgetConservation(t *testing.T) {
	l := testLedger()
	check := func() {
		acct := l.GetAccount("owner-1")
		assert.LessOrEqual(t, acct.ReservedMsats+acct.SpentMsats, acct.LimitMsats)
		assert.GreaterOrEqual(t, acct.ReservedMsats, int64(0))
		assert.GreaterOrEqual(t, acct.SpentMsats, int64(0))
	}

	for i := 0; i < 20; i++ {
		_, _, err := l.Reserve("owner-1", jobHash(i), "prov-1", "w", 60_000)
		if err != nil {
			assert.ErrorIs(t, err, ErrInsufficientBudget)
		}
		check()
		if i%2 == 0 {
			_, _, _ = l.Settle(jobHash(i), i%4 == 0, 0)
			check()
		}
	}
}

func TestConcurrentReserveSettle(t *testing.T) {
	l := NewLedger(10_000_000).WithClock(func() time.Time { return now })
	const workers = 8
	const jobs = 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < jobs; i++ {
				_, _, _ = l.Reserve("owner-1", jobHash(i), "prov-1", "w", 10_000)
				_, _, _ = l.Settle(jobHash(i), true, 0)
			}
		}()
	}
	wg.Wait()

	acct := l.GetAccount("owner-1")
	assert.Equal(t, int64(0), acct.ReservedMsats)
	assert.Equal(t, int64(jobs*10_000), acct.SpentMsats)
}

func TestSummarizeOwner(t *testing.T) {
	l := testLedger()
	tick := 0
	l.WithClock(func() time.Time {
		tick++
		return now.Add(time.Duration(tick) * time.Second)
	})

	// prov-a: two released of 100k; prov-b: one released of 300k; one withheld;
	// one still reserved.
	for i, tc := range []struct {
		prov   string
		amount int64
		settle bool
		pass   bool
	}{
		{"prov-a", 100_000, true, true},
		{"prov-a", 100_000, true, true},
		{"prov-b", 300_000, true, true},
		{"prov-a", 50_000, true, false},
		{"prov-b", 50_000, false, false},
	} {
		_, _, err := l.Reserve("owner-1", jobHash(i), tc.prov, "w", tc.amount)
		require.NoError(t, err)
		if tc.settle {
			_, _, err = l.Settle(jobHash(i), tc.pass, 0)
			require.NoError(t, err)
		}
	}
	// Unrelated owner activity is excluded.
	_, _, err := l.Reserve("owner-2", jobHash(99), "prov-a", "w", 10_000)
	require.NoError(t, err)

	sum := l.SummarizeOwner("owner-1", 10)
	assert.Equal(t, int64(500_000), sum.ReleasedTotalMsats)
	assert.Equal(t, 3, sum.ReleasedCount)
	assert.Equal(t, 1, sum.WithheldCount)
	assert.Equal(t, 1, sum.ReservedCount)

	require.Len(t, sum.Providers, 2)
	assert.Equal(t, "prov-b", sum.Providers[0].ProviderID)
	assert.Equal(t, int64(300_000), sum.Providers[0].EarnedMsats)
	assert.Equal(t, "prov-a", sum.Providers[1].ProviderID)
	assert.Equal(t, int64(200_000), sum.Providers[1].EarnedMsats)
	assert.Equal(t, 2, sum.Providers[1].ReleasedJobs)

	require.Len(t, sum.RecentJobs, 5)
	for i := 0; i < len(sum.RecentJobs)-1; i++ {
		assert.False(t, sum.RecentJobs[i].UpdatedAt.Before(sum.RecentJobs[i+1].UpdatedAt))
	}
}

func TestSummarizeOwnerClampsLimit(t *testing.T) {
	l := testLedger()
	for i := 0; i < 5; i++ {
		_, _, err := l.Reserve("owner-1", jobHash(i), "prov-1", "w", 10_000)
		require.NoError(t, err)
	}

	assert.Len(t, l.SummarizeOwner("owner-1", 0).RecentJobs, 1)
	assert.Len(t, l.SummarizeOwner("owner-1", -3).RecentJobs, 1)
	assert.Len(t, l.SummarizeOwner("owner-1", 3).RecentJobs, 3)
	assert.Len(t, l.SummarizeOwner("owner-1", 5000).RecentJobs, 5)
}

func TestSetLimit(t *testing.T) {
	l := testLedger()
	require.NoError(t, l.SetLimit("owner-1", 5_000_000))
	assert.Equal(t, int64(5_000_000), l.GetAccount("owner-1").LimitMsats)
	assert.Error(t, l.SetLimit("owner-1", 0))
}
