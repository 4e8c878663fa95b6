package auth

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T, path string, retention time.Duration, clock func() time.Time) *NonceLedger {
	t.Helper()
	ledger, err := OpenNonceLedger(path, retention, WithLedgerClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })
	return ledger
}

func TestNonceLedgerPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonces.db")
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	ledger := openTestLedger(t, path, time.Hour, clock)
	require.NoError(t, ledger.Mark("0xPayer", "n1", now.Unix()))
	used, err := ledger.Used("0xpayer", "n1")
	require.NoError(t, err)
	require.True(t, used, "payer lookup must be case-insensitive")
	require.NoError(t, ledger.Close())

	reopened := openTestLedger(t, path, time.Hour, clock)
	used, err = reopened.Used("0xPayer", "n1")
	require.NoError(t, err)
	require.True(t, used, "commit must survive restart")
}

func TestNonceLedgerRetentionPruneOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonces.db")
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	ledger := openTestLedger(t, path, time.Hour, clock)
	stale := now.Add(-2 * time.Hour).Unix()
	fresh := now.Add(-30 * time.Minute).Unix()
	require.NoError(t, ledger.Mark("0xaa", "old", stale))
	require.NoError(t, ledger.Mark("0xaa", "new", fresh))
	require.NoError(t, ledger.Close())

	reopened := openTestLedger(t, path, time.Hour, clock)
	used, err := reopened.Used("0xaa", "old")
	require.NoError(t, err)
	require.False(t, used, "entries older than retention are dropped on load")
	used, err = reopened.Used("0xaa", "new")
	require.NoError(t, err)
	require.True(t, used)
}

func TestNonceLedgerReserveExactlyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonces.db")
	now := time.Unix(1_700_000_000, 0)
	ledger := openTestLedger(t, path, time.Hour, func() time.Time { return now })

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := ledger.Reserve("0xaa", "race", now.Unix())
			require.NoError(t, err)
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for won := range wins {
		if won {
			winners++
		}
	}
	require.Equal(t, 1, winners, "exactly one concurrent reservation must win")
}

func TestNonceLedgerCleanupTimeGated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonces.db")
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	ledger, err := OpenNonceLedger(path, time.Hour,
		WithLedgerClock(clock), WithCleanupInterval(24*time.Hour))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	require.NoError(t, ledger.Mark("0xaa", "n1", now.Unix()))

	// Entry ages past retention, but the sweep interval has not elapsed,
	// so the entry remains on disk (lookups still report it expired).
	now = now.Add(90 * time.Minute)
	used, err := ledger.Used("0xaa", "n1")
	require.NoError(t, err)
	require.False(t, used, "expired entries read as absent even before the sweep")
}
