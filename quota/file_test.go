package quota_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/tierrouter"
	"github.com/ineyio/tierrouter/quota"
)

func TestFileDailyStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "quota.yaml")
	s := quota.NewFileDailyStore(path)

	n, err := s.Load(ctx, "2026-10-17")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.Save(ctx, "2026-10-17", 4))
	require.NoError(t, s.Save(ctx, "2026-10-17", 2))
	n, err = s.Load(ctx, "2026-10-17")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n, "save must not lower the count")

	n, err = s.Load(ctx, "2026-10-18")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.Save(ctx, "2026-10-18", 1))
	n, err = quota.NewFileDailyStore(path).Load(ctx, "2026-10-18")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestFileDailyStore_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quota.yaml")
	require.NoError(t, os.WriteFile(path, []byte("date: [unterminated"), 0o644))

	_, err := quota.NewFileDailyStore(path).Load(context.Background(), "2026-10-17")
	assert.Error(t, err)
}

func TestFileDailyStore_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "quota.yaml")
	limits := tierrouter.QuotaLimits{MaxCallsPerRun: 10, MaxTokensPerRun: 1000, MaxCallsPerDay: 2}

	first := tierrouter.NewMemoryLedger(limits, tierrouter.WithDailyStore(quota.NewFileDailyStore(path)))
	for _, run := range []string{"a", "b"} {
		res, err := first.Reserve(ctx, run, tierrouter.TierHeavy, 10)
		require.NoError(t, err)
		require.NoError(t, first.Commit(ctx, res, 5, 5))
	}

	second := tierrouter.NewMemoryLedger(limits, tierrouter.WithDailyStore(quota.NewFileDailyStore(path)))
	ok, err := second.CheckEligible(ctx, "c", tierrouter.TierHeavy, 10)
	require.NoError(t, err)
	assert.False(t, ok)
}
