package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/figma/ci-queue/internal/ciqueuecontext"
)

func testSupervisorConfig() *Config {
	cfg := Defaults()
	cfg.RedisTTL = time.Hour
	cfg.Timeout = 30 * time.Second
	cfg.QueueInitTimeout = 5 * time.Second
	cfg.ReportTimeout = 3 * time.Second
	cfg.InactiveWorkersTimeout = 3 * time.Second
	return &cfg
}

func TestSupervisorExitsExhaustedOnceQueueAndRunningAreEmpty(t *testing.T) {
	withKV(t, func(kv KV) {
		ctx := ciqueuecontext.Background()
		k := NewKeys("b1", "")
		s := NewScripts(kv)
		clock := NewFakeClock(1000)
		cfg := testSupervisorConfig()
		m := NewMaster(kv, k, s, clock, cfg, nil)
		require.True(t, mustElect(t, m, ctx, "w1"))
		require.NoError(t, m.Setup(ctx, "w1", unitDescs("a#1"), RandomStrategy{Seed: 1}))

		_, err := s.Reserve(ctx, k, "w1", clock.Now(), cfg.Timeout.Seconds())
		require.NoError(t, err)
		_, err = s.Acknowledge(ctx, k, "a#1")
		require.NoError(t, err)

		sup := NewSupervisor(kv, k, m, clock, cfg, NewMetrics(), nil)
		reason, err := sup.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, ExitExhausted, reason)

		status, err := m.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, masterStatusFinished, status)
	})
}

func TestSupervisorExitsOnMaxTestFailed(t *testing.T) {
	withKV(t, func(kv KV) {
		ctx := ciqueuecontext.Background()
		k := NewKeys("b1", "")
		s := NewScripts(kv)
		clock := NewFakeClock(1000)
		cfg := testSupervisorConfig()
		cfg.MaxTestFailed = 1
		m := NewMaster(kv, k, s, clock, cfg, nil)
		require.True(t, mustElect(t, m, ctx, "w1"))
		require.NoError(t, m.Setup(ctx, "w1", unitDescs("a#1", "b#1"), RandomStrategy{Seed: 1}))

		record := NewBuildRecord(kv, k)
		require.NoError(t, record.IncrementTestFailedCount(ctx))

		sup := NewSupervisor(kv, k, m, clock, cfg, nil, record)
		reason, err := sup.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, ExitMaxTestFailed, reason)
	})
}

func TestSupervisorExitsOnReportTimeoutWhenQueueNeverDrains(t *testing.T) {
	withKV(t, func(kv KV) {
		ctx := ciqueuecontext.Background()
		k := NewKeys("b1", "")
		s := NewScripts(kv)
		clock := NewFakeClock(1000)
		cfg := testSupervisorConfig()
		cfg.ReportTimeout = 2 * time.Second
		cfg.Timeout = 30 * time.Second
		m := NewMaster(kv, k, s, clock, cfg, nil)
		require.True(t, mustElect(t, m, ctx, "w1"))
		require.NoError(t, m.Setup(ctx, "w1", unitDescs("a#1"), RandomStrategy{Seed: 1}))

		// Reserve (but never finish) so the running set stays non-empty from
		// the supervisor's point of view; the reservation's 30s deadline keeps
		// the worker counted as active, so inactive-workers doesn't fire first.
		_, err := s.Reserve(ctx, k, "w2", clock.Now(), cfg.Timeout.Seconds())
		require.NoError(t, err)

		sup := NewSupervisor(kv, k, m, clock, cfg, nil, nil)
		reason, err := sup.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, ExitReportTimeout, reason)
	})
}

func TestSupervisorWaitForReadyTimesOutWhenMasterNeverCommits(t *testing.T) {
	withKV(t, func(kv KV) {
		ctx := ciqueuecontext.Background()
		k := NewKeys("b1", "")
		s := NewScripts(kv)
		clock := NewFakeClock(1000)
		cfg := testSupervisorConfig()
		cfg.QueueInitTimeout = 2 * time.Second
		cfg.MasterSetupHeartbeat = time.Second
		m := NewMaster(kv, k, s, clock, cfg, nil)

		sup := NewSupervisor(kv, k, m, clock, cfg, nil, nil)
		_, err := sup.Run(ctx)
		require.Error(t, err)
	})
}
