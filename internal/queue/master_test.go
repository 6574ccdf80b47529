package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/figma/ci-queue/internal/ciqueuecontext"
)

func testMasterConfig() *Config {
	cfg := Defaults()
	cfg.RedisTTL = time.Hour
	cfg.MasterSetupTimeout = 30 * time.Second
	cfg.MasterSetupHeartbeat = time.Second
	cfg.BufferPercent = 10
	return &cfg
}

func TestMasterElectIsCreateIfAbsent(t *testing.T) {
	withKV(t, func(kv KV) {
		ctx := ciqueuecontext.Background()
		k := NewKeys("b1", "")
		s := NewScripts(kv)
		clock := NewFakeClock(1000)
		m := NewMaster(kv, k, s, clock, testMasterConfig(), nil)

		ok, err := m.Elect(ctx, "w1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = m.Elect(ctx, "w2")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestMasterSetupPublishesUnitsAndCommits(t *testing.T) {
	withKV(t, func(kv KV) {
		ctx := ciqueuecontext.Background()
		k := NewKeys("b1", "")
		s := NewScripts(kv)
		clock := NewFakeClock(1000)
		m := NewMaster(kv, k, s, clock, testMasterConfig(), NewMetrics())

		ok, err := m.Elect(ctx, "w1")
		require.NoError(t, err)
		require.True(t, ok)

		units := unitDescs("FooTest#a", "FooTest#b")
		require.NoError(t, m.Setup(ctx, "w1", units, RandomStrategy{Seed: 1}))

		status, err := m.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, masterStatusReady, status)

		qlen, err := kv.LLen(ctx, k.Queue()).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(2), qlen)
	})
}

func TestMasterSetupPublishesChunkRecords(t *testing.T) {
	withKV(t, func(kv KV) {
		ctx := ciqueuecontext.Background()
		k := NewKeys("b1", "")
		s := NewScripts(kv)
		clock := NewFakeClock(1000)
		m := NewMaster(kv, k, s, clock, testMasterConfig(), nil)

		require.True(t, mustElect(t, m, ctx, "w1"))

		strategy := SuiteBinPackingStrategy{
			Durations: DurationSource{Fallback: 60_000},
			Config: SuiteBinPackingConfig{
				MinimumMaxChunkDurationMs: 10_000,
				MaximumMaxChunkDurationMs: 300_000,
				ParallelJobCount:          1,
			},
		}
		units := unitDescs("FooTest#a", "FooTest#b")
		require.NoError(t, m.Setup(ctx, "w1", units, strategy))

		chunkIDs, err := kv.SMembers(ctx, k.Chunks()).Result()
		require.NoError(t, err)
		require.Len(t, chunkIDs, 1)

		chunk, err := m.LoadChunk(ctx, chunkIDs[0])
		require.NoError(t, err)
		assert.Equal(t, "FooTest", chunk.SuiteName)
		assert.ElementsMatch(t, []string{"FooTest#a", "FooTest#b"}, chunk.TestIDs)

		timeout, err := kv.HGet(ctx, k.TestGroupTimeout(), chunkIDs[0]).Float64()
		require.NoError(t, err)
		assert.Greater(t, timeout, 0.0)
	})
}

func mustElect(t *testing.T, m *Master, ctx *ciqueuecontext.Context, workerID string) bool {
	t.Helper()
	ok, err := m.Elect(ctx, workerID)
	require.NoError(t, err)
	return ok
}

func TestMasterSetupFailsWhenTakenOverBeforeCommit(t *testing.T) {
	withKV(t, func(kv KV) {
		ctx := ciqueuecontext.Background()
		k := NewKeys("b1", "")
		s := NewScripts(kv)
		clock := NewFakeClock(1000)
		cfg := testMasterConfig()
		m := NewMaster(kv, k, s, clock, cfg, NewMetrics())

		require.True(t, mustElect(t, m, ctx, "w1"))

		clock.Advance(40)
		took, err := s.TakeoverMaster(ctx, k, "w2", clock.Now(), cfg.MasterSetupTimeout.Seconds(), cfg.RedisTTL.Seconds())
		require.NoError(t, err)
		require.True(t, took)

		err = m.Setup(ctx, "w1", unitDescs("a#1"), RandomStrategy{Seed: 1})
		var lost *ErrMasterSetupLost
		require.ErrorAs(t, err, &lost)
		assert.Equal(t, "w1", lost.Worker)
	})
}

func TestMasterWaitReturnsReadyOnceCommitted(t *testing.T) {
	withKV(t, func(kv KV) {
		ctx := ciqueuecontext.Background()
		k := NewKeys("b1", "")
		s := NewScripts(kv)
		clock := NewFakeClock(1000)
		m := NewMaster(kv, k, s, clock, testMasterConfig(), nil)

		require.True(t, mustElect(t, m, ctx, "w1"))
		require.NoError(t, m.Setup(ctx, "w1", unitDescs("a#1"), RandomStrategy{Seed: 1}))

		outcome, err := m.Wait(ctx, "w2", 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, WaitReady, outcome)
	})
}

func TestMasterWaitBecomesMasterOnStaleSetup(t *testing.T) {
	withKV(t, func(kv KV) {
		ctx := ciqueuecontext.Background()
		k := NewKeys("b1", "")
		s := NewScripts(kv)
		clock := NewFakeClock(1000)
		m := NewMaster(kv, k, s, clock, testMasterConfig(), NewMetrics())

		require.True(t, mustElect(t, m, ctx, "w1"))
		clock.Advance(40)

		outcome, err := m.Wait(ctx, "w2", 20*time.Second)
		require.NoError(t, err)
		assert.Equal(t, WaitBecameMaster, outcome)
	})
}

func TestMasterWaitForReadyNeverTakesOver(t *testing.T) {
	withKV(t, func(kv KV) {
		ctx := ciqueuecontext.Background()
		k := NewKeys("b1", "")
		s := NewScripts(kv)
		clock := NewFakeClock(1000)
		m := NewMaster(kv, k, s, clock, testMasterConfig(), nil)

		require.True(t, mustElect(t, m, ctx, "w1"))

		err := m.WaitForReady(ctx, 3*time.Second)
		require.Error(t, err, "supervisor must time out rather than take over")

		status, err := m.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, masterStatusSetup, status, "WaitForReady must never call TakeoverMaster")
	})
}

func TestMasterFinishTransitionsState(t *testing.T) {
	withKV(t, func(kv KV) {
		ctx := ciqueuecontext.Background()
		k := NewKeys("b1", "")
		s := NewScripts(kv)
		clock := NewFakeClock(1000)
		m := NewMaster(kv, k, s, clock, testMasterConfig(), nil)

		require.True(t, mustElect(t, m, ctx, "w1"))
		require.NoError(t, m.Setup(ctx, "w1", unitDescs("a#1"), RandomStrategy{Seed: 1}))
		require.NoError(t, m.Finish(ctx))

		status, err := m.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, masterStatusFinished, status)
	})
}
