package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveAndAcknowledgeRoundTrip(t *testing.T) {
	withKV(t, func(kv KV) {
		ctx := context.Background()
		k := NewKeys("b1", "")
		s := NewScripts(kv)

		_, err := s.ElectMaster(ctx, k, "w1", 1000, 3600)
		require.NoError(t, err)
		ok, err := s.CommitQueue(ctx, k, "w1", 1000, 3600, []string{"a", "b"})
		require.NoError(t, err)
		require.True(t, ok)

		id, err := s.Reserve(ctx, k, "w1", 1000, 30)
		require.NoError(t, err)
		assert.Equal(t, "a", id)

		acked, err := s.Acknowledge(ctx, k, id)
		require.NoError(t, err)
		assert.True(t, acked)

		acked, err = s.Acknowledge(ctx, k, id)
		require.NoError(t, err)
		assert.False(t, acked, "acknowledging twice must be a no-op, not an error")
	})
}

func TestReserveReturnsEmptyWhenQueueIsEmpty(t *testing.T) {
	withKV(t, func(kv KV) {
		ctx := context.Background()
		k := NewKeys("b1", "")
		s := NewScripts(kv)

		id, err := s.Reserve(ctx, k, "w1", 1000, 30)
		require.NoError(t, err)
		assert.Equal(t, "", id)
	})
}

func TestReserveLostReclaimsAfterGracePeriod(t *testing.T) {
	withKV(t, func(kv KV) {
		ctx := context.Background()
		k := NewKeys("b1", "")
		s := NewScripts(kv)

		_, err := s.ElectMaster(ctx, k, "w1", 1000, 3600)
		require.NoError(t, err)
		ok, err := s.CommitQueue(ctx, k, "w1", 1000, 3600, []string{"a"})
		require.NoError(t, err)
		require.True(t, ok)

		id, err := s.Reserve(ctx, k, "w1", 1000, 10)
		require.NoError(t, err)
		require.Equal(t, "a", id)

		// Before the lease deadline: nothing to steal.
		lost, err := s.ReserveLost(ctx, k, "w2", 1005, 10, 30)
		require.NoError(t, err)
		assert.Equal(t, "", lost)

		// Past the lease deadline and past the heartbeat grace period: stealable.
		lost, err = s.ReserveLost(ctx, k, "w2", 1041, 10, 30)
		require.NoError(t, err)
		assert.Equal(t, "a", lost)
	})
}

func TestReserveLostDoesNotStealAFreshlyHeartbeatedUnit(t *testing.T) {
	withKV(t, func(kv KV) {
		ctx := context.Background()
		k := NewKeys("b1", "")
		s := NewScripts(kv)

		_, err := s.ElectMaster(ctx, k, "w1", 1000, 3600)
		require.NoError(t, err)
		ok, err := s.CommitQueue(ctx, k, "w1", 1000, 3600, []string{"a"})
		require.NoError(t, err)
		require.True(t, ok)

		_, err = s.Reserve(ctx, k, "w1", 1000, 10)
		require.NoError(t, err)

		hb, err := s.Heartbeat(ctx, k, "w1", "a", 1008, 10)
		require.NoError(t, err)
		assert.True(t, hb.Extended)

		// Deadline has passed but the owner heartbeated recently -- not stale.
		lost, err := s.ReserveLost(ctx, k, "w2", 1035, 10, 30)
		require.NoError(t, err)
		assert.Equal(t, "", lost)
	})
}

func TestHeartbeatRejectsForeignWorker(t *testing.T) {
	withKV(t, func(kv KV) {
		ctx := context.Background()
		k := NewKeys("b1", "")
		s := NewScripts(kv)

		_, err := s.ElectMaster(ctx, k, "w1", 1000, 3600)
		require.NoError(t, err)
		ok, err := s.CommitQueue(ctx, k, "w1", 1000, 3600, []string{"a"})
		require.NoError(t, err)
		require.True(t, ok)

		_, err = s.Reserve(ctx, k, "w1", 1000, 30)
		require.NoError(t, err)

		_, err = s.Heartbeat(ctx, k, "w2", "a", 1005, 30)
		var mismatch *ErrReservationMismatch
		require.ErrorAs(t, err, &mismatch)
		assert.Equal(t, "a", mismatch.ID)
		assert.Equal(t, "w2", mismatch.Worker)
	})
}

func TestHeartbeatIsANoopWellBeforeDeadline(t *testing.T) {
	withKV(t, func(kv KV) {
		ctx := context.Background()
		k := NewKeys("b1", "")
		s := NewScripts(kv)

		_, err := s.ElectMaster(ctx, k, "w1", 1000, 3600)
		require.NoError(t, err)
		ok, err := s.CommitQueue(ctx, k, "w1", 1000, 3600, []string{"a"})
		require.NoError(t, err)
		require.True(t, ok)

		_, err = s.Reserve(ctx, k, "w1", 1000, 300)
		require.NoError(t, err)

		hb, err := s.Heartbeat(ctx, k, "w1", "a", 1001, 300)
		require.NoError(t, err)
		assert.False(t, hb.Extended)
	})
}

func TestRequeueRespectsPerUnitCap(t *testing.T) {
	withKV(t, func(kv KV) {
		ctx := context.Background()
		k := NewKeys("b1", "")
		s := NewScripts(kv)

		_, err := s.ElectMaster(ctx, k, "w1", 1000, 3600)
		require.NoError(t, err)
		ok, err := s.CommitQueue(ctx, k, "w1", 1000, 3600, []string{"a"})
		require.NoError(t, err)
		require.True(t, ok)
		_, err = s.Reserve(ctx, k, "w1", 1000, 30)
		require.NoError(t, err)

		outcome, err := s.Requeue(ctx, k, "a", 1, 100, 0)
		require.NoError(t, err)
		assert.Equal(t, RequeueOK, outcome)

		_, err = s.Reserve(ctx, k, "w1", 1001, 30)
		require.NoError(t, err)

		outcome, err = s.Requeue(ctx, k, "a", 1, 100, 0)
		require.NoError(t, err)
		assert.Equal(t, RequeueUnitCapExceeded, outcome)
	})
}

func TestRequeueRespectsGlobalCap(t *testing.T) {
	withKV(t, func(kv KV) {
		ctx := context.Background()
		k := NewKeys("b1", "")
		s := NewScripts(kv)

		_, err := s.ElectMaster(ctx, k, "w1", 1000, 3600)
		require.NoError(t, err)
		ok, err := s.CommitQueue(ctx, k, "w1", 1000, 3600, []string{"a", "b"})
		require.NoError(t, err)
		require.True(t, ok)
		_, err = s.Reserve(ctx, k, "w1", 1000, 30)
		require.NoError(t, err)

		outcome, err := s.Requeue(ctx, k, "a", 10, 1, 0)
		require.NoError(t, err)
		assert.Equal(t, RequeueOK, outcome)

		_, err = s.Reserve(ctx, k, "w1", 1001, 30)
		require.NoError(t, err)
		outcome, err = s.Requeue(ctx, k, "b", 10, 1, 0)
		require.NoError(t, err)
		assert.Equal(t, RequeueGlobalCapExceeded, outcome)
	})
}

func TestReleaseExpiresLeaseWithoutRequeueing(t *testing.T) {
	withKV(t, func(kv KV) {
		ctx := context.Background()
		k := NewKeys("b1", "")
		s := NewScripts(kv)

		_, err := s.ElectMaster(ctx, k, "w1", 1000, 3600)
		require.NoError(t, err)
		ok, err := s.CommitQueue(ctx, k, "w1", 1000, 3600, []string{"a", "b"})
		require.NoError(t, err)
		require.True(t, ok)
		_, err = s.Reserve(ctx, k, "w1", 1000, 300)
		require.NoError(t, err)
		_, err = s.Reserve(ctx, k, "w1", 1000, 300)
		require.NoError(t, err)

		released, err := s.Release(ctx, k, "w1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), released)

		// Released units are immediately stealable (score 0 <= now).
		lost, err := s.ReserveLost(ctx, k, "w2", 1000, 300, 30)
		require.NoError(t, err)
		assert.NotEmpty(t, lost)

		// The queue itself stayed empty -- Release does not requeue.
		qlen, err := kv.LLen(ctx, k.Queue()).Result()
		require.NoError(t, err)
		assert.Equal(t, int64(0), qlen)
	})
}

func TestElectAndTakeoverMaster(t *testing.T) {
	withKV(t, func(kv KV) {
		ctx := context.Background()
		k := NewKeys("b1", "")
		s := NewScripts(kv)

		ok, err := s.ElectMaster(ctx, k, "w1", 1000, 3600)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.ElectMaster(ctx, k, "w2", 1001, 3600)
		require.NoError(t, err)
		assert.False(t, ok, "election must be create-if-absent")

		// w1 never refreshes its setup heartbeat; once it's stale, w2 may take over.
		ok, err = s.TakeoverMaster(ctx, k, "w2", 1001, 30, 3600)
		require.NoError(t, err)
		assert.False(t, ok, "not yet stale")

		ok, err = s.TakeoverMaster(ctx, k, "w2", 1040, 30, 3600)
		require.NoError(t, err)
		assert.True(t, ok)

		worker, err := kv.Get(ctx, k.MasterWorkerID()).Result()
		require.NoError(t, err)
		assert.Equal(t, "w2", worker)
	})
}

func TestCommitQueueGuardFailsAfterTakeover(t *testing.T) {
	withKV(t, func(kv KV) {
		ctx := context.Background()
		k := NewKeys("b1", "")
		s := NewScripts(kv)

		ok, err := s.ElectMaster(ctx, k, "w1", 1000, 3600)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.TakeoverMaster(ctx, k, "w2", 1040, 30, 3600)
		require.NoError(t, err)
		require.True(t, ok)

		// w1's commit should now fail: master-worker-id no longer names w1.
		committed, err := s.CommitQueue(ctx, k, "w1", 1041, 3600, []string{"a"})
		require.NoError(t, err)
		assert.False(t, committed)
	})
}
