package queue

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Scripts wraps the KV client and the Lua sources for every atomic
// state transition. No other component may simulate these via multiple
// round-trips; this is the single source of truth for the protocol's
// invariants.
type Scripts struct {
	kv KV
}

func NewScripts(kv KV) *Scripts {
	return &Scripts{kv: kv}
}

var reserveScript = redis.NewScript(`
local id = redis.call('RPOP', KEYS[1])
if not id then
  return false
end
local gt = redis.call('HGET', KEYS[5], id)
local timeout = gt and tonumber(gt) or tonumber(ARGV[2])
redis.call('ZADD', KEYS[2], tonumber(ARGV[1]) + timeout, id)
redis.call('LPUSH', KEYS[3], id)
redis.call('HSET', KEYS[4], id, KEYS[3] .. '|' .. ARGV[1] .. '|' .. ARGV[1])
return id
`)

// Reserve tail-pops one id from the queue, inserts it into running with a
// deadline drawn from the per-chunk group timeout (falling back to
// defaultTimeout), and records ownership. Returns "" if the queue is
// empty.
func (s *Scripts) Reserve(ctx context.Context, k Keys, workerID string, now, defaultTimeout float64) (string, error) {
	res, err := reserveScript.Run(ctx, s.kv, []string{
		k.Queue(), k.Running(), k.WorkerQueue(workerID), k.Owners(), k.TestGroupTimeout(),
	}, now, defaultTimeout).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "reserve")
	}
	if res == nil {
		return "", nil
	}
	id, _ := res.(string)
	return id, nil
}

// reserveLostScript implements the unified, dynamic-deadline ReserveLost
// semantic chosen in DESIGN.md: one grace constant
// (heartbeat_grace_period) governs staleness for both unit and chunk
// leases.
var reserveLostScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local default_timeout = tonumber(ARGV[2])
local grace = tonumber(ARGV[3])
local candidates = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now)
for _, id in ipairs(candidates) do
  if redis.call('SISMEMBER', KEYS[2], id) == 0 then
    local hb = redis.call('HGET', KEYS[5], id)
    local stale = true
    if hb and (now - tonumber(hb)) < grace then
      stale = false
    end
    if stale then
      local gt = redis.call('HGET', KEYS[6], id)
      local timeout = gt and tonumber(gt) or default_timeout
      redis.call('ZADD', KEYS[1], now + timeout, id)
      redis.call('LPUSH', KEYS[4], id)
      redis.call('HSET', KEYS[3], id, KEYS[4] .. '|' .. ARGV[1] .. '|' .. ARGV[1])
      redis.call('HDEL', KEYS[5], id)
      return id
    end
  end
end
return false
`)

// ReserveLost scans for a reserved-but-silent id whose deadline has
// passed and whose owner has not heartbeated within heartbeatGrace, and
// reclaims the first one found for workerID, under the unified semantic
// above.
func (s *Scripts) ReserveLost(ctx context.Context, k Keys, workerID string, now, defaultTimeout, heartbeatGrace float64) (string, error) {
	res, err := reserveLostScript.Run(ctx, s.kv, []string{
		k.Running(), k.Processed(), k.Owners(), k.WorkerQueue(workerID), k.Heartbeats(), k.TestGroupTimeout(),
	}, now, defaultTimeout, heartbeatGrace).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "reserve_lost")
	}
	if res == nil {
		return "", nil
	}
	id, _ := res.(string)
	return id, nil
}

var heartbeatScript = redis.NewScript(`
local id = ARGV[2]
if redis.call('SISMEMBER', KEYS[2], id) == 1 then
  return false
end
local owner = redis.call('HGET', KEYS[3], id)
if not owner then
  return false
end
local sep1 = string.find(owner, '|')
if not sep1 then
  return false
end
local worker = string.sub(owner, 1, sep1 - 1)
if worker ~= KEYS[4] then
  return false
end
local rest = string.sub(owner, sep1 + 1)
local sep2 = string.find(rest, '|')
local initial = string.sub(rest, 1, sep2 - 1)
local now = tonumber(ARGV[1])
redis.call('HSET', KEYS[3], id, worker .. '|' .. initial .. '|' .. ARGV[1])
redis.call('HSET', KEYS[5], id, ARGV[1])
local gt = redis.call('HGET', KEYS[6], id)
local timeout = gt and tonumber(gt) or tonumber(ARGV[3])
local existing = redis.call('ZSCORE', KEYS[1], id)
if not existing then
  return 0
end
existing = tonumber(existing)
if existing < now + 20 then
  local cap = tonumber(initial) + 3 * timeout
  local new_deadline = now + 60
  if cap < new_deadline then
    new_deadline = cap
  end
  if new_deadline > existing then
    redis.call('ZADD', KEYS[1], new_deadline, id)
    return {existing, new_deadline}
  end
end
return 0
`)

// HeartbeatResult reports the outcome of Heartbeat.
type HeartbeatResult struct {
	// Extended is true when the lease's deadline was pushed out.
	Extended             bool
	OldDeadline, NewDeadline float64
}

// Heartbeat renews workerID's lease on id if workerID is still its
// recorded owner, subject to the near-expiry gate and the 3x cap.
// Returns ErrReservationMismatch if id is not currently owned by
// workerID or has already been processed -- callers other than the
// cooperative background heartbeat loop should treat that as fatal.
func (s *Scripts) Heartbeat(ctx context.Context, k Keys, workerID, id string, now, defaultTimeout float64) (HeartbeatResult, error) {
	res, err := heartbeatScript.Run(ctx, s.kv, []string{
		k.Running(), k.Processed(), k.Owners(), k.WorkerQueue(workerID), k.Heartbeats(), k.TestGroupTimeout(),
	}, now, id, defaultTimeout).Result()
	if err == redis.Nil {
		// The script returns false, which arrives as a nil reply.
		return HeartbeatResult{}, &ErrReservationMismatch{ID: id, Worker: workerID}
	}
	if err != nil {
		return HeartbeatResult{}, errors.Wrap(err, "heartbeat")
	}
	switch v := res.(type) {
	case []interface{}:
		if len(v) == 2 {
			old := toFloat(v[0])
			nw := toFloat(v[1])
			return HeartbeatResult{Extended: true, OldDeadline: old, NewDeadline: nw}, nil
		}
	case bool:
		if !v {
			return HeartbeatResult{}, &ErrReservationMismatch{ID: id, Worker: workerID}
		}
	}
	return HeartbeatResult{}, nil
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}

var acknowledgeScript = redis.NewScript(`
local id = ARGV[1]
if redis.call('SISMEMBER', KEYS[2], id) == 1 then
  return 0
end
redis.call('SADD', KEYS[2], id)
redis.call('ZREM', KEYS[1], id)
redis.call('HDEL', KEYS[3], id)
return 1
`)

// Acknowledge records id as completed unless it is already in the
// processed set, in which case it returns false (not an error). The
// caller's ownership is not checked: after a reserve-lost steal,
// whichever worker acknowledges first gets true and the other gets
// false.
func (s *Scripts) Acknowledge(ctx context.Context, k Keys, id string) (bool, error) {
	res, err := acknowledgeScript.Run(ctx, s.kv, []string{
		k.Running(), k.Processed(), k.Owners(),
	}, id).Int64()
	if err != nil {
		return false, errors.Wrap(err, "acknowledge")
	}
	return res == 1, nil
}

var requeueScript = redis.NewScript(`
local id = ARGV[3]
local max_requeues = tonumber(ARGV[1])
local global_max = tonumber(ARGV[2])
local offset = tonumber(ARGV[4])

local global_total = tonumber(redis.call('GET', KEYS[6]) or '0')
if global_total >= global_max then
  return -1
end
local current = tonumber(redis.call('HGET', KEYS[2], id) or '0')
if current >= max_requeues then
  return -2
end

redis.call('HINCRBY', KEYS[2], id, 1)
redis.call('INCR', KEYS[6])
redis.call('ZREM', KEYS[4], id)

local owner = redis.call('HGET', KEYS[5], id)
if owner then
  local sep1 = string.find(owner, '|')
  if sep1 then
    local workerq = string.sub(owner, 1, sep1 - 1)
    redis.call('LREM', workerq, 0, id)
  end
  redis.call('HDEL', KEYS[5], id)
end

local len = redis.call('LLEN', KEYS[3])
if offset > 0 and len >= offset then
  local pivot = redis.call('LINDEX', KEYS[3], -offset)
  if pivot then
    redis.call('LINSERT', KEYS[3], 'BEFORE', pivot, id)
  else
    redis.call('LPUSH', KEYS[3], id)
  end
else
  redis.call('LPUSH', KEYS[3], id)
end
return 1
`)

// RequeueOutcome distinguishes why a requeue did or did not happen.
type RequeueOutcome int

const (
	RequeueOK RequeueOutcome = iota
	RequeueGlobalCapExceeded
	RequeueUnitCapExceeded
)

// Requeue re-enqueues id for retry, bypassing the reservation-match check
// (a chunk's worker may requeue a member unit it never "owned" directly,
// since a chunk's worker may never have "owned" a given member
// directly), subject to the per-unit and per-build requeue caps.
func (s *Scripts) Requeue(ctx context.Context, k Keys, id string, maxRequeues, globalMaxRequeues int, offset int64) (RequeueOutcome, error) {
	res, err := requeueScript.Run(ctx, s.kv, []string{
		k.Processed(), k.RequeuesCount(), k.Queue(), k.Running(), k.Owners(), k.RequeueGlobalTotal(),
	}, maxRequeues, globalMaxRequeues, id, offset).Int64()
	if err != nil {
		return RequeueUnitCapExceeded, errors.Wrap(err, "requeue")
	}
	switch res {
	case 1:
		return RequeueOK, nil
	case -1:
		return RequeueGlobalCapExceeded, nil
	default:
		return RequeueUnitCapExceeded, nil
	}
}

var releaseScript = redis.NewScript(`
local ids = redis.call('LRANGE', KEYS[2], 0, -1)
local count = 0
for _, id in ipairs(ids) do
  local owner = redis.call('HGET', KEYS[3], id)
  if owner then
    local sep1 = string.find(owner, '|')
    local worker = sep1 and string.sub(owner, 1, sep1 - 1) or owner
    if worker == KEYS[2] then
      redis.call('ZADD', KEYS[1], 0, id)
      redis.call('HDEL', KEYS[3], id)
      count = count + 1
    end
  end
end
return count
`)

// Release expires the lease (zeroing the running score) and deletes the
// owners entry for every id this worker still holds, per the chosen
// resolution chosen in DESIGN.md for how Release should behave: the
// unit stays in RunningSet so the very next ReserveLost scan reclaims
// it.
func (s *Scripts) Release(ctx context.Context, k Keys, workerID string) (int64, error) {
	res, err := releaseScript.Run(ctx, s.kv, []string{
		k.Running(), k.WorkerQueue(workerID), k.Owners(),
	}).Int64()
	if err != nil {
		return 0, errors.Wrap(err, "release")
	}
	return res, nil
}

var takeoverMasterScript = redis.NewScript(`
local status = redis.call('GET', KEYS[1])
if not status or string.sub(status, 1, 5) ~= 'setup' then
  return 0
end
local hb = redis.call('GET', KEYS[3])
local now = tonumber(ARGV[1])
local stale_timeout = tonumber(ARGV[3])
local is_stale = true
if hb and (now - tonumber(hb)) < stale_timeout then
  is_stale = false
end
if not is_stale then
  return 0
end
redis.call('DEL', KEYS[1])
local created = redis.call('SET', KEYS[1], 'setup', 'NX')
if not created then
  return 0
end
redis.call('SET', KEYS[2], ARGV[2])
redis.call('SET', KEYS[3], ARGV[1])
local ttl = tonumber(ARGV[4])
redis.call('EXPIRE', KEYS[1], ttl)
redis.call('EXPIRE', KEYS[2], ttl)
redis.call('EXPIRE', KEYS[3], ttl)
return 1
`)

// TakeoverMaster atomically replaces a stale or missing master with
// workerID.
func (s *Scripts) TakeoverMaster(ctx context.Context, k Keys, workerID string, now, staleTimeout, ttl float64) (bool, error) {
	res, err := takeoverMasterScript.Run(ctx, s.kv, []string{
		k.MasterStatus(), k.MasterWorkerID(), k.MasterSetupHeartbeat(),
	}, now, workerID, staleTimeout, ttl).Int64()
	if err != nil {
		return false, errors.Wrap(err, "takeover_master")
	}
	return res == 1, nil
}

var commitQueueScript = redis.NewScript(`
local worker = redis.call('GET', KEYS[1])
if worker ~= ARGV[1] then
  return 0
end
local ttl = tonumber(ARGV[3])
for i = 4, #ARGV do
  redis.call('LPUSH', KEYS[3], ARGV[i])
end
redis.call('SET', KEYS[4], #ARGV - 3)
redis.call('SET', KEYS[2], 'ready')
redis.call('SET', KEYS[5], ARGV[2])
redis.call('EXPIRE', KEYS[1], ttl)
redis.call('EXPIRE', KEYS[2], ttl)
redis.call('EXPIRE', KEYS[3], ttl)
redis.call('EXPIRE', KEYS[4], ttl)
redis.call('EXPIRE', KEYS[5], ttl)
return 1
`)

// CommitQueue publishes ids onto the queue and flips MasterState to
// "ready" if and only if master-worker-id still names workerID, per
// via optimistic concurrency. Since KV is typed as redis.UniversalClient
// (satisfied by cluster/ring clients that don't expose WATCH), the guard
// is encoded inside this script rather than a client-side WATCH
// transaction. Returns false if a takeover raced this worker out of the
// master role before the commit ran.
func (s *Scripts) CommitQueue(ctx context.Context, k Keys, workerID string, now, ttl float64, ids []string) (bool, error) {
	args := make([]interface{}, 0, 3+len(ids))
	args = append(args, workerID, now, ttl)
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := commitQueueScript.Run(ctx, s.kv, []string{
		k.MasterWorkerID(), k.MasterStatus(), k.Queue(), k.Total(), k.CreatedAt(),
	}, args...).Int64()
	if err != nil {
		return false, errors.Wrap(err, "commit_queue")
	}
	return res == 1, nil
}

var electMasterScript = redis.NewScript(`
local created = redis.call('SET', KEYS[1], 'setup', 'NX')
if not created then
  return 0
end
redis.call('SET', KEYS[2], ARGV[1])
redis.call('SET', KEYS[3], ARGV[2])
local ttl = tonumber(ARGV[3])
redis.call('EXPIRE', KEYS[1], ttl)
redis.call('EXPIRE', KEYS[2], ttl)
redis.call('EXPIRE', KEYS[3], ttl)
return 1
`)

// ElectMaster attempts create-if-absent election.
func (s *Scripts) ElectMaster(ctx context.Context, k Keys, workerID string, now, ttl float64) (bool, error) {
	res, err := electMasterScript.Run(ctx, s.kv, []string{
		k.MasterStatus(), k.MasterWorkerID(), k.MasterSetupHeartbeat(),
	}, workerID, now, ttl).Int64()
	if err != nil {
		return false, errors.Wrap(err, "elect_master")
	}
	return res == 1, nil
}
