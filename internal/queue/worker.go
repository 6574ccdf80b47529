package queue

import (
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"

	"github.com/figma/ci-queue/internal/ciqueuecontext"
)

// ExecResult is what the external test-framework collaborator reports
// back after running one Unit: the core exposes a stream of reserved
// Executables and the framework reports outcomes by calling back into
// acknowledge/requeue/record_error.
type ExecResult struct {
	Passed     bool
	DurationMs float64
	Payload    []byte
}

// ExecutorFunc runs one Unit and reports its outcome. A non-nil error
// is logged but does not itself fail the worker loop -- only the
// returned ExecResult.Passed decides acknowledge vs. requeue.
type ExecutorFunc func(ctx *ciqueuecontext.Context, unit Unit) (ExecResult, error)

// Worker drives the reserve/heartbeat/acknowledge loop against a fixed,
// caller-supplied unit list.
type Worker struct {
	kv      KV
	keys    Keys
	scripts *Scripts
	clock   Clock
	cfg     *Config
	metrics *Metrics
	record  *BuildRecord
	timing  *TimingStore

	workerID          string
	index             map[string]Unit
	globalMaxRequeues int
	knownFlaky        map[string]bool
	flakyTests        map[string]bool

	shutdown int32
}

func NewWorker(kv KV, keys Keys, scripts *Scripts, clock Clock, cfg *Config, metrics *Metrics, record *BuildRecord, timing *TimingStore, workerID string, units []UnitDescriptor, globalMaxRequeues int) *Worker {
	index := make(map[string]Unit, len(units))
	for _, u := range units {
		index[u.ID] = Unit{ID: u.ID}
	}
	return &Worker{
		kv:                kv,
		keys:              keys,
		scripts:           scripts,
		clock:             clock,
		cfg:               cfg,
		metrics:           metrics,
		record:            record,
		timing:            timing,
		workerID:          workerID,
		index:             index,
		globalMaxRequeues: globalMaxRequeues,
		knownFlaky:        stringSet(cfg.KnownFlakyTests),
		flakyTests:        stringSet(cfg.FlakyTests),
	}
}

func stringSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// Shutdown flips the cooperative exit flag checked at each loop
// iteration.
func (w *Worker) Shutdown() {
	atomic.StoreInt32(&w.shutdown, 1)
}

func (w *Worker) isShutdown() bool {
	return atomic.LoadInt32(&w.shutdown) != 0
}

// Run is the worker loop: prefer stolen work, fall back to fresh
// reservation, idle with exponential backoff, exit cooperatively on
// shutdown or exhaustion.
func (w *Worker) Run(ctx *ciqueuecontext.Context, exec ExecutorFunc) error {
	defer w.refreshOnExit(ctx)

	backoff := w.cfg.WorkerIdleSleepMin
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	for !w.isShutdown() {
		id, stolen, err := w.reserveNext(ctx)
		if err != nil {
			return err
		}
		if id == "" {
			exhausted, err := w.isExhausted(ctx)
			if err != nil {
				return err
			}
			if exhausted {
				return nil
			}
			w.clock.Sleep(backoff)
			backoff *= 2
			if max := w.cfg.WorkerIdleSleepMax; max > 0 && backoff > max {
				backoff = max
			}
			continue
		}
		backoff = w.cfg.WorkerIdleSleepMin
		if backoff <= 0 {
			backoff = 500 * time.Millisecond
		}

		if stolen {
			w.recordStolen(ctx, id)
		} else if w.metrics != nil {
			w.metrics.RecordReservation("fresh")
		}

		if err := w.process(ctx, id, exec); err != nil {
			return err
		}
	}
	return nil
}

// queueExpiryGraceSeconds is the window past created-at+redis_ttl during
// which the queue is still considered reachable, covering the lag
// between a key's TTL and a worker actually noticing it's gone.
const queueExpiryGraceSeconds = 600

// checkNotExpired rejects reservation-path calls once
// created-at + redis_ttl + queueExpiryGraceSeconds has passed. A missing
// created-at (queue not yet committed) is not itself an expiry.
func (w *Worker) checkNotExpired(ctx *ciqueuecontext.Context) error {
	raw, err := w.kv.Get(ctx, w.keys.CreatedAt()).Result()
	if isRedisNil(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "load created_at")
	}
	createdAt, _ := strconv.ParseFloat(raw, 64)
	if w.clock.Now() >= createdAt+w.cfg.RedisTTL.Seconds()+queueExpiryGraceSeconds {
		return &ErrQueueExpired{BuildID: w.cfg.BuildID}
	}
	return nil
}

func (w *Worker) reserveNext(ctx *ciqueuecontext.Context) (id string, stolen bool, err error) {
	if err := w.checkNotExpired(ctx); err != nil {
		return "", false, err
	}
	id, err = w.scripts.ReserveLost(ctx, w.keys, w.workerID, w.clock.Now(), w.cfg.Timeout.Seconds(), w.cfg.HeartbeatGracePeriod.Seconds())
	if err != nil {
		return "", false, errors.Wrap(err, "reserve_lost")
	}
	if id != "" {
		return id, true, nil
	}
	id, err = w.scripts.Reserve(ctx, w.keys, w.workerID, w.clock.Now(), w.cfg.Timeout.Seconds())
	if err != nil {
		return "", false, errors.Wrap(err, "reserve")
	}
	return id, false, nil
}

func (w *Worker) recordStolen(ctx *ciqueuecontext.Context, id string) {
	if w.metrics != nil {
		w.metrics.RecordReservation("stolen")
	}
	if w.record != nil {
		if err := w.record.RecordWarning(ctx, "RESERVED_LOST_TEST", map[string]string{"id": id, "worker": w.workerID}); err != nil {
			ctx.Log.WithError(err).Warn("record_warning failed")
		}
	}
}

func (w *Worker) isExhausted(ctx *ciqueuecontext.Context) (bool, error) {
	qlen, err := w.kv.LLen(ctx, w.keys.Queue()).Result()
	if err != nil {
		return false, errors.Wrap(err, "queue llen")
	}
	if qlen > 0 {
		return false, nil
	}
	rlen, err := w.kv.ZCard(ctx, w.keys.Running()).Result()
	if err != nil {
		return false, errors.Wrap(err, "running zcard")
	}
	return rlen == 0, nil
}

// resolve hydrates a reserved id into its Executable: a chunk-shaped id
// is fetched from the store, everything else is looked up in the
// in-memory index built from the caller's input list at startup.
func (w *Worker) resolve(ctx *ciqueuecontext.Context, id string) (Executable, error) {
	if IsChunkID(id) {
		raw, err := w.kv.Get(ctx, w.keys.Chunk(id)).Bytes()
		if err != nil {
			return Executable{}, errors.Wrap(err, "load chunk")
		}
		var c Chunk
		if err := json.Unmarshal(raw, &c); err != nil {
			return Executable{}, errors.Wrap(err, "unmarshal chunk")
		}
		c.ID = id
		return ExecutableFromChunk(c), nil
	}
	if u, ok := w.index[id]; ok {
		return ExecutableFromUnit(u), nil
	}
	return ExecutableFromUnit(Unit{ID: id}), nil
}

func (w *Worker) process(ctx *ciqueuecontext.Context, id string, exec ExecutorFunc) error {
	exe, err := w.resolve(ctx, id)
	if err != nil {
		return err
	}
	return w.withHeartbeat(ctx, id, func() error {
		if exe.IsChunk {
			return w.runChunk(ctx, exe.Chunk, exec)
		}
		return w.runUnit(ctx, exe.Unit, exec)
	})
}

// withHeartbeat runs fn while a background goroutine invokes the
// Heartbeat script every heartbeat_interval. The goroutine is signaled
// to stop when fn returns and joined with a bounded ≤1s wait.
func (w *Worker) withHeartbeat(ctx *ciqueuecontext.Context, id string, fn func() error) error {
	interval := w.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.sendHeartbeat(ctx, id)
			}
		}
	}()

	err := fn()

	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		ctx.Log.Warn("heartbeat goroutine did not join within 1s")
	}
	return err
}

func (w *Worker) sendHeartbeat(ctx *ciqueuecontext.Context, id string) {
	if err := w.checkNotExpired(ctx); err != nil {
		ctx.Log.WithError(err).Warn("queue expired, skipping heartbeat")
		return
	}
	res, err := w.scripts.Heartbeat(ctx, w.keys, w.workerID, id, w.clock.Now(), w.cfg.Timeout.Seconds())
	if err != nil {
		ctx.Log.WithError(err).Warn("heartbeat failed")
		return
	}
	if w.metrics == nil {
		return
	}
	if res.Extended {
		w.metrics.RecordHeartbeat("extended")
		w.metrics.RecordLeaseExtension(res.NewDeadline - res.OldDeadline)
	} else {
		w.metrics.RecordHeartbeat("noop")
	}
}

// acknowledge retries the Acknowledge script with exponential backoff up
// to 5 attempts -- acknowledge is the most costly call to lose to a
// transient failure.
func (w *Worker) acknowledge(ctx *ciqueuecontext.Context, id string) (bool, error) {
	var ok bool
	err := retry.Do(
		func() error {
			var innerErr error
			ok, innerErr = w.scripts.Acknowledge(ctx, w.keys, id)
			return innerErr
		},
		retry.Attempts(5),
		retry.Context(ctx),
	)
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (w *Worker) runUnit(ctx *ciqueuecontext.Context, u Unit, exec ExecutorFunc) error {
	result, err := exec(ctx, u)
	if err != nil {
		ctx.Log.WithError(err).Error("executor returned an error")
	}
	return w.finishUnit(ctx, u.ID, result)
}

// runChunk executes a chunk's member units sequentially. Acknowledgement
// happens once, at the chunk level, after every member has run; a
// failing member is individually requeued (bypassing the
// reservation-match check), breaking it out of the chunk for isolated
// retry.
func (w *Worker) runChunk(ctx *ciqueuecontext.Context, c Chunk, exec ExecutorFunc) error {
	for _, id := range c.TestIDs {
		result, err := exec(ctx, Unit{ID: id})
		if err != nil {
			ctx.Log.WithError(err).Error("executor returned an error")
		}
		if result.Passed {
			if w.timing != nil {
				if _, err := w.timing.Update(ctx, id, result.DurationMs); err != nil {
					ctx.Log.WithError(err).Warn("timing update failed")
				}
			}
			continue
		}

		if w.knownFlaky[id] {
			if w.record != nil {
				if err := w.record.MarkFlaky(ctx, id); err != nil {
					ctx.Log.WithError(err).Warn("mark flaky failed")
				}
			}
			continue
		}

		if _, err := w.scripts.Requeue(ctx, w.keys, id, w.cfg.MaxRequeues, w.globalMaxRequeues, w.cfg.RequeueOffset); err != nil {
			return errors.Wrap(err, "requeue chunk member")
		}
		if w.record != nil {
			if w.flakyTests[id] {
				if err := w.record.MarkFlaky(ctx, id); err != nil {
					ctx.Log.WithError(err).Warn("mark flaky failed")
				}
			} else if err := w.record.RecordError(ctx, id, result.Payload, w.cfg.RedisTTL.Seconds()); err != nil {
				ctx.Log.WithError(err).Warn("record_error failed")
			}
		}
	}

	ok, err := w.acknowledge(ctx, c.ID)
	if err != nil {
		return errors.Wrap(err, "acknowledge chunk")
	}
	if !ok && w.metrics != nil {
		w.metrics.RecordReservation("already_processed")
	}
	return nil
}

// finishUnit applies the acknowledge/requeue contract for a standalone
// unit: a failure is requeued up to the configured caps; once those are
// exhausted, the unit is acknowledged and its failure recorded
// permanently.
func (w *Worker) finishUnit(ctx *ciqueuecontext.Context, id string, result ExecResult) error {
	if result.Passed {
		ok, err := w.acknowledge(ctx, id)
		if err != nil {
			return errors.Wrap(err, "acknowledge")
		}
		if !ok {
			// Already in the processed set (e.g. a stealing worker
			// acknowledged it first); not an error.
			return nil
		}
		if w.timing != nil {
			if _, err := w.timing.Update(ctx, id, result.DurationMs); err != nil {
				ctx.Log.WithError(err).Warn("timing update failed")
			}
		}
		if w.record != nil {
			wasRequeued, err := w.wasRequeued(ctx, id)
			if err != nil {
				ctx.Log.WithError(err).Warn("requeue count lookup failed")
			}
			if err := w.record.RecordSuccess(ctx, id, wasRequeued); err != nil {
				ctx.Log.WithError(err).Warn("record_success failed")
			}
		}
		return nil
	}

	if w.knownFlaky[id] {
		return w.finishKnownFlaky(ctx, id)
	}

	outcome, err := w.scripts.Requeue(ctx, w.keys, id, w.cfg.MaxRequeues, w.globalMaxRequeues, w.cfg.RequeueOffset)
	if err != nil {
		return errors.Wrap(err, "requeue")
	}
	if w.metrics != nil {
		switch outcome {
		case RequeueOK:
			w.metrics.RecordRequeue("ok")
		case RequeueGlobalCapExceeded:
			w.metrics.RecordRequeue("global_cap")
		case RequeueUnitCapExceeded:
			w.metrics.RecordRequeue("unit_cap")
		}
	}
	if outcome == RequeueOK {
		return nil
	}

	ok, err := w.acknowledge(ctx, id)
	if err != nil {
		return errors.Wrap(err, "acknowledge after exhausted requeue")
	}
	if !ok {
		return nil
	}
	if w.record != nil {
		if w.flakyTests[id] {
			if err := w.record.MarkFlaky(ctx, id); err != nil {
				ctx.Log.WithError(err).Warn("mark flaky failed")
			}
		} else {
			if err := w.record.RecordError(ctx, id, result.Payload, w.cfg.RedisTTL.Seconds()); err != nil {
				ctx.Log.WithError(err).Warn("record_error failed")
			}
			if err := w.record.IncrementTestFailedCount(ctx); err != nil {
				ctx.Log.WithError(err).Warn("increment test_failed_count failed")
			}
		}
	}
	return nil
}

// finishKnownFlaky acknowledges id without ever attempting a requeue and
// marks it flaky directly -- known_flaky_tests is the never-requeue set.
func (w *Worker) finishKnownFlaky(ctx *ciqueuecontext.Context, id string) error {
	ok, err := w.acknowledge(ctx, id)
	if err != nil {
		return errors.Wrap(err, "acknowledge known flaky")
	}
	if !ok {
		return nil
	}
	if w.record != nil {
		if err := w.record.MarkFlaky(ctx, id); err != nil {
			ctx.Log.WithError(err).Warn("mark flaky failed")
		}
	}
	return nil
}

func (w *Worker) wasRequeued(ctx *ciqueuecontext.Context, id string) (bool, error) {
	n, err := w.kv.HGet(ctx, w.keys.RequeuesCount(), id).Int64()
	if isRedisNil(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// refreshOnExit refreshes the worker-queue and processed key TTLs on
// loop exit.
func (w *Worker) refreshOnExit(ctx *ciqueuecontext.Context) {
	if err := w.kv.Expire(ctx, w.keys.WorkerQueue(w.workerID), w.cfg.RedisTTL).Err(); err != nil {
		ctx.Log.WithError(err).Warn("refresh worker queue ttl failed")
	}
	if err := w.kv.Expire(ctx, w.keys.Processed(), w.cfg.RedisTTL).Err(); err != nil {
		ctx.Log.WithError(err).Warn("refresh processed ttl failed")
	}
}

// RetryQueueIDs returns this worker's own reserved-id list intersected
// with the current failed-tests set: support for reconstructing a
// worker scoped to just its own failed subset, without touching the
// shared queue.
func (w *Worker) RetryQueueIDs(ctx *ciqueuecontext.Context) ([]string, error) {
	owned, err := w.kv.LRange(ctx, w.keys.WorkerQueue(w.workerID), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "load worker queue")
	}
	if w.record == nil {
		return nil, nil
	}
	failed, err := w.record.FailedTests(ctx)
	if err != nil {
		return nil, err
	}
	failedSet := make(map[string]bool, len(failed))
	for _, id := range failed {
		failedSet[id] = true
	}
	out := make([]string, 0, len(owned))
	for _, id := range owned {
		if failedSet[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// RunMasterOrWorker attempts election, runs Setup if elected, and
// otherwise waits -- which may hand this worker the master role via
// takeover, in which case Setup runs before falling through to the
// worker loop.
func RunMasterOrWorker(ctx *ciqueuecontext.Context, m *Master, w *Worker, workerID string, units []UnitDescriptor, strategy OrderingStrategy, queueInitTimeout time.Duration, exec ExecutorFunc) error {
	elected, err := m.Elect(ctx, workerID)
	if err != nil {
		return err
	}
	if elected {
		if err := m.Setup(ctx, workerID, units, strategy); err == nil {
			return w.Run(ctx, exec)
		} else if _, lost := err.(*ErrMasterSetupLost); !lost {
			return err
		}
	}

	for {
		outcome, err := m.Wait(ctx, workerID, queueInitTimeout)
		if err != nil {
			return err
		}
		if outcome == WaitReady {
			return w.Run(ctx, exec)
		}
		if err := m.Setup(ctx, workerID, units, strategy); err != nil {
			if _, lost := err.(*ErrMasterSetupLost); lost {
				continue
			}
			return err
		}
		return w.Run(ctx, exec)
	}
}
