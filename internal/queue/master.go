package queue

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/figma/ci-queue/internal/ciqueuecontext"
)

// masterStatusSetup/Ready/Finished are the three points of the state
// machine; a value with the "setup" prefix (e.g. "setup:3") is treated
// as equivalent to "setup" for staleness checks.
const (
	masterStatusSetup    = "setup"
	masterStatusReady    = "ready"
	masterStatusFinished = "finished"
)

// WaitOutcome reports what a non-master worker should do after Wait
// returns.
type WaitOutcome int

const (
	// WaitReady means MasterState has reached "ready" or "finished";
	// the caller should proceed straight to the worker loop.
	WaitReady WaitOutcome = iota
	// WaitBecameMaster means this worker won a takeover while waiting
	// and must now run Setup itself.
	WaitBecameMaster
)

// Master drives the MasterState state machine: ∅ → setup → ready →
// finished, with liveness-based takeover during setup and an
// optimistic-concurrency commit.
type Master struct {
	kv      KV
	keys    Keys
	scripts *Scripts
	clock   Clock
	cfg     *Config
	metrics *Metrics
}

func NewMaster(kv KV, keys Keys, scripts *Scripts, clock Clock, cfg *Config, metrics *Metrics) *Master {
	return &Master{kv: kv, keys: keys, scripts: scripts, clock: clock, cfg: cfg, metrics: metrics}
}

// Elect attempts create-if-absent election. On success this worker is
// master and must call Setup.
func (m *Master) Elect(ctx *ciqueuecontext.Context, workerID string) (bool, error) {
	ok, err := m.scripts.ElectMaster(ctx, m.keys, workerID, m.clock.Now(), m.cfg.RedisTTL.Seconds())
	if err != nil {
		return false, errors.Wrap(err, "elect")
	}
	if ok && m.metrics != nil {
		m.metrics.RecordMasterElection("elected")
	}
	return ok, nil
}

// Setup runs the ordering strategy, serializes any Chunks it produced,
// and commits the queue under an optimistic-concurrency guard. While
// ordering runs, a background renewer keeps setup-heartbeat fresh so
// followers in Wait don't mistake slow ordering for a dead master.
func (m *Master) Setup(ctx *ciqueuecontext.Context, workerID string, units []UnitDescriptor, strategy OrderingStrategy) error {
	group, gctx := ciqueuecontext.ErrGroup(ctx)
	stop := make(chan struct{})
	group.Go(func() error {
		m.runSetupHeartbeat(gctx, stop)
		return nil
	})

	executables, orderErr := strategy.Order(units)
	close(stop)
	_ = group.Wait()

	if orderErr != nil {
		return errors.Wrap(orderErr, "ordering")
	}

	ids := make([]string, len(executables))
	for i, e := range executables {
		ids[i] = e.ID()
		if e.IsChunk {
			if err := m.publishChunk(ctx, e.Chunk); err != nil {
				return err
			}
		}
	}

	ok, err := m.scripts.CommitQueue(ctx, m.keys, workerID, m.clock.Now(), m.cfg.RedisTTL.Seconds(), ids)
	if err != nil {
		return errors.Wrap(err, "commit queue")
	}
	if !ok {
		if m.metrics != nil {
			m.metrics.RecordMasterElection("lost")
		}
		return &ErrMasterSetupLost{Worker: workerID}
	}
	return nil
}

// runSetupHeartbeat writes setup-heartbeat=now every
// master_setup_heartbeat_interval until stop is closed. A transient
// write failure is logged and does not abdicate the master role.
func (m *Master) runSetupHeartbeat(ctx *ciqueuecontext.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.MasterSetupHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := m.kv.Set(ctx, m.keys.MasterSetupHeartbeat(), m.clock.Now(), m.cfg.RedisTTL).Err()
			if err != nil {
				ctx.Log.WithError(err).Warn("master setup heartbeat write failed")
			}
		}
	}
}

// publishChunk serializes c into chunk:{id}, tracks it in the chunks
// set, and records its dynamic per-chunk timeout. Each of these is a
// single-command write; none of them needs to be atomic with the others.
func (m *Master) publishChunk(ctx *ciqueuecontext.Context, c Chunk) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshal chunk")
	}
	if err := m.kv.Set(ctx, m.keys.Chunk(c.ID), payload, m.cfg.RedisTTL).Err(); err != nil {
		return errors.Wrap(err, "publish chunk")
	}
	if err := m.kv.SAdd(ctx, m.keys.Chunks(), c.ID).Err(); err != nil {
		return errors.Wrap(err, "track chunk")
	}
	timeoutSeconds := c.EstimatedDuration / 1000 * (1 + m.cfg.BufferPercent/100)
	if err := m.kv.HSet(ctx, m.keys.TestGroupTimeout(), c.ID, timeoutSeconds).Err(); err != nil {
		return errors.Wrap(err, "set chunk timeout")
	}
	return nil
}

// LoadChunk hydrates a previously-published chunk record.
func (m *Master) LoadChunk(ctx *ciqueuecontext.Context, id string) (Chunk, error) {
	raw, err := m.kv.Get(ctx, m.keys.Chunk(id)).Bytes()
	if err != nil {
		return Chunk{}, errors.Wrap(err, "load chunk")
	}
	var c Chunk
	if err := json.Unmarshal(raw, &c); err != nil {
		return Chunk{}, errors.Wrap(err, "unmarshal chunk")
	}
	c.ID = id
	return c, nil
}

// Status returns the raw MasterState value, or "" if unset.
func (m *Master) Status(ctx *ciqueuecontext.Context) (string, error) {
	status, err := m.kv.Get(ctx, m.keys.MasterStatus()).Result()
	if isRedisNil(err) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "master status")
	}
	return status, nil
}

// Finish transitions MasterState to "finished".
func (m *Master) Finish(ctx *ciqueuecontext.Context) error {
	if err := m.kv.Set(ctx, m.keys.MasterStatus(), masterStatusFinished, m.cfg.RedisTTL).Err(); err != nil {
		return errors.Wrap(err, "finish")
	}
	return nil
}

// Wait polls for MasterState to reach ready/finished, bounded by
// timeout, attempting a takeover whenever the status looks like a stale
// or abandoned setup. Returns WaitBecameMaster if this worker won a
// takeover -- the caller must then run Setup itself.
func (m *Master) Wait(ctx *ciqueuecontext.Context, workerID string, timeout time.Duration) (WaitOutcome, error) {
	deadline := m.clock.Now() + timeout.Seconds()
	interval := m.cfg.MasterSetupHeartbeat
	if interval <= 0 {
		interval = 5 * time.Second
	}
	for {
		status, err := m.Status(ctx)
		if err != nil {
			return WaitReady, err
		}
		switch {
		case status == masterStatusReady || status == masterStatusFinished:
			return WaitReady, nil
		case strings.HasPrefix(status, masterStatusSetup):
			ok, err := m.scripts.TakeoverMaster(ctx, m.keys, workerID, m.clock.Now(), m.cfg.MasterSetupTimeout.Seconds(), m.cfg.RedisTTL.Seconds())
			if err != nil {
				return WaitReady, errors.Wrap(err, "takeover")
			}
			if ok {
				if m.metrics != nil {
					m.metrics.RecordMasterElection("takeover")
				}
				return WaitBecameMaster, nil
			}
		}
		if m.clock.Now() >= deadline {
			return WaitReady, errors.Errorf("timed out waiting for master after %s", timeout)
		}
		select {
		case <-ctx.Done():
			return WaitReady, ctx.Err()
		default:
		}
		m.clock.Sleep(interval)
	}
}

// WaitForReady polls for MasterState to reach ready/finished without
// ever attempting a takeover -- the supervisor observes, it never
// becomes master.
func (m *Master) WaitForReady(ctx *ciqueuecontext.Context, timeout time.Duration) error {
	deadline := m.clock.Now() + timeout.Seconds()
	interval := m.cfg.MasterSetupHeartbeat
	if interval <= 0 {
		interval = 5 * time.Second
	}
	for {
		status, err := m.Status(ctx)
		if err != nil {
			return err
		}
		if status == masterStatusReady || status == masterStatusFinished {
			return nil
		}
		if m.clock.Now() >= deadline {
			return errors.Errorf("timed out waiting for master after %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		m.clock.Sleep(interval)
	}
}
