package queue

import (
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/figma/ci-queue/internal/ciqueuecontext"
)

// SupervisorExitReason names why Supervisor.Run returned.
type SupervisorExitReason string

const (
	ExitExhausted             SupervisorExitReason = "exhausted"
	ExitReportTimeout         SupervisorExitReason = "report_timeout"
	ExitMaxTestFailed         SupervisorExitReason = "max_test_failed"
	ExitInactiveWorkersTimeout SupervisorExitReason = "inactive_workers_timeout"
)

// Supervisor is the non-executing observer role: it polls global
// progress at 1 Hz and enforces the overall and no-workers deadlines.
type Supervisor struct {
	kv      KV
	keys    Keys
	master  *Master
	clock   Clock
	cfg     *Config
	metrics *Metrics
	record  *BuildRecord
}

func NewSupervisor(kv KV, keys Keys, master *Master, clock Clock, cfg *Config, metrics *Metrics, record *BuildRecord) *Supervisor {
	return &Supervisor{kv: kv, keys: keys, master: master, clock: clock, cfg: cfg, metrics: metrics, record: record}
}

// Run blocks until one of the exit conditions holds, writing the
// failure file (if configured) before returning.
func (s *Supervisor) Run(ctx *ciqueuecontext.Context) (SupervisorExitReason, error) {
	if err := s.master.WaitForReady(ctx, s.cfg.QueueInitTimeout); err != nil {
		return "", errors.Wrap(err, "wait for master")
	}

	timeLeft := s.cfg.ReportTimeout.Seconds()
	timeLeftNoWorkers := s.cfg.InactiveWorkersTimeout.Seconds()

	for {
		exhausted, err := s.exhausted(ctx)
		if err != nil {
			return "", err
		}
		if exhausted {
			return s.finish(ctx, ExitExhausted)
		}

		maxFailed, err := s.maxTestFailed(ctx)
		if err != nil {
			return "", err
		}
		if maxFailed {
			return s.finish(ctx, ExitMaxTestFailed)
		}

		active, err := s.workersActive(ctx)
		if err != nil {
			return "", err
		}
		if active {
			timeLeftNoWorkers = s.cfg.InactiveWorkersTimeout.Seconds()
		} else {
			timeLeftNoWorkers--
		}
		timeLeft--

		if s.metrics != nil {
			s.reportDepth(ctx)
		}

		if timeLeft <= 0 {
			return s.finish(ctx, ExitReportTimeout)
		}
		if timeLeftNoWorkers <= 0 {
			return s.finish(ctx, ExitInactiveWorkersTimeout)
		}

		s.clock.Sleep(time.Second)
	}
}

func (s *Supervisor) exhausted(ctx *ciqueuecontext.Context) (bool, error) {
	qlen, err := s.kv.LLen(ctx, s.keys.Queue()).Result()
	if err != nil {
		return false, errors.Wrap(err, "queue llen")
	}
	if qlen > 0 {
		return false, nil
	}
	rlen, err := s.kv.ZCard(ctx, s.keys.Running()).Result()
	if err != nil {
		return false, errors.Wrap(err, "running zcard")
	}
	return rlen == 0, nil
}

func (s *Supervisor) maxTestFailed(ctx *ciqueuecontext.Context) (bool, error) {
	if s.record == nil {
		return false, nil
	}
	return s.record.MaxTestFailed(ctx, s.cfg.MaxTestFailed)
}

// workersActive reports whether any running entry's deadline is no
// older than default_timeout in the past.
func (s *Supervisor) workersActive(ctx *ciqueuecontext.Context) (bool, error) {
	now := s.clock.Now()
	min := now - s.cfg.Timeout.Seconds()
	n, err := s.kv.ZCount(ctx, s.keys.Running(), strconv.FormatFloat(min, 'f', -1, 64), "+inf").Result()
	if err != nil {
		return false, errors.Wrap(err, "running zcount")
	}
	return n > 0, nil
}

func (s *Supervisor) reportDepth(ctx *ciqueuecontext.Context) {
	qlen, err := s.kv.LLen(ctx, s.keys.Queue()).Result()
	if err == nil {
		s.metrics.SetQueueDepth(float64(qlen))
	}
	rlen, err := s.kv.ZCard(ctx, s.keys.Running()).Result()
	if err == nil {
		s.metrics.SetRunningCount(float64(rlen))
	}
}

func (s *Supervisor) finish(ctx *ciqueuecontext.Context, reason SupervisorExitReason) (SupervisorExitReason, error) {
	if err := s.master.Finish(ctx); err != nil {
		ctx.Log.WithError(err).Warn("failed to mark master finished")
	}
	if s.record != nil && s.cfg.FailureFile != "" {
		if err := WriteFailureFile(ctx, s.record, s.cfg.FailureFile); err != nil {
			return reason, errors.Wrap(err, "write failure file")
		}
	}
	return reason, nil
}
