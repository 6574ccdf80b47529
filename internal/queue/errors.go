package queue

import "fmt"

// ErrReservationMismatch is a fatal programming error: a worker tried to
// acknowledge, heartbeat, or requeue an id it did not reserve. This must
// never be treated as retryable.
type ErrReservationMismatch struct {
	ID     string
	Worker string
}

func (e *ErrReservationMismatch) Error() string {
	return fmt.Sprintf("worker %q attempted to act on %q, which it did not reserve", e.Worker, e.ID)
}

// ErrQueueExpired is returned once created-at + redis_ttl + 10min < now.
type ErrQueueExpired struct {
	BuildID string
}

func (e *ErrQueueExpired) Error() string {
	return fmt.Sprintf("queue for build %q has expired", e.BuildID)
}

// ErrMasterSetupLost is returned when this worker believed it was master
// but its watched commit was aborted by a takeover.
type ErrMasterSetupLost struct {
	Worker string
}

func (e *ErrMasterSetupLost) Error() string {
	return fmt.Sprintf("worker %q lost the master role before committing the queue", e.Worker)
}

// ErrRequeueLimitExceeded distinguishes the two requeue caps (per-unit
// max_requeues and the per-build global cap derived from
// requeue_tolerance) so callers can tell them apart.
type ErrRequeueLimitExceeded struct {
	ID     string
	Global bool
}

func (e *ErrRequeueLimitExceeded) Error() string {
	if e.Global {
		return fmt.Sprintf("global requeue cap exceeded while requeueing %q", e.ID)
	}
	return fmt.Sprintf("per-unit requeue cap exceeded for %q", e.ID)
}
