package queue

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid"
)

// NewBuildID generates a sortable, monotonic id for a build that wasn't
// given one explicitly.
var buildIDEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
var buildIDMu sync.Mutex

func NewBuildID() string {
	buildIDMu.Lock()
	defer buildIDMu.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Now(), buildIDEntropy).String())
}

// NewWorkerID generates an id for a worker that wasn't given one
// explicitly. Unlike the build id, worker identity doesn't need to sort
// by creation time, so a plain random uuid is enough.
func NewWorkerID() string {
	return uuid.NewString()
}
