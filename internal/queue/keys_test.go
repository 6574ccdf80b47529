package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeysWithoutNamespace(t *testing.T) {
	k := NewKeys("build-1", "")
	assert.Equal(t, "build:build-1:queue", k.Queue())
	assert.Equal(t, "build:build-1:running", k.Running())
	assert.Equal(t, "build:build-1:master-status", k.MasterStatus())
	assert.Equal(t, "build:build-1:worker:w1:queue", k.WorkerQueue("w1"))
	assert.Equal(t, "build:build-1:chunk:Suite:chunk_0", k.Chunk("Suite:chunk_0"))
}

func TestKeysWithNamespace(t *testing.T) {
	k := NewKeys("build-1", "myapp")
	assert.Equal(t, "myapp:#build-1:queue", k.Queue())
	assert.Equal(t, "myapp:#build-1:running", k.Running())
}

func TestTimingKeyDefault(t *testing.T) {
	assert.Equal(t, "timing_data", TimingKey(""))
	assert.Equal(t, "custom_timing", TimingKey("custom_timing"))
}
