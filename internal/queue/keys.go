package queue

import "fmt"

// Keys builds the build:{build_id}:<entity> keyspace, switching to
// {namespace}:#{build_id}:<entity> when a namespace is configured. It is
// the single place that knows the key-naming scheme.
type Keys struct {
	buildID   string
	namespace string
}

func NewKeys(buildID, namespace string) Keys {
	return Keys{buildID: buildID, namespace: namespace}
}

func (k Keys) prefix() string {
	if k.namespace != "" {
		return fmt.Sprintf("%s:#%s", k.namespace, k.buildID)
	}
	return fmt.Sprintf("build:%s", k.buildID)
}

func (k Keys) entity(name string) string {
	return fmt.Sprintf("%s:%s", k.prefix(), name)
}

func (k Keys) Queue() string               { return k.entity("queue") }
func (k Keys) Running() string             { return k.entity("running") }
func (k Keys) Processed() string           { return k.entity("processed") }
func (k Keys) Owners() string              { return k.entity("owners") }
func (k Keys) Heartbeats() string          { return k.entity("heartbeats") }
func (k Keys) Workers() string             { return k.entity("workers") }
func (k Keys) MasterStatus() string        { return k.entity("master-status") }
func (k Keys) MasterWorkerID() string      { return k.entity("master-worker-id") }
func (k Keys) MasterSetupHeartbeat() string { return k.entity("master-setup-heartbeat") }
func (k Keys) Total() string               { return k.entity("total") }
func (k Keys) CreatedAt() string           { return k.entity("created-at") }
func (k Keys) TestFailedCount() string     { return k.entity("test_failed_count") }
func (k Keys) RequeuesCount() string       { return k.entity("requeues-count") }
func (k Keys) RequeueGlobalTotal() string  { return k.entity("requeues-count-total") }
func (k Keys) ErrorReports() string        { return k.entity("error-reports") }
func (k Keys) FlakyReports() string        { return k.entity("flaky-reports") }
func (k Keys) Warnings() string            { return k.entity("warnings") }
func (k Keys) Chunks() string              { return k.entity("chunks") }
func (k Keys) TestGroupTimeout() string    { return k.entity("test-group-timeout") }

func (k Keys) WorkerQueue(workerID string) string {
	return k.entity(fmt.Sprintf("worker:%s:queue", workerID))
}

func (k Keys) Chunk(chunkID string) string {
	return k.entity(fmt.Sprintf("chunk:%s", chunkID))
}

// TimingKey is the timing store's own key, in a keyspace independent of
// any single build.
func TimingKey(name string) string {
	if name == "" {
		return "timing_data"
	}
	return name
}
