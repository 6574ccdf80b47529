package queue

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// BuildRecord is the store-side bookkeeping: error reports, the flaky
// set, and the warnings list, all hashes/sets with the same TTL as the
// rest of the build's keyspace.
type BuildRecord struct {
	kv   KV
	keys Keys
}

func NewBuildRecord(kv KV, keys Keys) *BuildRecord {
	return &BuildRecord{kv: kv, keys: keys}
}

// RecordError writes an opaque failure payload for id into error-reports
// and refreshes its TTL.
func (r *BuildRecord) RecordError(ctx context.Context, id string, payload []byte, ttlSeconds float64) error {
	pipe := r.kv.TxPipeline()
	pipe.HSet(ctx, r.keys.ErrorReports(), id, payload)
	pipe.Expire(ctx, r.keys.ErrorReports(), secondsToDuration(ttlSeconds))
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "record_error")
	}
	return nil
}

// RecordSuccess deletes id from error-reports; if that delete actually
// removed an entry (the unit had previously failed) or the unit had been
// requeued, the id is flaky -- it failed once and later passed -- and is
// added to flaky-reports.
func (r *BuildRecord) RecordSuccess(ctx context.Context, id string, wasRequeued bool) error {
	removed, err := r.kv.HDel(ctx, r.keys.ErrorReports(), id).Result()
	if err != nil {
		return errors.Wrap(err, "record_success")
	}
	if removed > 0 || wasRequeued {
		if err := r.kv.SAdd(ctx, r.keys.FlakyReports(), id).Err(); err != nil {
			return errors.Wrap(err, "record_success flaky")
		}
	}
	return nil
}

// MarkFlaky adds id to flaky-reports directly, bypassing the
// failed-then-passed inference RecordSuccess uses -- for known_flaky_tests
// and flaky_tests, config-level classification overrides that inference.
func (r *BuildRecord) MarkFlaky(ctx context.Context, id string) error {
	if err := r.kv.SAdd(ctx, r.keys.FlakyReports(), id).Err(); err != nil {
		return errors.Wrap(err, "mark_flaky")
	}
	return nil
}

// FailedTests returns every id currently recorded as failed.
func (r *BuildRecord) FailedTests(ctx context.Context) ([]string, error) {
	keys, err := r.kv.HKeys(ctx, r.keys.ErrorReports()).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed_tests")
	}
	return keys, nil
}

// ErrorReports returns the full id->payload map for the failure report
// artifact.
func (r *BuildRecord) ErrorReports(ctx context.Context) (map[string]string, error) {
	m, err := r.kv.HGetAll(ctx, r.keys.ErrorReports()).Result()
	if err != nil {
		return nil, errors.Wrap(err, "error_reports")
	}
	return m, nil
}

// RecordWarning appends a warning of the given type and attributes to
// the warnings list.
func (r *BuildRecord) RecordWarning(ctx context.Context, kind string, attrs map[string]string) error {
	payload, err := json.Marshal(warning{Type: kind, Attrs: attrs})
	if err != nil {
		return errors.Wrap(err, "marshal warning")
	}
	if err := r.kv.RPush(ctx, r.keys.Warnings(), payload).Err(); err != nil {
		return errors.Wrap(err, "record_warning")
	}
	return nil
}

type warning struct {
	Type  string            `json:"type"`
	Attrs map[string]string `json:"attrs"`
}

// popWarningsScript reads the whole warnings list and clears it in one
// round trip: a single transaction combining range and delete.
var popWarningsScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, -1)
redis.call('DEL', KEYS[1])
return items
`)

func (r *BuildRecord) PopWarnings(ctx context.Context) ([]string, error) {
	res, err := popWarningsScript.Run(ctx, r.kv, []string{r.keys.Warnings()}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "pop_warnings")
	}
	items, _ := res.([]interface{})
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// MaxTestFailed reports whether test_failed_count has reached the
// configured cap.
func (r *BuildRecord) MaxTestFailed(ctx context.Context, cap int) (bool, error) {
	if cap <= 0 {
		return false, nil
	}
	n, err := r.kv.Get(ctx, r.keys.TestFailedCount()).Int64()
	if err != nil && !isRedisNil(err) {
		return false, errors.Wrap(err, "max_test_failed")
	}
	return n >= int64(cap), nil
}

func (r *BuildRecord) IncrementTestFailedCount(ctx context.Context) error {
	return r.kv.Incr(ctx, r.keys.TestFailedCount()).Err()
}

// WriteFailureFile serializes every error report's payload (parsed as
// JSON, falling back to the raw string if it isn't JSON) into an array
// written to path, creating directories as needed.
func WriteFailureFile(ctx context.Context, r *BuildRecord, path string) error {
	reports, err := r.ErrorReports(ctx)
	if err != nil {
		return err
	}
	payloads := make([]json.RawMessage, 0, len(reports))
	for _, raw := range reports {
		if json.Valid([]byte(raw)) {
			payloads = append(payloads, json.RawMessage(raw))
		} else {
			encoded, _ := json.Marshal(raw)
			payloads = append(payloads, json.RawMessage(encoded))
		}
	}
	data, err := json.MarshalIndent(payloads, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal failure file")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "mkdir failure file dir")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "write failure file")
	}
	return nil
}
