package queue

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	alphaSymmetric = 0.2
	alphaFast      = 0.2  // sample slower than the stored average: widen quickly
	alphaSlow      = 0.01 // sample faster than the stored average: tighten conservatively
)

// TimingStore holds the EMA duration oracle, in its own keyspace
// independent of the per-build keys.
type TimingStore struct {
	kv      KV
	key     string
	metrics *Metrics
}

func NewTimingStore(kv KV, key string, metrics *Metrics) *TimingStore {
	return &TimingStore{kv: kv, key: TimingKey(key), metrics: metrics}
}

var timingUpdateScript = redis.NewScript(`
local id = ARGV[1]
local sample = tonumber(ARGV[2])
local alpha_fast = tonumber(ARGV[3])
local alpha_slow = tonumber(ARGV[4])
local current = redis.call('HGET', KEYS[1], id)
local updated
if not current then
  updated = sample
else
  current = tonumber(current)
  local alpha = alpha_fast
  if sample < current then
    alpha = alpha_slow
  end
  updated = alpha * sample + (1 - alpha) * current
end
redis.call('HSET', KEYS[1], id, updated)
return tostring(updated)
`)

// Update applies the asymmetric EMA smoothing chosen in DESIGN.md:
// alpha_fast=0.2 widens the estimate quickly when a sample is slower
// than the stored average, alpha_slow=0.01 tightens it conservatively
// when a sample is faster. The very first observation for an id is
// stored as-is.
func (t *TimingStore) Update(ctx context.Context, id string, durationMs float64) (float64, error) {
	start := time.Now()
	res, err := timingUpdateScript.Run(ctx, t.kv, []string{t.key}, id, durationMs, alphaFast, alphaSlow).Text()
	if t.metrics != nil {
		t.metrics.RecordTimingUpdateDuration(time.Since(start).Seconds())
	}
	if err != nil {
		return 0, errors.Wrap(err, "timing update")
	}
	return parseFloat(res), nil
}

// UpdateBatch applies Update for every (id, durationMs) pair in a single
// server-side script invocation.
var timingUpdateBatchScript = redis.NewScript(`
local alpha_fast = tonumber(ARGV[1])
local alpha_slow = tonumber(ARGV[2])
local n = (#ARGV - 2) / 2
for i = 0, n - 1 do
  local id = ARGV[3 + i * 2]
  local sample = tonumber(ARGV[4 + i * 2])
  local current = redis.call('HGET', KEYS[1], id)
  local updated
  if not current then
    updated = sample
  else
    current = tonumber(current)
    local alpha = alpha_fast
    if sample < current then
      alpha = alpha_slow
    end
    updated = alpha * sample + (1 - alpha) * current
  end
  redis.call('HSET', KEYS[1], id, updated)
end
return n
`)

func (t *TimingStore) UpdateBatch(ctx context.Context, samples map[string]float64) error {
	if len(samples) == 0 {
		return nil
	}
	args := make([]interface{}, 0, 2+2*len(samples))
	args = append(args, alphaFast, alphaSlow)
	for id, d := range samples {
		args = append(args, id, d)
	}
	start := time.Now()
	err := timingUpdateBatchScript.Run(ctx, t.kv, []string{t.key}, args...).Err()
	if t.metrics != nil {
		t.metrics.RecordTimingUpdateDuration(time.Since(start).Seconds())
	}
	if err != nil {
		return errors.Wrap(err, "timing update batch")
	}
	return nil
}

// Get returns the stored EMA for id, or ok=false if absent.
func (t *TimingStore) Get(ctx context.Context, id string) (float64, bool, error) {
	res, err := t.kv.HGet(ctx, t.key, id).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "timing get")
	}
	return parseFloat(res), true, nil
}

// LoadAll loads the whole timing table via an incremental cursor scan
// (HSCAN), count pairs at a time.
func (t *TimingStore) LoadAll(ctx context.Context, count int64) (map[string]float64, error) {
	if count <= 0 {
		count = 1000
	}
	out := make(map[string]float64)
	var cursor uint64
	for {
		keys, next, err := t.kv.HScan(ctx, t.key, cursor, "", count).Result()
		if err != nil {
			return nil, errors.Wrap(err, "timing load_all")
		}
		for i := 0; i+1 < len(keys); i += 2 {
			out[keys[i]] = parseFloat(keys[i+1])
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if t.metrics != nil {
		t.metrics.SetTimingStoreSize(float64(len(out)))
	}
	return out, nil
}

func (t *TimingStore) Size(ctx context.Context) (int64, error) {
	n, err := t.kv.HLen(ctx, t.key).Result()
	if err != nil {
		return 0, errors.Wrap(err, "timing size")
	}
	return n, nil
}

func (t *TimingStore) Exists(ctx context.Context) (bool, error) {
	n, err := t.kv.Exists(ctx, t.key).Result()
	if err != nil {
		return false, errors.Wrap(err, "timing exists")
	}
	return n > 0, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// JSONTimingFile is the on-disk fallback oracle: a flat
// {unit_id: duration_ms} JSON map, used when the timing Redis keyspace
// is unreachable or unconfigured.
type JSONTimingFile struct {
	durations map[string]float64
}

func LoadJSONTimingFile(path string) (*JSONTimingFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read timing file")
	}
	var durations map[string]float64
	if err := json.Unmarshal(data, &durations); err != nil {
		return nil, errors.Wrap(err, "parse timing file")
	}
	return &JSONTimingFile{durations: durations}, nil
}

func (f *JSONTimingFile) Get(id string) (float64, bool) {
	if f == nil {
		return 0, false
	}
	d, ok := f.durations[id]
	return d, ok
}
