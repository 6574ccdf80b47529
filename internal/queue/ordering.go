package queue

import (
	"math/rand"
	"os"
	"sort"
	"strconv"
)

// OrderingStrategy produces the Executable sequence a master publishes
// to the queue at setup.
type OrderingStrategy interface {
	Order(units []UnitDescriptor) ([]Executable, error)
}

// DurationSource resolves a unit's estimated duration in milliseconds,
// applying a precedence: EMA value if present > JSON timing file value
// if present > fallback constant.
type DurationSource struct {
	EMA      map[string]float64
	JSONFile *JSONTimingFile
	Fallback float64
}

func (d DurationSource) Duration(unitID string) float64 {
	if d.EMA != nil {
		if v, ok := d.EMA[unitID]; ok {
			return v
		}
	}
	if v, ok := d.JSONFile.Get(unitID); ok {
		return v
	}
	return d.Fallback
}

// RandomStrategy sorts by id for determinism, then applies a seeded
// shuffle.
type RandomStrategy struct {
	Seed int64
}

func (s RandomStrategy) Order(units []UnitDescriptor) ([]Executable, error) {
	ids := make([]string, len(units))
	for i, u := range units {
		ids[i] = u.ID
	}
	sort.Strings(ids)

	r := rand.New(rand.NewSource(s.Seed))
	r.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

	out := make([]Executable, len(ids))
	for i, id := range ids {
		out[i] = ExecutableFromUnit(Unit{ID: id})
	}
	return out, nil
}

// TimingBasedStrategy sorts units longest-first by estimated duration.
type TimingBasedStrategy struct {
	Durations DurationSource
}

func (s TimingBasedStrategy) Order(units []UnitDescriptor) ([]Executable, error) {
	ids := make([]string, len(units))
	for i, u := range units {
		ids[i] = u.ID
	}
	sort.SliceStable(ids, func(i, j int) bool {
		return s.Durations.Duration(ids[i]) > s.Durations.Duration(ids[j])
	})
	out := make([]Executable, len(ids))
	for i, id := range ids {
		out[i] = ExecutableFromUnit(Unit{ID: id})
	}
	return out, nil
}

// SuiteBinPackingConfig carries the knobs that drive the per-chunk
// duration budget and its buffer.
type SuiteBinPackingConfig struct {
	BufferPercent             float64
	MinimumMaxChunkDurationMs float64
	MaximumMaxChunkDurationMs float64
	// ParallelJobCount overrides reading BUILDKITE_PARALLEL_JOB_COUNT from
	// the environment, mainly for tests; zero means "read the env var".
	ParallelJobCount int
}

// SuiteBinPackingStrategy groups units by suite and first-fits them into
// duration-bounded Chunks.
type SuiteBinPackingStrategy struct {
	Durations DurationSource
	Config    SuiteBinPackingConfig
}

func (s SuiteBinPackingStrategy) Order(units []UnitDescriptor) ([]Executable, error) {
	suiteOrder := []string{}
	bySuite := map[string][]string{}
	for _, u := range units {
		suite := SuiteName(u.ID)
		if _, ok := bySuite[suite]; !ok {
			suiteOrder = append(suiteOrder, suite)
		}
		bySuite[suite] = append(bySuite[suite], u.ID)
	}

	total := 0.0
	for _, u := range units {
		total += s.Durations.Duration(u.ID)
	}

	maxDuration := s.maxChunkDuration(total)
	effectiveMax := maxDuration * (1 - s.Config.BufferPercent/100)

	var chunks []Chunk
	for _, suite := range suiteOrder {
		chunks = append(chunks, s.packSuite(suite, bySuite[suite], effectiveMax)...)
	}

	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].EstimatedDuration > chunks[j].EstimatedDuration
	})

	out := make([]Executable, len(chunks))
	for i, c := range chunks {
		out[i] = ExecutableFromChunk(c)
	}
	return out, nil
}

// packSuite walks one suite's tests in original order, first-fitting them
// into chunks bounded by effectiveMax.
func (s SuiteBinPackingStrategy) packSuite(suite string, ids []string, effectiveMax float64) []Chunk {
	var chunks []Chunk
	var current []string
	var currentDuration float64
	flush := func() {
		if len(current) == 0 {
			return
		}
		chunks = append(chunks, Chunk{
			ID:                ChunkID(suite, len(chunks)),
			SuiteName:         suite,
			EstimatedDuration: currentDuration,
			TestIDs:           current,
			TestCount:         len(current),
		})
		current = nil
		currentDuration = 0
	}
	for _, id := range ids {
		d := s.Durations.Duration(id)
		if len(current) > 0 && currentDuration+d > effectiveMax {
			flush()
		}
		current = append(current, id)
		currentDuration += d
	}
	flush()
	return chunks
}

// maxChunkDuration computes the per-chunk budget from total estimated
// duration and the configured parallelism.
func (s SuiteBinPackingStrategy) maxChunkDuration(totalEstimatedDurationMs float64) float64 {
	min := s.Config.MinimumMaxChunkDurationMs
	max := s.Config.MaximumMaxChunkDurationMs
	if min == 0 {
		min = 120_000
	}
	if max == 0 {
		max = 300_000
	}

	p := s.Config.ParallelJobCount
	if p == 0 {
		if v := os.Getenv("BUILDKITE_PARALLEL_JOB_COUNT"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				p = parsed
			}
		}
	}
	if p <= 0 {
		return min
	}
	base := totalEstimatedDurationMs / float64(p)
	if base < min {
		return min
	}
	if base > max {
		return max
	}
	return base
}
