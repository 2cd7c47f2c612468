// Package metrics keeps in-memory counters for generation calls, artifact
// I/O and every resilient invocation the pipeline makes.
package metrics

import (
	"strings"
	"sync"
	"time"
)

// Operation names with dedicated snapshot sections.
const (
	OpLLMGenerate   = "llm_generate"
	OpArtifactRead  = "artifact_read"
	OpArtifactWrite = "artifact_write"
	OpArtifactList  = "artifact_list"

	artifactPrefix = "artifact_"
)

type tokenStats struct {
	samples  int64
	total    int64
	min, max int64
}

func (t *tokenStats) add(n int64) {
	if t.samples == 0 || n < t.min {
		t.min = n
	}
	if n > t.max {
		t.max = n
	}
	t.samples++
	t.total += n
}

type opStats struct {
	count, failures, retries int64
	total, fastest, slowest  time.Duration
	input, output            tokenStats
}

func (s *opStats) observe(d time.Duration) {
	if s.count == 0 || d < s.fastest {
		s.fastest = d
	}
	if d > s.slowest {
		s.slowest = d
	}
	s.count++
	s.total += d
}

// OperationSnapshot is the aggregate for one operation name.
type OperationSnapshot struct {
	Count       int64   `json:"count"`
	Failures    int64   `json:"failures"`
	Retries     int64   `json:"retries"`
	TotalTimeMs int64   `json:"total_time_ms"`
	AvgTimeMs   float64 `json:"avg_time_ms"`
	MinTimeMs   int64   `json:"min_time_ms"`
	MaxTimeMs   int64   `json:"max_time_ms"`
}

// TokenSnapshot summarises token counts reported by the provider.
type TokenSnapshot struct {
	Total int64   `json:"total"`
	Avg   float64 `json:"avg"`
	Min   int64   `json:"min"`
	Max   int64   `json:"max"`
}

// GenerationSnapshot adds token usage to the generation timings.
type GenerationSnapshot struct {
	OperationSnapshot
	InputTokens  *TokenSnapshot `json:"input_tokens,omitempty"`
	OutputTokens *TokenSnapshot `json:"output_tokens,omitempty"`
}

// Snapshot is what the /metrics route serves.
type Snapshot struct {
	UptimeSeconds float64                       `json:"uptime_seconds"`
	Generation    *GenerationSnapshot           `json:"generation,omitempty"`
	Artifacts     map[string]*OperationSnapshot `json:"artifacts,omitempty"`
	Invocations   map[string]*OperationSnapshot `json:"invocations,omitempty"`
}

// Collector aggregates runtime statistics. Recording methods are safe for
// concurrent use and are no-ops on a nil receiver.
type Collector struct {
	mu      sync.RWMutex
	started time.Time
	ops     map[string]*opStats
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{started: time.Now(), ops: make(map[string]*opStats)}
}

// record runs fn against the stats for op under the write lock.
func (c *Collector) record(op string, fn func(*opStats)) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.ops[op]
	if !ok {
		s = &opStats{}
		c.ops[op] = s
	}
	fn(s)
}

// RecordTiming records one successful call of op.
func (c *Collector) RecordTiming(op string, d time.Duration) {
	c.record(op, func(s *opStats) { s.observe(d) })
}

// RecordAttempt records one attempt of a resilient invocation. retrying
// reports whether another attempt follows.
func (c *Collector) RecordAttempt(op string, d time.Duration, err error, retrying bool) {
	c.record(op, func(s *opStats) {
		s.observe(d)
		if err != nil {
			s.failures++
		}
		if retrying {
			s.retries++
		}
	})
}

// RecordLLMUsage records a generation call together with its token usage.
func (c *Collector) RecordLLMUsage(op string, d time.Duration, inputTokens, outputTokens int64) {
	c.record(op, func(s *opStats) {
		s.observe(d)
		s.input.add(inputTokens)
		s.output.add(outputTokens)
	})
}

func (s *opStats) snapshot() *OperationSnapshot {
	if s == nil || s.count == 0 {
		return nil
	}
	return &OperationSnapshot{
		Count:       s.count,
		Failures:    s.failures,
		Retries:     s.retries,
		TotalTimeMs: s.total.Milliseconds(),
		AvgTimeMs:   float64(s.total.Milliseconds()) / float64(s.count),
		MinTimeMs:   s.fastest.Milliseconds(),
		MaxTimeMs:   s.slowest.Milliseconds(),
	}
}

func (t tokenStats) snapshot() *TokenSnapshot {
	if t.samples == 0 || t.total == 0 {
		return nil
	}
	return &TokenSnapshot{
		Total: t.total,
		Avg:   float64(t.total) / float64(t.samples),
		Min:   t.min,
		Max:   t.max,
	}
}

// Snapshot returns a point-in-time copy of all statistics. Operations named
// artifact_* are grouped under Artifacts, everything else except generation
// under Invocations.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		UptimeSeconds: time.Since(c.started).Seconds(),
		Artifacts:     make(map[string]*OperationSnapshot),
		Invocations:   make(map[string]*OperationSnapshot),
	}
	for op, s := range c.ops {
		ops := s.snapshot()
		if ops == nil {
			continue
		}
		switch {
		case op == OpLLMGenerate:
			snap.Generation = &GenerationSnapshot{
				OperationSnapshot: *ops,
				InputTokens:       s.input.snapshot(),
				OutputTokens:      s.output.snapshot(),
			}
		case strings.HasPrefix(op, artifactPrefix):
			snap.Artifacts[op] = ops
		default:
			snap.Invocations[op] = ops
		}
	}
	return snap
}
