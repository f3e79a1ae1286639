// Package stats keeps per-process wait statistics for a harness run and
// formats the exit summary.
package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/influxdata/tdigest"
)

// Outcome of a wait, as recorded by the harness.
const (
	OutcomeMatched = "matched"
)

// digestCompression gives ~100 centroids per digest (~10KB).
const digestCompression = 100

// WaitSummary is a point-in-time view of one process's waits.
type WaitSummary struct {
	Name     string
	Count    int64
	Outcomes map[string]int64

	// Percentiles cover matched waits only.
	Matched int64
	P50     time.Duration
	P95     time.Duration
	P99     time.Duration
	Max     time.Duration
}

type waitDigest struct {
	digest   *tdigest.TDigest
	count    int64
	matched  int64
	outcomes map[string]int64
	max      time.Duration
}

func newWaitDigest() *waitDigest {
	return &waitDigest{
		digest:   tdigest.NewWithCompression(digestCompression),
		outcomes: make(map[string]int64),
	}
}

func (w *waitDigest) record(outcome string, d time.Duration) {
	w.count++
	w.outcomes[outcome]++
	if outcome != OutcomeMatched {
		return
	}
	w.matched++
	w.digest.Add(float64(d.Nanoseconds()), 1)
	if d > w.max {
		w.max = d
	}
}

func (w *waitDigest) summary(name string) WaitSummary {
	s := WaitSummary{
		Name:     name,
		Count:    w.count,
		Matched:  w.matched,
		Max:      w.max,
		Outcomes: make(map[string]int64, len(w.outcomes)),
	}
	for k, v := range w.outcomes {
		s.Outcomes[k] = v
	}
	if w.matched > 0 {
		s.P50 = time.Duration(w.digest.Quantile(0.50))
		s.P95 = time.Duration(w.digest.Quantile(0.95))
		s.P99 = time.Duration(w.digest.Quantile(0.99))
	}
	return s
}

// WaitStats aggregates wait latencies per process name.
// It is safe for concurrent use.
type WaitStats struct {
	mu      sync.Mutex
	byName  map[string]*waitDigest
	overall *waitDigest
}

// NewWaitStats creates an empty WaitStats.
func NewWaitStats() *WaitStats {
	return &WaitStats{
		byName:  make(map[string]*waitDigest),
		overall: newWaitDigest(),
	}
}

// Record adds one resolved wait.
func (s *WaitStats) Record(name, outcome string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.byName[name]
	if !ok {
		w = newWaitDigest()
		s.byName[name] = w
	}
	w.record(outcome, d)
	s.overall.record(outcome, d)
}

// Snapshot returns per-process summaries sorted by name.
func (s *WaitStats) Snapshot() []WaitSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]WaitSummary, 0, len(s.byName))
	for name, w := range s.byName {
		out = append(out, w.summary(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Overall returns the summary across every process.
func (s *WaitStats) Overall() WaitSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overall.summary("all")
}
