// Package kpi keeps in-process submission statistics for the KPI report.
package kpi

import (
	"math"
	"sort"
	"sync"
	"time"
)

// window is how many recent latencies feed the percentiles.
const window = 1000

type Recorder struct {
	mu              sync.Mutex
	target          time.Duration
	latencies       []time.Duration
	next            int
	successCount    int
	failureCount    int
	failuresByState map[string]int
	warningCount    int
}

// NewRecorder reports the share of successful submissions faster than target.
func NewRecorder(target time.Duration) *Recorder {
	return &Recorder{
		target:          target,
		failuresByState: make(map[string]int),
	}
}

func (r *Recorder) RecordSuccess(latency time.Duration, warnings int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successCount++
	r.warningCount += warnings
	if latency <= 0 {
		return
	}
	if len(r.latencies) < window {
		r.latencies = append(r.latencies, latency)
		return
	}
	r.latencies[r.next] = latency
	r.next = (r.next + 1) % window
}

func (r *Recorder) RecordFailure(state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failureCount++
	r.failuresByState[state]++
}

type Snapshot struct {
	Submissions      int            `json:"submissions"`
	SuccessRate      float64        `json:"success_rate"`
	P50LatencyMs     float64        `json:"p50_latency_ms"`
	P95LatencyMs     float64        `json:"p95_latency_ms"`
	UnderTargetRatio float64        `json:"under_target_ratio"`
	TargetMs         int64          `json:"target_ms"`
	Failures         int            `json:"failures"`
	FailuresByState  map[string]int `json:"failures_by_state"`
	Warnings         int            `json:"normalization_warnings"`
	GeneratedAt      string         `json:"generated_at"`
}

func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{
		Submissions:     r.successCount + r.failureCount,
		TargetMs:        r.target.Milliseconds(),
		Failures:        r.failureCount,
		FailuresByState: make(map[string]int, len(r.failuresByState)),
		Warnings:        r.warningCount,
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	for state, n := range r.failuresByState {
		snap.FailuresByState[state] = n
	}
	if snap.Submissions > 0 {
		snap.SuccessRate = float64(r.successCount) / float64(snap.Submissions)
	}
	if len(r.latencies) > 0 {
		durations := append([]time.Duration(nil), r.latencies...)
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		snap.P50LatencyMs = percentile(durations, 50)
		snap.P95LatencyMs = percentile(durations, 95)
		var under int
		for _, d := range durations {
			if d <= r.target {
				under++
			}
		}
		snap.UnderTargetRatio = float64(under) / float64(len(durations))
	}
	return snap
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, pct float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Round((pct / 100.0) * float64(len(sorted)-1)))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return float64(sorted[idx].Milliseconds())
}
