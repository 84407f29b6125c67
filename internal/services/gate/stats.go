package gate

import (
	"sync"
	"time"
)

// ModelStats aggregates completed requests of one model.
type ModelStats struct {
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
	Cost     float64 `json:"cost"`
}

// StatsSnapshot is a point-in-time copy of RequestStats.
type StatsSnapshot struct {
	UptimeSeconds       float64               `json:"uptime_seconds"`
	TotalRequests       int64                 `json:"total_requests"`
	SuccessfulRequests  int64                 `json:"successful_requests"`
	FailedRequests      int64                 `json:"failed_requests"`
	DeniedRequests      int64                 `json:"denied_requests"`
	FailOpenChecks      int64                 `json:"fail_open_checks"`
	SuccessRate         float64               `json:"success_rate"`
	TotalTokens         int64                 `json:"total_tokens"`
	TotalCost           float64               `json:"total_cost"`
	AverageResponseTime float64               `json:"average_response_time"`
	ModelStats          map[string]ModelStats `json:"model_stats"`
	Since               time.Time             `json:"since"`
}

// RequestStats aggregates hook outcomes for the lifetime of the process,
// or since the last Reset. Total requests count completed provider calls
// only; denials and fail-open checks are tracked separately.
type RequestStats struct {
	mu  sync.Mutex
	now func() time.Time

	started      time.Time
	success      int64
	failed       int64
	denied       int64
	failOpen     int64
	tokens       int64
	cost         float64
	responseTime time.Duration
	models       map[string]*ModelStats
}

func NewRequestStats() *RequestStats {
	return newRequestStats(time.Now)
}

func newRequestStats(now func() time.Time) *RequestStats {
	s := &RequestStats{now: now}
	s.resetLocked()
	return s
}

func (s *RequestStats) resetLocked() {
	s.started = s.now()
	s.success = 0
	s.failed = 0
	s.denied = 0
	s.failOpen = 0
	s.tokens = 0
	s.cost = 0
	s.responseTime = 0
	s.models = make(map[string]*ModelStats)
}

func (s *RequestStats) modelLocked(model string) *ModelStats {
	ms, ok := s.models[model]
	if !ok {
		ms = &ModelStats{}
		s.models[model] = ms
	}
	return ms
}

// RecordSuccess counts a completed provider call.
func (s *RequestStats) RecordSuccess(model string, tokens int64, cost float64, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.success++
	s.tokens += tokens
	s.cost += cost
	s.responseTime += latency

	ms := s.modelLocked(model)
	ms.Requests++
	ms.Tokens += tokens
	ms.Cost += cost
}

// RecordFailure counts a failed provider call. Nothing is charged for it.
func (s *RequestStats) RecordFailure(model string, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failed++
	s.responseTime += latency
	s.modelLocked(model).Requests++
}

func (s *RequestStats) RecordDenied() {
	s.mu.Lock()
	s.denied++
	s.mu.Unlock()
}

func (s *RequestStats) RecordFailOpen() {
	s.mu.Lock()
	s.failOpen++
	s.mu.Unlock()
}

func (s *RequestStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := s.success + s.failed
	snap := StatsSnapshot{
		UptimeSeconds:      s.now().Sub(s.started).Seconds(),
		TotalRequests:      total,
		SuccessfulRequests: s.success,
		FailedRequests:     s.failed,
		DeniedRequests:     s.denied,
		FailOpenChecks:     s.failOpen,
		TotalTokens:        s.tokens,
		TotalCost:          s.cost,
		ModelStats:         make(map[string]ModelStats, len(s.models)),
		Since:              s.started,
	}
	if total > 0 {
		snap.SuccessRate = float64(s.success) / float64(total)
		snap.AverageResponseTime = s.responseTime.Seconds() / float64(total)
	}
	for model, ms := range s.models {
		snap.ModelStats[model] = *ms
	}
	return snap
}

// Reset clears every counter and restarts the uptime clock.
func (s *RequestStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}
