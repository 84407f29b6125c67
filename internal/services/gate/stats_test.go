package gate

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRequestStats(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newRequestStats(func() time.Time { return now })

	empty := s.Snapshot()
	assert.Zero(t, empty.TotalRequests)
	assert.Zero(t, empty.SuccessRate)
	assert.Zero(t, empty.AverageResponseTime)
	assert.NotNil(t, empty.ModelStats)

	s.RecordSuccess("gpt-4-turbo", 2000, 0.04, 2*time.Second)
	s.RecordSuccess("gpt-4-turbo", 1000, 0.02, time.Second)
	s.RecordFailure("claude-3-5-sonnet", 3*time.Second)
	s.RecordDenied()
	s.RecordFailOpen()
	now = now.Add(time.Minute)

	snap := s.Snapshot()
	assert.Equal(t, int64(3), snap.TotalRequests)
	assert.Equal(t, int64(2), snap.SuccessfulRequests)
	assert.Equal(t, int64(1), snap.FailedRequests)
	assert.Equal(t, int64(1), snap.DeniedRequests)
	assert.Equal(t, int64(1), snap.FailOpenChecks)
	assert.InDelta(t, 2.0/3.0, snap.SuccessRate, 1e-9)
	assert.Equal(t, int64(3000), snap.TotalTokens)
	assert.InDelta(t, 0.06, snap.TotalCost, 1e-9)
	assert.InDelta(t, 2.0, snap.AverageResponseTime, 1e-9)
	assert.Equal(t, 60.0, snap.UptimeSeconds)
	assert.Equal(t, ModelStats{Requests: 2, Tokens: 3000, Cost: 0.06}, roundCost(snap.ModelStats["gpt-4-turbo"]))
	assert.Equal(t, ModelStats{Requests: 1}, snap.ModelStats["claude-3-5-sonnet"])

	s.Reset()
	after := s.Snapshot()
	assert.Zero(t, after.TotalRequests)
	assert.Zero(t, after.DeniedRequests)
	assert.Empty(t, after.ModelStats)
	assert.Zero(t, after.UptimeSeconds)
}

func roundCost(ms ModelStats) ModelStats {
	ms.Cost = float64(int64(ms.Cost*1e6+0.5)) / 1e6
	return ms
}

func TestRequestStatsConcurrent(t *testing.T) {
	s := NewRequestStats()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.RecordSuccess("m", 10, 0.01, time.Millisecond)
			}
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	assert.Equal(t, int64(400), snap.SuccessfulRequests)
	assert.Equal(t, int64(4000), snap.TotalTokens)
	assert.Equal(t, int64(400), snap.ModelStats["m"].Requests)
}
