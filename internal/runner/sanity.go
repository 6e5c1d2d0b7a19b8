package runner

import (
	"fmt"
	"time"
)

// SanityError reports a batch in which every request failed almost
// instantly, which points at the harness or the endpoint rather than the
// model. The batch's records have been discarded.
type SanityError struct {
	BatchID    string
	Total      int
	AvgLatency time.Duration
}

func (e *SanityError) Error() string {
	return fmt.Sprintf("sanity check failed: all %d tests failed instantly (avg %dms) in batch %s",
		e.Total, e.AvgLatency.Milliseconds(), e.BatchID)
}

// SanityMonitor accumulates batch outcomes and detects systemic failure.
type SanityMonitor struct {
	Threshold time.Duration

	total   int
	errors  int
	latency time.Duration
}

// Observe records one result.
func (m *SanityMonitor) Observe(latency time.Duration, failed bool) {
	m.total++
	m.latency += latency
	if failed {
		m.errors++
	}
}

// AvgLatency returns the mean observed latency.
func (m *SanityMonitor) AvgLatency() time.Duration {
	if m.total == 0 {
		return 0
	}
	return m.latency / time.Duration(m.total)
}

// Check returns a *SanityError when every observed result failed and the
// mean latency is below Threshold. Mixed batches always pass.
func (m *SanityMonitor) Check(batchID string) error {
	if m.total == 0 || m.errors != m.total {
		return nil
	}
	if avg := m.AvgLatency(); avg < m.Threshold {
		return &SanityError{BatchID: batchID, Total: m.total, AvgLatency: avg}
	}
	return nil
}
