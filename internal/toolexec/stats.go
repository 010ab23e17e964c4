package toolexec

import (
	"sync"
	"time"
)

// ExecutionStats describes one Execute call together with the executor's
// running totals. It is for visibility only and never drives control flow.
type ExecutionStats struct {
	ToolName   string
	ToolCallID string
	Duration   time.Duration
	// CacheHit reports that the result came from the content or reuse cache.
	CacheHit bool

	Hits        int64
	Misses      int64
	Successes   int64
	Failures    int64
	SuccessRate float64
}

type statsCounter struct {
	mu        sync.Mutex
	hits      int64
	misses    int64
	successes int64
	failures  int64
}

// finish folds one Execute into the totals: one cache hit or miss, and a
// success or failure unless the call was parked for approval.
func (s *statsCounter) finish(stats ExecutionStats, suspended, failed bool) ExecutionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stats.CacheHit {
		s.hits++
	} else {
		s.misses++
	}
	switch {
	case suspended:
		// Counted once the call is resumed.
	case failed:
		s.failures++
	default:
		s.successes++
	}
	stats.Hits = s.hits
	stats.Misses = s.misses
	stats.Successes = s.successes
	stats.Failures = s.failures
	stats.SuccessRate = successRate(s.successes, s.failures)
	return stats
}

func (s *statsCounter) snapshot() ExecutionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := ExecutionStats{
		Hits:      s.hits,
		Misses:    s.misses,
		Successes: s.successes,
		Failures:  s.failures,
	}
	stats.SuccessRate = successRate(s.successes, s.failures)
	return stats
}

func successRate(successes, failures int64) float64 {
	if total := successes + failures; total > 0 {
		return float64(successes) / float64(total)
	}
	return 0
}
