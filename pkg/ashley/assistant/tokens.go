// Package assistant – tokens.go tracks context window consumption per
// dialogue thread.
package assistant

import (
	"fmt"
	"math"
	"strconv"
	"sync"
)

// TokenBudgetTracker records the last known total token count per thread and
// formats window utilization reports. Thread-safe.
type TokenBudgetTracker struct {
	mu    sync.RWMutex
	usage map[string]int
}

// NewTokenBudgetTracker creates an empty tracker.
func NewTokenBudgetTracker() *TokenBudgetTracker {
	return &TokenBudgetTracker{usage: make(map[string]int)}
}

// RecordUsage stores the total token count reported by the latest completed
// model call for the thread.
func (t *TokenBudgetTracker) RecordUsage(threadID string, totalTokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage[threadID] = totalTokens
}

// Usage returns the last recorded total token count for the thread, zero if
// none was recorded yet.
func (t *TokenBudgetTracker) Usage(threadID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.usage[threadID]
}

// Report formats the window utilization of a thread as
// "max: <window> cur: <tokens> <percent>%". Threads with no recorded usage
// yield a zero report; this never fails.
func (t *TokenBudgetTracker) Report(threadID string, contextWindow int) string {
	cur := t.Usage(threadID)

	var percent float64
	if contextWindow > 0 {
		percent = math.Round(float64(cur)/float64(contextWindow)*100*100) / 100
	}

	return fmt.Sprintf("max: %d cur: %d %s%%",
		contextWindow, cur, strconv.FormatFloat(percent, 'f', -1, 64))
}
