package tasks

import (
	"strings"
	"sync"
	"time"
)

// assignmentLimiter caps how many tasks one device may be handed within a
// sliding window.
type assignmentLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	records map[string][]time.Time
}

func newAssignmentLimiter(limit int, window time.Duration) *assignmentLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	return &assignmentLimiter{
		limit:   limit,
		window:  window,
		records: make(map[string][]time.Time),
	}
}

// remaining returns how many assignments deviceID may still receive. A nil
// limiter never throttles.
func (r *assignmentLimiter) remaining(deviceID string, now time.Time) int {
	if r == nil {
		return 1
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.pruneLocked(deviceID, now)
	remaining := r.limit - len(list)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (r *assignmentLimiter) record(deviceID string, now time.Time) int {
	if r == nil {
		return 0
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.pruneLocked(deviceID, now)
	list = append(list, now)
	r.records[deviceID] = list
	return len(list)
}

func (r *assignmentLimiter) forget(deviceID string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, deviceID)
}

func (r *assignmentLimiter) pruneLocked(deviceID string, now time.Time) []time.Time {
	list := r.records[deviceID]
	if len(list) == 0 {
		return nil
	}
	cutoff := now.Add(-r.window)
	idx := 0
	for idx < len(list) && list[idx].Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return list
	}
	list = list[idx:]
	if len(list) == 0 {
		delete(r.records, deviceID)
		return nil
	}
	r.records[deviceID] = list
	return list
}
