package queue

import (
	"context"
	"errors"
	"log"
	"time"
)

// SweepStaleAssignments releases counters whose staff session expired or
// was removed without an explicit logout.
func (m *Manager) SweepStaleAssignments(ctx context.Context) (int, error) {
	if m.sessions == nil {
		return 0, nil
	}
	released := 0
	for _, assignment := range m.assignments() {
		live, err := m.sessionLive(ctx, assignment.sessionID)
		if err != nil {
			return released, err
		}
		if live {
			continue
		}
		err = m.ReleaseCounter(ctx, assignment.counterID, assignment.sessionID)
		var occupied *OccupiedError
		if errors.As(err, &occupied) {
			// reclaimed since the check
			continue
		}
		if err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

// RunSweeper sweeps on every tick until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		sweepCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		count, err := m.SweepStaleAssignments(sweepCtx)
		cancel()
		if err != nil {
			log.Printf("session sweep error: %v", err)
			continue
		}
		if count > 0 {
			log.Printf("session sweep released %d counters", count)
		}
	}
}
