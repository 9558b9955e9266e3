package scheduler

import (
	"sort"
	"time"

	"reportd/internal/cronexpr"
)

// EntryInfo describes one armed timer.
type EntryInfo struct {
	ScheduleID int64     `json:"schedule_id"`
	Spec       string    `json:"spec"`
	Next       time.Time `json:"next"`
	Prev       time.Time `json:"prev,omitempty"`
}

// Snapshot returns the current timer set, ordered by schedule id. Fire times
// are computed on demand from the cron expression; nothing here is persisted.
func (s *Service) Snapshot() []EntryInfo {
	now := time.Now()

	s.mu.Lock()
	out := make([]EntryInfo, 0, len(s.entries))
	for id, e := range s.entries {
		out = append(out, EntryInfo{
			ScheduleID: id,
			Spec:       e.spec,
			Next:       cronexpr.Next(e.sched, now),
			Prev:       cronexpr.Previous(e.sched, now),
		})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ScheduleID < out[j].ScheduleID })
	return out
}

// QueuedIDs returns the schedule ids with an armed timer. Mostly for tests
// and the status endpoint.
func (s *Service) QueuedIDs() []int64 {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
