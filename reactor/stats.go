// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Background task statistics grouped by task group.

package reactor

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// TaskID identifies a background task for statistics only.
type TaskID struct {
	Group string
	Name  string
}

// Completion describes one finished task.
type Completion struct {
	ID       TaskID
	Success  bool
	Duration time.Duration
	Finished time.Time
}

// GroupStats aggregates the tasks of one group.
type GroupStats struct {
	Group     string
	Pending   int
	Running   int
	Completed int64
	Failed    int64
	Latest    Completion
	Longest   Completion
	TotalTime time.Duration
}

// TaskStats is the shared statistics store fed by Scheduler.RunThreadTask.
type TaskStats struct {
	mu     sync.Mutex
	clock  clock.Clock
	groups map[string]*GroupStats
}

// NewTaskStats creates an empty store.
func NewTaskStats(clk clock.Clock) *TaskStats {
	if clk == nil {
		clk = clock.New()
	}
	return &TaskStats{clock: clk, groups: make(map[string]*GroupStats)}
}

func (s *TaskStats) group(name string) *GroupStats {
	g := s.groups[name]
	if g == nil {
		g = &GroupStats{Group: name}
		s.groups[name] = g
	}
	return g
}

// Pending records a task accepted for execution.
func (s *TaskStats) Pending(id TaskID) {
	s.mu.Lock()
	s.group(id.Group).Pending++
	s.mu.Unlock()
}

// Rejected undoes Pending for a task the executor refused.
func (s *TaskStats) Rejected(id TaskID) {
	s.mu.Lock()
	if g := s.group(id.Group); g.Pending > 0 {
		g.Pending--
	}
	s.mu.Unlock()
}

// Running moves a task from pending to running.
func (s *TaskStats) Running(id TaskID) {
	s.mu.Lock()
	g := s.group(id.Group)
	if g.Pending > 0 {
		g.Pending--
	}
	g.Running++
	s.mu.Unlock()
}

// Finished moves a task from running to finished.
func (s *TaskStats) Finished(id TaskID, success bool, elapsed time.Duration) {
	c := Completion{ID: id, Success: success, Duration: elapsed, Finished: s.clock.Now()}
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.group(id.Group)
	if g.Running > 0 {
		g.Running--
	}
	if success {
		g.Completed++
	} else {
		g.Failed++
	}
	g.TotalTime += elapsed
	g.Latest = c
	if elapsed >= g.Longest.Duration {
		g.Longest = c
	}
}

// Snapshot returns a copy of every group ordered by name.
func (s *TaskStats) Snapshot() []GroupStats {
	s.mu.Lock()
	out := make([]GroupStats, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, *g)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}

// Track wraps work so that it reports running and finished transitions.
func (s *TaskStats) Track(id TaskID, work func() error) func() error {
	return func() (err error) {
		s.Running(id)
		start := s.clock.Now()
		ok := false
		defer func() {
			s.Finished(id, ok, s.clock.Now().Sub(start))
		}()
		err = work()
		ok = err == nil
		return err
	}
}
