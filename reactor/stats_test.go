// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package reactor

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStatsTransitions(t *testing.T) {
	mock := clock.NewMock()
	s := NewTaskStats(mock)
	id := TaskID{Group: "dns", Name: "a"}

	s.Pending(id)
	s.Pending(id)
	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 2, snap[0].Pending)

	s.Running(id)
	mock.Add(3 * time.Second)
	s.Finished(id, true, 3*time.Second)

	s.Running(TaskID{Group: "dns", Name: "b"})
	s.Finished(TaskID{Group: "dns", Name: "b"}, false, time.Second)

	g := s.Snapshot()[0]
	assert.Equal(t, 0, g.Pending, "each Running consumed one pending task")
	assert.Equal(t, 0, g.Running)
	assert.EqualValues(t, 1, g.Completed)
	assert.EqualValues(t, 1, g.Failed)
	assert.Equal(t, 4*time.Second, g.TotalTime)
	assert.Equal(t, "a", g.Longest.ID.Name)
	assert.Equal(t, "b", g.Latest.ID.Name)
	assert.False(t, g.Latest.Success)
}

func TestTaskStatsTrack(t *testing.T) {
	mock := clock.NewMock()
	s := NewTaskStats(mock)
	id := TaskID{Group: "resolve", Name: "x"}
	s.Pending(id)
	err := s.Track(id, func() error {
		assert.Equal(t, 1, s.Snapshot()[0].Running)
		mock.Add(250 * time.Millisecond)
		return errors.New("failed")
	})()
	require.Error(t, err)

	g := s.Snapshot()[0]
	assert.Equal(t, 0, g.Pending)
	assert.Equal(t, 0, g.Running)
	assert.EqualValues(t, 1, g.Failed)
	assert.Equal(t, 250*time.Millisecond, g.Longest.Duration)
}

func TestStatsCollector(t *testing.T) {
	s := NewTaskStats(clock.NewMock())
	s.Running(TaskID{Group: "dns"})
	s.Finished(TaskID{Group: "dns"}, true, time.Second)
	s.Pending(TaskID{Group: "upstream"})

	cores := func() []CoreStats { return []CoreStats{{ID: 0, Channels: 3}, {ID: 1}} }
	c := NewStatsCollector("hioload", s, cores)

	assert.Equal(t, 2, testutil.CollectAndCount(c, "hioload_tasks_pending"))
	assert.Equal(t, 2, testutil.CollectAndCount(c, "hioload_reactor_channels"))
	assert.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(`
# HELP hioload_tasks_completed_total Background tasks finished successfully.
# TYPE hioload_tasks_completed_total counter
hioload_tasks_completed_total{group="dns"} 1
hioload_tasks_completed_total{group="upstream"} 0
`), "hioload_tasks_completed_total"))
}
