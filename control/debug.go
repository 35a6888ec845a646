// control/debug.go
// Author: momentics <momentics@gmail.com>
//
// Runtime debug handler and hook reflector for internal inspection.

package control

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/momentics/hioload-proxy/backend"
	"github.com/momentics/hioload-proxy/pool"
	"github.com/momentics/hioload-proxy/proxy"
	"github.com/momentics/hioload-proxy/reactor"
)

// DebugHooks holds registered hook functions.
type DebugHooks struct {
	mu     sync.RWMutex
	hooks map[string]func() any
}

// NewDebugHooks creates a hook registry.
func NewDebugHooks() *DebugHooks {
	return &DebugHooks{
		hooks: make(map[string]func() any),
	}
}

// RegisterHook inserts a named debug hook.
func (dp *DebugHooks) RegisterHook(name string, fn func() any) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.hooks[name] = fn
}

// DumpState returns output of all hooks.
func (dp *DebugHooks) DumpState() map[string]any {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	out := make(map[string]any, len(dp.hooks))
	for k, fn := range dp.hooks {
		out[k] = fn()
	}
	return out
}

// ServeHTTP renders DumpState as JSON.
func (dp *DebugHooks) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	body, err := json.MarshalIndent(dp.DumpState(), "", "  ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(append(body, '\n'))
}

type taskGroupState struct {
	Group          string  `json:"group"`
	Pending        int     `json:"pending"`
	Running        int     `json:"running"`
	Completed      int64   `json:"completed"`
	Failed         int64   `json:"failed"`
	TotalSeconds   float64 `json:"total_seconds"`
	LatestSeconds  float64 `json:"latest_seconds"`
	LongestTask    string  `json:"longest_task,omitempty"`
	LongestSeconds float64 `json:"longest_seconds"`
}

// RegisterProxyHooks exposes sessions, task statistics, reactor cores and
// pool counters.
func RegisterProxyHooks(dp *DebugHooks, p *proxy.Proxy, s *reactor.Scheduler, b *backend.Pool, bufs *pool.BufferPool) {
	dp.RegisterHook("sessions", func() any { return p.Sessions() })
	dp.RegisterHook("listeners", func() any {
		var out []string
		for _, a := range p.Addrs() {
			out = append(out, a.String())
		}
		return out
	})
	dp.RegisterHook("tasks", func() any {
		groups := s.Stats().Snapshot()
		out := make([]taskGroupState, 0, len(groups))
		for _, g := range groups {
			out = append(out, taskGroupState{
				Group:          g.Group,
				Pending:        g.Pending,
				Running:        g.Running,
				Completed:      g.Completed,
				Failed:         g.Failed,
				TotalSeconds:   g.TotalTime.Seconds(),
				LatestSeconds:  g.Latest.Duration.Seconds(),
				LongestTask:    g.Longest.ID.Name,
				LongestSeconds: g.Longest.Duration.Seconds(),
			})
		}
		return out
	})
	dp.RegisterHook("cores", func() any { return s.CoreStats() })
	dp.RegisterHook("backend_pool", func() any { return b.Stats() })
	dp.RegisterHook("buffers", func() any { return bufs.Stats() })
}
