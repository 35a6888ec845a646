// Author: momentics <momentics@gmail.com>
//
// Sharded registry of live client sessions.

package proxy

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

// SessionInfo is a point-in-time view of one client session.
type SessionInfo struct {
	ID       string    `json:"id"`
	Client   string    `json:"client"`
	State    string    `json:"state"`
	Requests int       `json:"requests"`
	Since    time.Time `json:"since"`
	Target   string    `json:"target,omitempty"`
}

type sessionShard struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// sessions tracks every open Connection by id.
type sessions struct {
	shards []*sessionShard
	mask   uint32
}

func newSessions(shardCount int) *sessions {
	if shardCount <= 0 {
		shardCount = 16
	}
	m := nextPowerOfTwo(uint32(shardCount))
	shards := make([]*sessionShard, m)
	for i := range shards {
		shards[i] = &sessionShard{conns: make(map[string]*Connection)}
	}
	return &sessions{shards: shards, mask: m - 1}
}

func (s *sessions) shard(id string) *sessionShard {
	return s.shards[fnv32(id)&s.mask]
}

func (s *sessions) add(c *Connection) {
	sh := s.shard(c.id)
	sh.mu.Lock()
	sh.conns[c.id] = c
	sh.mu.Unlock()
}

func (s *sessions) remove(id string) {
	sh := s.shard(id)
	sh.mu.Lock()
	delete(sh.conns, id)
	sh.mu.Unlock()
}

func (s *sessions) get(id string) (*Connection, bool) {
	sh := s.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	c, ok := sh.conns[id]
	return c, ok
}

func (s *sessions) rangeAll(fn func(*Connection)) {
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, c := range sh.conns {
			fn(c)
		}
		sh.mu.RUnlock()
	}
}

func (s *sessions) len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.conns)
		sh.mu.RUnlock()
	}
	return n
}

func (s *sessions) snapshot() []SessionInfo {
	var out []SessionInfo
	s.rangeAll(func(c *Connection) { out = append(out, c.Info()) })
	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}

func fnv32(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}

// nextPowerOfTwo returns the next power-of-two >= v.
func nextPowerOfTwo(v uint32) uint32 {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	return v
}
