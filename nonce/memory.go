package nonce

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore implements Store in process memory. It mirrors the Redis
// semantics (minus TTLs) and backs the tests and single-process deployments.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]*memoryState
}

type memoryState struct {
	lastBroadcasted uint64
	hasBroadcasted  bool
	lastIssued      uint64
	hasIssued       bool
	pool            []uint64 // sorted ascending
	pending         []memoryPending
}

type memoryPending struct {
	nonce  uint64
	record []byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory nonce store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*memoryState)}
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) state(key Key) *memoryState {
	st, ok := s.states[key.String()]
	if !ok {
		st = &memoryState{}
		s.states[key.String()] = st
	}
	return st
}

func (s *MemoryStore) Acquire(_ context.Context, key Key, onChainNext uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(key)
	if len(st.pool) > 0 {
		nonce := st.pool[0]
		st.pool = st.pool[1:]
		return nonce, nil
	}
	next := onChainNext
	if st.hasIssued && st.lastIssued+1 > next {
		next = st.lastIssued + 1
	}
	st.lastIssued = next
	st.hasIssued = true
	return next, nil
}

func (s *MemoryStore) Release(_ context.Context, key Key, nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(key)
	for _, n := range st.pool {
		if n == nonce {
			return nil
		}
	}
	st.pool = append(st.pool, nonce)
	sort.Slice(st.pool, func(i, j int) bool { return st.pool[i] < st.pool[j] })
	return nil
}

func (s *MemoryStore) LastBroadcasted(_ context.Context, key Key) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(key)
	return st.lastBroadcasted, st.hasBroadcasted, nil
}

func (s *MemoryStore) SetLastBroadcasted(_ context.Context, key Key, nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(key)
	st.lastBroadcasted = nonce
	st.hasBroadcasted = true
	return nil
}

func (s *MemoryStore) PendingPush(_ context.Context, key Key, record []byte, nonce uint64) error {
	// Sanity check that the record carries the nonce, matching the Redis
	// script contract.
	var probe struct {
		Nonce *uint64 `json:"nonce"`
	}
	if err := json.Unmarshal(record, &probe); err != nil || probe.Nonce == nil {
		return fmt.Errorf("pending record must be JSON with a nonce field")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(key)
	for i, p := range st.pending {
		if p.nonce == nonce {
			return nil
		}
		if p.nonce > nonce {
			st.pending = append(st.pending[:i],
				append([]memoryPending{{nonce: nonce, record: record}}, st.pending[i:]...)...)
			return nil
		}
	}
	st.pending = append(st.pending, memoryPending{nonce: nonce, record: record})
	return nil
}

func (s *MemoryStore) PendingPop(_ context.Context, key Key, nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(key)
	for i, p := range st.pending {
		if p.nonce == nonce {
			st.pending = append(st.pending[:i], st.pending[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) PendingList(_ context.Context, key Key) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(key)
	out := make([][]byte, len(st.pending))
	for i, p := range st.pending {
		out[i] = p.record
	}
	return out, nil
}
