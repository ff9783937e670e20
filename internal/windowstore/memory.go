package windowstore

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store. Expiry is evaluated lazily on access and by Sweep.
//
// It is safe for concurrent use, but counters are not shared across processes.
type Memory struct {
	mu     sync.Mutex
	now    func() time.Time
	items  map[string]memItem
	closed bool
}

type memItem struct {
	count   int64
	expires time.Time // zero: no expiry
}

var (
	_ Store   = (*Memory)(nil)
	_ Sweeper = (*Memory)(nil)
)

// NewMemory returns an empty store. A nil clock defaults to time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now, items: map[string]memItem{}}
}

func (m *Memory) stateLocked(key string, now time.Time) CounterState {
	it, ok := m.items[key]
	if !ok {
		return CounterState{Key: key}
	}
	if !it.expires.IsZero() && !now.Before(it.expires) {
		delete(m.items, key)
		return CounterState{Key: key}
	}
	st := CounterState{Key: key, Count: it.count}
	if !it.expires.IsZero() {
		st.TTL = it.expires.Sub(now)
		st.HasTTL = true
	}
	return st
}

func (m *Memory) CheckAndIncrement(ctx context.Context, counters []Counter) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	if err := validateCounters(counters); err != nil {
		return Outcome{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Outcome{}, ErrClosed
	}

	now := m.now()
	states := make([]CounterState, len(counters))
	for i, c := range counters {
		states[i] = m.stateLocked(c.Key, now)
	}

	if idx := decide(counters, states); idx >= 0 {
		return Outcome{Allowed: false, Exceeded: idx, Counters: states}, nil
	}

	for i, c := range counters {
		it := m.items[c.Key]
		it.count++
		if !states[i].HasTTL {
			it.expires = now.Add(c.Window)
			states[i].TTL = c.Window
			states[i].HasTTL = true
		}
		m.items[c.Key] = it
		states[i].Count = it.count
	}
	return Outcome{Allowed: true, Exceeded: -1, Counters: states}, nil
}

func (m *Memory) Peek(ctx context.Context, keys ...string) ([]CounterState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	now := m.now()
	out := make([]CounterState, len(keys))
	for i, k := range keys {
		out[i] = m.stateLocked(k, now)
	}
	return out, nil
}

func (m *Memory) Get(ctx context.Context, key string) (int64, error) {
	st, err := m.Peek(ctx, key)
	if err != nil {
		return 0, err
	}
	return st[0].Count, nil
}

func (m *Memory) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	st, err := m.Peek(ctx, key)
	if err != nil {
		return 0, false, err
	}
	return st[0].TTL, st[0].HasTTL, nil
}

func (m *Memory) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, k := range keys {
		delete(m.items, k)
	}
	return nil
}

func (m *Memory) Sweep(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	now := m.now()
	var n int64
	for k, it := range m.items {
		if !it.expires.IsZero() && !now.Before(it.expires) {
			delete(m.items, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.items = map[string]memItem{}
	m.mu.Unlock()
	return nil
}
