package offers

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process KeyStore with real TTL semantics, used in tests
// and for single-node local runs. Expiry is driven by one timer per key;
// the timer callback re-checks the entry generation under the lock so a
// Set/Del that raced the timer wins cleanly.
type Memory struct {
	mu      sync.Mutex
	gen     uint64
	entries map[string]*memEntry
	sets    map[string]map[string]struct{}
	subs    []memSub
}

type memEntry struct {
	value string
	gen   uint64
	timer *time.Timer
}

type memSub struct {
	prefix string
	ch     chan string
	done   <-chan struct{}
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*memEntry),
		sets:    make(map[string]map[string]struct{}),
	}
}

func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.entries[key]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	m.gen++
	e := &memEntry{value: value, gen: m.gen}
	e.timer = time.AfterFunc(ttl, func() { m.expire(key, e.gen) })
	m.entries[key] = e
	return nil
}

func (m *Memory) expire(key string, gen uint64) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok || e.gen != gen {
		m.mu.Unlock()
		return
	}
	delete(m.entries, key)
	subs := make([]memSub, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	for _, s := range subs {
		if !strings.HasPrefix(key, s.prefix) {
			continue
		}
		select {
		case s.ch <- key:
		case <-s.done:
		}
	}
}

func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *Memory) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		if e, ok := m.entries[key]; ok {
			if e.timer != nil {
				e.timer.Stop()
			}
			delete(m.entries, key)
		}
		delete(m.sets, key)
	}
	return nil
}

func (m *Memory) DelIfEqual(ctx context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.value != value {
		return false, nil
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(m.entries, key)
	return true, nil
}

func (m *Memory) TTL(ctx context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; !ok {
		return 0, ErrNotFound
	}
	// The stdlib timer does not expose its deadline; a coarse answer is
	// fine for the reconciliation sweep, which only cares about existence.
	return time.Second, nil
}

func (m *Memory) AddToSet(ctx context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	s[member] = struct{}{}
	return nil
}

func (m *Memory) IsMember(ctx context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sets[key][member]
	return ok, nil
}

func (m *Memory) Members(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		out = append(out, member)
	}
	return out, nil
}

func (m *Memory) SubscribeExpiry(ctx context.Context, prefix string) (<-chan string, error) {
	ch := make(chan string, 16)
	m.mu.Lock()
	m.subs = append(m.subs, memSub{prefix: prefix, ch: ch, done: ctx.Done()})
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		for i, s := range m.subs {
			if s.ch == ch {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}
