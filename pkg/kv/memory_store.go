package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process fake of Store, used for local-only mode
// and for unit tests that don't want a real Redis (or miniredis) instance.
// It is safe for concurrent use.
type MemoryStore struct {
	mu        sync.Mutex
	strings   map[string]memVal
	sets      map[string]map[string]struct{}
	hashes    map[string]map[string][]byte
	zsets     map[string]map[string]float64
	subs      map[string][]Handler
	unavail   bool
}

type memVal struct {
	data    []byte
	expires time.Time // zero means no expiry
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings: make(map[string]memVal),
		sets:    make(map[string]map[string]struct{}),
		hashes:  make(map[string]map[string][]byte),
		zsets:   make(map[string]map[string]float64),
		subs:    make(map[string][]Handler),
	}
}

// SetUnavailable toggles degrade-mode simulation for tests exercising the
// engine's "KV unreachable" failure semantics (§4, Failure semantics).
func (m *MemoryStore) SetUnavailable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavail = v
}

func (m *MemoryStore) checkAvail() error {
	if m.unavail {
		return ErrUnavailable
	}
	return nil
}

func (m *MemoryStore) expired(v memVal) bool {
	return !v.expires.IsZero() && time.Now().After(v.expires)
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAvail(); err != nil {
		return nil, false, err
	}
	v, ok := m.strings[key]
	if !ok || m.expired(v) {
		return nil, false, nil
	}
	return v.data, true, nil
}

func (m *MemoryStore) SetEx(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAvail(); err != nil {
		return err
	}
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	m.strings[key] = memVal{data: cp, expires: exp}
	return nil
}

func (m *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAvail(); err != nil {
		return 0, err
	}
	v := m.strings[key]
	var n int64
	if !m.expired(v) && len(v.data) > 0 {
		for _, c := range v.data {
			n = n*10 + int64(c-'0')
		}
	}
	n++
	m.strings[key] = memVal{data: []byte(itoa(n)), expires: v.expires}
	return n, nil
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}

func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAvail(); err != nil {
		return err
	}
	v, ok := m.strings[key]
	if !ok {
		return nil
	}
	v.expires = time.Now().Add(ttl)
	m.strings[key] = v
	return nil
}

func (m *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAvail(); err != nil {
		return 0, err
	}
	v, ok := m.strings[key]
	if !ok || m.expired(v) {
		return -2 * time.Second, nil
	}
	if v.expires.IsZero() {
		return -1 * time.Second, nil
	}
	// Whole seconds, like Redis's TTL reply and the -1s/-2s sentinels above.
	return time.Until(v.expires).Round(time.Second), nil
}

func (m *MemoryStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAvail(); err != nil {
		return err
	}
	for _, k := range keys {
		delete(m.strings, k)
		delete(m.sets, k)
		delete(m.hashes, k)
		delete(m.zsets, k)
	}
	return nil
}

func (m *MemoryStore) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAvail(); err != nil {
		return err
	}
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, mem := range members {
		set[mem] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAvail(); err != nil {
		return nil, err
	}
	set := m.sets[key]
	out := make([]string, 0, len(set))
	for mem := range set {
		out = append(out, mem)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAvail(); err != nil {
		return err
	}
	set, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, mem := range members {
		delete(set, mem)
	}
	return nil
}

func (m *MemoryStore) HSet(_ context.Context, key, field string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAvail(); err != nil {
		return err
	}
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string][]byte)
		m.hashes[key] = h
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	h[field] = cp
	return nil
}

func (m *MemoryStore) HGet(_ context.Context, key, field string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAvail(); err != nil {
		return nil, false, err
	}
	h, ok := m.hashes[key]
	if !ok {
		return nil, false, nil
	}
	v, ok := h[field]
	return v, ok, nil
}

func (m *MemoryStore) HGetAll(_ context.Context, key string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAvail(); err != nil {
		return nil, err
	}
	out := make(map[string][]byte)
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) HIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAvail(); err != nil {
		return 0, err
	}
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string][]byte)
		m.hashes[key] = h
	}
	var n int64
	for _, c := range h[field] {
		n = n*10 + int64(c-'0')
	}
	n += delta
	h[field] = []byte(itoa(n))
	return n, nil
}

func (m *MemoryStore) HDel(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAvail(); err != nil {
		return err
	}
	h, ok := m.hashes[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	return nil
}

func (m *MemoryStore) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAvail(); err != nil {
		return err
	}
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (m *MemoryStore) ZRangeRev(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAvail(); err != nil {
		return nil, err
	}
	z := m.zsets[key]
	type pair struct {
		member string
		score  float64
	}
	pairs := make([]pair, 0, len(z))
	for mem, score := range z {
		pairs = append(pairs, pair{mem, score})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].score != pairs[j].score {
			return pairs[i].score > pairs[j].score
		}
		return pairs[i].member < pairs[j].member
	})
	n := int64(len(pairs))
	if start < 0 {
		start = 0
	}
	if stop < 0 || stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return nil, nil
	}
	out := make([]string, 0, stop-start+1)
	for i := start; i <= stop; i++ {
		out = append(out, pairs[i].member)
	}
	return out, nil
}

func (m *MemoryStore) ZRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAvail(); err != nil {
		return err
	}
	z, ok := m.zsets[key]
	if !ok {
		return nil
	}
	for _, mem := range members {
		delete(z, mem)
	}
	return nil
}

func (m *MemoryStore) Scan(_ context.Context, cursor uint64, match string, count int64) (uint64, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAvail(); err != nil {
		return 0, nil, err
	}
	all := make([]string, 0, len(m.strings))
	for k := range m.strings {
		all = append(all, k)
	}
	sort.Strings(all)

	prefix, suffix := splitGlob(match)
	matched := make([]string, 0)
	for _, k := range all {
		if globMatch(k, prefix, suffix) {
			matched = append(matched, k)
		}
	}
	if count <= 0 {
		count = int64(len(matched))
	}
	start := int64(cursor)
	if start >= int64(len(matched)) {
		return 0, nil, nil
	}
	end := start + count
	if end > int64(len(matched)) {
		end = int64(len(matched))
	}
	next := uint64(0)
	if end < int64(len(matched)) {
		next = uint64(end)
	}
	return next, matched[start:end], nil
}

// splitGlob supports the single "*" wildcard pattern the engine actually
// uses (e.g. "memory:{userId}:*", "search:*").
func splitGlob(pattern string) (prefix, suffix string) {
	if pattern == "" {
		return "", ""
	}
	idx := strings.Index(pattern, "*")
	if idx < 0 {
		return pattern, ""
	}
	return pattern[:idx], pattern[idx+1:]
}

func globMatch(key, prefix, suffix string) bool {
	if !strings.HasPrefix(key, prefix) {
		return false
	}
	if suffix == "" {
		return true
	}
	return strings.HasSuffix(key, suffix)
}

func (m *MemoryStore) Publish(_ context.Context, channel string, message []byte) error {
	m.mu.Lock()
	handlers := append([]Handler(nil), m.subs[channel]...)
	m.mu.Unlock()
	// Fire-and-forget, asynchronous delivery: handlers run on their own
	// goroutine so Publish never blocks the caller. Unsubscribed slots are nil.
	for _, h := range handlers {
		if h == nil {
			continue
		}
		go h(channel, message)
	}
	return nil
}

func (m *MemoryStore) Subscribe(_ context.Context, channel string, handler Handler) (func(), error) {
	m.mu.Lock()
	m.subs[channel] = append(m.subs[channel], handler)
	idx := len(m.subs[channel]) - 1
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		handlers := m.subs[channel]
		if idx < len(handlers) {
			handlers[idx] = nil
		}
	}, nil
}
