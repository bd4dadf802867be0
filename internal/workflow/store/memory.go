// Package store provides the persistence backends for workflow records: an
// in-process map for single-process use and tests, and Redis for durable
// state shared across restarts.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shineum/mail-dispatch/internal/workflow"
)

// ErrNotFound is returned by Load when no record exists for an id.
var ErrNotFound = workflow.ErrRecordNotFound

type lease struct {
	owner     string
	expiresAt time.Time
}

// Memory is a workflow.Store backed by process memory. Records are stored as
// JSON so callers never share mutable state with the store.
type Memory struct {
	mu      sync.Mutex
	records map[string][]byte
	states  map[string]workflow.State
	leases  map[string]lease
	now     func() time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithMemoryClock replaces the clock used for lease expiry.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory returns an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		records: make(map[string][]byte),
		states:  make(map[string]workflow.State),
		leases:  make(map[string]lease),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *Memory) Load(ctx context.Context, id string) (*workflow.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	data, ok := m.records[id]
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var rec workflow.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	return &rec, nil
}

func (m *Memory) Save(ctx context.Context, rec *workflow.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = data
	m.states[rec.ID] = rec.State
	return nil
}

func (m *Memory) ListActive(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.states))
	for id, state := range m.states {
		if !state.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) Acquire(ctx context.Context, id, owner string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if l, ok := m.leases[id]; ok && l.owner != owner && now.Before(l.expiresAt) {
		return workflow.ErrLeaseHeld
	}
	m.leases[id] = lease{owner: owner, expiresAt: now.Add(ttl)}
	return nil
}

func (m *Memory) Release(_ context.Context, id, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.leases[id]; ok && l.owner == owner {
		delete(m.leases, id)
	}
	return nil
}
