package remote

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/platemate/platemate/internal/store/schema"
)

type recordKey struct {
	kind schema.Kind
	id   string
}

// Calls counts the writes a Memory authority received.
type Calls struct {
	Create int
	Update int
	Delete int
	List   int
}

// Memory is an in-process authority. It backs tests and `plate remote serve`
// without a database.
type Memory struct {
	mu      sync.Mutex
	records map[recordKey]schema.Record
	offline bool
	calls   Calls
	// failNext makes the next n writes fail with ErrUnavailable.
	failNext int
}

// NewMemory returns an empty, online Memory authority.
func NewMemory() *Memory {
	return &Memory{records: make(map[recordKey]schema.Record)}
}

// SetOnline switches reachability.
func (m *Memory) SetOnline(online bool) {
	m.mu.Lock()
	m.offline = !online
	m.mu.Unlock()
}

// FailWrites makes the next n Create/Update/Delete calls fail as if the
// connection dropped mid-pass.
func (m *Memory) FailWrites(n int) {
	m.mu.Lock()
	m.failNext = n
	m.mu.Unlock()
}

// Calls returns the write counters.
func (m *Memory) Calls() Calls {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Get returns the stored record, tombstones included.
func (m *Memory) Get(kind schema.Kind, id string) (schema.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordKey{kind, id}]
	return rec, ok
}

// Len returns the number of live records of kind.
func (m *Memory) Len(kind schema.Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, rec := range m.records {
		if k.kind == kind && !rec.Deleted {
			n++
		}
	}
	return n
}

// Put stores rec unconditionally, as another device would have.
func (m *Memory) Put(rec schema.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.LastModified = schema.Stamp(rec.LastModified)
	m.records[recordKey{rec.Kind, rec.ID}] = rec
}

func (m *Memory) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return unavailable("ping", errors.New("offline"))
	}
	return nil
}

func (m *Memory) Create(ctx context.Context, rec schema.Record) error {
	return m.write(ctx, "create", rec, func(c *Calls) { c.Create++ })
}

func (m *Memory) Update(ctx context.Context, rec schema.Record) error {
	return m.write(ctx, "update", rec, func(c *Calls) { c.Update++ })
}

func (m *Memory) Delete(ctx context.Context, rec schema.Record) error {
	rec.Deleted = true
	rec.Payload = nil
	return m.write(ctx, "delete", rec, func(c *Calls) { c.Delete++ })
}

func (m *Memory) write(ctx context.Context, op string, rec schema.Record, count func(*Calls)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validate(rec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.offline {
		return unavailable(op, errors.New("offline"))
	}
	if m.failNext > 0 {
		m.failNext--
		return unavailable(op, errors.New("connection reset"))
	}
	count(&m.calls)

	rec.LastModified = schema.Stamp(rec.LastModified)
	key := recordKey{rec.Kind, rec.ID}
	if stored, ok := m.records[key]; ok && !accepts(stored.LastModified, rec.LastModified) {
		return nil
	}
	m.records[key] = rec
	return nil
}

func (m *Memory) ListSince(ctx context.Context, kind schema.Kind, since time.Time) ([]schema.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.offline {
		return nil, unavailable("list", errors.New("offline"))
	}
	m.calls.List++

	var out []schema.Record
	for k, rec := range m.records {
		if k.kind == kind && !rec.LastModified.Before(since) {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

// sortRecords orders records by last_modified, then id.
func sortRecords(recs []schema.Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].LastModified.Equal(recs[j].LastModified) {
			return recs[i].LastModified.Before(recs[j].LastModified)
		}
		return recs[i].ID < recs[j].ID
	})
}
