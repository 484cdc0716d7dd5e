package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/drpcorg/revpad/revision"
	"github.com/drpcorg/revpad/revpad_errors"
	"github.com/puzpuzpuz/xsync/v3"
)

// MemoryRevisions keeps one document's log in a concurrent map.
// Readers never lock; appends serialize to keep the log gapless.
type MemoryRevisions struct {
	revs *xsync.MapOf[uint64, revision.Revision]
	lock sync.Mutex
	next uint64
}

func NewMemoryRevisions() *MemoryRevisions {
	return &MemoryRevisions{
		revs: xsync.NewMapOf[uint64, revision.Revision](),
	}
}

func (m *MemoryRevisions) Append(ctx context.Context, rev revision.Revision) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", revpad_errors.ErrStore, err)
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if rev.Seq != m.next {
		return fmt.Errorf("%w: %w: got %d, want %d", revpad_errors.ErrStore, revpad_errors.ErrOutOfOrder, rev.Seq, m.next)
	}
	m.revs.Store(rev.Seq, rev)
	m.next++
	return nil
}

func (m *MemoryRevisions) Get(ctx context.Context, seq uint64) (*revision.Revision, error) {
	rev, ok := m.revs.Load(seq)
	if !ok {
		return nil, nil
	}
	return &rev, nil
}

func (m *MemoryRevisions) MaxSeq(ctx context.Context) (seq uint64, ok bool, err error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.next == 0 {
		return 0, false, nil
	}
	return m.next - 1, true, nil
}

func (m *MemoryRevisions) Len() int {
	return m.revs.Size()
}

// MemorySnapshots keeps one document's snapshots in a concurrent map.
type MemorySnapshots struct {
	snaps  *xsync.MapOf[uint64, revision.Snapshot]
	lock   sync.Mutex
	latest uint64
	any    bool
}

func NewMemorySnapshots() *MemorySnapshots {
	return &MemorySnapshots{
		snaps: xsync.NewMapOf[uint64, revision.Snapshot](),
	}
}

func (m *MemorySnapshots) Put(ctx context.Context, snap revision.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", revpad_errors.ErrStore, err)
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	m.snaps.Store(snap.Seq, snap)
	if !m.any || snap.Seq >= m.latest {
		m.latest = snap.Seq
		m.any = true
	}
	return nil
}

func (m *MemorySnapshots) Get(ctx context.Context, seq uint64) (*revision.Snapshot, error) {
	snap, ok := m.snaps.Load(seq)
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (m *MemorySnapshots) Latest(ctx context.Context) (*revision.Snapshot, error) {
	m.lock.Lock()
	seq, ok := m.latest, m.any
	m.lock.Unlock()
	if !ok {
		return nil, nil
	}
	return m.Get(ctx, seq)
}

func (m *MemorySnapshots) Len() int {
	return m.snaps.Size()
}
