// Package revpad keeps a grid document as a gapless log of revisions, the
// pad materialized from them and snapshots of that pad.
//
// A Manager is the single writer for one document: submits and snapshot
// writes are serialized, while Pad, CurrentSeq and the lookups never wait
// for a writer.
package revpad

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drpcorg/revpad/ops"
	"github.com/drpcorg/revpad/pad"
	"github.com/drpcorg/revpad/revision"
	"github.com/drpcorg/revpad/revpad_errors"
	"github.com/drpcorg/revpad/store"
	"github.com/drpcorg/revpad/utils"
)

const DefaultWriteInterval = 600 * time.Millisecond

type Options struct {
	// DocID labels logs and metrics.
	DocID string
	// WriteInterval is the minimum time between two debounced snapshots.
	WriteInterval time.Duration
	Logger        utils.Logger
	// Now is the clock of the debounce policy.
	Now func() time.Time
}

func (o *Options) SetDefaults() {
	if o.WriteInterval <= 0 {
		o.WriteInterval = DefaultWriteInterval
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type Manager struct {
	revs  store.RevisionStore
	snaps store.SnapshotStore
	opts  Options
	log   utils.Logger
	ctx   context.Context

	pad  atomic.Pointer[pad.Pad]
	next atomic.Uint64

	// lock serializes writers; the fields below are guarded by it
	lock      sync.Mutex
	snapAt    time.Time
	snapSeq   uint64
	snapshots bool
	pending   bool
	closed    bool
}

// Open restores the document from the latest usable snapshot and the
// revisions after it. An empty log opens an empty pad.
func Open(ctx context.Context, revs store.RevisionStore, snaps store.SnapshotStore, opts Options) (*Manager, error) {
	opts.SetDefaults()
	m := &Manager{
		revs:  revs,
		snaps: snaps,
		opts:  opts,
		log:   opts.Logger,
		ctx:   utils.WithDefaultArgs(context.Background(), "doc", opts.DocID),
	}

	top, ok, err := revs.MaxSeq(ctx)
	if err != nil {
		return nil, storeErr(err)
	}
	if !ok {
		m.pad.Store(pad.New())
		return m, nil
	}

	p, err := m.restore(ctx, top)
	if err != nil {
		return nil, err
	}
	m.pad.Store(p)
	m.next.Store(top + 1)
	CurrentSeq.WithLabelValues(opts.DocID).Set(float64(top))
	m.log.InfoCtx(m.ctx, "document restored", "seq", top, "snapshot", m.snapSeq, "fields", fieldCount(p))
	return m, nil
}

func (m *Manager) restore(ctx context.Context, top uint64) (*pad.Pad, error) {
	snap, err := m.snaps.Latest(ctx)
	if err != nil {
		// snapshots only shorten the replay
		m.log.WarnCtx(m.ctx, "snapshot unreadable, replaying the full log", "err", err)
		snap = nil
	}
	if snap != nil && snap.Seq <= top {
		from, err := pad.FromBytes(snap.Data)
		if err == nil {
			m.snapSeq, m.snapshots = snap.Seq, true
			return Replay(ctx, m.revs, from, snap.Seq+1, top)
		}
		m.log.WarnCtx(m.ctx, "snapshot does not decode, replaying the full log", "snapshot", snap.Seq, "err", err)
	}
	return Replay(ctx, m.revs, pad.New(), 0, top)
}

func fieldCount(p *pad.Pad) int {
	n, _ := p.Len()
	return n
}

func storeErr(err error) error {
	if errors.Is(err, revpad_errors.ErrStore) {
		return err
	}
	return fmt.Errorf("%w: %w", revpad_errors.ErrStore, err)
}

// Submit logs set as the next revision and advances the pad. Either both
// happen or neither: when the store refuses the revision the pad and the
// sequence counter stay as they were.
func (m *Manager) Submit(ctx context.Context, set ops.OpSet) (rev revision.Revision, err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		switch {
		case errors.Is(err, revpad_errors.ErrClosed):
			result = "closed"
		case errors.Is(err, revpad_errors.ErrStore):
			result = "store_error"
		case err != nil:
			result = "apply_error"
		}
		SubmitCount.WithLabelValues(m.opts.DocID, result).Inc()
		SubmitDuration.WithLabelValues(m.opts.DocID).Observe(float64(time.Since(start).Milliseconds()))
	}()

	if err = set.Validate(); err != nil {
		return rev, fmt.Errorf("%w: %w", revpad_errors.ErrApply, err)
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return rev, revpad_errors.ErrClosed
	}

	next, err := m.pad.Load().Apply(set)
	if err != nil {
		return rev, err
	}
	seq := m.next.Load()
	rev = revision.New(seq, set.Encode(), m.opts.Now())
	if err = m.revs.Append(ctx, rev); err != nil {
		m.log.ErrorCtx(m.ctx, "revision not stored", "seq", seq, "err", err)
		return revision.Revision{}, storeErr(err)
	}
	m.pad.Store(next)
	m.next.Store(seq + 1)
	CurrentSeq.WithLabelValues(m.opts.DocID).Set(float64(seq))

	if _, serr := m.requestSnapshot(ctx); serr != nil {
		m.log.WarnCtx(m.ctx, "snapshot after submit failed", "seq", seq, "err", serr)
	}
	return rev, nil
}

// SubmitBytes decodes an encoded operation set and submits it.
// A payload that does not decode is an ErrApply wrapping ErrDecode.
func (m *Manager) SubmitBytes(ctx context.Context, payload []byte) (revision.Revision, error) {
	set, err := ops.Decode(payload)
	if err != nil {
		SubmitCount.WithLabelValues(m.opts.DocID, "apply_error").Inc()
		return revision.Revision{}, fmt.Errorf("%w: %w", revpad_errors.ErrApply, err)
	}
	return m.Submit(ctx, set)
}

func (m *Manager) GetRevision(ctx context.Context, seq uint64) (*revision.Revision, error) {
	rev, err := m.revs.Get(ctx, seq)
	if err != nil {
		return nil, storeErr(err)
	}
	return rev, nil
}

// CurrentSeq is the sequence id of the last committed revision;
// ok is false until the first one.
func (m *Manager) CurrentSeq() (seq uint64, ok bool) {
	n := m.next.Load()
	if n == 0 {
		return 0, false
	}
	return n - 1, true
}

// Pad is the current document. The value never changes; a later submit
// swaps in a new one.
func (m *Manager) Pad() *pad.Pad {
	return m.pad.Load()
}

// ReadSnapshot returns the snapshot taken exactly at seq, or nil.
func (m *Manager) ReadSnapshot(ctx context.Context, seq uint64) (*revision.Snapshot, error) {
	snap, err := m.snaps.Get(ctx, seq)
	if err != nil {
		return nil, storeErr(err)
	}
	return snap, nil
}

// LatestSnapshot returns the most recent snapshot, or nil.
func (m *Manager) LatestSnapshot(ctx context.Context) (*revision.Snapshot, error) {
	snap, err := m.snaps.Latest(ctx)
	if err != nil {
		return nil, storeErr(err)
	}
	return snap, nil
}

// Close writes a deferred snapshot, if any, and refuses further submits
// and snapshots with ErrClosed.
func (m *Manager) Close(ctx context.Context) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return revpad_errors.ErrClosed
	}
	m.closed = true
	if !m.pending {
		return nil
	}
	_, err := m.snapshot(ctx, "close")
	return err
}
