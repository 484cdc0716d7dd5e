package revpad

import (
	"context"

	"github.com/drpcorg/revpad/revision"
	"github.com/drpcorg/revpad/revpad_errors"
)

// GenerateSnapshot writes a snapshot of the current pad right away,
// whatever the debounce state, and restarts the write interval.
func (m *Manager) GenerateSnapshot(ctx context.Context) (*revision.Snapshot, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return nil, revpad_errors.ErrClosed
	}
	return m.snapshot(ctx, "forced")
}

// RequestSnapshot asks for a snapshot under the write interval guard.
// Within the interval of the previous snapshot the request is only
// remembered; the first request after the interval writes it. Reports
// whether a snapshot was written.
func (m *Manager) RequestSnapshot(ctx context.Context) (bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return false, revpad_errors.ErrClosed
	}
	return m.requestSnapshot(ctx)
}

// Pending reports a deferred snapshot request.
func (m *Manager) Pending() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.pending
}

func (m *Manager) requestSnapshot(ctx context.Context) (bool, error) {
	seq, ok := m.CurrentSeq()
	if !ok {
		return false, nil
	}
	if m.snapshots && m.snapSeq == seq {
		m.pending = false
		return false, nil
	}
	if !m.snapAt.IsZero() && m.opts.Now().Sub(m.snapAt) < m.opts.WriteInterval {
		if !m.pending {
			m.log.DebugCtx(m.ctx, "snapshot deferred", "seq", seq, "last", m.snapSeq)
		}
		m.pending = true
		DeferredSnapshots.WithLabelValues(m.opts.DocID).Inc()
		return false, nil
	}
	if _, err := m.snapshot(ctx, "debounced"); err != nil {
		return false, err
	}
	return true, nil
}

// snapshot must run under m.lock.
func (m *Manager) snapshot(ctx context.Context, trigger string) (*revision.Snapshot, error) {
	seq, ok := m.CurrentSeq()
	if !ok {
		SnapshotCount.WithLabelValues(m.opts.DocID, trigger, "empty").Inc()
		return nil, revpad_errors.ErrNoRevisions
	}
	now := m.opts.Now()
	snap := revision.NewSnapshot(seq, m.pad.Load().Encode(), now)
	if err := m.snaps.Put(ctx, snap); err != nil {
		SnapshotCount.WithLabelValues(m.opts.DocID, trigger, "error").Inc()
		m.log.WarnCtx(m.ctx, "snapshot not stored", "seq", seq, "trigger", trigger, "err", err)
		return nil, storeErr(err)
	}
	m.snapAt = now
	m.snapSeq, m.snapshots = seq, true
	m.pending = false
	SnapshotCount.WithLabelValues(m.opts.DocID, trigger, "ok").Inc()
	m.log.DebugCtx(m.ctx, "snapshot written", "seq", seq, "trigger", trigger, "bytes", len(snap.Data))
	return &snap, nil
}
