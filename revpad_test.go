package revpad

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drpcorg/revpad/ops"
	"github.com/drpcorg/revpad/pad"
	"github.com/drpcorg/revpad/revision"
	"github.com/drpcorg/revpad/revpad_errors"
	"github.com/drpcorg/revpad/store"
	"github.com/drpcorg/revpad/utils"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	lock sync.Mutex
	now  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = c.now.Add(d)
}

// failingRevisions refuses appends while fail is set.
type failingRevisions struct {
	store.RevisionStore
	fail atomic.Bool
}

func (f *failingRevisions) Append(ctx context.Context, rev revision.Revision) error {
	if f.fail.Load() {
		return errors.New("disk full")
	}
	return f.RevisionStore.Append(ctx, rev)
}

type failingSnapshots struct {
	store.SnapshotStore
}

func (f *failingSnapshots) Put(ctx context.Context, snap revision.Snapshot) error {
	return errors.New("disk full")
}

func quiet() utils.Logger {
	return utils.NewWriterLogger(io.Discard, slog.LevelError)
}

func textField(id, name string) ops.Field {
	return ops.Field{ID: id, Name: name, Type: ops.RichText, Width: ops.DefaultFieldWidth, Visible: true}
}

func openMemory(t *testing.T, opts Options) (*Manager, *store.MemoryRevisions, *store.MemorySnapshots) {
	revs, snaps := store.NewMemoryRevisions(), store.NewMemorySnapshots()
	if opts.Logger == nil {
		opts.Logger = quiet()
	}
	m, err := Open(context.Background(), revs, snaps, opts)
	require.NoError(t, err)
	return m, revs, snaps
}

func TestManager_AddField(t *testing.T) {
	ctx := context.Background()
	m, _, _ := openMemory(t, Options{DocID: "scenario-a"})

	_, ok := m.CurrentSeq()
	assert.False(t, ok)

	rev, err := m.Submit(ctx, ops.NewOpSet(ops.InsertField(textField("F1", "Name"), "")))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), rev.Seq)
	assert.Equal(t, uint64(0), rev.Base)

	got, err := m.GetRevision(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	set, err := got.Operations()
	require.NoError(t, err)
	p, err := pad.FromOperations(set)
	require.NoError(t, err)
	fields := p.Fields()
	require.Len(t, fields, 1)
	assert.Equal(t, "F1", fields[0].ID)
	assert.True(t, p.Equal(m.Pad()))

	missing, err := m.GetRevision(ctx, 1)
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

func TestManager_AddRemoveField(t *testing.T) {
	ctx := context.Background()
	m, revs, _ := openMemory(t, Options{DocID: "scenario-b"})

	_, err := m.Submit(ctx, ops.NewOpSet(ops.InsertField(textField("F1", "Name"), "")))
	require.NoError(t, err)
	rev, err := m.Submit(ctx, ops.NewOpSet(ops.DeleteField("F1")))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rev.Seq)
	assert.Equal(t, uint64(0), rev.Base)

	assert.Equal(t, "fields: 0\nrows: 0\n", m.Pad().String())
	seq, ok := m.CurrentSeq()
	assert.True(t, ok)
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, 2, revs.Len())
	for i := uint64(0); i < 2; i++ {
		got, err := m.GetRevision(ctx, i)
		require.NoError(t, err)
		assert.NotNil(t, got)
	}
}

func TestManager_SnapshotAfterInterval(t *testing.T) {
	ctx := context.Background()
	interval := 50 * time.Millisecond
	m, _, _ := openMemory(t, Options{DocID: "scenario-c", WriteInterval: interval})

	_, err := m.Submit(ctx, ops.NewOpSet(ops.InsertField(textField("F1", "Name"), "")))
	require.NoError(t, err)
	time.Sleep(2 * interval)
	_, err = m.GenerateSnapshot(ctx)
	require.NoError(t, err)

	snap, err := m.LatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, uint64(0), snap.Seq)
	set, err := snap.Operations()
	require.NoError(t, err)
	assert.Equal(t, m.Pad().ToOperations().Encode(), set.Encode())
	restored, err := pad.FromOperations(set)
	require.NoError(t, err)
	assert.Equal(t, m.Pad().String(), restored.String())

	exact, err := m.ReadSnapshot(ctx, 0)
	require.NoError(t, err)
	assert.NotNil(t, exact)
	none, err := m.ReadSnapshot(ctx, 5)
	assert.NoError(t, err)
	assert.Nil(t, none)
}

func TestManager_Ordering(t *testing.T) {
	ctx := context.Background()
	m, revs, _ := openMemory(t, Options{DocID: "ordering"})

	const writers, each = 8, 10
	wg := sync.WaitGroup{}
	done := make(chan struct{})
	go func() {
		// readers never see a pad ahead of the counter
		for {
			select {
			case <-done:
				return
			default:
				p := m.Pad()
				n, _ := p.Len()
				assert.LessOrEqual(t, n, writers*each)
			}
		}
	}()
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				id := fmt.Sprintf("f-%d-%d", w, i)
				_, err := m.Submit(ctx, ops.NewOpSet(ops.InsertField(textField(id, id), "")))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()
	close(done)

	seq, ok := m.CurrentSeq()
	assert.True(t, ok)
	assert.Equal(t, uint64(writers*each-1), seq)
	assert.Equal(t, writers*each, revs.Len())
	for i := uint64(0); i < writers*each; i++ {
		rev, err := revs.Get(ctx, i)
		require.NoError(t, err)
		require.NotNil(t, rev)
		assert.Equal(t, i, rev.Seq)
	}
	nf, _ := m.Pad().Len()
	assert.Equal(t, writers*each, nf)

	full, err := Materialize(ctx, revs, nil, seq)
	require.NoError(t, err)
	assert.True(t, full.Equal(m.Pad()))
}

func history() []ops.OpSet {
	name := "Title"
	return []ops.OpSet{
		ops.NewOpSet(ops.InsertField(textField("f1", "Name"), "")),
		ops.NewOpSet(ops.InsertField(ops.Field{ID: "f2", Name: "Status", Type: ops.SingleSelect, Visible: true}, "")),
		ops.NewOpSet(ops.InsertRow(ops.Row{ID: "r1", Visible: true, Cells: map[string]string{"f1": "a"}}, "")),
		ops.NewOpSet(ops.InsertRow(ops.Row{ID: "r2", Cells: map[string]string{"f1": "b", "f2": "todo"}}, "")),
		ops.NewOpSet(ops.UpdateCell("r1", "f2", "done")),
		ops.NewOpSet(ops.GroupBy("f2")),
		ops.NewOpSet(ops.UpdateField("f1", ops.FieldChange{Name: &name})),
		ops.NewOpSet(ops.InsertField(textField("f3", "Notes"), "f1"), ops.UpdateCell("r2", "f3", "x")),
		ops.NewOpSet(ops.DeleteRow("r2")),
		ops.NewOpSet(ops.DeleteField("f2")),
		ops.NewOpSet(),
		ops.NewOpSet(ops.UpdateCell("r1", "f1", "")),
	}
}

func TestManager_ReplayEquivalence(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	m, revs, snaps := openMemory(t, Options{DocID: "replay", Now: clock.Now})

	var states []*pad.Pad
	for i, set := range history() {
		_, err := m.Submit(ctx, set)
		require.NoError(t, err, "set %d", i)
		states = append(states, m.Pad())
		if i == 3 || i == 7 {
			_, err = m.GenerateSnapshot(ctx)
			require.NoError(t, err)
		}
	}
	// first submit snapshots right away, then 3 and 7
	assert.Equal(t, 3, snaps.Len())

	for n, state := range states {
		full, err := Materialize(ctx, revs, nil, uint64(n))
		require.NoError(t, err)
		fromSnap, err := Materialize(ctx, revs, snaps, uint64(n))
		require.NoError(t, err)
		assert.Equal(t, state.Encode(), full.Encode(), "revision %d", n)
		assert.Equal(t, full.Encode(), fromSnap.Encode(), "revision %d", n)

		again, err := pad.FromOperations(state.ToOperations())
		require.NoError(t, err)
		assert.True(t, again.Equal(state), "revision %d", n)
		assert.Equal(t, state.ToOperations(), again.ToOperations(), "revision %d", n)
	}
	assert.Equal(t, "fields: 2\n"+
		"  f1 \"Title\" text\n"+
		"  f3 \"Notes\" text\n"+
		"rows: 1\n"+
		"  r1\n", m.Pad().String())
}

func TestManager_Debounce(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	interval := time.Second
	m, _, snaps := openMemory(t, Options{DocID: "debounce", Now: clock.Now, WriteInterval: interval})

	written, err := m.RequestSnapshot(ctx)
	assert.NoError(t, err)
	assert.False(t, written)

	_, err = m.Submit(ctx, ops.NewOpSet(ops.InsertField(textField("f1", "One"), "")))
	require.NoError(t, err)
	assert.Equal(t, 1, snaps.Len())

	clock.Advance(interval / 2)
	_, err = m.Submit(ctx, ops.NewOpSet(ops.InsertField(textField("f2", "Two"), "")))
	require.NoError(t, err)
	written, err = m.RequestSnapshot(ctx)
	assert.NoError(t, err)
	assert.False(t, written)
	assert.True(t, m.Pending())
	assert.Equal(t, 1, snaps.Len())

	clock.Advance(interval / 2)
	written, err = m.RequestSnapshot(ctx)
	assert.NoError(t, err)
	assert.True(t, written)
	assert.False(t, m.Pending())
	assert.Equal(t, 2, snaps.Len())
	latest, err := m.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), latest.Seq)

	// nothing new to cover
	clock.Advance(interval)
	written, err = m.RequestSnapshot(ctx)
	assert.NoError(t, err)
	assert.False(t, written)
	assert.Equal(t, 2, snaps.Len())

	// a forced snapshot ignores the interval and restarts it
	_, err = m.Submit(ctx, ops.NewOpSet(ops.InsertField(textField("f3", "Three"), "")))
	require.NoError(t, err)
	assert.Equal(t, 3, snaps.Len())
	_, err = m.Submit(ctx, ops.NewOpSet(ops.InsertField(textField("f4", "Four"), "")))
	require.NoError(t, err)
	assert.True(t, m.Pending())
	snap, err := m.GenerateSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), snap.Seq)
	assert.False(t, m.Pending())
	assert.Equal(t, 4, snaps.Len())
}

func TestManager_Rollback(t *testing.T) {
	ctx := context.Background()
	revs := &failingRevisions{RevisionStore: store.NewMemoryRevisions()}
	m, err := Open(ctx, revs, store.NewMemorySnapshots(), Options{DocID: "rollback", Logger: quiet()})
	require.NoError(t, err)

	_, err = m.Submit(ctx, ops.NewOpSet(ops.InsertField(textField("f1", "One"), "")))
	require.NoError(t, err)
	before := m.Pad().Encode()

	revs.fail.Store(true)
	_, err = m.Submit(ctx, ops.NewOpSet(ops.InsertField(textField("f2", "Two"), "")))
	assert.ErrorIs(t, err, revpad_errors.ErrStore)
	seq, _ := m.CurrentSeq()
	assert.Equal(t, uint64(0), seq)
	assert.Equal(t, before, m.Pad().Encode())

	revs.fail.Store(false)
	rev, err := m.Submit(ctx, ops.NewOpSet(ops.InsertField(textField("f2", "Two"), "")))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rev.Seq)
}

func TestManager_ApplyErrors(t *testing.T) {
	ctx := context.Background()
	m, revs, _ := openMemory(t, Options{DocID: "apply-errors"})
	_, err := m.Submit(ctx, ops.NewOpSet(ops.InsertField(textField("f1", "One"), "")))
	require.NoError(t, err)

	_, err = m.Submit(ctx, ops.NewOpSet(ops.InsertField(textField("f1", "Again"), "")))
	assert.ErrorIs(t, err, revpad_errors.ErrApply)
	assert.ErrorIs(t, err, revpad_errors.ErrFieldExists)

	_, err = m.Submit(ctx, ops.NewOpSet(ops.DeleteField("ghost")))
	assert.ErrorIs(t, err, revpad_errors.ErrApply)
	assert.ErrorIs(t, err, revpad_errors.ErrFieldUnknown)

	_, err = m.Submit(ctx, ops.NewOpSet(ops.DeleteField("")))
	assert.ErrorIs(t, err, revpad_errors.ErrApply)
	assert.ErrorIs(t, err, revpad_errors.ErrDecode)

	_, err = m.SubmitBytes(ctx, []byte{'F', 0xff, 0x01})
	assert.ErrorIs(t, err, revpad_errors.ErrApply)
	assert.ErrorIs(t, err, revpad_errors.ErrDecode)

	rev, err := m.SubmitBytes(ctx, ops.NewOpSet(ops.DeleteField("f1")).Encode())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rev.Seq)
	assert.Equal(t, 2, revs.Len())
}

func TestManager_SnapshotFailure(t *testing.T) {
	ctx := context.Background()
	m, err := Open(ctx, store.NewMemoryRevisions(), &failingSnapshots{store.NewMemorySnapshots()}, Options{DocID: "snap-fail", Logger: quiet()})
	require.NoError(t, err)

	_, err = m.GenerateSnapshot(ctx)
	assert.ErrorIs(t, err, revpad_errors.ErrNoRevisions)

	rev, err := m.Submit(ctx, ops.NewOpSet(ops.InsertField(textField("f1", "One"), "")))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), rev.Seq)

	_, err = m.GenerateSnapshot(ctx)
	assert.ErrorIs(t, err, revpad_errors.ErrStore)
	seq, _ := m.CurrentSeq()
	assert.Equal(t, uint64(0), seq)
}

func TestManager_Close(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	m, _, snaps := openMemory(t, Options{DocID: "close", Now: clock.Now})

	_, err := m.Submit(ctx, ops.NewOpSet(ops.InsertField(textField("f1", "One"), "")))
	require.NoError(t, err)
	_, err = m.Submit(ctx, ops.NewOpSet(ops.InsertField(textField("f2", "Two"), "")))
	require.NoError(t, err)
	assert.True(t, m.Pending())

	require.NoError(t, m.Close(ctx))
	assert.Equal(t, 2, snaps.Len())
	assert.ErrorIs(t, m.Close(ctx), revpad_errors.ErrClosed)
	_, err = m.Submit(ctx, ops.NewOpSet(ops.DeleteField("f1")))
	assert.ErrorIs(t, err, revpad_errors.ErrClosed)
	assert.Equal(t, 1.0, testutil.ToFloat64(SubmitCount.WithLabelValues("close", "closed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(SubmitCount.WithLabelValues("close", "apply_error")))

	_, err = m.GenerateSnapshot(ctx)
	assert.ErrorIs(t, err, revpad_errors.ErrClosed)
	written, err := m.RequestSnapshot(ctx)
	assert.ErrorIs(t, err, revpad_errors.ErrClosed)
	assert.False(t, written)
	assert.Equal(t, 2, snaps.Len())
}

func TestManager_RenameKeepsSnapshotsReadable(t *testing.T) {
	ctx := context.Background()
	m, revs, snaps := openMemory(t, Options{DocID: "rename", Now: newClock().Now})

	_, err := m.Submit(ctx, ops.NewOpSet(ops.InsertField(textField("f1", "One"), "")))
	require.NoError(t, err)
	bad := "multi\nline"
	_, err = m.Submit(ctx, ops.NewOpSet(ops.UpdateField("f1", ops.FieldChange{Name: &bad})))
	assert.ErrorIs(t, err, revpad_errors.ErrApply)
	assert.ErrorIs(t, err, revpad_errors.ErrDecode)
	seq, _ := m.CurrentSeq()
	assert.Equal(t, uint64(0), seq)

	good := "Renamed"
	_, err = m.Submit(ctx, ops.NewOpSet(ops.UpdateField("f1", ops.FieldChange{Name: &good})))
	require.NoError(t, err)
	_, err = m.GenerateSnapshot(ctx)
	require.NoError(t, err)
	p, err := Materialize(ctx, revs, snaps, 1)
	require.NoError(t, err)
	assert.True(t, p.Equal(m.Pad()))
}

func TestManager_Restore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db, err := store.OpenPebble(dir, store.PebbleOptions{NoSync: true})
	require.NoError(t, err)

	m, err := Open(ctx, db.Revisions("grid"), db.Snapshots("grid"), Options{DocID: "grid", Logger: quiet(), Now: newClock().Now})
	require.NoError(t, err)
	for i, set := range history() {
		_, err = m.Submit(ctx, set)
		require.NoError(t, err)
		if i == 5 {
			_, err = m.GenerateSnapshot(ctx)
			require.NoError(t, err)
		}
	}
	want := m.Pad().String()
	require.NoError(t, db.Close())

	db, err = store.OpenPebble(dir, store.PebbleOptions{NoSync: true})
	require.NoError(t, err)
	defer db.Close()
	again, err := Open(ctx, db.Revisions("grid"), db.Snapshots("grid"), Options{DocID: "grid", Logger: quiet()})
	require.NoError(t, err)
	assert.Equal(t, want, again.Pad().String())
	seq, ok := again.CurrentSeq()
	assert.True(t, ok)
	assert.Equal(t, uint64(len(history())-1), seq)

	rev, err := again.Submit(ctx, ops.NewOpSet(ops.DeleteRow("r1")))
	require.NoError(t, err)
	assert.Equal(t, uint64(len(history())), rev.Seq)

	// another document in the same database starts empty
	other, err := Open(ctx, db.Revisions("other"), db.Snapshots("other"), Options{DocID: "other", Logger: quiet()})
	require.NoError(t, err)
	_, ok = other.CurrentSeq()
	assert.False(t, ok)
}

func TestManager_RestoreBadSnapshot(t *testing.T) {
	ctx := context.Background()
	revs, snaps := store.NewMemoryRevisions(), store.NewMemorySnapshots()
	for i, set := range history()[:3] {
		require.NoError(t, revs.Append(ctx, revision.New(uint64(i), set.Encode(), time.Now())))
	}
	require.NoError(t, snaps.Put(ctx, revision.NewSnapshot(2, []byte("not an op set"), time.Now())))

	buf := &bytes.Buffer{}
	m, err := Open(ctx, revs, snaps, Options{DocID: "bad-snap", Logger: utils.NewWriterLogger(buf, slog.LevelDebug)})
	require.NoError(t, err)
	full, err := Materialize(ctx, revs, nil, 2)
	require.NoError(t, err)
	assert.True(t, full.Equal(m.Pad()))
	assert.Contains(t, buf.String(), "snapshot does not decode")
	assert.Contains(t, buf.String(), "doc=bad-snap")
}

func TestReplayMissingRevision(t *testing.T) {
	ctx := context.Background()
	revs := store.NewMemoryRevisions()
	require.NoError(t, revs.Append(ctx, revision.New(0, history()[0].Encode(), time.Now())))

	_, err := Replay(ctx, revs, pad.New(), 0, 1)
	assert.ErrorIs(t, err, revpad_errors.ErrOutOfOrder)

	same, err := Replay(ctx, revs, pad.New(), 1, 0)
	require.NoError(t, err)
	assert.True(t, same.Equal(pad.New()))
}

func TestManager_Logging(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	buf := &bytes.Buffer{}
	m, _, _ := openMemory(t, Options{DocID: "logged", Now: clock.Now, Logger: utils.NewWriterLogger(buf, slog.LevelDebug)})

	_, err := m.Submit(ctx, ops.NewOpSet(ops.InsertField(textField("f1", "One"), "")))
	require.NoError(t, err)
	_, err = m.Submit(ctx, ops.NewOpSet(ops.InsertField(textField("f2", "Two"), "")))
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "[revpad] snapshot written")
	assert.Contains(t, out, "[revpad] snapshot deferred")
	assert.Contains(t, out, "doc=logged")
}

func TestManager_Metrics(t *testing.T) {
	ctx := context.Background()
	m, _, _ := openMemory(t, Options{DocID: "metrics", Now: newClock().Now})

	_, err := m.Submit(ctx, ops.NewOpSet(ops.InsertField(textField("f1", "One"), "")))
	require.NoError(t, err)
	_, err = m.Submit(ctx, ops.NewOpSet(ops.InsertField(textField("f2", "Two"), "")))
	require.NoError(t, err)
	_, _ = m.Submit(ctx, ops.NewOpSet(ops.DeleteField("ghost")))

	assert.Equal(t, 2.0, testutil.ToFloat64(SubmitCount.WithLabelValues("metrics", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(SubmitCount.WithLabelValues("metrics", "apply_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(CurrentSeq.WithLabelValues("metrics")))
	assert.Equal(t, 1.0, testutil.ToFloat64(SnapshotCount.WithLabelValues("metrics", "debounced", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(DeferredSnapshots.WithLabelValues("metrics")))
	assert.Len(t, Collectors(), 5)
}
