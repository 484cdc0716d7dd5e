package revpad

import (
	"context"
	"fmt"

	"github.com/drpcorg/revpad/pad"
	"github.com/drpcorg/revpad/revision"
	"github.com/drpcorg/revpad/revpad_errors"
	"github.com/drpcorg/revpad/store"
)

// Replay applies revisions first..last, inclusive, on top of from.
// An empty range returns from itself.
func Replay(ctx context.Context, revs store.RevisionStore, from *pad.Pad, first, last uint64) (*pad.Pad, error) {
	p := from
	if first > last {
		return p, nil
	}
	for seq := first; ; seq++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rev, err := revs.Get(ctx, seq)
		if err != nil {
			return nil, storeErr(err)
		}
		if rev == nil {
			return nil, fmt.Errorf("%w: %w: revision %d is missing", revpad_errors.ErrStore, revpad_errors.ErrOutOfOrder, seq)
		}
		set, err := rev.Operations()
		if err != nil {
			return nil, fmt.Errorf("revision %d: %w", seq, err)
		}
		if p, err = p.Apply(set); err != nil {
			return nil, fmt.Errorf("revision %d: %w", seq, err)
		}
		if seq == last {
			break
		}
	}
	return p, nil
}

// Materialize builds the pad as of revision upto: from the newest snapshot
// at or before upto when snaps has one, from the empty pad otherwise.
// A nil snaps replays the whole log.
func Materialize(ctx context.Context, revs store.RevisionStore, snaps store.SnapshotStore, upto uint64) (*pad.Pad, error) {
	snap, err := snapshotAtOrBefore(ctx, snaps, upto)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return Replay(ctx, revs, pad.New(), 0, upto)
	}
	from, err := pad.FromBytes(snap.Data)
	if err != nil {
		return nil, fmt.Errorf("snapshot %d: %w", snap.Seq, err)
	}
	if snap.Seq == upto {
		return from, nil
	}
	return Replay(ctx, revs, from, snap.Seq+1, upto)
}

func snapshotAtOrBefore(ctx context.Context, snaps store.SnapshotStore, upto uint64) (*revision.Snapshot, error) {
	if snaps == nil {
		return nil, nil
	}
	latest, err := snaps.Latest(ctx)
	if err != nil || latest == nil {
		return nil, storeErrOrNil(err)
	}
	if latest.Seq <= upto {
		return latest, nil
	}
	for seq := upto; ; seq-- {
		snap, err := snaps.Get(ctx, seq)
		if err != nil {
			return nil, storeErr(err)
		}
		if snap != nil || seq == 0 {
			return snap, nil
		}
	}
}

func storeErrOrNil(err error) error {
	if err == nil {
		return nil
	}
	return storeErr(err)
}
