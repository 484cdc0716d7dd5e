// Package store defines the two persistence boundaries of the revision
// manager and ships two implementations of them: Memory, for tests and
// ephemeral sessions, and Pebble, a durable LSM-backed store that can host
// many documents in one database.
//
// A nil error from Append or Put means the value is durable; callers do
// not retry. Lookups of absent keys return nil and no error.
package store

import (
	"context"

	"github.com/drpcorg/revpad/revision"
)

type RevisionStore interface {
	// Append stores rev. Sequence ids must arrive gapless and in order.
	Append(ctx context.Context, rev revision.Revision) error
	Get(ctx context.Context, seq uint64) (*revision.Revision, error)
	// MaxSeq reports the highest stored sequence id; ok is false for an empty log.
	MaxSeq(ctx context.Context) (seq uint64, ok bool, err error)
}

type SnapshotStore interface {
	Put(ctx context.Context, snap revision.Snapshot) error
	// Get returns the snapshot taken exactly at seq.
	Get(ctx context.Context, seq uint64) (*revision.Snapshot, error)
	// Latest returns the snapshot with the highest sequence id.
	Latest(ctx context.Context) (*revision.Snapshot, error)
}
