package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/revpad/protocol"
	"github.com/drpcorg/revpad/revision"
	"github.com/drpcorg/revpad/revpad_errors"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Key layout, one keyspace per document:
//
//	R{doc} seq(8, big endian) -> revision V record
//	S{doc} seq(8, big endian) -> snapshot N record
//
// Big endian sequence ids make the last key under a prefix the highest id.
const (
	revisionLit = 'R'
	snapshotLit = 'S'
	seqLen      = 8
)

const DefaultCacheSize = 1024

type PebbleOptions struct {
	pebble.Options
	// CacheSize is the number of decoded revisions kept in memory.
	CacheSize int
	// NoSync skips fsync on writes. Only for tests and throwaway data.
	NoSync bool
}

func (o *PebbleOptions) SetDefaults() {
	if o.CacheSize <= 0 {
		o.CacheSize = DefaultCacheSize
	}
}

type cacheKey struct {
	doc string
	seq uint64
}

// Pebble hosts the logs and snapshots of any number of documents in one
// pebble database.
type Pebble struct {
	db    *pebble.DB
	opts  PebbleOptions
	wo    *pebble.WriteOptions
	cache *lru.Cache[cacheKey, revision.Revision]

	// appends check-then-write the log tail
	lock sync.Mutex
	// dbLock guards db against Close
	dbLock sync.RWMutex
}

func OpenPebble(dir string, opts PebbleOptions) (*Pebble, error) {
	opts.SetDefaults()
	db, err := pebble.Open(dir, &opts.Options)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", revpad_errors.ErrStore, err)
	}
	cache, err := lru.New[cacheKey, revision.Revision](opts.CacheSize)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	wo := pebble.Sync
	if opts.NoSync {
		wo = pebble.NoSync
	}
	return &Pebble{db: db, opts: opts, wo: wo, cache: cache}, nil
}

func (p *Pebble) Database() *pebble.DB {
	p.dbLock.RLock()
	defer p.dbLock.RUnlock()
	return p.db
}

func (p *Pebble) Close() error {
	p.dbLock.Lock()
	defer p.dbLock.Unlock()
	if p.db == nil {
		return revpad_errors.ErrClosed
	}
	err := p.db.Close()
	p.db = nil
	p.cache.Purge()
	return err
}

func docPrefix(lit byte, doc string) []byte {
	return protocol.Record(lit, []byte(doc))
}

func seqKey(prefix []byte, seq uint64) []byte {
	key := make([]byte, 0, len(prefix)+seqLen)
	key = append(key, prefix...)
	return binary.BigEndian.AppendUint64(key, seq)
}

func keySeq(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(key)-seqLen:])
}

// prefixEnd is the smallest key greater than every key starting with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %w", revpad_errors.ErrStore, err)
}

// lastKey finds the highest key under prefix; nil when there is none.
func (p *Pebble) lastKey(prefix []byte) ([]byte, error) {
	p.dbLock.RLock()
	defer p.dbLock.RUnlock()
	if p.db == nil {
		return nil, storeErr(revpad_errors.ErrClosed)
	}
	it, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return nil, storeErr(err)
	}
	defer it.Close()
	if !it.Last() {
		if err = it.Error(); err != nil {
			return nil, storeErr(err)
		}
		return nil, nil
	}
	return append([]byte(nil), it.Key()...), nil
}

// get runs parse on the value under key while pebble still owns it.
func (p *Pebble) get(key []byte, parse func(val []byte) error) (found bool, err error) {
	p.dbLock.RLock()
	defer p.dbLock.RUnlock()
	if p.db == nil {
		return false, storeErr(revpad_errors.ErrClosed)
	}
	val, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storeErr(err)
	}
	defer closer.Close()
	return true, parse(val)
}

func (p *Pebble) set(key, val []byte) error {
	p.dbLock.RLock()
	defer p.dbLock.RUnlock()
	if p.db == nil {
		return storeErr(revpad_errors.ErrClosed)
	}
	if err := p.db.Set(key, val, p.wo); err != nil {
		return storeErr(err)
	}
	return nil
}

// Revisions is the log of doc.
func (p *Pebble) Revisions(doc string) RevisionStore {
	return &pebbleRevisions{p: p, doc: doc, prefix: docPrefix(revisionLit, doc)}
}

// Snapshots are the snapshots of doc.
func (p *Pebble) Snapshots(doc string) SnapshotStore {
	return &pebbleSnapshots{p: p, prefix: docPrefix(snapshotLit, doc)}
}

type pebbleRevisions struct {
	p      *Pebble
	doc    string
	prefix []byte
}

func (r *pebbleRevisions) Append(ctx context.Context, rev revision.Revision) error {
	if err := ctx.Err(); err != nil {
		return storeErr(err)
	}
	r.p.lock.Lock()
	defer r.p.lock.Unlock()
	last, err := r.p.lastKey(r.prefix)
	if err != nil {
		return err
	}
	want := uint64(0)
	if last != nil {
		want = keySeq(last) + 1
	}
	if rev.Seq != want {
		return fmt.Errorf("%w: %w: got %d, want %d", revpad_errors.ErrStore, revpad_errors.ErrOutOfOrder, rev.Seq, want)
	}
	if err = r.p.set(seqKey(r.prefix, rev.Seq), rev.Encode()); err != nil {
		return err
	}
	r.p.cache.Add(cacheKey{r.doc, rev.Seq}, rev)
	return nil
}

func (r *pebbleRevisions) Get(ctx context.Context, seq uint64) (*revision.Revision, error) {
	if rev, ok := r.p.cache.Get(cacheKey{r.doc, seq}); ok {
		return &rev, nil
	}
	var rev revision.Revision
	found, err := r.p.get(seqKey(r.prefix, seq), func(val []byte) (err error) {
		rev, err = revision.DecodeRevision(val)
		return
	})
	if err != nil || !found {
		return nil, err
	}
	r.p.cache.Add(cacheKey{r.doc, seq}, rev)
	return &rev, nil
}

func (r *pebbleRevisions) MaxSeq(ctx context.Context) (seq uint64, ok bool, err error) {
	last, err := r.p.lastKey(r.prefix)
	if err != nil || last == nil {
		return 0, false, err
	}
	return keySeq(last), true, nil
}

type pebbleSnapshots struct {
	p      *Pebble
	prefix []byte
}

func (s *pebbleSnapshots) Put(ctx context.Context, snap revision.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return storeErr(err)
	}
	return s.p.set(seqKey(s.prefix, snap.Seq), snap.Encode())
}

func (s *pebbleSnapshots) Get(ctx context.Context, seq uint64) (*revision.Snapshot, error) {
	var snap revision.Snapshot
	found, err := s.p.get(seqKey(s.prefix, seq), func(val []byte) (err error) {
		snap, err = revision.DecodeSnapshot(val)
		return
	})
	if err != nil || !found {
		return nil, err
	}
	return &snap, nil
}

func (s *pebbleSnapshots) Latest(ctx context.Context) (*revision.Snapshot, error) {
	last, err := s.p.lastKey(s.prefix)
	if err != nil || last == nil {
		return nil, err
	}
	return s.Get(ctx, keySeq(last))
}

// Dump prints every key of the database, one line each:
//
//	R grid-1 #0	rev 0 (base 0, 31 bytes, 5c1f...)
func (p *Pebble) Dump(writer io.Writer) error {
	p.dbLock.RLock()
	defer p.dbLock.RUnlock()
	if p.db == nil {
		return revpad_errors.ErrClosed
	}
	it, err := p.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		_, _ = fmt.Fprintln(writer, kvString(it.Key(), it.Value()))
	}
	return it.Error()
}

func kvString(key, value []byte) string {
	lit, doc, rest, err := protocol.TakeAnyWary(key)
	if err != nil || len(rest) != seqLen {
		return fmt.Sprintf("? %x", key)
	}
	head := fmt.Sprintf("%c %s #%d\t", lit, doc, keySeq(key))
	switch lit {
	case revisionLit:
		if rev, err := revision.DecodeRevision(value); err == nil {
			return head + rev.String()
		}
	case snapshotLit:
		if snap, err := revision.DecodeSnapshot(value); err == nil {
			return head + snap.String()
		}
	}
	return head + "corrupt"
}
