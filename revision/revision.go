// Package revision holds the two immutable values the log is made of:
// Revision, one sequence-numbered operation payload, and Snapshot, a
// materialized pad frozen at a sequence id.
//
// Both carry an xxhash of their payload; stores verify it on the way out.
package revision

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash"
	"github.com/drpcorg/revpad/ops"
	"github.com/drpcorg/revpad/protocol"
	"github.com/drpcorg/revpad/revpad_errors"
)

type Revision struct {
	// Seq is assigned by the manager: 0, 1, 2... without gaps.
	Seq uint64
	// Base is the sequence id the payload was computed against,
	// the previous revision (0 for the first one).
	Base    uint64
	Payload []byte
	Hash    uint64
	Created time.Time
}

func New(seq uint64, payload []byte, at time.Time) Revision {
	base := uint64(0)
	if seq > 0 {
		base = seq - 1
	}
	return Revision{
		Seq:     seq,
		Base:    base,
		Payload: payload,
		Hash:    xxhash.Sum64(payload),
		Created: at,
	}
}

// Operations decodes the payload.
func (r Revision) Operations() (ops.OpSet, error) {
	return ops.Decode(r.Payload)
}

func (r Revision) Verify() error {
	if xxhash.Sum64(r.Payload) != r.Hash {
		return fmt.Errorf("%w: revision %d", revpad_errors.ErrChecksum, r.Seq)
	}
	return nil
}

func (r Revision) String() string {
	return fmt.Sprintf("rev %d (base %d, %d bytes, %016x)", r.Seq, r.Base, len(r.Payload), r.Hash)
}

type Snapshot struct {
	// Seq is the last revision the snapshot incorporates.
	Seq uint64
	// Data is the pad in its canonical operation set form.
	Data    []byte
	Hash    uint64
	Created time.Time
}

func NewSnapshot(seq uint64, data []byte, at time.Time) Snapshot {
	return Snapshot{
		Seq:     seq,
		Data:    data,
		Hash:    xxhash.Sum64(data),
		Created: at,
	}
}

func (s Snapshot) Operations() (ops.OpSet, error) {
	return ops.Decode(s.Data)
}

func (s Snapshot) Verify() error {
	if xxhash.Sum64(s.Data) != s.Hash {
		return fmt.Errorf("%w: snapshot %d", revpad_errors.ErrChecksum, s.Seq)
	}
	return nil
}

func (s Snapshot) String() string {
	return fmt.Sprintf("snapshot %d (%d bytes, %016x)", s.Seq, len(s.Data), s.Hash)
}

func timeRecord(t time.Time) []byte {
	if t.IsZero() {
		return protocol.Record('T')
	}
	return protocol.Record('T', protocol.ZipInt64(t.UnixNano()))
}

func parseTime(body []byte) time.Time {
	if len(body) == 0 {
		return time.Time{}
	}
	return time.Unix(0, protocol.UnzipInt64(body)).UTC()
}

// Encode is the 'V' record the stores keep:
// V{ S seq, B base, H hash, T created, P payload }.
func (r Revision) Encode() []byte {
	return protocol.Record('V',
		protocol.Record('S', protocol.ZipUint64(r.Seq)),
		protocol.Record('B', protocol.ZipUint64(r.Base)),
		protocol.Record('H', protocol.ZipUint64(r.Hash)),
		timeRecord(r.Created),
		protocol.Record('P', r.Payload),
	)
}

// Encode is the 'N' record the stores keep: N{ S seq, H hash, T created, D data }.
func (s Snapshot) Encode() []byte {
	return protocol.Record('N',
		protocol.Record('S', protocol.ZipUint64(s.Seq)),
		protocol.Record('H', protocol.ZipUint64(s.Hash)),
		timeRecord(s.Created),
		protocol.Record('D', s.Data),
	)
}

func storedErr(err error) error {
	return fmt.Errorf("%w: %w", revpad_errors.ErrStore, err)
}

func decodeBody(lit byte, data []byte, f func(lit byte, val []byte)) error {
	body, rest, err := protocol.TakeWary(lit, data)
	if err != nil {
		return storedErr(err)
	}
	if len(rest) != 0 {
		return storedErr(protocol.ErrBadRecord)
	}
	for len(body) > 0 {
		var l byte
		var val []byte
		l, val, body, err = protocol.TakeAnyWary(body)
		if err != nil {
			return storedErr(err)
		}
		f(l, val)
	}
	return nil
}

// DecodeRevision parses and verifies a record made by Revision.Encode.
func DecodeRevision(data []byte) (r Revision, err error) {
	seen := 0
	err = decodeBody('V', data, func(lit byte, val []byte) {
		switch lit {
		case 'S':
			r.Seq = protocol.UnzipUint64(val)
		case 'B':
			r.Base = protocol.UnzipUint64(val)
		case 'H':
			r.Hash = protocol.UnzipUint64(val)
		case 'T':
			r.Created = parseTime(val)
		case 'P':
			r.Payload = append([]byte(nil), val...)
			seen++
		}
	})
	if err == nil && seen != 1 {
		err = storedErr(protocol.ErrBadRecord)
	}
	if err == nil {
		err = r.Verify()
	}
	return
}

// DecodeSnapshot parses and verifies a record made by Snapshot.Encode.
func DecodeSnapshot(data []byte) (s Snapshot, err error) {
	seen := 0
	err = decodeBody('N', data, func(lit byte, val []byte) {
		switch lit {
		case 'S':
			s.Seq = protocol.UnzipUint64(val)
		case 'H':
			s.Hash = protocol.UnzipUint64(val)
		case 'T':
			s.Created = parseTime(val)
		case 'D':
			s.Data = append([]byte(nil), val...)
			seen++
		}
	})
	if err == nil && seen != 1 {
		err = storedErr(protocol.ErrBadRecord)
	}
	if err == nil {
		err = s.Verify()
	}
	return
}
