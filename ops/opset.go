// Package ops defines the operation set: an ordered, composable and
// serializable batch of grid transforms (fields, rows, cells, grouping).
//
// An OpSet is the payload of every revision and the body of every snapshot.
// Each op is one TLV record whose type is the op Kind; a set is the plain
// concatenation of its op records, so composing sets is concatenating bytes.
package ops

import (
	"fmt"

	"github.com/drpcorg/revpad/protocol"
	"github.com/drpcorg/revpad/revpad_errors"
)

// OpSet is an ordered sequence of ops. Treat it as immutable once built.
type OpSet []Op

func NewOpSet(ops ...Op) OpSet {
	if len(ops) == 0 {
		return nil
	}
	set := make(OpSet, len(ops))
	copy(set, ops)
	return set
}

func (set OpSet) Len() int {
	return len(set)
}

func (set OpSet) IsEmpty() bool {
	return len(set) == 0
}

// Compose returns set followed by next. Neither input is modified;
// the empty set is the identity on both sides.
func (set OpSet) Compose(next OpSet) OpSet {
	if len(set)+len(next) == 0 {
		return nil
	}
	out := make(OpSet, 0, len(set)+len(next))
	out = append(out, set...)
	return append(out, next...)
}

// Compose folds any number of sets left to right.
func Compose(sets ...OpSet) (out OpSet) {
	for _, set := range sets {
		out = out.Compose(set)
	}
	return
}

func (set OpSet) Records() protocol.Records {
	recs := make(protocol.Records, 0, len(set))
	for _, op := range set {
		recs = append(recs, op.Record())
	}
	return recs
}

func (set OpSet) Encode() []byte {
	return set.Records().Bytes()
}

// Validate runs Op.Validate over the whole set.
func (set OpSet) Validate() error {
	for _, op := range set {
		if err := op.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Decode parses bytes produced by Encode. Any damage fails the whole set
// with an error wrapping revpad_errors.ErrDecode.
func Decode(data []byte) (OpSet, error) {
	recs, err := protocol.SplitWary(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", revpad_errors.ErrDecode, err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	set := make(OpSet, 0, len(recs))
	for _, rec := range recs {
		lit, body, _, err := protocol.TakeAnyWary(rec)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", revpad_errors.ErrDecode, err)
		}
		op, err := DecodeOp(lit, body)
		if err != nil {
			return nil, err
		}
		set = append(set, op)
	}
	return set, nil
}
