// Package pad materializes a grid document from operation sets.
//
// A Pad is a value: Apply never touches the receiver and returns a fresh
// Pad, so a *Pad handed to a reader stays valid and consistent forever.
// Fields and rows keep their insertion order; ids are unique within each.
package pad

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/cespare/xxhash"
	"github.com/drpcorg/revpad/ops"
	"github.com/drpcorg/revpad/revpad_errors"
)

type Pad struct {
	fields     []ops.Field
	rows       []ops.Row
	groupField string
}

// New returns the empty document every replay starts from.
func New() *Pad {
	return &Pad{}
}

// FromOperations replays set on an empty pad. A set that does not
// build a consistent document is malformed: the error wraps ErrDecode.
func FromOperations(set ops.OpSet) (*Pad, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}
	p, err := New().Apply(set)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", revpad_errors.ErrDecode, err)
	}
	return p, nil
}

// FromBytes decodes an encoded operation set and materializes it.
func FromBytes(data []byte) (*Pad, error) {
	set, err := ops.Decode(data)
	if err != nil {
		return nil, err
	}
	return FromOperations(set)
}

func (p *Pad) clone() *Pad {
	c := &Pad{
		fields:     slices.Clone(p.fields),
		rows:       make([]ops.Row, len(p.rows)),
		groupField: p.groupField,
	}
	// cell maps are shared until a row is written, see mutableRow
	copy(c.rows, p.rows)
	return c
}

// Apply returns the pad that results from applying set in order. The first
// op that does not fit fails the whole set; the receiver is never modified.
func (p *Pad) Apply(set ops.OpSet) (*Pad, error) {
	if set.IsEmpty() {
		return p, nil
	}
	next := p.clone()
	owned := make(map[string]bool)
	for i, op := range set {
		if err := op.Validate(); err != nil {
			return nil, fmt.Errorf("%w: op %d: %w", revpad_errors.ErrApply, i, err)
		}
		if err := next.apply(op, owned); err != nil {
			return nil, fmt.Errorf("%w: op %d %s: %w", revpad_errors.ErrApply, i, op.Kind, err)
		}
	}
	return next, nil
}

func (p *Pad) fieldIndex(id string) int {
	return slices.IndexFunc(p.fields, func(f ops.Field) bool { return f.ID == id })
}

func (p *Pad) rowIndex(id string) int {
	return slices.IndexFunc(p.rows, func(r ops.Row) bool { return r.ID == id })
}

// mutableRow deep-copies row i the first time an Apply writes to it.
func (p *Pad) mutableRow(i int, owned map[string]bool) *ops.Row {
	if id := p.rows[i].ID; !owned[id] {
		p.rows[i] = p.rows[i].Clone()
		owned[id] = true
	}
	return &p.rows[i]
}

func insertAt[T any](list []T, after int, item T) []T {
	return slices.Insert(list, after+1, item)
}

func (p *Pad) apply(op ops.Op, owned map[string]bool) error {
	switch op.Kind {
	case ops.KindInsertField:
		if p.fieldIndex(op.Field.ID) >= 0 {
			return fmt.Errorf("%w: %s", revpad_errors.ErrFieldExists, op.Field.ID)
		}
		at := len(p.fields) - 1
		if op.After != "" {
			if at = p.fieldIndex(op.After); at < 0 {
				return fmt.Errorf("%w: anchor %s", revpad_errors.ErrFieldUnknown, op.After)
			}
		}
		p.fields = insertAt(p.fields, at, op.Field)
	case ops.KindDeleteField:
		i := p.fieldIndex(op.ID)
		if i < 0 {
			return fmt.Errorf("%w: %s", revpad_errors.ErrFieldUnknown, op.ID)
		}
		p.fields = slices.Delete(p.fields, i, i+1)
		for r := range p.rows {
			if _, ok := p.rows[r].Cells[op.ID]; ok {
				row := p.mutableRow(r, owned)
				delete(row.Cells, op.ID)
				if len(row.Cells) == 0 {
					row.Cells = nil
				}
			}
		}
		if p.groupField == op.ID {
			p.groupField = ""
		}
	case ops.KindUpdateField:
		i := p.fieldIndex(op.ID)
		if i < 0 {
			return fmt.Errorf("%w: %s", revpad_errors.ErrFieldUnknown, op.ID)
		}
		p.fields[i] = op.Change.ApplyTo(p.fields[i])
	case ops.KindInsertRow:
		if p.rowIndex(op.Row.ID) >= 0 {
			return fmt.Errorf("%w: %s", revpad_errors.ErrRowExists, op.Row.ID)
		}
		for fid := range op.Row.Cells {
			if p.fieldIndex(fid) < 0 {
				return fmt.Errorf("%w: row %s refers to %s", revpad_errors.ErrFieldUnknown, op.Row.ID, fid)
			}
		}
		at := len(p.rows) - 1
		if op.After != "" {
			if at = p.rowIndex(op.After); at < 0 {
				return fmt.Errorf("%w: anchor %s", revpad_errors.ErrRowUnknown, op.After)
			}
		}
		p.rows = insertAt(p.rows, at, op.Row.Clone())
		owned[op.Row.ID] = true
	case ops.KindDeleteRow:
		i := p.rowIndex(op.ID)
		if i < 0 {
			return fmt.Errorf("%w: %s", revpad_errors.ErrRowUnknown, op.ID)
		}
		p.rows = slices.Delete(p.rows, i, i+1)
		delete(owned, op.ID)
	case ops.KindUpdateCell:
		i := p.rowIndex(op.ID)
		if i < 0 {
			return fmt.Errorf("%w: %s", revpad_errors.ErrRowUnknown, op.ID)
		}
		if p.fieldIndex(op.FieldID) < 0 {
			return fmt.Errorf("%w: %s", revpad_errors.ErrFieldUnknown, op.FieldID)
		}
		row := p.mutableRow(i, owned)
		if op.Value == "" {
			delete(row.Cells, op.FieldID)
			if len(row.Cells) == 0 {
				row.Cells = nil
			}
		} else {
			if row.Cells == nil {
				row.Cells = make(map[string]string)
			}
			row.Cells[op.FieldID] = op.Value
		}
	case ops.KindGroupBy:
		if op.FieldID != "" && p.fieldIndex(op.FieldID) < 0 {
			return fmt.Errorf("%w: %s", revpad_errors.ErrFieldUnknown, op.FieldID)
		}
		p.groupField = op.FieldID
	}
	return nil
}

// ToOperations is the canonical operation set that rebuilds p from scratch:
// fields in order, rows in order, then grouping.
func (p *Pad) ToOperations() ops.OpSet {
	set := make(ops.OpSet, 0, len(p.fields)+len(p.rows)+1)
	for _, f := range p.fields {
		set = append(set, ops.InsertField(f, ""))
	}
	for _, r := range p.rows {
		set = append(set, ops.InsertRow(r, ""))
	}
	if p.groupField != "" {
		set = append(set, ops.GroupBy(p.groupField))
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

// Encode is the canonical byte form, ToOperations().Encode().
func (p *Pad) Encode() []byte {
	return p.ToOperations().Encode()
}

// Hash fingerprints the canonical encoding.
func (p *Pad) Hash() uint64 {
	return xxhash.Sum64(p.Encode())
}

// Equal reports observational equality.
func (p *Pad) Equal(other *Pad) bool {
	return slices.Equal(p.Encode(), other.Encode())
}

func (p *Pad) Len() (fields, rows int) {
	return len(p.fields), len(p.rows)
}

// Fields returns a copy of the field list in display order.
func (p *Pad) Fields() []ops.Field {
	return slices.Clone(p.fields)
}

func (p *Pad) Field(id string) (f ops.Field, ok bool) {
	if i := p.fieldIndex(id); i >= 0 {
		return p.fields[i], true
	}
	return
}

// Rows returns deep copies of the rows in order.
func (p *Pad) Rows() []ops.Row {
	rows := make([]ops.Row, len(p.rows))
	for i, r := range p.rows {
		rows[i] = r.Clone()
	}
	return rows
}

func (p *Pad) Row(id string) (r ops.Row, ok bool) {
	if i := p.rowIndex(id); i >= 0 {
		return p.rows[i].Clone(), true
	}
	return
}

func (p *Pad) GroupField() string {
	return p.groupField
}

// String renders the pad for diagnostics and assertions:
//
//	fields: 2
//	  f1 "Name" text
//	  f2 "Done" checkbox hidden
//	rows: 1
//	  r1 f1="alpha"
//	group: f2
func (p *Pad) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "fields: %d\n", len(p.fields))
	for _, f := range p.fields {
		fmt.Fprintf(&b, "  %s %s %s", f.ID, strconv.Quote(f.Name), f.Type)
		if !f.Visible {
			b.WriteString(" hidden")
		}
		if f.Primary {
			b.WriteString(" primary")
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "rows: %d\n", len(p.rows))
	for _, r := range p.rows {
		b.WriteString("  ")
		b.WriteString(r.ID)
		// cells follow field order, not map order
		for _, f := range p.fields {
			if val, ok := r.Cells[f.ID]; ok {
				fmt.Fprintf(&b, " %s=%s", f.ID, strconv.Quote(val))
			}
		}
		b.WriteByte('\n')
	}
	if p.groupField != "" {
		fmt.Fprintf(&b, "group: %s\n", p.groupField)
	}
	return b.String()
}
