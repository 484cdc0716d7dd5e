package ops

import (
	"fmt"

	"github.com/drpcorg/revpad/protocol"
	"github.com/drpcorg/revpad/revpad_errors"
)

// Kind doubles as the TLV record type of an encoded op.
type Kind byte

const (
	KindInsertField Kind = 'F'
	KindDeleteField Kind = 'X'
	KindUpdateField Kind = 'U'
	KindInsertRow   Kind = 'R'
	KindDeleteRow   Kind = 'D'
	KindUpdateCell  Kind = 'C'
	KindGroupBy     Kind = 'G'
)

func (k Kind) String() string {
	switch k {
	case KindInsertField:
		return "insert_field"
	case KindDeleteField:
		return "delete_field"
	case KindUpdateField:
		return "update_field"
	case KindInsertRow:
		return "insert_row"
	case KindDeleteRow:
		return "delete_row"
	case KindUpdateCell:
		return "update_cell"
	case KindGroupBy:
		return "group_by"
	}
	return fmt.Sprintf("kind(%c)", byte(k))
}

// Op is one atomic document transform. Which members matter depends on Kind:
//
//	InsertField  Field, After
//	DeleteField  ID
//	UpdateField  ID, Change
//	InsertRow    Row, After
//	DeleteRow    ID
//	UpdateCell   ID (row), FieldID, Value
//	GroupBy      FieldID (empty clears)
type Op struct {
	Kind    Kind
	Field   Field
	Row     Row
	Change  FieldChange
	ID      string
	FieldID string
	Value   string
	After   string
}

// InsertField places f after the field with id after, or last when after is empty.
func InsertField(f Field, after string) Op {
	return Op{Kind: KindInsertField, Field: f, After: after}
}

func DeleteField(id string) Op {
	return Op{Kind: KindDeleteField, ID: id}
}

func UpdateField(id string, ch FieldChange) Op {
	return Op{Kind: KindUpdateField, ID: id, Change: ch}
}

func InsertRow(r Row, after string) Op {
	return Op{Kind: KindInsertRow, Row: r.Clone(), After: after}
}

func DeleteRow(id string) Op {
	return Op{Kind: KindDeleteRow, ID: id}
}

// UpdateCell sets a cell value; an empty value removes the cell.
func UpdateCell(rowID, fieldID, value string) Op {
	return Op{Kind: KindUpdateCell, ID: rowID, FieldID: fieldID, Value: value}
}

func GroupBy(fieldID string) Op {
	return Op{Kind: KindGroupBy, FieldID: fieldID}
}

func decodeErr(format string, a ...any) error {
	return fmt.Errorf("%w: %s", revpad_errors.ErrDecode, fmt.Sprintf(format, a...))
}

// Validate checks the op in isolation, without looking at any pad.
func (op Op) Validate() error {
	switch op.Kind {
	case KindInsertField:
		if !op.Field.Valid() {
			return decodeErr("bad field %q", op.Field.ID)
		}
	case KindDeleteField, KindDeleteRow:
		if !validID(op.ID) {
			return decodeErr("%s: bad id %q", op.Kind, op.ID)
		}
	case KindUpdateField:
		if !validID(op.ID) {
			return decodeErr("%s: bad id %q", op.Kind, op.ID)
		}
		if op.Change.Type != nil && !op.Change.Type.Valid() {
			return decodeErr("%s: bad field type %d", op.Kind, byte(*op.Change.Type))
		}
		if op.Change.Name != nil && !validName(*op.Change.Name) {
			return decodeErr("%s: bad field name %q", op.Kind, *op.Change.Name)
		}
	case KindInsertRow:
		if !validID(op.Row.ID) {
			return decodeErr("bad row %q", op.Row.ID)
		}
		for fid := range op.Row.Cells {
			if !validID(fid) {
				return decodeErr("row %s: bad cell field %q", op.Row.ID, fid)
			}
		}
	case KindUpdateCell:
		if !validID(op.ID) || !validID(op.FieldID) {
			return decodeErr("%s: bad cell %q/%q", op.Kind, op.ID, op.FieldID)
		}
	case KindGroupBy:
		if op.FieldID != "" && !validID(op.FieldID) {
			return decodeErr("%s: bad field %q", op.Kind, op.FieldID)
		}
	default:
		return decodeErr("unknown op %s", op.Kind)
	}
	return nil
}

func (ch FieldChange) records() (recs protocol.Records) {
	if ch.Name != nil {
		recs = append(recs, protocol.Record('N', []byte(*ch.Name)))
	}
	if ch.Desc != nil {
		recs = append(recs, protocol.Record('E', []byte(*ch.Desc)))
	}
	if ch.Type != nil {
		recs = append(recs, protocol.Record('T', []byte{byte(*ch.Type)}))
	}
	if ch.Width != nil {
		recs = append(recs, protocol.Record('W', protocol.ZipInt64(*ch.Width)))
	}
	if ch.Visible != nil {
		recs = append(recs, protocol.Record('V', protocol.ZipBool(*ch.Visible)))
	}
	if ch.Frozen != nil {
		recs = append(recs, protocol.Record('Z', protocol.ZipBool(*ch.Frozen)))
	}
	if ch.Primary != nil {
		recs = append(recs, protocol.Record('P', protocol.ZipBool(*ch.Primary)))
	}
	if ch.TypeOption != nil {
		recs = append(recs, protocol.Record('O', []byte(*ch.TypeOption)))
	}
	return
}

// take reads one field property record into ch; false if lit is not a property.
func (ch *FieldChange) take(lit byte, val []byte) (bool, error) {
	switch lit {
	case 'N':
		s := string(val)
		ch.Name = &s
	case 'E':
		s := string(val)
		ch.Desc = &s
	case 'T':
		if len(val) != 1 {
			return true, decodeErr("bad field type record")
		}
		t := FieldType(val[0])
		ch.Type = &t
	case 'W':
		w := protocol.UnzipInt64(val)
		ch.Width = &w
	case 'V':
		b := protocol.UnzipBool(val)
		ch.Visible = &b
	case 'Z':
		b := protocol.UnzipBool(val)
		ch.Frozen = &b
	case 'P':
		b := protocol.UnzipBool(val)
		ch.Primary = &b
	case 'O':
		s := string(val)
		ch.TypeOption = &s
	default:
		return false, nil
	}
	return true, nil
}

func rowRecords(r Row) (recs protocol.Records) {
	recs = append(recs,
		protocol.Record('I', []byte(r.ID)),
		protocol.Record('H', protocol.ZipInt64(r.Height)),
		protocol.Record('V', protocol.ZipBool(r.Visible)),
	)
	for _, fid := range r.CellIDs() {
		recs = append(recs, protocol.Record('C',
			protocol.Record('K', []byte(fid)),
			protocol.Record('S', []byte(r.Cells[fid])),
		))
	}
	return
}

// Record encodes the op as a single TLV record.
func (op Op) Record() []byte {
	var recs protocol.Records
	switch op.Kind {
	case KindInsertField:
		recs = append(recs, protocol.Record('I', []byte(op.Field.ID)))
		recs = append(recs, op.Field.Full().records()...)
		if op.After != "" {
			recs = append(recs, protocol.Record('A', []byte(op.After)))
		}
	case KindDeleteField, KindDeleteRow:
		recs = append(recs, protocol.Record('I', []byte(op.ID)))
	case KindUpdateField:
		recs = append(recs, protocol.Record('I', []byte(op.ID)))
		recs = append(recs, op.Change.records()...)
	case KindInsertRow:
		recs = append(recs, rowRecords(op.Row)...)
		if op.After != "" {
			recs = append(recs, protocol.Record('A', []byte(op.After)))
		}
	case KindUpdateCell:
		recs = append(recs,
			protocol.Record('I', []byte(op.ID)),
			protocol.Record('K', []byte(op.FieldID)),
			protocol.Record('S', []byte(op.Value)),
		)
	case KindGroupBy:
		recs = append(recs, protocol.Record('K', []byte(op.FieldID)))
	}
	return protocol.Record(byte(op.Kind), recs...)
}

func eachRecord(body []byte, f func(lit byte, val []byte) error) error {
	rest := body
	for len(rest) > 0 {
		lit, val, r, err := protocol.TakeAnyWary(rest)
		if err != nil {
			return fmt.Errorf("%w: %w", revpad_errors.ErrDecode, err)
		}
		if err = f(lit, val); err != nil {
			return err
		}
		rest = r
	}
	return nil
}

func decodeCell(body []byte) (fid, val string, err error) {
	err = eachRecord(body, func(lit byte, v []byte) error {
		switch lit {
		case 'K':
			fid = string(v)
		case 'S':
			val = string(v)
		default:
			return decodeErr("unexpected %c in cell", lit)
		}
		return nil
	})
	return
}

// DecodeOp parses one op record produced by Op.Record.
func DecodeOp(kind byte, body []byte) (op Op, err error) {
	op.Kind = Kind(kind)
	var change FieldChange
	err = eachRecord(body, func(lit byte, val []byte) error {
		switch op.Kind {
		case KindInsertField, KindUpdateField:
			if ok, err := change.take(lit, val); ok || err != nil {
				return err
			}
			switch lit {
			case 'I':
				op.ID = string(val)
			case 'A':
				op.After = string(val)
			default:
				return decodeErr("%s: unexpected %c", op.Kind, lit)
			}
		case KindDeleteField, KindDeleteRow:
			if lit != 'I' {
				return decodeErr("%s: unexpected %c", op.Kind, lit)
			}
			op.ID = string(val)
		case KindInsertRow:
			switch lit {
			case 'I':
				op.Row.ID = string(val)
			case 'H':
				op.Row.Height = protocol.UnzipInt64(val)
			case 'V':
				op.Row.Visible = protocol.UnzipBool(val)
			case 'A':
				op.After = string(val)
			case 'C':
				fid, cell, err := decodeCell(val)
				if err != nil {
					return err
				}
				if op.Row.Cells == nil {
					op.Row.Cells = make(map[string]string)
				}
				op.Row.Cells[fid] = cell
			default:
				return decodeErr("%s: unexpected %c", op.Kind, lit)
			}
		case KindUpdateCell:
			switch lit {
			case 'I':
				op.ID = string(val)
			case 'K':
				op.FieldID = string(val)
			case 'S':
				op.Value = string(val)
			default:
				return decodeErr("%s: unexpected %c", op.Kind, lit)
			}
		case KindGroupBy:
			if lit != 'K' {
				return decodeErr("%s: unexpected %c", op.Kind, lit)
			}
			op.FieldID = string(val)
		default:
			return decodeErr("unknown op %s", op.Kind)
		}
		return nil
	})
	if err != nil {
		return Op{}, err
	}
	switch op.Kind {
	case KindInsertField:
		op.Field = change.ApplyTo(Field{ID: op.ID})
		op.ID = ""
	case KindUpdateField:
		op.Change = change
	}
	if err = op.Validate(); err != nil {
		return Op{}, err
	}
	return op, nil
}
