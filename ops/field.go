package ops

import (
	"sort"
	"unicode/utf8"

	"github.com/google/uuid"
)

// FieldType is an opaque one-letter tag; the pad stores it, never interprets it.
type FieldType byte

const (
	RichText     FieldType = 'T'
	Number       FieldType = 'N'
	DateTime     FieldType = 'D'
	SingleSelect FieldType = 'S'
	MultiSelect  FieldType = 'M'
	Checkbox     FieldType = 'C'
	URL          FieldType = 'U'
	Checklist    FieldType = 'L'
)

func (t FieldType) Valid() bool {
	return t >= 'A' && t <= 'Z'
}

func (t FieldType) String() string {
	switch t {
	case RichText:
		return "text"
	case Number:
		return "number"
	case DateTime:
		return "date"
	case SingleSelect:
		return "select"
	case MultiSelect:
		return "multiselect"
	case Checkbox:
		return "checkbox"
	case URL:
		return "url"
	case Checklist:
		return "checklist"
	}
	return string([]byte{byte(t)})
}

const DefaultFieldWidth = 150
const DefaultRowHeight = 60

// Field is a column definition as produced by the entity layer.
type Field struct {
	ID         string
	Name       string
	Desc       string
	Type       FieldType
	Width      int64
	Visible    bool
	Frozen     bool
	Primary    bool
	TypeOption string
}

// NewField makes a visible field with a fresh UUIDv7 id.
func NewField(name string, typ FieldType) Field {
	return Field{
		ID:      uuid.Must(uuid.NewV7()).String(),
		Name:    name,
		Type:    typ,
		Width:   DefaultFieldWidth,
		Visible: true,
	}
}

func hasUnsafeChars(text string) bool {
	for _, l := range text {
		if l < ' ' {
			return true
		}
	}
	return false
}

func validID(id string) bool {
	return len(id) > 0 && utf8.ValidString(id) && !hasUnsafeChars(id)
}

func validName(name string) bool {
	return utf8.ValidString(name) && !hasUnsafeChars(name)
}

func (f Field) Valid() bool {
	return validID(f.ID) && f.Type.Valid() && validName(f.Name)
}

// FieldChange lists the properties an update touches; nil members stay as they are.
type FieldChange struct {
	Name       *string
	Desc       *string
	Type       *FieldType
	Width      *int64
	Visible    *bool
	Frozen     *bool
	Primary    *bool
	TypeOption *string
}

func (ch FieldChange) IsEmpty() bool {
	return ch == FieldChange{}
}

// ApplyTo returns f with the set members of ch written over it.
func (ch FieldChange) ApplyTo(f Field) Field {
	if ch.Name != nil {
		f.Name = *ch.Name
	}
	if ch.Desc != nil {
		f.Desc = *ch.Desc
	}
	if ch.Type != nil {
		f.Type = *ch.Type
	}
	if ch.Width != nil {
		f.Width = *ch.Width
	}
	if ch.Visible != nil {
		f.Visible = *ch.Visible
	}
	if ch.Frozen != nil {
		f.Frozen = *ch.Frozen
	}
	if ch.Primary != nil {
		f.Primary = *ch.Primary
	}
	if ch.TypeOption != nil {
		f.TypeOption = *ch.TypeOption
	}
	return f
}

// Full is a change that overwrites every property with those of f.
func (f Field) Full() FieldChange {
	return FieldChange{
		Name:       &f.Name,
		Desc:       &f.Desc,
		Type:       &f.Type,
		Width:      &f.Width,
		Visible:    &f.Visible,
		Frozen:     &f.Frozen,
		Primary:    &f.Primary,
		TypeOption: &f.TypeOption,
	}
}

// Row is a record of cell values keyed by field id.
type Row struct {
	ID      string
	Height  int64
	Visible bool
	Cells   map[string]string
}

func NewRow(cells map[string]string) Row {
	return Row{
		ID:      uuid.Must(uuid.NewV7()).String(),
		Height:  DefaultRowHeight,
		Visible: true,
		Cells:   cells,
	}
}

func (r Row) Cell(fieldID string) (val string, ok bool) {
	val, ok = r.Cells[fieldID]
	return
}

// CellIDs lists the field ids the row has values for, sorted.
func (r Row) CellIDs() []string {
	ids := make([]string, 0, len(r.Cells))
	for id := range r.Cells {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone deep-copies the cell map; an empty map becomes nil.
func (r Row) Clone() Row {
	if len(r.Cells) == 0 {
		r.Cells = nil
		return r
	}
	cells := make(map[string]string, len(r.Cells))
	for k, v := range r.Cells {
		cells[k] = v
	}
	r.Cells = cells
	return r
}
