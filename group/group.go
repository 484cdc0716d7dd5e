// Package group derives board columns from a pad: rows are grouped by the
// value of their cell in the pad's group field. It only reads the pad;
// changing the grouping is an ops.GroupBy submitted to the manager.
package group

import (
	"errors"
	"strings"

	"github.com/drpcorg/revpad/ops"
	"github.com/drpcorg/revpad/pad"
)

var ErrNoGroupField = errors.New("revpad: pad is not grouped")

// PadReader is anything that hands out the current pad, a revpad.Manager
// for one.
type PadReader interface {
	Pad() *pad.Pad
}

type Group struct {
	// ID is the cell value the rows share, empty for the default group.
	ID      string
	FieldID string
	Name    string
	Default bool
	RowIDs  []string
}

type Controller struct {
	src PadReader
}

func NewController(src PadReader) *Controller {
	return &Controller{src: src}
}

// Field is the field the pad is grouped by.
func (c *Controller) Field() (ops.Field, error) {
	p := c.src.Pad()
	f, ok := p.Field(p.GroupField())
	if !ok {
		return ops.Field{}, ErrNoGroupField
	}
	return f, nil
}

// cellGroups lists the group ids of one cell value. A multi-select cell
// holds comma separated options and the row lands in each of them.
func cellGroups(f ops.Field, val string) []string {
	if f.Type != ops.MultiSelect {
		return []string{val}
	}
	var ids []string
	for _, opt := range strings.Split(val, ",") {
		if opt = strings.TrimSpace(opt); opt != "" {
			ids = append(ids, opt)
		}
	}
	return ids
}

// Groups returns the default group (rows without a value) first, then one
// group per distinct value in order of first appearance. Row ids keep the
// pad's row order.
func (c *Controller) Groups() ([]Group, error) {
	p := c.src.Pad()
	f, ok := p.Field(p.GroupField())
	if !ok {
		return nil, ErrNoGroupField
	}
	groups := []Group{{FieldID: f.ID, Name: "No " + f.Name, Default: true}}
	index := make(map[string]int)
	for _, row := range p.Rows() {
		val, _ := row.Cell(f.ID)
		ids := cellGroups(f, val)
		if len(ids) == 0 || ids[0] == "" {
			groups[0].RowIDs = append(groups[0].RowIDs, row.ID)
			continue
		}
		for _, id := range ids {
			i, ok := index[id]
			if !ok {
				i = len(groups)
				index[id] = i
				groups = append(groups, Group{ID: id, FieldID: f.ID, Name: id})
			}
			groups[i].RowIDs = append(groups[i].RowIDs, row.ID)
		}
	}
	return groups, nil
}
