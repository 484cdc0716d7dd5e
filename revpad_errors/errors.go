// Provides common revpad errors definitions.
//
// The three kinds are ErrDecode, ErrApply and ErrStore. Specific causes are
// wrapped together with their kind, so both errors.Is(err, ErrApply) and
// errors.Is(err, ErrFieldExists) hold for a duplicate field insert.
package revpad_errors

import "errors"

var (
	ErrDecode = errors.New("revpad: malformed operation payload")
	ErrApply  = errors.New("revpad: operation does not fit the pad")
	ErrStore  = errors.New("revpad: store failure")

	ErrFieldExists  = errors.New("revpad: field already exists")
	ErrFieldUnknown = errors.New("revpad: unknown field")
	ErrRowExists    = errors.New("revpad: row already exists")
	ErrRowUnknown   = errors.New("revpad: unknown row")

	ErrChecksum    = errors.New("revpad: checksum mismatch")
	ErrOutOfOrder  = errors.New("revpad: sequence gap")
	ErrNoRevisions = errors.New("revpad: revision log is empty")
	ErrClosed      = errors.New("revpad: store is closed")
)
