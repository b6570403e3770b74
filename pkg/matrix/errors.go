package matrix

import "errors"

var (
	// ErrInvalidCode is returned when a cell contains a letter outside RASCI.
	ErrInvalidCode = errors.New("invalid responsibility code")

	// ErrEmptyName is returned for changes with an empty task name.
	ErrEmptyName = errors.New("task name must not be empty")

	// ErrReservedName is returned for task names that read as a chain step
	// label, such as "Approve Legal".
	ErrReservedName = errors.New("task name is reserved for chain steps")
)
