package matrix

import (
	"fmt"
	"math/bits"
	"strings"
)

// Code is a single responsibility code.
type Code uint8

const (
	Responsible Code = 1 << iota
	Accountable
	Support
	Consulted
	Informed
)

// canonicalCodes is the RASCI order used for rendering and iteration.
var canonicalCodes = []Code{Responsible, Accountable, Support, Consulted, Informed}

// Codes returns all codes in canonical order.
func Codes() []Code {
	out := make([]Code, len(canonicalCodes))
	copy(out, canonicalCodes)
	return out
}

// Letter returns the single-letter form of the code.
func (c Code) Letter() byte {
	switch c {
	case Responsible:
		return 'R'
	case Accountable:
		return 'A'
	case Support:
		return 'S'
	case Consulted:
		return 'C'
	case Informed:
		return 'I'
	}
	return '?'
}

func (c Code) String() string {
	return string(c.Letter())
}

// ParseCode maps a letter (any case) to its code.
func ParseCode(r rune) (Code, bool) {
	switch r {
	case 'R', 'r':
		return Responsible, true
	case 'A', 'a':
		return Accountable, true
	case 'S', 's':
		return Support, true
	case 'C', 'c':
		return Consulted, true
	case 'I', 'i':
		return Informed, true
	}
	return 0, false
}

// Cell is the closed set of codes a role holds on a task. The zero value is
// the empty cell (no assignment).
type Cell uint8

const cellMask = Cell(Responsible | Accountable | Support | Consulted | Informed)

// CellOf builds a cell from codes.
func CellOf(codes ...Code) Cell {
	var c Cell
	for _, code := range codes {
		c |= Cell(code)
	}
	return c & cellMask
}

// Has reports whether the cell contains code.
func (c Cell) Has(code Code) bool {
	return c&Cell(code) != 0
}

// With returns the cell with code added.
func (c Cell) With(code Code) Cell {
	return (c | Cell(code)) & cellMask
}

// Without returns the cell with code removed.
func (c Cell) Without(code Code) Cell {
	return c &^ Cell(code)
}

// Empty reports whether the cell holds no code.
func (c Cell) Empty() bool {
	return c&cellMask == 0
}

// Len returns the number of codes in the cell.
func (c Cell) Len() int {
	return bits.OnesCount8(uint8(c & cellMask))
}

// Codes lists the cell's codes in canonical order.
func (c Cell) Codes() []Code {
	var out []Code
	for _, code := range canonicalCodes {
		if c.Has(code) {
			out = append(out, code)
		}
	}
	return out
}

func (c Cell) String() string {
	var b strings.Builder
	for _, code := range c.Codes() {
		b.WriteByte(code.Letter())
	}
	return b.String()
}

// ParseCell parses the textual form of a cell. Letters may appear in any
// case and order, optionally separated by spaces, commas, '+' or '/'.
// Repeated letters collapse. The empty string yields the empty cell.
func ParseCell(s string) (Cell, error) {
	var c Cell
	for _, r := range s {
		switch r {
		case ' ', '\t', ',', '+', '/', '-':
			continue
		}
		code, ok := ParseCode(r)
		if !ok {
			return 0, fmt.Errorf("%w: %q in %q", ErrInvalidCode, r, s)
		}
		c = c.With(code)
	}
	return c, nil
}

// MustParseCell is ParseCell for literals known to be valid.
func MustParseCell(s string) Cell {
	c, err := ParseCell(s)
	if err != nil {
		panic(err)
	}
	return c
}

// MarshalText renders the cell as its letters, so JSON and YAML encode
// cells as plain strings.
func (c Cell) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText parses the letter form.
func (c *Cell) UnmarshalText(text []byte) error {
	parsed, err := ParseCell(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
