// Package protocol implements the Pixelflut text protocol: parsing a line
// into a Command, executing commands for one client Session, and the framed
// read loop that drives a connection.
package protocol

import (
	"errors"
	"fmt"

	"github.com/adred-codev/pixelflut/internal/canvas"
)

// MaxLineLength bounds a command line, excluding its terminator.
const MaxLineLength = 128

// Kind identifies a parsed command.
type Kind uint8

const (
	KindHelp Kind = iota + 1
	KindSize
	KindPixel
	KindOffset
)

// kindCount sizes per-kind counters; index 0 is unused.
const kindCount = int(KindOffset) + 1

func (k Kind) String() string {
	switch k {
	case KindHelp:
		return "help"
	case KindSize:
		return "size"
	case KindPixel:
		return "px"
	case KindOffset:
		return "offset"
	default:
		return "unknown"
	}
}

// Kinds lists every command kind, in protocol order.
var Kinds = []Kind{KindHelp, KindSize, KindPixel, KindOffset}

// Command is one parsed protocol request. X, Y and Color are only meaningful
// for the kinds that carry them.
type Command struct {
	Kind  Kind
	X, Y  uint32
	Color canvas.Pixel
}

var (
	ErrUnknownCommand    = errors.New("unknown command")
	ErrMissingArgument   = errors.New("missing argument")
	ErrInvalidCoordinate = errors.New("invalid coordinate")
	ErrInvalidColor      = errors.New("invalid color")
)

// ParseError wraps a parse failure with the field that caused it.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

// nextField splits off the first whitespace-delimited field of b.
// field is empty when b holds only whitespace.
func nextField(b []byte) (field, rest []byte) {
	i := 0
	for i < len(b) && isSpace(b[i]) {
		i++
	}
	j := i
	for j < len(b) && !isSpace(b[j]) {
		j++
	}
	return b[i:j], b[j:]
}

// ParseCoord decodes a non-negative base-10 integer. Signs, empty input and
// values that overflow uint32 are rejected.
func ParseCoord(b []byte) (uint32, error) {
	if len(b) == 0 {
		return 0, ErrInvalidCoordinate
	}
	var v uint32
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, ErrInvalidCoordinate
		}
		d := uint32(c - '0')
		if v > (^uint32(0)-d)/10 {
			return 0, ErrInvalidCoordinate
		}
		v = v*10 + d
	}
	return v, nil
}

func parseXY(rest []byte) (x, y uint32, tail []byte, err error) {
	var fx, fy []byte
	fx, rest = nextField(rest)
	fy, rest = nextField(rest)
	if len(fx) == 0 || len(fy) == 0 {
		return 0, 0, nil, &ParseError{Field: "coordinate", Err: ErrMissingArgument}
	}
	if x, err = ParseCoord(fx); err != nil {
		return 0, 0, nil, &ParseError{Field: "x", Err: err}
	}
	if y, err = ParseCoord(fy); err != nil {
		return 0, 0, nil, &ParseError{Field: "y", Err: err}
	}
	return x, y, rest, nil
}

// Parse decodes a single command line. The line may still carry its
// trailing "\r\n". Keywords are case-sensitive and trailing tokens beyond
// those a command needs are ignored.
func Parse(line []byte) (Command, error) {
	keyword, rest := nextField(line)

	switch string(keyword) {
	case "PX":
		x, y, rest, err := parseXY(rest)
		if err != nil {
			return Command{}, err
		}
		hex, _ := nextField(rest)
		if len(hex) == 0 {
			return Command{}, &ParseError{Field: "color", Err: ErrMissingArgument}
		}
		color, ok := canvas.DecodeHexColor(hex)
		if !ok {
			return Command{}, &ParseError{Field: "color", Err: ErrInvalidColor}
		}
		return Command{Kind: KindPixel, X: x, Y: y, Color: color}, nil
	case "SIZE":
		return Command{Kind: KindSize}, nil
	case "HELP":
		return Command{Kind: KindHelp}, nil
	case "OFFSET":
		x, y, _, err := parseXY(rest)
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: KindOffset, X: x, Y: y}, nil
	default:
		return Command{}, &ParseError{Err: ErrUnknownCommand}
	}
}
