package protocol

import (
	"bytes"
	"math"
	"strconv"

	"github.com/adred-codev/pixelflut/internal/canvas"
)

// HelpText is the response to HELP. It ends with "\r\n" so clients can read
// every response up to that terminator.
const HelpText = "Pixelflut server\n" +
	"\n" +
	"Accepted commands:\n" +
	"- OFFSET X Y: add X and Y to the coordinates of every following PX command\n" +
	"- PX X Y <hex color: RGB | RRGGBB | RRGGBBAA>: set the pixel at X, Y to color\n" +
	"- SIZE: reply with the canvas size as a line SIZE <width> <height>\n" +
	"- HELP: this text\n" +
	"\n" +
	"All numbers are decimal, except color codes.\n" +
	"\n" +
	"Examples:\n" +
	"PX 10 10 FFF\n" +
	"PX 10 11 ffaa00\n" +
	"PX 10 12 ffaa00ff\r\n"

var (
	respOutOfBounds = []byte("error: pixel out of bounds\r\n")
	respLineTooLong = []byte("error: line too long (discarding)\r\n")
	respSyntaxOpen  = []byte("error: syntax error or unknown command '")
	respSyntaxClose = []byte("'\r\n")
	replacementChar = []byte("�")
)

// Tally counts what a session did since it was last taken.
type Tally struct {
	Commands     [kindCount]int
	Pixels       int
	SyntaxErrors int
	BoundsErrors int
	Overlong     int
	BytesIn      int
	BytesOut     int
}

// Count returns the number of executed commands of kind k.
func (t *Tally) Count(k Kind) int {
	if int(k) >= kindCount {
		return 0
	}
	return t.Commands[k]
}

// Session is the per-connection interpreter state. It is used by one
// goroutine at a time.
type Session struct {
	offsetX uint32
	offsetY uint32
	tally   Tally
}

func NewSession() *Session {
	return &Session{}
}

// Offset returns the translation applied to PX coordinates.
func (s *Session) Offset() (x, y uint32) {
	return s.offsetX, s.offsetY
}

// TakeTally returns the counters accumulated so far and resets them.
func (s *Session) TakeTally() Tally {
	t := s.tally
	s.tally = Tally{}
	return t
}

func trimTerminator(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line
}

// ExecLine parses one line and executes it against c, appending any response
// to out. Malformed and overlong lines produce an error response and leave c
// untouched.
func (s *Session) ExecLine(c *canvas.Canvas, line []byte, out []byte) []byte {
	line = trimTerminator(line)
	if len(line) > MaxLineLength {
		s.tally.Overlong++
		return append(out, respLineTooLong...)
	}

	cmd, err := Parse(line)
	if err != nil {
		s.tally.SyntaxErrors++
		out = append(out, respSyntaxOpen...)
		out = append(out, bytes.ToValidUTF8(line, replacementChar)...)
		return append(out, respSyntaxClose...)
	}
	return s.Exec(c, cmd, out)
}

func checkedAdd(a, b uint32) (uint32, bool) {
	if a > math.MaxUint32-b {
		return 0, false
	}
	return a + b, true
}

// Exec runs a parsed command against c, appending any response to out.
func (s *Session) Exec(c *canvas.Canvas, cmd Command, out []byte) []byte {
	s.tally.Commands[cmd.Kind]++

	switch cmd.Kind {
	case KindHelp:
		out = append(out, HelpText...)
	case KindSize:
		out = append(out, "SIZE "...)
		out = strconv.AppendUint(out, uint64(c.Width()), 10)
		out = append(out, ' ')
		out = strconv.AppendUint(out, uint64(c.Height()), 10)
		out = append(out, '\r', '\n')
	case KindPixel:
		x, okX := checkedAdd(cmd.X, s.offsetX)
		y, okY := checkedAdd(cmd.Y, s.offsetY)
		if !okX || !okY || !c.BoundsCheck(x, y) {
			s.tally.BoundsErrors++
			return append(out, respOutOfBounds...)
		}
		c.Set(x, y, cmd.Color)
		s.tally.Pixels++
	case KindOffset:
		s.offsetX, s.offsetY = cmd.X, cmd.Y
	}
	return out
}
