// Package model defines domain entities shared by the canvas, protocol and session layers.
package model

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gofrs/uuid/v5"
)

// KindText is the only kind with a text payload; every other kind is a two-point shape.
const KindText = "text"

// Color is an RGB triple.
type Color struct {
	R, G, B uint8
}

// String renders the color the way it appears on the wire: "r g b".
func (c Color) String() string {
	return fmt.Sprintf("%d %d %d", c.R, c.G, c.B)
}

// ParseColor parses three decimal components in [0,255].
func ParseColor(r, g, b string) (Color, error) {
	var out [3]uint8
	for i, s := range [3]string{r, g, b} {
		v, err := strconv.Atoi(s)
		if err != nil {
			return Color{}, fmt.Errorf("color component %q: %w", s, err)
		}
		if v < 0 || v > 255 {
			return Color{}, fmt.Errorf("color component %d out of range", v)
		}
		out[i] = uint8(v)
	}
	return Color{R: out[0], G: out[1], B: out[2]}, nil
}

// DrawCommand is a single symbolic drawing primitive held by the canvas.
type DrawCommand struct {
	ID     int64  // assigned by the canvas store, never reused until ClearAll
	Kind   string // "line", "rect", "text", ...; immutable after creation
	X1, Y1 int    // anchor for text
	X2, Y2 int    // unused for text
	Text   string // only for KindText
	Color  Color
	Owner  string // nickname of the session that created or last modified it
}

// IsText reports whether the command carries a text payload.
func (c DrawCommand) IsText() bool { return c.Kind == KindText }

// Fields is the replaceable part of a DrawCommand (everything except ID and Kind).
type Fields struct {
	X1, Y1, X2, Y2 int
	Text           string
	Color          Color
	Owner          string
}

// Apply overwrites every field except ID and Kind.
func (f Fields) Apply(c *DrawCommand) {
	c.X1, c.Y1, c.X2, c.Y2 = f.X1, f.Y1, f.X2, f.Y2
	c.Text = f.Text
	c.Color = f.Color
	c.Owner = f.Owner
}

// JournalEntry is an audit record of one accepted mutation.
type JournalEntry struct {
	ID         uuid.UUID
	Owner      string
	Verb       string
	Line       string // raw protocol line as received
	Adopted    bool   // replayed from a disconnected client's buffer
	AcceptedAt time.Time
}
