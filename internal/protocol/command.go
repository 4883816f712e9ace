// Package protocol decodes NetSketch protocol lines into typed commands and applies them to the canvas.
package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/and161185/netsketch/internal/canvas"
	"github.com/and161185/netsketch/internal/errs"
	"github.com/and161185/netsketch/internal/model"
)

// Verb names the first word of a protocol line.
type Verb string

// Known verbs.
const (
	VerbDraw     Verb = "draw"
	VerbDelete   Verb = "delete"
	VerbModify   Verb = "modify"
	VerbList     Verb = "list"
	VerbClear    Verb = "clear"
	VerbTool     Verb = "tool"
	VerbColour   Verb = "colour"
	VerbSelect   Verb = "select"
	VerbUndo     Verb = "undo"
	VerbShow     Verb = "show"
	VerbExit     Verb = "exit"
	VerbNickname Verb = "nickname"
)

const maxNicknameLen = 32

// Command is one decoded protocol line. The set of implementations is closed.
type Command interface {
	Verb() Verb
	// Mutates reports whether the command changes the canvas and is broadcast to peers.
	Mutates() bool
}

// Draw adds a shape or a text label. ClientID is advisory; the canvas assigns the real id.
type Draw struct {
	Kind           string
	ClientID       int64
	X1, Y1, X2, Y2 int
	Text           string
	Color          model.Color
}

// Delete removes a drawing by id.
type Delete struct{ ID int64 }

// Modify replaces the geometry of a drawing and optionally its color.
type Modify struct {
	ID             int64
	Color          *model.Color // nil keeps the current color
	X1, Y1, X2, Y2 int
}

// List asks for the drawings matching the filters.
type List struct{ KindFilter, UserFilter string }

// Clear removes every drawing (Mine == false) or only the caller's.
type Clear struct{ Mine bool }

// Tool selects a drawing tool. Accepted, no state change.
type Tool struct{ Name string }

// Colour selects a current color. Accepted, no state change.
type Colour struct{ Color model.Color }

// Select picks a drawing. Accepted, no state change.
type Select struct{ Args []string }

// Undo reverts the caller's last action. Accepted, no state change.
type Undo struct{}

// Show toggles a view filter. Accepted, no state change.
type Show struct{ Args []string }

// Exit is a clean request to disconnect.
type Exit struct{}

// Nickname claims a display name for the session.
type Nickname struct{ Name string }

func (Draw) Verb() Verb     { return VerbDraw }
func (Delete) Verb() Verb   { return VerbDelete }
func (Modify) Verb() Verb   { return VerbModify }
func (List) Verb() Verb     { return VerbList }
func (Clear) Verb() Verb    { return VerbClear }
func (Tool) Verb() Verb     { return VerbTool }
func (Colour) Verb() Verb   { return VerbColour }
func (Select) Verb() Verb   { return VerbSelect }
func (Undo) Verb() Verb     { return VerbUndo }
func (Show) Verb() Verb     { return VerbShow }
func (Exit) Verb() Verb     { return VerbExit }
func (Nickname) Verb() Verb { return VerbNickname }

func (Draw) Mutates() bool     { return true }
func (Delete) Mutates() bool   { return true }
func (Modify) Mutates() bool   { return true }
func (Clear) Mutates() bool    { return true }
func (List) Mutates() bool     { return false }
func (Tool) Mutates() bool     { return false }
func (Colour) Mutates() bool   { return false }
func (Select) Mutates() bool   { return false }
func (Undo) Mutates() bool     { return false }
func (Show) Mutates() bool     { return false }
func (Exit) Mutates() bool     { return false }
func (Nickname) Mutates() bool { return false }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errs.ErrInvalidCommand)
}

// Parse decodes one protocol line (without its newline).
func Parse(line string) (Command, error) {
	line = strings.TrimRight(line, "\r\n")
	f := strings.Fields(line)
	if len(f) == 0 {
		return nil, invalid("empty line")
	}

	switch verb := f[0]; Verb(verb) {
	case VerbDraw:
		return parseDraw(line, f)
	case VerbDelete:
		if len(f) != 2 {
			return nil, invalid("delete: want 1 argument, got %d", len(f)-1)
		}
		id, err := parseID(f[1])
		if err != nil {
			return nil, err
		}
		return Delete{ID: id}, nil
	case VerbModify:
		return parseModify(f)
	case VerbList:
		if len(f) > 3 {
			return nil, invalid("list: too many arguments")
		}
		l := List{KindFilter: canvas.FilterAll, UserFilter: canvas.FilterAll}
		if len(f) > 1 {
			l.KindFilter = f[1]
		}
		if len(f) > 2 {
			l.UserFilter = f[2]
		}
		if l.UserFilter != canvas.FilterAll && l.UserFilter != canvas.FilterMine {
			return nil, invalid("list: user filter %q", l.UserFilter)
		}
		return l, nil
	case VerbClear:
		if len(f) != 2 {
			return nil, invalid("clear: want all|mine")
		}
		switch f[1] {
		case canvas.FilterAll:
			return Clear{}, nil
		case canvas.FilterMine:
			return Clear{Mine: true}, nil
		}
		return nil, invalid("clear: scope %q", f[1])
	case VerbTool:
		if len(f) != 2 {
			return nil, invalid("tool: want a name")
		}
		return Tool{Name: f[1]}, nil
	case VerbColour:
		if len(f) != 4 {
			return nil, invalid("colour: want r g b")
		}
		c, err := model.ParseColor(f[1], f[2], f[3])
		if err != nil {
			return nil, invalid("colour: %v", err)
		}
		return Colour{Color: c}, nil
	case VerbSelect:
		return Select{Args: f[1:]}, nil
	case VerbUndo:
		return Undo{}, nil
	case VerbShow:
		return Show{Args: f[1:]}, nil
	case VerbExit:
		return Exit{}, nil
	default:
		if strings.EqualFold(verb, string(VerbNickname)) {
			if len(f) != 2 || len(f[1]) > maxNicknameLen {
				return nil, invalid("nickname: want one name up to %d characters", maxNicknameLen)
			}
			return Nickname{Name: f[1]}, nil
		}
		return nil, invalid("unknown verb %q", verb)
	}
}

// parseDraw handles both grammars:
//
//	draw <kind> <id> <x1> <y1> <x2> <y2> <r> <g> <b>
//	draw text <id> <x1> <y1> '<text>' <r> <g> <b>
func parseDraw(line string, f []string) (Command, error) {
	if len(f) < 3 {
		return nil, invalid("draw: missing kind or id")
	}
	d := Draw{Kind: f[1]}
	var err error
	if d.ClientID, err = parseID(f[2]); err != nil {
		return nil, err
	}

	if d.Kind != model.KindText {
		if len(f) != 10 {
			return nil, invalid("draw %s: want 8 numbers after kind", d.Kind)
		}
		if err := parseInts(f[3:7], &d.X1, &d.Y1, &d.X2, &d.Y2); err != nil {
			return nil, err
		}
		if d.Color, err = model.ParseColor(f[7], f[8], f[9]); err != nil {
			return nil, invalid("draw: %v", err)
		}
		return d, nil
	}

	// text runs from the first quote to the last one, so it may contain apostrophes.
	open := strings.IndexByte(line, '\'')
	closing := strings.LastIndexByte(line, '\'')
	if open < 0 || closing <= open {
		return nil, invalid("draw text: text must be single-quoted")
	}
	head := strings.Fields(line[:open])
	if len(head) != 5 {
		return nil, invalid("draw text: want id x1 y1 before the text")
	}
	if err := parseInts(head[3:5], &d.X1, &d.Y1); err != nil {
		return nil, err
	}
	d.Text = line[open+1 : closing]
	tail := strings.Fields(line[closing+1:])
	if len(tail) != 3 {
		return nil, invalid("draw text: want r g b after the text")
	}
	if d.Color, err = model.ParseColor(tail[0], tail[1], tail[2]); err != nil {
		return nil, invalid("draw text: %v", err)
	}
	return d, nil
}

// parseModify handles:
//
//	modify <id> colour <r> <g> <b> draw <x1> <y1> <x2> <y2>
//	modify <id> draw <x1> <y1> <x2> <y2>
func parseModify(f []string) (Command, error) {
	if len(f) < 3 {
		return nil, invalid("modify: missing id or sub-command")
	}
	m := Modify{}
	var err error
	if m.ID, err = parseID(f[1]); err != nil {
		return nil, err
	}
	switch f[2] {
	case "colour":
		if len(f) != 11 || f[6] != "draw" {
			return nil, invalid("modify colour: want r g b draw x1 y1 x2 y2")
		}
		c, err := model.ParseColor(f[3], f[4], f[5])
		if err != nil {
			return nil, invalid("modify: %v", err)
		}
		m.Color = &c
		if err := parseInts(f[7:11], &m.X1, &m.Y1, &m.X2, &m.Y2); err != nil {
			return nil, err
		}
	case "draw":
		if len(f) != 7 {
			return nil, invalid("modify draw: want x1 y1 x2 y2")
		}
		if err := parseInts(f[3:7], &m.X1, &m.Y1, &m.X2, &m.Y2); err != nil {
			return nil, err
		}
	default:
		return nil, invalid("modify: unknown sub-command %q", f[2])
	}
	return m, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, invalid("id %q", s)
	}
	return id, nil
}

func parseInts(src []string, dst ...*int) error {
	for i, s := range src {
		v, err := strconv.Atoi(s)
		if err != nil {
			return invalid("coordinate %q", s)
		}
		*dst[i] = v
	}
	return nil
}
