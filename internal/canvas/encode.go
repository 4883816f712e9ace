package canvas

import (
	"bytes"
	"fmt"
	"io"

	"github.com/and161185/netsketch/internal/errs"
	"github.com/and161185/netsketch/internal/model"
)

// List filter values.
const (
	FilterAll  = "all"
	FilterMine = "mine"
)

// EndMarker terminates every bootstrap record and every list response.
const EndMarker = "END"

// DrawLine renders cmd as a draw protocol line without the trailing newline.
func DrawLine(cmd model.DrawCommand) string {
	if cmd.IsText() {
		return fmt.Sprintf("draw %s %d %d %d '%s' %s", cmd.Kind, cmd.ID, cmd.X1, cmd.Y1, cmd.Text, cmd.Color)
	}
	return fmt.Sprintf("draw %s %d %d %d %d %d %s", cmd.Kind, cmd.ID, cmd.X1, cmd.Y1, cmd.X2, cmd.Y2, cmd.Color)
}

// ListLine renders cmd as a list response line without the trailing newline.
func ListLine(cmd model.DrawCommand) string {
	head := fmt.Sprintf("list %d => [%s] [%s] ", cmd.ID, cmd.Kind, cmd.Color)
	if cmd.IsText() {
		return head + fmt.Sprintf("[%d %d] *\"%s\"*", cmd.X1, cmd.Y1, cmd.Text)
	}
	return head + fmt.Sprintf("[%d %d %d %d]", cmd.X1, cmd.Y1, cmd.X2, cmd.Y2)
}

// SerializeAll writes every record as a draw line followed by an END line.
// The snapshot is taken under the lock; the write happens outside it.
func (s *Store) SerializeAll(w io.Writer) error {
	var buf bytes.Buffer
	for _, c := range s.Snapshot() {
		buf.WriteString(DrawLine(c))
		buf.WriteByte('\n')
		buf.WriteString(EndMarker)
		buf.WriteByte('\n')
	}
	if buf.Len() == 0 {
		return nil
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// SerializeFiltered writes the list lines matching kindFilter ("all" or an exact kind)
// and ownerFilter ("all", or "mine" meaning owned by requester), then END.
func (s *Store) SerializeFiltered(w io.Writer, kindFilter, ownerFilter, requester string) error {
	if ownerFilter != FilterAll && ownerFilter != FilterMine {
		return fmt.Errorf("user filter %q: %w", ownerFilter, errs.ErrInvalidCommand)
	}
	var buf bytes.Buffer
	for _, c := range s.filtered(kindFilter, ownerFilter, requester) {
		buf.WriteString(ListLine(c))
		buf.WriteByte('\n')
	}
	buf.WriteString(EndMarker)
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}
