package protocol

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/netsketch/internal/canvas"
	"github.com/and161185/netsketch/internal/errs"
	"github.com/and161185/netsketch/internal/model"
)

func newDispatcher(t *testing.T) (*Dispatcher, *canvas.Store) {
	t.Helper()
	log := zaptest.NewLogger(t)
	store := canvas.NewStore(log)
	return NewDispatcher(store, log), store
}

func dispatch(t *testing.T, d *Dispatcher, owner, line string) (Outcome, string, error) {
	t.Helper()
	var out bytes.Buffer
	o, err := d.Dispatch(context.Background(), Request{Owner: owner, Line: line, Out: &out})
	return o, out.String(), err
}

func TestDispatch_DrawLine(t *testing.T) {
	d, store := newDispatcher(t)

	o, _, err := dispatch(t, d, "client_1", "draw line 0 10 10 50 50 255 0 0")
	require.NoError(t, err)
	require.True(t, o.Mutating)

	snap := store.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, model.DrawCommand{
		ID: 1, Kind: "line", X1: 10, Y1: 10, X2: 50, Y2: 50,
		Color: model.Color{R: 255}, Owner: "client_1",
	}, snap[0])
}

func TestDispatch_DrawText(t *testing.T) {
	d, store := newDispatcher(t)

	_, _, err := dispatch(t, d, "client_1", "draw text 0 5 5 'hello world' 0 0 0")
	require.NoError(t, err)

	got, ok := store.Get(1)
	require.True(t, ok)
	require.Equal(t, "text", got.Kind)
	require.Equal(t, "hello world", got.Text)
	require.Equal(t, model.Color{}, got.Color)
}

func TestDispatch_DeleteUnknown(t *testing.T) {
	d, store := newDispatcher(t)
	_, _, err := dispatch(t, d, "a", "draw line 0 1 1 2 2 0 0 0")
	require.NoError(t, err)

	o, _, err := dispatch(t, d, "a", "delete 999")
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.False(t, o.Mutating)
	require.Equal(t, 1, store.Len())
}

func TestDispatch_DeleteExisting(t *testing.T) {
	d, store := newDispatcher(t)
	_, _, _ = dispatch(t, d, "a", "draw line 0 1 1 2 2 0 0 0")

	o, _, err := dispatch(t, d, "b", "delete 1")
	require.NoError(t, err)
	require.True(t, o.Mutating)
	require.Equal(t, 0, store.Len())
}

func TestDispatch_ModifyPreservesKind(t *testing.T) {
	d, store := newDispatcher(t)
	_, _, _ = dispatch(t, d, "a", "draw rect 0 1 1 2 2 10 20 30")
	_, _, _ = dispatch(t, d, "a", "draw text 0 5 5 'keep me' 1 1 1")

	_, _, err := dispatch(t, d, "b", "modify 1 colour 255 0 0 draw 7 8 9 10")
	require.NoError(t, err)
	got, _ := store.Get(1)
	require.Equal(t, model.DrawCommand{
		ID: 1, Kind: "rect", X1: 7, Y1: 8, X2: 9, Y2: 10, Color: model.Color{R: 255}, Owner: "b",
	}, got)

	_, _, err = dispatch(t, d, "c", "modify 2 draw 50 60 0 0")
	require.NoError(t, err)
	got, _ = store.Get(2)
	require.Equal(t, "text", got.Kind)
	require.Equal(t, "keep me", got.Text)
	require.Equal(t, model.Color{R: 1, G: 1, B: 1}, got.Color, "geometry-only modify keeps color")
	require.Equal(t, 50, got.X1)
	require.Equal(t, "c", got.Owner)
}

func TestDispatch_ModifyUnknown(t *testing.T) {
	d, store := newDispatcher(t)
	_, _, err := dispatch(t, d, "a", "modify 3 draw 1 2 3 4")
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.Equal(t, 0, store.Len())
}

func TestDispatch_ListWritesToRequester(t *testing.T) {
	d, _ := newDispatcher(t)
	_, _, _ = dispatch(t, d, "a", "draw line 0 1 1 2 2 0 0 0")
	_, _, _ = dispatch(t, d, "b", "draw rect 0 3 3 4 4 0 0 0")

	o, out, err := dispatch(t, d, "a", "list all mine")
	require.NoError(t, err)
	require.False(t, o.Mutating)
	require.Equal(t, "list 1 => [line] [0 0 0] [1 1 2 2]\nEND\n", out)

	_, out, err = dispatch(t, d, "a", "list rect all")
	require.NoError(t, err)
	require.Equal(t, "list 2 => [rect] [0 0 0] [3 3 4 4]\nEND\n", out)
}

func TestDispatch_Clear(t *testing.T) {
	d, store := newDispatcher(t)
	_, _, _ = dispatch(t, d, "a", "draw line 0 1 1 2 2 0 0 0")
	_, _, _ = dispatch(t, d, "b", "draw line 0 1 1 2 2 0 0 0")
	_, _, _ = dispatch(t, d, "a", "draw line 0 1 1 2 2 0 0 0")

	o, _, err := dispatch(t, d, "a", "clear mine")
	require.NoError(t, err)
	require.True(t, o.Mutating)
	require.Equal(t, 1, store.Len())

	_, _, err = dispatch(t, d, "b", "clear all")
	require.NoError(t, err)
	require.Equal(t, 0, store.Len())

	_, _, _ = dispatch(t, d, "b", "draw line 0 1 1 2 2 0 0 0")
	_, ok := store.Get(1)
	require.True(t, ok, "id counter restarts after clear all")
}

func TestDispatch_InertVerbsDoNotTouchCanvas(t *testing.T) {
	d, store := newDispatcher(t)
	_, _, _ = dispatch(t, d, "a", "draw line 0 1 1 2 2 0 0 0")
	before := store.Snapshot()

	for _, l := range []string{"tool pen", "colour 1 2 3", "select 1", "undo", "show all"} {
		o, out, err := dispatch(t, d, "a", l)
		require.NoError(t, err, l)
		require.False(t, o.Mutating, l)
		require.Empty(t, out, l)
	}
	require.Equal(t, before, store.Snapshot())
}

func TestDispatch_InvalidLine(t *testing.T) {
	d, store := newDispatcher(t)
	_, _, err := dispatch(t, d, "a", "scribble 1 2")
	require.True(t, errors.Is(err, errs.ErrInvalidCommand))
	require.Equal(t, 0, store.Len())
}

type tuple struct {
	kind           string
	x1, y1, x2, y2 int
	text           string
	color          model.Color
}

func tuples(s *canvas.Store) []tuple {
	var out []tuple
	for _, c := range s.Snapshot() {
		out = append(out, tuple{c.Kind, c.X1, c.Y1, c.X2, c.Y2, c.Text, c.Color})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].kind+out[i].text < out[j].kind+out[j].text })
	return out
}

func TestSerializeAll_RoundTripThroughDraw(t *testing.T) {
	src, srcStore := newDispatcher(t)
	lines := []string{
		"draw line 0 10 10 50 50 255 0 0",
		"draw rect 0 -5 0 5 10 1 2 3",
		"draw text 0 5 5 'hello world' 0 0 0",
		"draw text 0 9 9 'it's' 10 20 30",
		"draw circle 0 0 0 100 100 255 255 255",
	}
	for _, l := range lines {
		_, _, err := dispatch(t, src, "a", l)
		require.NoError(t, err)
	}
	srcStore.Remove(2)

	var wire bytes.Buffer
	require.NoError(t, srcStore.SerializeAll(&wire))

	dst, dstStore := newDispatcher(t)
	sc := bufio.NewScanner(&wire)
	for sc.Scan() {
		l := sc.Text()
		if l == canvas.EndMarker {
			continue
		}
		require.True(t, strings.HasPrefix(l, "draw "))
		_, _, err := dispatch(t, dst, "b", l)
		require.NoError(t, err, l)
	}
	require.Equal(t, tuples(srcStore), tuples(dstStore))
}

func spanAttr(s sdktrace.ReadOnlySpan, key attribute.Key) (string, bool) {
	for _, kv := range s.Attributes() {
		if kv.Key == key {
			return kv.Value.AsString(), true
		}
	}
	return "", false
}

func TestDispatch_RecordsSpanPerLine(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	log := zaptest.NewLogger(t)
	d := NewDispatcher(canvas.NewStore(log), log, WithTracerProvider(tp))

	lines := []string{
		"draw line 0 1 1 2 2 0 0 0",
		"bogus",
		"delete 42",
		"list all all",
	}
	for _, l := range lines {
		_, _, _ = dispatch(t, d, "client_1", l)
	}

	spans := rec.Ended()
	require.Len(t, spans, len(lines))
	for _, s := range spans {
		require.Equal(t, "protocol.Dispatch", s.Name())
		owner, ok := spanAttr(s, "netsketch.owner")
		require.True(t, ok)
		require.Equal(t, "client_1", owner)
	}

	verb, ok := spanAttr(spans[0], "netsketch.verb")
	require.True(t, ok)
	require.Equal(t, "draw", verb)
	require.NotEqual(t, codes.Error, spans[0].Status().Code)

	_, ok = spanAttr(spans[1], "netsketch.verb")
	require.False(t, ok, "unparsed line has no verb")
	require.Equal(t, codes.Error, spans[1].Status().Code)
	require.Equal(t, "parse", spans[1].Status().Description)

	verb, _ = spanAttr(spans[2], "netsketch.verb")
	require.Equal(t, "delete", verb)
	require.Equal(t, codes.Error, spans[2].Status().Code)
	require.Equal(t, "apply", spans[2].Status().Description)

	verb, _ = spanAttr(spans[3], "netsketch.verb")
	require.Equal(t, "list", verb)
	require.NotEqual(t, codes.Error, spans[3].Status().Code)
}
