package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/and161185/netsketch/internal/canvas"
	"github.com/and161185/netsketch/internal/errs"
	"github.com/and161185/netsketch/internal/model"
)

const tracerName = "github.com/and161185/netsketch/internal/protocol"

// Request is one inbound line attributed to an owner.
type Request struct {
	Owner string
	Line  string
	// Out receives query responses (list). Mutations never write to it.
	Out io.Writer
}

// Outcome describes a successfully applied line.
type Outcome struct {
	Command Command
	// Mutating is true when the canvas was changed and the raw line should be broadcast.
	Mutating bool
}

// Dispatcher turns protocol lines into canvas mutations and query responses.
// It holds no per-session state.
type Dispatcher struct {
	store  *canvas.Store
	log    *zap.Logger
	tracer trace.Tracer
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*dispatcherOptions)

type dispatcherOptions struct {
	tp trace.TracerProvider
}

// WithTracerProvider sets where dispatch spans go. The global provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) DispatcherOption {
	return func(o *dispatcherOptions) { o.tp = tp }
}

// NewDispatcher constructs a dispatcher over an explicit store instance.
func NewDispatcher(store *canvas.Store, log *zap.Logger, opts ...DispatcherOption) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	o := dispatcherOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tp == nil {
		o.tp = otel.GetTracerProvider()
	}
	return &Dispatcher{store: store, log: log, tracer: o.tp.Tracer(tracerName)}
}

// Dispatch parses req.Line and applies it. Parse failures wrap errs.ErrInvalidCommand;
// delete/modify of an unknown id wrap errs.ErrNotFound. Neither is fatal for the session.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Outcome, error) {
	ctx, span := d.tracer.Start(ctx, "protocol.Dispatch",
		trace.WithAttributes(attribute.String("netsketch.owner", req.Owner)))
	defer span.End()

	cmd, err := Parse(req.Line)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse")
		return Outcome{}, err
	}
	span.SetAttributes(attribute.String("netsketch.verb", string(cmd.Verb())))

	if err := d.Apply(ctx, req.Owner, cmd, req.Out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply")
		return Outcome{Command: cmd}, err
	}
	return Outcome{Command: cmd, Mutating: cmd.Mutates()}, nil
}

// Apply executes an already decoded command on behalf of owner.
func (d *Dispatcher) Apply(_ context.Context, owner string, cmd Command, out io.Writer) error {
	switch c := cmd.(type) {
	case Draw:
		id := d.store.Add(model.DrawCommand{
			Kind:  c.Kind,
			X1:    c.X1,
			Y1:    c.Y1,
			X2:    c.X2,
			Y2:    c.Y2,
			Text:  c.Text,
			Color: c.Color,
			Owner: owner,
		})
		d.log.Debug("draw", zap.String("owner", owner), zap.String("kind", c.Kind), zap.Int64("id", id))
		return nil

	case Delete:
		if !d.store.Remove(c.ID) {
			d.log.Warn("delete: drawing not found", zap.String("owner", owner), zap.Int64("id", c.ID))
			return fmt.Errorf("delete %d: %w", c.ID, errs.ErrNotFound)
		}
		return nil

	case Modify:
		return d.store.Update(c.ID, func(dc *model.DrawCommand) {
			dc.X1, dc.Y1, dc.X2, dc.Y2 = c.X1, c.Y1, c.X2, c.Y2
			if c.Color != nil {
				dc.Color = *c.Color
			}
			dc.Owner = owner
		})

	case List:
		if out == nil {
			return errors.New("list: no response writer")
		}
		return d.store.SerializeFiltered(out, c.KindFilter, c.UserFilter, owner)

	case Clear:
		if c.Mine {
			d.store.ClearOwned(owner)
			return nil
		}
		d.store.ClearAll()
		return nil

	case Tool, Colour, Select, Undo, Show:
		// accepted, no state change
		return nil

	case Exit, Nickname:
		// session-level verbs, handled by the connection manager
		return nil
	}
	return fmt.Errorf("unhandled command %T: %w", cmd, errs.ErrInvalidCommand)
}
