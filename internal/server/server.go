// Package server is the connection manager: a single reactor goroutine that admits
// connections, routes inbound lines to the dispatcher, fans accepted mutations out
// to peers and sweeps idle or departed sessions.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/netsketch/internal/canvas"
	"github.com/and161185/netsketch/internal/config"
	"github.com/and161185/netsketch/internal/errs"
	"github.com/and161185/netsketch/internal/journal"
	"github.com/and161185/netsketch/internal/limiter"
	"github.com/and161185/netsketch/internal/metrics"
	"github.com/and161185/netsketch/internal/model"
	"github.com/and161185/netsketch/internal/protocol"
	"github.com/and161185/netsketch/internal/session"
)

// Status lines written to the sender after every line.
const (
	StatusOK       = "Command processed successfully."
	StatusInvalid  = "Invalid command."
	StatusNotFound = "Drawing not found."
	StatusFull     = "Server full: Maximum connection limit reached."

	NicknameAccepted = "NICKNAME_ACCEPTED"
	NicknameTaken    = "NICKNAME_TAKEN"
)

// ErrClosed is returned by Attach once the reactor has stopped.
var ErrClosed = errors.New("server closed")

// Stats is a point-in-time view for health endpoints.
type Stats struct {
	Sessions     int `json:"sessions"`
	Disconnected int `json:"disconnected"`
	Drawings     int `json:"drawings"`
}

// conn is the reactor's record of one admitted transport.
type conn struct {
	id     uint64
	addr   string
	t      Transport
	peer   *peer
	client *session.Client
	gone   bool
}

type (
	attachEvent struct{ t Transport }
	lineEvent   struct {
		c    *conn
		line string
	}
	closedEvent struct {
		c      *conn
		err    error
		reason string
	}
)

// Server is the connection manager. Session-level state is only touched by the reactor goroutine.
type Server struct {
	cfg     config.Config
	store   *canvas.Store
	reg     *session.Registry
	disp    *protocol.Dispatcher
	lim     limiter.Limiter
	journal journal.Recorder
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time

	events   chan any
	sweepReq chan struct{}
	quit     chan struct{}
	started  atomic.Bool
	running  atomic.Bool
	wg       sync.WaitGroup

	seq   uint64
	conns map[uuid.UUID]*conn
}

// Option configures a Server.
type Option func(*Server)

// WithLimiter overrides the admission limiter built from the config caps.
func WithLimiter(l limiter.Limiter) Option { return func(s *Server) { s.lim = l } }

// WithJournal records accepted mutations.
func WithJournal(j journal.Recorder) Option { return func(s *Server) { s.journal = j } }

// WithMetrics records Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithClock overrides time.Now for the sweep.
func WithClock(now func() time.Time) Option { return func(s *Server) { s.now = now } }

// New wires a server around explicit store, registry and dispatcher instances.
func New(cfg config.Config, store *canvas.Store, reg *session.Registry, disp *protocol.Dispatcher, log *zap.Logger, opts ...Option) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		store:    store,
		reg:      reg,
		disp:     disp,
		lim:      limiter.NewConn(cfg.MaxClients, cfg.MaxClientsPerAddr),
		journal:  journal.Nop{},
		log:      log.Named("reactor"),
		now:      time.Now,
		events:   make(chan any, 256),
		sweepReq: make(chan struct{}, 1),
		quit:     make(chan struct{}),
		conns:    make(map[uuid.UUID]*conn),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Serve runs the reactor and accepts connections from ln until ctx is cancelled.
// It returns nil on cancellation and the accept error otherwise. ln is closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reactorDone := s.Start(ctx)

	acceptErr := make(chan error, 1)
	go func() { acceptErr <- s.acceptLoop(ln) }()

	var err error
	select {
	case <-ctx.Done():
	case err = <-acceptErr:
		if err != nil {
			s.log.Error("accept loop stopped", zap.Error(err))
		}
	}
	_ = ln.Close()
	cancel()
	<-reactorDone
	return err
}

// Start launches the reactor and the sweep timer without a listener, for transports
// attached by other front ends. The returned channel closes when the reactor stops.
func (s *Server) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	if !s.started.CompareAndSwap(false, true) {
		close(done)
		return done
	}
	s.running.Store(true)

	s.wg.Add(1)
	go s.sweepTimer(ctx)

	go func() {
		defer close(done)
		s.loop(ctx)
		s.running.Store(false)
		close(s.quit)
		s.drainAttachQueue()
		s.wg.Wait()
	}()
	return done
}

// Running reports whether the reactor is processing events.
func (s *Server) Running() bool { return s.running.Load() }

// Attach hands a connected transport to the reactor.
func (s *Server) Attach(t Transport) error {
	select {
	case <-s.quit:
		return ErrClosed
	default:
	}
	select {
	case s.events <- attachEvent{t: t}:
		return nil
	case <-s.quit:
		return ErrClosed
	}
}

// RequestSweep asks the reactor for a sweep; extra requests coalesce.
func (s *Server) RequestSweep() {
	select {
	case s.sweepReq <- struct{}{}:
	default:
	}
}

// Stats returns live counters; safe from any goroutine.
func (s *Server) Stats() Stats {
	return Stats{
		Sessions:     s.reg.Len(),
		Disconnected: s.reg.DisconnectedLen(),
		Drawings:     s.store.Len(),
	}
}

func (s *Server) acceptLoop(ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		if err := s.Attach(NewTCPTransport(nc, s.cfg.MaxLineBytes)); err != nil {
			_ = nc.Close()
			return nil
		}
	}
}

func (s *Server) sweepTimer(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.RequestSweep()
		}
	}
}

// post delivers an event to the reactor unless it has stopped.
func (s *Server) post(ev any) {
	select {
	case s.events <- ev:
	case <-s.quit:
	}
}

func (s *Server) loop(ctx context.Context) {
	tick := time.NewTicker(s.cfg.TickInterval)
	defer tick.Stop()

	s.log.Info("reactor started",
		zap.Duration("inactivity_timeout", s.cfg.InactivityTimeout),
		zap.Duration("reconnect_timeout", s.cfg.ReconnectTimeout),
	)
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case ev := <-s.events:
			s.handle(ctx, ev)
		case <-tick.C:
			s.sweep(ctx)
		case <-s.sweepReq:
			s.sweep(ctx)
		}
	}
}

func (s *Server) handle(ctx context.Context, ev any) {
	switch e := ev.(type) {
	case attachEvent:
		s.admit(e.t)
	case lineEvent:
		s.handleLine(ctx, e.c, e.line)
	case closedEvent:
		if e.c.gone {
			return
		}
		if e.err != nil && !errors.Is(e.err, io.EOF) {
			s.log.Info("connection error", zap.String("nickname", e.c.client.Nickname()), zap.Error(e.err))
		} else {
			s.log.Info("client disconnected", zap.String("nickname", e.c.client.Nickname()))
		}
		s.remove(e.c, e.reason)
	}
}

func (s *Server) admit(t Transport) {
	addr := t.RemoteAddr()
	if err := s.lim.Acquire(addr); err != nil {
		s.metrics.Rejected()
		s.log.Warn("connection rejected", zap.String("peer", limiter.HashAddr(addr)), zap.Error(err))
		go reject(t, s.cfg.WriteTimeout)
		return
	}

	s.seq++
	c := &conn{id: s.seq, addr: addr, t: t}
	c.peer = newPeer(t, s.cfg.OutboundQueue, s.cfg.WriteTimeout, func(err error) {
		s.post(closedEvent{c: c, err: err, reason: metrics.ReasonIOError})
	})
	c.client = s.reg.Register(c.peer, c.id, addr, "client_"+strconv.FormatUint(c.id, 10))
	s.conns[c.client.ID()] = c

	s.log.Info("new connection",
		zap.Uint64("conn", c.client.ConnID()),
		zap.String("nickname", c.client.Nickname()),
		zap.String("peer", limiter.HashAddr(addr)),
	)

	if err := s.store.SerializeAll(c.peer); err != nil {
		s.log.Warn("bootstrap failed", zap.String("nickname", c.client.Nickname()), zap.Error(err))
		s.remove(c, metrics.ReasonSlowPeer)
		return
	}
	s.gauges()

	go s.readLoop(c)
}

func reject(t Transport, timeout time.Duration) {
	_ = t.SetWriteDeadline(time.Now().Add(timeout))
	_, _ = t.Write([]byte(StatusFull + "\n"))
	_ = t.Close()
}

func (s *Server) readLoop(c *conn) {
	for {
		line, err := c.t.ReadLine()
		if err != nil {
			reason := metrics.ReasonIOError
			if errors.Is(err, io.EOF) {
				reason = metrics.ReasonPeerClose
			}
			s.post(closedEvent{c: c, err: err, reason: reason})
			return
		}
		s.post(lineEvent{c: c, line: line})
	}
}

func (s *Server) handleLine(ctx context.Context, c *conn, line string) {
	if c.gone {
		return
	}
	owner := c.client.Nickname()
	out, err := s.disp.Dispatch(ctx, protocol.Request{Owner: owner, Line: line, Out: c.peer})

	verb := "unknown"
	if out.Command != nil {
		verb = string(out.Command.Verb())
		s.reg.Touch(c.client)
	}

	switch {
	case err == nil:
	case errors.Is(err, errs.ErrQueueFull), errors.Is(err, errs.ErrSessionClosed):
		s.metrics.Command(verb, metrics.StatusError)
		s.remove(c, metrics.ReasonSlowPeer)
		return
	case errors.Is(err, errs.ErrNotFound):
		s.metrics.Command(verb, metrics.StatusNotFound)
		s.reply(c, StatusNotFound)
		return
	case errors.Is(err, errs.ErrInvalidCommand):
		s.metrics.Command(verb, metrics.StatusInvalid)
		s.log.Info("invalid command", zap.String("nickname", owner), zap.Error(err))
		if s.reply(c, StatusInvalid) && s.cfg.DisconnectOnInvalid {
			s.remove(c, metrics.ReasonInvalid)
		}
		return
	default:
		s.metrics.Command(verb, metrics.StatusError)
		s.log.Warn("command failed", zap.String("nickname", owner), zap.Error(err))
		s.reply(c, StatusInvalid)
		return
	}
	s.metrics.Command(verb, metrics.StatusOK)

	switch cmd := out.Command.(type) {
	case protocol.Exit:
		s.reply(c, StatusOK)
		s.remove(c, metrics.ReasonExit)
		return
	case protocol.Nickname:
		s.rename(c, cmd.Name)
		return
	}

	if !s.reply(c, StatusOK) {
		return
	}
	if out.Mutating {
		s.journal.Record(model.JournalEntry{
			ID:         uuid.Must(uuid.NewV4()),
			Owner:      owner,
			Verb:       verb,
			Line:       line,
			AcceptedAt: s.now(),
		})
		s.broadcast(c, line)
		s.gauges()
	}
}

func (s *Server) rename(c *conn, nickname string) {
	old := c.client.Nickname()
	superseded, err := s.reg.Rename(c.client, nickname)
	if err != nil {
		s.reply(c, NicknameTaken)
		return
	}
	s.log.Info("nickname changed",
		zap.String("from", old),
		zap.String("to", nickname),
		zap.Bool("resumed", superseded),
	)
	s.reply(c, NicknameAccepted)
	s.gauges()
}

// reply queues a status line; a peer that cannot take it is removed.
func (s *Server) reply(c *conn, status string) bool {
	if err := c.peer.WriteLine(status); err != nil {
		s.log.Warn("reply failed", zap.String("nickname", c.client.Nickname()), zap.Error(err))
		s.remove(c, metrics.ReasonSlowPeer)
		return false
	}
	return true
}

// broadcast fans line out to every session except the sender, in registry order.
// Peers whose queue is full are evicted after the fan-out.
func (s *Server) broadcast(sender *conn, line string) {
	msg := []byte(line + "\n")
	var slow []*conn
	sent := 0
	for _, cl := range s.reg.Clients() {
		c, ok := s.conns[cl.ID()]
		if !ok || c == sender || c.gone {
			continue
		}
		if _, err := c.peer.Write(msg); err != nil {
			slow = append(slow, c)
			continue
		}
		sent++
	}
	s.metrics.Broadcast(sent)
	for _, c := range slow {
		s.log.Warn("evicting slow peer", zap.String("nickname", c.client.Nickname()))
		s.remove(c, metrics.ReasonSlowPeer)
	}
}

func (s *Server) remove(c *conn, reason string) {
	if c.gone {
		return
	}
	c.gone = true
	s.reg.Remove(c.client)
	s.release(c, reason)
}

// release drops reactor bookkeeping for a session the registry already removed.
func (s *Server) release(c *conn, reason string) {
	c.gone = true
	delete(s.conns, c.client.ID())
	s.lim.Release(c.addr)
	s.metrics.Removed(reason)
	s.log.Info("session removed",
		zap.Uint64("conn", c.client.ConnID()),
		zap.String("nickname", c.client.Nickname()),
		zap.String("reason", reason),
	)
	s.gauges()
}

func (s *Server) sweep(ctx context.Context) {
	res := s.reg.Sweep(s.now())
	for _, cl := range res.Evicted {
		if c, ok := s.conns[cl.ID()]; ok {
			s.release(c, metrics.ReasonInactive)
		}
	}
	for _, a := range res.Adopted {
		s.adopt(ctx, a)
	}
	if len(res.Evicted) > 0 || len(res.Adopted) > 0 {
		s.gauges()
	}
}

// adopt replays a departed owner's buffered lines through the dispatcher, in order.
func (s *Server) adopt(ctx context.Context, a session.Adoption) {
	applied := 0
	for _, line := range a.Commands {
		out, err := s.disp.Dispatch(ctx, protocol.Request{Owner: a.Owner, Line: line, Out: io.Discard})
		if err != nil {
			s.log.Warn("adoption: line rejected", zap.String("owner", a.Owner), zap.String("line", line), zap.Error(err))
			continue
		}
		applied++
		if out.Mutating {
			s.journal.Record(model.JournalEntry{
				ID:         uuid.Must(uuid.NewV4()),
				Owner:      a.Owner,
				Verb:       string(out.Command.Verb()),
				Line:       line,
				Adopted:    true,
				AcceptedAt: s.now(),
			})
		}
	}
	s.metrics.Adopted(applied)
	s.log.Info("adopted buffered commands", zap.String("owner", a.Owner), zap.Int("lines", applied))
}

func (s *Server) shutdown() {
	n := s.reg.RemoveAll()
	for _, c := range s.conns {
		if !c.gone {
			s.release(c, metrics.ReasonShutdown)
		}
	}
	s.log.Info("reactor stopped", zap.Int("sessions_closed", n))
}

// drainAttachQueue closes transports that were queued but never admitted.
func (s *Server) drainAttachQueue() {
	for {
		select {
		case ev := <-s.events:
			if a, ok := ev.(attachEvent); ok {
				_ = a.t.Close()
			}
		default:
			return
		}
	}
}

func (s *Server) gauges() {
	s.metrics.Gauges(s.reg.Len(), s.reg.DisconnectedLen(), s.store.Len())
}
