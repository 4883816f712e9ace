// Package session tracks live client sessions and the reconnect grace snapshots of departed ones.
package session

import (
	"io"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/netsketch/internal/errs"
)

// Client is one live session.
type Client struct {
	id       uuid.UUID
	connID   uint64
	addr     string
	conn     io.Closer
	nickname string
	last     time.Time
	pending  []string
	removed  bool
}

// ID returns the stable session identity.
func (c *Client) ID() uuid.UUID { return c.id }

// ConnID returns the connection sequence number the session was accepted with.
func (c *Client) ConnID() uint64 { return c.connID }

// Addr returns the remote address.
func (c *Client) Addr() string { return c.addr }

// Nickname returns the current display name; also the owner tag of the session's drawings.
func (c *Client) Nickname() string { return c.nickname }

// LastActivity returns the time of the last successfully parsed line.
func (c *Client) LastActivity() time.Time { return c.last }

// DisconnectedClient is the state kept for a departed session during its grace window.
// The window is measured from LastActivity.
type DisconnectedClient struct {
	Nickname        string
	PendingCommands []string
	LastActivity    time.Time
}

// Adoption is a set of buffered lines to replay on behalf of an owner who did not return.
type Adoption struct {
	Owner    string
	Commands []string
}

// SweepResult reports what a sweep did.
type SweepResult struct {
	Evicted []*Client
	Adopted []Adoption
}

// Config holds registry timeouts.
type Config struct {
	InactivityTimeout time.Duration
	ReconnectTimeout  time.Duration
}

// Registry owns live sessions and disconnected snapshots. Safe for concurrent use.
type Registry struct {
	mu           sync.Mutex
	cfg          Config
	live         map[uuid.UUID]*Client
	order        []uuid.UUID
	disconnected map[string]*DisconnectedClient
	now          func() time.Time
	log          *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg Config, log *zap.Logger, opts ...Option) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{
		cfg:          cfg,
		live:         make(map[uuid.UUID]*Client),
		disconnected: make(map[string]*DisconnectedClient),
		now:          time.Now,
		log:          log,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register creates a live session. A grace snapshot held under the same nickname
// is discarded: reconnecting resumes live participation without replaying history.
func (r *Registry) Register(conn io.Closer, connID uint64, addr, nickname string) *Client {
	c := &Client{
		id:       uuid.Must(uuid.NewV4()),
		connID:   connID,
		addr:     addr,
		conn:     conn,
		nickname: nickname,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c.last = r.now()
	r.live[c.id] = c
	r.order = append(r.order, c.id)
	r.supersedeLocked(nickname)
	return c
}

// Touch records activity for c.
func (r *Registry) Touch(c *Client) {
	r.mu.Lock()
	c.last = r.now()
	r.mu.Unlock()
}

// Buffer appends a raw line to the session's pending commands.
func (r *Registry) Buffer(c *Client, line string) {
	r.mu.Lock()
	c.pending = append(c.pending, line)
	r.mu.Unlock()
}

// Rename changes the nickname of c. It reports whether a grace snapshot was superseded.
func (r *Registry) Rename(c *Client, nickname string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.removed {
		return false, errs.ErrSessionClosed
	}
	for _, other := range r.live {
		if other != c && other.nickname == nickname {
			return false, errs.ErrNicknameTaken
		}
	}
	c.nickname = nickname
	return r.supersedeLocked(nickname), nil
}

func (r *Registry) supersedeLocked(nickname string) bool {
	if _, ok := r.disconnected[nickname]; !ok {
		return false
	}
	delete(r.disconnected, nickname)
	r.log.Info("reconnected within grace window", zap.String("nickname", nickname))
	return true
}

// Remove moves c into the disconnected set, closes its transport and drops it from
// the live set. It reports false when c was already removed.
func (r *Registry) Remove(c *Client) bool {
	r.mu.Lock()
	if c.removed {
		r.mu.Unlock()
		return false
	}
	c.removed = true
	r.disconnected[c.nickname] = &DisconnectedClient{
		Nickname:        c.nickname,
		PendingCommands: append([]string(nil), c.pending...),
		LastActivity:    c.last,
	}
	c.pending = nil
	delete(r.live, c.id)
	for i, id := range r.order {
		if id == c.id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			r.log.Debug("close transport", zap.String("nickname", c.nickname), zap.Error(err))
		}
	}
	return true
}

// Sweep evicts idle sessions and hands back the snapshots whose owner has been silent for
// longer than ReconnectTimeout. A session evicted for inactivity is therefore adopted in the
// same sweep. Each returned adoption is deleted from the registry, so it is delivered exactly once.
func (r *Registry) Sweep(now time.Time) SweepResult {
	var res SweepResult

	r.mu.Lock()
	var idle []*Client
	for _, id := range r.order {
		c := r.live[id]
		if now.Sub(c.last) > r.cfg.InactivityTimeout {
			idle = append(idle, c)
		}
	}
	r.mu.Unlock()

	for _, c := range idle {
		if r.Remove(c) {
			r.log.Info("evicted for inactivity",
				zap.String("nickname", c.nickname),
				zap.Duration("idle", now.Sub(c.last)),
			)
			res.Evicted = append(res.Evicted, c)
		}
	}

	r.mu.Lock()
	for nick, dc := range r.disconnected {
		if now.Sub(dc.LastActivity) > r.cfg.ReconnectTimeout {
			res.Adopted = append(res.Adopted, Adoption{Owner: nick, Commands: dc.PendingCommands})
			delete(r.disconnected, nick)
		}
	}
	r.mu.Unlock()

	sort.Slice(res.Adopted, func(i, j int) bool { return res.Adopted[i].Owner < res.Adopted[j].Owner })
	return res
}

// Clients returns the live sessions in registration order.
func (r *Registry) Clients() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Client, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.live[id])
	}
	return out
}

// Lookup finds a live session by nickname.
func (r *Registry) Lookup(nickname string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		if c := r.live[id]; c.nickname == nickname {
			return c, true
		}
	}
	return nil, false
}

// Disconnected returns a copy of the grace snapshot for nickname.
func (r *Registry) Disconnected(nickname string) (DisconnectedClient, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dc, ok := r.disconnected[nickname]
	if !ok {
		return DisconnectedClient{}, false
	}
	out := *dc
	out.PendingCommands = append([]string(nil), dc.PendingCommands...)
	return out, true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// DisconnectedLen returns the number of snapshots inside their grace window.
func (r *Registry) DisconnectedLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.disconnected)
}

// RemoveAll removes every live session, used on shutdown.
func (r *Registry) RemoveAll() int {
	n := 0
	for _, c := range r.Clients() {
		if r.Remove(c) {
			n++
		}
	}
	return n
}
