// Package canvas holds the authoritative set of draw commands shared by all sessions.
package canvas

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/netsketch/internal/errs"
	"github.com/and161185/netsketch/internal/model"
)

const firstID int64 = 1

// Store is a thread-safe collection of draw commands keyed by server-assigned id.
// Readers and writers share one exclusive lock.
type Store struct {
	mu     sync.Mutex
	cmds   map[int64]model.DrawCommand
	nextID int64
	log    *zap.Logger
}

// NewStore constructs an empty store; a nil logger disables logging.
func NewStore(log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		cmds:   make(map[int64]model.DrawCommand),
		nextID: firstID,
		log:    log,
	}
}

// Add allocates the next id, stores cmd under it and returns the id.
// Any id carried by cmd is ignored.
func (s *Store) Add(cmd model.DrawCommand) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	cmd.ID = id
	s.cmds[id] = cmd
	return id
}

// Remove deletes the record if present and reports whether it existed.
func (s *Store) Remove(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cmds[id]; !ok {
		return false
	}
	delete(s.cmds, id)
	return true
}

// Modify overwrites every field of id except ID and Kind.
func (s *Store) Modify(id int64, f model.Fields) error {
	return s.Update(id, f.Apply)
}

// Update runs fn on a copy of the record under the store lock and writes it back.
// ID and Kind changes made by fn are discarded.
func (s *Store) Update(id int64, fn func(*model.DrawCommand)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.cmds[id]
	if !ok {
		s.log.Warn("modify: drawing not found", zap.Int64("id", id))
		return fmt.Errorf("drawing %d: %w", id, errs.ErrNotFound)
	}
	next := cur
	fn(&next)
	next.ID, next.Kind = cur.ID, cur.Kind
	s.cmds[id] = next
	return nil
}

// Get returns a copy of the record.
func (s *Store) Get(id int64) (model.DrawCommand, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cmds[id]
	return c, ok
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cmds)
}

// Snapshot returns a point-in-time copy ordered by id.
func (s *Store) Snapshot() []model.DrawCommand {
	s.mu.Lock()
	out := make([]model.DrawCommand, 0, len(s.cmds))
	for _, c := range s.cmds {
		out = append(out, c)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ClearAll empties the store and resets the id counter, so the next Add returns 1 again.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.cmds)
	s.cmds = make(map[int64]model.DrawCommand)
	s.nextID = firstID
	s.log.Info("canvas cleared", zap.Int("removed", n))
}

// ClearOwned deletes every record owned by owner and returns how many were removed.
func (s *Store) ClearOwned(owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, c := range s.cmds {
		if c.Owner == owner {
			delete(s.cmds, id)
			n++
		}
	}
	s.log.Info("owner drawings cleared", zap.String("owner", owner), zap.Int("removed", n))
	return n
}

// filtered returns records matching the list filters, ordered by id.
func (s *Store) filtered(kindFilter, ownerFilter, requester string) []model.DrawCommand {
	all := s.Snapshot()
	out := all[:0]
	for _, c := range all {
		if kindFilter != FilterAll && c.Kind != kindFilter {
			continue
		}
		if ownerFilter == FilterMine && c.Owner != requester {
			continue
		}
		out = append(out, c)
	}
	return out
}
