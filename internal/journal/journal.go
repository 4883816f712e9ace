// Package journal keeps an append-only audit trail of accepted canvas mutations.
// The trail is write-only: it is never read back to rebuild the canvas.
package journal

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/netsketch/internal/model"
)

// Recorder accepts journal entries without blocking the caller.
type Recorder interface {
	Record(e model.JournalEntry)
}

// Nop discards every entry.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(model.JournalEntry) {}

const insertEntry = `
INSERT INTO canvas_journal (id, owner, verb, line, adopted, accepted_at)
VALUES ($1, $2, $3, $4, $5, $6)`

// PG writes entries to PostgreSQL from a single background goroutine.
// When the buffer is full, entries are dropped and counted rather than
// stalling the reactor.
type PG struct {
	db      Execer
	log     *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	closed  bool
	dropped int
	entries chan model.JournalEntry
	done    chan struct{}
}

// NewPG constructs a journal writer; call Start before Record.
func NewPG(db Execer, log *zap.Logger, buffer int) *PG {
	if log == nil {
		log = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 1024
	}
	return &PG{
		db:      db,
		log:     log,
		timeout: 5 * time.Second,
		entries: make(chan model.JournalEntry, buffer),
		done:    make(chan struct{}),
	}
}

// Start launches the writer goroutine.
func (j *PG) Start() {
	go j.run()
}

// Record queues e for writing.
func (j *PG) Record(e model.JournalEntry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	select {
	case j.entries <- e:
	default:
		j.dropped++
		if j.dropped == 1 || j.dropped%100 == 0 {
			j.log.Warn("journal buffer full, dropping entries", zap.Int("dropped", j.dropped))
		}
	}
}

// Dropped returns how many entries were discarded because the buffer was full.
func (j *PG) Dropped() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dropped
}

// Close stops accepting entries, flushes the buffer and waits for the writer.
func (j *PG) Close() {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.entries)
	}
	j.mu.Unlock()
	<-j.done
}

func (j *PG) run() {
	defer close(j.done)
	for e := range j.entries {
		if err := j.write(e); err != nil {
			j.log.Error("journal write", zap.String("verb", e.Verb), zap.Error(err))
		}
	}
}

func (j *PG) write(e model.JournalEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	_, err := j.db.Exec(ctx, insertEntry, e.ID, e.Owner, e.Verb, e.Line, e.Adopted, e.AcceptedAt)
	return err
}
