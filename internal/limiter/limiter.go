// Package limiter decides whether a new connection may become a session.
package limiter

import (
	"encoding/hex"
	"fmt"
	"net"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/and161185/netsketch/internal/errs"
)

// Limiter controls connection admission.
type Limiter interface {
	// Acquire reserves a slot for addr or returns an error wrapping errs.ErrServerFull.
	Acquire(addr string) error
	// Release frees a slot previously acquired for addr.
	Release(addr string)
}

// Conn caps the number of concurrent connections, globally and per remote host.
// A zero cap disables that check.
type Conn struct {
	mu       sync.Mutex
	maxTotal int
	perHost  int
	total    int
	hosts    map[string]int
}

// NewConn constructs a connection limiter.
func NewConn(maxTotal, perHost int) *Conn {
	return &Conn{maxTotal: maxTotal, perHost: perHost, hosts: make(map[string]int)}
}

// HashAddr returns a short stable digest of the host part of addr, so raw client
// addresses stay out of logs.
func HashAddr(addr string) string {
	h := blake2b.Sum256([]byte(host(addr)))
	return hex.EncodeToString(h[:8])
}

func host(addr string) string {
	if h, _, err := net.SplitHostPort(addr); err == nil {
		return h
	}
	return addr
}

// Acquire reserves a slot for addr.
func (l *Conn) Acquire(addr string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxTotal > 0 && l.total >= l.maxTotal {
		return fmt.Errorf("%d connections: %w", l.total, errs.ErrServerFull)
	}
	h := host(addr)
	if l.perHost > 0 && l.hosts[h] >= l.perHost {
		return fmt.Errorf("%d connections from host: %w", l.hosts[h], errs.ErrServerFull)
	}
	l.total++
	l.hosts[h]++
	return nil
}

// Release frees a slot for addr. Releasing more than acquired is ignored.
func (l *Conn) Release(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h := host(addr)
	if l.hosts[h] == 0 {
		return
	}
	l.hosts[h]--
	if l.hosts[h] == 0 {
		delete(l.hosts, h)
	}
	l.total--
}

// Active returns the number of held slots.
func (l *Conn) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}
