package server

import (
	"sync"
	"time"

	"github.com/and161185/netsketch/internal/errs"
)

// peer owns the outbound side of a transport: a bounded queue drained by one
// writer goroutine, so the reactor never blocks on a socket write.
type peer struct {
	t            Transport
	out          chan []byte
	writeTimeout time.Duration
	onFail       func(error)

	once    sync.Once
	closing chan struct{}
	done    chan struct{}
}

func newPeer(t Transport, queue int, writeTimeout time.Duration, onFail func(error)) *peer {
	p := &peer{
		t:            t,
		out:          make(chan []byte, queue),
		writeTimeout: writeTimeout,
		onFail:       onFail,
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
	}
	go p.writeLoop()
	return p
}

// Write queues a copy of b. It never blocks: a full queue returns errs.ErrQueueFull.
func (p *peer) Write(b []byte) (int, error) {
	select {
	case <-p.closing:
		return 0, errs.ErrSessionClosed
	default:
	}
	buf := make([]byte, len(b))
	copy(buf, b)
	select {
	case p.out <- buf:
		return len(b), nil
	default:
		return 0, errs.ErrQueueFull
	}
}

// WriteLine queues s followed by a newline.
func (p *peer) WriteLine(s string) error {
	_, err := p.Write([]byte(s + "\n"))
	return err
}

// Close asks the writer to flush what is queued and close the transport.
// It returns immediately; the flush is bounded by the write timeout.
func (p *peer) Close() error {
	p.once.Do(func() { close(p.closing) })
	return nil
}

func (p *peer) writeLoop() {
	defer close(p.done)
	defer p.t.Close()

	for {
		select {
		case b := <-p.out:
			if err := p.send(b); err != nil {
				p.fail(err)
				return
			}
		case <-p.closing:
			for {
				select {
				case b := <-p.out:
					if err := p.send(b); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (p *peer) send(b []byte) error {
	if err := p.t.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
		return err
	}
	_, err := p.t.Write(b)
	return err
}

func (p *peer) fail(err error) {
	select {
	case <-p.closing:
		// already being removed
	default:
		if p.onFail != nil {
			p.onFail(err)
		}
	}
}
