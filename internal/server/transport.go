package server

import (
	"bufio"
	"io"
	"net"
	"time"
)

// Transport is one client connection carrying newline-delimited protocol lines.
// ReadLine is called from a single reader goroutine; Write and SetWriteDeadline
// from a single writer goroutine.
type Transport interface {
	// ReadLine blocks until a full line arrives and returns it without the newline.
	ReadLine() (string, error)
	// Write sends bytes that already contain their newlines.
	Write(p []byte) (int, error)
	SetWriteDeadline(t time.Time) error
	RemoteAddr() string
	Close() error
}

// tcpTransport adapts a stream socket.
type tcpTransport struct {
	conn net.Conn
	sc   *bufio.Scanner
}

// NewTCPTransport wraps conn; lines longer than maxLine bytes end the connection.
func NewTCPTransport(conn net.Conn, maxLine int) Transport {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), maxLine)
	return &tcpTransport{conn: conn, sc: sc}
}

func (t *tcpTransport) ReadLine() (string, error) {
	if t.sc.Scan() {
		return t.sc.Text(), nil
	}
	if err := t.sc.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (t *tcpTransport) Write(p []byte) (int, error)        { return t.conn.Write(p) }
func (t *tcpTransport) SetWriteDeadline(d time.Time) error { return t.conn.SetWriteDeadline(d) }
func (t *tcpTransport) RemoteAddr() string                 { return t.conn.RemoteAddr().String() }
func (t *tcpTransport) Close() error                       { return t.conn.Close() }
