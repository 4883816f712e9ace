package server

import (
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// wsTransport carries protocol lines over a websocket. One text message may hold
// several lines; each outbound write becomes one text message.
type wsTransport struct {
	conn    *websocket.Conn
	addr    string
	pending []string
}

// NewWebSocketTransport wraps an upgraded websocket. addr is the client address
// used for admission limits.
func NewWebSocketTransport(conn *websocket.Conn, addr string, maxLine int) Transport {
	conn.SetReadLimit(int64(maxLine))
	if addr == "" {
		addr = conn.RemoteAddr().String()
	}
	return &wsTransport{conn: conn, addr: addr}
}

func (t *wsTransport) ReadLine() (string, error) {
	for len(t.pending) == 0 {
		_, msg, err := t.conn.ReadMessage()
		if err != nil {
			return "", err
		}
		text := strings.TrimRight(strings.ReplaceAll(string(msg), "\r\n", "\n"), "\n")
		t.pending = strings.Split(text, "\n")
	}
	line := t.pending[0]
	t.pending = t.pending[1:]
	return line, nil
}

func (t *wsTransport) Write(p []byte) (int, error) {
	if err := t.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (t *wsTransport) SetWriteDeadline(d time.Time) error { return t.conn.SetWriteDeadline(d) }
func (t *wsTransport) RemoteAddr() string                 { return t.addr }

func (t *wsTransport) Close() error {
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.conn.Close()
}
