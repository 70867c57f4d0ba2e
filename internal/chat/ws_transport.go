package chat

import (
	"io"
	"net"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
)

const wsReadLimit = 64 * 1024

// wsTransport carries one line per WebSocket text message.
type wsTransport struct {
	conn        *websocket.Conn
	readTimeout time.Duration

	// pending holds the unread tail of a message longer than the read limit.
	pending string
}

// NewWebSocketTransport adapts an upgraded WebSocket connection so browser
// clients join the same registry as TCP clients.
func NewWebSocketTransport(conn *websocket.Conn, readTimeout time.Duration) Transport {
	conn.SetReadLimit(wsReadLimit)
	return &wsTransport{conn: conn, readTimeout: readTimeout}
}

func (t *wsTransport) ReadLine(limit int) (string, error) {
	if t.pending == "" {
		if t.readTimeout > 0 {
			_ = t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
		}
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				return "", io.EOF
			}
			return "", err
		}
		t.pending = strings.TrimRight(string(data), "\r\n")
		if t.pending == "" {
			return "", nil
		}
	}

	if len(t.pending) > limit {
		chunk := t.pending[:limit]
		t.pending = t.pending[limit:]
		return chunk, ErrLineTooLong
	}
	line := t.pending
	t.pending = ""
	return line, nil
}

// ReadPayload returns up to limit bytes of the next message. Any remainder is
// read as the following line.
func (t *wsTransport) ReadPayload(limit int) (string, error) {
	payload, err := t.ReadLine(limit)
	if errors.Is(err, ErrLineTooLong) {
		return payload, nil
	}
	return payload, err
}

func (t *wsTransport) WriteLine(line string, deadline time.Time) error {
	if !deadline.IsZero() {
		_ = t.conn.SetWriteDeadline(deadline)
	}
	return t.conn.WriteMessage(websocket.TextMessage, []byte(strings.TrimSuffix(line, "\n")))
}

func (t *wsTransport) Close() error {
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.conn.Close()
}

func (t *wsTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}
