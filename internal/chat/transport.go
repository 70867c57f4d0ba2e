package chat

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Transport is the raw, line-oriented stream under a Connection.
//
// ReadLine returns the next line without its terminator. When limit bytes
// arrive without a newline it returns those bytes together with
// ErrLineTooLong, and the rest of the line is returned by later calls. A CR
// directly before the newline does not count toward limit.
//
// ReadPayload is a single bounded read: it waits for data, then returns at
// most limit bytes of what has arrived, cut at the first newline if there is
// one. It never waits for a terminator.
//
// WriteLine is only ever called from the Connection's writer goroutine.
type Transport interface {
	ReadLine(limit int) (string, error)
	ReadPayload(limit int) (string, error)
	WriteLine(line string, deadline time.Time) error
	Close() error
	RemoteAddr() net.Addr
}

type tcpTransport struct {
	conn        net.Conn
	r           *bufio.Reader
	w           *bufio.Writer
	readTimeout time.Duration
}

// NewTCPTransport frames conn as newline-delimited text. A zero readTimeout
// disables read deadlines.
func NewTCPTransport(conn net.Conn, readTimeout time.Duration) Transport {
	return &tcpTransport{
		conn:        conn,
		r:           bufio.NewReaderSize(conn, LineBufferSize),
		w:           bufio.NewWriter(conn),
		readTimeout: readTimeout,
	}
}

func (t *tcpTransport) ReadLine(limit int) (string, error) {
	if t.readTimeout > 0 {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	}

	var sb strings.Builder
	for {
		b, err := t.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && sb.Len() > 0 {
				// last line without newline
				return strings.TrimSuffix(sb.String(), "\r"), nil
			}
			return "", err
		}
		if b == '\n' {
			return strings.TrimSuffix(sb.String(), "\r"), nil
		}
		if b == '\r' && sb.Len()+1 >= limit {
			if next, err := t.r.Peek(1); err == nil && next[0] == '\n' {
				_, _ = t.r.Discard(1)
				return sb.String(), nil
			}
		}
		sb.WriteByte(b)
		if sb.Len() >= limit {
			return sb.String(), ErrLineTooLong
		}
	}
}

func (t *tcpTransport) ReadPayload(limit int) (string, error) {
	if t.readTimeout > 0 {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	}
	if _, err := t.r.Peek(1); err != nil {
		return "", err
	}

	n := min(t.r.Buffered(), limit)
	window, _ := t.r.Peek(n)
	if i := bytes.IndexByte(window, '\n'); i >= 0 {
		payload := strings.TrimSuffix(string(window[:i]), "\r")
		_, _ = t.r.Discard(i + 1)
		return payload, nil
	}

	payload := string(window)
	_, _ = t.r.Discard(n)
	// a newline right after a full window still belongs to this payload
	if t.r.Buffered() > 0 {
		if next, _ := t.r.Peek(1); len(next) == 1 && next[0] == '\n' {
			_, _ = t.r.Discard(1)
		}
	}
	return payload, nil
}

func (t *tcpTransport) WriteLine(line string, deadline time.Time) error {
	if !deadline.IsZero() {
		_ = t.conn.SetWriteDeadline(deadline)
	}
	if _, err := t.w.WriteString(line); err != nil {
		return err
	}
	return t.w.Flush()
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

func (t *tcpTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}
