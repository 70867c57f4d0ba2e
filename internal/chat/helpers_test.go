package chat

import (
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

// fakeTransport feeds scripted lines to the reader and records writes.
type fakeTransport struct {
	reads   chan string
	errs    chan error
	written chan string

	mu       sync.Mutex
	closed   bool
	closedCh chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		reads:    make(chan string, 16),
		errs:     make(chan error, 1),
		written:  make(chan string, 256),
		closedCh: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadLine(limit int) (string, error) {
	select {
	case line, ok := <-f.reads:
		if !ok {
			return "", io.EOF
		}
		if len(line) > limit {
			return line[:limit], ErrLineTooLong
		}
		return line, nil
	case err := <-f.errs:
		return "", err
	case <-f.closedCh:
		return "", net.ErrClosed
	}
}

func (f *fakeTransport) ReadPayload(limit int) (string, error) {
	line, err := f.ReadLine(limit)
	if errors.Is(err, ErrLineTooLong) {
		return line, nil
	}
	return line, err
}

func (f *fakeTransport) WriteLine(line string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return net.ErrClosed
	}
	f.written <- line
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return net.ErrClosed
	}
	f.closed = true
	close(f.closedCh)
	return nil
}

func (f *fakeTransport) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}

func newTestConn(t *testing.T) (*Connection, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	c := NewConnection(ft, 64, time.Second, nil)
	t.Cleanup(func() { _ = c.Close() })
	return c, ft
}

// waitForLine returns the first written line containing substr.
func waitForLine(t *testing.T, ch <-chan string, substr string) string {
	t.Helper()
	deadline := time.NewTimer(2 * time.Second)
	defer deadline.Stop()
	for {
		select {
		case s := <-ch:
			if strings.Contains(s, substr) {
				return s
			}
		case <-deadline.C:
			t.Fatalf("timeout waiting for line containing %q", substr)
			return ""
		}
	}
}

// assertNoLine fails if anything containing substr shows up within d.
func assertNoLine(t *testing.T, ch <-chan string, substr string, d time.Duration) {
	t.Helper()
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case s := <-ch:
			if strings.Contains(s, substr) {
				t.Fatalf("unexpected line %q", s)
			}
		case <-timer.C:
			return
		}
	}
}
