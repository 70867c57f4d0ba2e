package client

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/andy6609/relaychat/internal/chat"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startChat(t *testing.T, addr string, stamp bool) *chat.Server {
	t.Helper()
	opts := chat.DefaultOptions()
	opts.Capacity = 4
	opts.StampMessages = stamp
	srv, err := chat.NewServer(addr, opts, chat.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	go func() { _ = srv.Serve() }()
	t.Cleanup(srv.Stop)
	return srv
}

// peer joins as a raw TCP participant and collects what it receives.
func peer(t *testing.T, srv *chat.Server, name string) (net.Conn, <-chan string) {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_, err = io.WriteString(conn, name+"\n")
	require.NoError(t, err)

	lines := make(chan string, 32)
	go func() {
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()
	return conn, lines
}

func expectLine(t *testing.T, lines <-chan string, substr string) string {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case l, ok := <-lines:
			require.True(t, ok, "connection closed before %q", substr)
			if strings.Contains(l, substr) {
				return l
			}
		case <-timeout:
			t.Fatalf("no line containing %q", substr)
		}
	}
}

func TestValidateName(t *testing.T) {
	name, err := ValidateName("  alice\n")
	require.NoError(t, err)
	assert.Equal(t, "alice", name)

	_, err = ValidateName("a")
	assert.ErrorIs(t, err, chat.ErrNameInvalid)
	_, err = ValidateName(strings.Repeat("z", chat.MaxNameLen+1))
	assert.ErrorIs(t, err, chat.ErrNameInvalid)
}

func TestClient_ChatsAndExits(t *testing.T) {
	srv := startChat(t, "127.0.0.1:0", true)
	_, bobLines := peer(t, srv, "bob")
	require.Eventually(t, func() bool { return srv.ParticipantCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	c, err := Dial(context.Background(), Config{Addr: srv.Addr().String(), Name: "alice"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	expectLine(t, bobLines, "alice has joined")

	in, typed := io.Pipe()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), in, out) }()

	_, err = io.WriteString(typed, "hello bob\n")
	require.NoError(t, err)
	assert.Contains(t, expectLine(t, bobLines, "hello bob"), "alice: hello bob")

	_, err = io.WriteString(typed, chat.ExitToken+"\n")
	require.NoError(t, err)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not exit")
	}
	expectLine(t, bobLines, "alice has left")
	assert.True(t, strings.HasPrefix(out.String(), Prompt))
}

func TestClient_PrintsIncomingWithPrompt(t *testing.T) {
	srv := startChat(t, "127.0.0.1:0", true)
	c, err := Dial(context.Background(), Config{Addr: srv.Addr().String(), Name: "alice"}, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.ParticipantCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	in, _ := io.Pipe()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, in, out) }()

	bob, _ := peer(t, srv, "bob")
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "bob has joined\n"+Prompt)
	}, 2*time.Second, 5*time.Millisecond)

	_, err = io.WriteString(bob, "hey\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "bob: hey\n"+Prompt)
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestClient_StampsLocallyForVerbatimServers(t *testing.T) {
	srv := startChat(t, "127.0.0.1:0", false)
	_, bobLines := peer(t, srv, "bob")
	require.Eventually(t, func() bool { return srv.ParticipantCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	c, err := Dial(context.Background(), Config{Addr: srv.Addr().String(), Name: "alice", Stamp: true}, nil)
	require.NoError(t, err)
	defer c.Close()
	c.now = func() time.Time { return time.Date(2023, 12, 5, 14, 3, 9, 0, time.Local) }

	require.NoError(t, c.Send("stamped"))
	assert.Equal(t, "[2023-12-05 14:03:09] alice: stamped", expectLine(t, bobLines, "stamped"))
}

func TestClient_ServerHangupEndsRun(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = bufio.NewReader(conn).ReadString('\n')
		_ = conn.Close()
	}()

	c, err := Dial(context.Background(), Config{Addr: ln.Addr().String(), Name: "alice"}, nil)
	require.NoError(t, err)
	in, _ := io.Pipe()
	assert.NoError(t, c.Run(context.Background(), in, io.Discard))
}

func TestDial_NoRetryFailsFast(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = Dial(context.Background(), Config{Addr: addr, Name: "alice"}, nil)
	assert.Error(t, err)
}

func TestDial_RetriesUntilServerIsUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	srv, err := chat.NewServer(addr, chat.DefaultOptions(), chat.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(srv.Stop)
	go func() {
		time.Sleep(300 * time.Millisecond)
		if err := srv.Start(); err == nil {
			_ = srv.Serve()
		}
	}()

	c, err := Dial(context.Background(), Config{Addr: addr, Name: "alice", RetryFor: 5 * time.Second}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "alice", c.Name())
	_ = c.Close()
}

func TestDial_RejectsBadName(t *testing.T) {
	_, err := Dial(context.Background(), Config{Addr: "127.0.0.1:1", Name: "x"}, nil)
	assert.ErrorIs(t, err, chat.ErrNameInvalid)
}

func TestFarewell(t *testing.T) {
	var buf bytes.Buffer
	Farewell(&buf)
	assert.Equal(t, "\nBye\n", buf.String())
}
