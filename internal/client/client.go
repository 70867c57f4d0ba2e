// Package client is the line-oriented terminal client for the chat server.
package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/andy6609/relaychat/internal/chat"
)

const Prompt = "> "

type Config struct {
	Addr string
	Name string
	// Stamp formats outgoing lines as "[ts] name: text" locally, for
	// servers that relay verbatim.
	Stamp bool
	// DialTimeout bounds a single connect attempt.
	DialTimeout time.Duration
	// RetryFor bounds the whole connect phase; zero means one attempt.
	RetryFor time.Duration
}

type Client struct {
	conn   net.Conn
	name   string
	stamp  bool
	logger *zap.Logger
	now    func() time.Time

	writeMu sync.Mutex
}

// ValidateName applies the server's name rules before connecting.
func ValidateName(raw string) (string, error) {
	name := strings.Trim(raw, " \t\r\n\x00")
	if len(name) < chat.MinNameLen || len(name) > chat.MaxNameLen {
		return "", errors.Wrapf(chat.ErrNameInvalid,
			"name must be %d to %d characters", chat.MinNameLen, chat.MaxNameLen)
	}
	return name, nil
}

// Dial connects with exponential backoff and sends the name as the first
// line.
func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	name, err := ValidateName(cfg.Name)
	if err != nil {
		return nil, err
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 3 * time.Second
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = cfg.RetryFor

	var b backoff.BackOff = policy
	if cfg.RetryFor <= 0 {
		b = &backoff.StopBackOff{}
	}

	var conn net.Conn
	dialer := net.Dialer{Timeout: dialTimeout}
	err = backoff.RetryNotify(func() error {
		c, err := dialer.DialContext(ctx, "tcp", cfg.Addr)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		logger.Info("connect failed, retrying", zap.String("addr", cfg.Addr),
			zap.Duration("next", next), zap.Error(err))
	})
	if err != nil {
		return nil, errors.Wrapf(err, "connect %s", cfg.Addr)
	}

	c := &Client{conn: conn, name: name, stamp: cfg.Stamp, logger: logger, now: time.Now}
	if err := c.writeLine(name); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "send name")
	}
	return c, nil
}

func (c *Client) Name() string {
	return c.name
}

// Send writes one chat line.
func (c *Client) Send(text string) error {
	if c.stamp {
		return c.writeLine(strings.TrimSuffix(chat.ChatLine(c.now(), c.name, text), "\n"))
	}
	return c.writeLine(text)
}

func (c *Client) writeLine(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := io.WriteString(c.conn, line+"\n")
	return err
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Run pumps lines typed on in to the server and prints server lines to out,
// redrawing the prompt after each. It returns when the user types exit, in
// ends, the server hangs up or ctx is done.
func (c *Client) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	var outMu sync.Mutex
	emit := func(s string) {
		outMu.Lock()
		defer outMu.Unlock()
		_, _ = io.WriteString(out, s)
	}

	recvDone := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(c.conn)
		for sc.Scan() {
			emit(sc.Text() + "\n" + Prompt)
		}
		recvDone <- sc.Err()
	}()

	lines := make(chan string)
	inDone := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		inDone <- sc.Err()
	}()

	defer c.Close()
	emit(Prompt)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-recvDone:
			if err != nil && !errors.Is(err, net.ErrClosed) {
				return errors.Wrap(err, "receive")
			}
			c.logger.Debug("server closed the connection")
			return nil
		case err := <-inDone:
			return errors.Wrap(err, "read input")
		case line := <-lines:
			if line == chat.ExitToken {
				return errors.Wrap(c.writeLine(chat.ExitToken), "send exit")
			}
			if err := c.Send(line); err != nil {
				return errors.Wrap(err, "send")
			}
			emit(Prompt)
		}
	}
}

// Farewell is printed when the user interrupts the client.
func Farewell(out io.Writer) {
	_, _ = fmt.Fprintln(out, "\nBye")
}
