package chat

import (
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const (
	defaultSendQueueSize = 256
	defaultDrainTimeout  = time.Second
)

// Connection owns one Transport. Reads happen on the owning session's
// goroutine; sends may come from any session and are queued for a single
// writer goroutine, so the transport never sees concurrent writes.
type Connection struct {
	transport    Transport
	out          chan string
	done         chan struct{}
	writeTimeout time.Duration
	logger       *zap.Logger

	mu     sync.Mutex
	closed bool

	closeOnce sync.Once
	closeErr  error
}

func NewConnection(t Transport, queueSize int, writeTimeout time.Duration, logger *zap.Logger) *Connection {
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Connection{
		transport:    t,
		out:          make(chan string, queueSize),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		logger:       logger,
	}
	go c.writeLoop()
	return c
}

// Send queues line for delivery. It never blocks on the network.
func (c *Connection) Send(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.out <- line:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// ReceiveName does one fixed-size read of at most NameBufferSize bytes. The
// payload may be newline-terminated or NUL-padded; normalizeName validates it.
func (c *Connection) ReceiveName() (string, error) {
	return c.transport.ReadPayload(NameBufferSize)
}

// Receive reads the next line. Lines longer than LineBufferSize come back
// in pieces.
func (c *Connection) Receive() (string, error) {
	line, err := c.transport.ReadLine(LineBufferSize)
	if errors.Is(err, ErrLineTooLong) {
		return line, nil
	}
	return line, err
}

// Close stops accepting sends, gives the writer a bounded window to flush
// what is queued and closes the transport. Safe to call more than once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.out)
		c.mu.Unlock()

		drain := c.writeTimeout
		if drain <= 0 {
			drain = defaultDrainTimeout
		}
		timer := time.NewTimer(drain)
		select {
		case <-c.done:
		case <-timer.C:
		}
		timer.Stop()

		c.closeErr = c.transport.Close()
		<-c.done
	})
	return c.closeErr
}

func (c *Connection) RemoteAddr() string {
	return addrString(c.transport.RemoteAddr())
}

func (c *Connection) writeLoop() {
	defer close(c.done)

	failed := false
	for line := range c.out {
		// Keep draining after a failure so Send and Close never block.
		if failed {
			continue
		}
		var deadline time.Time
		if c.writeTimeout > 0 {
			deadline = time.Now().Add(c.writeTimeout)
		}
		if err := c.transport.WriteLine(line, deadline); err != nil {
			failed = true
			DeliveryFailures.WithLabelValues("write").Inc()
			c.logger.Warn("write failed, closing transport",
				zap.String("remote_addr", c.RemoteAddr()), zap.Error(err))
			// A dead writer ends the session: the owner's pending read fails.
			_ = c.transport.Close()
		}
	}
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
