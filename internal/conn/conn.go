// Package conn owns the single TCP (or TLS) socket to a Faktory server: it
// dials, runs the HI/HELLO handshake, and — once connected — runs a
// dedicated read-loop goroutine that decodes reply frames and resumes the
// pending-reply queue in FIFO order.
package conn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/faktory-go/client/internal/proto"
	"github.com/faktory-go/client/internal/queue"
	"github.com/faktory-go/client/internal/wire"
)

// Sentinel errors for the taxonomy in SPEC_FULL.md §7.
var (
	ErrNotWritable      = errors.New("conn: not writable")
	ErrUnexpectedStatus = errors.New("conn: unexpected status")
	ErrDisconnected     = errors.New("conn: disconnected")
)

// ServerError is returned when the server replies with a -<message> frame.
// It fails only the single operation that triggered it.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return "conn: server error: " + e.Message }

// Config holds the parameters needed to dial and authenticate.
type Config struct {
	Host     string
	Port     int
	Password string
	Labels   []string
	WorkerID string
	TLS      *tls.Config
}

// Addr returns the host:port dial target.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Conn manages a single authenticated Faktory connection with pipelined
// request dispatch. A background readLoop goroutine, started once the
// handshake completes, dispatches decoded frames to Send callers in FIFO
// order via the pending-reply queue.
type Conn struct {
	nc  net.Conn
	dec *wire.Decoder

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
	q      *queue.Queue
	done   chan struct{}

	idleTimeout time.Duration
	log         *logrus.Entry
}

// Dial opens a TCP (or TLS, if cfg.TLS is set) connection, performs the
// HI/HELLO handshake, and starts the read loop. ctx bounds both the dial
// and the handshake.
func Dial(ctx context.Context, cfg Config, idleTimeout time.Duration, log *logrus.Entry) (*Conn, error) {
	nc, err := dialNet(ctx, cfg.Addr(), cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("conn: dial %s: %w", cfg.Addr(), err)
	}
	c, err := FromNetConn(ctx, nc, cfg, idleTimeout, log)
	if err != nil {
		return nil, fmt.Errorf("conn: handshake %s: %w", cfg.Addr(), err)
	}
	return c, nil
}

// FromNetConn wraps an already-established net.Conn (real or a test double
// such as net.Pipe), runs the handshake, and starts the read loop. Exported
// for unit tests that stand in a fake Faktory server without a real dialer.
func FromNetConn(ctx context.Context, nc net.Conn, cfg Config, idleTimeout time.Duration, log *logrus.Entry) (*Conn, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Conn{
		nc:          nc,
		dec:         wire.NewDecoder(nc),
		q:           queue.New(),
		done:        make(chan struct{}),
		idleTimeout: idleTimeout,
		log:         log.WithField("component", "conn"),
	}

	type hsResult struct{ err error }
	hsC := make(chan hsResult, 1)
	go func() {
		hsC <- hsResult{err: Handshake(c, cfg)}
	}()

	select {
	case <-ctx.Done():
		_ = nc.Close()
		<-hsC
		return nil, ctx.Err()
	case res := <-hsC:
		if res.err != nil {
			_ = nc.Close()
			return nil, res.err
		}
	}

	go c.readLoop()
	return c, nil
}

// dialNet establishes the raw TCP or TLS connection.
func dialNet(ctx context.Context, addr string, tlsCfg *tls.Config) (net.Conn, error) {
	d := &net.Dialer{}
	if tlsCfg != nil {
		td := tls.Dialer{NetDialer: d, Config: tlsCfg}
		return td.DialContext(ctx, "tcp", addr)
	}
	return d.DialContext(ctx, "tcp", addr)
}

// IsClosed reports whether the connection has been closed (deliberately or
// by an unexpected disconnect).
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Done returns a channel closed once the read loop has exited, whether from
// a deliberate Close or from the session being poisoned. The engine watches
// this to detect an unexpected disconnect and decide whether to reconnect.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close writes END, then closes the socket and waits for the read loop to
// drain any pending entries. The END write is bounded by a short write
// deadline, so a peer that is not reading cannot block Close.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.nc.SetWriteDeadline(time.Now().Add(250 * time.Millisecond))
	_ = c.writeLine(proto.VerbEnd, nil)
	err := c.nc.Close()
	<-c.done
	return err
}

// Send registers a continuation, writes cmd, and waits for its reply or for
// ctx to be cancelled. If expect is non-empty and the reply is an inline
// frame whose text differs, Send returns ErrUnexpectedStatus without
// disturbing the queue's ordering for other in-flight operations.
func (c *Conn) Send(ctx context.Context, cmd wire.Command, expect string) (wire.Frame, error) {
	data, err := wire.Encode(cmd)
	if err != nil {
		return wire.Frame{}, fmt.Errorf("conn: encode %s: %w", cmd.Verb, err)
	}

	entry, err := c.pushAndWrite(cmd.Verb, data)
	if err != nil {
		return wire.Frame{}, err
	}

	select {
	case <-ctx.Done():
		return wire.Frame{}, ctx.Err()
	case res := <-entry.C():
		if res.Err != nil {
			return wire.Frame{}, res.Err
		}
		if res.Frame.Kind == wire.KindError {
			return wire.Frame{}, &ServerError{Message: res.Frame.Text}
		}
		if expect != "" && res.Frame.Kind == wire.KindInline && res.Frame.Text != expect {
			return wire.Frame{}, fmt.Errorf("%w: got %q, want %q", ErrUnexpectedStatus, res.Frame.Text, expect)
		}
		return res.Frame, nil
	}
}

// pushAndWrite registers a pending-reply entry and writes data to the
// socket as one atomic unit under writeMu. The entry must exist before the
// bytes reach the wire: a fast peer (or a synchronous test double such as
// net.Pipe) can decode and dispatch a reply before Write even returns, and
// holding writeMu across both steps is what keeps concurrent callers'
// socket-write order matching their queue-push order.
func (c *Conn) pushAndWrite(verb string, data []byte) (*queue.Entry, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrNotWritable
	}

	entry := c.q.Push()
	if _, err := c.nc.Write(data); err != nil {
		return nil, fmt.Errorf("conn: write %s: %w", verb, err)
	}
	return entry, nil
}

// writeLine writes a bare verb command directly, used for HELLO/END where
// no pending-reply bookkeeping around Send is wanted (HELLO predates the
// read loop; END is fire-and-forget on close).
func (c *Conn) writeLine(verb string, args []any) error {
	data, err := wire.Encode(wire.Command{Verb: verb, Args: args})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.nc.Write(data)
	return err
}

// readLoop continuously decodes reply frames and dispatches them to the
// pending-reply queue until the stream ends or a decode/desync error
// poisons the session. An idle-timeout deadline trip is a soft signal: it
// is logged and the read is retried, since BEAT is the authoritative
// liveness check, not this deadline.
func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		if c.idleTimeout > 0 {
			_ = c.nc.SetReadDeadline(time.Now().Add(c.idleTimeout))
		}
		frame, err := c.dec.Next()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				c.log.WithError(err).Warn("idle timeout reading from socket")
				continue
			}
			c.log.WithError(err).Debug("read loop ending")
			c.poison(fmt.Errorf("conn: read loop: %w", err))
			return
		}
		if perr := c.q.PopAndResume(queue.Result{Frame: frame}); perr != nil {
			c.log.WithError(perr).Error("protocol desync, poisoning session")
			c.poison(fmt.Errorf("conn: read loop: %w", perr))
			return
		}
	}
}

// poison marks the connection closed and drains every pending entry with
// err, so in-flight callers observe the disconnect rather than hanging.
func (c *Conn) poison(err error) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	_ = c.nc.Close()
	c.q.Drain(fmt.Errorf("%w: %w", ErrDisconnected, err))
}
