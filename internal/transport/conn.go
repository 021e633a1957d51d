// Package transport owns the TCP connection to the photo-sync server: a
// Conn speaking both the text control layer and binary frames, and a
// Manager holding the single live Conn for the process.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	syncerr "github.com/alexjbarnes/photo-sync/internal/errors"
	"github.com/alexjbarnes/photo-sync/internal/protocol"
)

const (
	// DefaultIOTimeout bounds every single read or write.
	DefaultIOTimeout = 30 * time.Second

	// DefaultConnectTimeout bounds the TCP dial.
	DefaultConnectTimeout = 5 * time.Second

	// maxLineLength caps a control line so a peer that never sends a
	// newline cannot grow the read buffer without bound.
	maxLineLength = 4096

	// readBufferSize matches the server's 1MB socket buffers.
	readBufferSize = 1024 * 1024
)

// Conn is one TCP session with the server. Reads and writes are each
// serialised, so one reader and one writer may run concurrently.
type Conn struct {
	conn      net.Conn
	r         *bufio.Reader
	ioTimeout time.Duration

	readMu  sync.Mutex
	writeMu sync.Mutex

	closed atomic.Bool
	broken atomic.Bool
}

// DialOptions configures Dial.
type DialOptions struct {
	ConnectTimeout time.Duration
	IOTimeout      time.Duration
}

// Dial connects to addr ("host:port").
func Dial(ctx context.Context, addr string, opts DialOptions) (*Conn, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}

	d := net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}

	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	if tcp, ok := c.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	return NewConn(c, opts.IOTimeout), nil
}

// NewConn wraps an established net.Conn. A non-positive ioTimeout uses
// DefaultIOTimeout.
func NewConn(c net.Conn, ioTimeout time.Duration) *Conn {
	if ioTimeout <= 0 {
		ioTimeout = DefaultIOTimeout
	}

	return &Conn{
		conn:      c,
		r:         bufio.NewReaderSize(c, readBufferSize),
		ioTimeout: ioTimeout,
	}
}

// RemoteAddr returns the server address.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Connected reports whether the socket is open and no I/O on it has
// failed.
func (c *Conn) Connected() bool {
	return !c.closed.Load() && !c.broken.Load()
}

// Close closes the socket. It is safe to call more than once.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	return c.conn.Close()
}

// WriteLine sends one control line. A trailing newline is added if
// missing.
func (c *Conn) WriteLine(ctx context.Context, line string) error {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}

	return c.write(ctx, []byte(line))
}

// WritePacket sends one binary frame.
func (c *Conn) WritePacket(ctx context.Context, p protocol.Packet) error {
	return c.write(ctx, protocol.Encode(p))
}

// Heartbeat sends an empty HEARTBEAT frame. The server does not reply.
func (c *Conn) Heartbeat(ctx context.Context) error {
	return c.WritePacket(ctx, protocol.NewPacket(protocol.TypeHeartbeat, nil))
}

// ReadLine reads one control line without its terminator.
func (c *Conn) ReadLine(ctx context.Context) (string, error) {
	var line string

	err := c.read(ctx, func() error {
		var sb strings.Builder

		for {
			frag, isPrefix, err := c.r.ReadLine()
			if err != nil {
				return err
			}

			sb.Write(frag)

			if sb.Len() > maxLineLength {
				return fmt.Errorf("%w: control line exceeds %d bytes", syncerr.ErrProtocol, maxLineLength)
			}

			if !isPrefix {
				break
			}
		}

		line = strings.TrimRight(sb.String(), "\r")

		return nil
	})

	return line, err
}

// ReadResponse reads one control line and parses it.
func (c *Conn) ReadResponse(ctx context.Context) (protocol.Response, error) {
	line, err := c.ReadLine(ctx)
	if err != nil {
		return nil, err
	}

	return protocol.ParseResponse(line), nil
}

// ReadPacket reads one binary frame.
func (c *Conn) ReadPacket(ctx context.Context) (protocol.Packet, error) {
	var p protocol.Packet

	err := c.read(ctx, func() error {
		var err error
		p, err = protocol.ReadPacket(c.r)

		return err
	})

	return p, err
}

func (c *Conn) write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.io(ctx, c.conn.SetWriteDeadline, func() error {
		_, err := c.conn.Write(data)
		return err
	})
}

func (c *Conn) read(ctx context.Context, fn func() error) error {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	return c.io(ctx, c.conn.SetReadDeadline, fn)
}

// io runs fn under a deadline of ioTimeout or the context deadline,
// whichever is sooner. Cancelling ctx expires the deadline immediately so
// the blocked call returns. Any failure marks the Conn broken except a
// protocol error, which leaves the socket usable for the caller to decide.
func (c *Conn) io(ctx context.Context, setDeadline func(time.Time) error, fn func() error) error {
	if !c.Connected() {
		return syncerr.ErrNotConnected
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(c.ioTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := setDeadline(deadline); err != nil {
		c.broken.Store(true)
		return fmt.Errorf("setting deadline: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = setDeadline(time.Unix(1, 0))
	})
	defer stop()

	err := fn()
	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		c.broken.Store(true)
		return ctxErr
	}

	if !errors.Is(err, syncerr.ErrProtocol) {
		c.broken.Store(true)
	}

	return err
}
