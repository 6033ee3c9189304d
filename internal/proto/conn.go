package proto

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

const (
	// DefaultDialTimeout bounds the TCP connect when the caller's context
	// carries no tighter deadline.
	DefaultDialTimeout = 5 * time.Second

	readBufferSize = 64 << 10
)

type ConnOptions struct {
	// DialTimeout bounds connection establishment. Zero means
	// DefaultDialTimeout.
	DialTimeout time.Duration
	// Timeout bounds each read and write in addition to the per-operation
	// context deadline. Zero means the context alone governs.
	Timeout time.Duration
}

// Conn is one framed connection to a memcached server. It is not safe for
// concurrent use; the pool above it guarantees single ownership while an
// operation is in flight.
type Conn struct {
	nc      net.Conn
	r       *bufio.Reader
	timeout time.Duration
}

// Dial connects to addr. Addresses starting with "/" or prefixed "unix:"
// use a unix domain socket, anything else TCP host:port.
func Dial(ctx context.Context, addr string, opts ConnOptions) (*Conn, error) {
	network := "tcp"
	if after, ok := strings.CutPrefix(addr, "unix:"); ok {
		network, addr = "unix", after
	} else if strings.HasPrefix(addr, "/") {
		network = "unix"
	}

	timeout := opts.DialTimeout
	if timeout == 0 {
		timeout = DefaultDialTimeout
	}
	d := net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return NewConn(nc, opts), nil
}

// NewConn wraps an established transport connection.
func NewConn(nc net.Conn, opts ConnOptions) *Conn {
	return &Conn{
		nc:      nc,
		r:       bufio.NewReaderSize(nc, readBufferSize),
		timeout: opts.Timeout,
	}
}

func (c *Conn) Close() error { return c.nc.Close() }

// RemoteAddr returns the peer address for logging.
func (c *Conn) RemoteAddr() string { return c.nc.RemoteAddr().String() }

// beginOp arms the connection deadline for one read/write phase and
// registers a cancellation hook that unblocks pending I/O. The returned stop
// must be called when the phase completes.
func (c *Conn) beginOp(ctx context.Context) (stop func() bool) {
	dl, ok := ctx.Deadline()
	if c.timeout > 0 {
		if t := time.Now().Add(c.timeout); !ok || t.Before(dl) {
			dl, ok = t, true
		}
	}
	if ok {
		_ = c.nc.SetDeadline(dl)
	} else {
		_ = c.nc.SetDeadline(time.Time{})
	}
	return context.AfterFunc(ctx, func() {
		_ = c.nc.SetDeadline(time.Unix(1, 0))
	})
}

// ioErr ties an I/O failure back to the context that caused it, so callers
// see context.Canceled/DeadlineExceeded instead of an opaque net timeout.
func (c *Conn) ioErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}

// Write sends one rendered command, or several pipelined ones.
func (c *Conn) Write(ctx context.Context, cmd []byte) error {
	defer c.beginOp(ctx)()
	if _, err := c.nc.Write(cmd); err != nil {
		return c.ioErr(ctx, err)
	}
	return nil
}

// readLine returns the next reply line without its terminator. The result
// aliases the read buffer and must be consumed before the next read.
func (c *Conn) readLine(ctx context.Context) ([]byte, error) {
	raw, err := c.r.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return nil, protoErr("reply line exceeds %d bytes", readBufferSize)
		}
		return nil, c.ioErr(ctx, err)
	}
	raw = raw[:len(raw)-1]
	if n := len(raw); n > 0 && raw[n-1] == '\r' {
		raw = raw[:n-1]
	}
	return raw, nil
}

// ReadLine consumes one single-line reply. Protocol-level failure replies
// (ERROR, CLIENT_ERROR, SERVER_ERROR) come back as typed errors; the line
// was fully consumed in that case, so the stream stays in sync.
func (c *Conn) ReadLine(ctx context.Context) ([]byte, error) {
	defer c.beginOp(ctx)()
	line, err := c.readLine(ctx)
	if err != nil {
		return nil, err
	}
	if err := CheckErrorLine(line); err != nil {
		return nil, err
	}
	return bytes.Clone(line), nil
}

// ReadItems consumes a retrieval reply: zero or more VALUE blocks terminated
// by END. Keys absent on the server simply do not appear.
func (c *Conn) ReadItems(ctx context.Context) ([]Item, error) {
	defer c.beginOp(ctx)()
	var items []Item
	for {
		line, err := c.readLine(ctx)
		if err != nil {
			return nil, err
		}
		if err := CheckErrorLine(line); err != nil {
			return nil, err
		}
		switch {
		case bytes.Equal(line, respEnd), bytes.Equal(line, respOK):
			return items, nil
		case bytes.HasPrefix(line, respValue):
			item, err := c.readItem(ctx, line)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		default:
			return nil, protoErr("unexpected retrieval reply %q", truncate(line, 32))
		}
	}
}

// readItem reads the data block following a VALUE header line.
func (c *Conn) readItem(ctx context.Context, header []byte) (Item, error) {
	key, flags, size, cas, err := parseValueHeader(header)
	if err != nil {
		return Item{}, err
	}
	// data block plus trailing \r\n
	buf := make([]byte, size+2)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return Item{}, c.ioErr(ctx, err)
	}
	if !bytes.Equal(buf[size:], crlf) {
		return Item{}, protoErr("value for key %q not terminated", key)
	}
	return Item{Key: key, Flags: flags, Data: buf[:size], CAS: cas}, nil
}

// ReadStats consumes a stats reply: STAT (or ITEM) lines terminated by END.
func (c *Conn) ReadStats(ctx context.Context) (map[string]string, error) {
	defer c.beginOp(ctx)()
	stats := make(map[string]string)
	for {
		line, err := c.readLine(ctx)
		if err != nil {
			return nil, err
		}
		if err := CheckErrorLine(line); err != nil {
			return nil, err
		}
		switch {
		case bytes.Equal(line, respEnd), bytes.Equal(line, respOK):
			return stats, nil
		case bytes.HasPrefix(line, respStat), bytes.HasPrefix(line, respItem):
			name, value := parseStatLine(line)
			stats[name] = value
		default:
			return nil, protoErr("unexpected stats reply %q", truncate(line, 32))
		}
	}
}
