package bridge

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

const defaultTimeout = 5 * time.Second

// DefaultSocketPath is <user config dir>/desklink/executor.sock.
func DefaultSocketPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "desklink", "executor.sock")
}

// Client dispatches commands to the executor, one at a time. The connection
// is dialed lazily and dropped after any transport failure.
type Client struct {
	path string

	mu   sync.Mutex
	conn net.Conn
	enc  *msgpack.Encoder
	dec  *msgpack.Decoder
}

func NewClient(socketPath string) *Client {
	return &Client{path: socketPath}
}

func (c *Client) Dispatch(ctx context.Context, cmd Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", c.path)
		if err != nil {
			return errors.Mark(errors.Wrapf(err, "dial executor at %s", c.path), ErrBridgeUnavailable)
		}
		c.conn = conn
		c.enc = msgpack.NewEncoder(conn)
		c.dec = msgpack.NewDecoder(conn)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultTimeout)
	}
	_ = c.conn.SetDeadline(deadline)

	if err := c.enc.Encode(&cmd); err != nil {
		c.dropLocked()
		return errors.Mark(errors.Wrapf(err, "send %s", cmd.Kind), ErrBridgeUnavailable)
	}
	var r reply
	if err := c.dec.Decode(&r); err != nil {
		c.dropLocked()
		return errors.Mark(errors.Wrapf(err, "await reply to %s", cmd.Kind), ErrBridgeUnavailable)
	}
	return r.err()
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.enc, c.dec = nil, nil, nil
	return err
}

func (c *Client) dropLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn, c.enc, c.dec = nil, nil, nil
}
