package hardware

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/devicelab-dev/optics-runner/pkg/core"
)

// CameraName is the screen source name of the camera
const CameraName = "camera"

const (
	screenshotCommand = "screenshot\n"
	maxFrameSize      = 64 << 20
	dialTimeout       = 5 * time.Second
	dialRetries       = 3
)

// Camera is a ScreenSource reading frames from a TCP capture device.
// A request is the line "screenshot"; the reply is a 4 byte big-endian
// length followed by the encoded image
type Camera struct {
	addr     string
	captures atomic.Uint64

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	closed bool
}

var _ core.ScreenSource = (*Camera)(nil)

// NewCamera creates a camera source. The connection is opened lazily
func NewCamera(addr string) *Camera {
	return &Camera{addr: addr}
}

func (c *Camera) Name() string { return CameraName }

// Provides reports that only screenshots are available
func (c *Camera) Provides() core.CaptureRequest {
	return core.CaptureRequest{Screenshot: true}
}

// Capture requests one frame. A broken connection is dropped and redialed
// on the next capture
func (c *Camera) Capture(ctx context.Context, req core.CaptureRequest) (*core.ScreenState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, core.ErrDeviceDisconnected.WithMessage("camera closed")
	}
	state := &core.ScreenState{CapturedAt: time.Now()}
	if !req.Screenshot {
		state.CaptureID = c.captures.Add(1)
		return state, nil
	}

	if c.conn == nil {
		if err := c.dial(ctx); err != nil {
			return nil, err
		}
	}

	frame, err := c.readFrame(ctx)
	if err != nil {
		c.drop()
		if ctx.Err() != nil {
			return nil, core.TimeoutFromContext(ctx)
		}
		return nil, core.ErrDeviceDisconnected.
			WithMessagef("camera %s", c.addr).
			WithCause(err)
	}
	state.Screenshot = frame
	state.CaptureID = c.captures.Add(1)
	return state, nil
}

func (c *Camera) dial(ctx context.Context) error {
	var d net.Dialer
	op := func() (net.Conn, error) {
		dctx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		return d.DialContext(dctx, "tcp", c.addr)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), dialRetries), ctx)
	conn, err := backoff.RetryWithData(op, bo)
	if err != nil {
		if ctx.Err() != nil {
			return core.TimeoutFromContext(ctx)
		}
		return core.ErrDeviceDisconnected.
			WithMessagef("camera %s unreachable", c.addr).
			WithCause(err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

func (c *Camera) readFrame(ctx context.Context) ([]byte, error) {
	conn := c.conn
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	} else {
		_ = conn.SetDeadline(time.Time{})
	}

	if _, err := io.WriteString(conn, screenshotCommand); err != nil {
		return nil, err
	}
	var header [4]byte
	if _, err := io.ReadFull(c.reader, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size == 0 || size > maxFrameSize {
		return nil, fmt.Errorf("invalid frame size %d", size)
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(c.reader, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (c *Camera) drop() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn, c.reader = nil, nil
}

// Close closes the connection. Later captures fail
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.reader = nil, nil
	return err
}
