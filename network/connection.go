package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPongTimeout closes a connection whose peer stopped answering pings.
var ErrPongTimeout = errors.New("network: no pong before keep-alive deadline")

// ConnectionState represents the lifecycle state of one realtime connection.
type ConnectionState string

const (
	StateReady        ConnectionState = "READY"
	StateIdle         ConnectionState = "IDLE"
	StateDisconnected ConnectionState = "DISCONNECTED"
)

// ConnectionOptions controls runtime behavior of Conn.
type ConnectionOptions struct {
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	WriteTimeout      time.Duration
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if o.KeepAliveTimeout <= 0 {
		o.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if o.FrameReadTimeout <= 0 {
		o.FrameReadTimeout = DefaultFrameReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	return o
}

// Conn is a framed TCP connection with keep-alive. Writes are serialized,
// so frames sent from one goroutine arrive in the order they were sent.
// Ping and pong are handled internally; every other frame is delivered
// through Receive.
type Conn struct {
	conn    net.Conn
	options ConnectionOptions

	sendMu sync.Mutex

	stateMu sync.RWMutex
	state   ConnectionState

	// pongDue is the unix-nano deadline for an outstanding ping, zero when
	// none is in flight.
	pongDue      atomic.Int64
	lastActivity atomic.Int64

	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	loops     sync.WaitGroup

	errMu    sync.RWMutex
	closeErr error
}

func newConn(conn net.Conn, options ConnectionOptions) *Conn {
	c := &Conn{
		conn:    conn,
		options: options.withDefaults(),
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
		state:   StateReady,
	}

	c.touchActivity()
	c.loops.Add(2)
	go c.readLoop()
	go c.keepAliveLoop()

	return c
}

// State returns the current connection state.
func (c *Conn) State() ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Done is closed when the connection is fully disconnected.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// LastError returns the terminal connection error, if any.
func (c *Conn) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Send marshals a protocol message and writes it as one frame.
func (c *Conn) Send(message any) error {
	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	return c.SendRaw(payload)
}

// SendRaw writes a pre-marshaled payload as one frame.
func (c *Conn) SendRaw(payload []byte) error {
	if c.State() == StateDisconnected {
		if err := c.LastError(); err != nil {
			return err
		}
		return io.EOF
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout)); err != nil {
		c.closeWithError(fmt.Errorf("set write deadline: %w", err))
		return err
	}
	if err := WriteFrame(c.conn, payload); err != nil {
		c.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}

	c.touchActivity()
	return nil
}

// Receive waits for the next non-keepalive inbound frame.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-c.inbound:
		return payload, nil
	case <-c.closed:
		// Frames read before the close are still delivered.
		select {
		case payload := <-c.inbound:
			return payload, nil
		default:
		}
		if err := c.LastError(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close terminates the connection and waits for its loops to exit.
func (c *Conn) Close() error {
	c.closeWithError(nil)
	c.loops.Wait()
	return nil
}

func (c *Conn) readLoop() {
	defer c.loops.Done()

	for {
		select {
		case <-c.closed:
			return
		default:
		}

		payload, err := ReadFrameWithTimeout(c.conn, c.options.FrameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.closeWithError(nil)
				return
			}

			c.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		c.touchActivity()
		if len(payload) == 0 {
			continue
		}

		msgType, _ := DecodeMessageType(payload)
		switch msgType {
		case TypePing:
			c.setState(StateIdle)
			_ = c.Send(keepAlive(TypePong))
		case TypePong:
			c.pongDue.Store(0)
			c.setState(StateIdle)
		default:
			c.setState(StateReady)
			select {
			case c.inbound <- payload:
			case <-c.closed:
				return
			}
		}
	}
}

func (c *Conn) keepAliveLoop() {
	defer c.loops.Done()

	checkEvery := c.options.KeepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = c.options.KeepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			if due := c.pongDue.Load(); due != 0 {
				if now.UnixNano() > due {
					c.closeWithError(ErrPongTimeout)
					return
				}
				continue
			}
			if now.Sub(time.Unix(0, c.lastActivity.Load())) < c.options.KeepAliveInterval {
				continue
			}
			if err := c.Send(keepAlive(TypePing)); err != nil {
				return
			}
			c.pongDue.Store(now.Add(c.options.KeepAliveTimeout).UnixNano())
			c.setState(StateIdle)
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) setState(state ConnectionState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state == StateDisconnected {
		return
	}
	c.state = state
}

func (c *Conn) touchActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Conn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		c.stateMu.Lock()
		c.state = StateDisconnected
		c.stateMu.Unlock()

		_ = c.conn.Close()
		close(c.closed)
	})
}
