package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hetu-io/hetu/internal/session/protocol"
)

// State is a connection's position in the spec.md §4.4 state machine:
// INIT -> HANDSHAKING -> READY -> CLOSED.
type State uint8

const (
	StateInit State = iota
	StateHandshaking
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	sendBufferSize      = 256
	defaultWriteTimeout = 100 * time.Millisecond
	maxWriteFailures    = 3 // consecutive slow-write strikes before forced close
)

// Conn wraps one WebSocket connection: the handshake-derived cipher, the
// buffered outbound send loop, and slow-client detection. Grounded on the
// reference ws_poc Client's buffered send channel and 3-strike
// slow-client disconnect policy, generalized from broadcast fan-out to a
// single encrypted request/response + subscription stream.
type Conn struct {
	ws *websocket.Conn

	mu     sync.Mutex
	state       State
	cipher      *FrameCipher
	compression string // "none" or "zlib", negotiated during the handshake

	send chan []byte

	writeFailures int32
	writeTimeout  time.Duration
	lastActive    int64 // unix nanos, touched on every ReadFrame; for idle sweeping

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// NewConn wraps an upgraded WebSocket connection in the INIT state.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{
		ws:           ws,
		state:        StateInit,
		send:         make(chan []byte, sendBufferSize),
		writeTimeout: defaultWriteTimeout,
		closed:       make(chan struct{}),
		lastActive:   time.Now().UnixNano(),
	}
}

// LastActive returns when ReadFrame last succeeded, for idle-session
// sweeping (internal/housekeeping's SessionSweeper).
func (c *Conn) LastActive() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActive))
}

// State returns the connection's current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// SetCipher installs the handshake-derived frame cipher and negotiated
// compression suite, then transitions to READY. Called once, after a
// successful handshake.
func (c *Conn) SetCipher(fc *FrameCipher, compression string) {
	c.mu.Lock()
	c.cipher = fc
	c.compression = compression
	c.state = StateReady
	c.mu.Unlock()
}

// SendMessage encodes and enqueues an encrypted outbound frame. It blocks
// up to writeTimeout for room in the send buffer — a momentarily full
// buffer is not itself data loss, per spec.md §4.3/§8's "no missed
// transitions" guarantee — and only counts a slow-write failure (feeding
// the 3-strike disconnect policy) once that bound is exceeded or the
// connection is already closed.
func (c *Conn) SendMessage(m protocol.Message) error {
	wire, err := protocol.Encode(m)
	if err != nil {
		return fmt.Errorf("session: encode message: %w", err)
	}

	c.mu.Lock()
	cipher, compression := c.cipher, c.compression
	c.mu.Unlock()
	if cipher == nil {
		return fmt.Errorf("session: cannot send before handshake completes")
	}

	wire, err = compressFrame(compression, wire)
	if err != nil {
		return fmt.Errorf("session: compress frame: %w", err)
	}
	sealed, err := cipher.Seal(wire)
	if err != nil {
		return fmt.Errorf("session: seal frame: %w", err)
	}

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()
	select {
	case <-c.closed:
		return fmt.Errorf("session: connection closed")
	case c.send <- sealed:
		c.registerWriteSuccess()
		return nil
	case <-timer.C:
		c.registerWriteFailure()
		return fmt.Errorf("session: send buffer full")
	}
}

func (c *Conn) registerWriteFailure() {
	if atomic.AddInt32(&c.writeFailures, 1) >= maxWriteFailures {
		c.Close(fmt.Errorf("session: %d consecutive slow-write failures", maxWriteFailures))
	}
}

func (c *Conn) registerWriteSuccess() {
	atomic.StoreInt32(&c.writeFailures, 0)
}

// WriteLoop drains the send buffer onto the underlying WebSocket
// connection until Close is called. Run it in its own goroutine.
func (c *Conn) WriteLoop() {
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.registerWriteFailure()
				continue
			}
			c.registerWriteSuccess()
		case <-c.closed:
			return
		}
	}
}

// ReadFrame blocks for the next inbound WebSocket message and, once READY,
// decrypts and decodes it. Before the handshake completes the caller reads
// the raw hello frame directly via ws.ReadMessage; ReadFrame is for the
// READY state's tagged-message stream.
func (c *Conn) ReadFrame() (protocol.Message, error) {
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return protocol.Message{}, err
	}
	atomic.StoreInt64(&c.lastActive, time.Now().UnixNano())

	c.mu.Lock()
	cipher, compression := c.cipher, c.compression
	c.mu.Unlock()
	if cipher == nil {
		return protocol.Message{}, fmt.Errorf("session: frame received before handshake completed")
	}

	plaintext, err := cipher.Open(raw)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("session: %w", err)
	}
	plaintext, err = decompressFrame(compression, plaintext)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("session: decompress frame: %w", err)
	}
	return protocol.Decode(plaintext)
}

// Close transitions to CLOSED and tears down the underlying connection.
// Safe to call multiple times (idempotent). c.send is deliberately never
// closed here: SendMessage and WriteLoop both select on c.closed
// independently, so closing c.send as well would only add a send-on-
// closed-channel panic race for no benefit.
func (c *Conn) Close(reason error) error {
	c.closeOnce.Do(func() {
		c.closeErr = reason
		c.setState(StateClosed)
		close(c.closed)
		c.ws.Close()
	})
	return c.closeErr
}

// Done reports the channel closed once the connection has entered CLOSED.
func (c *Conn) Done() <-chan struct{} { return c.closed }
