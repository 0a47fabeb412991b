package signal

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"stream_relay/internal/domain"
	"stream_relay/internal/logging"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of a Client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateClosing is terminal.
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

const (
	writeWait  = 5 * time.Second
	backoffMin = 250 * time.Millisecond
	backoffMax = 5 * time.Second
)

// Options configures a Client.
type Options struct {
	URL          string
	PingInterval time.Duration
	// ReconnectBackoff waits between failed reconnect attempts, doubling from
	// 250ms up to 5s. Without it reconnect attempts run back to back for as
	// long as the counterpart is unreachable.
	ReconnectBackoff bool
	Dialer           *websocket.Dialer
}

// ClientURL builds the signaling URL the producer dials.
func ClientURL(host string, port int, role string) string {
	u := url.URL{
		Scheme:   "ws",
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		Path:     "/",
		RawQuery: url.Values{"role": {role}}.Encode(),
	}
	return u.String()
}

// Client is the producer's signaling channel. Once connected it reconnects
// on its own after every transport failure until Close is called.
type Client struct {
	opts   Options
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	conn        *websocket.Conn
	state       State
	handler     domain.MessageHandler
	onState     []func(State)
	onReconnect []func()

	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

// NewClient creates a disconnected signaling client.
func NewClient(opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:   opts,
		logger: logging.Module("signal"),
		ctx:    ctx,
		cancel: cancel,
		closed: make(chan struct{}),
	}
}

// Handle sets the receiver of inbound messages.
func (c *Client) Handle(h domain.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// OnStateChange registers fn for state transitions.
func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = append(c.onState, fn)
}

// OnReconnect registers fn to run after every automatic reconnect.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = append(c.onReconnect, fn)
}

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the signaling socket and starts the read and ping loops.
// It blocks until the socket is open or the dial failed and reports whether
// the channel is usable. A failed Connect is not retried.
func (c *Client) Connect(ctx context.Context) bool {
	if c.isClosed() {
		return false
	}

	c.setState(StateConnecting)
	c.logger.Info().Str("url", c.opts.URL).Msg("connecting")

	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		c.logger.Error().Err(err).Str("url", c.opts.URL).Msg("dial failed")
		c.setState(StateDisconnected)
		return false
	}
	return c.attach(conn)
}

// Send marshals msg and writes it to the socket. Failures are logged and the
// message is dropped.
func (c *Client) Send(msg domain.Message) {
	data, err := Encode(msg)
	if err != nil {
		c.logger.Error().Err(err).Str("type", string(msg.Type())).Msg("encode error")
		return
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.logger.Warn().Str("type", string(msg.Type())).Msg("not connected, message dropped")
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Warn().Err(err).Str("type", string(msg.Type())).Msg("write error")
		return
	}
	c.logger.Debug().Str("type", string(msg.Type())).Msg(">>>")
}

// Close shuts the channel down for good. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		close(c.closed)
		c.cancel()

		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()

		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			c.writeMu.Unlock()
			conn.Close()
		}
		c.logger.Info().Msg("closed")
	})
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Client) attach(conn *websocket.Conn) bool {
	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		conn.Close()
		return false
	}
	c.conn = conn
	c.mu.Unlock()

	c.setState(StateConnected)
	c.logger.Info().Str("url", c.opts.URL).Msg("connected")

	go c.readLoop(conn)
	go c.pingLoop(conn)
	return true
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == StateClosing || c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	fns := append([]func(State){}, c.onState...)
	c.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.dropped(conn, err)
			return
		}

		msg, err := Decode(data)
		if err != nil {
			if errors.Is(err, ErrUnknownType) {
				c.logger.Warn().Err(err).Msg("unknown message dropped")
			} else {
				c.logger.Warn().Err(err).Msg("malformed message dropped")
			}
			continue
		}
		c.logger.Debug().Str("type", string(msg.Type())).Msg("<<<")

		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h.HandleMessage(msg)
		}
	}
}

// dropped handles a transport failure on conn. Failures of a connection that
// was already replaced or closed are ignored.
func (c *Client) dropped(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	c.mu.Unlock()

	conn.Close()
	if !current || c.isClosed() {
		return
	}

	c.logger.Warn().Err(cause).Msg("connection lost, reconnecting")
	c.setState(StateConnecting)
	c.reconnect()
}

func (c *Client) reconnect() {
	backoff := backoffMin
	for attempt := 1; ; attempt++ {
		if c.isClosed() {
			return
		}

		conn, _, err := c.opts.Dialer.DialContext(c.ctx, c.opts.URL, nil)
		if err == nil {
			if c.attach(conn) {
				c.logger.Info().Int("attempts", attempt).Msg("reconnected")
				c.mu.Lock()
				fns := append([]func(){}, c.onReconnect...)
				c.mu.Unlock()
				for _, fn := range fns {
					fn()
				}
			}
			return
		}
		c.logger.Debug().Err(err).Int("attempt", attempt).Msg("reconnect failed")

		if !c.opts.ReconnectBackoff {
			continue
		}
		select {
		case <-c.closed:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	if c.opts.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn == conn
			c.mu.Unlock()
			if !current {
				return
			}

			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				// The read loop sees the closed socket and reconnects.
				c.logger.Warn().Err(err).Msg("ping error")
				conn.Close()
				return
			}
		}
	}
}
