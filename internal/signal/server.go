package signal

import (
	"net/http"
	"sync"
	"time"

	"stream_relay/internal/domain"
	"stream_relay/internal/logging"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	ErrBackpressure = errors.New("backpressure")
	errConnClosed   = errors.New("connection closed")
)

const sendBuffer = 64

// Server is the consumer's end of the signaling channel. It holds at most
// one producer connection; a new connection replaces the previous one.
type Server struct {
	role     string
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu      sync.Mutex
	conn    *serverConn
	handler domain.MessageHandler
	onConn  []func(connected bool)
	closed  bool
}

type serverConn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *serverConn) trySend(data []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *serverConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// NewServer creates a server accepting connections whose role query
// parameter equals role. An empty role accepts any connection.
func NewServer(role string) *Server {
	return &Server{
		role: role,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logging.Module("signal.server"),
	}
}

// Handle sets the receiver of inbound messages.
func (s *Server) Handle(h domain.MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// OnConnectionChange registers fn for producer connects and disconnects.
func (s *Server) OnConnectionChange(fn func(connected bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConn = append(s.onConn, fn)
}

// Connected reports whether a producer is attached.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Upgrade is the gin handler for the signaling route.
func (s *Server) Upgrade(c *gin.Context) {
	if role := c.Query("role"); s.role != "" && role != s.role {
		s.logger.Warn().Str("role", role).Msg("rejected connection with unknown role")
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("ws upgrade")
		return
	}

	conn := &serverConn{
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.close()
		return
	}
	prev := s.conn
	s.conn = conn
	s.mu.Unlock()

	if prev != nil {
		s.logger.Info().Msg("replacing previous producer connection")
		prev.close()
	}
	s.logger.Info().Str("remote", c.Request.RemoteAddr).Msg("producer connected")
	s.notify(true)

	go s.writePump(conn)
	go s.readPump(conn)
}

// Send queues msg for the attached producer. Without a producer, or when
// the send buffer is full, the message is dropped.
func (s *Server) Send(msg domain.Message) {
	data, err := Encode(msg)
	if err != nil {
		s.logger.Error().Err(err).Str("type", string(msg.Type())).Msg("encode error")
		return
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.logger.Warn().Str("type", string(msg.Type())).Msg("no producer, message dropped")
		return
	}
	if err := conn.trySend(data); err != nil {
		s.logger.Warn().Err(err).Str("type", string(msg.Type())).Msg("send dropped")
	}
}

// Close drops the producer connection and refuses new ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.close()
	}
}

func (s *Server) notify(connected bool) {
	s.mu.Lock()
	fns := append([]func(bool){}, s.onConn...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(connected)
	}
}

func (s *Server) writePump(c *serverConn) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				s.logger.Error().Err(err).Msg("writePump set deadline")
				c.close()
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Error().Err(err).Msg("writePump write error")
				c.close()
				return
			}
		}
	}
}

func (s *Server) readPump(c *serverConn) {
	defer func() {
		c.close()

		s.mu.Lock()
		current := s.conn == c
		if current {
			s.conn = nil
		}
		s.mu.Unlock()

		if current {
			s.logger.Info().Msg("producer disconnected")
			s.notify(false)
		}
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				s.logger.Warn().Err(err).Msg("readPump read error")
			}
			return
		}

		msg, err := Decode(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("message dropped")
			continue
		}

		s.mu.Lock()
		h := s.handler
		s.mu.Unlock()
		if h != nil {
			h.HandleMessage(msg)
		}
	}
}
