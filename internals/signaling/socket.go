package signaling

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var ErrSocketClosed = errors.New("signaling: socket closed")

// Close codes used when an admission fails after the transport upgrade
// already happened. They mirror the HTTP statuses used before upgrade.
const (
	CloseTokenMismatch = 4403
	CloseRoomFull      = 4409
	CloseRoomExpired   = 4410
)

// SocketConfig carries the per-connection limits.
type SocketConfig struct {
	ReadLimit       int64
	SendBuffer      int
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingInterval    time.Duration
	RateLimitPerSec float64
	RateLimitBurst  int
}

// SessionSocket is the relay's per-connection handle: a websocket with
// a buffered outbound queue, read/write pumps and an inbound rate
// limit. The room addresses a participant exclusively through it.
type SessionSocket struct {
	conn    *websocket.Conn
	cfg     SocketConfig
	logger  *zap.Logger
	send    chan []byte
	limiter *rate.Limiter

	closeOnce sync.Once
	closed    atomic.Bool

	// OnMessage receives every inbound frame with its union tag peeked.
	// OnClose fires once when the read side ends for any reason.
	OnMessage func(msgType MessageType, raw []byte)
	OnClose   func()
}

func NewSessionSocket(conn *websocket.Conn, cfg SocketConfig, logger *zap.Logger) *SessionSocket {
	return &SessionSocket{
		conn:    conn,
		cfg:     cfg,
		logger:  logger,
		send:    make(chan []byte, cfg.SendBuffer),
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst),
	}
}

// Start launches the pumps. Callbacks must be assigned before Start.
func (s *SessionSocket) Start() {
	go s.writePump()
	go s.readPump()
}

// Send queues one frame. It never blocks the caller: a full buffer
// counts as a delivery failure for this member only.
func (s *SessionSocket) Send(data []byte) error {
	if s.closed.Load() {
		return ErrSocketClosed
	}
	select {
	case s.send <- data:
		return nil
	default:
		return errors.New("signaling: send buffer full")
	}
}

// Close shuts the socket down. Safe to call from any path, any number
// of times.
func (s *SessionSocket) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.send)
	})
	return nil
}

// Reject delivers an error message and a close frame with the given
// code, for admissions that fail after the upgrade already happened.
func (s *SessionSocket) Reject(data []byte, closeCode int) {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	_ = s.conn.WriteMessage(websocket.TextMessage, data)
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCode, ""))
	_ = s.conn.Close()
	s.closed.Store(true)
	s.closeOnce.Do(func() { close(s.send) })
}

func (s *SessionSocket) readPump() {
	defer func() {
		if s.OnClose != nil {
			s.OnClose()
		}
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(s.cfg.ReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		if !s.limiter.Allow() {
			s.logger.Warn("Inbound rate limit exceeded, dropping message")
			continue
		}

		msgType, err := PeekType(data)
		if err != nil {
			s.logger.Debug("Dropping malformed frame", zap.Error(err))
			continue
		}

		if s.OnMessage != nil {
			s.OnMessage(msgType, data)
		}
	}
}

func (s *SessionSocket) writePump() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn("WebSocket write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
