// Package callclient is the endpoint side of a call: it dials the
// relay, stands up the local media and peer connection, and runs the
// negotiation engine until the call ends.
package callclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

var ErrTransportClosed = errors.New("callclient: transport closed")

// DialError carries the HTTP status the relay used to refuse the
// websocket upgrade, so callers can tell a bad token from a full room.
type DialError struct {
	Status int
	Err    error
}

func (e *DialError) Error() string {
	switch e.Status {
	case http.StatusForbidden:
		return "join refused: token mismatch"
	case http.StatusConflict:
		return "join refused: room is full"
	case http.StatusGone:
		return "join refused: room expired or not found"
	}
	return fmt.Sprintf("join refused: %v", e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// Transport is the websocket leg between this endpoint and the relay.
// Frames come out of Incoming in arrival order; the channel closes
// when the connection drops.
type Transport struct {
	conn   *websocket.Conn
	logger *zap.Logger

	incoming chan []byte
	outgoing chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

// DialRoom connects to the relay's websocket endpoint for one room.
func DialRoom(ctx context.Context, serverURL, roomID, token string, logger *zap.Logger) (*Transport, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("room", roomID)
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			return nil, &DialError{Status: resp.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("dial signaling: %w", err)
	}

	t := &Transport{
		conn:     conn,
		logger:   logger,
		incoming: make(chan []byte, 16),
		outgoing: make(chan []byte, 16),
		done:     make(chan struct{}),
	}
	go t.readPump()
	go t.writePump()
	return t, nil
}

// Send marshals and queues an outbound frame.
func (t *Transport) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	select {
	case t.outgoing <- data:
		return nil
	case <-t.done:
		return ErrTransportClosed
	}
}

func (t *Transport) Incoming() <-chan []byte { return t.incoming }

func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
	})
}

func (t *Transport) readPump() {
	defer func() {
		t.Close()
		_ = t.conn.Close()
		close(t.incoming)
	}()

	t.conn.SetReadLimit(maxMessageSize)
	_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if closeErr := (&websocket.CloseError{}); errors.As(err, &closeErr) {
				t.logger.Info("Signaling connection closed",
					zap.Int("code", closeErr.Code),
					zap.String("reason", closeErr.Text),
				)
			} else {
				t.logger.Debug("Signaling read ended", zap.Error(err))
			}
			return
		}
		select {
		case t.incoming <- data:
		case <-t.done:
			return
		}
	}
}

func (t *Transport) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = t.conn.Close()
	}()

	for {
		select {
		case data := <-t.outgoing:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-t.done:
			t.drainOutgoing()
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = t.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drainOutgoing writes whatever was queued before Close, so a frame
// sent right before shutdown (the explicit leave) still reaches the
// relay ahead of the close frame.
func (t *Transport) drainOutgoing() {
	for {
		select {
		case data := <-t.outgoing:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
