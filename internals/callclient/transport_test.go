package callclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wpcall/wpcall/internals/signaling"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// echoServer upgrades /ws and echoes every frame back.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestTransportSendAndReceive(t *testing.T) {
	ts := echoServer(t)

	tr, err := DialRoom(context.Background(), ts.URL, "r1", "tok", zap.NewNop())
	if err != nil {
		t.Fatalf("DialRoom: %v", err)
	}
	defer tr.Close()

	if err := tr.Send(signaling.NewLeave()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case data, ok := <-tr.Incoming():
		if !ok {
			t.Fatal("incoming closed")
		}
		var msg signaling.LeaveMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode echo: %v", err)
		}
		if msg.Type != signaling.MessageTypeLeave {
			t.Fatalf("echoed type = %q", msg.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no echo within deadline")
	}
}

func TestTransportCloseUnblocksSend(t *testing.T) {
	ts := echoServer(t)

	tr, err := DialRoom(context.Background(), ts.URL, "r1", "tok", zap.NewNop())
	if err != nil {
		t.Fatalf("DialRoom: %v", err)
	}

	tr.Close()
	tr.Close()

	// The outgoing buffer may absorb a few frames, but once full a
	// closed transport must fail instead of blocking.
	var sawClosed bool
	for i := 0; i < 100; i++ {
		if err := tr.Send(signaling.NewLeave()); errors.Is(err, ErrTransportClosed) {
			sawClosed = true
			break
		}
	}
	if !sawClosed {
		t.Fatal("Send never reported the closed transport")
	}
}

func TestQueuedFrameFlushedBeforeClose(t *testing.T) {
	frames := make(chan []byte, 4)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				close(frames)
				return
			}
			frames <- data
		}
	}))
	t.Cleanup(ts.Close)

	tr, err := DialRoom(context.Background(), ts.URL, "r1", "tok", zap.NewNop())
	if err != nil {
		t.Fatalf("DialRoom: %v", err)
	}

	// A frame queued right before Close must still reach the relay
	// ahead of the close frame. This is how the explicit leave goes out.
	if err := tr.Send(signaling.NewLeave()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	tr.Close()

	select {
	case data, ok := <-frames:
		if !ok {
			t.Fatal("connection closed before the queued frame arrived")
		}
		var msg signaling.LeaveMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if msg.Type != signaling.MessageTypeLeave {
			t.Fatalf("frame type = %q, want leave", msg.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued frame never arrived")
	}
}

func TestDialRoomRefusedMapsStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "room: full", http.StatusConflict)
	}))
	t.Cleanup(ts.Close)

	_, err := DialRoom(context.Background(), ts.URL, "r1", "tok", zap.NewNop())
	var de *DialError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want *DialError", err)
	}
	if de.Status != http.StatusConflict {
		t.Fatalf("status = %d, want 409", de.Status)
	}
}

func TestDialRoomBadScheme(t *testing.T) {
	if _, err := DialRoom(context.Background(), "ftp://host", "r1", "tok", zap.NewNop()); err == nil {
		t.Fatal("ftp scheme accepted")
	}
}
