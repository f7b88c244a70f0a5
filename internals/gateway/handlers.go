package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wpcall/wpcall/internals/room"
	"github.com/wpcall/wpcall/internals/signaling"
)

type createRoomRequest struct {
	RoomID string `json:"roomId"`
	Token  string `json:"token"`
	Expiry int    `json:"expiry"`
}

type createRoomResponse struct {
	Success bool   `json:"success"`
	RoomID  string `json:"roomId"`
}

type roomStatusResponse struct {
	Valid        bool `json:"valid"`
	Participants int  `json:"participants"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	if req.RoomID == "" || req.Token == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Missing roomId or token"})
		return
	}
	if !safeIDPattern.MatchString(req.RoomID) || len(req.RoomID) > s.config.Room.MaxRoomIDLength {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid roomId"})
		return
	}
	if len(req.Token) > s.config.Room.MaxTokenLength {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid token"})
		return
	}

	expiry := req.Expiry
	if expiry <= 0 {
		expiry = s.config.Room.DefaultExpiryMinutes
	}
	if expiry > s.config.Room.MaxExpiryMinutes {
		expiry = s.config.Room.MaxExpiryMinutes
	}

	if err := s.registry.InitRoom(req.RoomID, req.Token, expiry); err != nil {
		s.logger.Error("Failed to initialize room",
			zap.String("room_id", req.RoomID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to create room"})
		return
	}

	writeJSON(w, http.StatusOK, createRoomResponse{Success: true, RoomID: req.RoomID})
}

func (s *Server) handleRoomStatus(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	if roomID == "" || !safeIDPattern.MatchString(roomID) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid roomId"})
		return
	}

	st, err := s.registry.RoomStatus(roomID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to read room status"})
		return
	}

	status := http.StatusOK
	if !st.Valid {
		status = http.StatusGone
	}
	writeJSON(w, status, roomStatusResponse{Valid: st.Valid, Participants: st.Participants})
}

// handleWebSocket admits a participant. Missing parameters are rejected
// with 400 before the registry is ever consulted; token, TTL and
// capacity are checked by the room actor and rejected with their
// protocol statuses before the upgrade. Join revalidates after the
// upgrade, so a racing third joiner is turned away with a close frame
// and can never overfill the room.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	token := r.URL.Query().Get("token")
	if roomID == "" || token == "" {
		http.Error(w, "Missing room or token", http.StatusBadRequest)
		return
	}

	if err := s.registry.CheckAdmission(roomID, token); err != nil {
		http.Error(w, err.Error(), room.HTTPStatus(err))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sock := signaling.NewSessionSocket(conn, signaling.SocketConfig{
		ReadLimit:       s.config.Signaling.ReadLimit,
		SendBuffer:      s.config.Signaling.SendBuffer,
		WriteTimeout:    s.config.Signaling.WriteTimeout,
		PongTimeout:     s.config.Signaling.PongTimeout,
		PingInterval:    s.config.Signaling.PingInterval,
		RateLimitPerSec: s.config.Signaling.RateLimitPerSec,
		RateLimitBurst:  s.config.Signaling.RateLimitBurst,
	}, s.logger.With(zap.String("room_id", roomID)))

	rm := s.registry.Get(roomID)
	res, joinErr := rm.Join(token, sock)
	if errors.Is(joinErr, room.ErrRoomClosed) {
		rm = s.registry.Get(roomID)
		res, joinErr = rm.Join(token, sock)
	}
	if joinErr != nil {
		data, _ := json.Marshal(signaling.NewError(joinErr.Error()))
		sock.Reject(data, closeCodeFor(joinErr))
		return
	}

	sock.OnMessage = func(msgType signaling.MessageType, raw []byte) {
		if msgType == signaling.MessageTypeLeave {
			_ = rm.Leave(res.SessionID)
			return
		}
		_ = rm.Relay(res.SessionID, msgType, raw)
	}
	sock.OnClose = func() {
		_ = rm.Leave(res.SessionID)
	}
	sock.Start()
}

func closeCodeFor(err error) int {
	switch {
	case errors.Is(err, room.ErrTokenMismatch):
		return signaling.CloseTokenMismatch
	case errors.Is(err, room.ErrRoomFull):
		return signaling.CloseRoomFull
	case errors.Is(err, room.ErrRoomExpired):
		return signaling.CloseRoomExpired
	default:
		return websocket.CloseInternalServerErr
	}
}
