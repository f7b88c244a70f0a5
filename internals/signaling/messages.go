// Package signaling defines the wire protocol spoken over the room
// websocket and the per-connection socket plumbing shared by the relay
// and the endpoint client.
package signaling

import (
	"encoding/json"

	"github.com/pion/webrtc/v3"
)

type MessageType string

const (
	// Server to client.
	MessageTypeRoomInfo   MessageType = "room-info"
	MessageTypePeerJoined MessageType = "peer-joined"
	MessageTypePeerLeft   MessageType = "peer-left"
	MessageTypeError      MessageType = "error"

	// Relayed between members, never interpreted by the server.
	MessageTypeOffer        MessageType = "offer"
	MessageTypeAnswer       MessageType = "answer"
	MessageTypeICECandidate MessageType = "ice-candidate"

	// Client to server.
	MessageTypeLeave MessageType = "leave"
)

// Relayable reports whether the server forwards this message type to
// the other member verbatim.
func Relayable(t MessageType) bool {
	switch t {
	case MessageTypeOffer, MessageTypeAnswer, MessageTypeICECandidate:
		return true
	}
	return false
}

// Envelope carries only the union tag. The relay decodes an incoming
// frame into an Envelope to route it and forwards the raw bytes, which
// keeps it agnostic to the payload's shape.
type Envelope struct {
	Type MessageType `json:"type"`
}

// PeekType extracts the union tag without touching the payload.
func PeekType(data []byte) (MessageType, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}

// RoomInfo is sent to a joiner immediately after admission.
type RoomInfo struct {
	Type         MessageType `json:"type"`
	SessionID    string      `json:"sessionId"`
	IsInitiator  bool        `json:"isInitiator"`
	Participants int         `json:"participants"`
}

func NewRoomInfo(sessionID string, isInitiator bool, participants int) RoomInfo {
	return RoomInfo{
		Type:         MessageTypeRoomInfo,
		SessionID:    sessionID,
		IsInitiator:  isInitiator,
		Participants: participants,
	}
}

// PeerEvent announces the arrival or departure of the other member.
type PeerEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
}

func NewPeerJoined(sessionID string) PeerEvent {
	return PeerEvent{Type: MessageTypePeerJoined, SessionID: sessionID}
}

func NewPeerLeft(sessionID string) PeerEvent {
	return PeerEvent{Type: MessageTypePeerLeft, SessionID: sessionID}
}

type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

func NewError(message string) ErrorMessage {
	return ErrorMessage{Type: MessageTypeError, Message: message}
}

// The payloads below are produced and consumed by endpoints only. Field
// names match the browser call page, so a Go endpoint and a web endpoint
// interoperate through the same relay.

type OfferMessage struct {
	Type  MessageType               `json:"type"`
	Offer webrtc.SessionDescription `json:"offer"`
}

func NewOffer(desc webrtc.SessionDescription) OfferMessage {
	return OfferMessage{Type: MessageTypeOffer, Offer: desc}
}

type AnswerMessage struct {
	Type   MessageType               `json:"type"`
	Answer webrtc.SessionDescription `json:"answer"`
}

func NewAnswer(desc webrtc.SessionDescription) AnswerMessage {
	return AnswerMessage{Type: MessageTypeAnswer, Answer: desc}
}

type CandidateMessage struct {
	Type      MessageType             `json:"type"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

func NewCandidate(init webrtc.ICECandidateInit) CandidateMessage {
	return CandidateMessage{Type: MessageTypeICECandidate, Candidate: init}
}

type LeaveMessage struct {
	Type MessageType `json:"type"`
}

func NewLeave() LeaveMessage {
	return LeaveMessage{Type: MessageTypeLeave}
}
