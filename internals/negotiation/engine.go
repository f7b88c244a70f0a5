// Package negotiation drives the offer/answer lifecycle of a call from
// the endpoint side. The engine owns the signaling state machine and
// the pre-answer candidate queue; the actual peer connection sits
// behind the PeerAdapter interface so the engine never touches pion
// directly.
package negotiation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/wpcall/wpcall/internals/media"
	"github.com/wpcall/wpcall/internals/signaling"
)

// State tracks where the endpoint stands in the offer/answer exchange.
type State int

const (
	StateNoConnection State = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
	StateStable
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNoConnection:
		return "no-connection"
	case StateHaveLocalOffer:
		return "have-local-offer"
	case StateHaveRemoteOffer:
		return "have-remote-offer"
	case StateStable:
		return "stable"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// EndReason says why a call ended.
type EndReason int

const (
	EndLocalHangup EndReason = iota
	EndRemoteLeft
	EndConnectionFailed
	EndSignalingLost
)

func (r EndReason) String() string {
	switch r {
	case EndLocalHangup:
		return "local-hangup"
	case EndRemoteLeft:
		return "remote-left"
	case EndConnectionFailed:
		return "connection-failed"
	case EndSignalingLost:
		return "signaling-lost"
	}
	return "unknown"
}

var (
	ErrClosed     = errors.New("negotiation: engine closed")
	ErrBadTrack   = errors.New("negotiation: replacement track is not video")
	ErrNotStarted = errors.New("negotiation: no local offer outstanding")
)

// PeerAdapter is the slice of the peer connection the engine needs.
// The production implementation wraps pion; tests substitute a mock.
type PeerAdapter interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	ReplaceVideoTrack(media.Track) error
	Close() error
}

// SendFunc delivers an outbound signaling payload to the relay.
type SendFunc func(v any) error

// Engine serializes every signaling event for one call. All entry
// points take the engine lock, so the adapter is never called
// concurrently; callbacks fire after the lock is released.
type Engine struct {
	adapter   PeerAdapter
	send      SendFunc
	logger    *zap.Logger
	initiator bool

	onEnd func(EndReason)

	mu        sync.Mutex
	state     State
	remoteSet bool
	restarted bool
	pending   []webrtc.ICECandidateInit
}

type Options struct {
	Adapter   PeerAdapter
	Send      SendFunc
	Initiator bool
	OnEnd     func(EndReason)
	Logger    *zap.Logger
}

func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		adapter:   opts.Adapter,
		send:      opts.Send,
		logger:    logger.With(zap.Bool("initiator", opts.Initiator)),
		initiator: opts.Initiator,
		onEnd:     opts.OnEnd,
		state:     StateNoConnection,
	}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Initiator() bool { return e.initiator }

// StartNegotiation creates and sends the initial offer. The caller
// invokes it on the initiator once the second member has joined.
func (e *Engine) StartNegotiation() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateClosed {
		return ErrClosed
	}
	if e.state != StateNoConnection {
		return fmt.Errorf("negotiation: cannot offer in state %s", e.state)
	}
	return e.sendOfferLocked(false)
}

func (e *Engine) sendOfferLocked(iceRestart bool) error {
	offer, err := e.adapter.CreateOffer(iceRestart)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := e.adapter.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	if err := e.send(signaling.NewOffer(offer)); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	e.state = StateHaveLocalOffer
	e.remoteSet = false
	e.logger.Info("Sent offer", zap.Bool("iceRestart", iceRestart))
	return nil
}

// HandleSignal dispatches a relayed frame. Unknown types are logged
// and dropped so a newer peer cannot wedge an older endpoint.
func (e *Engine) HandleSignal(t signaling.MessageType, raw []byte) error {
	switch t {
	case signaling.MessageTypeOffer:
		var msg signaling.OfferMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return fmt.Errorf("decode offer: %w", err)
		}
		return e.HandleOffer(msg.Offer)
	case signaling.MessageTypeAnswer:
		var msg signaling.AnswerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return fmt.Errorf("decode answer: %w", err)
		}
		return e.HandleAnswer(msg.Answer)
	case signaling.MessageTypeICECandidate:
		var msg signaling.CandidateMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return fmt.Errorf("decode candidate: %w", err)
		}
		return e.HandleCandidate(msg.Candidate)
	default:
		e.logger.Debug("Ignoring unexpected signal", zap.String("type", string(t)))
		return nil
	}
}

// HandleOffer answers a remote offer. A fresh offer is also accepted
// in the stable state, which is how the remote side renegotiates after
// an ICE restart.
func (e *Engine) HandleOffer(desc webrtc.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateClosed:
		return ErrClosed
	case StateNoConnection, StateStable:
	default:
		e.logger.Warn("Dropping offer in wrong state", zap.String("state", e.state.String()))
		return nil
	}

	e.state = StateHaveRemoteOffer
	if err := e.setRemoteLocked(desc); err != nil {
		return err
	}

	answer, err := e.adapter.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := e.adapter.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	if err := e.send(signaling.NewAnswer(answer)); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	e.state = StateStable
	e.logger.Info("Answered offer")
	return nil
}

// HandleAnswer completes an exchange we started.
func (e *Engine) HandleAnswer(desc webrtc.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateClosed {
		return ErrClosed
	}
	if e.state != StateHaveLocalOffer {
		e.logger.Warn("Dropping answer in wrong state", zap.String("state", e.state.String()))
		return nil
	}
	if err := e.setRemoteLocked(desc); err != nil {
		return err
	}
	e.state = StateStable
	e.logger.Info("Negotiation stable")
	return nil
}

// setRemoteLocked applies the remote description and drains the
// candidate queue in arrival order.
func (e *Engine) setRemoteLocked(desc webrtc.SessionDescription) error {
	if err := e.adapter.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	e.remoteSet = true

	for _, init := range e.pending {
		if err := e.adapter.AddICECandidate(init); err != nil {
			e.logger.Warn("Failed to add queued candidate", zap.Error(err))
		}
	}
	if n := len(e.pending); n > 0 {
		e.logger.Debug("Flushed candidate queue", zap.Int("count", n))
	}
	e.pending = nil
	return nil
}

// HandleCandidate applies a trickled candidate, queueing it when the
// remote description has not arrived yet.
func (e *Engine) HandleCandidate(init webrtc.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateClosed {
		return ErrClosed
	}
	if !e.remoteSet {
		e.pending = append(e.pending, init)
		return nil
	}
	if err := e.adapter.AddICECandidate(init); err != nil {
		e.logger.Warn("Failed to add candidate", zap.Error(err))
	}
	return nil
}

// SendCandidate trickles a locally gathered candidate to the peer.
func (e *Engine) SendCandidate(init webrtc.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateClosed {
		return ErrClosed
	}
	return e.send(signaling.NewCandidate(init))
}

// HandleICEFailure reacts to the transport reporting ICE failure. The
// initiator gets exactly one restart offer for the life of the call; a
// second failure ends it. The responder never ends the call here: when
// the media path drops, both sides usually observe the failure, and
// the responder must stay up to answer the initiator's restart offer.
// A truly dead connection is torn down by HandleConnectionFailure.
func (e *Engine) HandleICEFailure() {
	e.mu.Lock()

	if e.state == StateClosed {
		e.mu.Unlock()
		return
	}
	if !e.initiator {
		e.logger.Warn("ICE failed, awaiting restart offer")
		e.mu.Unlock()
		return
	}
	if !e.restarted {
		e.restarted = true
		err := e.sendOfferLocked(true)
		e.mu.Unlock()
		if err != nil {
			e.logger.Error("ICE restart failed", zap.Error(err))
			e.End(EndConnectionFailed)
		}
		return
	}

	end := e.endLocked(EndConnectionFailed)
	e.mu.Unlock()
	end()
}

// HandleConnectionFailure ends the call after the peer connection
// itself reports a terminal state. Unlike ICE failure there is no
// recovery path here.
func (e *Engine) HandleConnectionFailure() {
	e.End(EndConnectionFailed)
}

// ReplaceVideoTrack swaps the outgoing video source without any
// renegotiation. The peer keeps receiving on the same sender.
func (e *Engine) ReplaceVideoTrack(track media.Track) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateClosed {
		return ErrClosed
	}
	if track != nil && track.Kind() != media.KindVideo {
		return ErrBadTrack
	}
	return e.adapter.ReplaceVideoTrack(track)
}

// End tears the call down. Safe to call from any state and from
// callbacks; repeated calls are no-ops.
func (e *Engine) End(reason EndReason) {
	e.mu.Lock()
	end := e.endLocked(reason)
	e.mu.Unlock()
	end()
}

// endLocked transitions to closed and returns the callback work to run
// once the lock is released. Returns a no-op when already closed.
func (e *Engine) endLocked(reason EndReason) func() {
	if e.state == StateClosed {
		return func() {}
	}
	e.state = StateClosed
	e.pending = nil

	adapter := e.adapter
	onEnd := e.onEnd
	logger := e.logger
	return func() {
		if err := adapter.Close(); err != nil {
			logger.Warn("Peer close failed", zap.Error(err))
		}
		logger.Info("Call ended", zap.String("reason", reason.String()))
		if onEnd != nil {
			onEnd(reason)
		}
	}
}
