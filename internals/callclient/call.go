package callclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/wpcall/wpcall/internals/config"
	"github.com/wpcall/wpcall/internals/media"
	"github.com/wpcall/wpcall/internals/negotiation"
	"github.com/wpcall/wpcall/internals/signaling"
	"github.com/wpcall/wpcall/internals/webrtcpeer"
)

// Options configures one outgoing call.
type Options struct {
	ServerURL string
	RoomID    string
	Token     string
	AudioOnly bool

	Config *config.Config
	Logger *zap.Logger

	// Provider overrides the RTP device provider, mainly for tests.
	Provider media.DeviceProvider
}

// Call is one end-to-end session: local devices, a peer connection,
// a negotiation engine and the signaling transport, torn down together
// exactly once.
type Call struct {
	logger *zap.Logger

	transport  *Transport
	controller *media.Controller
	peer       *webrtcpeer.Peer

	// engine is published after the peer is built, because the peer's
	// callbacks run on pion goroutines and read it through eng.
	engine atomic.Pointer[negotiation.Engine]

	sessionID string
	initiator bool

	mu     sync.Mutex
	reason negotiation.EndReason

	done     chan struct{}
	doneOnce sync.Once
}

// Dial joins the room and brings the call up to the point where
// signaling is flowing. Media negotiation completes asynchronously;
// wait on Done for the call to end.
func Dial(ctx context.Context, opts Options) (*Call, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("room", opts.RoomID))

	provider := opts.Provider
	if provider == nil {
		provider = media.NewRTPProvider(opts.Config.Media, logger)
	}

	controller := media.NewController(provider, logger)
	if err := controller.Acquire(ctx, opts.AudioOnly); err != nil {
		return nil, err
	}

	transport, err := DialRoom(ctx, opts.ServerURL, opts.RoomID, opts.Token, logger)
	if err != nil {
		controller.Close()
		return nil, err
	}

	c := &Call{
		logger:     logger,
		transport:  transport,
		controller: controller,
		done:       make(chan struct{}),
	}

	info, err := c.awaitRoomInfo(ctx)
	if err != nil {
		transport.Close()
		controller.Close()
		return nil, err
	}
	c.sessionID = info.SessionID
	c.initiator = info.IsInitiator
	logger.Info("Joined room",
		zap.String("sessionId", info.SessionID),
		zap.Bool("initiator", info.IsInitiator),
		zap.Int("participants", info.Participants),
	)

	// The peer's callbacks reach the engine through the call struct,
	// which breaks the construction cycle between the two.
	peer, err := webrtcpeer.NewPeer(webrtcpeer.Options{
		Config:              opts.Config.WebRTC,
		Logger:              logger,
		OnCandidate:         c.onCandidate,
		OnICEFailure:        c.onICEFailure,
		OnConnectionFailure: c.onConnectionFailure,
		OnConnected: func() {
			logger.Info("Media connected")
		},
	})
	if err != nil {
		transport.Close()
		controller.Close()
		return nil, err
	}
	c.peer = peer

	c.engine.Store(negotiation.NewEngine(negotiation.Options{
		Adapter:   peer,
		Send:      transport.Send,
		Initiator: info.IsInitiator,
		Logger:    logger,
		OnEnd:     c.finish,
	}))

	if err := peer.AttachTracks(controller.Tracks()); err != nil {
		c.eng().End(negotiation.EndLocalHangup)
		transport.Close()
		controller.Close()
		return nil, err
	}

	go c.loop()
	return c, nil
}

// awaitRoomInfo blocks for the admission frame the relay sends first.
func (c *Call) awaitRoomInfo(ctx context.Context) (*signaling.RoomInfo, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data, ok := <-c.transport.Incoming():
		if !ok {
			return nil, ErrTransportClosed
		}
		var info signaling.RoomInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return nil, fmt.Errorf("decode room info: %w", err)
		}
		if info.Type != signaling.MessageTypeRoomInfo {
			return nil, fmt.Errorf("expected room-info, got %q", info.Type)
		}
		return &info, nil
	}
}

// eng returns the negotiation engine, or nil before it is published.
func (c *Call) eng() *negotiation.Engine { return c.engine.Load() }

// onCandidate trickles a locally gathered candidate over signaling.
func (c *Call) onCandidate(init webrtc.ICECandidateInit) {
	e := c.eng()
	if e == nil {
		return
	}
	if err := e.SendCandidate(init); err != nil {
		c.logger.Debug("Failed to trickle candidate", zap.Error(err))
	}
}

func (c *Call) onICEFailure() {
	if e := c.eng(); e != nil {
		e.HandleICEFailure()
	}
}

func (c *Call) onConnectionFailure() {
	if e := c.eng(); e != nil {
		e.HandleConnectionFailure()
	}
}

// loop consumes signaling frames until the connection drops or the
// call ends.
func (c *Call) loop() {
	for data := range c.transport.Incoming() {
		t, err := signaling.PeekType(data)
		if err != nil {
			c.logger.Warn("Dropping undecodable frame", zap.Error(err))
			continue
		}

		switch t {
		case signaling.MessageTypePeerJoined:
			c.logger.Info("Peer joined")
			if c.initiator {
				if err := c.eng().StartNegotiation(); err != nil {
					c.logger.Error("Failed to start negotiation", zap.Error(err))
					c.eng().End(negotiation.EndConnectionFailed)
					return
				}
			}
		case signaling.MessageTypePeerLeft:
			c.logger.Info("Peer left")
			c.eng().End(negotiation.EndRemoteLeft)
			return
		case signaling.MessageTypeError:
			var msg signaling.ErrorMessage
			if err := json.Unmarshal(data, &msg); err == nil {
				c.logger.Warn("Relay reported error", zap.String("message", msg.Message))
			}
		case signaling.MessageTypeRoomInfo:
			// Already consumed at join; a duplicate is harmless.
		default:
			if err := c.eng().HandleSignal(t, data); err != nil {
				c.logger.Error("Signal handling failed",
					zap.String("type", string(t)),
					zap.Error(err),
				)
				c.eng().End(negotiation.EndConnectionFailed)
				return
			}
		}
	}
	c.eng().End(negotiation.EndSignalingLost)
}

// finish is the engine's OnEnd hook and the single teardown path.
func (c *Call) finish(reason negotiation.EndReason) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()

		if reason == negotiation.EndLocalHangup {
			_ = c.transport.Send(signaling.NewLeave())
		}
		c.transport.Close()
		c.controller.Close()
		close(c.done)
	})
}

// Hangup ends the call from this side. Idempotent.
func (c *Call) Hangup() {
	c.eng().End(negotiation.EndLocalHangup)
}

// Done closes when the call has fully ended.
func (c *Call) Done() <-chan struct{} { return c.done }

// Reason reports why the call ended. Valid after Done closes.
func (c *Call) Reason() negotiation.EndReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *Call) SessionID() string { return c.sessionID }
func (c *Call) Initiator() bool   { return c.initiator }

// SetMicEnabled toggles the microphone without renegotiating.
func (c *Call) SetMicEnabled(enabled bool) { c.controller.SetMicEnabled(enabled) }

// SetCameraEnabled toggles the camera without renegotiating.
func (c *Call) SetCameraEnabled(enabled bool) { c.controller.SetCameraEnabled(enabled) }

// StartScreenShare swaps the outgoing video to the screen capture.
// When the capture ends, the camera is restored automatically.
func (c *Call) StartScreenShare(ctx context.Context) error {
	screen, err := c.controller.StartScreenShare(ctx, func(camera media.Track) {
		if err := c.eng().ReplaceVideoTrack(camera); err != nil {
			c.logger.Warn("Failed to restore camera", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	if err := c.eng().ReplaceVideoTrack(screen); err != nil {
		c.controller.StopScreenShare()
		return err
	}
	return nil
}

// StopScreenShare ends an active share and reverts to the camera.
func (c *Call) StopScreenShare() { c.controller.StopScreenShare() }

// Stats exposes the peer's RTCP counters.
func (c *Call) Stats() webrtcpeer.Stats { return c.peer.Stats() }
