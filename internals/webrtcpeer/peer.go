package webrtcpeer

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/wpcall/wpcall/internals/config"
	"github.com/wpcall/wpcall/internals/media"
)

// pliInterval is how often we nudge the sender for a keyframe on each
// incoming video track.
const pliInterval = 3 * time.Second

var ErrUnsupportedTrack = errors.New("webrtcpeer: track does not carry RTP")

// rtpSource is the shape a local media track must have to be attached
// to the connection. The RTP device provider satisfies it.
type rtpSource interface {
	RTPTrack() webrtc.TrackLocal
}

// Stats aggregates the RTCP receiver reports for our outgoing media.
type Stats struct {
	PacketsLost int64
	Jitter      float64
	LastReport  time.Time
}

type Options struct {
	Config config.WebRTCConfig
	Logger *zap.Logger

	// OnCandidate fires for every locally gathered candidate, which
	// the caller trickles over signaling.
	OnCandidate func(webrtc.ICECandidateInit)
	// OnICEFailure fires once ICE reports failure. The caller may try
	// an ICE restart from here.
	OnICEFailure func()
	// OnConnectionFailure fires when the peer connection itself lands
	// in a terminal state. No recovery is possible past this point;
	// the caller should tear the call down.
	OnConnectionFailure func()
	OnConnected         func()
}

// terminalConnState reports whether a peer connection state means the
// transport is gone. Disconnected counts: the browser side waits it
// out, but with a single remote peer and no renegotiation source left
// we treat it the same as failed.
func terminalConnState(state webrtc.PeerConnectionState) bool {
	switch state {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		return true
	}
	return false
}

// Peer owns one webrtc.PeerConnection for the life of one call.
type Peer struct {
	pc     *webrtc.PeerConnection
	logger *zap.Logger

	done      chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	videoSender *webrtc.RTPSender

	statsMu sync.RWMutex
	stats   Stats
}

func NewPeer(opts Options) (*Peer, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	api, err := newAPI()
	if err != nil {
		return nil, err
	}
	pc, err := api.NewPeerConnection(peerConfiguration(opts.Config))
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &Peer{
		pc:     pc,
		logger: logger,
		done:   make(chan struct{}),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || opts.OnCandidate == nil {
			return
		}
		opts.OnCandidate(c.ToJSON())
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Info("Peer connection state changed", zap.String("state", state.String()))
		switch {
		case state == webrtc.PeerConnectionStateConnected:
			if opts.OnConnected != nil {
				opts.OnConnected()
			}
		case terminalConnState(state):
			if opts.OnConnectionFailure != nil {
				opts.OnConnectionFailure()
			}
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.logger.Debug("ICE state changed", zap.String("state", state.String()))
		if state == webrtc.ICEConnectionStateFailed && opts.OnICEFailure != nil {
			opts.OnICEFailure()
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		p.logger.Info("Remote track started",
			zap.String("kind", track.Kind().String()),
			zap.String("id", track.ID()),
		)
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go p.keyframeLoop(uint32(track.SSRC()))
		}
		go p.drainRemote(track)
		go p.readReceiverReports(receiver)
	})

	return p, nil
}

// AttachTracks adds the local capture tracks to the connection before
// the first offer, so they are part of the initial SDP. An audio-only
// caller still gets a receive-only video transceiver, so the offer
// asks for the remote camera even when we send none.
func (p *Peer) AttachTracks(tracks []media.Track) error {
	sendingVideo := false
	for _, t := range tracks {
		src, ok := t.(rtpSource)
		if !ok {
			return ErrUnsupportedTrack
		}
		sender, err := p.pc.AddTrack(src.RTPTrack())
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		if t.Kind() == media.KindVideo {
			sendingVideo = true
			p.mu.Lock()
			p.videoSender = sender
			p.mu.Unlock()
		}
		go p.readSenderReports(sender)
	}
	if !sendingVideo {
		_, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly})
		if err != nil {
			return fmt.Errorf("add video transceiver: %w", err)
		}
	}
	return nil
}

func (p *Peer) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	return p.pc.CreateOffer(opts)
}

func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *Peer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *Peer) AddICECandidate(init webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(init)
}

// ReplaceVideoTrack swaps the source on the existing video sender. A
// nil track mutes the sender entirely.
func (p *Peer) ReplaceVideoTrack(track media.Track) error {
	p.mu.Lock()
	sender := p.videoSender
	p.mu.Unlock()

	if sender == nil {
		return errors.New("webrtcpeer: no video sender")
	}
	if track == nil {
		return sender.ReplaceTrack(nil)
	}
	src, ok := track.(rtpSource)
	if !ok {
		return ErrUnsupportedTrack
	}
	return sender.ReplaceTrack(src.RTPTrack())
}

func (p *Peer) Stats() Stats {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	return p.stats
}

func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.pc.Close()
	})
	return err
}

// keyframeLoop periodically requests a keyframe for an incoming video
// track so late joins and packet loss recover quickly.
func (p *Peer) keyframeLoop(ssrc uint32) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			err := p.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: ssrc},
			})
			if err != nil {
				p.logger.Debug("PLI write failed", zap.Error(err))
				return
			}
		}
	}
}

// drainRemote keeps the incoming track's read side moving. The media
// itself terminates here; this endpoint does not render.
func (p *Peer) drainRemote(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Debug("Remote track read ended", zap.Error(err))
			}
			return
		}
	}
}

func (p *Peer) readSenderReports(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		p.recordReports(packets)
	}
}

func (p *Peer) readReceiverReports(receiver *webrtc.RTPReceiver) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		p.recordReports(packets)
	}
}

func (p *Peer) recordReports(packets []rtcp.Packet) {
	for _, packet := range packets {
		rr, ok := packet.(*rtcp.ReceiverReport)
		if !ok {
			continue
		}
		p.statsMu.Lock()
		for _, report := range rr.Reports {
			p.stats.PacketsLost += int64(report.TotalLost)
			p.stats.Jitter = float64(report.Jitter)
		}
		p.stats.LastReport = time.Now()
		p.statsMu.Unlock()
	}
}
