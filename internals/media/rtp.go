package media

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/wpcall/wpcall/internals/config"
)

// RTPProvider reads each capture device as an RTP stream pushed to a
// local UDP port, typically by ffmpeg or gstreamer. It is the headless
// stand-in for a browser's device stack: the microphone is opus, the
// camera and screen are VP8.
type RTPProvider struct {
	cfg    config.MediaConfig
	logger *zap.Logger
}

func NewRTPProvider(cfg config.MediaConfig, logger *zap.Logger) *RTPProvider {
	return &RTPProvider{cfg: cfg, logger: logger}
}

func (p *RTPProvider) OpenMicrophone(_ context.Context) (Track, error) {
	return p.open("microphone", p.cfg.MicAddr, KindAudio, webrtc.MimeTypeOpus, 0)
}

func (p *RTPProvider) OpenCamera(_ context.Context) (Track, error) {
	return p.open("camera", p.cfg.CameraAddr, KindVideo, webrtc.MimeTypeVP8, 0)
}

// OpenScreen applies a read timeout: when the pusher stops feeding the
// port, the track ends on its own and the call reverts to the camera.
func (p *RTPProvider) OpenScreen(_ context.Context) (Track, error) {
	return p.open("screen", p.cfg.ScreenAddr, KindVideo, webrtc.MimeTypeVP8, p.cfg.ReadTimeout)
}

func (p *RTPProvider) open(device, addr, kind, mimeType string, readTimeout time.Duration) (Track, error) {
	if addr == "" {
		return nil, &Error{Kind: DeviceNotFound, Device: device, Err: errors.New("no capture address configured")}
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, Classify(device, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, Classify(device, err)
	}

	local, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: mimeType},
		device, "wpcall",
	)
	if err != nil {
		_ = conn.Close()
		return nil, Classify(device, err)
	}

	t := &rtpTrack{
		id:          device,
		kind:        kind,
		local:       local,
		conn:        conn,
		readTimeout: readTimeout,
		logger:      p.logger.With(zap.String("device", device)),
	}
	t.enabled.Store(true)
	go t.run()

	p.logger.Info("Capture device opened",
		zap.String("device", device),
		zap.String("addr", addr),
	)
	return t, nil
}

// rtpTrack pumps RTP from a UDP socket into a local webrtc track.
// Disabling it drops packets without touching the socket, so the device
// stays warm for instant re-enable.
type rtpTrack struct {
	id          string
	kind        string
	local       *webrtc.TrackLocalStaticRTP
	conn        *net.UDPConn
	readTimeout time.Duration
	logger      *zap.Logger

	enabled atomic.Bool

	mu      sync.Mutex
	onEnded func()

	endedOnce sync.Once
	closeOnce sync.Once
}

func (t *rtpTrack) ID() string   { return t.id }
func (t *rtpTrack) Kind() string { return t.kind }

func (t *rtpTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *rtpTrack) Enabled() bool           { return t.enabled.Load() }

func (t *rtpTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

// RTPTrack exposes the underlying track for the peer connection.
func (t *rtpTrack) RTPTrack() webrtc.TrackLocal { return t.local }

func (t *rtpTrack) Close() error {
	t.closeOnce.Do(func() {
		_ = t.conn.Close()
	})
	t.fireEnded()
	return nil
}

func (t *rtpTrack) fireEnded() {
	t.endedOnce.Do(func() {
		t.mu.Lock()
		fn := t.onEnded
		t.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

func (t *rtpTrack) run() {
	defer t.fireEnded()

	buf := make([]byte, 1500)
	pkt := &rtp.Packet{}

	for {
		if t.readTimeout > 0 {
			_ = t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
		}

		n, _, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			// Timeout means the pusher went away: the source ended.
			// Anything else means the socket was closed.
			t.logger.Debug("Capture stream ended", zap.Error(err))
			_ = t.conn.Close()
			return
		}

		if !t.enabled.Load() {
			continue
		}

		if err := pkt.Unmarshal(buf[:n]); err != nil {
			t.logger.Debug("Dropping malformed RTP packet", zap.Error(err))
			continue
		}

		if err := t.local.WriteRTP(pkt); err != nil {
			t.logger.Debug("Failed to write RTP", zap.Error(err))
		}
	}
}
