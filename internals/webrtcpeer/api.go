// Package webrtcpeer wraps a pion peer connection behind the adapter
// surface the negotiation engine drives. It owns track attachment,
// trickle candidate plumbing and the RTCP feedback loops.
package webrtcpeer

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/wpcall/wpcall/internals/config"
)

func newAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}

func peerConfiguration(cfg config.WebRTCConfig) webrtc.Configuration {
	pcConfig := webrtc.Configuration{
		ICEServers:           make([]webrtc.ICEServer, len(cfg.ICEServers)),
		ICECandidatePoolSize: uint8(cfg.CandidatePoolSize),
	}
	for idx, server := range cfg.ICEServers {
		pcConfig.ICEServers[idx] = webrtc.ICEServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		}
	}
	return pcConfig
}
