// Package media owns the endpoint's local capture devices: microphone,
// camera and screen. Devices come from a DeviceProvider capability, so
// the controller and everything above it run against fakes in tests.
package media

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

const (
	KindAudio = "audio"
	KindVideo = "video"
)

// Track is one local capture track. Disabling a track silences it in
// place; the device stays open so re-enabling is instant and never
// re-prompts for access. The ended callback fires exactly once, whether
// the source ends on its own or is closed.
type Track interface {
	ID() string
	Kind() string
	SetEnabled(enabled bool)
	Enabled() bool
	OnEnded(fn func())
	Close() error
}

// DeviceProvider opens capture devices.
type DeviceProvider interface {
	OpenMicrophone(ctx context.Context) (Track, error)
	OpenCamera(ctx context.Context) (Track, error)
	OpenScreen(ctx context.Context) (Track, error)
}

// Controller owns the acquired tracks for one call. Screen capture is a
// source of its own layered over the camera, so reverting a screen
// share never has to reacquire the camera.
type Controller struct {
	provider DeviceProvider
	logger   *zap.Logger

	mu     sync.Mutex
	mic    Track
	camera Track
	screen Track

	closeOnce sync.Once
}

func NewController(provider DeviceProvider, logger *zap.Logger) *Controller {
	return &Controller{provider: provider, logger: logger}
}

// Acquire opens the microphone, and the camera unless audioOnly.
// Failures come back classified; on a camera failure the already-open
// microphone is released.
func (c *Controller) Acquire(ctx context.Context, audioOnly bool) error {
	mic, err := c.provider.OpenMicrophone(ctx)
	if err != nil {
		return Classify("microphone", err)
	}

	var camera Track
	if !audioOnly {
		camera, err = c.provider.OpenCamera(ctx)
		if err != nil {
			_ = mic.Close()
			return Classify("camera", err)
		}
	}

	c.mu.Lock()
	c.mic = mic
	c.camera = camera
	c.mu.Unlock()

	c.logger.Info("Media acquired", zap.Bool("audio_only", audioOnly))
	return nil
}

func (c *Controller) Microphone() Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mic
}

func (c *Controller) Camera() Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.camera
}

// Tracks returns the tracks to publish on the call: microphone and
// camera, in that order, skipping whatever was not acquired.
func (c *Controller) Tracks() []Track {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Track
	if c.mic != nil {
		out = append(out, c.mic)
	}
	if c.camera != nil {
		out = append(out, c.camera)
	}
	return out
}

// SetMicEnabled mutes or unmutes in place. The track is retained.
func (c *Controller) SetMicEnabled(enabled bool) {
	c.mu.Lock()
	mic := c.mic
	c.mu.Unlock()
	if mic != nil {
		mic.SetEnabled(enabled)
	}
}

// SetCameraEnabled turns the camera off or on in place.
func (c *Controller) SetCameraEnabled(enabled bool) {
	c.mu.Lock()
	camera := c.camera
	c.mu.Unlock()
	if camera != nil {
		camera.SetEnabled(enabled)
	}
}

// StartScreenShare opens the screen source alongside the camera. When
// the screen track ends, naturally or via StopScreenShare, revert is
// invoked with the retained camera track.
func (c *Controller) StartScreenShare(ctx context.Context, revert func(camera Track)) (Track, error) {
	c.mu.Lock()
	if c.screen != nil {
		c.mu.Unlock()
		return nil, errors.New("media: screen share already active")
	}
	c.mu.Unlock()

	screen, err := c.provider.OpenScreen(ctx)
	if err != nil {
		return nil, Classify("screen", err)
	}

	c.mu.Lock()
	c.screen = screen
	camera := c.camera
	c.mu.Unlock()

	screen.OnEnded(func() {
		c.mu.Lock()
		if c.screen == screen {
			c.screen = nil
		}
		c.mu.Unlock()

		c.logger.Info("Screen share ended, reverting to camera")
		if revert != nil {
			revert(camera)
		}
	})

	return screen, nil
}

// StopScreenShare closes the active screen source, which fires the
// revert registered at start. No-op when no share is active.
func (c *Controller) StopScreenShare() {
	c.mu.Lock()
	screen := c.screen
	c.mu.Unlock()

	if screen != nil {
		_ = screen.Close()
	}
}

// Close releases every device. Idempotent; every teardown path may call
// it without caring who got there first.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		mic, camera, screen := c.mic, c.camera, c.screen
		c.mic, c.camera, c.screen = nil, nil, nil
		c.mu.Unlock()

		for _, t := range []Track{screen, camera, mic} {
			if t != nil {
				_ = t.Close()
			}
		}
	})
}
