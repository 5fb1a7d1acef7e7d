// Package capturetest содержит поддельные устройства захвата для тестов.
package capturetest

import (
	"context"
	"errors"
	"image"
	"sync"

	"github.com/arzzra/market_eye/pkg/capture"
)

// ErrTrackClosed возвращается ReadFrame после закрытия трека.
var ErrTrackClosed = errors.New("трек закрыт")

// Camera - поддельная камера. Ошибки открытия задаются по ключу DeviceID,
// пустой ключ соответствует запросу без ограничений.
type Camera struct {
	DeviceList []capture.CameraDevice
	OpenErrors map[string]error
	// Hold, если задан, задерживает Open до закрытия канала или отмены ctx.
	Hold chan struct{}

	mu       sync.Mutex
	requests []capture.CameraConstraints
	tracks   []*FrameTrack
}

func (c *Camera) Devices() []capture.CameraDevice {
	return c.DeviceList
}

func (c *Camera) Open(ctx context.Context, constraints capture.CameraConstraints) (capture.FrameTrack, error) {
	if c.Hold != nil {
		select {
		case <-c.Hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, constraints)
	if err := c.OpenErrors[constraints.DeviceID]; err != nil {
		return nil, err
	}
	t := NewFrameTrack()
	c.tracks = append(c.tracks, t)
	return t, nil
}

// Requests возвращает все запрошенные ограничения по порядку.
func (c *Camera) Requests() []capture.CameraConstraints {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]capture.CameraConstraints(nil), c.requests...)
}

// Tracks возвращает открытые треки.
func (c *Camera) Tracks() []*FrameTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*FrameTrack(nil), c.tracks...)
}

// FrameTrack отдает кадры, переданные через Push.
type FrameTrack struct {
	frames chan image.Image
	done   chan struct{}
	once   sync.Once
}

func NewFrameTrack() *FrameTrack {
	return &FrameTrack{
		frames: make(chan image.Image, 16),
		done:   make(chan struct{}),
	}
}

// Push передает кадр читателю трека.
func (t *FrameTrack) Push(img image.Image) {
	select {
	case t.frames <- img:
	case <-t.done:
	}
}

func (t *FrameTrack) ReadFrame() (image.Image, error) {
	select {
	case img := <-t.frames:
		return img, nil
	case <-t.done:
		return nil, ErrTrackClosed
	}
}

func (t *FrameTrack) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

// Closed сообщает, закрыт ли трек.
func (t *FrameTrack) Closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Microphone - поддельный микрофон. Буферы подаются вручную через Emit.
type Microphone struct {
	OpenErr  error
	StartErr error
	// DeliveredRate - частота, которую "выдает" устройство; 0 означает запрошенную.
	DeliveredRate int

	mu       sync.Mutex
	requests []capture.MicrophoneRequest
	tracks   []*AudioTrack
}

func (m *Microphone) Open(ctx context.Context, req capture.MicrophoneRequest, cb capture.AudioCallback) (capture.AudioTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	rate := m.DeliveredRate
	if rate == 0 {
		rate = req.SampleRate
	}
	t := &AudioTrack{rate: rate, cb: cb, startErr: m.StartErr}
	m.tracks = append(m.tracks, t)
	return t, nil
}

// Requests возвращает все запросы по порядку.
func (m *Microphone) Requests() []capture.MicrophoneRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]capture.MicrophoneRequest(nil), m.requests...)
}

// Track возвращает последний открытый трек или nil.
func (m *Microphone) Track() *AudioTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.tracks) == 0 {
		return nil
	}
	return m.tracks[len(m.tracks)-1]
}

// AudioTrack - поддельный аудио трек.
type AudioTrack struct {
	rate     int
	cb       capture.AudioCallback
	startErr error

	mu      sync.Mutex
	started bool
	stopped bool
}

func (t *AudioTrack) SampleRate() int { return t.rate }

func (t *AudioTrack) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startErr != nil {
		return t.startErr
	}
	t.started = true
	return nil
}

func (t *AudioTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	return nil
}

// Stopped сообщает, был ли трек остановлен.
func (t *AudioTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Emit доставляет буфер в callback, как это делает драйвер.
// После остановки буферы не доставляются.
func (t *AudioTrack) Emit(samples []float32) {
	t.mu.Lock()
	active := t.started && !t.stopped
	t.mu.Unlock()
	if active {
		t.cb(samples)
	}
}
