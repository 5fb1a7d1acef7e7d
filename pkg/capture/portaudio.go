package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudioMicrophone захватывает моно звук с устройства ввода по умолчанию.
//
// Эхоподавление, шумоподавление и АРУ PortAudio не предоставляет,
// эти пожелания запроса передаются в лог и не влияют на поток.
type PortAudioMicrophone struct {
	Logger *slog.Logger
}

// Open открывает поток на запрошенной частоте, а если устройство ее не
// поддерживает, то на родной частоте устройства.
func (p PortAudioMicrophone) Open(ctx context.Context, req MicrophoneRequest, cb AudioCallback) (AudioTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "portaudio_mic"))
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("инициализация PortAudio: %w", err)
	}

	callback := func(in []float32) {
		cb(in)
	}

	stream, err := portaudio.OpenDefaultStream(1, 0, float64(req.SampleRate), req.BufferSize, callback)
	if err != nil {
		dev, derr := portaudio.DefaultInputDevice()
		if derr != nil {
			_ = portaudio.Terminate()
			return nil, fmt.Errorf("устройство ввода по умолчанию: %w", derr)
		}
		logger.Debug("Запрошенная частота не поддерживается, используем частоту устройства",
			slog.Int("requested", req.SampleRate),
			slog.Float64("device_rate", dev.DefaultSampleRate),
			slog.Any("error", err))

		stream, err = portaudio.OpenDefaultStream(1, 0, dev.DefaultSampleRate, req.BufferSize, callback)
		if err != nil {
			_ = portaudio.Terminate()
			return nil, fmt.Errorf("открытие потока микрофона: %w", err)
		}
	}

	logger.Debug("Микрофон открыт",
		slog.Bool("echo_cancellation", req.EchoCancellation),
		slog.Bool("noise_suppression", req.NoiseSuppression),
		slog.Bool("auto_gain_control", req.AutoGainControl),
		slog.Int("buffer_size", req.BufferSize))

	return &portAudioTrack{stream: stream}, nil
}

type portAudioTrack struct {
	stream *portaudio.Stream

	mu      sync.Mutex
	started bool
	closed  bool
}

func (t *portAudioTrack) SampleRate() int {
	info := t.stream.Info()
	if info == nil {
		return 0
	}
	return int(info.SampleRate)
}

func (t *portAudioTrack) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.stream.Start(); err != nil {
		return err
	}
	t.started = true
	return nil
}

func (t *portAudioTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	var firstErr error
	if t.started {
		if err := t.stream.Stop(); err != nil {
			firstErr = err
		}
	}
	if err := t.stream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := portaudio.Terminate(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
