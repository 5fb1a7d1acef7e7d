package capture

import (
	"context"
	"log/slog"

	"github.com/arzzra/market_eye/pkg/media"
)

// MicrophoneRequest - параметры запроса микрофона.
// Частота дискретизации является подсказкой: устройство может отдать другую,
// фактическая частота доступна через MicrophoneStream.SampleRate.
type MicrophoneRequest struct {
	SampleRate int
	BufferSize int

	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// AudioCallback получает моно буфер отсчетов в [-1, 1] с аппаратной каденцией.
// Буфер переиспользуется драйвером, получатель обязан скопировать данные.
type AudioCallback func(samples []float32)

// AudioTrack - открытый, но еще не запущенный поток микрофона.
type AudioTrack interface {
	// SampleRate возвращает фактическую частоту, выданную устройством.
	SampleRate() int
	Start() error
	Stop() error
}

// MicrophoneSource - платформенный доступ к микрофону.
type MicrophoneSource interface {
	Open(ctx context.Context, req MicrophoneRequest, cb AudioCallback) (AudioTrack, error)
}

// MicrophoneStream - запущенный захват микрофона.
type MicrophoneStream struct {
	*StreamHandle
	sampleRate int
}

// SampleRate возвращает частоту, с которой приходят буферы в callback.
func (m *MicrophoneStream) SampleRate() int {
	return m.sampleRate
}

// AcquireMicrophone открывает микрофон и запускает доставку буферов в cb.
// Любая ошибка открытия или запуска превращается в PermissionDenied{microphone}.
func (c *Capturer) AcquireMicrophone(ctx context.Context, req MicrophoneRequest, cb AudioCallback) (*MicrophoneStream, error) {
	if c.Microphone == nil {
		return nil, media.NewPermissionDeniedError(media.DeviceMicrophone, "микрофон недоступен", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	track, err := c.Microphone.Open(ctx, req, cb)
	if err != nil {
		return nil, media.NewPermissionDeniedError(media.DeviceMicrophone, "доступ к микрофону запрещен", err)
	}

	if err := track.Start(); err != nil {
		_ = track.Stop()
		return nil, media.NewPermissionDeniedError(media.DeviceMicrophone, "не удалось запустить микрофон", err)
	}

	rate := track.SampleRate()
	if rate <= 0 {
		rate = req.SampleRate
	}
	if rate != req.SampleRate {
		c.logger().Info("Микрофон работает на другой частоте, включен ресемплинг",
			slog.Int("requested", req.SampleRate),
			slog.Int("delivered", rate))
	}

	return &MicrophoneStream{
		StreamHandle: NewStreamHandle(media.DeviceMicrophone, track),
		sampleRate:   rate,
	}, nil
}
