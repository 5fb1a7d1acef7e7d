package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/arzzra/market_eye/pkg/capture"
	"github.com/arzzra/market_eye/pkg/live"
	"github.com/arzzra/market_eye/pkg/media"
	"github.com/arzzra/market_eye/pkg/outbound"
	"github.com/arzzra/market_eye/pkg/playback"
)

// SessionContext владеет всеми ресурсами одной сессии.
// Поля заполняются горутиной Connect и после этого не меняются,
// кроме camera, которая появляется после открытия удаленной сессии.
type SessionContext struct {
	ID     uuid.UUID
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	remote    live.Session
	mic       *capture.MicrophoneStream
	camera    *capture.CameraStream
	output    playback.OutputDevice
	scheduler *playback.Scheduler
	pipeline  *outbound.Pipeline

	// established выставляется под Controller.mu, когда Connect
	// передал сессию циклу событий.
	established bool
	// streaming открывает исходящий поток. Истина только в Active.
	streaming    atomic.Bool
	micRateValue atomic.Int64

	teardownOnce sync.Once
	teardownErr  error
}

func newSessionContext(parent context.Context, logger *slog.Logger) *SessionContext {
	id := uuid.New()
	ctx, cancel := context.WithCancel(parent)
	return &SessionContext{
		ID:     id,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(slog.String("session_id", id.String())),
	}
}

// Done закрывается, когда сессия разобрана.
func (s *SessionContext) Done() <-chan struct{} {
	return s.ctx.Done()
}

// micRate возвращает фактическую частоту микрофона, 0 до завершения захвата.
func (s *SessionContext) micRate() int {
	return int(s.micRateValue.Load())
}

// Send реализует outbound.Sink поверх удаленной сессии.
func (s *SessionContext) Send(ctx context.Context, blob media.Blob) error {
	if s.remote == nil {
		return media.NewSessionError(media.ErrorCodeSessionClosed, s.ID.String(), "удаленная сессия не открыта", nil)
	}
	return s.remote.Send(ctx, blob)
}

// teardown освобождает ресурсы в порядке: производители, транспорт, устройства.
// Отправитель ожидается только после закрытия транспорта: закрытие снимает
// зависшую запись. Ошибка закрытия удаленной сессии только логируется.
func (s *SessionContext) teardown() error {
	s.teardownOnce.Do(func() {
		s.streaming.Store(false)
		s.cancel()

		var errs []error
		if s.pipeline != nil {
			s.pipeline.Halt()
		}
		if s.remote != nil {
			if err := s.remote.Close(); err != nil {
				s.logger.Warn("Ошибка при закрытии удаленной сессии", slog.Any("error", err))
			}
		}
		if s.pipeline != nil {
			if err := s.pipeline.Wait(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.mic != nil {
			if err := s.mic.Release(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.camera != nil {
			if err := s.camera.Release(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.output != nil {
			if err := s.output.Close(); err != nil {
				errs = append(errs, err)
			}
		}

		s.teardownErr = errors.Join(errs...)
		if s.teardownErr != nil {
			s.logger.Warn("Ресурсы сессии освобождены с ошибками", slog.Any("error", s.teardownErr))
		} else {
			s.logger.Debug("Ресурсы сессии освобождены")
		}
	})
	return s.teardownErr
}
