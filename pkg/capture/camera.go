package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"sync"

	"github.com/arzzra/market_eye/pkg/media"
)

// Идеальное разрешение запроса камеры, направленной от пользователя.
const (
	DefaultCameraWidth  = 1280
	DefaultCameraHeight = 720
)

// DefaultCameraHints - подстроки метки устройства, по которым узнается
// тыльная (environment) камера.
var DefaultCameraHints = []string{"back", "rear", "environment"}

// CameraDevice описывает доступную камеру.
type CameraDevice struct {
	ID    string
	Label string
}

// CameraConstraints - ограничения запроса камеры.
// Пустая структура означает запрос без ограничений (камера по умолчанию).
type CameraConstraints struct {
	DeviceID string
	Width    int
	Height   int
}

// Unconstrained сообщает, что ограничения не заданы.
func (c CameraConstraints) Unconstrained() bool {
	return c == CameraConstraints{}
}

// FrameTrack - открытый видео трек камеры.
type FrameTrack interface {
	// ReadFrame блокируется до следующего кадра. После Close возвращает ошибку.
	ReadFrame() (image.Image, error)
	Close() error
}

// CameraSource - платформенный доступ к камерам.
type CameraSource interface {
	Devices() []CameraDevice
	Open(ctx context.Context, constraints CameraConstraints) (FrameTrack, error)
}

// CameraStream держит открытую камеру и последний полученный кадр.
// Фоновый читатель сохраняет только самый свежий кадр, старые перезаписываются.
type CameraStream struct {
	*StreamHandle

	mu     sync.Mutex
	latest image.Image
	fresh  bool
	done   chan struct{}
}

func newCameraStream(track FrameTrack, logger *slog.Logger) *CameraStream {
	s := &CameraStream{done: make(chan struct{})}
	s.StreamHandle = NewStreamHandle(media.DeviceCamera, TrackFunc(func() error {
		err := track.Close()
		<-s.done
		return err
	}))

	go func() {
		defer close(s.done)
		for {
			img, err := track.ReadFrame()
			if err != nil {
				if !s.Released() {
					logger.Debug("Чтение кадров камеры остановлено", slog.Any("error", err))
				}
				return
			}
			s.mu.Lock()
			s.latest = img
			s.fresh = true
			s.mu.Unlock()
		}
	}()
	return s
}

// LatestFrame возвращает свежий кадр, если он появился после предыдущего вызова.
// Один и тот же кадр дважды не отдается.
func (s *CameraStream) LatestFrame() (image.Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fresh || s.latest == nil {
		return nil, false
	}
	s.fresh = false
	return s.latest, true
}

// AcquireCamera захватывает камеру по двухуровневой схеме:
//  1. камера, направленная от пользователя (по меткам CameraHints), в идеальном разрешении;
//  2. запрос без ограничений.
//
// Только после неудачи обеих попыток возвращается PermissionDenied{camera}.
func (c *Capturer) AcquireCamera(ctx context.Context) (*CameraStream, error) {
	if c.Camera == nil {
		return nil, media.NewPermissionDeniedError(media.DeviceCamera, "камера недоступна", nil)
	}

	attempt := c.tryEnvironmentCamera(ctx)
	if attempt.track != nil {
		return newCameraStream(attempt.track, c.logger()), nil
	}
	c.logger().Warn("Камера от пользователя недоступна, пробуем запрос без ограничений",
		slog.Any("error", attempt.err))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	track, err := c.Camera.Open(ctx, CameraConstraints{})
	if err != nil {
		return nil, media.NewPermissionDeniedError(media.DeviceCamera, "доступ к камере запрещен",
			errors.Join(attempt.err, err))
	}
	return newCameraStream(track, c.logger()), nil
}

type cameraAttempt struct {
	track FrameTrack
	err   error
}

func (c *Capturer) tryEnvironmentCamera(ctx context.Context) cameraAttempt {
	if err := ctx.Err(); err != nil {
		return cameraAttempt{err: err}
	}

	device, ok := FindEnvironmentCamera(c.Camera.Devices(), c.cameraHints())
	if !ok {
		return cameraAttempt{err: errors.New("камера, направленная от пользователя, не найдена")}
	}

	width, height := c.CameraWidth, c.CameraHeight
	if width <= 0 || height <= 0 {
		width, height = DefaultCameraWidth, DefaultCameraHeight
	}

	track, err := c.Camera.Open(ctx, CameraConstraints{DeviceID: device.ID, Width: width, Height: height})
	if err != nil {
		return cameraAttempt{err: fmt.Errorf("камера %q: %w", device.Label, err)}
	}
	return cameraAttempt{track: track}
}

func (c *Capturer) cameraHints() []string {
	if len(c.CameraHints) > 0 {
		return c.CameraHints
	}
	return DefaultCameraHints
}

// FindEnvironmentCamera ищет камеру, направленную от пользователя, по подстрокам метки.
func FindEnvironmentCamera(devices []CameraDevice, hints []string) (CameraDevice, bool) {
	for _, d := range devices {
		label := strings.ToLower(d.Label)
		for _, hint := range hints {
			if hint != "" && strings.Contains(label, strings.ToLower(hint)) {
				return d, true
			}
		}
	}
	return CameraDevice{}, false
}
