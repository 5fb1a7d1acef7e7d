package capture

import (
	"errors"
	"sync"

	"github.com/arzzra/market_eye/pkg/media"
)

// Track - аппаратный трек устройства, который нужно явно остановить.
type Track interface {
	Stop() error
}

// TrackFunc адаптирует функцию остановки к интерфейсу Track.
type TrackFunc func() error

func (f TrackFunc) Stop() error { return f() }

// StreamHandle владеет живыми треками камеры или микрофона.
// Сборщик мусора аппаратуру не освобождает: Release должен быть вызван
// ровно один раз на каждый успешный захват, повторные вызовы ничего не делают.
type StreamHandle struct {
	device media.Device

	mu       sync.Mutex
	tracks   []Track
	released bool
}

// NewStreamHandle создает handle для треков указанного устройства.
func NewStreamHandle(device media.Device, tracks ...Track) *StreamHandle {
	return &StreamHandle{device: device, tracks: tracks}
}

// Device возвращает устройство, которому принадлежат треки.
func (h *StreamHandle) Device() media.Device {
	return h.device
}

// Release останавливает все треки. Ошибки остановки собираются через errors.Join,
// при этом остальные треки все равно останавливаются.
func (h *StreamHandle) Release() error {
	if h == nil {
		return nil
	}

	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	tracks := h.tracks
	h.tracks = nil
	h.mu.Unlock()

	var errs []error
	for _, t := range tracks {
		if err := t.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Released сообщает, были ли треки уже освобождены.
func (h *StreamHandle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}
