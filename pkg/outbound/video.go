package outbound

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"log/slog"
	"math"
	"time"

	"golang.org/x/image/draw"

	"github.com/arzzra/market_eye/pkg/media"
	"github.com/arzzra/market_eye/pkg/metrics"
)

// FrameSource отдает свежий кадр камеры, если он есть.
type FrameSource interface {
	LatestFrame() (image.Image, bool)
}

// Ticker - источник тиков видео цикла.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// NewTimeTicker оборачивает time.Ticker.
func NewTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

// VideoConfig - параметры видео пути.
type VideoConfig struct {
	FrameRate float64
	// Quality - качество JPEG в диапазоне (0, 1].
	Quality float64
	// Scale - коэффициент линейного уменьшения кадра в диапазоне (0, 1].
	Scale float64
	// NewTicker подменяется в тестах, по умолчанию NewTimeTicker.
	NewTicker func(time.Duration) Ticker
}

// Interval возвращает период тиков.
func (c VideoConfig) Interval() time.Duration {
	if c.FrameRate <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / c.FrameRate)
}

// VideoPath по тикам таймера берет свежий кадр, уменьшает, сжимает в JPEG
// и кладет в очередь. Тики без кадра или при закрытом гейте пропускаются.
type VideoPath struct {
	cfg     VideoConfig
	frames  FrameSource
	gate    func() bool
	push    func(media.MediaChunk) bool
	logger  *slog.Logger
	metrics *metrics.Collector
}

// Run выполняет цикл до отмены контекста.
func (v *VideoPath) Run(ctx context.Context) error {
	interval := v.cfg.Interval()
	if interval <= 0 {
		return nil
	}
	newTicker := v.cfg.NewTicker
	if newTicker == nil {
		newTicker = NewTimeTicker
	}
	ticker := newTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if ctx.Err() != nil {
				return nil
			}
			v.Tick()
		}
	}
}

// Tick обрабатывает один тик. Возвращает true, если кадр поставлен в очередь.
func (v *VideoPath) Tick() bool {
	if v.gate != nil && !v.gate() {
		return false
	}
	img, ok := v.frames.LatestFrame()
	if !ok || img == nil {
		return false
	}

	chunk, err := EncodeFrame(img, v.cfg.Scale, v.cfg.Quality)
	if err != nil {
		v.logger.Warn("Не удалось сжать кадр, кадр пропущен", slog.Any("error", err))
		v.metrics.ChunkError(media.ChunkVideo, metrics.StageEncode)
		return false
	}
	return v.push(chunk)
}

// EncodeFrame уменьшает кадр в scale раз и сжимает его в JPEG.
func EncodeFrame(img image.Image, scale, quality float64) (media.VideoChunk, error) {
	if img == nil {
		return media.VideoChunk{}, media.NewEncodeError("пустой кадр", nil)
	}
	b := img.Bounds()
	if b.Empty() {
		return media.VideoChunk{}, media.NewEncodeError("кадр нулевого размера", nil)
	}
	if scale <= 0 || scale > 1 {
		scale = 1
	}

	w := max(1, int(math.Round(float64(b.Dx())*scale)))
	h := max(1, int(math.Round(float64(b.Dy())*scale)))

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality(quality)}); err != nil {
		return media.VideoChunk{}, media.NewEncodeError("ошибка JPEG кодирования", err)
	}
	return media.VideoChunk{JPEG: buf.Bytes(), Width: w, Height: h}, nil
}

// jpegQuality переводит качество (0, 1] в шкалу image/jpeg 1..100.
func jpegQuality(q float64) int {
	if q <= 0 || q > 1 {
		return jpeg.DefaultQuality
	}
	return max(1, min(100, int(math.Round(q*100))))
}
