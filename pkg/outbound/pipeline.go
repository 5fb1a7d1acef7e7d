// Package outbound реализует исходящий поток медиа в удаленную сессию.
//
// Два независимых источника делят одну очередь и одного отправителя:
//
//   - аудио путь: HandleAudio вызывается из callback микрофона с аппаратной
//     каденцией, считает RMS и кладет чанк в очередь без блокировки;
//   - видео путь: по таймеру берет свежий кадр камеры, уменьшает и сжимает его.
//
// Очередь ограничена и при переполнении вытесняет самый старый чанк,
// поэтому медленная сеть никогда не задерживает захват. Отправитель кодирует
// чанки и передает их в Sink; ошибки одного чанка логируются и не
// останавливают цикл. Порядок доставки на удаленной стороне не гарантируется.
package outbound

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/arzzra/market_eye/pkg/codec"
	"github.com/arzzra/market_eye/pkg/media"
	"github.com/arzzra/market_eye/pkg/metrics"
)

// DefaultQueueSize - емкость очереди по умолчанию.
const DefaultQueueSize = 32

// Sink принимает закодированные чанки. Реализуется live.Session.
type Sink interface {
	Send(ctx context.Context, blob media.Blob) error
}

// Config - параметры конвейера.
type Config struct {
	Sink            Sink
	QueueSize       int
	InputSampleRate int
	Video           VideoConfig

	// Gate разрешает отправку. nil означает "всегда открыт".
	Gate func() bool
	// OnVolume получает RMS каждого буфера микрофона.
	OnVolume func(float64)

	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Pipeline - исходящий конвейер одной сессии.
type Pipeline struct {
	cfg    Config
	queue  *Queue
	logger *slog.Logger

	volume  atomic.Uint64
	stopped atomic.Bool

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	video   bool
}

// NewPipeline создает конвейер. Отправитель запускается методом Start.
func NewPipeline(cfg Config) *Pipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "outbound"))
	}

	p := &Pipeline{cfg: cfg, logger: logger}
	p.queue = NewQueue(cfg.QueueSize, func(chunk media.MediaChunk) {
		cfg.Metrics.ChunkDropped(chunk.Kind())
	})
	return p
}

// Start запускает отправителя. Повторные вызовы ничего не делают.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped.Load() {
		return
	}
	p.started = true

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.group, p.ctx = errgroup.WithContext(p.ctx)
	p.group.Go(func() error {
		p.sendLoop(p.ctx)
		return nil
	})
}

// StartVideo запускает видео путь на кадрах frames. Допускается один видео путь.
func (p *Pipeline) StartVideo(frames FrameSource) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.video || p.stopped.Load() {
		return false
	}
	p.video = true

	vp := &VideoPath{
		cfg:     p.cfg.Video,
		frames:  frames,
		gate:    p.open,
		push:    p.queue.Push,
		logger:  p.logger,
		metrics: p.cfg.Metrics,
	}
	ctx := p.ctx
	p.group.Go(func() error {
		return vp.Run(ctx)
	})
	return true
}

// HandleAudio обрабатывает буфер микрофона. Вызывается из аудио callback,
// поэтому никогда не блокируется на сети. Буфер копируется: драйвер его
// переиспользует.
func (p *Pipeline) HandleAudio(samples []float32, deliveredRate int) {
	level := codec.RMS(samples)
	p.volume.Store(math.Float64bits(level))
	p.cfg.Metrics.MicVolume(level)
	if p.cfg.OnVolume != nil {
		p.cfg.OnVolume(level)
	}

	if !p.open() || len(samples) == 0 {
		return
	}

	target := p.cfg.InputSampleRate
	if target <= 0 {
		target = deliveredRate
	}
	var pcm []float32
	if deliveredRate > 0 && deliveredRate != target {
		pcm = codec.Resample(samples, deliveredRate, target)
	} else {
		pcm = make([]float32, len(samples))
		copy(pcm, samples)
	}
	if len(pcm) == 0 {
		return
	}

	p.queue.Push(media.AudioChunk{Samples: pcm, SampleRate: target})
}

// Volume возвращает RMS последнего буфера микрофона.
func (p *Pipeline) Volume() float64 {
	return math.Float64frombits(p.volume.Load())
}

// Pending возвращает число чанков в очереди.
func (p *Pipeline) Pending() int {
	return p.queue.Len()
}

// Halt останавливает производителей и отбрасывает ожидающие чанки, не
// дожидаясь горутин. Отправка, уже переданная в Sink, не прерывается:
// ее снимает закрытие Sink. Повторные вызовы ничего не делают.
func (p *Pipeline) Halt() {
	if p.stopped.Swap(true) {
		return
	}

	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if n := p.queue.Close(); n > 0 {
		p.logger.Debug("Ожидающие чанки отброшены при остановке", slog.Int("count", n))
	}
}

// Wait ждет завершения отправителя и видео пути после Halt.
func (p *Pipeline) Wait() error {
	p.mu.Lock()
	group := p.group
	p.mu.Unlock()

	if group != nil {
		return group.Wait()
	}
	return nil
}

// Stop - Halt и Wait. Если Sink может зависнуть в Send, между ними нужно
// закрыть Sink.
func (p *Pipeline) Stop() error {
	p.Halt()
	return p.Wait()
}

func (p *Pipeline) open() bool {
	if p.stopped.Load() {
		return false
	}
	return p.cfg.Gate == nil || p.cfg.Gate()
}

func (p *Pipeline) sendLoop(ctx context.Context) {
	for {
		chunk, err := p.queue.Pop(ctx)
		if err != nil {
			return
		}
		// после начала остановки отправка не выполняется
		if !p.open() {
			continue
		}

		blob, err := encodeChunk(chunk)
		if err != nil {
			p.logger.Warn("Не удалось закодировать чанк, чанк отброшен",
				slog.String("kind", chunk.Kind().String()),
				slog.Any("error", err))
			p.cfg.Metrics.ChunkError(chunk.Kind(), metrics.StageEncode)
			continue
		}

		if err := p.cfg.Sink.Send(ctx, blob); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			p.logger.Warn("Не удалось отправить чанк",
				slog.String("kind", chunk.Kind().String()),
				slog.Any("error", err))
			p.cfg.Metrics.ChunkError(chunk.Kind(), metrics.StageSend)
			continue
		}
		p.cfg.Metrics.ChunkSent(chunk.Kind())
	}
}

func encodeChunk(chunk media.MediaChunk) (media.Blob, error) {
	switch c := chunk.(type) {
	case media.AudioChunk:
		return media.Blob{
			MIMEType: codec.AudioMIMEType(c.SampleRate),
			Data:     codec.EncodePCM(c.Samples),
		}, nil
	case media.VideoChunk:
		data, err := codec.BlobToBase64(bytes.NewReader(c.JPEG))
		if err != nil {
			return media.Blob{}, err
		}
		return media.Blob{MIMEType: codec.MIMETypeJPEG, Data: data}, nil
	default:
		return media.Blob{}, media.NewEncodeError("неизвестный тип чанка", nil)
	}
}
