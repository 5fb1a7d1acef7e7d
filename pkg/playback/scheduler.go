// Package playback планирует воспроизведение звука ответа на непрерывной
// временной шкале устройства вывода.
//
// Scheduler держит курсор nextStartTime - конец последнего запланированного
// фрагмента на часах устройства. Каждый новый фрагмент начинается в
// max(курсор, сейчас): подряд идущие фрагменты встают встык, а после
// опустошения буфера воспроизведение возобновляется сразу, без накопления
// задержки. Прерывание сбрасывает курсор на текущее время.
package playback

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/arzzra/market_eye/pkg/codec"
	"github.com/arzzra/market_eye/pkg/live"
	"github.com/arzzra/market_eye/pkg/media"
	"github.com/arzzra/market_eye/pkg/metrics"
)

// OutputDevice - устройство вывода со своими часами.
type OutputDevice interface {
	Now() time.Duration
	SampleRate() int
	Schedule(at time.Duration, buf *codec.Buffer) error
	// Flush глушит уже запланированные, но еще не сыгранные фрагменты.
	Flush()
	Close() error
}

// PlaybackItem - запланированный фрагмент ответа.
type PlaybackItem struct {
	Buffer   *codec.Buffer
	StartAt  time.Duration
	Duration time.Duration
}

// End возвращает момент окончания фрагмента.
func (p PlaybackItem) End() time.Duration {
	return p.StartAt + p.Duration
}

// Config - параметры планировщика.
type Config struct {
	// SampleRate - частота входящего звука, если MIME тип ее не указывает.
	SampleRate int
	// SilenceOnInterrupt глушит уже запланированный звук при прерывании.
	SilenceOnInterrupt bool

	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Scheduler - единственный писатель курсора воспроизведения.
type Scheduler struct {
	out    OutputDevice
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	cursor    time.Duration
	scheduled bool
}

// NewScheduler создает планировщик поверх устройства вывода.
func NewScheduler(out OutputDevice, cfg Config) *Scheduler {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = out.SampleRate()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "playback"))
	}
	s := &Scheduler{out: out, cfg: cfg, logger: logger}
	s.cursor = out.Now()
	return s
}

// Reset выставляет курсор на текущее время устройства (начало сессии).
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = s.out.Now()
	s.scheduled = false
}

// Enqueue декодирует PCM16 на частоте по умолчанию и планирует его.
func (s *Scheduler) Enqueue(pcm []byte) (PlaybackItem, error) {
	return s.enqueue(pcm, s.cfg.SampleRate)
}

func (s *Scheduler) enqueue(pcm []byte, rate int) (PlaybackItem, error) {
	buf, err := codec.DecodeAudio(pcm, rate)
	if err != nil {
		return PlaybackItem{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.out.Now()
	startAt := s.cursor
	underrun := false
	if now > startAt {
		underrun = s.scheduled
		startAt = now
	}

	if err := s.out.Schedule(startAt, buf); err != nil {
		return PlaybackItem{}, err
	}

	item := PlaybackItem{Buffer: buf, StartAt: startAt, Duration: buf.Duration()}
	s.cursor = item.End()
	s.scheduled = true
	s.cfg.Metrics.PlaybackScheduled(item.Duration, underrun)
	return item, nil
}

// HandleMessage обрабатывает сообщение сервера: сначала прерывание,
// затем звуковые фрагменты в порядке получения. Ошибка декодирования
// отбрасывает только свой фрагмент.
func (s *Scheduler) HandleMessage(msg *live.ServerMessage) []PlaybackItem {
	if msg == nil {
		return nil
	}
	if msg.Interrupted {
		s.Interrupt()
	}

	var items []PlaybackItem
	for _, payload := range msg.Audio {
		item, err := s.enqueue(payload.Data, s.rateFor(payload.MIMEType))
		if err != nil {
			s.logger.Warn("Фрагмент ответа отброшен",
				slog.String("mime_type", payload.MIMEType),
				slog.Any("error", err))
			s.cfg.Metrics.ChunkError(media.ChunkAudio, metrics.StageDecode)
			continue
		}
		items = append(items, item)
	}
	return items
}

// Interrupt сбрасывает курсор на текущее время. С SilenceOnInterrupt
// уже запланированный звук также глушится.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.SilenceOnInterrupt {
		s.out.Flush()
	}
	s.cursor = s.out.Now()
	s.scheduled = false
	s.cfg.Metrics.Interrupted()
	s.logger.Debug("Воспроизведение прервано сервером")
}

// Cursor возвращает конец последнего запланированного фрагмента.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Pending возвращает длительность еще не сыгранного звука.
func (s *Scheduler) Pending() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.cursor - s.out.Now(); d > 0 {
		return d
	}
	return 0
}

func (s *Scheduler) rateFor(mimeType string) int {
	for _, param := range strings.Split(mimeType, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		if rate, err := strconv.Atoi(v); err == nil && rate > 0 {
			return rate
		}
	}
	return s.cfg.SampleRate
}
