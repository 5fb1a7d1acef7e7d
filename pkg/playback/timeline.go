package playback

import (
	"sync"
	"time"

	"github.com/arzzra/market_eye/pkg/codec"
	"github.com/arzzra/market_eye/pkg/media"
)

type segment struct {
	start   int64
	samples []float32
}

func (s segment) end() int64 { return s.start + int64(len(s.samples)) }

// Timeline - программные часы и микшер устройства вывода.
// Время определяется числом отрендеренных кадров, поэтому часы идут
// только вместе с реальным выводом звука.
type Timeline struct {
	rate int

	mu       sync.Mutex
	frame    int64
	segments []segment
}

// NewTimeline создает часы вывода на частоте rate.
func NewTimeline(rate int) *Timeline {
	return &Timeline{rate: rate}
}

func (t *Timeline) SampleRate() int { return t.rate }

// Now возвращает текущее время вывода.
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.framesToDuration(t.frame)
}

// Schedule ставит буфер на воспроизведение с момента at.
// Буфер другой частоты пересчитывается к частоте вывода.
func (t *Timeline) Schedule(at time.Duration, buf *codec.Buffer) error {
	if buf == nil || buf.SampleRate <= 0 {
		return media.NewDecodeError("пустой буфер воспроизведения", nil)
	}
	samples := buf.Samples
	if buf.SampleRate != t.rate {
		samples = codec.Resample(samples, buf.SampleRate, t.rate)
	}
	if len(samples) == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	start := t.durationToFrames(at)
	if start < t.frame {
		// начало уже в прошлом: проигрываем остаток
		skip := t.frame - start
		if skip >= int64(len(samples)) {
			return nil
		}
		samples = samples[skip:]
		start = t.frame
	}
	t.segments = append(t.segments, segment{start: start, samples: samples})
	return nil
}

// Render заполняет out следующими кадрами и продвигает часы.
// Завершенные сегменты удаляются и повторно не воспроизводятся.
func (t *Timeline) Render(out []float32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range out {
		out[i] = 0
	}
	from := t.frame
	to := from + int64(len(out))

	kept := t.segments[:0]
	for _, seg := range t.segments {
		if seg.start < to && seg.end() > from {
			lo := max(seg.start, from)
			hi := min(seg.end(), to)
			for f := lo; f < hi; f++ {
				out[f-from] += seg.samples[f-seg.start]
			}
		}
		if seg.end() > to {
			kept = append(kept, seg)
		}
	}
	for i := len(kept); i < len(t.segments); i++ {
		t.segments[i] = segment{}
	}
	t.segments = kept

	for i, v := range out {
		if v > 1 {
			out[i] = 1
		} else if v < -1 {
			out[i] = -1
		}
	}
	t.frame = to
}

// Advance продвигает часы на d, отбрасывая звук.
func (t *Timeline) Advance(d time.Duration) {
	n := t.durationToFrames(d)
	if n <= 0 {
		return
	}
	t.Render(make([]float32, n))
}

// Flush удаляет все еще не доигранные сегменты.
func (t *Timeline) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.segments = nil
}

// Segments возвращает число запланированных сегментов.
func (t *Timeline) Segments() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.segments)
}

func (t *Timeline) Close() error {
	t.Flush()
	return nil
}

func (t *Timeline) framesToDuration(frames int64) time.Duration {
	if t.rate <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(t.rate)
}

func (t *Timeline) durationToFrames(d time.Duration) int64 {
	if t.rate <= 0 {
		return 0
	}
	return (int64(d)*int64(t.rate) + int64(time.Second)/2) / int64(time.Second)
}
