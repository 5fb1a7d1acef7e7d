package outbound

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/market_eye/pkg/codec"
	"github.com/arzzra/market_eye/pkg/media"
	"github.com/arzzra/market_eye/pkg/metrics"
)

type recordingSink struct {
	mu    sync.Mutex
	blobs []media.Blob
	// failFirst - число первых вызовов, завершающихся ошибкой.
	failFirst int
	calls     int
}

func (s *recordingSink) Send(ctx context.Context, blob media.Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failFirst {
		return errors.New("сеть недоступна")
	}
	s.blobs = append(s.blobs, blob)
	return nil
}

func (s *recordingSink) Blobs() []media.Blob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]media.Blob(nil), s.blobs...)
}

func (s *recordingSink) count(mime string) int {
	n := 0
	for _, b := range s.Blobs() {
		if b.MIMEType == mime {
			n++
		}
	}
	return n
}

// manualTicker - тикер, управляемый тестом.
type manualTicker struct {
	ch       chan time.Time
	interval time.Duration
	stopped  atomic.Bool
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }
func (t *manualTicker) Stop()               { t.stopped.Store(true) }

// freshFrames отдает новый кадр на каждый вызов.
type freshFrames struct {
	img image.Image
}

func (f freshFrames) LatestFrame() (image.Image, bool) { return f.img, true }

// oneFrame отдает кадр только один раз.
type oneFrame struct {
	mu   sync.Mutex
	img  image.Image
	used bool
}

func (f *oneFrame) LatestFrame() (image.Image, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.used {
		return nil, false
	}
	f.used = true
	return f.img, true
}

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	return img
}

func TestQueueDropOldest(t *testing.T) {
	var dropped []media.MediaChunk
	q := NewQueue(2, func(c media.MediaChunk) { dropped = append(dropped, c) })

	a := media.AudioChunk{Samples: []float32{1}}
	b := media.AudioChunk{Samples: []float32{2}}
	c := media.VideoChunk{JPEG: []byte{3}}

	assert.True(t, q.Push(a))
	assert.True(t, q.Push(b))
	assert.True(t, q.Push(c))
	assert.Equal(t, 2, q.Len())
	require.Len(t, dropped, 1)
	assert.Equal(t, a, dropped[0], "вытесняется самый старый")

	ctx := context.Background()
	got, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, b, got)
	got, err = q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestQueueCloseAndCancel(t *testing.T) {
	q := NewQueue(4, nil)
	q.Push(media.AudioChunk{})
	q.Push(media.AudioChunk{})

	assert.Equal(t, 2, q.Close())
	assert.Zero(t, q.Close())
	assert.False(t, q.Push(media.AudioChunk{}), "после закрытия чанки не принимаются")

	_, err := q.Pop(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)

	q2 := NewQueue(1, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = q2.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueuePopWakesOnPush(t *testing.T) {
	q := NewQueue(1, nil)
	done := make(chan media.MediaChunk)
	go func() {
		c, _ := q.Pop(context.Background())
		done <- c
	}()
	time.Sleep(5 * time.Millisecond)
	q.Push(media.VideoChunk{Width: 7})

	select {
	case c := <-done:
		assert.Equal(t, 7, c.(media.VideoChunk).Width)
	case <-time.After(time.Second):
		t.Fatal("Pop не проснулся")
	}
}

func TestAudioPath(t *testing.T) {
	tests := []struct {
		name          string
		deliveredRate int
		gateOpen      bool
		wantChunks    int
		wantSamples   int
		description   string
	}{
		{"частота совпадает", 16000, true, 3, 4096, "Каждый буфер становится одним чанком"},
		{"ресемплинг 48k", 48000, true, 3, 4096 / 3, "Буфер приводится к частоте кодировщика"},
		{"гейт закрыт", 16000, false, 0, 0, "До открытия сессии чанки не отправляются"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Logf("Тест: %s", tt.description)

			sink := &recordingSink{}
			var volumes []float64
			var mu sync.Mutex
			p := NewPipeline(Config{
				Sink:            sink,
				InputSampleRate: 16000,
				Gate:            func() bool { return tt.gateOpen },
				OnVolume: func(v float64) {
					mu.Lock()
					volumes = append(volumes, v)
					mu.Unlock()
				},
			})
			p.Start(context.Background())

			buf := make([]float32, 4096)
			for i := range buf {
				buf[i] = 0.5
			}
			for i := 0; i < 3; i++ {
				p.HandleAudio(buf, tt.deliveredRate)
			}

			assert.InDelta(t, 0.5, p.Volume(), 1e-6, "громкость считается всегда")
			mu.Lock()
			assert.Len(t, volumes, 3)
			mu.Unlock()

			if tt.wantChunks > 0 {
				require.Eventually(t, func() bool { return len(sink.Blobs()) == tt.wantChunks }, time.Second, time.Millisecond)
			}
			require.NoError(t, p.Stop())

			blobs := sink.Blobs()
			assert.Len(t, blobs, tt.wantChunks)
			for _, b := range blobs {
				assert.Equal(t, "audio/pcm;rate=16000", b.MIMEType)
				raw, err := base64.StdEncoding.DecodeString(b.Data)
				require.NoError(t, err)
				assert.Len(t, raw, tt.wantSamples*2)
			}
		})
	}
}

func TestAudioBufferIsCopied(t *testing.T) {
	sink := &recordingSink{}
	p := NewPipeline(Config{Sink: sink, InputSampleRate: 16000})

	buf := []float32{0.25, 0.25}
	p.HandleAudio(buf, 16000)
	buf[0] = -1

	p.Start(context.Background())
	require.Eventually(t, func() bool { return len(sink.Blobs()) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, p.Stop())

	assert.Equal(t, codec.EncodePCM([]float32{0.25, 0.25}), sink.Blobs()[0].Data)
}

func TestSendErrorsDoNotStopLoop(t *testing.T) {
	collector := metrics.NewCollector()
	sink := &recordingSink{failFirst: 2}
	p := NewPipeline(Config{Sink: sink, InputSampleRate: 16000, Metrics: collector})
	p.Start(context.Background())

	for i := 0; i < 5; i++ {
		p.HandleAudio([]float32{float32(i) / 10}, 16000)
		time.Sleep(time.Millisecond)
	}

	require.Eventually(t, func() bool { return len(sink.Blobs()) == 3 }, time.Second, time.Millisecond)
	require.NoError(t, p.Stop())

	registry := collector.Registry()
	errorsCount, err := testutil.GatherAndCount(registry, "market_eye_chunk_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 1, errorsCount, "одна серия audio/send")
}

func TestStopAbandonsPending(t *testing.T) {
	block := make(chan struct{})
	sink := &blockingSink{release: block}
	p := NewPipeline(Config{Sink: sink, InputSampleRate: 16000, QueueSize: 8})
	p.Start(context.Background())

	for i := 0; i < 5; i++ {
		p.HandleAudio([]float32{0.1}, 16000)
	}
	require.Eventually(t, func() bool { return sink.calls.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop(), "повторный Stop ничего не делает")
	close(block)

	assert.Equal(t, int32(1), sink.calls.Load(), "ожидающие чанки не отправляются после остановки")
	assert.Zero(t, p.Pending())

	p.HandleAudio([]float32{0.1}, 16000)
	assert.Zero(t, p.Pending())
}

// TestHaltDoesNotWaitForSink: Halt возвращается, пока Send висит и не
// слушает контекст; Wait завершается после освобождения Sink.
func TestHaltDoesNotWaitForSink(t *testing.T) {
	sink := &stallingSink{release: make(chan struct{})}
	p := NewPipeline(Config{Sink: sink, InputSampleRate: 16000, QueueSize: 8})
	p.Start(context.Background())

	p.HandleAudio([]float32{0.1}, 16000)
	p.HandleAudio([]float32{0.1}, 16000)
	require.Eventually(t, func() bool { return sink.calls.Load() == 1 }, time.Second, time.Millisecond)

	halted := make(chan struct{})
	go func() {
		p.Halt()
		close(halted)
	}()
	select {
	case <-halted:
	case <-time.After(time.Second):
		t.Fatal("Halt ждет зависшую отправку")
	}
	assert.Zero(t, p.Pending())

	waited := make(chan error, 1)
	go func() { waited <- p.Wait() }()
	select {
	case <-waited:
		t.Fatal("Wait вернулся до освобождения Sink")
	case <-time.After(20 * time.Millisecond):
	}

	close(sink.release)
	select {
	case err := <-waited:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait не завершился")
	}
	assert.Equal(t, int32(1), sink.calls.Load())
}

// stallingSink не реагирует на отмену контекста, как запись в зависший сокет.
type stallingSink struct {
	release chan struct{}
	calls   atomic.Int32
}

func (s *stallingSink) Send(ctx context.Context, blob media.Blob) error {
	s.calls.Add(1)
	<-s.release
	return errors.New("соединение закрыто")
}

type blockingSink struct {
	release chan struct{}
	calls   atomic.Int32
}

func (s *blockingSink) Send(ctx context.Context, blob media.Blob) error {
	s.calls.Add(1)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.release:
		return nil
	}
}

func startVideoPipeline(t *testing.T, sink Sink, frames FrameSource, rate float64, gate func() bool) (*Pipeline, *manualTicker) {
	t.Helper()
	tickers := make(chan *manualTicker, 1)
	p := NewPipeline(Config{
		Sink: sink,
		Gate: gate,
		Video: VideoConfig{
			FrameRate: rate,
			Quality:   0.5,
			Scale:     0.5,
			NewTicker: func(d time.Duration) Ticker {
				mt := &manualTicker{ch: make(chan time.Time), interval: d}
				tickers <- mt
				return mt
			},
		},
	})
	p.Start(context.Background())
	require.True(t, p.StartVideo(frames))
	require.False(t, p.StartVideo(frames), "второй видео путь не запускается")

	select {
	case mt := <-tickers:
		return p, mt
	case <-time.After(time.Second):
		t.Fatal("тикер не создан")
		return nil, nil
	}
}

// TestVideoCadence проверяет, что за время T при частоте F отправляется floor(T*F)±1 кадров.
func TestVideoCadence(t *testing.T) {
	tests := []struct {
		name        string
		rate        float64
		duration    time.Duration
		gateOpen    bool
		description string
	}{
		{"2 Гц за 10 с", 2, 10 * time.Second, true, "Каденция совпадает с частотой кадров"},
		{"2 Гц за 3.7 с", 2, 3700 * time.Millisecond, true, "Дробная длительность округляется вниз"},
		{"5 Гц за 2 с", 5, 2 * time.Second, true, "Частота кадров настраивается"},
		{"сессия не активна", 2, 10 * time.Second, false, "При закрытом гейте кадры не отправляются"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Logf("Тест: %s", tt.description)

			sink := &recordingSink{}
			p, ticker := startVideoPipeline(t, sink, freshFrames{img: testImage(64, 48)}, tt.rate,
				func() bool { return tt.gateOpen })

			// имитируем время: тики приходят каждые interval до истечения duration
			ticks := 0
			for at := ticker.interval; at <= tt.duration; at += ticker.interval {
				ticker.ch <- time.Unix(0, int64(at))
				ticks++
			}

			expected := int(tt.duration.Seconds() * tt.rate)
			if !tt.gateOpen {
				expected = 0
			}
			if expected > 0 {
				require.Eventually(t, func() bool {
					return sink.count(codec.MIMETypeJPEG) >= expected-1
				}, 2*time.Second, time.Millisecond)
			}
			time.Sleep(20 * time.Millisecond)
			require.NoError(t, p.Stop())
			assert.True(t, ticker.stopped.Load(), "таймер остановлен при Stop")

			got := sink.count(codec.MIMETypeJPEG)
			assert.InDelta(t, expected, got, 1, "тиков: %d", ticks)
		})
	}
}

func TestVideoSkipsStaleFrames(t *testing.T) {
	sink := &recordingSink{}
	p, ticker := startVideoPipeline(t, sink, &oneFrame{img: testImage(8, 8)}, 2, nil)

	for i := 0; i < 4; i++ {
		ticker.ch <- time.Now()
	}
	require.Eventually(t, func() bool { return len(sink.Blobs()) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Stop())
	assert.Len(t, sink.Blobs(), 1, "один и тот же кадр не отправляется повторно")
}

func TestEncodeFrame(t *testing.T) {
	chunk, err := EncodeFrame(testImage(640, 480), 0.5, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 320, chunk.Width)
	assert.Equal(t, 240, chunk.Height)

	img, err := jpeg.Decode(bytes.NewReader(chunk.JPEG))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 320, 240), img.Bounds())

	_, err = EncodeFrame(nil, 0.5, 0.5)
	assert.True(t, media.IsEncodeError(err))

	tiny, err := EncodeFrame(testImage(1, 1), 0.5, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 1, tiny.Width)
}

func TestJPEGQuality(t *testing.T) {
	assert.Equal(t, 50, jpegQuality(0.5))
	assert.Equal(t, 100, jpegQuality(1))
	assert.Equal(t, 1, jpegQuality(0.001))
	assert.Equal(t, jpeg.DefaultQuality, jpegQuality(0))
}

func TestVideoConfigInterval(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, VideoConfig{FrameRate: 2}.Interval())
	assert.Zero(t, VideoConfig{}.Interval())
}
