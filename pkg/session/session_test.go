package session

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/market_eye/pkg/capture"
	"github.com/arzzra/market_eye/pkg/capture/capturetest"
	"github.com/arzzra/market_eye/pkg/codec"
	"github.com/arzzra/market_eye/pkg/config"
	"github.com/arzzra/market_eye/pkg/live"
	"github.com/arzzra/market_eye/pkg/live/livetest"
	"github.com/arzzra/market_eye/pkg/media"
	"github.com/arzzra/market_eye/pkg/metrics"
	"github.com/arzzra/market_eye/pkg/outbound"
	"github.com/arzzra/market_eye/pkg/playback"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// testOutput - программное устройство вывода, запоминающее закрытие.
type testOutput struct {
	*playback.Timeline
	closed atomic.Int32
}

func (o *testOutput) Close() error {
	o.closed.Add(1)
	return o.Timeline.Close()
}

// manualTicker тикает только по команде теста.
type manualTicker struct {
	ch chan time.Time
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               {}

func (m *manualTicker) Tick() {
	select {
	case m.ch <- time.Now():
	default:
	}
}

type fixture struct {
	controller *Controller
	camera     *capturetest.Camera
	mic        *capturetest.Microphone
	transport  *livetest.Transport
	ticker     *manualTicker
	metrics    *metrics.Collector

	mu          sync.Mutex
	outputs     []*testOutput
	outputErr   error
	transitions []media.SessionState
	vibrations  [][]time.Duration
}

func newFixture(t *testing.T, mutate func(cfg *config.Config)) *fixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.APIKey = "test-key"
	if mutate != nil {
		mutate(cfg)
	}

	f := &fixture{
		camera:    &capturetest.Camera{},
		mic:       &capturetest.Microphone{},
		transport: livetest.NewTransport(),
		ticker:    &manualTicker{ch: make(chan time.Time, 1)},
		metrics:   metrics.NewCollector(),
	}
	f.controller = New(cfg, Dependencies{
		Capturer:  &capture.Capturer{Camera: f.camera, Microphone: f.mic},
		Transport: f.transport,
		NewOutput: func(rate int) (playback.OutputDevice, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.outputErr != nil {
				return nil, f.outputErr
			}
			out := &testOutput{Timeline: playback.NewTimeline(rate)}
			f.outputs = append(f.outputs, out)
			return out, nil
		},
		NewTicker: func(time.Duration) outbound.Ticker { return f.ticker },
		Metrics:   f.metrics,
		Haptics: HapticsFunc(func(pattern ...time.Duration) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.vibrations = append(f.vibrations, pattern)
		}),
	})
	f.controller.OnStateChange(func(from, to media.SessionState) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.transitions = append(f.transitions, to)
	})
	t.Cleanup(func() { _ = f.controller.Close() })
	return f
}

func (f *fixture) states() []media.SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]media.SessionState(nil), f.transitions...)
}

func (f *fixture) output() *testOutput {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.outputs) == 0 {
		return nil
	}
	return f.outputs[len(f.outputs)-1]
}

func (f *fixture) scheduler() *playback.Scheduler {
	f.controller.mu.Lock()
	defer f.controller.mu.Unlock()
	if f.controller.current == nil {
		return nil
	}
	return f.controller.current.scheduler
}

// activate подключает сессию и доводит ее до Active.
func (f *fixture) activate(t *testing.T) *livetest.Session {
	t.Helper()
	require.NoError(t, f.controller.Connect(context.Background()))
	remote := f.transport.Last()
	require.NotNil(t, remote)
	require.True(t, remote.EmitOpen())
	require.Eventually(t, f.controller.Active, waitFor, tick)
	return remote
}

func countKind(blobs []media.Blob, mimeType string) int {
	n := 0
	for _, b := range blobs {
		if b.MIMEType == mimeType {
			n++
		}
	}
	return n
}

func pcmOf(d time.Duration, rate int) []byte {
	samples := make([]float32, int(d*time.Duration(rate)/time.Second))
	for i := range samples {
		samples[i] = 0.2
	}
	return codec.PCMBytes(samples)
}

// TestConnectScenario - подключение, прерывание и звук ответа.
func TestConnectScenario(t *testing.T) {
	f := newFixture(t, nil)
	remote := f.activate(t)

	assert.Equal(t, []media.SessionState{media.StateConnecting, media.StateActive}, f.states())
	assert.NotEmpty(t, f.controller.SessionID())
	assert.Empty(t, f.controller.Err())

	cfg := remote.Config
	assert.Equal(t, config.DefaultModel, cfg.Model)
	assert.Equal(t, config.DefaultVoice, cfg.Voice)
	assert.Equal(t, []live.Tool{live.ToolGoogleSearch}, cfg.Tools)
	assert.Equal(t, live.ModalityAudio, cfg.ResponseModality)

	out := f.output()
	require.NotNil(t, out)

	require.True(t, remote.EmitMessage(live.ServerMessage{Audio: []live.AudioPayload{
		{MIMEType: "audio/pcm;rate=24000", Data: pcmOf(2*time.Second, 24000)},
	}}))
	require.Eventually(t, func() bool { return f.scheduler().Cursor() == 2*time.Second }, waitFor, tick)

	out.Advance(500 * time.Millisecond)
	now := out.Now()

	require.True(t, remote.EmitMessage(live.ServerMessage{
		Interrupted: true,
		Audio:       []live.AudioPayload{{MIMEType: "audio/pcm;rate=24000", Data: pcmOf(500*time.Millisecond, 24000)}},
	}))
	require.Eventually(t, func() bool {
		return f.scheduler().Cursor() == now+500*time.Millisecond
	}, waitFor, tick, "курсор равен now + 0.5 с после прерывания")
	assert.Equal(t, 1, out.Segments(), "прерванный звук заглушен")
}

// TestMicrophoneDenied - отказ в доступе к микрофону.
func TestMicrophoneDenied(t *testing.T) {
	f := newFixture(t, nil)
	f.mic.OpenErr = errors.New("NotAllowedError")

	err := f.controller.Connect(context.Background())
	require.Error(t, err)

	device, ok := media.IsPermissionDenied(err)
	require.True(t, ok)
	assert.Equal(t, media.DeviceMicrophone, device)

	assert.Equal(t, media.StateError, f.controller.State())
	assert.Equal(t, "Microphone access denied. Please allow microphone access and try again.", f.controller.Err())
	assert.Empty(t, f.transport.Sessions(), "удаленная сессия не открывалась")
	assert.Nil(t, f.output(), "устройство вывода не открывалось")
	assert.Empty(t, f.camera.Requests())
}

func TestMissingCredentials(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.APIKey = "" })

	err := f.controller.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, media.HasErrorCode(err, media.ErrorCodeMissingCredentials))
	assert.Equal(t, media.StateError, f.controller.State())
	assert.Equal(t, "API Key not found", f.controller.Err())
	assert.Equal(t, []media.SessionState{media.StateError}, f.states(), "Connecting не наблюдается")
	assert.Empty(t, f.mic.Requests())
	assert.Empty(t, f.transport.Sessions())

	f.mu.Lock()
	assert.Empty(t, f.vibrations)
	f.mu.Unlock()

	// повторная попытка из Error оставляет Error без новых переходов
	require.Error(t, f.controller.Connect(context.Background()))
	assert.Equal(t, []media.SessionState{media.StateError}, f.states())

	f.controller.Disconnect()
	assert.Equal(t, media.StateIdle, f.controller.State())
}

// TestConnectFailureReleasesResources проверяет, что ошибка до Active
// освобождает все уже захваченные ресурсы.
func TestConnectFailureReleasesResources(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(f *fixture)
		wantMessage string
		description string
	}{
		{
			name:        "транспорт недоступен",
			setup:       func(f *fixture) { f.transport.OpenErr = errors.New("dial tcp: connection refused") },
			wantMessage: "Connection error. Please try again.",
			description: "Микрофон и вывод освобождаются при ошибке открытия сессии",
		},
		{
			name:        "устройство вывода недоступно",
			setup:       func(f *fixture) { f.outputErr = errors.New("no default output device") },
			wantMessage: "Audio device unavailable. Please check your audio settings.",
			description: "Микрофон освобождается при ошибке устройства вывода",
		},
		{
			name:        "микрофон не запускается",
			setup:       func(f *fixture) { f.mic.StartErr = errors.New("device busy") },
			wantMessage: "Microphone access denied. Please allow microphone access and try again.",
			description: "Ошибка запуска трека приводит к Error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Logf("Тест: %s", tt.description)

			f := newFixture(t, nil)
			tt.setup(f)

			require.Error(t, f.controller.Connect(context.Background()))
			assert.Equal(t, media.StateError, f.controller.State())
			assert.Equal(t, tt.wantMessage, f.controller.Err())

			if track := f.mic.Track(); track != nil {
				assert.True(t, track.Stopped(), "микрофон освобожден")
			}
			if out := f.output(); out != nil {
				assert.EqualValues(t, 1, out.closed.Load(), "вывод закрыт")
			}

			// после ошибки возможно повторное подключение
			f.transport.OpenErr = nil
			f.mu.Lock()
			f.outputErr = nil
			f.mu.Unlock()
			f.mic.StartErr = nil
			f.activate(t)
			assert.Empty(t, f.controller.Err())
		})
	}
}

// TestStateMachineLegality: Disconnect из любого состояния ведет в Idle,
// Connect в Connecting и Active ничего не делает.
func TestStateMachineLegality(t *testing.T) {
	tests := []struct {
		name        string
		reach       func(t *testing.T, f *fixture)
		want        media.SessionState
		description string
	}{
		{
			name:        "idle",
			reach:       func(t *testing.T, f *fixture) {},
			want:        media.StateIdle,
			description: "Disconnect в Idle не меняет состояние",
		},
		{
			name: "connecting",
			reach: func(t *testing.T, f *fixture) {
				require.NoError(t, f.controller.Connect(context.Background()))
			},
			want:        media.StateConnecting,
			description: "Удаленная сессия еще не открыта",
		},
		{
			name:        "active",
			reach:       func(t *testing.T, f *fixture) { f.activate(t) },
			want:        media.StateActive,
			description: "Сессия активна",
		},
		{
			name: "error",
			reach: func(t *testing.T, f *fixture) {
				f.mic.OpenErr = errors.New("denied")
				require.Error(t, f.controller.Connect(context.Background()))
			},
			want:        media.StateError,
			description: "Ошибка подключения",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Logf("Тест: %s", tt.description)

			f := newFixture(t, nil)
			tt.reach(t, f)
			require.Equal(t, tt.want, f.controller.State())

			if tt.want == media.StateConnecting || tt.want == media.StateActive {
				require.NoError(t, f.controller.Connect(context.Background()))
				assert.Len(t, f.transport.Sessions(), 1, "повторный Connect ничего не делает")
				assert.Equal(t, tt.want, f.controller.State())
			}

			f.controller.Disconnect()
			assert.Equal(t, media.StateIdle, f.controller.State())
		})
	}
}

func TestConnectTimeout(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.ConnectTimeout = 50 * time.Millisecond })

	require.NoError(t, f.controller.Connect(context.Background()))
	require.Eventually(t, func() bool { return f.controller.State() == media.StateError }, waitFor, tick,
		"без открытия сессии Connecting не длится вечно")
	assert.Equal(t, "Connection error. Please try again.", f.controller.Err())
	assert.True(t, f.transport.Last().Closed())
}

// TestTeardownIdempotence - двойной Disconnect эквивалентен одиночному.
func TestTeardownIdempotence(t *testing.T) {
	f := newFixture(t, nil)
	remote := f.activate(t)
	require.Eventually(t, func() bool { return len(f.camera.Tracks()) == 1 }, waitFor, tick)

	assert.NotPanics(t, func() {
		f.controller.Disconnect()
		f.controller.Disconnect()
	})

	assert.Equal(t, media.StateIdle, f.controller.State())
	assert.Equal(t, []media.SessionState{media.StateConnecting, media.StateActive, media.StateIdle}, f.states())
	assert.Equal(t, 1, remote.CloseCalls())
	assert.True(t, f.mic.Track().Stopped())
	assert.True(t, f.camera.Tracks()[0].Closed())
	assert.EqualValues(t, 1, f.output().closed.Load())

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, [][]time.Duration{patternConnect, patternOpen, patternDisconnect}, f.vibrations)
}

// TestAudioGatedUntilActive - буферы микрофона до открытия сессии не отправляются.
func TestAudioGatedUntilActive(t *testing.T) {
	var levels atomic.Int32
	f := newFixture(t, nil)
	f.controller.OnVolume(func(float64) { levels.Add(1) })

	require.NoError(t, f.controller.Connect(context.Background()))
	remote := f.transport.Last()
	samples := make([]float32, 1600)
	for i := range samples {
		samples[i] = 0.5
	}

	f.mic.Track().Emit(samples)
	assert.InDelta(t, 0.5, f.controller.Volume(), 1e-6, "уровень считается и до открытия")
	assert.Empty(t, remote.SentBlobs())

	require.True(t, remote.EmitOpen())
	require.Eventually(t, f.controller.Active, waitFor, tick)

	f.mic.Track().Emit(samples)
	require.Eventually(t, func() bool { return len(remote.SentBlobs()) == 1 }, waitFor, tick)
	blob := remote.SentBlobs()[0]
	assert.Equal(t, "audio/pcm;rate=16000", blob.MIMEType)

	pcm, err := codec.Base64ToBytes(blob.Data)
	require.NoError(t, err)
	assert.Len(t, pcm, 3200)
	assert.EqualValues(t, 2, levels.Load())

	f.controller.Disconnect()
	f.mic.Track().Emit(samples)
	assert.Len(t, remote.SentBlobs(), 1, "после отключения чанки не отправляются")
}

func TestVideoStartsAfterOpen(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.controller.Connect(context.Background()))
	assert.Empty(t, f.camera.Requests(), "камера не захватывается до открытия сессии")

	remote := f.transport.Last()
	require.True(t, remote.EmitOpen())
	require.Eventually(t, func() bool { return len(f.camera.Tracks()) == 1 }, waitFor, tick)

	f.camera.Tracks()[0].Push(image.NewRGBA(image.Rect(0, 0, 64, 48)))
	require.Eventually(t, func() bool {
		f.ticker.Tick()
		return countKind(remote.SentBlobs(), codec.MIMETypeJPEG) == 1
	}, waitFor, tick)
}

func TestCameraDeniedKeepsSessionActive(t *testing.T) {
	f := newFixture(t, nil)
	f.camera.OpenErrors = map[string]error{"": errors.New("NotAllowedError")}

	f.activate(t)
	require.Eventually(t, func() bool {
		return f.controller.Err() == "Camera access denied. Please allow camera access and try again."
	}, waitFor, tick)
	assert.Equal(t, media.StateActive, f.controller.State())
}

func TestRemoteTermination(t *testing.T) {
	tests := []struct {
		name        string
		terminate   func(s *livetest.Session) bool
		wantState   media.SessionState
		wantMessage string
		description string
	}{
		{
			name:        "закрытие",
			terminate:   func(s *livetest.Session) bool { return s.EmitClose("normal closure") },
			wantState:   media.StateIdle,
			wantMessage: "",
			description: "Закрытие удаленной стороной ведет в Idle без ошибки",
		},
		{
			name:        "ошибка",
			terminate:   func(s *livetest.Session) bool { return s.EmitError(errors.New("websocket: bad handshake")) },
			wantState:   media.StateError,
			wantMessage: "Connection error. Please try again.",
			description: "Ошибка удаленной сессии ведет в Error с сообщением",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Logf("Тест: %s", tt.description)

			f := newFixture(t, nil)
			remote := f.activate(t)
			require.True(t, tt.terminate(remote))

			require.Eventually(t, func() bool { return f.controller.State() == tt.wantState }, waitFor, tick)
			assert.Equal(t, tt.wantMessage, f.controller.Err())
			if tt.wantState == media.StateIdle {
				assert.True(t, media.IsRemoteClose(f.controller.LastError()))
			} else {
				assert.True(t, media.IsConnectionError(f.controller.LastError()))
			}
			assert.True(t, remote.Closed())
			assert.True(t, f.mic.Track().Stopped())
			assert.Eventually(t, func() bool { return f.output().closed.Load() == 1 }, waitFor, tick)

			// события разобранной сессии игнорируются
			assert.False(t, remote.EmitOpen())
			assert.Equal(t, tt.wantState, f.controller.State())
		})
	}
}

// TestDisconnectWithStalledSend - Disconnect не ждет запись, зависшую в
// транспорте: закрытие удаленной сессии снимает ее.
func TestDisconnectWithStalledSend(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.StallSend = true
	remote := f.activate(t)

	f.mic.Track().Emit(make([]float32, 1600))
	select {
	case <-remote.Stalled():
	case <-time.After(waitFor):
		t.Fatal("отправка не началась")
	}

	done := make(chan struct{})
	go func() {
		f.controller.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Disconnect завис на отправке")
	}

	assert.Equal(t, media.StateIdle, f.controller.State())
	assert.True(t, remote.Closed())
	assert.True(t, f.mic.Track().Stopped())
	assert.EqualValues(t, 1, f.output().closed.Load())

	// контроллер не заблокирован: новая сессия подключается
	f.transport.StallSend = false
	f.activate(t)
}

// TestMessagesNotBlockedByCamera - звук ответа воспроизводится, пока камера
// еще открывается.
func TestMessagesNotBlockedByCamera(t *testing.T) {
	f := newFixture(t, nil)
	f.camera.Hold = make(chan struct{})
	remote := f.activate(t)

	delivered := make(chan bool, 1)
	go func() {
		delivered <- remote.EmitMessage(live.ServerMessage{Audio: []live.AudioPayload{
			{MIMEType: "audio/pcm;rate=24000", Data: pcmOf(time.Second, 24000)},
		}})
	}()
	select {
	case ok := <-delivered:
		require.True(t, ok)
	case <-time.After(waitFor):
		t.Fatal("сообщение ждет открытия камеры")
	}
	require.Eventually(t, func() bool { return f.scheduler().Cursor() == time.Second }, waitFor, tick)
	assert.Empty(t, f.camera.Tracks())

	close(f.camera.Hold)
	require.Eventually(t, func() bool { return len(f.camera.Tracks()) == 1 }, waitFor, tick)
	assert.Equal(t, media.StateActive, f.controller.State())
}
