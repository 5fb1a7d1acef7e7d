// Package session управляет жизненным циклом сессии ассистента.
//
// Controller - конечный автомат на looplab/fsm:
//
//	idle -> connecting -> active -> idle
//	connecting|active -> error -> idle
//	idle -> error (нет ключа API)
//
// Connect захватывает микрофон, открывает устройство вывода и удаленную
// сессию. Камера и видео путь запускаются только после открытия удаленной
// сессии. Все ресурсы одной сессии принадлежат SessionContext и
// освобождаются одним вызовом teardown.
package session

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/market_eye/pkg/capture"
	"github.com/arzzra/market_eye/pkg/config"
	"github.com/arzzra/market_eye/pkg/live"
	"github.com/arzzra/market_eye/pkg/media"
	"github.com/arzzra/market_eye/pkg/metrics"
	"github.com/arzzra/market_eye/pkg/outbound"
	"github.com/arzzra/market_eye/pkg/playback"
)

// События автомата.
const (
	eventConnect    = "connect"
	eventOpen       = "open"
	eventFail       = "fail"
	eventDisconnect = "disconnect"
	eventReject     = "reject"
)

// Причины завершения для логов.
const (
	reasonUser        = "user"
	reasonRemoteClose = "remote_close"
	reasonRemoteError = "remote_error"
	reasonTimeout     = "connect_timeout"
)

// Dependencies - внешние зависимости контроллера.
type Dependencies struct {
	Capturer  *capture.Capturer
	Transport live.Transport
	// NewOutput открывает устройство вывода на частоте rate.
	NewOutput func(rate int) (playback.OutputDevice, error)

	// NewTicker подменяет таймер видео пути, по умолчанию outbound.NewTimeTicker.
	NewTicker func(time.Duration) outbound.Ticker

	Metrics *metrics.Collector
	Haptics Haptics
	Logger  *slog.Logger
}

// Controller - контроллер жизненного цикла. Одновременно существует
// не более одной сессии.
type Controller struct {
	cfg    *config.Config
	deps   Dependencies
	logger *slog.Logger

	// mu сериализует переходы автомата и смену текущей сессии
	mu           sync.Mutex
	stateMachine *fsm.FSM
	current      *SessionContext

	obsMu         sync.RWMutex
	errMsg        string
	lastErr       error
	sessionID     string
	stateHandler  func(from, to media.SessionState)
	volumeHandler func(float64)

	volume atomic.Uint64
}

// New создает контроллер в состоянии Idle.
func New(cfg *config.Config, deps Dependencies) *Controller {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "session"))
	}

	c := &Controller{cfg: cfg, deps: deps, logger: logger}
	c.stateMachine = fsm.NewFSM(
		media.StateIdle.String(),
		fsm.Events{
			{Name: eventConnect, Src: []string{media.StateIdle.String(), media.StateError.String()}, Dst: media.StateConnecting.String()},
			{Name: eventOpen, Src: []string{media.StateConnecting.String()}, Dst: media.StateActive.String()},
			{Name: eventFail, Src: []string{media.StateConnecting.String(), media.StateActive.String()}, Dst: media.StateError.String()},
			{Name: eventDisconnect, Src: []string{media.StateConnecting.String(), media.StateActive.String(), media.StateError.String()}, Dst: media.StateIdle.String()},
			{Name: eventReject, Src: []string{media.StateIdle.String()}, Dst: media.StateError.String()},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				c.handleStateChange(e)
			},
		},
	)
	return c
}

// handleStateChange вызывается автоматом после каждого перехода
func (c *Controller) handleStateChange(e *fsm.Event) {
	oldState := media.ParseSessionState(e.Src)
	newState := media.ParseSessionState(e.Dst)

	c.deps.Metrics.StateChanged(oldState, newState)
	c.logger.Debug("Смена состояния сессии",
		slog.String("event", e.Event),
		slog.String("from", e.Src),
		slog.String("to", e.Dst))

	c.obsMu.RLock()
	handler := c.stateHandler
	c.obsMu.RUnlock()
	if handler != nil {
		handler(oldState, newState)
	}
}

// fire выполняет переход. Вызывается под c.mu.
func (c *Controller) fire(event string) bool {
	err := c.stateMachine.Event(context.Background(), event)
	if err == nil {
		return true
	}
	var noTransition fsm.NoTransitionError
	if !errors.As(err, &noTransition) {
		c.logger.Debug("Переход отклонен",
			slog.String("event", event),
			slog.String("state", c.stateMachine.Current()),
			slog.Any("error", err))
	}
	return false
}

// State возвращает текущее состояние.
func (c *Controller) State() media.SessionState {
	return media.ParseSessionState(c.stateMachine.Current())
}

// Active сообщает, активна ли сессия.
func (c *Controller) Active() bool {
	return c.State() == media.StateActive
}

// Err возвращает сообщение последней ошибки для пользователя.
func (c *Controller) Err() string {
	c.obsMu.RLock()
	defer c.obsMu.RUnlock()
	return c.errMsg
}

// SessionID возвращает идентификатор последней сессии.
func (c *Controller) SessionID() string {
	c.obsMu.RLock()
	defer c.obsMu.RUnlock()
	return c.sessionID
}

// Volume возвращает RMS последнего буфера микрофона.
func (c *Controller) Volume() float64 {
	return math.Float64frombits(c.volume.Load())
}

// OnStateChange устанавливает обработчик смены состояния. Обработчик
// вызывается синхронно во время перехода и не должен вызывать Connect,
// Disconnect или Close.
func (c *Controller) OnStateChange(handler func(from, to media.SessionState)) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.stateHandler = handler
}

// OnVolume устанавливает обработчик уровня микрофона. Вызывается из
// аудио callback и не должен блокироваться.
func (c *Controller) OnVolume(handler func(float64)) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.volumeHandler = handler
}

// LastError возвращает типизированную причину последнего завершения
// или ошибки. Закрытие удаленной стороной дает RemoteClose.
func (c *Controller) LastError() error {
	c.obsMu.RLock()
	defer c.obsMu.RUnlock()
	return c.lastErr
}

// setError запоминает ошибку и ее текст для пользователя.
func (c *Controller) setError(err error) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.lastErr = err
	c.errMsg = media.UserMessage(err)
}

func (c *Controller) setVolume(level float64) {
	c.volume.Store(math.Float64bits(level))
	c.obsMu.RLock()
	handler := c.volumeHandler
	c.obsMu.RUnlock()
	if handler != nil {
		handler(level)
	}
}

// Connect начинает новую сессию. В Connecting и Active ничего не делает.
// Любая ошибка до перехода в Active освобождает захваченные ресурсы и
// оставляет контроллер в состоянии Error.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.State() {
	case media.StateConnecting, media.StateActive:
		c.mu.Unlock()
		return nil
	}

	if !c.cfg.HasCredentials() {
		err := media.NewSessionError(media.ErrorCodeMissingCredentials, "", "ключ API не задан", nil)
		c.setError(err)
		// без ключа сессия не начинается: Connecting пропускается
		if c.State() == media.StateIdle {
			c.fire(eventReject)
		}
		c.mu.Unlock()
		c.logger.Error("Подключение невозможно", slog.Any("error", err))
		return err
	}

	sctx := newSessionContext(context.WithoutCancel(ctx), c.logger)
	c.current = sctx
	c.setError(nil)
	c.obsMu.Lock()
	c.sessionID = sctx.ID.String()
	c.obsMu.Unlock()
	c.fire(eventConnect)
	c.mu.Unlock()

	c.deps.Metrics.SessionStarted()
	c.vibrate(patternConnect)
	sctx.logger.Info("Подключение сессии", slog.String("model", c.cfg.Model))

	err := c.establish(ctx, sctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != sctx {
		// Disconnect во время подключения: состояние уже Idle
		_ = sctx.teardown()
		sctx.logger.Info("Подключение отменено", slog.String("reason", reasonUser))
		return media.NewSessionError(media.ErrorCodeSessionClosed, sctx.ID.String(), "подключение отменено", err)
	}
	if err != nil {
		c.current = nil
		_ = sctx.teardown()
		c.setError(err)
		c.fire(eventFail)
		sctx.logger.Error("Не удалось подключить сессию", slog.Any("error", err))
		return err
	}

	sctx.established = true
	go c.run(sctx)
	return nil
}

// establish захватывает ресурсы сессии. Вызывается без c.mu.
func (c *Controller) establish(ctx context.Context, sctx *SessionContext) error {
	if c.deps.Capturer == nil || c.deps.Transport == nil || c.deps.NewOutput == nil {
		return media.NewSessionError(media.ErrorCodeInvalidState, sctx.ID.String(), "контроллер не сконфигурирован", nil)
	}

	// отмена Connect или Disconnect прерывают подключение
	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sctx.ctx, cancel)
	defer stop()

	newTicker := c.deps.NewTicker
	if newTicker == nil {
		newTicker = outbound.NewTimeTicker
	}
	sctx.pipeline = outbound.NewPipeline(outbound.Config{
		Sink:            sctx,
		QueueSize:       c.cfg.QueueSize,
		InputSampleRate: c.cfg.InputSampleRate,
		Video: outbound.VideoConfig{
			FrameRate: c.cfg.VideoFrameRate,
			Quality:   c.cfg.JPEGQuality,
			Scale:     c.cfg.VideoScale,
			NewTicker: newTicker,
		},
		Gate:     sctx.streaming.Load,
		OnVolume: c.setVolume,
		Metrics:  c.deps.Metrics,
		Logger:   sctx.logger.With(slog.String("component", "outbound")),
	})

	pipeline := sctx.pipeline
	mic, err := c.deps.Capturer.AcquireMicrophone(opCtx, capture.MicrophoneRequest{
		SampleRate:       c.cfg.InputSampleRate,
		BufferSize:       c.cfg.AudioBufferSize,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}, func(samples []float32) {
		pipeline.HandleAudio(samples, sctx.micRate())
	})
	if err != nil {
		return err
	}
	sctx.mic = mic
	sctx.micRateValue.Store(int64(mic.SampleRate()))

	output, err := c.deps.NewOutput(c.cfg.OutputSampleRate)
	if err != nil {
		return media.NewSessionError(media.ErrorCodeDeviceUnavailable, sctx.ID.String(), "не удалось открыть устройство вывода", err)
	}
	sctx.output = output
	sctx.scheduler = playback.NewScheduler(output, playback.Config{
		SampleRate:         c.cfg.OutputSampleRate,
		SilenceOnInterrupt: c.cfg.SilenceOnInterrupt,
		Metrics:            c.deps.Metrics,
		Logger:             sctx.logger.With(slog.String("component", "playback")),
	})
	sctx.scheduler.Reset()

	remote, err := c.deps.Transport.Open(opCtx, c.liveConfig())
	if err != nil {
		if media.HasErrorCode(err, media.ErrorCodeConnection) {
			return err
		}
		return media.NewConnectionError(sctx.ID.String(), "не удалось открыть удаленную сессию", err)
	}
	sctx.remote = remote

	sctx.pipeline.Start(sctx.ctx)
	return nil
}

func (c *Controller) liveConfig() live.Config {
	cfg := live.Config{
		Model:             c.cfg.Model,
		SystemInstruction: c.cfg.SystemInstruction,
		Voice:             c.cfg.Voice,
		ResponseModality:  live.ModalityAudio,
	}
	if c.cfg.GoogleSearch {
		cfg.Tools = append(cfg.Tools, live.ToolGoogleSearch)
	}
	return cfg
}

// run - цикл событий удаленной сессии. Один на SessionContext.
func (c *Controller) run(sctx *SessionContext) {
	var timeout <-chan time.Time
	if c.cfg.ConnectTimeout > 0 {
		timer := time.NewTimer(c.cfg.ConnectTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	events := sctx.remote.Events()
	for {
		select {
		case <-sctx.Done():
			return
		case <-timeout:
			timeout = nil
			if c.State() == media.StateConnecting {
				c.handleFailure(sctx, media.NewConnectionError(sctx.ID.String(), "удаленная сессия не открылась вовремя", nil), reasonTimeout)
			}
		case ev, ok := <-events:
			if !ok {
				c.handleClose(sctx, "поток событий закрыт")
				return
			}
			switch ev.Type {
			case live.EventOpen:
				timeout = nil
				c.handleOpen(sctx)
			case live.EventMessage:
				c.handleMessage(sctx, ev.Message)
			case live.EventClose:
				c.handleClose(sctx, ev.Reason)
				return
			case live.EventError:
				c.handleFailure(sctx, ev.Err, reasonRemoteError)
				return
			}
		}
	}
}

func (c *Controller) handleOpen(sctx *SessionContext) {
	c.mu.Lock()
	if c.current != sctx || c.State() != media.StateConnecting {
		c.mu.Unlock()
		return
	}
	sctx.streaming.Store(true)
	c.fire(eventOpen)
	c.mu.Unlock()

	c.vibrate(patternOpen)
	sctx.logger.Info("Сессия активна")

	go c.startCamera(sctx)
}

// startCamera захватывает камеру вне цикла событий и запускает видео путь.
func (c *Controller) startCamera(sctx *SessionContext) {
	cam, err := c.deps.Capturer.AcquireCamera(sctx.ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if c.current == sctx {
			c.setError(err)
		}
		sctx.logger.Warn("Камера недоступна, сессия продолжается без видео", slog.Any("error", err))
		return
	}
	if c.current != sctx {
		_ = cam.Release()
		return
	}
	sctx.camera = cam
	if !sctx.pipeline.StartVideo(cam) {
		sctx.logger.Warn("Видео путь не запущен")
	}
}

func (c *Controller) handleMessage(sctx *SessionContext, msg *live.ServerMessage) {
	if msg == nil || sctx.ctx.Err() != nil {
		return
	}
	sctx.scheduler.HandleMessage(msg)
}

// handleClose - штатное закрытие удаленной стороной: переход в Idle.
func (c *Controller) handleClose(sctx *SessionContext, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != sctx {
		return
	}
	sctx.logger.Info("Удаленная сессия закрыта",
		slog.String("reason", reasonRemoteClose),
		slog.String("detail", reason))
	c.obsMu.Lock()
	c.lastErr = media.NewRemoteCloseError(sctx.ID.String(), reason)
	c.obsMu.Unlock()
	c.disconnectLocked()
}

// handleFailure разбирает сессию и оставляет контроллер в Error.
func (c *Controller) handleFailure(sctx *SessionContext, err error, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != sctx {
		return
	}
	if err == nil || !media.HasErrorCode(err, media.ErrorCodeConnection) {
		err = media.NewConnectionError(sctx.ID.String(), "ошибка удаленной сессии", err)
	}
	sctx.logger.Error("Сессия завершена с ошибкой",
		slog.String("reason", reason),
		slog.Any("error", err))

	c.current = nil
	_ = sctx.teardown()
	c.setError(err)
	c.fire(eventFail)
}

// Disconnect завершает сессию и переводит контроллер в Idle.
// Повторные вызовы ничего не делают.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sctx := c.current; sctx != nil {
		sctx.logger.Info("Сессия завершена пользователем", slog.String("reason", reasonUser))
	}
	c.disconnectLocked()
}

func (c *Controller) disconnectLocked() {
	if sctx := c.current; sctx != nil {
		c.current = nil
		if sctx.established {
			_ = sctx.teardown()
		} else {
			// ресурсы освободит незавершенный Connect
			sctx.cancel()
		}
	}
	if c.fire(eventDisconnect) {
		c.vibrate(patternDisconnect)
	}
}

// Close освобождает контроллер.
func (c *Controller) Close() error {
	c.Disconnect()
	return nil
}
