package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arzzra/market_eye/pkg/codec"
	"github.com/arzzra/market_eye/pkg/media"
)

// DefaultWebSocketURL - адрес BidiGenerateContent для Gemini API.
const DefaultWebSocketURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

const (
	defaultDialTimeout = 15 * time.Second
	closeWriteTimeout  = time.Second
)

// WebSocketTransport говорит с BidiGenerateContent напрямую по websocket.
// Подходит для прокси и шлюзов, совместимых с протоколом Gemini Live.
type WebSocketTransport struct {
	URL    string
	APIKey string
	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// NewWebSocketTransport создает транспорт. Пустой url означает DefaultWebSocketURL.
func NewWebSocketTransport(url, apiKey string) *WebSocketTransport {
	if url == "" {
		url = DefaultWebSocketURL
	}
	return &WebSocketTransport{URL: url, APIKey: apiKey}
}

// Протокол BidiGenerateContent (JSON, camelCase).

type wsClientSetup struct {
	Setup wsSetup `json:"setup"`
}

type wsSetup struct {
	Model             string             `json:"model"`
	GenerationConfig  wsGenerationConfig `json:"generationConfig"`
	SystemInstruction *wsContent         `json:"systemInstruction,omitempty"`
	Tools             []map[string]any   `json:"tools,omitempty"`
}

type wsGenerationConfig struct {
	ResponseModalities []string        `json:"responseModalities"`
	SpeechConfig       *wsSpeechConfig `json:"speechConfig,omitempty"`
}

type wsSpeechConfig struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type wsContent struct {
	Parts []wsPart `json:"parts"`
}

type wsPart struct {
	Text       string        `json:"text,omitempty"`
	InlineData *wsInlineData `json:"inlineData,omitempty"`
}

type wsInlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type wsRealtimeInput struct {
	RealtimeInput struct {
		MediaChunks []wsInlineData `json:"mediaChunks"`
	} `json:"realtimeInput"`
}

type wsServerMessage struct {
	SetupComplete *struct{} `json:"setupComplete,omitempty"`
	ServerContent *struct {
		ModelTurn    *wsContent `json:"modelTurn,omitempty"`
		Interrupted  bool       `json:"interrupted,omitempty"`
		TurnComplete bool       `json:"turnComplete,omitempty"`
	} `json:"serverContent,omitempty"`
	GoAway *struct {
		TimeLeft string `json:"timeLeft,omitempty"`
	} `json:"goAway,omitempty"`
}

func buildSetup(cfg Config) wsClientSetup {
	setup := wsClientSetup{Setup: wsSetup{
		Model: cfg.ModelResource(),
		GenerationConfig: wsGenerationConfig{
			ResponseModalities: []string{string(cfg.modality())},
		},
	}}
	if cfg.Voice != "" {
		sc := &wsSpeechConfig{}
		sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName = cfg.Voice
		setup.Setup.GenerationConfig.SpeechConfig = sc
	}
	if cfg.SystemInstruction != "" {
		setup.Setup.SystemInstruction = &wsContent{Parts: []wsPart{{Text: cfg.SystemInstruction}}}
	}
	for _, tool := range cfg.Tools {
		setup.Setup.Tools = append(setup.Setup.Tools, map[string]any{string(tool): map[string]any{}})
	}
	return setup
}

// Open устанавливает соединение и отправляет setup. Подтверждение setupComplete
// приходит событием EventOpen.
func (t *WebSocketTransport) Open(ctx context.Context, cfg Config) (Session, error) {
	url := t.URL
	if url == "" {
		url = DefaultWebSocketURL
	}
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, defaultDialTimeout)
		defer cancel()
	}

	headers := make(http.Header)
	if t.APIKey != "" {
		headers.Set("x-goog-api-key", t.APIKey)
	}

	conn, resp, err := dialer.DialContext(dialCtx, url, headers)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("статус %d: %w", resp.StatusCode, err)
		}
		return nil, media.NewConnectionError("", "не удалось подключиться к "+redactURL(url), err)
	}

	if err := conn.WriteJSON(buildSetup(cfg)); err != nil {
		_ = conn.Close()
		return nil, media.NewConnectionError("", "не удалось отправить setup", err)
	}

	logger := t.Logger
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "live_websocket"))
	}

	s := &wsSession{
		conn:   conn,
		stream: newEventStream(),
		logger: logger,
	}
	go s.readLoop()
	return s, nil
}

type wsSession struct {
	conn   *websocket.Conn
	stream *eventStream
	logger *slog.Logger

	writeMu sync.Mutex
}

func (s *wsSession) Events() <-chan Event {
	return s.stream.events
}

func (s *wsSession) Send(ctx context.Context, blob media.Blob) error {
	if s.stream.isClosed() {
		return media.NewSessionError(media.ErrorCodeSessionClosed, "", "сессия закрыта", nil)
	}

	var msg wsRealtimeInput
	msg.RealtimeInput.MediaChunks = []wsInlineData{{MIMEType: blob.MIMEType, Data: blob.Data}}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	return s.conn.WriteJSON(msg)
}

// Close вызывается параллельно с Send и не берет writeMu. Закрытие
// соединения снимает зависшую запись.
func (s *wsSession) Close() error {
	if !s.stream.shutdown() {
		return nil
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeWriteTimeout))
	return s.conn.Close()
}

func (s *wsSession) readLoop() {
	defer close(s.stream.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.stream.isClosed() {
				return
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && (closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway) {
				s.stream.emit(Event{Type: EventClose, Reason: closeErr.Text})
				return
			}
			s.stream.emit(Event{Type: EventError, Err: media.NewConnectionError("", "ошибка чтения websocket", err)})
			return
		}

		var msg wsServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("Некорректное сообщение сервера", slog.Any("error", err))
			continue
		}

		if msg.SetupComplete != nil {
			if !s.stream.emit(Event{Type: EventOpen}) {
				return
			}
		}
		if msg.GoAway != nil {
			s.logger.Info("Сервер предупредил о скором закрытии сессии",
				slog.String("time_left", msg.GoAway.TimeLeft))
		}
		if msg.ServerContent != nil {
			out := &ServerMessage{
				Interrupted:  msg.ServerContent.Interrupted,
				TurnComplete: msg.ServerContent.TurnComplete,
			}
			if msg.ServerContent.ModelTurn != nil {
				out.Audio = s.decodeAudioParts(msg.ServerContent.ModelTurn.Parts)
			}
			if !s.stream.emit(Event{Type: EventMessage, Message: out}) {
				return
			}
		}
	}
}

// decodeAudioParts извлекает звук из частей ответа. Часть с битым base64
// отбрасывается, остальные сохраняются.
func (s *wsSession) decodeAudioParts(parts []wsPart) []AudioPayload {
	var out []AudioPayload
	for _, p := range parts {
		if p.InlineData == nil || !strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
			continue
		}
		data, err := codec.Base64ToBytes(p.InlineData.Data)
		if err != nil {
			s.logger.Warn("Не удалось декодировать звук ответа", slog.Any("error", err))
			continue
		}
		out = append(out, AudioPayload{MIMEType: p.InlineData.MIMEType, Data: data})
	}
	return out
}

func redactURL(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}
