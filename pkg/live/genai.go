package live

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/arzzra/market_eye/pkg/codec"
	"github.com/arzzra/market_eye/pkg/media"
)

// genaiConn - часть *genai.Session, которой пользуется транспорт.
type genaiConn interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

// GenAITransport открывает сессии через Live API официального SDK.
type GenAITransport struct {
	APIKey string
	Logger *slog.Logger

	// dial подменяется в тестах.
	dial func(ctx context.Context, cfg Config) (genaiConn, error)
}

// NewGenAITransport создает транспорт с ключом Gemini API.
func NewGenAITransport(apiKey string) *GenAITransport {
	return &GenAITransport{APIKey: apiKey}
}

func (t *GenAITransport) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default().With(slog.String("component", "live_genai"))
}

// Open подключается к модели. Событие EventOpen приходит после setupComplete.
func (t *GenAITransport) Open(ctx context.Context, cfg Config) (Session, error) {
	dial := t.dial
	if dial == nil {
		dial = t.connect
	}

	conn, err := dial(ctx, cfg)
	if err != nil {
		return nil, media.NewConnectionError("", "не удалось открыть Live сессию", err)
	}

	s := &genaiSession{
		conn:   conn,
		stream: newEventStream(),
		logger: t.logger(),
	}
	go s.readLoop()
	return s, nil
}

func (t *GenAITransport) connect(ctx context.Context, cfg Config) (genaiConn, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  t.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	session, err := client.Live.Connect(ctx, cfg.Model, liveConnectConfig(cfg))
	if err != nil {
		return nil, err
	}
	return session, nil
}

func liveConnectConfig(cfg Config) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.Modality(cfg.modality())},
	}
	if cfg.SystemInstruction != "" {
		lc.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: cfg.SystemInstruction}},
		}
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	for _, tool := range cfg.Tools {
		if tool == ToolGoogleSearch {
			lc.Tools = append(lc.Tools, &genai.Tool{GoogleSearch: &genai.GoogleSearch{}})
		}
	}
	return lc
}

type genaiSession struct {
	conn   genaiConn
	stream *eventStream
	logger *slog.Logger

	sendMu sync.Mutex
}

func (s *genaiSession) Events() <-chan Event {
	return s.stream.events
}

func (s *genaiSession) Send(ctx context.Context, blob media.Blob) error {
	if s.stream.isClosed() {
		return media.NewSessionError(media.ErrorCodeSessionClosed, "", "сессия закрыта", nil)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := codec.Base64ToBytes(blob.Data)
	if err != nil {
		return err
	}

	input := genai.LiveRealtimeInput{}
	b := &genai.Blob{MIMEType: blob.MIMEType, Data: data}
	if strings.HasPrefix(blob.MIMEType, "image/") {
		input.Video = b
	} else {
		input.Audio = b
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.conn.SendRealtimeInput(input)
}

func (s *genaiSession) Close() error {
	if !s.stream.shutdown() {
		return nil
	}
	return s.conn.Close()
}

func (s *genaiSession) readLoop() {
	defer close(s.stream.events)

	for {
		msg, err := s.conn.Receive()
		if err != nil {
			if s.stream.isClosed() {
				return
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && (closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway) {
				s.stream.emit(Event{Type: EventClose, Reason: closeErr.Text})
				return
			}
			s.stream.emit(Event{Type: EventError, Err: media.NewConnectionError("", "ошибка чтения Live сессии", err)})
			return
		}
		if msg == nil {
			continue
		}

		if msg.SetupComplete != nil {
			if !s.stream.emit(Event{Type: EventOpen}) {
				return
			}
		}
		if msg.GoAway != nil {
			s.logger.Info("Сервер предупредил о скором закрытии сессии")
		}
		if msg.ServerContent != nil {
			if !s.stream.emit(Event{Type: EventMessage, Message: fromLiveServerContent(msg.ServerContent)}) {
				return
			}
		}
	}
}

func fromLiveServerContent(sc *genai.LiveServerContent) *ServerMessage {
	out := &ServerMessage{
		Interrupted:  sc.Interrupted,
		TurnComplete: sc.TurnComplete,
	}
	if sc.ModelTurn == nil {
		return out
	}
	for _, part := range sc.ModelTurn.Parts {
		if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
			continue
		}
		if !strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
			continue
		}
		out.Audio = append(out.Audio, AudioPayload{
			MIMEType: part.InlineData.MIMEType,
			Data:     part.InlineData.Data,
		})
	}
	return out
}
