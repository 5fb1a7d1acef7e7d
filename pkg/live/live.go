// Package live описывает удаленную потоковую сессию ассистента.
//
// Transport открывает Session, которая принимает медиа чанки через Send и
// сообщает о жизненном цикле через канал Events:
//
//	EventOpen    - сервер подтвердил настройку сессии
//	EventMessage - фрагмент ответа (звук, прерывание, конец хода)
//	EventClose   - сервер закрыл сессию
//	EventError   - транспортная ошибка, сессия непригодна
//
// Канал событий закрывается, когда сессия завершена. Порядок событий
// одной сессии сохраняется.
package live

import (
	"context"
	"strings"
	"sync"

	"github.com/arzzra/market_eye/pkg/media"
)

// Tool - инструмент, доступный модели.
type Tool string

const ToolGoogleSearch Tool = "googleSearch"

// Modality - модальность ответа.
type Modality string

const ModalityAudio Modality = "AUDIO"

// Config - фиксированная конфигурация сессии.
type Config struct {
	Model             string
	SystemInstruction string
	Voice             string
	Tools             []Tool
	ResponseModality  Modality
}

// ModelResource возвращает имя модели в формате models/{model}.
func (c Config) ModelResource() string {
	if strings.HasPrefix(c.Model, "models/") {
		return c.Model
	}
	return "models/" + c.Model
}

func (c Config) modality() Modality {
	if c.ResponseModality == "" {
		return ModalityAudio
	}
	return c.ResponseModality
}

// EventType - тип события сессии.
type EventType int

const (
	EventOpen EventType = iota
	EventMessage
	EventClose
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event - событие удаленной сессии.
type Event struct {
	Type    EventType
	Message *ServerMessage
	// Reason - причина закрытия для EventClose.
	Reason string
	Err    error
}

// AudioPayload - фрагмент звука ответа: сырые PCM16 LE байты.
type AudioPayload struct {
	MIMEType string
	Data     []byte
}

// ServerMessage - нормализованное сообщение сервера.
type ServerMessage struct {
	Audio        []AudioPayload
	Interrupted  bool
	TurnComplete bool
}

// Session - открытая удаленная сессия.
type Session interface {
	// Send передает один чанк. После Close возвращает ошибку SessionClosed.
	Send(ctx context.Context, blob media.Blob) error
	Events() <-chan Event
	// Close закрывает сессию, повторные вызовы ничего не делают.
	Close() error
}

// Transport открывает удаленные сессии.
type Transport interface {
	Open(ctx context.Context, cfg Config) (Session, error)
}

const eventBuffer = 64

// eventStream доставляет события читателю, не теряя их, пока сессия не закрыта локально.
type eventStream struct {
	events chan Event
	done   chan struct{}

	closeOnce sync.Once
}

func newEventStream() *eventStream {
	return &eventStream{
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

// emit блокируется до доставки события или локального закрытия.
func (s *eventStream) emit(ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *eventStream) shutdown() bool {
	first := false
	s.closeOnce.Do(func() {
		close(s.done)
		first = true
	})
	return first
}

func (s *eventStream) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
