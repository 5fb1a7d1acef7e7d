// Package livetest содержит управляемую из теста реализацию live.Transport.
package livetest

import (
	"context"
	"sync"

	"github.com/arzzra/market_eye/pkg/live"
	"github.com/arzzra/market_eye/pkg/media"
)

// Transport запоминает открытые сессии. OpenErr возвращается из Open.
type Transport struct {
	OpenErr error
	// SendErr передается каждой новой сессии.
	SendErr error
	// StallSend заставляет Send новых сессий висеть до Close,
	// не обращая внимания на контекст.
	StallSend bool

	mu       sync.Mutex
	sessions []*Session
	opened   chan *Session
}

// NewTransport создает транспорт.
func NewTransport() *Transport {
	return &Transport{opened: make(chan *Session, 16)}
}

func (t *Transport) Open(ctx context.Context, cfg live.Config) (live.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.OpenErr != nil {
		return nil, t.OpenErr
	}
	s := &Session{
		Config:  cfg,
		sendErr: t.SendErr,
		stall:   t.StallSend,
		events:  make(chan live.Event),
		done:    make(chan struct{}),
		sent:    make(chan media.Blob, 1024),
		stalled: make(chan struct{}, 1),
	}
	t.mu.Lock()
	t.sessions = append(t.sessions, s)
	t.mu.Unlock()
	if t.opened != nil {
		select {
		case t.opened <- s:
		default:
		}
	}
	return s, nil
}

// Sessions возвращает все открытые сессии.
func (t *Transport) Sessions() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Session(nil), t.sessions...)
}

// Last возвращает последнюю сессию или nil.
func (t *Transport) Last() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sessions) == 0 {
		return nil
	}
	return t.sessions[len(t.sessions)-1]
}

// Opened уведомляет об открытии сессий.
func (t *Transport) Opened() <-chan *Session {
	return t.opened
}

// Session - управляемая сессия. События доставляются синхронно:
// Emit возвращается, когда читатель принял событие или сессия закрыта.
type Session struct {
	Config live.Config

	sendErr error
	stall   bool
	events  chan live.Event
	done    chan struct{}
	sent    chan media.Blob
	stalled chan struct{}

	mu        sync.Mutex
	closed    bool
	closeCall int
	all       []media.Blob
}

func (s *Session) Events() <-chan live.Event {
	return s.events
}

func (s *Session) Send(ctx context.Context, blob media.Blob) error {
	if s.stall {
		select {
		case s.stalled <- struct{}{}:
		default:
		}
		<-s.done
		return media.NewSessionError(media.ErrorCodeSessionClosed, "", "сессия закрыта", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return media.NewSessionError(media.ErrorCodeSessionClosed, "", "сессия закрыта", nil)
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.all = append(s.all, blob)
	select {
	case s.sent <- blob:
	default:
	}
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCall++
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return nil
}

// Emit доставляет событие. Возвращает false, если сессия уже закрыта.
func (s *Session) Emit(ev live.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) EmitOpen() bool {
	return s.Emit(live.Event{Type: live.EventOpen})
}

func (s *Session) EmitMessage(msg live.ServerMessage) bool {
	return s.Emit(live.Event{Type: live.EventMessage, Message: &msg})
}

func (s *Session) EmitClose(reason string) bool {
	return s.Emit(live.Event{Type: live.EventClose, Reason: reason})
}

func (s *Session) EmitError(err error) bool {
	return s.Emit(live.Event{Type: live.EventError, Err: err})
}

// Stalled сигнализирует, что Send завис в ожидании Close.
func (s *Session) Stalled() <-chan struct{} {
	return s.stalled
}

// Sent возвращает канал отправленных чанков.
func (s *Session) Sent() <-chan media.Blob {
	return s.sent
}

// SentBlobs возвращает все отправленные чанки по порядку.
func (s *Session) SentBlobs() []media.Blob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]media.Blob(nil), s.all...)
}

// Closed сообщает, закрыта ли сессия.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseCalls возвращает число вызовов Close.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCall
}
