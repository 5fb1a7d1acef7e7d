package outbound

import (
	"context"
	"errors"
	"sync"

	"github.com/arzzra/market_eye/pkg/media"
)

// ErrQueueClosed возвращается Pop после закрытия очереди.
var ErrQueueClosed = errors.New("очередь закрыта")

// Queue - ограниченная FIFO очередь чанков с вытеснением самого старого.
// Push никогда не блокирует производителя.
type Queue struct {
	mu     sync.Mutex
	items  []media.MediaChunk
	head   int
	count  int
	closed bool
	ready  chan struct{}

	onDrop func(media.MediaChunk)
}

// NewQueue создает очередь емкостью size. onDrop вызывается для каждого
// вытесненного чанка под блокировкой очереди и не должен блокироваться.
func NewQueue(size int, onDrop func(media.MediaChunk)) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{
		items:  make([]media.MediaChunk, size),
		ready:  make(chan struct{}, 1),
		onDrop: onDrop,
	}
}

// Push добавляет чанк. При заполненной очереди вытесняется самый старый.
// Возвращает false, если очередь закрыта и чанк отброшен.
func (q *Queue) Push(chunk media.MediaChunk) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	if q.count == len(q.items) {
		dropped := q.items[q.head]
		q.items[q.head] = nil
		q.head = (q.head + 1) % len(q.items)
		q.count--
		if q.onDrop != nil {
			q.onDrop(dropped)
		}
	}

	q.items[(q.head+q.count)%len(q.items)] = chunk
	q.count++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// Pop ждет следующий чанк, закрытия очереди или отмены контекста.
func (q *Queue) Pop(ctx context.Context) (media.MediaChunk, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if q.count > 0 {
			chunk := q.items[q.head]
			q.items[q.head] = nil
			q.head = (q.head + 1) % len(q.items)
			q.count--
			more := q.count > 0
			q.mu.Unlock()
			if more {
				select {
				case q.ready <- struct{}{}:
				default:
				}
			}
			return chunk, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.ready:
		}
	}
}

// Len возвращает число ожидающих чанков.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Close закрывает очередь и отбрасывает ожидающие чанки.
// Возвращает число отброшенных чанков.
func (q *Queue) Close() int {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0
	}
	q.closed = true
	discarded := q.count
	for i := range q.items {
		q.items[i] = nil
	}
	q.count = 0
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return discarded
}
