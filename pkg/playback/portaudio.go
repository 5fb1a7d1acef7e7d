package playback

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// DefaultFramesPerBuffer - размер буфера вывода PortAudio.
const DefaultFramesPerBuffer = 1024

// PortAudioOutput выводит Timeline на устройство по умолчанию.
// Часы Timeline продвигаются callback-ом PortAudio.
type PortAudioOutput struct {
	*Timeline

	stream    *portaudio.Stream
	closeOnce sync.Once
	closeErr  error
}

// OpenPortAudioOutput открывает и запускает моно поток вывода на частоте rate.
func OpenPortAudioOutput(rate, framesPerBuffer int) (*PortAudioOutput, error) {
	if framesPerBuffer <= 0 {
		framesPerBuffer = DefaultFramesPerBuffer
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("инициализация PortAudio: %w", err)
	}

	tl := NewTimeline(rate)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(rate), framesPerBuffer, func(out []float32) {
		tl.Render(out)
	})
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("открытие потока вывода: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("запуск потока вывода: %w", err)
	}

	return &PortAudioOutput{Timeline: tl, stream: stream}, nil
}

// Close останавливает поток и освобождает PortAudio. Повторные вызовы
// возвращают результат первого.
func (o *PortAudioOutput) Close() error {
	o.closeOnce.Do(func() {
		o.Timeline.Flush()
		if err := o.stream.Stop(); err != nil {
			o.closeErr = err
		}
		if err := o.stream.Close(); err != nil && o.closeErr == nil {
			o.closeErr = err
		}
		if err := portaudio.Terminate(); err != nil && o.closeErr == nil {
			o.closeErr = err
		}
	})
	return o.closeErr
}
