package media

import "time"

// Device обозначает аппаратный источник медиа.
type Device int

const (
	DeviceUnknown Device = iota
	DeviceCamera
	DeviceMicrophone
)

func (d Device) String() string {
	switch d {
	case DeviceCamera:
		return "camera"
	case DeviceMicrophone:
		return "microphone"
	default:
		return "unknown"
	}
}

// SessionState представляет текущее состояние сессии ассистента.
// Экземпляр один на процесс, переходы управляются контроллером жизненного цикла.
//
//	Idle -> Connecting -> Active -> Idle
//	Connecting|Active -> Error -> Idle
type SessionState int

const (
	StateIdle SessionState = iota
	StateConnecting
	StateActive
	StateError
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseSessionState преобразует строковое имя состояния обратно в SessionState.
func ParseSessionState(s string) SessionState {
	switch s {
	case "connecting":
		return StateConnecting
	case "active":
		return StateActive
	case "error":
		return StateError
	default:
		return StateIdle
	}
}

// ChunkKind различает варианты MediaChunk.
type ChunkKind int

const (
	ChunkAudio ChunkKind = iota
	ChunkVideo
)

func (k ChunkKind) String() string {
	if k == ChunkVideo {
		return "video"
	}
	return "audio"
}

// MediaChunk - единица исходящих медиа данных. Неизменяема после создания:
// захват передает владение конвейеру, который кодирует и отбрасывает ее.
type MediaChunk interface {
	Kind() ChunkKind
}

// AudioChunk содержит PCM отсчеты микрофона в диапазоне [-1, 1].
type AudioChunk struct {
	Samples    []float32
	SampleRate int
}

func (AudioChunk) Kind() ChunkKind { return ChunkAudio }

// Duration возвращает длительность фрагмента.
func (c AudioChunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// VideoChunk содержит уже сжатый JPEG кадр камеры.
type VideoChunk struct {
	JPEG   []byte
	Width  int
	Height int
}

func (VideoChunk) Kind() ChunkKind { return ChunkVideo }

// Blob - закодированный для транспорта фрагмент: MIME тип и base64 данные.
type Blob struct {
	MIMEType string
	Data     string
}
