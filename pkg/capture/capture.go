// Package capture захватывает камеру и микрофон и владеет их аппаратными треками.
//
// Каждый успешный захват возвращает handle с методом Release, который
// должен быть вызван при завершении сессии. Платформенные драйверы
// подключаются через интерфейсы CameraSource и MicrophoneSource:
// MediaDevicesCamera (pion/mediadevices) и PortAudioMicrophone (PortAudio).
package capture

import "log/slog"

// Capturer получает доступ к устройствам захвата.
type Capturer struct {
	Camera     CameraSource
	Microphone MicrophoneSource

	// CameraHints - подстроки метки тыльной камеры, по умолчанию DefaultCameraHints.
	CameraHints  []string
	CameraWidth  int
	CameraHeight int

	Logger *slog.Logger
}

func (c *Capturer) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default().With(slog.String("component", "capture"))
}
