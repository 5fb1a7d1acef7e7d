package media

import (
	"errors"
	"fmt"
)

// MediaErrorCode определяет типизированные коды ошибок медиа ядра.
// Позволяет классифицировать ошибки по категориям и обрабатывать их соответствующим образом.
type MediaErrorCode int

const (
	// Ошибки доступа к устройствам
	ErrorCodePermissionDenied MediaErrorCode = iota + 1000
	ErrorCodeDeviceUnavailable

	// Ошибки соединения с удаленной сессией
	ErrorCodeConnection
	ErrorCodeRemoteClose
	ErrorCodeSessionClosed

	// Ошибки кодирования
	ErrorCodeDecode
	ErrorCodeEncode

	// Ошибки конфигурации и жизненного цикла
	ErrorCodeInvalidConfig
	ErrorCodeMissingCredentials
	ErrorCodeInvalidState
)

// String возвращает строковое представление кода ошибки
func (code MediaErrorCode) String() string {
	switch code {
	case ErrorCodePermissionDenied:
		return "PermissionDenied"
	case ErrorCodeDeviceUnavailable:
		return "DeviceUnavailable"
	case ErrorCodeConnection:
		return "ConnectionError"
	case ErrorCodeRemoteClose:
		return "RemoteClose"
	case ErrorCodeSessionClosed:
		return "SessionClosed"
	case ErrorCodeDecode:
		return "DecodeError"
	case ErrorCodeEncode:
		return "EncodeError"
	case ErrorCodeInvalidConfig:
		return "InvalidConfig"
	case ErrorCodeMissingCredentials:
		return "MissingCredentials"
	case ErrorCodeInvalidState:
		return "InvalidState"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// MediaError базовая структура ошибок медиа ядра.
// Предоставляет расширенную информацию об ошибке включая:
//   - Типизированный код ошибки
//   - Устройство-источник для ошибок доступа (камера или микрофон)
//   - Контекстную информацию (параметры, состояние сессии)
//   - Идентификатор сессии для сопоставления с логами
type MediaError struct {
	Code      MediaErrorCode
	Message   string
	SessionID string
	Device    Device
	Context   map[string]interface{}
	Wrapped   error
}

// Error реализует интерфейс error, возвращая форматированное сообщение об ошибке.
func (e *MediaError) Error() string {
	msg := e.Message
	if e.Wrapped != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Wrapped)
	}
	if e.SessionID != "" {
		return fmt.Sprintf("[медиа:%s] сессия %s: %s", e.Code, e.SessionID, msg)
	}
	return fmt.Sprintf("[медиа:%s] %s", e.Code, msg)
}

// Unwrap возвращает обернутую ошибку, поддерживая errors.Unwrap.
func (e *MediaError) Unwrap() error {
	return e.Wrapped
}

// Is поддерживает errors.Is, позволяя сравнивать ошибки по коду.
func (e *MediaError) Is(target error) bool {
	if t, ok := target.(*MediaError); ok {
		return e.Code == t.Code
	}
	return false
}

// GetContext возвращает значение из контекста ошибки по ключу.
func (e *MediaError) GetContext(key string) interface{} {
	if e.Context == nil {
		return nil
	}
	return e.Context[key]
}

// NewPermissionDeniedError создает ошибку отказа в доступе к устройству.
// reason - краткая причина, err - исходная ошибка платформы (может быть nil).
func NewPermissionDeniedError(device Device, reason string, err error) *MediaError {
	return &MediaError{
		Code:    ErrorCodePermissionDenied,
		Message: fmt.Sprintf("нет доступа к устройству %s: %s", device, reason),
		Device:  device,
		Context: map[string]interface{}{"reason": reason},
		Wrapped: err,
	}
}

func NewConnectionError(sessionID, message string, err error) *MediaError {
	return &MediaError{
		Code:      ErrorCodeConnection,
		Message:   message,
		SessionID: sessionID,
		Wrapped:   err,
	}
}

// NewRemoteCloseError описывает закрытие сессии удаленной стороной.
// Это не авария, а штатный путь в Idle, но он логируется отдельно.
func NewRemoteCloseError(sessionID, reason string) *MediaError {
	return &MediaError{
		Code:      ErrorCodeRemoteClose,
		Message:   "сессия закрыта удаленной стороной",
		SessionID: sessionID,
		Context:   map[string]interface{}{"reason": reason},
	}
}

func NewDecodeError(message string, err error) *MediaError {
	return &MediaError{Code: ErrorCodeDecode, Message: message, Wrapped: err}
}

func NewEncodeError(message string, err error) *MediaError {
	return &MediaError{Code: ErrorCodeEncode, Message: message, Wrapped: err}
}

// NewConfigError создает ошибку конфигурации со списком невалидных полей.
func NewConfigError(message string, fields ...string) *MediaError {
	return &MediaError{
		Code:    ErrorCodeInvalidConfig,
		Message: message,
		Context: map[string]interface{}{"fields": fields},
	}
}

func NewSessionError(code MediaErrorCode, sessionID, message string, err error) *MediaError {
	return &MediaError{
		Code:      code,
		Message:   message,
		SessionID: sessionID,
		Wrapped:   err,
	}
}

// HasErrorCode проверяет, содержит ли цепочка ошибок указанный код
func HasErrorCode(err error, code MediaErrorCode) bool {
	var mediaErr *MediaError
	if errors.As(err, &mediaErr) {
		return mediaErr.Code == code
	}
	return false
}

// IsPermissionDenied сообщает, является ли ошибка отказом в доступе,
// и возвращает устройство-источник.
func IsPermissionDenied(err error) (Device, bool) {
	var mediaErr *MediaError
	if errors.As(err, &mediaErr) && mediaErr.Code == ErrorCodePermissionDenied {
		return mediaErr.Device, true
	}
	return DeviceUnknown, false
}

func IsConnectionError(err error) bool { return HasErrorCode(err, ErrorCodeConnection) }
func IsDecodeError(err error) bool     { return HasErrorCode(err, ErrorCodeDecode) }
func IsEncodeError(err error) bool     { return HasErrorCode(err, ErrorCodeEncode) }
func IsRemoteClose(err error) bool     { return HasErrorCode(err, ErrorCodeRemoteClose) }

// UserMessage возвращает короткое понятное пользователю сообщение.
// Диагностические подробности в UI не попадают, они остаются в логах.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var mediaErr *MediaError
	if !errors.As(err, &mediaErr) {
		return "Failed to initialize MarketEye"
	}

	switch mediaErr.Code {
	case ErrorCodePermissionDenied:
		switch mediaErr.Device {
		case DeviceCamera:
			return "Camera access denied. Please allow camera access and try again."
		case DeviceMicrophone:
			return "Microphone access denied. Please allow microphone access and try again."
		}
		return "Device access denied. Please check permissions and try again."
	case ErrorCodeDeviceUnavailable:
		return "Audio device unavailable. Please check your audio settings."
	case ErrorCodeConnection, ErrorCodeSessionClosed:
		return "Connection error. Please try again."
	case ErrorCodeRemoteClose:
		return "Session ended."
	case ErrorCodeMissingCredentials:
		return "API Key not found"
	case ErrorCodeInvalidConfig:
		return "Invalid configuration."
	case ErrorCodeDecode, ErrorCodeEncode:
		return "Media processing error."
	default:
		return "Failed to initialize MarketEye"
	}
}
