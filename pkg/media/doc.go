// Package media содержит общую модель данных медиа ядра MarketEye.
//
// Пакет не зависит от устройств и транспорта: здесь описаны состояния
// сессии, исходящие медиа чанки и типизированные ошибки, которыми
// обмениваются остальные пакеты.
//
// # Состояния сессии
//
// SessionState принимает значения Idle, Connecting, Active и Error.
// Переходы выполняет только контроллер жизненного цикла (пакет session):
//
//	Idle -> Connecting -> Active -> Idle
//	Connecting|Active -> Error -> Idle
//	Idle -> Error (нет ключа API)
//
// # Медиа чанки
//
// MediaChunk - единица исходящих данных: AudioChunk с PCM отсчетами
// микрофона или VideoChunk со сжатым JPEG кадром. Blob - тот же чанк,
// закодированный для передачи: MIME тип и base64 данные.
//
// # Обработка ошибок
//
// Все ошибки ядра имеют тип *MediaError с кодом MediaErrorCode:
//
//	_, err := capturer.AcquireMicrophone(ctx, req, cb)
//	if device, ok := media.IsPermissionDenied(err); ok {
//	    log.Printf("нет доступа к %s", device)
//	}
//	fmt.Println(media.UserMessage(err))
//
// Ошибки кодирования и декодирования (EncodeError, DecodeError) касаются
// одного чанка и не прерывают сессию. ConnectionError переводит сессию в
// Error. RemoteClose - штатное закрытие удаленной стороной.
//
// UserMessage возвращает короткий текст для интерфейса без диагностических
// подробностей; подробности остаются в логах.
package media
