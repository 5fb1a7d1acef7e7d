// Package codec содержит чистые функции преобразования аудио между
// float PCM отсчетами и транспортной кодировкой (base64 от 16-битного PCM).
//
// Пакет не хранит состояния и безопасен для вызова из любых горутин.
package codec

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/arzzra/market_eye/pkg/media"
)

const (
	bytesPerSample = 2

	// QuantizationStep - шаг квантования 16-битного PCM в нормированной шкале.
	QuantizationStep = 1.0 / 32768.0

	// MIMETypeJPEG - MIME тип видео кадров.
	MIMETypeJPEG = "image/jpeg"
)

// AudioMIMEType возвращает MIME тип PCM потока с указанной частотой.
func AudioMIMEType(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}

// Buffer - декодированный аудио буфер, готовый к воспроизведению.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Frames возвращает количество отсчетов (моно).
func (b *Buffer) Frames() int {
	if b == nil {
		return 0
	}
	return len(b.Samples)
}

// Duration возвращает длительность буфера.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// quantize переводит отсчет из [-1, 1] в int16 с округлением к ближайшему.
// Шкала 32768 совпадает с DecodeAudio, поэтому ошибка round-trip не
// превышает одного шага квантования. Значения вне диапазона и NaN ограничиваются.
func quantize(s float32) int16 {
	v := float64(s)
	if math.IsNaN(v) {
		return 0
	}
	q := math.Round(v * 32768)
	if q > math.MaxInt16 {
		q = math.MaxInt16
	} else if q < math.MinInt16 {
		q = math.MinInt16
	}
	return int16(q)
}

// PCMBytes квантует отсчеты в 16-битный little-endian PCM.
func PCMBytes(samples []float32) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(quantize(s)))
	}
	return out
}

// EncodePCM квантует отсчеты и кодирует результат в base64 для транспорта.
func EncodePCM(samples []float32) string {
	return base64.StdEncoding.EncodeToString(PCMBytes(samples))
}

// DecodeAudio интерпретирует байты как 16-битный little-endian PCM и
// переводит отсчеты во float в диапазоне [-1, 1] делением на 32768.
func DecodeAudio(data []byte, sampleRate int) (*Buffer, error) {
	if len(data)%bytesPerSample != 0 {
		return nil, media.NewDecodeError(
			fmt.Sprintf("длина PCM данных %d не кратна %d", len(data), bytesPerSample), nil)
	}
	if sampleRate <= 0 {
		return nil, media.NewDecodeError(fmt.Sprintf("некорректная частота дискретизации %d", sampleRate), nil)
	}

	samples := make([]float32, len(data)/bytesPerSample)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(data[i*bytesPerSample:]))
		samples[i] = float32(v) / 32768
	}
	return &Buffer{Samples: samples, SampleRate: sampleRate}, nil
}

// BlobToBase64 читает двоичные данные целиком и кодирует их в base64.
func BlobToBase64(r io.Reader) (string, error) {
	if r == nil {
		return "", media.NewEncodeError("пустой источник данных", nil)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", media.NewEncodeError("не удалось прочитать данные", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Base64ToBytes декодирует транспортную строку обратно в байты.
func Base64ToBytes(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, media.NewDecodeError("некорректные base64 данные", err)
	}
	return data, nil
}
