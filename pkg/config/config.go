// Package config собирает конфигурацию MarketEye из .env файла и переменных окружения.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/arzzra/market_eye/pkg/media"
)

// Значения по умолчанию.
const (
	DefaultModel            = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultVoice            = "Kore"
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultAudioBufferSize  = 4096
	DefaultVideoFrameRate   = 2
	DefaultJPEGQuality      = 0.5
	DefaultVideoScale       = 0.5
	DefaultQueueSize        = 32
	DefaultConnectTimeout   = 15 * time.Second
)

// DefaultSystemInstruction - системная инструкция ассистента.
const DefaultSystemInstruction = `You are MarketEye, a helpful assistant for a visually impaired user in a US grocery store.
Your goal is to describe food visual quality, detect spoilage (mold, bruises, discoloration), and check freshness.
Be concise. Warn immediately if food looks unsafe.
If asked about price, use the Google Search tool to find local averages.
If asked about recipes, suggest budget-friendly options based on visible ingredients.
Always speak clearly and keep responses brief unless asked for details.`

// Transport выбирает реализацию удаленной сессии.
type Transport string

const (
	TransportGenAI     Transport = "genai"
	TransportWebSocket Transport = "websocket"
)

// Переменные окружения.
const (
	EnvAPIKey             = "GEMINI_API_KEY"
	EnvAPIKeyFallback     = "API_KEY"
	EnvModel              = "MARKET_EYE_MODEL"
	EnvSystemInstruction  = "MARKET_EYE_SYSTEM_INSTRUCTION"
	EnvVoice              = "MARKET_EYE_VOICE"
	EnvInputSampleRate    = "MARKET_EYE_INPUT_SAMPLE_RATE"
	EnvOutputSampleRate   = "MARKET_EYE_OUTPUT_SAMPLE_RATE"
	EnvAudioBufferSize    = "MARKET_EYE_AUDIO_BUFFER_SIZE"
	EnvVideoFrameRate     = "MARKET_EYE_VIDEO_FRAME_RATE"
	EnvJPEGQuality        = "MARKET_EYE_JPEG_QUALITY"
	EnvVideoScale         = "MARKET_EYE_VIDEO_SCALE"
	EnvQueueSize          = "MARKET_EYE_QUEUE_SIZE"
	EnvTransport          = "MARKET_EYE_TRANSPORT"
	EnvWebSocketURL       = "MARKET_EYE_WS_URL"
	EnvSilenceOnInterrupt = "MARKET_EYE_SILENCE_ON_INTERRUPT"
	EnvCameraHints        = "MARKET_EYE_CAMERA_HINTS"
	EnvMetricsAddr        = "MARKET_EYE_METRICS_ADDR"
)

// Config - полная конфигурация медиа ядра.
type Config struct {
	APIKey            string
	Model             string
	SystemInstruction string
	Voice             string
	GoogleSearch      bool

	InputSampleRate  int
	OutputSampleRate int
	AudioBufferSize  int

	VideoFrameRate float64
	JPEGQuality    float64
	VideoScale     float64
	QueueSize      int

	Transport    Transport
	WebSocketURL string

	// SilenceOnInterrupt глушит уже запланированный звук при прерывании.
	SilenceOnInterrupt bool
	CameraHints        []string
	ConnectTimeout     time.Duration

	MetricsAddr string
}

// DefaultConfig возвращает конфигурацию по умолчанию без ключа API.
func DefaultConfig() *Config {
	return &Config{
		Model:              DefaultModel,
		SystemInstruction:  DefaultSystemInstruction,
		Voice:              DefaultVoice,
		GoogleSearch:       true,
		InputSampleRate:    DefaultInputSampleRate,
		OutputSampleRate:   DefaultOutputSampleRate,
		AudioBufferSize:    DefaultAudioBufferSize,
		VideoFrameRate:     DefaultVideoFrameRate,
		JPEGQuality:        DefaultJPEGQuality,
		VideoScale:         DefaultVideoScale,
		QueueSize:          DefaultQueueSize,
		Transport:          TransportGenAI,
		SilenceOnInterrupt: true,
		CameraHints:        []string{"back", "rear", "environment"},
		ConnectTimeout:     DefaultConnectTimeout,
	}
}

// Load читает .env файлы (по умолчанию ./.env, отсутствие файла не ошибка),
// затем накладывает переменные окружения на DefaultConfig и проверяет результат.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, media.NewConfigError("не удалось прочитать .env: " + err.Error())
	}

	cfg, err := FromEnv(os.LookupEnv)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv строит конфигурацию через функцию поиска переменных.
// Ошибки разбора собираются и возвращаются одной ошибкой конфигурации.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	cfg := DefaultConfig()
	var bad []string

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			bad = append(bad, key)
			return
		}
		*dst = n
	}
	float := func(key string, dst *float64) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			bad = append(bad, key)
			return
		}
		*dst = f
	}

	str(EnvAPIKeyFallback, &cfg.APIKey)
	str(EnvAPIKey, &cfg.APIKey)
	str(EnvModel, &cfg.Model)
	str(EnvSystemInstruction, &cfg.SystemInstruction)
	str(EnvVoice, &cfg.Voice)
	str(EnvWebSocketURL, &cfg.WebSocketURL)
	str(EnvMetricsAddr, &cfg.MetricsAddr)

	integer(EnvInputSampleRate, &cfg.InputSampleRate)
	integer(EnvOutputSampleRate, &cfg.OutputSampleRate)
	integer(EnvAudioBufferSize, &cfg.AudioBufferSize)
	integer(EnvQueueSize, &cfg.QueueSize)

	float(EnvVideoFrameRate, &cfg.VideoFrameRate)
	float(EnvJPEGQuality, &cfg.JPEGQuality)
	float(EnvVideoScale, &cfg.VideoScale)

	if v, ok := lookup(EnvTransport); ok && strings.TrimSpace(v) != "" {
		cfg.Transport = Transport(strings.ToLower(strings.TrimSpace(v)))
	}
	if v, ok := lookup(EnvSilenceOnInterrupt); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			bad = append(bad, EnvSilenceOnInterrupt)
		} else {
			cfg.SilenceOnInterrupt = b
		}
	}
	if v, ok := lookup(EnvCameraHints); ok && strings.TrimSpace(v) != "" {
		cfg.CameraHints = splitList(v)
	}

	if len(bad) > 0 {
		return nil, media.NewConfigError("некорректные значения переменных окружения", bad...)
	}
	return cfg, nil
}

// Validate проверяет диапазоны параметров. Отсутствие ключа API здесь
// не ошибка: его проверяет контроллер при подключении.
func (c *Config) Validate() error {
	var bad []string
	if c.Model == "" {
		bad = append(bad, "Model")
	}
	if c.InputSampleRate <= 0 {
		bad = append(bad, "InputSampleRate")
	}
	if c.OutputSampleRate <= 0 {
		bad = append(bad, "OutputSampleRate")
	}
	if c.AudioBufferSize <= 0 {
		bad = append(bad, "AudioBufferSize")
	}
	if c.VideoFrameRate <= 0 {
		bad = append(bad, "VideoFrameRate")
	}
	if c.JPEGQuality <= 0 || c.JPEGQuality > 1 {
		bad = append(bad, "JPEGQuality")
	}
	if c.VideoScale <= 0 || c.VideoScale > 1 {
		bad = append(bad, "VideoScale")
	}
	if c.QueueSize <= 0 {
		bad = append(bad, "QueueSize")
	}
	switch c.Transport {
	case TransportGenAI, TransportWebSocket:
	default:
		bad = append(bad, "Transport")
	}
	if len(bad) > 0 {
		return media.NewConfigError("некорректная конфигурация", bad...)
	}
	return nil
}

// HasCredentials сообщает, задан ли ключ API.
func (c *Config) HasCredentials() bool {
	return c != nil && c.APIKey != ""
}

// VideoInterval возвращает период захвата кадров.
func (c *Config) VideoInterval() time.Duration {
	if c.VideoFrameRate <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / c.VideoFrameRate)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
