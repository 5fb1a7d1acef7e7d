// Package metrics экспортирует Prometheus метрики медиа ядра.
//
// Collector регистрирует метрики в собственном реестре, поэтому несколько
// экземпляров (например, в тестах) не конфликтуют друг с другом.
// Нулевой указатель *Collector допустим: все методы записи ничего не делают.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/market_eye/pkg/media"
)

const namespace = "market_eye"

// Стадии обработки чанка для метки stage.
const (
	StageEncode = "encode"
	StageSend   = "send"
	StageDecode = "decode"
)

// Collector собирает метрики сессий, исходящего потока и воспроизведения.
type Collector struct {
	registry *prometheus.Registry

	sessionState     prometheus.Gauge
	sessionsTotal    prometheus.Counter
	stateTransitions *prometheus.CounterVec

	chunksSent    *prometheus.CounterVec
	chunksDropped *prometheus.CounterVec
	chunkErrors   *prometheus.CounterVec

	playbackItems     prometheus.Counter
	playbackScheduled prometheus.Counter
	playbackUnderruns prometheus.Counter
	interruptions     prometheus.Counter

	micVolume prometheus.Gauge
}

// NewCollector создает сборщик с новым реестром.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,

		sessionState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Current session state (0=idle, 1=connecting, 2=active, 3=error)",
		}),
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of connect attempts",
		}),
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Session state transitions",
		}, []string{"from", "to"}),

		chunksSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_sent_total",
			Help:      "Media chunks delivered to the remote session",
		}, []string{"kind"}),
		chunksDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_dropped_total",
			Help:      "Media chunks dropped by the outbound queue",
		}, []string{"kind"}),
		chunkErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_errors_total",
			Help:      "Per-chunk encode, send and decode failures",
		}, []string{"kind", "stage"}),

		playbackItems: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_items_total",
			Help:      "Audio payloads scheduled for playback",
		}),
		playbackScheduled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_scheduled_seconds_total",
			Help:      "Total duration of scheduled playback audio",
		}),
		playbackUnderruns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_underruns_total",
			Help:      "Payloads that arrived after the playback cursor had passed",
		}),
		interruptions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Server side interruptions of the assistant turn",
		}),

		micVolume: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mic_volume",
			Help:      "Last microphone RMS level",
		}),
	}
}

// Registry возвращает реестр сборщика.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler возвращает HTTP обработчик /metrics.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SessionStarted учитывает попытку подключения.
func (c *Collector) SessionStarted() {
	if c == nil {
		return
	}
	c.sessionsTotal.Inc()
}

// StateChanged учитывает переход состояния сессии.
func (c *Collector) StateChanged(from, to media.SessionState) {
	if c == nil {
		return
	}
	c.sessionState.Set(float64(to))
	c.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

// ChunkSent учитывает доставленный чанк.
func (c *Collector) ChunkSent(kind media.ChunkKind) {
	if c == nil {
		return
	}
	c.chunksSent.WithLabelValues(kind.String()).Inc()
}

// ChunkDropped учитывает чанк, вытесненный из переполненной очереди.
func (c *Collector) ChunkDropped(kind media.ChunkKind) {
	if c == nil {
		return
	}
	c.chunksDropped.WithLabelValues(kind.String()).Inc()
}

// ChunkError учитывает ошибку обработки одного чанка.
func (c *Collector) ChunkError(kind media.ChunkKind, stage string) {
	if c == nil {
		return
	}
	c.chunkErrors.WithLabelValues(kind.String(), stage).Inc()
}

// PlaybackScheduled учитывает запланированный фрагмент воспроизведения.
func (c *Collector) PlaybackScheduled(d time.Duration, underrun bool) {
	if c == nil {
		return
	}
	c.playbackItems.Inc()
	c.playbackScheduled.Add(d.Seconds())
	if underrun {
		c.playbackUnderruns.Inc()
	}
}

// Interrupted учитывает прерывание ответа ассистента.
func (c *Collector) Interrupted() {
	if c == nil {
		return
	}
	c.interruptions.Inc()
}

// MicVolume фиксирует последний уровень микрофона.
func (c *Collector) MicVolume(v float64) {
	if c == nil {
		return
	}
	c.micVolume.Set(v)
}
