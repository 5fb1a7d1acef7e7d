package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/arzzra/market_eye/pkg/capture"
	"github.com/arzzra/market_eye/pkg/config"
	"github.com/arzzra/market_eye/pkg/live"
	"github.com/arzzra/market_eye/pkg/media"
	"github.com/arzzra/market_eye/pkg/metrics"
	"github.com/arzzra/market_eye/pkg/playback"
	"github.com/arzzra/market_eye/pkg/session"
)

var (
	metricsAddr string
	transport   string
	noBell      bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Подключиться к ассистенту с камерой и микрофоном",
	Long: `Run захватывает микрофон и камеру, открывает сессию Gemini Live и
воспроизводит голосовые ответы до Ctrl+C или закрытия сессии сервером.

Конфигурация читается из .env и переменных окружения (GEMINI_API_KEY,
MARKET_EYE_*). Флаги имеют приоритет над окружением.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "адрес HTTP сервера /metrics, например :9090")
	runCmd.Flags().StringVar(&transport, "transport", "", "транспорт удаленной сессии: genai, websocket")
	runCmd.Flags().BoolVar(&noBell, "no-bell", false, "отключить звуковой сигнал вместо вибрации")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr = metricsAddr
	}
	if cmd.Flags().Changed("transport") {
		cfg.Transport = config.Transport(transport)
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger := slog.Default().With(slog.String("component", "cli"))
	collector := metrics.NewCollector()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(collector), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Сервер метрик остановлен", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("Метрики доступны", slog.String("addr", cfg.MetricsAddr))
	}

	deps := session.Dependencies{
		Capturer: &capture.Capturer{
			Camera:      capture.MediaDevicesCamera{},
			Microphone:  capture.PortAudioMicrophone{},
			CameraHints: cfg.CameraHints,
		},
		Transport: newTransport(cfg),
		NewOutput: func(rate int) (playback.OutputDevice, error) {
			return playback.OpenPortAudioOutput(rate, playback.DefaultFramesPerBuffer)
		},
		Metrics: collector,
	}
	if !noBell {
		deps.Haptics = bell{w: cmd.ErrOrStderr()}
	}

	controller := session.New(cfg, deps)
	defer controller.Close()

	out := cmd.OutOrStdout()
	finished := make(chan media.SessionState, 1)
	controller.OnStateChange(func(from, to media.SessionState) {
		fmt.Fprintf(out, "[%s] %s -> %s\n", time.Now().Format("15:04:05"), from, to)
		if to == media.StateIdle || to == media.StateError {
			select {
			case finished <- to:
			default:
			}
		}
	})

	if err := controller.Connect(ctx); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), controller.Err())
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info("Получен сигнал завершения")
		controller.Disconnect()
		return nil
	case state := <-finished:
		if state == media.StateError {
			fmt.Fprintln(cmd.ErrOrStderr(), controller.Err())
			return errors.New(controller.Err())
		}
		return nil
	}
}

// newTransport выбирает реализацию удаленной сессии по конфигурации
func newTransport(cfg *config.Config) live.Transport {
	switch cfg.Transport {
	case config.TransportWebSocket:
		return live.NewWebSocketTransport(cfg.WebSocketURL, cfg.APIKey)
	default:
		return live.NewGenAITransport(cfg.APIKey)
	}
}

func metricsMux(collector *metrics.Collector) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	return mux
}

// bell заменяет вибрацию звуковым сигналом терминала: один сигнал на импульс.
type bell struct {
	w io.Writer
}

func (b bell) Vibrate(pattern ...time.Duration) {
	for i := range pattern {
		if i%2 == 0 {
			fmt.Fprint(b.w, "\a")
		}
	}
}
