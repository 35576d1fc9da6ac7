package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	SlotsFiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "slots_fired_total",
		Help: "Количество отработанных слотов ротации",
	})
	SlotBuildSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "slot_build_seconds",
		Help:    "Время обработки одного слота",
		Buckets: prometheus.DefBuckets,
	})
	BotSendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_send_errors_total",
		Help: "Ошибки отправки сообщений ботом",
	})

	CandidatesCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "candidates_created_total",
		Help: "Количество созданных кандидатов по категориям",
	}, []string{"category"})

	DecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "candidate_decisions_total",
		Help: "Количество решений по кандидатам по итоговому статусу",
	}, []string{"status"})

	PublishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "publish_total",
		Help: "Количество публикаций по площадкам",
	}, []string{"platform", "status"})

	PublishDuplicatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "publish_duplicates_total",
		Help: "Количество публикаций, отклонённых по дедупликации",
	})

	SweepTimeoutsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sweep_timeouts_total",
		Help: "Количество кандидатов, обработанных свипером, по политике",
	}, []string{"policy"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60, 65, 70, 75, 80, 85, 90, 95, 100, 105, 110, 115, 120, 125, 130, 135, 140, 145, 150, 155, 160, 165, 170, 175, 180, 185, 190, 195, 200, 250, 300, 350, 400, 450, 500, 550, 600},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	LLMGenerationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llm_generation_duration_seconds",
		Help:    "Длительность генерации ответа LLM",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})

	LLMTokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tokens_total",
		Help: "Количество токенов, использованных LLM",
	}, []string{"model", "type"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		SlotsFiredTotal,
		SlotBuildSeconds,
		BotSendErrors,
		CandidatesCreatedTotal,
		DecisionsTotal,
		PublishTotal,
		PublishDuplicatesTotal,
		SweepTimeoutsTotal,
		NetworkRequestDuration,
		NetworkRequestTotal,
		LLMGenerationDuration,
		LLMTokensTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveLLMGeneration записывает длительность и токены генерации LLM.
func ObserveLLMGeneration(model string, duration time.Duration, promptTokens, completionTokens, totalTokens int) {
	if model == "" {
		model = "unknown"
	}
	LLMGenerationDuration.WithLabelValues(model).Observe(duration.Seconds())
	if promptTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
	if totalTokens <= 0 {
		totalTokens = promptTokens + completionTokens
	}
	if totalTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "total").Add(float64(totalTokens))
	}
}

// IncSlotFired увеличивает счётчик отработанных слотов.
func IncSlotFired() {
	SlotsFiredTotal.Inc()
}

// IncCandidateCreated увеличивает счётчик созданных кандидатов.
func IncCandidateCreated(category string) {
	CandidatesCreatedTotal.WithLabelValues(category).Inc()
}

// IncDecision увеличивает счётчик решений по кандидатам.
func IncDecision(status string) {
	DecisionsTotal.WithLabelValues(status).Inc()
}

// IncPublish увеличивает счётчик публикаций.
func IncPublish(platform string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	PublishTotal.WithLabelValues(platform, status).Inc()
}

// IncPublishDuplicate увеличивает счётчик отклонённых дублей.
func IncPublishDuplicate() {
	PublishDuplicatesTotal.Inc()
}

// IncSweepTimeout увеличивает счётчик таймаутов по политике.
func IncSweepTimeout(policy string) {
	SweepTimeoutsTotal.WithLabelValues(policy).Inc()
}
