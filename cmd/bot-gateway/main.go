package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"smm-post-bot/internal/adapters/approval"
	"smm-post-bot/internal/adapters/catalog"
	"smm-post-bot/internal/adapters/publisher"
	"smm-post-bot/internal/adapters/repo"
	"smm-post-bot/internal/adapters/rewriter"
	"smm-post-bot/internal/domain"
	"smm-post-bot/internal/infra/config"
	"smm-post-bot/internal/infra/db"
	httpinfra "smm-post-bot/internal/infra/http"
	applog "smm-post-bot/internal/infra/log"
	"smm-post-bot/internal/infra/metrics"
	"smm-post-bot/internal/infra/openai"
	"smm-post-bot/internal/infra/queue"
	candidateusecase "smm-post-bot/internal/usecase/candidate"
	"smm-post-bot/internal/usecase/learner"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot-gateway: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	var slotQueue domain.SlotQueue
	if cfg.RabbitURL != "" {
		rabbitQueue, err := queue.NewRabbitSlotQueue(cfg.RabbitURL, cfg.Queues.Slots)
		if err != nil {
			logger.Fatal().Err(err).Msg("bot-gateway: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbitQueue.Close()
		slotQueue = rabbitQueue
	} else {
		if cfg.RedisAddr == "" {
			logger.Fatal().Msg("bot-gateway: не задан ни RABBITMQ_URL, ни REDIS_ADDR для очереди слотов")
		}
		slotQueue = queue.NewRedisSlotQueue(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), cfg.Queues.Slots)
	}

	if cfg.Telegram.Token == "" {
		logger.Fatal().Msg("bot-gateway: не указан токен Telegram (TG_BOT_TOKEN)")
	}
	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot-gateway: не удалось создать бота")
	}
	if cfg.Telegram.ApprovalChatID == 0 {
		logger.Fatal().Msg("bot-gateway: не указан чат согласования (TG_APPROVAL_CHAT_ID)")
	}

	renderer := catalog.NewRenderer()

	var publishers []domain.Publisher
	if cfg.Telegram.ChannelID != 0 {
		publishers = append(publishers, publisher.NewTelegram(botAPI, cfg.Telegram.ChannelID))
	} else {
		logger.Warn().Msg("bot-gateway: канал Telegram не задан, публикации идут в лог")
		publishers = append(publishers, publisher.NewConsole("telegram", logger))
	}
	if cfg.Publish.EnableX {
		if cfg.Publish.XBearerToken != "" {
			publishers = append(publishers, publisher.NewX(cfg.Publish.XBearerToken, cfg.Publish.XBaseURL))
		} else {
			logger.Warn().Msg("bot-gateway: не задан токен X, публикации в X идут в лог")
			publishers = append(publishers, publisher.NewConsole("x", logger))
		}
	}

	var rewriterAdapter domain.Rewriter
	if cfg.OpenAI.APIKey != "" {
		openaiClient := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Timeout)
		rewriterAdapter = rewriter.NewOpenAI(openaiClient, cfg.OpenAI.Model, cfg.OpenAI.Timeout)
	} else {
		logger.Warn().Msg("bot-gateway: ключ OpenAI не задан, используем стаб-рерайтер")
		rewriterAdapter = rewriter.NewStub()
	}

	defaults := domain.ClientPolicy{
		ApprovalMode:  domain.ParseApprovalMode(cfg.Approval.Mode),
		TimeoutPolicy: domain.ParseTimeoutPolicy(cfg.Approval.TimeoutPolicy),
		CooldownDays:  cfg.Rotation.CooldownDays,
		MonthlyCap:    cfg.Rotation.MonthlyCap,
	}

	approvalChannel := approval.NewChannel(botAPI, cfg.Telegram.ApprovalChatID)
	candidateService := candidateusecase.NewService(repoAdapter, repoAdapter, repoAdapter, renderer, approvalChannel, rewriterAdapter, publishers, defaults, cfg.Publish.FallbackImageURL, cfg.DryRun)
	learnerService := learner.NewService(repoAdapter, cfg.Learner.WindowDays, cfg.Learner.MinRejections)

	h := approval.NewHandler(botAPI, logger, candidateService, learnerService, repoAdapter, repoAdapter, slotQueue)

	r := chi.NewRouter()
	webhookHandler := func(w http.ResponseWriter, req *http.Request) {
		var update tgbotapi.Update
		if err := json.NewDecoder(req.Body).Decode(&update); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.HandleUpdate(req.Context(), update)
		w.WriteHeader(http.StatusOK)
	}
	if cfg.Telegram.WebhookSecret != "" {
		r.With(httpinfra.WebhookAuthMiddleware(cfg.Telegram.WebhookSecret)).Post("/bot/webhook", webhookHandler)
	} else {
		r.Post("/bot/webhook", webhookHandler)
	}

	srv := &http.Server{Addr: ":8080", Handler: r}
	go func() {
		logger.Info().Msg("bot-gateway: запущен")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("bot-gateway: HTTP сервер остановлен")
		}
	}()

	if cfg.Telegram.WebhookURL == "" {
		// Вебхук не настроен: забираем обновления long polling'ом.
		logger.Info().Msg("bot-gateway: TG_WEBHOOK_URL не задан, переходим на long polling")
		go pollUpdates(ctx, botAPI, h, logger)
	} else {
		logger.Info().Str("url", cfg.Telegram.WebhookURL).Msg("bot-gateway: ожидаем обновления вебхуком")
	}

	<-ctx.Done()
	logger.Info().Msg("bot-gateway: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func pollUpdates(ctx context.Context, botAPI *tgbotapi.BotAPI, h *approval.Handler, logger zerolog.Logger) {
	updateCfg := tgbotapi.NewUpdate(0)
	updateCfg.Timeout = 30
	updates := botAPI.GetUpdatesChan(updateCfg)
	for {
		select {
		case <-ctx.Done():
			botAPI.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			h.HandleUpdate(ctx, update)
		}
	}
}

var _ domain.ClientRepo = (*repo.Postgres)(nil)
var _ domain.CandidateRepo = (*repo.Postgres)(nil)
var _ domain.LedgerRepo = (*repo.Postgres)(nil)
var _ domain.BusinessMetricRepo = (*repo.Postgres)(nil)
