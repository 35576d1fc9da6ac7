package main

import (
	"context"
	"errors"
	"os/signal"
	"strings"
	"syscall"
	"time"

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
	applog "smm-post-bot/internal/infra/log"
	"smm-post-bot/internal/infra/metrics"
	"smm-post-bot/internal/infra/openai"
	"smm-post-bot/internal/infra/queue"
	candidateusecase "smm-post-bot/internal/usecase/candidate"
	"smm-post-bot/internal/usecase/cycle"
	"smm-post-bot/internal/usecase/rotation"
	"smm-post-bot/internal/usecase/sweeper"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	loc, err := time.LoadLocation(cfg.TZ)
	if err != nil {
		logger.Fatal().Err(err).Str("tz", cfg.TZ).Msg("worker: неизвестная таймзона")
	}

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	var slotQueue domain.SlotQueue
	if cfg.RabbitURL != "" {
		rabbitQueue, err := queue.NewRabbitSlotQueue(cfg.RabbitURL, cfg.Queues.Slots)
		if err != nil {
			logger.Fatal().Err(err).Msg("worker: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbitQueue.Close()
		slotQueue = rabbitQueue
	} else {
		if cfg.RedisAddr == "" {
			logger.Fatal().Msg("worker: не задан ни RABBITMQ_URL, ни REDIS_ADDR для очереди слотов")
		}
		slotQueue = queue.NewRedisSlotQueue(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), cfg.Queues.Slots)
	}

	if cfg.Telegram.Token == "" {
		logger.Fatal().Msg("worker: не указан токен Telegram (TG_BOT_TOKEN)")
	}
	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: не удалось создать бота")
	}
	if cfg.Telegram.ApprovalChatID == 0 {
		logger.Fatal().Msg("worker: не указан чат согласования (TG_APPROVAL_CHAT_ID)")
	}

	if err := catalog.EnsureDefault(cfg.Templates.Path); err != nil {
		logger.Fatal().Err(err).Msg("worker: не удалось подготовить каталог шаблонов")
	}
	templateCatalog, err := catalog.NewYAMLCatalog(cfg.Templates.Path)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: не удалось загрузить каталог шаблонов")
	}
	renderer := catalog.NewRenderer()

	var publishers []domain.Publisher
	if cfg.Telegram.ChannelID != 0 {
		publishers = append(publishers, publisher.NewTelegram(botAPI, cfg.Telegram.ChannelID))
	} else {
		logger.Warn().Msg("worker: канал Telegram не задан, публикации идут в лог")
		publishers = append(publishers, publisher.NewConsole("telegram", logger))
	}
	if cfg.Publish.EnableX {
		if cfg.Publish.XBearerToken != "" {
			publishers = append(publishers, publisher.NewX(cfg.Publish.XBearerToken, cfg.Publish.XBaseURL))
		} else {
			logger.Warn().Msg("worker: не задан токен X, публикации в X идут в лог")
			publishers = append(publishers, publisher.NewConsole("x", logger))
		}
	}

	var rewriterAdapter domain.Rewriter
	if cfg.OpenAI.APIKey != "" {
		openaiClient := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Timeout)
		rewriterAdapter = rewriter.NewOpenAI(openaiClient, cfg.OpenAI.Model, cfg.OpenAI.Timeout)
	} else {
		logger.Warn().Msg("worker: ключ OpenAI не задан, используем стаб-рерайтер")
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
	cycleService := cycle.NewService(templateCatalog, repoAdapter)
	rotationService, err := rotation.NewService(repoAdapter, repoAdapter, repoAdapter, repoAdapter, slotQueue, repoAdapter, templateCatalog, cycleService, candidateService, repoAdapter, rotation.Config{
		DailySlots:   strings.Split(cfg.Rotation.DailySlots, ","),
		PostsPerSlot: cfg.Rotation.PostsPerSlot,
		JitterMaxMin: cfg.Rotation.JitterMaxMin,
		Defaults:     defaults,
		Location:     loc,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: не удалось создать сервис ротации")
	}
	sweeperService := sweeper.NewService(repoAdapter, repoAdapter, cycleService, candidateService, defaults, time.Duration(cfg.Approval.GraceMin)*time.Minute)

	worker := &jobWorker{
		log:      logger,
		queue:    slotQueue,
		statuses: repoAdapter,
		rotation: rotationService,
		sweeper:  sweeperService,
	}

	logger.Info().Bool("dry_run", cfg.DryRun).Msg("worker: запуск обработки очереди")
	worker.Run(ctx)
	logger.Info().Msg("worker: остановлен")
}

type jobWorker struct {
	log      zerolog.Logger
	queue    domain.SlotQueue
	statuses domain.SlotJobStatusRepo
	rotation *rotation.Service
	sweeper  *sweeper.Service
}

const maxDeliveryAttempts = 5

type jobOutcome int

const (
	jobOutcomeCompleted jobOutcome = iota
	jobOutcomeRetry
)

func (w *jobWorker) Run(ctx context.Context) {
	for {
		job, ack, err := w.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.log.Error().Err(err).Msg("worker: ошибка чтения очереди")
			time.Sleep(time.Second)
			continue
		}

		jobLog := w.log.With().
			Str("job_id", job.ID).
			Str("cause", string(job.Cause)).
			Str("client", job.ClientID).
			Str("template", job.TemplateKey).
			Logger()

		if job.ID == "" {
			jobLog.Error().Msg("worker: получена задача без идентификатора, подтверждаем и пропускаем")
			if err := ack(true); err != nil {
				jobLog.Error().Err(err).Msg("worker: не удалось подтвердить задачу без идентификатора")
			}
			continue
		}

		done, attempt, err := w.statuses.EnsureSlotJob(job.ID)
		if err != nil {
			jobLog.Error().Err(err).Msg("worker: не удалось зарегистрировать задачу")
			if ackErr := ack(false); ackErr != nil {
				jobLog.Error().Err(ackErr).Msg("worker: не удалось вернуть задачу в очередь")
			}
			time.Sleep(time.Second)
			continue
		}

		jobLog = jobLog.With().Int("attempt", attempt).Logger()

		if done {
			jobLog.Info().Msg("worker: задача уже была обработана, подтверждаем")
			if err := ack(true); err != nil {
				jobLog.Error().Err(err).Msg("worker: не удалось подтвердить ранее обработанную задачу")
			}
			continue
		}

		outcome := w.handleJob(ctx, job, jobLog)

		if outcome == jobOutcomeRetry && attempt < maxDeliveryAttempts {
			jobLog.Warn().Msg("worker: задача завершилась ошибкой, повторим позже")
			if err := ack(false); err != nil {
				jobLog.Error().Err(err).Msg("worker: не удалось вернуть задачу после ошибки")
			}
			continue
		}

		if outcome == jobOutcomeRetry {
			jobLog.Error().Msg("worker: достигнут предел попыток, помечаем задачу как завершённую")
		}

		if err := w.statuses.MarkSlotJobDone(job.ID); err != nil {
			jobLog.Error().Err(err).Msg("worker: не удалось пометить задачу обработанной")
			if ackErr := ack(false); ackErr != nil {
				jobLog.Error().Err(ackErr).Msg("worker: не удалось вернуть задачу после ошибки статуса")
			}
			time.Sleep(time.Second)
			continue
		}

		if err := ack(true); err != nil {
			jobLog.Error().Err(err).Msg("worker: не удалось подтвердить задачу")
		}
	}
}

func (w *jobWorker) handleJob(ctx context.Context, job domain.SlotJob, jobLog zerolog.Logger) jobOutcome {
	if job.SlotTime.IsZero() {
		job.SlotTime = time.Now().UTC()
	}

	if job.Cause == domain.SlotCauseSweep {
		swept, err := w.sweeper.Sweep(ctx, time.Now().UTC())
		if err != nil {
			// Следующий плановый обход подберёт то, что не удалось сейчас.
			jobLog.Error().Err(err).Int("swept", swept).Msg("worker: обход зависших кандидатов завершился с ошибками")
			return jobOutcomeCompleted
		}
		if swept > 0 {
			jobLog.Info().Int("swept", swept).Msg("worker: зависшие кандидаты разобраны")
		}
		return jobOutcomeCompleted
	}

	if job.ClientID != "" {
		candidate, err := w.rotation.RunForClient(ctx, job)
		if err != nil {
			if errors.Is(err, cycle.ErrNoTemplates) {
				jobLog.Warn().Msg("worker: для клиента не нашлось подходящего шаблона")
				return jobOutcomeCompleted
			}
			jobLog.Error().Err(err).Msg("worker: не удалось создать пост для клиента")
			return jobOutcomeRetry
		}
		jobLog.Info().Str("candidate", candidate.ID).Str("status", string(candidate.Status)).Msg("worker: кандидат создан")
		return jobOutcomeCompleted
	}

	candidate, ok, err := w.rotation.RunSlot(ctx, job)
	if err != nil {
		if errors.Is(err, cycle.ErrNoTemplates) {
			jobLog.Warn().Msg("worker: каталог не дал шаблона для выбранного клиента")
			return jobOutcomeCompleted
		}
		jobLog.Error().Err(err).Msg("worker: ошибка обработки слота")
		return jobOutcomeRetry
	}
	if !ok {
		jobLog.Info().Msg("worker: нет клиентов, готовых к публикации, слот пропущен")
		return jobOutcomeCompleted
	}
	jobLog.Info().Str("candidate", candidate.ID).Str("status", string(candidate.Status)).Msg("worker: кандидат создан")
	return jobOutcomeCompleted
}

var _ domain.ClientRepo = (*repo.Postgres)(nil)
var _ domain.CandidateRepo = (*repo.Postgres)(nil)
var _ domain.LedgerRepo = (*repo.Postgres)(nil)
var _ domain.SlotJobStatusRepo = (*repo.Postgres)(nil)
var _ domain.SlotLocker = (*repo.Postgres)(nil)
