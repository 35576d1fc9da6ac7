package main

import (
	"context"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	cron "github.com/robfig/cron/v3"

	"smm-post-bot/internal/adapters/catalog"
	"smm-post-bot/internal/adapters/repo"
	"smm-post-bot/internal/domain"
	"smm-post-bot/internal/infra/cache"
	"smm-post-bot/internal/infra/config"
	"smm-post-bot/internal/infra/db"
	applog "smm-post-bot/internal/infra/log"
	"smm-post-bot/internal/infra/metrics"
	"smm-post-bot/internal/infra/queue"
	"smm-post-bot/internal/usecase/announce"
	"smm-post-bot/internal/usecase/cycle"
	"smm-post-bot/internal/usecase/learner"
	"smm-post-bot/internal/usecase/rotation"
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
		logger.Fatal().Err(err).Str("tz", cfg.TZ).Msg("scheduler: неизвестная таймзона")
	}

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	if cfg.RedisAddr == "" {
		logger.Fatal().Msg("scheduler: не указан адрес Redis (REDIS_ADDR)")
	}
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	var slotQueue domain.SlotQueue
	if cfg.RabbitURL != "" {
		rabbitQueue, err := queue.NewRabbitSlotQueue(cfg.RabbitURL, cfg.Queues.Slots)
		if err != nil {
			logger.Fatal().Err(err).Msg("scheduler: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbitQueue.Close()
		slotQueue = rabbitQueue
	} else {
		slotQueue = queue.NewRedisSlotQueue(redisClient, cfg.Queues.Slots)
	}

	if err := catalog.EnsureDefault(cfg.Templates.Path); err != nil {
		logger.Fatal().Err(err).Msg("scheduler: не удалось подготовить каталог шаблонов")
	}
	templateCatalog, err := catalog.NewYAMLCatalog(cfg.Templates.Path)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: не удалось загрузить каталог шаблонов")
	}

	defaults := domain.ClientPolicy{
		ApprovalMode:  domain.ParseApprovalMode(cfg.Approval.Mode),
		TimeoutPolicy: domain.ParseTimeoutPolicy(cfg.Approval.TimeoutPolicy),
		CooldownDays:  cfg.Rotation.CooldownDays,
		MonthlyCap:    cfg.Rotation.MonthlyCap,
	}

	cycleService := cycle.NewService(templateCatalog, repoAdapter)
	// Кандидатов создаёт worker, планировщик только ставит задачи в очередь.
	rotationService, err := rotation.NewService(repoAdapter, repoAdapter, repoAdapter, repoAdapter, slotQueue, repoAdapter, templateCatalog, cycleService, nil, repoAdapter, rotation.Config{
		DailySlots:   strings.Split(cfg.Rotation.DailySlots, ","),
		PostsPerSlot: cfg.Rotation.PostsPerSlot,
		JitterMaxMin: cfg.Rotation.JitterMaxMin,
		Defaults:     defaults,
		Location:     loc,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: не удалось создать сервис ротации")
	}
	announceService := announce.NewService(repoAdapter, slotQueue, cache.NewRedis(redisClient), repoAdapter)
	learnerService := learner.NewService(repoAdapter, cfg.Learner.WindowDays, cfg.Learner.MinRejections)

	c := cron.New(cron.WithLocation(loc))
	mustSchedule := func(spec string, job func()) {
		if _, err := c.AddFunc(spec, job); err != nil {
			logger.Fatal().Err(err).Str("spec", spec).Msg("scheduler: не удалось зарегистрировать задачу")
		}
	}

	mustSchedule("* * * * *", func() {
		fired, err := rotationService.FireDueSlots(ctx, time.Now().In(loc))
		if err != nil {
			logger.Error().Err(err).Msg("scheduler: ошибка постановки слотов")
			return
		}
		if fired > 0 {
			logger.Info().Int("fired", fired).Msg("scheduler: слоты поставлены в очередь")
		}
	})

	mustSchedule("*/10 * * * *", func() {
		now := time.Now().UTC()
		job := domain.SlotJob{
			ID:          uuid.NewString(),
			SlotTime:    now,
			RequestedAt: now,
			Cause:       domain.SlotCauseSweep,
		}
		if err := slotQueue.Enqueue(ctx, job); err != nil {
			logger.Error().Err(err).Msg("scheduler: не удалось поставить обход зависших кандидатов")
		}
	})

	mustSchedule("*/5 * * * *", func() {
		announced, err := announceService.Run(ctx, time.Now().UTC())
		if err != nil {
			logger.Error().Err(err).Msg("scheduler: ошибка анонса апгрейдов")
			return
		}
		if announced > 0 {
			logger.Info().Int("announced", announced).Msg("scheduler: анонсы апгрейдов поставлены в очередь")
		}
	})

	mustSchedule("0 3 * * *", func() {
		report, err := learnerService.Analyze(ctx, time.Now().UTC(), "")
		if err != nil {
			logger.Error().Err(err).Msg("scheduler: не удалось построить сводку по отказам")
			return
		}
		logger.Info().
			Int("rejections", report.Total).
			Int("suggestions", len(report.Suggestions)).
			Time("since", report.Since).
			Msg("scheduler: сводка по отказам за окно")
	})

	c.Start()
	logger.Info().Str("slots", cfg.Rotation.DailySlots).Str("tz", cfg.TZ).Msg("scheduler: запущен")

	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	logger.Info().Msg("scheduler: остановлен")
}
