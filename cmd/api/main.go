package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"smm-post-bot/internal/adapters/catalog"
	"smm-post-bot/internal/adapters/repo"
	"smm-post-bot/internal/domain"
	"smm-post-bot/internal/infra/config"
	"smm-post-bot/internal/infra/db"
	httpinfra "smm-post-bot/internal/infra/http"
	"smm-post-bot/internal/infra/metrics"
	"smm-post-bot/internal/infra/queue"
	"smm-post-bot/internal/usecase/cycle"
	"smm-post-bot/internal/usecase/learner"
	"smm-post-bot/internal/usecase/rotation"
)

func main() {
	cfg := config.Load()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc, err := time.LoadLocation(cfg.TZ)
	if err != nil {
		log.Fatal().Err(err).Str("tz", cfg.TZ).Msg("api: неизвестная таймзона")
	}

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	var slotQueue domain.SlotQueue
	if cfg.RabbitURL != "" {
		rabbitQueue, err := queue.NewRabbitSlotQueue(cfg.RabbitURL, cfg.Queues.Slots)
		if err != nil {
			log.Fatal().Err(err).Msg("api: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbitQueue.Close()
		slotQueue = rabbitQueue
	} else {
		if cfg.RedisAddr == "" {
			log.Fatal().Msg("api: не задан ни RABBITMQ_URL, ни REDIS_ADDR для очереди слотов")
		}
		slotQueue = queue.NewRedisSlotQueue(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), cfg.Queues.Slots)
	}

	if err := catalog.EnsureDefault(cfg.Templates.Path); err != nil {
		log.Fatal().Err(err).Msg("api: не удалось подготовить каталог шаблонов")
	}
	templateCatalog, err := catalog.NewYAMLCatalog(cfg.Templates.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("api: не удалось загрузить каталог шаблонов")
	}
	renderer := catalog.NewRenderer()

	defaults := domain.ClientPolicy{
		ApprovalMode:  domain.ParseApprovalMode(cfg.Approval.Mode),
		TimeoutPolicy: domain.ParseTimeoutPolicy(cfg.Approval.TimeoutPolicy),
		CooldownDays:  cfg.Rotation.CooldownDays,
		MonthlyCap:    cfg.Rotation.MonthlyCap,
	}

	cycleService := cycle.NewService(templateCatalog, repoAdapter)
	// API только читает и ставит задачи, кандидатов создаёт worker.
	rotationService, err := rotation.NewService(repoAdapter, repoAdapter, repoAdapter, repoAdapter, slotQueue, repoAdapter, templateCatalog, cycleService, nil, repoAdapter, rotation.Config{
		DailySlots:   strings.Split(cfg.Rotation.DailySlots, ","),
		PostsPerSlot: cfg.Rotation.PostsPerSlot,
		JitterMaxMin: cfg.Rotation.JitterMaxMin,
		Defaults:     defaults,
		Location:     loc,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("api: не удалось создать сервис ротации")
	}
	learnerService := learner.NewService(repoAdapter, cfg.Learner.WindowDays, cfg.Learner.MinRejections)

	if cfg.Admin.Token == "" {
		log.Warn().Msg("api: ADMIN_API_TOKEN не задан, админ-эндпоинты доступны без авторизации")
	}

	srvWrap := httpinfra.NewServer(log.Logger)

	srvWrap.Router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status":  "ok",
			"time":    time.Now().In(loc).Format(time.RFC3339),
			"dry_run": cfg.DryRun,
		})
	})

	srvWrap.Router.Group(func(protected chi.Router) {
		protected.Use(httpinfra.BearerAuthMiddleware(cfg.Admin.Token))

		protected.Get("/api/v1/dry-run", func(w http.ResponseWriter, r *http.Request) {
			count := 3
			if raw := r.URL.Query().Get("count"); raw != "" {
				parsed, err := strconv.Atoi(raw)
				if err != nil || parsed < 1 || parsed > 20 {
					writeError(w, http.StatusBadRequest, "count must be between 1 and 20")
					return
				}
				count = parsed
			}
			now := time.Now().In(loc)
			posts := make([]dryRunPost, 0, count)
			for i := 0; i < count; i++ {
				date := now.AddDate(0, 0, i)
				client, found, err := rotationService.SelectClient(r.Context(), date, "dry-run")
				if err != nil {
					log.Error().Err(err).Msg("api: dry-run выбор клиента")
					writeError(w, http.StatusInternalServerError, "failed to select client")
					return
				}
				if !found {
					continue
				}
				tpl, err := cycleService.PickTemplate(r.Context(), client, date)
				if err != nil {
					if errors.Is(err, cycle.ErrNoTemplates) {
						continue
					}
					log.Error().Err(err).Msg("api: dry-run выбор шаблона")
					writeError(w, http.StatusInternalServerError, "failed to pick template")
					return
				}
				text, err := renderer.Render(tpl, client)
				if err != nil {
					log.Error().Err(err).Str("template", tpl.Key).Msg("api: dry-run рендер шаблона")
					writeError(w, http.StatusInternalServerError, "failed to render template")
					return
				}
				posts = append(posts, dryRunPost{
					Date:        date.Format("2006-01-02"),
					ClientID:    client.ID,
					ClientName:  client.Name,
					TemplateKey: tpl.Key,
					Category:    string(tpl.Category),
					Platforms:   tpl.Platforms,
					Text:        text,
				})
			}
			writeJSON(w, map[string]any{
				"simulated_days": count,
				"posts":          posts,
			})
		})

		protected.Post("/api/v1/publish/now", func(w http.ResponseWriter, r *http.Request) {
			clientID := r.URL.Query().Get("client_id")
			if clientID == "" {
				writeError(w, http.StatusBadRequest, "client_id is required")
				return
			}
			client, err := repoAdapter.GetClient(r.Context(), clientID)
			if err != nil {
				writeError(w, http.StatusNotFound, "client not found")
				return
			}
			templateKey := r.URL.Query().Get("template")
			if templateKey != "" {
				if _, ok := templateCatalog.ByKey(templateKey); !ok {
					writeError(w, http.StatusBadRequest, "unknown template key")
					return
				}
			}
			now := time.Now().UTC()
			job := domain.SlotJob{
				ID:          uuid.NewString(),
				ClientID:    client.ID,
				TemplateKey: templateKey,
				SlotTime:    now,
				RequestedAt: now,
				Cause:       domain.SlotCauseManual,
			}
			if err := slotQueue.Enqueue(r.Context(), job); err != nil {
				log.Error().Err(err).Str("client", client.ID).Msg("api: постановка внеочередного поста")
				writeError(w, http.StatusInternalServerError, "failed to enqueue job")
				return
			}
			writeJSON(w, map[string]any{
				"status":    "queued",
				"job_id":    job.ID,
				"client_id": client.ID,
			})
		})

		protected.Get("/api/v1/suggestions", func(w http.ResponseWriter, r *http.Request) {
			report, err := learnerService.Analyze(r.Context(), time.Now().UTC(), r.URL.Query().Get("client_id"))
			if err != nil {
				log.Error().Err(err).Msg("api: сводка по отказам")
				writeError(w, http.StatusInternalServerError, "failed to build suggestions")
				return
			}
			suggestions := make([]map[string]any, 0, len(report.Suggestions))
			for _, s := range report.Suggestions {
				suggestions = append(suggestions, map[string]any{
					"template_key": s.TemplateKey,
					"rejections":   s.Rejections,
					"dominant":     string(s.Dominant),
					"advice":       s.Advice,
				})
			}
			writeJSON(w, map[string]any{
				"since":       report.Since.Format("2006-01-02"),
				"total":       report.Total,
				"by_bucket":   report.ByBucket,
				"suggestions": suggestions,
			})
		})
	})

	go func() {
		log.Info().Int("port", cfg.Port).Msg("api: старт")
		if err := srvWrap.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()
	<-ctx.Done()
	log.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srvWrap.Shutdown(shutdownCtx)
}

type dryRunPost struct {
	Date        string   `json:"date"`
	ClientID    string   `json:"client_id"`
	ClientName  string   `json:"client_name"`
	TemplateKey string   `json:"template_key"`
	Category    string   `json:"category"`
	Platforms   []string `json:"platforms"`
	Text        string   `json:"text"`
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
