package rotation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"smm-post-bot/internal/domain"
	"smm-post-bot/internal/infra/metrics"
)

// Ключ advisory-блокировки, под которой выполняются прогоны слотов.
const slotAdvisoryLockKey int64 = 824277

// Шаг разведения постов одного слота по времени.
const slotSeqSpacing = 5 * time.Minute

// Config задаёт параметры ротации.
type Config struct {
	// DailySlots — времена слотов в формате HH:MM.
	DailySlots   []string
	PostsPerSlot int
	JitterMaxMin int
	// FireWindow ограничивает, насколько старый слот ещё можно запустить.
	FireWindow time.Duration
	Defaults   domain.ClientPolicy
	Location   *time.Location
}

type slot struct {
	label  string
	hour   int
	minute int
}

// TemplatePicker выбирает шаблон поста для клиента.
type TemplatePicker interface {
	PickTemplate(ctx context.Context, client domain.Client, date time.Time) (domain.Template, error)
}

// CandidateCreator создаёт кандидата и отправляет его на согласование.
type CandidateCreator interface {
	CreateForSlot(ctx context.Context, client domain.Client, tpl domain.Template, slotTime time.Time, cause domain.SlotJobCause) (domain.PostCandidate, error)
}

// Service реализует ротацию клиентов по слотам.
type Service struct {
	clients    domain.ClientRepo
	candidates domain.CandidateRepo
	ledger     domain.LedgerRepo
	plan       domain.SlotPlanRepo
	queue      domain.SlotQueue
	locker     domain.SlotLocker
	catalog    domain.TemplateCatalog
	picker     TemplatePicker
	creator    CandidateCreator
	bizMetrics domain.BusinessMetricRepo
	cfg        Config
	slots      []slot
}

// NewService создаёт сервис ротации.
func NewService(clients domain.ClientRepo, candidates domain.CandidateRepo, ledger domain.LedgerRepo, plan domain.SlotPlanRepo, queue domain.SlotQueue, locker domain.SlotLocker, catalog domain.TemplateCatalog, picker TemplatePicker, creator CandidateCreator, bizMetrics domain.BusinessMetricRepo, cfg Config) (*Service, error) {
	if len(cfg.DailySlots) == 0 {
		return nil, errors.New("не задано расписание слотов")
	}
	if cfg.PostsPerSlot <= 0 {
		cfg.PostsPerSlot = 1
	}
	if cfg.FireWindow <= 0 {
		cfg.FireWindow = 10 * time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	slots := make([]slot, 0, len(cfg.DailySlots))
	for _, raw := range cfg.DailySlots {
		label := strings.TrimSpace(raw)
		parsed, err := time.Parse("15:04", label)
		if err != nil {
			return nil, fmt.Errorf("слот %q: %w", raw, err)
		}
		slots = append(slots, slot{label: label, hour: parsed.Hour(), minute: parsed.Minute()})
	}
	return &Service{
		clients:    clients,
		candidates: candidates,
		ledger:     ledger,
		plan:       plan,
		queue:      queue,
		locker:     locker,
		catalog:    catalog,
		picker:     picker,
		creator:    creator,
		bizMetrics: bizMetrics,
		cfg:        cfg,
		slots:      slots,
	}, nil
}

// Eligible проверяет базовые условия участия клиента в ротации.
func Eligible(client domain.Client) bool {
	return client.Featured && !client.OptOut && client.MediaApproved && strings.TrimSpace(client.Website) != ""
}

// SelectClient выбирает клиента для публикации на дату date.
// Кандидаты отбираются по базовым условиям, кулдауну и месячному кэпу,
// затем среди наименее опубликованных выбирается один детерминированно
// по зерну salt. Второго значения false означает, что выбирать некого.
func (s *Service) SelectClient(ctx context.Context, date time.Time, salt string) (domain.Client, bool, error) {
	clients, err := s.clients.ListClients(ctx)
	if err != nil {
		return domain.Client{}, false, fmt.Errorf("получение клиентов: %w", err)
	}

	pending, err := s.candidates.ListPendingCandidates(ctx)
	if err != nil {
		return domain.Client{}, false, fmt.Errorf("получение ожидающих кандидатов: %w", err)
	}
	busy := make(map[string]struct{}, len(pending))
	for _, candidate := range pending {
		busy[candidate.ClientID] = struct{}{}
	}

	local := date.In(s.cfg.Location)
	monthStart := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, s.cfg.Location)

	var pool []domain.Client
	counts := make(map[string]int)
	for _, client := range clients {
		if !Eligible(client) {
			continue
		}
		if _, ok := busy[client.ID]; ok {
			continue
		}
		policy := client.Policy(s.cfg.Defaults)

		last, err := s.ledger.LastPublishedAt(ctx, client.ID)
		if err != nil {
			return domain.Client{}, false, fmt.Errorf("последняя публикация %s: %w", client.ID, err)
		}
		if last != nil && policy.CooldownDays > 0 {
			cooldown := time.Duration(policy.CooldownDays) * 24 * time.Hour
			if date.Sub(*last) < cooldown {
				continue
			}
		}

		count, err := s.ledger.CountPublishedSince(ctx, client.ID, monthStart)
		if err != nil {
			return domain.Client{}, false, fmt.Errorf("подсчёт публикаций %s: %w", client.ID, err)
		}
		if policy.MonthlyCap > 0 && count >= policy.MonthlyCap {
			continue
		}
		pool = append(pool, client)
		counts[client.ID] = count
	}
	if len(pool) == 0 {
		return domain.Client{}, false, nil
	}

	minCount := -1
	for _, client := range pool {
		if minCount == -1 || counts[client.ID] < minCount {
			minCount = counts[client.ID]
		}
	}
	var subset []domain.Client
	for _, client := range pool {
		if counts[client.ID] == minCount {
			subset = append(subset, client)
		}
	}

	seed := domain.SeedFor("select", local.Format("2006-01-02"), salt)
	idx := rand.New(rand.NewSource(seed)).Intn(len(subset))
	return subset[idx], true, nil
}

// FireDueSlots ставит в очередь задачи слотов, чьё время пришло.
// Повторные вызовы и конкурирующие инстансы дедуплицируются через slot_plan.
func (s *Service) FireDueSlots(ctx context.Context, now time.Time) (int, error) {
	local := now.In(s.cfg.Location)
	fired := 0
	for _, sl := range s.slots {
		base := time.Date(local.Year(), local.Month(), local.Day(), sl.hour, sl.minute, 0, 0, s.cfg.Location)
		for seq := 0; seq < s.cfg.PostsPerSlot; seq++ {
			slotTime := base.Add(s.jitterFor(local, sl.label, seq))
			if slotTime.After(now) {
				continue
			}
			if now.Sub(slotTime) > s.cfg.FireWindow {
				continue
			}
			acquired, err := s.plan.AcquireSlot(slotTime.UTC(), seq)
			if err != nil {
				return fired, fmt.Errorf("захват слота: %w", err)
			}
			if !acquired {
				continue
			}
			job := domain.SlotJob{
				ID:          uuid.NewString(),
				SlotTime:    slotTime.UTC(),
				RequestedAt: now.UTC(),
				Cause:       domain.SlotCauseScheduled,
			}
			if err := s.queue.Enqueue(ctx, job); err != nil {
				return fired, fmt.Errorf("постановка задачи слота: %w", err)
			}
			fired++
		}
	}
	return fired, nil
}

// jitterFor возвращает детерминированный сдвиг слота.
// Все инстансы планировщика вычисляют одинаковое время.
func (s *Service) jitterFor(date time.Time, label string, seq int) time.Duration {
	spacing := time.Duration(seq) * slotSeqSpacing
	if s.cfg.JitterMaxMin <= 0 {
		return spacing
	}
	seed := domain.SeedFor("jitter", date.Format("2006-01-02"), label, strconv.Itoa(seq))
	r := rand.New(rand.NewSource(seed))
	return time.Duration(r.Intn(s.cfg.JitterMaxMin))*time.Minute + spacing
}

// RunSlot обрабатывает задачу слота: выбирает клиента, шаблон и создаёт
// кандидата. Возвращает false, если публиковать некого.
func (s *Service) RunSlot(ctx context.Context, job domain.SlotJob) (domain.PostCandidate, bool, error) {
	var (
		created domain.PostCandidate
		ok      bool
	)
	err := s.runLocked(ctx, job, func(ctx context.Context) error {
		date := job.SlotTime.In(s.cfg.Location)
		client, found, err := s.SelectClient(ctx, date, job.ID)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		tpl, err := s.picker.PickTemplate(ctx, client, date)
		if err != nil {
			return err
		}
		candidate, err := s.creator.CreateForSlot(ctx, client, tpl, job.SlotTime, job.Cause)
		if err != nil {
			return err
		}
		created = candidate
		ok = true
		return nil
	})
	return created, ok, err
}

// RunForClient обрабатывает адресную задачу: пост для конкретного клиента.
// Пустой TemplateKey означает выбор шаблона по циклу.
func (s *Service) RunForClient(ctx context.Context, job domain.SlotJob) (domain.PostCandidate, error) {
	var created domain.PostCandidate
	err := s.runLocked(ctx, job, func(ctx context.Context) error {
		client, err := s.clients.GetClient(ctx, job.ClientID)
		if err != nil {
			return err
		}
		var tpl domain.Template
		if job.TemplateKey != "" {
			var found bool
			tpl, found = s.catalog.ByKey(job.TemplateKey)
			if !found {
				return fmt.Errorf("шаблон %s не найден в каталоге", job.TemplateKey)
			}
		} else {
			date := job.SlotTime.In(s.cfg.Location)
			tpl, err = s.picker.PickTemplate(ctx, client, date)
			if err != nil {
				return err
			}
		}
		candidate, err := s.creator.CreateForSlot(ctx, client, tpl, job.SlotTime, job.Cause)
		if err != nil {
			return err
		}
		created = candidate
		return nil
	})
	return created, err
}

// runLocked выполняет прогон слота под advisory-блокировкой с перечитанным
// каталогом.
func (s *Service) runLocked(ctx context.Context, job domain.SlotJob, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := s.locker.WithLock(ctx, slotAdvisoryLockKey, func(ctx context.Context) error {
		if err := s.catalog.Reload(); err != nil {
			return fmt.Errorf("перечитывание каталога: %w", err)
		}
		return fn(ctx)
	})
	metrics.SlotBuildSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	metrics.IncSlotFired()
	_ = s.bizMetrics.RecordBusinessMetric(ctx, domain.BusinessMetric{
		Event:    domain.BusinessMetricEventSlotFired,
		ClientID: job.ClientID,
		Metadata: map[string]any{
			"job_id": job.ID,
			"cause":  string(job.Cause),
		},
	})
	return nil
}
