package announce

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"smm-post-bot/internal/domain"
)

// markerKey хранит момент последнего увиденного апгрейда.
const markerKey = "announce:last_upgrade"

// TemplateKey — шаблон поздравительного поста о переходе на расширенный тариф.
const TemplateKey = "upgrade_announcement"

// Service следит за апгрейдами клиентов и ставит каждому анонс в очередь
// слотов. Пост строится обычным конвейером по причине announce.
type Service struct {
	clients    domain.ClientRepo
	queue      domain.SlotQueue
	cache      domain.Cache
	bizMetrics domain.BusinessMetricRepo
}

// NewService создаёт наблюдатель апгрейдов.
func NewService(clients domain.ClientRepo, queue domain.SlotQueue, cache domain.Cache, bizMetrics domain.BusinessMetricRepo) *Service {
	return &Service{clients: clients, queue: queue, cache: cache, bizMetrics: bizMetrics}
}

// Run ставит анонсы для клиентов, повышенных после маркера, и двигает маркер
// за каждым поставленным анонсом. Возвращает число поставленных анонсов.
func (s *Service) Run(ctx context.Context, now time.Time) (int, error) {
	marker, ok := s.marker()
	if !ok {
		// Первый запуск: исторические апгрейды не анонсируем.
		if err := s.saveMarker(now); err != nil {
			return 0, fmt.Errorf("инициализация маркера: %w", err)
		}
		return 0, nil
	}

	upgraded, err := s.clients.ListUpgradedSince(ctx, marker)
	if err != nil {
		return 0, fmt.Errorf("список апгрейдов: %w", err)
	}

	announced := 0
	for _, client := range upgraded {
		if client.UpgradedAt == nil {
			continue
		}
		if !client.OptOut {
			job := domain.SlotJob{
				ID:          uuid.NewString(),
				ClientID:    client.ID,
				TemplateKey: TemplateKey,
				SlotTime:    now,
				RequestedAt: now,
				Cause:       domain.SlotCauseAnnounce,
			}
			if err := s.queue.Enqueue(ctx, job); err != nil {
				return announced, fmt.Errorf("постановка анонса для %s: %w", client.ID, err)
			}
			_ = s.bizMetrics.RecordBusinessMetric(ctx, domain.BusinessMetric{
				Event:      domain.BusinessMetricEventUpgradeAnnounced,
				ClientID:   client.ID,
				Metadata:   map[string]any{"job_id": job.ID},
				OccurredAt: now,
			})
			announced++
		}
		if err := s.saveMarker(*client.UpgradedAt); err != nil {
			return announced, fmt.Errorf("сдвиг маркера: %w", err)
		}
	}
	return announced, nil
}

func (s *Service) marker() (time.Time, bool) {
	raw, err := s.cache.Get(markerKey)
	if err != nil {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func (s *Service) saveMarker(ts time.Time) error {
	return s.cache.Set(markerKey, []byte(ts.UTC().Format(time.RFC3339Nano)), 0)
}
