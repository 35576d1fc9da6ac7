package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"smm-post-bot/internal/domain"
	"smm-post-bot/internal/infra/metrics"
	"smm-post-bot/internal/usecase/candidate"
)

// TemplatePicker выбирает шаблон для замены просроченного кандидата.
type TemplatePicker interface {
	PickTemplate(ctx context.Context, client domain.Client, date time.Time) (domain.Template, error)
}

// Decider применяет решения и создаёт черновики. Реализуется candidate.Service.
type Decider interface {
	Decide(ctx context.Context, id string, decision domain.Decision, reason string) ([]domain.PublishReport, error)
	CreateDraft(ctx context.Context, client domain.Client, tpl domain.Template, slotTime time.Time, cause domain.SlotJobCause) (domain.PostCandidate, error)
}

// Service разбирает кандидатов, не получивших решение за отведённое время.
type Service struct {
	clients    domain.ClientRepo
	candidates domain.CandidateRepo
	picker     TemplatePicker
	decider    Decider
	defaults   domain.ClientPolicy
	grace      time.Duration
}

// NewService создаёт сервис просроченных кандидатов.
func NewService(clients domain.ClientRepo, candidates domain.CandidateRepo, picker TemplatePicker, decider Decider, defaults domain.ClientPolicy, grace time.Duration) *Service {
	if grace <= 0 {
		grace = 90 * time.Minute
	}
	return &Service{
		clients:    clients,
		candidates: candidates,
		picker:     picker,
		decider:    decider,
		defaults:   defaults,
		grace:      grace,
	}
}

// Sweep разбирает все кандидаты, чей слот прошёл дольше grace назад.
// Каждый кандидат обрабатывается независимо: ошибка одного не останавливает
// остальных. Возвращает число разобранных кандидатов.
func (s *Service) Sweep(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.grace)
	overdue, err := s.candidates.ListPendingBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("список просроченных кандидатов: %w", err)
	}

	swept := 0
	var errs []error
	for _, cand := range overdue {
		resolved, err := s.resolve(ctx, cand, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("кандидат %s: %w", cand.ID, err))
			continue
		}
		if resolved {
			swept++
		}
	}
	return swept, errors.Join(errs...)
}

func (s *Service) resolve(ctx context.Context, cand domain.PostCandidate, now time.Time) (bool, error) {
	client, err := s.clients.GetClient(ctx, cand.ClientID)
	if err != nil {
		return false, fmt.Errorf("получение клиента: %w", err)
	}
	policy := client.Policy(s.defaults)

	switch policy.TimeoutPolicy {
	case domain.TimeoutAutoPost:
		if _, err := s.decider.Decide(ctx, cand.ID, domain.DecisionApprove, ""); err != nil {
			if errors.Is(err, candidate.ErrStaleDecision) {
				// Кандидата успели разобрать вручную.
				return false, nil
			}
			return false, fmt.Errorf("автопубликация: %w", err)
		}
		metrics.IncSweepTimeout(string(domain.TimeoutAutoPost))
		return true, nil

	case domain.TimeoutFallback:
		resolved, err := s.markTimeout(ctx, cand.ID)
		if err != nil || !resolved {
			return false, err
		}
		metrics.IncSweepTimeout(string(domain.TimeoutFallback))
		if err := s.publishReplacement(ctx, client, cand, now); err != nil {
			return true, fmt.Errorf("замена кандидата: %w", err)
		}
		return true, nil

	default: // auto_cancel
		resolved, err := s.markTimeout(ctx, cand.ID)
		if err != nil || !resolved {
			return false, err
		}
		metrics.IncSweepTimeout(string(domain.TimeoutAutoCancel))
		return true, nil
	}
}

func (s *Service) markTimeout(ctx context.Context, id string) (bool, error) {
	ok, err := s.candidates.UpdatePendingStatus(ctx, id, domain.CandidateTimeout, "")
	if err != nil {
		return false, fmt.Errorf("отметка таймаута: %w", err)
	}
	if !ok {
		// Кандидата успели разобрать вручную.
		return false, nil
	}
	metrics.IncDecision(string(domain.CandidateTimeout))
	return true, nil
}

// publishReplacement выбирает свежий шаблон и сразу публикует нового кандидата
// вместо просроченного.
func (s *Service) publishReplacement(ctx context.Context, client domain.Client, stale domain.PostCandidate, now time.Time) error {
	tpl, err := s.picker.PickTemplate(ctx, client, now)
	if err != nil {
		return fmt.Errorf("выбор шаблона: %w", err)
	}
	draft, err := s.decider.CreateDraft(ctx, client, tpl, stale.SlotTime, domain.SlotCauseSweep)
	if err != nil {
		return fmt.Errorf("создание замены: %w", err)
	}
	if _, err := s.decider.Decide(ctx, draft.ID, domain.DecisionApprove, ""); err != nil && !errors.Is(err, candidate.ErrStaleDecision) {
		return fmt.Errorf("публикация замены: %w", err)
	}
	return nil
}
