package candidate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"smm-post-bot/internal/domain"
	"smm-post-bot/internal/infra/metrics"
)

// ErrStaleDecision возвращается при решении по уже обработанному кандидату.
var ErrStaleDecision = errors.New("кандидат уже обработан")

// Service управляет жизненным циклом кандидатов на публикацию.
type Service struct {
	clients       domain.ClientRepo
	candidates    domain.CandidateRepo
	ledger        domain.LedgerRepo
	renderer      domain.TemplateRenderer
	approval      domain.ApprovalChannel
	rewriter      domain.Rewriter
	publishers    map[string]domain.Publisher
	defaults      domain.ClientPolicy
	fallbackMedia string
	dryRun        bool
}

// NewService создаёт сервис кандидатов.
func NewService(clients domain.ClientRepo, candidates domain.CandidateRepo, ledger domain.LedgerRepo, renderer domain.TemplateRenderer, approval domain.ApprovalChannel, rewriter domain.Rewriter, publishers []domain.Publisher, defaults domain.ClientPolicy, fallbackMedia string, dryRun bool) *Service {
	byPlatform := make(map[string]domain.Publisher, len(publishers))
	for _, publisher := range publishers {
		byPlatform[publisher.Platform()] = publisher
	}
	return &Service{
		clients:       clients,
		candidates:    candidates,
		ledger:        ledger,
		renderer:      renderer,
		approval:      approval,
		rewriter:      rewriter,
		publishers:    byPlatform,
		defaults:      defaults,
		fallbackMedia: fallbackMedia,
		dryRun:        dryRun,
	}
}

// CreateDraft рендерит шаблон и сохраняет кандидата в статусе pending.
func (s *Service) CreateDraft(ctx context.Context, client domain.Client, tpl domain.Template, slotTime time.Time, cause domain.SlotJobCause) (domain.PostCandidate, error) {
	text, err := s.renderer.Render(tpl, client)
	if err != nil {
		return domain.PostCandidate{}, fmt.Errorf("рендер поста: %w", err)
	}
	platforms := s.targetPlatforms(tpl)
	if len(platforms) == 0 {
		return domain.PostCandidate{}, fmt.Errorf("для шаблона %s нет настроенных площадок", tpl.Key)
	}
	candidate := domain.PostCandidate{
		ClientID:    client.ID,
		TemplateKey: tpl.Key,
		Category:    tpl.Category,
		Text:        text,
		MediaURL:    s.mediaFor(client),
		Platforms:   platforms,
		SlotTime:    slotTime,
		Status:      domain.CandidatePending,
		Metadata:    map[string]any{"cause": string(cause)},
	}
	created, err := s.candidates.CreateCandidate(ctx, candidate)
	if err != nil {
		return domain.PostCandidate{}, fmt.Errorf("создание кандидата: %w", err)
	}
	metrics.IncCandidateCreated(string(created.Category))
	return created, nil
}

// CreateForSlot создаёт кандидата и запускает согласование по политике клиента.
func (s *Service) CreateForSlot(ctx context.Context, client domain.Client, tpl domain.Template, slotTime time.Time, cause domain.SlotJobCause) (domain.PostCandidate, error) {
	created, err := s.CreateDraft(ctx, client, tpl, slotTime, cause)
	if err != nil {
		return domain.PostCandidate{}, err
	}
	return s.Submit(ctx, client, created)
}

// Submit отправляет кандидата на согласование. Для auto-клиентов решение
// принимается сразу; при недоступном канале согласования слот не теряется —
// кандидат публикуется напрямую.
func (s *Service) Submit(ctx context.Context, client domain.Client, candidate domain.PostCandidate) (domain.PostCandidate, error) {
	policy := client.Policy(s.defaults)
	if policy.ApprovalMode == domain.ApprovalAuto {
		if _, err := s.Decide(ctx, candidate.ID, domain.DecisionApprove, ""); err != nil && !errors.Is(err, ErrStaleDecision) {
			return candidate, err
		}
		candidate.Status = domain.CandidateApproved
		return candidate, nil
	}

	ref, err := s.approval.Notify(ctx, client, candidate)
	if err != nil {
		metrics.BotSendErrors.Inc()
		if _, aerr := s.Decide(ctx, candidate.ID, domain.DecisionApprove, ""); aerr != nil && !errors.Is(aerr, ErrStaleDecision) {
			return candidate, fmt.Errorf("публикация после сбоя канала: %w", aerr)
		}
		candidate.Status = domain.CandidateApproved
		return candidate, nil
	}
	if err := s.candidates.SetCandidateChannelRef(ctx, candidate.ID, ref); err != nil {
		return candidate, fmt.Errorf("сохранение ссылки канала: %w", err)
	}
	candidate.SetChannelRef(ref)
	return candidate, nil
}

// Decide применяет решение по кандидату. Утверждение публикует текст на все
// площадки, ещё не отмеченные в журнале, и только после этого меняет статус.
func (s *Service) Decide(ctx context.Context, id string, decision domain.Decision, reason string) ([]domain.PublishReport, error) {
	candidate, err := s.candidates.GetCandidate(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("получение кандидата: %w", err)
	}
	if candidate.Status != domain.CandidatePending {
		return nil, ErrStaleDecision
	}

	switch decision {
	case domain.DecisionReject:
		ok, err := s.candidates.UpdatePendingStatus(ctx, id, domain.CandidateRejected, reason)
		if err != nil {
			return nil, fmt.Errorf("отклонение кандидата: %w", err)
		}
		if !ok {
			return nil, ErrStaleDecision
		}
		metrics.IncDecision(string(domain.CandidateRejected))
		return nil, nil
	case domain.DecisionApprove:
		reports := s.publishCandidate(ctx, candidate)
		ok, err := s.candidates.UpdatePendingStatus(ctx, id, domain.CandidateApproved, "")
		if err != nil {
			return reports, fmt.Errorf("утверждение кандидата: %w", err)
		}
		if !ok {
			// Конкурирующее решение успело раньше; журнал уже защитил от дублей.
			return reports, ErrStaleDecision
		}
		metrics.IncDecision(string(domain.CandidateApproved))
		return reports, nil
	default:
		return nil, fmt.Errorf("неизвестное решение %q", decision)
	}
}

// Cancel снимает кандидата с публикации.
func (s *Service) Cancel(ctx context.Context, id string) error {
	ok, err := s.candidates.UpdatePendingStatus(ctx, id, domain.CandidateCancelled, "")
	if err != nil {
		return fmt.Errorf("отмена кандидата: %w", err)
	}
	if !ok {
		return ErrStaleDecision
	}
	metrics.IncDecision(string(domain.CandidateCancelled))
	return nil
}

// ReplaceText заменяет текст кандидата, статус остаётся pending.
func (s *Service) ReplaceText(ctx context.Context, id, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("пустой текст поста")
	}
	ok, err := s.candidates.UpdatePendingText(ctx, id, text)
	if err != nil {
		return fmt.Errorf("замена текста: %w", err)
	}
	if !ok {
		return ErrStaleDecision
	}
	return nil
}

// Regenerate просит рерайтер переписать черновик и сохраняет новый текст.
func (s *Service) Regenerate(ctx context.Context, id, instruction string) (domain.PostCandidate, error) {
	candidate, err := s.candidates.GetCandidate(ctx, id)
	if err != nil {
		return domain.PostCandidate{}, fmt.Errorf("получение кандидата: %w", err)
	}
	if candidate.Status != domain.CandidatePending {
		return domain.PostCandidate{}, ErrStaleDecision
	}
	client, err := s.clients.GetClient(ctx, candidate.ClientID)
	if err != nil {
		return domain.PostCandidate{}, fmt.Errorf("получение клиента: %w", err)
	}
	text, err := s.rewriter.Rewrite(ctx, client, candidate.Text, instruction)
	if err != nil {
		return domain.PostCandidate{}, fmt.Errorf("рерайт поста: %w", err)
	}
	if err := s.ReplaceText(ctx, id, text); err != nil {
		return domain.PostCandidate{}, err
	}
	candidate.Text = strings.TrimSpace(text)
	return candidate, nil
}

// publishCandidate публикует текст на каждую площадку кандидата.
// Ошибка одной площадки не мешает остальным.
func (s *Service) publishCandidate(ctx context.Context, candidate domain.PostCandidate) []domain.PublishReport {
	textHash := domain.HashText(candidate.Text)
	reports := make([]domain.PublishReport, 0, len(candidate.Platforms))
	for _, platform := range candidate.Platforms {
		report := domain.PublishReport{Platform: platform}
		publisher, ok := s.publishers[platform]
		if !ok {
			report.Err = fmt.Errorf("площадка %s не настроена", platform)
			reports = append(reports, report)
			continue
		}

		published, err := s.ledger.WasPublished(ctx, candidate.ClientID, platform, textHash)
		if err != nil {
			report.Err = fmt.Errorf("проверка журнала: %w", err)
			reports = append(reports, report)
			continue
		}
		if published {
			report.Duplicate = true
			metrics.IncPublishDuplicate()
			reports = append(reports, report)
			continue
		}

		if s.dryRun {
			report.ExternalID = "dry-run"
			reports = append(reports, report)
			continue
		}

		externalID, err := publisher.Publish(ctx, candidate.Text, candidate.MediaURL)
		metrics.IncPublish(platform, err)
		if err != nil {
			report.Err = err
			reports = append(reports, report)
			continue
		}
		report.ExternalID = externalID

		inserted, err := s.ledger.RecordPublish(ctx, domain.LedgerEntry{
			ClientID:    candidate.ClientID,
			Platform:    platform,
			TemplateKey: candidate.TemplateKey,
			TextHash:    textHash,
			ExternalID:  externalID,
		})
		if err != nil {
			report.Err = fmt.Errorf("запись в журнал: %w", err)
		} else if !inserted {
			report.Duplicate = true
			metrics.IncPublishDuplicate()
		}
		reports = append(reports, report)
	}
	return reports
}

// targetPlatforms возвращает площадки шаблона, для которых настроен publisher.
// Шаблон без списка площадок публикуется на все настроенные.
func (s *Service) targetPlatforms(tpl domain.Template) []string {
	if len(tpl.Platforms) == 0 {
		all := make([]string, 0, len(s.publishers))
		for platform := range s.publishers {
			all = append(all, platform)
		}
		sort.Strings(all)
		return all
	}
	var out []string
	for _, platform := range tpl.Platforms {
		if _, ok := s.publishers[platform]; ok {
			out = append(out, platform)
		}
	}
	return out
}

// mediaFor подбирает медиа для поста из бренд-профиля клиента.
func (s *Service) mediaFor(client domain.Client) string {
	if url := client.Attr("hero_image_url"); url != "" {
		return url
	}
	if url := client.Attr("logo_url"); url != "" {
		return url
	}
	return s.fallbackMedia
}
