package sweeper

import (
	"context"
	"fmt"
	"testing"
	"time"

	"smm-post-bot/internal/domain"
	"smm-post-bot/internal/usecase/candidate"
)

type memCandidates struct {
	byID map[string]*domain.PostCandidate
	seq  int
}

func newMemCandidates() *memCandidates {
	return &memCandidates{byID: make(map[string]*domain.PostCandidate)}
}

func (m *memCandidates) add(c domain.PostCandidate) domain.PostCandidate {
	if c.ID == "" {
		m.seq++
		c.ID = fmt.Sprintf("cand-%d", m.seq)
	}
	if c.Status == "" {
		c.Status = domain.CandidatePending
	}
	stored := c
	m.byID[c.ID] = &stored
	return c
}

func (m *memCandidates) CreateCandidate(_ context.Context, c domain.PostCandidate) (domain.PostCandidate, error) {
	return m.add(c), nil
}

func (m *memCandidates) GetCandidate(_ context.Context, id string) (domain.PostCandidate, error) {
	stored, ok := m.byID[id]
	if !ok {
		return domain.PostCandidate{}, fmt.Errorf("кандидат %s не найден", id)
	}
	return *stored, nil
}

func (m *memCandidates) UpdatePendingStatus(_ context.Context, id string, to domain.CandidateStatus, reason string) (bool, error) {
	stored, ok := m.byID[id]
	if !ok || stored.Status != domain.CandidatePending {
		return false, nil
	}
	stored.Status = to
	stored.RejectReason = reason
	return true, nil
}

func (m *memCandidates) UpdatePendingText(_ context.Context, id, text string) (bool, error) {
	stored, ok := m.byID[id]
	if !ok || stored.Status != domain.CandidatePending {
		return false, nil
	}
	stored.Text = text
	return true, nil
}

func (m *memCandidates) SetCandidateChannelRef(_ context.Context, id, ref string) error {
	stored, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("кандидат %s не найден", id)
	}
	stored.SetChannelRef(ref)
	return nil
}

func (m *memCandidates) ListPendingCandidates(context.Context) ([]domain.PostCandidate, error) {
	var out []domain.PostCandidate
	for _, stored := range m.byID {
		if stored.Status == domain.CandidatePending {
			out = append(out, *stored)
		}
	}
	return out, nil
}

func (m *memCandidates) ListPendingBefore(_ context.Context, cutoff time.Time) ([]domain.PostCandidate, error) {
	var out []domain.PostCandidate
	for _, stored := range m.byID {
		if stored.Status == domain.CandidatePending && !stored.SlotTime.After(cutoff) {
			out = append(out, *stored)
		}
	}
	return out, nil
}

func (m *memCandidates) ListRejectedSince(context.Context, time.Time, string) ([]domain.PostCandidate, error) {
	return nil, nil
}

type stubClients struct {
	clients map[string]domain.Client
}

func (s *stubClients) ListClients(context.Context) ([]domain.Client, error) { return nil, nil }

func (s *stubClients) GetClient(_ context.Context, id string) (domain.Client, error) {
	client, ok := s.clients[id]
	if !ok {
		return domain.Client{}, fmt.Errorf("клиент %s не найден", id)
	}
	return client, nil
}

func (s *stubClients) ListUpgradedSince(context.Context, time.Time) ([]domain.Client, error) {
	return nil, nil
}

type stubPicker struct {
	tpl domain.Template
	err error
}

func (s *stubPicker) PickTemplate(context.Context, domain.Client, time.Time) (domain.Template, error) {
	return s.tpl, s.err
}

// fakeDecider отражает решения в общем хранилище кандидатов.
type fakeDecider struct {
	candidates *memCandidates
	approved   []string
	drafted    []domain.PostCandidate
	decideErr  error
}

func (f *fakeDecider) Decide(ctx context.Context, id string, decision domain.Decision, reason string) ([]domain.PublishReport, error) {
	if f.decideErr != nil {
		return nil, f.decideErr
	}
	status := domain.CandidateApproved
	if decision == domain.DecisionReject {
		status = domain.CandidateRejected
	}
	ok, err := f.candidates.UpdatePendingStatus(ctx, id, status, reason)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, candidate.ErrStaleDecision
	}
	f.approved = append(f.approved, id)
	return nil, nil
}

func (f *fakeDecider) CreateDraft(ctx context.Context, client domain.Client, tpl domain.Template, slotTime time.Time, cause domain.SlotJobCause) (domain.PostCandidate, error) {
	draft := domain.PostCandidate{
		ClientID:    client.ID,
		TemplateKey: tpl.Key,
		Category:    tpl.Category,
		Text:        tpl.Body,
		SlotTime:    slotTime,
		Status:      domain.CandidatePending,
		Metadata:    map[string]any{"cause": string(cause)},
	}
	created, err := f.candidates.CreateCandidate(ctx, draft)
	if err != nil {
		return domain.PostCandidate{}, err
	}
	f.drafted = append(f.drafted, created)
	return created, nil
}

func clientWithPolicy(id string, policy domain.TimeoutPolicy) domain.Client {
	return domain.Client{ID: id, Name: "Harbour Dental", TimeoutPolicy: policy}
}

func newTestSweeper(clients map[string]domain.Client) (*Service, *memCandidates, *fakeDecider) {
	candidates := newMemCandidates()
	decider := &fakeDecider{candidates: candidates}
	picker := &stubPicker{tpl: domain.Template{Key: "edu_fresh", Category: domain.CategoryEducational, Body: "Fresh tip."}}
	defaults := domain.ClientPolicy{
		ApprovalMode:  domain.ApprovalManual,
		TimeoutPolicy: domain.TimeoutAutoCancel,
		CooldownDays:  14,
		MonthlyCap:    2,
	}
	svc := NewService(&stubClients{clients: clients}, candidates, picker, decider, defaults, 90*time.Minute)
	return svc, candidates, decider
}

func TestSweepAutoCancelMarksTimeout(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	svc, candidates, decider := newTestSweeper(map[string]domain.Client{
		"c1": clientWithPolicy("c1", ""),
	})
	stale := candidates.add(domain.PostCandidate{ClientID: "c1", SlotTime: now.Add(-2 * time.Hour)})

	swept, err := svc.Sweep(context.Background(), now)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if swept != 1 {
		t.Fatalf("ожидали один разобранный кандидат, получили %d", swept)
	}
	stored, _ := candidates.GetCandidate(context.Background(), stale.ID)
	if stored.Status != domain.CandidateTimeout {
		t.Fatalf("ожидали статус timeout, получили %s", stored.Status)
	}
	if len(decider.approved) != 0 {
		t.Fatalf("auto_cancel не должен публиковать")
	}
}

func TestSweepAutoPostApproves(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	svc, candidates, decider := newTestSweeper(map[string]domain.Client{
		"c1": clientWithPolicy("c1", domain.TimeoutAutoPost),
	})
	stale := candidates.add(domain.PostCandidate{ClientID: "c1", SlotTime: now.Add(-2 * time.Hour)})

	swept, err := svc.Sweep(context.Background(), now)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if swept != 1 {
		t.Fatalf("ожидали один разобранный кандидат, получили %d", swept)
	}
	stored, _ := candidates.GetCandidate(context.Background(), stale.ID)
	if stored.Status != domain.CandidateApproved {
		t.Fatalf("auto_post публикует как есть, статус %s", stored.Status)
	}
	if len(decider.approved) != 1 || decider.approved[0] != stale.ID {
		t.Fatalf("ожидали утверждение исходного кандидата: %v", decider.approved)
	}
}

func TestSweepFallbackReplacesCandidate(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	svc, candidates, decider := newTestSweeper(map[string]domain.Client{
		"c1": clientWithPolicy("c1", domain.TimeoutFallback),
	})
	stale := candidates.add(domain.PostCandidate{ClientID: "c1", TemplateKey: "edu_old", SlotTime: now.Add(-2 * time.Hour)})

	swept, err := svc.Sweep(context.Background(), now)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if swept != 1 {
		t.Fatalf("ожидали один разобранный кандидат, получили %d", swept)
	}
	stored, _ := candidates.GetCandidate(context.Background(), stale.ID)
	if stored.Status != domain.CandidateTimeout {
		t.Fatalf("исходный кандидат помечается timeout, статус %s", stored.Status)
	}
	if len(decider.drafted) != 1 {
		t.Fatalf("ожидали ровно одну замену, получили %d", len(decider.drafted))
	}
	replacement := decider.drafted[0]
	if replacement.TemplateKey != "edu_fresh" {
		t.Fatalf("замена берёт свежий шаблон, получили %s", replacement.TemplateKey)
	}
	if cause, _ := replacement.Metadata["cause"].(string); cause != string(domain.SlotCauseSweep) {
		t.Fatalf("замена должна помечаться причиной sweep, получили %q", cause)
	}
	storedReplacement, _ := candidates.GetCandidate(context.Background(), replacement.ID)
	if storedReplacement.Status != domain.CandidateApproved {
		t.Fatalf("замена публикуется сразу, статус %s", storedReplacement.Status)
	}
}

func TestSweepSkipsFreshPending(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	svc, candidates, _ := newTestSweeper(map[string]domain.Client{
		"c1": clientWithPolicy("c1", ""),
	})
	fresh := candidates.add(domain.PostCandidate{ClientID: "c1", SlotTime: now.Add(-10 * time.Minute)})

	swept, err := svc.Sweep(context.Background(), now)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if swept != 0 {
		t.Fatalf("кандидат в пределах grace не трогается, разобрано %d", swept)
	}
	stored, _ := candidates.GetCandidate(context.Background(), fresh.ID)
	if stored.Status != domain.CandidatePending {
		t.Fatalf("ожидали статус pending, получили %s", stored.Status)
	}
}

func TestSweepTreatsLostRaceAsResolved(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	svc, candidates, decider := newTestSweeper(map[string]domain.Client{
		"c1": clientWithPolicy("c1", domain.TimeoutAutoPost),
	})
	candidates.add(domain.PostCandidate{ClientID: "c1", SlotTime: now.Add(-2 * time.Hour)})
	// Решение приняли между выборкой и обработкой.
	decider.decideErr = candidate.ErrStaleDecision

	swept, err := svc.Sweep(context.Background(), now)
	if err != nil {
		t.Fatalf("гонка с ручным решением не ошибка: %v", err)
	}
	if swept != 0 {
		t.Fatalf("чужое решение не засчитывается, разобрано %d", swept)
	}
}

func TestSweepContinuesAfterBrokenCandidate(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	svc, candidates, _ := newTestSweeper(map[string]domain.Client{
		"c1": clientWithPolicy("c1", ""),
	})
	candidates.add(domain.PostCandidate{ID: "orphan", ClientID: "ghost", SlotTime: now.Add(-2 * time.Hour)})
	healthy := candidates.add(domain.PostCandidate{ClientID: "c1", SlotTime: now.Add(-2 * time.Hour)})

	swept, err := svc.Sweep(context.Background(), now)
	if err == nil {
		t.Fatalf("ожидали ошибку по кандидату без клиента")
	}
	if swept != 1 {
		t.Fatalf("здоровый кандидат всё равно разбирается, получили %d", swept)
	}
	stored, _ := candidates.GetCandidate(context.Background(), healthy.ID)
	if stored.Status != domain.CandidateTimeout {
		t.Fatalf("ожидали статус timeout, получили %s", stored.Status)
	}
}
