package candidate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"smm-post-bot/internal/domain"
)

type memCandidates struct {
	byID map[string]*domain.PostCandidate
	seq  int
}

func newMemCandidates() *memCandidates {
	return &memCandidates{byID: make(map[string]*domain.PostCandidate)}
}

func (m *memCandidates) CreateCandidate(_ context.Context, c domain.PostCandidate) (domain.PostCandidate, error) {
	if c.ID == "" {
		m.seq++
		c.ID = fmt.Sprintf("cand-%d", m.seq)
	}
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = c.CreatedAt
	stored := c
	m.byID[c.ID] = &stored
	return c, nil
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
	stored.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *memCandidates) UpdatePendingText(_ context.Context, id, text string) (bool, error) {
	stored, ok := m.byID[id]
	if !ok || stored.Status != domain.CandidatePending {
		return false, nil
	}
	stored.Text = text
	stored.UpdatedAt = time.Now().UTC()
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

func (m *memCandidates) ListRejectedSince(_ context.Context, since time.Time, clientID string) ([]domain.PostCandidate, error) {
	var out []domain.PostCandidate
	for _, stored := range m.byID {
		if stored.Status != domain.CandidateRejected || stored.UpdatedAt.Before(since) {
			continue
		}
		if clientID != "" && stored.ClientID != clientID {
			continue
		}
		out = append(out, *stored)
	}
	return out, nil
}

type memLedger struct {
	entries []domain.LedgerEntry
}

func (m *memLedger) RecordPublish(_ context.Context, entry domain.LedgerEntry) (bool, error) {
	for _, existing := range m.entries {
		if existing.ClientID == entry.ClientID && existing.Platform == entry.Platform && existing.TextHash == entry.TextHash {
			return false, nil
		}
	}
	if entry.PostedAt.IsZero() {
		entry.PostedAt = time.Now().UTC()
	}
	m.entries = append(m.entries, entry)
	return true, nil
}

func (m *memLedger) WasPublished(_ context.Context, clientID, platform, textHash string) (bool, error) {
	for _, existing := range m.entries {
		if existing.ClientID == clientID && existing.Platform == platform && existing.TextHash == textHash {
			return true, nil
		}
	}
	return false, nil
}

func (m *memLedger) CountPublishedSince(_ context.Context, clientID string, since time.Time) (int, error) {
	seen := make(map[string]struct{})
	for _, existing := range m.entries {
		if existing.ClientID == clientID && !existing.PostedAt.Before(since) {
			seen[existing.TextHash] = struct{}{}
		}
	}
	return len(seen), nil
}

func (m *memLedger) LastPublishedAt(_ context.Context, clientID string) (*time.Time, error) {
	var last *time.Time
	for _, existing := range m.entries {
		if existing.ClientID != clientID {
			continue
		}
		ts := existing.PostedAt
		if last == nil || ts.After(*last) {
			last = &ts
		}
	}
	return last, nil
}

func (m *memLedger) RecentTemplateKeys(context.Context, string, int) ([]string, error) {
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

type stubRenderer struct{}

func (stubRenderer) Render(tpl domain.Template, _ domain.Client) (string, error) {
	return tpl.Body, nil
}

type stubApproval struct {
	err      error
	notified []domain.PostCandidate
}

func (s *stubApproval) Notify(_ context.Context, _ domain.Client, candidate domain.PostCandidate) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.notified = append(s.notified, candidate)
	return fmt.Sprintf("msg-%d", len(s.notified)), nil
}

type stubRewriter struct {
	err error
}

func (s *stubRewriter) Rewrite(_ context.Context, _ domain.Client, draft, instruction string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if instruction != "" {
		return draft + " // " + instruction, nil
	}
	return draft + " (reworked)", nil
}

type stubPublisher struct {
	platform  string
	err       error
	published []string
}

func (s *stubPublisher) Platform() string { return s.platform }

func (s *stubPublisher) Publish(_ context.Context, text, _ string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.published = append(s.published, text)
	return fmt.Sprintf("%s-ext-%d", s.platform, len(s.published)), nil
}

type testEnv struct {
	svc        *Service
	candidates *memCandidates
	ledger     *memLedger
	approval   *stubApproval
	telegram   *stubPublisher
	x          *stubPublisher
}

func manualClient() domain.Client {
	return domain.Client{ID: "c1", Name: "Harbour Dental", Website: "https://harbour.example"}
}

func testTemplate() domain.Template {
	return domain.Template{
		Key:       "edu_a",
		Category:  domain.CategoryEducational,
		Platforms: []string{"telegram", "x"},
		Body:      "Did you know? Something useful.",
	}
}

func newTestEnv(t *testing.T, dryRun bool) *testEnv {
	t.Helper()
	env := &testEnv{
		candidates: newMemCandidates(),
		ledger:     &memLedger{},
		approval:   &stubApproval{},
		telegram:   &stubPublisher{platform: "telegram"},
		x:          &stubPublisher{platform: "x"},
	}
	clients := &stubClients{clients: map[string]domain.Client{"c1": manualClient()}}
	defaults := domain.ClientPolicy{
		ApprovalMode:  domain.ApprovalManual,
		TimeoutPolicy: domain.TimeoutAutoCancel,
		CooldownDays:  14,
		MonthlyCap:    2,
	}
	env.svc = NewService(clients, env.candidates, env.ledger, stubRenderer{}, env.approval, &stubRewriter{}, []domain.Publisher{env.telegram, env.x}, defaults, "https://cdn.example/fallback.jpg", dryRun)
	return env
}

func TestCreateForSlotManualNotifiesAndWaits(t *testing.T) {
	env := newTestEnv(t, false)
	slotTime := time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)

	created, err := env.svc.CreateForSlot(context.Background(), manualClient(), testTemplate(), slotTime, domain.SlotCauseScheduled)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	stored, err := env.candidates.GetCandidate(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if stored.Status != domain.CandidatePending {
		t.Fatalf("ручной клиент должен ждать решения, статус %s", stored.Status)
	}
	if len(env.approval.notified) != 1 {
		t.Fatalf("ожидали одно уведомление, получили %d", len(env.approval.notified))
	}
	if stored.ChannelRef() != "msg-1" {
		t.Fatalf("ссылка канала должна сохраняться, получили %q", stored.ChannelRef())
	}
	if len(env.telegram.published)+len(env.x.published) != 0 {
		t.Fatalf("до решения публиковать нельзя")
	}
}

func TestCreateForSlotAutoPublishesImmediately(t *testing.T) {
	env := newTestEnv(t, false)
	client := manualClient()
	client.ApprovalMode = domain.ApprovalAuto
	slotTime := time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)

	created, err := env.svc.CreateForSlot(context.Background(), client, testTemplate(), slotTime, domain.SlotCauseScheduled)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	stored, _ := env.candidates.GetCandidate(context.Background(), created.ID)
	if stored.Status != domain.CandidateApproved {
		t.Fatalf("auto-клиент должен публиковаться сразу, статус %s", stored.Status)
	}
	if len(env.telegram.published) != 1 || len(env.x.published) != 1 {
		t.Fatalf("ожидали публикацию на обе площадки: tg=%d, x=%d", len(env.telegram.published), len(env.x.published))
	}
	if len(env.ledger.entries) != 2 {
		t.Fatalf("ожидали две записи журнала, получили %d", len(env.ledger.entries))
	}
}

func TestDecideApprovePublishesThenMarks(t *testing.T) {
	env := newTestEnv(t, false)
	created, err := env.svc.CreateForSlot(context.Background(), manualClient(), testTemplate(), time.Now(), domain.SlotCauseScheduled)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	reports, err := env.svc.Decide(context.Background(), created.ID, domain.DecisionApprove, "")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("ожидали отчёт по двум площадкам, получили %d", len(reports))
	}
	for _, report := range reports {
		if report.Err != nil || report.ExternalID == "" {
			t.Fatalf("неожиданный отчёт: %+v", report)
		}
	}
	stored, _ := env.candidates.GetCandidate(context.Background(), created.ID)
	if stored.Status != domain.CandidateApproved {
		t.Fatalf("ожидали статус approved, получили %s", stored.Status)
	}
	if len(env.ledger.entries) != 2 {
		t.Fatalf("ожидали две записи журнала, получили %d", len(env.ledger.entries))
	}
}

func TestDecideApproveSkipsAlreadyPublishedPlatform(t *testing.T) {
	env := newTestEnv(t, false)
	tpl := testTemplate()
	created, err := env.svc.CreateForSlot(context.Background(), manualClient(), tpl, time.Now(), domain.SlotCauseScheduled)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	// Телеграм уже получил этот текст раньше.
	if _, err := env.ledger.RecordPublish(context.Background(), domain.LedgerEntry{
		ClientID: "c1",
		Platform: "telegram",
		TextHash: domain.HashText(tpl.Body),
	}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	reports, err := env.svc.Decide(context.Background(), created.ID, domain.DecisionApprove, "")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(env.telegram.published) != 0 {
		t.Fatalf("повторная публикация в телеграм не должна выполняться")
	}
	if len(env.x.published) != 1 {
		t.Fatalf("вторая площадка должна публиковаться, получили %d", len(env.x.published))
	}
	var tgReport domain.PublishReport
	for _, report := range reports {
		if report.Platform == "telegram" {
			tgReport = report
		}
	}
	if !tgReport.Duplicate {
		t.Fatalf("отчёт телеграма должен помечаться дублем: %+v", tgReport)
	}
}

func TestDecideOnResolvedCandidateIsStale(t *testing.T) {
	env := newTestEnv(t, false)
	created, err := env.svc.CreateForSlot(context.Background(), manualClient(), testTemplate(), time.Now(), domain.SlotCauseScheduled)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if _, err := env.svc.Decide(context.Background(), created.ID, domain.DecisionApprove, ""); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	_, err = env.svc.Decide(context.Background(), created.ID, domain.DecisionReject, "поздно")
	if !errors.Is(err, ErrStaleDecision) {
		t.Fatalf("ожидали ErrStaleDecision, получили %v", err)
	}
	stored, _ := env.candidates.GetCandidate(context.Background(), created.ID)
	if stored.Status != domain.CandidateApproved || stored.RejectReason != "" {
		t.Fatalf("повторное решение не должно менять кандидата: %+v", stored)
	}
}

func TestDecideRejectStoresReasonVerbatim(t *testing.T) {
	env := newTestEnv(t, false)
	created, err := env.svc.CreateForSlot(context.Background(), manualClient(), testTemplate(), time.Now(), domain.SlotCauseScheduled)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	reason := "Too pushy, feels SALESY!!"
	if _, err := env.svc.Decide(context.Background(), created.ID, domain.DecisionReject, reason); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	stored, _ := env.candidates.GetCandidate(context.Background(), created.ID)
	if stored.Status != domain.CandidateRejected {
		t.Fatalf("ожидали статус rejected, получили %s", stored.Status)
	}
	if stored.RejectReason != reason {
		t.Fatalf("причина должна храниться дословно: %q", stored.RejectReason)
	}
	if len(env.telegram.published)+len(env.x.published) != 0 {
		t.Fatalf("отклонение не должно публиковать")
	}
}

func TestDecidePublishErrorDoesNotBlockSiblings(t *testing.T) {
	env := newTestEnv(t, false)
	env.telegram.err = errors.New("telegram недоступен")
	created, err := env.svc.CreateForSlot(context.Background(), manualClient(), testTemplate(), time.Now(), domain.SlotCauseScheduled)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	reports, err := env.svc.Decide(context.Background(), created.ID, domain.DecisionApprove, "")
	if err != nil {
		t.Fatalf("ошибки площадок не должны ронять утверждение: %v", err)
	}
	if len(env.x.published) != 1 {
		t.Fatalf("вторая площадка должна публиковаться")
	}
	var tgReport, xReport domain.PublishReport
	for _, report := range reports {
		switch report.Platform {
		case "telegram":
			tgReport = report
		case "x":
			xReport = report
		}
	}
	if tgReport.Err == nil {
		t.Fatalf("ошибка телеграма должна попадать в отчёт")
	}
	if xReport.Err != nil || xReport.ExternalID == "" {
		t.Fatalf("неожиданный отчёт второй площадки: %+v", xReport)
	}
	stored, _ := env.candidates.GetCandidate(context.Background(), created.ID)
	if stored.Status != domain.CandidateApproved {
		t.Fatalf("частичный успех всё равно утверждает кандидата, статус %s", stored.Status)
	}
	if len(env.ledger.entries) != 1 {
		t.Fatalf("в журнале только успешная площадка, получили %d", len(env.ledger.entries))
	}
}

func TestSubmitChannelFailureFallsBackToPublish(t *testing.T) {
	env := newTestEnv(t, false)
	env.approval.err = errors.New("канал согласования недоступен")

	created, err := env.svc.CreateForSlot(context.Background(), manualClient(), testTemplate(), time.Now(), domain.SlotCauseScheduled)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	stored, _ := env.candidates.GetCandidate(context.Background(), created.ID)
	if stored.Status != domain.CandidateApproved {
		t.Fatalf("при сбое канала слот публикуется напрямую, статус %s", stored.Status)
	}
	if len(env.telegram.published) != 1 || len(env.x.published) != 1 {
		t.Fatalf("ожидали прямую публикацию: tg=%d, x=%d", len(env.telegram.published), len(env.x.published))
	}
}

func TestReplaceTextKeepsPending(t *testing.T) {
	env := newTestEnv(t, false)
	created, err := env.svc.CreateForSlot(context.Background(), manualClient(), testTemplate(), time.Now(), domain.SlotCauseScheduled)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	if err := env.svc.ReplaceText(context.Background(), created.ID, "  Fresh copy.  "); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	stored, _ := env.candidates.GetCandidate(context.Background(), created.ID)
	if stored.Status != domain.CandidatePending {
		t.Fatalf("замена текста не меняет статус, получили %s", stored.Status)
	}
	if stored.Text != "Fresh copy." {
		t.Fatalf("текст должен обновиться, получили %q", stored.Text)
	}
}

func TestRegenerateRewritesDraft(t *testing.T) {
	env := newTestEnv(t, false)
	created, err := env.svc.CreateForSlot(context.Background(), manualClient(), testTemplate(), time.Now(), domain.SlotCauseScheduled)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	updated, err := env.svc.Regenerate(context.Background(), created.ID, "make it shorter")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !strings.Contains(updated.Text, "make it shorter") {
		t.Fatalf("рерайтер должен получать инструкцию, текст %q", updated.Text)
	}
	stored, _ := env.candidates.GetCandidate(context.Background(), created.ID)
	if stored.Status != domain.CandidatePending {
		t.Fatalf("после рерайта кандидат остаётся pending, статус %s", stored.Status)
	}
}

func TestCancelPendingCandidate(t *testing.T) {
	env := newTestEnv(t, false)
	created, err := env.svc.CreateForSlot(context.Background(), manualClient(), testTemplate(), time.Now(), domain.SlotCauseScheduled)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	if err := env.svc.Cancel(context.Background(), created.ID); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	stored, _ := env.candidates.GetCandidate(context.Background(), created.ID)
	if stored.Status != domain.CandidateCancelled {
		t.Fatalf("ожидали статус cancelled, получили %s", stored.Status)
	}
	if err := env.svc.Cancel(context.Background(), created.ID); !errors.Is(err, ErrStaleDecision) {
		t.Fatalf("повторная отмена должна быть stale, получили %v", err)
	}
}

func TestDryRunSkipsPublishAndLedger(t *testing.T) {
	env := newTestEnv(t, true)
	created, err := env.svc.CreateForSlot(context.Background(), manualClient(), testTemplate(), time.Now(), domain.SlotCauseScheduled)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	reports, err := env.svc.Decide(context.Background(), created.ID, domain.DecisionApprove, "")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(env.telegram.published)+len(env.x.published) != 0 {
		t.Fatalf("в dry-run публиковать нельзя")
	}
	if len(env.ledger.entries) != 0 {
		t.Fatalf("в dry-run журнал не пишется")
	}
	for _, report := range reports {
		if report.ExternalID != "dry-run" {
			t.Fatalf("неожиданный отчёт dry-run: %+v", report)
		}
	}
	stored, _ := env.candidates.GetCandidate(context.Background(), created.ID)
	if stored.Status != domain.CandidateApproved {
		t.Fatalf("dry-run всё равно завершает состояние, статус %s", stored.Status)
	}
}

func TestCreateDraftUsesFallbackMedia(t *testing.T) {
	env := newTestEnv(t, false)
	client := manualClient()
	created, err := env.svc.CreateDraft(context.Background(), client, testTemplate(), time.Now(), domain.SlotCauseScheduled)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if created.MediaURL != "https://cdn.example/fallback.jpg" {
		t.Fatalf("без бренд-медиа берётся запасная картинка, получили %q", created.MediaURL)
	}

	client.Attributes = map[string]any{"logo_url": "https://cdn.example/logo.png"}
	created, err = env.svc.CreateDraft(context.Background(), client, testTemplate(), time.Now(), domain.SlotCauseScheduled)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if created.MediaURL != "https://cdn.example/logo.png" {
		t.Fatalf("логотип важнее запасной картинки, получили %q", created.MediaURL)
	}
}
