package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"smm-post-bot/internal/domain"
	"smm-post-bot/internal/infra/metrics"
	"smm-post-bot/internal/usecase/candidate"
	"smm-post-bot/internal/usecase/learner"
)

const pendingPreviewLimit = 10

// Handler обслуживает операторский чат согласования.
type Handler struct {
	bot           *tgbotapi.BotAPI
	log           zerolog.Logger
	candidateUC   *candidate.Service
	learnerUC     *learner.Service
	clients       domain.ClientRepo
	candidates    domain.CandidateRepo
	jobs          domain.SlotQueue
	mu            sync.Mutex
	pendingReason map[int64]string
	pendingCustom map[int64]string
}

// NewHandler создаёт обработчик операторского чата.
func NewHandler(bot *tgbotapi.BotAPI, log zerolog.Logger, candidateUC *candidate.Service, learnerUC *learner.Service, clients domain.ClientRepo, candidates domain.CandidateRepo, jobs domain.SlotQueue) *Handler {
	return &Handler{
		bot:           bot,
		log:           log,
		candidateUC:   candidateUC,
		learnerUC:     learnerUC,
		clients:       clients,
		candidates:    candidates,
		jobs:          jobs,
		pendingReason: make(map[int64]string),
		pendingCustom: make(map[int64]string),
	}
}

// HandleUpdate обрабатывает входящий апдейт.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	if upd.Message != nil {
		h.handleMessage(ctx, upd.Message)
	} else if upd.CallbackQuery != nil {
		h.handleCallback(ctx, upd.CallbackQuery)
	}
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if msg.From != nil && !strings.HasPrefix(text, "/") {
		if h.tryHandleReasonInput(ctx, msg.Chat.ID, msg.From.ID, text) {
			return
		}
		if h.tryHandleCustomInput(ctx, msg.Chat.ID, msg.From.ID, text) {
			return
		}
	}
	switch {
	case strings.HasPrefix(text, "/start"), strings.HasPrefix(text, "/help"):
		h.reply(msg.Chat.ID, buildHelpMessage(), nil)
	case strings.HasPrefix(text, "/pending"):
		h.handlePending(ctx, msg.Chat.ID)
	case strings.HasPrefix(text, "/post_now"):
		payload := strings.TrimSpace(strings.TrimPrefix(text, "/post_now"))
		h.handlePostNow(ctx, msg.Chat.ID, payload)
	case strings.HasPrefix(text, "/suggestions"):
		h.handleSuggestions(ctx, msg.Chat.ID)
	case strings.HasPrefix(text, "/skip"):
		if msg.From != nil {
			h.handleSkipReason(ctx, msg.Chat.ID, msg.From.ID)
		}
	default:
		h.reply(msg.Chat.ID, "Unknown command. Try /help", nil)
	}
}

func (h *Handler) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	action, id := splitAction(cb.Data)
	switch action {
	case "approve":
		h.handleApprove(ctx, cb.Message.Chat.ID, id)
	case "reject":
		h.setPendingReason(cb.From.ID, id)
		h.reply(cb.Message.Chat.ID, "Why reject it? Send a short reason, or /skip", nil)
	case "regen":
		h.handleRegenerate(ctx, cb.Message.Chat.ID, id, "")
	case "custom":
		h.setPendingCustom(cb.From.ID, id)
		h.reply(cb.Message.Chat.ID, "Send the instruction for the rewrite, e.g. \"more casual, mention the weekend offer\"", nil)
	}
	start := time.Now()
	_, err := h.bot.Request(tgbotapi.NewCallback(cb.ID, ""))
	metrics.ObserveNetworkRequest("telegram_bot", "answer_callback", strconv.FormatInt(cb.From.ID, 10), start, err)
	if err != nil {
		h.log.Error().Err(err).Msg("не удалось ответить на callback")
	}
}

func (h *Handler) handleApprove(ctx context.Context, chatID int64, id string) {
	reports, err := h.candidateUC.Decide(ctx, id, domain.DecisionApprove, "")
	if err != nil {
		if errors.Is(err, candidate.ErrStaleDecision) {
			h.reply(chatID, "This one was already handled.", nil)
			return
		}
		h.reply(chatID, fmt.Sprintf("Approve failed: %v", err), nil)
		return
	}
	h.reply(chatID, h.buildPublishSummary(ctx, id, reports), nil)
}

func (h *Handler) handleRegenerate(ctx context.Context, chatID int64, id, instruction string) {
	updated, err := h.candidateUC.Regenerate(ctx, id, instruction)
	if err != nil {
		if errors.Is(err, candidate.ErrStaleDecision) {
			h.reply(chatID, "This one was already handled.", nil)
			return
		}
		h.reply(chatID, fmt.Sprintf("Rewrite failed: %v", err), nil)
		return
	}
	client, err := h.clients.GetClient(ctx, updated.ClientID)
	if err != nil {
		h.reply(chatID, fmt.Sprintf("Rewrite saved, but the preview failed: %v", err), nil)
		return
	}
	h.sendPreview(chatID, client, updated)
}

func (h *Handler) handlePending(ctx context.Context, chatID int64) {
	pending, err := h.candidates.ListPendingCandidates(ctx)
	if err != nil {
		h.reply(chatID, fmt.Sprintf("Failed to list candidates: %v", err), nil)
		return
	}
	if len(pending) == 0 {
		h.reply(chatID, "No candidates waiting for review.", nil)
		return
	}
	shown := pending
	if len(shown) > pendingPreviewLimit {
		shown = shown[:pendingPreviewLimit]
	}
	for _, cand := range shown {
		client, err := h.clients.GetClient(ctx, cand.ClientID)
		if err != nil {
			h.log.Error().Err(err).Str("client", cand.ClientID).Msg("не удалось получить клиента для превью")
			continue
		}
		h.sendPreview(chatID, client, cand)
	}
	if len(pending) > pendingPreviewLimit {
		h.reply(chatID, fmt.Sprintf("…and %d more. Decide on these first.", len(pending)-pendingPreviewLimit), nil)
	}
}

func (h *Handler) handlePostNow(ctx context.Context, chatID int64, clientID string) {
	if clientID == "" {
		h.reply(chatID, "Usage: /post_now <client id>", nil)
		return
	}
	client, err := h.clients.GetClient(ctx, clientID)
	if err != nil {
		h.reply(chatID, fmt.Sprintf("Client not found: %s", clientID), nil)
		return
	}
	now := time.Now().UTC()
	job := domain.SlotJob{
		ID:          uuid.NewString(),
		ClientID:    client.ID,
		SlotTime:    now,
		RequestedAt: now,
		Cause:       domain.SlotCauseManual,
	}
	if err := h.jobs.Enqueue(ctx, job); err != nil {
		h.log.Error().Err(err).Str("client", client.ID).Msg("не удалось поставить ручной слот")
		h.reply(chatID, "Failed to queue the post, try again later.", nil)
		return
	}
	h.reply(chatID, fmt.Sprintf("Queued an extra post for *%s*. It will come back here for review.", client.Name), nil)
}

func (h *Handler) handleSuggestions(ctx context.Context, chatID int64) {
	report, err := h.learnerUC.Analyze(ctx, time.Now().UTC(), "")
	if err != nil {
		h.reply(chatID, fmt.Sprintf("Analysis failed: %v", err), nil)
		return
	}
	h.reply(chatID, formatLearnerReport(report), nil)
}

func (h *Handler) handleSkipReason(ctx context.Context, chatID, operatorID int64) {
	id, ok := h.takePendingReason(operatorID)
	if !ok {
		h.reply(chatID, "Nothing to skip.", nil)
		return
	}
	h.rejectCandidate(ctx, chatID, id, "")
}

func (h *Handler) tryHandleReasonInput(ctx context.Context, chatID, operatorID int64, text string) bool {
	id, ok := h.takePendingReason(operatorID)
	if !ok {
		return false
	}
	h.rejectCandidate(ctx, chatID, id, text)
	return true
}

func (h *Handler) tryHandleCustomInput(ctx context.Context, chatID, operatorID int64, text string) bool {
	h.mu.Lock()
	id, ok := h.pendingCustom[operatorID]
	if ok {
		delete(h.pendingCustom, operatorID)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}
	if text == "" {
		h.reply(chatID, "Empty instruction, nothing changed.", nil)
		return true
	}
	h.handleRegenerate(ctx, chatID, id, text)
	return true
}

func (h *Handler) rejectCandidate(ctx context.Context, chatID int64, id, reason string) {
	if _, err := h.candidateUC.Decide(ctx, id, domain.DecisionReject, reason); err != nil {
		if errors.Is(err, candidate.ErrStaleDecision) {
			h.reply(chatID, "This one was already handled.", nil)
			return
		}
		h.reply(chatID, fmt.Sprintf("Reject failed: %v", err), nil)
		return
	}
	if reason == "" {
		h.reply(chatID, "❌ Rejected.", nil)
		return
	}
	h.reply(chatID, "❌ Rejected — the reason is noted.", nil)
}

func (h *Handler) buildPublishSummary(ctx context.Context, id string, reports []domain.PublishReport) string {
	name := "the client"
	if cand, err := h.candidates.GetCandidate(ctx, id); err == nil {
		if client, err := h.clients.GetClient(ctx, cand.ClientID); err == nil {
			name = client.Name
		}
	}
	return formatPublishSummary(name, reports)
}

func (h *Handler) setPendingReason(operatorID int64, candidateID string) {
	h.mu.Lock()
	h.pendingReason[operatorID] = candidateID
	h.mu.Unlock()
}

func (h *Handler) takePendingReason(operatorID int64) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.pendingReason[operatorID]
	if ok {
		delete(h.pendingReason, operatorID)
	}
	return id, ok
}

func (h *Handler) setPendingCustom(operatorID int64, candidateID string) {
	h.mu.Lock()
	h.pendingCustom[operatorID] = candidateID
	h.mu.Unlock()
}

func (h *Handler) sendPreview(chatID int64, client domain.Client, cand domain.PostCandidate) {
	msg := tgbotapi.NewMessage(chatID, BuildPreview(client, cand))
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.ReplyMarkup = DecisionKeyboard(cand.ID)
	start := time.Now()
	_, err := h.bot.Send(msg)
	metrics.ObserveNetworkRequest("telegram_bot", "send_preview", strconv.FormatInt(chatID, 10), start, err)
	if err != nil {
		h.log.Error().Err(err).Msg("не удалось отправить превью")
	}
}

func (h *Handler) reply(chatID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup) {
	parts := splitMessage(text)
	for i, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if i == 0 && keyboard != nil {
			msg.ReplyMarkup = keyboard
		}
		start := time.Now()
		_, err := h.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(chatID, 10), start, err)
		if err != nil {
			h.log.Error().Err(err).Msg("не удалось отправить сообщение")
			return
		}
	}
}

func splitAction(data string) (string, string) {
	parts := strings.SplitN(data, ":", 2)
	if len(parts) != 2 {
		return data, ""
	}
	return parts[0], parts[1]
}

func formatPublishSummary(clientName string, reports []domain.PublishReport) string {
	lines := []string{fmt.Sprintf("✅ Published for *%s*", clientName)}
	for _, report := range reports {
		switch {
		case report.Err != nil:
			lines = append(lines, fmt.Sprintf("• %s — failed: %v", report.Platform, report.Err))
		case report.Duplicate:
			lines = append(lines, fmt.Sprintf("• %s — duplicate, skipped", report.Platform))
		default:
			lines = append(lines, fmt.Sprintf("• %s → %s", report.Platform, report.ExternalID))
		}
	}
	return strings.Join(lines, "\n")
}

func formatLearnerReport(report learner.Report) string {
	if report.Total == 0 {
		return "No rejections in the window — nothing to adjust."
	}
	lines := []string{fmt.Sprintf("📊 Rejections since %s: %d", report.Since.Format("02 Jan"), report.Total)}

	buckets := make([]learner.Bucket, 0, len(report.ByBucket))
	for bucket := range report.ByBucket {
		buckets = append(buckets, bucket)
	}
	sort.Slice(buckets, func(i, j int) bool {
		if report.ByBucket[buckets[i]] != report.ByBucket[buckets[j]] {
			return report.ByBucket[buckets[i]] > report.ByBucket[buckets[j]]
		}
		return buckets[i] < buckets[j]
	})
	for _, bucket := range buckets {
		lines = append(lines, fmt.Sprintf("• %s — %d", bucket, report.ByBucket[bucket]))
	}

	if len(report.Suggestions) > 0 {
		lines = append(lines, "", "Template advice:")
		for _, s := range report.Suggestions {
			lines = append(lines, fmt.Sprintf("• %s (%d rejections, mostly %s): %s", s.TemplateKey, s.Rejections, s.Dominant, s.Advice))
		}
	}
	return strings.Join(lines, "\n")
}

func buildHelpMessage() string {
	sections := []string{
		"📖 Commands:",
		"",
		"Review:",
		"• /pending — resend previews that wait for a decision.",
		"• /suggestions — what recent rejections say about the templates.",
		"",
		"Posting:",
		"• /post_now <client id> — queue an extra post for a client.",
		"",
		"Every preview has buttons: Approve ✅, Reject ❌, Regenerate 🔁, Customise ✏️.",
		"After ❌ send a short reason (or /skip) — the reasons feed /suggestions.",
	}
	return strings.Join(sections, "\n")
}
