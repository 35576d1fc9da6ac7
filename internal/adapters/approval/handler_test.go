package approval

import (
	"errors"
	"strings"
	"testing"
	"time"

	"smm-post-bot/internal/domain"
	"smm-post-bot/internal/usecase/learner"
)

func TestSplitMessageRespectsLimit(t *testing.T) {
	var builder strings.Builder
	builder.WriteString(strings.Repeat("a", 3000))
	builder.WriteString("\n\n")
	builder.WriteString(strings.Repeat("b", 2000))
	builder.WriteString("\n")
	builder.WriteString(strings.Repeat("c", 500))

	parts := splitMessage(builder.String())
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	for i, part := range parts {
		if length := len([]rune(part)); length > messageLimit {
			t.Fatalf("part %d exceeds limit: %d", i, length)
		}
	}
	if parts[0] != strings.Repeat("a", 3000) {
		t.Fatalf("unexpected content in first part")
	}
	if !strings.HasSuffix(parts[1], strings.Repeat("c", 500)) {
		t.Fatalf("second part should keep the trailing block")
	}
}

func TestSplitMessageLongLine(t *testing.T) {
	parts := splitMessage(strings.Repeat("x", messageLimit+10))
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if len([]rune(parts[0])) != messageLimit {
		t.Fatalf("first part should be exactly the limit, got %d", len([]rune(parts[0])))
	}
}

func TestSplitMessageEmpty(t *testing.T) {
	if parts := splitMessage("  \n "); len(parts) != 0 {
		t.Fatalf("expected no parts for empty input, got %d", len(parts))
	}
}

func TestBuildPreview(t *testing.T) {
	client := domain.Client{Name: "Harbour Dental", Industry: "dentistry", City: "Plymouth"}
	cand := domain.PostCandidate{
		ID:        "cand-1",
		Category:  domain.CategoryEducational,
		Text:      "Did you know? Something useful.",
		Platforms: []string{"telegram", "x"},
		SlotTime:  time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC),
		MediaURL:  "https://cdn.example/logo.png",
	}
	preview := BuildPreview(client, cand)
	for _, want := range []string{"Harbour Dental", "dentistry", "Plymouth", "educational", "telegram, x", "https://cdn.example/logo.png", "Did you know?"} {
		if !strings.Contains(preview, want) {
			t.Fatalf("preview should contain %q:\n%s", want, preview)
		}
	}
}

func TestBuildPreviewOmitsEmptyFields(t *testing.T) {
	preview := BuildPreview(domain.Client{Name: "Solo"}, domain.PostCandidate{Text: "text"})
	if strings.Contains(preview, "📍") {
		t.Fatalf("empty city should be omitted:\n%s", preview)
	}
	if strings.Contains(preview, "🖼") {
		t.Fatalf("empty media should be omitted:\n%s", preview)
	}
}

func TestDecisionKeyboard(t *testing.T) {
	markup := DecisionKeyboard("cand-42")
	if len(markup.InlineKeyboard) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(markup.InlineKeyboard))
	}
	var datas []string
	for _, row := range markup.InlineKeyboard {
		for _, button := range row {
			if button.CallbackData == nil {
				t.Fatalf("button %q has no callback data", button.Text)
			}
			datas = append(datas, *button.CallbackData)
		}
	}
	want := []string{"approve:cand-42", "reject:cand-42", "regen:cand-42", "custom:cand-42"}
	if len(datas) != len(want) {
		t.Fatalf("expected %d buttons, got %d", len(want), len(datas))
	}
	for i, data := range want {
		if datas[i] != data {
			t.Fatalf("expected %q at position %d, got %q", data, i, datas[i])
		}
	}
}

func TestSplitAction(t *testing.T) {
	action, id := splitAction("approve:cand-42")
	if action != "approve" || id != "cand-42" {
		t.Fatalf("unexpected parse: %q %q", action, id)
	}
	action, id = splitAction("noop")
	if action != "noop" || id != "" {
		t.Fatalf("unexpected parse without id: %q %q", action, id)
	}
}

func TestFormatPublishSummary(t *testing.T) {
	summary := formatPublishSummary("Harbour Dental", []domain.PublishReport{
		{Platform: "telegram", ExternalID: "123"},
		{Platform: "x", Duplicate: true},
		{Platform: "facebook", Err: errors.New("not configured")},
	})
	for _, want := range []string{"Harbour Dental", "telegram → 123", "x — duplicate, skipped", "facebook — failed"} {
		if !strings.Contains(summary, want) {
			t.Fatalf("summary should contain %q:\n%s", want, summary)
		}
	}
}

func TestFormatLearnerReport(t *testing.T) {
	empty := formatLearnerReport(learner.Report{})
	if !strings.Contains(empty, "No rejections") {
		t.Fatalf("empty report should say there is nothing to adjust: %q", empty)
	}

	report := learner.Report{
		Since: time.Date(2026, 2, 14, 0, 0, 0, 0, time.UTC),
		Total: 5,
		ByBucket: map[learner.Bucket]int{
			learner.BucketTooSalesy: 3,
			learner.BucketWrongTone: 2,
		},
		Suggestions: []learner.Suggestion{
			{TemplateKey: "hard_book_now", Rejections: 3, Dominant: learner.BucketTooSalesy, Advice: "Tone it down."},
		},
	}
	text := formatLearnerReport(report)
	if !strings.Contains(text, "14 Feb") || !strings.Contains(text, "5") {
		t.Fatalf("report header is wrong:\n%s", text)
	}
	salesyIdx := strings.Index(text, "too_salesy")
	toneIdx := strings.Index(text, "wrong_tone")
	if salesyIdx == -1 || toneIdx == -1 || salesyIdx > toneIdx {
		t.Fatalf("buckets should be ordered by volume:\n%s", text)
	}
	if !strings.Contains(text, "hard_book_now (3 rejections, mostly too_salesy): Tone it down.") {
		t.Fatalf("suggestion line is wrong:\n%s", text)
	}
}
