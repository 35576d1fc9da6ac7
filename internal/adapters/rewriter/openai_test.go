package rewriter

import (
	"context"
	"strings"
	"testing"
	"time"

	"smm-post-bot/internal/domain"
	openai "smm-post-bot/internal/infra/openai"
)

type fakeChatClient struct {
	lastReq openai.ChatCompletionRequest
	content string
	err     error
}

func (f *fakeChatClient) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.lastReq = req
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatMessage{Role: "assistant", Content: f.content}},
		},
	}, nil
}

func brandedClient() domain.Client {
	return domain.Client{
		ID:       "c1",
		Name:     "Harbour Dental",
		Industry: "dentistry",
		City:     "Plymouth",
		Attributes: map[string]any{
			"tone":        "warm and professional",
			"constraints": []any{"prices", "competitors"},
		},
	}
}

func TestRewritePassesBrandProfile(t *testing.T) {
	fake := &fakeChatClient{content: "  Fresh smile, same-day visits.  "}
	rw := NewOpenAI(fake, "gpt-4.1-mini", time.Second)

	got, err := rw.Rewrite(context.Background(), brandedClient(), "Old draft text.", "make it shorter")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if got != "Fresh smile, same-day visits." {
		t.Fatalf("неожиданный текст: %q", got)
	}
	system := fake.lastReq.Messages[0].Content
	if !strings.Contains(system, "Harbour Dental") || !strings.Contains(system, "dentistry") {
		t.Fatalf("системный промпт должен описывать клиента: %q", system)
	}
	if !strings.Contains(system, "warm and professional") {
		t.Fatalf("тон бренда должен попадать в промпт: %q", system)
	}
	if !strings.Contains(system, "prices, competitors") {
		t.Fatalf("запретные темы должны попадать в промпт: %q", system)
	}
	user := fake.lastReq.Messages[1].Content
	if !strings.Contains(user, "make it shorter") {
		t.Fatalf("инструкция оператора должна попадать в промпт: %q", user)
	}
}

func TestRewriteWithoutInstruction(t *testing.T) {
	fake := &fakeChatClient{content: "Better post."}
	rw := NewOpenAI(fake, "", 0)

	if _, err := rw.Rewrite(context.Background(), brandedClient(), "Old draft.", ""); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	user := fake.lastReq.Messages[1].Content
	if !strings.Contains(user, "more engaging for dentistry clients") {
		t.Fatalf("без инструкции должен быть общий промпт: %q", user)
	}
	if fake.lastReq.Model != "gpt-4.1-mini" {
		t.Fatalf("пустая модель должна подменяться дефолтной, получили %q", fake.lastReq.Model)
	}
}

func TestRewriteStripsWrappingQuotes(t *testing.T) {
	fake := &fakeChatClient{content: `"Quoted answer."`}
	rw := NewOpenAI(fake, "", 0)

	got, err := rw.Rewrite(context.Background(), brandedClient(), "Draft.", "")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if got != "Quoted answer." {
		t.Fatalf("кавычки вокруг ответа должны сниматься: %q", got)
	}
}

func TestRewriteEmptyDraft(t *testing.T) {
	rw := NewOpenAI(&fakeChatClient{content: "x"}, "", 0)
	if _, err := rw.Rewrite(context.Background(), brandedClient(), "   ", ""); err == nil {
		t.Fatal("ожидали ошибку на пустом черновике")
	}
}

func TestStubNormalizesWhitespace(t *testing.T) {
	got, err := NewStub().Rewrite(context.Background(), domain.Client{}, "  two   words \n here ", "ignored")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if got != "two words here" {
		t.Fatalf("неожиданный текст: %q", got)
	}
}
