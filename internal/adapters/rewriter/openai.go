package rewriter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"smm-post-bot/internal/domain"
	openai "smm-post-bot/internal/infra/openai"
)

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI переписывает черновики постов через OpenAI Chat Completions.
type OpenAI struct {
	client  chatClient
	model   string
	timeout time.Duration
}

// NewOpenAI создаёт LLM-рерайтер.
func NewOpenAI(client chatClient, model string, timeout time.Duration) *OpenAI {
	if model == "" {
		model = "gpt-4.1-mini"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAI{client: client, model: model, timeout: timeout}
}

// Rewrite возвращает новый вариант поста с учётом бренд-профиля клиента.
// Пустая инструкция просит просто сделать пост живее.
func (r *OpenAI) Rewrite(ctx context.Context, client domain.Client, draft, instruction string) (string, error) {
	draft = strings.TrimSpace(draft)
	if draft == "" {
		return "", fmt.Errorf("пустой черновик")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:       r.model,
		Temperature: 0.7,
		MaxTokens:   200,
		Messages: []openai.ChatMessage{
			{Role: openai.RoleSystem, Content: systemPrompt(client)},
			{Role: openai.RoleUser, Content: userPrompt(draft, instruction, client)},
		},
	}
	resp, err := r.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai completion: пустой ответ")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	// Модель иногда оборачивает ответ в кавычки.
	if len(content) >= 2 && strings.HasPrefix(content, `"`) && strings.HasSuffix(content, `"`) {
		content = strings.TrimSpace(strings.Trim(content, `"`))
	}
	if content == "" {
		return "", fmt.Errorf("openai completion: пустой текст")
	}
	return content, nil
}

func systemPrompt(client domain.Client) string {
	lines := []string{
		fmt.Sprintf("You are a social media manager for %s, a %s business in %s.", client.Name, client.Industry, client.City),
	}
	if tone := client.Attr("tone"); tone != "" {
		lines = append(lines, fmt.Sprintf("TONE: %s.", tone))
	}
	if constraints := client.AttrList("constraints"); len(constraints) > 0 {
		lines = append(lines, fmt.Sprintf("CONSTRAINT: Do NOT talk about: %s.", strings.Join(constraints, ", ")))
	}
	lines = append(lines,
		"Keep posts short (under 280 characters) and punchy.",
		"Use British English.",
		"Return only the post text, no commentary.",
	)
	return strings.Join(lines, " ")
}

func userPrompt(draft, instruction string, client domain.Client) string {
	clipped := clipRunes(draft, 1000)
	if instruction != "" {
		return fmt.Sprintf("Draft: '%s'. Instruction: %s", clipped, instruction)
	}
	return fmt.Sprintf("Rewrite this post to be more engaging for %s clients: '%s'", client.Industry, clipped)
}

func clipRunes(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
