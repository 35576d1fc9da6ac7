package rewriter

import (
	"context"
	"strings"

	"smm-post-bot/internal/domain"
)

// Stub имитирует рерайтер, когда ключ OpenAI не задан. Текст нормализуется
// по пробелам и возвращается без смысловых изменений.
type Stub struct{}

// NewStub создаёт заглушку.
func NewStub() *Stub {
	return &Stub{}
}

// Rewrite возвращает черновик с нормализованными пробелами.
func (s *Stub) Rewrite(_ context.Context, _ domain.Client, draft, _ string) (string, error) {
	return strings.Join(strings.Fields(draft), " "), nil
}
