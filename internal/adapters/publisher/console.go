package publisher

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Console пишет посты в лог вместо внешней площадки. Используется в dev-среде
// и для площадок без настроенных ключей.
type Console struct {
	platform string
	log      zerolog.Logger
	seq      atomic.Int64
}

// NewConsole создаёт консольную площадку.
func NewConsole(platform string, log zerolog.Logger) *Console {
	return &Console{platform: platform, log: log}
}

// Platform возвращает имя площадки.
func (p *Console) Platform() string { return p.platform }

// Publish печатает пост в лог и возвращает синтетический идентификатор.
func (p *Console) Publish(_ context.Context, text, mediaURL string) (string, error) {
	id := fmt.Sprintf("console-%s-%d", p.platform, p.seq.Add(1))
	p.log.Info().
		Str("platform", p.platform).
		Str("media", mediaURL).
		Str("external_id", id).
		Msg(text)
	return id, nil
}
