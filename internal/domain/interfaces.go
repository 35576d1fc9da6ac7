package domain

import (
	"context"
	"time"
)

// ClientRepo читает клиентов из основной базы.
type ClientRepo interface {
	ListClients(ctx context.Context) ([]Client, error)
	GetClient(ctx context.Context, id string) (Client, error)
	ListUpgradedSince(ctx context.Context, since time.Time) ([]Client, error)
}

// CandidateRepo управляет кандидатами на публикацию.
type CandidateRepo interface {
	CreateCandidate(ctx context.Context, candidate PostCandidate) (PostCandidate, error)
	GetCandidate(ctx context.Context, id string) (PostCandidate, error)
	// UpdatePendingStatus переводит кандидата из pending и возвращает false,
	// если кандидат уже был обработан кем-то другим.
	UpdatePendingStatus(ctx context.Context, id string, to CandidateStatus, reason string) (bool, error)
	// UpdatePendingText заменяет текст кандидата, не меняя статус.
	UpdatePendingText(ctx context.Context, id, text string) (bool, error)
	SetCandidateChannelRef(ctx context.Context, id, ref string) error
	ListPendingCandidates(ctx context.Context) ([]PostCandidate, error)
	ListPendingBefore(ctx context.Context, cutoff time.Time) ([]PostCandidate, error)
	ListRejectedSince(ctx context.Context, since time.Time, clientID string) ([]PostCandidate, error)
}

// LedgerRepo управляет журналом публикаций.
type LedgerRepo interface {
	// RecordPublish добавляет запись и возвращает false при дубликате
	// по (client_id, platform, text_hash).
	RecordPublish(ctx context.Context, entry LedgerEntry) (bool, error)
	WasPublished(ctx context.Context, clientID, platform, textHash string) (bool, error)
	CountPublishedSince(ctx context.Context, clientID string, since time.Time) (int, error)
	LastPublishedAt(ctx context.Context, clientID string) (*time.Time, error)
	RecentTemplateKeys(ctx context.Context, clientID string, limit int) ([]string, error)
}

// SlotLocker сериализует конкурирующие прогоны слотов между процессами.
type SlotLocker interface {
	WithLock(ctx context.Context, key int64, fn func(ctx context.Context) error) error
}

// TemplateCatalog предоставляет шаблоны постов.
type TemplateCatalog interface {
	Reload() error
	Templates() []Template
	ByCategory(category TemplateCategory) []Template
	ByKey(key string) (Template, bool)
}

// TemplateRenderer подставляет данные клиента в шаблон.
type TemplateRenderer interface {
	Render(tpl Template, client Client) (string, error)
}

// Publisher публикует текст на одной платформе.
type Publisher interface {
	Platform() string
	Publish(ctx context.Context, text, mediaURL string) (string, error)
}

// ApprovalChannel доставляет кандидата на согласование оператору.
type ApprovalChannel interface {
	// Notify отправляет превью и возвращает ссылку на сообщение канала.
	Notify(ctx context.Context, client Client, candidate PostCandidate) (string, error)
}

// Rewriter переписывает черновик поста с учётом бренд-профиля клиента.
type Rewriter interface {
	Rewrite(ctx context.Context, client Client, draft, instruction string) (string, error)
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}
