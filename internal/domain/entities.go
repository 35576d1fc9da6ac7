package domain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"
)

// Client описывает клиента, для которого бот ведёт публикации.
type Client struct {
	ID            string
	Name          string
	Website       string
	Industry      string
	City          string
	Attributes    map[string]any
	OptOut        bool
	MediaApproved bool
	Featured      bool
	UpgradedAt    *time.Time
	ApprovalMode  ApprovalMode
	TimeoutPolicy TimeoutPolicy
	CooldownDays  int
	MonthlyCap    int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Attr возвращает строковый атрибут бренд-профиля или пустую строку.
func (c Client) Attr(key string) string {
	if c.Attributes == nil {
		return ""
	}
	if v, ok := c.Attributes[key]; ok {
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// AttrList возвращает списковый атрибут бренд-профиля.
func (c Client) AttrList(key string) []string {
	if c.Attributes == nil {
		return nil
	}
	raw, ok := c.Attributes[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	}
	return nil
}

// TemplateCategory описывает категорию шаблона в цикле 4-1-1.
type TemplateCategory string

const (
	CategoryEducational TemplateCategory = "educational"
	CategorySoftSell    TemplateCategory = "soft_sell"
	CategoryHardSell    TemplateCategory = "hard_sell"
	// CategoryAnnouncement не участвует в цикле 4-1-1, используется для анонсов апгрейдов.
	CategoryAnnouncement TemplateCategory = "announcement"
)

// Template описывает шаблон поста из каталога.
type Template struct {
	Key       string
	Category  TemplateCategory
	Platforms []string
	Body      string
}

// CandidateStatus описывает состояние кандидата на публикацию.
type CandidateStatus string

const (
	CandidatePending   CandidateStatus = "pending"
	CandidateApproved  CandidateStatus = "approved"
	CandidateRejected  CandidateStatus = "rejected"
	CandidateTimeout   CandidateStatus = "timeout"
	CandidateCancelled CandidateStatus = "cancelled"
)

// PostCandidate представляет черновик поста, ожидающий решения.
type PostCandidate struct {
	ID           string
	ClientID     string
	TemplateKey  string
	Category     TemplateCategory
	Text         string
	MediaURL     string
	Platforms    []string
	SlotTime     time.Time
	Status       CandidateStatus
	RejectReason string
	Metadata     map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ChannelRef возвращает ссылку на сообщение канала согласования.
func (c PostCandidate) ChannelRef() string {
	if c.Metadata == nil {
		return ""
	}
	if ref, ok := c.Metadata["channel_ref"].(string); ok {
		return ref
	}
	return ""
}

// SetChannelRef сохраняет ссылку канала согласования в метаданных.
func (c *PostCandidate) SetChannelRef(ref string) {
	if c.Metadata == nil {
		c.Metadata = make(map[string]any, 1)
	}
	c.Metadata["channel_ref"] = ref
}

// LedgerEntry — запись журнала публикаций.
type LedgerEntry struct {
	ID          int64
	ClientID    string
	Platform    string
	TemplateKey string
	TextHash    string
	ExternalID  string
	PostedAt    time.Time
}

// Decision описывает решение оператора по кандидату.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// PublishReport описывает исход публикации на одной платформе.
type PublishReport struct {
	Platform   string
	ExternalID string
	Duplicate  bool
	Err        error
}

// HashText возвращает sha256-хэш текста поста для дедупликации.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])
}

// SeedFor возвращает детерминированное зерно генератора из набора строк.
// Одинаковые входы дают одинаковый выбор на всех инстансах.
func SeedFor(parts ...string) int64 {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	sum := h.Sum(nil)
	return int64(binary.BigEndian.Uint64(sum[:8]))
}
