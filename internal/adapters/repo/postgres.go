package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"smm-post-bot/internal/domain"
	"smm-post-bot/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ domain.BusinessMetricRepo = (*Postgres)(nil)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

func (p *Postgres) saveBusinessMetric(ctx context.Context, metric domain.BusinessMetric) error {
	if metric.Event == "" {
		return nil
	}

	if metric.OccurredAt.IsZero() {
		metric.OccurredAt = time.Now().UTC()
	}

	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var clientID sql.NullString
	if metric.ClientID != "" {
		clientID = sql.NullString{String: metric.ClientID, Valid: true}
	}

	var payload []byte
	if metric.Metadata != nil {
		if data, err := json.Marshal(metric.Metadata); err == nil {
			payload = data
		}
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO business_metrics (event, client_id, metadata, occurred_at)
VALUES ($1, $2, $3, $4)
`, metric.Event, clientID, payload, metric.OccurredAt)
	metrics.ObserveNetworkRequest("postgres", "business_metrics_insert", "business_metrics", start, err)
	return err
}

// RecordBusinessMetric сохраняет бизнесовую метрику в БД.
func (p *Postgres) RecordBusinessMetric(ctx context.Context, metric domain.BusinessMetric) error {
	return p.saveBusinessMetric(ctx, metric)
}

const clientColumns = `id, name, website, industry, city, attributes, opt_out, media_approved, featured, upgraded_at, approval_mode, timeout_policy, cooldown_days, monthly_cap, created_at, updated_at`

func scanClient(row pgx.Row) (domain.Client, error) {
	var (
		c          domain.Client
		website    sql.NullString
		industry   sql.NullString
		city       sql.NullString
		attributes []byte
		upgradedAt sql.NullTime
		mode       sql.NullString
		policy     sql.NullString
	)
	err := row.Scan(&c.ID, &c.Name, &website, &industry, &city, &attributes, &c.OptOut, &c.MediaApproved, &c.Featured, &upgradedAt, &mode, &policy, &c.CooldownDays, &c.MonthlyCap, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return domain.Client{}, err
	}
	if website.Valid {
		c.Website = website.String
	}
	if industry.Valid {
		c.Industry = industry.String
	}
	if city.Valid {
		c.City = city.String
	}
	if len(attributes) > 0 {
		_ = json.Unmarshal(attributes, &c.Attributes)
	}
	if upgradedAt.Valid {
		ts := upgradedAt.Time
		c.UpgradedAt = &ts
	}
	if mode.Valid {
		c.ApprovalMode = domain.ParseApprovalMode(mode.String)
	}
	if policy.Valid {
		c.TimeoutPolicy = domain.ParseTimeoutPolicy(policy.String)
	}
	return c, nil
}

// ListClients возвращает всех клиентов.
func (p *Postgres) ListClients(ctx context.Context) ([]domain.Client, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY id`)
	metrics.ObserveNetworkRequest("postgres", "clients_list", "clients", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var clients []domain.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// GetClient возвращает клиента по идентификатору.
func (p *Postgres) GetClient(ctx context.Context, id string) (domain.Client, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+clientColumns+` FROM clients WHERE id=$1`, id)
	c, err := scanClient(row)
	metrics.ObserveNetworkRequest("postgres", "clients_get", "clients", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Client{}, fmt.Errorf("клиент %s не найден", id)
	}
	return c, err
}

// ListUpgradedSince возвращает клиентов, апгрейд которых случился после отметки.
func (p *Postgres) ListUpgradedSince(ctx context.Context, since time.Time) ([]domain.Client, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+clientColumns+`
FROM clients WHERE upgraded_at IS NOT NULL AND upgraded_at > $1
ORDER BY upgraded_at ASC
`, since)
	metrics.ObserveNetworkRequest("postgres", "clients_list_upgraded", "clients", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var clients []domain.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

const candidateColumns = `id, client_id, template_key, category, text, media_url, platforms, slot_time, status, reject_reason, metadata, created_at, updated_at`

func scanCandidate(row pgx.Row) (domain.PostCandidate, error) {
	var (
		c        domain.PostCandidate
		mediaURL sql.NullString
		reason   sql.NullString
		metadata []byte
		category string
		status   string
	)
	err := row.Scan(&c.ID, &c.ClientID, &c.TemplateKey, &category, &c.Text, &mediaURL, &c.Platforms, &c.SlotTime, &status, &reason, &metadata, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return domain.PostCandidate{}, err
	}
	c.Category = domain.TemplateCategory(category)
	c.Status = domain.CandidateStatus(status)
	if mediaURL.Valid {
		c.MediaURL = mediaURL.String
	}
	if reason.Valid {
		c.RejectReason = reason.String
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &c.Metadata)
	}
	return c, nil
}

// CreateCandidate сохраняет нового кандидата в статусе pending.
func (p *Postgres) CreateCandidate(ctx context.Context, candidate domain.PostCandidate) (domain.PostCandidate, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if candidate.ID == "" {
		candidate.ID = uuid.NewString()
	}
	if candidate.Status == "" {
		candidate.Status = domain.CandidatePending
	}

	var metadata []byte
	if candidate.Metadata != nil {
		data, err := json.Marshal(candidate.Metadata)
		if err != nil {
			return domain.PostCandidate{}, fmt.Errorf("сериализация метаданных: %w", err)
		}
		metadata = data
	}

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO post_candidates (id, client_id, template_key, category, text, media_url, platforms, slot_time, status, metadata)
VALUES ($1, $2, $3, $4, $5, NULLIF($6,''), $7, $8, $9, $10)
RETURNING created_at, updated_at
`, candidate.ID, candidate.ClientID, candidate.TemplateKey, string(candidate.Category), candidate.Text, candidate.MediaURL, candidate.Platforms, candidate.SlotTime, string(candidate.Status), metadata).Scan(&candidate.CreatedAt, &candidate.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "post_candidates_insert", "post_candidates", start, err)
	if err != nil {
		return domain.PostCandidate{}, err
	}

	_ = p.saveBusinessMetric(ctx, domain.BusinessMetric{
		Event:    domain.BusinessMetricEventCandidateCreated,
		ClientID: candidate.ClientID,
		Metadata: map[string]any{
			"candidate_id": candidate.ID,
			"template_key": candidate.TemplateKey,
			"category":     string(candidate.Category),
		},
	})
	return candidate, nil
}

// GetCandidate возвращает кандидата по идентификатору.
func (p *Postgres) GetCandidate(ctx context.Context, id string) (domain.PostCandidate, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+candidateColumns+` FROM post_candidates WHERE id=$1`, id)
	c, err := scanCandidate(row)
	metrics.ObserveNetworkRequest("postgres", "post_candidates_get", "post_candidates", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PostCandidate{}, fmt.Errorf("кандидат %s не найден", id)
	}
	return c, err
}

// UpdatePendingStatus переводит кандидата из pending в конечный статус.
// Возвращает false, если кандидат уже не pending.
func (p *Postgres) UpdatePendingStatus(ctx context.Context, id string, to domain.CandidateStatus, reason string) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
UPDATE post_candidates
SET status=$2, reject_reason=NULLIF($3,''), updated_at=now()
WHERE id=$1 AND status='pending'
`, id, string(to), reason)
	metrics.ObserveNetworkRequest("postgres", "post_candidates_update_status", "post_candidates", start, err)
	if err != nil {
		return false, err
	}
	moved := res.RowsAffected() > 0
	if moved {
		_ = p.saveBusinessMetric(ctx, domain.BusinessMetric{
			Event: domain.BusinessMetricEventCandidateDecided,
			Metadata: map[string]any{
				"candidate_id": id,
				"status":       string(to),
			},
		})
	}
	return moved, nil
}

// UpdatePendingText заменяет текст кандидата, пока тот в статусе pending.
func (p *Postgres) UpdatePendingText(ctx context.Context, id, text string) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
UPDATE post_candidates SET text=$2, updated_at=now() WHERE id=$1 AND status='pending'
`, id, text)
	metrics.ObserveNetworkRequest("postgres", "post_candidates_update_text", "post_candidates", start, err)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// SetCandidateChannelRef сохраняет ссылку на сообщение канала согласования.
func (p *Postgres) SetCandidateChannelRef(ctx context.Context, id, ref string) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE post_candidates
SET metadata = COALESCE(metadata, '{}'::jsonb) || jsonb_build_object('channel_ref', $2::text), updated_at=now()
WHERE id=$1
`, id, ref)
	metrics.ObserveNetworkRequest("postgres", "post_candidates_set_channel_ref", "post_candidates", start, err)
	return err
}

// ListPendingCandidates возвращает всех кандидатов в статусе pending.
func (p *Postgres) ListPendingCandidates(ctx context.Context) ([]domain.PostCandidate, error) {
	return p.listCandidates(ctx, `SELECT `+candidateColumns+` FROM post_candidates WHERE status='pending' ORDER BY created_at ASC`, "post_candidates_list_pending")
}

// ListPendingBefore возвращает pending-кандидатов, чей слот не позже отметки.
func (p *Postgres) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]domain.PostCandidate, error) {
	return p.listCandidates(ctx, `SELECT `+candidateColumns+` FROM post_candidates WHERE status='pending' AND slot_time <= $1 ORDER BY slot_time ASC`, "post_candidates_list_overdue", cutoff)
}

// ListRejectedSince возвращает отклонённых кандидатов за период.
// Пустой clientID означает всех клиентов.
func (p *Postgres) ListRejectedSince(ctx context.Context, since time.Time, clientID string) ([]domain.PostCandidate, error) {
	return p.listCandidates(ctx, `
SELECT `+candidateColumns+`
FROM post_candidates
WHERE status='rejected' AND updated_at >= $1 AND ($2 = '' OR client_id = $2)
ORDER BY updated_at DESC
`, "post_candidates_list_rejected", since, clientID)
}

func (p *Postgres) listCandidates(ctx context.Context, query, op string, args ...any) ([]domain.PostCandidate, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", op, "post_candidates", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var candidates []domain.PostCandidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// RecordPublish добавляет запись журнала публикаций.
// Возвращает false, если такой пост на этой площадке уже публиковался.
func (p *Postgres) RecordPublish(ctx context.Context, entry domain.LedgerEntry) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if entry.PostedAt.IsZero() {
		entry.PostedAt = time.Now().UTC()
	}

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
INSERT INTO publish_ledger (client_id, platform, template_key, text_hash, external_id, posted_at)
VALUES ($1, $2, $3, $4, NULLIF($5,''), $6)
ON CONFLICT (client_id, platform, text_hash) DO NOTHING
`, entry.ClientID, entry.Platform, entry.TemplateKey, entry.TextHash, entry.ExternalID, entry.PostedAt)
	metrics.ObserveNetworkRequest("postgres", "publish_ledger_insert", "publish_ledger", start, err)
	if err != nil {
		return false, err
	}
	inserted := res.RowsAffected() > 0
	if inserted {
		_ = p.saveBusinessMetric(ctx, domain.BusinessMetric{
			Event:    domain.BusinessMetricEventPublishRecorded,
			ClientID: entry.ClientID,
			Metadata: map[string]any{
				"platform":     entry.Platform,
				"template_key": entry.TemplateKey,
			},
		})
	}
	return inserted, nil
}

// WasPublished проверяет наличие записи в журнале.
func (p *Postgres) WasPublished(ctx context.Context, clientID, platform, textHash string) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var exists bool
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT EXISTS(SELECT 1 FROM publish_ledger WHERE client_id=$1 AND platform=$2 AND text_hash=$3)
`, clientID, platform, textHash).Scan(&exists)
	metrics.ObserveNetworkRequest("postgres", "publish_ledger_was_published", "publish_ledger", start, err)
	return exists, err
}

// CountPublishedSince считает посты клиента с указанной даты.
// Пост, ушедший на несколько площадок, считается один раз.
func (p *Postgres) CountPublishedSince(ctx context.Context, clientID string, since time.Time) (int, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var count int
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT COUNT(DISTINCT text_hash) FROM publish_ledger WHERE client_id=$1 AND posted_at >= $2
`, clientID, since).Scan(&count)
	metrics.ObserveNetworkRequest("postgres", "publish_ledger_count_since", "publish_ledger", start, err)
	return count, err
}

// LastPublishedAt возвращает время последней публикации клиента.
func (p *Postgres) LastPublishedAt(ctx context.Context, clientID string) (*time.Time, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var last sql.NullTime
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT MAX(posted_at) FROM publish_ledger WHERE client_id=$1
`, clientID).Scan(&last)
	metrics.ObserveNetworkRequest("postgres", "publish_ledger_last_published", "publish_ledger", start, err)
	if err != nil {
		return nil, err
	}
	if !last.Valid {
		return nil, nil
	}
	ts := last.Time
	return &ts, nil
}

// RecentTemplateKeys возвращает ключи шаблонов последних постов клиента.
func (p *Postgres) RecentTemplateKeys(ctx context.Context, clientID string, limit int) ([]string, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT template_key
FROM publish_ledger
WHERE client_id=$1 AND template_key <> ''
GROUP BY template_key
ORDER BY MAX(posted_at) DESC
LIMIT $2
`, clientID, limit)
	metrics.ObserveNetworkRequest("postgres", "publish_ledger_recent_keys", "publish_ledger", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// AcquireSlot вставляет запись о слоте и возвращает true, если слот наш.
func (p *Postgres) AcquireSlot(slotTime time.Time, seq int) (bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
INSERT INTO slot_plan (slot_time, seq)
VALUES ($1, $2)
ON CONFLICT (slot_time, seq) DO NOTHING
`, slotTime, seq)
	metrics.ObserveNetworkRequest("postgres", "slot_plan_acquire", "slot_plan", start, err)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// EnsureSlotJob регистрирует попытку обработки задачи слота.
func (p *Postgres) EnsureSlotJob(jobID string) (bool, int, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var (
		done     sql.NullTime
		attempts int
	)

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO slot_job_statuses (job_id, attempts, updated_at)
VALUES ($1, 1, now())
ON CONFLICT (job_id) DO UPDATE
    SET attempts = slot_job_statuses.attempts + 1,
        updated_at = now()
RETURNING done_at, attempts
`, jobID).Scan(&done, &attempts)
	metrics.ObserveNetworkRequest("postgres", "slot_job_statuses_upsert", "slot_job_statuses", start, err)
	if err != nil {
		return false, 0, err
	}

	return done.Valid, attempts, nil
}

// MarkSlotJobDone помечает задачу слота выполненной.
func (p *Postgres) MarkSlotJobDone(jobID string) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE slot_job_statuses
SET done_at = COALESCE(done_at, now()),
    updated_at = now()
WHERE job_id = $1
`, jobID)
	metrics.ObserveNetworkRequest("postgres", "slot_job_statuses_mark_done", "slot_job_statuses", start, err)
	return err
}

// WithLock выполняет fn под advisory-блокировкой Postgres.
// Блокировка держится на выделенном соединении до конца fn.
func (p *Postgres) WithLock(ctx context.Context, key int64, fn func(ctx context.Context) error) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("захват соединения: %w", err)
	}
	defer conn.Release()

	start := time.Now()
	_, err = conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, key)
	metrics.ObserveNetworkRequest("postgres", "advisory_lock", "slot_plan", start, err)
	if err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		start := time.Now()
		_, unlockErr := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, key)
		metrics.ObserveNetworkRequest("postgres", "advisory_unlock", "slot_plan", start, unlockErr)
	}()

	return fn(ctx)
}
