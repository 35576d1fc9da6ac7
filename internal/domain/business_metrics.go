package domain

import (
	"context"
	"time"
)

// BusinessMetric описывает бизнесовое событие, которое сохраняется для последующего анализа.
type BusinessMetric struct {
	Event      string
	ClientID   string
	Metadata   map[string]any
	OccurredAt time.Time
}

const (
	// BusinessMetricEventSlotFired фиксирует запуск публикационного слота.
	BusinessMetricEventSlotFired = "slot_fired"
	// BusinessMetricEventCandidateCreated фиксирует создание кандидата на публикацию.
	BusinessMetricEventCandidateCreated = "candidate_created"
	// BusinessMetricEventCandidateDecided фиксирует решение по кандидату.
	BusinessMetricEventCandidateDecided = "candidate_decided"
	// BusinessMetricEventPublishRecorded фиксирует запись публикации в журнал.
	BusinessMetricEventPublishRecorded = "publish_recorded"
	// BusinessMetricEventUpgradeAnnounced фиксирует анонс апгрейда клиента.
	BusinessMetricEventUpgradeAnnounced = "upgrade_announced"
)

// BusinessMetricRepo сохраняет бизнесовые события.
type BusinessMetricRepo interface {
	RecordBusinessMetric(ctx context.Context, metric BusinessMetric) error
}
