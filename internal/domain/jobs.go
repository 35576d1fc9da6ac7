package domain

import (
	"context"
	"time"
)

// SlotJobCause описывает источник задачи слота.
type SlotJobCause string

const (
	// SlotCauseScheduled — слот поставлен планировщиком по расписанию.
	SlotCauseScheduled SlotJobCause = "scheduled"
	// SlotCauseManual — оператор запросил публикацию вручную.
	SlotCauseManual SlotJobCause = "manual"
	// SlotCauseAnnounce — анонс нового апгрейда клиента.
	SlotCauseAnnounce SlotJobCause = "announce"
	// SlotCauseSweep — плановая проверка зависших кандидатов.
	SlotCauseSweep SlotJobCause = "sweep"
)

// SlotJob содержит информацию о задаче публикационного слота.
type SlotJob struct {
	ID          string       `json:"job_id,omitempty"`
	ClientID    string       `json:"client_id,omitempty"`
	TemplateKey string       `json:"template_key,omitempty"`
	SlotTime    time.Time    `json:"slot_time"`
	RequestedAt time.Time    `json:"requested_at"`
	Cause       SlotJobCause `json:"cause"`
}

// SlotQueue описывает очередь задач слотов.
type SlotQueue interface {
	Enqueue(ctx context.Context, job SlotJob) error
	Receive(ctx context.Context) (SlotJob, SlotAckFunc, error)
}

// SlotAckFunc подтверждает успешную обработку или возвращает задачу в очередь.
type SlotAckFunc func(success bool) error

// SlotPlanRepo отвечает за идемпотентную постановку слотов.
type SlotPlanRepo interface {
	// AcquireSlot помечает слот как поставленный и возвращает true,
	// если запись была создана. При конфликте возвращает false без ошибки.
	AcquireSlot(slotTime time.Time, seq int) (bool, error)
}

// SlotJobStatusRepo отвечает за отслеживание статуса обработки задач слотов.
type SlotJobStatusRepo interface {
	// EnsureSlotJob регистрирует попытку обработки и возвращает признак
	// завершённости задачи и номер текущей попытки.
	EnsureSlotJob(jobID string) (done bool, attempt int, err error)
	// MarkSlotJobDone помечает задачу как окончательно обработанную.
	MarkSlotJobDone(jobID string) error
}
