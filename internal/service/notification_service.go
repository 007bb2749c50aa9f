package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-letter-api/internal/models"
	"github.com/noah-isme/sma-letter-api/pkg/jobs"
)

const transitionJobType = "letter.transition"

// TransitionEvent describes a committed workflow transition for downstream
// notification. It is emitted only after the transaction commits.
type TransitionEvent struct {
	LetterID          string               `json:"letterId"`
	Actions           []models.AuditAction `json:"actions"`
	ActorUserID       string               `json:"actorUserId"`
	CreatedByID       string               `json:"createdById"`
	FromStatus        models.LetterStatus  `json:"fromStatus,omitempty"`
	ToStatus          models.LetterStatus  `json:"toStatus"`
	FromStep          *models.Step         `json:"fromStep,omitempty"`
	ToStep            *models.Step         `json:"toStep,omitempty"`
	CurrentAssigneeID *string              `json:"currentAssigneeId,omitempty"`
	NumberString      string               `json:"numberString,omitempty"`
	OccurredAt        time.Time            `json:"occurredAt"`
}

// Notifier delivers transition events to people. Delivery channels live
// outside this service.
type Notifier interface {
	Notify(ctx context.Context, event TransitionEvent) error
}

// LogNotifier records events in the structured log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier constructs the default notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, event TransitionEvent) error {
	fields := []zap.Field{
		zap.String("letter_id", event.LetterID),
		zap.Any("actions", event.Actions),
		zap.String("actor_id", event.ActorUserID),
		zap.String("status", string(event.ToStatus)),
	}
	if event.ToStep != nil {
		fields = append(fields, zap.Int("step", int(*event.ToStep)))
	}
	if event.CurrentAssigneeID != nil {
		fields = append(fields, zap.String("next_assignee_id", *event.CurrentAssigneeID))
	}
	n.logger.Info("letter transition", fields...)
	return nil
}

// NotificationService fans committed transitions out to the Notifier on a
// background worker pool, so slow delivery never holds a request.
type NotificationService struct {
	queue    *jobs.Queue
	notifier Notifier
	metrics  *MetricsService
	logger   *zap.Logger
}

// NotificationConfig sizes the worker pool.
type NotificationConfig struct {
	Workers    int
	Retries    int
	RetryDelay time.Duration
}

// NewNotificationService wires the queue handler to notifier.
func NewNotificationService(notifier Notifier, metrics *MetricsService, logger *zap.Logger, cfg NotificationConfig) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	svc := &NotificationService{notifier: notifier, metrics: metrics, logger: logger}
	svc.queue = jobs.NewQueue("letter-notifications", svc.handle, jobs.QueueConfig{
		Workers:    cfg.Workers,
		MaxRetries: cfg.Retries,
		RetryDelay: cfg.RetryDelay,
		Logger:     logger,
	})
	return svc
}

// Start launches the workers.
func (s *NotificationService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop waits for in-flight deliveries. Events still queued are dropped.
func (s *NotificationService) Stop() {
	s.queue.Stop()
}

// Publish queues an event without blocking. A full or stopped queue drops it.
func (s *NotificationService) Publish(event TransitionEvent) {
	if s == nil {
		return
	}
	err := s.queue.TryEnqueue(jobs.Job{ID: uuid.NewString(), Type: transitionJobType, Payload: event})
	if err != nil {
		s.metrics.RecordNotification("dropped")
		s.logger.Warn("transition event dropped", zap.String("letter_id", event.LetterID), zap.Error(err))
	}
}

func (s *NotificationService) handle(ctx context.Context, job jobs.Job) error {
	event, ok := job.Payload.(TransitionEvent)
	if !ok {
		s.logger.Error("unexpected notification payload", zap.String("job_id", job.ID), zap.String("type", fmt.Sprintf("%T", job.Payload)))
		return nil
	}
	if err := s.notifier.Notify(ctx, event); err != nil {
		s.metrics.RecordNotification("failed")
		return err
	}
	s.metrics.RecordNotification("delivered")
	return nil
}
