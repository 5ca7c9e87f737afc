package ingestion

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/krishi-officer/backend/internal/metrics"
	"github.com/krishi-officer/backend/internal/storage/models"
	"github.com/krishi-officer/backend/pkg/apperrors"
	"github.com/krishi-officer/backend/pkg/logger"
)

// DefaultMaxFeedbackAttempts bounds how often one record is applied before
// it is dead-lettered.
const DefaultMaxFeedbackAttempts = 5

type FeedbackSource interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*models.FeedbackRecord, error)
	Requeue(ctx context.Context, record models.FeedbackRecord) error
	DeadLetter(ctx context.Context, record models.FeedbackRecord) error
}

type FeedbackRecorder interface {
	SaveFeedback(ctx context.Context, record models.FeedbackRecord) error
}

type CorrectionApplier interface {
	ApplyCorrection(ctx context.Context, record models.FeedbackRecord) error
}

// FeedbackConsumer drains the feedback queue into the knowledge base.
type FeedbackConsumer struct {
	source   FeedbackSource
	applier  CorrectionApplier
	recorder FeedbackRecorder
	poll     time.Duration
	backoff  time.Duration

	// MaxAttempts is the number of applies a record gets.
	MaxAttempts int
}

func NewFeedbackConsumer(source FeedbackSource, applier CorrectionApplier, recorder FeedbackRecorder) *FeedbackConsumer {
	return &FeedbackConsumer{
		source:      source,
		applier:     applier,
		recorder:    recorder,
		poll:        5 * time.Second,
		backoff:     2 * time.Second,
		MaxAttempts: DefaultMaxFeedbackAttempts,
	}
}

// Run consumes until ctx is cancelled. A record that fails to apply goes
// back on the queue until it has used MaxAttempts and is then moved to the
// dead-letter list. Malformed records are dead-lettered at once.
func (c *FeedbackConsumer) Run(ctx context.Context) error {
	logger.Info("Feedback consumer started")
	defer logger.Info("Feedback consumer stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		record, err := c.source.Dequeue(ctx, c.poll)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("Feedback dequeue failed", zap.Error(err))
			if !c.wait(ctx) {
				return nil
			}
			continue
		}
		if record == nil {
			continue
		}

		if err := c.Process(ctx, *record); err != nil {
			if c.retry(ctx, *record, err) && !c.wait(ctx) {
				return nil
			}
		}
	}
}

// retry requeues a failed record, or dead-letters it when the failure is
// permanent or its attempts are used up. It reports whether it requeued.
func (c *FeedbackConsumer) retry(ctx context.Context, record models.FeedbackRecord, cause error) bool {
	ctx = context.WithoutCancel(ctx)
	record.Attempts++

	if errors.Is(cause, apperrors.ErrInvalidInput) || record.Attempts >= c.MaxAttempts {
		logger.Error("Giving up on feedback record",
			zap.String("feedback_id", record.ID),
			zap.Int("attempts", record.Attempts),
			zap.Error(cause),
		)
		metrics.FeedbackDeadLettered.Inc()
		if err := c.source.DeadLetter(ctx, record); err != nil {
			logger.Error("Failed to dead-letter feedback record",
				zap.String("feedback_id", record.ID), zap.Error(err))
		}
		return false
	}

	logger.Warn("Failed to apply feedback record, requeueing",
		zap.String("feedback_id", record.ID),
		zap.Int("attempts", record.Attempts),
		zap.Error(cause),
	)
	if err := c.source.Requeue(ctx, record); err != nil {
		logger.Error("Failed to requeue feedback record",
			zap.String("feedback_id", record.ID), zap.Error(err))
	}
	return true
}

// Process applies one correction and records it as applied.
func (c *FeedbackConsumer) Process(ctx context.Context, record models.FeedbackRecord) error {
	if err := c.applier.ApplyCorrection(ctx, record); err != nil {
		return err
	}
	if err := c.recorder.SaveFeedback(ctx, record); err != nil {
		return apperrors.Persistence(err, "save feedback record")
	}
	logger.Info("Feedback record applied",
		zap.String("feedback_id", record.ID),
		zap.String("escalation_id", record.EscalationID),
	)
	return nil
}

func (c *FeedbackConsumer) wait(ctx context.Context) bool {
	t := time.NewTimer(c.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
