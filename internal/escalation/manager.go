// Package escalation owns the lifecycle of cases routed to a human officer:
// pending -> assigned -> in_progress -> resolved -> closed. Transitions only
// move forward and every one is a compare-and-set on the stored status.
package escalation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/krishi-officer/backend/internal/decision"
	"github.com/krishi-officer/backend/internal/metrics"
	"github.com/krishi-officer/backend/internal/storage/models"
	"github.com/krishi-officer/backend/pkg/apperrors"
	"github.com/krishi-officer/backend/pkg/logger"
	"github.com/krishi-officer/backend/pkg/retry"
)

// FeedbackQueue hands officer corrections to the knowledge-update process.
type FeedbackQueue interface {
	Enqueue(ctx context.Context, record models.FeedbackRecord) error
}

// Notifier delivers escalation events to officers and answers to farmers.
type Notifier interface {
	NotifyOfficers(ctx context.Context, esc *models.Escalation) error
	NotifyFarmer(ctx context.Context, d models.Decision, esc *models.Escalation) error
}

// DecisionRecorder appends decisions to a query's history.
type DecisionRecorder interface {
	AppendDecision(ctx context.Context, d models.Decision) error
}

type Config struct {
	// RepeatWindow and RepeatThreshold: a farmer with at least RepeatThreshold
	// escalations inside RepeatWindow gets the next one raised a level.
	RepeatWindow    time.Duration
	RepeatThreshold int
	Retry           retry.Config
}

func DefaultConfig() Config {
	return Config{
		RepeatWindow:    30 * 24 * time.Hour,
		RepeatThreshold: 2,
		Retry:           retry.DefaultConfig(),
	}
}

type Manager struct {
	store     Store
	feedback  FeedbackQueue
	notifier  Notifier
	decisions DecisionRecorder
	cfg       Config
	now       func() time.Time
}

func NewManager(store Store, feedback FeedbackQueue, notifier Notifier, decisions DecisionRecorder, cfg Config) *Manager {
	if cfg.RepeatWindow <= 0 {
		cfg.RepeatWindow = 30 * 24 * time.Hour
	}
	if cfg.RepeatThreshold <= 0 {
		cfg.RepeatThreshold = 2
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	cfg.Retry.Logger = logger.GetLogger()
	return &Manager{
		store:     store,
		feedback:  feedback,
		notifier:  notifier,
		decisions: decisions,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Create opens a pending escalation for an escalate decision. The write is
// not cancelled by the caller's context.
func (m *Manager) Create(ctx context.Context, q models.Query, d models.Decision) (*models.Escalation, error) {
	if d.Outcome != models.OutcomeEscalate {
		return nil, apperrors.InvalidInput("decision outcome is not escalate")
	}
	ctx = context.WithoutCancel(ctx)
	now := m.now().UTC()

	priority := m.priority(ctx, q.FarmerID, d.Reason, now)
	esc := &models.Escalation{
		ID:        uuid.New().String(),
		QueryID:   q.ID,
		FarmerID:  q.FarmerID,
		Status:    models.StatusPending,
		Priority:  priority,
		Reason:    d.Reason,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if _, err := retry.Do(ctx, m.retryConfig("create_escalation"), func(ctx context.Context) error {
		return m.store.CreateEscalation(ctx, esc)
	}); err != nil {
		return nil, apperrors.Persistence(err, "create escalation")
	}

	metrics.EscalationsCreated.WithLabelValues(string(esc.Reason), string(esc.Priority)).Inc()
	logger.Info("Escalation created",
		zap.String("escalation_id", esc.ID),
		zap.String("query_id", esc.QueryID),
		zap.String("reason", string(esc.Reason)),
		zap.String("priority", string(esc.Priority)),
	)

	if err := m.notifier.NotifyOfficers(ctx, esc); err != nil {
		logger.Warn("Failed to notify officers", zap.String("escalation_id", esc.ID), zap.Error(err))
	}
	return esc, nil
}

// priority: safety violations start high, everything else medium. Repeat
// escalations from the same farmer inside the window are raised one level.
func (m *Manager) priority(ctx context.Context, farmerID string, reason models.Reason, now time.Time) models.Priority {
	p := models.PriorityMedium
	if reason == models.ReasonSafetyViolation {
		p = models.PriorityHigh
	}

	prior, err := m.store.CountFarmerEscalationsSince(ctx, farmerID, now.Add(-m.cfg.RepeatWindow))
	if err != nil {
		logger.Warn("Failed to count prior escalations, keeping base priority",
			zap.String("farmer_id", farmerID),
			zap.Error(err),
		)
		return p
	}
	if prior >= m.cfg.RepeatThreshold {
		p = p.Raise()
	}
	return p
}

// Assign moves a pending escalation to assigned. Of two concurrent assigns
// exactly one succeeds; the other gets ErrInvalidTransition.
func (m *Manager) Assign(ctx context.Context, id, officerID string) (*models.Escalation, error) {
	if strings.TrimSpace(officerID) == "" {
		return nil, apperrors.InvalidInput("officer id is required")
	}
	esc, err := m.transition(ctx, id, models.StatusAssigned, func(esc *models.Escalation, now time.Time) error {
		if esc.Status != models.StatusPending {
			return apperrors.InvalidTransition("cannot assign escalation in status " + string(esc.Status))
		}
		esc.OfficerID = &officerID
		esc.AssignedAt = &now
		esc.Status = models.StatusAssigned
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := m.notifier.NotifyOfficers(context.WithoutCancel(ctx), esc); err != nil {
		logger.Warn("Failed to notify officers", zap.String("escalation_id", esc.ID), zap.Error(err))
	}
	return esc, nil
}

// Respond records the assigned officer's answer. A final response resolves
// the escalation; otherwise it stays in_progress for further turns.
func (m *Manager) Respond(ctx context.Context, id, officerID, text string, final bool) (*models.Escalation, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apperrors.InvalidInput("response text is required")
	}
	to := models.StatusInProgress
	if final {
		to = models.StatusResolved
	}
	esc, err := m.transition(ctx, id, to, func(esc *models.Escalation, now time.Time) error {
		if esc.Status != models.StatusAssigned && esc.Status != models.StatusInProgress {
			return apperrors.InvalidTransition("cannot respond to escalation in status " + string(esc.Status))
		}
		if esc.OfficerID == nil || *esc.OfficerID != officerID {
			return apperrors.InvalidTransition("officer " + officerID + " is not assigned to this escalation")
		}
		esc.OfficerResponse = &text
		esc.Status = models.StatusInProgress
		if final {
			esc.Status = models.StatusResolved
			esc.ResolvedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if final {
		m.afterResolve(ctx, esc)
	}
	return esc, nil
}

// Resolve closes the officer's work on an in_progress escalation. A
// non-empty correction emits exactly one FeedbackRecord.
func (m *Manager) Resolve(ctx context.Context, id, notes, correction string, targets []string) (*models.Escalation, error) {
	esc, err := m.transition(ctx, id, models.StatusResolved, func(esc *models.Escalation, now time.Time) error {
		if esc.Status != models.StatusInProgress {
			return apperrors.InvalidTransition("cannot resolve escalation in status " + string(esc.Status))
		}
		esc.ResolutionNotes = notes
		esc.Status = models.StatusResolved
		esc.ResolvedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.afterResolve(ctx, esc)

	if strings.TrimSpace(correction) != "" {
		if _, err := m.emitFeedback(ctx, esc, correction, targets); err != nil {
			return esc, err
		}
	}
	return esc, nil
}

// SubmitCorrection queues a correction for an already resolved escalation.
func (m *Manager) SubmitCorrection(ctx context.Context, id, correction string, targets []string) (*models.FeedbackRecord, error) {
	if strings.TrimSpace(correction) == "" {
		return nil, apperrors.InvalidInput("correction text is required")
	}
	esc, err := m.store.GetEscalation(ctx, id)
	if err != nil {
		return nil, err
	}
	if esc.Status != models.StatusResolved {
		return nil, apperrors.InvalidTransition("corrections need a resolved escalation, status is " + string(esc.Status))
	}
	return m.emitFeedback(ctx, esc, correction, targets)
}

// Close is only permitted from resolved. Closed is terminal.
func (m *Manager) Close(ctx context.Context, id string) (*models.Escalation, error) {
	return m.transition(ctx, id, models.StatusClosed, func(esc *models.Escalation, now time.Time) error {
		if esc.Status != models.StatusResolved {
			return apperrors.InvalidTransition("cannot close escalation in status " + string(esc.Status))
		}
		esc.Status = models.StatusClosed
		esc.ClosedAt = &now
		return nil
	})
}

func (m *Manager) Get(ctx context.Context, id string) (*models.Escalation, error) {
	return m.store.GetEscalation(ctx, id)
}

func (m *Manager) List(ctx context.Context, filter Filter) ([]*models.Escalation, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, apperrors.InvalidInput("unknown status " + string(filter.Status))
	}
	if filter.Priority != "" && !filter.Priority.Valid() {
		return nil, apperrors.InvalidInput("unknown priority " + string(filter.Priority))
	}
	return m.store.ListEscalations(ctx, filter)
}

// Dashboard counts pending and active escalations and those resolved since
// midnight UTC.
func (m *Manager) Dashboard(ctx context.Context) (Stats, error) {
	now := m.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return m.store.EscalationStats(ctx, midnight)
}

type mutation func(esc *models.Escalation, now time.Time) error

// transition loads, mutates and compare-and-sets one escalation. Committed
// writes are not cancelled by the caller's context.
func (m *Manager) transition(ctx context.Context, id string, to models.EscalationStatus, apply mutation) (*models.Escalation, error) {
	ctx = context.WithoutCancel(ctx)

	esc, err := m.store.GetEscalation(ctx, id)
	if err != nil {
		return nil, err
	}
	from := esc.Status
	now := m.now().UTC()

	if err := apply(esc, now); err != nil {
		metrics.EscalationTransitions.WithLabelValues(string(to), "rejected").Inc()
		logger.Warn("Escalation transition rejected",
			zap.String("escalation_id", id),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Error(err),
		)
		return nil, err
	}
	esc.UpdatedAt = now

	if err := m.store.UpdateEscalation(ctx, esc, from); err != nil {
		if errors.Is(err, ErrStale) {
			metrics.EscalationTransitions.WithLabelValues(string(to), "conflict").Inc()
			return nil, apperrors.InvalidTransition("escalation " + id + " changed concurrently")
		}
		return nil, apperrors.Persistence(err, "update escalation")
	}

	metrics.EscalationTransitions.WithLabelValues(string(to), "ok").Inc()
	logger.Info("Escalation transitioned",
		zap.String("escalation_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(esc.Status)),
	)
	return esc, nil
}

// afterResolve appends the officer_resolved decision and tells the farmer.
// Failures are logged; the resolution itself is already committed.
func (m *Manager) afterResolve(ctx context.Context, esc *models.Escalation) {
	ctx = context.WithoutCancel(ctx)
	d := decision.Resolved(esc.QueryID, m.now())

	if _, err := retry.Do(ctx, m.retryConfig("append_decision"), func(ctx context.Context) error {
		return m.decisions.AppendDecision(ctx, d)
	}); err != nil {
		logger.Error("Failed to append resolution decision",
			zap.String("escalation_id", esc.ID),
			zap.String("query_id", esc.QueryID),
			zap.Error(err),
		)
	}
	if err := m.notifier.NotifyFarmer(ctx, d, esc); err != nil {
		logger.Warn("Failed to notify farmer", zap.String("escalation_id", esc.ID), zap.Error(err))
	}
}

func (m *Manager) emitFeedback(ctx context.Context, esc *models.Escalation, correction string, targets []string) (*models.FeedbackRecord, error) {
	ctx = context.WithoutCancel(ctx)
	if targets == nil {
		targets = []string{}
	}
	record := models.FeedbackRecord{
		ID:            uuid.New().String(),
		EscalationID:  esc.ID,
		QueryID:       esc.QueryID,
		Correction:    correction,
		TargetEntries: targets,
		CreatedAt:     m.now().UTC(),
	}
	if esc.OfficerID != nil {
		record.OfficerID = *esc.OfficerID
	}

	if _, err := retry.Do(ctx, m.retryConfig("enqueue_feedback"), func(ctx context.Context) error {
		return m.feedback.Enqueue(ctx, record)
	}); err != nil {
		return nil, apperrors.Persistence(err, "enqueue feedback")
	}

	metrics.FeedbackRecords.Inc()
	logger.Info("Feedback record queued",
		zap.String("feedback_id", record.ID),
		zap.String("escalation_id", esc.ID),
		zap.Int("targets", len(targets)),
	)
	return &record, nil
}

func (m *Manager) retryConfig(operation string) retry.Config {
	cfg := m.cfg.Retry
	cfg.Operation = operation
	return cfg
}
