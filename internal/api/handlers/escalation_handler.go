package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/krishi-officer/backend/internal/escalation"
	"github.com/krishi-officer/backend/internal/storage/models"
	"github.com/krishi-officer/backend/pkg/apperrors"
	"github.com/krishi-officer/backend/pkg/logger"
)

type EscalationWorkflow interface {
	Get(ctx context.Context, id string) (*models.Escalation, error)
	List(ctx context.Context, filter escalation.Filter) ([]*models.Escalation, error)
	Assign(ctx context.Context, id, officerID string) (*models.Escalation, error)
	Respond(ctx context.Context, id, officerID, text string, final bool) (*models.Escalation, error)
	Resolve(ctx context.Context, id, notes, correction string, targets []string) (*models.Escalation, error)
	SubmitCorrection(ctx context.Context, id, correction string, targets []string) (*models.FeedbackRecord, error)
	Close(ctx context.Context, id string) (*models.Escalation, error)
	Dashboard(ctx context.Context) (escalation.Stats, error)
}

var _ EscalationWorkflow = (*escalation.Manager)(nil)

// EscalationHandler serves the officer side of the escalation lifecycle.
type EscalationHandler struct {
	workflow EscalationWorkflow
}

func NewEscalationHandler(workflow EscalationWorkflow) *EscalationHandler {
	return &EscalationHandler{workflow: workflow}
}

func (h *EscalationHandler) Get(c *fiber.Ctx) error {
	esc, err := h.workflow.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err, "load escalation")
	}
	return c.JSON(esc)
}

func (h *EscalationHandler) List(c *fiber.Ctx) error {
	filter := escalation.Filter{
		Status:    models.EscalationStatus(c.Query("status")),
		Priority:  models.Priority(c.Query("priority")),
		FarmerID:  c.Query("farmer_id"),
		OfficerID: c.Query("officer_id"),
		Limit:     c.QueryInt("limit", 50),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return badRequest(c, "Unknown status")
	}
	if filter.Priority != "" && !filter.Priority.Valid() {
		return badRequest(c, "Unknown priority")
	}
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}

	items, err := h.workflow.List(c.UserContext(), filter)
	if err != nil {
		return respondError(c, err, "list escalations")
	}
	if items == nil {
		items = []*models.Escalation{}
	}
	return c.JSON(fiber.Map{
		"escalations": items,
		"count":       len(items),
	})
}

func (h *EscalationHandler) Assign(c *fiber.Ctx) error {
	var req struct {
		OfficerID string `json:"officer_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if req.OfficerID == "" {
		return badRequest(c, "officer_id is required")
	}

	esc, err := h.workflow.Assign(c.UserContext(), c.Params("id"), req.OfficerID)
	if err != nil {
		return respondError(c, err, "assign escalation")
	}
	return c.JSON(esc)
}

func (h *EscalationHandler) Respond(c *fiber.Ctx) error {
	var req struct {
		OfficerID string `json:"officer_id"`
		Response  string `json:"response"`
		Final     bool   `json:"final"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	esc, err := h.workflow.Respond(c.UserContext(), c.Params("id"), req.OfficerID, req.Response, req.Final)
	if err != nil {
		return respondError(c, err, "record officer response")
	}
	return c.JSON(esc)
}

func (h *EscalationHandler) Resolve(c *fiber.Ctx) error {
	var req struct {
		Notes         string   `json:"notes"`
		Correction    string   `json:"correction"`
		TargetEntries []string `json:"target_entries"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	esc, err := h.workflow.Resolve(c.UserContext(), c.Params("id"), req.Notes, req.Correction, req.TargetEntries)
	if err != nil && (esc == nil || !errors.Is(err, apperrors.ErrPersistence)) {
		return respondError(c, err, "resolve escalation")
	}

	resp := resolveResponse{Escalation: esc}
	if strings.TrimSpace(req.Correction) != "" {
		queued := err == nil
		resp.CorrectionQueued = &queued
	}
	if err != nil {
		// The resolution is committed; only the correction is missing.
		logger.Error("Escalation resolved but correction not queued",
			zap.String("escalation_id", esc.ID), zap.Error(err))
		resp.CorrectionRetry = "POST /api/v1/escalations/" + esc.ID + "/correction"
	}
	return c.JSON(resp)
}

// resolveResponse is the resolved escalation plus the fate of the
// correction, when one was sent.
type resolveResponse struct {
	*models.Escalation
	CorrectionQueued *bool  `json:"correction_queued,omitempty"`
	CorrectionRetry  string `json:"correction_retry,omitempty"`
}

func (h *EscalationHandler) SubmitCorrection(c *fiber.Ctx) error {
	var req struct {
		Correction    string   `json:"correction"`
		TargetEntries []string `json:"target_entries"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	record, err := h.workflow.SubmitCorrection(c.UserContext(), c.Params("id"), req.Correction, req.TargetEntries)
	if err != nil {
		return respondError(c, err, "submit correction")
	}
	return c.Status(fiber.StatusAccepted).JSON(record)
}

func (h *EscalationHandler) Close(c *fiber.Ctx) error {
	esc, err := h.workflow.Close(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err, "close escalation")
	}
	return c.JSON(esc)
}

// Dashboard reports the officer queue counters.
func (h *EscalationHandler) Dashboard(c *fiber.Ctx) error {
	stats, err := h.workflow.Dashboard(c.UserContext())
	if err != nil {
		return respondError(c, err, "load dashboard")
	}
	return c.JSON(stats)
}
