package handlers

import (
	"context"
	"io"
	"mime/multipart"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/krishi-officer/backend/internal/metrics"
	"github.com/krishi-officer/backend/internal/middleware/validation"
	"github.com/krishi-officer/backend/internal/query"
	"github.com/krishi-officer/backend/internal/storage/models"
	"github.com/krishi-officer/backend/pkg/logger"
)

const (
	maxUploadBytes = 10 << 20
	defaultHistory = 20
	maxHistory     = 100
)

type QuerySubmitter interface {
	SubmitText(ctx context.Context, farmerID, text, locale, location string) (*query.Result, error)
	SubmitVoice(ctx context.Context, sub query.VoiceSubmission) (*query.Result, error)
	SubmitImage(ctx context.Context, sub query.ImageSubmission) (*query.Result, error)
}

type QueryHistory interface {
	FarmerHistory(ctx context.Context, farmerID string, limit int) ([]models.QueryRecord, error)
	SaveRating(ctx context.Context, r *models.Rating) error
}

type QueryHandler struct {
	engine  QuerySubmitter
	history QueryHistory
}

func NewQueryHandler(engine QuerySubmitter, history QueryHistory) *QueryHandler {
	return &QueryHandler{
		engine:  engine,
		history: history,
	}
}

type queryResponse struct {
	QueryID          string         `json:"query_id"`
	Answer           string         `json:"answer"`
	Disclaimer       string         `json:"disclaimer,omitempty"`
	Confidence       float64        `json:"confidence"`
	Outcome          models.Outcome `json:"outcome"`
	Reason           models.Reason  `json:"reason"`
	CitedPassageIDs  []string       `json:"cited_passage_ids"`
	EscalationID     string         `json:"escalation_id,omitempty"`
	ProcessingMS     int64          `json:"processing_ms"`
	DeadlineExceeded bool           `json:"deadline_exceeded"`
	Unaudited        bool           `json:"unaudited"`
}

func toResponse(r *query.Result) queryResponse {
	cited := r.Trail.Candidate.CitedPassageIDs
	if cited == nil {
		cited = []string{}
	}
	return queryResponse{
		QueryID:          r.Query.ID,
		Answer:           r.Answer,
		Disclaimer:       r.Disclaimer,
		Confidence:       r.Decision.Confidence,
		Outcome:          r.Decision.Outcome,
		Reason:           r.Decision.Reason,
		CitedPassageIDs:  cited,
		EscalationID:     r.EscalationID,
		ProcessingMS:     r.Elapsed.Milliseconds(),
		DeadlineExceeded: r.DeadlineExceeded,
		Unaudited:        r.Unaudited,
	}
}

func (h *QueryHandler) SubmitText(c *fiber.Ctx) error {
	var req struct {
		FarmerID string `json:"farmer_id"`
		Text     string `json:"text"`
		Locale   string `json:"locale"`
		Location string `json:"location"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Debug("Failed to parse request body", zap.Error(err))
		return badRequest(c, "Invalid request body")
	}
	if sanitized, ok := c.Locals(validation.SanitizedTextKey).(string); ok {
		req.Text = sanitized
	}

	result, err := h.engine.SubmitText(c.UserContext(), req.FarmerID, req.Text, req.Locale, req.Location)
	if err != nil {
		return respondQueryError(c, err, "process query", req.Locale)
	}
	return c.JSON(toResponse(result))
}

func (h *QueryHandler) SubmitVoice(c *fiber.Ctx) error {
	audio, filename, err := readUpload(c, "audio")
	if err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.engine.SubmitVoice(c.UserContext(), query.VoiceSubmission{
		FarmerID: c.FormValue("farmer_id"),
		Audio:    audio,
		Filename: filename,
		Locale:   c.FormValue("locale"),
		Location: c.FormValue("location"),
	})
	if err != nil {
		return respondQueryError(c, err, "process voice query", c.FormValue("locale"))
	}
	return c.JSON(toResponse(result))
}

func (h *QueryHandler) SubmitImage(c *fiber.Ctx) error {
	image, filename, err := readUpload(c, "image")
	if err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.engine.SubmitImage(c.UserContext(), query.ImageSubmission{
		FarmerID: c.FormValue("farmer_id"),
		Image:    image,
		Filename: filename,
		Locale:   c.FormValue("locale"),
		Location: c.FormValue("location"),
	})
	if err != nil {
		return respondQueryError(c, err, "process image query", c.FormValue("locale"))
	}
	return c.JSON(toResponse(result))
}

// GetFarmerHistory returns a farmer's queries newest first.
func (h *QueryHandler) GetFarmerHistory(c *fiber.Ctx) error {
	farmerID := c.Params("id")
	limit := c.QueryInt("limit", defaultHistory)
	if limit <= 0 || limit > maxHistory {
		limit = defaultHistory
	}

	records, err := h.history.FarmerHistory(c.UserContext(), farmerID, limit)
	if err != nil {
		return respondError(c, err, "load query history")
	}
	return c.JSON(fiber.Map{
		"farmer_id": farmerID,
		"queries":   records,
	})
}

func (h *QueryHandler) RateAnswer(c *fiber.Ctx) error {
	var req struct {
		FarmerID string            `json:"farmer_id"`
		Rating   int               `json:"rating"`
		Kind     models.RatingKind `json:"kind"`
		Comment  string            `json:"comment"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	rating := &models.Rating{
		QueryID:  c.Params("id"),
		FarmerID: req.FarmerID,
		Rating:   req.Rating,
		Kind:     req.Kind,
		Comment:  req.Comment,
	}
	if err := h.history.SaveRating(c.UserContext(), rating); err != nil {
		return respondError(c, err, "save rating")
	}

	metrics.FarmerRatings.WithLabelValues(string(rating.Kind)).Inc()
	logger.Info("Answer rated",
		zap.String("query_id", rating.QueryID),
		zap.Int("rating", rating.Rating),
		zap.String("kind", string(rating.Kind)),
	)
	return c.Status(fiber.StatusCreated).JSON(rating)
}

type uploadError string

func (e uploadError) Error() string { return string(e) }

func readUpload(c *fiber.Ctx, field string) ([]byte, string, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		return nil, "", uploadError("multipart field " + strconv.Quote(field) + " is required")
	}
	if fh.Size > maxUploadBytes {
		return nil, "", uploadError("upload exceeds maximum size")
	}
	data, err := readFile(fh)
	if err != nil {
		return nil, "", uploadError("failed to read upload")
	}
	return data, fh.Filename, nil
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, maxUploadBytes))
}
