package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/krishi-officer/backend/internal/ingestion"
	"github.com/krishi-officer/backend/internal/storage/models"
	"github.com/krishi-officer/backend/pkg/logger"
)

type DocumentIngester interface {
	Fetch(ctx context.Context, url string) (ingestion.Input, error)
	ProcessDocument(ctx context.Context, in ingestion.Input) (*models.KnowledgeDocument, error)
}

// DocumentHandler feeds advisory pages into the knowledge base.
type DocumentHandler struct {
	ingester DocumentIngester
}

func NewDocumentHandler(ingester DocumentIngester) *DocumentHandler {
	return &DocumentHandler{
		ingester: ingester,
	}
}

// UploadDocument ingests the posted HTML, or fetches the URL when no HTML
// is given.
func (h *DocumentHandler) UploadDocument(c *fiber.Ctx) error {
	var req struct {
		URL         string             `json:"url"`
		HTML        string             `json:"html"`
		ContentType string             `json:"content_type"`
		Language    string             `json:"language"`
		Tags        models.PassageTags `json:"tags"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Debug("Failed to parse request body", zap.Error(err))
		return badRequest(c, "Invalid request body")
	}
	if req.URL == "" {
		return badRequest(c, "url is required")
	}

	in := ingestion.Input{URL: req.URL, HTML: req.HTML, ContentType: req.ContentType}
	if in.HTML == "" {
		fetched, err := h.ingester.Fetch(c.UserContext(), req.URL)
		if err != nil {
			return respondError(c, err, "fetch document")
		}
		in = fetched
	}
	in.Language = req.Language
	in.Tags = req.Tags

	doc, err := h.ingester.ProcessDocument(c.UserContext(), in)
	if err != nil {
		return respondError(c, err, "process document")
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id":       doc.ID,
		"url":      doc.URL,
		"title":    doc.Title,
		"language": doc.Language,
		"tags":     doc.Tags,
	})
}
