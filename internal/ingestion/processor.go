// Package ingestion turns advisory pages and officer corrections into
// indexed knowledge passages.
package ingestion

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/krishi-officer/backend/internal/metrics"
	"github.com/krishi-officer/backend/internal/nlu"
	"github.com/krishi-officer/backend/internal/storage/models"
	"github.com/krishi-officer/backend/internal/vector/zilliz"
	"github.com/krishi-officer/backend/pkg/apperrors"
	"github.com/krishi-officer/backend/pkg/logger"
)

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 100

	maxPageBytes = 4 << 20

	// CorrectionSourcePrefix marks passages written from officer corrections.
	CorrectionSourcePrefix = "correction:"
)

var whitespace = regexp.MustCompile(`\s+`)

type DocumentStore interface {
	UpsertDocument(ctx context.Context, doc *models.KnowledgeDocument, chunks int) error
}

type ChunkIndex interface {
	DeleteSource(ctx context.Context, source string) error
	Insert(ctx context.Context, chunks []zilliz.Chunk) error
}

type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Input is one advisory page. Tags given here are merged with the tags
// found in the page text.
type Input struct {
	URL         string
	HTML        string
	ContentType string
	Language    string
	Tags        models.PassageTags
}

type Processor struct {
	docs         DocumentStore
	index        ChunkIndex
	embedder     BatchEmbedder
	extractor    *nlu.Extractor
	httpClient   *http.Client
	chunkSize    int
	chunkOverlap int
	now          func() time.Time
}

func NewProcessor(docs DocumentStore, index ChunkIndex, embedder BatchEmbedder, extractor *nlu.Extractor) *Processor {
	return &Processor{
		docs:         docs,
		index:        index,
		embedder:     embedder,
		extractor:    extractor,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		chunkSize:    defaultChunkSize,
		chunkOverlap: defaultChunkOverlap,
		now:          time.Now,
	}
}

// Fetch downloads an advisory page for ProcessDocument.
func (p *Processor) Fetch(ctx context.Context, url string) (Input, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Input{}, apperrors.InvalidInputFrom(err, "document url")
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Input{}, apperrors.Upstream(err, "fetch document")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Input{}, apperrors.Upstream(eris.Errorf("status %d", resp.StatusCode), "fetch document")
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return Input{}, apperrors.Upstream(err, "read document")
	}
	return Input{
		URL:         url,
		HTML:        string(raw),
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// ProcessDocument replaces every passage previously indexed for the page's
// URL and records the document.
func (p *Processor) ProcessDocument(ctx context.Context, in Input) (*models.KnowledgeDocument, error) {
	if strings.TrimSpace(in.URL) == "" {
		return nil, apperrors.InvalidInput("document url is required")
	}
	logger.Info("Processing document", zap.String("url", in.URL))

	html, err := goquery.NewDocumentFromReader(strings.NewReader(in.HTML))
	if err != nil {
		return nil, apperrors.InvalidInputFrom(err, "document html")
	}
	title := extractTitle(html)
	text := cleanText(html)
	if text == "" {
		return nil, apperrors.InvalidInput("no content extracted from HTML")
	}

	language := in.Language
	if language == "" {
		language = detectLanguage(text)
	}

	tags := mergeTags(in.Tags, p.extractor.Tags(text, language))
	doc := &models.KnowledgeDocument{
		ID:          generateID(in.URL),
		URL:         in.URL,
		Title:       title,
		ContentType: in.ContentType,
		Language:    language,
		Tags:        tags,
		Content:     text,
		UpdatedAt:   p.now().UTC(),
	}

	chunks := p.chunkText(text)
	logger.Info("Document chunked", zap.String("doc_id", doc.ID), zap.Int("chunks", len(chunks)))

	if err := p.index.DeleteSource(ctx, doc.URL); err != nil {
		return nil, apperrors.Upstream(err, "vector store")
	}
	if err := p.indexChunks(ctx, doc.ID, doc.URL, tags, chunks); err != nil {
		return nil, err
	}
	if err := p.docs.UpsertDocument(ctx, doc, len(chunks)); err != nil {
		return nil, apperrors.Persistence(err, "save document")
	}

	metrics.DocumentsProcessed.Inc()
	logger.Info("Document processed successfully",
		zap.String("doc_id", doc.ID),
		zap.Int("chunks", len(chunks)),
		zap.Strings("crops", tags.Crops),
		zap.Strings("diseases", tags.Diseases),
	)
	return doc, nil
}

// ApplyCorrection indexes an officer's correction as its own passage so later
// retrievals prefer it over the entries it targets.
func (p *Processor) ApplyCorrection(ctx context.Context, record models.FeedbackRecord) error {
	text := strings.TrimSpace(record.Correction)
	if text == "" {
		return apperrors.InvalidInput("correction is empty")
	}

	source := CorrectionSourcePrefix + record.ID
	if err := p.index.DeleteSource(ctx, source); err != nil {
		return apperrors.Upstream(err, "vector store")
	}
	tags := p.extractor.Tags(text, detectLanguage(text))
	if err := p.indexChunks(ctx, "correction-"+record.ID, source, tags, []string{text}); err != nil {
		return err
	}

	logger.Info("Correction indexed",
		zap.String("feedback_id", record.ID),
		zap.String("escalation_id", record.EscalationID),
		zap.Strings("targets", record.TargetEntries),
	)
	return nil
}

func (p *Processor) indexChunks(ctx context.Context, docID, source string, tags models.PassageTags, texts []string) error {
	if len(texts) == 0 {
		return nil
	}
	embeddings, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return apperrors.Upstream(err, "embeddings")
	}
	if len(embeddings) != len(texts) {
		return apperrors.Upstream(
			eris.Errorf("embedding count mismatch: got %d, expected %d", len(embeddings), len(texts)),
			"embeddings",
		)
	}

	updated := p.now().UTC()
	chunks := make([]zilliz.Chunk, 0, len(texts))
	for i, text := range texts {
		id := docID
		if len(texts) > 1 {
			id = fmt.Sprintf("%s_chunk_%d", docID, i)
		}
		chunks = append(chunks, zilliz.Chunk{
			DocID:     id,
			Source:    source,
			Embedding: embeddings[i],
			Text:      text,
			Tags:      tags,
			UpdatedAt: updated,
		})
	}

	if err := p.index.Insert(ctx, chunks); err != nil {
		return apperrors.Upstream(err, "vector store")
	}
	return nil
}

// cleanText strips page chrome in place; read the title first.
func cleanText(doc *goquery.Document) string {
	doc.Find("script, style, nav, footer, header, aside").Remove()
	text := whitespace.ReplaceAllString(doc.Find("body").Text(), " ")
	return strings.TrimSpace(text)
}

func extractTitle(doc *goquery.Document) string {
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	if title == "" {
		return "Untitled"
	}
	return title
}

func (p *Processor) chunkText(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var chunks []string
	var current strings.Builder
	size := 0

	for _, word := range words {
		wordLen := len(word) + 1

		if size+wordLen > p.chunkSize && current.Len() > 0 {
			chunks = append(chunks, strings.TrimSpace(current.String()))

			overlap := strings.Fields(current.String())
			start := max(0, len(overlap)-p.chunkOverlap/10)
			current.Reset()
			current.WriteString(strings.Join(overlap[start:], " ") + " ")
			size = current.Len()
		}

		current.WriteString(word + " ")
		size += wordLen
	}

	if current.Len() > 0 {
		chunks = append(chunks, strings.TrimSpace(current.String()))
	}
	return chunks
}

// detectLanguage reports "ml" when Malayalam letters outnumber Latin ones.
func detectLanguage(text string) string {
	var ml, latin int
	for _, r := range text {
		switch {
		case r >= 0x0D00 && r <= 0x0D7F:
			ml++
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			latin++
		}
	}
	if ml > latin {
		return "ml"
	}
	return "en"
}

func mergeTags(a, b models.PassageTags) models.PassageTags {
	return models.PassageTags{
		Crops:     union(a.Crops, b.Crops),
		Diseases:  union(a.Diseases, b.Diseases),
		Districts: union(a.Districts, b.Districts),
		Seasons:   union(a.Seasons, b.Seasons),
	}
}

func union(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	set := models.NewStringSet()
	for _, s := range a {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			set[s] = struct{}{}
		}
	}
	for _, s := range b {
		set[s] = struct{}{}
	}
	return set.Sorted()
}

func generateID(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}
