package ingestion

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krishi-officer/backend/internal/nlu"
	"github.com/krishi-officer/backend/internal/storage/models"
	"github.com/krishi-officer/backend/internal/vector/zilliz"
	"github.com/krishi-officer/backend/pkg/apperrors"
)

type fakeIndex struct {
	mu      sync.Mutex
	chunks  map[string][]zilliz.Chunk
	deleted []string
	err     error
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{chunks: make(map[string][]zilliz.Chunk)}
}

func (f *fakeIndex) DeleteSource(_ context.Context, source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, source)
	delete(f.chunks, source)
	return nil
}

func (f *fakeIndex) Insert(_ context.Context, chunks []zilliz.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	for _, c := range chunks {
		f.chunks[c.Source] = append(f.chunks[c.Source], c)
	}
	return nil
}

type fakeDocs struct {
	docs   map[string]*models.KnowledgeDocument
	chunks map[string]int
}

func (f *fakeDocs) UpsertDocument(_ context.Context, doc *models.KnowledgeDocument, chunks int) error {
	if f.docs == nil {
		f.docs = make(map[string]*models.KnowledgeDocument)
		f.chunks = make(map[string]int)
	}
	f.docs[doc.ID] = doc
	f.chunks[doc.ID] = chunks
	return nil
}

type embedFunc func(ctx context.Context, texts []string) ([][]float32, error)

func (f embedFunc) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return f(ctx, texts)
}

func unitEmbeddings(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func newTestProcessor(t *testing.T, embed embedFunc) (*Processor, *fakeIndex, *fakeDocs) {
	t.Helper()
	x, err := nlu.Load("")
	require.NoError(t, err)
	index := newFakeIndex()
	docs := &fakeDocs{}
	p := NewProcessor(docs, index, embed, x)
	p.now = func() time.Time { return time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC) }
	return p, index, docs
}

const advisoryPage = `<html>
<head><title>Managing blast in paddy</title><script>var x = 1;</script></head>
<body>
<nav>Home | Crops</nav>
<h1>Blast management</h1>
<p>Blast is common in rice fields of Palakkad during Mundakan.</p>
<p>Spray Tricyclazole 75 WP at 0.6 g per litre at boot leaf stage.</p>
<footer>Kerala Agricultural University</footer>
</body>
</html>`

func TestProcessDocument(t *testing.T) {
	p, index, docs := newTestProcessor(t, unitEmbeddings)

	doc, err := p.ProcessDocument(context.Background(), Input{
		URL:  "https://kau.in/advisory/blast",
		HTML: advisoryPage,
		Tags: models.PassageTags{Seasons: []string{"Virippu"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "Managing blast in paddy", doc.Title)
	assert.Equal(t, "en", doc.Language)
	assert.NotContains(t, doc.Content, "var x")
	assert.NotContains(t, doc.Content, "Home | Crops")
	assert.NotContains(t, doc.Content, "Kerala Agricultural University")
	assert.Contains(t, doc.Content, "Tricyclazole")

	assert.Equal(t, []string{"rice"}, doc.Tags.Crops)
	assert.Equal(t, []string{"blast"}, doc.Tags.Diseases)
	assert.Equal(t, []string{"palakkad"}, doc.Tags.Districts)
	assert.Equal(t, []string{"mundakan", "virippu"}, doc.Tags.Seasons)

	chunks := index.chunks[doc.URL]
	require.Len(t, chunks, 1)
	assert.Equal(t, doc.ID, chunks[0].DocID)
	assert.Equal(t, doc.Tags, chunks[0].Tags)
	assert.Equal(t, 1, docs.chunks[doc.ID])
}

func TestProcessDocument_ReingestReplacesPassages(t *testing.T) {
	p, index, _ := newTestProcessor(t, unitEmbeddings)
	in := Input{URL: "https://kau.in/advisory/blast", HTML: advisoryPage}

	first, err := p.ProcessDocument(context.Background(), in)
	require.NoError(t, err)
	second, err := p.ProcessDocument(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, index.chunks[in.URL], 1)
	assert.Equal(t, []string{in.URL, in.URL}, index.deleted)
}

func TestProcessDocument_LongPageIsChunked(t *testing.T) {
	p, index, _ := newTestProcessor(t, unitEmbeddings)
	body := strings.Repeat("coconut palms need potash in the monsoon ", 100)

	doc, err := p.ProcessDocument(context.Background(), Input{
		URL:  "https://kau.in/advisory/coconut",
		HTML: "<html><body><p>" + body + "</p></body></html>",
	})

	require.NoError(t, err)
	chunks := index.chunks[doc.URL]
	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.LessOrEqual(t, len(c.Text), defaultChunkSize+defaultChunkOverlap)
		assert.True(t, strings.HasPrefix(c.DocID, doc.ID+"_chunk_"), "chunk %d id %s", i, c.DocID)
	}
}

func TestProcessDocument_Malayalam(t *testing.T) {
	p, _, _ := newTestProcessor(t, unitEmbeddings)

	doc, err := p.ProcessDocument(context.Background(), Input{
		URL:  "https://kau.in/ml/coconut",
		HTML: "<html><body><p>തെങ്ങിന് കൂമ്പുചീയൽ വന്നാൽ ബോർഡോ മിശ്രിതം തളിക്കുക</p></body></html>",
	})

	require.NoError(t, err)
	assert.Equal(t, "ml", doc.Language)
	assert.Equal(t, "Untitled", doc.Title)
	assert.Equal(t, []string{"coconut"}, doc.Tags.Crops)
	assert.Equal(t, []string{"bud_rot"}, doc.Tags.Diseases)
}

func TestProcessDocument_Rejects(t *testing.T) {
	tests := []struct {
		name string
		in   Input
	}{
		{"missing url", Input{HTML: advisoryPage}},
		{"empty body", Input{URL: "https://kau.in/x", HTML: "<html><body><script>x()</script></body></html>"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _, docs := newTestProcessor(t, unitEmbeddings)

			_, err := p.ProcessDocument(context.Background(), tt.in)

			assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
			assert.Empty(t, docs.docs)
		})
	}
}

func TestProcessDocument_UpstreamFailures(t *testing.T) {
	t.Run("embeddings", func(t *testing.T) {
		p, _, docs := newTestProcessor(t, func(context.Context, []string) ([][]float32, error) {
			return nil, errors.New("rate limited")
		})

		_, err := p.ProcessDocument(context.Background(), Input{URL: "https://kau.in/a", HTML: advisoryPage})

		assert.ErrorIs(t, err, apperrors.ErrUpstreamUnavailable)
		assert.Empty(t, docs.docs)
	})

	t.Run("embedding count mismatch", func(t *testing.T) {
		p, _, _ := newTestProcessor(t, func(context.Context, []string) ([][]float32, error) {
			return nil, nil
		})

		_, err := p.ProcessDocument(context.Background(), Input{URL: "https://kau.in/a", HTML: advisoryPage})

		assert.ErrorIs(t, err, apperrors.ErrUpstreamUnavailable)
	})

	t.Run("vector store", func(t *testing.T) {
		p, index, _ := newTestProcessor(t, unitEmbeddings)
		index.err = errors.New("collection not loaded")

		_, err := p.ProcessDocument(context.Background(), Input{URL: "https://kau.in/a", HTML: advisoryPage})

		assert.ErrorIs(t, err, apperrors.ErrUpstreamUnavailable)
	})
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/blast" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(advisoryPage))
	}))
	defer srv.Close()

	p, _, _ := newTestProcessor(t, unitEmbeddings)
	defer p.httpClient.CloseIdleConnections()

	in, err := p.Fetch(context.Background(), srv.URL+"/blast")
	require.NoError(t, err)
	assert.Equal(t, advisoryPage, in.HTML)
	assert.Equal(t, "text/html; charset=utf-8", in.ContentType)

	_, err = p.Fetch(context.Background(), srv.URL+"/missing")
	assert.ErrorIs(t, err, apperrors.ErrUpstreamUnavailable)
}

func TestApplyCorrection(t *testing.T) {
	p, index, _ := newTestProcessor(t, unitEmbeddings)
	record := models.FeedbackRecord{
		ID:            "fb-1",
		EscalationID:  "esc-1",
		Correction:    "For blast in rice use Tricyclazole, not Carbendazim.",
		TargetEntries: []string{"doc-7"},
	}

	require.NoError(t, p.ApplyCorrection(context.Background(), record))
	require.NoError(t, p.ApplyCorrection(context.Background(), record))

	chunks := index.chunks[CorrectionSourcePrefix+"fb-1"]
	require.Len(t, chunks, 1)
	assert.Equal(t, "correction-fb-1", chunks[0].DocID)
	assert.Equal(t, []string{"rice"}, chunks[0].Tags.Crops)

	err := p.ApplyCorrection(context.Background(), models.FeedbackRecord{ID: "fb-2", Correction: "  "})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}
