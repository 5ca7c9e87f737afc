package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krishi-officer/backend/internal/escalation"
	"github.com/krishi-officer/backend/internal/ingestion"
	"github.com/krishi-officer/backend/internal/messages"
	"github.com/krishi-officer/backend/internal/query"
	"github.com/krishi-officer/backend/internal/storage/models"
	"github.com/krishi-officer/backend/pkg/apperrors"
)

type fakeEngine struct {
	mu    sync.Mutex
	voice *query.VoiceSubmission
	image *query.ImageSubmission
	err   error
}

func (f *fakeEngine) result(farmerID, text string) *query.Result {
	return &query.Result{
		Query: models.Query{ID: "q-1", FarmerID: farmerID, Text: text},
		Trail: models.Trail{Candidate: models.CandidateAnswer{CitedPassageIDs: []string{"kau-blast-1"}}},
		Decision: models.Decision{
			QueryID:    "q-1",
			Outcome:    models.OutcomeDisclaimer,
			Reason:     models.ReasonModerateConfidence,
			Confidence: 0.7,
		},
		Answer:     "Spray Tricyclazole.",
		Disclaimer: "Please confirm with your Krishi Bhavan.",
		Elapsed:    1500 * time.Millisecond,
	}
}

func (f *fakeEngine) SubmitText(_ context.Context, farmerID, text, _, _ string) (*query.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	if strings.TrimSpace(text) == "" {
		return nil, apperrors.InvalidInput("text is empty")
	}
	return f.result(farmerID, text), nil
}

func (f *fakeEngine) SubmitVoice(_ context.Context, sub query.VoiceSubmission) (*query.Result, error) {
	f.mu.Lock()
	f.voice = &sub
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.result(sub.FarmerID, "transcript"), nil
}

func (f *fakeEngine) SubmitImage(_ context.Context, sub query.ImageSubmission) (*query.Result, error) {
	f.mu.Lock()
	f.image = &sub
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.result(sub.FarmerID, "label"), nil
}

type fakeHistory struct {
	records []models.QueryRecord
	ratings []models.Rating
}

func (f *fakeHistory) FarmerHistory(_ context.Context, farmerID string, limit int) ([]models.QueryRecord, error) {
	out := []models.QueryRecord{}
	for _, r := range f.records {
		if r.Query.FarmerID == farmerID && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeHistory) SaveRating(_ context.Context, r *models.Rating) error {
	if r.Rating < 1 || r.Rating > 5 || !r.Kind.Valid() {
		return apperrors.InvalidInput("rating must be 1..5 with a known kind")
	}
	if r.QueryID != "q-1" {
		return apperrors.ErrNotFound
	}
	r.ID = int64(len(f.ratings) + 1)
	f.ratings = append(f.ratings, *r)
	return nil
}

type fakeIngester struct {
	fetched string
	got     ingestion.Input
}

func (f *fakeIngester) Fetch(_ context.Context, url string) (ingestion.Input, error) {
	f.fetched = url
	return ingestion.Input{URL: url, HTML: "<p>fetched</p>"}, nil
}

func (f *fakeIngester) ProcessDocument(_ context.Context, in ingestion.Input) (*models.KnowledgeDocument, error) {
	f.got = in
	return &models.KnowledgeDocument{ID: "doc-1", URL: in.URL, Title: "Blast", Language: "en", Tags: in.Tags}, nil
}

type nopFeedback struct{}

func (nopFeedback) Enqueue(context.Context, models.FeedbackRecord) error { return nil }

type downFeedback struct{}

func (downFeedback) Enqueue(context.Context, models.FeedbackRecord) error {
	return errors.New("redis: connection pool exhausted")
}

type nopNotifier struct{}

func (nopNotifier) NotifyOfficers(context.Context, *models.Escalation) error { return nil }
func (nopNotifier) NotifyFarmer(context.Context, models.Decision, *models.Escalation) error {
	return nil
}

type nopDecisions struct{}

func (nopDecisions) AppendDecision(context.Context, models.Decision) error { return nil }

type testServer struct {
	app      *fiber.App
	engine   *fakeEngine
	history  *fakeHistory
	ingester *fakeIngester
	manager  *escalation.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithFeedback(t, nopFeedback{})
}

func newTestServerWithFeedback(t *testing.T, feedback escalation.FeedbackQueue) *testServer {
	t.Helper()
	cfg := escalation.DefaultConfig()
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = time.Millisecond
	s := &testServer{
		engine:   &fakeEngine{},
		history:  &fakeHistory{},
		ingester: &fakeIngester{},
		manager:  escalation.NewManager(escalation.NewMemoryStore(), feedback, nopNotifier{}, nopDecisions{}, cfg),
	}

	app := fiber.New()
	q := NewQueryHandler(s.engine, s.history)
	e := NewEscalationHandler(s.manager)
	d := NewDocumentHandler(s.ingester)
	api := app.Group("/api/v1")
	api.Post("/queries/text", q.SubmitText)
	api.Post("/queries/voice", q.SubmitVoice)
	api.Post("/queries/image", q.SubmitImage)
	api.Post("/queries/:id/rating", q.RateAnswer)
	api.Get("/farmers/:id/queries", q.GetFarmerHistory)
	api.Get("/escalations", e.List)
	api.Get("/escalations/:id", e.Get)
	api.Post("/escalations/:id/assign", e.Assign)
	api.Post("/escalations/:id/respond", e.Respond)
	api.Post("/escalations/:id/resolve", e.Resolve)
	api.Post("/escalations/:id/close", e.Close)
	api.Post("/escalations/:id/correction", e.SubmitCorrection)
	api.Get("/officer/dashboard", e.Dashboard)
	api.Post("/knowledge", d.UploadDocument)
	s.app = app
	return s
}

func (s *testServer) escalate(t *testing.T, farmerID string) *models.Escalation {
	t.Helper()
	esc, err := s.manager.Create(context.Background(),
		models.Query{ID: "q-" + farmerID, FarmerID: farmerID},
		models.Decision{Outcome: models.OutcomeEscalate, Reason: models.ReasonLowConfidence})
	require.NoError(t, err)
	return esc
}

func (s *testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return s.send(t, req)
}

func (s *testServer) send(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp.StatusCode, out
}

func multipartRequest(t *testing.T, path, field, filename string, content []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if field != "" {
		part, err := w.CreateFormFile(field, filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestSubmitText(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, http.MethodPost, "/api/v1/queries/text", map[string]string{
		"farmer_id": "farmer-1",
		"text":      "rice blast",
		"locale":    "en",
	})

	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "q-1", body["query_id"])
	assert.Equal(t, "disclaimer", body["outcome"])
	assert.Equal(t, "moderate_confidence", body["reason"])
	assert.Equal(t, 0.7, body["confidence"])
	assert.Equal(t, []any{"kau-blast-1"}, body["cited_passage_ids"])
	assert.Equal(t, float64(1500), body["processing_ms"])
	assert.Equal(t, false, body["unaudited"])
	assert.NotContains(t, body, "escalation_id")
}

func TestSubmitText_ErrorKinds(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"invalid input", apperrors.InvalidInput("text is empty"), http.StatusBadRequest},
		{"abandoned", apperrors.Abandoned(context.Canceled), http.StatusRequestTimeout},
		{"upstream", apperrors.Upstream(errors.New("503 from model"), "generation"), http.StatusBadGateway},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			s.engine.err = tt.err

			status, body := s.do(t, http.MethodPost, "/api/v1/queries/text", map[string]string{"text": "x"})

			assert.Equal(t, tt.wantStatus, status)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestSubmitVoice(t *testing.T) {
	s := newTestServer(t)
	req := multipartRequest(t, "/api/v1/queries/voice", "audio", "q.ogg", []byte("OggS"),
		map[string]string{"farmer_id": "farmer-1", "locale": "ml", "location": "palakkad"})

	status, body := s.send(t, req)

	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "q-1", body["query_id"])
	require.NotNil(t, s.engine.voice)
	assert.Equal(t, []byte("OggS"), s.engine.voice.Audio)
	assert.Equal(t, "q.ogg", s.engine.voice.Filename)
	assert.Equal(t, "ml", s.engine.voice.Locale)
	assert.Equal(t, "palakkad", s.engine.voice.Location)
}

func TestSubmitModelFailures_HideCause(t *testing.T) {
	cause := errors.New("dial tcp 10.0.0.5:443: connection refused")

	tests := []struct {
		name  string
		path  string
		field string
		err   error
	}{
		{"speech model down", "/api/v1/queries/voice", "audio", apperrors.Upstream(cause, "speech model")},
		{"detector down", "/api/v1/queries/image", "image", apperrors.Upstream(cause, "disease detection model")},
		{"bad upload", "/api/v1/queries/voice", "audio", apperrors.InvalidInputFrom(cause, "audio")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			s.engine.err = tt.err
			req := multipartRequest(t, tt.path, tt.field, "upload.bin", []byte{1, 2},
				map[string]string{"farmer_id": "farmer-1", "locale": "en"})

			resp, err := s.app.Test(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			raw, err := io.ReadAll(resp.Body)
			require.NoError(t, err)

			assert.NotContains(t, string(raw), "10.0.0.5")
			assert.NotContains(t, string(raw), "connection refused")
			if apperrors.Is(tt.err, apperrors.ErrUpstreamUnavailable) {
				assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
				var body map[string]any
				require.NoError(t, json.Unmarshal(raw, &body))
				assert.Equal(t, messages.Fallback("en"), body["answer"])
			} else {
				assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			}
		})
	}
}

func TestSubmitImage(t *testing.T) {
	s := newTestServer(t)

	status, _ := s.send(t, multipartRequest(t, "/api/v1/queries/image", "image", "leaf.jpg", []byte{0xff, 0xd8},
		map[string]string{"farmer_id": "farmer-1"}))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []byte{0xff, 0xd8}, s.engine.image.Image)

	status, body := s.send(t, multipartRequest(t, "/api/v1/queries/image", "", "", nil,
		map[string]string{"farmer_id": "farmer-1"}))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "image")
}

func TestFarmerHistoryAndRating(t *testing.T) {
	s := newTestServer(t)
	s.history.records = []models.QueryRecord{
		{Query: models.Query{ID: "q-2", FarmerID: "farmer-1"}},
		{Query: models.Query{ID: "q-1", FarmerID: "farmer-1"}},
		{Query: models.Query{ID: "q-9", FarmerID: "farmer-2"}},
	}

	status, body := s.do(t, http.MethodGet, "/api/v1/farmers/farmer-1/queries?limit=5", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["queries"], 2)

	status, body = s.do(t, http.MethodPost, "/api/v1/queries/q-1/rating", map[string]any{
		"farmer_id": "farmer-1", "rating": 4, "kind": "helpful",
	})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "q-1", body["query_id"])
	require.Len(t, s.history.ratings, 1)

	status, _ = s.do(t, http.MethodPost, "/api/v1/queries/q-1/rating", map[string]any{
		"farmer_id": "farmer-1", "rating": 9, "kind": "helpful",
	})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.do(t, http.MethodPost, "/api/v1/queries/q-404/rating", map[string]any{
		"farmer_id": "farmer-1", "rating": 3, "kind": "incorrect",
	})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestResolve_CorrectionNotQueued(t *testing.T) {
	s := newTestServerWithFeedback(t, downFeedback{})
	esc := s.escalate(t, "farmer-1")
	base := "/api/v1/escalations/" + esc.ID

	status, _ := s.do(t, http.MethodPost, base+"/assign", map[string]string{"officer_id": "officer-7"})
	require.Equal(t, http.StatusOK, status)
	status, _ = s.do(t, http.MethodPost, base+"/respond", map[string]any{
		"officer_id": "officer-7", "response": "Checking with the lab.",
	})
	require.Equal(t, http.StatusOK, status)

	status, body := s.do(t, http.MethodPost, base+"/resolve", map[string]any{
		"notes": "answered", "correction": "Tricyclazole, not Carbendazim.",
	})

	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "resolved", body["status"])
	assert.Equal(t, false, body["correction_queued"])
	assert.Equal(t, "POST /api/v1/escalations/"+esc.ID+"/correction", body["correction_retry"])
	assert.NotContains(t, fmt.Sprint(body), "connection pool")

	stored, err := s.manager.Get(context.Background(), esc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, stored.Status)
}

func TestEscalationLifecycle(t *testing.T) {
	s := newTestServer(t)
	esc := s.escalate(t, "farmer-1")
	base := "/api/v1/escalations/" + esc.ID

	status, body := s.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "pending", body["status"])

	status, body = s.do(t, http.MethodPost, base+"/assign", map[string]string{"officer_id": "officer-7"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "assigned", body["status"])

	status, _ = s.do(t, http.MethodPost, base+"/assign", map[string]string{"officer_id": "officer-8"})
	assert.Equal(t, http.StatusConflict, status)

	status, body = s.do(t, http.MethodPost, base+"/respond", map[string]any{
		"officer_id": "officer-7", "response": "Use Tricyclazole at 0.6 g/l.",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "in_progress", body["status"])

	status, body = s.do(t, http.MethodPost, base+"/resolve", map[string]any{
		"notes": "answered by phone",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "resolved", body["status"])

	status, body = s.do(t, http.MethodPost, base+"/correction", map[string]any{
		"correction": "Tricyclazole, not Carbendazim.", "target_entries": []string{"kau-blast-1"},
	})
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, esc.ID, body["escalation_id"])

	status, body = s.do(t, http.MethodPost, base+"/close", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "closed", body["status"])

	status, _ = s.do(t, http.MethodPost, base+"/close", nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestEscalation_NotFoundAndBadInput(t *testing.T) {
	s := newTestServer(t)

	status, _ := s.do(t, http.MethodGet, "/api/v1/escalations/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)

	esc := s.escalate(t, "farmer-1")
	status, _ = s.do(t, http.MethodPost, "/api/v1/escalations/"+esc.ID+"/assign", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.do(t, http.MethodGet, "/api/v1/escalations?status=lost", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestListAndDashboard(t *testing.T) {
	s := newTestServer(t)
	first := s.escalate(t, "farmer-1")
	s.escalate(t, "farmer-2")
	_, err := s.manager.Assign(context.Background(), first.ID, "officer-7")
	require.NoError(t, err)

	status, body := s.do(t, http.MethodGet, "/api/v1/escalations?status=pending", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["count"])

	status, body = s.do(t, http.MethodGet, "/api/v1/officer/dashboard", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["pending"])
	assert.Equal(t, float64(1), body["active"])
	assert.Equal(t, float64(0), body["resolved_today"])
}

func TestUploadDocument(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, http.MethodPost, "/api/v1/knowledge", map[string]any{
		"url":  "https://kau.in/blast",
		"html": "<p>blast</p>",
		"tags": map[string]any{"crops": []string{"rice"}},
	})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "doc-1", body["id"])
	assert.Empty(t, s.ingester.fetched)
	assert.Equal(t, []string{"rice"}, s.ingester.got.Tags.Crops)

	status, _ = s.do(t, http.MethodPost, "/api/v1/knowledge", map[string]any{"url": "https://kau.in/pepper"})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "https://kau.in/pepper", s.ingester.fetched)
	assert.Equal(t, "<p>fetched</p>", s.ingester.got.HTML)

	status, _ = s.do(t, http.MethodPost, "/api/v1/knowledge", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestReady(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	app := fiber.New()
	app.Get("/ready", NewHealthHandler(map[string]Pinger{"sqlite": ok, "redis": ok}).Ready)
	app.Get("/degraded", NewHealthHandler(map[string]Pinger{"sqlite": ok, "redis": down}).Ready)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/degraded", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

type recordingWriter struct {
	mu     sync.Mutex
	frames []string
	pings  int
}

func (w *recordingWriter) WriteMessage(messageType int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(data) == 0 {
		w.pings++
		return nil
	}
	w.frames = append(w.frames, string(data))
	return nil
}

func (w *recordingWriter) SetWriteDeadline(time.Time) error { return nil }

func TestForward(t *testing.T) {
	events := make(chan *redis.Message, 2)
	events <- &redis.Message{Channel: "officers:escalations", Payload: `{"type":"escalation.pending"}`}
	events <- &redis.Message{Channel: "officers:escalations", Payload: `{"type":"escalation.assigned"}`}
	close(events)

	w := &recordingWriter{}
	require.NoError(t, forward(context.Background(), w, events, time.Hour))

	assert.Equal(t, []string{`{"type":"escalation.pending"}`, `{"type":"escalation.assigned"}`}, w.frames)
}

func TestForward_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- forward(ctx, &recordingWriter{}, make(chan *redis.Message), time.Hour) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("forward did not stop")
	}
}
