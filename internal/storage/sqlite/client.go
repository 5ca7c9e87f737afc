package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/krishi-officer/backend/internal/escalation"
	"github.com/krishi-officer/backend/internal/query"
	"github.com/krishi-officer/backend/internal/storage/models"
	"github.com/krishi-officer/backend/pkg/apperrors"
	"github.com/krishi-officer/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

var (
	_ query.QueryStore            = (*Client)(nil)
	_ escalation.Store            = (*Client)(nil)
	_ escalation.DecisionRecorder = (*Client)(nil)
)

func NewClient(dbPath string) (*Client, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "failed to open database")
	}
	if err := db.Ping(); err != nil {
		return nil, eris.Wrap(err, "failed to open database")
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))
	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Timestamps are stored as Unix milliseconds.
const schema = `
CREATE TABLE IF NOT EXISTS queries (
	id TEXT PRIMARY KEY,
	farmer_id TEXT NOT NULL,
	text TEXT NOT NULL,
	modality TEXT NOT NULL,
	modality_confidence REAL NOT NULL,
	locale TEXT NOT NULL,
	location TEXT,
	trail TEXT NOT NULL,
	unaudited INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queries_farmer ON queries(farmer_id, created_at);

CREATE TABLE IF NOT EXISTS decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	query_id TEXT NOT NULL,
	outcome TEXT NOT NULL,
	reason TEXT NOT NULL,
	bucket TEXT NOT NULL,
	confidence REAL NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY (query_id) REFERENCES queries(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_decisions_query ON decisions(query_id);

CREATE TABLE IF NOT EXISTS escalations (
	id TEXT PRIMARY KEY,
	query_id TEXT NOT NULL,
	farmer_id TEXT NOT NULL,
	officer_id TEXT,
	status TEXT NOT NULL,
	priority TEXT NOT NULL,
	reason TEXT NOT NULL,
	officer_response TEXT,
	resolution_notes TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	assigned_at INTEGER,
	resolved_at INTEGER,
	closed_at INTEGER,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_escalations_status ON escalations(status);
CREATE INDEX IF NOT EXISTS idx_escalations_farmer ON escalations(farmer_id, created_at);

CREATE TABLE IF NOT EXISTS feedback_records (
	id TEXT PRIMARY KEY,
	escalation_id TEXT NOT NULL,
	query_id TEXT NOT NULL,
	officer_id TEXT,
	correction TEXT NOT NULL,
	target_entries TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feedback_escalation ON feedback_records(escalation_id);

CREATE TABLE IF NOT EXISTS ratings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	query_id TEXT NOT NULL,
	farmer_id TEXT NOT NULL,
	rating INTEGER NOT NULL,
	kind TEXT NOT NULL,
	comment TEXT,
	created_at INTEGER NOT NULL,
	FOREIGN KEY (query_id) REFERENCES queries(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_ratings_query ON ratings(query_id);

CREATE TABLE IF NOT EXISTS knowledge_documents (
	id TEXT PRIMARY KEY,
	url TEXT UNIQUE NOT NULL,
	title TEXT NOT NULL,
	content_type TEXT NOT NULL,
	language TEXT NOT NULL,
	tags TEXT NOT NULL,
	content TEXT NOT NULL,
	chunks INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

func (c *Client) InitSchema(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return eris.Wrap(err, "failed to initialize schema")
	}
	logger.Info("SQLite schema initialized")
	return nil
}

// SaveQuery writes the query, its trail and its decisions in one
// transaction.
func (c *Client) SaveQuery(ctx context.Context, record models.QueryRecord) error {
	trail, err := json.Marshal(record.Trail)
	if err != nil {
		return eris.Wrap(err, "failed to marshal trail")
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	q := record.Query
	_, err = tx.ExecContext(ctx, `
		INSERT INTO queries (id, farmer_id, text, modality, modality_confidence, locale, location, trail, unaudited, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.FarmerID, q.Text, string(q.Modality), q.ModalityConfidence, q.Locale, q.Location,
		string(trail), boolToInt(record.Unaudited), toMillis(q.CreatedAt),
	)
	if err != nil {
		return eris.Wrap(err, "failed to insert query")
	}

	for _, d := range record.Decisions {
		if err := insertDecision(ctx, tx, d); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "failed to commit query")
	}

	logger.Debug("Query recorded", zap.String("query_id", q.ID), zap.Int("decisions", len(record.Decisions)))
	return nil
}

// AppendDecision adds a later decision, such as an officer resolution, to a
// query's history.
func (c *Client) AppendDecision(ctx context.Context, d models.Decision) error {
	return insertDecision(ctx, c.db, d)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertDecision(ctx context.Context, db execer, d models.Decision) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO decisions (query_id, outcome, reason, bucket, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.QueryID, string(d.Outcome), string(d.Reason), string(d.Bucket), d.Confidence, toMillis(d.CreatedAt),
	)
	if err != nil {
		return eris.Wrapf(err, "failed to insert decision for query %s", d.QueryID)
	}
	return nil
}

func (c *Client) GetQuery(ctx context.Context, id string) (*models.QueryRecord, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, farmer_id, text, modality, modality_confidence, locale, location, trail, unaudited, created_at
		FROM queries WHERE id = ?`, id)

	record, err := scanQuery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(apperrors.ErrNotFound, "query %s", id)
	}
	if err != nil {
		return nil, err
	}

	decisions, err := c.decisionsFor(ctx, id)
	if err != nil {
		return nil, err
	}
	record.Decisions = decisions
	return record, nil
}

// FarmerHistory returns a farmer's most recent queries, newest first, each
// with its decisions.
func (c *Client) FarmerHistory(ctx context.Context, farmerID string, limit int) ([]models.QueryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, farmer_id, text, modality, modality_confidence, locale, location, trail, unaudited, created_at
		FROM queries WHERE farmer_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, farmerID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "failed to get query history")
	}
	defer rows.Close()

	records := make([]models.QueryRecord, 0)
	for rows.Next() {
		record, err := scanQuery(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "failed to read query history")
	}

	for i := range records {
		decisions, err := c.decisionsFor(ctx, records[i].Query.ID)
		if err != nil {
			return nil, err
		}
		records[i].Decisions = decisions
	}
	return records, nil
}

func (c *Client) decisionsFor(ctx context.Context, queryID string) ([]models.Decision, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT query_id, outcome, reason, bucket, confidence, created_at
		FROM decisions WHERE query_id = ? ORDER BY id`, queryID)
	if err != nil {
		return nil, eris.Wrap(err, "failed to get decisions")
	}
	defer rows.Close()

	decisions := make([]models.Decision, 0, 1)
	for rows.Next() {
		var d models.Decision
		var outcome, reason, bucket string
		var createdAt int64
		if err := rows.Scan(&d.QueryID, &outcome, &reason, &bucket, &d.Confidence, &createdAt); err != nil {
			return nil, eris.Wrap(err, "failed to scan decision")
		}
		d.Outcome = models.Outcome(outcome)
		d.Reason = models.Reason(reason)
		d.Bucket = models.Bucket(bucket)
		d.CreatedAt = fromMillis(createdAt)
		decisions = append(decisions, d)
	}
	return decisions, eris.Wrap(rows.Err(), "failed to read decisions")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanQuery(s scanner) (*models.QueryRecord, error) {
	var (
		record    models.QueryRecord
		modality  string
		location  sql.NullString
		trail     string
		unaudited int
		createdAt int64
	)
	q := &record.Query
	err := s.Scan(&q.ID, &q.FarmerID, &q.Text, &modality, &q.ModalityConfidence, &q.Locale, &location,
		&trail, &unaudited, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "failed to scan query")
	}
	q.Modality = models.Modality(modality)
	q.Location = location.String
	q.CreatedAt = fromMillis(createdAt)
	record.Unaudited = unaudited != 0
	if err := json.Unmarshal([]byte(trail), &record.Trail); err != nil {
		return nil, eris.Wrapf(err, "failed to unmarshal trail of query %s", q.ID)
	}
	return &record, nil
}

func (c *Client) CreateEscalation(ctx context.Context, esc *models.Escalation) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO escalations (id, query_id, farmer_id, officer_id, status, priority, reason, officer_response,
			resolution_notes, created_at, assigned_at, resolved_at, closed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		esc.ID, esc.QueryID, esc.FarmerID, nullString(esc.OfficerID), string(esc.Status), string(esc.Priority),
		string(esc.Reason), nullString(esc.OfficerResponse), esc.ResolutionNotes, toMillis(esc.CreatedAt),
		nullMillis(esc.AssignedAt), nullMillis(esc.ResolvedAt), nullMillis(esc.ClosedAt), toMillis(esc.UpdatedAt),
	)
	if err != nil {
		return eris.Wrapf(err, "failed to insert escalation %s", esc.ID)
	}
	logger.Debug("Escalation inserted", zap.String("escalation_id", esc.ID))
	return nil
}

const escalationColumns = `id, query_id, farmer_id, officer_id, status, priority, reason, officer_response,
	resolution_notes, created_at, assigned_at, resolved_at, closed_at, updated_at`

func (c *Client) GetEscalation(ctx context.Context, id string) (*models.Escalation, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE id = ?`, id)
	esc, err := scanEscalation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(apperrors.ErrNotFound, "escalation %s", id)
	}
	return esc, err
}

// UpdateEscalation writes esc only while the stored status equals from.
func (c *Client) UpdateEscalation(ctx context.Context, esc *models.Escalation, from models.EscalationStatus) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE escalations SET officer_id = ?, status = ?, priority = ?, officer_response = ?, resolution_notes = ?,
			assigned_at = ?, resolved_at = ?, closed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		nullString(esc.OfficerID), string(esc.Status), string(esc.Priority), nullString(esc.OfficerResponse),
		esc.ResolutionNotes, nullMillis(esc.AssignedAt), nullMillis(esc.ResolvedAt), nullMillis(esc.ClosedAt),
		toMillis(esc.UpdatedAt), esc.ID, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "failed to update escalation %s", esc.ID)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "failed to read update result")
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = c.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM escalations WHERE id = ?`, esc.ID).Scan(&exists)
	if err != nil {
		return eris.Wrap(err, "failed to check escalation")
	}
	if exists == 0 {
		return eris.Wrapf(apperrors.ErrNotFound, "escalation %s", esc.ID)
	}
	return escalation.ErrStale
}

func (c *Client) ListEscalations(ctx context.Context, filter escalation.Filter) ([]*models.Escalation, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Priority != "" {
		where = append(where, "priority = ?")
		args = append(args, string(filter.Priority))
	}
	if filter.FarmerID != "" {
		where = append(where, "farmer_id = ?")
		args = append(args, filter.FarmerID)
	}
	if filter.OfficerID != "" {
		where = append(where, "officer_id = ?")
		args = append(args, filter.OfficerID)
	}

	stmt := `SELECT ` + escalationColumns + ` FROM escalations`
	if len(where) > 0 {
		stmt += ` WHERE ` + strings.Join(where, " AND ")
	}
	stmt += ` ORDER BY CASE priority
		WHEN 'urgent' THEN 3 WHEN 'high' THEN 2 WHEN 'medium' THEN 1 ELSE 0 END DESC,
		created_at ASC, id ASC`
	if filter.Limit > 0 {
		stmt += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := c.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, eris.Wrap(err, "failed to list escalations")
	}
	defer rows.Close()

	var out []*models.Escalation
	for rows.Next() {
		esc, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, esc)
	}
	return out, eris.Wrap(rows.Err(), "failed to read escalations")
}

func (c *Client) CountFarmerEscalationsSince(ctx context.Context, farmerID string, since time.Time) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM escalations WHERE farmer_id = ? AND created_at >= ?`,
		farmerID, toMillis(since),
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrap(err, "failed to count farmer escalations")
	}
	return n, nil
}

func (c *Client) EscalationStats(ctx context.Context, resolvedSince time.Time) (escalation.Stats, error) {
	var stats escalation.Stats
	err := c.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status IN ('assigned', 'in_progress') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN resolved_at IS NOT NULL AND resolved_at >= ? THEN 1 ELSE 0 END), 0)
		FROM escalations`, toMillis(resolvedSince),
	).Scan(&stats.Pending, &stats.Active, &stats.ResolvedToday)
	if err != nil {
		return escalation.Stats{}, eris.Wrap(err, "failed to compute escalation stats")
	}
	return stats, nil
}

func scanEscalation(s scanner) (*models.Escalation, error) {
	var (
		esc                              models.Escalation
		officerID, officerResponse       sql.NullString
		status, priority, reason         string
		createdAt, updatedAt             int64
		assignedAt, resolvedAt, closedAt sql.NullInt64
	)
	err := s.Scan(&esc.ID, &esc.QueryID, &esc.FarmerID, &officerID, &status, &priority, &reason, &officerResponse,
		&esc.ResolutionNotes, &createdAt, &assignedAt, &resolvedAt, &closedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "failed to scan escalation")
	}

	esc.OfficerID = stringPtr(officerID)
	esc.OfficerResponse = stringPtr(officerResponse)
	esc.Status = models.EscalationStatus(status)
	esc.Priority = models.Priority(priority)
	esc.Reason = models.Reason(reason)
	esc.CreatedAt = fromMillis(createdAt)
	esc.UpdatedAt = fromMillis(updatedAt)
	esc.AssignedAt = timePtr(assignedAt)
	esc.ResolvedAt = timePtr(resolvedAt)
	esc.ClosedAt = timePtr(closedAt)
	return &esc, nil
}

// SaveFeedback records a correction once the knowledge base has applied it.
func (c *Client) SaveFeedback(ctx context.Context, record models.FeedbackRecord) error {
	targets, err := json.Marshal(record.TargetEntries)
	if err != nil {
		return eris.Wrap(err, "failed to marshal target entries")
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO feedback_records (id, escalation_id, query_id, officer_id, correction, target_entries, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		record.ID, record.EscalationID, record.QueryID, record.OfficerID, record.Correction, string(targets),
		toMillis(record.CreatedAt),
	)
	if err != nil {
		return eris.Wrapf(err, "failed to insert feedback record %s", record.ID)
	}
	return nil
}

func (c *Client) FeedbackForEscalation(ctx context.Context, escalationID string) ([]models.FeedbackRecord, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, escalation_id, query_id, officer_id, correction, target_entries, created_at
		FROM feedback_records WHERE escalation_id = ? ORDER BY created_at, id`, escalationID)
	if err != nil {
		return nil, eris.Wrap(err, "failed to get feedback records")
	}
	defer rows.Close()

	records := make([]models.FeedbackRecord, 0)
	for rows.Next() {
		var (
			r         models.FeedbackRecord
			officerID sql.NullString
			targets   string
			createdAt int64
		)
		if err := rows.Scan(&r.ID, &r.EscalationID, &r.QueryID, &officerID, &r.Correction, &targets, &createdAt); err != nil {
			return nil, eris.Wrap(err, "failed to scan feedback record")
		}
		r.OfficerID = officerID.String
		r.CreatedAt = fromMillis(createdAt)
		if err := json.Unmarshal([]byte(targets), &r.TargetEntries); err != nil {
			return nil, eris.Wrap(err, "failed to unmarshal target entries")
		}
		records = append(records, r)
	}
	return records, eris.Wrap(rows.Err(), "failed to read feedback records")
}

// SaveRating stores a farmer's rating of an answer. The query must exist and
// belong to the farmer.
func (c *Client) SaveRating(ctx context.Context, r *models.Rating) error {
	if r.Rating < 1 || r.Rating > 5 {
		return apperrors.InvalidInput("rating must be between 1 and 5")
	}
	if !r.Kind.Valid() {
		return apperrors.InvalidInput("unknown rating kind " + string(r.Kind))
	}

	var owner string
	err := c.db.QueryRowContext(ctx, `SELECT farmer_id FROM queries WHERE id = ?`, r.QueryID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(apperrors.ErrNotFound, "query %s", r.QueryID)
	}
	if err != nil {
		return eris.Wrap(err, "failed to look up query")
	}
	if owner != r.FarmerID {
		return eris.Wrapf(apperrors.ErrNotFound, "query %s", r.QueryID)
	}

	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO ratings (query_id, farmer_id, rating, kind, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.QueryID, r.FarmerID, r.Rating, string(r.Kind), r.Comment, toMillis(r.CreatedAt),
	)
	if err != nil {
		return eris.Wrap(err, "failed to store rating")
	}
	r.ID, _ = res.LastInsertId()

	logger.Info("Rating stored",
		zap.String("query_id", r.QueryID),
		zap.Int("rating", r.Rating),
		zap.String("kind", string(r.Kind)),
	)
	return nil
}

func (c *Client) RatingsForQuery(ctx context.Context, queryID string) ([]models.Rating, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, query_id, farmer_id, rating, kind, comment, created_at
		FROM ratings WHERE query_id = ? ORDER BY id`, queryID)
	if err != nil {
		return nil, eris.Wrap(err, "failed to get ratings")
	}
	defer rows.Close()

	ratings := make([]models.Rating, 0)
	for rows.Next() {
		var (
			r         models.Rating
			kind      string
			comment   sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&r.ID, &r.QueryID, &r.FarmerID, &r.Rating, &kind, &comment, &createdAt); err != nil {
			return nil, eris.Wrap(err, "failed to scan rating")
		}
		r.Kind = models.RatingKind(kind)
		r.Comment = comment.String
		r.CreatedAt = fromMillis(createdAt)
		ratings = append(ratings, r)
	}
	return ratings, eris.Wrap(rows.Err(), "failed to read ratings")
}

// UpsertDocument records an ingested advisory page. Re-ingesting a URL keeps
// its id and replaces the content.
func (c *Client) UpsertDocument(ctx context.Context, doc *models.KnowledgeDocument, chunks int) error {
	tags, err := json.Marshal(doc.Tags)
	if err != nil {
		return eris.Wrap(err, "failed to marshal tags")
	}
	now := toMillis(doc.UpdatedAt)
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO knowledge_documents (id, url, title, content_type, language, tags, content, chunks, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			content_type = excluded.content_type,
			language = excluded.language,
			tags = excluded.tags,
			content = excluded.content,
			chunks = excluded.chunks,
			updated_at = excluded.updated_at`,
		doc.ID, doc.URL, doc.Title, doc.ContentType, doc.Language, string(tags), doc.Content, chunks, now, now,
	)
	if err != nil {
		return eris.Wrapf(err, "failed to upsert document %s", doc.URL)
	}

	logger.Debug("Document upserted", zap.String("doc_id", doc.ID), zap.String("url", doc.URL))
	return nil
}

func (c *Client) GetDocument(ctx context.Context, id string) (*models.KnowledgeDocument, error) {
	var (
		doc       models.KnowledgeDocument
		tags      string
		updatedAt int64
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT id, url, title, content_type, language, tags, content, updated_at
		FROM knowledge_documents WHERE id = ?`, id,
	).Scan(&doc.ID, &doc.URL, &doc.Title, &doc.ContentType, &doc.Language, &tags, &doc.Content, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(apperrors.ErrNotFound, "document %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "failed to get document")
	}
	if err := json.Unmarshal([]byte(tags), &doc.Tags); err != nil {
		return nil, eris.Wrap(err, "failed to unmarshal tags")
	}
	doc.UpdatedAt = fromMillis(updatedAt)
	return &doc, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
