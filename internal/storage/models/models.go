package models

import (
	"encoding/json"
	"sort"
	"time"
)

type Modality string

const (
	ModalityVoice Modality = "voice"
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
)

func (m Modality) Valid() bool {
	switch m {
	case ModalityVoice, ModalityText, ModalityImage:
		return true
	}
	return false
}

// Query is the canonical form of a farmer question. It is never modified
// after creation.
type Query struct {
	ID                 string    `json:"id"`
	FarmerID           string    `json:"farmer_id"`
	Text               string    `json:"text"`
	Modality           Modality  `json:"modality"`
	ModalityConfidence float64   `json:"modality_confidence"`
	Locale             string    `json:"locale"`
	Location           string    `json:"location,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

type Intent string

const (
	IntentDisease    Intent = "disease-query"
	IntentPest       Intent = "pest-query"
	IntentFertilizer Intent = "fertilizer-query"
	IntentWeather    Intent = "weather-query"
	IntentScheme     Intent = "scheme-query"
	IntentGeneral    Intent = "general-query"
)

// StringSet is an unordered set of canonical terms. It marshals as a sorted
// JSON array.
type StringSet map[string]struct{}

func NewStringSet(items ...string) StringSet {
	s := make(StringSet, len(items))
	for _, item := range items {
		s[item] = struct{}{}
	}
	return s
}

func (s StringSet) Has(item string) bool {
	_, ok := s[item]
	return ok
}

func (s StringSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for item := range s {
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}

func (s StringSet) MarshalJSON() ([]byte, error) {
	return marshalStrings(s.Sorted())
}

func (s *StringSet) UnmarshalJSON(data []byte) error {
	items, err := unmarshalStrings(data)
	if err != nil {
		return err
	}
	*s = NewStringSet(items...)
	return nil
}

// EntitySet holds what the extractor found in one query. A fresh EntitySet is
// built on every extraction; nothing edits one afterwards.
type EntitySet struct {
	Crops    StringSet `json:"crops"`
	Diseases StringSet `json:"diseases"`
	Pests    StringSet `json:"pests"`
	Location string    `json:"location,omitempty"`
	Season   string    `json:"season,omitempty"`
}

func (e EntitySet) Empty() bool {
	return len(e.Crops) == 0 && len(e.Diseases) == 0 && len(e.Pests) == 0 && e.Location == "" && e.Season == ""
}

// Terms lists crop, disease and pest terms in a deterministic order.
func (e EntitySet) Terms() []string {
	var terms []string
	terms = append(terms, e.Crops.Sorted()...)
	terms = append(terms, e.Diseases.Sorted()...)
	terms = append(terms, e.Pests.Sorted()...)
	return terms
}

type PassageTags struct {
	Crops     []string `json:"crops,omitempty"`
	Diseases  []string `json:"diseases,omitempty"`
	Districts []string `json:"districts,omitempty"`
	Seasons   []string `json:"seasons,omitempty"`
}

type Passage struct {
	DocID     string      `json:"doc_id"`
	Text      string      `json:"text"`
	Tags      PassageTags `json:"tags"`
	Score     float64     `json:"score"`
	UpdatedAt time.Time   `json:"updated_at"`
}

type CandidateAnswer struct {
	Version         int      `json:"version"`
	Text            string   `json:"text"`
	Confidence      float64  `json:"confidence"`
	CitedPassageIDs []string `json:"cited_passage_ids"`
	Fallback        bool     `json:"fallback"`
}

type ViolationKind string

const (
	// ViolationBanned covers substances banned outright and substances
	// banned for a crop the query is about.
	ViolationBanned            ViolationKind = "banned_substance"
	ViolationDosageMention     ViolationKind = "dosage_mention"
	ViolationRestrictedMention ViolationKind = "restricted_mention"
)

// Blocking reports whether a violation of this kind makes an answer unsafe.
// The other kinds are audit flags for human review.
func (k ViolationKind) Blocking() bool {
	return k == ViolationBanned
}

type Violation struct {
	RuleID string        `json:"rule_id"`
	Match  string        `json:"match"`
	Kind   ViolationKind `json:"kind"`
}

type SafetyAction string

const (
	SafetyAllow    SafetyAction = "allow"
	SafetyEscalate SafetyAction = "escalate"
)

type SafetyVerdict struct {
	IsSafe     bool         `json:"is_safe"`
	Violations []Violation  `json:"violations"`
	Action     SafetyAction `json:"action"`
}

// Flags returns the audit flags: regulated-substance mentions that need human
// review without blocking delivery.
func (v SafetyVerdict) Flags() []Violation {
	var flags []Violation
	for _, violation := range v.Violations {
		if !violation.Kind.Blocking() {
			flags = append(flags, violation)
		}
	}
	return flags
}

type Outcome string

const (
	OutcomeDirect     Outcome = "direct"
	OutcomeDisclaimer Outcome = "disclaimer"
	OutcomeEscalate   Outcome = "escalate"
)

type Reason string

const (
	ReasonSafetyViolation    Reason = "safety_violation"
	ReasonLowConfidence      Reason = "low_confidence"
	ReasonModerateConfidence Reason = "moderate_confidence"
	ReasonHighConfidence     Reason = "high_confidence"
	ReasonOfficerResolved    Reason = "officer_resolved"
)

type Bucket string

const (
	BucketLow    Bucket = "low"
	BucketMedium Bucket = "medium"
	BucketHigh   Bucket = "high"
)

// Decision records one routing outcome. Later decisions for the same query
// are appended, never written over.
type Decision struct {
	QueryID    string    `json:"query_id"`
	Outcome    Outcome   `json:"outcome"`
	Reason     Reason    `json:"reason"`
	Bucket     Bucket    `json:"bucket"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// StageStatus is the result kind every pipeline stage reports.
type StageStatus string

const (
	StageSuccess  StageStatus = "success"
	StageDegraded StageStatus = "degraded"
	StageFatal    StageStatus = "fatal"
)

// Trail is the audit record of every intermediate stage of one query.
type Trail struct {
	Intent               Intent          `json:"intent"`
	ExtractionConfidence float64         `json:"extraction_confidence"`
	Entities             EntitySet       `json:"entities"`
	Passages             []Passage       `json:"passages"`
	RetrievalStatus      StageStatus     `json:"retrieval_status"`
	Candidate            CandidateAnswer `json:"candidate"`
	SynthesisStatus      StageStatus     `json:"synthesis_status"`
	Verdict              SafetyVerdict   `json:"verdict"`
}

type EscalationStatus string

const (
	StatusPending    EscalationStatus = "pending"
	StatusAssigned   EscalationStatus = "assigned"
	StatusInProgress EscalationStatus = "in_progress"
	StatusResolved   EscalationStatus = "resolved"
	StatusClosed     EscalationStatus = "closed"
)

func (s EscalationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAssigned, StatusInProgress, StatusResolved, StatusClosed:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var priorityRank = map[Priority]int{
	PriorityLow:    0,
	PriorityMedium: 1,
	PriorityHigh:   2,
	PriorityUrgent: 3,
}

func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

func (p Priority) Rank() int {
	return priorityRank[p]
}

// Raise returns the next priority level, saturating at urgent.
func (p Priority) Raise() Priority {
	switch p {
	case PriorityLow:
		return PriorityMedium
	case PriorityMedium:
		return PriorityHigh
	default:
		return PriorityUrgent
	}
}

type Escalation struct {
	ID              string           `json:"id"`
	QueryID         string           `json:"query_id"`
	FarmerID        string           `json:"farmer_id"`
	OfficerID       *string          `json:"officer_id"`
	Status          EscalationStatus `json:"status"`
	Priority        Priority         `json:"priority"`
	Reason          Reason           `json:"reason"`
	OfficerResponse *string          `json:"officer_response"`
	ResolutionNotes string           `json:"resolution_notes,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	AssignedAt      *time.Time       `json:"assigned_at"`
	ResolvedAt      *time.Time       `json:"resolved_at"`
	ClosedAt        *time.Time       `json:"closed_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Clone returns a deep copy so stores never hand out shared pointers.
func (e *Escalation) Clone() *Escalation {
	if e == nil {
		return nil
	}
	c := *e
	c.OfficerID = cloneString(e.OfficerID)
	c.OfficerResponse = cloneString(e.OfficerResponse)
	c.AssignedAt = cloneTime(e.AssignedAt)
	c.ResolvedAt = cloneTime(e.ResolvedAt)
	c.ClosedAt = cloneTime(e.ClosedAt)
	return &c
}

type FeedbackRecord struct {
	ID            string    `json:"id"`
	EscalationID  string    `json:"escalation_id"`
	QueryID       string    `json:"query_id"`
	OfficerID     string    `json:"officer_id,omitempty"`
	Correction    string    `json:"correction"`
	TargetEntries []string  `json:"target_entries"`
	CreatedAt     time.Time `json:"created_at"`
	// Attempts counts failed applies; the consumer dead-letters the record
	// once it reaches its limit.
	Attempts int `json:"attempts,omitempty"`
}

type RatingKind string

const (
	RatingHelpful    RatingKind = "helpful"
	RatingNotHelpful RatingKind = "not_helpful"
	RatingIncorrect  RatingKind = "incorrect"
	RatingIncomplete RatingKind = "incomplete"
)

func (k RatingKind) Valid() bool {
	switch k {
	case RatingHelpful, RatingNotHelpful, RatingIncorrect, RatingIncomplete:
		return true
	}
	return false
}

// Rating is a farmer's score of a delivered answer.
type Rating struct {
	ID        int64      `json:"id"`
	QueryID   string     `json:"query_id"`
	FarmerID  string     `json:"farmer_id"`
	Rating    int        `json:"rating"`
	Kind      RatingKind `json:"kind"`
	Comment   string     `json:"comment,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// QueryRecord is one row of a farmer's history.
type QueryRecord struct {
	Query     Query      `json:"query"`
	Trail     Trail      `json:"trail"`
	Decisions []Decision `json:"decisions"`
	Unaudited bool       `json:"unaudited"`
}

// KnowledgeDocument is an advisory page split into passages for the
// similarity index.
type KnowledgeDocument struct {
	ID          string      `json:"id"`
	URL         string      `json:"url"`
	Title       string      `json:"title"`
	ContentType string      `json:"content_type"`
	Language    string      `json:"language"`
	Tags        PassageTags `json:"tags"`
	Content     string      `json:"content"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func marshalStrings(items []string) ([]byte, error) {
	return json.Marshal(items)
}

func unmarshalStrings(data []byte) ([]string, error) {
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	return items, nil
}
