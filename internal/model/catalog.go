package model

import (
	"context"
	"time"
)

// QuestionType is a catalog entry for a question kind.
type QuestionType struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Option is one selectable answer in the catalog.
type Option struct {
	ID                 string `json:"id"`
	QuestionID         string `json:"question_id"`
	QuestionNumber     int    `json:"question_number"`
	Label              string `json:"label"`
	RequiresAttachment bool   `json:"requires_attachment"`
}

// QuestionMeta is catalog metadata for one question.
type QuestionMeta struct {
	ID     string `json:"id"`
	Number int    `json:"number"`
	Text   string `json:"text"`
	Type   string `json:"type"`
}

// DraftRecord is one persisted draft row. Legacy rows carry QuestionNumber and a
// label (or list of labels) in Answer; current rows carry QuestionID and OptionID,
// or free text in Answer. Either shape may carry attachment metadata.
type DraftRecord struct {
	QuestionNumber int    `json:"question_number,omitempty"`
	QuestionID     string `json:"question_id,omitempty"`
	OptionID       string `json:"option_id,omitempty"`
	Answer         Value  `json:"answer"`
	AttachmentURL  string `json:"attachment_url,omitempty"`
	AttachmentName string `json:"attachment_name,omitempty"`
}

// ByNumber reports whether the record uses the legacy ordinal shape.
func (r DraftRecord) ByNumber() bool { return r.QuestionNumber > 0 }

// Draft entry statuses.
const (
	StatusDraft = "draft"
)

// PartialEntry is one answer row in a save-for-later payload.
type PartialEntry struct {
	QuestionID string    `json:"question_id"`
	OptionID   string    `json:"option_id,omitempty"`
	Text       string    `json:"text,omitempty"`
	PeriodID   string    `json:"period_id"`
	Timestamp  time.Time `json:"timestamp"`
	Status     string    `json:"status"`
}

// FinalEntry is one answer row in a complete submission.
type FinalEntry struct {
	QuestionID string `json:"question_id"`
	OptionID   string `json:"option_id,omitempty"`
	Text       string `json:"text,omitempty"`
	PeriodID   string `json:"period_id"`
	UserID     int64  `json:"user_id,omitempty"`
}

// Upload is one file to send, keyed by the question's fixed multipart field name.
type Upload struct {
	QuestionID string
	Field      string
	Name       string
	MimeType   string
	Size       int64
	LocalPath  string
}

// UploadedFile reports where an uploaded file now lives.
type UploadedFile struct {
	QuestionID string `json:"question_id"`
	URL        string `json:"url"`
}

// Catalog serves question and option metadata.
type Catalog interface {
	QuestionTypes(ctx context.Context) ([]QuestionType, error)
	Options(ctx context.Context) ([]Option, error)
	OptionsForQuestion(ctx context.Context, questionID string) ([]Option, error)
	QuestionByNumber(ctx context.Context, number int) (QuestionMeta, error)
}

// IndicatorService resolves active indicators and stores indicator payloads.
type IndicatorService interface {
	ResolveIndicators(ctx context.Context, gates []GateAnswer) ([]IndicatorDefinition, error)
	IndicatorDraft(ctx context.Context, periodID string) (*IndicatorPayload, error)
	SubmitIndicators(ctx context.Context, p IndicatorPayload) error
	SaveIndicatorDraft(ctx context.Context, p IndicatorPayload) error
}

// AnswerStore persists drafts, complete submissions and attachment files.
type AnswerStore interface {
	DraftExists(ctx context.Context, periodID string) (bool, error)
	DraftRecords(ctx context.Context, periodID string) ([]DraftRecord, error)
	CreateDraft(ctx context.Context, periodID string, entries []PartialEntry) error
	UpdateDraft(ctx context.Context, periodID string, entries []PartialEntry) error
	SubmitAnswers(ctx context.Context, periodID string, entries []FinalEntry) error
	UploadAttachments(ctx context.Context, periodID string, uploads []Upload) ([]UploadedFile, error)
}
