// Package domain defines the core entities, status machines and ports for
// the chart processing pipeline.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrBlobIO           = errors.New("blob io")
	ErrExtractionFailed = errors.New("extraction failed")
	ErrAIFailed         = errors.New("ai synthesis failed")
	ErrPersistFailed    = errors.New("persist failed")
	ErrInternal         = errors.New("internal error")
)

// AIStatus is the processing-side lifecycle of a chart as observed by the UI.
type AIStatus string

const (
	AIQueued       AIStatus = "queued"
	AIProcessing   AIStatus = "processing"
	AIReady        AIStatus = "ready"
	AIRetryPending AIStatus = "retry_pending"
	AIFailed       AIStatus = "failed"
	AISubmitted    AIStatus = "submitted"
)

// ReviewStatus is the human-review lifecycle of a chart.
type ReviewStatus string

const (
	ReviewPending   ReviewStatus = "pending"
	ReviewInReview  ReviewStatus = "in_review"
	ReviewSubmitted ReviewStatus = "submitted"
	ReviewRejected  ReviewStatus = "rejected"
)

// CodeEntry is a single medical code produced by the synthesis step.
type CodeEntry struct {
	ICD10Code   string `json:"icd_10_code,omitempty"`
	CPTCode     string `json:"cpt_code,omitempty"`
	Description string `json:"description,omitempty"`
	Confidence  string `json:"confidence,omitempty"`
	Evidence    string `json:"evidence,omitempty"`
}

// DiagnosisCodes groups the generated diagnosis categories. This is the
// shape snapshotted into original_ai_codes on the first successful run.
type DiagnosisCodes struct {
	PrimaryDiagnosis   []CodeEntry `json:"primary_diagnosis"`
	SecondaryDiagnoses []CodeEntry `json:"secondary_diagnoses,omitempty"`
}

// AIResult is the structured coding output stored on the chart.
type AIResult struct {
	DiagnosisCodes DiagnosisCodes `json:"diagnosis_codes"`
	ProcedureCodes []CodeEntry    `json:"procedure_codes,omitempty"`
	ChartSummary   string         `json:"chart_summary,omitempty"`
	Flags          []string       `json:"flags,omitempty"`
}

// Empty reports whether the synthesis produced no usable categories.
func (r AIResult) Empty() bool {
	return len(r.DiagnosisCodes.PrimaryDiagnosis) == 0 &&
		len(r.DiagnosisCodes.SecondaryDiagnoses) == 0 &&
		len(r.ProcedureCodes) == 0
}

// ChartMeta carries the patient/facility metadata attached at ingress.
type ChartMeta struct {
	PatientName string `json:"patient_name,omitempty"`
	Facility    string `json:"facility,omitempty"`
	Specialty   string `json:"specialty,omitempty"`
	Provider    string `json:"provider,omitempty"`
	DateOfVisit string `json:"date_of_visit,omitempty"`
}

// Chart is the unit of coding review: one encounter's documents plus the
// derived codes and both status machines.
type Chart struct {
	ID                    string
	SessionID             string // ingress idempotency key, unique
	ChartNumber           string
	Meta                  ChartMeta
	DocumentCount         int
	AIStatus              AIStatus
	ReviewStatus          ReviewStatus
	AIResult              *AIResult
	OriginalAICodes       *DiagnosisCodes // written once per successful generation
	UserOverlay           []byte          // opaque user-modifications blob
	FinalCodes            []byte          // opaque final-codes blob
	LastError             string
	LastErrorAt           *time.Time
	RetryCount            int
	ProcessingStartedAt   *time.Time
	ProcessingCompletedAt *time.Time
	SubmittedAt           *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// OCRStatus is the per-document extraction state.
type OCRStatus string

const (
	OCRPending   OCRStatus = "pending"
	OCRCompleted OCRStatus = "completed"
	OCRFailed    OCRStatus = "failed"
)

// BlobRef locates a stored document body. Immutable once set.
type BlobRef struct {
	Key    string
	URL    string
	Bucket string
}

// Document is one uploaded artifact belonging to a chart. The chart owner
// never changes.
type Document struct {
	ID               string
	ChartID          string
	Filename         string
	MIME             string
	Size             int64
	Blob             BlobRef
	OCRStatus        OCRStatus
	OCRText          string
	OCRElapsed       time.Duration
	AISummary        string
	TransactionID    string // groups files composing one logical document
	TransactionLabel string
	IsGroupMember    bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DocumentKind is the closed dispatch variant for text extraction.
type DocumentKind int

const (
	KindScanned DocumentKind = iota // PDF or image, needs OCR
	KindPlainText
	KindWord
)

// Word processor MIME types routed to the DOCX extractor.
const (
	MIMEDoc  = "application/msword"
	MIMEDocx = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MIMEPdf  = "application/pdf"
	MIMEText = "text/plain"
)

// KindForMIME maps a document MIME type onto its extraction variant.
func KindForMIME(mime string) (DocumentKind, error) {
	switch {
	case mime == MIMEPdf, len(mime) > 6 && mime[:6] == "image/":
		return KindScanned, nil
	case mime == MIMEText:
		return KindPlainText, nil
	case mime == MIMEDoc, mime == MIMEDocx:
		return KindWord, nil
	}
	return 0, errors.New("unsupported mime type: " + mime)
}

// Context is an alias so ports read cleanly; adapters pass context.Context.
type Context = context.Context
