package storage

import (
	"encoding/json"
	"time"
)

type Job struct {
	ID                 string    `json:"id"`
	ExternalID         string    `json:"externalId"`
	JobCode            string    `json:"jobCode"`
	Title              string    `json:"title"`
	Description        string    `json:"description"`
	CustomInstructions string    `json:"customInstructions,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// ApplicantStatus is a forward-only lifecycle.
type ApplicantStatus string

const (
	StatusImported    ApplicantStatus = "imported"
	StatusParsed      ApplicantStatus = "parsed"
	StatusRanked      ApplicantStatus = "ranked"
	StatusShortlisted ApplicantStatus = "shortlisted"
	StatusContacted   ApplicantStatus = "contacted"
)

var statusOrder = map[ApplicantStatus]int{
	StatusImported:    1,
	StatusParsed:      2,
	StatusRanked:      3,
	StatusShortlisted: 4,
	StatusContacted:   5,
}

// Advance returns the later of s and next. Unknown statuses sort first.
func (s ApplicantStatus) Advance(next ApplicantStatus) ApplicantStatus {
	if statusOrder[next] > statusOrder[s] {
		return next
	}
	return s
}

type Applicant struct {
	ID         string          `json:"id"`
	ExternalID string          `json:"externalId"`
	JobID      string          `json:"jobId"`
	Name       string          `json:"name"`
	Email      string          `json:"email,omitempty"`
	Phone      string          `json:"phone,omitempty"`
	Location   string          `json:"location,omitempty"`
	Status     ApplicantStatus `json:"status"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Submission is the single stored ATS submission for an applicant.
// Modified keeps the ATS timestamp string as received.
type Submission struct {
	ID                  string    `json:"id"`
	ExternalID          string    `json:"externalId"`
	JobID               string    `json:"jobId"`
	ApplicantID         string    `json:"applicantId"`
	ApplicantExternalID string    `json:"applicantExternalId,omitempty"`
	ResumeURL           string    `json:"resumeUrl,omitempty"`
	Modified            string    `json:"modified,omitempty"`
	SubmittedOn         string    `json:"submittedOn,omitempty"`
	Source              string    `json:"source,omitempty"`
	PipelineStatus      string    `json:"pipelineStatus,omitempty"`
	SubmissionStatus    string    `json:"submissionStatus,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// BacklogSubmission is a stored submission whose applicant still lacks a
// parsed profile.
type BacklogSubmission struct {
	Submission
	ApplicantName string
	// ApplicantKey is the owning applicant's ATS id.
	ApplicantKey string
}

type ParsedProfile struct {
	ApplicantID    string          `json:"applicantId"`
	Data           json.RawMessage `json:"data"`
	Skills         []string        `json:"skills"`
	Titles         []string        `json:"titles"`
	Location       string          `json:"location,omitempty"`
	TotalExpMonths int             `json:"totalExpMonths"`
	ParsedAt       time.Time       `json:"parsedAt"`
}

// ProfileDocument is the shape stored in ParsedProfile.Data.
type ProfileDocument struct {
	Markdown  string         `json:"markdown"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Extracted map[string]any `json:"extracted"`
}

// Document decodes Data. A malformed payload yields an empty document.
func (p *ParsedProfile) Document() ProfileDocument {
	var doc ProfileDocument
	if len(p.Data) > 0 {
		_ = json.Unmarshal(p.Data, &doc)
	}
	if doc.Extracted == nil {
		doc.Extracted = map[string]any{}
	}
	return doc
}

type Resume struct {
	ApplicantID string    `json:"applicantId"`
	StorageKey  string    `json:"storageKey"`
	MimeType    string    `json:"mimeType"`
	SizeBytes   int64     `json:"sizeBytes"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Ranking struct {
	ID          string          `json:"id"`
	JobID       string          `json:"jobId"`
	ApplicantID string          `json:"applicantId"`
	Score       int             `json:"score"`
	Explanation string          `json:"explanation"`
	Rubric      json.RawMessage `json:"rubric,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// RankedApplicant joins a ranking with the applicant it scores.
type RankedApplicant struct {
	Ranking
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Location string `json:"location,omitempty"`
}

const NamespaceCandidate = "candidate"

type Embedding struct {
	Namespace string    `json:"namespace"`
	RefID     string    `json:"refId"`
	Model     string    `json:"model"`
	Vector    []float32 `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// ProcessingJob is one ingestion run for a Job.
type ProcessingJob struct {
	ID               string     `json:"id"`
	JobID            string     `json:"jobId"`
	JobCode          string     `json:"jobCode,omitempty"`
	ParsingMode      string     `json:"parsingMode"`
	Status           RunStatus  `json:"status"`
	TotalSubmissions int        `json:"totalSubmissions"`
	ProcessedCount   int        `json:"processedCount"`
	ErrorCount       int        `json:"errorCount"`
	SkippedCount     int        `json:"skippedCount"`
	UploadCount      int        `json:"s3UploadCount"`
	ParsedCount      int        `json:"parsedCount"`
	EmbeddingCount   int        `json:"embeddingCount"`
	TotalCost        float64    `json:"totalCost"`
	ParsingCost      float64    `json:"parsingCost"`
	LLMCost          float64    `json:"openaiCost"`
	EmbeddingCost    float64    `json:"embeddingCost"`
	Errors           []string   `json:"errors"`
	Successful       []string   `json:"successfulApplicants"`
	Failed           []string   `json:"failedApplicants"`
	StartedAt        time.Time  `json:"startedAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	DurationMs       int64      `json:"durationMs,omitempty"`
}

// Progressed reports whether any submission has been handled.
func (p *ProcessingJob) Progressed() bool {
	return p.ProcessedCount+p.ErrorCount > 0
}

// CounterDelta is applied atomically to a ProcessingJob: numbers are
// added, slices are appended.
type CounterDelta struct {
	Processed     int
	Errors        int
	Skipped       int
	Uploads       int
	Parsed        int
	Embeddings    int
	TotalCost     float64
	ParsingCost   float64
	LLMCost       float64
	EmbeddingCost float64

	ErrorMessages []string
	Successful    []string
	Failed        []string
}

type LogLevel string

const (
	LevelInfo    LogLevel = "info"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
	LevelSuccess LogLevel = "success"
)

type ProcessingLog struct {
	ID              string         `json:"id"`
	ProcessingJobID string         `json:"processingJobId"`
	Level           LogLevel       `json:"level"`
	Message         string         `json:"message"`
	ApplicantID     string         `json:"applicantId,omitempty"`
	ApplicantName   string         `json:"applicantName,omitempty"`
	Details         map[string]any `json:"details,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}
