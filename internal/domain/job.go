package domain

import (
	"strings"
	"time"
)

// MediaType enumerates the kinds of media a job can produce.
type MediaType string

const (
	MediaTypeVideo MediaType = "video"
	MediaTypeImage MediaType = "image"
	MediaTypeAudio MediaType = "audio"
)

// ParseMediaType normalizes user input into a MediaType.
func ParseMediaType(raw string) (MediaType, bool) {
	switch MediaType(strings.ToLower(strings.TrimSpace(raw))) {
	case MediaTypeVideo:
		return MediaTypeVideo, true
	case MediaTypeImage:
		return MediaTypeImage, true
	case MediaTypeAudio:
		return MediaTypeAudio, true
	}
	return "", false
}

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transitions may leave the status.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

func (s JobStatus) rank() int {
	switch s {
	case JobStatusPending:
		return 0
	case JobStatusProcessing:
		return 1
	case JobStatusCompleted, JobStatusFailed:
		return 2
	}
	return -1
}

// CanTransitionTo reports whether moving from s to next keeps the status
// moving forward. Re-asserting a non-terminal status is allowed so that
// repeated "processing" acknowledgements are harmless.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	from, to := s.rank(), next.rank()
	if from < 0 || to < 0 || s.IsTerminal() {
		return false
	}
	return to >= from
}

// ErrorCategory distinguishes why a job ended in the failed state.
type ErrorCategory string

const (
	ErrorCategoryProvider ErrorCategory = "provider"
	ErrorCategoryCanceled ErrorCategory = "canceled"
	ErrorCategoryDownload ErrorCategory = "download"
	ErrorCategoryStorage  ErrorCategory = "storage"
)

// Job is the store-of-record row for one media generation request.
type Job struct {
	ID               string
	UserID           string
	ExternalID       string
	MediaType        MediaType
	ModelID          string
	Status           JobStatus
	Parameters       map[string]any
	Prompt           string
	EstimatedCost    float64
	EstimatedTime    int
	ResultURL        string
	ResultPath       string
	ThumbnailURL     string
	FileSize         int64
	ProcessingTimeMs int64
	Error            string
	ErrorCategory    ErrorCategory
	WebhookURL       string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
}

// JobUpdate carries the mutable subset of Job fields. Nil pointers are left
// untouched by the store.
type JobUpdate struct {
	ExternalID       *string
	Status           *JobStatus
	ResultURL        *string
	ResultPath       *string
	ThumbnailURL     *string
	FileSize         *int64
	ProcessingTimeMs *int64
	Error            *string
	ErrorCategory    *ErrorCategory
	CompletedAt      *time.Time
}

// IsEmpty reports whether the update would change nothing.
func (u JobUpdate) IsEmpty() bool {
	return u.ExternalID == nil && u.Status == nil && u.ResultURL == nil && u.ResultPath == nil &&
		u.ThumbnailURL == nil && u.FileSize == nil && u.ProcessingTimeMs == nil && u.Error == nil &&
		u.ErrorCategory == nil && u.CompletedAt == nil
}

// Validate enforces the result/error exclusivity rules of a terminal update.
func (u JobUpdate) Validate() error {
	if u.IsEmpty() {
		return NewValidationError(FieldError{Field: "update", Message: "no fields to update"})
	}
	var fields []FieldError
	hasResult := u.ResultURL != nil && *u.ResultURL != ""
	hasError := u.Error != nil && *u.Error != ""
	if hasResult && hasError {
		fields = append(fields, FieldError{Field: "resultUrl", Message: "result and error are mutually exclusive"})
	}
	if u.Status != nil {
		switch *u.Status {
		case JobStatusCompleted:
			if hasError {
				fields = append(fields, FieldError{Field: "error", Message: "error is only allowed on failed jobs"})
			}
		case JobStatusFailed:
			if hasResult {
				fields = append(fields, FieldError{Field: "resultUrl", Message: "result is only allowed on completed jobs"})
			}
		default:
			if hasResult || hasError {
				fields = append(fields, FieldError{Field: "status", Message: "result or error requires a terminal status"})
			}
		}
	} else if hasResult || hasError {
		fields = append(fields, FieldError{Field: "status", Message: "result or error requires a terminal status"})
	}
	if len(fields) > 0 {
		return NewValidationError(fields...)
	}
	return nil
}

// StatusProjection is the cached, read-optimized view of a job.
type StatusProjection struct {
	JobID        string     `json:"jobId"`
	ExternalID   string     `json:"externalId,omitempty"`
	Status       JobStatus  `json:"status"`
	MediaType    MediaType  `json:"mediaType"`
	ModelID      string     `json:"modelId"`
	ResultURL    string     `json:"resultUrl,omitempty"`
	ThumbnailURL string     `json:"thumbnailUrl,omitempty"`
	FileSize     int64      `json:"fileSize,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// Projection derives the cacheable view of the job.
func (j *Job) Projection() *StatusProjection {
	if j == nil {
		return nil
	}
	p := &StatusProjection{
		JobID:        j.ID,
		ExternalID:   j.ExternalID,
		Status:       j.Status,
		MediaType:    j.MediaType,
		ModelID:      j.ModelID,
		ResultURL:    j.ResultURL,
		ThumbnailURL: j.ThumbnailURL,
		FileSize:     j.FileSize,
		Error:        j.Error,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		p.CompletedAt = &t
	}
	return p
}
