package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"
)

// CreateJobRequest is the body of a remote submission. The output
// directory is chosen by the server.
type CreateJobRequest struct {
	Source     string   `json:"source"`
	Note       string   `json:"note"`
	Location   Location `json:"location"`
	WebhookURL string   `json:"webhook_url,omitempty"`
}

type Job struct {
	ID         string
	Status     string
	Source     string
	OutputDir  string
	Note       string
	Location   Location
	WebhookURL string
	OutputPath string
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (j Job) ImageRequest() ImageRequest {
	return ImageRequest{
		Source:    j.Source,
		OutputDir: j.OutputDir,
		Note:      j.Note,
		Location:  j.Location,
	}
}

func (r CreateJobRequest) Validate() error {
	if strings.TrimSpace(r.Source) == "" {
		return errors.New("source is required")
	}
	if err := r.Location.Validate(); err != nil {
		return fmt.Errorf("location: %w", err)
	}
	if r.WebhookURL != "" && !strings.HasPrefix(r.WebhookURL, "http://") && !strings.HasPrefix(r.WebhookURL, "https://") {
		return fmt.Errorf("webhook_url must be http(s): %s", r.WebhookURL)
	}
	return nil
}
