package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dunamismax/bitmapmanipulator/internal/domain"
	"github.com/hibiken/asynq"
)

const TypeInvertImage = "image:invert"

type InvertImagePayload struct {
	JobID       string          `json:"job_id"`
	Source      string          `json:"source"`
	OutputDir   string          `json:"output_dir"`
	Note        string          `json:"note"`
	Location    domain.Location `json:"location"`
	WebhookURL  string          `json:"webhook_url,omitempty"`
	RequestedAt time.Time       `json:"requested_at"`
}

func PayloadForJob(job domain.Job) InvertImagePayload {
	return InvertImagePayload{
		JobID:       job.ID,
		Source:      job.Source,
		OutputDir:   job.OutputDir,
		Note:        job.Note,
		Location:    job.Location,
		WebhookURL:  job.WebhookURL,
		RequestedAt: job.CreatedAt,
	}
}

func (p InvertImagePayload) ImageRequest() domain.ImageRequest {
	return domain.ImageRequest{
		Source:    p.Source,
		OutputDir: p.OutputDir,
		Note:      p.Note,
		Location:  p.Location,
	}
}

func NewInvertImageTask(payload InvertImagePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal invert payload: %w", err)
	}
	return asynq.NewTask(TypeInvertImage, body), nil
}

func ParseInvertImagePayload(task *asynq.Task) (InvertImagePayload, error) {
	var payload InvertImagePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return InvertImagePayload{}, fmt.Errorf("unmarshal invert payload: %w", err)
	}
	if payload.JobID == "" {
		return InvertImagePayload{}, fmt.Errorf("invert payload has no job_id")
	}
	return payload, nil
}
