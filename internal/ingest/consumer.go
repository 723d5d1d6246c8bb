package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nsqio/go-nsq"

	"corpora/features/job"
	"corpora/internal/middleware"
)

const runTimeout = 30 * time.Minute

type Runner interface {
	Run(ctx context.Context, documentID string) error
}

// Consumer handles ingest topic messages. Transient failures are
// requeued by NSQ; permanent ones are parked in failed_jobs for a
// manual retry.
type Consumer struct {
	pipeline Runner
	jobs     job.Repository
}

func NewConsumer(pipeline Runner, jobs job.Repository) *Consumer {
	return &Consumer{pipeline: pipeline, jobs: jobs}
}

func (c *Consumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var task DocumentTask
	if err := json.Unmarshal(m.Body, &task); err != nil {
		// Poison pill, don't retry
		slog.Error("poison pill: invalid json", "error", err)
		return nil
	}
	if task.DocumentID == "" {
		slog.Error("poison pill: missing document id")
		return nil
	}

	ctx := context.Background()
	if task.CorrelationID != "" {
		ctx = middleware.WithCorrelationID(ctx, task.CorrelationID)
	}
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	err := c.pipeline.Run(ctx, task.DocumentID)
	if err == nil {
		return nil
	}

	if IsTransient(err) && !IsPermanent(err) {
		slog.WarnContext(ctx, "ingestion failed, requeueing", "document_id", task.DocumentID, "error", err)
		return err
	}

	slog.ErrorContext(ctx, "ingestion failed permanently", "document_id", task.DocumentID, "error", err)
	c.park(ctx, task, m.Body, err)
	return nil
}

func (c *Consumer) park(ctx context.Context, task DocumentTask, body []byte, cause error) {
	failed := &job.Job{
		DocumentID: task.DocumentID,
		Handler:    "ingest-consumer",
		Payload:    json.RawMessage(body),
		Error:      cause.Error(),
	}
	if err := c.jobs.Save(ctx, failed); err != nil {
		slog.ErrorContext(ctx, "failed to save failed job", "error", err)
		return
	}
	slog.InfoContext(ctx, "saved failed job for retry", "job_id", failed.ID)
}
