package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

type RunGenerationJobArgs struct {
	SubmissionID  uuid.UUID       `json:"submission_id"`
	OperationType string          `json:"operation_type"`
	Payload       json.RawMessage `json:"payload"`
}

func (RunGenerationJobArgs) Kind() string { return "run_generation" }

// SubmissionService is the contract the worker needs to report outcomes.
// MarkFailed triggers the credit refund.
type SubmissionService interface {
	MarkStarted(ctx context.Context, submissionID uuid.UUID) error
	MarkCompleted(ctx context.Context, submissionID uuid.UUID, output []byte) error
	MarkFailed(ctx context.Context, submissionID uuid.UUID, reason string) error
}

type RunGenerationWorker struct {
	river.WorkerDefaults[RunGenerationJobArgs]
	submissions SubmissionService
	providerURL string
	httpClient  *http.Client
}

func NewRunGenerationWorker(submissions SubmissionService, providerURL string) *RunGenerationWorker {
	return &RunGenerationWorker{
		submissions: submissions,
		providerURL: providerURL,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
	}
}

// providerRequest is the JSON body sent to the generation provider.
type providerRequest struct {
	SubmissionID  uuid.UUID       `json:"submission_id"`
	OperationType string          `json:"operation_type"`
	Input         json.RawMessage `json:"input"`
}

func (w *RunGenerationWorker) Work(ctx context.Context, job *river.Job[RunGenerationJobArgs]) error {
	args := job.Args

	if err := w.submissions.MarkStarted(ctx, args.SubmissionID); err != nil {
		return fmt.Errorf("mark submission started: %w", err)
	}

	body, err := json.Marshal(providerRequest{
		SubmissionID:  args.SubmissionID,
		OperationType: args.OperationType,
		Input:         args.Payload,
	})
	if err != nil {
		return w.failSubmission(ctx, args.SubmissionID, fmt.Sprintf("failed to marshal provider request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.providerURL, bytes.NewReader(body))
	if err != nil {
		return w.failSubmission(ctx, args.SubmissionID, fmt.Sprintf("failed to create request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		// Network errors are retried by the queue; refund only once the
		// final attempt is gone.
		if job.Attempt >= job.MaxAttempts {
			return w.failSubmission(ctx, args.SubmissionID, fmt.Sprintf("provider unreachable: %v", err))
		}
		return fmt.Errorf("network error calling generation provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return w.failSubmission(ctx, args.SubmissionID, fmt.Sprintf("provider returned non-200 status: %d", resp.StatusCode))
	}

	var output json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&output); err != nil {
		return w.failSubmission(ctx, args.SubmissionID, "provider returned invalid JSON")
	}

	if err := w.submissions.MarkCompleted(ctx, args.SubmissionID, output); err != nil {
		return fmt.Errorf("failed to mark submission completed: %w", err)
	}
	return nil
}

func (w *RunGenerationWorker) failSubmission(ctx context.Context, submissionID uuid.UUID, reason string) error {
	if err := w.submissions.MarkFailed(ctx, submissionID, reason); err != nil {
		return fmt.Errorf("generation failed (%s) AND failed to mark submission: %w", reason, err)
	}
	return nil
}
