package generation

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pixelforge/backend/internal/execution"
	"github.com/pixelforge/backend/internal/ledger"
	"github.com/pixelforge/backend/internal/models"
)

// SubmissionStore is the submission repository interface the service needs.
type SubmissionStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, s *models.Submission) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Submission, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Submission, error)
	MarkRunning(ctx context.Context, id uuid.UUID) error
	MarkCompleted(ctx context.Context, id uuid.UUID, output json.RawMessage) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
}

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// InsertRunGenerationTxFunc enqueues a generation job within the given
// transaction. Provided by main using river.Client.InsertTx.
type InsertRunGenerationTxFunc func(ctx context.Context, tx pgx.Tx, args execution.RunGenerationJobArgs) error

type Service interface {
	Create(ctx context.Context, userID uuid.UUID, operationType string, input json.RawMessage) (*models.Submission, int, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Submission, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Submission, error)
	MarkStarted(ctx context.Context, submissionID uuid.UUID) error
	MarkCompleted(ctx context.Context, submissionID uuid.UUID, output []byte) error
	MarkFailed(ctx context.Context, submissionID uuid.UUID, reason string) error
}

type service struct {
	db                  TxBeginner
	subs                SubmissionStore
	ledger              ledger.Service
	insertRunGeneration InsertRunGenerationTxFunc
}

// NewService creates a generation service. insertRunGeneration is typically a
// closure over river.Client.InsertTx. Returns *service so it can be used as
// execution.SubmissionService for the River worker.
func NewService(db TxBeginner, subs SubmissionStore, ledgerSvc ledger.Service, insertRunGeneration InsertRunGenerationTxFunc) *service {
	return &service{db: db, subs: subs, ledger: ledgerSvc, insertRunGeneration: insertRunGeneration}
}

var _ Service = (*service)(nil)
var _ execution.SubmissionService = (*service)(nil)

// Create reserves credits and enqueues the generation in one transaction:
// submission row, deduction, and job insert commit or roll back together, so
// no generation is ever dispatched without its deduction.
func (s *service) Create(ctx context.Context, userID uuid.UUID, operationType string, input json.RawMessage) (*models.Submission, int, error) {
	sub := &models.Submission{
		ID:            uuid.New(),
		UserID:        userID,
		OperationType: operationType,
		Status:        models.SubmissionStatusPending,
		InputPayload:  input,
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback(ctx)

	if err := s.subs.CreateTx(ctx, tx, sub); err != nil {
		return nil, 0, err
	}
	remaining, err := s.ledger.DeductTx(ctx, tx, userID, operationType, sub.ID)
	if err != nil {
		return nil, 0, err
	}
	if err := s.insertRunGeneration(ctx, tx, execution.RunGenerationJobArgs{
		SubmissionID:  sub.ID,
		OperationType: operationType,
		Payload:       input,
	}); err != nil {
		return nil, 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, 0, err
	}
	s.ledger.InvalidateBalance(ctx, userID)
	return sub, remaining, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*models.Submission, error) {
	return s.subs.GetByID(ctx, id)
}

func (s *service) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Submission, error) {
	return s.subs.ListByUser(ctx, userID, limit)
}

// MarkStarted implements execution.SubmissionService.
func (s *service) MarkStarted(ctx context.Context, submissionID uuid.UUID) error {
	return s.subs.MarkRunning(ctx, submissionID)
}

// MarkCompleted implements execution.SubmissionService. Credits stay spent.
func (s *service) MarkCompleted(ctx context.Context, submissionID uuid.UUID, output []byte) error {
	return s.subs.MarkCompleted(ctx, submissionID, output)
}

// MarkFailed implements execution.SubmissionService. Marks the submission
// failed and refunds the deduction. The refund is idempotent, so duplicate
// failure callbacks (at-least-once delivery) credit the user exactly once.
func (s *service) MarkFailed(ctx context.Context, submissionID uuid.UUID, reason string) error {
	sub, err := s.subs.GetByID(ctx, submissionID)
	if err != nil {
		return err
	}
	if err := s.subs.MarkFailed(ctx, submissionID, reason); err != nil {
		return err
	}
	_, err = s.ledger.Refund(ctx, sub.UserID, submissionID)
	return err
}
