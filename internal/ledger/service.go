package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pixelforge/backend/internal/models"
)

// ErrUnknownOperation means no pricing entry exists for the requested
// operation type. This is a deployment/config bug: the caller must abort the
// paid operation, never fall back to a default price.
var ErrUnknownOperation = errors.New("no pricing entry for operation type")

// ErrAccountNotFound is returned by Deduct and Grant against a nonexistent
// account. GetBalance instead treats a missing account as zero balance.
var ErrAccountNotFound = errors.New("account not found")

// ErrDuplicateSubmission is returned when a submission id already has a
// deduction. Callers retrying a paid operation must mint a fresh id.
var ErrDuplicateSubmission = errors.New("submission already charged")

// InsufficientCreditsError blocks the paid operation from starting. Expected,
// user-facing, recoverable by topping up.
type InsufficientCreditsError struct {
	Required  int
	Available int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, have %d", e.Required, e.Available)
}

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// AccountStore is the minimal account repository interface for the ledger.
type AccountStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*models.Account, error)
	DeductBalance(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int) (newBalance int, err error)
	AddBalance(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int) (newBalance int, err error)
	GetBalance(ctx context.Context, userID uuid.UUID) (int, error)
}

// PricingStore is the read-only pricing lookup the ledger consults on deduct.
type PricingStore interface {
	GetByOperationType(ctx context.Context, operationType string) (*models.PricingEntry, error)
}

// EntryStore is the append-only transaction log.
type EntryStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	FindBySubmission(ctx context.Context, tx pgx.Tx, userID, submissionID uuid.UUID, kind string) (*models.LedgerEntry, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
}

// BalanceCache is an optional denormalized balance cache. The accounts table
// stays authoritative; entries are invalidated after every committed write.
type BalanceCache interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (balance int, ok bool, err error)
	SetBalance(ctx context.Context, userID uuid.UUID, balance int) error
	Invalidate(ctx context.Context, userID uuid.UUID) error
}

type Service interface {
	Deduct(ctx context.Context, userID uuid.UUID, operationType string, submissionID uuid.UUID) (int, error)
	DeductTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, operationType string, submissionID uuid.UUID) (int, error)
	Refund(ctx context.Context, userID, submissionID uuid.UUID) (*models.LedgerEntry, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (int, error)
	Grant(ctx context.Context, userID uuid.UUID, amount int, kind, description string) (int, error)
	History(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
	InvalidateBalance(ctx context.Context, userID uuid.UUID)
}

type service struct {
	db       TxBeginner
	accounts AccountStore
	pricing  PricingStore
	entries  EntryStore
	cache    BalanceCache
}

// NewService creates the ledger service. cache may be nil.
func NewService(db TxBeginner, accounts AccountStore, pricing PricingStore, entries EntryStore, cache BalanceCache) Service {
	return &service{db: db, accounts: accounts, pricing: pricing, entries: entries, cache: cache}
}

var _ Service = (*service)(nil)

// Deduct charges the current cost of operationType to the user's account and
// appends a deduction entry, all in one transaction. It is the admission step:
// no paid work may be dispatched without a prior successful Deduct.
func (s *service) Deduct(ctx context.Context, userID uuid.UUID, operationType string, submissionID uuid.UUID) (int, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	remaining, err := s.DeductTx(ctx, tx, userID, operationType, submissionID)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	s.InvalidateBalance(ctx, userID)
	return remaining, nil
}

// DeductTx runs the deduction inside the caller's transaction, so callers can
// atomically pair it with their own writes (e.g. creating the submission row
// and enqueueing the generation job). The caller owns commit/rollback and
// should call InvalidateBalance after a successful commit.
func (s *service) DeductTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, operationType string, submissionID uuid.UUID) (int, error) {
	price, err := s.pricing.GetByOperationType(ctx, operationType)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %q", ErrUnknownOperation, operationType)
		}
		return 0, err
	}

	acc, err := s.accounts.GetForUpdate(ctx, tx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, err
	}

	prior, err := s.entries.FindBySubmission(ctx, tx, userID, submissionID, models.LedgerKindDeduction)
	if err != nil {
		return 0, err
	}
	if prior != nil {
		return 0, ErrDuplicateSubmission
	}

	if acc.Balance < price.Cost {
		return 0, &InsufficientCreditsError{Required: price.Cost, Available: acc.Balance}
	}

	newBalance, err := s.accounts.DeductBalance(ctx, tx, userID, price.Cost)
	if err != nil {
		// The row lock makes this unreachable, but the conditional UPDATE is
		// the hard guarantee that the balance never goes negative.
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, &InsufficientCreditsError{Required: price.Cost, Available: acc.Balance}
		}
		return 0, err
	}

	entry := &models.LedgerEntry{
		ID:           uuid.New(),
		UserID:       userID,
		Amount:       -price.Cost,
		Kind:         models.LedgerKindDeduction,
		SubmissionID: &submissionID,
		Description:  price.Label,
	}
	if err := s.entries.CreateTx(ctx, tx, entry); err != nil {
		return 0, err
	}
	return newBalance, nil
}

// Refund reverses the deduction recorded for submissionID. It returns
// (nil, nil) when there is nothing to refund: no deduction exists, or a refund
// was already applied. Duplicate refund attempts are expected traffic from
// at-least-once callback delivery, not errors. The refunded amount is always
// exactly what was deducted; pricing changes since the deduct are ignored.
func (s *service) Refund(ctx context.Context, userID, submissionID uuid.UUID) (*models.LedgerEntry, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := s.accounts.GetForUpdate(ctx, tx, userID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// No account means no deduction can exist either.
			return nil, nil
		}
		return nil, err
	}

	deduction, err := s.entries.FindBySubmission(ctx, tx, userID, submissionID, models.LedgerKindDeduction)
	if err != nil {
		return nil, err
	}
	if deduction == nil {
		return nil, nil
	}

	existing, err := s.entries.FindBySubmission(ctx, tx, userID, submissionID, models.LedgerKindRefund)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, nil
	}

	amount := -deduction.Amount
	if _, err := s.accounts.AddBalance(ctx, tx, userID, amount); err != nil {
		return nil, err
	}

	entry := &models.LedgerEntry{
		ID:           uuid.New(),
		UserID:       userID,
		Amount:       amount,
		Kind:         models.LedgerKindRefund,
		SubmissionID: &submissionID,
		Description:  deduction.Description,
	}
	if err := s.entries.CreateTx(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.InvalidateBalance(ctx, userID)
	return entry, nil
}

// GetBalance returns the current balance, or 0 for a missing account.
// Accounts created out-of-band must read as empty, not as a fault.
func (s *service) GetBalance(ctx context.Context, userID uuid.UUID) (int, error) {
	if s.cache != nil {
		if balance, ok, err := s.cache.GetBalance(ctx, userID); err == nil && ok {
			return balance, nil
		}
	}
	balance, err := s.accounts.GetBalance(ctx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	if s.cache != nil {
		_ = s.cache.SetBalance(ctx, userID, balance)
	}
	return balance, nil
}

// Grant credits the account with a signup bonus or a topup and appends the
// matching ledger entry. Bonus/topup entries carry no submission id.
func (s *service) Grant(ctx context.Context, userID uuid.UUID, amount int, kind, description string) (int, error) {
	if kind != models.LedgerKindSignupBonus && kind != models.LedgerKindTopup {
		return 0, fmt.Errorf("invalid grant kind %q", kind)
	}
	if amount <= 0 {
		return 0, fmt.Errorf("grant amount must be > 0, got %d", amount)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if _, err := s.accounts.GetForUpdate(ctx, tx, userID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, err
	}
	newBalance, err := s.accounts.AddBalance(ctx, tx, userID, amount)
	if err != nil {
		return 0, err
	}
	entry := &models.LedgerEntry{
		ID:          uuid.New(),
		UserID:      userID,
		Amount:      amount,
		Kind:        kind,
		Description: description,
	}
	if err := s.entries.CreateTx(ctx, tx, entry); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	s.InvalidateBalance(ctx, userID)
	return newBalance, nil
}

const defaultHistoryLimit = 50

func (s *service) History(ctx context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = defaultHistoryLimit
	}
	return s.entries.ListByUser(ctx, userID, limit)
}

// InvalidateBalance drops the cached balance after a committed write.
func (s *service) InvalidateBalance(ctx context.Context, userID uuid.UUID) {
	if s.cache != nil {
		_ = s.cache.Invalidate(ctx, userID)
	}
}
