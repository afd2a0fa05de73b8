package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pixelforge/backend/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory mocks for the ledger stores. These let us test the real service
// logic without a database. serialDB serializes transactions the way row
// locking does in Postgres: Begin blocks until the previous tx finishes.
// ---------------------------------------------------------------------------

// --- noopTx satisfies pgx.Tx for test use; only Commit/Rollback matter. ---

type noopTx struct{}

func (noopTx) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }
func (noopTx) Commit(context.Context) error          { return nil }
func (noopTx) Rollback(context.Context) error        { return nil }
func (noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (noopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (noopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (noopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (noopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (noopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (noopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (noopTx) Conn() *pgx.Conn { return nil }

// --- serialDB: one transaction at a time ---

type serialTx struct {
	noopTx
	once *sync.Once
	mu   *sync.Mutex
}

func (t serialTx) Commit(context.Context) error   { t.once.Do(t.mu.Unlock); return nil }
func (t serialTx) Rollback(context.Context) error { t.once.Do(t.mu.Unlock); return nil }

type serialDB struct {
	mu sync.Mutex
}

func (d *serialDB) Begin(context.Context) (pgx.Tx, error) {
	d.mu.Lock()
	return serialTx{once: new(sync.Once), mu: &d.mu}, nil
}

// --- AccountStore mock ---

type mockAccounts struct {
	mu       sync.Mutex
	balances map[uuid.UUID]int
}

func newMockAccounts() *mockAccounts {
	return &mockAccounts{balances: make(map[uuid.UUID]int)}
}

func (m *mockAccounts) set(id uuid.UUID, balance int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[id] = balance
}

func (m *mockAccounts) balance(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[id]
}

func (m *mockAccounts) GetForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &models.Account{UserID: id, Balance: b}, nil
}

func (m *mockAccounts) DeductBalance(_ context.Context, _ pgx.Tx, id uuid.UUID, amount int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[id]
	if !ok || b < amount {
		return 0, pgx.ErrNoRows
	}
	m.balances[id] = b - amount
	return m.balances[id], nil
}

func (m *mockAccounts) AddBalance(_ context.Context, _ pgx.Tx, id uuid.UUID, amount int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.balances[id]; !ok {
		return 0, pgx.ErrNoRows
	}
	m.balances[id] += amount
	return m.balances[id], nil
}

func (m *mockAccounts) GetBalance(_ context.Context, id uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[id]
	if !ok {
		return 0, pgx.ErrNoRows
	}
	return b, nil
}

// --- PricingStore mock ---

type mockPricing struct {
	mu      sync.Mutex
	entries map[string]models.PricingEntry
}

func newMockPricing() *mockPricing {
	return &mockPricing{entries: make(map[string]models.PricingEntry)}
}

func (m *mockPricing) setCost(operationType string, cost int, label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[operationType] = models.PricingEntry{OperationType: operationType, Cost: cost, Label: label}
}

func (m *mockPricing) GetByOperationType(_ context.Context, operationType string) (*models.PricingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.entries[operationType]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := p
	return &cp, nil
}

// --- EntryStore mock ---

type mockEntries struct {
	mu      sync.Mutex
	entries []*models.LedgerEntry
}

func (m *mockEntries) CreateTx(_ context.Context, _ pgx.Tx, e *models.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *mockEntries) FindBySubmission(_ context.Context, _ pgx.Tx, userID, submissionID uuid.UUID, kind string) (*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.UserID == userID && e.Kind == kind && e.SubmissionID != nil && *e.SubmissionID == submissionID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockEntries) ListByUser(_ context.Context, userID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.LedgerEntry
	for _, e := range m.entries {
		if e.UserID == userID && len(out) < limit {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockEntries) byKind(kind string) []*models.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.LedgerEntry
	for _, e := range m.entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (m *mockEntries) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// --- BalanceCache mock ---

type mockCache struct {
	mu     sync.Mutex
	values map[uuid.UUID]int
	hits   int
}

func newMockCache() *mockCache { return &mockCache{values: make(map[uuid.UUID]int)} }

func (m *mockCache) GetBalance(_ context.Context, id uuid.UUID) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[id]
	if ok {
		m.hits++
	}
	return v, ok, nil
}

func (m *mockCache) SetBalance(_ context.Context, id uuid.UUID, balance int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[id] = balance
	return nil
}

func (m *mockCache) Invalidate(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, id)
	return nil
}

// ---------------------------------------------------------------------------
// Test fixture
// ---------------------------------------------------------------------------

type fixture struct {
	svc      Service
	accounts *mockAccounts
	pricing  *mockPricing
	entries  *mockEntries
}

func newFixture(cache BalanceCache) *fixture {
	f := &fixture{
		accounts: newMockAccounts(),
		pricing:  newMockPricing(),
		entries:  &mockEntries{},
	}
	f.svc = NewService(&serialDB{}, f.accounts, f.pricing, f.entries, cache)
	return f
}

// ---------------------------------------------------------------------------
// 1. Deduct happy path: balance 20, cost 15 -> remaining 5, one deduction row.
// ---------------------------------------------------------------------------

func TestDeduct(t *testing.T) {
	f := newFixture(nil)
	user := uuid.New()
	sub := uuid.New()
	f.accounts.set(user, 20)
	f.pricing.setCost("video-generation", 15, "Video generation")

	ctx := context.Background()
	remaining, err := f.svc.Deduct(ctx, user, "video-generation", sub)
	if err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if remaining != 5 {
		t.Errorf("remaining balance: got %d, want 5", remaining)
	}
	if got := f.accounts.balance(user); got != 5 {
		t.Errorf("stored balance: got %d, want 5", got)
	}

	deductions := f.entries.byKind(models.LedgerKindDeduction)
	if len(deductions) != 1 {
		t.Fatalf("deduction entries: got %d, want 1", len(deductions))
	}
	d := deductions[0]
	if d.Amount != -15 {
		t.Errorf("deduction amount: got %d, want -15", d.Amount)
	}
	if d.SubmissionID == nil || *d.SubmissionID != sub {
		t.Error("deduction entry should reference the submission")
	}
	if d.Description != "Video generation" {
		t.Errorf("deduction description: got %q", d.Description)
	}
}

// ---------------------------------------------------------------------------
// 2. Insufficient credits: no mutation, typed error with required/available.
// ---------------------------------------------------------------------------

func TestDeduct_InsufficientCredits(t *testing.T) {
	f := newFixture(nil)
	user := uuid.New()
	f.accounts.set(user, 3)
	f.pricing.setCost("image-generation", 5, "Image generation")

	_, err := f.svc.Deduct(context.Background(), user, "image-generation", uuid.New())
	var insufficient *InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientCreditsError, got: %v", err)
	}
	if insufficient.Required != 5 || insufficient.Available != 3 {
		t.Errorf("error fields: got required=%d available=%d, want 5/3", insufficient.Required, insufficient.Available)
	}
	if got := f.accounts.balance(user); got != 3 {
		t.Errorf("balance must be untouched: got %d, want 3", got)
	}
	if n := f.entries.count(); n != 0 {
		t.Errorf("expected 0 ledger entries, got %d", n)
	}
}

// ---------------------------------------------------------------------------
// 3. Unknown operation type: configuration error, nothing written.
// ---------------------------------------------------------------------------

func TestDeduct_UnknownOperation(t *testing.T) {
	f := newFixture(nil)
	user := uuid.New()
	f.accounts.set(user, 100)

	_, err := f.svc.Deduct(context.Background(), user, "nonexistent-op", uuid.New())
	if !errors.Is(err, ErrUnknownOperation) {
		t.Fatalf("expected ErrUnknownOperation, got: %v", err)
	}
	if got := f.accounts.balance(user); got != 100 {
		t.Errorf("balance must be untouched: got %d, want 100", got)
	}
	if n := f.entries.count(); n != 0 {
		t.Errorf("expected 0 ledger entries, got %d", n)
	}
}

// ---------------------------------------------------------------------------
// 4. Deduct against a missing account is a data-integrity error, distinct
//    from insufficient funds.
// ---------------------------------------------------------------------------

func TestDeduct_AccountNotFound(t *testing.T) {
	f := newFixture(nil)
	f.pricing.setCost("image-generation", 5, "Image generation")

	_, err := f.svc.Deduct(context.Background(), uuid.New(), "image-generation", uuid.New())
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got: %v", err)
	}
}

// ---------------------------------------------------------------------------
// 5. A submission id can fund at most one deduction.
// ---------------------------------------------------------------------------

func TestDeduct_DuplicateSubmission(t *testing.T) {
	f := newFixture(nil)
	user := uuid.New()
	sub := uuid.New()
	f.accounts.set(user, 50)
	f.pricing.setCost("image-generation", 5, "Image generation")

	ctx := context.Background()
	if _, err := f.svc.Deduct(ctx, user, "image-generation", sub); err != nil {
		t.Fatalf("first Deduct: %v", err)
	}
	if _, err := f.svc.Deduct(ctx, user, "image-generation", sub); !errors.Is(err, ErrDuplicateSubmission) {
		t.Fatalf("expected ErrDuplicateSubmission, got: %v", err)
	}
	if got := f.accounts.balance(user); got != 45 {
		t.Errorf("balance after duplicate attempt: got %d, want 45", got)
	}
	if n := len(f.entries.byKind(models.LedgerKindDeduction)); n != 1 {
		t.Errorf("deduction entries: got %d, want 1", n)
	}
}

// ---------------------------------------------------------------------------
// 6. Round-trip: deduct then refund restores the balance, two rows sum to 0.
// ---------------------------------------------------------------------------

func TestRefund_RoundTrip(t *testing.T) {
	f := newFixture(nil)
	user := uuid.New()
	sub := uuid.New()
	f.accounts.set(user, 20)
	f.pricing.setCost("image-generation", 5, "Image generation")

	ctx := context.Background()
	remaining, err := f.svc.Deduct(ctx, user, "image-generation", sub)
	if err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if remaining != 15 {
		t.Fatalf("remaining: got %d, want 15", remaining)
	}

	entry, err := f.svc.Refund(ctx, user, sub)
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if entry == nil {
		t.Fatal("expected a refund entry, got nil")
	}
	if entry.Amount != 5 || entry.Kind != models.LedgerKindRefund {
		t.Errorf("refund entry: got amount=%d kind=%q", entry.Amount, entry.Kind)
	}
	if got := f.accounts.balance(user); got != 20 {
		t.Errorf("balance after refund: got %d, want 20", got)
	}

	sum := 0
	for _, e := range f.entries.byKind(models.LedgerKindDeduction) {
		sum += e.Amount
	}
	for _, e := range f.entries.byKind(models.LedgerKindRefund) {
		sum += e.Amount
	}
	if sum != 0 {
		t.Errorf("ledger rows for submission should sum to 0, got %d", sum)
	}
}

// ---------------------------------------------------------------------------
// 7. Refund is idempotent: the second call is a no-op, one refund row total.
// ---------------------------------------------------------------------------

func TestRefund_Idempotent(t *testing.T) {
	f := newFixture(nil)
	user := uuid.New()
	sub := uuid.New()
	f.accounts.set(user, 20)
	f.pricing.setCost("image-generation", 5, "Image generation")

	ctx := context.Background()
	if _, err := f.svc.Deduct(ctx, user, "image-generation", sub); err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if entry, err := f.svc.Refund(ctx, user, sub); err != nil || entry == nil {
		t.Fatalf("first Refund: entry=%v err=%v", entry, err)
	}
	entry, err := f.svc.Refund(ctx, user, sub)
	if err != nil {
		t.Fatalf("second Refund: %v", err)
	}
	if entry != nil {
		t.Error("second Refund should return nil")
	}
	if got := f.accounts.balance(user); got != 20 {
		t.Errorf("balance should reflect exactly one refund: got %d, want 20", got)
	}
	if n := len(f.entries.byKind(models.LedgerKindRefund)); n != 1 {
		t.Errorf("refund entries: got %d, want 1", n)
	}
}

// ---------------------------------------------------------------------------
// 8. Refund without a prior deduction is a no-op, not a negative-balance bug.
// ---------------------------------------------------------------------------

func TestRefund_NoDeduction(t *testing.T) {
	f := newFixture(nil)
	user := uuid.New()
	f.accounts.set(user, 20)

	entry, err := f.svc.Refund(context.Background(), user, uuid.New())
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if entry != nil {
		t.Error("expected nil for refund without deduction")
	}
	if got := f.accounts.balance(user); got != 20 {
		t.Errorf("balance must be untouched: got %d, want 20", got)
	}
	if n := f.entries.count(); n != 0 {
		t.Errorf("expected 0 ledger entries, got %d", n)
	}
}

// Refund for a user with no account at all is the same no-op.
func TestRefund_NoAccount(t *testing.T) {
	f := newFixture(nil)
	entry, err := f.svc.Refund(context.Background(), uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if entry != nil {
		t.Error("expected nil for refund against missing account")
	}
}

// ---------------------------------------------------------------------------
// 9. Refunds are never re-priced: a price change between deduct and refund
//    must not change the refunded amount.
// ---------------------------------------------------------------------------

func TestRefund_NotRepriced(t *testing.T) {
	f := newFixture(nil)
	user := uuid.New()
	sub := uuid.New()
	f.accounts.set(user, 20)
	f.pricing.setCost("image-generation", 5, "Image generation")

	ctx := context.Background()
	if _, err := f.svc.Deduct(ctx, user, "image-generation", sub); err != nil {
		t.Fatalf("Deduct: %v", err)
	}

	// Admin raises the price after the deduction.
	f.pricing.setCost("image-generation", 9, "Image generation")

	entry, err := f.svc.Refund(ctx, user, sub)
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if entry.Amount != 5 {
		t.Errorf("refund must return what was deducted: got %d, want 5", entry.Amount)
	}
	if got := f.accounts.balance(user); got != 20 {
		t.Errorf("balance after refund: got %d, want 20", got)
	}
}

// ---------------------------------------------------------------------------
// 10. GetBalance: missing account reads as zero, never an error.
// ---------------------------------------------------------------------------

func TestGetBalance_MissingAccount(t *testing.T) {
	f := newFixture(nil)
	balance, err := f.svc.GetBalance(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if balance != 0 {
		t.Errorf("missing account balance: got %d, want 0", balance)
	}
}

// ---------------------------------------------------------------------------
// 11. Balance cache: read-through on miss, hit on repeat, invalidated by
//     every committed write.
// ---------------------------------------------------------------------------

func TestGetBalance_Cache(t *testing.T) {
	cache := newMockCache()
	f := newFixture(cache)
	user := uuid.New()
	sub := uuid.New()
	f.accounts.set(user, 20)
	f.pricing.setCost("image-generation", 5, "Image generation")

	ctx := context.Background()
	if b, err := f.svc.GetBalance(ctx, user); err != nil || b != 20 {
		t.Fatalf("first GetBalance: %d, %v", b, err)
	}
	if b, err := f.svc.GetBalance(ctx, user); err != nil || b != 20 {
		t.Fatalf("second GetBalance: %d, %v", b, err)
	}
	if cache.hits != 1 {
		t.Errorf("cache hits: got %d, want 1", cache.hits)
	}

	if _, err := f.svc.Deduct(ctx, user, "image-generation", sub); err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if b, err := f.svc.GetBalance(ctx, user); err != nil || b != 15 {
		t.Errorf("balance after deduct: got %d, %v, want 15", b, err)
	}
}

// ---------------------------------------------------------------------------
// 12. Grant writes bonus/topup entries without a submission id.
// ---------------------------------------------------------------------------

func TestGrant(t *testing.T) {
	f := newFixture(nil)
	user := uuid.New()
	f.accounts.set(user, 0)

	ctx := context.Background()
	balance, err := f.svc.Grant(ctx, user, models.SignupBonusCredits, models.LedgerKindSignupBonus, "welcome credits")
	if err != nil {
		t.Fatalf("Grant signup bonus: %v", err)
	}
	if balance != models.SignupBonusCredits {
		t.Errorf("balance after bonus: got %d, want %d", balance, models.SignupBonusCredits)
	}

	balance, err = f.svc.Grant(ctx, user, 100, models.LedgerKindTopup, "checkout session cs_123")
	if err != nil {
		t.Fatalf("Grant topup: %v", err)
	}
	if balance != models.SignupBonusCredits+100 {
		t.Errorf("balance after topup: got %d", balance)
	}

	for _, kind := range []string{models.LedgerKindSignupBonus, models.LedgerKindTopup} {
		rows := f.entries.byKind(kind)
		if len(rows) != 1 {
			t.Fatalf("%s entries: got %d, want 1", kind, len(rows))
		}
		if rows[0].SubmissionID != nil {
			t.Errorf("%s entry must not carry a submission id", kind)
		}
	}

	if _, err := f.svc.Grant(ctx, user, 10, models.LedgerKindDeduction, "nope"); err == nil {
		t.Error("Grant must reject non-grant kinds")
	}
	if _, err := f.svc.Grant(ctx, user, 0, models.LedgerKindTopup, "nope"); err == nil {
		t.Error("Grant must reject non-positive amounts")
	}
	if _, err := f.svc.Grant(ctx, uuid.New(), 10, models.LedgerKindTopup, "nope"); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("Grant against missing account: got %v, want ErrAccountNotFound", err)
	}
}

// ---------------------------------------------------------------------------
// 13. Concurrency: balance 10, cost 10, two concurrent deducts with distinct
//     submission ids -> exactly one success, one insufficient-credits error,
//     final balance 0, never negative.
// ---------------------------------------------------------------------------

func TestDeduct_Concurrent(t *testing.T) {
	f := newFixture(nil)
	user := uuid.New()
	f.accounts.set(user, 10)
	f.pricing.setCost("image-generation", 10, "Image generation")

	ctx := context.Background()
	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Deduct(ctx, user, "image-generation", uuid.New())
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, insufficient int
	for err := range results {
		if err == nil {
			successes++
			continue
		}
		var ice *InsufficientCreditsError
		if errors.As(err, &ice) {
			insufficient++
		} else {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != 1 || insufficient != 1 {
		t.Errorf("got %d successes and %d insufficient errors, want 1/1", successes, insufficient)
	}
	if got := f.accounts.balance(user); got != 0 {
		t.Errorf("final balance: got %d, want 0", got)
	}
	if got := f.accounts.balance(user); got < 0 {
		t.Errorf("balance went negative: %d", got)
	}
	if n := len(f.entries.byKind(models.LedgerKindDeduction)); n != 1 {
		t.Errorf("deduction entries: got %d, want 1", n)
	}
}

// ---------------------------------------------------------------------------
// 14. End-to-end: balance 20, video-generation costs 15; deduct -> 5, the
//     downstream operation fails, refund -> 20 with two rows summing to 0.
// ---------------------------------------------------------------------------

func TestEndToEnd_FailedGeneration(t *testing.T) {
	f := newFixture(nil)
	user := uuid.New()
	sub := uuid.New()
	f.accounts.set(user, 20)
	f.pricing.setCost("video-generation", 15, "Video generation")

	ctx := context.Background()
	remaining, err := f.svc.Deduct(ctx, user, "video-generation", sub)
	if err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if remaining != 5 {
		t.Fatalf("remaining: got %d, want 5", remaining)
	}

	// Downstream generation fails; the failure callback refunds.
	if entry, err := f.svc.Refund(ctx, user, sub); err != nil || entry == nil {
		t.Fatalf("Refund: entry=%v err=%v", entry, err)
	}
	if got := f.accounts.balance(user); got != 20 {
		t.Errorf("balance restored: got %d, want 20", got)
	}

	history, err := f.svc.History(ctx, user, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	sum := 0
	for _, e := range history {
		if e.SubmissionID != nil && *e.SubmissionID == sub {
			sum += e.Amount
		}
	}
	if len(history) != 2 {
		t.Errorf("history rows: got %d, want 2", len(history))
	}
	if sum != 0 {
		t.Errorf("submission rows should sum to 0, got %d", sum)
	}
}
