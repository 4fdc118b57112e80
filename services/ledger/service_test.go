package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"smallbiznis-billing/pkg/db/pagination"
	"smallbiznis-billing/pkg/errutil"
	"smallbiznis-billing/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeSequence struct {
	code string
	err  error
}

func (f *fakeSequence) NextTransactionCode(context.Context) (string, error) { return f.code, f.err }
func (f *fakeSequence) NextCampaignCode(context.Context) (string, error)    { return f.code, f.err }

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := testutil.NewTestDB(t, Models()...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewService(ServiceParams{DB: db, Node: node}), db
}

func ledgerSum(t *testing.T, db *gorm.DB, userID string) int64 {
	t.Helper()
	var sum int64
	require.NoError(t, db.Model(&LedgerEntry{}).Where("user_id = ?", userID).Select("COALESCE(SUM(amount), 0)").Scan(&sum).Error)
	return sum
}

func TestNewService(t *testing.T) {
	svc, _ := newTestService(t)

	require.NotNil(t, svc.ledger)
	require.NotNil(t, svc.balance)
}

func TestCreditAndDebitKeepBalanceEqualToLedgerSum(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, CreditRequest{UserID: "u1", Amount: 1000, Type: TypePurchase, Description: "Credits purchase"})
	require.NoError(t, err)
	res, err := svc.Debit(ctx, DebitRequest{UserID: "u1", Amount: 300, Type: TypeServiceBooking, Floor: -1000})
	require.NoError(t, err)
	require.Equal(t, int64(700), res.Balance)
	require.Equal(t, int64(-300), res.Entry.Amount)
	require.Equal(t, int64(2), res.Entry.Sequence)

	bal, err := svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(700), bal.Balance)
	require.Equal(t, bal.Balance, ledgerSum(t, db, "u1"))

	drifts, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Empty(t, drifts)
}

func TestDebitRejectedBelowFloor(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, CreditRequest{UserID: "u1", Amount: 50, Type: TypeAdminCredit})
	require.NoError(t, err)
	_, err = svc.Debit(ctx, DebitRequest{UserID: "u1", Amount: 1000, Type: TypeCampaignCharge, Floor: -1000})
	require.NoError(t, err)

	_, err = svc.Debit(ctx, DebitRequest{UserID: "u1", Amount: 100, Type: TypeCampaignCharge, Floor: -1000})
	require.ErrorIs(t, err, ErrBalanceLimitExceeded)

	be, ok := errutil.As(err)
	require.True(t, ok)
	wouldBe, _ := be.Detail("would_be_balance")
	floor, _ := be.Detail("floor")
	require.Equal(t, "-1050", wouldBe)
	require.Equal(t, "-1000", floor)

	bal, err := svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(-950), bal.Balance)

	var count int64
	require.NoError(t, db.Model(&LedgerEntry{}).Where("user_id = ?", "u1").Count(&count).Error)
	require.Equal(t, int64(2), count)
}

func TestConcurrentDebitsNeverCrossFloor(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, CreditRequest{UserID: "u1", Amount: 500, Type: TypeAdminCredit})
	require.NoError(t, err)

	const (
		workers = 20
		amount  = 100
		floor   = -1000
	)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Debit(ctx, DebitRequest{UserID: "u1", Amount: amount, Type: TypeServiceBooking, Floor: floor})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrBalanceLimitExceeded):
				rejected++
			default:
				t.Errorf("unexpected debit error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 15, accepted)
	require.Equal(t, workers-15, rejected)

	bal, err := svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(-1000), bal.Balance)
	require.GreaterOrEqual(t, bal.Balance, int64(floor))
	require.Equal(t, bal.Balance, ledgerSum(t, db, "u1"))
	require.Equal(t, int64(accepted+1), bal.Sequence)

	report, err := svc.VerifyChain(ctx, "u1")
	require.NoError(t, err)
	require.True(t, report.Valid)
	require.Equal(t, accepted+1, report.Entries)
}

func TestLockBalanceTxCreatesRow(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		bal, err := svc.LockBalanceTx(ctx, tx, "u9")
		require.NoError(t, err)
		require.Equal(t, "u9", bal.UserID)
		require.Zero(t, bal.Balance)

		again, err := svc.LockBalanceTx(ctx, tx, "u9")
		require.NoError(t, err)
		require.Equal(t, bal.ID, again.ID)
		return nil
	}))

	var count int64
	require.NoError(t, db.Model(&Balance{}).Where("user_id = ?", "u9").Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestDebitForNewUserUsesFloor(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Debit(context.Background(), DebitRequest{UserID: "fresh", Amount: 1, Type: TypeServiceBooking, Floor: 0})
	require.ErrorIs(t, err, ErrBalanceLimitExceeded)

	res, err := svc.Debit(context.Background(), DebitRequest{UserID: "fresh", Amount: 400, Type: TypeServiceBooking, Floor: -500})
	require.NoError(t, err)
	require.Equal(t, int64(-400), res.Balance)
}

func TestCreditIsIdempotentOnExternalEvent(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	req := CreditRequest{
		UserID:          "u1",
		Amount:          500,
		Type:            TypePurchase,
		Description:     "Credits purchase (session sess_123)",
		ExternalEventID: "stripe:sess_123",
	}

	first, err := svc.Credit(ctx, req)
	require.NoError(t, err)
	require.False(t, first.AlreadyApplied)

	second, err := svc.Credit(ctx, req)
	require.NoError(t, err)
	require.True(t, second.AlreadyApplied)
	require.Equal(t, first.Entry.ID, second.Entry.ID)

	bal, err := svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(500), bal.Balance)

	var count int64
	require.NoError(t, db.Model(&LedgerEntry{}).Where("external_event_id = ?", "stripe:sess_123").Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestExternalEventReusedByAnotherUserConflicts(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, CreditRequest{UserID: "u1", Amount: 500, Type: TypeAdminCredit, ExternalEventID: "grant-1"})
	require.NoError(t, err)

	_, err = svc.Credit(ctx, CreditRequest{UserID: "u2", Amount: 500, Type: TypeAdminCredit, ExternalEventID: "grant-1"})
	require.ErrorIs(t, err, ErrIdempotencyKeyReused)
	be, ok := errutil.As(err)
	require.True(t, ok)
	require.Equal(t, errutil.StatusConflict, be.Code)

	_, err = svc.Debit(ctx, DebitRequest{UserID: "u2", Amount: 10, Type: TypeServiceBooking, Floor: -1000, ExternalEventID: "grant-1"})
	require.ErrorIs(t, err, ErrIdempotencyKeyReused)

	bal, err := svc.GetBalance(ctx, "u2")
	require.NoError(t, err)
	require.Zero(t, bal.Balance)
	require.Zero(t, ledgerSum(t, db, "u2"))
}

func TestSettleTurnsDuplicateKeyIntoAlreadyApplied(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	applied, err := svc.Credit(ctx, CreditRequest{UserID: "u1", Amount: 10, Type: TypeRefund, ExternalEventID: "refund:1"})
	require.NoError(t, err)

	res, err := svc.settle(ctx, nil, duplicateEventError{id: "refund:1", userID: "u1", err: gorm.ErrDuplicatedKey})
	require.NoError(t, err)
	require.True(t, res.AlreadyApplied)
	require.Equal(t, applied.Entry.ID, res.Entry.ID)

	_, err = svc.settle(ctx, nil, duplicateEventError{id: "refund:1", userID: "u2", err: gorm.ErrDuplicatedKey})
	require.ErrorIs(t, err, ErrIdempotencyKeyReused)

	other := errors.New("boom")
	_, err = svc.settle(ctx, nil, other)
	require.ErrorIs(t, err, other)
}

func TestRejectsMismatchedTypes(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Debit(ctx, DebitRequest{UserID: "u1", Amount: 10, Type: TypePurchase})
	require.ErrorIs(t, err, errutil.BaseError{Code: errutil.StatusBadRequest})

	_, err = svc.Credit(ctx, CreditRequest{UserID: "u1", Amount: 10, Type: TypeCampaignCharge})
	require.ErrorIs(t, err, errutil.BaseError{Code: errutil.StatusBadRequest})

	_, err = svc.Credit(ctx, CreditRequest{UserID: "u1", Amount: 0, Type: TypePurchase})
	require.ErrorIs(t, err, errutil.BaseError{Code: errutil.StatusBadRequest})
}

func TestRecordAuditLeavesBalanceUntouched(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, CreditRequest{UserID: "u1", Amount: 200, Type: TypeInitialCredit})
	require.NoError(t, err)

	var entry *LedgerEntry
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var err error
		entry, err = svc.RecordAuditTx(ctx, tx, AuditRequest{UserID: "u1", Type: TypeTierChange, Description: "Tier change"})
		return err
	}))
	require.Equal(t, int64(0), entry.Amount)
	require.Equal(t, int64(200), entry.BalanceAfter)

	report, err := svc.VerifyChain(ctx, "u1")
	require.NoError(t, err)
	require.True(t, report.Valid)
	require.Equal(t, 2, report.Entries)
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Credit(ctx, CreditRequest{UserID: "u1", Amount: 100, Type: TypeEarning})
		require.NoError(t, err)
	}

	report, err := svc.VerifyChain(ctx, "u1")
	require.NoError(t, err)
	require.True(t, report.Valid)

	var second LedgerEntry
	require.NoError(t, db.Where("user_id = ? AND sequence = ?", "u1", 2).Take(&second).Error)
	require.NoError(t, db.Model(&LedgerEntry{}).Where("id = ?", second.ID).Update("description", "edited").Error)

	report, err = svc.VerifyChain(ctx, "u1")
	require.NoError(t, err)
	require.False(t, report.Valid)
	require.Equal(t, second.ID, report.BrokenAt)
	require.Equal(t, "hash mismatch", report.Reason)
}

func TestReconcileReportsDrift(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, CreditRequest{UserID: "a", Amount: 100, Type: TypeAdminCredit})
	require.NoError(t, err)
	_, err = svc.Credit(ctx, CreditRequest{UserID: "b", Amount: 100, Type: TypeAdminCredit})
	require.NoError(t, err)
	require.NoError(t, db.Model(&Balance{}).Where("user_id = ?", "b").Update("balance", 150).Error)

	drifts, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, []Drift{{UserID: "b", Balance: 150, LedgerSum: 100}}, drifts)
}

func TestListEntriesPagesNewestFirst(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Credit(ctx, CreditRequest{UserID: "u1", Amount: int64(i + 1), Type: TypeEarning})
		require.NoError(t, err)
	}

	page, err := svc.ListEntries(ctx, "u1", pagination.Pagination{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Data, 2)
	require.Equal(t, int64(5), page.Data[0].Sequence)
	require.True(t, page.PageInfo.HasMore)

	next, err := svc.ListEntries(ctx, "u1", pagination.Pagination{Limit: 2, Cursor: page.PageInfo.NextCursor})
	require.NoError(t, err)
	require.Equal(t, int64(3), next.Data[0].Sequence)

	_, err = svc.ListEntries(ctx, "u1", pagination.Pagination{Cursor: "not-base64!"})
	require.ErrorIs(t, err, errutil.BaseError{Code: errutil.StatusBadRequest})
}

func TestListEntriesClampsOversizedLimit(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < pagination.MaxLimit+5; i++ {
		_, err := svc.Credit(ctx, CreditRequest{UserID: "u1", Amount: 1, Type: TypeEarning})
		require.NoError(t, err)
	}

	page, err := svc.ListEntries(ctx, "u1", pagination.Pagination{Limit: 1000})
	require.NoError(t, err)
	require.Len(t, page.Data, pagination.MaxLimit)
	require.True(t, page.PageInfo.HasMore)
	require.NotEmpty(t, page.PageInfo.NextCursor)

	rest, err := svc.ListEntries(ctx, "u1", pagination.Pagination{Limit: 1000, Cursor: page.PageInfo.NextCursor})
	require.NoError(t, err)
	require.Len(t, rest.Data, 5)
	require.False(t, rest.PageInfo.HasMore)
}

func TestTransactionCodeUsesSequenceWhenAvailable(t *testing.T) {
	svc, _ := newTestService(t)
	now := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)

	svc.seq = &fakeSequence{code: "TXN-261019-001AB"}
	require.Equal(t, "TXN-261019-001AB", svc.transactionCode(context.Background(), now))

	svc.seq = &fakeSequence{err: errors.New("redis down")}
	require.Regexp(t, `^20261019-[0-9A-F]{6}$`, svc.transactionCode(context.Background(), now))
}

func TestGetEntryNotFound(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.GetEntry(context.Background(), "missing")
	require.ErrorIs(t, err, errutil.BaseError{Code: errutil.StatusNotFound})
}

func TestHealthCheck(t *testing.T) {
	svc, _ := newTestService(t)

	resp, err := svc.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.GetStatus())

	_, err = svc.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: "other"})
	require.Error(t, err)

	list, err := svc.List(context.Background(), &grpc_health_v1.HealthListRequest{})
	require.NoError(t, err)
	require.Contains(t, list.GetStatuses(), ServiceName)
}
