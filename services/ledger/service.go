package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"smallbiznis-billing/pkg/db/option"
	"smallbiznis-billing/pkg/db/pagination"
	"smallbiznis-billing/pkg/errutil"
	"smallbiznis-billing/pkg/repository"
	"smallbiznis-billing/pkg/sequence"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	health "google.golang.org/grpc/health/grpc_health_v1"
)

type Service struct {
	health.UnimplementedHealthServer

	db   *gorm.DB
	node *snowflake.Node
	seq  sequence.Generator
	now  func() time.Time

	ledger  repository.Repository[LedgerEntry]
	balance repository.Repository[Balance]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
	Seq  sequence.Generator `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,
		seq:  p.Seq,
		now:  time.Now,

		ledger:  repository.ProvideStore[LedgerEntry](p.DB),
		balance: repository.ProvideStore[Balance](p.DB),
	}
}

type DebitRequest struct {
	UserID          string
	Amount          int64
	Type            TransactionType
	Description     string
	Floor           int64
	ExternalEventID string
	Metadata        map[string]any
}

type CreditRequest struct {
	UserID          string
	Amount          int64
	Type            TransactionType
	Description     string
	ExternalEventID string
	Metadata        map[string]any
}

type AuditRequest struct {
	UserID      string
	Type        TransactionType
	Description string
	Metadata    map[string]any
}

// Result is the outcome of a posting. AlreadyApplied is set when the external
// event id was recorded before and nothing changed.
type Result struct {
	Entry          *LedgerEntry
	Balance        int64
	AlreadyApplied bool
}

type posting struct {
	userID      string
	delta       int64
	floor       *int64
	kind        TransactionType
	description string
	externalID  string
	metadata    map[string]any
}

func traceFields(ctx context.Context) []zap.Field {
	sc := trace.SpanFromContext(ctx).SpanContext()
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

// Debit removes credits inside its own transaction.
func (s *Service) Debit(ctx context.Context, req DebitRequest) (*Result, error) {
	var res *Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = s.DebitTx(ctx, tx, req)
		return err
	})
	return s.settle(ctx, res, err)
}

// DebitTx removes credits as part of the caller's transaction. The balance
// update is conditional on the floor, so two concurrent debits can never both
// pass the check against the same starting balance.
func (s *Service) DebitTx(ctx context.Context, tx *gorm.DB, req DebitRequest) (*Result, error) {
	if req.UserID == "" {
		return nil, errutil.BadRequest("user_id is required", nil)
	}
	if req.Amount <= 0 {
		return nil, errutil.BadRequest("amount must be > 0 for debit", nil)
	}
	if !req.Type.IsDebit() {
		return nil, errutil.BadRequest(fmt.Sprintf("transaction type %q is not a debit", req.Type), nil)
	}
	floor := req.Floor
	return s.post(ctx, tx, posting{
		userID:      req.UserID,
		delta:       -req.Amount,
		floor:       &floor,
		kind:        req.Type,
		description: req.Description,
		externalID:  req.ExternalEventID,
		metadata:    req.Metadata,
	})
}

// Credit adds credits inside its own transaction. A repeated ExternalEventID
// is reported as AlreadyApplied instead of an error.
func (s *Service) Credit(ctx context.Context, req CreditRequest) (*Result, error) {
	var res *Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = s.CreditTx(ctx, tx, req)
		return err
	})
	return s.settle(ctx, res, err)
}

func (s *Service) CreditTx(ctx context.Context, tx *gorm.DB, req CreditRequest) (*Result, error) {
	if req.UserID == "" {
		return nil, errutil.BadRequest("user_id is required", nil)
	}
	if req.Amount <= 0 {
		return nil, errutil.BadRequest("amount must be > 0 for credit", nil)
	}
	if !req.Type.IsCredit() {
		return nil, errutil.BadRequest(fmt.Sprintf("transaction type %q is not a credit", req.Type), nil)
	}
	return s.post(ctx, tx, posting{
		userID:      req.UserID,
		delta:       req.Amount,
		kind:        req.Type,
		description: req.Description,
		externalID:  req.ExternalEventID,
		metadata:    req.Metadata,
	})
}

// RecordAuditTx appends a zero-amount entry that documents a change without
// moving credits.
func (s *Service) RecordAuditTx(ctx context.Context, tx *gorm.DB, req AuditRequest) (*LedgerEntry, error) {
	if req.UserID == "" {
		return nil, errutil.BadRequest("user_id is required", nil)
	}
	res, err := s.post(ctx, tx, posting{
		userID:      req.UserID,
		kind:        req.Type,
		description: req.Description,
		metadata:    req.Metadata,
	})
	if err != nil {
		return nil, err
	}
	return res.Entry, nil
}

// settle turns a lost race on the external event id into an idempotent
// result once the failed transaction has rolled back.
func (s *Service) settle(ctx context.Context, res *Result, err error) (*Result, error) {
	if err == nil {
		return res, nil
	}
	var dup duplicateEventError
	if errors.As(err, &dup) {
		existing, findErr := s.ledger.FindOne(ctx, &LedgerEntry{ExternalEventID: &dup.id})
		if findErr != nil || existing == nil {
			return nil, err
		}
		return replayed(existing, dup.userID)
	}
	return nil, err
}

type duplicateEventError struct {
	id     string
	userID string
	err    error
}

func (e duplicateEventError) Error() string {
	return fmt.Sprintf("external event %s already recorded: %v", e.id, e.err)
}

func (e duplicateEventError) Unwrap() error { return e.err }

func (s *Service) post(ctx context.Context, tx *gorm.DB, p posting) (*Result, error) {
	zapLog := zap.L().With(traceFields(ctx)...).With(zap.String("user_id", p.userID))

	balanceTx := s.balance.WithTrx(tx)
	ledgerTx := s.ledger.WithTrx(tx)

	if p.externalID != "" {
		existing, err := ledgerTx.FindOne(ctx, &LedgerEntry{ExternalEventID: &p.externalID})
		if err != nil {
			zapLog.Error("failed to query entry by external event", zap.Error(err))
			return nil, err
		}
		if existing != nil {
			zapLog.Info("external event already applied", zap.String("external_event_id", p.externalID))
			return replayed(existing, p.userID)
		}
	}

	now := s.now().UTC()
	if err := s.ensureBalance(ctx, tx, p.userID, now); err != nil {
		zapLog.Error("failed to ensure balance row", zap.Error(err))
		return nil, err
	}

	query := tx.WithContext(ctx).Model(&Balance{}).Where("user_id = ?", p.userID)
	if p.floor != nil {
		query = query.Where("balance + ? >= ?", p.delta, *p.floor)
	}
	update := query.Updates(map[string]any{
		"balance":    gorm.Expr("balance + ?", p.delta),
		"sequence":   gorm.Expr("sequence + 1"),
		"updated_at": now,
	})
	if update.Error != nil {
		zapLog.Error("failed to update balance", zap.Error(update.Error))
		return nil, update.Error
	}

	if update.RowsAffected == 0 {
		current, err := balanceTx.FindOne(ctx, &Balance{UserID: p.userID})
		if err != nil {
			return nil, err
		}
		var have int64
		if current != nil {
			have = current.Balance
		}
		zapLog.Warn("debit rejected by balance floor",
			zap.Int64("balance", have),
			zap.Int64("amount", -p.delta),
			zap.Int64("floor", *p.floor),
		)
		return nil, balanceLimitExceeded(have, -p.delta, *p.floor)
	}

	bal, err := balanceTx.FindOne(ctx, &Balance{UserID: p.userID})
	if err != nil {
		return nil, err
	}
	if bal == nil {
		return nil, errutil.Internal("balance row disappeared during posting", nil)
	}

	previousHash := bal.LastHash
	if previousHash == "" {
		previousHash = GenesisHash
	}

	code := s.transactionCode(ctx, now)
	var meta datatypes.JSON
	if len(p.metadata) > 0 {
		b, err := json.Marshal(p.metadata)
		if err != nil {
			return nil, errutil.BadRequest("metadata is not serializable", err)
		}
		meta = datatypes.JSON(b)
	}

	entry := NewLedgerEntry(LedgerParams{
		LedgerID:        s.node.Generate().String(),
		UserID:          p.userID,
		Sequence:        bal.Sequence,
		Type:            p.kind,
		Amount:          p.delta,
		BalanceAfter:    bal.Balance,
		TransactionCode: code,
		Description:     p.description,
		ExternalEventID: p.externalID,
		PreviousHash:    previousHash,
		Metadata:        meta,
		CreatedAt:       now,
	})
	entry.Hash = entry.GenerateHash()

	if err := ledgerTx.Create(ctx, entry); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) && p.externalID != "" {
			return nil, duplicateEventError{id: p.externalID, userID: p.userID, err: err}
		}
		zapLog.Error("failed to append ledger entry", zap.Error(err))
		return nil, err
	}

	if err := balanceTx.Update(ctx, bal.ID, map[string]any{"last_hash": entry.Hash}); err != nil {
		return nil, err
	}

	postingsTotal.WithLabelValues(string(p.kind)).Inc()

	return &Result{Entry: entry, Balance: bal.Balance}, nil
}

func (s *Service) ensureBalance(ctx context.Context, tx *gorm.DB, userID string, now time.Time) error {
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&Balance{
		ID:        s.node.Generate().String(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}).Error
}

func (s *Service) transactionCode(ctx context.Context, now time.Time) string {
	if s.seq != nil {
		code, err := s.seq.NextTransactionCode(ctx)
		if err == nil {
			return code
		}
		zap.L().Warn("sequence generator unavailable, falling back to random code", zap.Error(err))
	}
	code, _ := GenerateTransactionID(now)
	return code
}

// GetBalance returns the user's balance. Users without activity have a zero
// balance.
func (s *Service) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	bal, err := s.balance.FindOne(ctx, &Balance{UserID: userID})
	if err != nil {
		zap.L().With(traceFields(ctx)...).Error("failed to query balance", zap.Error(err))
		return nil, err
	}
	if bal == nil {
		return &Balance{UserID: userID}, nil
	}
	return bal, nil
}

// LockBalanceTx creates the user's balance row if needed and holds a row lock
// on it until tx ends. Work that must not interleave per user takes this
// lock first.
func (s *Service) LockBalanceTx(ctx context.Context, tx *gorm.DB, userID string) (*Balance, error) {
	if err := s.ensureBalance(ctx, tx, userID, s.now().UTC()); err != nil {
		return nil, err
	}
	bal, err := s.balance.WithTrx(tx).FindOne(ctx, &Balance{UserID: userID}, option.WithLockingUpdate())
	if err != nil {
		zap.L().With(traceFields(ctx)...).Error("failed to lock balance row", zap.Error(err))
		return nil, err
	}
	if bal == nil {
		return nil, errutil.Internal("balance row missing after insert", nil)
	}
	return bal, nil
}

func (s *Service) GetBalanceTx(ctx context.Context, tx *gorm.DB, userID string) (int64, error) {
	bal, err := s.balance.WithTrx(tx).FindOne(ctx, &Balance{UserID: userID})
	if err != nil || bal == nil {
		return 0, err
	}
	return bal.Balance, nil
}

type ListEntriesResult struct {
	Data     []*LedgerEntry       `json:"data"`
	PageInfo *pagination.PageInfo `json:"page_info"`
}

// ListEntries pages through a user's entries, newest first.
func (s *Service) ListEntries(ctx context.Context, userID string, page pagination.Pagination) (*ListEntriesResult, error) {
	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "sequence",
			OrderBy: "desc",
			Allow:   map[string]bool{"sequence": true},
		}),
		option.ApplyPagination(page),
	}

	if page.Cursor != "" {
		cursor, err := pagination.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, errutil.BadRequest("invalid cursor", err)
		}
		opts = append(opts, option.ApplyOperator(option.Condition{
			Field:    "sequence",
			Operator: option.LT,
			Value:    cursor.Sequence,
		}))
	}

	entries, err := s.ledger.Find(ctx, &LedgerEntry{UserID: userID}, opts...)
	if err != nil {
		zap.L().With(traceFields(ctx)...).Error("failed to query list entries", zap.Error(err))
		return nil, err
	}

	limit := page.Size()
	info := pagination.BuildCursorPageInfo(entries, limit, func(e *LedgerEntry) string {
		c, _ := pagination.EncodeCursor(pagination.Cursor{ID: e.ID, Sequence: e.Sequence})
		return c
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}

	return &ListEntriesResult{Data: entries, PageInfo: info}, nil
}

func (s *Service) GetEntry(ctx context.Context, id string) (*LedgerEntry, error) {
	entry, err := s.ledger.FindOne(ctx, &LedgerEntry{ID: id})
	if err != nil {
		zap.L().With(traceFields(ctx)...).Error("failed to FindOne entry", zap.Error(err))
		return nil, err
	}
	if entry == nil {
		return nil, errutil.NotFound("ledger entry not found", nil)
	}
	return entry, nil
}

// ChainReport describes the integrity of one user's entry chain.
type ChainReport struct {
	UserID   string `json:"user_id"`
	Valid    bool   `json:"valid"`
	Entries  int    `json:"entries"`
	BrokenAt string `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// VerifyChain recomputes every hash of the user's chain and checks that
// sequence numbers and running balances are contiguous.
func (s *Service) VerifyChain(ctx context.Context, userID string) (*ChainReport, error) {
	entries, err := s.ledger.Find(ctx, &LedgerEntry{UserID: userID}, option.WithSortBy(option.QuerySortBy{
		SortBy:  "sequence",
		OrderBy: "asc",
		Allow:   map[string]bool{"sequence": true},
	}))
	if err != nil {
		zap.L().With(traceFields(ctx)...).Error("failed to query Find entries", zap.Error(err))
		return nil, err
	}

	report := &ChainReport{UserID: userID, Valid: true, Entries: len(entries)}
	lastHash := GenesisHash
	var running int64
	for i, entry := range entries {
		running += entry.Amount
		switch {
		case entry.Sequence != int64(i+1):
			report.Reason = "sequence gap"
		case entry.PreviousHash != lastHash:
			report.Reason = "previous hash mismatch"
		case entry.Hash != entry.GenerateHash():
			report.Reason = "hash mismatch"
		case entry.BalanceAfter != running:
			report.Reason = "running balance mismatch"
		}
		if report.Reason != "" {
			report.Valid = false
			report.BrokenAt = entry.ID
			return report, nil
		}
		lastHash = entry.Hash
	}

	return report, nil
}
