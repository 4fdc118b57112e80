package ledger

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Drift is a balance that disagrees with the sum of its ledger.
type Drift struct {
	UserID    string `json:"user_id"`
	Balance   int64  `json:"balance"`
	LedgerSum int64  `json:"ledger_sum"`
}

const reconcileConcurrency = 8

// Reconcile compares balances against their ledger sums. With no user ids it
// sweeps every balance row.
func (s *Service) Reconcile(ctx context.Context, userIDs ...string) ([]Drift, error) {
	if len(userIDs) == 0 {
		if err := s.db.WithContext(ctx).Model(&Balance{}).Order("user_id").Pluck("user_id", &userIDs).Error; err != nil {
			return nil, err
		}
	}

	var (
		mu     sync.Mutex
		drifts []Drift
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileConcurrency)
	for _, userID := range userIDs {
		g.Go(func() error {
			drift, err := s.reconcileUser(gctx, userID)
			if err != nil {
				return err
			}
			if drift != nil {
				mu.Lock()
				drifts = append(drifts, *drift)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(drifts, func(i, j int) bool { return drifts[i].UserID < drifts[j].UserID })
	return drifts, nil
}

func (s *Service) reconcileUser(ctx context.Context, userID string) (*Drift, error) {
	bal, err := s.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	var sum int64
	if err := s.db.WithContext(ctx).Model(&LedgerEntry{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error; err != nil {
		return nil, err
	}

	if sum == bal.Balance {
		return nil, nil
	}

	driftDetected.Inc()
	zap.L().Warn("balance drift detected",
		zap.String("user_id", userID),
		zap.Int64("balance", bal.Balance),
		zap.Int64("ledger_sum", sum),
	)
	return &Drift{UserID: userID, Balance: bal.Balance, LedgerSum: sum}, nil
}
