package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"smallbiznis-billing/services/campaign"
	"smallbiznis-billing/services/ledger"
	"smallbiznis-billing/services/notification"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	OutcomeCharged = "charged"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// CycleOutcome is the result of billing one participant.
type CycleOutcome struct {
	ParticipantID string `json:"participant_id"`
	UserID        string `json:"user_id"`
	Outcome       string `json:"outcome"`
	Amount        int64  `json:"amount,omitempty"`
	Error         string `json:"error,omitempty"`
}

type CycleSummary struct {
	RunAt    time.Time      `json:"run_at"`
	Charged  int            `json:"charged"`
	Skipped  int            `json:"skipped"`
	Failed   int            `json:"failed"`
	Outcomes []CycleOutcome `json:"outcomes"`
}

// CycleKey is the idempotency key of a participant's charge for the month of
// billingDate.
func CycleKey(participantID string, billingDate time.Time) string {
	return fmt.Sprintf("cycle:%s:%s", participantID, billingDate.UTC().Format("2006-01"))
}

// RunBillingCycle charges every participant whose billing date has come.
// Each participant is billed in its own transaction, so one failure does not
// stop the run.
func (s *Service) RunBillingCycle(ctx context.Context, now time.Time) (*CycleSummary, error) {
	now = now.UTC()
	started := time.Now()
	zapLog := zap.L().With(traceFields(ctx)...).With(zap.Time("run_at", now))

	due, err := s.campaigns.ListDue(ctx, now, 0)
	if err != nil {
		zapLog.Error("failed to list due participants", zap.Error(err))
		return nil, err
	}

	summary := &CycleSummary{RunAt: now, Outcomes: make([]CycleOutcome, 0, len(due))}
	for _, p := range due {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		out, events := s.billParticipant(ctx, p.ID, now)
		switch out.Outcome {
		case OutcomeCharged:
			summary.Charged++
		case OutcomeSkipped:
			summary.Skipped++
		default:
			summary.Failed++
		}
		cycleOutcomes.WithLabelValues(out.Outcome).Inc()
		summary.Outcomes = append(summary.Outcomes, out)
		s.notifier.Publish(ctx, events...)
	}

	cycleDuration.Observe(time.Since(started).Seconds())
	zapLog.Info("billing cycle finished",
		zap.Int("due", len(due)),
		zap.Int("charged", summary.Charged),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}

func (s *Service) billParticipant(ctx context.Context, participantID string, now time.Time) (CycleOutcome, []notification.Event) {
	zapLog := zap.L().With(traceFields(ctx)...).With(zap.String("participant_id", participantID))
	out := CycleOutcome{ParticipantID: participantID}
	var events []notification.Event

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := s.campaigns.GetParticipantTx(ctx, tx, participantID, true)
		if err != nil {
			return err
		}
		out.UserID = p.UserID

		if p.BillingStatus != campaign.BillingActive || p.NextBillingDate.After(now) {
			out.Outcome = OutcomeSkipped
			return nil
		}
		c, err := s.campaigns.GetTx(ctx, tx, p.CampaignID, false)
		if err != nil {
			return err
		}
		if c.Status != campaign.StatusActive {
			out.Outcome = OutcomeSkipped
			return nil
		}

		budget := p.MonthlyBudget
		if p.PendingBudget != nil && (p.PendingEffectiveAt == nil || !p.PendingEffectiveAt.After(now)) {
			budget = *p.PendingBudget
			if err := s.campaigns.UpdateParticipantTx(ctx, tx, p.ID, map[string]any{
				"monthly_budget":       budget,
				"budget_contribution":  budget,
				"pending_budget":       nil,
				"pending_effective_at": nil,
			}); err != nil {
				return err
			}
			total := c.TotalBudget - p.BudgetContribution + budget
			if err := s.campaigns.UpdateCampaignTx(ctx, tx, c.ID, map[string]any{"total_budget": total}); err != nil {
				return err
			}
			zapLog.Info("scheduled downgrade applied", zap.Int64("old_budget", p.MonthlyBudget), zap.Int64("new_budget", budget))
		}

		period := p.NextBillingDate.UTC().Format("2006-01")
		res, err := s.ledger.DebitTx(ctx, tx, ledger.DebitRequest{
			UserID:          p.UserID,
			Amount:          budget,
			Type:            ledger.TypeRecurringCharge,
			Description:     fmt.Sprintf("Monthly billing: %s (%s)", c.Name, period),
			Floor:           s.Floor(PurposeRecurring),
			ExternalEventID: CycleKey(p.ID, p.NextBillingDate),
			Metadata: map[string]any{
				"campaign_id":    c.ID,
				"participant_id": p.ID,
				"period":         period,
			},
		})
		out.Amount = budget

		if errors.Is(err, ledger.ErrBalanceLimitExceeded) {
			// The failed conditional update leaves the transaction usable.
			if err := s.campaigns.SetBillingStatusTx(ctx, tx, p.ID, campaign.BillingPaused); err != nil {
				return err
			}
			out.Outcome = OutcomeFailed
			out.Error = err.Error()
			events = append(events, notification.Event{
				Key:      "billing.payment_failed:" + CycleKey(p.ID, p.NextBillingDate),
				Template: notification.TemplateBillingPaymentFailed,
				UserID:   p.UserID,
				Data: map[string]any{
					"campaign_id":   c.ID,
					"campaign_name": c.Name,
					"amount":        budget,
					"period":        period,
				},
			})
			zapLog.Warn("recurring charge rejected, billing paused", zap.Error(err))
			return nil
		}
		if err != nil {
			return err
		}

		next := FirstOfNextMonth(p.NextBillingDate)
		if err := s.campaigns.UpdateParticipantTx(ctx, tx, p.ID, map[string]any{"next_billing_date": next}); err != nil {
			return err
		}

		if res.AlreadyApplied {
			out.Outcome = OutcomeSkipped
			return nil
		}
		out.Outcome = OutcomeCharged
		events = append(events, notification.Event{
			Key:      "billing.charged:" + CycleKey(p.ID, p.NextBillingDate),
			Template: notification.TemplateBillingCharged,
			UserID:   p.UserID,
			Data: map[string]any{
				"campaign_id":       c.ID,
				"campaign_name":     c.Name,
				"amount":            budget,
				"balance":           res.Balance,
				"next_billing_date": next.Format(time.DateOnly),
			},
		})
		return nil
	})
	if err != nil {
		zapLog.Error("failed to bill participant", zap.Error(err))
		return CycleOutcome{ParticipantID: participantID, UserID: out.UserID, Outcome: OutcomeFailed, Error: err.Error()}, nil
	}
	return out, events
}
