package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/pkg/errutil"
	"smallbiznis-billing/pkg/featureflags"
	"smallbiznis-billing/pkg/middleware"
	"smallbiznis-billing/services/campaign"
	"smallbiznis-billing/services/ledger"
	"smallbiznis-billing/services/notification"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// Purpose selects the balance floor a debit is checked against.
type Purpose string

const (
	PurposeStandard   Purpose = "standard"
	PurposeRecurring  Purpose = "recurring"
	PurposeInvitation Purpose = "invitation"
)

type Service struct {
	db        *gorm.DB
	cfg       config.Billing
	ledger    *ledger.Service
	campaigns *campaign.Service
	notifier  notification.Publisher
	flags     featureflags.FeatureFlag
	flagGroup singleflight.Group
	now       func() time.Time
}

type ServiceParams struct {
	fx.In
	DB        *gorm.DB
	Config    *config.Config
	Ledger    *ledger.Service
	Campaigns *campaign.Service
	Notifier  notification.Publisher    `optional:"true"`
	Flags     featureflags.FeatureFlag `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	notifier := p.Notifier
	if notifier == nil {
		notifier = notification.NopPublisher{}
	}
	return &Service{
		db:        p.DB,
		cfg:       p.Config.Billing,
		ledger:    p.Ledger,
		campaigns: p.Campaigns,
		notifier:  notifier,
		flags:     p.Flags,
		now:       time.Now,
	}
}

func traceFields(ctx context.Context) []zap.Field {
	sc := trace.SpanFromContext(ctx).SpanContext()
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

// Floor returns the lowest balance a debit of purpose may leave.
func (s *Service) Floor(p Purpose) int64 {
	switch p {
	case PurposeRecurring:
		return s.cfg.Floor.Recurring
	case PurposeInvitation:
		return s.cfg.Floor.Invitation
	default:
		return s.cfg.Floor.Standard
	}
}

type DebitRequest struct {
	UserID          string
	Amount          int64
	Purpose         Purpose
	Type            ledger.TransactionType
	Description     string
	ExternalEventID string
	Metadata        map[string]any
}

// ApplyDebit charges a user against the floor of the request's purpose.
func (s *Service) ApplyDebit(ctx context.Context, req DebitRequest) (*ledger.Result, error) {
	if req.Type == "" {
		req.Type = ledger.TypeServiceBooking
	}
	return s.ledger.Debit(ctx, ledger.DebitRequest{
		UserID:          req.UserID,
		Amount:          req.Amount,
		Type:            req.Type,
		Description:     req.Description,
		Floor:           s.Floor(req.Purpose),
		ExternalEventID: req.ExternalEventID,
		Metadata:        req.Metadata,
	})
}

type CreditRequest struct {
	UserID         string
	Amount         int64
	Type           ledger.TransactionType
	Description    string
	IdempotencyKey string
	Metadata       map[string]any
}

// ApplyCredit adds credits. A repeated IdempotencyKey is a no-op reported
// through Result.AlreadyApplied.
func (s *Service) ApplyCredit(ctx context.Context, req CreditRequest) (*ledger.Result, error) {
	if req.Type == "" {
		req.Type = ledger.TypeAdminCredit
	}
	return s.ledger.Credit(ctx, ledger.CreditRequest{
		UserID:          req.UserID,
		Amount:          req.Amount,
		Type:            req.Type,
		Description:     req.Description,
		ExternalEventID: req.IdempotencyKey,
		Metadata:        req.Metadata,
	})
}

type LaunchRequest struct {
	UserID           string          `json:"-"`
	ActorID          string          `json:"-"`
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	Method           campaign.Method `json:"method"`
	MethodConfig     json.RawMessage `json:"method_config,omitempty"`
	MonthlyBudget    int64           `json:"monthly_budget"`
	ProrationEnabled *bool           `json:"proration_enabled,omitempty"`
	ConsultantName   string          `json:"consultant_name"`
}

type LaunchResult struct {
	Campaign    campaign.Campaign    `json:"campaign"`
	Participant campaign.Participant `json:"participant"`
	Charged     int64                `json:"charged"`
	Prorated    bool                 `json:"prorated"`
	Balance     int64                `json:"balance"`
	EntryID     string               `json:"entry_id"`
}

// LaunchCampaign creates a campaign for the user and charges its first
// (possibly prorated) month in a single transaction.
func (s *Service) LaunchCampaign(ctx context.Context, req LaunchRequest) (*LaunchResult, error) {
	var res *LaunchResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = s.LaunchCampaignTx(ctx, tx, req, PurposeStandard)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.notifier.Publish(ctx, LaunchedEvent(res))
	return res, nil
}

// LaunchCampaignTx runs the launch inside the caller's transaction. The
// user's balance row is locked first so concurrent launches serialize on the
// duplicate guard, which runs before any credits move.
func (s *Service) LaunchCampaignTx(ctx context.Context, tx *gorm.DB, req LaunchRequest, purpose Purpose) (*LaunchResult, error) {
	zapLog := zap.L().With(traceFields(ctx)...).With(
		zap.String("user_id", req.UserID),
		zap.String("method", string(req.Method)),
	)

	if req.UserID == "" {
		return nil, errutil.BadRequest("user_id is required", nil)
	}
	if req.MonthlyBudget <= 0 {
		return nil, errutil.BadRequest("monthly_budget must be > 0", nil, errutil.WithDetail("monthly_budget", "must be > 0"))
	}
	methodConfig, err := campaign.DecodeMethodConfig(req.Method, req.MethodConfig)
	if err != nil {
		return nil, err
	}

	if _, err := s.ledger.LockBalanceTx(ctx, tx, req.UserID); err != nil {
		zapLog.Error("failed to lock balance", zap.Error(err))
		return nil, err
	}

	existing, err := s.campaigns.FindLiveTx(ctx, tx, req.UserID, req.Method)
	if err != nil {
		zapLog.Error("failed to check for existing campaign", zap.Error(err))
		return nil, err
	}
	if existing != nil {
		zapLog.Info("launch refused, campaign already running", zap.String("campaign_id", existing.ID))
		return nil, duplicateCampaign(existing.Name, existing.ID, req.Method.Label())
	}

	now := s.now().UTC()
	var prorate bool
	if req.ProrationEnabled != nil {
		prorate = *req.ProrationEnabled
	} else {
		prorate = s.prorationDefault(ctx, req.UserID)
	}
	charge := LaunchCharge(req.MonthlyBudget, prorate, now)

	actor := req.ActorID
	if actor == "" {
		actor = req.UserID
	}

	m, err := s.campaigns.CreateTx(ctx, tx, campaign.CreateParams{
		Name:             req.Name,
		Description:      req.Description,
		Method:           req.Method,
		MethodConfig:     methodConfig,
		MonthlyBudget:    req.MonthlyBudget,
		ConsultantName:   req.ConsultantName,
		ProrationEnabled: prorate,
		UserID:           req.UserID,
		CreatedBy:        actor,
		StartDate:        now,
		NextBillingDate:  FirstOfNextMonth(now),
	})
	if err != nil {
		return nil, err
	}

	desc := fmt.Sprintf("Campaign launch: %s (%s)", req.Name, req.Method.Label())
	if prorate && charge != req.MonthlyBudget {
		desc = fmt.Sprintf("%s, prorated %d of %d", desc, charge, req.MonthlyBudget)
	}

	debit, err := s.ledger.DebitTx(ctx, tx, ledger.DebitRequest{
		UserID:      req.UserID,
		Amount:      charge,
		Type:        ledger.TypeCampaignCharge,
		Description: desc,
		Floor:       s.Floor(purpose),
		Metadata: map[string]any{
			"campaign_id":    m.Campaign.ID,
			"participant_id": m.Participant.ID,
			"monthly_budget": req.MonthlyBudget,
			"prorated":       prorate,
		},
	})
	if err != nil {
		return nil, err
	}

	zapLog.Info("campaign launched",
		zap.String("campaign_id", m.Campaign.ID),
		zap.Int64("charged", charge),
		zap.Bool("prorated", prorate),
	)

	return &LaunchResult{
		Campaign:    m.Campaign,
		Participant: m.Participant,
		Charged:     charge,
		Prorated:    prorate,
		Balance:     debit.Balance,
		EntryID:     debit.Entry.ID,
	}, nil
}

// LaunchedEvent is the notification for a successful launch.
func LaunchedEvent(res *LaunchResult) notification.Event {
	return notification.Event{
		Key:      "campaign.launched:" + res.Campaign.ID,
		Template: notification.TemplateCampaignLaunched,
		UserID:   res.Participant.UserID,
		Data: map[string]any{
			"campaign_id":       res.Campaign.ID,
			"campaign_name":     res.Campaign.Name,
			"method":            res.Campaign.Method.Label(),
			"monthly_budget":    res.Participant.MonthlyBudget,
			"charged":           res.Charged,
			"next_billing_date": res.Participant.NextBillingDate.Format(time.DateOnly),
		},
	}
}

type ChangeTierRequest struct {
	ParticipantID string
	NewBudget     int64
	Actor         middleware.Identity
}

const (
	TierUpgrade   = "upgrade"
	TierDowngrade = "downgrade"
)

type TierChangeResult struct {
	Participant campaign.Participant `json:"participant"`
	Direction   string               `json:"direction"`
	Charged     int64                `json:"charged"`
	Balance     int64                `json:"balance"`
	EffectiveAt time.Time            `json:"effective_at"`
}

// ChangeTier moves a participant to a new monthly budget. Upgrades charge
// the difference now; downgrades are scheduled for the next billing date.
func (s *Service) ChangeTier(ctx context.Context, req ChangeTierRequest) (*TierChangeResult, error) {
	if req.NewBudget <= 0 {
		return nil, errutil.BadRequest("monthly_budget must be > 0", nil, errutil.WithDetail("monthly_budget", "must be > 0"))
	}

	var (
		res  *TierChangeResult
		name string
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := s.campaigns.GetParticipantTx(ctx, tx, req.ParticipantID, true)
		if err != nil {
			return err
		}
		if !req.Actor.IsAdmin() && p.UserID != req.Actor.UserID {
			return errutil.NotFound("participant not found", nil)
		}

		c, err := s.campaigns.GetTx(ctx, tx, p.CampaignID, true)
		if err != nil {
			return err
		}
		if c.Status == campaign.StatusStopped {
			return errutil.UnprocessableEntity("campaign is stopped", nil, errutil.WithReason(campaign.ReasonInvalidTransition))
		}
		name = c.Name

		current := p.MonthlyBudget
		switch {
		case req.NewBudget == current:
			return errutil.BadRequest("new budget equals the current budget", nil, errutil.WithDetail("monthly_budget", strconv.FormatInt(current, 10)))
		case req.NewBudget > current:
			res, err = s.upgradeTx(ctx, tx, c, p, req.NewBudget)
		default:
			res, err = s.downgradeTx(ctx, tx, c, p, req.NewBudget)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	s.notifier.Publish(ctx, notification.Event{
		Key:      fmt.Sprintf("campaign.tier_changed:%s:%d", res.Participant.ID, s.now().UnixNano()),
		Template: notification.TemplateCampaignTierChanged,
		UserID:   res.Participant.UserID,
		Data: map[string]any{
			"campaign_name": name,
			"direction":     res.Direction,
			"new_budget":    req.NewBudget,
			"charged":       res.Charged,
			"effective_at":  res.EffectiveAt.Format(time.DateOnly),
		},
	})
	return res, nil
}

func (s *Service) upgradeTx(ctx context.Context, tx *gorm.DB, c *campaign.Campaign, p *campaign.Participant, newBudget int64) (*TierChangeResult, error) {
	diff := newBudget - p.MonthlyBudget
	debit, err := s.ledger.DebitTx(ctx, tx, ledger.DebitRequest{
		UserID:      p.UserID,
		Amount:      diff,
		Type:        ledger.TypeCampaignCharge,
		Description: fmt.Sprintf("Tier upgrade: %s from %d to %d credits/month", c.Name, p.MonthlyBudget, newBudget),
		Floor:       s.Floor(PurposeStandard),
		Metadata: map[string]any{
			"campaign_id":    c.ID,
			"participant_id": p.ID,
			"old_budget":     p.MonthlyBudget,
			"new_budget":     newBudget,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := s.campaigns.UpdateParticipantTx(ctx, tx, p.ID, map[string]any{
		"monthly_budget":       newBudget,
		"budget_contribution":  newBudget,
		"pending_budget":       nil,
		"pending_effective_at": nil,
	}); err != nil {
		return nil, err
	}
	total := c.TotalBudget - p.BudgetContribution + newBudget
	if err := s.campaigns.UpdateCampaignTx(ctx, tx, c.ID, map[string]any{"total_budget": total}); err != nil {
		return nil, err
	}

	p.MonthlyBudget = newBudget
	p.BudgetContribution = newBudget
	p.PendingBudget = nil
	p.PendingEffectiveAt = nil

	return &TierChangeResult{
		Participant: *p,
		Direction:   TierUpgrade,
		Charged:     diff,
		Balance:     debit.Balance,
		EffectiveAt: s.now().UTC(),
	}, nil
}

func (s *Service) downgradeTx(ctx context.Context, tx *gorm.DB, c *campaign.Campaign, p *campaign.Participant, newBudget int64) (*TierChangeResult, error) {
	effective := p.NextBillingDate.UTC()

	if err := s.campaigns.UpdateParticipantTx(ctx, tx, p.ID, map[string]any{
		"pending_budget":       newBudget,
		"pending_effective_at": effective,
	}); err != nil {
		return nil, err
	}

	entry, err := s.ledger.RecordAuditTx(ctx, tx, ledger.AuditRequest{
		UserID:      p.UserID,
		Type:        ledger.TypeTierChange,
		Description: fmt.Sprintf("Tier change: %s from %d to %d credits/month, takes effect next billing cycle", c.Name, p.MonthlyBudget, newBudget),
		Metadata: map[string]any{
			"campaign_id":    c.ID,
			"participant_id": p.ID,
			"old_budget":     p.MonthlyBudget,
			"new_budget":     newBudget,
			"effective_at":   effective.Format(time.RFC3339),
		},
	})
	if err != nil {
		return nil, err
	}

	p.PendingBudget = &newBudget
	p.PendingEffectiveAt = &effective

	return &TierChangeResult{
		Participant: *p,
		Direction:   TierDowngrade,
		Balance:     entry.BalanceAfter,
		EffectiveAt: effective,
	}, nil
}

var transitionTemplates = map[campaign.Status]string{
	campaign.StatusPaused:  notification.TemplateCampaignPaused,
	campaign.StatusActive:  notification.TemplateCampaignResumed,
	campaign.StatusStopped: notification.TemplateCampaignStopped,
}

func (s *Service) PauseCampaign(ctx context.Context, campaignID string, actor middleware.Identity) (*campaign.Campaign, error) {
	return s.transition(ctx, campaignID, campaign.StatusPaused, actor)
}

func (s *Service) ResumeCampaign(ctx context.Context, campaignID string, actor middleware.Identity) (*campaign.Campaign, error) {
	return s.transition(ctx, campaignID, campaign.StatusActive, actor)
}

func (s *Service) StopCampaign(ctx context.Context, campaignID string, actor middleware.Identity) (*campaign.Campaign, error) {
	return s.transition(ctx, campaignID, campaign.StatusStopped, actor)
}

func (s *Service) transition(ctx context.Context, campaignID string, next campaign.Status, actor middleware.Identity) (*campaign.Campaign, error) {
	var (
		c     *campaign.Campaign
		parts []campaign.Participant
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !actor.IsAdmin() {
			member, err := s.campaigns.IsMember(ctx, tx, campaignID, actor.UserID)
			if err != nil {
				return err
			}
			if !member {
				return errutil.NotFound("campaign not found", nil)
			}
		}

		var err error
		c, err = s.campaigns.TransitionTx(ctx, tx, campaignID, next)
		if err != nil {
			return err
		}
		parts, err = s.campaigns.ListParticipantsTx(ctx, tx, campaignID)
		if err != nil || next != campaign.StatusActive {
			return err
		}
		return s.skipPausedPeriods(ctx, tx, parts)
	})
	if err != nil {
		return nil, err
	}

	zap.L().With(traceFields(ctx)...).Info("campaign status changed",
		zap.String("campaign_id", campaignID),
		zap.String("status", string(next)),
		zap.String("actor", actor.UserID),
	)

	s.notifier.Publish(ctx, participantEvents(parts, transitionTemplates[next], c, s.now())...)
	return c, nil
}

// skipPausedPeriods moves billing dates that fell due while a campaign was
// paused to the next calendar month, so resuming never charges for months
// the campaign did not run.
func (s *Service) skipPausedPeriods(ctx context.Context, tx *gorm.DB, parts []campaign.Participant) error {
	resumeAt := FirstOfNextMonth(s.now().UTC())
	for i := range parts {
		p := &parts[i]
		if !p.NextBillingDate.Before(resumeAt) {
			continue
		}
		values := map[string]any{"next_billing_date": resumeAt}
		if p.PendingEffectiveAt != nil && p.PendingEffectiveAt.Before(resumeAt) {
			values["pending_effective_at"] = resumeAt
			p.PendingEffectiveAt = &resumeAt
		}
		if err := s.campaigns.UpdateParticipantTx(ctx, tx, p.ID, values); err != nil {
			return err
		}
		zap.L().With(traceFields(ctx)...).Info("billing date moved past pause",
			zap.String("participant_id", p.ID),
			zap.Time("was", p.NextBillingDate),
			zap.Time("now", resumeAt),
		)
		p.NextBillingDate = resumeAt
	}
	return nil
}

// DeleteCampaign removes a campaign and its participants. No credits move.
func (s *Service) DeleteCampaign(ctx context.Context, campaignID string, actor middleware.Identity) error {
	if !actor.IsAdmin() {
		return errutil.Forbidden("only admins can delete campaigns", nil)
	}
	c, err := s.campaigns.Delete(ctx, campaignID)
	if err != nil {
		return err
	}
	s.notifier.Publish(ctx, participantEvents(c.Participants, notification.TemplateCampaignDeleted, c, s.now())...)
	return nil
}

func participantEvents(parts []campaign.Participant, template string, c *campaign.Campaign, at time.Time) []notification.Event {
	events := make([]notification.Event, 0, len(parts))
	for _, p := range parts {
		events = append(events, notification.Event{
			Key:      fmt.Sprintf("%s:%s:%s:%d", template, c.ID, p.UserID, at.UnixNano()),
			Template: template,
			UserID:   p.UserID,
			Data: map[string]any{
				"campaign_id":   c.ID,
				"campaign_name": c.Name,
				"status":        string(c.Status),
			},
		})
	}
	return events
}
