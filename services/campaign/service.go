package campaign

import (
	"context"
	"fmt"
	"strings"
	"time"

	"smallbiznis-billing/pkg/db/option"
	"smallbiznis-billing/pkg/errutil"
	"smallbiznis-billing/pkg/sequence"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const ReasonInvalidTransition = "invalid_transition"

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	seq  sequence.Generator
	repo Repository
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
		repo: NewRepository(p.DB),
	}
}

func traceFields(ctx context.Context) []zap.Field {
	sc := trace.SpanFromContext(ctx).SpanContext()
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

// CreateParams describes a new campaign with a single participant.
type CreateParams struct {
	Name             string
	Description      string
	Method           Method
	MethodConfig     MethodConfig
	MonthlyBudget    int64
	ConsultantName   string
	ProrationEnabled bool
	UserID           string
	CreatedBy        string
	StartDate        time.Time
	NextBillingDate  time.Time
}

// CreateTx stores an active campaign and its participant in tx.
func (s *Service) CreateTx(ctx context.Context, tx *gorm.DB, p CreateParams) (*Membership, error) {
	zapLog := zap.L().With(traceFields(ctx)...).With(zap.String("user_id", p.UserID))

	if strings.TrimSpace(p.Name) == "" {
		return nil, errutil.BadRequest("campaign name is required", nil, errutil.WithDetail("name", "required"))
	}
	if !p.Method.Valid() {
		return nil, errutil.BadRequest(fmt.Sprintf("unsupported campaign method %q", p.Method), nil, errutil.WithDetail("method", "unsupported"))
	}
	if p.MonthlyBudget <= 0 {
		return nil, errutil.BadRequest("monthly_budget must be > 0", nil, errutil.WithDetail("monthly_budget", "must be > 0"))
	}
	if p.MethodConfig != nil && p.MethodConfig.Method() != p.Method {
		return nil, errutil.BadRequest("method_config does not match method", nil, errutil.WithDetail("method_config", "mismatch"))
	}

	cfg, err := EncodeMethodConfig(p.MethodConfig)
	if err != nil {
		return nil, errutil.BadRequest("invalid method_config", err)
	}

	id := s.node.Generate().String()
	code := s.campaignCode(ctx, id)

	c := Campaign{
		ID:           id,
		Code:         code,
		Slug:         slug.Make(p.Name + " " + code),
		Name:         p.Name,
		Description:  p.Description,
		Method:       p.Method,
		MethodConfig: cfg,
		TotalBudget:  p.MonthlyBudget,
		StartDate:    p.StartDate.UTC(),
		Status:       StatusActive,
		CreatedBy:    p.CreatedBy,
	}

	part := Participant{
		ID:                 s.node.Generate().String(),
		CampaignID:         id,
		UserID:             p.UserID,
		ConsultantName:     p.ConsultantName,
		BudgetContribution: p.MonthlyBudget,
		MonthlyBudget:      p.MonthlyBudget,
		BillingStatus:      BillingActive,
		NextBillingDate:    p.NextBillingDate.UTC(),
		BillingCycleDay:    1,
		ProrationEnabled:   p.ProrationEnabled,
	}

	repo := s.repo.WithTrx(tx)
	if err := repo.CreateCampaign(ctx, &c); err != nil {
		zapLog.Error("failed to create campaign", zap.Error(err))
		return nil, err
	}
	if err := repo.CreateParticipant(ctx, &part); err != nil {
		zapLog.Error("failed to create participant", zap.Error(err))
		return nil, err
	}

	return &Membership{Campaign: c, Participant: part}, nil
}

func (s *Service) campaignCode(ctx context.Context, id string) string {
	if s.seq != nil {
		code, err := s.seq.NextCampaignCode(ctx)
		if err == nil {
			return code
		}
		zap.L().Warn("sequence generator unavailable, falling back to campaign id", zap.Error(err))
	}
	return "CMP-" + id
}

// FindLiveTx returns the user's active or paused campaign for method, or nil.
func (s *Service) FindLiveTx(ctx context.Context, tx *gorm.DB, userID string, method Method) (*Campaign, error) {
	return s.repo.WithTrx(tx).FindLiveByUserAndMethod(ctx, userID, method)
}

// Get returns the campaign with its participants.
func (s *Service) Get(ctx context.Context, id string) (*Campaign, error) {
	c, err := s.GetTx(ctx, nil, id, false)
	if err != nil {
		return nil, err
	}
	parts, err := s.repo.ListParticipants(ctx, id)
	if err != nil {
		zap.L().With(traceFields(ctx)...).Error("failed to list participants", zap.Error(err))
		return nil, err
	}
	c.Participants = parts
	return c, nil
}

// GetTx loads a campaign, optionally locking it for update.
func (s *Service) GetTx(ctx context.Context, tx *gorm.DB, id string, lock bool) (*Campaign, error) {
	var opts []option.QueryOption
	if lock {
		opts = append(opts, option.WithLockingUpdate())
	}
	c, err := s.repo.WithTrx(tx).GetCampaign(ctx, id, opts...)
	if err != nil {
		zap.L().With(traceFields(ctx)...).Error("failed to query campaign", zap.Error(err))
		return nil, err
	}
	if c == nil {
		return nil, errutil.NotFound("campaign not found", nil)
	}
	return c, nil
}

// GetParticipantTx loads a participant, optionally locking it for update.
func (s *Service) GetParticipantTx(ctx context.Context, tx *gorm.DB, id string, lock bool) (*Participant, error) {
	var opts []option.QueryOption
	if lock {
		opts = append(opts, option.WithLockingUpdate())
	}
	p, err := s.repo.WithTrx(tx).GetParticipant(ctx, id, opts...)
	if err != nil {
		zap.L().With(traceFields(ctx)...).Error("failed to query participant", zap.Error(err))
		return nil, err
	}
	if p == nil {
		return nil, errutil.NotFound("participant not found", nil)
	}
	return p, nil
}

func (s *Service) ListParticipantsTx(ctx context.Context, tx *gorm.DB, campaignID string) ([]Participant, error) {
	return s.repo.WithTrx(tx).ListParticipants(ctx, campaignID)
}

func (s *Service) ListMemberships(ctx context.Context, userID string) ([]Membership, error) {
	out, err := s.repo.ListMemberships(ctx, userID)
	if err != nil {
		zap.L().With(traceFields(ctx)...).Error("failed to list memberships", zap.Error(err))
		return nil, err
	}
	return out, nil
}

// ListDue returns participants whose billing cycle is due at now.
func (s *Service) ListDue(ctx context.Context, now time.Time, limit int) ([]Participant, error) {
	return s.repo.ListDue(ctx, now.UTC(), limit)
}

// TransitionTx moves the campaign to next and mirrors the change onto its
// participants' billing status. Stopping pauses billing for good.
func (s *Service) TransitionTx(ctx context.Context, tx *gorm.DB, campaignID string, next Status) (*Campaign, error) {
	c, err := s.GetTx(ctx, tx, campaignID, true)
	if err != nil {
		return nil, err
	}
	if !c.Status.CanTransition(next) {
		return nil, errutil.UnprocessableEntity(
			fmt.Sprintf("campaign cannot move from %s to %s", c.Status, next), nil,
			errutil.WithReason(ReasonInvalidTransition),
			errutil.WithDetail("status", string(c.Status)),
			errutil.WithDetail("requested", string(next)),
		)
	}

	repo := s.repo.WithTrx(tx)
	if err := repo.UpdateCampaign(ctx, c.ID, map[string]any{"status": next}); err != nil {
		return nil, err
	}

	billing := BillingPaused
	if next == StatusActive {
		billing = BillingActive
	}
	if err := repo.UpdateParticipantsByCampaign(ctx, c.ID, map[string]any{"billing_status": billing}); err != nil {
		return nil, err
	}

	c.Status = next
	return c, nil
}

// SetBillingStatusTx changes a single participant's billing status.
func (s *Service) SetBillingStatusTx(ctx context.Context, tx *gorm.DB, participantID string, status BillingStatus) error {
	return s.repo.WithTrx(tx).UpdateParticipant(ctx, participantID, map[string]any{"billing_status": status})
}

func (s *Service) UpdateParticipantTx(ctx context.Context, tx *gorm.DB, participantID string, values map[string]any) error {
	return s.repo.WithTrx(tx).UpdateParticipant(ctx, participantID, values)
}

func (s *Service) UpdateCampaignTx(ctx context.Context, tx *gorm.DB, campaignID string, values map[string]any) error {
	return s.repo.WithTrx(tx).UpdateCampaign(ctx, campaignID, values)
}

// Delete removes the campaign and its participants atomically.
func (s *Service) Delete(ctx context.Context, campaignID string) (*Campaign, error) {
	var deleted *Campaign
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := s.GetTx(ctx, tx, campaignID, true)
		if err != nil {
			return err
		}
		parts, err := s.repo.WithTrx(tx).ListParticipants(ctx, campaignID)
		if err != nil {
			return err
		}
		if err := s.repo.WithTrx(tx).DeleteCampaign(ctx, campaignID); err != nil {
			return err
		}
		c.Participants = parts
		deleted = c
		return nil
	})
	if err != nil {
		zap.L().With(traceFields(ctx)...).Error("failed to delete campaign", zap.String("campaign_id", campaignID), zap.Error(err))
		return nil, err
	}
	return deleted, nil
}

// IsMember reports whether userID participates in the campaign.
func (s *Service) IsMember(ctx context.Context, tx *gorm.DB, campaignID, userID string) (bool, error) {
	parts, err := s.repo.WithTrx(tx).ListParticipants(ctx, campaignID)
	if err != nil {
		return false, err
	}
	for _, p := range parts {
		if p.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}
