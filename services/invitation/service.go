package invitation

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/pkg/db/option"
	"smallbiznis-billing/pkg/errutil"
	"smallbiznis-billing/pkg/repository"
	"smallbiznis-billing/services/billing"
	"smallbiznis-billing/services/campaign"
	"smallbiznis-billing/services/ledger"
	"smallbiznis-billing/services/notification"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	ReasonNotPending = "invitation_not_pending"
	ReasonExpired    = "invitation_expired"
)

type Service struct {
	db         *gorm.DB
	node       *snowflake.Node
	ttl        time.Duration
	billing    *billing.Service
	ledger     *ledger.Service
	notifier   notification.Publisher
	invitation repository.Repository[Invitation]
	now        func() time.Time
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config
	Billing  *billing.Service
	Ledger   *ledger.Service
	Notifier notification.Publisher `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	notifier := p.Notifier
	if notifier == nil {
		notifier = notification.NopPublisher{}
	}
	return &Service{
		db:         p.DB,
		node:       p.Node,
		ttl:        p.Config.Billing.InvitationTTL,
		billing:    p.Billing,
		ledger:     p.Ledger,
		notifier:   notifier,
		invitation: repository.ProvideStore[Invitation](p.DB),
		now:        time.Now,
	}
}

func traceFields(ctx context.Context) []zap.Field {
	sc := trace.SpanFromContext(ctx).SpanContext()
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

type CreateRequest struct {
	AdminID      string         `json:"-"`
	TargetUserID string         `json:"target_user_id,omitempty"`
	TemplateID   string         `json:"template_id,omitempty"`
	Campaign     CampaignConfig `json:"campaign"`
	BudgetAmount int64          `json:"budget_amount"`
	TTL          time.Duration  `json:"-"`
}

// Create stores a pending invitation. An empty TargetUserID makes it public:
// anyone holding the token may accept it.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Invitation, error) {
	zapLog := zap.L().With(traceFields(ctx)...).With(zap.String("admin_id", req.AdminID))

	if req.BudgetAmount <= 0 {
		return nil, errutil.BadRequest("budget_amount must be > 0", nil, errutil.WithDetail("budget_amount", "must be > 0"))
	}
	if strings.TrimSpace(req.Campaign.Name) == "" {
		return nil, errutil.BadRequest("campaign name is required", nil, errutil.WithDetail("campaign.name", "required"))
	}
	if _, err := campaign.DecodeMethodConfig(req.Campaign.Method, req.Campaign.MethodConfig); err != nil {
		return nil, err
	}

	snapshot, err := json.Marshal(req.Campaign)
	if err != nil {
		return nil, errutil.BadRequest("invalid campaign config", err)
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.ttl
	}

	now := s.now().UTC()
	inv := &Invitation{
		ID:             s.node.Generate().String(),
		AdminID:        req.AdminID,
		TemplateID:     req.TemplateID,
		CampaignConfig: snapshot,
		BudgetAmount:   req.BudgetAmount,
		Token:          uuid.NewString(),
		Status:         StatusPending,
		ExpiresAt:      now.Add(ttl),
	}
	if req.TargetUserID != "" {
		target := req.TargetUserID
		inv.TargetUserID = &target
	}

	if err := s.invitation.Create(ctx, inv); err != nil {
		zapLog.Error("failed to create invitation", zap.Error(err))
		return nil, err
	}

	if inv.TargetUserID != nil {
		s.notifier.Publish(ctx, notification.Event{
			Key:      "invitation.created:" + inv.ID,
			Template: notification.TemplateInvitationCreated,
			UserID:   *inv.TargetUserID,
			Data: map[string]any{
				"campaign_name":    req.Campaign.Name,
				"budget_amount":    inv.BudgetAmount,
				"invitation_token": inv.Token,
				"expires_at":       inv.ExpiresAt.Format(time.RFC3339),
			},
		})
	}
	return inv, nil
}

// View is an invitation with its derived status.
type View struct {
	*Invitation
	Status Status `json:"status"`
}

func (s *Service) GetByToken(ctx context.Context, token string) (*View, error) {
	inv, err := s.findByToken(ctx, s.db, token, false)
	if err != nil {
		return nil, err
	}
	return &View{Invitation: inv, Status: inv.EffectiveStatus(s.now())}, nil
}

func (s *Service) findByToken(ctx context.Context, tx *gorm.DB, token string, lock bool) (*Invitation, error) {
	if _, err := uuid.Parse(token); err != nil {
		return nil, errutil.NotFound("invitation not found", nil)
	}
	var opts []option.QueryOption
	if lock {
		opts = append(opts, option.WithLockingUpdate())
	}
	inv, err := s.invitation.WithTrx(tx).FindOne(ctx, &Invitation{Token: token}, opts...)
	if err != nil {
		zap.L().With(traceFields(ctx)...).Error("failed to query invitation", zap.Error(err))
		return nil, err
	}
	if inv == nil {
		return nil, errutil.NotFound("invitation not found", nil)
	}
	return inv, nil
}

// respondable checks that userID may still answer inv.
func (s *Service) respondable(inv *Invitation, userID string, now time.Time) error {
	switch inv.EffectiveStatus(now) {
	case StatusPending:
	case StatusExpired:
		return errutil.UnprocessableEntity("invitation has expired", nil, errutil.WithReason(ReasonExpired))
	default:
		return errutil.UnprocessableEntity("invitation was already "+string(inv.Status), nil, errutil.WithReason(ReasonNotPending))
	}
	if inv.TargetUserID != nil && *inv.TargetUserID != userID {
		return errutil.Forbidden("invitation is addressed to another user", nil)
	}
	return nil
}

type AcceptResult struct {
	Invitation *Invitation           `json:"invitation"`
	Launch     *billing.LaunchResult `json:"launch"`
}

// Accept launches the proposed campaign for userID and marks the invitation
// accepted. Both happen in one transaction. The full budget must be covered
// without going below the invitation floor.
func (s *Service) Accept(ctx context.Context, token, userID string) (*AcceptResult, error) {
	zapLog := zap.L().With(traceFields(ctx)...).With(zap.String("user_id", userID))

	var res *AcceptResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC()
		inv, err := s.findByToken(ctx, tx, token, true)
		if err != nil {
			return err
		}
		if err := s.respondable(inv, userID, now); err != nil {
			return err
		}

		cfg, err := inv.Config()
		if err != nil {
			return errutil.Internal("invitation campaign snapshot is unreadable", err)
		}

		available, err := s.ledger.GetBalanceTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		if available-inv.BudgetAmount < s.billing.Floor(billing.PurposeInvitation) {
			zapLog.Info("invitation accept refused, insufficient balance",
				zap.Int64("required", inv.BudgetAmount),
				zap.Int64("available", available),
			)
			return ledger.InsufficientBalance(inv.BudgetAmount, available)
		}

		prorate := false
		launch, err := s.billing.LaunchCampaignTx(ctx, tx, billing.LaunchRequest{
			UserID:           userID,
			ActorID:          inv.AdminID,
			Name:             cfg.Name,
			Description:      cfg.Description,
			Method:           cfg.Method,
			MethodConfig:     cfg.MethodConfig,
			MonthlyBudget:    inv.BudgetAmount,
			ProrationEnabled: &prorate,
			ConsultantName:   cfg.ConsultantName,
		}, billing.PurposeInvitation)
		if err != nil {
			return err
		}

		campaignID := launch.Campaign.ID
		if err := s.invitation.WithTrx(tx).Update(ctx, inv.ID, map[string]any{
			"status":       StatusAccepted,
			"responded_by": userID,
			"responded_at": now,
			"campaign_id":  campaignID,
		}); err != nil {
			return err
		}

		inv.Status = StatusAccepted
		inv.RespondedBy = &userID
		inv.RespondedAt = &now
		inv.CampaignID = &campaignID
		res = &AcceptResult{Invitation: inv, Launch: launch}
		return nil
	})
	if err != nil {
		return nil, err
	}

	zapLog.Info("invitation accepted", zap.String("invitation_id", res.Invitation.ID), zap.String("campaign_id", res.Launch.Campaign.ID))

	s.notifier.Publish(ctx,
		billing.LaunchedEvent(res.Launch),
		notification.Event{
			Key:      "invitation.accepted:" + res.Invitation.ID,
			Template: notification.TemplateInvitationAccepted,
			UserID:   res.Invitation.AdminID,
			Data: map[string]any{
				"campaign_id":   res.Launch.Campaign.ID,
				"campaign_name": res.Launch.Campaign.Name,
				"accepted_by":   userID,
			},
		},
	)
	return res, nil
}

func (s *Service) Decline(ctx context.Context, token, userID string) (*Invitation, error) {
	var out *Invitation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC()
		inv, err := s.findByToken(ctx, tx, token, true)
		if err != nil {
			return err
		}
		if err := s.respondable(inv, userID, now); err != nil {
			return err
		}
		if err := s.invitation.WithTrx(tx).Update(ctx, inv.ID, map[string]any{
			"status":       StatusDeclined,
			"responded_by": userID,
			"responded_at": now,
		}); err != nil {
			return err
		}
		inv.Status = StatusDeclined
		inv.RespondedBy = &userID
		inv.RespondedAt = &now
		out = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List returns the invitations created by adminID, newest first.
func (s *Service) List(ctx context.Context, adminID string) ([]View, error) {
	invs, err := s.invitation.Find(ctx, &Invitation{AdminID: adminID}, option.WithSortBy(option.QuerySortBy{
		SortBy:  "created_at",
		OrderBy: "desc",
		Allow:   map[string]bool{"created_at": true},
	}))
	if err != nil {
		zap.L().With(traceFields(ctx)...).Error("failed to list invitations", zap.Error(err))
		return nil, err
	}
	now := s.now()
	out := make([]View, 0, len(invs))
	for _, inv := range invs {
		out = append(out, View{Invitation: inv, Status: inv.EffectiveStatus(now)})
	}
	return out, nil
}
