package notification

import (
	"context"
	"encoding/json"
	"errors"

	"smallbiznis-billing/pkg/task"
	"smallbiznis-billing/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Templates understood by the mail collaborator.
const (
	TemplateCampaignLaunched     = "campaign.launched"
	TemplateCampaignTierChanged  = "campaign.tier_changed"
	TemplateCampaignPaused       = "campaign.paused"
	TemplateCampaignResumed      = "campaign.resumed"
	TemplateCampaignStopped      = "campaign.stopped"
	TemplateCampaignDeleted      = "campaign.deleted"
	TemplateBillingCharged       = "billing.charged"
	TemplateBillingPaymentFailed = "billing.payment_failed"
	TemplateCreditsPurchased     = "payment.credits_purchased"
	TemplateSubscriptionCredited = "payment.subscription_credited"
	TemplateSubscriptionChanged  = "payment.subscription_changed"
	TemplateInvitationCreated    = "invitation.created"
	TemplateInvitationAccepted   = "invitation.accepted"
)

const maxRetry = 5

// Event is a domain event addressed to one user. Key identifies the event so
// a repeated publish of the same fact is dropped by the queue.
type Event struct {
	Key      string         `json:"key"`
	Template string         `json:"template"`
	UserID   string         `json:"user_id"`
	Data     map[string]any `json:"data,omitempty"`
}

// Publisher hands events to the delivery pipeline. Publish never fails the
// caller: delivery problems are logged.
type Publisher interface {
	Publish(ctx context.Context, events ...Event)
}

type asynqPublisher struct {
	enq task.Enqueuer
}

func NewPublisher(enq task.Enqueuer) Publisher {
	if enq == nil {
		return NopPublisher{}
	}
	return &asynqPublisher{enq: enq}
}

// NewTask encodes e as a notification task.
func NewTask(e Event) (*asynq.Task, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	opts := []asynq.Option{
		asynq.Queue(task.QueueDefault),
		asynq.MaxRetry(maxRetry),
	}
	if e.Key != "" {
		opts = append(opts, asynq.TaskID(e.Key))
	}
	return asynq.NewTask(taskname.NotificationSend, payload, opts...), nil
}

func (p *asynqPublisher) Publish(ctx context.Context, events ...Event) {
	for _, e := range events {
		zapLog := zap.L().With(
			zap.String("template", e.Template),
			zap.String("user_id", e.UserID),
			zap.String("event_key", e.Key),
		)

		t, err := NewTask(e)
		if err != nil {
			zapLog.Error("failed to encode notification", zap.Error(err))
			continue
		}

		if _, err := p.enq.Enqueue(ctx, t); err != nil {
			if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
				zapLog.Debug("notification already queued")
				continue
			}
			zapLog.Error("failed to enqueue notification", zap.Error(err))
		}
	}
}

// NopPublisher drops every event. Used where no queue is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, ...Event) {}
