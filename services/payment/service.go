package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/pkg/errutil"
	"smallbiznis-billing/services/billing"
	"smallbiznis-billing/services/ledger"
	"smallbiznis-billing/services/notification"

	"github.com/stripe/stripe-go/v76"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Action describes what handling an event did.
type Action string

const (
	ActionCredited  Action = "credited"
	ActionDuplicate Action = "duplicate"
	ActionNotified  Action = "notified"
	ActionSkipped   Action = "skipped"
	ActionIgnored   Action = "ignored"
)

type Outcome struct {
	Action Action         `json:"action"`
	Result *ledger.Result `json:"result,omitempty"`
}

type Service struct {
	billing   *billing.Service
	notifier  notification.Publisher
	secret    string
	tolerance time.Duration
}

type ServiceParams struct {
	fx.In
	Config   *config.Config
	Billing  *billing.Service
	Notifier notification.Publisher `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	notifier := p.Notifier
	if notifier == nil {
		notifier = notification.NopPublisher{}
	}
	return &Service{
		billing:   p.Billing,
		notifier:  notifier,
		secret:    p.Config.Stripe.WebhookSecret,
		tolerance: p.Config.Stripe.Tolerance,
	}
}

func traceFields(ctx context.Context) []zap.Field {
	sc := trace.SpanFromContext(ctx).SpanContext()
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

// HandleWebhook verifies payload before decoding and dispatching it.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (*Outcome, error) {
	evt, err := ConstructEvent(payload, signature, s.secret, s.tolerance)
	if err != nil {
		zap.L().With(traceFields(ctx)...).Warn("rejected webhook", zap.Error(err))
		return nil, err
	}
	return s.HandleEvent(ctx, evt)
}

// HandleEvent applies a verified event. Credits are keyed by the session or
// invoice id so redelivery never credits twice.
func (s *Service) HandleEvent(ctx context.Context, evt stripe.Event) (*Outcome, error) {
	zapLog := zap.L().With(traceFields(ctx)...).With(zap.String("event_id", evt.ID), zap.String("event_type", string(evt.Type)))

	var (
		out *Outcome
		err error
	)
	switch evt.Type {
	case EventCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := decodeObject(evt, &session); err != nil {
			return nil, errutil.BadRequest("invalid checkout session", err)
		}
		out, err = s.checkoutCompleted(ctx, &session)
	case EventInvoicePaymentSucceded:
		var inv stripe.Invoice
		if err := decodeObject(evt, &inv); err != nil {
			return nil, errutil.BadRequest("invalid invoice", err)
		}
		out, err = s.invoicePaid(ctx, &inv)
	default:
		out = &Outcome{Action: ActionIgnored}
	}
	if err != nil {
		zapLog.Error("failed to handle webhook event", zap.Error(err))
		return nil, err
	}

	zapLog.Info("handled webhook event", zap.String("action", string(out.Action)))
	return out, nil
}

func decodeObject(evt stripe.Event, v any) error {
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return errors.New("event has no data.object")
	}
	return json.Unmarshal(evt.Data.Raw, v)
}

func (s *Service) checkoutCompleted(ctx context.Context, session *stripe.CheckoutSession) (*Outcome, error) {
	meta := Metadata(session.Metadata)
	userID := meta.userID()
	if userID == "" {
		return nil, errutil.BadRequest("missing metadata.user_id", nil, errutil.WithDetail("metadata.user_id", "required"))
	}

	if session.Mode == stripe.CheckoutSessionModePayment && meta["upgrade_type"] == upgradeTypeSubscriptionChange {
		s.notifier.Publish(ctx, notification.Event{
			Key:      "stripe:" + session.ID,
			Template: notification.TemplateSubscriptionChanged,
			UserID:   userID,
			Data: map[string]any{
				"session_id": session.ID,
				"plan":       meta["plan"],
			},
		})
		return &Outcome{Action: ActionNotified}, nil
	}

	key, typ, desc, template := "points", ledger.TypePurchase, "Credits purchase (session %s)", notification.TemplateCreditsPurchased
	if session.Mode == stripe.CheckoutSessionModeSubscription {
		key, typ, desc, template = "credits", ledger.TypeSubscriptionCredit, "Subscription credits (session %s)", notification.TemplateSubscriptionCredited
	}

	amount, err := meta.amount(key)
	if err != nil {
		return nil, err
	}

	return s.credit(ctx, billing.CreditRequest{
		UserID:         userID,
		Amount:         amount,
		Type:           typ,
		Description:    fmt.Sprintf(desc, session.ID),
		IdempotencyKey: "stripe:" + session.ID,
		Metadata: map[string]any{
			"session_id":   session.ID,
			"mode":         string(session.Mode),
			"amount_total": session.AmountTotal,
			"currency":     string(session.Currency),
		},
	}, template)
}

func (s *Service) invoicePaid(ctx context.Context, inv *stripe.Invoice) (*Outcome, error) {
	meta := subscriptionMetadata(inv)

	switch inv.BillingReason {
	case stripe.InvoiceBillingReasonSubscriptionCreate:
		// the checkout session already granted the first period
		return &Outcome{Action: ActionSkipped}, nil
	case stripe.InvoiceBillingReasonSubscriptionUpdate:
		userID := meta.userID()
		if userID == "" {
			return nil, errutil.BadRequest("missing subscription metadata.user_id", nil, errutil.WithDetail("metadata.user_id", "required"))
		}
		s.notifier.Publish(ctx, notification.Event{
			Key:      "stripe:" + inv.ID,
			Template: notification.TemplateSubscriptionChanged,
			UserID:   userID,
			Data: map[string]any{
				"invoice_id": inv.ID,
				"plan":       meta["plan"],
			},
		})
		return &Outcome{Action: ActionNotified}, nil
	case stripe.InvoiceBillingReasonSubscriptionCycle, stripe.InvoiceBillingReasonManual:
	default:
		return &Outcome{Action: ActionIgnored}, nil
	}

	if meta["scheduled_downgrade"] == "true" {
		return &Outcome{Action: ActionSkipped}, nil
	}

	userID := meta.userID()
	if userID == "" {
		return nil, errutil.BadRequest("missing subscription metadata.user_id", nil, errutil.WithDetail("metadata.user_id", "required"))
	}
	amount, err := meta.amount("credits")
	if err != nil {
		return nil, err
	}

	return s.credit(ctx, billing.CreditRequest{
		UserID:         userID,
		Amount:         amount,
		Type:           ledger.TypeSubscriptionCredit,
		Description:    fmt.Sprintf("Subscription renewal (invoice %s)", inv.ID),
		IdempotencyKey: "stripe:" + inv.ID,
		Metadata: map[string]any{
			"invoice_id":     inv.ID,
			"billing_reason": string(inv.BillingReason),
			"amount_paid":    inv.AmountPaid,
			"currency":       string(inv.Currency),
		},
	}, notification.TemplateSubscriptionCredited)
}

func (s *Service) credit(ctx context.Context, req billing.CreditRequest, template string) (*Outcome, error) {
	res, err := s.billing.ApplyCredit(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.AlreadyApplied {
		return &Outcome{Action: ActionDuplicate, Result: res}, nil
	}

	s.notifier.Publish(ctx, notification.Event{
		Key:      req.IdempotencyKey,
		Template: template,
		UserID:   req.UserID,
		Data: map[string]any{
			"amount":  req.Amount,
			"balance": res.Balance,
		},
	})
	return &Outcome{Action: ActionCredited, Result: res}, nil
}
