package payment

import (
	"errors"
	"time"

	"smallbiznis-billing/pkg/errutil"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

const (
	HeaderSignature = "Stripe-Signature"

	ReasonInvalidSignature = "webhook_signature_invalid"
)

var ErrInvalidSignature = errutil.BaseError{Code: errutil.StatusBadRequest, Reason: ReasonInvalidSignature}

func invalidSignature(msg string, err error) error {
	return errutil.BadRequest(msg, err, errutil.WithReason(ReasonInvalidSignature))
}

// ConstructEvent verifies header against payload and decodes the event.
// Events pinned to another API version are accepted; only the fields read
// by this package are decoded.
func ConstructEvent(payload []byte, header, secret string, tolerance time.Duration) (stripe.Event, error) {
	if secret == "" {
		return stripe.Event{}, invalidSignature("webhook secret is not configured", nil)
	}
	if header == "" {
		return stripe.Event{}, invalidSignature("missing "+HeaderSignature+" header", nil)
	}

	evt, err := webhook.ConstructEventWithOptions(payload, header, secret, webhook.ConstructEventOptions{
		Tolerance:                tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	switch {
	case err == nil:
		return evt, nil
	case errors.Is(err, webhook.ErrNotSigned), errors.Is(err, webhook.ErrInvalidHeader):
		return stripe.Event{}, invalidSignature("malformed "+HeaderSignature+" header", err)
	case errors.Is(err, webhook.ErrTooOld):
		return stripe.Event{}, invalidSignature("signature timestamp outside tolerance", err)
	case errors.Is(err, webhook.ErrNoValidSignature):
		return stripe.Event{}, invalidSignature("signature mismatch", err)
	default:
		return stripe.Event{}, errutil.BadRequest("invalid webhook payload", err)
	}
}
