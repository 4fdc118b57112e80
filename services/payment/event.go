package payment

import (
	"strconv"
	"strings"

	"smallbiznis-billing/pkg/errutil"

	"github.com/stripe/stripe-go/v76"
)

const (
	EventCheckoutCompleted      stripe.EventType = "checkout.session.completed"
	EventInvoicePaymentSucceded stripe.EventType = "invoice.payment_succeeded"

	upgradeTypeSubscriptionChange = "subscription_change"
)

type Metadata map[string]string

func (m Metadata) userID() string {
	return strings.TrimSpace(m["user_id"])
}

// amount parses a positive credit amount stored under key.
func (m Metadata) amount(key string) (int64, error) {
	raw := strings.TrimSpace(m[key])
	if raw == "" {
		return 0, errutil.BadRequest("missing metadata."+key, nil, errutil.WithDetail("metadata."+key, "required"))
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, errutil.BadRequest("metadata."+key+" must be a positive integer", err, errutil.WithDetail("metadata."+key, "must be > 0"))
	}
	return n, nil
}

func subscriptionMetadata(inv *stripe.Invoice) Metadata {
	if inv.SubscriptionDetails == nil {
		return Metadata{}
	}
	return Metadata(inv.SubscriptionDetails.Metadata)
}
