package billing

import (
	"fmt"

	"smallbiznis-billing/pkg/errutil"
)

const ReasonDuplicateCampaign = "duplicate_campaign"

// ErrDuplicateCampaign matches a launch refused because the user already runs
// a campaign with the same method.
var ErrDuplicateCampaign = errutil.BaseError{Code: errutil.StatusConflict, Reason: ReasonDuplicateCampaign}

func duplicateCampaign(name, id, method string) error {
	return errutil.Conflict(
		fmt.Sprintf("an active %s campaign already exists: %s", method, name), nil,
		errutil.WithReason(ReasonDuplicateCampaign),
		errutil.WithDetail("existing_campaign", name),
		errutil.WithDetail("campaign_id", id),
	)
}
