package billing

import (
	"net/http"
	"testing"

	"smallbiznis-billing/services/testutil/apitest"

	"github.com/stretchr/testify/require"
)

func TestBillingEndpoints(t *testing.T) {
	f := newFixture(t)
	api := apitest.New(t)
	NewHandler(f.svc).Register(api.Router)

	admin := api.Token("root", "admin")
	user := api.Token("u1", "user")

	rec := api.Do(http.MethodPost, "/v1/admin/users/u1/credits", user, map[string]any{"amount": 1000})
	require.Equal(t, http.StatusForbidden, rec.Code)

	credit := map[string]any{"amount": 1000, "idempotency_key": "grant-1"}
	rec = api.Do(http.MethodPost, "/v1/admin/users/u1/credits", admin, credit)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = api.Do(http.MethodPost, "/v1/admin/users/u1/credits", admin, credit)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.True(t, apitest.Decode[postingResponse](t, rec).AlreadyApplied)
	require.Equal(t, int64(1000), f.balance(t, "u1"))

	rec = api.Do(http.MethodPost, "/v1/admin/users/u2/credits", admin, credit)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.False(t, apitest.Decode[postingResponse](t, rec).AlreadyApplied)
	require.Equal(t, int64(1000), f.balance(t, "u2"))
	require.Equal(t, int64(1000), f.balance(t, "u1"))

	rec = api.Do(http.MethodPost, "/v1/campaigns", user, map[string]any{
		"name":              "Dental clinics",
		"method":            "cold_calling",
		"method_config":     map[string]any{"calls_per_week": 20},
		"monthly_budget":    600,
		"proration_enabled": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	launched := apitest.Decode[LaunchResult](t, rec)
	require.Equal(t, int64(200), launched.Charged)

	rec = api.Do(http.MethodPost, "/v1/campaigns", user, map[string]any{
		"name":           "Dental clinics again",
		"method":         "cold_calling",
		"method_config":  map[string]any{"calls_per_week": 20},
		"monthly_budget": 600,
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "Dental clinics")

	rec = api.Do(http.MethodPatch, "/v1/participants/"+launched.Participant.ID+"/tier", user, map[string]any{"monthly_budget": 800})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, int64(600), f.balance(t, "u1"))

	rec = api.Do(http.MethodPost, "/v1/campaigns/"+launched.Campaign.ID+"/pause", user, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.Do(http.MethodPost, "/v1/wallet/debits", user, map[string]any{"amount": 50}, map[string]string{headerIdempotencyKey: "b-1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = api.Do(http.MethodPost, "/v1/wallet/debits", user, map[string]any{"amount": 50}, map[string]string{headerIdempotencyKey: "b-1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, int64(550), f.balance(t, "u1"))

	rec = api.Do(http.MethodPost, "/v1/wallet/debits", user, map[string]any{"amount": 5000})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, rec.Body.String(), "balance_limit_exceeded")

	rec = api.Do(http.MethodPost, "/v1/admin/billing/run", admin, map[string]any{"at": "2026-12-01T01:00:00Z"})
	require.Equal(t, http.StatusOK, rec.Code)
	summary := apitest.Decode[CycleSummary](t, rec)
	require.Zero(t, summary.Charged)

	rec = api.Do(http.MethodDelete, "/v1/admin/campaigns/"+launched.Campaign.ID, admin, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}
