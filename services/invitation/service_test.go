package invitation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/pkg/errutil"
	"smallbiznis-billing/services/billing"
	"smallbiznis-billing/services/campaign"
	"smallbiznis-billing/services/ledger"
	"smallbiznis-billing/services/notification"
	"smallbiznis-billing/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type recordingPublisher struct {
	events []notification.Event
}

func (r *recordingPublisher) Publish(_ context.Context, events ...notification.Event) {
	r.events = append(r.events, events...)
}

type fixture struct {
	svc    *Service
	db     *gorm.DB
	ledger *ledger.Service
	events *recordingPublisher
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	models := append(ledger.Models(), campaign.Models()...)
	models = append(models, Models()...)
	db := testutil.NewTestDB(t, models...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := config.Defaults()
	events := &recordingPublisher{}
	ls := ledger.NewService(ledger.ServiceParams{DB: db, Node: node})
	cs := campaign.NewService(campaign.ServiceParams{DB: db, Node: node})
	bs := billing.NewService(billing.ServiceParams{DB: db, Config: cfg, Ledger: ls, Campaigns: cs, Notifier: events})

	svc := NewService(ServiceParams{DB: db, Node: node, Config: cfg, Billing: bs, Ledger: ls, Notifier: events})
	f := &fixture{svc: svc, db: db, ledger: ls, events: events, now: time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)}
	svc.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) create(t *testing.T, target string, budget int64) *Invitation {
	t.Helper()
	inv, err := f.svc.Create(context.Background(), CreateRequest{
		AdminID:      "admin-1",
		TargetUserID: target,
		Campaign: CampaignConfig{
			Name:         "Facebook leads",
			Method:       campaign.MethodFacebookAds,
			MethodConfig: json.RawMessage(`{"target_audience":"home owners"}`),
		},
		BudgetAmount: budget,
	})
	require.NoError(t, err)
	return inv
}

func (f *fixture) credit(t *testing.T, userID string, amount int64) {
	t.Helper()
	_, err := f.ledger.Credit(context.Background(), ledger.CreditRequest{UserID: userID, Amount: amount, Type: ledger.TypeAdminCredit})
	require.NoError(t, err)
}

func TestCreateAndGetByToken(t *testing.T) {
	f := newFixture(t)
	inv := f.create(t, "u1", 400)

	require.Equal(t, StatusPending, inv.Status)
	require.Equal(t, f.now.Add(7*24*time.Hour), inv.ExpiresAt)
	require.Len(t, f.events.events, 1)
	require.Equal(t, notification.TemplateInvitationCreated, f.events.events[0].Template)

	view, err := f.svc.GetByToken(context.Background(), inv.Token)
	require.NoError(t, err)
	require.Equal(t, StatusPending, view.Status)

	f.now = f.now.Add(8 * 24 * time.Hour)
	view, err = f.svc.GetByToken(context.Background(), inv.Token)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, view.Status)

	_, err = f.svc.GetByToken(context.Background(), "not-a-token")
	require.ErrorIs(t, err, errutil.BaseError{Code: errutil.StatusNotFound})
}

func TestCreateValidatesSnapshot(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), CreateRequest{
		AdminID:      "admin-1",
		Campaign:     CampaignConfig{Name: "x", Method: campaign.MethodFacebookAds},
		BudgetAmount: 100,
	})
	require.ErrorIs(t, err, errutil.BaseError{Code: errutil.StatusBadRequest})
}

func TestAcceptLaunchesCampaign(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "u1", 500)
	inv := f.create(t, "u1", 400)

	res, err := f.svc.Accept(context.Background(), inv.Token, "u1")
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, res.Invitation.Status)
	require.Equal(t, int64(400), res.Launch.Charged)
	require.Equal(t, campaign.MethodFacebookAds, res.Launch.Campaign.Method)
	require.Equal(t, "admin-1", res.Launch.Campaign.CreatedBy)

	bal, err := f.ledger.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, int64(100), bal.Balance)

	view, err := f.svc.GetByToken(context.Background(), inv.Token)
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, view.Status)
	require.Equal(t, res.Launch.Campaign.ID, *view.CampaignID)

	_, err = f.svc.Accept(context.Background(), inv.Token, "u1")
	require.ErrorIs(t, err, errutil.BaseError{Code: errutil.StatusUnprocessableEntity, Reason: ReasonNotPending})
}

func TestAcceptRequiresBalance(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "u1", 250)
	inv := f.create(t, "u1", 400)

	_, err := f.svc.Accept(context.Background(), inv.Token, "u1")
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	be, ok := errutil.As(err)
	require.True(t, ok)
	required, _ := be.Detail("required")
	available, _ := be.Detail("available")
	require.Equal(t, "400", required)
	require.Equal(t, "250", available)

	var count int64
	require.NoError(t, f.db.Model(&campaign.Campaign{}).Count(&count).Error)
	require.Zero(t, count)

	view, err := f.svc.GetByToken(context.Background(), inv.Token)
	require.NoError(t, err)
	require.Equal(t, StatusPending, view.Status)
}

func TestAcceptRejectsOtherUserAndExpired(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "u2", 1000)
	inv := f.create(t, "u1", 100)

	_, err := f.svc.Accept(context.Background(), inv.Token, "u2")
	require.ErrorIs(t, err, errutil.BaseError{Code: errutil.StatusForbidden})

	public := f.create(t, "", 100)
	f.now = f.now.Add(30 * 24 * time.Hour)
	_, err = f.svc.Accept(context.Background(), public.Token, "u2")
	require.ErrorIs(t, err, errutil.BaseError{Code: errutil.StatusUnprocessableEntity, Reason: ReasonExpired})
}

func TestAcceptHonoursDuplicateGuard(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "u1", 1000)
	first := f.create(t, "u1", 100)
	second := f.create(t, "u1", 100)

	_, err := f.svc.Accept(context.Background(), first.Token, "u1")
	require.NoError(t, err)

	_, err = f.svc.Accept(context.Background(), second.Token, "u1")
	require.ErrorIs(t, err, billing.ErrDuplicateCampaign)

	view, err := f.svc.GetByToken(context.Background(), second.Token)
	require.NoError(t, err)
	require.Equal(t, StatusPending, view.Status)
}

func TestDeclineAndList(t *testing.T) {
	f := newFixture(t)
	inv := f.create(t, "u1", 100)
	f.create(t, "", 200)

	declined, err := f.svc.Decline(context.Background(), inv.Token, "u1")
	require.NoError(t, err)
	require.Equal(t, StatusDeclined, declined.Status)

	_, err = f.svc.Decline(context.Background(), inv.Token, "u1")
	require.ErrorIs(t, err, errutil.BaseError{Code: errutil.StatusUnprocessableEntity, Reason: ReasonNotPending})

	list, err := f.svc.List(context.Background(), "admin-1")
	require.NoError(t, err)
	require.Len(t, list, 2)

	list, err = f.svc.List(context.Background(), "someone-else")
	require.NoError(t, err)
	require.Empty(t, list)
}
