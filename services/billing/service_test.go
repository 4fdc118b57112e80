package billing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/pkg/errutil"
	"smallbiznis-billing/pkg/featureflags"
	"smallbiznis-billing/pkg/middleware"
	"smallbiznis-billing/services/campaign"
	"smallbiznis-billing/services/ledger"
	"smallbiznis-billing/services/notification"
	"smallbiznis-billing/services/testutil"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notification.Event
}

func (r *recordingPublisher) Publish(_ context.Context, events ...notification.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
}

func (r *recordingPublisher) templates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Template)
	}
	return out
}

type fakeFlags struct {
	enabled bool
	found   bool
	err     error
	calls   int
}

func (f *fakeFlags) Flags(context.Context, string, ...*flagsmith.Trait) (flagsmith.Flags, error) {
	return flagsmith.Flags{}, f.err
}

func (f *fakeFlags) Enabled(context.Context, string, string) (bool, bool, error) {
	f.calls++
	return f.enabled, f.found, f.err
}

type fixture struct {
	svc       *Service
	db        *gorm.DB
	ledger    *ledger.Service
	campaigns *campaign.Service
	events    *recordingPublisher
	now       time.Time
}

// Nov 2026 has 30 days.
var nov21 = time.Date(2026, 11, 21, 10, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()

	models := append(ledger.Models(), campaign.Models()...)
	db := testutil.NewTestDB(t, models...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := config.Defaults()
	ls := ledger.NewService(ledger.ServiceParams{DB: db, Node: node})
	cs := campaign.NewService(campaign.ServiceParams{DB: db, Node: node})
	events := &recordingPublisher{}

	svc := NewService(ServiceParams{
		DB:        db,
		Config:    cfg,
		Ledger:    ls,
		Campaigns: cs,
		Notifier:  events,
	})
	f := &fixture{svc: svc, db: db, ledger: ls, campaigns: cs, events: events, now: nov21}
	svc.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) credit(t *testing.T, userID string, amount int64) {
	t.Helper()
	_, err := f.svc.ApplyCredit(context.Background(), CreditRequest{UserID: userID, Amount: amount, Type: ledger.TypeAdminCredit})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	bal, err := f.ledger.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return bal.Balance
}

func (f *fixture) launch(t *testing.T, userID string, budget int64, prorate bool) *LaunchResult {
	t.Helper()
	res, err := f.svc.LaunchCampaign(context.Background(), LaunchRequest{
		UserID:           userID,
		Name:             "Dental clinics Q4",
		Method:           campaign.MethodColdCalling,
		MethodConfig:     json.RawMessage(`{"calls_per_week":50}`),
		MonthlyBudget:    budget,
		ProrationEnabled: &prorate,
	})
	require.NoError(t, err)
	return res
}

func boolPtr(b bool) *bool { return &b }

func TestFloorsByPurpose(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, int64(-1000), f.svc.Floor(PurposeStandard))
	require.Equal(t, int64(-500), f.svc.Floor(PurposeRecurring))
	require.Equal(t, int64(0), f.svc.Floor(PurposeInvitation))
	require.Equal(t, int64(-1000), f.svc.Floor(""))
}

func TestApplyDebitUsesStandardFloor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ApplyDebit(ctx, DebitRequest{UserID: "u1", Amount: 950, Purpose: PurposeStandard})
	require.NoError(t, err)
	require.Equal(t, int64(-950), f.balance(t, "u1"))

	_, err = f.svc.ApplyDebit(ctx, DebitRequest{UserID: "u1", Amount: 100, Purpose: PurposeStandard})
	require.ErrorIs(t, err, ledger.ErrBalanceLimitExceeded)
	require.Equal(t, int64(-950), f.balance(t, "u1"))
}

func TestApplyCreditIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := CreditRequest{UserID: "u1", Amount: 500, Type: ledger.TypePurchase, IdempotencyKey: "stripe:sess_123"}
	_, err := f.svc.ApplyCredit(ctx, req)
	require.NoError(t, err)
	res, err := f.svc.ApplyCredit(ctx, req)
	require.NoError(t, err)
	require.True(t, res.AlreadyApplied)
	require.Equal(t, int64(500), f.balance(t, "u1"))
}

func TestLaunchCampaignProrated(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "u1", 1000)

	res := f.launch(t, "u1", 600, true)
	require.Equal(t, int64(200), res.Charged)
	require.True(t, res.Prorated)
	require.Equal(t, int64(800), res.Balance)
	require.Equal(t, campaign.StatusActive, res.Campaign.Status)
	require.Equal(t, time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC), res.Participant.NextBillingDate.UTC())
	require.Equal(t, 1, res.Participant.BillingCycleDay)
	require.Equal(t, int64(600), res.Participant.MonthlyBudget)
	require.Equal(t, int64(800), f.balance(t, "u1"))

	entry, err := f.ledger.GetEntry(context.Background(), res.EntryID)
	require.NoError(t, err)
	require.Equal(t, ledger.TypeCampaignCharge, entry.Type)
	require.Equal(t, int64(-200), entry.Amount)

	require.Equal(t, []string{notification.TemplateCampaignLaunched}, f.events.templates())
}

func TestLaunchCampaignFullBudget(t *testing.T) {
	f := newFixture(t)
	res := f.launch(t, "u1", 600, false)
	require.Equal(t, int64(600), res.Charged)
	require.Equal(t, int64(-600), f.balance(t, "u1"))
}

func TestLaunchCampaignDuplicateGuard(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "u1", 2000)
	first := f.launch(t, "u1", 600, false)
	before := f.balance(t, "u1")

	_, err := f.svc.LaunchCampaign(context.Background(), LaunchRequest{
		UserID:        "u1",
		Name:          "Another",
		Method:        campaign.MethodColdCalling,
		MethodConfig:  json.RawMessage(`{"calls_per_week":10}`),
		MonthlyBudget: 300,
	})
	require.ErrorIs(t, err, ErrDuplicateCampaign)
	be, ok := errutil.As(err)
	require.True(t, ok)
	name, _ := be.Detail("existing_campaign")
	require.Equal(t, first.Campaign.Name, name)

	require.Equal(t, before, f.balance(t, "u1"))
	var count int64
	require.NoError(t, f.db.Model(&campaign.Campaign{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
	require.Len(t, f.events.templates(), 1)
}

func TestConcurrentLaunchesChargeOnce(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "u1", 5000)

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		launched  int
		duplicate int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.LaunchCampaign(context.Background(), LaunchRequest{
				UserID:           "u1",
				Name:             "Dental clinics Q4",
				Method:           campaign.MethodColdCalling,
				MonthlyBudget:    600,
				ProrationEnabled: boolPtr(false),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				launched++
			case errors.Is(err, ErrDuplicateCampaign):
				duplicate++
			default:
				t.Errorf("unexpected launch error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, launched)
	require.Equal(t, n-1, duplicate)
	require.Equal(t, int64(4400), f.balance(t, "u1"))

	var count int64
	require.NoError(t, f.db.Model(&campaign.Campaign{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestLaunchCampaignRollsBackOnFloor(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ApplyDebit(context.Background(), DebitRequest{UserID: "u1", Amount: 900})
	require.NoError(t, err)

	_, err = f.svc.LaunchCampaign(context.Background(), LaunchRequest{
		UserID:           "u1",
		Name:             "Too big",
		Method:           campaign.MethodVASupport,
		MethodConfig:     json.RawMessage(`{"hours_per_week":10}`),
		MonthlyBudget:    600,
		ProrationEnabled: boolPtr(false),
	})
	require.ErrorIs(t, err, ledger.ErrBalanceLimitExceeded)

	var count int64
	require.NoError(t, f.db.Model(&campaign.Campaign{}).Count(&count).Error)
	require.Zero(t, count)
	require.NoError(t, f.db.Model(&campaign.Participant{}).Count(&count).Error)
	require.Zero(t, count)
	require.Empty(t, f.events.templates())
}

func TestProrationDefaultFromFlags(t *testing.T) {
	f := newFixture(t)
	flags := &fakeFlags{enabled: true, found: true}
	f.svc.flags = flags

	res, err := f.svc.LaunchCampaign(context.Background(), LaunchRequest{
		UserID:        "u1",
		Name:          "Flagged",
		Method:        campaign.MethodAdminAssigned,
		MonthlyBudget: 600,
	})
	require.NoError(t, err)
	require.True(t, res.Prorated)
	require.Equal(t, int64(200), res.Charged)
	require.Equal(t, 1, flags.calls)

	f.svc.cfg.ProrationDefault = false
	f.svc.flags = &fakeFlags{err: featureflags.ErrDisabled}
	require.False(t, f.svc.prorationDefault(context.Background(), "u2"))

	f.svc.cfg.ProrationDefault = true
	f.svc.flags = &fakeFlags{found: false}
	require.True(t, f.svc.prorationDefault(context.Background(), "u3"))

	f.svc.flags = &fakeFlags{err: errors.New("flagsmith down")}
	require.True(t, f.svc.prorationDefault(context.Background(), "u4"))
}

func TestChangeTierUpgradeChargesDifference(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "u1", 1000)
	launched := f.launch(t, "u1", 300, false)

	res, err := f.svc.ChangeTier(context.Background(), ChangeTierRequest{
		ParticipantID: launched.Participant.ID,
		NewBudget:     500,
		Actor:         middleware.Identity{UserID: "u1", Role: middleware.RoleUser},
	})
	require.NoError(t, err)
	require.Equal(t, TierUpgrade, res.Direction)
	require.Equal(t, int64(200), res.Charged)
	require.Equal(t, int64(500), f.balance(t, "u1"))

	p, err := f.campaigns.GetParticipantTx(context.Background(), nil, launched.Participant.ID, false)
	require.NoError(t, err)
	require.Equal(t, int64(500), p.MonthlyBudget)
	require.Equal(t, int64(500), p.BudgetContribution)

	c, err := f.campaigns.Get(context.Background(), launched.Campaign.ID)
	require.NoError(t, err)
	require.Equal(t, int64(500), c.TotalBudget)
}

func TestChangeTierDowngradeIsDeferred(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "u1", 1000)
	launched := f.launch(t, "u1", 500, false)
	before := f.balance(t, "u1")

	res, err := f.svc.ChangeTier(context.Background(), ChangeTierRequest{
		ParticipantID: launched.Participant.ID,
		NewBudget:     300,
		Actor:         middleware.Identity{UserID: "u1", Role: middleware.RoleUser},
	})
	require.NoError(t, err)
	require.Equal(t, TierDowngrade, res.Direction)
	require.Zero(t, res.Charged)
	require.Equal(t, before, f.balance(t, "u1"))

	p, err := f.campaigns.GetParticipantTx(context.Background(), nil, launched.Participant.ID, false)
	require.NoError(t, err)
	require.Equal(t, int64(500), p.MonthlyBudget)
	require.NotNil(t, p.PendingBudget)
	require.Equal(t, int64(300), *p.PendingBudget)
	require.Equal(t, time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC), p.PendingEffectiveAt.UTC())

	var audit ledger.LedgerEntry
	require.NoError(t, f.db.Where("user_id = ? AND type = ?", "u1", ledger.TypeTierChange).Take(&audit).Error)
	require.Zero(t, audit.Amount)
	require.Contains(t, audit.Description, "takes effect next billing cycle")

	report, err := f.ledger.VerifyChain(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, report.Valid)
}

func TestChangeTierRejections(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "u1", 1000)
	launched := f.launch(t, "u1", 300, false)
	ctx := context.Background()
	owner := middleware.Identity{UserID: "u1", Role: middleware.RoleUser}

	_, err := f.svc.ChangeTier(ctx, ChangeTierRequest{ParticipantID: launched.Participant.ID, NewBudget: 300, Actor: owner})
	require.ErrorIs(t, err, errutil.BaseError{Code: errutil.StatusBadRequest})

	_, err = f.svc.ChangeTier(ctx, ChangeTierRequest{ParticipantID: launched.Participant.ID, NewBudget: 500, Actor: middleware.Identity{UserID: "u2", Role: middleware.RoleUser}})
	require.ErrorIs(t, err, errutil.BaseError{Code: errutil.StatusNotFound})

	_, err = f.svc.ChangeTier(ctx, ChangeTierRequest{ParticipantID: "missing", NewBudget: 500, Actor: owner})
	require.ErrorIs(t, err, errutil.BaseError{Code: errutil.StatusNotFound})

	_, err = f.svc.ChangeTier(ctx, ChangeTierRequest{ParticipantID: launched.Participant.ID, NewBudget: 5000, Actor: owner})
	require.ErrorIs(t, err, ledger.ErrBalanceLimitExceeded)
}

func TestPauseResumeStop(t *testing.T) {
	f := newFixture(t)
	launched := f.launch(t, "u1", 300, false)
	ctx := context.Background()
	owner := middleware.Identity{UserID: "u1", Role: middleware.RoleUser}
	before := f.balance(t, "u1")

	_, err := f.svc.PauseCampaign(ctx, launched.Campaign.ID, middleware.Identity{UserID: "u2", Role: middleware.RoleUser})
	require.ErrorIs(t, err, errutil.BaseError{Code: errutil.StatusNotFound})

	c, err := f.svc.PauseCampaign(ctx, launched.Campaign.ID, owner)
	require.NoError(t, err)
	require.Equal(t, campaign.StatusPaused, c.Status)

	c, err = f.svc.ResumeCampaign(ctx, launched.Campaign.ID, owner)
	require.NoError(t, err)
	require.Equal(t, campaign.StatusActive, c.Status)

	c, err = f.svc.StopCampaign(ctx, launched.Campaign.ID, middleware.Identity{UserID: "root", Role: middleware.RoleAdmin})
	require.NoError(t, err)
	require.Equal(t, campaign.StatusStopped, c.Status)

	_, err = f.svc.ResumeCampaign(ctx, launched.Campaign.ID, owner)
	require.ErrorIs(t, err, errutil.BaseError{Code: errutil.StatusUnprocessableEntity})

	require.Equal(t, before, f.balance(t, "u1"))
	require.Equal(t, []string{
		notification.TemplateCampaignLaunched,
		notification.TemplateCampaignPaused,
		notification.TemplateCampaignResumed,
		notification.TemplateCampaignStopped,
	}, f.events.templates())

	// A stopped campaign no longer blocks a new launch of the same method.
	f.launch(t, "u1", 300, false)
}

func TestDeleteCampaignRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	launched := f.launch(t, "u1", 300, false)
	ctx := context.Background()

	err := f.svc.DeleteCampaign(ctx, launched.Campaign.ID, middleware.Identity{UserID: "u1", Role: middleware.RoleUser})
	require.ErrorIs(t, err, errutil.BaseError{Code: errutil.StatusForbidden})

	require.NoError(t, f.svc.DeleteCampaign(ctx, launched.Campaign.ID, middleware.Identity{UserID: "root", Role: middleware.RoleAdmin}))
	_, err = f.campaigns.Get(ctx, launched.Campaign.ID)
	require.ErrorIs(t, err, errutil.BaseError{Code: errutil.StatusNotFound})
}
