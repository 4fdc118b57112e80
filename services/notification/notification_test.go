package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/pkg/taskname"
	"smallbiznis-billing/services/testutil"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, t *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, t)
	return &asynq.TaskInfo{ID: "1"}, nil
}

type fakeMailer struct {
	sent []Message
	err  error
}

func (f *fakeMailer) Send(_ context.Context, msg Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func TestPublishEnqueuesTask(t *testing.T) {
	enq := &fakeEnqueuer{}
	pub := NewPublisher(enq)

	pub.Publish(context.Background(), Event{
		Key:      "campaign.launched:c1",
		Template: TemplateCampaignLaunched,
		UserID:   "u1",
		Data:     map[string]any{"campaign_name": "Autumn"},
	})

	require.Len(t, enq.tasks, 1)
	require.Equal(t, taskname.NotificationSend, enq.tasks[0].Type())

	var e Event
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &e))
	require.Equal(t, "u1", e.UserID)
	require.Equal(t, "Autumn", e.Data["campaign_name"])
}

func TestPublishSwallowsErrors(t *testing.T) {
	pub := NewPublisher(&fakeEnqueuer{err: errors.New("redis down")})
	require.NotPanics(t, func() {
		pub.Publish(context.Background(), Event{Template: TemplateCampaignPaused, UserID: "u1"})
	})

	require.IsType(t, NopPublisher{}, NewPublisher(nil))
}

func newTask(t *testing.T, e Event) *asynq.Task {
	t.Helper()
	task, err := NewTask(e)
	require.NoError(t, err)
	return task
}

func TestWorkerSendsToRecipient(t *testing.T) {
	db := testutil.NewTestDB(t, Models()...)
	require.NoError(t, db.Create(&Recipient{UserID: "u1", Email: "ana@example.com", FullName: "Ana"}).Error)

	mailer := &fakeMailer{}
	w := NewWorker(mailer, NewUserDirectory(db))

	err := w.ProcessTask(context.Background(), newTask(t, Event{Template: TemplateBillingPaymentFailed, UserID: "u1", Data: map[string]any{"amount": 300}}))
	require.NoError(t, err)
	require.Len(t, mailer.sent, 1)
	require.Equal(t, "ana@example.com", mailer.sent[0].To)
	require.Equal(t, "Ana", mailer.sent[0].Data["full_name"])

	err = w.ProcessTask(context.Background(), newTask(t, Event{Template: TemplateBillingPaymentFailed, UserID: "ghost"}))
	require.NoError(t, err)
	require.Len(t, mailer.sent, 1)
}

func TestWorkerRetryPolicy(t *testing.T) {
	db := testutil.NewTestDB(t, Models()...)
	require.NoError(t, db.Create(&Recipient{UserID: "u1", Email: "ana@example.com"}).Error)
	task := newTask(t, Event{Template: TemplateCampaignStopped, UserID: "u1"})

	transient := NewWorker(&fakeMailer{err: &SendError{Status: http.StatusBadGateway}}, NewUserDirectory(db))
	err := transient.ProcessTask(context.Background(), task)
	require.Error(t, err)
	require.NotErrorIs(t, err, asynq.SkipRetry)

	permanent := NewWorker(&fakeMailer{err: &SendError{Status: http.StatusUnprocessableEntity}}, NewUserDirectory(db))
	err = permanent.ProcessTask(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = permanent.ProcessTask(context.Background(), asynq.NewTask(taskname.NotificationSend, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHTTPMailer(t *testing.T) {
	var got Message
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.To == "reject@example.com" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"error":"bad address"}`))
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := config.Defaults()
	cfg.Mailer.BaseURL = srv.URL + "/"
	cfg.Mailer.APIKey = "key"
	cfg.Mailer.From = "billing@example.com"
	cfg.Mailer.Timeout = 2 * time.Second
	mailer := NewMailer(cfg)

	require.NoError(t, mailer.Send(context.Background(), Message{Template: TemplateCampaignLaunched, To: "ana@example.com"}))
	require.Equal(t, "Bearer key", auth)
	require.Equal(t, "billing@example.com", got.From)

	err := mailer.Send(context.Background(), Message{Template: TemplateCampaignLaunched, To: "reject@example.com"})
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	require.True(t, sendErr.Permanent())

	cfg.Mailer.BaseURL = ""
	require.Nil(t, NewMailer(cfg))
}
