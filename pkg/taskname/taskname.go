package taskname

const (
	// Notification tasks
	NotificationSend = "notification:send"

	// Billing tasks
	BillingCycleRun = "billing:cycle:run"
)
