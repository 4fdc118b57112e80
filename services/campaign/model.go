package campaign

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
)

var transitions = map[Status][]Status{
	StatusActive: {StatusPaused, StatusStopped},
	StatusPaused: {StatusActive, StatusStopped},
}

// CanTransition reports whether a campaign may move from s to next. Stopped
// is terminal.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Live reports whether the campaign still counts toward the one campaign
// per method rule.
func (s Status) Live() bool {
	return s == StatusActive || s == StatusPaused
}

type BillingStatus string

const (
	BillingActive BillingStatus = "active"
	BillingPaused BillingStatus = "paused"
)

type Campaign struct {
	ID           string         `gorm:"column:id;primaryKey" json:"id"`
	Code         string         `gorm:"column:code;index" json:"code"`
	Slug         string         `gorm:"column:slug;uniqueIndex" json:"slug"`
	Name         string         `gorm:"column:name;type:varchar(255);not null" json:"name"`
	Description  string         `gorm:"column:description;type:text" json:"description"`
	Method       Method         `gorm:"column:method;type:varchar(50);not null;index" json:"method"`
	MethodConfig datatypes.JSON `gorm:"column:method_config" json:"method_config,omitempty"`
	TotalBudget  int64          `gorm:"column:total_budget;not null" json:"total_budget"`
	StartDate    time.Time      `gorm:"column:start_date" json:"start_date"`
	EndDate      *time.Time     `gorm:"column:end_date" json:"end_date,omitempty"`
	Status       Status         `gorm:"column:status;type:varchar(20);not null;index" json:"status"`
	CreatedBy    string         `gorm:"column:created_by" json:"created_by"`
	CreatedAt    time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`

	Participants []Participant `gorm:"foreignKey:CampaignID;constraint:OnDelete:CASCADE" json:"participants,omitempty"`
}

func (Campaign) TableName() string { return "campaigns" }

// Participant is one user's recurring billing commitment to a campaign.
// PendingBudget holds a downgrade that takes effect at PendingEffectiveAt.
type Participant struct {
	ID                 string        `gorm:"column:id;primaryKey" json:"id"`
	CampaignID         string        `gorm:"column:campaign_id;not null;index" json:"campaign_id"`
	UserID             string        `gorm:"column:user_id;not null;index" json:"user_id"`
	ConsultantName     string        `gorm:"column:consultant_name" json:"consultant_name"`
	BudgetContribution int64         `gorm:"column:budget_contribution;not null" json:"budget_contribution"`
	MonthlyBudget      int64         `gorm:"column:monthly_budget;not null" json:"monthly_budget"`
	BillingStatus      BillingStatus `gorm:"column:billing_status;type:varchar(20);not null;index" json:"billing_status"`
	NextBillingDate    time.Time     `gorm:"column:next_billing_date;index" json:"next_billing_date"`
	BillingCycleDay    int           `gorm:"column:billing_cycle_day;not null" json:"billing_cycle_day"`
	ProrationEnabled   bool          `gorm:"column:proration_enabled" json:"proration_enabled"`
	PendingBudget      *int64        `gorm:"column:pending_budget" json:"pending_budget,omitempty"`
	PendingEffectiveAt *time.Time    `gorm:"column:pending_effective_at" json:"pending_effective_at,omitempty"`
	CreatedAt          time.Time     `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time     `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Participant) TableName() string { return "campaign_participants" }

// Models lists the tables owned by this package.
func Models() []any {
	return []any{&Campaign{}, &Participant{}}
}
