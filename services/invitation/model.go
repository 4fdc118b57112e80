package invitation

import (
	"encoding/json"
	"time"

	"smallbiznis-billing/services/campaign"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusDeclined Status = "declined"
	// StatusExpired is never stored. It is derived from ExpiresAt.
	StatusExpired Status = "expired"
)

// CampaignConfig is the snapshot of the campaign an invitation proposes.
type CampaignConfig struct {
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	Method         campaign.Method `json:"method"`
	MethodConfig   json.RawMessage `json:"method_config,omitempty"`
	ConsultantName string          `json:"consultant_name,omitempty"`
}

type Invitation struct {
	ID             string         `gorm:"column:id;primaryKey" json:"id"`
	AdminID        string         `gorm:"column:admin_id;not null;index" json:"admin_id"`
	TargetUserID   *string        `gorm:"column:target_user_id;index" json:"target_user_id,omitempty"`
	TemplateID     string         `gorm:"column:template_id" json:"template_id,omitempty"`
	CampaignConfig datatypes.JSON `gorm:"column:campaign_config;not null" json:"campaign_config"`
	BudgetAmount   int64          `gorm:"column:budget_amount;not null" json:"budget_amount"`
	Token          string         `gorm:"column:invitation_token;uniqueIndex;not null" json:"invitation_token"`
	Status         Status         `gorm:"column:status;type:varchar(20);not null;index" json:"status"`
	ExpiresAt      time.Time      `gorm:"column:expires_at" json:"expires_at"`
	RespondedBy    *string        `gorm:"column:responded_by" json:"responded_by,omitempty"`
	RespondedAt    *time.Time     `gorm:"column:responded_at" json:"responded_at,omitempty"`
	CampaignID     *string        `gorm:"column:campaign_id" json:"campaign_id,omitempty"`
	CreatedAt      time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Invitation) TableName() string { return "campaign_invitations" }

// EffectiveStatus reports StatusExpired for a pending invitation past its
// expiry, and the stored status otherwise.
func (i Invitation) EffectiveStatus(now time.Time) Status {
	if i.Status == StatusPending && i.ExpiresAt.Before(now) {
		return StatusExpired
	}
	return i.Status
}

func (i Invitation) Config() (CampaignConfig, error) {
	var cfg CampaignConfig
	err := json.Unmarshal(i.CampaignConfig, &cfg)
	return cfg, err
}

func Models() []any {
	return []any{&Invitation{}}
}
