package campaign

import (
	"encoding/json"
	"fmt"

	"smallbiznis-billing/pkg/errutil"

	"gorm.io/datatypes"
)

type Method string

const (
	MethodFacebookAds   Method = "facebook_ads"
	MethodColdCalling   Method = "cold_calling"
	MethodVASupport     Method = "va_support"
	MethodAdminAssigned Method = "admin_assigned"
)

func (m Method) Valid() bool {
	switch m {
	case MethodFacebookAds, MethodColdCalling, MethodVASupport, MethodAdminAssigned:
		return true
	}
	return false
}

// Label is the human name used in notifications and error messages.
func (m Method) Label() string {
	switch m {
	case MethodFacebookAds:
		return "Facebook Ads"
	case MethodColdCalling:
		return "Cold Calling"
	case MethodVASupport:
		return "VA Support"
	case MethodAdminAssigned:
		return "Admin Assigned"
	}
	return string(m)
}

// MethodConfig is the method specific part of a campaign. Each method has
// exactly one concrete config type.
type MethodConfig interface {
	Method() Method
	Validate() error
}

type FacebookAdsConfig struct {
	TargetAudience string   `json:"target_audience,omitempty"`
	Regions        []string `json:"regions,omitempty"`
	DailySpendCap  int64    `json:"daily_spend_cap,omitempty"`
}

func (FacebookAdsConfig) Method() Method { return MethodFacebookAds }

func (c FacebookAdsConfig) Validate() error {
	if c.DailySpendCap < 0 {
		return errutil.BadRequest("daily_spend_cap must not be negative", nil, errutil.WithDetail("method_config.daily_spend_cap", "must be >= 0"))
	}
	return nil
}

type ColdCallingConfig struct {
	CallsPerWeek     int      `json:"calls_per_week,omitempty"`
	TargetIndustries []string `json:"target_industries,omitempty"`
	Script           string   `json:"script,omitempty"`
}

func (ColdCallingConfig) Method() Method { return MethodColdCalling }

func (c ColdCallingConfig) Validate() error {
	if c.CallsPerWeek < 0 {
		return errutil.BadRequest("calls_per_week must not be negative", nil, errutil.WithDetail("method_config.calls_per_week", "must be >= 0"))
	}
	return nil
}

type VASupportConfig struct {
	HoursPerWeek int      `json:"hours_per_week"`
	Tasks        []string `json:"tasks,omitempty"`
}

func (VASupportConfig) Method() Method { return MethodVASupport }

func (c VASupportConfig) Validate() error {
	if c.HoursPerWeek <= 0 || c.HoursPerWeek > 168 {
		return errutil.BadRequest("va_support requires hours_per_week between 1 and 168", nil, errutil.WithDetail("method_config.hours_per_week", "must be within 1..168"))
	}
	return nil
}

type AdminAssignedConfig struct {
	AssignedBy string `json:"assigned_by,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

func (AdminAssignedConfig) Method() Method { return MethodAdminAssigned }

func (AdminAssignedConfig) Validate() error { return nil }

// DecodeMethodConfig parses raw into the config type of method and validates
// it. Unknown fields are rejected.
func DecodeMethodConfig(method Method, raw json.RawMessage) (MethodConfig, error) {
	var cfg MethodConfig
	switch method {
	case MethodFacebookAds:
		cfg = &FacebookAdsConfig{}
	case MethodColdCalling:
		cfg = &ColdCallingConfig{}
	case MethodVASupport:
		cfg = &VASupportConfig{}
	case MethodAdminAssigned:
		cfg = &AdminAssignedConfig{}
	default:
		return nil, errutil.BadRequest(fmt.Sprintf("unsupported campaign method %q", method), nil, errutil.WithDetail("method", "unsupported"))
	}

	if len(raw) > 0 && string(raw) != "null" {
		if err := strictUnmarshal(raw, cfg); err != nil {
			return nil, errutil.BadRequest("invalid method_config", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func EncodeMethodConfig(cfg MethodConfig) (datatypes.JSON, error) {
	if cfg == nil {
		return nil, nil
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
