package ledger

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// GenesisHash is the previous hash of the first entry in every user chain.
const GenesisHash = "GENESIS"

type TransactionType string

const (
	TypePurchase           TransactionType = "purchase"
	TypeSubscriptionCredit TransactionType = "subscription_credit"
	TypeAdminCredit        TransactionType = "admin_credit"
	TypeAdminDeduction     TransactionType = "admin_deduction"
	TypeRefund             TransactionType = "refund"
	TypeEarning            TransactionType = "earning"
	TypeInitialCredit      TransactionType = "initial_credit"
	TypeCampaignCharge     TransactionType = "campaign_charge"
	TypeServiceBooking     TransactionType = "service_booking"
	TypeRecurringCharge    TransactionType = "recurring_charge"
	TypeTierChange         TransactionType = "tier_change"
)

var creditTypes = map[TransactionType]bool{
	TypePurchase:           true,
	TypeSubscriptionCredit: true,
	TypeAdminCredit:        true,
	TypeRefund:             true,
	TypeEarning:            true,
	TypeInitialCredit:      true,
}

var debitTypes = map[TransactionType]bool{
	TypeAdminDeduction:  true,
	TypeCampaignCharge:  true,
	TypeServiceBooking:  true,
	TypeRecurringCharge: true,
}

func (t TransactionType) IsCredit() bool { return creditTypes[t] }
func (t TransactionType) IsDebit() bool  { return debitTypes[t] }

// Balance is the materialized running total of a user's ledger. Sequence and
// LastHash track the tail of the user's entry chain.
type Balance struct {
	ID        string    `gorm:"column:id;primaryKey" json:"id"`
	UserID    string    `gorm:"column:user_id;uniqueIndex;not null" json:"user_id"`
	Balance   int64     `gorm:"column:balance;not null;default:0" json:"balance"`
	Sequence  int64     `gorm:"column:sequence;not null;default:0" json:"-"`
	LastHash  string    `gorm:"column:last_hash" json:"-"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Balance) TableName() string { return "user_balances" }

type LedgerEntry struct {
	ID              string          `gorm:"column:id;primaryKey" json:"id"`
	UserID          string          `gorm:"column:user_id;not null;uniqueIndex:idx_ledger_user_sequence,priority:1" json:"user_id"`
	Sequence        int64           `gorm:"column:sequence;not null;uniqueIndex:idx_ledger_user_sequence,priority:2" json:"sequence"`
	Type            TransactionType `gorm:"column:type;index" json:"type"`
	Amount          int64           `gorm:"column:amount" json:"amount"`
	BalanceAfter    int64           `gorm:"column:balance_after" json:"balance_after"`
	TransactionCode string          `gorm:"column:transaction_code" json:"transaction_code"`
	Description     string          `gorm:"column:description" json:"description"`
	ExternalEventID *string         `gorm:"column:external_event_id;uniqueIndex" json:"external_event_id,omitempty"`
	Metadata        datatypes.JSON  `gorm:"column:metadata" json:"metadata,omitempty"`
	PreviousHash    string          `gorm:"column:previous_hash" json:"-"`
	Hash            string          `gorm:"column:hash" json:"-"`
	CreatedAt       time.Time       `gorm:"column:created_at" json:"created_at"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

type LedgerParams struct {
	LedgerID        string
	UserID          string
	Sequence        int64
	Type            TransactionType
	Amount          int64
	BalanceAfter    int64
	TransactionCode string
	Description     string
	ExternalEventID string
	PreviousHash    string
	Metadata        datatypes.JSON
	CreatedAt       time.Time
}

func NewLedgerEntry(p LedgerParams) *LedgerEntry {
	entry := &LedgerEntry{
		ID:              p.LedgerID,
		UserID:          p.UserID,
		Sequence:        p.Sequence,
		Type:            p.Type,
		Amount:          p.Amount,
		BalanceAfter:    p.BalanceAfter,
		TransactionCode: p.TransactionCode,
		Description:     p.Description,
		PreviousHash:    p.PreviousHash,
		Metadata:        p.Metadata,
		CreatedAt:       p.CreatedAt.UTC().Truncate(time.Microsecond),
	}
	if p.ExternalEventID != "" {
		id := p.ExternalEventID
		entry.ExternalEventID = &id
	}
	return entry
}

func (m *LedgerEntry) HashFields() map[string]string {
	external := ""
	if m.ExternalEventID != nil {
		external = *m.ExternalEventID
	}
	return map[string]string{
		"id":                m.ID,
		"user_id":           m.UserID,
		"sequence":          fmt.Sprintf("%d", m.Sequence),
		"type":              string(m.Type),
		"amount":            fmt.Sprintf("%d", m.Amount),
		"balance_after":     fmt.Sprintf("%d", m.BalanceAfter),
		"transaction_code":  m.TransactionCode,
		"description":       m.Description,
		"external_event_id": external,
		"created_at":        m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash":     m.PreviousHash,
	}
}

func (m *LedgerEntry) GenerateHash() string {
	fields := m.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// GenerateTransactionID is the fallback transaction code used when no
// sequence generator is wired.
func GenerateTransactionID(now time.Time) (string, error) {
	r := make([]byte, 3)
	if _, err := rand.Read(r); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s", now.UTC().Format("20060102"), strings.ToUpper(hex.EncodeToString(r))), nil
}

// Models lists the tables owned by this package.
func Models() []any {
	return []any{&Balance{}, &LedgerEntry{}}
}
