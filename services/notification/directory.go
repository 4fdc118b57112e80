package notification

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// Recipient is the contact data of a user.
type Recipient struct {
	UserID   string `gorm:"column:user_id;primaryKey"`
	Email    string `gorm:"column:email"`
	FullName string `gorm:"column:full_name"`
}

func (Recipient) TableName() string { return "user_profiles" }

// UserDirectory resolves user ids to contact data. Lookup returns (nil, nil)
// for unknown users.
type UserDirectory interface {
	Lookup(ctx context.Context, userID string) (*Recipient, error)
}

type gormDirectory struct {
	db *gorm.DB
}

func NewUserDirectory(db *gorm.DB) UserDirectory {
	return &gormDirectory{db: db}
}

func (d *gormDirectory) Lookup(ctx context.Context, userID string) (*Recipient, error) {
	var r Recipient
	if err := d.db.WithContext(ctx).Where("user_id = ?", userID).Take(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

func Models() []any {
	return []any{&Recipient{}}
}
