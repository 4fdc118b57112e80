package campaign

import (
	"context"
	"errors"
	"time"

	"smallbiznis-billing/pkg/db/option"

	"gorm.io/gorm"
)

// Membership pairs a participant with the campaign it belongs to.
type Membership struct {
	Campaign    Campaign    `json:"campaign"`
	Participant Participant `json:"participant"`
}

// Repository describes the storage operations of the campaign registry. All
// lookups return (nil, nil) when nothing matches.
type Repository interface {
	WithTrx(tx *gorm.DB) Repository
	CreateCampaign(ctx context.Context, c *Campaign) error
	CreateParticipant(ctx context.Context, p *Participant) error
	GetCampaign(ctx context.Context, id string, opts ...option.QueryOption) (*Campaign, error)
	GetParticipant(ctx context.Context, id string, opts ...option.QueryOption) (*Participant, error)
	FindLiveByUserAndMethod(ctx context.Context, userID string, method Method) (*Campaign, error)
	ListParticipants(ctx context.Context, campaignID string) ([]Participant, error)
	ListMemberships(ctx context.Context, userID string) ([]Membership, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]Participant, error)
	UpdateCampaign(ctx context.Context, id string, values map[string]any) error
	UpdateParticipant(ctx context.Context, id string, values map[string]any) error
	UpdateParticipantsByCampaign(ctx context.Context, campaignID string, values map[string]any) error
	DeleteCampaign(ctx context.Context, id string) error
}

type gormRepository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) WithTrx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &gormRepository{db: tx}
}

func (r *gormRepository) CreateCampaign(ctx context.Context, c *Campaign) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}
	return r.db.WithContext(ctx).Omit("Participants").Create(c).Error
}

func (r *gormRepository) CreateParticipant(ctx context.Context, p *Participant) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *gormRepository) GetCampaign(ctx context.Context, id string, opts ...option.QueryOption) (*Campaign, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}
	var c Campaign
	q := option.Apply(r.db.WithContext(ctx).Where("id = ?", id), opts...)
	if err := q.Take(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (r *gormRepository) GetParticipant(ctx context.Context, id string, opts ...option.QueryOption) (*Participant, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}
	var p Participant
	q := option.Apply(r.db.WithContext(ctx).Where("id = ?", id), opts...)
	if err := q.Take(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// FindLiveByUserAndMethod returns the active or paused campaign the user
// participates in for method.
func (r *gormRepository) FindLiveByUserAndMethod(ctx context.Context, userID string, method Method) (*Campaign, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}
	var c Campaign
	err := r.db.WithContext(ctx).
		Model(&Campaign{}).
		Joins("JOIN campaign_participants ON campaign_participants.campaign_id = campaigns.id").
		Where("campaign_participants.user_id = ?", userID).
		Where("campaigns.method = ?", method).
		Where("campaigns.status IN ?", []Status{StatusActive, StatusPaused}).
		Order("campaigns.created_at ASC").
		Take(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (r *gormRepository) ListParticipants(ctx context.Context, campaignID string) ([]Participant, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}
	var out []Participant
	err := r.db.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

func (r *gormRepository) ListMemberships(ctx context.Context, userID string) ([]Membership, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}
	var parts []Participant
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&parts).Error; err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return []Membership{}, nil
	}

	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		ids = append(ids, p.CampaignID)
	}
	var campaigns []Campaign
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&campaigns).Error; err != nil {
		return nil, err
	}
	byID := make(map[string]Campaign, len(campaigns))
	for _, c := range campaigns {
		byID[c.ID] = c
	}

	out := make([]Membership, 0, len(parts))
	for _, p := range parts {
		c, ok := byID[p.CampaignID]
		if !ok {
			continue
		}
		out = append(out, Membership{Campaign: c, Participant: p})
	}
	return out, nil
}

// ListDue returns participants with active billing on active campaigns whose
// next billing date is not after now, oldest first.
func (r *gormRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]Participant, error) {
	if r == nil || r.db == nil {
		return nil, gorm.ErrInvalidDB
	}
	q := r.db.WithContext(ctx).
		Model(&Participant{}).
		Select("campaign_participants.*").
		Joins("JOIN campaigns ON campaigns.id = campaign_participants.campaign_id").
		Where("campaigns.status = ?", StatusActive).
		Where("campaign_participants.billing_status = ?", BillingActive).
		Where("campaign_participants.next_billing_date <= ?", now).
		Order("campaign_participants.next_billing_date ASC").
		Order("campaign_participants.id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []Participant
	err := q.Find(&out).Error
	return out, err
}

func (r *gormRepository) UpdateCampaign(ctx context.Context, id string, values map[string]any) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}
	res := r.db.WithContext(ctx).Model(&Campaign{}).Where("id = ?", id).Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *gormRepository) UpdateParticipant(ctx context.Context, id string, values map[string]any) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}
	res := r.db.WithContext(ctx).Model(&Participant{}).Where("id = ?", id).Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *gormRepository) UpdateParticipantsByCampaign(ctx context.Context, campaignID string, values map[string]any) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}
	return r.db.WithContext(ctx).Model(&Participant{}).Where("campaign_id = ?", campaignID).Updates(values).Error
}

// DeleteCampaign removes the campaign and its participants. Callers wanting
// atomicity pass a transaction through WithTrx.
func (r *gormRepository) DeleteCampaign(ctx context.Context, id string) error {
	if r == nil || r.db == nil {
		return gorm.ErrInvalidDB
	}
	if err := r.db.WithContext(ctx).Where("campaign_id = ?", id).Delete(&Participant{}).Error; err != nil {
		return err
	}
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&Campaign{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
