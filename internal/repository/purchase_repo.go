package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"alamor/internal/models"
)

// PurchaseRepository handles purchase database operations.
type PurchaseRepository struct {
	db *gorm.DB
}

func NewPurchaseRepository(db *gorm.DB) *PurchaseRepository {
	return &PurchaseRepository{db: db}
}

// Create creates a new purchase.
func (r *PurchaseRepository) Create(ctx context.Context, p *models.Purchase) error {
	return r.db.WithContext(ctx).Create(p).Error
}

// FindByID returns a purchase by ID.
func (r *PurchaseRepository) FindByID(ctx context.Context, id uint) (*models.Purchase, error) {
	var p models.Purchase
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// FindBySubscriptionID returns the purchase behind a subscription token.
func (r *PurchaseRepository) FindBySubscriptionID(ctx context.Context, token string) (*models.Purchase, error) {
	var p models.Purchase
	if err := r.db.WithContext(ctx).Where("subscription_id = ?", token).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// FindByPaymentRef returns the purchase created for a payment.
func (r *PurchaseRepository) FindByPaymentRef(ctx context.Context, ref string) (*models.Purchase, error) {
	var p models.Purchase
	if err := r.db.WithContext(ctx).Where("payment_ref = ?", ref).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// FindByUser returns a user's purchases, newest first.
func (r *PurchaseRepository) FindByUser(ctx context.Context, userID int64) ([]models.Purchase, error) {
	var purchases []models.Purchase
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("id DESC").Find(&purchases).Error
	return purchases, err
}

// DeactivateExpired marks active purchases whose expire_date has passed and
// returns how many changed.
func (r *PurchaseRepository) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.Purchase{}).
		Where("is_active = ? AND expire_date IS NOT NULL AND expire_date <= ?", true, now).
		Update("is_active", false)
	return res.RowsAffected, res.Error
}

// Deactivate marks one purchase inactive.
func (r *PurchaseRepository) Deactivate(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&models.Purchase{}).Where("id = ?", id).
		Update("is_active", false).Error
}

// UpdateLimits stores new expiry and volume after a renewal and reactivates
// the purchase.
func (r *PurchaseRepository) UpdateLimits(ctx context.Context, id uint, expire *time.Time, volumeGB float64) error {
	return r.db.WithContext(ctx).Model(&models.Purchase{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"expire_date":       expire,
			"initial_volume_gb": volumeGB,
			"is_active":         true,
		}).Error
}
