package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"alamor/internal/models"
)

// PlanRepository handles plan database operations.
type PlanRepository struct {
	db *gorm.DB
}

func NewPlanRepository(db *gorm.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

// Create creates a new plan.
func (r *PlanRepository) Create(ctx context.Context, plan *models.Plan) error {
	return r.db.WithContext(ctx).Create(plan).Error
}

// FindByID returns a plan by ID.
func (r *PlanRepository) FindByID(ctx context.Context, id uint) (*models.Plan, error) {
	var plan models.Plan
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&plan).Error; err != nil {
		return nil, err
	}
	return &plan, nil
}

// FindAll returns plans ordered by price, cheapest first.
func (r *PlanRepository) FindAll(ctx context.Context, onlyActive bool) ([]models.Plan, error) {
	var plans []models.Plan
	db := r.db.WithContext(ctx)
	if onlyActive {
		db = db.Where("is_active = ?", true)
	}
	err := db.Order("price, id").Find(&plans).Error
	return plans, err
}

// SetActive enables or disables a plan for sale.
func (r *PlanRepository) SetActive(ctx context.Context, id uint, active bool) error {
	return r.db.WithContext(ctx).Model(&models.Plan{}).Where("id = ?", id).
		Update("is_active", active).Error
}

// TrialRepository tracks who took the free test.
type TrialRepository struct {
	db *gorm.DB
}

func NewTrialRepository(db *gorm.DB) *TrialRepository {
	return &TrialRepository{db: db}
}

// Find returns the usage record of a user. A user who never claimed gets an
// empty record.
func (r *TrialRepository) Find(ctx context.Context, userID int64) (*models.FreeTrialUsage, error) {
	var u models.FreeTrialUsage
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.FreeTrialUsage{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Record marks the free test as taken, storing the claim counter.
func (r *TrialRepository) Record(ctx context.Context, userID int64, claims int, at time.Time) error {
	u := models.FreeTrialUsage{UserID: userID, Claims: claims, UsedAt: &at}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"claims", "usage_timestamp"}),
	}).Create(&u).Error
}

// Reset lets the user take the free test again.
func (r *TrialRepository) Reset(ctx context.Context, userID int64) error {
	return r.db.WithContext(ctx).Model(&models.FreeTrialUsage{}).Where("user_id = ?", userID).
		Update("usage_timestamp", nil).Error
}
