package models

import "time"

const (
	// PlanFixedMonthly sells a fixed volume for a fixed number of days.
	PlanFixedMonthly = "fixed_monthly"
	// PlanGigabyteBased sells the volume the buyer asks for at a per-GB
	// price; the plan only fixes the duration.
	PlanGigabyteBased = "gigabyte_based"
)

// Plan maps to the `plans` table.
type Plan struct {
	ID           uint    `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name         string  `gorm:"column:name;size:191;uniqueIndex;not null" json:"name"`
	PlanType     string  `gorm:"column:plan_type;size:20;not null" json:"plan_type"`
	VolumeGB     float64 `gorm:"column:volume_gb" json:"volume_gb"`
	DurationDays int     `gorm:"column:duration_days" json:"duration_days"`
	Price        float64 `gorm:"column:price" json:"price"`
	PerGBPrice   float64 `gorm:"column:per_gb_price" json:"per_gb_price"`
	IsActive     bool    `gorm:"column:is_active;index" json:"is_active"`
}

func (Plan) TableName() string {
	return "plans"
}

// FreeTrialUsage records that a user took the free test. Claims survives a
// reset so every claim gets its own payment reference.
type FreeTrialUsage struct {
	UserID int64      `gorm:"column:user_id;primaryKey;autoIncrement:false" json:"user_id"`
	Claims int        `gorm:"column:claims;not null;default:0" json:"claims"`
	UsedAt *time.Time `gorm:"column:usage_timestamp" json:"usage_timestamp,omitempty"`
}

func (FreeTrialUsage) TableName() string {
	return "free_test_usage"
}

// Used reports whether the free test is currently taken.
func (u *FreeTrialUsage) Used() bool {
	return u != nil && u.UsedAt != nil
}
