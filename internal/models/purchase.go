package models

import "time"

const (
	PurchaseTypeServer  = "server"
	PurchaseTypeProfile = "profile"
)

// Purchase maps to the `purchases` table: one provisioning run delivered to a
// user.
type Purchase struct {
	ID              uint       `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UserID          int64      `gorm:"column:user_id;index;not null" json:"user_id"`
	PurchaseType    string     `gorm:"column:purchase_type;size:20;not null" json:"purchase_type"`
	ServerID        *uint      `gorm:"column:server_id" json:"server_id,omitempty"`
	ProfileID       *uint      `gorm:"column:profile_id" json:"profile_id,omitempty"`
	PlanID          *uint      `gorm:"column:plan_id;index" json:"plan_id,omitempty"`
	PaymentRef      string     `gorm:"column:payment_ref;size:191;uniqueIndex;not null" json:"payment_ref"`
	PurchaseDate    time.Time  `gorm:"column:purchase_date" json:"purchase_date"`
	ExpireDate      *time.Time `gorm:"column:expire_date;index" json:"expire_date,omitempty"`
	InitialVolumeGB float64    `gorm:"column:initial_volume_gb" json:"initial_volume_gb"`
	SubscriptionID  string     `gorm:"column:subscription_id;size:64;uniqueIndex;not null" json:"subscription_id"`
	ClientUUID      string     `gorm:"column:client_uuid;size:64" json:"client_uuid"`
	ClientEmail     string     `gorm:"column:client_email;size:191" json:"client_email"`
	SubID           string     `gorm:"column:sub_id;size:64" json:"sub_id"`
	FullConfigsJSON string     `gorm:"column:full_configs_json;type:text" json:"-"`
	OrphansJSON     string     `gorm:"column:orphans_json;type:text" json:"-"`
	IsActive        bool       `gorm:"column:is_active;index" json:"is_active"`
}

func (Purchase) TableName() string {
	return "purchases"
}

// Expired reports whether the purchase has an expiry date at or before now.
func (p *Purchase) Expired(now time.Time) bool {
	return p.ExpireDate != nil && !p.ExpireDate.After(now)
}
