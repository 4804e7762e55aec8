package models

// APIResponse is the standard response envelope.
type APIResponse struct {
	Status bool        `json:"status"`
	Msg    string      `json:"msg"`
	Obj    interface{} `json:"obj"`
}

// ProvisionRequest approves a paid order and provisions it.
type ProvisionRequest struct {
	PaymentRef   string  `json:"payment_ref"`
	UserID       int64   `json:"user_id"`
	ServerID     uint    `json:"server_id,omitempty"`
	ProfileID    uint    `json:"profile_id,omitempty"`
	PlanID       uint    `json:"plan_id,omitempty"`
	VolumeGB     float64 `json:"volume_gb"`
	DurationDays int     `json:"duration_days"`
}

// FreeTestRequest claims the free test account.
type FreeTestRequest struct {
	UserID    int64 `json:"user_id"`
	ServerID  uint  `json:"server_id,omitempty"`
	ProfileID uint  `json:"profile_id,omitempty"`
}

// PlanRequest creates a plan.
type PlanRequest struct {
	Name         string  `json:"name"`
	PlanType     string  `json:"plan_type"`
	VolumeGB     float64 `json:"volume_gb"`
	DurationDays int     `json:"duration_days"`
	Price        float64 `json:"price"`
	PerGBPrice   float64 `json:"per_gb_price"`
}

// RenewRequest extends a purchase.
type RenewRequest struct {
	ExtraGB   float64 `json:"extra_gb"`
	ExtraDays int     `json:"extra_days"`
}

// ServerRequest registers a panel server.
type ServerRequest struct {
	Name                   string `json:"name"`
	PanelURL               string `json:"panel_url"`
	Username               string `json:"username"`
	Password               string `json:"password"`
	PanelType              string `json:"panel_type"`
	SubscriptionBaseURL    string `json:"subscription_base_url"`
	SubscriptionPathPrefix string `json:"subscription_path_prefix"`
}

// InboundSelection is one panel inbound chosen for sale.
type InboundSelection struct {
	InboundID int    `json:"inbound_id"`
	Remark    string `json:"remark"`
}

// SelectInboundsRequest replaces the inbounds sold on a server.
type SelectInboundsRequest struct {
	Inbounds []InboundSelection `json:"inbounds"`
}

// ProfileRequest creates a profile.
type ProfileRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ProfileInboundsRequest replaces the server inbounds of a profile.
type ProfileInboundsRequest struct {
	ServerInboundIDs []uint `json:"server_inbound_ids"`
}

// ActiveRequest toggles a flag.
type ActiveRequest struct {
	Active bool `json:"active"`
}
