package models

import "time"

// Server maps to the `servers` table. Connection details are encrypted at
// rest through the "encrypted" serializer.
type Server struct {
	ID                     uint       `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name                   string     `gorm:"column:name;size:191;uniqueIndex;not null" json:"name"`
	PanelURL               string     `gorm:"column:panel_url;type:text;serializer:encrypted" json:"panel_url"`
	Username               string     `gorm:"column:username;type:text;serializer:encrypted" json:"-"`
	Password               string     `gorm:"column:password;type:text;serializer:encrypted" json:"-"`
	SubscriptionBaseURL    string     `gorm:"column:subscription_base_url;type:text;serializer:encrypted" json:"subscription_base_url"`
	SubscriptionPathPrefix string     `gorm:"column:subscription_path_prefix;type:text;serializer:encrypted" json:"subscription_path_prefix"`
	PanelType              string     `gorm:"column:panel_type;size:20" json:"panel_type"`
	IsActive               bool       `gorm:"column:is_active" json:"is_active"`
	IsOnline               bool       `gorm:"column:is_online" json:"is_online"`
	LastChecked            *time.Time `gorm:"column:last_checked" json:"last_checked"`
	CreatedAt              time.Time  `gorm:"column:created_at" json:"created_at"`
}

func (Server) TableName() string {
	return "servers"
}

// ServerInbound is a panel inbound activated for sale on a server.
type ServerInbound struct {
	ID        uint   `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ServerID  uint   `gorm:"column:server_id;not null;uniqueIndex:idx_server_inbound" json:"server_id"`
	InboundID int    `gorm:"column:inbound_id;not null;uniqueIndex:idx_server_inbound" json:"inbound_id"`
	Remark    string `gorm:"column:remark;size:255" json:"remark"`
	IsActive  bool   `gorm:"column:is_active" json:"is_active"`
}

func (ServerInbound) TableName() string {
	return "server_inbounds"
}

// Profile is a named bundle of inbounds spanning servers.
type Profile struct {
	ID          uint      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name        string    `gorm:"column:name;size:191;uniqueIndex;not null" json:"name"`
	Description string    `gorm:"column:description;type:text" json:"description"`
	IsActive    bool      `gorm:"column:is_active" json:"is_active"`
	CreatedAt   time.Time `gorm:"column:created_at" json:"created_at"`
}

func (Profile) TableName() string {
	return "profiles"
}

// ProfileInbound links a profile to a server inbound.
type ProfileInbound struct {
	ProfileID       uint `gorm:"column:profile_id;primaryKey;autoIncrement:false" json:"profile_id"`
	ServerInboundID uint `gorm:"column:server_inbound_id;primaryKey;autoIncrement:false" json:"server_inbound_id"`
}

func (ProfileInbound) TableName() string {
	return "profile_inbounds"
}

// InboundRow is a server inbound joined with its server name.
type InboundRow struct {
	ServerInbound
	ServerName string `gorm:"column:server_name" json:"server_name"`
}
