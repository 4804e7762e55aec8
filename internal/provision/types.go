package provision

import (
	"errors"
	"fmt"
	"strconv"

	"alamor/internal/panel"
)

var (
	// ErrNoResult is returned when a run registered no client that could be
	// rendered into a config. The purchase must not be confirmed.
	ErrNoResult = errors.New("provision: no config produced")

	// ErrUnsupportedProtocol marks inbounds whose protocol has no URI form.
	ErrUnsupportedProtocol = errors.New("unsupported protocol")

	// ErrUnsupportedTransport marks network/security combinations the
	// renderer does not know.
	ErrUnsupportedTransport = errors.New("unsupported transport")
)

// DescriptorError reports an inbound whose stream settings could not be used.
type DescriptorError struct {
	InboundID int
	Err       error
}

func (e *DescriptorError) Error() string {
	return fmt.Sprintf("inbound %d descriptor: %v", e.InboundID, e.Err)
}

func (e *DescriptorError) Unwrap() error { return e.Err }

// TargetKind selects how a TargetSet resolves to inbounds.
type TargetKind string

const (
	TargetServer  TargetKind = "server"
	TargetProfile TargetKind = "profile"
)

// TargetSet is either every active inbound of one server or every inbound
// attached to a profile.
type TargetSet struct {
	Kind TargetKind `json:"kind"`
	ID   uint       `json:"id"`
}

func ServerTargets(serverID uint) TargetSet { return TargetSet{Kind: TargetServer, ID: serverID} }

func ProfileTargets(profileID uint) TargetSet { return TargetSet{Kind: TargetProfile, ID: profileID} }

func (t TargetSet) String() string {
	return fmt.Sprintf("%s:%d", t.Kind, t.ID)
}

// Target is one (server, remote inbound) pair to provision against.
type Target struct {
	ServerID   uint
	ServerName string
	InboundID  int
	Remark     string
}

// Server carries what the engine needs to reach a panel and address its
// configs. Credentials arrive decrypted from the store.
type Server struct {
	ID                     uint
	Name                   string
	PanelURL               string
	Username               string
	Password               string
	PanelType              string
	SubscriptionBaseURL    string
	SubscriptionPathPrefix string
}

// Request is one provisioning run.
type Request struct {
	UserID       int64
	Target       TargetSet
	QuotaGB      float64
	DurationDays int
}

// Identity is the client credential minted once per run and registered on
// every target inbound.
type Identity struct {
	UUID       string `json:"uuid"`
	Email      string `json:"email"`
	SubID      string `json:"sub_id"`
	UserID     int64  `json:"user_id"`
	QuotaBytes int64  `json:"quota_bytes"`
	ExpiryMS   int64  `json:"expiry_ms"`
}

// ClientEmail is the label used on one inbound. Panels require emails to be
// unique across all inbounds, so the inbound id is appended.
func (id Identity) ClientEmail(inboundID int) string {
	return id.Email + "." + strconv.Itoa(inboundID)
}

// ClientSettings builds the add-client payload for one inbound.
func (id Identity) ClientSettings(inboundID int) panel.ClientSettings {
	return panel.ClientSettings{
		ID:         id.UUID,
		Email:      id.ClientEmail(inboundID),
		TotalGB:    id.QuotaBytes,
		ExpiryTime: id.ExpiryMS,
		Enable:     true,
		TgID:       strconv.FormatInt(id.UserID, 10),
		SubID:      id.SubID,
	}
}

// GeneratedConfig is one shareable connection URI.
type GeneratedConfig struct {
	ServerID  uint   `json:"server_id"`
	InboundID int    `json:"inbound_id"`
	Label     string `json:"label"`
	URI       string `json:"uri"`
}

// Orphan is a client that exists on a panel but has no rendered config.
type Orphan struct {
	ServerID   uint   `json:"server_id"`
	ServerName string `json:"server_name"`
	InboundID  int    `json:"inbound_id"`
	Email      string `json:"email"`
	Reason     string `json:"reason"`
}

// Result is the outcome of a run that produced at least one config.
type Result struct {
	SubscriptionID string
	Configs        []GeneratedConfig
	Identity       Identity
	Orphans        []Orphan
}
