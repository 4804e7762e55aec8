package panel

import (
	"encoding/json"
	"strings"
)

// Protocols understood by x-ui panels.
const (
	ProtocolVLESS       = "vless"
	ProtocolVMess       = "vmess"
	ProtocolTrojan      = "trojan"
	ProtocolShadowsocks = "shadowsocks"
)

// envelope is the common x-ui response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

// Inbound is a listener configured on the panel. Settings and StreamSettings
// are JSON documents encoded as strings by the panel.
type Inbound struct {
	ID             int             `json:"id"`
	Up             int64           `json:"up"`
	Down           int64           `json:"down"`
	Total          int64           `json:"total"`
	Remark         string          `json:"remark"`
	Enable         bool            `json:"enable"`
	ExpiryTime     int64           `json:"expiryTime"`
	Listen         string          `json:"listen"`
	Port           int             `json:"port"`
	Protocol       string          `json:"protocol"`
	Settings       string          `json:"settings"`
	StreamSettings string          `json:"streamSettings"`
	Tag            string          `json:"tag"`
	ClientStats    []ClientTraffic `json:"clientStats"`
}

// Clients decodes the inbound's client list. A blank or invalid settings
// document yields no clients.
func (i *Inbound) Clients() []ClientSettings {
	if strings.TrimSpace(i.Settings) == "" {
		return nil
	}
	var s struct {
		Clients []ClientSettings `json:"clients"`
	}
	if err := json.Unmarshal([]byte(i.Settings), &s); err != nil {
		return nil
	}
	return s.Clients
}

// HasClientEmail reports whether a client with the given email is registered.
func (i *Inbound) HasClientEmail(email string) bool {
	for _, c := range i.Clients() {
		if strings.EqualFold(c.Email, email) {
			return true
		}
	}
	return false
}

// Stream decodes StreamSettings.
func (i *Inbound) Stream() (*StreamSettings, error) {
	var s StreamSettings
	if err := json.Unmarshal([]byte(i.StreamSettings), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ClientSettings is one entry of an inbound's "clients" array, as sent to
// addClient/updateClient.
type ClientSettings struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Flow       string `json:"flow"`
	TotalGB    int64  `json:"totalGB"`
	ExpiryTime int64  `json:"expiryTime"`
	Enable     bool   `json:"enable"`
	TgID       string `json:"tgId"`
	SubID      string `json:"subId"`
	LimitIP    int    `json:"limitIp"`
	Reset      int    `json:"reset"`
	Comment    string `json:"comment,omitempty"`
}

// UnmarshalJSON accepts tgId as either a string or a number, since panel
// versions disagree.
func (c *ClientSettings) UnmarshalJSON(data []byte) error {
	type alias ClientSettings
	aux := struct {
		*alias
		TgID json.RawMessage `json:"tgId"`
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.TgID = ""
	raw := strings.TrimSpace(string(aux.TgID))
	if raw == "" || raw == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(aux.TgID, &s); err == nil {
		c.TgID = s
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(aux.TgID, &n); err == nil {
		c.TgID = n.String()
	}
	return nil
}

// ClientTraffic is the per-client usage record kept by the panel.
type ClientTraffic struct {
	ID         int    `json:"id"`
	InboundID  int    `json:"inboundId"`
	Enable     bool   `json:"enable"`
	Email      string `json:"email"`
	Up         int64  `json:"up"`
	Down       int64  `json:"down"`
	ExpiryTime int64  `json:"expiryTime"`
	Total      int64  `json:"total"`
	Reset      int    `json:"reset"`
	LastOnline int64  `json:"lastOnline"`
}

// Used returns total transferred bytes.
func (t ClientTraffic) Used() int64 {
	return t.Up + t.Down
}

// StreamSettings is the transport/security descriptor of an inbound.
type StreamSettings struct {
	Network         string           `json:"network"`
	Security        string           `json:"security"`
	TLSSettings     *TLSSettings     `json:"tlsSettings,omitempty"`
	XTLSSettings    *XTLSSettings    `json:"xtlsSettings,omitempty"`
	RealitySettings *RealitySettings `json:"realitySettings,omitempty"`
	TCPSettings     *TCPSettings     `json:"tcpSettings,omitempty"`
	WSSettings      *WSSettings      `json:"wsSettings,omitempty"`
	GRPCSettings    *GRPCSettings    `json:"grpcSettings,omitempty"`
	HTTPSettings    *HTTPSettings    `json:"httpSettings,omitempty"`
}

type TLSSettings struct {
	ServerName  string   `json:"serverName"`
	ALPN        []string `json:"alpn"`
	Fingerprint string   `json:"fingerprint"`
	Settings    struct {
		Fingerprint   string `json:"fingerprint"`
		AllowInsecure bool   `json:"allowInsecure"`
	} `json:"settings"`
}

type XTLSSettings struct {
	ServerName string `json:"serverName"`
	Flow       string `json:"flow"`
}

// RealitySettings covers both the flat layout of older panels and the nested
// "settings" block 3x-ui uses for client-facing values.
type RealitySettings struct {
	ServerNames []string `json:"serverNames"`
	ShortIDs    []string `json:"shortIds"`
	ShortID     string   `json:"shortId"`
	PublicKey   string   `json:"publicKey"`
	Fingerprint string   `json:"fingerprint"`
	SpiderX     string   `json:"spiderX"`
	Settings    struct {
		PublicKey   string `json:"publicKey"`
		Fingerprint string `json:"fingerprint"`
		ServerName  string `json:"serverName"`
		SpiderX     string `json:"spiderX"`
	} `json:"settings"`
}

type TCPSettings struct {
	Header struct {
		Type    string `json:"type"`
		Request struct {
			Path    []string            `json:"path"`
			Headers map[string][]string `json:"headers"`
		} `json:"request"`
	} `json:"header"`
}

type WSSettings struct {
	Path    string            `json:"path"`
	Host    string            `json:"host"`
	Headers map[string]string `json:"headers"`
}

// HostHeader returns the Host header, preferring the explicit field newer
// panels write.
func (w *WSSettings) HostHeader() string {
	if w.Host != "" {
		return w.Host
	}
	for k, v := range w.Headers {
		if strings.EqualFold(k, "host") {
			return v
		}
	}
	return ""
}

type GRPCSettings struct {
	ServiceName string `json:"serviceName"`
	MultiMode   bool   `json:"multiMode"`
}

type HTTPSettings struct {
	Path string   `json:"path"`
	Host []string `json:"host"`
}
