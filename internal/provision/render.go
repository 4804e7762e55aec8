package provision

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"alamor/internal/panel"
)

const defaultXTLSFlow = "xtls-rprx-direct"

// param is one query pair. Order is kept so URIs are stable.
type param struct {
	key   string
	value string
}

type params []param

func (p *params) add(key, value string) {
	if value == "" {
		return
	}
	*p = append(*p, param{key: key, value: value})
}

func (p params) get(key string) string {
	for _, kv := range p {
		if kv.key == key {
			return kv.value
		}
	}
	return ""
}

func (p params) encode() string {
	parts := make([]string, 0, len(p))
	for _, kv := range p {
		parts = append(parts, kv.key+"="+url.QueryEscape(kv.value))
	}
	return strings.Join(parts, "&")
}

// Render builds the vless URI for an identity registered on inbound. The
// address is the host of the server's subscription base URL, falling back to
// the panel URL.
func Render(id Identity, server *Server, in *panel.Inbound, remark string) (GeneratedConfig, error) {
	if in == nil {
		return GeneratedConfig{}, &DescriptorError{Err: errors.New("inbound details missing")}
	}
	if !strings.EqualFold(in.Protocol, panel.ProtocolVLESS) {
		return GeneratedConfig{}, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, in.Protocol)
	}
	if in.Port <= 0 {
		return GeneratedConfig{}, &DescriptorError{InboundID: in.ID, Err: errors.New("missing port")}
	}

	address := ServerAddress(server)
	if address == "" {
		return GeneratedConfig{}, &DescriptorError{InboundID: in.ID, Err: errors.New("server has no public address")}
	}

	stream, err := in.Stream()
	if err != nil {
		return GeneratedConfig{}, &DescriptorError{InboundID: in.ID, Err: err}
	}
	query, err := streamParams(stream, address)
	if err != nil {
		return GeneratedConfig{}, fmt.Errorf("inbound %d: %w", in.ID, err)
	}

	if remark == "" {
		remark = in.Remark
	}
	uri := fmt.Sprintf("%s://%s@%s?%s#%s",
		panel.ProtocolVLESS,
		id.UUID,
		hostPort(address, in.Port),
		query.encode(),
		url.PathEscape(remark),
	)

	return GeneratedConfig{
		ServerID:  server.ID,
		InboundID: in.ID,
		Label:     remark,
		URI:       uri,
	}, nil
}

// ServerAddress returns the public host clients connect to.
func ServerAddress(server *Server) string {
	if server == nil {
		return ""
	}
	if h := hostOf(server.SubscriptionBaseURL); h != "" {
		return h
	}
	return hostOf(server.PanelURL)
}

func hostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "//" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func hostPort(host string, port int) string {
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return host + ":" + strconv.Itoa(port)
}

func streamParams(s *panel.StreamSettings, address string) (params, error) {
	network := strings.ToLower(strings.TrimSpace(s.Network))
	if network == "" {
		network = "tcp"
	}
	security := strings.ToLower(strings.TrimSpace(s.Security))
	if security == "" {
		security = "none"
	}

	transport, err := networkParams(network, s)
	if err != nil {
		return nil, err
	}

	q := params{}
	q.add("type", network)
	q.add("security", security)

	switch security {
	case "none":
	case "reality":
		r := s.RealitySettings
		if r == nil {
			r = &panel.RealitySettings{}
		}
		q.add("fp", firstNonEmpty(r.Settings.Fingerprint, r.Fingerprint))
		q.add("pbk", firstNonEmpty(r.Settings.PublicKey, r.PublicKey))
		q.add("sid", firstNonEmpty(first(r.ShortIDs), r.ShortID))
		q.add("sni", firstNonEmpty(first(r.ServerNames), r.Settings.ServerName))
		q.add("spx", firstNonEmpty(r.Settings.SpiderX, r.SpiderX))
	case "tls":
		var sni, fp, alpn string
		if t := s.TLSSettings; t != nil {
			sni = t.ServerName
			fp = firstNonEmpty(t.Settings.Fingerprint, t.Fingerprint)
			alpn = strings.Join(t.ALPN, ",")
		}
		// WS Host and TLS SNI must match for CDN routing.
		q.add("sni", firstNonEmpty(sni, transport.get("host"), address))
		q.add("fp", fp)
		q.add("alpn", alpn)
	case "xtls":
		var sni, flow string
		if x := s.XTLSSettings; x != nil {
			sni = x.ServerName
			flow = x.Flow
		}
		q.add("flow", firstNonEmpty(flow, defaultXTLSFlow))
		q.add("sni", sni)
	default:
		return nil, fmt.Errorf("%w: security %q", ErrUnsupportedTransport, security)
	}

	return append(q, transport...), nil
}

func networkParams(network string, s *panel.StreamSettings) (params, error) {
	q := params{}
	switch network {
	case "tcp":
		if t := s.TCPSettings; t != nil && t.Header.Type == "http" {
			q.add("headerType", "http")
			q.add("path", first(t.Header.Request.Path))
			q.add("host", headerValue(t.Header.Request.Headers, "Host"))
		}
	case "ws":
		if w := s.WSSettings; w != nil {
			q.add("path", w.Path)
			q.add("host", w.HostHeader())
		}
	case "grpc":
		if g := s.GRPCSettings; g != nil {
			q.add("serviceName", g.ServiceName)
			if g.MultiMode {
				q.add("mode", "multi")
			}
		}
	case "http", "h2":
		if h := s.HTTPSettings; h != nil {
			q.add("path", h.Path)
			q.add("host", strings.Join(h.Host, ","))
		}
	default:
		return nil, fmt.Errorf("%w: network %q", ErrUnsupportedTransport, network)
	}
	return q, nil
}

func headerValue(headers map[string][]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return first(v)
		}
	}
	return ""
}

func first(values []string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// SubscriptionURL is the link handed to users for a run's subscription token.
func SubscriptionURL(server *Server, token string) string {
	base := strings.TrimRight(strings.TrimSpace(server.SubscriptionBaseURL), "/")
	prefix := strings.Trim(strings.TrimSpace(server.SubscriptionPathPrefix), "/")
	if prefix == "" {
		return base + "/" + token
	}
	return base + "/" + prefix + "/" + token
}
