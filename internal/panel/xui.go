package panel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"alamor/internal/pkg/httpclient"
)

const (
	TypeXUI     = "xui"
	TypeAlireza = "alireza"

	bodyLogLimit = 200
)

// Paths locates the panel endpoints. Panel forks disagree on the API prefix
// and on casing, so every path is configurable.
type Paths struct {
	Login    string
	Inbounds string // prefix of every inbound/client endpoint
	List     string
}

// XUIPaths returns the 3x-ui / x-ui (MHSanaei) layout.
func XUIPaths() Paths {
	return Paths{Login: "/login", Inbounds: "/panel/api/inbounds", List: "/panel/api/inbounds/list"}
}

// AlirezaPaths returns the alireza0 x-ui layout.
func AlirezaPaths() Paths {
	return Paths{Login: "/login", Inbounds: "/xui/API/inbounds", List: "/xui/API/inbounds/"}
}

// PathsFor maps a stored panel type to its endpoint layout.
func PathsFor(panelType string) Paths {
	switch strings.ToLower(strings.TrimSpace(panelType)) {
	case TypeAlireza, "alireza_single":
		return AlirezaPaths()
	default:
		return XUIPaths()
	}
}

// Options configures a Client.
type Options struct {
	BaseURL            string
	Username           string
	Password           string
	Paths              Paths
	Timeout            time.Duration
	RetryCount         int
	RetryWait          time.Duration
	RetryMaxWait       time.Duration
	InsecureSkipVerify bool
}

// Client talks to one x-ui panel. It owns its session cookie and is not safe
// for concurrent use; build one per server per provisioning run.
type Client struct {
	baseURL  string
	username string
	password string
	paths    Paths
	http     *httpclient.Client
	logger   *zap.Logger
	loggedIn bool

	retryCount   int
	retryWait    time.Duration
	retryMaxWait time.Duration
}

// New builds a panel client. Nothing is sent until the first call.
func New(opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Paths.Login == "" {
		opts.Paths = XUIPaths()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RetryCount < 0 {
		opts.RetryCount = 0
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = time.Second
	}
	if opts.RetryMaxWait < opts.RetryWait {
		opts.RetryMaxWait = 5 * opts.RetryWait
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	logger = logger.With(zap.String("panel", baseURL))

	// Panels answer an expired session with a redirect to the login page
	// unless the request looks like an ajax call, so redirects are never
	// followed and the header is always sent.
	hc := httpclient.New().
		WithBaseURL(baseURL).
		WithTimeout(opts.Timeout).
		WithRetry(opts.RetryCount, opts.RetryWait, opts.RetryMaxWait).
		WithLogger(logger.Sugar()).
		WithoutRedirects().
		WithHeader("Accept", "application/json").
		WithHeader("X-Requested-With", "XMLHttpRequest")
	if opts.InsecureSkipVerify {
		hc.WithInsecureSkipVerify()
	}

	return &Client{
		baseURL:      baseURL,
		username:     strings.TrimSpace(opts.Username),
		password:     opts.Password,
		paths:        opts.Paths,
		http:         hc,
		logger:       logger,
		retryCount:   opts.RetryCount,
		retryWait:    opts.RetryWait,
		retryMaxWait: opts.RetryMaxWait,
	}
}

// LoggedIn reports whether the client currently holds a session.
func (c *Client) LoggedIn() bool { return c.loggedIn }

// Login discards any previous session and authenticates again. It succeeds
// only when the panel reports success and hands out a session cookie.
func (c *Client) Login(ctx context.Context) error {
	c.clearSession()

	resp, err := c.http.Request(ctx).
		SetFormData(map[string]string{
			"username": c.username,
			"password": c.password,
		}).
		Post(c.paths.Login)
	if err != nil {
		return c.fail(&Error{Kind: KindTransport, Endpoint: c.paths.Login, Err: err}, nil)
	}
	if resp.StatusCode() != http.StatusOK {
		return c.fail(&Error{Kind: KindAuth, Endpoint: c.paths.Login, Status: resp.StatusCode()}, resp.Body())
	}
	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return c.fail(&Error{Kind: KindMalformed, Endpoint: c.paths.Login, Status: resp.StatusCode(), Err: err}, resp.Body())
	}
	if !env.Success {
		return c.fail(&Error{Kind: KindAuth, Endpoint: c.paths.Login, Status: resp.StatusCode(), Msg: env.Msg}, nil)
	}
	if !c.http.HasCookie(c.baseURL + c.paths.Login) {
		return c.fail(&Error{Kind: KindAuth, Endpoint: c.paths.Login, Status: resp.StatusCode(), Msg: "no session cookie"}, nil)
	}

	c.loggedIn = true
	c.logger.Debug("Logged in to panel")
	return nil
}

func (c *Client) clearSession() {
	c.loggedIn = false
	c.http.ResetCookies()
}

// call describes one panel request.
type call struct {
	method string
	path   string
	body   interface{}

	// noRelogin marks calls issued from inside a replay guard; they must not
	// start another login round.
	noRelogin bool

	// noTransportRetry sends the request once; the caller decides whether
	// a lost response may be resent.
	noTransportRetry bool

	// beforeReplay runs after a re-login and before the request is sent a
	// second time. Returning true means the first attempt already took effect
	// on the panel and the replay is skipped.
	beforeReplay func(ctx context.Context) bool
}

// do is the request primitive every operation goes through: lazy login,
// transport retries (inside resty), a single re-login and replay when the
// session is rejected, then envelope decoding.
func (c *Client) do(ctx context.Context, cl call) (json.RawMessage, error) {
	fresh := false
	if !c.loggedIn {
		if cl.noRelogin {
			return nil, c.fail(&Error{Kind: KindAuth, Endpoint: cl.path, Msg: "not logged in"}, nil)
		}
		if err := c.Login(ctx); err != nil {
			return nil, err
		}
		fresh = true
	}

	resp, err := c.send(ctx, cl)
	if err != nil {
		return nil, err
	}

	if authRejected(resp, !fresh) {
		c.clearSession()
		if cl.noRelogin {
			return nil, c.fail(&Error{Kind: KindAuth, Endpoint: cl.path, Status: resp.StatusCode()}, resp.Body())
		}
		c.logger.Warn("Panel session rejected, logging in again",
			zap.String("endpoint", cl.path), zap.Int("status", resp.StatusCode()))
		if err := c.Login(ctx); err != nil {
			return nil, err
		}
		if cl.beforeReplay != nil && cl.beforeReplay(ctx) {
			c.logger.Info("Skipping replay, first attempt already applied", zap.String("endpoint", cl.path))
			return nil, nil
		}
		resp, err = c.send(ctx, cl)
		if err != nil {
			return nil, err
		}
		if authRejected(resp, false) {
			c.clearSession()
			return nil, c.fail(&Error{Kind: KindAuth, Endpoint: cl.path, Status: resp.StatusCode(), Msg: "rejected after re-login"}, resp.Body())
		}
	}

	return c.decode(cl.path, resp)
}

func (c *Client) send(ctx context.Context, cl call) (*resty.Response, error) {
	if cl.noTransportRetry {
		ctx = httpclient.NoRetry(ctx)
	}
	req := c.http.Request(ctx)
	if cl.body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(cl.body)
	}
	resp, err := req.Execute(cl.method, cl.path)
	if err != nil {
		return nil, c.fail(&Error{Kind: KindTransport, Endpoint: cl.path, Err: err}, nil)
	}
	return resp, nil
}

func (c *Client) decode(path string, resp *resty.Response) (json.RawMessage, error) {
	body := resp.Body()
	status := resp.StatusCode()
	if status < 200 || status >= 300 {
		return nil, c.fail(&Error{Kind: KindStatus, Endpoint: path, Status: status}, body)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, c.fail(&Error{Kind: KindMalformed, Endpoint: path, Status: status, Msg: "empty body"}, nil)
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, c.fail(&Error{Kind: KindMalformed, Endpoint: path, Status: status, Err: err}, body)
	}
	if !env.Success {
		return nil, c.fail(&Error{Kind: KindRejected, Endpoint: path, Status: status, Msg: env.Msg}, nil)
	}
	return env.Obj, nil
}

func (c *Client) fail(e *Error, body []byte) error {
	fields := []zap.Field{
		zap.String("endpoint", e.Endpoint),
		zap.String("kind", e.Kind.String()),
	}
	if e.Status != 0 {
		fields = append(fields, zap.Int("status", e.Status))
	}
	if e.Msg != "" {
		fields = append(fields, zap.String("msg", e.Msg))
	}
	if len(body) > 0 {
		fields = append(fields, zap.String("body", truncate(body, bodyLogLimit)))
	}
	if e.Err != nil {
		fields = append(fields, zap.Error(e.Err))
	}
	c.logger.Warn("Panel request failed", fields...)
	return e
}

// authRejected reports whether the panel refused the session: a 401 or 403,
// a redirect to the login page, or a login-required message in an otherwise
// valid envelope. Some forks hide their API behind a JSON 404 for requests
// without a session; such a 404 counts only when the session was reused
// (stale), since a fresh session cannot have expired yet.
func authRejected(resp *resty.Response, stale bool) bool {
	status := resp.StatusCode()
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return true
	case status >= 300 && status < 400:
		return true
	}
	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil || env.Success {
		return false
	}
	if stale && status == http.StatusNotFound {
		return true
	}
	return loginRequired(env.Msg)
}

func loginRequired(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "login") || strings.Contains(m, "unauthorized")
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func (c *Client) inboundPath(format string, args ...interface{}) string {
	return c.paths.Inbounds + fmt.Sprintf(format, args...)
}

// ListInbounds returns every inbound on the panel.
func (c *Client) ListInbounds(ctx context.Context) ([]Inbound, error) {
	obj, err := c.do(ctx, call{method: http.MethodGet, path: c.paths.List})
	if err != nil {
		return nil, err
	}
	return decodeInbounds(c.paths.List, obj)
}

func decodeInbounds(path string, obj json.RawMessage) ([]Inbound, error) {
	inbounds := []Inbound{}
	if isNull(obj) {
		return inbounds, nil
	}
	if err := json.Unmarshal(obj, &inbounds); err != nil {
		return nil, &Error{Kind: KindMalformed, Endpoint: path, Err: err}
	}
	return inbounds, nil
}

// GetInbound fetches one inbound. Panels without the single-fetch endpoint
// (404/405 or a non-JSON page) are served by scanning the full list.
func (c *Client) GetInbound(ctx context.Context, id int) (*Inbound, error) {
	path := c.inboundPath("/get/%d", id)
	obj, err := c.do(ctx, call{method: http.MethodGet, path: path})
	if err == nil {
		if isNull(obj) {
			return nil, &Error{Kind: KindRejected, Endpoint: path, Msg: fmt.Sprintf("inbound %d not found", id)}
		}
		var in Inbound
		if uErr := json.Unmarshal(obj, &in); uErr != nil {
			return nil, &Error{Kind: KindMalformed, Endpoint: path, Err: uErr}
		}
		return &in, nil
	}
	if !singleFetchUnsupported(err) {
		return nil, err
	}

	c.logger.Debug("Single inbound fetch unsupported, scanning list", zap.Int("inbound_id", id))
	inbounds, err := c.ListInbounds(ctx)
	if err != nil {
		return nil, err
	}
	for i := range inbounds {
		if inbounds[i].ID == id {
			return &inbounds[i], nil
		}
	}
	return nil, &Error{Kind: KindRejected, Endpoint: c.paths.List, Msg: fmt.Sprintf("inbound %d not found", id)}
}

func singleFetchUnsupported(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.Kind {
	case KindMalformed:
		return true
	case KindStatus:
		return pe.Status == http.StatusNotFound || pe.Status == http.StatusMethodNotAllowed
	}
	return false
}

func settingsPayload(inboundID int, cs ClientSettings) (map[string]interface{}, error) {
	settings, err := json.Marshal(map[string]interface{}{
		"clients": []ClientSettings{cs},
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"id":       inboundID,
		"settings": string(settings),
	}, nil
}

// AddClient registers a client on an inbound. The panel does not deduplicate
// this call, so before any resend (after a re-login or a lost response) the
// inbound is checked for the client's email first.
func (c *Client) AddClient(ctx context.Context, inboundID int, cs ClientSettings) error {
	path := c.paths.Inbounds + "/addClient"
	payload, err := settingsPayload(inboundID, cs)
	if err != nil {
		return &Error{Kind: KindMalformed, Endpoint: path, Err: err}
	}
	registered := func(ctx context.Context) bool {
		return c.clientRegistered(ctx, inboundID, cs.Email)
	}
	cl := call{
		method:           http.MethodPost,
		path:             path,
		body:             payload,
		noTransportRetry: true,
		beforeReplay:     registered,
	}

	for attempt := 0; ; attempt++ {
		_, err = c.do(ctx, cl)
		if err == nil {
			return nil
		}
		// A resend refused as a duplicate means an earlier attempt landed.
		if attempt > 0 && KindOf(err) == KindRejected && registered(ctx) {
			c.logger.Info("Client registered by an earlier attempt", zap.String("email", cs.Email))
			return nil
		}
		if KindOf(err) != KindTransport || attempt >= c.retryCount {
			return err
		}
		if wErr := c.wait(ctx, attempt); wErr != nil {
			return err
		}
		if registered(ctx) {
			c.logger.Info("Skipping resend, client already registered",
				zap.String("email", cs.Email), zap.Int("attempt", attempt+1))
			return nil
		}
	}
}

// wait sleeps before resend attempt+1 using the same capped exponential
// backoff as the transport retries.
func (c *Client) wait(ctx context.Context, attempt int) error {
	d := c.retryWait
	for i := 0; i < attempt && d < c.retryMaxWait; i++ {
		d *= 2
	}
	if d > c.retryMaxWait {
		d = c.retryMaxWait
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// clientRegistered is the replay guard for AddClient. It never logs in.
func (c *Client) clientRegistered(ctx context.Context, inboundID int, email string) bool {
	obj, err := c.do(ctx, call{method: http.MethodGet, path: c.paths.List, noRelogin: true})
	if err != nil {
		return false
	}
	inbounds, err := decodeInbounds(c.paths.List, obj)
	if err != nil {
		return false
	}
	for i := range inbounds {
		if inbounds[i].ID == inboundID {
			return inbounds[i].HasClientEmail(email)
		}
	}
	return false
}

// UpdateClient replaces the settings of the client identified by clientID.
func (c *Client) UpdateClient(ctx context.Context, inboundID int, clientID string, cs ClientSettings) error {
	path := c.inboundPath("/updateClient/%s", url.PathEscape(clientID))
	payload, err := settingsPayload(inboundID, cs)
	if err != nil {
		return &Error{Kind: KindMalformed, Endpoint: path, Err: err}
	}
	_, err = c.do(ctx, call{method: http.MethodPost, path: path, body: payload})
	return err
}

// DeleteClient removes a client from an inbound.
func (c *Client) DeleteClient(ctx context.Context, inboundID int, clientID string) error {
	_, err := c.do(ctx, call{method: http.MethodPost, path: c.inboundPath("/%d/delClient/%s", inboundID, url.PathEscape(clientID))})
	return err
}

// ResetClientTraffic zeroes one client's usage counters.
func (c *Client) ResetClientTraffic(ctx context.Context, inboundID int, email string) error {
	_, err := c.do(ctx, call{method: http.MethodPost, path: c.inboundPath("/%d/resetClientTraffic/%s", inboundID, url.PathEscape(email))})
	return err
}

// ResetAllClientTraffics zeroes the usage of every client on one inbound.
func (c *Client) ResetAllClientTraffics(ctx context.Context, inboundID int) error {
	_, err := c.do(ctx, call{method: http.MethodPost, path: c.inboundPath("/resetAllClientTraffics/%d", inboundID)})
	return err
}

// ResetAllTraffics zeroes the usage of every inbound on the panel.
func (c *Client) ResetAllTraffics(ctx context.Context) error {
	_, err := c.do(ctx, call{method: http.MethodPost, path: c.paths.Inbounds + "/resetAllTraffics"})
	return err
}

// DeleteDepletedClients removes clients that ran out of traffic or time.
// An inboundID of -1 covers every inbound.
func (c *Client) DeleteDepletedClients(ctx context.Context, inboundID int) error {
	_, err := c.do(ctx, call{method: http.MethodPost, path: c.inboundPath("/delDepletedClients/%d", inboundID)})
	return err
}

// ClientIPs returns the source addresses the panel recorded for a client.
func (c *Client) ClientIPs(ctx context.Context, email string) ([]string, error) {
	obj, err := c.do(ctx, call{method: http.MethodPost, path: c.inboundPath("/clientIps/%s", url.PathEscape(email))})
	if err != nil {
		return nil, err
	}
	return parseIPs(obj), nil
}

// parseIPs handles the shapes panels use for recorded IPs: a JSON array, a
// string holding a JSON array, a newline separated string, or the
// "No IP Record" placeholder.
func parseIPs(obj json.RawMessage) []string {
	ips := []string{}
	if isNull(obj) {
		return ips
	}
	if err := json.Unmarshal(obj, &ips); err == nil {
		return ips
	}
	var s string
	if err := json.Unmarshal(obj, &s); err != nil {
		return ips
	}
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "No IP Record") {
		return ips
	}
	if err := json.Unmarshal([]byte(s), &ips); err == nil {
		return ips
	}
	ips = ips[:0]
	for _, line := range strings.FieldsFunc(s, func(r rune) bool { return r == '\n' || r == ',' }) {
		if line = strings.TrimSpace(line); line != "" {
			ips = append(ips, line)
		}
	}
	return ips
}

// ClearClientIPs forgets the recorded IPs of a client.
func (c *Client) ClearClientIPs(ctx context.Context, email string) error {
	_, err := c.do(ctx, call{method: http.MethodPost, path: c.inboundPath("/clearClientIps/%s", url.PathEscape(email))})
	return err
}

// OnlineClients returns the emails of currently connected clients.
func (c *Client) OnlineClients(ctx context.Context) ([]string, error) {
	path := c.paths.Inbounds + "/onlines"
	obj, err := c.do(ctx, call{method: http.MethodPost, path: path})
	if err != nil {
		return nil, err
	}
	emails := []string{}
	if isNull(obj) {
		return emails, nil
	}
	if err := json.Unmarshal(obj, &emails); err != nil {
		return nil, &Error{Kind: KindMalformed, Endpoint: path, Err: err}
	}
	return emails, nil
}

// ClientTraffic returns the usage record of a client. Panels that lack the
// per-client endpoint are served from the inbound list's clientStats.
func (c *Client) ClientTraffic(ctx context.Context, email string) (*ClientTraffic, error) {
	path := c.inboundPath("/getClientTraffics/%s", url.PathEscape(email))
	obj, err := c.do(ctx, call{method: http.MethodGet, path: path})
	if err == nil {
		if isNull(obj) {
			return nil, &Error{Kind: KindRejected, Endpoint: path, Msg: "client not found"}
		}
		var t ClientTraffic
		if uErr := json.Unmarshal(obj, &t); uErr != nil {
			return nil, &Error{Kind: KindMalformed, Endpoint: path, Err: uErr}
		}
		return &t, nil
	}
	if !singleFetchUnsupported(err) {
		return nil, err
	}

	inbounds, err := c.ListInbounds(ctx)
	if err != nil {
		return nil, err
	}
	for _, in := range inbounds {
		for _, st := range in.ClientStats {
			if strings.EqualFold(st.Email, email) {
				st := st
				return &st, nil
			}
		}
	}
	return nil, &Error{Kind: KindRejected, Endpoint: c.paths.List, Msg: "client not found"}
}

func isNull(obj json.RawMessage) bool {
	s := strings.TrimSpace(string(obj))
	return s == "" || s == "null"
}
