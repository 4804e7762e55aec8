package httpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client wraps resty for HTTP requests to remote panels and APIs.
type Client struct {
	r *resty.Client
}

// New creates a new HTTP client with sensible defaults.
func New() *Client {
	r := resty.New().
		SetTimeout(15 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(TransportFault)

	return &Client{r: r}
}

// WithBaseURL sets the base URL every relative request path is joined to.
func (c *Client) WithBaseURL(u string) *Client {
	c.r.SetBaseURL(u)
	return c
}

// WithTimeout sets a custom timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	if d > 0 {
		c.r.SetTimeout(d)
	}
	return c
}

// WithRetry configures transport-level retries. count is the number of extra
// attempts after the first one; wait and maxWait bound the exponential backoff.
func (c *Client) WithRetry(count int, wait, maxWait time.Duration) *Client {
	if count < 0 {
		count = 0
	}
	c.r.SetRetryCount(count)
	if wait > 0 {
		c.r.SetRetryWaitTime(wait)
	}
	if maxWait > 0 {
		c.r.SetRetryMaxWaitTime(maxWait)
	}
	return c
}

// WithHeader sets a custom header.
func (c *Client) WithHeader(key, value string) *Client {
	c.r.SetHeader(key, value)
	return c
}

// WithInsecureSkipVerify disables TLS verification.
func (c *Client) WithInsecureSkipVerify() *Client {
	c.r.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	return c
}

// ResetCookies drops every cookie held by the client.
func (c *Client) ResetCookies() {
	jar, _ := cookiejar.New(nil)
	c.r.SetCookieJar(jar)
}

// HasCookie reports whether the jar holds at least one cookie for rawURL.
func (c *Client) HasCookie(rawURL string) bool {
	jar := c.r.GetClient().Jar
	if jar == nil {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return len(jar.Cookies(u)) > 0
}

// Request returns a new resty Request for chaining.
func (c *Client) Request(ctx context.Context) *resty.Request {
	return c.r.R().SetContext(ctx)
}

// WithLogger routes resty's own messages (retry attempts, warnings) to l.
// A *zap.SugaredLogger satisfies resty.Logger.
func (c *Client) WithLogger(l resty.Logger) *Client {
	if l != nil {
		c.r.SetLogger(l)
	}
	return c
}

// WithoutRedirects makes 3xx responses final instead of following them.
func (c *Client) WithoutRedirects() *Client {
	c.r.SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}))
	return c
}

type noRetryKey struct{}

// NoRetry marks ctx so that requests sent with it are attempted once even
// when the client has transport retries configured. Callers that must
// inspect remote state before resending a non-idempotent call use it.
func NoRetry(ctx context.Context) context.Context {
	return context.WithValue(ctx, noRetryKey{}, true)
}

func retryDisabled(resp *resty.Response) bool {
	if resp == nil || resp.Request == nil {
		return false
	}
	ctx := resp.Request.Context()
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(noRetryKey{}).(bool)
	return v
}

// TransportFault is a resty retry condition that retries only when the request
// never produced an HTTP response (timeouts, refused or reset connections).
// Any response, whatever its status or body, is final.
func TransportFault(resp *resty.Response, err error) bool {
	if err == nil {
		return false
	}
	if retryDisabled(resp) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return IsTransportError(err)
}

// IsTransportError reports whether err is a network-level failure.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	return errors.Is(err, http.ErrHandlerTimeout)
}
