package panel_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"alamor/internal/panel"
	"alamor/internal/panel/paneltest"
)

func newPanel(t *testing.T) *paneltest.Server {
	t.Helper()
	srv := paneltest.New()
	t.Cleanup(srv.Close)
	srv.AddInbound(panel.Inbound{
		ID: 1, Remark: "de-reality", Enable: true, Port: 443, Protocol: panel.ProtocolVLESS,
		StreamSettings: `{"network":"tcp","security":"reality","realitySettings":{"serverNames":["www.example.com"],"shortIds":["ab12"],"settings":{"publicKey":"PBK","fingerprint":"chrome"}}}`,
	})
	srv.AddInbound(panel.Inbound{
		ID: 2, Remark: "de-ws", Enable: true, Port: 8443, Protocol: panel.ProtocolVLESS,
		StreamSettings: `{"network":"ws","security":"tls","wsSettings":{"path":"/ws","headers":{"Host":"cdn.example.com"}}}`,
	})
	return srv
}

func newClient(srv *paneltest.Server, retries int) *panel.Client {
	return panel.New(panel.Options{
		BaseURL:      srv.URL,
		Username:     srv.Username,
		Password:     srv.Password,
		Timeout:      2 * time.Second,
		RetryCount:   retries,
		RetryWait:    time.Millisecond,
		RetryMaxWait: 5 * time.Millisecond,
	}, nil)
}

func TestLogin(t *testing.T) {
	srv := newPanel(t)
	c := newClient(srv, 0)

	require.NoError(t, c.Login(context.Background()))
	assert.True(t, c.LoggedIn())
	assert.Equal(t, 1, srv.Hits(paneltest.OpLogin))
}

func TestLoginBadCredentials(t *testing.T) {
	srv := newPanel(t)
	srv.FailLogin()
	c := newClient(srv, 0)

	err := c.Login(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, panel.ErrUnavailable))
	assert.Equal(t, panel.KindAuth, panel.KindOf(err))
	assert.False(t, c.LoggedIn())
}

func TestLoginWithoutSessionCookie(t *testing.T) {
	srv := newPanel(t)
	srv.OmitCookie()
	c := newClient(srv, 0)

	err := c.Login(context.Background())
	require.Error(t, err)
	assert.Equal(t, panel.KindAuth, panel.KindOf(err))
}

func TestLazyLogin(t *testing.T) {
	srv := newPanel(t)
	c := newClient(srv, 0)

	inbounds, err := c.ListInbounds(context.Background())
	require.NoError(t, err)
	assert.Len(t, inbounds, 2)
	assert.Equal(t, 1, srv.Hits(paneltest.OpLogin))

	_, err = c.ListInbounds(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Hits(paneltest.OpLogin))
}

func TestReloginOnceAfterRejectedSession(t *testing.T) {
	for name, reject := range map[string]func(*paneltest.Server, int){
		"status":  (*paneltest.Server).RejectSessions,
		"message": (*paneltest.Server).RejectSessionsByMessage,
	} {
		t.Run(name, func(t *testing.T) {
			srv := newPanel(t)
			c := newClient(srv, 0)
			ctx := context.Background()
			require.NoError(t, c.Login(ctx))

			reject(srv, 1)
			inbounds, err := c.ListInbounds(ctx)
			require.NoError(t, err)
			assert.Len(t, inbounds, 2)
			assert.Equal(t, 2, srv.Hits(paneltest.OpLogin))
			assert.Equal(t, 1, srv.Hits(paneltest.OpList))
		})
	}
}

func TestSecondRejectionIsTerminal(t *testing.T) {
	srv := newPanel(t)
	c := newClient(srv, 0)
	ctx := context.Background()
	require.NoError(t, c.Login(ctx))

	srv.RejectSessions(2)
	_, err := c.ListInbounds(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, panel.ErrUnavailable))
	assert.Equal(t, panel.KindAuth, panel.KindOf(err))
	assert.Equal(t, 2, srv.Hits(paneltest.OpLogin))
	assert.False(t, c.LoggedIn())
}

func TestTransportRetryRecovers(t *testing.T) {
	srv := newPanel(t)
	c := newClient(srv, 3)
	ctx := context.Background()
	require.NoError(t, c.Login(ctx))

	srv.DropConnections(2)
	inbounds, err := c.ListInbounds(ctx)
	require.NoError(t, err)
	assert.Len(t, inbounds, 2)
	assert.Equal(t, 1, srv.Hits(paneltest.OpList))
}

func TestTransportRetryExhausted(t *testing.T) {
	srv := newPanel(t)
	c := newClient(srv, 2)
	ctx := context.Background()
	require.NoError(t, c.Login(ctx))

	before := srv.Attempts()
	srv.DropConnections(100)
	_, err := c.ListInbounds(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, panel.ErrUnavailable))
	assert.Equal(t, panel.KindTransport, panel.KindOf(err))
	assert.Equal(t, 3, srv.Attempts()-before)
	assert.Equal(t, 0, srv.Hits(paneltest.OpList))
}

func TestRejectedCallIsNotRetried(t *testing.T) {
	srv := newPanel(t)
	srv.RejectOp(paneltest.OpAddClient, "Duplicate email: x")
	c := newClient(srv, 3)

	err := c.AddClient(context.Background(), 1, panel.ClientSettings{ID: "id-1", Email: "x", Enable: true})
	require.Error(t, err)
	assert.Equal(t, panel.KindRejected, panel.KindOf(err))
	assert.Contains(t, err.Error(), "Duplicate email")
	assert.Equal(t, 1, srv.Hits(paneltest.OpAddClient))
}

func TestMalformedBody(t *testing.T) {
	srv := newPanel(t)
	srv.MalformOp(paneltest.OpList)
	c := newClient(srv, 3)

	_, err := c.ListInbounds(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, panel.ErrUnavailable))
	assert.Equal(t, panel.KindMalformed, panel.KindOf(err))
	assert.Equal(t, 1, srv.Hits(paneltest.OpList))
}

func TestUnexpectedStatus(t *testing.T) {
	srv := newPanel(t)
	c := panel.New(panel.Options{
		BaseURL:  srv.URL,
		Username: srv.Username,
		Password: srv.Password,
		Paths:    panel.Paths{Login: "/login", Inbounds: "/missing", List: "/missing/list"},
	}, nil)

	_, err := c.OnlineClients(context.Background())
	require.Error(t, err)
	assert.Equal(t, panel.KindStatus, panel.KindOf(err))

	var pe *panel.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 404, pe.Status)
}

func TestAddClientReplayGuardSkipsAppliedCall(t *testing.T) {
	srv := newPanel(t)
	c := newClient(srv, 0)
	ctx := context.Background()
	require.NoError(t, c.Login(ctx))

	srv.ApplyAddThenReject(1)
	err := c.AddClient(ctx, 1, panel.ClientSettings{ID: "uuid-1", Email: "u1.abc.1", Enable: true})
	require.NoError(t, err)

	assert.Len(t, srv.Clients(1), 1)
	assert.Equal(t, 1, srv.Hits(paneltest.OpAddClient))
	assert.Equal(t, 2, srv.Hits(paneltest.OpLogin))
}

func TestAddClientReplaysWhenNotApplied(t *testing.T) {
	srv := newPanel(t)
	c := newClient(srv, 0)
	ctx := context.Background()
	require.NoError(t, c.Login(ctx))

	srv.RejectSessions(1)
	err := c.AddClient(ctx, 2, panel.ClientSettings{ID: "uuid-2", Email: "u1.abc.2", Enable: true})
	require.NoError(t, err)

	clients := srv.Clients(2)
	require.Len(t, clients, 1)
	assert.Equal(t, "uuid-2", clients[0].ID)
	assert.Equal(t, 1, srv.Hits(paneltest.OpAddClient))
}

func TestAddClientSurvivesDroppedConnection(t *testing.T) {
	srv := newPanel(t)
	c := newClient(srv, 3)
	ctx := context.Background()
	require.NoError(t, c.Login(ctx))

	srv.DropConnections(1)
	require.NoError(t, c.AddClient(ctx, 1, panel.ClientSettings{ID: "uuid-3", Email: "u1.abc.3", Enable: true}))
	assert.Len(t, srv.Clients(1), 1)
}

func TestAddClientLostResponseIsNotDuplicated(t *testing.T) {
	srv := newPanel(t)
	c := newClient(srv, 3)
	ctx := context.Background()
	require.NoError(t, c.Login(ctx))

	srv.ApplyAddThenDrop(1)
	require.NoError(t, c.AddClient(ctx, 1, panel.ClientSettings{ID: "uuid-4", Email: "u1.abc.4", Enable: true}))
	assert.Len(t, srv.Clients(1), 1)
	assert.Equal(t, 1, srv.Hits(paneltest.OpAddClient))
	assert.Equal(t, 1, srv.Hits(paneltest.OpList))
}

func TestAddClientLostResponseWithoutRetries(t *testing.T) {
	srv := newPanel(t)
	c := newClient(srv, 0)
	ctx := context.Background()
	require.NoError(t, c.Login(ctx))

	srv.ApplyAddThenDrop(1)
	err := c.AddClient(ctx, 1, panel.ClientSettings{ID: "uuid-5", Email: "u1.abc.5", Enable: true})
	require.Error(t, err)
	assert.Equal(t, panel.KindTransport, panel.KindOf(err))
	assert.Equal(t, 1, srv.Hits(paneltest.OpAddClient))
	assert.Len(t, srv.Clients(1), 1)
}

func TestReloginWhenSessionExpires(t *testing.T) {
	for name, mode := range map[string]paneltest.Unauthenticated{
		"unauthorized":    paneltest.Unauthorized,
		"stealth 404":     paneltest.StealthNotFound,
		"redirect":        paneltest.RedirectAlways,
		"redirect unless": paneltest.RedirectUnlessAjax,
	} {
		t.Run(name, func(t *testing.T) {
			srv := newPanel(t)
			srv.AnswerUnauthenticated(mode)
			c := newClient(srv, 0)
			ctx := context.Background()
			require.NoError(t, c.Login(ctx))

			srv.ExpireSessions()
			inbounds, err := c.ListInbounds(ctx)
			require.NoError(t, err)
			assert.Len(t, inbounds, 2)
			assert.Equal(t, 2, srv.Hits(paneltest.OpLogin))
			assert.Equal(t, 1, srv.Hits(paneltest.OpList))
		})
	}
}

func TestAddClientAfterStealthExpiry(t *testing.T) {
	srv := newPanel(t)
	srv.AnswerUnauthenticated(paneltest.StealthNotFound)
	c := newClient(srv, 0)
	ctx := context.Background()
	require.NoError(t, c.Login(ctx))

	srv.ExpireSessions()
	require.NoError(t, c.AddClient(ctx, 2, panel.ClientSettings{ID: "uuid-6", Email: "u1.abc.6", Enable: true}))
	assert.Len(t, srv.Clients(2), 1)
	assert.Equal(t, 2, srv.Hits(paneltest.OpLogin))
}

func TestRequestsAreMarkedAjax(t *testing.T) {
	srv := newPanel(t)
	c := newClient(srv, 0)

	_, err := c.ListInbounds(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, srv.AjaxRequests())
}

func TestTransportRetriesLogThroughZap(t *testing.T) {
	srv := newPanel(t)
	core, logs := observer.New(zapcore.WarnLevel)
	c := panel.New(panel.Options{
		BaseURL:      srv.URL,
		Username:     srv.Username,
		Password:     srv.Password,
		Timeout:      2 * time.Second,
		RetryCount:   2,
		RetryWait:    time.Millisecond,
		RetryMaxWait: 5 * time.Millisecond,
	}, zap.New(core))
	ctx := context.Background()
	require.NoError(t, c.Login(ctx))

	srv.DropConnections(1)
	_, err := c.ListInbounds(ctx)
	require.NoError(t, err)
	assert.NotZero(t, logs.FilterMessageSnippet("Attempt 1").Len())
}

func TestGetInbound(t *testing.T) {
	srv := newPanel(t)
	c := newClient(srv, 0)

	in, err := c.GetInbound(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "de-ws", in.Remark)
	assert.Equal(t, 8443, in.Port)

	_, err = c.GetInbound(context.Background(), 99)
	require.Error(t, err)
	assert.Equal(t, panel.KindRejected, panel.KindOf(err))
}

func TestGetInboundFallsBackToList(t *testing.T) {
	srv := newPanel(t)
	srv.DisableSingleFetch()
	c := newClient(srv, 0)

	in, err := c.GetInbound(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "de-reality", in.Remark)
	assert.Equal(t, 1, srv.Hits(paneltest.OpList))
}

func TestClientLifecycle(t *testing.T) {
	srv := newPanel(t)
	c := newClient(srv, 0)
	ctx := context.Background()

	cs := panel.ClientSettings{ID: "uuid-9", Email: "u9.xyz.1", TotalGB: 1 << 30, Enable: true, SubID: "sub9"}
	require.NoError(t, c.AddClient(ctx, 1, cs))

	traffic, err := c.ClientTraffic(ctx, "u9.xyz.1")
	require.NoError(t, err)
	assert.Equal(t, int64(1<<30), traffic.Total)

	srv.SetUsage("u9.xyz.1", 10, 20)
	require.NoError(t, c.ResetClientTraffic(ctx, 1, "u9.xyz.1"))
	got, ok := srv.Traffic("u9.xyz.1")
	require.True(t, ok)
	assert.Zero(t, got.Used())

	cs.TotalGB = 2 << 30
	require.NoError(t, c.UpdateClient(ctx, 1, cs.ID, cs))
	assert.Equal(t, int64(2<<30), srv.Clients(1)[0].TotalGB)

	in, err := c.GetInbound(ctx, 1)
	require.NoError(t, err)
	assert.True(t, in.HasClientEmail("U9.XYZ.1"))

	require.NoError(t, c.DeleteClient(ctx, 1, cs.ID))
	assert.Empty(t, srv.Clients(1))
}

func TestDeleteDepletedClients(t *testing.T) {
	srv := newPanel(t)
	c := newClient(srv, 0)
	ctx := context.Background()

	require.NoError(t, c.AddClient(ctx, 1, panel.ClientSettings{ID: "a", Email: "a", TotalGB: 100, Enable: true}))
	require.NoError(t, c.AddClient(ctx, 2, panel.ClientSettings{ID: "b", Email: "b", TotalGB: 100, Enable: true}))
	srv.SetUsage("a", 60, 60)

	require.NoError(t, c.DeleteDepletedClients(ctx, -1))
	assert.Empty(t, srv.Clients(1))
	assert.Len(t, srv.Clients(2), 1)
}

func TestResetAllTraffics(t *testing.T) {
	srv := newPanel(t)
	c := newClient(srv, 0)
	ctx := context.Background()

	require.NoError(t, c.AddClient(ctx, 1, panel.ClientSettings{ID: "a", Email: "a", Enable: true}))
	require.NoError(t, c.AddClient(ctx, 2, panel.ClientSettings{ID: "b", Email: "b", Enable: true}))
	srv.SetUsage("a", 1, 1)
	srv.SetUsage("b", 2, 2)

	require.NoError(t, c.ResetAllClientTraffics(ctx, 1))
	a, _ := srv.Traffic("a")
	b, _ := srv.Traffic("b")
	assert.Zero(t, a.Used())
	assert.Equal(t, int64(4), b.Used())

	require.NoError(t, c.ResetAllTraffics(ctx))
	b, _ = srv.Traffic("b")
	assert.Zero(t, b.Used())
}

func TestClientIPs(t *testing.T) {
	srv := newPanel(t)
	c := newClient(srv, 0)
	ctx := context.Background()

	ips, err := c.ClientIPs(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, ips)

	srv.SetIPs("u1", `["1.1.1.1","2.2.2.2"]`)
	ips, err = c.ClientIPs(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.1.1.1", "2.2.2.2"}, ips)

	require.NoError(t, c.ClearClientIPs(ctx, "u1"))
	ips, err = c.ClientIPs(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, ips)
}

func TestParseIPs(t *testing.T) {
	cases := map[string]struct {
		obj  string
		want []string
	}{
		"null":         {`null`, []string{}},
		"array":        {`["1.1.1.1"]`, []string{"1.1.1.1"}},
		"placeholder":  {`"No IP Record"`, []string{}},
		"string array": {`"[\"3.3.3.3\"]"`, []string{"3.3.3.3"}},
		"lines":        {`"4.4.4.4\n5.5.5.5"`, []string{"4.4.4.4", "5.5.5.5"}},
		"commas":       {`"6.6.6.6, 7.7.7.7"`, []string{"6.6.6.6", "7.7.7.7"}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, panel.ParseIPs(json.RawMessage(tc.obj)))
		})
	}
}

func TestOnlineClients(t *testing.T) {
	srv := newPanel(t)
	c := newClient(srv, 0)

	emails, err := c.OnlineClients(context.Background())
	require.NoError(t, err)
	assert.Empty(t, emails)

	srv.SetOnline("a", "b")
	emails, err = c.OnlineClients(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, emails)
}

func TestPathsFor(t *testing.T) {
	assert.Equal(t, panel.XUIPaths(), panel.PathsFor(""))
	assert.Equal(t, panel.XUIPaths(), panel.PathsFor("xui"))
	assert.Equal(t, panel.AlirezaPaths(), panel.PathsFor(" Alireza "))
}
