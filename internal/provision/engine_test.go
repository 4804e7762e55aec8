package provision

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
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

type memStore struct {
	targets map[TargetSet][]Target
	servers map[uint]*Server
	err     error
}

func newMemStore() *memStore {
	return &memStore{targets: map[TargetSet][]Target{}, servers: map[uint]*Server{}}
}

func (m *memStore) ResolveTargets(_ context.Context, set TargetSet) ([]Target, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.targets[set], nil
}

func (m *memStore) Server(_ context.Context, id uint) (*Server, error) {
	s, ok := m.servers[id]
	if !ok {
		return nil, fmt.Errorf("server %d not found", id)
	}
	return s, nil
}

const (
	realityStream = `{"network":"tcp","security":"reality","realitySettings":{"serverNames":["example.com"],"shortIds":["ab"],"settings":{"publicKey":"PBK123","fingerprint":"chrome"}}}`
	wsStream      = `{"network":"ws","security":"tls","wsSettings":{"path":"/ws","headers":{"Host":"cdn.example.com"}}}`
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// addServer starts a fake panel with a reality inbound (1), a ws+tls inbound
// (2) and a vmess inbound (3), and registers it in the store.
func addServer(t *testing.T, store *memStore, id uint, name string) *paneltest.Server {
	t.Helper()
	srv := paneltest.New()
	t.Cleanup(srv.Close)
	srv.AddInbound(panel.Inbound{ID: 1, Remark: name + "-reality", Port: 443, Protocol: panel.ProtocolVLESS, Enable: true, StreamSettings: realityStream})
	srv.AddInbound(panel.Inbound{ID: 2, Remark: name + "-ws", Port: 8443, Protocol: panel.ProtocolVLESS, Enable: true, StreamSettings: wsStream})
	srv.AddInbound(panel.Inbound{ID: 3, Remark: name + "-vmess", Port: 2083, Protocol: panel.ProtocolVMess, Enable: true, StreamSettings: `{"network":"tcp"}`})

	store.servers[id] = &Server{
		ID:                  id,
		Name:                name,
		PanelURL:            srv.URL,
		Username:            srv.Username,
		Password:            srv.Password,
		PanelType:           panel.TypeXUI,
		SubscriptionBaseURL: fmt.Sprintf("https://%s.example.net:2096", name),
	}
	return srv
}

func target(serverID uint, inboundID int, remark string) Target {
	return Target{ServerID: serverID, InboundID: inboundID, Remark: remark}
}

func newTestEngine(store Store, logger *zap.Logger, parallelism int) *Engine {
	factory := NewPanelFactory(PanelOptions{
		Timeout:      2 * time.Second,
		RetryCount:   3,
		RetryWait:    time.Millisecond,
		RetryMaxWait: 5 * time.Millisecond,
	}, logger)
	return NewEngine(store, factory, logger, Options{
		Parallelism: parallelism,
		Now:         func() time.Time { return fixedNow },
	})
}

func TestProvisionSingleServer(t *testing.T) {
	store := newMemStore()
	srv := addServer(t, store, 1, "de")
	set := ServerTargets(1)
	store.targets[set] = []Target{target(1, 1, "DE Reality"), target(1, 2, "DE CDN")}

	res, err := newTestEngine(store, nil, 1).Provision(context.Background(), Request{
		UserID: 42, Target: set, QuotaGB: 1.0, DurationDays: 30,
	})
	require.NoError(t, err)
	require.Len(t, res.Configs, 2)
	assert.Empty(t, res.Orphans)

	assert.Len(t, res.SubscriptionID, 16)
	assert.Len(t, res.Identity.SubID, 12)
	assert.Regexp(t, regexp.MustCompile(`^u42\.[A-Za-z0-9]{6}$`), res.Identity.Email)
	assert.Equal(t, int64(1073741824), res.Identity.QuotaBytes)
	assert.Equal(t, fixedNow.Add(30*24*time.Hour).UnixMilli(), res.Identity.ExpiryMS)

	assert.Contains(t, res.Configs[0].URI, res.Identity.UUID+"@de.example.net:443")
	assert.Contains(t, res.Configs[0].URI, "security=reality&fp=chrome&pbk=PBK123&sid=ab&sni=example.com")
	assert.Contains(t, res.Configs[1].URI, res.Identity.UUID+"@de.example.net:8443")
	assert.Equal(t, "DE CDN", res.Configs[1].Label)

	assert.Equal(t, 1, srv.Hits(paneltest.OpLogin))
	assert.Equal(t, 1, srv.Hits(paneltest.OpList))
	assert.Equal(t, 2, srv.Hits(paneltest.OpAddClient))
	assert.Equal(t, 0, srv.Hits(paneltest.OpGet))

	for _, inboundID := range []int{1, 2} {
		clients := srv.Clients(inboundID)
		require.Len(t, clients, 1)
		c := clients[0]
		assert.Equal(t, res.Identity.UUID, c.ID)
		assert.Equal(t, res.Identity.ClientEmail(inboundID), c.Email)
		assert.Equal(t, int64(1073741824), c.TotalGB)
		assert.Equal(t, res.Identity.ExpiryMS, c.ExpiryTime)
		assert.Equal(t, "42", c.TgID)
		assert.Equal(t, res.Identity.SubID, c.SubID)
		assert.True(t, c.Enable)
	}
}

func TestProvisionUnlimited(t *testing.T) {
	store := newMemStore()
	srv := addServer(t, store, 1, "de")
	store.targets[ServerTargets(1)] = []Target{target(1, 1, "r")}

	res, err := newTestEngine(store, nil, 1).Provision(context.Background(), Request{UserID: 1, Target: ServerTargets(1)})
	require.NoError(t, err)
	assert.Zero(t, res.Identity.QuotaBytes)
	assert.Zero(t, res.Identity.ExpiryMS)
	assert.Zero(t, srv.Clients(1)[0].TotalGB)
	assert.Zero(t, srv.Clients(1)[0].ExpiryTime)
}

func TestProvisionAllAddClientFail(t *testing.T) {
	store := newMemStore()
	srv := addServer(t, store, 1, "de")
	srv.RejectOp(paneltest.OpAddClient, "inbound is full")
	store.targets[ServerTargets(1)] = []Target{target(1, 1, "a"), target(1, 2, "b")}

	res, err := newTestEngine(store, nil, 1).Provision(context.Background(), Request{UserID: 1, Target: ServerTargets(1), QuotaGB: 10})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrNoResult)
	assert.Equal(t, 2, srv.Hits(paneltest.OpAddClient))
}

func TestProvisionSkipsServerWithFailedLogin(t *testing.T) {
	store := newMemStore()
	a := addServer(t, store, 1, "a")
	b := addServer(t, store, 2, "b")
	b.FailLogin()
	set := ProfileTargets(5)
	store.targets[set] = []Target{target(1, 1, "a1"), target(2, 1, "b1"), target(1, 2, "a2"), target(2, 2, "b2")}

	res, err := newTestEngine(store, nil, 1).Provision(context.Background(), Request{UserID: 9, Target: set, QuotaGB: 5, DurationDays: 10})
	require.NoError(t, err)
	require.Len(t, res.Configs, 2)
	for _, cfg := range res.Configs {
		assert.Equal(t, uint(1), cfg.ServerID)
		assert.Contains(t, cfg.URI, "@a.example.net:")
	}
	assert.Equal(t, 2, a.Hits(paneltest.OpAddClient))
	assert.Equal(t, 0, b.Hits(paneltest.OpAddClient))
}

func TestProvisionOneIdentityAcrossServers(t *testing.T) {
	store := newMemStore()
	a := addServer(t, store, 1, "a")
	b := addServer(t, store, 2, "b")
	set := ProfileTargets(1)
	store.targets[set] = []Target{target(1, 1, "a1"), target(2, 2, "b2")}

	res, err := newTestEngine(store, nil, 1).Provision(context.Background(), Request{UserID: 3, Target: set})
	require.NoError(t, err)
	require.Len(t, res.Configs, 2)
	assert.Equal(t, res.Identity.UUID, a.Clients(1)[0].ID)
	assert.Equal(t, res.Identity.UUID, b.Clients(2)[0].ID)
	assert.Equal(t, a.Clients(1)[0].SubID, b.Clients(2)[0].SubID)
}

func TestProvisionAddClientOncePerTarget(t *testing.T) {
	store := newMemStore()
	srv := addServer(t, store, 1, "de")
	store.targets[ServerTargets(1)] = []Target{target(1, 1, "a"), target(1, 2, "b")}

	// The login is dropped once and the first add-client is applied by the
	// panel but answered as an expired session.
	srv.DropConnections(1)
	srv.ApplyAddThenReject(1)

	res, err := newTestEngine(store, nil, 1).Provision(context.Background(), Request{UserID: 1, Target: ServerTargets(1)})
	require.NoError(t, err)
	assert.Len(t, res.Configs, 2)
	assert.Len(t, srv.Clients(1), 1)
	assert.Len(t, srv.Clients(2), 1)
	assert.Equal(t, 2, srv.Hits(paneltest.OpAddClient))
}

func TestProvisionRecordsOrphans(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(core)

	store := newMemStore()
	srv := addServer(t, store, 1, "de")
	store.targets[ServerTargets(1)] = []Target{target(1, 1, "ok"), target(1, 3, "vmess")}

	res, err := newTestEngine(store, logger, 1).Provision(context.Background(), Request{UserID: 1, Target: ServerTargets(1)})
	require.NoError(t, err)
	require.Len(t, res.Configs, 1)
	require.Len(t, res.Orphans, 1)

	orphan := res.Orphans[0]
	assert.Equal(t, 3, orphan.InboundID)
	assert.Equal(t, "de", orphan.ServerName)
	assert.Equal(t, res.Identity.ClientEmail(3), orphan.Email)
	assert.Contains(t, orphan.Reason, ErrUnsupportedProtocol.Error())
	assert.Len(t, srv.Clients(3), 1, "remote identity is kept")

	assert.Equal(t, 1, logs.FilterMessage("Client added but config could not be rendered").Len())
}

func TestProvisionOnlyOrphansIsNoResult(t *testing.T) {
	store := newMemStore()
	addServer(t, store, 1, "de")
	store.targets[ServerTargets(1)] = []Target{target(1, 3, "vmess")}

	_, err := newTestEngine(store, nil, 1).Provision(context.Background(), Request{UserID: 1, Target: ServerTargets(1)})
	assert.ErrorIs(t, err, ErrNoResult)
}

func TestProvisionFallsBackToSingleFetch(t *testing.T) {
	store := newMemStore()
	srv := addServer(t, store, 1, "de")
	srv.MalformOp(paneltest.OpList)
	store.targets[ServerTargets(1)] = []Target{target(1, 1, "a"), target(1, 2, "b")}

	res, err := newTestEngine(store, nil, 1).Provision(context.Background(), Request{UserID: 1, Target: ServerTargets(1)})
	require.NoError(t, err)
	assert.Len(t, res.Configs, 2)
	assert.Equal(t, 2, srv.Hits(paneltest.OpGet))
}

func TestProvisionParallelKeepsOrder(t *testing.T) {
	store := newMemStore()
	var targets []Target
	for i := uint(1); i <= 4; i++ {
		addServer(t, store, i, fmt.Sprintf("s%d", i))
		targets = append(targets, target(i, 1, fmt.Sprintf("s%d-1", i)), target(i, 2, fmt.Sprintf("s%d-2", i)))
	}
	store.targets[ProfileTargets(1)] = targets

	res, err := newTestEngine(store, nil, 4).Provision(context.Background(), Request{UserID: 1, Target: ProfileTargets(1)})
	require.NoError(t, err)
	require.Len(t, res.Configs, 8)
	for i, cfg := range res.Configs {
		assert.Equal(t, targets[i].Remark, cfg.Label)
		assert.Equal(t, targets[i].ServerID, cfg.ServerID)
	}
}

func TestProvisionNoTargets(t *testing.T) {
	_, err := newTestEngine(newMemStore(), nil, 1).Provision(context.Background(), Request{UserID: 1, Target: ServerTargets(1)})
	assert.ErrorIs(t, err, ErrNoResult)
}

func TestProvisionStoreError(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("db down")

	_, err := newTestEngine(store, nil, 1).Provision(context.Background(), Request{UserID: 1, Target: ServerTargets(1)})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoResult)
	assert.Contains(t, err.Error(), "db down")
}

func TestProvisionUnknownServerIsSkipped(t *testing.T) {
	store := newMemStore()
	addServer(t, store, 1, "de")
	store.targets[ServerTargets(1)] = []Target{target(99, 1, "ghost"), target(1, 1, "real")}

	res, err := newTestEngine(store, nil, 1).Provision(context.Background(), Request{UserID: 1, Target: ServerTargets(1)})
	require.NoError(t, err)
	require.Len(t, res.Configs, 1)
	assert.Equal(t, "real", res.Configs[0].Label)
}

func TestGroupByServer(t *testing.T) {
	groups := groupByServer([]Target{target(2, 1, ""), target(1, 1, ""), target(2, 2, "")})
	require.Len(t, groups, 2)
	assert.Equal(t, uint(2), groups[0].serverID)
	assert.Len(t, groups[0].targets, 2)
	assert.Equal(t, uint(1), groups[1].serverID)
}

func TestNewIdentity(t *testing.T) {
	e := NewEngine(newMemStore(), nil, nil, Options{Now: func() time.Time { return fixedNow }, SubIDLength: 8})
	id := e.NewIdentity(Request{UserID: 77, QuotaGB: 2.5, DurationDays: 1})

	assert.Len(t, id.SubID, 8)
	assert.True(t, strings.HasPrefix(id.Email, "u77."))
	assert.Equal(t, int64(2684354560), id.QuotaBytes)
	assert.Equal(t, fixedNow.Add(24*time.Hour).UnixMilli(), id.ExpiryMS)
	assert.Equal(t, id.Email+".12", id.ClientEmail(12))

	other := e.NewIdentity(Request{UserID: 77})
	assert.NotEqual(t, id.UUID, other.UUID)
	assert.NotEqual(t, id.Email, other.Email)
}
