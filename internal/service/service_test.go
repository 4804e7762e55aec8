package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"alamor/internal/bootstrap"
	"alamor/internal/models"
	"alamor/internal/panel"
	"alamor/internal/panel/paneltest"
	"alamor/internal/pkg/dedup"
	"alamor/internal/pkg/secret"
	"alamor/internal/provision"
	"alamor/internal/repository"
)

const (
	realityStream = `{"network":"tcp","security":"reality","realitySettings":{"serverNames":["example.com"],"shortIds":["ab"],"settings":{"publicKey":"PBK123","fingerprint":"chrome"}}}`
	wsStream      = `{"network":"ws","security":"tls","wsSettings":{"path":"/ws","headers":{"Host":"cdn.example.com"}}}`
)

type fixture struct {
	db        *gorm.DB
	servers   *repository.ServerRepository
	inbounds  *repository.InboundRepository
	purchases *repository.PurchaseRepository
	plans     *repository.PlanRepository
	dedup     dedup.Deduper
	svc       *PurchaseService
	catalog   *CatalogService
	trials    *TrialService
}

var testPanelOptions = provision.PanelOptions{
	Timeout:      2 * time.Second,
	RetryCount:   1,
	RetryWait:    time.Millisecond,
	RetryMaxWait: 2 * time.Millisecond,
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	box, err := secret.NewBox("service-test-key")
	require.NoError(t, err)
	secret.Register(box)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, bootstrap.Migrate(db))

	log := zap.NewNop()
	f := &fixture{
		db:        db,
		servers:   repository.NewServerRepository(db),
		inbounds:  repository.NewInboundRepository(db),
		purchases: repository.NewPurchaseRepository(db),
		plans:     repository.NewPlanRepository(db),
		dedup:     dedup.NewMemory(time.Hour),
	}
	resolver := repository.NewResolver(f.servers, f.inbounds)
	engine := provision.NewEngine(resolver, provision.NewPanelFactory(testPanelOptions, log), log, provision.Options{})
	open := func(s *provision.Server) *panel.Client { return provision.OpenPanel(testPanelOptions, s, log) }

	f.svc = NewPurchaseService(f.purchases, f.plans, resolver, engine, f.dedup, nil, open, log)
	f.catalog = NewCatalogService(f.servers, f.inbounds, f.plans, open, nil, log)
	f.trials = NewTrialService(repository.NewTrialRepository(db), f.svc, 1, 1, log)
	return f
}

// addPanel starts a fake panel with reality (1), ws+tls (2) and vmess (3)
// inbounds and stores it as an online server selling inboundIDs.
func (f *fixture) addPanel(t *testing.T, name string, inboundIDs ...int) (*paneltest.Server, *models.Server) {
	t.Helper()
	srv := paneltest.New()
	t.Cleanup(srv.Close)
	srv.AddInbound(panel.Inbound{ID: 1, Remark: name + "-reality", Port: 443, Protocol: panel.ProtocolVLESS, Enable: true, StreamSettings: realityStream})
	srv.AddInbound(panel.Inbound{ID: 2, Remark: name + "-ws", Port: 8443, Protocol: panel.ProtocolVLESS, Enable: true, StreamSettings: wsStream})
	srv.AddInbound(panel.Inbound{ID: 3, Remark: name + "-vmess", Port: 2083, Protocol: panel.ProtocolVMess, Enable: true, StreamSettings: `{"network":"tcp"}`})

	server := &models.Server{
		Name:                   name,
		PanelURL:               srv.URL,
		Username:               srv.Username,
		Password:               srv.Password,
		PanelType:              panel.TypeXUI,
		SubscriptionBaseURL:    "https://" + name + ".example.net:2096",
		SubscriptionPathPrefix: "sub",
		IsActive:               true,
		IsOnline:               true,
	}
	ctx := context.Background()
	require.NoError(t, f.servers.Create(ctx, server))

	rows := make([]models.ServerInbound, 0, len(inboundIDs))
	for _, id := range inboundIDs {
		rows = append(rows, models.ServerInbound{InboundID: id})
	}
	require.NoError(t, f.inbounds.ReplaceServerInbounds(ctx, server.ID, rows))
	return srv, server
}
