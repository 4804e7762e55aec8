package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alamor/internal/models"
	"alamor/internal/panel"
	"alamor/internal/panel/paneltest"
)

func TestAddServer(t *testing.T) {
	f := newFixture(t)
	srv := paneltest.New()
	t.Cleanup(srv.Close)
	ctx := context.Background()

	bad := &models.Server{Name: "de", PanelURL: srv.URL, Username: "admin", Password: "wrong"}
	err := f.catalog.AddServer(ctx, bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, panel.ErrUnavailable))

	s := &models.Server{Name: " de ", PanelURL: srv.URL + "/", Username: "admin", Password: "admin"}
	require.NoError(t, f.catalog.AddServer(ctx, s))
	assert.Equal(t, "de", s.Name)
	assert.Equal(t, srv.URL, s.PanelURL)
	assert.Equal(t, panel.TypeXUI, s.PanelType)
	assert.True(t, s.IsActive)
	assert.True(t, s.IsOnline)

	err = f.catalog.AddServer(ctx, &models.Server{Name: "x", PanelURL: "not a url", Username: "a"})
	assert.True(t, errors.Is(err, ErrInvalidRequest))
}

func TestSelectInbounds(t *testing.T) {
	f := newFixture(t)
	_, server := f.addPanel(t, "de")
	ctx := context.Background()

	rows, err := f.catalog.SelectInbounds(ctx, server.ID, []models.ServerInbound{
		{InboundID: 1},
		{InboundID: 2, Remark: "CDN"},
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "de-reality", rows[0].Remark)
	assert.Equal(t, "CDN", rows[1].Remark)
	assert.True(t, rows[0].IsActive)

	_, err = f.catalog.SelectInbounds(ctx, server.ID, []models.ServerInbound{{InboundID: 99}})
	assert.True(t, errors.Is(err, ErrInvalidRequest))

	inbounds, err := f.catalog.ServerInbounds(ctx, server.ID)
	require.NoError(t, err)
	assert.Len(t, inbounds, 3)
}

func TestOnlineClients(t *testing.T) {
	f := newFixture(t)
	srv, server := f.addPanel(t, "de")
	srv.SetOnline("a.1", "b.2")

	emails, err := f.catalog.OnlineClients(context.Background(), server.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.1", "b.2"}, emails)
}

func TestCheckServers(t *testing.T) {
	f := newFixture(t)
	up, upServer := f.addPanel(t, "up")
	down, downServer := f.addPanel(t, "down")
	ctx := context.Background()
	down.Close()

	changes, err := f.catalog.CheckServers(ctx)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, downServer.ID, changes[0].ServerID)
	assert.False(t, changes[0].Online)
	assert.Error(t, changes[0].Err)

	stored, err := f.servers.FindByID(ctx, downServer.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsOnline)
	require.NotNil(t, stored.LastChecked)

	stored, err = f.servers.FindByID(ctx, upServer.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsOnline)
	assert.Equal(t, 1, up.Hits(paneltest.OpLogin))

	changes, err = f.catalog.CheckServers(ctx)
	require.NoError(t, err)
	assert.Empty(t, changes, "no transition on the second check")
}

func TestDeleteDepletedClients(t *testing.T) {
	f := newFixture(t)
	srv, _ := f.addPanel(t, "de")
	_, offline := f.addPanel(t, "off")
	require.NoError(t, f.servers.UpdateStatus(context.Background(), offline.ID, false, offline.CreatedAt))

	done, err := f.catalog.DeleteDepletedClients(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Equal(t, 1, srv.Hits(paneltest.OpDelDepletedClients))
}

func TestServerAdmin(t *testing.T) {
	f := newFixture(t)
	_, server := f.addPanel(t, "de", 1)
	ctx := context.Background()

	require.NoError(t, f.catalog.SetServerActive(ctx, server.ID, false))
	list, err := f.catalog.Servers(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].IsActive)

	require.NoError(t, f.catalog.DeleteServer(ctx, server.ID))
	assert.Error(t, f.catalog.SetServerActive(ctx, server.ID, true))

	err = f.catalog.CreateProfile(ctx, &models.Profile{Name: "  "})
	assert.True(t, errors.Is(err, ErrInvalidRequest))
}

func TestPlanAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.catalog.AddPlan(ctx, &models.Plan{Name: "x", PlanType: "weekly"})
	assert.True(t, errors.Is(err, ErrInvalidRequest))
	err = f.catalog.AddPlan(ctx, &models.Plan{Name: "x", PlanType: models.PlanGigabyteBased, DurationDays: 30})
	assert.True(t, errors.Is(err, ErrInvalidRequest), "gigabyte plans need a per-GB price")
	err = f.catalog.AddPlan(ctx, &models.Plan{Name: "x", PlanType: models.PlanFixedMonthly, VolumeGB: 2e6, DurationDays: 30})
	assert.True(t, errors.Is(err, ErrInvalidRequest))

	gold := &models.Plan{Name: " gold ", PlanType: models.PlanFixedMonthly, VolumeGB: 50, DurationDays: 30, Price: 200}
	require.NoError(t, f.catalog.AddPlan(ctx, gold))
	assert.Equal(t, "gold", gold.Name)
	assert.True(t, gold.IsActive)

	require.NoError(t, f.catalog.SetPlanActive(ctx, gold.ID, false))
	active, err := f.catalog.Plans(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.Error(t, f.catalog.SetPlanActive(ctx, 999, true))
}

func TestProfileAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gold := &models.Profile{Name: "gold"}
	silver := &models.Profile{Name: "silver"}
	require.NoError(t, f.catalog.CreateProfile(ctx, gold))
	require.NoError(t, f.catalog.CreateProfile(ctx, silver))

	require.NoError(t, f.catalog.SetProfileActive(ctx, silver.ID, false))
	active, err := f.catalog.Profiles(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "gold", active[0].Name)

	require.NoError(t, f.catalog.DeleteProfile(ctx, gold.ID))
	all, err := f.catalog.Profiles(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Error(t, f.catalog.SetProfileActive(ctx, gold.ID, true))
}

func TestResetServerAndInboundTraffic(t *testing.T) {
	f := newFixture(t)
	srv, server := f.addPanel(t, "de", 1)
	ctx := context.Background()

	require.NoError(t, f.catalog.ResetServerTraffic(ctx, server.ID))
	require.NoError(t, f.catalog.ResetInboundTraffic(ctx, server.ID, 1))
	assert.Equal(t, 1, srv.Hits(paneltest.OpResetAllTraffics))
	assert.Equal(t, 1, srv.Hits(paneltest.OpResetAllClientTraffics))
}
