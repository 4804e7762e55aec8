package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"alamor/internal/models"
	"alamor/internal/panel"
	"alamor/internal/pkg/telegram"
	"alamor/internal/repository"
)

// CatalogService manages the servers, inbounds, profiles and plans on sale.
type CatalogService struct {
	servers  *repository.ServerRepository
	inbounds *repository.InboundRepository
	plans    *repository.PlanRepository
	open     PanelOpener
	notifier *telegram.Notifier
	logger   *zap.Logger
	now      func() time.Time
}

func NewCatalogService(
	servers *repository.ServerRepository,
	inbounds *repository.InboundRepository,
	plans *repository.PlanRepository,
	open PanelOpener,
	notifier *telegram.Notifier,
	logger *zap.Logger,
) *CatalogService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogService{
		servers:  servers,
		inbounds: inbounds,
		plans:    plans,
		open:     open,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *CatalogService) client(ctx context.Context, serverID uint) (*panel.Client, *models.Server, error) {
	server, err := s.servers.FindByID(ctx, serverID)
	if err != nil {
		return nil, nil, err
	}
	return s.open(repository.ToProvisionServer(server)), server, nil
}

// AddServer stores a server after checking the panel accepts its
// credentials.
func (s *CatalogService) AddServer(ctx context.Context, server *models.Server) error {
	server.Name = strings.TrimSpace(server.Name)
	server.PanelURL = strings.TrimRight(strings.TrimSpace(server.PanelURL), "/")
	if server.Name == "" || server.PanelURL == "" || server.Username == "" {
		return fmt.Errorf("%w: name, panel_url and username are required", ErrInvalidRequest)
	}
	if u, err := url.Parse(server.PanelURL); err != nil || u.Host == "" {
		return fmt.Errorf("%w: panel_url must be an absolute URL", ErrInvalidRequest)
	}
	if server.PanelType == "" {
		server.PanelType = panel.TypeXUI
	}

	if err := s.open(repository.ToProvisionServer(server)).Login(ctx); err != nil {
		return fmt.Errorf("panel login: %w", err)
	}
	at := s.now().UTC()
	server.IsActive = true
	server.IsOnline = true
	server.LastChecked = &at
	if err := s.servers.Create(ctx, server); err != nil {
		return err
	}
	s.logger.Info("Server added", zap.Uint("server_id", server.ID), zap.String("server", server.Name))
	return nil
}

// Servers returns every stored server.
func (s *CatalogService) Servers(ctx context.Context) ([]models.Server, error) {
	return s.servers.FindAll(ctx)
}

// SetServerActive toggles whether a server is sold.
func (s *CatalogService) SetServerActive(ctx context.Context, serverID uint, active bool) error {
	if _, err := s.servers.FindByID(ctx, serverID); err != nil {
		return err
	}
	return s.servers.SetActive(ctx, serverID, active)
}

// DeleteServer removes a server with its inbound selection.
func (s *CatalogService) DeleteServer(ctx context.Context, serverID uint) error {
	return s.servers.Delete(ctx, serverID)
}

// ServerInbounds lists the inbounds configured on a server's panel.
func (s *CatalogService) ServerInbounds(ctx context.Context, serverID uint) ([]panel.Inbound, error) {
	c, _, err := s.client(ctx, serverID)
	if err != nil {
		return nil, err
	}
	return c.ListInbounds(ctx)
}

// OnlineClients lists the emails of clients connected to a server.
func (s *CatalogService) OnlineClients(ctx context.Context, serverID uint) ([]string, error) {
	c, _, err := s.client(ctx, serverID)
	if err != nil {
		return nil, err
	}
	return c.OnlineClients(ctx)
}

// SelectInbounds sets which panel inbounds of a server are sold. Every id
// must exist on the panel; the panel remark is used when none is given.
func (s *CatalogService) SelectInbounds(ctx context.Context, serverID uint, selected []models.ServerInbound) ([]models.ServerInbound, error) {
	c, _, err := s.client(ctx, serverID)
	if err != nil {
		return nil, err
	}
	remote, err := c.ListInbounds(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[int]panel.Inbound, len(remote))
	for _, in := range remote {
		byID[in.ID] = in
	}

	rows := make([]models.ServerInbound, 0, len(selected))
	for _, si := range selected {
		in, ok := byID[si.InboundID]
		if !ok {
			return nil, fmt.Errorf("%w: inbound %d not found on panel", ErrInvalidRequest, si.InboundID)
		}
		if strings.TrimSpace(si.Remark) == "" {
			si.Remark = in.Remark
		}
		rows = append(rows, si)
	}
	if err := s.inbounds.ReplaceServerInbounds(ctx, serverID, rows); err != nil {
		return nil, err
	}
	return s.inbounds.FindByServer(ctx, serverID, false)
}

// CreateProfile stores a new profile.
func (s *CatalogService) CreateProfile(ctx context.Context, profile *models.Profile) error {
	profile.Name = strings.TrimSpace(profile.Name)
	if profile.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}
	profile.IsActive = true
	return s.inbounds.ProfileCreate(ctx, profile)
}

// SetProfileInbounds sets the server inbounds bundled in a profile.
func (s *CatalogService) SetProfileInbounds(ctx context.Context, profileID uint, serverInboundIDs []uint) ([]models.InboundRow, error) {
	if _, err := s.inbounds.ProfileFindByID(ctx, profileID); err != nil {
		return nil, err
	}
	if err := s.inbounds.ReplaceProfileInbounds(ctx, profileID, serverInboundIDs); err != nil {
		return nil, err
	}
	return s.inbounds.FindForProfile(ctx, profileID)
}

// Profiles returns stored profiles.
func (s *CatalogService) Profiles(ctx context.Context, onlyActive bool) ([]models.Profile, error) {
	return s.inbounds.ProfileFindAll(ctx, onlyActive)
}

// SetProfileActive toggles whether a profile is sold.
func (s *CatalogService) SetProfileActive(ctx context.Context, profileID uint, active bool) error {
	if _, err := s.inbounds.ProfileFindByID(ctx, profileID); err != nil {
		return err
	}
	return s.inbounds.ProfileSetActive(ctx, profileID, active)
}

// DeleteProfile removes a profile. Clients already delivered from it stay
// on their panels.
func (s *CatalogService) DeleteProfile(ctx context.Context, profileID uint) error {
	if err := s.inbounds.ProfileDelete(ctx, profileID); err != nil {
		return err
	}
	s.logger.Info("Profile deleted", zap.Uint("profile_id", profileID))
	return nil
}

// AddPlan stores a new plan, active.
func (s *CatalogService) AddPlan(ctx context.Context, plan *models.Plan) error {
	plan.Name = strings.TrimSpace(plan.Name)
	if plan.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}
	switch plan.PlanType {
	case models.PlanFixedMonthly:
		if plan.VolumeGB < 0 || plan.Price < 0 {
			return fmt.Errorf("%w: volume and price must not be negative", ErrInvalidRequest)
		}
	case models.PlanGigabyteBased:
		if plan.PerGBPrice <= 0 {
			return fmt.Errorf("%w: per_gb_price is required", ErrInvalidRequest)
		}
		plan.VolumeGB = 0
	default:
		return fmt.Errorf("%w: plan_type must be %q or %q", ErrInvalidRequest, models.PlanFixedMonthly, models.PlanGigabyteBased)
	}
	if plan.DurationDays < 0 {
		return fmt.Errorf("%w: duration must not be negative", ErrInvalidRequest)
	}
	if err := checkLimits(plan.VolumeGB, plan.DurationDays); err != nil {
		return err
	}
	plan.IsActive = true
	if err := s.plans.Create(ctx, plan); err != nil {
		return err
	}
	s.logger.Info("Plan added", zap.Uint("plan_id", plan.ID), zap.String("plan", plan.Name))
	return nil
}

// Plans returns plans ordered by price.
func (s *CatalogService) Plans(ctx context.Context, onlyActive bool) ([]models.Plan, error) {
	return s.plans.FindAll(ctx, onlyActive)
}

// SetPlanActive toggles whether a plan is sold.
func (s *CatalogService) SetPlanActive(ctx context.Context, planID uint, active bool) error {
	if _, err := s.plans.FindByID(ctx, planID); err != nil {
		return err
	}
	return s.plans.SetActive(ctx, planID, active)
}

// ResetServerTraffic zeroes the usage of every inbound on a server's panel.
func (s *CatalogService) ResetServerTraffic(ctx context.Context, serverID uint) error {
	c, server, err := s.client(ctx, serverID)
	if err != nil {
		return err
	}
	if err := c.ResetAllTraffics(ctx); err != nil {
		return err
	}
	s.logger.Info("Server traffic reset", zap.Uint("server_id", server.ID))
	return nil
}

// ResetInboundTraffic zeroes the usage of every client on one panel inbound.
func (s *CatalogService) ResetInboundTraffic(ctx context.Context, serverID uint, inboundID int) error {
	c, server, err := s.client(ctx, serverID)
	if err != nil {
		return err
	}
	if err := c.ResetAllClientTraffics(ctx, inboundID); err != nil {
		return err
	}
	s.logger.Info("Inbound traffic reset", zap.Uint("server_id", server.ID), zap.Int("inbound_id", inboundID))
	return nil
}

// StatusChange is a server whose reachability flipped during a check.
type StatusChange struct {
	ServerID uint
	Name     string
	Online   bool
	Err      error
}

// CheckServers logs in to every active server with a fresh session and
// records whether it answered. Servers that went offline are reported to
// admins.
func (s *CatalogService) CheckServers(ctx context.Context) ([]StatusChange, error) {
	servers, err := s.servers.FindActive(ctx)
	if err != nil {
		return nil, err
	}
	var changes []StatusChange
	for i := range servers {
		server := &servers[i]
		loginErr := s.open(repository.ToProvisionServer(server)).Login(ctx)
		online := loginErr == nil
		if err := s.servers.UpdateStatus(ctx, server.ID, online, s.now().UTC()); err != nil {
			s.logger.Error("Server status update failed", zap.Uint("server_id", server.ID), zap.Error(err))
			continue
		}
		if online == server.IsOnline {
			continue
		}
		change := StatusChange{ServerID: server.ID, Name: server.Name, Online: online, Err: loginErr}
		changes = append(changes, change)
		if online {
			s.logger.Info("Server back online", zap.Uint("server_id", server.ID), zap.String("server", server.Name))
			s.notifier.Alert(ctx, fmt.Sprintf("✅ Server <b>%s</b> is back online.", telegram.Escape(server.Name)))
			continue
		}
		s.logger.Warn("Server went offline", zap.Uint("server_id", server.ID), zap.String("server", server.Name), zap.Error(loginErr))
		s.notifier.Alert(ctx, fmt.Sprintf("🔴 Server <b>%s</b> is offline: %s",
			telegram.Escape(server.Name), telegram.Escape(loginErr.Error())))
	}
	return changes, nil
}

// DeleteDepletedClients asks every active, online server to drop clients
// out of traffic or time. It returns how many servers accepted.
func (s *CatalogService) DeleteDepletedClients(ctx context.Context) (int, error) {
	servers, err := s.servers.FindActive(ctx)
	if err != nil {
		return 0, err
	}
	done := 0
	for i := range servers {
		server := &servers[i]
		if !server.IsOnline {
			continue
		}
		if err := s.open(repository.ToProvisionServer(server)).DeleteDepletedClients(ctx, -1); err != nil {
			s.logger.Warn("Depleted client cleanup failed", zap.Uint("server_id", server.ID), zap.Error(err))
			continue
		}
		done++
	}
	return done, nil
}
