package repository

import (
	"context"
	"fmt"

	"alamor/internal/models"
	"alamor/internal/provision"
)

// Resolver serves the provisioning engine from the inbound selection store.
type Resolver struct {
	servers  *ServerRepository
	inbounds *InboundRepository
}

func NewResolver(servers *ServerRepository, inbounds *InboundRepository) *Resolver {
	return &Resolver{servers: servers, inbounds: inbounds}
}

// ResolveTargets expands a target set into (server, inbound) pairs.
func (r *Resolver) ResolveTargets(ctx context.Context, set provision.TargetSet) ([]provision.Target, error) {
	switch set.Kind {
	case provision.TargetServer:
		server, err := r.servers.FindByID(ctx, set.ID)
		if err != nil {
			return nil, fmt.Errorf("server %d: %w", set.ID, err)
		}
		if !server.IsActive {
			return nil, nil
		}
		rows, err := r.inbounds.FindByServer(ctx, set.ID, true)
		if err != nil {
			return nil, err
		}
		targets := make([]provision.Target, 0, len(rows))
		for _, si := range rows {
			targets = append(targets, provision.Target{
				ServerID:   si.ServerID,
				ServerName: server.Name,
				InboundID:  si.InboundID,
				Remark:     si.Remark,
			})
		}
		return targets, nil

	case provision.TargetProfile:
		profile, err := r.inbounds.ProfileFindByID(ctx, set.ID)
		if err != nil {
			return nil, fmt.Errorf("profile %d: %w", set.ID, err)
		}
		if !profile.IsActive {
			return nil, nil
		}
		rows, err := r.inbounds.FindForProfile(ctx, set.ID)
		if err != nil {
			return nil, err
		}
		targets := make([]provision.Target, 0, len(rows))
		for _, row := range rows {
			targets = append(targets, provision.Target{
				ServerID:   row.ServerID,
				ServerName: row.ServerName,
				InboundID:  row.InboundID,
				Remark:     row.Remark,
			})
		}
		return targets, nil
	}
	return nil, fmt.Errorf("unknown target kind %q", set.Kind)
}

// Server returns the decrypted connection details of a server.
func (r *Resolver) Server(ctx context.Context, id uint) (*provision.Server, error) {
	s, err := r.servers.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("server %d: %w", id, err)
	}
	return ToProvisionServer(s), nil
}

// ToProvisionServer converts a stored server for the engine.
func ToProvisionServer(s *models.Server) *provision.Server {
	return &provision.Server{
		ID:                     s.ID,
		Name:                   s.Name,
		PanelURL:               s.PanelURL,
		Username:               s.Username,
		Password:               s.Password,
		PanelType:              s.PanelType,
		SubscriptionBaseURL:    s.SubscriptionBaseURL,
		SubscriptionPathPrefix: s.SubscriptionPathPrefix,
	}
}
