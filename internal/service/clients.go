package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"alamor/internal/models"
	"alamor/internal/panel"
	"alamor/internal/pkg/utils"
	"alamor/internal/provision"
)

// ClientRef is one remote client of a purchase.
type ClientRef struct {
	ServerID  uint   `json:"server_id"`
	InboundID int    `json:"inbound_id"`
	Email     string `json:"email"`
}

// ClientFailure is a client a management call could not reach.
type ClientFailure struct {
	ClientRef
	Error string `json:"error"`
}

// Outcome reports a management call across every client of a purchase.
type Outcome struct {
	Applied  int             `json:"applied"`
	Failures []ClientFailure `json:"failures,omitempty"`
}

// ClientIPs lists the recorded source addresses of one client.
type ClientIPs struct {
	ClientRef
	IPs []string `json:"ips"`
}

// ClientUsage is the traffic record of one client.
type ClientUsage struct {
	ClientRef
	Up      int64   `json:"up"`
	Down    int64   `json:"down"`
	Total   int64   `json:"total"`
	TotalGB float64 `json:"total_gb"`
	Used    string  `json:"used"`
}

func identityOf(p *models.Purchase) provision.Identity {
	return provision.Identity{
		UUID:   p.ClientUUID,
		Email:  p.ClientEmail,
		SubID:  p.SubID,
		UserID: p.UserID,
	}
}

type serverClients struct {
	serverID uint
	refs     []ClientRef
}

// clientsOf lists the remote clients of a purchase grouped by server, in
// config order. Orphans are included since they exist on the panel too.
func clientsOf(p *models.Purchase) ([]serverClients, error) {
	configs, err := decodeConfigs(p)
	if err != nil {
		return nil, err
	}
	orphans, err := decodeOrphans(p)
	if err != nil {
		return nil, err
	}
	id := identityOf(p)

	var groups []serverClients
	pos := map[uint]int{}
	add := func(serverID uint, inboundID int) {
		i, ok := pos[serverID]
		if !ok {
			i = len(groups)
			pos[serverID] = i
			groups = append(groups, serverClients{serverID: serverID})
		}
		groups[i].refs = append(groups[i].refs, ClientRef{ServerID: serverID, InboundID: inboundID, Email: id.ClientEmail(inboundID)})
	}
	for _, c := range configs {
		add(c.ServerID, c.InboundID)
	}
	for _, o := range orphans {
		add(o.ServerID, o.InboundID)
	}
	return groups, nil
}

// eachClient runs fn on every client of a purchase, one panel session per
// server. Failures are collected; they never stop the walk.
func (s *PurchaseService) eachClient(ctx context.Context, p *models.Purchase, fn func(c *panel.Client, ref ClientRef) error) (*Outcome, error) {
	groups, err := clientsOf(p)
	if err != nil {
		return nil, err
	}
	out := &Outcome{}
	for _, g := range groups {
		server, err := s.servers.Server(ctx, g.serverID)
		if err != nil {
			for _, ref := range g.refs {
				out.Failures = append(out.Failures, ClientFailure{ClientRef: ref, Error: err.Error()})
			}
			continue
		}
		client := s.open(server)
		for _, ref := range g.refs {
			if err := fn(client, ref); err != nil {
				s.logger.Warn("Client operation failed",
					zap.Uint("purchase_id", p.ID),
					zap.Uint("server_id", ref.ServerID),
					zap.Int("inbound_id", ref.InboundID),
					zap.Error(err))
				out.Failures = append(out.Failures, ClientFailure{ClientRef: ref, Error: err.Error()})
				continue
			}
			out.Applied++
		}
	}
	if out.Applied == 0 && len(out.Failures) > 0 {
		return out, ErrNothingApplied
	}
	return out, nil
}

// ResetTraffic zeroes the usage of every client of a purchase.
func (s *PurchaseService) ResetTraffic(ctx context.Context, purchaseID uint) (*Outcome, error) {
	p, err := s.purchases.FindByID(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	return s.eachClient(ctx, p, func(c *panel.Client, ref ClientRef) error {
		return c.ResetClientTraffic(ctx, ref.InboundID, ref.Email)
	})
}

// Revoke deletes every client of a purchase from its panels and deactivates
// the purchase.
func (s *PurchaseService) Revoke(ctx context.Context, purchaseID uint) (*Outcome, error) {
	p, err := s.purchases.FindByID(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	out, err := s.eachClient(ctx, p, func(c *panel.Client, ref ClientRef) error {
		return c.DeleteClient(ctx, ref.InboundID, p.ClientUUID)
	})
	if err != nil {
		return out, err
	}
	if err := s.purchases.Deactivate(ctx, p.ID); err != nil {
		return out, err
	}
	s.logger.Info("Purchase revoked", zap.Uint("purchase_id", p.ID), zap.Int("applied", out.Applied))
	return out, nil
}

// Renew extends a purchase. Extra days are added to the later of now and
// the current expiry; a purchase without expiry stays unlimited. Extra
// volume is added to the purchased volume.
func (s *PurchaseService) Renew(ctx context.Context, purchaseID uint, extraGB float64, extraDays int) (*Outcome, error) {
	if extraGB < 0 || extraDays < 0 || (extraGB == 0 && extraDays == 0) {
		return nil, fmt.Errorf("%w: extra volume or days required", ErrInvalidRequest)
	}
	if err := checkLimits(extraGB, extraDays); err != nil {
		return nil, err
	}
	p, err := s.purchases.FindByID(ctx, purchaseID)
	if err != nil {
		return nil, err
	}

	expire := p.ExpireDate
	if expire != nil && extraDays > 0 {
		base := s.now().UTC()
		if expire.After(base) {
			base = *expire
		}
		next := base.Add(time.Duration(extraDays) * 24 * time.Hour)
		expire = &next
	}
	volume := p.InitialVolumeGB
	if volume > 0 {
		volume += extraGB
	}
	if volume > maxQuotaGB {
		return nil, fmt.Errorf("%w: volume would exceed %d GB", ErrInvalidRequest, maxQuotaGB)
	}

	var expiryMS int64
	if expire != nil {
		expiryMS = expire.UnixMilli()
	}
	id := identityOf(p)
	id.QuotaBytes = utils.GBToBytes(volume)
	id.ExpiryMS = expiryMS

	out, err := s.eachClient(ctx, p, func(c *panel.Client, ref ClientRef) error {
		return c.UpdateClient(ctx, ref.InboundID, p.ClientUUID, id.ClientSettings(ref.InboundID))
	})
	if err != nil {
		return out, err
	}
	if err := s.purchases.UpdateLimits(ctx, p.ID, expire, volume); err != nil {
		return out, err
	}
	s.logger.Info("Purchase renewed",
		zap.Uint("purchase_id", p.ID),
		zap.Float64("volume_gb", volume),
		zap.Int64("expiry_ms", expiryMS))
	return out, nil
}

// ClientIPs returns the recorded source addresses of every client of a
// purchase.
func (s *PurchaseService) ClientIPs(ctx context.Context, purchaseID uint) ([]ClientIPs, *Outcome, error) {
	p, err := s.purchases.FindByID(ctx, purchaseID)
	if err != nil {
		return nil, nil, err
	}
	var list []ClientIPs
	out, err := s.eachClient(ctx, p, func(c *panel.Client, ref ClientRef) error {
		ips, err := c.ClientIPs(ctx, ref.Email)
		if err != nil {
			return err
		}
		list = append(list, ClientIPs{ClientRef: ref, IPs: ips})
		return nil
	})
	return list, out, err
}

// ClearClientIPs makes the panels forget the recorded source addresses of
// every client of a purchase.
func (s *PurchaseService) ClearClientIPs(ctx context.Context, purchaseID uint) (*Outcome, error) {
	p, err := s.purchases.FindByID(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	return s.eachClient(ctx, p, func(c *panel.Client, ref ClientRef) error {
		return c.ClearClientIPs(ctx, ref.Email)
	})
}

// Usage returns the traffic record of every client of a purchase.
func (s *PurchaseService) Usage(ctx context.Context, purchaseID uint) ([]ClientUsage, *Outcome, error) {
	p, err := s.purchases.FindByID(ctx, purchaseID)
	if err != nil {
		return nil, nil, err
	}
	var list []ClientUsage
	out, err := s.eachClient(ctx, p, func(c *panel.Client, ref ClientRef) error {
		t, err := c.ClientTraffic(ctx, ref.Email)
		if err != nil {
			return err
		}
		list = append(list, ClientUsage{
			ClientRef: ref,
			Up:        t.Up,
			Down:      t.Down,
			Total:     t.Total,
			TotalGB:   utils.BytesToGB(t.Total),
			Used:      utils.FormatBytes(t.Used()),
		})
		return nil
	})
	return list, out, err
}
