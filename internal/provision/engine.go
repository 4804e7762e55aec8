package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"alamor/internal/panel"
	"alamor/internal/pkg/utils"
)

// Store resolves target sets and server records. It is backed by the
// repository layer.
type Store interface {
	ResolveTargets(ctx context.Context, set TargetSet) ([]Target, error)
	Server(ctx context.Context, id uint) (*Server, error)
}

// Panel is the subset of the panel client the engine drives.
type Panel interface {
	Login(ctx context.Context) error
	ListInbounds(ctx context.Context) ([]panel.Inbound, error)
	GetInbound(ctx context.Context, id int) (*panel.Inbound, error)
	AddClient(ctx context.Context, inboundID int, cs panel.ClientSettings) error
}

// PanelFactory opens a fresh panel session for a server. It is called once
// per server per run.
type PanelFactory func(server *Server) Panel

// Options tunes an Engine. Zero values fall back to defaults.
type Options struct {
	// Parallelism bounds how many server groups are provisioned at once.
	// 1 keeps the run strictly sequential.
	Parallelism int
	TokenLength int
	SubIDLength int
	Now         func() time.Time
}

const (
	defaultTokenLength = 16
	defaultSubIDLength = 12
	emailSuffixLength  = 6
)

// Engine provisions clients on panels and renders their configs.
type Engine struct {
	store  Store
	panels PanelFactory
	logger *zap.Logger
	opts   Options
}

// NewEngine creates an Engine.
func NewEngine(store Store, panels PanelFactory, logger *zap.Logger, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	if opts.TokenLength <= 0 {
		opts.TokenLength = defaultTokenLength
	}
	if opts.SubIDLength <= 0 {
		opts.SubIDLength = defaultSubIDLength
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{store: store, panels: panels, logger: logger, opts: opts}
}

// NewIdentity mints the credential for one run. Expiry is fixed here, at
// provisioning time.
func (e *Engine) NewIdentity(req Request) Identity {
	return Identity{
		UUID:       utils.GenerateUUID(),
		Email:      fmt.Sprintf("u%d.%s", req.UserID, utils.RandomCode(emailSuffixLength)),
		SubID:      utils.RandomCode(e.opts.SubIDLength),
		UserID:     req.UserID,
		QuotaBytes: utils.GBToBytes(req.QuotaGB),
		ExpiryMS:   utils.DaysToExpiryMS(e.opts.Now(), req.DurationDays),
	}
}

type serverGroup struct {
	serverID uint
	targets  []Target
}

// groupByServer keeps servers in order of first appearance.
func groupByServer(targets []Target) []serverGroup {
	var groups []serverGroup
	pos := map[uint]int{}
	for _, t := range targets {
		i, ok := pos[t.ServerID]
		if !ok {
			i = len(groups)
			pos[t.ServerID] = i
			groups = append(groups, serverGroup{serverID: t.ServerID})
		}
		groups[i].targets = append(groups[i].targets, t)
	}
	return groups
}

type groupOutcome struct {
	configs []GeneratedConfig
	orphans []Orphan
	failed  int
}

// Provision registers one identity on every inbound of req.Target and renders
// a config for each registration. Failures are per inbound or per server and
// never abort the run. A run that yields no config returns ErrNoResult.
func (e *Engine) Provision(ctx context.Context, req Request) (*Result, error) {
	targets, err := e.store.ResolveTargets(ctx, req.Target)
	if err != nil {
		return nil, fmt.Errorf("resolve targets %s: %w", req.Target, err)
	}

	log := e.logger.With(zap.Int64("user_id", req.UserID), zap.Stringer("target", req.Target))
	if len(targets) == 0 {
		log.Warn("No inbounds to provision")
		return nil, ErrNoResult
	}

	identity := e.NewIdentity(req)
	token := utils.RandomCode(e.opts.TokenLength)
	log = log.With(zap.String("email", identity.Email), zap.String("sub_id", identity.SubID))

	groups := groupByServer(targets)
	outcomes := make([]groupOutcome, len(groups))

	var g errgroup.Group
	g.SetLimit(e.opts.Parallelism)
	for i, grp := range groups {
		g.Go(func() error {
			outcomes[i] = e.provisionServer(ctx, log, grp, identity)
			return nil
		})
	}
	_ = g.Wait()

	result := &Result{SubscriptionID: token, Identity: identity}
	failed := 0
	for _, o := range outcomes {
		result.Configs = append(result.Configs, o.configs...)
		result.Orphans = append(result.Orphans, o.orphans...)
		failed += o.failed
	}

	if len(result.Configs) == 0 {
		log.Error("Provisioning produced no config",
			zap.Int("targets", len(targets)),
			zap.Int("failed", failed),
			zap.Int("orphans", len(result.Orphans)))
		return nil, ErrNoResult
	}

	log.Info("Provisioning finished",
		zap.Int("targets", len(targets)),
		zap.Int("configs", len(result.Configs)),
		zap.Int("failed", failed),
		zap.Int("orphans", len(result.Orphans)))
	return result, nil
}

// provisionServer handles every target of one server on a single panel
// session. Calls on that session are strictly sequential.
func (e *Engine) provisionServer(ctx context.Context, log *zap.Logger, grp serverGroup, id Identity) groupOutcome {
	out := groupOutcome{}
	log = log.With(zap.Uint("server_id", grp.serverID))

	if err := ctx.Err(); err != nil {
		log.Warn("Run cancelled before server", zap.Error(err))
		out.failed = len(grp.targets)
		return out
	}

	server, err := e.store.Server(ctx, grp.serverID)
	if err != nil {
		log.Error("Server lookup failed, skipping", zap.Error(err))
		out.failed = len(grp.targets)
		return out
	}
	log = log.With(zap.String("server", server.Name))

	client := e.panels(server)
	if err := client.Login(ctx); err != nil {
		log.Error("Panel login failed, skipping server", zap.Error(err))
		out.failed = len(grp.targets)
		return out
	}

	var index map[int]*panel.Inbound
	if inbounds, err := client.ListInbounds(ctx); err != nil {
		log.Warn("Listing inbounds failed, fetching per inbound", zap.Error(err))
	} else {
		index = make(map[int]*panel.Inbound, len(inbounds))
		for i := range inbounds {
			index[inbounds[i].ID] = &inbounds[i]
		}
	}

	for _, t := range grp.targets {
		email := id.ClientEmail(t.InboundID)
		tlog := log.With(zap.Int("inbound_id", t.InboundID), zap.String("client_email", email))

		if err := client.AddClient(ctx, t.InboundID, id.ClientSettings(t.InboundID)); err != nil {
			tlog.Error("Add client failed, skipping inbound", zap.Error(err))
			out.failed++
			continue
		}

		in, err := lookupInbound(ctx, client, index, t.InboundID)
		if err != nil {
			tlog.Warn("Client added but inbound details unavailable", zap.Error(err))
			out.orphans = append(out.orphans, orphanOf(server, t, email, err))
			continue
		}

		cfg, err := Render(id, server, in, t.Remark)
		if err != nil {
			tlog.Warn("Client added but config could not be rendered", zap.Error(err))
			out.orphans = append(out.orphans, orphanOf(server, t, email, err))
			continue
		}
		out.configs = append(out.configs, cfg)
	}
	return out
}

func lookupInbound(ctx context.Context, client Panel, index map[int]*panel.Inbound, id int) (*panel.Inbound, error) {
	if index == nil {
		return client.GetInbound(ctx, id)
	}
	in, ok := index[id]
	if !ok {
		return nil, &DescriptorError{InboundID: id, Err: errors.New("inbound not in panel list")}
	}
	return in, nil
}

func orphanOf(server *Server, t Target, email string, err error) Orphan {
	return Orphan{
		ServerID:   server.ID,
		ServerName: server.Name,
		InboundID:  t.InboundID,
		Email:      email,
		Reason:     err.Error(),
	}
}

// PanelOptions holds the connection settings shared by every panel session.
type PanelOptions struct {
	Timeout            time.Duration
	RetryCount         int
	RetryWait          time.Duration
	RetryMaxWait       time.Duration
	InsecureSkipVerify bool
}

// OpenPanel builds a panel client for a stored server.
func OpenPanel(opts PanelOptions, server *Server, logger *zap.Logger) *panel.Client {
	return panel.New(panel.Options{
		BaseURL:            server.PanelURL,
		Username:           server.Username,
		Password:           server.Password,
		Paths:              panel.PathsFor(server.PanelType),
		Timeout:            opts.Timeout,
		RetryCount:         opts.RetryCount,
		RetryWait:          opts.RetryWait,
		RetryMaxWait:       opts.RetryMaxWait,
		InsecureSkipVerify: opts.InsecureSkipVerify,
	}, logger)
}

// NewPanelFactory returns a PanelFactory backed by real panel clients.
func NewPanelFactory(opts PanelOptions, logger *zap.Logger) PanelFactory {
	return func(server *Server) Panel {
		return OpenPanel(opts, server, logger)
	}
}
