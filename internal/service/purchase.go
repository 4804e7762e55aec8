package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"alamor/internal/models"
	"alamor/internal/panel"
	"alamor/internal/pkg/dedup"
	"alamor/internal/pkg/telegram"
	"alamor/internal/provision"
	"alamor/internal/repository"
)

var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInProgress       = errors.New("approval already in progress")
	ErrPurchaseInactive = errors.New("purchase is inactive or expired")
	ErrNothingApplied   = errors.New("no panel accepted the change")
)

// Upper bounds for a single order or renewal.
const (
	maxQuotaGB      = 1 << 20
	maxDurationDays = 36500
)

func checkLimits(quotaGB float64, days int) error {
	if quotaGB > maxQuotaGB {
		return fmt.Errorf("%w: volume must not exceed %d GB", ErrInvalidRequest, maxQuotaGB)
	}
	if days > maxDurationDays {
		return fmt.Errorf("%w: duration must not exceed %d days", ErrInvalidRequest, maxDurationDays)
	}
	return nil
}

// Provisioner runs the credential synthesis for one request.
type Provisioner interface {
	Provision(ctx context.Context, req provision.Request) (*provision.Result, error)
}

// PanelOpener opens a panel session for a stored server.
type PanelOpener func(server *provision.Server) *panel.Client

// PurchaseService turns approved payments into provisioned purchases and
// manages the remote clients behind them.
type PurchaseService struct {
	purchases *repository.PurchaseRepository
	plans     *repository.PlanRepository
	servers   *repository.Resolver
	engine    Provisioner
	dedup     dedup.Deduper
	notifier  *telegram.Notifier
	open      PanelOpener
	logger    *zap.Logger
	now       func() time.Time
}

func NewPurchaseService(
	purchases *repository.PurchaseRepository,
	plans *repository.PlanRepository,
	servers *repository.Resolver,
	engine Provisioner,
	deduper dedup.Deduper,
	notifier *telegram.Notifier,
	open PanelOpener,
	logger *zap.Logger,
) *PurchaseService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deduper == nil {
		deduper = dedup.NewMemory(0)
	}
	return &PurchaseService{
		purchases: purchases,
		plans:     plans,
		servers:   servers,
		engine:    engine,
		dedup:     deduper,
		notifier:  notifier,
		open:      open,
		logger:    logger,
		now:       time.Now,
	}
}

// ApproveRequest is a paid order ready for provisioning. With a PlanID the
// plan supplies the duration, and for fixed plans the volume too.
type ApproveRequest struct {
	PaymentRef   string
	UserID       int64
	Target       provision.TargetSet
	PlanID       uint
	QuotaGB      float64
	DurationDays int
}

// Approval is what the buyer receives.
type Approval struct {
	Purchase        *models.Purchase            `json:"purchase"`
	SubscriptionURL string                      `json:"subscription_url"`
	Configs         []provision.GeneratedConfig `json:"configs"`
	Orphans         []provision.Orphan          `json:"orphans,omitempty"`
	Duplicate       bool                        `json:"duplicate"`
}

func dedupKey(ref string) string {
	return "purchase:" + ref
}

// Approve provisions a paid order exactly once per payment reference. A run
// that yields no config leaves nothing committed, so the order can be retried.
func (s *PurchaseService) Approve(ctx context.Context, req ApproveRequest) (*Approval, error) {
	req.PaymentRef = strings.TrimSpace(req.PaymentRef)
	if req.PaymentRef == "" || req.UserID == 0 || req.Target.ID == 0 {
		return nil, fmt.Errorf("%w: payment_ref, user_id and a server or profile are required", ErrInvalidRequest)
	}
	if req.PlanID != 0 {
		if err := s.applyPlan(ctx, &req); err != nil {
			return nil, err
		}
	}
	if req.QuotaGB < 0 || req.DurationDays < 0 {
		return nil, fmt.Errorf("%w: volume and duration must not be negative", ErrInvalidRequest)
	}
	if err := checkLimits(req.QuotaGB, req.DurationDays); err != nil {
		return nil, err
	}
	log := s.logger.With(zap.String("payment_ref", req.PaymentRef), zap.Int64("user_id", req.UserID))

	claimed, err := s.dedup.Claim(ctx, dedupKey(req.PaymentRef))
	if err != nil {
		// The unique payment_ref index still guards the commit.
		log.Warn("Dedup claim failed, continuing", zap.Error(err))
		claimed = true
	}

	if existing, err := s.purchases.FindByPaymentRef(ctx, req.PaymentRef); err == nil {
		log.Info("Payment already provisioned")
		return s.approvalOf(ctx, existing, true)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.release(ctx, req.PaymentRef, claimed)
		return nil, err
	}
	if !claimed {
		return nil, ErrInProgress
	}

	result, err := s.engine.Provision(ctx, provision.Request{
		UserID:       req.UserID,
		Target:       req.Target,
		QuotaGB:      req.QuotaGB,
		DurationDays: req.DurationDays,
	})
	if err != nil {
		s.release(ctx, req.PaymentRef, claimed)
		if errors.Is(err, provision.ErrNoResult) {
			s.notifier.Alert(ctx, fmt.Sprintf("⚠️ Provisioning failed for payment <code>%s</code> (user %d). Nothing was delivered.",
				telegram.Escape(req.PaymentRef), req.UserID))
		}
		return nil, err
	}

	purchase, err := s.newPurchase(req, result)
	if err != nil {
		s.release(ctx, req.PaymentRef, claimed)
		return nil, err
	}
	if err := s.purchases.Create(ctx, purchase); err != nil {
		log.Error("Purchase could not be saved after provisioning",
			zap.String("client_email", result.Identity.Email), zap.Error(err))
		s.notifier.Alert(ctx, fmt.Sprintf("🚨 Clients <code>%s.*</code> were created but payment <code>%s</code> was not saved: %s",
			telegram.Escape(result.Identity.Email), telegram.Escape(req.PaymentRef), telegram.Escape(err.Error())))
		s.release(ctx, req.PaymentRef, claimed)
		return nil, fmt.Errorf("save purchase: %w", err)
	}

	if len(result.Orphans) > 0 {
		s.notifier.Alert(ctx, orphanAlert(purchase, result.Orphans))
	}

	log.Info("Purchase approved",
		zap.Uint("purchase_id", purchase.ID),
		zap.Int("configs", len(result.Configs)),
		zap.Int("orphans", len(result.Orphans)))

	return &Approval{
		Purchase:        purchase,
		SubscriptionURL: s.subscriptionURL(ctx, result.Configs, purchase.SubscriptionID),
		Configs:         result.Configs,
		Orphans:         result.Orphans,
	}, nil
}

// applyPlan fills the order limits from its plan. Fixed plans ignore the
// requested volume; gigabyte plans sell exactly the requested volume.
func (s *PurchaseService) applyPlan(ctx context.Context, req *ApproveRequest) error {
	if s.plans == nil {
		return fmt.Errorf("%w: plans are not available", ErrInvalidRequest)
	}
	plan, err := s.plans.FindByID(ctx, req.PlanID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: plan %d not found", ErrInvalidRequest, req.PlanID)
	}
	if err != nil {
		return err
	}
	if !plan.IsActive {
		return fmt.Errorf("%w: plan %q is not active", ErrInvalidRequest, plan.Name)
	}
	switch plan.PlanType {
	case models.PlanFixedMonthly:
		req.QuotaGB = plan.VolumeGB
	case models.PlanGigabyteBased:
		if req.QuotaGB <= 0 {
			return fmt.Errorf("%w: plan %q needs a volume", ErrInvalidRequest, plan.Name)
		}
	default:
		return fmt.Errorf("%w: plan %q has unknown type %q", ErrInvalidRequest, plan.Name, plan.PlanType)
	}
	req.DurationDays = plan.DurationDays
	return nil
}

func (s *PurchaseService) release(ctx context.Context, ref string, claimed bool) {
	if !claimed {
		return
	}
	if err := s.dedup.Release(ctx, dedupKey(ref)); err != nil {
		s.logger.Warn("Dedup release failed", zap.String("payment_ref", ref), zap.Error(err))
	}
}

func (s *PurchaseService) newPurchase(req ApproveRequest, result *provision.Result) (*models.Purchase, error) {
	configs, err := json.Marshal(result.Configs)
	if err != nil {
		return nil, err
	}
	orphans := ""
	if len(result.Orphans) > 0 {
		raw, err := json.Marshal(result.Orphans)
		if err != nil {
			return nil, err
		}
		orphans = string(raw)
	}

	p := &models.Purchase{
		UserID:          req.UserID,
		PurchaseType:    string(req.Target.Kind),
		PaymentRef:      req.PaymentRef,
		PurchaseDate:    s.now().UTC(),
		InitialVolumeGB: req.QuotaGB,
		SubscriptionID:  result.SubscriptionID,
		ClientUUID:      result.Identity.UUID,
		ClientEmail:     result.Identity.Email,
		SubID:           result.Identity.SubID,
		FullConfigsJSON: string(configs),
		OrphansJSON:     orphans,
		IsActive:        true,
	}
	if req.PlanID != 0 {
		planID := req.PlanID
		p.PlanID = &planID
	}
	id := req.Target.ID
	if req.Target.Kind == provision.TargetProfile {
		p.ProfileID = &id
	} else {
		p.ServerID = &id
	}
	if result.Identity.ExpiryMS > 0 {
		exp := time.UnixMilli(result.Identity.ExpiryMS).UTC()
		p.ExpireDate = &exp
	}
	return p, nil
}

func orphanAlert(p *models.Purchase, orphans []provision.Orphan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ Purchase #%d (user %d) left %d client(s) without a config:\n", p.ID, p.UserID, len(orphans))
	for _, o := range orphans {
		fmt.Fprintf(&b, "• %s inbound %d <code>%s</code>: %s\n",
			telegram.Escape(o.ServerName), o.InboundID, telegram.Escape(o.Email), telegram.Escape(o.Reason))
	}
	return b.String()
}

// subscriptionURL uses the server of the first config.
func (s *PurchaseService) subscriptionURL(ctx context.Context, configs []provision.GeneratedConfig, token string) string {
	if len(configs) == 0 {
		return ""
	}
	server, err := s.servers.Server(ctx, configs[0].ServerID)
	if err != nil || server.SubscriptionBaseURL == "" {
		return ""
	}
	return provision.SubscriptionURL(server, token)
}

func (s *PurchaseService) approvalOf(ctx context.Context, p *models.Purchase, duplicate bool) (*Approval, error) {
	configs, err := decodeConfigs(p)
	if err != nil {
		return nil, err
	}
	orphans, err := decodeOrphans(p)
	if err != nil {
		return nil, err
	}
	return &Approval{
		Purchase:        p,
		SubscriptionURL: s.subscriptionURL(ctx, configs, p.SubscriptionID),
		Configs:         configs,
		Orphans:         orphans,
		Duplicate:       duplicate,
	}, nil
}

func decodeConfigs(p *models.Purchase) ([]provision.GeneratedConfig, error) {
	var configs []provision.GeneratedConfig
	if p.FullConfigsJSON == "" {
		return configs, nil
	}
	if err := json.Unmarshal([]byte(p.FullConfigsJSON), &configs); err != nil {
		return nil, fmt.Errorf("purchase %d configs: %w", p.ID, err)
	}
	return configs, nil
}

func decodeOrphans(p *models.Purchase) ([]provision.Orphan, error) {
	var orphans []provision.Orphan
	if p.OrphansJSON == "" {
		return orphans, nil
	}
	if err := json.Unmarshal([]byte(p.OrphansJSON), &orphans); err != nil {
		return nil, fmt.Errorf("purchase %d orphans: %w", p.ID, err)
	}
	return orphans, nil
}

// Subscription returns the v2ray subscription document for a token: the
// purchase's URIs joined by newlines, base64 encoded.
func (s *PurchaseService) Subscription(ctx context.Context, token string) (string, error) {
	p, err := s.purchases.FindBySubscriptionID(ctx, token)
	if err != nil {
		return "", err
	}
	if !p.IsActive || p.Expired(s.now()) {
		return "", ErrPurchaseInactive
	}
	configs, err := decodeConfigs(p)
	if err != nil {
		return "", err
	}
	uris := make([]string, 0, len(configs))
	for _, c := range configs {
		uris = append(uris, c.URI)
	}
	return base64.StdEncoding.EncodeToString([]byte(strings.Join(uris, "\n"))), nil
}

// Get returns a purchase with its configs.
func (s *PurchaseService) Get(ctx context.Context, id uint) (*Approval, error) {
	p, err := s.purchases.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.approvalOf(ctx, p, false)
}

// ListByUser returns a user's purchases, newest first.
func (s *PurchaseService) ListByUser(ctx context.Context, userID int64) ([]models.Purchase, error) {
	return s.purchases.FindByUser(ctx, userID)
}

// ExpirePurchases deactivates purchases past their expiry. Panels enforce
// the expiry on their side, so no remote call is made.
func (s *PurchaseService) ExpirePurchases(ctx context.Context) (int64, error) {
	n, err := s.purchases.DeactivateExpired(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("Expired purchases deactivated", zap.Int64("count", n))
	}
	return n, nil
}
