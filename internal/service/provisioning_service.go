package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wenwu/saas-platform/panel-provisioner/internal/client"
	"github.com/wenwu/saas-platform/panel-provisioner/internal/metrics"
	"github.com/wenwu/saas-platform/panel-provisioner/internal/models"
	"github.com/wenwu/saas-platform/panel-provisioner/internal/repository"
	"go.uber.org/zap"
)

const defaultLockTTL = 2 * time.Minute

// PlanLookup reads active plans with their assigned panel joined
type PlanLookup interface {
	GetActiveByID(ctx context.Context, id string) (*models.Plan, error)
	GetActiveBySlug(ctx context.Context, slug string) (*models.Plan, error)
}

// AdapterSelector picks the provider adapter for a panel
type AdapterSelector interface {
	ForPanel(panel *models.Panel) (client.PanelAdapter, error)
}

// SubscriptionStore reads subscriptions and records provisioning.
// MarkProvisioned only succeeds while vpn_user_created is still false.
type SubscriptionStore interface {
	GetByID(ctx context.Context, id string) (*models.Subscription, error)
	MarkProvisioned(ctx context.Context, id string, p *models.SubscriptionProvisioned) (bool, error)
}

// TestUserStore tracks free-trial accounts
type TestUserStore interface {
	ExistsByIdentity(ctx context.Context, email, phone, deviceFingerprint string) (bool, error)
	Create(ctx context.Context, u *models.TestUser) error
}

// Locker serializes provisioning of one subscription across processes
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

// ProvisioningLogStore persists the provisioning audit trail
type ProvisioningLogStore interface {
	Create(ctx context.Context, entry *models.ProvisioningLog) error
}

// ProvisioningDeps are the collaborators of ProvisioningService
type ProvisioningDeps struct {
	Plans         PlanLookup
	Adapters      AdapterSelector
	Subscriptions SubscriptionStore
	TestUsers     TestUserStore
	Locker        Locker
	Logs          ProvisioningLogStore
	Metrics       metrics.ProvisioningMetrics
	Logger        *zap.Logger
}

// ProvisioningConfig tunes ProvisioningService
type ProvisioningConfig struct {
	TrialEnabled bool
	LockTTL      time.Duration
}

// PaidSubscriptionRequest provisions a purchased subscription.
// PlanRef is a plan UUID or a plan identifier slug.
type PaidSubscriptionRequest struct {
	Username       string
	PlanRef        string
	DataLimitGB    int
	DurationDays   int
	SubscriptionID string
	Notes          string
}

// FreeTrialRequest provisions a free trial account
type FreeTrialRequest struct {
	Username          string
	PlanRef           string
	DataLimitGB       int
	DurationDays      int
	Email             string
	Phone             string
	DeviceFingerprint string
	Notes             string
}

// ProvisioningService resolves the single panel bound to a plan and creates
// the VPN account there. It never falls back to another panel.
type ProvisioningService struct {
	deps ProvisioningDeps
	cfg  ProvisioningConfig
	log  *zap.Logger
	now  func() time.Time
}

// NewProvisioningService creates a new provisioning service
func NewProvisioningService(deps ProvisioningDeps, cfg ProvisioningConfig) *ProvisioningService {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	return &ProvisioningService{
		deps: deps,
		cfg:  cfg,
		log:  logger.Named("provisioning"),
		now:  time.Now,
	}
}

// CreateUserFromPanel creates a VPN account on the panel assigned to the
// requested plan. Every failure is a *ProvisioningError.
func (s *ProvisioningService) CreateUserFromPanel(ctx context.Context, req models.ProvisioningRequest) (*models.ProvisioningResult, error) {
	start := time.Now()
	result, panel, err := s.createUserFromPanel(ctx, req)

	panelType := ""
	if panel != nil {
		panelType = panel.NormalizedType()
	}
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = string(KindOf(err))
	}
	s.deps.Metrics.ObserveProvisioning(panelType, outcome, time.Since(start))

	if err != nil {
		s.log.Warn("provisioning failed",
			zap.String("plan_id", req.PlanID),
			zap.String("subscription_id", req.SubscriptionID),
			zap.String("kind", outcome),
			zap.Error(err))
		s.audit(ctx, &models.ProvisioningLog{
			SubscriptionID: req.SubscriptionID,
			PlanID:         req.PlanID,
			PanelID:        panelIDOf(panel),
			Username:       req.Username,
			Action:         models.ActionProvisionFailed,
			ErrorKind:      outcome,
			Message:        err.Error(),
		})
		return nil, err
	}
	return result, nil
}

func (s *ProvisioningService) createUserFromPanel(ctx context.Context, req models.ProvisioningRequest) (*models.ProvisioningResult, *models.Panel, error) {
	if strings.TrimSpace(req.Username) == "" {
		return nil, nil, newError(KindInvalidRequest, "username is required")
	}
	if req.DataLimitGB < 0 || req.DurationDays < 0 {
		return nil, nil, newError(KindInvalidRequest, "data limit and duration must not be negative")
	}

	// 1. Load the plan, active only
	plan, err := s.deps.Plans.GetActiveByID(ctx, req.PlanID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			e := newError(KindPlanNotFound, "no active plan with this id")
			e.PlanID = req.PlanID
			return nil, nil, e
		}
		return nil, nil, &ProvisioningError{Kind: KindServiceUnavailable, Message: "load plan", PlanID: req.PlanID, Err: err}
	}

	// 2. The plan must be bound to a panel. There is no fallback.
	if !plan.HasAssignedPanel() {
		e := newError(KindNoPanelAssigned, "plan %q has no assigned panel", plan.Name)
		e.PlanID = plan.ID
		return nil, nil, e
	}
	panel := plan.Panel

	// 3-5. Validate the panel
	if err := validatePanel(plan, panel); err != nil {
		return nil, panel, err
	}

	// 6. Select the adapter by panel type
	adapter, err := s.deps.Adapters.ForPanel(panel)
	if err != nil {
		e := panelError(KindUnsupportedPanelType, plan, panel, "panel type %q is not supported", panel.Type)
		e.Err = err
		return nil, panel, e
	}

	dataLimitGB := req.DataLimitGB
	if dataLimitGB == 0 {
		dataLimitGB = plan.DefaultDataLimitGB
	}
	durationDays := req.DurationDays
	if durationDays == 0 {
		durationDays = plan.DefaultDurationDays
	}

	// 7. Create the user on the panel
	s.log.Info("creating panel user",
		zap.String("plan_id", plan.ID),
		zap.String("panel_id", panel.ID),
		zap.String("panel_type", panel.NormalizedType()),
		zap.String("subscription_id", req.SubscriptionID),
		zap.Bool("free_trial", req.IsFreeTrial))

	user, err := adapter.CreateUser(ctx, client.CreateUserRequest{
		Username:         req.Username,
		DataLimitGB:      dataLimitGB,
		DurationDays:     durationDays,
		Notes:            req.Notes,
		PanelID:          panel.ID,
		EnabledProtocols: panel.EnabledProtocols,
		SubscriptionID:   req.SubscriptionID,
	})

	// 8. Normalize adapter failures. For a subscription the account may already
	// exist on this panel from a create that was never recorded; adopt it.
	if err != nil && req.SubscriptionID != "" && client.IsConflict(err) {
		if existing, getErr := adapter.GetUser(ctx, req.Username); getErr == nil {
			s.log.Warn("panel user already exists, adopting it",
				zap.String("subscription_id", req.SubscriptionID),
				zap.String("panel_id", panel.ID),
				zap.String("username", req.Username),
				zap.String("status", existing.Status))
			user, err = existing, nil
			if existing.Status == client.UserStatusDisabled {
				user, err = adapter.UpdateUser(ctx, req.Username, client.UpdateUserRequest{
					Status: client.UserStatusActive,
					Notes:  req.Notes,
				})
			}
		} else {
			s.log.Warn("look up existing panel user",
				zap.String("subscription_id", req.SubscriptionID),
				zap.String("panel_id", panel.ID),
				zap.Error(getErr))
		}
	}
	if err != nil {
		return nil, panel, adapterError(plan, panel, adapter.Provider(), err)
	}

	// 9. The response must identify the account
	if user == nil || user.Username == "" || user.SubscriptionURL == "" {
		return nil, panel, panelError(KindProvisioningIncompleteResponse, plan, panel,
			"panel response is missing username or subscription url")
	}

	// 10. Build the result from the validated panel record
	expire := int64(0)
	switch {
	case user.Expire != nil:
		expire = *user.Expire
	case durationDays > 0:
		expire = s.now().Unix() + int64(durationDays)*models.SecondsPerDay
	}

	return &models.ProvisioningResult{
		Username:           user.Username,
		SubscriptionURL:    user.SubscriptionURL,
		ExpireEpochSeconds: expire,
		DataLimitBytes:     int64(dataLimitGB) * models.BytesPerGB,
		PanelType:          panel.NormalizedType(),
		PanelName:          panel.Name,
		PanelID:            panel.ID,
		PanelURL:           panel.BaseURL(),
	}, panel, nil
}

func validatePanel(plan *models.Plan, panel *models.Panel) *ProvisioningError {
	if !panel.IsActive {
		return panelError(KindPanelInactive, plan, panel, "panel %q assigned to plan %q is inactive", panel.Name, plan.Name)
	}
	if panel.IsOffline() {
		return panelError(KindPanelOffline, plan, panel, "panel %q assigned to plan %q is offline", panel.Name, plan.Name)
	}
	if panel.BaseURL() == "" || panel.Credentials.Username == "" || panel.Credentials.Password == "" {
		return panelError(KindPanelMisconfigured, plan, panel, "panel %q has no url or admin credentials", panel.Name)
	}
	if panel.NormalizedType() == models.PanelTypeMarzneshin && len(panel.ServiceIDs()) == 0 {
		return panelError(KindPanelMisconfigured, plan, panel, "marzneshin panel %q has no usable inbound", panel.Name)
	}
	return nil
}

func panelError(kind ErrorKind, plan *models.Plan, panel *models.Panel, format string, args ...any) *ProvisioningError {
	e := newError(kind, format, args...)
	e.PlanID = plan.ID
	e.PanelID = panel.ID
	e.PanelName = panel.Name
	return e
}

func adapterError(plan *models.Plan, panel *models.Panel, provider string, err error) *ProvisioningError {
	if errors.Is(err, client.ErrIncompleteResponse) {
		e := panelError(KindProvisioningIncompleteResponse, plan, panel, "panel response could not be decoded")
		e.Provider = provider
		e.Err = err
		return e
	}

	e := panelError(KindProvisioningTransportError, plan, panel, "panel request failed")
	e.Provider = provider
	e.Err = err
	var te *client.TransportError
	if errors.As(err, &te) {
		e.Provider = te.Provider
		e.StatusCode = te.StatusCode
		e.Message = te.Message
	}
	return e
}

// ResolvePlan looks a plan up by UUID or by identifier slug
func (s *ProvisioningService) ResolvePlan(ctx context.Context, ref string) (*models.Plan, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, newError(KindInvalidRequest, "plan reference is required")
	}

	var plan *models.Plan
	var err error
	if _, parseErr := uuid.Parse(ref); parseErr == nil {
		plan, err = s.deps.Plans.GetActiveByID(ctx, ref)
	} else {
		plan, err = s.deps.Plans.GetActiveBySlug(ctx, ref)
	}
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			e := newError(KindPlanNotFound, "no active plan %q", ref)
			e.PlanID = ref
			return nil, e
		}
		return nil, &ProvisioningError{Kind: KindServiceUnavailable, Message: "load plan", PlanID: ref, Err: err}
	}
	return plan, nil
}

// CreatePaidSubscription provisions a purchase. With a subscription id the
// account is recorded on that subscription exactly once.
func (s *ProvisioningService) CreatePaidSubscription(ctx context.Context, req PaidSubscriptionRequest) (*models.ProvisioningResult, error) {
	plan, err := s.ResolvePlan(ctx, req.PlanRef)
	if err != nil {
		return nil, err
	}

	provisioning := models.ProvisioningRequest{
		PlanID:         plan.ID,
		Username:       req.Username,
		DataLimitGB:    req.DataLimitGB,
		DurationDays:   req.DurationDays,
		Notes:          req.Notes,
		SubscriptionID: req.SubscriptionID,
	}

	if req.SubscriptionID == "" {
		return s.CreateUserFromPanel(ctx, provisioning)
	}

	sub, err := s.loadSubscription(ctx, req.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.PlanID != plan.ID {
		return nil, newError(KindInvalidRequest, "subscription %s belongs to another plan", sub.ID)
	}
	if !strings.EqualFold(sub.Username, req.Username) {
		return nil, newError(KindInvalidRequest, "subscription %s belongs to another user", sub.ID)
	}
	if provisioning.DataLimitGB == 0 {
		provisioning.DataLimitGB = sub.DataLimitGB
	}
	if provisioning.DurationDays == 0 {
		provisioning.DurationDays = sub.DurationDays
	}
	return s.provisionSubscription(ctx, sub, provisioning)
}

// ProvisionSubscription creates the account for an existing subscription
// from its purchase parameters and records it on the subscription.
func (s *ProvisioningService) ProvisionSubscription(ctx context.Context, sub *models.Subscription) (*models.ProvisioningResult, error) {
	return s.provisionSubscription(ctx, sub, models.ProvisioningRequest{
		PlanID:         sub.PlanID,
		Username:       sub.Username,
		DataLimitGB:    sub.DataLimitGB,
		DurationDays:   sub.DurationDays,
		Notes:          sub.Notes,
		SubscriptionID: sub.ID,
	})
}

func (s *ProvisioningService) provisionSubscription(ctx context.Context, sub *models.Subscription, req models.ProvisioningRequest) (*models.ProvisioningResult, error) {
	if sub.VPNUserCreated {
		return nil, newError(KindAlreadyProvisioned, "subscription %s already has a vpn account", sub.ID)
	}

	// 1. Claim the subscription
	key := "provision:" + sub.ID
	if s.deps.Locker != nil {
		token, ok, err := s.deps.Locker.TryLock(ctx, key, s.cfg.LockTTL)
		if err != nil {
			return nil, &ProvisioningError{Kind: KindServiceUnavailable, Message: "acquire provisioning lock", Err: err}
		}
		if !ok {
			return nil, newError(KindProvisioningInProgress, "subscription %s is being provisioned", sub.ID)
		}
		defer func() {
			if err := s.deps.Locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
				s.log.Warn("release provisioning lock", zap.String("subscription_id", sub.ID), zap.Error(err))
			}
		}()
	}

	// 2. Re-check under the claim
	current, err := s.loadSubscription(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	if current.VPNUserCreated {
		return nil, newError(KindAlreadyProvisioned, "subscription %s already has a vpn account", sub.ID)
	}

	// 3. Provision on the plan's panel
	result, err := s.CreateUserFromPanel(ctx, req)
	if err != nil {
		return nil, err
	}

	// 4. Record the account, only if nobody did in the meantime
	swapped, err := s.deps.Subscriptions.MarkProvisioned(ctx, sub.ID, &models.SubscriptionProvisioned{
		SubscriptionURL: result.SubscriptionURL,
		ExpireAt:        result.ExpireAt(),
		PanelID:         result.PanelID,
	})
	if err != nil || !swapped {
		s.orphaned(ctx, sub.ID, result, err)
		if err != nil {
			return nil, &ProvisioningError{Kind: KindServiceUnavailable, Message: "record provisioning",
				PlanID: req.PlanID, PanelID: result.PanelID, PanelName: result.PanelName, Err: err}
		}
		return nil, newError(KindAlreadyProvisioned, "subscription %s was provisioned concurrently", sub.ID)
	}

	s.log.Info("subscription provisioned",
		zap.String("subscription_id", sub.ID),
		zap.String("panel_id", result.PanelID),
		zap.String("panel_type", result.PanelType))
	s.audit(ctx, &models.ProvisioningLog{
		SubscriptionID: sub.ID,
		PlanID:         req.PlanID,
		PanelID:        result.PanelID,
		Username:       result.Username,
		Action:         models.ActionProvisionSucceeded,
		Message:        "vpn account created",
		Metadata: map[string]interface{}{
			"panel_type": result.PanelType,
			"expire":     result.ExpireEpochSeconds,
			"data_limit": result.DataLimitBytes,
		},
	})
	return result, nil
}

// orphaned records a panel account that could not be tied to its subscription
func (s *ProvisioningService) orphaned(ctx context.Context, subscriptionID string, result *models.ProvisioningResult, err error) {
	s.deps.Metrics.IncOrphaned()
	msg := "subscription already provisioned"
	if err != nil {
		msg = err.Error()
	}
	s.log.Error("panel account not recorded on subscription",
		zap.String("subscription_id", subscriptionID),
		zap.String("panel_id", result.PanelID),
		zap.String("username", result.Username),
		zap.String("reason", msg))
	s.audit(ctx, &models.ProvisioningLog{
		SubscriptionID: subscriptionID,
		PanelID:        result.PanelID,
		Username:       result.Username,
		Action:         models.ActionProvisionOrphaned,
		Message:        msg,
	})
}

// CreateFreeTrial provisions a one-off trial account
func (s *ProvisioningService) CreateFreeTrial(ctx context.Context, req FreeTrialRequest) (*models.ProvisioningResult, error) {
	if !s.cfg.TrialEnabled {
		return nil, newError(KindServiceUnavailable, "free trials are disabled")
	}
	if req.Email == "" && req.Phone == "" {
		return nil, newError(KindInvalidRequest, "email or phone is required")
	}

	// 1. One trial per identity
	used, err := s.deps.TestUsers.ExistsByIdentity(ctx, req.Email, req.Phone, req.DeviceFingerprint)
	if err != nil {
		return nil, &ProvisioningError{Kind: KindServiceUnavailable, Message: "check trial eligibility", Err: err}
	}
	if used {
		return nil, newError(KindTrialAlreadyUsed, "a free trial was already used")
	}

	// 2. Provision
	plan, err := s.ResolvePlan(ctx, req.PlanRef)
	if err != nil {
		return nil, err
	}
	result, err := s.CreateUserFromPanel(ctx, models.ProvisioningRequest{
		PlanID:       plan.ID,
		Username:     req.Username,
		DataLimitGB:  req.DataLimitGB,
		DurationDays: req.DurationDays,
		Notes:        req.Notes,
		IsFreeTrial:  true,
	})
	if err != nil {
		return nil, err
	}

	// 3. Remember the trial. The account exists either way.
	err = s.deps.TestUsers.Create(ctx, &models.TestUser{
		Username:          result.Username,
		Email:             req.Email,
		Phone:             req.Phone,
		DeviceFingerprint: req.DeviceFingerprint,
		PlanID:            plan.ID,
		PanelID:           result.PanelID,
		SubscriptionURL:   result.SubscriptionURL,
		ExpireAt:          result.ExpireAt(),
	})
	switch {
	case errors.Is(err, repository.ErrDuplicate):
		s.log.Info("trial user already recorded", zap.String("username", result.Username))
	case err != nil:
		s.log.Error("record trial user", zap.String("username", result.Username), zap.Error(err))
	}

	s.deps.Metrics.IncTrialCreated(result.PanelType)
	s.audit(ctx, &models.ProvisioningLog{
		PlanID:   plan.ID,
		PanelID:  result.PanelID,
		Username: result.Username,
		Action:   models.ActionTrialCreated,
		Message:  "free trial created",
	})
	return result, nil
}

func (s *ProvisioningService) loadSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	sub, err := s.deps.Subscriptions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newError(KindSubscriptionNotFound, "subscription %s not found", id)
		}
		return nil, &ProvisioningError{Kind: KindServiceUnavailable, Message: fmt.Sprintf("load subscription %s", id), Err: err}
	}
	return sub, nil
}

func (s *ProvisioningService) audit(ctx context.Context, entry *models.ProvisioningLog) {
	if s.deps.Logs == nil {
		return
	}
	if err := s.deps.Logs.Create(context.WithoutCancel(ctx), entry); err != nil {
		s.log.Warn("write provisioning log", zap.String("action", entry.Action), zap.Error(err))
	}
}

func panelIDOf(panel *models.Panel) string {
	if panel == nil {
		return ""
	}
	return panel.ID
}
