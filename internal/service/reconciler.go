package service

import (
	"context"
	"errors"
	"time"

	"github.com/wenwu/saas-platform/panel-provisioner/internal/clock"
	"github.com/wenwu/saas-platform/panel-provisioner/internal/metrics"
	"github.com/wenwu/saas-platform/panel-provisioner/internal/models"
	"github.com/wenwu/saas-platform/panel-provisioner/internal/repository"
	"go.uber.org/zap"
)

// DefaultMaxObservation bounds a single observation
const DefaultMaxObservation = 10 * time.Minute

// ObservedStatus is the status reported to observers
type ObservedStatus string

const (
	StatusPending  ObservedStatus = "pending"
	StatusActive   ObservedStatus = "active"
	StatusRejected ObservedStatus = "rejected"
	StatusNotFound ObservedStatus = "not_found"
)

// StatusData accompanies an observed status
type StatusData struct {
	SubscriptionID    string     `json:"subscription_id"`
	VPNUserCreated    bool       `json:"vpn_user_created"`
	SubscriptionURL   string     `json:"subscription_url,omitempty"`
	ExpireAt          *time.Time `json:"expire_at,omitempty"`
	ProvisioningError string     `json:"provisioning_error,omitempty"`
	ErrorKind         ErrorKind  `json:"error_kind,omitempty"`
	TimedOut          bool       `json:"timed_out,omitempty"`
	Attempt           int        `json:"attempt"`
}

// Terminal reports whether polling should stop after this status
func (d *StatusData) Terminal(status ObservedStatus) bool {
	return status == StatusRejected || status == StatusNotFound || (status == StatusActive && d.VPNUserCreated)
}

// SubscriptionProvisioner creates and records the account of a subscription
type SubscriptionProvisioner interface {
	ProvisionSubscription(ctx context.Context, sub *models.Subscription) (*models.ProvisioningResult, error)
}

// SubscriptionReader reads subscriptions
type SubscriptionReader interface {
	GetByID(ctx context.Context, id string) (*models.Subscription, error)
}

// Observation is a running status observation
type Observation struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Unsubscribe stops the observation. No callback runs after Done is closed.
func (o *Observation) Unsubscribe() {
	o.cancel()
}

// Done is closed when polling has ended
func (o *Observation) Done() <-chan struct{} {
	return o.done
}

// Reconciler polls a subscription until it is provisioned or rejected,
// triggering provisioning once it is approved.
type Reconciler struct {
	subs        SubscriptionReader
	provisioner SubscriptionProvisioner
	clock       clock.Clock
	maxDuration time.Duration
	metrics     metrics.ProvisioningMetrics
	log         *zap.Logger
}

// NewReconciler creates a new reconciler
func NewReconciler(
	subs SubscriptionReader,
	provisioner SubscriptionProvisioner,
	clk clock.Clock,
	maxDuration time.Duration,
	m metrics.ProvisioningMetrics,
	logger *zap.Logger,
) *Reconciler {
	if clk == nil {
		clk = clock.New()
	}
	if maxDuration <= 0 {
		maxDuration = DefaultMaxObservation
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		subs:        subs,
		provisioner: provisioner,
		clock:       clk,
		maxDuration: maxDuration,
		metrics:     m,
		log:         logger.Named("reconciler"),
	}
}

// PollInterval returns the wait after the given zero-based attempt
func PollInterval(attempt int) time.Duration {
	switch {
	case attempt < 10:
		return 3 * time.Second
	case attempt < 20:
		return 5 * time.Second
	default:
		return 10 * time.Second
	}
}

// Observe polls the subscription in the background and reports every tick to
// onStatusChange until a terminal status, the time ceiling, or Unsubscribe.
// A subscription that disappears is reported once as StatusNotFound.
func (r *Reconciler) Observe(ctx context.Context, subscriptionID string, onStatusChange func(ObservedStatus, *StatusData)) *Observation {
	ctx, cancel := context.WithCancel(ctx)
	obs := &Observation{cancel: cancel, done: make(chan struct{})}

	r.metrics.ObservationStarted()
	go func() {
		defer close(obs.done)
		defer r.metrics.ObservationFinished()
		defer cancel()
		r.poll(ctx, subscriptionID, onStatusChange)
	}()
	return obs
}

func (r *Reconciler) poll(ctx context.Context, subscriptionID string, onStatusChange func(ObservedStatus, *StatusData)) {
	started := r.clock.Now()
	lastStatus := StatusPending

	for attempt := 0; ; attempt++ {
		status, data, err := r.ReconcileOnce(ctx, subscriptionID)
		if ctx.Err() != nil {
			return
		}
		switch {
		case errors.Is(err, ErrSubscriptionNotFound):
			r.log.Warn("observed subscription not found", zap.String("subscription_id", subscriptionID))
			onStatusChange(StatusNotFound, &StatusData{
				SubscriptionID:    subscriptionID,
				ProvisioningError: err.Error(),
				ErrorKind:         KindSubscriptionNotFound,
				Attempt:           attempt,
			})
			return
		case err != nil:
			r.log.Warn("reconcile tick failed", zap.String("subscription_id", subscriptionID), zap.Error(err))
		default:
			data.Attempt = attempt
			lastStatus = status
			onStatusChange(status, data)
			if data.Terminal(status) {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(PollInterval(attempt)):
		}

		if r.clock.Now().Sub(started) >= r.maxDuration {
			r.log.Info("observation timed out", zap.String("subscription_id", subscriptionID), zap.Int("attempts", attempt+1))
			onStatusChange(lastStatus, &StatusData{
				SubscriptionID: subscriptionID,
				TimedOut:       true,
				Attempt:        attempt + 1,
			})
			return
		}
	}
}

// ReconcileOnce reads the subscription and, when it is approved but has no
// account yet, provisions it. Provisioning failures are reported in the
// returned data, not as an error.
func (r *Reconciler) ReconcileOnce(ctx context.Context, subscriptionID string) (ObservedStatus, *StatusData, error) {
	sub, err := r.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil, newError(KindSubscriptionNotFound, "subscription %s not found", subscriptionID)
		}
		return "", nil, err
	}

	status, data := r.reconcile(ctx, sub)
	r.metrics.IncReconcileTick(string(status))
	return status, data, nil
}

func (r *Reconciler) reconcile(ctx context.Context, sub *models.Subscription) (ObservedStatus, *StatusData) {
	switch {
	case sub.IsRejected():
		return StatusRejected, subscriptionData(sub)
	case sub.VPNUserCreated:
		return StatusActive, subscriptionData(sub)
	case !sub.IsApproved():
		return StatusPending, subscriptionData(sub)
	}

	result, err := r.provisioner.ProvisionSubscription(ctx, sub)
	if err != nil {
		if errors.Is(err, ErrAlreadyProvisioned) {
			if current, getErr := r.subs.GetByID(ctx, sub.ID); getErr == nil && current.VPNUserCreated {
				return StatusActive, subscriptionData(current)
			}
		}
		data := subscriptionData(sub)
		data.ProvisioningError = err.Error()
		data.ErrorKind = KindOf(err)
		return StatusActive, data
	}

	return StatusActive, &StatusData{
		SubscriptionID:  sub.ID,
		VPNUserCreated:  true,
		SubscriptionURL: result.SubscriptionURL,
		ExpireAt:        result.ExpireAt(),
	}
}

func subscriptionData(sub *models.Subscription) *StatusData {
	data := &StatusData{
		SubscriptionID: sub.ID,
		VPNUserCreated: sub.VPNUserCreated,
		ExpireAt:       sub.ExpireAt,
	}
	if sub.SubscriptionURL != nil {
		data.SubscriptionURL = *sub.SubscriptionURL
	}
	return data
}
