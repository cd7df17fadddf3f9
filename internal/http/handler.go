package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/wenwu/saas-platform/panel-provisioner/internal/models"
	"github.com/wenwu/saas-platform/panel-provisioner/internal/repository"
	"github.com/wenwu/saas-platform/panel-provisioner/internal/service"
	"go.uber.org/zap"
)

// Provisioner is the provisioning surface used by the handlers
type Provisioner interface {
	CreatePaidSubscription(ctx context.Context, req service.PaidSubscriptionRequest) (*models.ProvisioningResult, error)
	CreateFreeTrial(ctx context.Context, req service.FreeTrialRequest) (*models.ProvisioningResult, error)
	ResolvePlan(ctx context.Context, ref string) (*models.Plan, error)
}

// StatusObserver drives subscription reconciliation
type StatusObserver interface {
	ReconcileOnce(ctx context.Context, subscriptionID string) (service.ObservedStatus, *service.StatusData, error)
	Observe(ctx context.Context, subscriptionID string, onStatusChange func(service.ObservedStatus, *service.StatusData)) *service.Observation
}

type SubscriptionReader interface {
	GetByID(ctx context.Context, id string) (*models.Subscription, error)
}

type AuditLogReader interface {
	ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]*models.ProvisioningLog, error)
}

type PanelReader interface {
	GetByID(ctx context.Context, id string) (*models.Panel, error)
	List(ctx context.Context) ([]*models.Panel, error)
}

type Handler struct {
	provisioner   Provisioner
	reconciler    StatusObserver
	subscriptions SubscriptionReader
	logs          AuditLogReader
	panels        PanelReader
	log           *zap.Logger
}

func NewHandler(provisioner Provisioner, reconciler StatusObserver, subscriptions SubscriptionReader, logs AuditLogReader, panels PanelReader, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		provisioner:   provisioner,
		reconciler:    reconciler,
		subscriptions: subscriptions,
		logs:          logs,
		panels:        panels,
		log:           logger.Named("http"),
	}
}

// ==================== Internal API Handlers ====================

// Provision creates the VPN account of a purchase on the plan's panel
func (h *Handler) Provision(c *gin.Context) {
	var req models.ProvisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error(), Kind: string(service.KindInvalidRequest)})
		return
	}

	result, err := h.provisioner.CreatePaidSubscription(c.Request.Context(), service.PaidSubscriptionRequest{
		Username:       req.Username,
		PlanRef:        req.Plan,
		DataLimitGB:    req.DataLimitGB,
		DurationDays:   req.DurationDays,
		SubscriptionID: req.SubscriptionID,
		Notes:          req.Notes,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, models.ProvisionResponse{Success: true, Data: result})
}

// CreateTrial creates a free trial account for the identity in the body
func (h *Handler) CreateTrial(c *gin.Context) {
	var req models.TrialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error(), Kind: string(service.KindInvalidRequest)})
		return
	}
	if req.Username == "" {
		req.Username = trialUsername()
	}
	h.createTrial(c, req)
}

// ProvisionSubscription runs one reconcile tick for a subscription. This is
// the manual "Create VPN" action.
func (h *Handler) ProvisionSubscription(c *gin.Context) {
	status, data, err := h.reconciler.ReconcileOnce(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "status": status, "data": data})
}

// SubscriptionStatus streams status events for any subscription
func (h *Handler) SubscriptionStatus(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.loadSubscription(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	h.streamStatus(c, id)
}

// SubscriptionLogs lists the provisioning audit trail of a subscription
func (h *Handler) SubscriptionLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	entries, err := h.logs.ListBySubscription(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.log.Error("list provisioning logs", zap.String("subscription_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to list logs"})
		return
	}

	resp := make([]models.ProvisioningLogResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, models.ProvisioningLogResponse{
			ID:        e.ID,
			Action:    e.Action,
			PlanID:    e.PlanID,
			PanelID:   e.PanelID,
			Username:  e.Username,
			ErrorKind: e.ErrorKind,
			Message:   e.Message,
			Metadata:  e.Metadata,
			CreatedAt: e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": resp})
}

// GetPlan resolves a plan by id or identifier
func (h *Handler) GetPlan(c *gin.Context) {
	plan, err := h.provisioner.ResolvePlan(c.Request.Context(), c.Param("ref"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": models.NewPlanResponse(plan)})
}

// ListPanels lists configured panels without their credentials
func (h *Handler) ListPanels(c *gin.Context) {
	panels, err := h.panels.List(c.Request.Context())
	if err != nil {
		h.log.Error("list panels", zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to list panels"})
		return
	}

	resp := make([]*models.PanelResponse, 0, len(panels))
	for _, p := range panels {
		resp = append(resp, models.NewPanelResponse(p))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": resp})
}

// GetPanel returns one panel without its credentials
func (h *Handler) GetPanel(c *gin.Context) {
	panel, err := h.panels.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "panel not found"})
			return
		}
		h.log.Error("get panel", zap.String("panel_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to get panel"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": models.NewPanelResponse(panel)})
}

// ==================== User API Handlers ====================

// GetMySubscriptionStatus streams status events for a subscription owned by
// the caller
func (h *Handler) GetMySubscriptionStatus(c *gin.Context) {
	id := c.Param("id")
	sub, err := h.loadSubscription(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	// 不暴露他人订阅是否存在
	if sub.Username != c.GetString("username") {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "subscription not found", Kind: string(service.KindSubscriptionNotFound)})
		return
	}
	h.streamStatus(c, id)
}

// ActivateMyTrial creates a free trial for the authenticated user
func (h *Handler) ActivateMyTrial(c *gin.Context) {
	var req models.TrialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error(), Kind: string(service.KindInvalidRequest)})
		return
	}
	req.Username = c.GetString("username")
	h.createTrial(c, req)
}

func (h *Handler) createTrial(c *gin.Context, req models.TrialRequest) {
	result, err := h.provisioner.CreateFreeTrial(c.Request.Context(), service.FreeTrialRequest{
		Username:          req.Username,
		PlanRef:           req.Plan,
		DataLimitGB:       req.DataLimitGB,
		DurationDays:      req.DurationDays,
		Email:             req.Email,
		Phone:             req.Phone,
		DeviceFingerprint: req.DeviceFingerprint,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.ProvisionResponse{Success: true, Data: result})
}

// ==================== Helpers ====================

type statusEvent struct {
	status service.ObservedStatus
	data   *service.StatusData
}

// streamStatus pushes every observed status as a Server-Sent Event named
// after the status. The stream ends with the observation.
func (h *Handler) streamStatus(c *gin.Context, id string) {
	ctx := c.Request.Context()
	events := make(chan statusEvent, 16)

	obs := h.reconciler.Observe(ctx, id, func(status service.ObservedStatus, data *service.StatusData) {
		select {
		case events <- statusEvent{status: status, data: data}:
		case <-ctx.Done():
		}
	})
	defer obs.Unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	c.Status(http.StatusOK)
	for {
		select {
		case ev := <-events:
			h.sendEvent(c, ev)
		case <-obs.Done():
			// the last callback runs before Done closes
			for {
				select {
				case ev := <-events:
					h.sendEvent(c, ev)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) sendEvent(c *gin.Context, ev statusEvent) {
	c.SSEvent(string(ev.status), ev.data)
	c.Writer.Flush()
}

func (h *Handler) loadSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	sub, err := h.subscriptions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, service.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// writeError maps provisioning errors onto HTTP statuses
func (h *Handler) writeError(c *gin.Context, err error) {
	var perr *service.ProvisioningError
	if !errors.As(err, &perr) {
		h.log.Error("unexpected error", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "internal error"})
		return
	}

	c.JSON(statusFor(perr), models.ErrorResponse{
		Error:   perr.Error(),
		Kind:    string(perr.Kind),
		PlanID:  perr.PlanID,
		PanelID: perr.PanelID,
	})
}

func statusFor(err *service.ProvisioningError) int {
	if err.IsConfiguration() {
		return http.StatusUnprocessableEntity
	}
	switch err.Kind {
	case service.KindPlanNotFound, service.KindSubscriptionNotFound:
		return http.StatusNotFound
	case service.KindProvisioningTransportError, service.KindProvisioningIncompleteResponse:
		return http.StatusBadGateway
	case service.KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case service.KindAlreadyProvisioned, service.KindTrialAlreadyUsed, service.KindProvisioningInProgress:
		return http.StatusConflict
	case service.KindInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// trialUsername generates a panel username for anonymous trials
func trialUsername() string {
	return "trial_" + uuid.NewString()[:8]
}
