package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/wenwu/saas-platform/panel-provisioner/internal/models"
	"go.uber.org/zap"
)

var (
	// ErrUnsupportedPanelType is returned by the registry for unknown panel types
	ErrUnsupportedPanelType = errors.New("unsupported panel type")

	// ErrIncompleteResponse marks a 2xx provider response that could not be used
	ErrIncompleteResponse = errors.New("incomplete provider response")
)

// PanelAdapter is a provider-specific client for one panel
type PanelAdapter interface {
	// Provider returns the panel type served by this adapter
	Provider() string

	// CreateUser creates a VPN user on the panel
	CreateUser(ctx context.Context, req CreateUserRequest) (*PanelUser, error)

	// GetUser fetches a VPN user by username
	GetUser(ctx context.Context, username string) (*PanelUser, error)

	// UpdateUser modifies limits, expiry, status or note of a VPN user
	UpdateUser(ctx context.Context, username string, req UpdateUserRequest) (*PanelUser, error)
}

// CreateUserRequest is the provider-neutral user creation request
type CreateUserRequest struct {
	Username         string
	DataLimitGB      int
	DurationDays     int
	Notes            string
	PanelID          string
	EnabledProtocols []string
	SubscriptionID   string
}

// UpdateUserRequest is the provider-neutral user update request.
// Zero values leave the field unchanged.
type UpdateUserRequest struct {
	DataLimitGB        int
	ExpireEpochSeconds int64
	Status             string
	Notes              string
}

// Provider-neutral user statuses
const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
	UserStatusExpired  = "expired"
	UserStatusLimited  = "limited"
)

// PanelUser is the provider-neutral view of a panel user
type PanelUser struct {
	Username        string
	SubscriptionURL string
	Status          string
	Expire          *int64 // epoch seconds, nil when not reported
	DataLimit       *int64 // bytes, nil when not reported
	UsedTraffic     int64
}

// TransportError normalizes auth, non-2xx and network failures of any provider
type TransportError struct {
	Provider   string
	StatusCode int // 0 for network errors
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a provider 404
func IsNotFound(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.StatusCode == http.StatusNotFound
}

// IsConflict reports whether err is a provider 409, e.g. the username is taken
func IsConflict(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.StatusCode == http.StatusConflict
}

// AdapterFactory builds an adapter bound to a panel record
type AdapterFactory func(panel *models.Panel, deps AdapterDeps) PanelAdapter

// AdapterDeps are shared by all adapters built by a registry
type AdapterDeps struct {
	HTTPClient *http.Client
	Tokens     *TokenCache
	Logger     *zap.Logger
}

// AdapterRegistry selects the adapter implementation by panel type
type AdapterRegistry struct {
	factories map[string]AdapterFactory
	deps      AdapterDeps
}

// NewAdapterRegistry creates a registry with the Marzban and Marzneshin adapters
func NewAdapterRegistry(timeout, tokenTTL time.Duration, logger *zap.Logger) *AdapterRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &AdapterRegistry{
		factories: map[string]AdapterFactory{},
		deps: AdapterDeps{
			HTTPClient: &http.Client{Timeout: timeout},
			Tokens:     NewTokenCache(tokenTTL),
			Logger:     logger.Named("panel"),
		},
	}
	r.Register(models.PanelTypeMarzban, NewMarzbanClient)
	r.Register(models.PanelTypeMarzneshin, NewMarzneshinClient)
	return r
}

// Register adds or replaces the factory for a panel type
func (r *AdapterRegistry) Register(panelType string, factory AdapterFactory) {
	panelType = strings.ToLower(strings.TrimSpace(panelType))
	if panelType == "" || factory == nil {
		return
	}
	r.factories[panelType] = factory
}

// ForPanel returns the adapter for the panel's type
func (r *AdapterRegistry) ForPanel(panel *models.Panel) (PanelAdapter, error) {
	if r == nil || panel == nil {
		return nil, ErrUnsupportedPanelType
	}
	factory, ok := r.factories[panel.NormalizedType()]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPanelType, panel.Type)
	}
	return factory(panel, r.deps), nil
}
