package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/wenwu/saas-platform/panel-provisioner/internal/client"
	"github.com/wenwu/saas-platform/panel-provisioner/internal/models"
	"github.com/wenwu/saas-platform/panel-provisioner/internal/repository"
)

type fakePlans struct {
	plans map[string]*models.Plan
}

func newFakePlans(plans ...*models.Plan) *fakePlans {
	f := &fakePlans{plans: map[string]*models.Plan{}}
	for _, p := range plans {
		f.plans[p.ID] = p
	}
	return f
}

func (f *fakePlans) GetActiveByID(_ context.Context, id string) (*models.Plan, error) {
	p, ok := f.plans[id]
	if !ok || !p.IsActive {
		return nil, repository.ErrNotFound
	}
	return p, nil
}

func (f *fakePlans) GetActiveBySlug(_ context.Context, slug string) (*models.Plan, error) {
	for _, p := range f.plans {
		if p.IsActive && strings.EqualFold(p.PlanIdentifier, slug) {
			return p, nil
		}
	}
	return nil, repository.ErrNotFound
}

// recordingAdapter records every CreateUser call and the panels it was built for
type recordingAdapter struct {
	mu       sync.Mutex
	provider string
	panels   []string
	calls    []client.CreateUserRequest
	lookups  []string
	updates  []client.UpdateUserRequest
	user     *client.PanelUser
	err      error
	existing map[string]*client.PanelUser
}

func (a *recordingAdapter) factory(panel *models.Panel, _ client.AdapterDeps) client.PanelAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.panels = append(a.panels, panel.ID)
	return a
}

func (a *recordingAdapter) Provider() string {
	return a.provider
}

func (a *recordingAdapter) CreateUser(_ context.Context, req client.CreateUserRequest) (*client.PanelUser, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, req)
	if a.err != nil {
		return nil, a.err
	}
	if a.user != nil {
		u := *a.user
		return &u, nil
	}
	return &client.PanelUser{
		Username:        req.Username,
		SubscriptionURL: "https://panel.example.com/sub/" + req.Username,
		Status:          "active",
	}, nil
}

func (a *recordingAdapter) GetUser(_ context.Context, username string) (*client.PanelUser, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lookups = append(a.lookups, username)
	u, ok := a.existing[username]
	if !ok {
		return nil, &client.TransportError{Provider: a.provider, StatusCode: http.StatusNotFound, Message: "User not found"}
	}
	cp := *u
	return &cp, nil
}

func (a *recordingAdapter) UpdateUser(_ context.Context, username string, req client.UpdateUserRequest) (*client.PanelUser, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.updates = append(a.updates, req)
	u, ok := a.existing[username]
	if !ok {
		return nil, &client.TransportError{Provider: a.provider, StatusCode: http.StatusNotFound, Message: "User not found"}
	}
	if req.Status != "" {
		u.Status = req.Status
	}
	cp := *u
	return &cp, nil
}

func (a *recordingAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func (a *recordingAdapter) setErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
}

// newRecordingRegistry returns a registry whose marzban and marzneshin
// adapters are replaced by recorders
func newRecordingRegistry() (*client.AdapterRegistry, *recordingAdapter, *recordingAdapter) {
	registry := client.NewAdapterRegistry(time.Second, time.Minute, nil)
	marzban := &recordingAdapter{provider: models.PanelTypeMarzban}
	marzneshin := &recordingAdapter{provider: models.PanelTypeMarzneshin}
	registry.Register(models.PanelTypeMarzban, marzban.factory)
	registry.Register(models.PanelTypeMarzneshin, marzneshin.factory)
	return registry, marzban, marzneshin
}

type fakeSubscriptions struct {
	mu       sync.Mutex
	subs     map[string]*models.Subscription
	marks    int
	loseRace bool
	getErr   error
}

func newFakeSubscriptions(subs ...*models.Subscription) *fakeSubscriptions {
	f := &fakeSubscriptions{subs: map[string]*models.Subscription{}}
	for _, s := range subs {
		f.subs[s.ID] = s
	}
	return f
}

func (f *fakeSubscriptions) GetByID(_ context.Context, id string) (*models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	s, ok := f.subs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSubscriptions) MarkProvisioned(_ context.Context, id string, p *models.SubscriptionProvisioned) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[id]
	if !ok || s.VPNUserCreated || f.loseRace {
		return false, nil
	}
	url := p.SubscriptionURL
	s.VPNUserCreated = true
	s.SubscriptionURL = &url
	s.ExpireAt = p.ExpireAt
	s.Status = models.SubscriptionStatusActive
	f.marks++
	return true, nil
}

func (f *fakeSubscriptions) update(id string, fn func(s *models.Subscription)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.subs[id])
}

func (f *fakeSubscriptions) markCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.marks
}

type fakeTestUsers struct {
	mu        sync.Mutex
	users     []*models.TestUser
	createErr error
}

func (f *fakeTestUsers) ExistsByIdentity(_ context.Context, email, phone, fingerprint string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if (email != "" && u.Email == email) ||
			(phone != "" && u.Phone == phone) ||
			(fingerprint != "" && u.DeviceFingerprint == fingerprint) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeTestUsers) Create(_ context.Context, u *models.TestUser) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.users = append(f.users, u)
	return nil
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]string
	seq  int
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: map[string]string{}}
}

func (l *fakeLocker) TryLock(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return "", false, nil
	}
	l.seq++
	token := fmt.Sprintf("%s#%d", key, l.seq)
	l.held[key] = token
	return token, true, nil
}

func (l *fakeLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
	}
	return nil
}

type fakeLogs struct {
	mu      sync.Mutex
	entries []*models.ProvisioningLog
}

func (f *fakeLogs) Create(_ context.Context, entry *models.ProvisioningLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeLogs) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e.Action)
	}
	return out
}

func strPtr(s string) *string {
	return &s
}

func onlinePanel(id, name, panelType string) *models.Panel {
	return &models.Panel{
		ID:           id,
		Name:         name,
		Type:         panelType,
		URL:          "https://" + strings.ToLower(name) + ".example.com",
		Credentials:  models.PanelCredentials{Username: "admin", Password: "secret"},
		IsActive:     true,
		HealthStatus: models.HealthStatusOnline,
	}
}

func planOn(id, slug string, panel *models.Panel) *models.Plan {
	plan := &models.Plan{
		ID:                  id,
		PlanIdentifier:      slug,
		Name:                strings.ToUpper(slug[:1]) + slug[1:],
		IsActive:            true,
		DefaultDataLimitGB:  50,
		DefaultDurationDays: 30,
	}
	if panel != nil {
		plan.AssignedPanelID = strPtr(panel.ID)
		plan.Panel = panel
	}
	return plan
}
