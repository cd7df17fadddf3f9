package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wenwu/saas-platform/panel-provisioner/internal/client"
	"github.com/wenwu/saas-platform/panel-provisioner/internal/clock"
	"github.com/wenwu/saas-platform/panel-provisioner/internal/models"
)

type observed struct {
	status ObservedStatus
	data   *StatusData
}

func newReconcilerEnv(t *testing.T, maxDuration time.Duration, subs ...*models.Subscription) (*Reconciler, *testEnv, *clock.FakeClock) {
	t.Helper()
	p1 := onlinePanel("p1", "P1", models.PanelTypeMarzban)
	env := newTestEnv(newFakePlans(planOn("plan-lite", "lite", p1)), newFakeSubscriptions(subs...), false)
	clk := clock.NewFakeClock(fixedNow)
	return NewReconciler(env.subs, env.svc, clk, maxDuration, nil, nil), env, clk
}

func subscription(id, status, decision string) *models.Subscription {
	return &models.Subscription{
		ID:            id,
		Username:      "user-" + id,
		PlanID:        "plan-lite",
		Status:        status,
		AdminDecision: decision,
		DataLimitGB:   10,
		DurationDays:  30,
	}
}

func observe(r *Reconciler, id string) (*Observation, chan observed) {
	events := make(chan observed, 64)
	obs := r.Observe(context.Background(), id, func(s ObservedStatus, d *StatusData) {
		events <- observed{status: s, data: d}
	})
	return obs, events
}

func waitDone(t *testing.T, obs *Observation) {
	t.Helper()
	select {
	case <-obs.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("observation did not finish")
	}
}

func next(t *testing.T, events chan observed) observed {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no status reported")
		return observed{}
	}
}

func nextWait(t *testing.T, clk *clock.FakeClock) time.Duration {
	t.Helper()
	select {
	case d := <-clk.Waits():
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not wait")
		return 0
	}
}

func TestPollInterval(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 3 * time.Second},
		{9, 3 * time.Second},
		{10, 5 * time.Second},
		{19, 5 * time.Second},
		{20, 10 * time.Second},
		{500, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PollInterval(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestReconcileOnce_GateSkipsProvisionedSubscription(t *testing.T) {
	sub := subscription("sub-7", models.SubscriptionStatusActive, models.AdminDecisionApproved)
	sub.VPNUserCreated = true
	sub.SubscriptionURL = strPtr("https://p1.example.com/sub/existing")
	r, env, _ := newReconcilerEnv(t, 0, sub)

	for i := 0; i < 3; i++ {
		status, data, err := r.ReconcileOnce(context.Background(), "sub-7")
		require.NoError(t, err)
		assert.Equal(t, StatusActive, status)
		assert.True(t, data.Terminal(status))
		assert.Equal(t, "https://p1.example.com/sub/existing", data.SubscriptionURL)
	}
	assert.Equal(t, 0, env.adapterCalls())
	assert.Equal(t, 0, env.subs.markCount())
}

func TestReconcileOnce_ProvisionsApprovedSubscription(t *testing.T) {
	r, env, _ := newReconcilerEnv(t, 0, subscription("sub-3", models.SubscriptionStatusActive, models.AdminDecisionApproved))

	status, data, err := r.ReconcileOnce(context.Background(), "sub-3")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, status)
	assert.True(t, data.VPNUserCreated)
	assert.Equal(t, "https://panel.example.com/sub/user-sub-3", data.SubscriptionURL)
	require.NotNil(t, data.ExpireAt)
	assert.Equal(t, fixedNow.Add(30*24*time.Hour).Unix(), data.ExpireAt.Unix())

	// a second tick sees the flag and leaves the panel alone
	_, _, err = r.ReconcileOnce(context.Background(), "sub-3")
	require.NoError(t, err)
	assert.Equal(t, 1, env.marzban.callCount())
	assert.Equal(t, 1, env.subs.markCount())
}

func TestReconcileOnce_ReportsProvisioningFailure(t *testing.T) {
	r, env, _ := newReconcilerEnv(t, 0, subscription("sub-4", models.SubscriptionStatusActive, models.AdminDecisionApproved))
	env.marzban.setErr(&client.TransportError{Provider: "marzban", StatusCode: 502, Message: "bad gateway"})

	status, data, err := r.ReconcileOnce(context.Background(), "sub-4")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, status)
	assert.False(t, data.Terminal(status))
	assert.Equal(t, KindProvisioningTransportError, data.ErrorKind)
	assert.Contains(t, data.ProvisioningError, "bad gateway")
	assert.Equal(t, 0, env.subs.markCount())
}

func TestReconcileOnce_UnknownSubscription(t *testing.T) {
	r, _, _ := newReconcilerEnv(t, 0)
	_, _, err := r.ReconcileOnce(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestObserve_UnknownSubscriptionReportsNotFound(t *testing.T) {
	r, env, _ := newReconcilerEnv(t, time.Minute)

	obs, events := observe(r, "sub-missing")
	waitDone(t, obs)

	ev := next(t, events)
	assert.Equal(t, StatusNotFound, ev.status)
	assert.Equal(t, KindSubscriptionNotFound, ev.data.ErrorKind)
	assert.True(t, ev.data.Terminal(ev.status))
	assert.Empty(t, events)
	assert.Equal(t, 0, env.adapterCalls())
}

func TestObserve_PendingKeepsPollingAtThreeSeconds(t *testing.T) {
	r, env, clk := newReconcilerEnv(t, 0, subscription("sub-1", models.SubscriptionStatusPending, models.AdminDecisionPending))

	obs, events := observe(r, "sub-1")
	for i := 0; i < 10; i++ {
		ev := next(t, events)
		assert.Equal(t, StatusPending, ev.status)
		assert.Equal(t, i, ev.data.Attempt)
		assert.False(t, ev.data.VPNUserCreated)

		d := nextWait(t, clk)
		assert.Equal(t, 3*time.Second, d, "tick %d", i)
		clk.Advance(d)
	}

	ev := next(t, events)
	assert.Equal(t, StatusPending, ev.status)
	assert.Equal(t, 5*time.Second, nextWait(t, clk))

	obs.Unsubscribe()
	waitDone(t, obs)
	assert.Equal(t, 0, env.adapterCalls())
}

func TestObserve_RejectedMidPollStops(t *testing.T) {
	r, env, clk := newReconcilerEnv(t, 0, subscription("sub-2", models.SubscriptionStatusActive, models.AdminDecisionApproved))
	env.marzban.setErr(&client.TransportError{Provider: "marzban", Message: "send request: timeout"})

	obs, events := observe(r, "sub-2")

	ev := next(t, events)
	assert.Equal(t, StatusActive, ev.status)
	assert.Equal(t, KindProvisioningTransportError, ev.data.ErrorKind)
	assert.Equal(t, 1, env.marzban.callCount())

	env.subs.update("sub-2", func(s *models.Subscription) {
		s.AdminDecision = models.AdminDecisionRejected
	})
	clk.Advance(nextWait(t, clk))

	ev = next(t, events)
	assert.Equal(t, StatusRejected, ev.status)
	waitDone(t, obs)

	assert.Equal(t, 1, env.marzban.callCount())
	select {
	case d := <-clk.Waits():
		t.Fatalf("polled again after rejection (wait %s)", d)
	default:
	}
}

func TestObserve_ApprovalProvisionsAndStops(t *testing.T) {
	r, env, clk := newReconcilerEnv(t, 0, subscription("sub-5", models.SubscriptionStatusPaid, models.AdminDecisionPending))

	obs, events := observe(r, "sub-5")
	assert.Equal(t, StatusPending, next(t, events).status)

	env.subs.update("sub-5", func(s *models.Subscription) {
		s.Status = models.SubscriptionStatusActive
		s.AdminDecision = models.AdminDecisionApproved
	})
	clk.Advance(nextWait(t, clk))

	ev := next(t, events)
	assert.Equal(t, StatusActive, ev.status)
	assert.True(t, ev.data.VPNUserCreated)
	assert.Equal(t, 1, ev.data.Attempt)
	waitDone(t, obs)

	assert.Equal(t, 1, env.marzban.callCount())
	assert.Equal(t, 1, env.subs.markCount())
}

func TestObserve_TimesOut(t *testing.T) {
	r, _, clk := newReconcilerEnv(t, 9*time.Second, subscription("sub-6", models.SubscriptionStatusPending, models.AdminDecisionPending))

	obs, events := observe(r, "sub-6")
	for i := 0; i < 3; i++ {
		assert.Equal(t, StatusPending, next(t, events).status)
		clk.Advance(nextWait(t, clk))
	}

	ev := next(t, events)
	assert.True(t, ev.data.TimedOut)
	assert.Equal(t, StatusPending, ev.status)
	waitDone(t, obs)
}

func TestObserve_UnsubscribeStopsPolling(t *testing.T) {
	r, _, clk := newReconcilerEnv(t, 0, subscription("sub-8", models.SubscriptionStatusPending, models.AdminDecisionPending))

	obs, events := observe(r, "sub-8")
	next(t, events)
	nextWait(t, clk)

	obs.Unsubscribe()
	waitDone(t, obs)
}
