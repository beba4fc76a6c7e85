package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskforge/internal/capacity"
	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/logging"
	"github.com/aristath/taskforge/internal/pool"
)

type fakePool struct {
	mu   sync.Mutex
	snap pool.Snapshot
}

func (f *fakePool) Snapshot() pool.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakePool) set(s pool.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = s
}

type fakeGate []capacity.ClassSnapshot

func (g fakeGate) Snapshot() []capacity.ClassSnapshot { return g }

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func drainAlerts(ch <-chan events.Event) []events.AlertEvent {
	var out []events.AlertEvent
	for {
		select {
		case evt := <-ch:
			if a, ok := evt.(events.AlertEvent); ok {
				out = append(out, a)
			}
		default:
			return out
		}
	}
}

func TestSampleComputesUtilizationAndLeaseStats(t *testing.T) {
	p := &fakePool{snap: pool.Snapshot{
		Enabled:   true,
		Size:      4,
		Available: 1,
		Leased:    3,
		Waiters:   0,
		Leases: []pool.LeaseInfo{
			{HandleID: "h1", Owner: "a", LeasedAt: t0.Add(-30 * time.Minute)},
			{HandleID: "h2", Owner: "b", LeasedAt: t0.Add(-10 * time.Minute)},
			{HandleID: "h3", Owner: "c", LeasedAt: t0.Add(-20 * time.Minute)},
		},
	}}
	gate := fakeGate{{Name: "sonnet", Limit: 2, Active: 2, TaskIDs: []string{"a", "b"}}}
	m := New(Config{}, p, gate, nil, logging.Nop())

	r := m.Sample(t0)

	assert.Equal(t, 75.0, r.Utilization)
	assert.Equal(t, LeaseStats{Count: 3, Min: 10 * time.Minute, Max: 30 * time.Minute, Avg: 20 * time.Minute}, r.Leases)
	assert.Equal(t, []capacity.ClassSnapshot(gate), r.Classes)
	assert.Empty(t, r.Alerts)
	assert.Equal(t, r, m.Last())
}

func TestEmptyPoolReport(t *testing.T) {
	m := New(Config{StuckLeaseThreshold: time.Minute, ExhaustedThreshold: time.Minute}, &fakePool{}, nil, nil, logging.Nop())
	r := m.Sample(t0)
	assert.Zero(t, r.Utilization)
	assert.Equal(t, LeaseStats{}, r.Leases)
	assert.Empty(t, r.Alerts)
}

func TestStuckLeaseRaisedOnceAndResolved(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	alerts := bus.Subscribe(16, events.TopicAlert)

	p := &fakePool{snap: pool.Snapshot{
		Size:   1,
		Leased: 1,
		Leases: []pool.LeaseInfo{{HandleID: "slot-1", Owner: "t1", LeasedAt: t0.Add(-2 * time.Hour)}},
	}}
	m := New(Config{StuckLeaseThreshold: time.Hour}, p, nil, bus, logging.Nop())

	r := m.Sample(t0)
	require.Len(t, r.Alerts, 1)
	assert.Equal(t, KindStuckLease, r.Alerts[0].Kind)
	assert.Equal(t, "slot-1/t1", r.Alerts[0].Subject)
	assert.Contains(t, r.Alerts[0].Message, "t1")

	got := drainAlerts(alerts)
	require.Len(t, got, 1)
	assert.False(t, got[0].Resolved)

	// Still stuck: reported, but not raised again.
	r = m.Sample(t0.Add(time.Minute))
	assert.Len(t, r.Alerts, 1)
	assert.Empty(t, drainAlerts(alerts))

	p.set(pool.Snapshot{Size: 1, Available: 1})
	r = m.Sample(t0.Add(2 * time.Minute))
	assert.Empty(t, r.Alerts)
	got = drainAlerts(alerts)
	require.Len(t, got, 1)
	assert.True(t, got[0].Resolved)
	assert.Equal(t, "slot-1/t1", got[0].Subject)
}

func TestStuckLeaseOnReusedHandle(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	alerts := bus.Subscribe(16, events.TopicAlert)

	stuck := func(owner string, leasedAt time.Time) pool.Snapshot {
		return pool.Snapshot{
			Size:   1,
			Leased: 1,
			Leases: []pool.LeaseInfo{{HandleID: "slot-1", Owner: owner, LeasedAt: leasedAt}},
		}
	}
	p := &fakePool{snap: stuck("t1", t0.Add(-2*time.Hour))}
	m := New(Config{StuckLeaseThreshold: time.Hour}, p, nil, bus, logging.Nop())

	m.Sample(t0)
	require.Len(t, drainAlerts(alerts), 1)

	// Between samples the handle went back and was leased to another task
	// that is stuck as well.
	p.set(stuck("t2", t0.Add(-90*time.Minute)))
	r := m.Sample(t0.Add(time.Hour))
	require.Len(t, r.Alerts, 1)
	assert.Equal(t, "slot-1/t2", r.Alerts[0].Subject)

	got := drainAlerts(alerts)
	require.Len(t, got, 2)
	assert.True(t, got[0].Resolved)
	assert.Equal(t, "slot-1/t1", got[0].Subject)
	assert.False(t, got[1].Resolved)
	assert.Equal(t, "slot-1/t2", got[1].Subject)

	// Same task, new lease: still a new occurrence.
	p.set(stuck("t2", t0.Add(-time.Minute)))
	m.Sample(t0.Add(2 * time.Hour))
	got = drainAlerts(alerts)
	require.Len(t, got, 2)
	assert.True(t, got[0].Resolved)
	assert.False(t, got[1].Resolved)
}

func TestPoolExhaustedAfterThreshold(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	alerts := bus.Subscribe(16, events.TopicAlert)

	p := &fakePool{snap: pool.Snapshot{Size: 2, Leased: 2, Waiters: 3, ExhaustedSince: t0}}
	m := New(Config{ExhaustedThreshold: 5 * time.Minute}, p, nil, bus, logging.Nop())

	assert.Empty(t, m.Sample(t0.Add(time.Minute)).Alerts, "below threshold")

	r := m.Sample(t0.Add(6 * time.Minute))
	require.Len(t, r.Alerts, 1)
	assert.Equal(t, KindPoolExhausted, r.Alerts[0].Kind)
	assert.Contains(t, r.Alerts[0].Message, "3 waiting")
	require.Len(t, drainAlerts(alerts), 1)
}

func TestDisabledThresholds(t *testing.T) {
	p := &fakePool{snap: pool.Snapshot{
		Size:           1,
		Leased:         1,
		ExhaustedSince: t0.Add(-24 * time.Hour),
		Leases:         []pool.LeaseInfo{{HandleID: "slot-1", LeasedAt: t0.Add(-24 * time.Hour)}},
	}}
	m := New(Config{}, p, nil, nil, logging.Nop())
	assert.Empty(t, m.Sample(t0).Alerts)
}

func TestSamplePublishesHealthEvent(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	samples := bus.Subscribe(4, events.TopicHealth)

	p := &fakePool{snap: pool.Snapshot{Size: 2, Available: 1, Leased: 1, Waiters: 0}}
	gate := fakeGate{{Name: "gpt", Limit: 0, Active: 1}}
	m := New(Config{}, p, gate, bus, logging.Nop())
	m.Sample(t0)

	select {
	case evt := <-samples:
		sample, ok := evt.(events.HealthSampleEvent)
		require.True(t, ok)
		assert.Equal(t, 50.0, sample.Utilization)
		assert.Equal(t, []events.ClassLoad{{Name: "gpt", Active: 1}}, sample.Classes)
		assert.Equal(t, t0, sample.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("expected a health sample")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	m := New(Config{Interval: 5 * time.Millisecond}, &fakePool{}, nil, nil, logging.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return !m.Last().Time.IsZero() }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
