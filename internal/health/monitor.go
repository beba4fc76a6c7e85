// Package health samples the resource pool and capacity gate on an interval
// and raises alerts for leases held too long and for a pool that stays
// exhausted. It only reads state; it never changes it.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aristath/taskforge/internal/capacity"
	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/logging"
	"github.com/aristath/taskforge/internal/pool"
)

// Alert kinds raised by the monitor.
const (
	KindStuckLease    = events.AlertStuckLease
	KindPoolExhausted = events.AlertPoolExhausted
)

// PoolSource is the read side of the resource pool.
type PoolSource interface {
	Snapshot() pool.Snapshot
}

// CapacitySource is the read side of the capacity gate.
type CapacitySource interface {
	Snapshot() []capacity.ClassSnapshot
}

// Config configures a Monitor.
type Config struct {
	Interval            time.Duration // default 30s
	StuckLeaseThreshold time.Duration // 0 disables stuck_lease
	ExhaustedThreshold  time.Duration // 0 disables pool_exhausted
}

// Alert is a condition that holds at sample time.
type Alert struct {
	Kind    string    `json:"kind"`
	Subject string    `json:"subject"`
	Message string    `json:"message"`
	Since   time.Time `json:"since"`
}

// key identifies one occurrence of a condition. Since is part of it so a
// handle re-leased between samples raises a fresh alert.
func (a Alert) key() string {
	return fmt.Sprintf("%s/%s@%d", a.Kind, a.Subject, a.Since.UnixNano())
}

// LeaseStats summarizes how long current leases have been held.
type LeaseStats struct {
	Count int           `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
}

// Report is one health sample.
type Report struct {
	Time          time.Time                `json:"time"`
	Enabled       bool                     `json:"enabled"`
	Size          int                      `json:"size"`
	Available     int                      `json:"available"`
	Leased        int                      `json:"leased"`
	Waiters       int                      `json:"waiters"`
	Utilization   float64                  `json:"utilization"` // percent
	Leases        LeaseStats               `json:"leases"`
	Classes       []capacity.ClassSnapshot `json:"classes"`
	DirtyReleases int                      `json:"dirty_releases"`
	Quarantined   int                      `json:"quarantined"`
	Alerts        []Alert                  `json:"alerts"`
}

// Monitor samples pool and gate state.
type Monitor struct {
	cfg    Config
	pool   PoolSource
	gate   CapacitySource
	bus    *events.Bus
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]Alert
	last   Report
}

// New creates a Monitor. gate and bus may be nil.
func New(cfg Config, p PoolSource, gate CapacitySource, bus *events.Bus, logger *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Monitor{
		cfg:    cfg,
		pool:   p,
		gate:   gate,
		bus:    bus,
		logger: logging.OrNop(logger).With("component", "health"),
		active: make(map[string]Alert),
	}
}

// Run samples on every interval tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.Sample(time.Now())
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			m.Sample(now)
		}
	}
}

// Sample takes one reading at now, emits alert transitions and publishes
// the sample.
func (m *Monitor) Sample(now time.Time) Report {
	snap := m.pool.Snapshot()
	r := Report{
		Time:          now,
		Enabled:       snap.Enabled,
		Size:          snap.Size,
		Available:     snap.Available,
		Leased:        snap.Leased,
		Waiters:       snap.Waiters,
		Utilization:   snap.Utilization(),
		Leases:        leaseStats(snap.Leases, now),
		DirtyReleases: snap.DirtyReleases,
		Quarantined:   snap.Quarantined,
	}
	if m.gate != nil {
		r.Classes = m.gate.Snapshot()
	}

	current := m.detect(snap, now)
	r.Alerts = m.transition(current, now)

	m.mu.Lock()
	m.last = r
	m.mu.Unlock()

	classes := make([]events.ClassLoad, 0, len(r.Classes))
	for _, cs := range r.Classes {
		classes = append(classes, events.ClassLoad{Name: cs.Name, Active: cs.Active, Limit: cs.Limit})
	}
	m.bus.Publish(events.TopicHealth, events.HealthSampleEvent{
		Size:        r.Size,
		Available:   r.Available,
		Leased:      r.Leased,
		Waiters:     r.Waiters,
		Utilization: r.Utilization,
		Classes:     classes,
		Alerts:      len(r.Alerts),
		Timestamp:   now,
	})
	m.logger.Debug("health sample",
		"size", r.Size,
		"available", r.Available,
		"waiters", r.Waiters,
		"utilization", fmt.Sprintf("%.0f%%", r.Utilization),
		"alerts", len(r.Alerts),
	)
	return r
}

// Last returns the most recent sample.
func (m *Monitor) Last() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Monitor) detect(snap pool.Snapshot, now time.Time) []Alert {
	var alerts []Alert
	if t := m.cfg.StuckLeaseThreshold; t > 0 {
		for _, l := range snap.Leases {
			if age := now.Sub(l.LeasedAt); age > t {
				alerts = append(alerts, Alert{
					Kind:    KindStuckLease,
					Subject: l.HandleID + "/" + l.Owner,
					Message: fmt.Sprintf("handle %s leased to %s for %s", l.HandleID, l.Owner, age.Round(time.Second)),
					Since:   l.LeasedAt,
				})
			}
		}
	}
	if t := m.cfg.ExhaustedThreshold; t > 0 && !snap.ExhaustedSince.IsZero() {
		if age := now.Sub(snap.ExhaustedSince); age > t {
			alerts = append(alerts, Alert{
				Kind:    KindPoolExhausted,
				Subject: "pool",
				Message: fmt.Sprintf("no handle available for %s, %d waiting", age.Round(time.Second), snap.Waiters),
				Since:   snap.ExhaustedSince,
			})
		}
	}
	return alerts
}

// transition compares current with the previously raised set, logs and
// publishes raises and resolutions, and returns the raised set sorted.
func (m *Monitor) transition(current []Alert, now time.Time) []Alert {
	m.mu.Lock()
	seen := make(map[string]Alert, len(current))
	var raised, resolved []Alert
	for _, a := range current {
		seen[a.key()] = a
		if _, ok := m.active[a.key()]; !ok {
			raised = append(raised, a)
		}
	}
	for k, a := range m.active {
		if _, ok := seen[k]; !ok {
			resolved = append(resolved, a)
		}
	}
	m.active = seen
	m.mu.Unlock()

	// Resolutions go first so a raise for the same subject is not resolved
	// by a consumer matching on kind and subject.
	for _, a := range resolved {
		m.logger.Warn("alert resolved", "kind", a.Kind, "subject", a.Subject)
		m.bus.Publish(events.TopicAlert, events.AlertEvent{Kind: a.Kind, Subject: a.Subject, Resolved: true, Timestamp: now})
	}
	for _, a := range raised {
		m.logger.Warn("alert raised", "kind", a.Kind, "subject", a.Subject, "message", a.Message)
		m.bus.Publish(events.TopicAlert, events.AlertEvent{Kind: a.Kind, Subject: a.Subject, Message: a.Message, Timestamp: now})
	}

	out := make([]Alert, 0, len(current))
	for _, a := range seen {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out
}

func leaseStats(leases []pool.LeaseInfo, now time.Time) LeaseStats {
	if len(leases) == 0 {
		return LeaseStats{}
	}
	s := LeaseStats{Count: len(leases), Min: now.Sub(leases[0].LeasedAt)}
	var total time.Duration
	for _, l := range leases {
		d := now.Sub(l.LeasedAt)
		s.Min = min(s.Min, d)
		s.Max = max(s.Max, d)
		total += d
	}
	s.Avg = total / time.Duration(len(leases))
	return s
}
