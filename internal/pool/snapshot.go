package pool

import (
	"sort"
	"time"
)

// LeaseInfo describes one outstanding lease.
type LeaseInfo struct {
	HandleID string    `json:"handle_id"`
	Path     string    `json:"path"`
	Owner    string    `json:"owner"`
	LeasedAt time.Time `json:"leased_at"`
}

// Snapshot is a point-in-time, read-only view of the pool.
type Snapshot struct {
	Enabled        bool        `json:"enabled"`
	Size           int         `json:"size"`
	Available      int         `json:"available"`
	Leased         int         `json:"leased"`
	Waiters        int         `json:"waiters"`
	Leases         []LeaseInfo `json:"leases"`
	ExhaustedSince time.Time   `json:"exhausted_since,omitzero"`
	DirtyReleases  int         `json:"dirty_releases"`
	Quarantined    int         `json:"quarantined"`
}

// Utilization returns the leased share of the pool as a percentage.
func (s Snapshot) Utilization() float64 {
	if s.Size == 0 {
		return 0
	}
	return float64(s.Leased) / float64(s.Size) * 100
}

// Snapshot captures the current pool state. Handles being cleaned count as
// leased until they are back in service.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Snapshot{
		Enabled:        p.enabled,
		Size:           len(p.handles),
		Available:      len(p.available),
		Waiters:        p.waiters.Len(),
		ExhaustedSince: p.exhaustedSince,
		DirtyReleases:  p.dirtyReleases,
		Quarantined:    p.quarantined,
	}
	s.Leased = s.Size - s.Available

	for _, h := range p.handles {
		if h.state == stateLeased || h.state == stateReleasing {
			s.Leases = append(s.Leases, LeaseInfo{
				HandleID: h.ID,
				Path:     h.Path,
				Owner:    h.leasedTo,
				LeasedAt: h.leasedAt,
			})
		}
	}
	sort.Slice(s.Leases, func(i, j int) bool {
		if s.Leases[i].LeasedAt.Equal(s.Leases[j].LeasedAt) {
			return s.Leases[i].HandleID < s.Leases[j].HandleID
		}
		return s.Leases[i].LeasedAt.Before(s.Leases[j].LeasedAt)
	})

	return s
}
