package mailpool

import (
	"time"

	"github.com/lattiq/mailpool/internal/rotation"
)

// ConnectionStats summarizes session reuse and verification.
type ConnectionStats struct {
	WarmedUp            bool    `json:"warmed_up"`
	WarmupTimeMS        int64   `json:"warmup_time_ms"`
	ConnectionsCreated  int64   `json:"connections_created"`
	ConnectionsReused   int64   `json:"connections_reused"`
	VerificationsFailed int64   `json:"verifications_failed"`
	PoolSize            int     `json:"pool_size"`
	ReuseRate           float64 `json:"reuse_rate"`
}

// ServerStatus is one server's rate and health state.
type ServerStatus struct {
	Server              string `json:"server"`
	Transport           string `json:"transport"`
	Priority            int    `json:"priority"`
	SentThisWindow      int    `json:"sent_this_window"`
	Limit               int    `json:"limit"`
	Cooling             bool   `json:"cooling"`
	TimeLeftMS          int64  `json:"time_left"`
	Healthy             bool   `json:"healthy"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	AvgResponseMS       int64  `json:"avg_response_ms"`
	LastCheck           string `json:"last_check,omitempty"`
}

// RotationStats is one rotation selector's cursor and usage counts.
type RotationStats = rotation.Stats

// CoordinationStatus summarizes every server.
type CoordinationStatus struct {
	TotalServers   int             `json:"total_servers"`
	ActiveServers  int             `json:"active_servers"`
	CoolingServers int             `json:"cooling_servers"`
	Servers        []ServerStatus  `json:"servers"`
	Rotation       []RotationStats `json:"rotation,omitempty"`
}

// ConnectionStats returns session and verification counters.
func (c *Coordinator) ConnectionStats() ConnectionStats {
	stats := ConnectionStats{
		WarmedUp:            c.warmedUp.Load(),
		WarmupTimeMS:        c.warmupTime.Load(),
		VerificationsFailed: c.verificationsFailed.Load(),
	}
	if c.pool != nil {
		ps := c.pool.Stats()
		stats.ConnectionsCreated = ps.Created
		stats.ConnectionsReused = ps.Reused
		stats.PoolSize = ps.Size
	}
	if total := stats.ConnectionsCreated + stats.ConnectionsReused; total > 0 {
		stats.ReuseRate = float64(stats.ConnectionsReused) / float64(total)
	}
	return stats
}

// CoordinationStatus returns per-server rate and health state. A server is
// active when it is healthy and, with rate limiting on, neither cooling down
// nor at its ceiling.
func (c *Coordinator) CoordinationStatus() CoordinationStatus {
	reg := c.reg.Load()
	status := CoordinationStatus{
		TotalServers: len(reg.servers),
		Servers:      make([]ServerStatus, 0, len(reg.servers)),
	}

	now := c.now()
	for _, st := range reg.servers {
		s := ServerStatus{
			Server:    st.cfg.ID(),
			Transport: st.cfg.TransportName(),
			Priority:  st.cfg.Priority,
			Limit:     st.rate.perMinute,
		}

		limited := false
		_ = st.rate.mu.WithLock(c.config.Timeouts.Lock, func() error {
			if c.config.RateLimit.Enabled {
				c.refreshLocked(&st.rate, now)
				limited = st.rate.sentThisWindow >= st.rate.perMinute
			}
			s.SentThisWindow = st.rate.sentThisWindow
			s.Cooling = st.rate.coolingDown
			if s.Cooling {
				left := st.rate.cooldownDuration - now.Sub(st.rate.cooldownStart)
				s.TimeLeftMS = max(left, 0).Milliseconds()
			}
			return nil
		})

		_ = st.health.mu.WithLock(c.config.Timeouts.Lock, func() error {
			s.Healthy = st.health.healthy
			s.ConsecutiveFailures = st.health.consecutiveFailures
			s.AvgResponseMS = st.health.averageLocked().Milliseconds()
			if !st.health.lastCheck.IsZero() {
				s.LastCheck = st.health.lastCheck.Format(time.RFC3339)
			}
			return nil
		})

		if s.Cooling {
			status.CoolingServers++
		}
		if s.Healthy && (!c.config.RateLimit.Enabled || (!s.Cooling && !limited)) {
			status.ActiveServers++
		}
		status.Servers = append(status.Servers, s)
	}
	status.Rotation = c.rotationStats(reg)
	return status
}

// rotationStats snapshots the server, proxy and per-server sender selectors.
// Selectors whose lock times out are left out.
func (c *Coordinator) rotationStats(reg *registry) []RotationStats {
	var out []RotationStats
	add := func(stats RotationStats, err error) {
		if err == nil {
			out = append(out, stats)
		}
	}
	if reg.selector != nil {
		add(reg.selector.Stats())
	}
	if c.proxies != nil {
		add(c.proxies.Stats())
	}
	for _, st := range reg.servers {
		add(st.senders.Stats())
	}
	return out
}
