package mailpool

import (
	"sort"

	"github.com/lattiq/mailpool/internal/rotation"
)

// selectServer picks the server for the next send.
//
// With one server, or rotation turned off, it is always the first server.
// Otherwise candidates are the healthy servers that are not throttled; if
// every healthy server is throttled the healthy set is used as is and the
// caller's rate check decides. Unhealthy servers are never chosen.
// Candidates are ordered by priority (highest first), then by consecutive
// failures (fewest first), and the server selector's strategy picks one.
func (c *Coordinator) selectServer(reg *registry) (*serverState, error) {
	if len(reg.servers) == 0 {
		return nil, ErrNoAvailableServers
	}
	if len(reg.servers) == 1 || !c.config.Rotation.Enabled || reg.selector.Strategy() == rotation.Disabled {
		return reg.servers[0], nil
	}

	type candidate struct {
		st       *serverState
		failures int
	}
	var healthy, available []candidate
	for _, st := range reg.servers {
		ok, failures, err := c.healthState(st)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		cand := candidate{st: st, failures: failures}
		healthy = append(healthy, cand)

		free, err := c.rateAvailable(st)
		if err != nil {
			return nil, err
		}
		if free {
			available = append(available, cand)
		}
	}

	candidates := available
	if len(candidates) == 0 {
		candidates = healthy
	}
	if len(candidates) == 0 {
		return nil, ErrNoAvailableServers
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.st.cfg.Priority != b.st.cfg.Priority {
			return a.st.cfg.Priority > b.st.cfg.Priority
		}
		return a.failures < b.failures
	})

	idxs := make([]int, len(candidates))
	for i, cand := range candidates {
		idxs[i] = cand.st.index
	}
	idx, err := reg.selector.Choose(idxs)
	if err != nil {
		return nil, err
	}
	return reg.servers[idx], nil
}
