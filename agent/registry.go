// Package agent holds the ordered list of configured agents for the active
// conversation. The registry is supplied externally (conversation
// configuration, not this engine) and treated as read-only during a turn.
package agent

import (
	"fmt"
	"sync"

	"github.com/BaSui01/roundtable/types"
)

// Registry manages the agents of one conversation.
type Registry struct {
	mu     sync.RWMutex
	agents []types.Agent
}

// NewRegistry creates a registry from the given agents.
func NewRegistry(agents []types.Agent) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(agents); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace swaps the full agent list. The orchestrator re-reads the registry
// at the start of every turn, so a replace between turns takes effect on the
// next turn only.
func (r *Registry) Replace(agents []types.Agent) error {
	seen := make(map[string]struct{}, len(agents))
	for _, a := range agents {
		if a.ID == "" {
			return fmt.Errorf("agent with empty id")
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = struct{}{}
		if a.Role != types.RoleChatter && a.Role != types.RoleModerator {
			return fmt.Errorf("agent %q: unknown role %q", a.ID, a.Role)
		}
		if a.Model == "" {
			return fmt.Errorf("agent %q: missing model", a.ID)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = append([]types.Agent(nil), agents...)
	return nil
}

// All returns a copy of the full ordered agent list.
func (r *Registry) All() []types.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]types.Agent(nil), r.agents...)
}

// Chatters returns the agents that run in the shuffled first phase, in
// registry order.
func (r *Registry) Chatters() []types.Agent {
	return r.filter(types.RoleChatter)
}

// Moderators returns the agents that run in the synthesis phase, in
// registry order.
func (r *Registry) Moderators() []types.Agent {
	return r.filter(types.RoleModerator)
}

func (r *Registry) filter(role types.Role) []types.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.Agent
	for _, a := range r.agents {
		if a.Role == role {
			out = append(out, a)
		}
	}
	return out
}

// ModelCounts returns the number of agents assigned to each model; used by
// the governor to recompute per-model usage metadata.
func (r *Registry) ModelCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int)
	for _, a := range r.agents {
		counts[a.Model]++
	}
	return counts
}
