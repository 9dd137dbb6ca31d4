package agent

import (
	"fmt"
	"log"
	"time"

	"github.com/ruvnet/swarmcore/internal/coreerr"
)

// Pool groups a set of agents under shared min/max/target sizing and an
// autoscale flag (spec.md §3, §4.3).
type Pool struct {
	ID        string
	Template  Type
	Min       int
	Max       int
	Target    int
	Autoscale bool
	members   map[string]bool

	// QueuedWork and IdleFraction are sampled by the caller (the Swarm
	// Coordinator) ahead of each autoscale tick; the pool has no direct
	// visibility into the task queue itself.
	QueuedWork   int
	IdleFraction float64
}

func (p *Pool) removeMember(id string) {
	delete(p.members, id)
}

// Size returns the pool's current member count.
func (p *Pool) Size() int {
	return len(p.members)
}

// Members returns the agent ids currently in the pool.
func (p *Pool) Members() []string {
	out := make([]string, 0, len(p.members))
	for id := range p.members {
		out = append(out, id)
	}
	return out
}

// CreatePool registers a new pool. Agents are added to it via
// CreateAgentInPool.
func (m *Manager) CreatePool(id string, tmpl Type, min, max, target int) (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pools[id]; exists {
		return nil, fmt.Errorf("%w: pool %s already exists", coreerr.ErrInvalidState, id)
	}
	if min > max {
		return nil, fmt.Errorf("%w: pool %s min > max", coreerr.ErrValidationFailed, id)
	}
	p := &Pool{ID: id, Template: tmpl, Min: min, Max: max, Target: target, members: make(map[string]bool)}
	m.pools[id] = p
	return p, nil
}

// CreateAgentInPool creates an agent from the pool's template and
// assigns it to the pool, subject to the pool's max size.
func (m *Manager) CreateAgentInPool(poolID string) (*Agent, error) {
	m.mu.Lock()
	p, ok := m.pools[poolID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: pool %s", coreerr.ErrNotFound, poolID)
	}
	if p.Size() >= p.Max {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: pool %s at max size %d", coreerr.ErrCapacityExceeded, poolID, p.Max)
	}
	m.mu.Unlock()

	a, err := m.CreateAgent(p.Template, Overrides{})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	a2, ok := m.agents[a.ID]
	if ok {
		a2.Environment.PoolID = poolID
	}
	p.members[a.ID] = true
	m.mu.Unlock()
	return a, nil
}

// SetPoolSample lets the Swarm Coordinator report the queued-work depth
// and idle fraction the autoscaler uses to decide whether to scale.
func (m *Manager) SetPoolSample(poolID string, queuedWork int, idleFraction float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[poolID]
	if !ok {
		return fmt.Errorf("%w: pool %s", coreerr.ErrNotFound, poolID)
	}
	p.QueuedWork = queuedWork
	p.IdleFraction = idleFraction
	return nil
}

const (
	queuedWorkScaleUpThreshold = 2
	idleFractionScaleDownThreshold = 0.5
)

func autoscaleInterval(m *Manager) time.Duration {
	if m.cfg.ScaleInterval <= 0 {
		return 20 * time.Second
	}
	return m.cfg.ScaleInterval
}

func (m *Manager) autoscaleLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(autoscaleInterval(m))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.autoscaleOnce()
		case <-m.stopCh:
			return
		}
	}
}

// autoscaleOnce implements spec.md §4.3's autoscaler: scale up when
// queued work exceeds a threshold and size < max; scale down when idle
// fraction exceeds a threshold and size > min, preferring agents with
// zero workload.
func (m *Manager) autoscaleOnce() {
	m.mu.Lock()
	type action struct {
		poolID string
		create bool
		target string // agent id to stop, when !create
	}
	var actions []action

	for id, p := range m.pools {
		if !p.Autoscale {
			continue
		}
		switch {
		case p.QueuedWork > queuedWorkScaleUpThreshold && p.Size() < p.Max:
			actions = append(actions, action{poolID: id, create: true})
		case p.IdleFraction > idleFractionScaleDownThreshold && p.Size() > p.Min:
			if victim := m.pickScaleDownVictimLocked(p); victim != "" {
				actions = append(actions, action{poolID: id, create: false, target: victim})
			}
		}
	}
	m.mu.Unlock()

	for _, act := range actions {
		if act.create {
			if _, err := m.CreateAgentInPool(act.poolID); err != nil {
				log.Printf("[AGENTMGR] autoscale up pool %s: %v", act.poolID, err)
				continue
			}
			log.Printf("[AGENTMGR] autoscale: grew pool %s", act.poolID)
		} else {
			if err := m.StopAgent(act.target, "autoscale down"); err != nil {
				log.Printf("[AGENTMGR] autoscale down pool %s agent %s: %v", act.poolID, act.target, err)
				continue
			}
			if err := m.RemoveAgent(act.target); err != nil {
				log.Printf("[AGENTMGR] autoscale remove pool %s agent %s: %v", act.poolID, act.target, err)
				continue
			}
			log.Printf("[AGENTMGR] autoscale: shrank pool %s (removed %s)", act.poolID, act.target)
		}
	}
}

func (m *Manager) pickScaleDownVictimLocked(p *Pool) string {
	for id := range p.members {
		if a, ok := m.agents[id]; ok && a.Workload == 0 && a.State == StateIdle {
			return id
		}
	}
	return ""
}
