package agent

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ruvnet/swarmcore/internal/config"
	"github.com/ruvnet/swarmcore/internal/coreerr"
	"github.com/ruvnet/swarmcore/internal/eventbus"
	"github.com/ruvnet/swarmcore/internal/memory"
)

// Manager is the Agent Manager (spec.md §4.3): a single-writer FSM over
// the agent roster, a heartbeat/health sweep loop, and pool autoscaling.
// All mutation goes through mu, matching the lock-order discipline of
// spec.md §5 (Memory-namespace → Agent-Manager → ...).
type Manager struct {
	cfg    config.AgentManagerConfig
	nodeID string
	mem    *memory.Store
	bus    *eventbus.Bus

	mu     sync.Mutex
	agents map[string]*Agent
	pools  map[string]*Pool
	seq    map[Type]int // per-type sequence counter, grounds GenerateAgentID

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Manager. mem and bus may be nil for tests that don't
// exercise persistence or notifications.
func New(cfg config.AgentManagerConfig, nodeID string, mem *memory.Store, bus *eventbus.Bus) *Manager {
	if nodeID == "" {
		nodeID = "node-1"
	}
	return &Manager{
		cfg:    cfg,
		nodeID: nodeID,
		mem:    mem,
		bus:    bus,
		agents: make(map[string]*Agent),
		pools:  make(map[string]*Pool),
		seq:    make(map[Type]int),
		stopCh: make(chan struct{}),
	}
}

// Start launches the heartbeat health-check sweep and pool autoscaler
// loops (spec.md §4.3's periodic sweeps).
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.healthSweepLoop()
	go m.autoscaleLoop()
	log.Printf("[AGENTMGR] started (max_agents=%d)", m.cfg.MaxAgents)
}

// Stop halts the background loops. In-flight agents are left as-is;
// callers that want a clean drain should Stop each agent first.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	log.Printf("[AGENTMGR] stopped")
}

// nextID allocates a stable composite identifier: node-id + a random
// instance-id segment + a per-type monotonic sequence, generalizing the
// teacher's team-{type}{seq} scheme (agents/spawner.go GenerateAgentID)
// to spec.md §3's node/instance/sequence composite.
func (m *Manager) nextID(typ Type) string {
	m.seq[typ]++
	instance := uuid.New().String()[:8]
	return fmt.Sprintf("%s.%s.%s.%d", m.nodeID, instance, typ, m.seq[typ])
}

// CreateAgent allocates a new agent from template, status=created. It
// refuses to exceed cfg.MaxAgents (spec.md §4.3) and, if resource limits
// are configured, refuses when the projected cluster footprint would
// exceed them (spec.md §4.3's resource accounting).
func (m *Manager) CreateAgent(typ Type, ov Overrides) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.agents) >= m.cfg.MaxAgents {
		return nil, fmt.Errorf("%w: at max_agents=%d", coreerr.ErrCapacityExceeded, m.cfg.MaxAgents)
	}
	if err := m.checkResourceBudgetLocked(); err != nil {
		return nil, err
	}

	tmpl := resolveTemplate(typ)
	caps, cfg := applyOverrides(tmpl, ov)

	name := ov.Name
	if name == "" {
		name = string(typ)
	}
	nodeID := m.nodeID
	if ov.NodeID != "" {
		nodeID = ov.NodeID
	}

	a := &Agent{
		ID:           m.nextID(typ),
		Name:         name,
		Type:         typ,
		Capabilities: caps,
		Config:       cfg,
		State:        StateCreated,
		Health:       1.0,
		health:       HealthComponents{1, 1, 1, 1},
		Environment:  Environment{NodeID: nodeID},
		CreatedAt:    time.Now(),
	}
	m.agents[a.ID] = a
	m.persistLocked(a)
	m.publish("agent.created", a)
	log.Printf("[AGENTMGR] created agent %s (type=%s)", a.ID, typ)
	cp := a.Snapshot()
	return &cp, nil
}

// StartAgent transitions created|stopped → initializing → idle and
// starts its heartbeat clock (spec.md §4.3).
func (m *Manager) StartAgent(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if a.State != StateCreated && a.State != StateStopped {
		return fmt.Errorf("%w: agent %s is %s, want created or stopped", coreerr.ErrInvalidState, id, a.State)
	}
	a.State = StateInitializing
	m.publish("agent.state", a)

	a.State = StateIdle
	a.LastHeartbeat = time.Now()
	a.MissedHeartbeats = 0
	m.persistLocked(a)
	m.publish("agent.state", a)
	log.Printf("[AGENTMGR] started agent %s", id)
	return nil
}

// StopAgent moves a running agent through stopping to stopped (spec.md
// §4.3). It does not wait for cfg.DrainTimeout: a workload still
// nonzero at stop time is reset to zero at once and recorded as an
// issue. Calling
// StopAgent on an already-stopped agent is a no-op that reports
// InvalidState, matching the idempotence property spec.md §8 requires.
func (m *Manager) StopAgent(id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if a.State == StateStopped || a.State == StateTerminated {
		return fmt.Errorf("%w: agent %s already %s", coreerr.ErrInvalidState, id, a.State)
	}

	a.State = StateStopping
	m.publish("agent.state", a)

	if a.Workload > 0 {
		drained := m.waitDrainLocked(a, m.cfg.DrainTimeout)
		if !drained {
			a.Workload = 0
			a.addIssue(fmt.Sprintf("drain timeout exceeded on stop: %s", reason))
		}
	}

	a.State = StateStopped
	m.persistLocked(a)
	m.publish("agent.state", a)
	log.Printf("[AGENTMGR] stopped agent %s (reason=%s)", id, reason)
	return nil
}

// waitDrainLocked is a placeholder drain wait: workload is expected to
// be driven to zero by the coordinator completing or cancelling the
// agent's tasks elsewhere. Since m.mu is held (per spec.md §5's
// no-suspension-across-lock rule, this must not block), it only checks
// the current snapshot rather than sleeping.
func (m *Manager) waitDrainLocked(a *Agent, timeout time.Duration) bool {
	return a.Workload == 0
}

// RestartAgent stops then starts an agent, preserving identity and
// metrics, and bumps its restart counter (spec.md §4.3). If auto-restart
// is disabled or the consecutive-failure count has reached the
// configured max, RestartAgent still performs the restart when called
// explicitly — the cap only gates the *automatic* restart triggered by
// the health sweep (see health.go).
func (m *Manager) RestartAgent(id, reason string) error {
	m.mu.Lock()
	a, err := m.getLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	alreadyStopped := a.State == StateStopped
	m.mu.Unlock()

	if !alreadyStopped {
		if err := m.StopAgent(id, reason); err != nil {
			return err
		}
	}

	m.mu.Lock()
	a, err = m.getLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	a.RestartCount++
	m.mu.Unlock()

	return m.StartAgent(id)
}

// RemoveAgent frees a stopped agent's record (spec.md §4.3: only from
// stopped).
func (m *Manager) RemoveAgent(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if a.State != StateStopped {
		return fmt.Errorf("%w: agent %s must be stopped before removal, is %s", coreerr.ErrInvalidState, id, a.State)
	}
	a.State = StateTerminated
	delete(m.agents, id)
	for _, p := range m.pools {
		p.removeMember(id)
	}
	m.publish("agent.removed", a)
	log.Printf("[AGENTMGR] removed agent %s", id)
	return nil
}

// GetAgent returns a detached snapshot of one agent.
func (m *Manager) GetAgent(id string) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.getLocked(id)
	if err != nil {
		return nil, err
	}
	cp := a.Snapshot()
	return &cp, nil
}

// ListAgents returns detached snapshots of every agent, in no
// particular order.
func (m *Manager) ListAgents() []*Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		cp := a.Snapshot()
		out = append(out, &cp)
	}
	return out
}

func (m *Manager) getLocked(id string) (*Agent, error) {
	a, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", coreerr.ErrNotFound, id)
	}
	return a, nil
}

func (m *Manager) checkResourceBudgetLocked() error {
	lim := m.cfg.Resources
	if lim.MaxMemoryBytes == 0 && lim.MaxCPUPercent == 0 && lim.MaxDiskBytes == 0 {
		return nil
	}
	var mem int64
	var cpu int
	for _, a := range m.agents {
		mem += a.Metrics.CurrentMemory
		cpu += a.Metrics.CurrentCPUPercent
	}
	if lim.MaxMemoryBytes > 0 && mem >= lim.MaxMemoryBytes {
		return fmt.Errorf("%w: projected cluster memory exceeds resource_limits.max_memory_bytes", coreerr.ErrCapacityExceeded)
	}
	if lim.MaxCPUPercent > 0 && cpu >= lim.MaxCPUPercent {
		return fmt.Errorf("%w: projected cluster cpu exceeds resource_limits.max_cpu_percent", coreerr.ErrCapacityExceeded)
	}
	return nil
}

// ReportUsage updates an agent's resource-usage metrics from executor
// feedback (spec.md §4.3: "per-agent current usage is updated from
// executor feedback").
func (m *Manager) ReportUsage(id string, memBytes int64, cpuPercent int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.getLocked(id)
	if err != nil {
		return err
	}
	a.Metrics.CurrentMemory = memBytes
	a.Metrics.CurrentCPUPercent = cpuPercent
	a.health.ResourceUsage = resourceUsageScore(a.Metrics, m.cfg.Resources)
	a.Health = computeHealthScore(a.health, m.cfg.Health)
	return nil
}

// AssignTask marks one unit of work as dispatched to agent id, moving
// it to busy when it was idle (spec.md §4.5 step 4 dispatches through
// here). Returns CapacityExceeded if the agent is already at
// max-concurrent-tasks.
func (m *Manager) AssignTask(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if a.State != StateIdle && a.State != StateBusy {
		return fmt.Errorf("%w: agent %s is %s, want idle or busy", coreerr.ErrInvalidState, id, a.State)
	}
	if a.Workload >= a.Config.MaxConcurrentTasks {
		return fmt.Errorf("%w: agent %s at max_concurrent_tasks=%d", coreerr.ErrCapacityExceeded, id, a.Config.MaxConcurrentTasks)
	}
	a.Workload++
	a.State = StateBusy
	return nil
}

// CompleteTask releases one unit of work from agent id, returning it to
// idle once its workload drops to zero.
func (m *Manager) CompleteTask(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if a.Workload > 0 {
		a.Workload--
	}
	if a.Workload == 0 && a.State == StateBusy {
		a.State = StateIdle
	}
	return nil
}

func (m *Manager) persistLocked(a *Agent) {
	if m.mem == nil {
		return
	}
	payload, err := json.Marshal(a)
	if err != nil {
		log.Printf("[AGENTMGR] marshal agent %s: %v", a.ID, err)
		return
	}
	if _, err := m.mem.StoreValue(a.ID, payload, memory.StoreOptions{Namespace: "agents", Type: memory.TypeObject}); err != nil {
		log.Printf("[AGENTMGR] persist agent %s: %v", a.ID, err)
	}
}

func (m *Manager) publish(topic string, a *Agent) {
	if m.bus == nil {
		return
	}
	cp := a.Snapshot()
	m.bus.Publish(topic, &cp)
}
