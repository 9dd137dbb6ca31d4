// Package agent implements the Agent Manager of spec.md §4.3: the FSM
// governing agent lifecycle, heartbeat and health scoring, pools with
// autoscaling, and resource accounting against configured limits.
package agent

import (
	"time"
)

// Type is the closed template set an agent is created from, plus a
// custom escape hatch (spec.md §3, §9 closed-enumerations design note).
type Type string

const (
	TypeCoordinator Type = "coordinator"
	TypeResearcher  Type = "researcher"
	TypeCoder       Type = "coder"
	TypeAnalyst     Type = "analyst"
	TypeReviewer    Type = "reviewer"
	TypeCustom      Type = "custom"
)

// State is the Agent FSM state (spec.md §4.3).
type State string

const (
	StateCreated      State = "created"
	StateInitializing State = "initializing"
	StateIdle         State = "idle"
	StateBusy         State = "busy"
	StateError        State = "error"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateTerminated   State = "terminated"
)

// Capabilities are the string flags plus language/framework lists an
// agent advertises; the coordinator matches task types against Flags.
type Capabilities struct {
	Flags      []string `json:"flags"`
	Languages  []string `json:"languages,omitempty"`
	Frameworks []string `json:"frameworks,omitempty"`
}

// Has reports whether flag is among the capability's flags, used by
// the Swarm Coordinator's capability-match scoring (spec.md §4.5).
func (c Capabilities) Has(flag string) bool {
	for _, f := range c.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// AgentConfig is the per-agent tunable configuration (spec.md §3).
type AgentConfig struct {
	Autonomy          float64       `json:"autonomy"` // 0..1
	MaxConcurrentTasks int          `json:"max_concurrent_tasks"`
	Timeout           time.Duration `json:"timeout"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
}

// HealthComponents are the four weighted inputs to an agent's health
// score (spec.md §4.3).
type HealthComponents struct {
	Responsiveness float64 `json:"responsiveness"`
	Performance    float64 `json:"performance"`
	Reliability    float64 `json:"reliability"`
	ResourceUsage  float64 `json:"resource_usage"`
}

// Metrics are an agent's rolling execution statistics.
type Metrics struct {
	TasksCompleted  int     `json:"tasks_completed"`
	TasksFailed     int     `json:"tasks_failed"`
	SuccessRate     float64 `json:"success_rate"`
	AvgExecutionMs  float64 `json:"avg_execution_ms"`
	CurrentMemory   int64   `json:"current_memory_bytes"`
	CurrentCPUPercent int   `json:"current_cpu_percent"`
}

// Environment records where an agent lives: its pool and node.
type Environment struct {
	PoolID string `json:"pool_id,omitempty"`
	NodeID string `json:"node_id"`
}

const maxIssues = 32

// Agent is the Agent Manager's record for one agent (spec.md §3). Other
// components never hold a pointer into it; they look it up by ID.
type Agent struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Type         Type         `json:"type"`
	Capabilities Capabilities `json:"capabilities"`
	Config       AgentConfig  `json:"config"`

	State  State            `json:"state"`
	Health float64          `json:"health"`
	health HealthComponents // raw components behind Health

	Metrics  Metrics `json:"metrics"`
	Workload int     `json:"workload"`

	Environment Environment `json:"environment"`
	issues      []string    // bounded deque, size maxIssues

	LastHeartbeat          time.Time `json:"last_heartbeat"`
	MissedHeartbeats       int       `json:"missed_heartbeats"`
	RestartCount           int       `json:"restart_count"`
	ConsecutiveFailures    int       `json:"consecutive_failures"`
	CreatedAt              time.Time `json:"created_at"`
}

func (a *Agent) addIssue(issue string) {
	a.issues = append(a.issues, issue)
	if len(a.issues) > maxIssues {
		a.issues = a.issues[len(a.issues)-maxIssues:]
	}
}

// Issues returns a copy of the agent's recent issue log, oldest first.
func (a *Agent) Issues() []string {
	out := make([]string, len(a.issues))
	copy(out, a.issues)
	return out
}

// Snapshot returns a shallow copy safe to hand to callers outside the
// manager's lock (spec.md §9: no pointer sharing across components).
func (a *Agent) Snapshot() Agent {
	cp := *a
	cp.Capabilities.Flags = append([]string(nil), a.Capabilities.Flags...)
	cp.issues = append([]string(nil), a.issues...)
	return cp
}
