package agent

import (
	"fmt"
	"log"
	"time"

	"github.com/ruvnet/swarmcore/internal/config"
)

// Heartbeat records a liveness signal from agent id, resetting its
// missed-heartbeat count (spec.md §4.3).
func (m *Manager) Heartbeat(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.getLocked(id)
	if err != nil {
		return err
	}
	a.LastHeartbeat = time.Now()
	a.MissedHeartbeats = 0
	return nil
}

// RecordTaskResult feeds one task outcome into an agent's rolling
// metrics and reliability component, called by the Swarm Coordinator on
// task completion (spec.md §4.5 step 5).
func (m *Manager) RecordTaskResult(id string, success bool, durationMs float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if success {
		a.Metrics.TasksCompleted++
		a.ConsecutiveFailures = 0
	} else {
		a.Metrics.TasksFailed++
		a.ConsecutiveFailures++
	}
	total := a.Metrics.TasksCompleted + a.Metrics.TasksFailed
	if total > 0 {
		a.Metrics.SuccessRate = float64(a.Metrics.TasksCompleted) / float64(total)
	}
	if a.Metrics.AvgExecutionMs == 0 {
		a.Metrics.AvgExecutionMs = durationMs
	} else {
		a.Metrics.AvgExecutionMs = a.Metrics.AvgExecutionMs*0.8 + durationMs*0.2
	}
	a.health.Reliability = a.Metrics.SuccessRate
	a.health.Performance = performanceScore(a.Metrics.AvgExecutionMs, a.Config.Timeout)
	a.Health = computeHealthScore(a.health, m.cfg.Health)
	return nil
}

// performanceScore maps an average execution time against the agent's
// configured timeout onto [0,1]: at or beyond timeout scores 0, instant
// completion scores 1.
func performanceScore(avgMs float64, timeout time.Duration) float64 {
	if timeout <= 0 {
		return 1.0
	}
	budget := float64(timeout.Milliseconds())
	if avgMs <= 0 {
		return 1.0
	}
	score := 1.0 - avgMs/budget
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// resourceUsageScore maps current memory/cpu usage against configured
// resource limits onto [0,1]; 1 means comfortably under budget, 0 means
// at or over budget. Unconfigured limits (zero value) don't penalize.
func resourceUsageScore(m Metrics, lim config.ResourceLimits) float64 {
	score := 1.0
	if lim.MaxMemoryBytes > 0 {
		frac := float64(m.CurrentMemory) / float64(lim.MaxMemoryBytes)
		if 1-frac < score {
			score = 1 - frac
		}
	}
	if lim.MaxCPUPercent > 0 {
		frac := float64(m.CurrentCPUPercent) / float64(lim.MaxCPUPercent)
		if 1-frac < score {
			score = 1 - frac
		}
	}
	if score < 0 {
		return 0
	}
	return score
}

func healthSweepInterval(m *Manager) time.Duration {
	if m.cfg.HealthCheckInterval <= 0 {
		return 15 * time.Second
	}
	return m.cfg.HealthCheckInterval
}

func (m *Manager) healthSweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(healthSweepInterval(m))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepOnce()
		case <-m.stopCh:
			return
		}
	}
}

// sweepOnce implements the health-check sweep (spec.md §4.3): missing
// three consecutive heartbeats zeroes responsiveness and moves the
// agent to error; auto-restart triggers iff enabled and the agent's
// consecutive-failure count is below the configured max.
func (m *Manager) sweepOnce() {
	m.mu.Lock()
	var toRestart []string
	now := time.Now()
	for id, a := range m.agents {
		if a.State != StateIdle && a.State != StateBusy {
			continue
		}
		elapsed := now.Sub(a.LastHeartbeat)
		if a.Config.HeartbeatInterval > 0 && elapsed > a.Config.HeartbeatInterval {
			a.MissedHeartbeats++
		}
		if a.MissedHeartbeats >= m.cfg.MissedHeartbeatLimit {
			a.health.Responsiveness = 0
			a.Health = computeHealthScore(a.health, m.cfg.Health)
			a.State = StateError
			a.addIssue(fmt.Sprintf("missed %d consecutive heartbeats", a.MissedHeartbeats))
			m.publish("agent.state", a)
			log.Printf("[AGENTMGR] agent %s entered error: missed heartbeats", id)

			if m.cfg.AutoRestart && a.ConsecutiveFailures < m.cfg.MaxConsecutiveRestarts {
				a.ConsecutiveFailures++
				toRestart = append(toRestart, id)
			}
		}
	}
	m.mu.Unlock()

	for _, id := range toRestart {
		log.Printf("[AGENTMGR] auto-restarting agent %s", id)
		if err := m.RestartAgent(id, "auto-restart: missed heartbeats"); err != nil {
			log.Printf("[AGENTMGR] auto-restart %s failed: %v", id, err)
		}
	}
}

// computeHealthScore is the weighted sum of spec.md §4.3's four
// components: any component at 0 caps the overall score at 0.5
// regardless of the weighted sum.
func computeHealthScore(c HealthComponents, w config.HealthWeights) float64 {
	if c.Responsiveness == 0 || c.Performance == 0 || c.Reliability == 0 || c.ResourceUsage == 0 {
		capped := w.Responsiveness*c.Responsiveness + w.Performance*c.Performance +
			w.Reliability*c.Reliability + w.ResourceUsage*c.ResourceUsage
		if capped > 0.5 {
			return 0.5
		}
		return capped
	}
	return w.Responsiveness*c.Responsiveness + w.Performance*c.Performance +
		w.Reliability*c.Reliability + w.ResourceUsage*c.ResourceUsage
}
