package agent

import (
	"testing"
	"time"

	"github.com/ruvnet/swarmcore/internal/config"
)

func TestCreatePoolRejectsMinGreaterThanMax(t *testing.T) {
	m := newTestManager(t, 8)
	if _, err := m.CreatePool("p1", TypeCoder, 3, 1, 2); err == nil {
		t.Fatal("expected CreatePool to reject min > max")
	}
}

func TestCreateAgentInPoolRespectsMax(t *testing.T) {
	m := newTestManager(t, 8)
	p, err := m.CreatePool("p1", TypeCoder, 0, 2, 1)
	if err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	if _, err := m.CreateAgentInPool(p.ID); err != nil {
		t.Fatalf("first CreateAgentInPool: %v", err)
	}
	if _, err := m.CreateAgentInPool(p.ID); err != nil {
		t.Fatalf("second CreateAgentInPool (at max): %v", err)
	}
	if _, err := m.CreateAgentInPool(p.ID); err == nil {
		t.Fatal("expected CreateAgentInPool beyond pool max to fail")
	}
}

func TestAutoscaleGrowsPoolOnQueuedWork(t *testing.T) {
	cfg := config.DefaultAgentManagerConfig()
	cfg.MaxAgents = 8
	cfg.HealthCheckInterval = time.Hour
	cfg.ScaleInterval = time.Hour
	m := New(cfg, "test-node", nil, nil)
	m.Start()
	t.Cleanup(m.Stop)

	p, err := m.CreatePool("p1", TypeCoder, 0, 4, 1)
	if err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	m.mu.Lock()
	p.Autoscale = true
	m.mu.Unlock()

	if err := m.SetPoolSample("p1", 5, 0); err != nil {
		t.Fatalf("SetPoolSample: %v", err)
	}
	m.autoscaleOnce()

	if p.Size() != 1 {
		t.Fatalf("pool size after autoscale-up = %d, want 1", p.Size())
	}
}

func TestAutoscaleShrinksPoolOnIdleAgents(t *testing.T) {
	cfg := config.DefaultAgentManagerConfig()
	cfg.MaxAgents = 8
	cfg.HealthCheckInterval = time.Hour
	cfg.ScaleInterval = time.Hour
	m := New(cfg, "test-node", nil, nil)
	m.Start()
	t.Cleanup(m.Stop)

	p, err := m.CreatePool("p1", TypeCoder, 0, 4, 2)
	if err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	m.mu.Lock()
	p.Autoscale = true
	m.mu.Unlock()

	a1, err := m.CreateAgentInPool(p.ID)
	if err != nil {
		t.Fatalf("CreateAgentInPool: %v", err)
	}
	if _, err := m.CreateAgentInPool(p.ID); err != nil {
		t.Fatalf("CreateAgentInPool 2: %v", err)
	}
	if err := m.StartAgent(a1.ID); err != nil {
		t.Fatalf("StartAgent: %v", err)
	}

	if err := m.SetPoolSample("p1", 0, 0.9); err != nil {
		t.Fatalf("SetPoolSample: %v", err)
	}
	m.autoscaleOnce()

	if p.Size() != 1 {
		t.Fatalf("pool size after autoscale-down = %d, want 1 (one idle victim removed)", p.Size())
	}
}
