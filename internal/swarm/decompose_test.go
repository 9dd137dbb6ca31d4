package swarm

import "testing"

func TestResolveStrategyPassesThroughExplicit(t *testing.T) {
	if got := resolveStrategy(StrategyResearch, "build a thing"); got != StrategyResearch {
		t.Fatalf("resolveStrategy = %s, want research (explicit strategy must not be overridden)", got)
	}
}

func TestResolveStrategyAutoDevelopmentKeyword(t *testing.T) {
	got := resolveStrategy(StrategyAuto, "please build a new ingestion pipeline")
	if got != StrategyDevelopment {
		t.Fatalf("resolveStrategy = %s, want development", got)
	}
}

func TestResolveStrategyAutoResearchKeyword(t *testing.T) {
	got := resolveStrategy(StrategyAuto, "research the competitive landscape")
	if got != StrategyResearch {
		t.Fatalf("resolveStrategy = %s, want research", got)
	}
}

func TestResolveStrategyAutoFallsBackToExploration(t *testing.T) {
	got := resolveStrategy(StrategyAuto, "figure out what's going on")
	if got != "" {
		t.Fatalf("resolveStrategy = %s, want empty (exploration fallback signal)", got)
	}
}

func TestDecomposeResearchLinearChain(t *testing.T) {
	resolved, tasks, depIndex := decompose("research the market", StrategyResearch)
	if resolved != StrategyResearch {
		t.Fatalf("resolved = %s, want research", resolved)
	}
	if len(tasks) != 3 {
		t.Fatalf("len(tasks) = %d, want 3", len(tasks))
	}
	wantNames := []string{"research", "analysis", "synthesis"}
	for i, name := range wantNames {
		if tasks[i].Type != name {
			t.Fatalf("tasks[%d].Type = %s, want %s", i, tasks[i].Type, name)
		}
	}
	if len(depIndex[0]) != 0 {
		t.Fatalf("first stage should have no dependencies, got %v", depIndex[0])
	}
	if len(depIndex[1]) != 1 || depIndex[1][0] != 0 {
		t.Fatalf("analysis should depend on stage 0, got %v", depIndex[1])
	}
	if len(depIndex[2]) != 1 || depIndex[2][0] != 1 {
		t.Fatalf("synthesis should depend on stage 1, got %v", depIndex[2])
	}
}

func TestDecomposeAutoFallsBackToExplorationTemplate(t *testing.T) {
	resolved, tasks, _ := decompose("figure out what's going on", StrategyAuto)
	if resolved != StrategyAuto {
		t.Fatalf("resolved = %s, want auto (exploration fallback keeps the auto label)", resolved)
	}
	if len(tasks) != 3 || tasks[0].Type != "exploration" || tasks[1].Type != "execution" || tasks[2].Type != "validation" {
		t.Fatalf("unexpected exploration template tasks: %+v", tasks)
	}
}

func TestDecomposeDevelopmentHasFourStagesWithLinearDeps(t *testing.T) {
	_, tasks, depIndex := decompose("build the new API", StrategyDevelopment)
	if len(tasks) != 4 {
		t.Fatalf("len(tasks) = %d, want 4", len(tasks))
	}
	for i := 1; i < len(tasks); i++ {
		if len(depIndex[i]) != 1 || depIndex[i][0] != i-1 {
			t.Fatalf("stage %d (%s) should depend only on stage %d, got %v", i, tasks[i].Type, i-1, depIndex[i])
		}
	}
}

func TestDecomposePrioritizesEarlierStagesHigher(t *testing.T) {
	_, tasks, _ := decompose("research x", StrategyResearch)
	for i := 1; i < len(tasks); i++ {
		if tasks[i].Priority >= tasks[i-1].Priority {
			t.Fatalf("stage %d priority %d should be lower than stage %d priority %d", i, tasks[i].Priority, i-1, tasks[i-1].Priority)
		}
	}
}
