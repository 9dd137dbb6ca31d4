package swarm

import "testing"

func TestEvaluateConsensusQuorumPasses(t *testing.T) {
	voters := []string{"a1", "a2", "a3", "a4"}
	votes := []Vote{{AgentID: "a1", Yes: true}, {AgentID: "a2", Yes: true}, {AgentID: "a3", Yes: true}, {AgentID: "a4", Yes: false}}
	round := evaluateConsensus("r1", "obj1", RuleQuorum, 0, voters, votes)
	if !round.Passed {
		t.Fatalf("expected quorum pass with 3/4 yes (need %d)", quorumNeeded(4))
	}
}

func TestEvaluateConsensusQuorumFails(t *testing.T) {
	voters := []string{"a1", "a2", "a3", "a4"}
	votes := []Vote{{AgentID: "a1", Yes: true}, {AgentID: "a2", Yes: false}, {AgentID: "a3", Yes: false}, {AgentID: "a4", Yes: false}}
	round := evaluateConsensus("r2", "obj1", RuleQuorum, 0, voters, votes)
	if round.Passed {
		t.Fatal("expected quorum fail with 1/4 yes")
	}
}

func TestEvaluateConsensusUnanimousRequiresAll(t *testing.T) {
	voters := []string{"a1", "a2"}
	votes := []Vote{{AgentID: "a1", Yes: true}, {AgentID: "a2", Yes: true}}
	round := evaluateConsensus("r3", "obj1", RuleUnanimous, 0, voters, votes)
	if !round.Passed {
		t.Fatal("expected unanimous pass when all voters say yes")
	}

	votes[1].Yes = false
	round = evaluateConsensus("r4", "obj1", RuleUnanimous, 0, voters, votes)
	if round.Passed {
		t.Fatal("expected unanimous fail when one voter says no")
	}
}

func TestEvaluateConsensusWeightedThreshold(t *testing.T) {
	voters := []string{"a1", "a2", "a3"}
	votes := []Vote{
		{AgentID: "a1", Yes: true, Weight: 0.5},
		{AgentID: "a2", Yes: true, Weight: 0.3},
		{AgentID: "a3", Yes: false, Weight: 0.2},
	}
	round := evaluateConsensus("r5", "obj1", RuleWeighted, 0.7, voters, votes)
	if !round.Passed {
		t.Fatal("expected weighted pass: yes-weight 0.8 >= threshold 0.7")
	}

	round = evaluateConsensus("r6", "obj1", RuleWeighted, 0.9, voters, votes)
	if round.Passed {
		t.Fatal("expected weighted fail: yes-weight 0.8 < threshold 0.9")
	}
}

func TestEvaluateConsensusLeaderTieGoesToNo(t *testing.T) {
	voters := []string{"a1", "a2"}
	votes := []Vote{{AgentID: "a1", Yes: true}, {AgentID: "a2", Yes: false}}
	round := evaluateConsensus("r7", "obj1", RuleLeader, 0, voters, votes)
	if round.Passed {
		t.Fatal("expected a 1-1 tie to resolve to no under the leader rule")
	}
}

func TestEvaluateConsensusAbsentVotersCountAsAbstained(t *testing.T) {
	voters := []string{"a1", "a2", "a3"}
	votes := []Vote{{AgentID: "a1", Yes: true}}
	round := evaluateConsensus("r8", "obj1", RuleQuorum, 0, voters, votes)
	if len(round.Abstained) != 2 {
		t.Fatalf("abstained = %v, want 2 entries (a2, a3)", round.Abstained)
	}
}
