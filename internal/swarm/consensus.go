package swarm

import (
	"log"
	"time"
)

// ConsensusRule is the quorum rule a consensus round is evaluated under
// (spec.md §4.5).
type ConsensusRule string

const (
	RuleQuorum    ConsensusRule = "quorum"    // ceil(N/2)+1
	RuleUnanimous ConsensusRule = "unanimous" // N
	RuleWeighted  ConsensusRule = "weighted"  // sum of capability weights >= threshold
	RuleLeader    ConsensusRule = "leader"    // coordinator decides after advisory votes
)

// Vote is one agent's response to a consensus round.
type Vote struct {
	AgentID string
	Yes     bool
	Weight  float64 // used by RuleWeighted
}

// Round is the record of one consensus round, persisted to Distributed
// Memory at consensus/<round-id> (spec.md §4.5).
type Round struct {
	ID        string        `json:"id"`
	ObjectiveID string      `json:"objective_id"`
	Rule      ConsensusRule `json:"rule"`
	Threshold float64       `json:"threshold,omitempty"` // for RuleWeighted
	Votes     []Vote        `json:"votes"`
	Abstained []string      `json:"abstained,omitempty"`
	Passed    bool          `json:"passed"`
	DecidedAt time.Time     `json:"decided_at"`
}

// evaluateConsensus applies spec.md §4.5's four quorum rules. voters is
// the full set of agent ids polled; votes holds only the responses
// received before voteTimeout — any voter absent from votes counts as
// an abstention.
func evaluateConsensus(roundID, objectiveID string, rule ConsensusRule, threshold float64, voters []string, votes []Vote) *Round {
	round := &Round{ID: roundID, ObjectiveID: objectiveID, Rule: rule, Threshold: threshold, Votes: votes, DecidedAt: time.Now()}

	voted := make(map[string]bool, len(votes))
	for _, v := range votes {
		voted[v.AgentID] = true
	}
	for _, id := range voters {
		if !voted[id] {
			round.Abstained = append(round.Abstained, id)
		}
	}

	n := len(voters)
	yes := 0
	var weightYes, weightTotal float64
	for _, v := range votes {
		if v.Yes {
			yes++
			weightYes += v.Weight
		}
		weightTotal += v.Weight
	}

	switch rule {
	case RuleUnanimous:
		round.Passed = yes == n && n > 0
	case RuleWeighted:
		round.Passed = weightYes >= threshold
	case RuleLeader:
		// advisory: coordinator's decision is the majority of votes
		// received, ties resolved in favor of "no" (conservative default).
		round.Passed = yes*2 > len(votes)
	default: // RuleQuorum
		round.Passed = yes >= quorumNeeded(n)
	}

	log.Printf("[SWARM] consensus round %s (%s): %d/%d yes, passed=%v", roundID, rule, yes, n, round.Passed)
	return round
}

func quorumNeeded(n int) int {
	return (n+1)/2 + 1
}
