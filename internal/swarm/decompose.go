package swarm

import (
	"fmt"
	"strings"
)

// stage is one template DAG node: a stage name plus the ids (by index
// into the template) of the stages it depends on.
type stage struct {
	name    string
	dependsOn []int
}

var templates = map[Strategy][]stage{
	StrategyResearch: {
		{name: "research"},
		{name: "analysis", dependsOn: []int{0}},
		{name: "synthesis", dependsOn: []int{1}},
	},
	StrategyDevelopment: {
		{name: "planning"},
		{name: "implementation", dependsOn: []int{0}},
		{name: "testing", dependsOn: []int{1}},
		{name: "documentation", dependsOn: []int{2}},
	},
	StrategyAnalysis: {
		{name: "data-gathering"},
		{name: "analysis", dependsOn: []int{0}},
		{name: "visualization", dependsOn: []int{1}},
	},
}

var developmentKeywords = []string{"build", "create", "implement", "develop"}
var researchKeywords = []string{"research", "analyze", "investigate", "study"}

// resolveStrategy applies spec.md §4.5's auto heuristic: lexical match
// on the description, falling back to an exploration/execution/
// validation template when neither keyword set matches (generalizing
// supervisor/decision.go's containsKeyword lexical matching).
func resolveStrategy(strategy Strategy, description string) Strategy {
	if strategy != StrategyAuto {
		return strategy
	}
	if containsKeyword(description, developmentKeywords) {
		return StrategyDevelopment
	}
	if containsKeyword(description, researchKeywords) {
		return StrategyResearch
	}
	return "" // signals the explore/execute/validate fallback
}

func containsKeyword(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

var explorationTemplate = []stage{
	{name: "exploration"},
	{name: "execution", dependsOn: []int{0}},
	{name: "validation", dependsOn: []int{1}},
}

// decompose builds an objective's task DAG from its strategy (spec.md
// §4.5). Each stage becomes a Task whose type is the stage name and
// whose description templates the objective description. Tasks are
// returned without ids or Dependencies populated; depIndex carries each
// task's dependency list as indices into the returned slice, since ids
// aren't assigned until the caller (Coordinator.CreateObjective) has
// reserved them.
func decompose(description string, strategy Strategy) (resolved Strategy, tasks []*Task, depIndex [][]int) {
	resolved = resolveStrategy(strategy, description)
	tmpl, ok := templates[resolved]
	if !ok {
		tmpl = explorationTemplate
		resolved = StrategyAuto
	}

	tasks = make([]*Task, len(tmpl))
	depIndex = make([][]int, len(tmpl))
	for i, s := range tmpl {
		tasks[i] = &Task{
			Type:        s.name,
			Description: fmt.Sprintf("%s: %s", s.name, description),
			Priority:    len(tmpl) - i, // earlier stages run first, all else equal
		}
		depIndex[i] = append([]int(nil), s.dependsOn...)
	}
	return resolved, tasks, depIndex
}
