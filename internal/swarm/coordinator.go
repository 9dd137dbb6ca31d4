// Package swarm's Coordinator implements spec.md §4.5's scheduling
// loop: promote ready tasks, score and dispatch them to agents, collect
// executor results, and propagate failures transitively through the DAG.
package swarm

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/ruvnet/swarmcore/internal/agent"
	"github.com/ruvnet/swarmcore/internal/config"
	"github.com/ruvnet/swarmcore/internal/coreerr"
	"github.com/ruvnet/swarmcore/internal/eventbus"
	"github.com/ruvnet/swarmcore/internal/executor"
	"github.com/ruvnet/swarmcore/internal/memory"
)

// TaskPayload is the convention a task's opaque Input is expected to
// decode as when it needs to run external work: a command line handed
// to the Background Executor. Tasks with no Input, or Input that fails
// to decode, run a no-op success command — useful for coordination-only
// stages (e.g. a synthesis step that only aggregates prior results).
type TaskPayload struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// Coordinator is the Swarm Coordinator (spec.md §4.5).
type Coordinator struct {
	breakerCfg config.BreakerConfig
	agents     *agent.Manager
	exec       *executor.Executor
	mem        *memory.Store
	bus        *eventbus.Bus

	workStealing bool

	mu         sync.Mutex
	objectives map[string]*Objective
	tasks      map[string]*Task
	breakers   map[string]*breaker
	execToTask map[string]string // executor execution-id -> task id
	seq        int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Coordinator. exec, mem, and bus may be nil in tests
// that drive the scheduling loop manually via Tick.
func New(breakerCfg config.BreakerConfig, agents *agent.Manager, exec *executor.Executor, mem *memory.Store, bus *eventbus.Bus, workStealing bool) *Coordinator {
	return &Coordinator{
		breakerCfg:   breakerCfg,
		agents:       agents,
		exec:         exec,
		mem:          mem,
		bus:          bus,
		workStealing: workStealing,
		objectives:   make(map[string]*Objective),
		tasks:        make(map[string]*Task),
		breakers:     make(map[string]*breaker),
		execToTask:   make(map[string]string),
		stopCh:       make(chan struct{}),
	}
}

// Start launches the scheduling loop, ticking every interval.
func (c *Coordinator) Start(interval time.Duration) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Tick()
			case <-c.stopCh:
				return
			}
		}
	}()
	log.Printf("[SWARM] coordinator started (tick=%s)", interval)
}

// Stop halts the scheduling loop.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	log.Printf("[SWARM] coordinator stopped")
}

func (c *Coordinator) nextID(prefix string) string {
	c.seq++
	return fmt.Sprintf("%s-%06d", prefix, c.seq)
}

// CreateObjective decomposes description under strategy into a task
// DAG and registers it in planning state (spec.md §4.5).
func (c *Coordinator) CreateObjective(description string, strategy Strategy) (*Objective, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resolved, stageTasks, depIndex := decompose(description, strategy)

	obj := &Objective{
		ID:          c.nextID("obj"),
		Description: description,
		Strategy:    resolved,
		Status:      ObjectivePlanning,
		Total:       len(stageTasks),
	}

	for _, t := range stageTasks {
		t.ID = c.nextID("task")
		t.ObjectiveID = obj.ID
		t.Status = TaskPending
		t.MaxAttempts = 3
		t.CreatedAt = time.Now()
		obj.TaskIDs = append(obj.TaskIDs, t.ID)
		c.tasks[t.ID] = t
	}
	for i, t := range stageTasks {
		for _, dep := range depIndex[i] {
			t.Dependencies = append(t.Dependencies, stageTasks[dep].ID)
		}
	}

	c.objectives[obj.ID] = obj
	c.persistObjectiveLocked(obj)
	log.Printf("[SWARM] created objective %s (strategy=%s, %d tasks)", obj.ID, resolved, obj.Total)
	return obj.snapshot(), nil
}

// ExecuteObjective marks an objective executing; the next Tick begins
// promoting and dispatching its tasks.
func (c *Coordinator) ExecuteObjective(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.objectives[id]
	if !ok {
		return fmt.Errorf("%w: objective %s", coreerr.ErrNotFound, id)
	}
	if obj.Status != ObjectivePlanning {
		return fmt.Errorf("%w: objective %s is %s, want planning", coreerr.ErrInvalidState, id, obj.Status)
	}
	obj.Status = ObjectiveExecuting
	obj.StartedAt = time.Now()
	c.persistObjectiveLocked(obj)
	return nil
}

// CancelObjective cancels every non-terminal task of an objective and
// marks it failed (spec.md §8 scenario F).
func (c *Coordinator) CancelObjective(id string) error {
	c.mu.Lock()
	obj, ok := c.objectives[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: objective %s", coreerr.ErrNotFound, id)
	}
	var toCancelExec []string
	for _, tid := range obj.TaskIDs {
		t := c.tasks[tid]
		if t.Status.terminal() {
			continue
		}
		t.Status = TaskCancelled
		t.CompletedAt = time.Now()
		for execID, mappedTask := range c.execToTask {
			if mappedTask == tid {
				toCancelExec = append(toCancelExec, execID)
			}
		}
	}
	obj.Status = ObjectiveFailed
	obj.EndedAt = time.Now()
	c.persistObjectiveLocked(obj)
	c.mu.Unlock()

	if c.exec != nil {
		for _, execID := range toCancelExec {
			c.exec.Cancel(execID)
		}
	}
	log.Printf("[SWARM] cancelled objective %s", id)
	return nil
}

// GetObjective returns a detached snapshot of one objective.
func (c *Coordinator) GetObjective(id string) (*Objective, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.objectives[id]
	if !ok {
		return nil, fmt.Errorf("%w: objective %s", coreerr.ErrNotFound, id)
	}
	return obj.snapshot(), nil
}

// GetTask returns a detached snapshot of one task.
func (c *Coordinator) GetTask(id string) (*Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", coreerr.ErrNotFound, id)
	}
	return t.snapshot(), nil
}

func (c *Coordinator) persistObjectiveLocked(obj *Objective) {
	if c.mem == nil {
		return
	}
	payload, err := json.Marshal(obj)
	if err != nil {
		return
	}
	if _, err := c.mem.StoreValue(obj.ID, payload, memory.StoreOptions{Namespace: "objectives", Type: memory.TypeObject}); err != nil {
		log.Printf("[SWARM] persist objective %s: %v", obj.ID, err)
	}
}

func (c *Coordinator) persistResultLocked(t *Task) {
	if c.mem == nil {
		return
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return
	}
	if _, err := c.mem.StoreValue(t.ID, payload, memory.StoreOptions{Namespace: "results", Type: memory.TypeObject}); err != nil {
		log.Printf("[SWARM] persist result %s: %v", t.ID, err)
	}
}

func (c *Coordinator) publish(topic string, payload interface{}) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(topic, payload)
}

// Tick runs one iteration of the scheduling loop (spec.md §4.5). dispatch
// only assigns tasks to agents; stealWork gets a chance to redistribute
// that assigned-but-not-yet-launched backlog before launchAssigned
// submits it to the Executor and flips it to running.
func (c *Coordinator) Tick() {
	c.collectCompletions()
	c.promotePending()
	c.dispatch()
	if c.workStealing {
		c.stealWork()
	}
	c.launchAssigned()
	c.checkObjectiveCompletion()
}

// promotePending moves pending tasks whose dependencies are all
// completed to queued (spec.md §4.5 step 1).
func (c *Coordinator) promotePending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tasks {
		if t.Status != TaskPending {
			continue
		}
		if c.dependenciesCompleteLocked(t) {
			t.Status = TaskQueued
		}
	}
}

func (c *Coordinator) dependenciesCompleteLocked(t *Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := c.tasks[dep]
		if !ok || d.Status != TaskCompleted {
			return false
		}
	}
	return true
}

// dispatch implements spec.md §4.5 steps 2-4: compute eligible (task,
// agent) pairs, score them, and dispatch the winners. A single tick may
// assign more than one task to the same agent as long as its projected
// workload stays under max-concurrent-tasks, tracked locally via
// remaining so the backlog work stealing (spec.md §4.5) can later act on.
func (c *Coordinator) dispatch() {
	if c.agents == nil {
		return
	}
	c.mu.Lock()
	var queued []*Task
	for _, t := range c.tasks {
		if t.Status == TaskQueued {
			queued = append(queued, t)
		}
	}
	c.mu.Unlock()
	if len(queued) == 0 {
		return
	}

	sort.Slice(queued, func(i, j int) bool {
		if queued[i].Priority != queued[j].Priority {
			return queued[i].Priority > queued[j].Priority
		}
		return queued[i].ID < queued[j].ID
	})

	agents := c.agents.ListAgents()
	remaining := make(map[string]int, len(agents))
	for _, a := range agents {
		remaining[a.ID] = a.Config.MaxConcurrentTasks - a.Workload
	}

	for _, t := range queued {
		best, bestScore, ok := c.bestCandidateLocked(t, agents, remaining)
		if !ok {
			continue
		}
		remaining[best.ID]--
		c.assignTask(t, best, bestScore)
	}
}

func (c *Coordinator) bestCandidateLocked(t *Task, agents []*agent.Agent, remaining map[string]int) (*agent.Agent, float64, bool) {
	var best *agent.Agent
	var bestScore float64
	found := false

	c.mu.Lock()
	now := time.Now()
	for _, a := range agents {
		if remaining[a.ID] <= 0 {
			continue
		}
		if a.State != agent.StateIdle && a.State != agent.StateBusy {
			continue
		}
		if !a.Capabilities.Has(t.Type) {
			continue
		}
		br := c.breakerFor(a.ID)
		if !br.allows(now) {
			continue
		}

		score := scorePair(t, a)
		if !found || score > bestScore || (score == bestScore && a.ID < best.ID) {
			best, bestScore, found = a, score, true
		}
	}
	c.mu.Unlock()
	return best, bestScore, found
}

// scorePair implements spec.md §4.5 step 3's scoring function.
func scorePair(t *Task, a *agent.Agent) float64 {
	score := 0.0
	if a.Capabilities.Has(t.Type) {
		score += 3.0
	}
	for _, flag := range a.Capabilities.Flags {
		if flag != t.Type {
			score += 0.1 // secondary-capability bonus
		}
	}
	loadFactor := 1.0
	if a.Config.MaxConcurrentTasks > 0 {
		loadFactor = 1.0 - float64(a.Workload)/float64(a.Config.MaxConcurrentTasks)
	}
	score += loadFactor
	score += a.Metrics.SuccessRate
	score += a.Config.Autonomy * 0.1 // agent priority proxy
	score += rand.Float64() * 0.01   // small tie-breaker
	return score
}

func (c *Coordinator) breakerFor(agentID string) *breaker {
	b, ok := c.breakers[agentID]
	if !ok {
		b = newBreaker(c.breakerCfg)
		c.breakers[agentID] = b
	}
	return b
}

// assignTask reserves a slot on agent a for t, leaving it in the
// assigned state (spec.md §4.5 step 4). It does not launch the task —
// launchAssigned does that once stealWork has had a chance to
// redistribute the tick's freshly-assigned backlog.
func (c *Coordinator) assignTask(t *Task, a *agent.Agent, score float64) {
	if err := c.agents.AssignTask(a.ID); err != nil {
		return
	}

	c.mu.Lock()
	t.Status = TaskAssigned
	t.AssignedTo = a.ID
	t.Attempts++
	c.mu.Unlock()

	log.Printf("[SWARM] assigned task %s to agent %s (score=%.2f)", t.ID, a.ID, score)
}

// launchAssigned submits every still-assigned task to the Executor and
// flips it to running (spec.md §4.5 step 4, second half).
func (c *Coordinator) launchAssigned() {
	c.mu.Lock()
	var ready []*Task
	for _, t := range c.tasks {
		if t.Status == TaskAssigned {
			ready = append(ready, t)
		}
	}
	c.mu.Unlock()

	for _, t := range ready {
		c.mu.Lock()
		if t.Status != TaskAssigned {
			c.mu.Unlock()
			continue
		}
		t.Status = TaskRunning
		t.StartedAt = time.Now()
		c.mu.Unlock()

		c.publish("task.started", t.snapshot())

		if c.exec == nil {
			continue
		}
		payload := decodePayload(t.Input)
		execID, err := c.exec.Submit(payload.Command, payload.Args, executor.SubmitOptions{Timeout: t.Timeout})
		if err != nil {
			c.failTask(t.ID, fmt.Sprintf("submit to executor: %v", err))
			continue
		}
		c.mu.Lock()
		c.execToTask[execID] = t.ID
		c.mu.Unlock()
	}
}

func decodePayload(input []byte) TaskPayload {
	if len(input) == 0 {
		return TaskPayload{Command: "true"}
	}
	var p TaskPayload
	if err := json.Unmarshal(input, &p); err != nil || p.Command == "" {
		return TaskPayload{Command: "true"}
	}
	return p
}

// collectCompletions polls the Executor for every in-flight task's
// execution record and applies spec.md §4.5 step 5's completion
// handling (this generalizes the teacher's poll-and-update queue
// pattern from tasks/queue.go to execution results rather than
// in-memory task mutation alone).
func (c *Coordinator) collectCompletions() {
	if c.exec == nil {
		return
	}
	c.mu.Lock()
	pending := make(map[string]string, len(c.execToTask))
	for execID, taskID := range c.execToTask {
		pending[execID] = taskID
	}
	c.mu.Unlock()

	for execID, taskID := range pending {
		rec, err := c.exec.Status(execID)
		if err != nil {
			continue
		}
		switch rec.Status {
		case executor.StatusSuccess:
			c.completeTask(taskID, rec.Output)
			c.forgetExec(execID)
		case executor.StatusFailed, executor.StatusTimeout:
			c.handleTaskFailure(taskID, rec.Error)
			c.forgetExec(execID)
		case executor.StatusCancelled:
			c.forgetExec(execID)
		}
	}
}

func (c *Coordinator) forgetExec(execID string) {
	c.mu.Lock()
	delete(c.execToTask, execID)
	c.mu.Unlock()
}

func (c *Coordinator) completeTask(taskID string, output []byte) {
	c.mu.Lock()
	t, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return
	}
	t.Status = TaskCompleted
	t.Result = output
	t.CompletedAt = time.Now()
	if obj := c.objectives[t.ObjectiveID]; obj != nil {
		obj.Completed++
	}
	agentID := t.AssignedTo
	c.persistResultLocked(t)
	c.mu.Unlock()

	if c.agents != nil && agentID != "" {
		c.agents.CompleteTask(agentID)
		dur := float64(t.CompletedAt.Sub(t.StartedAt).Milliseconds())
		c.agents.RecordTaskResult(agentID, true, dur)
		c.mu.Lock()
		c.breakerFor(agentID).record(true, time.Now())
		c.mu.Unlock()
	}
	c.publish("task.completed", t.snapshot())
}

// handleTaskFailure applies spec.md §4.5's failure semantics: retry up
// to max-attempts, else fail the task and transitively fail its
// dependents with cause upstream-failed.
func (c *Coordinator) handleTaskFailure(taskID, errMsg string) {
	c.mu.Lock()
	t, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return
	}
	agentID := t.AssignedTo
	c.mu.Unlock()

	if c.agents != nil && agentID != "" {
		c.agents.CompleteTask(agentID)
		c.agents.RecordTaskResult(agentID, false, 0)
		c.mu.Lock()
		c.breakerFor(agentID).record(false, time.Now())
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok = c.tasks[taskID]
	if !ok {
		return
	}
	if t.Attempts < t.MaxAttempts {
		t.Status = TaskQueued
		t.Error = errMsg
		return
	}
	c.failTaskLocked(t, errMsg)
}

func (c *Coordinator) failTask(taskID, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[taskID]
	if !ok {
		return
	}
	c.failTaskLocked(t, errMsg)
}

func (c *Coordinator) failTaskLocked(t *Task, errMsg string) {
	t.Status = TaskFailed
	t.Error = errMsg
	t.CompletedAt = time.Now()
	if obj, ok := c.objectives[t.ObjectiveID]; ok {
		obj.Failed++
	}
	c.persistResultLocked(t)
	c.publish("task.failed", t.snapshot())

	for _, other := range c.tasks {
		if other.ObjectiveID != t.ObjectiveID || other.Status.terminal() {
			continue
		}
		for _, dep := range other.Dependencies {
			if dep == t.ID {
				c.failTaskLocked(other, "upstream-failed")
				break
			}
		}
	}
}

// checkObjectiveCompletion finalizes any executing objective whose
// tasks are all terminal (spec.md §4.5).
func (c *Coordinator) checkObjectiveCompletion() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, obj := range c.objectives {
		if obj.Status != ObjectiveExecuting {
			continue
		}
		allTerminal := true
		anyFailed := false
		for _, tid := range obj.TaskIDs {
			t := c.tasks[tid]
			if !t.Status.terminal() {
				allTerminal = false
				break
			}
			if t.Status == TaskFailed {
				anyFailed = true
			}
		}
		if !allTerminal {
			continue
		}
		if anyFailed {
			obj.Status = ObjectiveFailed
		} else {
			obj.Status = ObjectiveCompleted
		}
		obj.EndedAt = time.Now()
		c.persistObjectiveLocked(obj)
		c.publish("objective.done", obj.snapshot())
	}
}

// stealWork implements spec.md §4.5's work stealing: when an idle agent
// exists and some other agent's assigned-but-not-yet-launched backlog
// depth is >= 2, the idle agent claims that agent's lowest-priority
// assigned task. Runs after dispatch and before launchAssigned, so the
// backlog it inspects hasn't been submitted to the Executor yet.
func (c *Coordinator) stealWork() {
	if c.agents == nil {
		return
	}
	agents := c.agents.ListAgents()
	var idle []*agent.Agent
	depth := make(map[string]int)

	c.mu.Lock()
	for _, t := range c.tasks {
		if t.Status == TaskAssigned {
			depth[t.AssignedTo]++
		}
	}
	c.mu.Unlock()

	for _, a := range agents {
		if a.State == agent.StateIdle && a.Workload == 0 {
			idle = append(idle, a)
		}
	}
	if len(idle) == 0 {
		return
	}

	for _, thief := range idle {
		busiestID, busiestDepth := "", 0
		for id, d := range depth {
			if d > busiestDepth {
				busiestID, busiestDepth = id, d
			}
		}
		if busiestDepth < 2 {
			return
		}

		c.mu.Lock()
		victim := c.lowestPriorityAssignedForLocked(busiestID)
		if victim == nil {
			c.mu.Unlock()
			continue
		}
		victim.AssignedTo = thief.ID
		c.mu.Unlock()

		if err := c.agents.AssignTask(thief.ID); err != nil {
			c.mu.Lock()
			victim.AssignedTo = busiestID
			c.mu.Unlock()
			continue
		}
		c.agents.CompleteTask(busiestID)

		depth[busiestID]--
		log.Printf("[SWARM] work-stolen: task %s moved from agent %s to idle agent %s", victim.ID, busiestID, thief.ID)
	}
}

func (c *Coordinator) lowestPriorityAssignedForLocked(agentID string) *Task {
	var lowest *Task
	for _, t := range c.tasks {
		if t.AssignedTo != agentID || t.Status != TaskAssigned {
			continue
		}
		if lowest == nil || t.Priority < lowest.Priority {
			lowest = t
		}
	}
	return lowest
}

// RunConsensus polls voters for a yes/no decision on round-id and
// records the result at consensus/<round-id> (spec.md §4.5). voteFn is
// called once per voter and must return within voteTimeout; a voter
// that doesn't respond in time counts as an abstention.
func (c *Coordinator) RunConsensus(objectiveID string, rule ConsensusRule, threshold float64, voters []string, voteTimeout time.Duration, voteFn func(agentID string) (bool, float64)) *Round {
	roundID := c.nextID("consensus")

	type result struct {
		vote Vote
		ok   bool
	}
	results := make(chan result, len(voters))
	for _, id := range voters {
		go func(agentID string) {
			yes, weight := voteFn(agentID)
			results <- result{Vote{AgentID: agentID, Yes: yes, Weight: weight}, true}
		}(id)
	}

	var votes []Vote
	deadline := time.After(voteTimeout)
collect:
	for i := 0; i < len(voters); i++ {
		select {
		case r := <-results:
			if r.ok {
				votes = append(votes, r.vote)
			}
		case <-deadline:
			break collect
		}
	}

	round := evaluateConsensus(roundID, objectiveID, rule, threshold, voters, votes)
	if c.mem != nil {
		if payload, err := json.Marshal(round); err == nil {
			if _, err := c.mem.StoreValue(roundID, payload, memory.StoreOptions{Namespace: "consensus", Type: memory.TypeObject}); err != nil {
				log.Printf("[SWARM] persist consensus round %s: %v", roundID, err)
			}
		}
	}
	c.publish("consensus.decided", round)
	return round
}
