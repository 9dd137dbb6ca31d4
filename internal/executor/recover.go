package executor

import (
	"encoding/json"
	"log"

	"github.com/ruvnet/swarmcore/internal/memory"
)

// Recover reloads persisted execution records after a restart
// (spec.md §4.4). Queued records are rescheduled in FIFO order;
// running records — which could not have survived the crash — become
// failed(interrupted) and are retried if attempts remain. Recovery only
// restores command/args/attempt bookkeeping; per-submission options
// like cwd or timeout are not persisted and fall back to executor
// defaults on replay.
func (e *Executor) Recover() error {
	if e.mem == nil {
		return nil
	}
	res, err := e.mem.Query(memory.QueryOptions{Namespace: "exec", SortBy: memory.SortByCreatedAt, SortOrder: memory.SortAsc})
	if err != nil {
		return err
	}

	for _, entry := range res.Entries {
		var rec Record
		if err := json.Unmarshal(entry.Value, &rec); err != nil {
			log.Printf("[EXECUTOR] skipping corrupt execution record %s: %v", entry.Key, err)
			continue
		}

		switch rec.Status {
		case StatusQueued:
			e.reschedule(&rec)
		case StatusRunning:
			rec.Status = StatusFailed
			rec.Error = "interrupted"
			if rec.Attempts < rec.MaxAttempts {
				e.reschedule(&rec)
			} else {
				e.recordTerminal(&rec)
			}
		}
	}
	return nil
}

func (e *Executor) reschedule(rec *Record) {
	e.mu.Lock()
	rec.Status = StatusQueued
	e.records[rec.ID] = rec
	e.mu.Unlock()

	e.persist(rec)

	select {
	case e.queue <- &job{id: rec.ID, command: rec.Command, args: rec.Args, opts: SubmitOptions{Persist: true}}:
		log.Printf("[EXECUTOR] rescheduled %s after restart", rec.ID)
	default:
		log.Printf("[EXECUTOR] could not reschedule %s: queue full", rec.ID)
	}
}

// recordTerminal persists a record that has exhausted its attempts
// without re-enqueueing it (spec.md §4.4 Scenario D: interrupted runs
// only retry if attempts remain).
func (e *Executor) recordTerminal(rec *Record) {
	e.mu.Lock()
	e.records[rec.ID] = rec
	e.mu.Unlock()

	e.persist(rec)
	log.Printf("[EXECUTOR] execution %s interrupted with no attempts remaining, not rescheduling", rec.ID)
}
