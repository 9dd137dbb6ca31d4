// Package executor implements the Background Executor of spec.md §4.4:
// a bounded worker pool that runs external commands with retry,
// backoff, timeout, cancellation, and execution records persisted to
// Distributed Memory under exec/<id>.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ruvnet/swarmcore/internal/config"
	"github.com/ruvnet/swarmcore/internal/coreerr"
	"github.com/ruvnet/swarmcore/internal/eventbus"
	"github.com/ruvnet/swarmcore/internal/memory"
)

// Capture selects which streams of a command's output are retained.
type Capture string

const (
	CaptureStdout Capture = "stdout"
	CaptureStderr Capture = "stderr"
	CaptureBoth   Capture = "both"
	CaptureNone   Capture = "none"
)

// SubmitOptions configures a Submit call.
type SubmitOptions struct {
	Cwd           string
	Env           []string
	Timeout       time.Duration // 0 = config.DefaultTimeout
	MaxAttempts   int           // 0 = config.DefaultMaxAttempts
	BackoffBase   time.Duration // 0 = config.BackoffBase
	BackoffFactor float64       // 0 = config.BackoffFactor
	Capture       Capture
	Persist       bool
}

// Executor is the Background Executor implementation (spec.md §4.4).
type Executor struct {
	cfg  config.ExecutorConfig
	mem  *memory.Store
	bus  *eventbus.Bus
	admit *rate.Limiter

	queue chan *job
	wg    sync.WaitGroup

	mu      sync.Mutex
	records map[string]*Record
	cancels map[string]context.CancelFunc
	seq     int64

	stopOnce sync.Once
	stopped  chan struct{}
}

type job struct {
	id      string
	command string
	args    []string
	opts    SubmitOptions
}

// New constructs an Executor. mem and bus may be nil for tests that
// don't need persistence or event notifications.
func New(cfg config.ExecutorConfig, mem *memory.Store, bus *eventbus.Bus) *Executor {
	if cfg.MaxConcurrentTasks < 1 {
		cfg.MaxConcurrentTasks = 1
	}
	return &Executor{
		cfg:     cfg,
		mem:     mem,
		bus:     bus,
		admit:   rate.NewLimiter(rate.Limit(cfg.MaxConcurrentTasks*4), cfg.MaxConcurrentTasks),
		queue:   make(chan *job, 1024),
		records: make(map[string]*Record),
		cancels: make(map[string]context.CancelFunc),
		stopped: make(chan struct{}),
	}
}

// Start launches cfg.MaxConcurrentTasks worker goroutines. Start does
// not guard against repeated calls: each call launches another full
// set of workers.
func (e *Executor) Start() {
	for i := 0; i < e.cfg.MaxConcurrentTasks; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	log.Printf("[EXECUTOR] started with %d workers", e.cfg.MaxConcurrentTasks)
}

// Stop closes the submission queue and waits for in-flight jobs to
// reach a terminal state or be interrupted by context cancellation.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopped)
		close(e.queue)
	})
	e.wg.Wait()
	log.Printf("[EXECUTOR] stopped")
}

// Submit enqueues a command for execution and returns its execution id.
func (e *Executor) Submit(command string, args []string, opts SubmitOptions) (string, error) {
	e.mu.Lock()
	e.seq++
	id := fmt.Sprintf("exec-%06d", e.seq)
	rec := &Record{
		ID: id, Command: command, Args: args, Status: StatusQueued,
		MaxAttempts: normAttempts(opts.MaxAttempts, e.cfg.DefaultMaxAttempts),
		CreatedAt:   time.Now(),
	}
	e.records[id] = rec
	e.mu.Unlock()

	if opts.Persist {
		e.persist(rec)
	}

	select {
	case e.queue <- &job{id: id, command: command, args: args, opts: opts}:
	default:
		e.mu.Lock()
		rec.Status = StatusFailed
		rec.Error = coreerr.ErrCapacityExceeded.Error()
		e.mu.Unlock()
		return id, fmt.Errorf("%w: executor queue full", coreerr.ErrCapacityExceeded)
	}
	return id, nil
}

// Cancel requests termination of a queued or running execution.
// Returns true if the execution was still cancellable.
func (e *Executor) Cancel(id string) bool {
	e.mu.Lock()
	rec, ok := e.records[id]
	if !ok {
		e.mu.Unlock()
		return false
	}
	switch rec.Status {
	case StatusQueued:
		rec.Status = StatusCancelled
		e.mu.Unlock()
		e.publish(rec)
		return true
	case StatusRunning:
		rec.Status = StatusCancelled
		cancel := e.cancels[id]
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return true
	default:
		e.mu.Unlock()
		return false
	}
}

// Status returns a snapshot of an execution's record.
func (e *Executor) Status(id string) (*Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: execution %s", coreerr.ErrNotFound, id)
	}
	cp := *rec
	return &cp, nil
}

func (e *Executor) worker(idx int) {
	defer e.wg.Done()
	for j := range e.queue {
		e.run(j)
	}
	_ = idx
}

func (e *Executor) run(j *job) {
	e.mu.Lock()
	rec, ok := e.records[j.id]
	if !ok || rec.Status == StatusCancelled {
		e.mu.Unlock()
		return
	}
	rec.Status = StatusRunning
	rec.StartedAt = time.Now()
	e.mu.Unlock()
	e.publish(rec)

	timeout := j.opts.Timeout
	if timeout == 0 {
		timeout = e.cfg.DefaultTimeout
	}
	maxAttempts := normAttempts(j.opts.MaxAttempts, e.cfg.DefaultMaxAttempts)
	base := j.opts.BackoffBase
	if base == 0 {
		base = e.cfg.BackoffBase
	}
	factor := j.opts.BackoffFactor
	if factor == 0 {
		factor = e.cfg.BackoffFactor
	}

	var lastErr error
	var exitCode int
	var output []byte

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		e.mu.Lock()
		rec.Attempts = attempt
		e.mu.Unlock()

		if err := e.admit.Wait(context.Background()); err != nil {
			lastErr = err
			break
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		e.mu.Lock()
		e.cancels[j.id] = cancel
		e.mu.Unlock()

		exitCode, output, lastErr = e.runOnce(ctx, j)

		e.mu.Lock()
		delete(e.cancels, j.id)
		cancelled := rec.Status == StatusCancelled
		e.mu.Unlock()
		cancel()

		if cancelled {
			e.finish(rec, j.opts.Persist, StatusCancelled, exitCode, output, lastErr)
			return
		}
		if lastErr == nil {
			e.finish(rec, j.opts.Persist, StatusSuccess, exitCode, output, nil)
			return
		}
		if attempt == maxAttempts {
			break
		}

		wait := fullJitterBackoff(base, factor, attempt)
		select {
		case <-time.After(wait):
		case <-e.stopped:
			e.finish(rec, j.opts.Persist, StatusFailed, exitCode, output, lastErr)
			return
		}
	}

	status := StatusFailed
	if isTimeout(lastErr) {
		status = StatusTimeout
	}
	e.finish(rec, j.opts.Persist, status, exitCode, output, lastErr)
}

// runOnce spawns the command and enforces both the attempt timeout and
// the configured grace period on cooperative cancellation: ctx expiring
// (timeout or Cancel) sends the process its termination signal, then
// force-kills it after gracePeriod if it hasn't exited (spec.md §4.4).
func (e *Executor) runOnce(ctx context.Context, j *job) (int, []byte, error) {
	cmd := exec.Command(j.command, j.args...)
	cmd.Dir = j.opts.Cwd
	if len(j.opts.Env) > 0 {
		cmd.Env = j.opts.Env
	}

	var stdout, stderr bytes.Buffer
	switch j.opts.Capture {
	case CaptureStdout:
		cmd.Stdout = &stdout
	case CaptureStderr:
		cmd.Stderr = &stderr
	case CaptureNone:
	default: // CaptureBoth and zero-value default
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	if err := cmd.Start(); err != nil {
		return 0, nil, err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		_ = cmd.Process.Signal(terminationSignal)
		select {
		case runErr = <-done:
			runErr = ctx.Err()
		case <-time.After(e.cfg.GracePeriod):
			_ = cmd.Process.Kill()
			<-done
			runErr = ctx.Err()
		}
	}

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	var out []byte
	out = append(out, stdout.Bytes()...)
	out = append(out, stderr.Bytes()...)
	return exitCode, out, runErr
}

func (e *Executor) finish(rec *Record, persist bool, status Status, exitCode int, output []byte, runErr error) {
	e.mu.Lock()
	rec.Status = status
	rec.ExitCode = exitCode
	rec.Output = output
	rec.CompletedAt = time.Now()
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	e.mu.Unlock()

	if persist {
		e.persist(rec)
	}
	e.publish(rec)
}

func (e *Executor) persist(rec *Record) {
	if e.mem == nil {
		return
	}
	e.mu.Lock()
	payload, err := json.Marshal(rec)
	e.mu.Unlock()
	if err != nil {
		log.Printf("[EXECUTOR] marshal record %s: %v", rec.ID, err)
		return
	}
	terminal := rec.Status != StatusQueued && rec.Status != StatusRunning
	if _, err := e.mem.StoreValue(rec.ID, payload, memory.StoreOptions{
		Namespace: "exec", Type: memory.TypeObject, Pinned: !terminal,
	}); err != nil {
		log.Printf("[EXECUTOR] persist record %s: %v", rec.ID, err)
	}
}

func (e *Executor) publish(rec *Record) {
	if e.bus == nil {
		return
	}
	cp := *rec
	e.bus.Publish("executor.status", &cp)
}

func normAttempts(requested, fallback int) int {
	if requested > 0 {
		return requested
	}
	if fallback > 0 {
		return fallback
	}
	return 1
}

func fullJitterBackoff(base time.Duration, factor float64, attempt int) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if factor <= 1.0 {
		factor = 2.0
	}
	max := float64(base) * pow(factor, attempt-1)
	return time.Duration(rand.Int63n(int64(max) + 1))
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

func isTimeout(err error) bool {
	return err == context.DeadlineExceeded
}

// terminationSignal is the signal sent before the grace period elapses.
// os.Interrupt maps to SIGINT on unix and is one of the few signals
// os.Process.Signal accepts portably on Windows.
var terminationSignal = os.Interrupt
