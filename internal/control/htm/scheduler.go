package htm

import (
	"container/heap"
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"

	"github.com/aaron031291/grace-controlplane/internal/control/eventtypes"
)

const (
	defaultMaxAttempts = 3
	cancelGrace        = 5 * time.Second
)

// entry is one queued task plus the monotonic sequence number used to
// break priority ties FIFO.
type entry struct {
	task Task
	seq  uint64
}

// readyQueue orders entries by Priority desc, then seq asc (container/heap).
type readyQueue []*entry

func (q readyQueue) Len() int { return len(q) }
func (q readyQueue) Less(i, j int) bool {
	if q[i].task.Priority != q[j].task.Priority {
		return q[i].task.Priority > q[j].task.Priority
	}
	return q[i].seq < q[j].seq
}
func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *readyQueue) Push(x interface{}) {
	*q = append(*q, x.(*entry))
}
func (q *readyQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// Scheduler dispatches tasks to Workers keyed by kind, enforcing a
// bounded worker pool, SLA timeouts, and retry-with-backoff for
// errors tagged retryable (spec.md §4.8).
type Scheduler struct {
	mu       sync.Mutex
	queue    readyQueue
	nextSeq  uint64
	tasks    map[string]*Task
	cancels  map[string]context.CancelFunc
	workers  map[string]Worker
	sem      *semaphore.Weighted
	pub      publisher
	clock    func() time.Time
	rng      *rand.Rand
	wg       sync.WaitGroup
	notifyCh chan struct{}
}

// publisher is the subset of the event publisher the scheduler needs.
type publisher interface {
	Publish(typ string, payload map[string]interface{}, source, correlationID string, severity eventtypes.Severity) string
}

// NewScheduler returns a Scheduler with a worker pool bounded to
// concurrency slots.
func NewScheduler(concurrency int64, pub publisher) *Scheduler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scheduler{
		tasks:    make(map[string]*Task),
		cancels:  make(map[string]context.CancelFunc),
		workers:  make(map[string]Worker),
		sem:      semaphore.NewWeighted(concurrency),
		pub:      pub,
		clock:    time.Now,
		rng:      rand.New(rand.NewSource(1)),
		notifyCh: make(chan struct{}, 1),
	}
}

// SetClock overrides the scheduler's time source (CI_MODE determinism).
func (s *Scheduler) SetClock(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = fn
}

// RegisterWorker binds a Worker to a task kind. Must be called before
// tasks of that kind are submitted.
func (s *Scheduler) RegisterWorker(kind string, w Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[kind] = w
}

func (s *Scheduler) now() time.Time {
	if s.clock != nil {
		return s.clock()
	}
	return time.Now()
}

// Submit enqueues a new task and returns its assigned id.
func (s *Scheduler) Submit(kind string, payload map[string]interface{}, ownerKernel string, priority Priority, slaMs int64, parentIncident string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := ulid.Make().String()
	now := s.now()
	t := &Task{
		TaskID:         id,
		Kind:           kind,
		Payload:        payload,
		OwnerKernel:    ownerKernel,
		State:          StateQueued,
		Priority:       priority,
		Created:        now,
		Queued:         now,
		LastUpdate:     now,
		MaxAttempts:    defaultMaxAttempts,
		SLAms:          slaMs,
		ParentIncident: parentIncident,
	}
	s.tasks[id] = t
	s.nextSeq++
	heap.Push(&s.queue, &entry{task: *t, seq: s.nextSeq})
	s.notify()
	return id
}

func (s *Scheduler) notify() {
	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
}

// Run drives dispatch until ctx is cancelled: pops the highest-priority
// ready task, acquires a worker slot, and runs it in its own goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-s.notifyCh:
		case <-time.After(200 * time.Millisecond):
		}
		s.dispatchReady(ctx)
	}
}

func (s *Scheduler) dispatchReady(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.queue.Len() == 0 {
			s.mu.Unlock()
			return
		}
		if !s.sem.TryAcquire(1) {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.queue).(*entry)
		t := s.tasks[e.task.TaskID]
		if t == nil || t.State == StateCancelled {
			s.sem.Release(1)
			s.mu.Unlock()
			continue
		}
		taskCtx, cancel := context.WithCancel(ctx)
		s.cancels[t.TaskID] = cancel
		t.State = StateDispatched
		t.Dispatched = s.now()
		t.LastUpdate = t.Dispatched
		t.AttemptCount++
		s.mu.Unlock()

		s.wg.Add(1)
		go s.execute(taskCtx, cancel, t.TaskID)
	}
}

func (s *Scheduler) execute(ctx context.Context, cancel context.CancelFunc, taskID string) {
	defer s.wg.Done()
	defer s.sem.Release(1)
	defer cancel()

	s.mu.Lock()
	t := s.tasks[taskID]
	worker := s.workers[t.Kind]
	t.State = StateRunning
	t.Started = s.now()
	t.LastUpdate = t.Started
	sla := t.SLAms
	s.mu.Unlock()

	if worker == nil {
		s.finish(taskID, nil, fmt.Errorf("no worker registered for kind %q", t.Kind))
		return
	}

	runCtx := ctx
	var slaCancel context.CancelFunc
	if sla > 0 {
		runCtx, slaCancel = context.WithTimeout(ctx, time.Duration(sla)*time.Millisecond)
		defer slaCancel()
	}

	done := make(chan struct{})
	var result interface{}
	var runErr error
	go func() {
		result, runErr = worker(runCtx, *t)
		close(done)
	}()

	select {
	case <-done:
		s.finish(taskID, result, runErr)
	case <-runCtx.Done():
		s.mu.Lock()
		cur := s.tasks[taskID]
		if cur != nil && cur.State != StateCancelled {
			if sla > 0 && runCtx.Err() == context.DeadlineExceeded {
				s.transitionLocked(cur, StateTimedOut, "sla exceeded")
				s.publishUpdate(cur)
			}
		}
		s.mu.Unlock()
	}
}

func (s *Scheduler) finish(taskID string, _ interface{}, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[taskID]
	if t == nil || t.State == StateCancelled || t.State == StateTimedOut {
		return
	}
	if err == nil {
		s.transitionLocked(t, StateSucceeded, "")
		s.publishUpdate(t)
		return
	}

	retryable := false
	if te, ok := err.(*TaskError); ok {
		retryable = te.Retryable
	}

	if retryable && t.AttemptCount < t.MaxAttempts {
		t.State = StateQueued
		t.LastError = err.Error()
		t.LastUpdate = s.now()
		s.nextSeq++
		e := &entry{task: *t, seq: s.nextSeq}
		delay := computeBackoff(t.AttemptCount, s.rng)
		go func() {
			time.Sleep(delay)
			s.mu.Lock()
			heap.Push(&s.queue, e)
			s.notify()
			s.mu.Unlock()
		}()
		return
	}

	s.transitionLocked(t, StateFailed, err.Error())
	s.publishUpdate(t)
}

func (s *Scheduler) transitionLocked(t *Task, state State, errMsg string) {
	now := s.now()
	t.State = state
	t.LastUpdate = now
	if errMsg != "" {
		t.LastError = errMsg
	}
	if state.IsTerminal() {
		t.Ended = now
	}
}

func (s *Scheduler) publishUpdate(t *Task) {
	if s.pub == nil {
		return
	}
	s.pub.Publish("htm.task.update", map[string]interface{}{
		"task_id": t.TaskID,
		"state":   string(t.State),
		"error":   t.LastError,
	}, "htm", t.ParentIncident, eventtypes.SeverityInfo)
}

// Cancel marks a task cancelled. If already running, it is given
// cancelGrace to exit before the scheduler force-cancels its context.
func (s *Scheduler) Cancel(taskID string) error {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown task %q", taskID)
	}
	if t.State.IsTerminal() {
		s.mu.Unlock()
		return nil
	}
	running := t.State == StateRunning || t.State == StateDispatched
	cancelFn := s.cancels[taskID]
	s.transitionLocked(t, StateCancelled, "cancelled")
	s.publishUpdate(t)
	s.mu.Unlock()

	if running && cancelFn != nil {
		go func() {
			time.Sleep(cancelGrace)
			cancelFn()
		}()
	} else if cancelFn != nil {
		cancelFn()
	}
	return nil
}

// Get returns a snapshot of a task by id.
func (s *Scheduler) Get(taskID string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return *t, true
}
