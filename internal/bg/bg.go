// Package bg implements the cooperative, time-sliced background-task
// scheduler (C5): ordinary tasks, daemons with work queues, signal
// delivery, and the wall-clock tick-budget/cost model of spec.md section
// 4.2. Grounded on the teacher's ticker-driven event loop shape
// (service/tbc/tbc.go's peerManager select/ticker pattern) generalized
// from "one goroutine per peer" to "one runnable task at a time" per
// spec.md section 5's single-threaded invariant (P6: at most one RUNNING
// task while sched_timer is on the stack).
package bg

import (
	"fmt"
	"time"

	"github.com/juju/loggo"
)

var log = loggo.GetLogger("bg")

// Tick-budget constants, spec.md section 4.2 "Tick budget".
const (
	timerBudget       = 150 * time.Millisecond
	minTaskBudget     = 40 * time.Millisecond
	tickClampFactor   = 4
	costEMANumerator  = 4
	costEMADenominator = 5
)

// Result is a step function's verdict for the current activation.
type Result int

const (
	ResultDone Result = iota
	ResultNext
	ResultMore
	ResultError
	resultExit // produced only by Task.Exit; terminates like a signal-driven exit
)

// Outcome is what a Step returns: a Result plus an exit code that matters
// only for ResultError and the internal exit path.
type Outcome struct {
	Result   Result
	ExitCode int
}

// Done signals the current step (and, for non-daemon tasks, the whole
// task) has finished successfully.
func Done() Outcome { return Outcome{Result: ResultDone} }

// Next advances to the next step, or ends the task if this was the last
// one.
func Next() Outcome { return Outcome{Result: ResultNext} }

// More asks the scheduler to re-run the same step (seqno += 1).
func More() Outcome { return Outcome{Result: ResultMore} }

// Error terminates the task with exit_code = -1 and status ERROR.
func Error() Outcome { return Outcome{Result: ResultError, ExitCode: -1} }

// Step is one chunk of cooperative work. ticksGranted bounds the expected
// duration; a step may do less and call Task.TicksUsed to say so.
type Step func(t *Task, ctx any, ticksGranted int) Outcome

// Signal identifiers. SigKill and SigTerm and SigZero are spec-mandated;
// values 3+ are available for application-defined slots.
type Signal int

const (
	SigKill Signal = iota
	SigTerm
	SigZero
)

// SignalHandler reacts to a delivered signal.
type SignalHandler func(t *Task, sig Signal)

// Status is a terminated task's outcome, spec.md section 4.2 "Termination
// status".
type Status int

const (
	StatusOK Status = iota
	StatusKilled
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusKilled:
		return "KILLED"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// DoneFunc is invoked once a task terminates, if one was installed at
// creation. If none was installed and the task did not end OK, it becomes
// a zombie (retained so Status can still be read).
type DoneFunc func(t *Task, status Status, exitCode int)

type taskState int

const (
	stateRunnable taskState = iota
	stateSleeping
	stateDead
	stateNone
)

// workQueue is a daemon's pending-item FIFO.
type workQueue struct {
	items []any
}

func (q *workQueue) push(item any)  { q.items = append(q.items, item) }
func (q *workQueue) empty() bool    { return len(q.items) == 0 }
func (q *workQueue) peek() any      { return q.items[0] }
func (q *workQueue) pop() any {
	item := q.items[0]
	q.items = q.items[1:]
	return item
}

// Task is a single scheduled unit of work. See spec.md section 3
// "Background task" for the full field inventory this mirrors.
type Task struct {
	name  string
	steps []Step

	stepIndex int
	seqno     int

	ctx     any
	ctxFree func(any)

	doneCB DoneFunc

	exitCode   int
	exited     bool
	killed     bool
	zombieRead bool
	isZombie   bool

	lastSignal     Signal
	pendingSignals []Signal
	signalHandlers map[Signal]SignalHandler
	inHandler      bool

	ticksGranted  int
	ticksUsed     int
	ticksDeclared bool
	prevTicks     int
	lastElapsedUs int64
	tickCostUs    float64
	noTick        bool

	state taskState

	// daemon-only
	isDaemon    bool
	queue       workQueue
	startCB     func(ctx, item any)
	endCB       func(ctx, item any)
	itemFree    func(item any)
	notifyCB    func(hasWork bool)
	currentItem any
	itemStarted bool
}

// Name returns the task's creation-time name.
func (t *Task) Name() string { return t.name }

// ExitCode returns the exit code recorded at termination (meaningless
// before the task has terminated).
func (t *Task) ExitCode() int { return t.exitCode }

// Exited reports whether the task has terminated.
func (t *Task) Exited() bool { return t.exited }

// CurrentItem returns the daemon's item currently being processed, or nil
// for non-daemon tasks or between items.
func (t *Task) CurrentItem() any { return t.currentItem }

// Exit is how a step (or a signal handler acting on its own task) requests
// immediate termination: "return t.Exit(code)" is the idiomatic
// non-local-return replacement described in SPEC_FULL.md's design notes -
// the step must return the Outcome immediately, it is not itself
// non-local control flow.
func (t *Task) Exit(code int) Outcome {
	return Outcome{Result: resultExit, ExitCode: code}
}

// TicksUsed lets a step declare it consumed fewer ticks than granted, for
// the cost-model EMA (spec.md section 4.2 "Cost model"). used == 0 marks
// the sample NOTICK (suppressed).
func (t *Task) TicksUsed(used int) {
	t.ticksUsed = used
	t.ticksDeclared = true
	t.noTick = used == 0
}

// Scheduler owns the run/sleep/dead lists and the single RUNNING slot
// (spec.md section 5 "Shared resources"). Construct one per Core.
type Scheduler struct {
	run   []*Task
	sleep []*Task
	dead  []*Task

	running *Task

	// Now is the wall-clock source used to measure step duration; override
	// in tests. Defaults to time.Now.
	Now func() time.Time
}

// NewScheduler returns an empty Scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{Now: time.Now}
}

func (s *Scheduler) defaultTermHandler(t *Task, sig Signal) {
	s.terminate(t, t.Exit(0))
}

// TaskCreate spawns an ordinary task, runnable immediately.
func (s *Scheduler) TaskCreate(name string, steps []Step, ctx any, ctxFree func(any), done DoneFunc) *Task {
	t := s.newTask(name, steps, ctx, ctxFree, done)
	s.enqueueRunnable(t)
	return t
}

// DaemonCreate spawns a daemon: a task with a work queue, created
// sleeping until the first DaemonEnqueue.
func (s *Scheduler) DaemonCreate(name string, steps []Step, ctx any, ctxFree func(any),
	startCB, endCB func(ctx, item any), itemFree func(item any), notify func(hasWork bool),
) *Task {
	t := s.newTask(name, steps, ctx, ctxFree, nil)
	t.isDaemon = true
	t.startCB = startCB
	t.endCB = endCB
	t.itemFree = itemFree
	t.notifyCB = notify
	t.state = stateSleeping
	s.sleep = append(s.sleep, t)
	return t
}

func (s *Scheduler) newTask(name string, steps []Step, ctx any, ctxFree func(any), done DoneFunc) *Task {
	t := &Task{
		name:           name,
		steps:          steps,
		ctx:            ctx,
		ctxFree:        ctxFree,
		doneCB:         done,
		signalHandlers: make(map[Signal]SignalHandler),
	}
	t.signalHandlers[SigTerm] = s.defaultTermHandler
	return t
}

func (s *Scheduler) enqueueRunnable(t *Task) {
	t.state = stateRunnable
	s.run = append(s.run, t)
}

// DaemonEnqueue appends item to a daemon's work queue, waking it if it was
// sleeping.
func (s *Scheduler) DaemonEnqueue(t *Task, item any) {
	wasEmpty := t.queue.empty()
	t.queue.push(item)
	if t.state == stateSleeping {
		s.wake(t)
		if t.notifyCB != nil {
			t.notifyCB(true)
		}
	}
	_ = wasEmpty
}

func (s *Scheduler) wake(t *Task) {
	for i, st := range s.sleep {
		if st == t {
			s.sleep = append(s.sleep[:i], s.sleep[i+1:]...)
			break
		}
	}
	s.enqueueRunnable(t)
}

func (s *Scheduler) sleepTask(t *Task) {
	for i, rt := range s.run {
		if rt == t {
			s.run = append(s.run[:i], s.run[i+1:]...)
			break
		}
	}
	t.state = stateSleeping
	s.sleep = append(s.sleep, t)
}

// TaskSignal installs handler for sig on t, returning the previously
// installed handler (nil if none).
func (s *Scheduler) TaskSignal(t *Task, sig Signal, handler SignalHandler) SignalHandler {
	prev := t.signalHandlers[sig]
	if handler == nil {
		delete(t.signalHandlers, sig)
	} else {
		t.signalHandlers[sig] = handler
	}
	return prev
}

// raise delivers sig to t: synchronously if t is the task currently
// running and not already inside a handler, otherwise queued for delivery
// before t's next step (spec.md section 4.2 "Signals").
func (s *Scheduler) raise(t *Task, sig Signal) {
	if t.exited {
		return
	}
	t.lastSignal = sig
	if sig == SigKill {
		t.killed = true
		s.terminate(t, Outcome{Result: resultExit, ExitCode: -1})
		return
	}
	if t == s.running && !t.inHandler {
		s.deliver(t, sig)
		return
	}
	t.pendingSignals = append(t.pendingSignals, sig)
}

func (s *Scheduler) deliver(t *Task, sig Signal) {
	h := t.signalHandlers[sig]
	if h == nil {
		return // SIG_ZERO and unregistered application signals are a nop
	}
	t.inHandler = true
	h(t, sig)
	t.inHandler = false
}

func (s *Scheduler) drainPending(t *Task) {
	pending := t.pendingSignals
	t.pendingSignals = nil
	for _, sig := range pending {
		if t.exited {
			return
		}
		s.deliver(t, sig)
	}
}

// TaskCancel delivers SIG_TERM (switching to t if it is not already
// running so its handler executes synchronously), then follows up with the
// uncatchable SIG_KILL if the handler left the task alive.
func (s *Scheduler) TaskCancel(t *Task) {
	if t.exited {
		return
	}
	prevRunning := s.running
	s.running = t
	t.lastSignal = SigTerm
	s.deliver(t, SigTerm)
	s.running = prevRunning
	if !t.exited {
		s.raise(t, SigKill)
	}
}

// Status returns t's termination status if it has terminated. The first
// read after termination clears the ZOMBIE retention flag.
func (s *Scheduler) Status(t *Task) (status Status, exitCode int, ok bool) {
	if !t.exited {
		return 0, 0, false
	}
	status = statusOf(t)
	t.zombieRead = true
	t.isZombie = false
	return status, t.exitCode, true
}

func statusOf(t *Task) Status {
	switch {
	case t.killed:
		return StatusKilled
	case t.exitCode != 0:
		return StatusError
	default:
		return StatusOK
	}
}

// terminate finalizes t: records exit code/status, invokes the done
// callback or marks ZOMBIE, frees the context, and moves t to the dead
// list (reclaimed at the start of the next Step).
func (s *Scheduler) terminate(t *Task, o Outcome) {
	if t.exited {
		return
	}
	t.exitCode = o.ExitCode
	t.exited = true

	s.removeFromActiveLists(t)
	s.dead = append(s.dead, t)

	status := statusOf(t)
	if t.doneCB != nil {
		t.doneCB(t, status, t.exitCode)
	} else if status != StatusOK {
		t.isZombie = true
	}
	if t.ctxFree != nil {
		t.ctxFree(t.ctx)
		t.ctx = nil
	}
	if t == s.running {
		s.running = nil
	}
}

func (s *Scheduler) removeFromActiveLists(t *Task) {
	for i, rt := range s.run {
		if rt == t {
			s.run = append(s.run[:i], s.run[i+1:]...)
			return
		}
	}
	for i, st := range s.sleep {
		if st == t {
			s.sleep = append(s.sleep[:i], s.sleep[i+1:]...)
			return
		}
	}
}

// Stats reports the scheduler's current population, for internal/stats.
func (s *Scheduler) Stats() (runnable, sleeping, zombies int) {
	zombies = 0
	for _, t := range s.dead {
		if t.isZombie {
			zombies++
		}
	}
	return len(s.run), len(s.sleep), zombies
}

// Reap drops terminated, non-zombie tasks from the dead list. Zombie tasks
// remain until their Status is read. Step calls it on every scheduler
// entry, mirroring the lifecycle rule "freed on the next scheduler tick
// after termination".
func (s *Scheduler) Reap() {
	kept := s.dead[:0]
	for _, t := range s.dead {
		if t.isZombie {
			kept = append(kept, t)
		}
	}
	s.dead = kept
}

// SchedTimer is the 1Hz driver (C1 calls this). It round-robins the run
// queue via repeated Step calls until the 150ms wall-clock budget for this
// invocation is spent or the run queue drains.
func (s *Scheduler) SchedTimer() {
	start := s.Now()
	for s.Now().Sub(start) < timerBudget {
		if !s.Step() {
			return
		}
	}
}

// Step is a single scheduler entry (spec.md section 5's scheduling
// boundary (c)): it pops the head of the run queue, grants it a tick
// budget sized from the 150ms/40ms rule against the *current* runnable
// count, and runs exactly one activation of its current step. It reports
// whether a task was run. Terminated tasks are reclaimed (Reap) at the
// start of every Step.
func (s *Scheduler) Step() bool {
	s.Reap()

	if len(s.run) == 0 {
		return false
	}
	perTaskBudget := timerBudget / time.Duration(len(s.run))
	if perTaskBudget < minTaskBudget {
		perTaskBudget = minTaskBudget
	}

	t := s.run[0]
	s.run = s.run[1:]
	s.runOne(t, perTaskBudget)
	return true
}

func (s *Scheduler) runOne(t *Task, budget time.Duration) {
	s.drainPending(t)
	if t.exited {
		return
	}

	if t.isDaemon && !t.itemStarted {
		if t.queue.empty() {
			s.sleepTask(t)
			if t.notifyCB != nil {
				t.notifyCB(false)
			}
			return
		}
		t.currentItem = t.queue.peek()
		if t.startCB != nil {
			t.startCB(t.ctx, t.currentItem)
		}
		t.itemStarted = true
	}

	ticks := grantTicks(t, budget)
	t.ticksGranted = ticks
	t.ticksUsed = ticks
	t.ticksDeclared = false
	t.noTick = false

	s.running = t
	began := s.Now()
	outcome := t.steps[t.stepIndex](t, t.ctx, ticks)
	elapsed := s.Now().Sub(began)
	s.running = nil

	s.accountCost(t, elapsed)

	switch outcome.Result {
	case ResultDone:
		s.handleDone(t)
	case ResultNext:
		if t.stepIndex == len(t.steps)-1 {
			s.terminate(t, Outcome{Result: ResultDone})
		} else {
			t.stepIndex++
			t.seqno = 0
			t.tickCostUs = 0
			t.prevTicks = 0
			s.requeue(t)
		}
	case ResultMore:
		t.seqno++
		s.requeue(t)
	case ResultError:
		s.terminate(t, outcome)
	case resultExit:
		s.terminate(t, outcome)
	default:
		panic(fmt.Sprintf("bg: step %q returned unknown result %v", t.name, outcome.Result))
	}
}

func (s *Scheduler) handleDone(t *Task) {
	if !t.isDaemon {
		s.terminate(t, Outcome{Result: ResultDone})
		return
	}
	item := t.queue.pop()
	if t.endCB != nil {
		t.endCB(t.ctx, item)
	}
	if t.itemFree != nil {
		t.itemFree(item)
	}
	t.stepIndex = 0
	t.seqno = 0
	t.tickCostUs = 0
	t.prevTicks = 0
	t.itemStarted = false
	t.currentItem = nil

	if t.queue.empty() {
		s.sleepTask(t)
		if t.notifyCB != nil {
			t.notifyCB(false)
		}
		return
	}
	s.requeue(t)
}

// requeue puts a still-runnable task at the tail of the run queue (FIFO
// across the run queue, spec.md section 5 "Ordering guarantees").
func (s *Scheduler) requeue(t *Task) {
	t.state = stateRunnable
	s.run = append(s.run, t)
}

func grantTicks(t *Task, budget time.Duration) int {
	if t.tickCostUs <= 0 {
		if t.prevTicks > 0 {
			return t.prevTicks
		}
		return 1
	}
	budgetUs := float64(budget.Microseconds())
	raw := 1 + int(budgetUs/t.tickCostUs)
	if raw < 1 {
		raw = 1
	}
	if t.prevTicks > 0 {
		hi := t.prevTicks * tickClampFactor
		lo := t.prevTicks / tickClampFactor
		if lo < 1 {
			lo = 1
		}
		if raw > hi {
			raw = hi
		}
		if raw < lo {
			raw = lo
		}
	}
	return raw
}

func (s *Scheduler) accountCost(t *Task, elapsed time.Duration) {
	elapsedUs := elapsed.Microseconds()
	if elapsedUs < 0 {
		ratio := float64(t.ticksUsed) / float64(maxInt(t.ticksGranted, 1))
		elapsedUs = int64(float64(t.lastElapsedUs) * ratio)
		log.Debugf("%v: clock went backwards, estimating elapsed as %dus", t.name, elapsedUs)
	}
	t.lastElapsedUs = elapsedUs
	t.prevTicks = t.ticksGranted

	if t.noTick || t.ticksUsed <= 0 {
		return
	}
	sample := float64(elapsedUs) / float64(t.ticksUsed)
	t.tickCostUs = (costEMANumerator*t.tickCostUs + sample) / costEMADenominator
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
