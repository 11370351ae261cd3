package bg

import (
	"testing"
	"time"
)

// TestThreeStepLifecycle mirrors spec.md section 8 scenario 4: three steps
// [s0->MORE, s0->NEXT, s1->NEXT, s2->DONE]; after four scheduler entries the
// done callback receives status OK, and the task is reclaimed on the fifth.
func TestThreeStepLifecycle(t *testing.T) {
	var calls []string
	steps := []Step{
		func(tk *Task, ctx any, ticks int) Outcome {
			calls = append(calls, "s0")
			if len(calls) == 1 {
				return More()
			}
			return Next()
		},
		func(tk *Task, ctx any, ticks int) Outcome {
			calls = append(calls, "s1")
			return Next()
		},
		func(tk *Task, ctx any, ticks int) Outcome {
			calls = append(calls, "s2")
			return Done()
		},
	}

	var gotStatus Status
	var gotCode int
	done := false
	sched := NewScheduler()
	task := sched.TaskCreate("lifecycle", steps, nil, nil, func(tk *Task, status Status, code int) {
		done = true
		gotStatus = status
		gotCode = code
	})

	for i := 0; i < 4; i++ {
		sched.Step()
	}
	if !done {
		t.Fatalf("expected task done after four scheduler entries, calls=%v", calls)
	}
	if gotStatus != StatusOK {
		t.Errorf("status = %v, want OK", gotStatus)
	}
	if gotCode != 0 {
		t.Errorf("exit code = %v, want 0", gotCode)
	}
	want := []string{"s0", "s0", "s1", "s2"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("calls[%d] = %v, want %v", i, calls[i], want[i])
		}
	}

	runnable, sleeping, _ := sched.Stats()
	if runnable != 0 || sleeping != 0 {
		t.Errorf("after termination runnable=%d sleeping=%d, want 0,0", runnable, sleeping)
	}
	if len(sched.dead) != 1 {
		t.Fatalf("expected task retained in dead list before reap, got %d", len(sched.dead))
	}

	sched.Step() // fifth entry: nothing runnable, but it must reap.
	if len(sched.dead) != 0 {
		t.Errorf("expected task reclaimed on fifth tick, dead list has %d entries", len(sched.dead))
	}
	_ = task
}

// TestRunningInvariant checks P6: while a step runs inside SchedTimer the
// scheduler's running marker is that task, and it is cleared once
// SchedTimer returns.
func TestRunningInvariant(t *testing.T) {
	sched := NewScheduler()
	var sawRunning *Task
	steps := []Step{
		func(tk *Task, ctx any, ticks int) Outcome {
			if sched.running != tk {
				t.Errorf("step ran without scheduler.running set to self")
			}
			sawRunning = sched.running
			return Done()
		},
	}
	sched.TaskCreate("t", steps, nil, nil, nil)
	sched.SchedTimer()
	if sawRunning == nil {
		t.Fatal("step never observed itself as running")
	}
	if sched.running != nil {
		t.Errorf("scheduler.running should be nil once SchedTimer returns, got %v", sched.running)
	}
}

func TestTaskErrorTerminatesWithErrorStatus(t *testing.T) {
	sched := NewScheduler()
	var status Status
	var code int
	sched.TaskCreate("erroring", []Step{
		func(tk *Task, ctx any, ticks int) Outcome { return Error() },
	}, nil, nil, func(tk *Task, s Status, c int) {
		status = s
		code = c
	})
	sched.SchedTimer()
	if status != StatusError {
		t.Errorf("status = %v, want ERROR", status)
	}
	if code != -1 {
		t.Errorf("exit code = %d, want -1", code)
	}
}

func TestTaskExitFromStep(t *testing.T) {
	sched := NewScheduler()
	var status Status
	sched.TaskCreate("exiter", []Step{
		func(tk *Task, ctx any, ticks int) Outcome { return tk.Exit(0) },
	}, nil, nil, func(tk *Task, s Status, c int) { status = s })
	sched.SchedTimer()
	if status != StatusOK {
		t.Errorf("status = %v, want OK", status)
	}
}

func TestTaskCancelDeliversTermThenKill(t *testing.T) {
	sched := NewScheduler()
	termSeen := false
	var status Status
	task := sched.TaskCreate("cancelme", []Step{
		func(tk *Task, ctx any, ticks int) Outcome { return More() },
	}, nil, nil, func(tk *Task, s Status, c int) { status = s })

	sched.TaskSignal(task, SigTerm, func(tk *Task, sig Signal) {
		termSeen = true
		// default behavior: do nothing further, let the follow-up KILL land.
	})
	sched.TaskCancel(task)

	if !termSeen {
		t.Error("expected custom SIG_TERM handler to run during TaskCancel")
	}
	if !task.Exited() {
		t.Fatal("expected task to be terminated after TaskCancel")
	}
	if status != StatusKilled {
		t.Errorf("status = %v, want KILLED", status)
	}
}

func TestTaskSignalReturnsPrevious(t *testing.T) {
	// R3: task_signal(h, sig, H); task_signal(h, sig, H') returns H the
	// second time and leaves H' installed.
	sched := NewScheduler()
	task := sched.TaskCreate("sigtest", []Step{
		func(tk *Task, ctx any, ticks int) Outcome { return More() },
	}, nil, nil, nil)

	var hCalled, hPrimeCalled bool
	H := func(tk *Task, sig Signal) { hCalled = true }
	Hprime := func(tk *Task, sig Signal) { hPrimeCalled = true }

	prev1 := sched.TaskSignal(task, Signal(10), H)
	if prev1 != nil {
		t.Errorf("first install should report no previous handler")
	}
	prev2 := sched.TaskSignal(task, Signal(10), Hprime)
	if prev2 == nil {
		t.Fatal("second install should return H")
	}
	prev2(task, Signal(10))
	if !hCalled {
		t.Error("returned previous handler did not invoke H")
	}

	sched.raise(task, Signal(10))
	// task is not running and not in a handler: signal should queue, not
	// fire synchronously.
	if hPrimeCalled {
		t.Error("queued signal should not fire before the next activation")
	}
	sched.Step()
	if !hPrimeCalled {
		t.Error("expected queued handler to run at the next activation")
	}
}

func TestDaemonLifecycle(t *testing.T) {
	sched := NewScheduler()
	var started, ended []string
	var notifications []bool

	daemon := sched.DaemonCreate("worker",
		[]Step{
			func(tk *Task, ctx any, ticks int) Outcome { return Done() },
		},
		nil, nil,
		func(ctx, item any) { started = append(started, item.(string)) },
		func(ctx, item any) { ended = append(ended, item.(string)) },
		nil,
		func(hasWork bool) { notifications = append(notifications, hasWork) },
	)

	runnable, sleeping, _ := sched.Stats()
	if runnable != 0 || sleeping != 1 {
		t.Fatalf("daemon should start sleeping, got runnable=%d sleeping=%d", runnable, sleeping)
	}

	sched.DaemonEnqueue(daemon, "a")
	sched.DaemonEnqueue(daemon, "b")
	if len(notifications) != 1 || notifications[0] != true {
		t.Fatalf("expected one wake notification, got %v", notifications)
	}

	sched.Step() // consumes "a", still has "b" queued
	sched.Step() // consumes "b", queue empties, daemon sleeps

	if len(started) != 2 || started[0] != "a" || started[1] != "b" {
		t.Errorf("started = %v, want [a b]", started)
	}
	if len(ended) != 2 || ended[0] != "a" || ended[1] != "b" {
		t.Errorf("ended = %v, want [a b]", ended)
	}
	if len(notifications) != 2 || notifications[1] != false {
		t.Errorf("expected a sleep notification after draining, got %v", notifications)
	}
}

func TestTickCostClampAndEMA(t *testing.T) {
	sched := NewScheduler()
	now := time.Unix(1000, 0)
	sched.Now = func() time.Time { return now }

	var ticksSeen []int
	sched.TaskCreate("costed", []Step{
		func(tk *Task, ctx any, ticks int) Outcome {
			ticksSeen = append(ticksSeen, ticks)
			tk.TicksUsed(ticks)
			now = now.Add(time.Microsecond) // tiny, deterministic cost
			if len(ticksSeen) >= 3 {
				return Done()
			}
			return More()
		},
	}, nil, nil, nil)

	sched.SchedTimer()
	if len(ticksSeen) == 0 {
		t.Fatal("step never ran")
	}
	if ticksSeen[0] < 1 {
		t.Errorf("first activation should be granted at least 1 tick, got %d", ticksSeen[0])
	}
	for i := 1; i < len(ticksSeen); i++ {
		prev := ticksSeen[i-1]
		got := ticksSeen[i]
		if got > prev*tickClampFactor || got < prev/tickClampFactor && prev/tickClampFactor > 0 {
			t.Errorf("ticks granted jumped from %d to %d, outside x%d clamp", prev, got, tickClampFactor)
		}
	}
}
