package eventloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errCh
	})
	return l
}

func TestLoop_RunsPostedFunctionsInOrder(t *testing.T) {
	t.Parallel()
	l := startLoop(t)

	var got []int
	for i := range 100 {
		l.Post(func() { got = append(got, i) })
	}
	if err := l.Do(context.Background(), func() {}); err != nil {
		t.Fatalf("Do: %v", err)
	}

	if len(got) != 100 {
		t.Fatalf("expected 100 calls, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("call %d ran value %d", i, v)
		}
	}
}

func TestLoop_AfterFuncFires(t *testing.T) {
	t.Parallel()
	l := startLoop(t)

	fired := make(chan struct{})
	l.AfterFunc(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestLoop_StoppedTimerNeverRuns(t *testing.T) {
	t.Parallel()
	l := startLoop(t)

	var ran atomic.Bool
	var tm *Timer
	if err := l.Do(context.Background(), func() {
		tm = l.AfterFunc(50*time.Millisecond, func() { ran.Store(true) })
	}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !tm.Stop() {
		t.Error("expected Stop to report the timer as cancelled")
	}
	if tm.Stop() {
		t.Error("expected second Stop to return false")
	}

	time.Sleep(100 * time.Millisecond)
	_ = l.Do(context.Background(), func() {})
	if ran.Load() {
		t.Error("stopped timer function ran")
	}
}

func TestLoop_RecoversPanics(t *testing.T) {
	t.Parallel()
	l := startLoop(t)

	l.Post(func() { panic("boom") })
	var after bool
	if err := l.Do(context.Background(), func() { after = true }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !after {
		t.Error("loop stopped processing after a panic")
	}
}

func TestLoop_DoAfterClose(t *testing.T) {
	t.Parallel()
	l := New()
	l.Close()
	l.Close()

	if err := l.Do(context.Background(), func() {}); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestManual_AdvanceFiresInDeadlineOrder(t *testing.T) {
	t.Parallel()
	m := NewManual(time.Unix(0, 0))

	var order []string
	m.AfterFunc(30*time.Millisecond, func() { order = append(order, "c") })
	m.AfterFunc(10*time.Millisecond, func() {
		order = append(order, "a")
		m.AfterFunc(5*time.Millisecond, func() { order = append(order, "b") })
	})
	stopped := m.AfterFunc(20*time.Millisecond, func() { order = append(order, "x") })
	stopped.Stop()

	m.Advance(25 * time.Millisecond)
	if got := len(order); got != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("after 25ms expected [a b], got %v", order)
	}
	if m.PendingTimers() != 1 {
		t.Errorf("expected 1 pending timer, got %d", m.PendingTimers())
	}

	m.Advance(10 * time.Millisecond)
	if len(order) != 3 || order[2] != "c" {
		t.Fatalf("expected [a b c], got %v", order)
	}
	if got := m.Now().Sub(time.Unix(0, 0)); got != 35*time.Millisecond {
		t.Errorf("expected virtual time 35ms, got %v", got)
	}
}

func TestManual_TimerSeesVirtualTime(t *testing.T) {
	t.Parallel()
	start := time.Unix(100, 0)
	m := NewManual(start)

	var at time.Time
	m.AfterFunc(time.Second, func() { at = m.Now() })
	m.Advance(3 * time.Second)

	if !at.Equal(start.Add(time.Second)) {
		t.Errorf("expected timer to observe %v, got %v", start.Add(time.Second), at)
	}
}
