package gc

import (
	"sync"
	"testing"
	"time"

	"github.com/quartz-rt/quartz/thread"
)

type probeTask struct {
	HeapTaskBase
	mu    *sync.Mutex
	order *[]string
	name  string
}

func (t *probeTask) Run(*thread.Thread) {
	t.mu.Lock()
	*t.order = append(*t.order, t.name)
	t.mu.Unlock()
}

func TestDeadlineOrdering(t *testing.T) {
	tp := NewTaskProcessor()
	tp.Start()

	var mu sync.Mutex
	var order []string
	now := time.Now()
	add := func(name string, d time.Duration) {
		tp.AddTask(&probeTask{
			HeapTaskBase: NewHeapTaskBase(now.Add(d)),
			mu:           &mu, order: &order, name: name,
		})
	}
	add("late", 60*time.Millisecond)
	add("early", 10*time.Millisecond)
	add("mid", 30*time.Millisecond)

	done := make(chan struct{})
	go func() {
		tp.RunAllTasks(thread.Attach("task runner"))
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("tasks did not all run")
		case <-time.After(5 * time.Millisecond):
		}
	}
	tp.Stop()
	<-done

	mu.Lock()
	defer mu.Unlock()
	want := []string{"early", "mid", "late"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order %v, want %v", order, want)
		}
	}
}

func TestStopCutsWaitShort(t *testing.T) {
	tp := NewTaskProcessor()
	tp.Start()

	var mu sync.Mutex
	var order []string
	tp.AddTask(&probeTask{
		HeapTaskBase: NewHeapTaskBase(time.Now().Add(time.Hour)),
		mu:           &mu, order: &order, name: "distant",
	})

	done := make(chan struct{})
	go func() {
		tp.RunAllTasks(thread.Attach("task runner"))
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	tp.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not wake the deadline wait")
	}

	// The distant task stays queued for a later Start.
	if tp.TaskCount() != 1 {
		t.Errorf("queued tasks %d, want 1", tp.TaskCount())
	}
}

func TestAddDuringShutdownStillQueues(t *testing.T) {
	tp := NewTaskProcessor()
	var mu sync.Mutex
	var order []string
	tp.AddTask(&probeTask{
		HeapTaskBase: NewHeapTaskBase(time.Now()),
		mu:           &mu, order: &order, name: "queued while stopped",
	})
	if tp.TaskCount() != 1 {
		t.Fatal("task not queued while stopped")
	}
	// GetTask on a stopped processor returns promptly.
	if task := tp.GetTask(nil); task != nil {
		t.Error("GetTask returned a task while stopped")
	}
	tp.RunUntilIdle(nil)
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 1 {
		t.Errorf("ran %d tasks, want 1", len(order))
	}
}

func TestEqualDeadlinesAreDeterministic(t *testing.T) {
	tp := NewTaskProcessor()
	var mu sync.Mutex
	var order []string
	target := time.Now().Add(-time.Millisecond)
	for _, name := range []string{"a", "b", "c"} {
		tp.AddTask(&probeTask{
			HeapTaskBase: NewHeapTaskBase(target),
			mu:           &mu, order: &order, name: name,
		})
	}
	tp.RunUntilIdle(nil)
	mu.Lock()
	defer mu.Unlock()
	// Ties break by insertion sequence.
	want := []string{"a", "b", "c"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order %v, want %v", order, want)
		}
	}
}
