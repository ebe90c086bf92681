package gc

import (
	"container/heap"
	"sync"
	"time"

	"github.com/quartz-rt/quartz/thread"
)

// HeapTask is background heap work scheduled for a target time.
type HeapTask interface {
	Run(self *thread.Thread)
	Finalize()
	TargetRunTime() time.Time
}

// HeapTaskBase carries the target time for concrete tasks to embed.
type HeapTaskBase struct {
	target time.Time
}

// NewHeapTaskBase returns a base scheduled at target.
func NewHeapTaskBase(target time.Time) HeapTaskBase {
	return HeapTaskBase{target: target}
}

// TargetRunTime returns the scheduled time.
func (b *HeapTaskBase) TargetRunTime() time.Time { return b.target }

// Finalize is a no-op by default.
func (b *HeapTaskBase) Finalize() {}

type queuedTask struct {
	task HeapTask
	// seq breaks ties between equal target times deterministically. The
	// heap does not promise FIFO for equal deadlines beyond this.
	seq uint64
}

type taskHeap []queuedTask

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	ti, tj := h[i].task.TargetRunTime(), h[j].task.TargetRunTime()
	if ti.Equal(tj) {
		return h[i].seq < h[j].seq
	}
	return ti.Before(tj)
}
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)        { *h = append(*h, x.(queuedTask)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// TaskProcessor runs deadline-ordered heap tasks on a single consumer fed by
// any number of producers.
type TaskProcessor struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   taskHeap
	running bool
	nextSeq uint64

	runner *thread.Thread
}

// NewTaskProcessor returns a stopped task processor.
func NewTaskProcessor() *TaskProcessor {
	tp := &TaskProcessor{}
	tp.cond = sync.NewCond(&tp.mu)
	return tp
}

// AddTask schedules a task. A task added during shutdown is still queued; it
// runs on the next Start/RunAllTasks.
func (tp *TaskProcessor) AddTask(task HeapTask) {
	tp.mu.Lock()
	heap.Push(&tp.tasks, queuedTask{task: task, seq: tp.nextSeq})
	tp.nextSeq++
	if tp.tasks[0].task == task {
		// New earliest deadline: the consumer may need to wake early.
		tp.cond.Broadcast()
	}
	tp.mu.Unlock()
}

// GetTask blocks until the earliest task is due, then returns it. Returns
// nil when the processor is stopped.
func (tp *TaskProcessor) GetTask(self *thread.Thread) HeapTask {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	for {
		if !tp.running {
			return nil
		}
		if len(tp.tasks) == 0 {
			tp.cond.Wait()
			continue
		}
		target := tp.tasks[0].task.TargetRunTime()
		now := time.Now()
		if !now.Before(target) {
			return heap.Pop(&tp.tasks).(queuedTask).task
		}
		tp.waitUntilLocked(target.Sub(now))
	}
}

// waitUntilLocked waits on the condition variable with a deadline. Stop and
// a new earliest task both cut the wait short.
func (tp *TaskProcessor) waitUntilLocked(d time.Duration) {
	timer := time.AfterFunc(d, func() {
		tp.mu.Lock()
		tp.cond.Broadcast()
		tp.mu.Unlock()
	})
	tp.cond.Wait()
	timer.Stop()
}

// Start lets RunAllTasks consume.
func (tp *TaskProcessor) Start() {
	tp.mu.Lock()
	tp.running = true
	tp.mu.Unlock()
}

// Stop wakes the consumer to observe the flag and return.
func (tp *TaskProcessor) Stop() {
	tp.mu.Lock()
	tp.running = false
	tp.cond.Broadcast()
	tp.mu.Unlock()
}

// IsRunning reports whether the consumer should keep going.
func (tp *TaskProcessor) IsRunning() bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.running
}

// TaskCount returns the number of queued tasks.
func (tp *TaskProcessor) TaskCount() int {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return len(tp.tasks)
}

// RunAllTasks consumes tasks as they come due until Stop.
func (tp *TaskProcessor) RunAllTasks(self *thread.Thread) {
	tp.mu.Lock()
	tp.runner = self
	tp.mu.Unlock()
	for {
		task := tp.GetTask(self)
		if task == nil {
			return
		}
		task.Run(self)
		task.Finalize()
	}
}

// RunUntilIdle runs every task already due, without waiting for future
// deadlines. Used by tests and synchronous shutdown paths.
func (tp *TaskProcessor) RunUntilIdle(self *thread.Thread) {
	for {
		tp.mu.Lock()
		if len(tp.tasks) == 0 || time.Now().Before(tp.tasks[0].task.TargetRunTime()) {
			tp.mu.Unlock()
			return
		}
		task := heap.Pop(&tp.tasks).(queuedTask).task
		tp.mu.Unlock()
		task.Run(self)
		task.Finalize()
	}
}
