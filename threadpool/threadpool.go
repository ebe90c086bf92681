// Package threadpool implements the worker pool used by parallel collection
// phases and background runtime work: a FIFO task queue drained by a fixed
// set of worker goroutines, with a gate on how many may be active at once.
package threadpool

import (
	"fmt"
	"sync"

	"github.com/quartz-rt/quartz/thread"
)

// Task is one unit of pool work. Finalize runs after Run, on the same
// worker; self-cleaning tasks release their resources there.
type Task interface {
	Run(self *thread.Thread)
	Finalize()
}

// TaskFunc adapts a function to a Task with a no-op Finalize.
type TaskFunc func(self *thread.Thread)

func (f TaskFunc) Run(self *thread.Thread) { f(self) }
func (f TaskFunc) Finalize()               {}

// ThreadPool owns its workers for its whole lifetime. Workers are spawned at
// construction but take no tasks until StartWorkers.
type ThreadPool struct {
	name string

	mu sync.Mutex
	// taskCond signals queued work and state changes to workers.
	taskCond *sync.Cond
	// completionCond signals Wait callers when the queue is drained and all
	// workers are parked.
	completionCond *sync.Cond

	tasks        []Task
	started      bool
	shuttingDown bool
	waitingCount int
	maxActive    int
	numWorkers   int

	workersDone sync.WaitGroup
}

// New creates a pool with numWorkers parked workers.
func New(name string, numWorkers int) *ThreadPool {
	if numWorkers <= 0 {
		panic("threadpool: no workers")
	}
	p := &ThreadPool{name: name, numWorkers: numWorkers, maxActive: numWorkers}
	p.taskCond = sync.NewCond(&p.mu)
	p.completionCond = sync.NewCond(&p.mu)
	p.workersDone.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		self := thread.Attach(fmt.Sprintf("%s worker %d", name, i))
		go p.workerLoop(self)
	}
	return p
}

// Name returns the pool name.
func (p *ThreadPool) Name() string { return p.name }

// AddTask appends a task and wakes a worker. Tasks queued during shutdown
// are dropped on the floor by the draining workers.
func (p *ThreadPool) AddTask(task Task) {
	p.mu.Lock()
	p.tasks = append(p.tasks, task)
	if p.started {
		p.taskCond.Signal()
	}
	p.mu.Unlock()
}

// RemoveAllTasks discards every queued task without running it.
func (p *ThreadPool) RemoveAllTasks() {
	p.mu.Lock()
	p.tasks = nil
	p.completionCond.Broadcast()
	p.mu.Unlock()
}

// TaskCount returns the number of queued tasks.
func (p *ThreadPool) TaskCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// StartWorkers lets workers take tasks.
func (p *ThreadPool) StartWorkers() {
	p.mu.Lock()
	p.started = true
	p.taskCond.Broadcast()
	p.mu.Unlock()
}

// StopWorkers parks the workers after their current task.
func (p *ThreadPool) StopWorkers() {
	p.mu.Lock()
	p.started = false
	p.mu.Unlock()
}

// SetMaxActiveWorkers caps how many workers run tasks concurrently.
func (p *ThreadPool) SetMaxActiveWorkers(n int) {
	p.mu.Lock()
	if n > p.numWorkers {
		n = p.numWorkers
	}
	if n < 1 {
		n = 1
	}
	p.maxActive = n
	p.taskCond.Broadcast()
	p.mu.Unlock()
}

// Wait blocks until the queue is empty and every worker is parked. With
// doWork the caller drains tasks alongside the workers.
func (p *ThreadPool) Wait(self *thread.Thread, doWork bool) {
	if doWork {
		for {
			task := p.tryGetTask()
			if task == nil {
				break
			}
			task.Run(self)
			task.Finalize()
		}
	}
	p.mu.Lock()
	for len(p.tasks) > 0 || p.waitingCount < p.numWorkers {
		p.completionCond.Wait()
	}
	p.mu.Unlock()
}

// Shutdown stops the pool and joins the workers. The pool is unusable
// afterwards.
func (p *ThreadPool) Shutdown() {
	p.mu.Lock()
	p.shuttingDown = true
	p.taskCond.Broadcast()
	p.mu.Unlock()
	p.workersDone.Wait()
}

func (p *ThreadPool) tryGetTask() Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tryGetTaskLocked()
}

func (p *ThreadPool) tryGetTaskLocked() Task {
	if !p.started || len(p.tasks) == 0 {
		return nil
	}
	task := p.tasks[0]
	p.tasks = p.tasks[1:]
	return task
}

// getTask parks the worker until a task is available or the pool shuts down.
func (p *ThreadPool) getTask() Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.shuttingDown {
		active := p.numWorkers - p.waitingCount
		if active <= p.maxActive {
			if task := p.tryGetTaskLocked(); task != nil {
				return task
			}
		}
		p.waitingCount++
		if p.waitingCount == p.numWorkers && len(p.tasks) == 0 {
			p.completionCond.Broadcast()
		}
		p.taskCond.Wait()
		p.waitingCount--
	}
	return nil
}

func (p *ThreadPool) workerLoop(self *thread.Thread) {
	defer p.workersDone.Done()
	for {
		task := p.getTask()
		if task == nil {
			return
		}
		task.Run(self)
		task.Finalize()
	}
}
