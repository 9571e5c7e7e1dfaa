package refresher

import (
	"sync"
	"sync/atomic"
)

// workerPool runs a fixed set of goroutines draining the refresh queue.
// Each task is one user re-warm; per-user deduplication and upstream rate
// limiting happen inside Service.execute, so the pool stays a dumb queue.
type workerPool struct {
	service     *Service
	tasks       chan refreshTask
	activeCount atomic.Int32
	stopChan    chan struct{}
	wg          sync.WaitGroup
}

func newWorkerPool(service *Service, workers, queueSize int) *workerPool {
	pool := &workerPool{
		service:  service,
		tasks:    make(chan refreshTask, queueSize),
		stopChan: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.run()
	}
	return pool
}

// queue adds a task without blocking; false means the queue is full.
func (p *workerPool) queue(task refreshTask) bool {
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

func (p *workerPool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		case task := <-p.tasks:
			p.activeCount.Add(1)
			p.service.execute(task)
			p.activeCount.Add(-1)
		}
	}
}

func (p *workerPool) queueDepth() int {
	return len(p.tasks)
}

func (p *workerPool) activeWorkers() int {
	return int(p.activeCount.Load())
}

// shutdown stops the workers. Queued tasks are abandoned; the next
// scheduled run re-queues every tracked user anyway.
func (p *workerPool) shutdown() {
	close(p.stopChan)
	p.wg.Wait()
}
