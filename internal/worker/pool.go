// Package worker runs the goroutines that drain the inbound queue and execute
// matched command handlers.
package worker

import (
	"runtime"
	"sync"

	"gatewaybot/botd/internal/dispatch"
	"gatewaybot/botd/internal/logging"
	"gatewaybot/botd/internal/queue"
)

// PoolSize splits the host's CPUs across the configured bot instances, with a
// floor of one worker per pool.
func PoolSize(instances int) int {
	if instances < 1 {
		instances = 1
	}
	size := runtime.NumCPU() / instances
	if size < 1 {
		size = 1
	}
	return size
}

// Pool drains one queue with a fixed number of goroutines. Handlers run
// outside the queue lock; a failing handler is logged and the pool keeps
// going.
type Pool struct {
	queue    *queue.Queue
	registry *dispatch.Registry
	size     int
	logger   *logging.Logger
	wg       sync.WaitGroup
}

// New constructs a pool of the given size. A non-positive size is raised to
// one.
func New(q *queue.Queue, reg *dispatch.Registry, size int, logger *logging.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Pool{queue: q, registry: reg, size: size, logger: logger}
}

// Start launches the worker goroutines. Workers exit when the queue closes
// and empties; call Wait to join them.
func (p *Pool) Start() {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(id)
		}(i)
	}
}

func (p *Pool) run(id int) {
	log := p.logger.With(logging.Int("worker", id))
	for {
		match, ev, ok := p.queue.Drain(p.registry)
		if !ok {
			return
		}
		//1.- The event copy is owned by this worker; the queue already marked
		// the obligation, so a handler failure never reruns the command.
		if err := match.Handler(ev); err != nil {
			log.Warn("command handler failed",
				logging.String("command", match.Name),
				logging.Int("op", match.Op),
				logging.Error(err))
		}
	}
}

// Size reports the number of worker goroutines.
func (p *Pool) Size() int { return p.size }

// Wait blocks until every worker has exited.
func (p *Pool) Wait() { p.wg.Wait() }
