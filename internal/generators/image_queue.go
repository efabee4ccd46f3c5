package generators

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/atomic"

	"biome-tales/internal/interfaces"
	"biome-tales/internal/metrics"
)

// ErrQueueFull is returned when every worker is busy and the backlog is full.
var ErrQueueFull = errors.New("render queue is full")

// RenderQueue bounds how many renders hit a backend at once. It wraps an
// ImageRenderer and is one itself.
type RenderQueue struct {
	next     interfaces.ImageRenderer
	requests chan *queueRequest
	workers  int

	started  atomic.Bool
	inFlight atomic.Int32
	done     atomic.Int64
	waited   atomic.Int64
	wg       sync.WaitGroup
}

type queueRequest struct {
	ctx      context.Context
	req      *interfaces.ImageRequest
	resultCh chan queueResult
	queuedAt time.Time
}

type queueResult struct {
	data []byte
	err  error
}

// RenderQueueStats is a point-in-time view of the queue.
type RenderQueueStats struct {
	Workers   int           `json:"workers"`
	Waiting   int           `json:"waiting"`
	InFlight  int32         `json:"in_flight"`
	Completed int64         `json:"completed"`
	QueueWait time.Duration `json:"queue_wait"` // total time spent in the backlog
}

// NewRenderQueue creates a queue in front of next.
func NewRenderQueue(next interfaces.ImageRenderer, workers, backlog int) *RenderQueue {
	if workers <= 0 {
		workers = 1
	}
	if backlog < 0 {
		backlog = 0
	}
	return &RenderQueue{
		next:     next,
		requests: make(chan *queueRequest, backlog),
		workers:  workers,
	}
}

// Start launches the workers. They exit when ctx is cancelled.
func (q *RenderQueue) Start(ctx context.Context) {
	if !q.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Wait blocks until all workers have exited.
func (q *RenderQueue) Wait() {
	q.wg.Wait()
}

func (q *RenderQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-q.requests:
			wait := time.Since(r.queuedAt)
			q.waited.Add(int64(wait))
			metrics.RenderQueueWait.Observe(wait.Seconds())

			// The caller may have given up while the request sat in the backlog.
			if err := r.ctx.Err(); err != nil {
				r.resultCh <- queueResult{err: err}
				continue
			}

			q.inFlight.Inc()
			data, err := q.next.Render(r.ctx, r.req)
			q.inFlight.Dec()
			q.done.Inc()

			r.resultCh <- queueResult{data: data, err: err}
		}
	}
}

// Render enqueues req and waits for its result.
func (q *RenderQueue) Render(ctx context.Context, req *interfaces.ImageRequest) ([]byte, error) {
	r := &queueRequest{
		ctx:      ctx,
		req:      req,
		resultCh: make(chan queueResult, 1),
		queuedAt: time.Now(),
	}

	select {
	case q.requests <- r:
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, ErrQueueFull
	}

	select {
	case res := <-r.resultCh:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stats reports queue depth and throughput.
func (q *RenderQueue) Stats() RenderQueueStats {
	return RenderQueueStats{
		Workers:   q.workers,
		Waiting:   len(q.requests),
		InFlight:  q.inFlight.Load(),
		Completed: q.done.Load(),
		QueueWait: time.Duration(q.waited.Load()),
	}
}
