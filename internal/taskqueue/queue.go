// Package taskqueue runs operations serialized per key and concurrently across keys.
//
// Operations submitted under the same key run one at a time in submission order.
// Each key gets its own worker goroutine for as long as it has pending work.
// A failing or panicking operation is reported on its own Result and never stops
// later operations of the key. There is no retry.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/kandev/conductor/internal/common/config"
	apperrors "github.com/kandev/conductor/internal/common/errors"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/common/tracing"
)

const tracerName = "conductor-taskqueue"

// ErrClosed is the cause reported for operations submitted after Close.
var ErrClosed = errors.New("task queue closed")

// Operation is a unit of work run by the queue.
type Operation func(ctx context.Context) (any, error)

// Result is the outcome of one submitted operation.
type Result struct {
	done  chan struct{}
	value any
	err   error
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

func (r *Result) complete(value any, err error) {
	r.value = value
	r.err = err
	close(r.done)
}

// Done is closed once the operation has finished.
func (r *Result) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the operation finishes or ctx is done. Giving up on the wait
// does not cancel the operation.
func (r *Result) Wait(ctx context.Context) (any, error) {
	select {
	case <-r.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type job struct {
	ctx      context.Context
	id       string // key#n, logged as operation_id
	key      string
	op       Operation
	result   *Result
	enqueued time.Time
}

type lane struct {
	jobs []*job
}

// Stats is a snapshot of queue activity.
type Stats struct {
	ActiveKeys int
	Pending    int
	Submitted  int64
	Completed  int64
	Failed     int64
}

// Queue is a keyed FIFO task queue.
type Queue struct {
	logger *logger.Logger
	sem    *semaphore.Weighted

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

type nestedKey struct{}

// New creates a queue. cfg.MaxConcurrent caps the operations running at once across
// all keys; zero means no cap.
func New(cfg config.QueueConfig, log *logger.Logger) *Queue {
	q := &Queue{
		logger: log.WithFields(zap.String("component", "task-queue")),
		lanes:  make(map[string]*lane),
	}
	if cfg.MaxConcurrent > 0 {
		q.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	return q
}

// Submit enqueues op under key and returns immediately. op must not wait on another
// operation of its own key.
func (q *Queue) Submit(ctx context.Context, key string, op Operation) *Result {
	r := newResult()

	q.mu.Lock()
	// a running operation may still fan out while the queue drains
	if q.closed && ctx.Value(nestedKey{}) == nil {
		q.mu.Unlock()
		r.complete(nil, apperrors.QueueOperationFailed(key, ErrClosed))
		return r
	}
	l, ok := q.lanes[key]
	if !ok {
		l = &lane{}
		q.lanes[key] = l
		q.wg.Add(1)
		go q.runLane(key, l)
	}
	id := fmt.Sprintf("%s#%d", key, q.submitted.Add(1))
	l.jobs = append(l.jobs, &job{ctx: ctx, id: id, key: key, op: op, result: r, enqueued: time.Now()})
	q.mu.Unlock()
	return r
}

// Do submits op and waits for its result.
func (q *Queue) Do(ctx context.Context, key string, op Operation) (any, error) {
	return q.Submit(ctx, key, op).Wait(ctx)
}

func (q *Queue) runLane(key string, l *lane) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(l.jobs) == 0 {
			delete(q.lanes, key)
			q.mu.Unlock()
			return
		}
		j := l.jobs[0]
		l.jobs[0] = nil
		l.jobs = l.jobs[1:]
		q.mu.Unlock()

		q.execute(j)
	}
}

func (q *Queue) execute(j *job) {
	value, err := q.run(j)
	if err != nil {
		q.failed.Add(1)
		q.logger.Debug("queued operation failed", zap.String("key", j.key), zap.Error(err))
		err = apperrors.QueueOperationFailed(j.key, err)
	}
	q.completed.Add(1)
	j.result.complete(value, err)
}

func (q *Queue) run(j *job) (value any, err error) {
	ctx := j.ctx
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// operations submitted from inside a running operation skip the cap so a
	// nested wait cannot starve on the slot its parent holds
	if q.sem != nil && ctx.Value(nestedKey{}) == nil {
		if err := q.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer q.sem.Release(1)
	}
	ctx = context.WithValue(ctx, nestedKey{}, true)
	ctx = context.WithValue(ctx, logger.OperationIDKey, j.id)

	ctx, span := tracing.StartSpan(ctx, tracerName, "taskqueue.run", "key", j.key, "operation_id", j.id)
	span.AddEvent(fmt.Sprintf("queued for %s", time.Since(j.enqueued).Round(time.Millisecond)))
	defer func() { tracing.EndSpan(span, err) }()

	var pc panics.Catcher
	pc.Try(func() { value, err = j.op(ctx) })
	if recovered := pc.Recovered(); recovered != nil {
		q.logger.WithContext(ctx).Error("queued operation panicked",
			zap.String("key", j.key),
			zap.Any("panic", recovered.Value),
			zap.String("stack", string(recovered.Stack)))
		return nil, recovered.AsError()
	}
	return value, err
}

// Stats returns a snapshot of queue activity.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		ActiveKeys: len(q.lanes),
		Submitted:  q.submitted.Load(),
		Completed:  q.completed.Load(),
		Failed:     q.failed.Load(),
	}
	for _, l := range q.lanes {
		s.Pending += len(l.jobs)
	}
	return s
}

// Close rejects new submissions, except those made by operations already running,
// and waits for everything already queued to finish
// or for ctx to be done.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.logger.Debug("task queue drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
