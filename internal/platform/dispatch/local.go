package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/JeevaByte/MedExtract-Pipeline/internal/pipeline"
)

// Failure records a delivery that exhausted its attempts.
type Failure struct {
	DeliveryID string
	Stage      pipeline.Stage
	MessageID  string
	Payload    []byte
	Attempts   int
	Err        error
}

type delivery struct {
	id      string
	stage   pipeline.Stage
	payload []byte
}

// LocalOption configures a LocalQueue.
type LocalOption func(*LocalQueue)

func WithMaxAttempts(n int) LocalOption {
	return func(q *LocalQueue) { q.maxAttempts = n }
}

// WithRetryDelay sets the first retry delay; later retries double it.
func WithRetryDelay(d time.Duration) LocalOption {
	return func(q *LocalQueue) { q.retryBase = d }
}

func WithMaxPayloadBytes(n int) LocalOption {
	return func(q *LocalQueue) { q.maxPayload = n }
}

// WithWorkers sets the number of concurrent workers per stage.
func WithWorkers(n int) LocalOption {
	return func(q *LocalQueue) { q.workers = n }
}

func WithBuffer(n int) LocalOption {
	return func(q *LocalQueue) { q.buffer = n }
}

func WithStageTimeout(d time.Duration) LocalOption {
	return func(q *LocalQueue) { q.timeout = d }
}

func WithObserver(o Observer) LocalOption {
	return func(q *LocalQueue) { q.observer = o }
}

// LocalQueue is an in-process Dispatcher with one buffered channel per stage
// and a fixed pool of workers draining each channel. Failed invocations are
// retried in the worker with doubling delays; deliveries that exhaust their
// attempts are kept as failures.
type LocalQueue struct {
	logger      zerolog.Logger
	maxAttempts int
	retryBase   time.Duration
	maxPayload  int
	workers     int
	buffer      int
	timeout     time.Duration
	observer    Observer

	mu       sync.Mutex
	queues   map[pipeline.Stage]chan delivery
	failures []Failure
	started  bool
	stopped  bool

	pending   sync.WaitGroup
	running   sync.WaitGroup
	sending   sync.WaitGroup
	stop      chan struct{}
	closeOnce sync.Once
}

func NewLocalQueue(logger zerolog.Logger, opts ...LocalOption) *LocalQueue {
	q := &LocalQueue{
		logger:      logger,
		maxAttempts: DefaultMaxAttempts,
		retryBase:   100 * time.Millisecond,
		maxPayload:  DefaultMaxPayloadBytes,
		workers:     1,
		buffer:      64,
		queues:      make(map[pipeline.Stage]chan delivery),
		stop:        make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	if q.workers < 1 {
		q.workers = 1
	}
	if q.maxAttempts < 1 {
		q.maxAttempts = 1
	}
	return q
}

// Start creates one channel per registered stage and launches its workers.
// Handlers may dispatch to other stages through the same queue.
func (q *LocalQueue) Start(ctx context.Context, handlers pipeline.Registry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return fmt.Errorf("local queue already started")
	}
	q.started = true

	for stage, h := range handlers {
		ch := make(chan delivery, q.buffer)
		q.queues[stage] = ch
		for i := 0; i < q.workers; i++ {
			q.running.Add(1)
			go q.work(ctx, stage, h, ch)
		}
	}
	return nil
}

// Dispatch enqueues payload for stage. It blocks while the stage channel is
// full.
func (q *LocalQueue) Dispatch(ctx context.Context, stage pipeline.Stage, payload interface{}) error {
	body, err := encode(payload, q.maxPayload)
	if err != nil {
		return err
	}

	q.mu.Lock()
	ch, ok := q.queues[stage]
	if q.stopped {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
	q.pending.Add(1)
	q.sending.Add(1)
	q.mu.Unlock()
	defer q.sending.Done()

	d := delivery{id: uuid.NewString(), stage: stage, payload: body}
	select {
	case ch <- d:
		return nil
	case <-ctx.Done():
		q.pending.Done()
		return ctx.Err()
	case <-q.stop:
		q.pending.Done()
		return ErrQueueClosed
	}
}

func (q *LocalQueue) work(ctx context.Context, stage pipeline.Stage, h pipeline.Handler, ch <-chan delivery) {
	defer q.running.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case d := <-ch:
			q.deliver(ctx, h, d)
			q.pending.Done()
		}
	}
}

func (q *LocalQueue) deliver(ctx context.Context, h pipeline.Handler, d delivery) {
	log := q.logger.With().
		Str("stage", string(d.stage)).
		Str("delivery_id", d.id).
		Str("message_id", messageIDOf(d.payload)).
		Logger()

	var lastErr error
	attempts := 0
	for attempts < q.maxAttempts {
		attempts++
		start := time.Now()
		status, err := invoke(ctx, h, d.payload, q.timeout)
		if q.observer != nil {
			q.observer(d.stage, status, err, time.Since(start))
		}
		if err == nil {
			log.Debug().Int("attempt", attempts).Msg("delivery handled")
			return
		}
		lastErr = err
		if !retryable(err) || attempts == q.maxAttempts {
			break
		}
		log.Warn().Err(err).Int("attempt", attempts).Msg("delivery failed, retrying")
		if serr := sleep(ctx, backoff(q.retryBase, 30*time.Second, attempts)); serr != nil {
			break
		}
	}

	log.Error().Err(lastErr).Int("attempts", attempts).Msg("delivery abandoned")
	q.mu.Lock()
	q.failures = append(q.failures, Failure{
		DeliveryID: d.id,
		Stage:      d.stage,
		MessageID:  messageIDOf(d.payload),
		Payload:    d.payload,
		Attempts:   attempts,
		Err:        lastErr,
	})
	q.mu.Unlock()
}

// Wait blocks until every dispatched delivery, including ones dispatched by
// handlers while waiting, has been handled or abandoned.
func (q *LocalQueue) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop halts the workers. Deliveries still buffered are dropped and no
// longer count towards Wait.
func (q *LocalQueue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.closeOnce.Do(func() { close(q.stop) })
	queues := q.queues
	q.mu.Unlock()

	q.running.Wait()
	q.sending.Wait()
	for _, ch := range queues {
		for drained := false; !drained; {
			select {
			case <-ch:
				q.pending.Done()
			default:
				drained = true
			}
		}
	}
}

// Failures returns the abandoned deliveries in the order they were given up.
func (q *LocalQueue) Failures() []Failure {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Failure, len(q.failures))
	copy(out, q.failures)
	return out
}
