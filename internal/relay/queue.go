// Package relay implements the ordered outbound delivery queue. All calls
// to the destination platform funnel through one queue so a reconnect
// storm or an inbound burst can never violate the destination rate limit.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"wabridge/internal/bus"
	"wabridge/pkg/backoff"
)

// Queue executes items one at a time in submission order. Safe for
// concurrent Enqueue from multiple event callbacks; execution itself is
// single-flight by construction (one worker goroutine).
type Queue struct {
	cfg Config
	log zerolog.Logger
	bus bus.Bus

	limiter *rate.Limiter

	// Injected clocks so policy tests don't need real timers.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	accepting bool
	stopping  bool
	queue     chan *Item
	enqueueWG sync.WaitGroup

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	lastDone time.Time
}

func New(cfg Config, log zerolog.Logger, b bus.Bus) *Queue {
	cfg = cfg.withDefaults()
	q := &Queue{
		cfg:   cfg,
		log:   log,
		bus:   b,
		now:   time.Now,
		sleep: sleepCtx,
	}
	if cfg.SendsPerMinute > 0 {
		q.limiter = rate.NewLimiter(rate.Limit(float64(cfg.SendsPerMinute)/60.0), 1)
	}
	return q
}

func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.queue != nil {
		q.mu.Unlock()
		return
	}
	q.queue = make(chan *Item, q.cfg.QueueSize)
	q.accepting = true
	q.stopping = false
	q.runCtx, q.runCancel = context.WithCancel(ctx)
	ch := q.queue
	runCtx := q.runCtx
	q.mu.Unlock()

	q.workerWG.Add(1)
	go func() {
		defer q.workerWG.Done()
		q.workerLoop(runCtx, ch)
	}()
}

// Stop blocks new enqueues and drains in-flight work best-effort until
// ctx expires, then cancels whatever is left.
func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	ch := q.queue
	cancel := q.runCancel
	if ch == nil || q.stopping {
		q.mu.Unlock()
		return
	}
	q.accepting = false
	q.stopping = true
	q.mu.Unlock()

	// Let in-flight Enqueue calls settle before closing the channel.
	settled := make(chan struct{})
	go func() {
		q.enqueueWG.Wait()
		close(settled)
	}()
	select {
	case <-ctx.Done():
		cancel()
		// The worker still needs the close or it blocks in range
		// forever; finish the teardown once late enqueuers settle.
		go func() {
			<-settled
			close(ch)
			q.workerWG.Wait()
			q.mu.Lock()
			if q.queue == ch {
				q.queue = nil
				q.runCtx = nil
				q.runCancel = nil
			}
			q.mu.Unlock()
		}()
		return
	case <-settled:
	}

	close(ch)

	drained := make(chan struct{})
	go func() {
		q.workerWG.Wait()
		close(drained)
	}()
	select {
	case <-ctx.Done():
	case <-drained:
	}
	cancel()

	q.mu.Lock()
	q.queue = nil
	q.runCtx = nil
	q.runCancel = nil
	q.mu.Unlock()
}

// Enqueue submits an item. It never blocks on execution: a full queue
// fails fast with ErrQueueFull, a stopped queue with ErrStopped.
func (q *Queue) Enqueue(it *Item) error {
	if it == nil || it.Action == nil {
		return nil
	}
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.Kind == "" {
		it.Kind = "message"
	}
	it.done = make(chan error, 1)

	q.mu.Lock()
	if !q.accepting || q.queue == nil {
		q.mu.Unlock()
		return ErrStopped
	}
	ch := q.queue
	q.enqueueWG.Add(1)
	q.mu.Unlock()
	defer q.enqueueWG.Done()

	select {
	case ch <- it:
		return nil
	default:
		q.log.Warn().Str("item", it.ID).Str("kind", it.Kind).Msg("relay queue full, item dropped")
		return ErrQueueFull
	}
}

// Depth reports the number of items waiting for execution.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queue == nil {
		return 0
	}
	return len(q.queue)
}

func (q *Queue) workerLoop(ctx context.Context, ch <-chan *Item) {
	for it := range ch {
		select {
		case <-ctx.Done():
			it.done <- ErrStopped
			continue
		default:
		}
		q.execute(ctx, it)
	}
}

func (q *Queue) execute(ctx context.Context, it *Item) {
	// Pace from the completion time of the previous send, not a fixed
	// sleep per item, so bursts after idle periods are not penalized.
	q.mu.Lock()
	last := q.lastDone
	q.mu.Unlock()
	if !last.IsZero() {
		if gap := q.cfg.MinInterval - q.now().Sub(last); gap > 0 {
			if err := q.sleep(ctx, gap); err != nil {
				it.done <- ErrStopped
				return
			}
		}
	}
	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			it.done <- ErrStopped
			return
		}
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= q.cfg.MaxRetries; attempt++ {
		attempts = attempt
		callCtx, cancel := context.WithTimeout(ctx, q.cfg.CallTimeout)
		err := it.Action(callCtx)
		cancel()
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		q.log.Debug().
			Str("item", it.ID).
			Str("kind", it.Kind).
			Int("attempt", attempt).
			Int("max", q.cfg.MaxRetries).
			Err(err).
			Msg("relay send failed")
		if attempt == q.cfg.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if d := backoff.Linear(attempt, q.cfg.RetryBase); d > 0 {
			if err := q.sleep(ctx, d); err != nil {
				break
			}
		}
	}

	now := q.now()
	q.mu.Lock()
	q.lastDone = now
	q.mu.Unlock()

	// Set before the done send so receivers observe it.
	it.attempts = attempts
	it.done <- lastErr
	if lastErr != nil {
		// Never propagated to a caller who isn't awaiting: log, report,
		// move on. One poisoned item must not block the queue.
		q.log.Warn().
			Str("item", it.ID).
			Str("kind", it.Kind).
			Str("summary", it.Summary).
			Int("attempts", attempts).
			Err(lastErr).
			Msg("relay item abandoned")
		q.publish(bus.TopicRelayFailed, it, attempts, now, lastErr)
		return
	}
	q.publish(bus.TopicRelaySent, it, attempts, now, nil)
}

func (q *Queue) publish(topic string, it *Item, attempts int, at time.Time, err error) {
	if q.bus == nil {
		return
	}
	ev := ItemEvent{ID: it.ID, Kind: it.Kind, Summary: it.Summary, Attempts: attempts, At: at}
	if err != nil {
		ev.Error = err.Error()
	}
	q.bus.Publish(bus.Event{Topic: topic, Time: at, Data: ev})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
