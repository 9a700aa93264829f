package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"wabridge/internal/bus"
)

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	q := New(cfg, zerolog.Nop(), nil)
	// Collapse real delays; pacing behavior is asserted via recorded
	// sleep requests, not wall time.
	q.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		q.Stop(stopCtx)
		stopCancel()
		cancel()
	})
	return q
}

func await(t *testing.T, it *Item) error {
	t.Helper()
	select {
	case err := <-it.Done():
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("item did not resolve in time")
		return nil
	}
}

func TestExecutionOrderMatchesSubmission(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Config{})

	var mu sync.Mutex
	var order []int
	var items []*Item
	for i := 0; i < 20; i++ {
		i := i
		it := &Item{Kind: "message", Action: func(ctx context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}}
		if err := q.Enqueue(it); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		items = append(items, it)
	}
	for _, it := range items {
		if err := await(t, it); err != nil {
			t.Fatalf("item failed: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("execution order %v, want ascending", order)
		}
	}
}

func TestSingleFlight(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Config{})

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	var items []*Item
	for i := 0; i < 10; i++ {
		it := &Item{Action: func(ctx context.Context) error {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			inFlight--
			mu.Unlock()
			return nil
		}}
		if err := q.Enqueue(it); err != nil {
			t.Fatal(err)
		}
		items = append(items, it)
	}
	for _, it := range items {
		await(t, it)
	}

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight != 1 {
		t.Fatalf("max in-flight = %d, want 1", maxInFlight)
	}
}

func TestFailingActionInvokedExactlyMaxRetries(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Config{MaxRetries: 3})

	var mu sync.Mutex
	calls := 0
	boom := errors.New("boom")
	bad := &Item{Kind: "message", Summary: "doomed", Action: func(ctx context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return boom
	}}
	good := &Item{Action: func(ctx context.Context) error { return nil }}

	if err := q.Enqueue(bad); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(good); err != nil {
		t.Fatal(err)
	}

	if err := await(t, bad); !errors.Is(err, boom) {
		t.Fatalf("bad item resolved with %v, want %v", err, boom)
	}
	// The poisoned item must not block subsequent work.
	if err := await(t, good); err != nil {
		t.Fatalf("queue stalled after poisoned item: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Fatalf("failing action invoked %d times, want exactly 3", calls)
	}
}

func TestRetryBackoffIsLinear(t *testing.T) {
	t.Parallel()

	q := New(Config{MaxRetries: 3, RetryBase: 100 * time.Millisecond, MinInterval: time.Millisecond}, zerolog.Nop(), nil)
	var mu sync.Mutex
	var slept []time.Duration
	q.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		slept = append(slept, d)
		mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		q.Stop(stopCtx)
		stopCancel()
	}()

	it := &Item{Action: func(ctx context.Context) error { return errors.New("nope") }}
	if err := q.Enqueue(it); err != nil {
		t.Fatal(err)
	}
	await(t, it)

	mu.Lock()
	defer mu.Unlock()
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(slept) != len(want) {
		t.Fatalf("recorded sleeps %v, want %v", slept, want)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Fatalf("backoff %d = %v, want %v", i+1, slept[i], want[i])
		}
	}
}

func TestPacingComputedFromLastCompletion(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	clock := base
	var mu sync.Mutex
	var slept []time.Duration

	q := New(Config{MinInterval: 900 * time.Millisecond}, zerolog.Nop(), nil)
	q.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	q.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		slept = append(slept, d)
		clock = clock.Add(d)
		mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		q.Stop(stopCtx)
		stopCancel()
	}()

	ok := func() *Item { return &Item{Action: func(ctx context.Context) error { return nil }} }

	// Back-to-back sends: second one must wait the full interval.
	a, b := ok(), ok()
	q.Enqueue(a)
	q.Enqueue(b)
	await(t, a)
	await(t, b)

	mu.Lock()
	if len(slept) != 1 || slept[0] != 900*time.Millisecond {
		mu.Unlock()
		t.Fatalf("back-to-back pacing sleeps = %v, want [900ms]", slept)
	}
	// Simulate an idle period longer than the interval: the next send
	// must not be penalized with another wait.
	clock = clock.Add(5 * time.Second)
	slept = nil
	mu.Unlock()

	c := ok()
	q.Enqueue(c)
	await(t, c)

	mu.Lock()
	defer mu.Unlock()
	if len(slept) != 0 {
		t.Fatalf("send after idle period slept %v, want no pacing wait", slept)
	}
}

func TestEnqueueAfterStop(t *testing.T) {
	t.Parallel()

	q := New(Config{}, zerolog.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	q.Stop(stopCtx)
	stopCancel()

	err := q.Enqueue(&Item{Action: func(ctx context.Context) error { return nil }})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue after Stop = %v, want ErrStopped", err)
	}
}

func TestFailurePublishedToBus(t *testing.T) {
	t.Parallel()

	b := bus.New()
	events, unsub := b.Subscribe(8)
	defer unsub()

	q := New(Config{MaxRetries: 1}, zerolog.Nop(), b)
	q.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		q.Stop(stopCtx)
		stopCancel()
	}()

	it := &Item{Kind: "message", Summary: "hello", Action: func(ctx context.Context) error {
		return errors.New("dead")
	}}
	q.Enqueue(it)
	await(t, it)

	select {
	case ev := <-events:
		if ev.Topic != bus.TopicRelayFailed {
			t.Fatalf("event topic = %q, want %q", ev.Topic, bus.TopicRelayFailed)
		}
		data, ok := ev.Data.(ItemEvent)
		if !ok {
			t.Fatalf("event data type %T", ev.Data)
		}
		if data.Attempts != 1 || data.Error == "" {
			t.Fatalf("unexpected event payload: %+v", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no bus event observed")
	}
}

func TestItemReportsAttempts(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Config{MaxRetries: 3})

	calls := 0
	it := &Item{Kind: "message", Action: func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("flaky")
		}
		return nil
	}}
	if err := q.Enqueue(it); err != nil {
		t.Fatal(err)
	}
	if err := await(t, it); err != nil {
		t.Fatalf("item failed: %v", err)
	}
	if got := it.Attempts(); got != 2 {
		t.Fatalf("Attempts() = %d, want 2", got)
	}
}

func TestStopTimeoutStillReleasesWorker(t *testing.T) {
	t.Parallel()

	q := New(Config{}, zerolog.Nop(), nil)
	q.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	started := make(chan struct{})
	release := make(chan struct{})
	q.Enqueue(&Item{Kind: "message", Action: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}})
	<-started

	// An already-expired context forces the drain-timeout path while the
	// action is still running.
	stopCtx, stopCancel := context.WithCancel(context.Background())
	stopCancel()
	q.Stop(stopCtx)

	close(release)

	done := make(chan struct{})
	go func() {
		q.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker goroutine did not exit after drain-timeout stop")
	}

	// Teardown must also converge so a later Stop is a no-op.
	waitFor := time.Now().Add(2 * time.Second)
	for time.Now().Before(waitFor) {
		if q.Depth() == 0 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	q.Stop(context.Background())
}
