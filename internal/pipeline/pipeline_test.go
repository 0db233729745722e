package pipeline

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ims-core/internal/config"
	"ims-core/pkg/errs"
	"ims-core/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testBroker(t *testing.T) *Broker {
	t.Helper()
	cfg := config.Default().Pipeline
	cfg.PartitionsPerTopic = 4
	cfg.Concurrency = 4
	cfg.PartitionBuffer = 64
	cfg.RetryBackoffBase = time.Millisecond
	cfg.RetryBackoffCap = 5 * time.Millisecond
	cfg.RetryMaxAttempts = 3
	b := NewBroker(cfg, testLogger())
	t.Cleanup(b.Close)
	return b
}

func testEnvelope(t *testing.T, key string, seq int64) Envelope {
	t.Helper()
	ev, err := NewEnvelope("trade.executed", string(types.SourceInternal), key,
		types.Date("2026-08-24"), map[string]string{"k": key})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	ev.Sequence = seq
	return ev
}

func TestEnvelopeValidation(t *testing.T) {
	t.Parallel()
	ev := testEnvelope(t, "B1|S1", 0)
	if err := ev.Validate(); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}

	bad := ev
	bad.Key = ""
	if err := bad.Validate(); !errs.Is(err, errs.Validation) {
		t.Errorf("missing key: err = %v, want Validation", err)
	}

	bad = ev
	bad.BusinessDate = "24/08/2026"
	if err := bad.Validate(); !errs.Is(err, errs.Validation) {
		t.Errorf("malformed date: err = %v, want Validation", err)
	}
}

func TestDeliveryAndAck(t *testing.T) {
	t.Parallel()
	b := testBroker(t)
	sub := b.Subscribe(TopicTradeData, "g1")

	got := make(chan Envelope, 1)
	c := b.NewConsumer(sub, func(ev Envelope) Result {
		got <- ev
		return Ok()
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	want := testEnvelope(t, "B1|S1", 0)
	if err := b.Publish(ctx, TopicTradeData, want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case ev := <-got:
		if ev.EventID != want.EventID {
			t.Errorf("delivered %s, want %s", ev.EventID, want.EventID)
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestPerKeyOrdering(t *testing.T) {
	t.Parallel()
	b := testBroker(t)
	sub := b.Subscribe(TopicTradeData, "g1")

	const n = 50
	var mu sync.Mutex
	seen := make(map[string][]int64)
	done := make(chan struct{})

	var handled atomic.Int64
	c := b.NewConsumer(sub, func(ev Envelope) Result {
		mu.Lock()
		seen[ev.Key] = append(seen[ev.Key], ev.Sequence)
		mu.Unlock()
		if handled.Add(1) == 3*n {
			close(done)
		}
		return Ok()
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	// Interleave three keys; each key's events must arrive in publish order.
	for i := int64(1); i <= n; i++ {
		for _, key := range []string{"B1|S1", "B1|S2", "B2|S1"} {
			if err := b.Publish(ctx, TopicTradeData, testEnvelope(t, key, i)); err != nil {
				t.Fatalf("publish: %v", err)
			}
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("not all events handled")
	}

	mu.Lock()
	defer mu.Unlock()
	for key, seqs := range seen {
		for i := 1; i < len(seqs); i++ {
			if seqs[i] != seqs[i-1]+1 {
				t.Fatalf("key %s out of order: %v", key, seqs)
			}
		}
	}
}

func TestDuplicateSuppression(t *testing.T) {
	t.Parallel()
	b := testBroker(t)
	sub := b.Subscribe(TopicTradeData, "g1")

	var calls atomic.Int64
	c := b.NewConsumer(sub, func(ev Envelope) Result {
		calls.Add(1)
		return Ok()
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	ev := testEnvelope(t, "B1|S1", 7)
	for i := 0; i < 3; i++ {
		if err := b.Publish(ctx, TopicTradeData, ev); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond) // let any duplicate slip through
	if got := calls.Load(); got != 1 {
		t.Errorf("handler ran %d times for the same event, want 1", got)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	t.Parallel()
	b := testBroker(t)
	sub := b.Subscribe(TopicTradeData, "g1")

	var attempts atomic.Int64
	done := make(chan struct{})
	c := b.NewConsumer(sub, func(ev Envelope) Result {
		if attempts.Add(1) < 3 {
			return Retry(0, errs.New(errs.Conflict, "version race"))
		}
		close(done)
		return Ok()
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	if err := b.Publish(ctx, TopicTradeData, testEnvelope(t, "B1|S1", 0)); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
		if got := attempts.Load(); got != 3 {
			t.Errorf("attempts = %d, want 3", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry never succeeded")
	}
}

func TestRetriesExhaustDeadLetter(t *testing.T) {
	t.Parallel()
	b := testBroker(t)
	sub := b.Subscribe(TopicTradeData, "g1")
	dlq := b.Subscribe(TopicTradeData+DLQSuffix, "dlq-drain")

	deadEv := make(chan Envelope, 1)
	dc := b.NewConsumer(dlq, func(ev Envelope) Result {
		deadEv <- ev
		return Ok()
	})

	var reason string
	var reasonMu sync.Mutex
	c := b.NewConsumer(sub, func(ev Envelope) Result {
		return Retry(0, errs.New(errs.Timeout, "downstream stuck"))
	})
	c.OnDead = func(ev Envelope, r string) {
		reasonMu.Lock()
		reason = r
		reasonMu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	go dc.Run(ctx)

	want := testEnvelope(t, "B1|S1", 0)
	if err := b.Publish(ctx, TopicTradeData, want); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-deadEv:
		if ev.EventID != want.EventID {
			t.Errorf("dead-lettered %s, want %s", ev.EventID, want.EventID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("event never reached the DLQ")
	}
	reasonMu.Lock()
	defer reasonMu.Unlock()
	if reason == "" {
		t.Error("OnDead should receive a reason")
	}
}

func TestDeadLettersImmediatelyOnDeadResult(t *testing.T) {
	t.Parallel()
	b := testBroker(t)
	sub := b.Subscribe(TopicTradeData, "g1")
	dlq := b.Subscribe(TopicTradeData+DLQSuffix, "dlq-drain")

	deadEv := make(chan Envelope, 1)
	dc := b.NewConsumer(dlq, func(ev Envelope) Result {
		deadEv <- ev
		return Ok()
	})

	var calls atomic.Int64
	c := b.NewConsumer(sub, func(ev Envelope) Result {
		calls.Add(1)
		return Dead("unknown security", errs.New(errs.NotFound, "security S9"))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	go dc.Run(ctx)

	if err := b.Publish(ctx, TopicTradeData, testEnvelope(t, "B1|S9", 0)); err != nil {
		t.Fatal(err)
	}

	select {
	case <-deadEv:
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the DLQ")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("handler ran %d times, want 1 (no retry on Dead)", got)
	}
}

func TestBackoffSchedule(t *testing.T) {
	t.Parallel()
	cfg := config.Default().Pipeline
	b := NewBroker(cfg, testLogger())
	defer b.Close()
	c := b.NewConsumer(b.Subscribe(TopicTradeData, "g"), nil)

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second},  // capped
		{10, 60 * time.Second}, // stays capped
	}
	for _, tc := range cases {
		if got := c.backoff(tc.attempt); got != tc.want {
			t.Errorf("backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestResultFromError(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want Code
	}{
		{nil, CodeOk},
		{errs.New(errs.Timeout, "t"), CodeRetry},
		{errs.New(errs.Conflict, "c"), CodeRetry},
		{errs.New(errs.LeaseUnavailable, "l"), CodeRetry},
		{errs.New(errs.Unavailable, "u"), CodeRetry},
		{errs.New(errs.Validation, "v"), CodeDead},
		{errs.New(errs.NotFound, "n"), CodeDead},
		{errs.New(errs.InsufficientAvailability, "i"), CodeOk},
		{errs.New(errs.LimitExceeded, "x"), CodeOk},
	}
	for _, tc := range cases {
		if got := ResultFromError(tc.err).Code; got != tc.want {
			t.Errorf("ResultFromError(%v).Code = %d, want %d", tc.err, got, tc.want)
		}
	}
}
