package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"ims-core/internal/metrics"
	"ims-core/pkg/errs"
)

// Consumer drains one subscription with a handler. Each partition is served
// by its own goroutine so per-key FIFO holds, while a semaphore caps handler
// concurrency across partitions. Retries back off exponentially from
// retry_backoff_base, doubling up to retry_backoff_cap; after
// retry_max_attempts the event dead-letters.
//
// A per-partition LRU of recently handled event IDs suppresses redelivered
// duplicates, keeping the effective semantics exactly-once for replays that
// land on the same partition (which keyed routing guarantees).
type Consumer struct {
	sub     *Subscription
	handler Handler
	logger  *slog.Logger

	// OnDead, when set, observes every dead-lettered event after it has
	// been appended to the DLQ topic.
	OnDead func(ev Envelope, reason string)

	dedupe []*lru.Cache[string, struct{}]
	sem    chan struct{}
}

// NewConsumer builds a consumer over the subscription. Call Run to start.
func (b *Broker) NewConsumer(sub *Subscription, handler Handler) *Consumer {
	c := &Consumer{
		sub:     sub,
		handler: handler,
		logger:  b.logger.With("topic", sub.topic, "group", sub.group.id),
		dedupe:  make([]*lru.Cache[string, struct{}], b.cfg.PartitionsPerTopic),
		sem:     make(chan struct{}, b.cfg.Concurrency),
	}
	for i := range c.dedupe {
		// Size is validated > 0 in config; lru.New only errors on size <= 0.
		c.dedupe[i], _ = lru.New[string, struct{}](b.cfg.DedupeCacheSize)
	}
	return c
}

// Run serves partitions until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for p, ch := range c.sub.group.parts {
		wg.Add(1)
		go func(p int, ch chan Envelope) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-ch:
					c.process(ctx, p, ev)
				}
			}
		}(p, ch)
	}
	wg.Wait()
}

func (c *Consumer) process(ctx context.Context, part int, ev Envelope) {
	if err := ev.Validate(); err != nil {
		c.deadLetter(ctx, ev, err.Error(), err)
		return
	}
	if !ev.Deadline.IsZero() && time.Now().After(ev.Deadline) {
		metrics.Timeouts.WithLabelValues(ev.EventType).Inc()
		c.deadLetter(ctx, ev, "deadline expired before processing",
			errs.New(errs.Timeout, "deadline expired"))
		return
	}
	for _, k := range ev.dedupeKeys() {
		if _, seen := c.dedupe[part].Get(k); seen {
			metrics.DuplicatesSuppressed.Inc()
			c.logger.Debug("duplicate suppressed", "event_id", ev.EventID, "key", ev.Key)
			return
		}
	}

	for {
		c.sem <- struct{}{}
		res := c.handler(ev)
		<-c.sem

		switch res.Code {
		case CodeOk:
			metrics.EventsConsumed.WithLabelValues(c.sub.topic, "ok").Inc()
			for _, k := range ev.dedupeKeys() {
				c.dedupe[part].Add(k, struct{}{})
			}
			return

		case CodeDead:
			metrics.EventsConsumed.WithLabelValues(c.sub.topic, "dead").Inc()
			c.deadLetter(ctx, ev, res.Reason, res.Err)
			return

		case CodeRetry:
			ev.attempt++
			metrics.EventsConsumed.WithLabelValues(c.sub.topic, "retry").Inc()
			if ev.attempt >= c.broker().cfg.RetryMaxAttempts {
				reason := "retries exhausted"
				if res.Err != nil {
					reason = "retries exhausted: " + res.Err.Error()
				}
				c.deadLetter(ctx, ev, reason, res.Err)
				return
			}
			wait := c.backoff(ev.attempt)
			if res.After > wait {
				wait = res.After
			}
			c.logger.Warn("handler retry",
				"event_id", ev.EventID,
				"key", ev.Key,
				"attempt", ev.attempt,
				"backoff", wait,
				"error", res.Err,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}
}

// backoff returns base * 2^(attempt-1), capped.
func (c *Consumer) backoff(attempt int) time.Duration {
	cfg := c.broker().cfg
	d := cfg.RetryBackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryBackoffCap {
			return cfg.RetryBackoffCap
		}
	}
	if d > cfg.RetryBackoffCap {
		d = cfg.RetryBackoffCap
	}
	return d
}

func (c *Consumer) deadLetter(ctx context.Context, ev Envelope, reason string, cause error) {
	kind := errs.KindOf(cause)
	if kind == "" {
		kind = errs.Internal
	}
	metrics.DeadLetters.WithLabelValues(c.sub.topic, string(kind)).Inc()
	c.logger.Error("event dead-lettered",
		"event_id", ev.EventID,
		"event_type", ev.EventType,
		"key", ev.Key,
		"reason", reason,
	)
	if err := c.broker().Publish(ctx, c.sub.topic+DLQSuffix, ev); err != nil {
		c.logger.Error("dead-letter publish failed", "event_id", ev.EventID, "error", err)
	}
	if c.OnDead != nil {
		c.OnDead(ev, reason)
	}
}

func (c *Consumer) broker() *Broker { return c.sub.broker }
