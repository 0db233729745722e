package pipeline

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"

	"ims-core/internal/config"
	"ims-core/internal/metrics"
	"ims-core/pkg/errs"
)

// Broker is the embedded keyed broker. Topics are created on first use;
// every consumer group gets its own set of bounded partition channels, so
// each group sees the full stream. Publish acknowledges only after the
// event is appended to every group's partition, giving at-least-once
// delivery with back-pressure instead of loss.
type Broker struct {
	cfg    config.PipelineConfig
	logger *slog.Logger

	mu     sync.RWMutex
	topics map[string]*topic
	closed bool
}

type topic struct {
	name   string
	groups map[string]*group
}

type group struct {
	id    string
	parts []chan Envelope
}

// NewBroker creates the embedded broker.
func NewBroker(cfg config.PipelineConfig, logger *slog.Logger) *Broker {
	return &Broker{
		cfg:    cfg,
		logger: logger.With("component", "pipeline"),
		topics: make(map[string]*topic),
	}
}

// Publish appends the event to every subscribed group's partition for the
// event key and returns once all appends landed. With no subscribers the
// event is acknowledged and dropped, as with an unconsumed topic.
func (b *Broker) Publish(ctx context.Context, name string, ev Envelope) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errs.New(errs.Unavailable, "pipeline: broker closed")
	}
	t := b.topics[name]
	var groups []*group
	if t != nil {
		groups = make([]*group, 0, len(t.groups))
		for _, g := range t.groups {
			groups = append(groups, g)
		}
	}
	b.mu.RUnlock()

	p := b.partition(ev.Key)
	for _, g := range groups {
		select {
		case g.parts[p] <- ev:
		case <-ctx.Done():
			return errs.Wrap(errs.Timeout, ctx.Err(), "pipeline: publish %s to %s/%s", ev.EventID, name, g.id)
		}
	}
	metrics.EventsPublished.WithLabelValues(name).Inc()
	return nil
}

// Subscribe registers a consumer group on a topic. Events published before
// the subscription are not delivered to it.
func (b *Broker) Subscribe(name, groupID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topics[name]
	if t == nil {
		t = &topic{name: name, groups: make(map[string]*group)}
		b.topics[name] = t
	}
	g := t.groups[groupID]
	if g == nil {
		g = &group{id: groupID, parts: make([]chan Envelope, b.cfg.PartitionsPerTopic)}
		for i := range g.parts {
			g.parts[i] = make(chan Envelope, b.cfg.PartitionBuffer)
		}
		t.groups[groupID] = g
	}
	return &Subscription{broker: b, topic: name, group: g}
}

// Close stops accepting publishes. Consumers drain via their contexts.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

func (b *Broker) partition(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32()) % b.cfg.PartitionsPerTopic
}

// Subscription is one group's view of a topic.
type Subscription struct {
	broker *Broker
	topic  string
	group  *group
}
