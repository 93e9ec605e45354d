package audit

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const (
	defaultBufferSize = 16
	allPollsKey       = "*"
)

// Dispatcher fans events out to per-poll subscribers. Slow subscribers miss
// events rather than stall the publisher; every miss is counted and logged.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
	dropped     atomic.Int64
	logger      *zap.Logger
}

type subscriber struct {
	id     int64
	key    string
	stream chan Event
}

// NewDispatcher constructs an empty dispatcher. A nil logger discards drop reports.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
		logger:      logger,
	}
}

// Dropped reports how many deliveries were skipped because a subscriber's buffer was full.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Subscribe streams events for one poll until ctx ends or the returned cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, pollID string) (<-chan Event, func()) {
	if pollID == "" || pollID == allPollsKey {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	return d.subscribe(ctx, pollID)
}

// SubscribeAll streams events for every poll.
func (d *Dispatcher) SubscribeAll(ctx context.Context) (<-chan Event, func()) {
	return d.subscribe(ctx, allPollsKey)
}

// Record implements Sink by publishing the event.
func (d *Dispatcher) Record(event Event) {
	d.Publish(event)
}

// Publish delivers the event to subscribers of its poll and to global subscribers.
func (d *Dispatcher) Publish(event Event) {
	if event.PollID == "" || event.Type == "" {
		return
	}
	d.mu.RLock()
	targets := make([]*subscriber, 0, len(d.subscribers[event.PollID])+len(d.subscribers[allPollsKey]))
	for _, key := range []string{event.PollID, allPollsKey} {
		for _, sub := range d.subscribers[key] {
			targets = append(targets, sub)
		}
	}
	d.mu.RUnlock()
	for _, sub := range targets {
		select {
		case sub.stream <- event:
		default:
			d.dropped.Add(1)
			d.logger.Warn("audit event dropped for slow subscriber",
				zap.String("event_type", string(event.Type)),
				zap.String("poll_id", event.PollID),
				zap.String("subscription", sub.key),
				zap.Int64("sequence", event.Sequence),
			)
		}
	}
}

func (d *Dispatcher) subscribe(ctx context.Context, key string) (<-chan Event, func()) {
	sub := &subscriber{
		id:     d.nextSequence(),
		key:    key,
		stream: make(chan Event, d.bufferSize),
	}
	d.register(key, sub)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(key, sub.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(key string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[key]; !ok {
		d.subscribers[key] = make(map[int64]*subscriber)
	}
	d.subscribers[key][sub.id] = sub
}

func (d *Dispatcher) unregister(key string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[key]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, key)
		}
	}
	d.mu.Unlock()
}

func (d *Dispatcher) subscriberCount(key string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[key])
}
