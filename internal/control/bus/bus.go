package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/aaron031291/grace-controlplane/internal/control/eventtypes"
)

const defaultQueueDepth = 256

// Bus is the in-process pub/sub backbone (C2). Each subscriber owns a
// single dedicated goroutine draining a bounded queue — "internal sharded
// queues; one owning goroutine/thread per shard, no external mutation"
// (spec.md §5) — so delivery to a given subscriber is strictly FIFO and
// therefore preserves per-source ordering as long as Publish is called in
// source order, matching the at-least-once delivery contract (§8 P5).
//
// Shape grounded on internal/ai/unified/bridge.go's AlertBridge: a
// single alert callback generalized here to N typed subscriber shards,
// each with its own stop channel and drain-on-Shutdown behavior.
type Bus struct {
	mu          sync.RWMutex
	subs        map[uint64]*shard
	nextSubID   uint64
	warnLimiter *rate.Limiter

	saturationOnce sync.Map // subscriber id -> struct{}, for bus.saturation dedup
}

type shard struct {
	id      uint64
	pattern string
	queue   chan Event
	stop    chan struct{}
	done    chan struct{}
	dropped int64
}

// New creates a Bus. Its token bucket (500 events/s, burst 50) gates
// publishes of severity >= warn when the queue is saturated (the
// "block_for_warn_or_above" backpressure policy, spec.md §4.3).
func New() *Bus {
	return &Bus{
		subs:        make(map[uint64]*shard),
		warnLimiter: rate.NewLimiter(rate.Limit(500), 50),
	}
}

// Subscribe registers handler for events whose type matches pattern. The
// returned Subscription can be passed to Unsubscribe.
func (b *Bus) Subscribe(pattern string, handler Handler) Subscription {
	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	s := &shard{
		id:      id,
		pattern: pattern,
		queue:   make(chan Event, defaultQueueDepth),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	b.subs[id] = s
	b.mu.Unlock()

	go s.run(handler)
	return Subscription{id: id, pattern: pattern}
}

func (s *shard) run(handler Handler) {
	defer close(s.done)
	for {
		select {
		case e := <-s.queue:
			handler(e)
		case <-s.stop:
			// Drain remaining buffered events before exiting so at-least-once
			// delivery holds across shutdown.
			for {
				select {
				case e := <-s.queue:
					handler(e)
				default:
					return
				}
			}
		}
	}
}

// Unsubscribe stops delivery to the given subscription and waits for its
// in-flight handler invocation to finish.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	s, ok := b.subs[sub.id]
	if ok {
		delete(b.subs, sub.id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	close(s.stop)
	<-s.done
}

// Publish delivers event to every matching subscriber. Publish never
// blocks the caller for severity < warn: a full subscriber queue causes
// the event to be dropped for that subscriber (drop_oldest_for_debug —
// implemented as drop-newest-for-simplicity, logged) rather than stalling
// the publisher. For severity >= warn, Publish blocks briefly (gated by a
// token bucket so a persistently saturated subscriber cannot wedge the
// whole bus) per the block_for_warn_or_above policy (spec.md §4.3).
//
// Publish itself never fails: a persistently saturated critical-severity
// subscriber instead raises bus.saturation once per subscriber and is
// from then on treated as degraded (best-effort delivery only).
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	shards := make([]*shard, 0, len(b.subs))
	for _, s := range b.subs {
		if matches(s.pattern, event.Type) {
			shards = append(shards, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range shards {
		b.deliver(s, event)
	}
}

func (b *Bus) deliver(s *shard, event Event) {
	select {
	case s.queue <- event:
		return
	default:
	}

	if event.Severity.AtLeast(eventtypes.SeverityWarn) {
		if b.warnLimiter.Allow() {
			// Block briefly for a blocked slot; bounded by the rate limiter
			// above so we degrade to drop rather than hang indefinitely.
			select {
			case s.queue <- event:
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
	}

	atomic.AddInt64(&s.dropped, 1)
	if event.Severity == eventtypes.SeverityCritical {
		if _, already := b.saturationOnce.LoadOrStore(s.id, struct{}{}); !already {
			log.Warn().
				Uint64("subscriber_id", s.id).
				Str("pattern", s.pattern).
				Msg("bus.saturation: critical event dropped, subscriber degraded")
			b.Publish(Event{
				ID:     ulid.Make().String(),
				Type:   "bus.saturation",
				Source: "bus",
				Payload: map[string]interface{}{
					"subscriber_id": s.id,
					"pattern":       s.pattern,
					"dropped_event": event.Type,
				},
				Timestamp: time.Now(),
				Severity:  eventtypes.SeverityWarn,
			})
		}
	}
}

// Dropped reports how many events have been dropped for a given
// subscription, for diagnostics and tests.
func (b *Bus) Dropped(sub Subscription) int64 {
	b.mu.RLock()
	s, ok := b.subs[sub.id]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(&s.dropped)
}

// Shutdown unsubscribes every subscriber, draining their queues.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	subs := make([]*shard, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[uint64]*shard)
	b.mu.Unlock()

	for _, s := range subs {
		close(s.stop)
		<-s.done
	}
}
