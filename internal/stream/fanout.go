package stream

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"brokergate/internal/metrics"
	"brokergate/internal/protocol"
)

// fanout dispatches decoded messages to matching subscribers. Publishing
// happens from a single goroutine per channel (the read loop), so each
// subscriber sees events in upstream order. Delivery never blocks: a full
// subscriber queue sheds its oldest event to make room.
type fanout struct {
	channel   protocol.Channel
	queueSize int
	logger    *slog.Logger

	mu   sync.RWMutex
	subs map[uuid.UUID]*Subscription
}

func newFanout(ch protocol.Channel, queueSize int, logger *slog.Logger) *fanout {
	return &fanout{
		channel:   ch,
		queueSize: queueSize,
		logger:    logger,
		subs:      make(map[uuid.UUID]*Subscription),
	}
}

func (f *fanout) add(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[sub.ID] = sub
}

// remove unregisters and closes the subscription. Publish holds the read
// lock for the whole dispatch, so no send can race the close.
func (f *fanout) remove(id uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	sub, ok := f.subs[id]
	if !ok {
		return false
	}
	delete(f.subs, id)
	close(sub.events)
	return true
}

// removeAll closes every subscription; used at gateway shutdown.
func (f *fanout) removeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, sub := range f.subs {
		delete(f.subs, id)
		close(sub.events)
	}
}

func (f *fanout) count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// refs counts live subscriptions for a (symbol, quotes/trades) interest.
// The channel uses it to decide when an upstream unsubscribe is safe.
func (f *fanout) refs(symbol string, wantQuotes bool) int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	n := 0
	for _, sub := range f.subs {
		if sub.Symbol == symbol && sub.Kind.wantsQuotes() == wantQuotes {
			n++
		}
	}
	return n
}

func (f *fanout) publishQuote(q *protocol.Quote, receivedAt time.Time) {
	f.publish(Event{Channel: f.channel, Quote: q, ReceivedAt: receivedAt}, q.Symbol, true)
}

func (f *fanout) publishTrade(t *protocol.Trade, receivedAt time.Time) {
	f.publish(Event{Channel: f.channel, Trade: t, ReceivedAt: receivedAt}, t.Symbol, false)
}

func (f *fanout) publish(ev Event, symbol string, isQuote bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, sub := range f.subs {
		if sub.Symbol != symbol || sub.Kind.wantsQuotes() != isQuote {
			continue
		}
		f.deliver(sub, ev)
	}
}

// deliver enqueues one event, shedding the subscriber's oldest pending
// event if the queue is full. The read loop never waits on a consumer.
func (f *fanout) deliver(sub *Subscription, ev Event) {
	select {
	case sub.events <- ev:
		return
	default:
	}

	select {
	case <-sub.events:
		metrics.FanoutDrops.WithLabelValues(string(f.channel)).Inc()
	default:
	}

	select {
	case sub.events <- ev:
	default:
		// Consumer drained concurrently and refilled; drop the new event
		// rather than spin.
		metrics.FanoutDrops.WithLabelValues(string(f.channel)).Inc()
		f.logger.Debug("subscriber queue full, event dropped",
			"subscription", sub.ID, "symbol", eventSymbol(ev))
	}
}

func eventSymbol(ev Event) string {
	if ev.Quote != nil {
		return ev.Quote.Symbol
	}
	if ev.Trade != nil {
		return ev.Trade.Symbol
	}
	return ""
}
