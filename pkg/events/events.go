// Package events is an in-process pub/sub for observability hooks. The
// signaling core publishes a fact for every state transition; metrics and
// the admin surface subscribe. Publishing never blocks: a subscriber that
// cannot keep up loses events and the loss is counted, because a slow
// observer must not delay signaling.
package events

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/weir-sfu/weir/pkg/protocol"
)

// Type enumerates everything the core reports.
type Type string

const (
	ServerStarted       Type = "serverStarted"
	ClientConnected     Type = "clientConnected"
	ClientDisconnected  Type = "clientDisconnected"
	ConferenceCreated   Type = "conferenceCreated"
	ConferenceDestroyed Type = "conferenceDestroyed"
	ParticipantJoined   Type = "participantJoined"
	ParticipantLeft     Type = "participantLeft"
	ProducerCreated     Type = "producerCreated"
	ProducerClosed      Type = "producerClosed"
	ConsumerCreated     Type = "consumerCreated"
	ConsumerClosed      Type = "consumerClosed"
	AudioMuted          Type = "audioMuted"
	AudioUnmuted        Type = "audioUnmuted"
	VideoMuted          Type = "videoMuted"
	VideoUnmuted        Type = "videoUnmuted"
	WorkerDied          Type = "workerDied"
	ServerError         Type = "serverError"
)

// Event is one observability fact. Fields beyond Type are filled when they
// apply to the event at hand.
type Event struct {
	Type          Type
	Time          time.Time
	SessionID     string
	ConferenceID  string
	ParticipantID string
	// ResourceID names the producer or consumer of a media event.
	ResourceID string
	Kind       protocol.MediaKind
	Err        error
}

type subscriber struct {
	ch      chan Event
	active  atomic.Bool
	dropped atomic.Uint64
}

// Bus fans events out to subscribers over a lock-free map, so publishers on
// the hot path never contend with subscription churn.
type Bus struct {
	subscribers *xsync.Map[string, *subscriber]
	seq         atomic.Uint64
	shutdown    atomic.Bool
}

func NewBus() *Bus {
	return &Bus{
		subscribers: xsync.NewMap[string, *subscriber](),
	}
}

// Subscribe registers a buffered receiver. The returned cancel function
// detaches it; cancelling ctx does the same. The channel is never closed,
// it simply stops receiving.
func (b *Bus) Subscribe(ctx context.Context, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)
	if b.shutdown.Load() {
		return ch, func() {}
	}

	id := "sub-" + strconv.FormatUint(b.seq.Add(1), 10)
	sub := &subscriber{ch: ch}
	sub.active.Store(true)
	b.subscribers.Store(id, sub)

	// The ctx watcher must not outlive the subscription: a subscriber that
	// detaches through the cancel func alone would otherwise leak the
	// goroutine until its ctx fires, if it ever does.
	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			b.unsubscribe(id)
			close(done)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	return ch, cancel
}

// Publish delivers ev to every subscriber that has room and drops it for
// those that do not. A zero Time is stamped with now.
func (b *Bus) Publish(ev Event) {
	if b.shutdown.Load() {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.subscribers.Range(func(_ string, sub *subscriber) bool {
		if !sub.active.Load() {
			return true
		}

		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}

		return true
	})
}

// Stats aggregates the bus counters.
type Stats struct {
	Subscribers int
	Dropped     uint64
}

func (b *Bus) Stats() Stats {
	var stats Stats
	b.subscribers.Range(func(_ string, sub *subscriber) bool {
		stats.Subscribers++
		stats.Dropped += sub.dropped.Load()
		return true
	})

	return stats
}

// Shutdown detaches every subscriber. Channels are left open for the GC so
// that in-flight publishers cannot hit a closed channel.
func (b *Bus) Shutdown() {
	if !b.shutdown.CompareAndSwap(false, true) {
		return
	}

	b.subscribers.Range(func(_ string, sub *subscriber) bool {
		sub.active.Store(false)
		return true
	})
	b.subscribers.Clear()
}

func (b *Bus) unsubscribe(id string) {
	if sub, ok := b.subscribers.Load(id); ok {
		sub.active.Store(false)
		b.subscribers.Delete(id)
	}
}
