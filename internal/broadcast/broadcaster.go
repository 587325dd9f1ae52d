// Package broadcast turns persisted queue events into realtime client
// notifications. It reads the transactional outbox rather than hooking the
// store directly, so a crashed or slow broadcaster can never affect a
// state transition and catches up from its offset on restart.
package broadcast

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/yousif447/Queue-Management-System-sub002/internal/hub"
	"github.com/yousif447/Queue-Management-System-sub002/internal/store"
)

// Client-facing event names. Delivery is at-most-once per connected
// client; REST polling is the correctness backstop.
const (
	EventTicketUpdated  = "ticketUpdated"
	EventPositionUpdate = "positionUpdate"
	EventQueueStatus    = "queueStatus"
	EventYourTurn       = "yourTurn"
)

type EventSource interface {
	ListOutboxEvents(ctx context.Context, offset store.OutboxOffset, limit int) ([]store.OutboxEvent, error)
	GetOffset(ctx context.Context) (store.OutboxOffset, error)
	UpdateOffset(ctx context.Context, offset store.OutboxOffset) error
	CleanupOutbox(ctx context.Context, before time.Time) error
}

type Publisher interface {
	Publish(payload []byte, rooms ...string)
}

type Envelope struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type Options struct {
	PollInterval time.Duration
	BatchSize    int
}

type Broadcaster struct {
	source    EventSource
	publisher Publisher
	offset    store.OutboxOffset
	interval  time.Duration
	batchSize int
}

func New(source EventSource, publisher Publisher, options Options) *Broadcaster {
	interval := options.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	batchSize := options.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Broadcaster{
		source:    source,
		publisher: publisher,
		offset:    store.OutboxOffset{LastEventTime: time.Unix(0, 0).UTC()},
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run resumes from the persisted cursor and polls until the context is
// cancelled. The cursor is saved after each dispatched batch and already
// dispatched events are pruned, so a restart picks up where delivery
// stopped instead of replaying the whole outbox. Errors are logged and the
// next tick retries from the same offset.
func (b *Broadcaster) Run(ctx context.Context) {
	loadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	stored, err := b.source.GetOffset(loadCtx)
	cancel()
	if err != nil {
		log.Printf("broadcast offset load error: %v", err)
	} else if !stored.LastEventTime.IsZero() {
		b.offset = stored
	}

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pollCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			events, err := b.source.ListOutboxEvents(pollCtx, b.offset, b.batchSize)
			if err != nil {
				cancel()
				log.Printf("broadcast poll error: %v", err)
				continue
			}
			b.Dispatch(events)
			if len(events) > 0 {
				if err := b.source.UpdateOffset(pollCtx, b.offset); err != nil {
					log.Printf("broadcast offset save error: %v", err)
				} else if err := b.source.CleanupOutbox(pollCtx, b.offset.LastEventTime); err != nil {
					log.Printf("broadcast cleanup error: %v", err)
				}
			}
			cancel()
		}
	}
}

// Dispatch fans a batch of outbox events out to the right rooms and
// advances the offset past them.
func (b *Broadcaster) Dispatch(events []store.OutboxEvent) {
	for _, event := range events {
		b.offset.LastEventTime = event.CreatedAt
		b.offset.LastEventID = event.EventID

		switch event.Type {
		case "queue.positions":
			b.emit(EventPositionUpdate, event, hub.QueueRoom(event.QueueID))
		case "queue.status":
			b.emit(EventQueueStatus, event, hub.QueueRoom(event.QueueID))
		case "ticket.called":
			b.emit(EventTicketUpdated, event, hub.QueueRoom(event.QueueID), hub.UserRoom(event.UserID))
			b.emit(EventYourTurn, event, hub.UserRoom(event.UserID))
		case "ticket.created", "ticket.started", "ticket.completed", "ticket.cancelled", "ticket.missed", "ticket.reactivated":
			b.emit(EventTicketUpdated, event, hub.QueueRoom(event.QueueID), hub.UserRoom(event.UserID))
		default:
			log.Printf("skip unknown outbox event type %q", event.Type)
		}
	}
}

func (b *Broadcaster) emit(name string, event store.OutboxEvent, rooms ...string) {
	payload, err := json.Marshal(Envelope{Event: name, Payload: event.Payload, CreatedAt: event.CreatedAt})
	if err != nil {
		log.Printf("broadcast marshal error: %v", err)
		return
	}
	b.publisher.Publish(payload, rooms...)
}

// Offset exposes the current position, for tests and status reporting.
func (b *Broadcaster) Offset() store.OutboxOffset {
	return b.offset
}
