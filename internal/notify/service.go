// Package notify delivers queue-state change events to registered sinks
// (operator UIs, webhooks, the cluster broadcast bus).
//
// Delivery happens after the originating transaction has committed and is
// best-effort: Notify never blocks the caller on a slow sink and a failed
// delivery is logged, never propagated. Sinks retry on their own where the
// transport supports it, which gives at-least-once delivery to healthy
// receivers.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/parleyhq/parley/pkg/models"
	"github.com/rs/zerolog/log"
)

// ── Event types ─────────────────────────────────────────────

// EventType describes what happened to a queue entry.
type EventType string

const (
	EventWaiting   EventType = "queue.waiting"
	EventLocked    EventType = "queue.locked"
	EventDone      EventType = "queue.done"
	EventCancelled EventType = "queue.cancelled"
	EventReclaimed EventType = "queue.reclaimed"
)

// Event is the notification payload.
type Event struct {
	ID         string             `json:"id"`
	Type       EventType          `json:"type"`
	TenantID   string             `json:"tenant_id"`
	CustomerID string             `json:"customer_id"`
	EntryID    string             `json:"entry_id"`
	Status     models.QueueStatus `json:"status"`
	OperatorID string             `json:"operator_id,omitempty"`
	Priority   models.Priority    `json:"priority,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// NewEvent builds an Event from the entry's committed state.
func NewEvent(t EventType, e *models.EscalationEntry, at time.Time) Event {
	return Event{
		ID:         e.ID + ":" + string(t) + ":" + at.Format(time.RFC3339Nano),
		Type:       t,
		TenantID:   e.TenantID,
		CustomerID: e.CustomerID,
		EntryID:    e.ID,
		Status:     e.Status,
		OperatorID: e.OperatorID,
		Priority:   e.Priority,
		Reason:     e.Reason,
		Timestamp:  at,
	}
}

// Notifier is what the queue manager depends on.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Sink is one delivery target.
type Sink interface {
	Kind() string
	Send(ctx context.Context, ev Event) error
}

// ── Service ──────────────────────────────────────────────────

// DefaultBuffer is the number of undelivered events the service holds.
const DefaultBuffer = 256

// Service fans events out to every registered sink on a background worker.
type Service struct {
	mu    sync.RWMutex
	sinks []Sink

	events  chan Event
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	timeout time.Duration
}

// NewService creates and starts a notification service.
func NewService(sinks ...Sink) *Service {
	s := &Service{
		events:  make(chan Event, DefaultBuffer),
		done:    make(chan struct{}),
		timeout: 30 * time.Second,
	}
	for _, sk := range sinks {
		s.RegisterSink(sk)
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// RegisterSink adds a delivery target.
func (s *Service) RegisterSink(sk Sink) {
	s.mu.Lock()
	s.sinks = append(s.sinks, sk)
	s.mu.Unlock()
	log.Info().Str("kind", sk.Kind()).Msg("Registered queue notification sink")
}

// Notify enqueues ev for delivery. When the buffer is full the event is
// dropped with a warning rather than stalling the caller.
func (s *Service) Notify(_ context.Context, ev Event) {
	select {
	case <-s.done:
		log.Warn().Str("event", string(ev.Type)).Msg("Notification service closed, event dropped")
		return
	default:
	}
	select {
	case s.events <- ev:
	default:
		log.Warn().Str("event", string(ev.Type)).Str("entry", ev.EntryID).Msg("Notification buffer full, event dropped")
	}
}

func (s *Service) loop() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.events:
			s.deliver(ev)
		case <-s.done:
			// Drain what was accepted before Close.
			for {
				select {
				case ev := <-s.events:
					s.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) deliver(ev Event) {
	s.mu.RLock()
	sinks := append([]Sink(nil), s.sinks...)
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, sk := range sinks {
		wg.Add(1)
		go func(sk Sink) {
			defer wg.Done()
			if err := sk.Send(ctx, ev); err != nil {
				log.Warn().Err(err).Str("sink", sk.Kind()).Str("event", string(ev.Type)).
					Str("entry", ev.EntryID).Msg("Queue notification failed")
			}
		}(sk)
	}
	wg.Wait()
}

// Close stops accepting events, delivers the backlog and waits.
func (s *Service) Close() error {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}

// ── Func adapter ─────────────────────────────────────────────

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event)

func (f NotifierFunc) Notify(ctx context.Context, ev Event) { f(ctx, ev) }

// Nop discards every event.
var Nop Notifier = NotifierFunc(func(context.Context, Event) {})
