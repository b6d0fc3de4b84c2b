// Package queue arbitrates human ownership of escalated customers.
//
// Every operation runs in one store transaction that locks the customer's
// conversation row and then the active queue entry, in that order, and
// advances the conversation through the state engine inside the same
// transaction. Notifications are sent only after commit.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/parleyhq/parley/internal/fsm"
	"github.com/parleyhq/parley/internal/notify"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("parley/queue")

// Queue ownership conflicts. They are reported to operators as-is and never
// retried automatically.
var (
	ErrAlreadyLocked = errors.New("customer is locked by another operator")
	ErrNotFound      = errors.New("no matching queue entry")
	ErrLockExpired   = errors.New("queue lock expired")
)

// DefaultLockDuration is used when Assume is given no duration.
const DefaultLockDuration = 15 * time.Minute

// Observer is told about every queue operation outcome (metrics).
type Observer func(op string, err error)

// Manager implements the human queue operations.
type Manager struct {
	store        store.Store
	engine       *fsm.Engine
	notifier     notify.Notifier
	now          func() time.Time
	lockDuration time.Duration
	observer     Observer
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the manager's clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLockDuration sets the default lock duration.
func WithLockDuration(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.lockDuration = d
		}
	}
}

// WithNotifier sets the change notification sink.
func WithNotifier(n notify.Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithObserver registers an operation observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// NewManager creates a queue Manager.
func NewManager(s store.Store, engine *fsm.Engine, opts ...Option) *Manager {
	m := &Manager{
		store:        s,
		engine:       engine,
		notifier:     notify.Nop,
		now:          engine.Now,
		lockDuration: DefaultLockDuration,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// LockDuration returns the default lock duration.
func (m *Manager) LockDuration() time.Duration { return m.lockDuration }

// EnqueueRequest describes an escalation to queue.
type EnqueueRequest struct {
	TenantID   string
	CustomerID string
	Action     models.Action // human or escalate
	Priority   models.Priority
	Reason     string
	Metadata   map[string]any
}

// Enqueued is the outcome of Enqueue.
type Enqueued struct {
	Entry      *models.EscalationEntry
	Created    bool
	Transition *fsm.Result
	Position   int
}

// Enqueue creates a waiting entry for the customer, or reuses the active one,
// and moves the conversation to the queued state.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (*Enqueued, error) {
	ctx, span := tracer.Start(ctx, "queue.Enqueue")
	defer span.End()

	action := req.Action
	if action == "" {
		action = models.ActionEscalate
	}
	var out Enqueued
	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		res, err := m.engine.Apply(ctx, tx, req.TenantID, req.CustomerID, action, nil)
		if err != nil {
			return err
		}
		out.Transition = res

		now := m.now()
		e, err := tx.LockActiveEscalation(ctx, req.TenantID, req.CustomerID)
		switch {
		case err == nil:
			// Keep the strongest priority seen while queued.
			if req.Priority.Rank() > e.Priority.Rank() {
				e.Priority = req.Priority
				e.Reason = req.Reason
				e.UpdatedAt = now
				if err := tx.UpdateEscalation(ctx, e); err != nil {
					return err
				}
			}
			out.Entry = e
			return nil
		case store.IsNotFound(err):
		default:
			return err
		}

		e = &models.EscalationEntry{
			ID:         uuid.New().String(),
			TenantID:   req.TenantID,
			CustomerID: req.CustomerID,
			Status:     models.QueueWaiting,
			Reason:     req.Reason,
			Priority:   req.Priority,
			Metadata:   req.Metadata,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.CreateEscalation(ctx, e); err != nil {
			return err
		}
		out.Entry = e
		out.Created = true
		return nil
	})
	m.observe("enqueue", err)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", req.CustomerID, err)
	}

	m.engine.Committed(ctx, out.Transition)
	out.Position = m.position(ctx, out.Entry)
	if out.Created {
		span.SetAttributes(attribute.String("parley.entry", out.Entry.ID))
		log.Info().Str("tenant", req.TenantID).Str("customer", req.CustomerID).
			Str("priority", string(req.Priority)).Str("reason", req.Reason).Msg("Customer queued for a human")
		m.emit(ctx, notify.EventWaiting, out.Entry)
	}
	return &out, nil
}

// Assume locks the customer for operatorID for d (the default duration when
// d <= 0). A live lock held by another operator fails with ErrAlreadyLocked
// and changes nothing; the same operator assuming again renews the lock.
func (m *Manager) Assume(ctx context.Context, tenantID, customerID, operatorID string, d time.Duration) (*models.EscalationEntry, error) {
	ctx, span := tracer.Start(ctx, "queue.Assume")
	defer span.End()
	span.SetAttributes(attribute.String("parley.customer", customerID), attribute.String("parley.operator", operatorID))

	if operatorID == "" {
		return nil, fmt.Errorf("assume %s: operator is required", customerID)
	}
	if d <= 0 {
		d = m.lockDuration
	}

	var entry *models.EscalationEntry
	var res *fsm.Result
	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockConversation(ctx, tenantID, customerID); err != nil {
			return err
		}
		now := m.now()
		e, err := tx.LockActiveEscalation(ctx, tenantID, customerID)
		switch {
		case err == nil:
			if e.LockedAt(now) && e.OperatorID != operatorID {
				return ErrAlreadyLocked
			}
		case store.IsNotFound(err):
			e = &models.EscalationEntry{
				ID:         uuid.New().String(),
				TenantID:   tenantID,
				CustomerID: customerID,
				Status:     models.QueueWaiting,
				Reason:     "assumed by operator",
				Priority:   models.PriorityMedium,
				CreatedAt:  now,
			}
			if err := tx.CreateEscalation(ctx, e); err != nil {
				return err
			}
		default:
			return err
		}

		expires := now.Add(d)
		e.Status = models.QueueLocked
		e.OperatorID = operatorID
		e.LockExpiresAt = &expires
		e.UpdatedAt = now
		if err := tx.UpdateEscalation(ctx, e); err != nil {
			return err
		}

		res, err = m.engine.Apply(ctx, tx, tenantID, customerID, models.ActionAssume, map[string]any{"operator_id": operatorID})
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	m.observe("assume", err)
	if err != nil {
		return nil, fmt.Errorf("assume %s: %w", customerID, err)
	}

	m.engine.Committed(ctx, res)
	log.Info().Str("tenant", tenantID).Str("customer", customerID).Str("operator", operatorID).
		Time("expires", *entry.LockExpiresAt).Msg("Customer assumed")
	m.emit(ctx, notify.EventLocked, entry)
	return entry, nil
}

// Finalize closes the customer's case. The entry must be locked by
// operatorID (ErrNotFound otherwise) and the lock must still be live
// (ErrLockExpired otherwise).
func (m *Manager) Finalize(ctx context.Context, tenantID, customerID, operatorID, outcome string) (*models.EscalationEntry, error) {
	ctx, span := tracer.Start(ctx, "queue.Finalize")
	defer span.End()

	var entry *models.EscalationEntry
	var res *fsm.Result
	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockConversation(ctx, tenantID, customerID); err != nil {
			return err
		}
		now := m.now()
		e, err := tx.LockActiveEscalation(ctx, tenantID, customerID)
		if store.IsNotFound(err) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if e.Status != models.QueueLocked || e.OperatorID != operatorID {
			return ErrNotFound
		}
		if !e.LockedAt(now) {
			return ErrLockExpired
		}

		e.Status = models.QueueDone
		e.ClearLock()
		e.UpdatedAt = now
		if e.Metadata == nil {
			e.Metadata = map[string]any{}
		}
		e.Metadata["outcome"] = outcome
		e.Metadata["finalized_by"] = operatorID
		e.Metadata["finalized_at"] = now.Format(time.RFC3339)
		if err := tx.UpdateEscalation(ctx, e); err != nil {
			return err
		}

		res, err = m.engine.Apply(ctx, tx, tenantID, customerID, models.ActionFinalize, nil)
		if errors.Is(err, fsm.ErrInvalidTransition) {
			// The case is closed regardless of where the conversation went.
			log.Warn().Err(err).Str("customer", customerID).Msg("Finalize left conversation state unchanged")
			res, err = nil, nil
		}
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	m.observe("finalize", err)
	if err != nil {
		return nil, fmt.Errorf("finalize %s: %w", customerID, err)
	}

	m.engine.Committed(ctx, res)
	log.Info().Str("tenant", tenantID).Str("customer", customerID).Str("operator", operatorID).Msg("Case finalized")
	m.emit(ctx, notify.EventDone, entry)
	return entry, nil
}

// Cancel withdraws the customer's active entry and returns a queued or
// attended conversation to the main menu.
func (m *Manager) Cancel(ctx context.Context, tenantID, customerID, reason string) (*models.EscalationEntry, error) {
	ctx, span := tracer.Start(ctx, "queue.Cancel")
	defer span.End()

	var entry *models.EscalationEntry
	var res *fsm.Result
	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		cs, err := tx.LockConversation(ctx, tenantID, customerID)
		if err != nil {
			return err
		}
		now := m.now()
		e, err := tx.LockActiveEscalation(ctx, tenantID, customerID)
		if store.IsNotFound(err) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		e.Status = models.QueueCancelled
		e.ClearLock()
		e.UpdatedAt = now
		if e.Metadata == nil {
			e.Metadata = map[string]any{}
		}
		e.Metadata["cancel_reason"] = reason
		if err := tx.UpdateEscalation(ctx, e); err != nil {
			return err
		}

		if cs.State == models.StateAguardandoHumano || cs.State == models.StateAtendimentoHumano {
			if res, err = m.engine.Apply(ctx, tx, tenantID, customerID, models.ActionCancel, nil); err != nil {
				return err
			}
		}
		entry = e
		return nil
	})
	m.observe("cancel", err)
	if err != nil {
		return nil, fmt.Errorf("cancel %s: %w", customerID, err)
	}

	m.engine.Committed(ctx, res)
	log.Info().Str("tenant", tenantID).Str("customer", customerID).Str("reason", reason).Msg("Queue entry cancelled")
	m.emit(ctx, notify.EventCancelled, entry)
	return entry, nil
}

// ReclaimExpired reverts every entry of the tenant whose lock has expired to
// waiting and returns the attended conversation to the queued state. Each
// entry is re-checked under its row lock, so a concurrent Assume that
// renewed it wins and a second run finds nothing to do.
func (m *Manager) ReclaimExpired(ctx context.Context, tenantID string) (int, error) {
	ctx, span := tracer.Start(ctx, "queue.ReclaimExpired")
	defer span.End()

	expired, err := m.store.ListExpiredLocks(ctx, tenantID, m.now())
	if err != nil {
		return 0, fmt.Errorf("list expired locks: %w", err)
	}

	var errs []error
	n := 0
	for i := range expired {
		ok, err := m.reclaim(ctx, &expired[i])
		m.observe("reclaim", err)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			n++
		}
	}
	span.SetAttributes(attribute.Int("parley.reclaimed", n))
	return n, errors.Join(errs...)
}

func (m *Manager) reclaim(ctx context.Context, candidate *models.EscalationEntry) (bool, error) {
	var entry *models.EscalationEntry
	var res *fsm.Result
	var previous string
	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		cs, err := tx.LockConversation(ctx, candidate.TenantID, candidate.CustomerID)
		if err != nil {
			return err
		}
		now := m.now()
		e, err := tx.LockActiveEscalation(ctx, candidate.TenantID, candidate.CustomerID)
		if store.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if e.ID != candidate.ID || e.Status != models.QueueLocked || e.LockedAt(now) {
			return nil
		}

		previous = e.OperatorID
		e.Status = models.QueueWaiting
		e.ClearLock()
		e.UpdatedAt = now
		if e.Metadata == nil {
			e.Metadata = map[string]any{}
		}
		e.Metadata["reclaimed_from"] = previous
		if err := tx.UpdateEscalation(ctx, e); err != nil {
			return err
		}
		if cs.State == models.StateAtendimentoHumano {
			if res, err = m.engine.Apply(ctx, tx, e.TenantID, e.CustomerID, models.ActionReclaim, nil); err != nil {
				return err
			}
		}
		entry = e
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("reclaim %s: %w", candidate.ID, err)
	}
	if entry == nil {
		return false, nil
	}

	m.engine.Committed(ctx, res)
	log.Info().Str("tenant", entry.TenantID).Str("customer", entry.CustomerID).
		Str("operator", previous).Msg("Expired lock reclaimed")
	m.emit(ctx, notify.EventReclaimed, entry)
	return true, nil
}

// List returns the tenant's entries, most pressing first and oldest first
// within a priority.
func (m *Manager) List(ctx context.Context, tenantID string, filter store.EscalationFilter) ([]models.EscalationEntry, error) {
	entries, err := m.store.ListEscalations(ctx, tenantID, filter)
	if err != nil {
		return nil, err
	}
	sortEntries(entries)
	return entries, nil
}

// Active returns the customer's waiting or locked entry.
func (m *Manager) Active(ctx context.Context, tenantID, customerID string) (*models.EscalationEntry, error) {
	e, err := m.store.GetActiveEscalation(ctx, tenantID, customerID)
	if store.IsNotFound(err) {
		return nil, ErrNotFound
	}
	return e, err
}

// Position returns the 1-based place of the customer's waiting entry, or 0
// when the customer is not waiting.
func (m *Manager) Position(ctx context.Context, tenantID, customerID string) int {
	e, err := m.store.GetActiveEscalation(ctx, tenantID, customerID)
	if err != nil {
		return 0
	}
	return m.position(ctx, e)
}

func sortEntries(entries []models.EscalationEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		ri, rj := entries[i].Priority.Rank(), entries[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}

// position is the 1-based place of a waiting entry among the tenant's
// waiting entries, or 0 when unknown.
func (m *Manager) position(ctx context.Context, e *models.EscalationEntry) int {
	if e.Status != models.QueueWaiting {
		return 0
	}
	ahead, err := m.store.WaitingAhead(ctx, e)
	if err != nil {
		log.Warn().Err(err).Str("escalation", e.ID).Msg("Queue position unavailable")
		return 0
	}
	return ahead + 1
}

func (m *Manager) emit(ctx context.Context, t notify.EventType, e *models.EscalationEntry) {
	m.notifier.Notify(ctx, notify.NewEvent(t, e, m.now()))
}

func (m *Manager) observe(op string, err error) {
	if m.observer != nil {
		m.observer(op, err)
	}
}
