// Package fsm is the conversation state transition engine. It owns the
// transition table and is the only writer of ConversationState: every change
// runs in a store transaction holding the conversation row lock, and
// entering-state hooks run only after that transaction commits.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("parley/fsm")

// ErrInvalidTransition is matched by every *InvalidTransitionError.
var ErrInvalidTransition = errors.New("invalid transition")

// InvalidTransitionError reports an action with no entry in the table for the
// conversation's current state. Nothing was written.
type InvalidTransitionError struct {
	From   models.State
	Action models.Action
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: action %q from state %s", e.Action, e.From)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// errStale aborts a guarded transition whose precondition no longer holds.
var errStale = errors.New("stale transition")

// Result describes an applied transition.
type Result struct {
	TenantID     string
	CustomerID   string
	From         models.State
	To           models.State
	Action       models.Action
	Seq          int64
	Conversation *models.ConversationState
}

// Hook runs after a transition into its state has committed.
type Hook func(ctx context.Context, res *Result)

// Observer is told about every transition attempt. err is nil on success.
type Observer func(from models.State, action models.Action, to models.State, err error)

// Client is the result of InitializeClient.
type Client struct {
	Customer     *models.Customer
	Conversation *models.ConversationState
	Created      bool
}

// Engine applies transitions from Table to stored conversations.
type Engine struct {
	store      store.Store
	table      Table
	sched      *Scheduler
	now        func() time.Time
	resetDelay time.Duration
	hooks      map[models.State][]Hook
	observer   Observer
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTable replaces the default transition table.
func WithTable(t Table) Option {
	return func(e *Engine) { e.table = t }
}

// WithScheduler sets the scheduler used for deferred transitions.
func WithScheduler(s *Scheduler) Option {
	return func(e *Engine) { e.sched = s }
}

// WithCloseResetDelay sets how long a conversation stays in the closing
// state before it is automatically returned to the main menu. Zero disables
// the automatic reset.
func WithCloseResetDelay(d time.Duration) Option {
	return func(e *Engine) { e.resetDelay = d }
}

// WithObserver registers a transition observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// NewEngine creates an Engine over s.
func NewEngine(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store: s,
		table: DefaultTable(),
		now:   func() time.Time { return time.Now().UTC() },
		hooks: make(map[models.State][]Hook),
	}
	for _, o := range opts {
		o(e)
	}
	if e.sched == nil {
		e.sched = NewScheduler()
	}
	if e.resetDelay > 0 {
		e.OnEnter(models.StateEncerramento, e.scheduleAutoReset)
	}
	return e
}

// Table returns the engine's transition table.
func (e *Engine) Table() Table { return e.table }

// Scheduler returns the engine's deferred task scheduler.
func (e *Engine) Scheduler() *Scheduler { return e.sched }

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time { return e.now() }

// OnEnter registers a hook for transitions landing in state, including
// self-transitions. Hooks must be registered before the engine is used.
func (e *Engine) OnEnter(state models.State, h Hook) {
	e.hooks[state] = append(e.hooks[state], h)
}

// Transition applies action to the customer's conversation in its own
// transaction and runs entering-state hooks after commit.
func (e *Engine) Transition(ctx context.Context, tenantID, customerID string, action models.Action, extra map[string]any) (*Result, error) {
	ctx, span := tracer.Start(ctx, "fsm.Transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("parley.tenant", tenantID),
		attribute.String("parley.customer", customerID),
		attribute.String("parley.action", string(action)),
	)

	var res *Result
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = e.Apply(ctx, tx, tenantID, customerID, action, extra)
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrInvalidTransition) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}
	span.SetAttributes(attribute.String("parley.from", string(res.From)), attribute.String("parley.to", string(res.To)))
	e.Committed(ctx, res)
	return res, nil
}

// Apply performs a transition inside a caller-owned transaction. The caller
// must call Committed with the result once the transaction has committed.
func (e *Engine) Apply(ctx context.Context, tx store.Tx, tenantID, customerID string, action models.Action, extra map[string]any) (*Result, error) {
	return e.apply(ctx, tx, tenantID, customerID, action, extra, nil)
}

func (e *Engine) apply(ctx context.Context, tx store.Tx, tenantID, customerID string, action models.Action, extra map[string]any, guard func(*models.ConversationState) bool) (*Result, error) {
	cs, err := tx.LockConversation(ctx, tenantID, customerID)
	if err != nil {
		return nil, fmt.Errorf("lock conversation %s: %w", customerID, err)
	}
	if guard != nil && !guard(cs) {
		return nil, errStale
	}

	from := cs.State
	if !e.table.Has(from) {
		return nil, fmt.Errorf("conversation %s is in undeclared state %q", customerID, from)
	}
	to, ok := e.table.Next(from, action)
	if !ok {
		err := &InvalidTransitionError{From: from, Action: action}
		e.observe(from, action, "", err)
		return nil, err
	}

	now := e.now()
	if action == models.ActionAutoReset {
		cs.Context.Reset()
	}
	cs.Context.Merge(extra)
	cs.Context.RecordTransition(from, to, action, now)
	cs.State = to
	cs.UpdatedAt = now
	if err := tx.UpdateConversation(ctx, cs); err != nil {
		return nil, fmt.Errorf("update conversation %s: %w", customerID, err)
	}

	e.observe(from, action, to, nil)
	return &Result{
		TenantID:     tenantID,
		CustomerID:   customerID,
		From:         from,
		To:           to,
		Action:       action,
		Seq:          cs.Context.TransitionSeq,
		Conversation: cs,
	}, nil
}

func (e *Engine) observe(from models.State, action models.Action, to models.State, err error) {
	if e.observer != nil {
		e.observer(from, action, to, err)
	}
}

// Committed runs post-commit work for a transition: it drops a pending
// automatic reset the customer has moved away from and fires the hooks of
// the entered state.
func (e *Engine) Committed(ctx context.Context, res *Result) {
	if res == nil {
		return
	}
	log.Debug().
		Str("tenant", res.TenantID).
		Str("customer", res.CustomerID).
		Str("from", string(res.From)).
		Str("action", string(res.Action)).
		Str("to", string(res.To)).
		Msg("Transition committed")

	if res.From == models.StateEncerramento && res.To != models.StateEncerramento {
		e.sched.Cancel(taskKey(res.TenantID, res.CustomerID))
	}
	hookCtx := context.WithoutCancel(ctx)
	for _, h := range e.hooks[res.To] {
		h(hookCtx, res)
	}
}

func taskKey(tenantID, customerID string) string {
	return "auto_reset:" + tenantID + ":" + customerID
}

func (e *Engine) scheduleAutoReset(_ context.Context, res *Result) {
	tenantID, customerID, seq := res.TenantID, res.CustomerID, res.Seq
	e.sched.Schedule(taskKey(tenantID, customerID), e.resetDelay, func() {
		e.autoReset(tenantID, customerID, seq)
	})
}

// autoReset applies the deferred reset unless the conversation moved since
// the task was scheduled.
func (e *Engine) autoReset(tenantID, customerID string, seq int64) {
	ctx := context.Background()
	var res *Result
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = e.apply(ctx, tx, tenantID, customerID, models.ActionAutoReset, nil, func(cs *models.ConversationState) bool {
			return cs.State == models.StateEncerramento && cs.Context.TransitionSeq == seq
		})
		return err
	})
	switch {
	case errors.Is(err, errStale):
		log.Debug().Str("tenant", tenantID).Str("customer", customerID).Msg("Stale automatic reset skipped")
	case err != nil:
		log.Warn().Err(err).Str("tenant", tenantID).Str("customer", customerID).Msg("Automatic reset failed")
	default:
		e.Committed(ctx, res)
	}
}

// InitializeClient returns the customer for (tenant, address) together with
// its conversation, creating both in one transaction when the customer is
// new. A concurrent creator for the same address is resolved by retrying
// once and reading the winner's rows.
func (e *Engine) InitializeClient(ctx context.Context, tenantID, address, channel, name string) (*Client, error) {
	if c, err := e.store.GetCustomerByAddress(ctx, tenantID, address); err == nil {
		if cs, err := e.store.GetConversation(ctx, tenantID, c.ID); err == nil {
			return &Client{Customer: c, Conversation: cs}, nil
		}
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		var out Client
		lastErr = e.store.WithTx(ctx, func(tx store.Tx) error {
			now := e.now()
			c, err := tx.GetCustomerByAddress(ctx, tenantID, address)
			switch {
			case err == nil:
				out.Customer = c
			case store.IsNotFound(err):
				c = &models.Customer{
					ID:        uuid.New().String(),
					TenantID:  tenantID,
					Address:   address,
					Channel:   channel,
					Name:      name,
					CreatedAt: now,
				}
				if err := tx.CreateCustomer(ctx, c); err != nil {
					return err
				}
				out.Customer = c
				out.Created = true
			default:
				return fmt.Errorf("lookup customer %s: %w", address, err)
			}

			cs, err := tx.LockConversation(ctx, tenantID, c.ID)
			if err == nil {
				out.Conversation = cs
				return nil
			}
			if !store.IsNotFound(err) {
				return err
			}
			cs = &models.ConversationState{
				TenantID:   tenantID,
				CustomerID: c.ID,
				State:      InitialState,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := tx.CreateConversation(ctx, cs); err != nil {
				return err
			}
			out.Conversation = cs
			return nil
		})
		if lastErr == nil {
			if out.Created {
				log.Info().Str("tenant", tenantID).Str("customer", out.Customer.ID).Str("channel", channel).Msg("Customer initialised")
			}
			return &out, nil
		}
		if !errors.Is(lastErr, store.ErrDuplicate) {
			break
		}
	}
	return nil, fmt.Errorf("initialize client %s: %w", address, lastErr)
}

// Annotate mutates the customer's context under the conversation row lock
// without changing its state. fn may merge fields; any state change it makes
// is discarded.
func (e *Engine) Annotate(ctx context.Context, tenantID, customerID string, fn func(cs *models.ConversationState) error) (*models.ConversationState, error) {
	var out *models.ConversationState
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		cs, err := tx.LockConversation(ctx, tenantID, customerID)
		if err != nil {
			return err
		}
		state := cs.State
		if err := fn(cs); err != nil {
			return err
		}
		cs.State = state
		cs.UpdatedAt = e.now()
		if err := tx.UpdateConversation(ctx, cs); err != nil {
			return err
		}
		out = cs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MergeContext merges fields into the customer's context.
func (e *Engine) MergeContext(ctx context.Context, tenantID, customerID string, fields map[string]any) (*models.ConversationState, error) {
	return e.Annotate(ctx, tenantID, customerID, func(cs *models.ConversationState) error {
		cs.Context.Merge(fields)
		return nil
	})
}
