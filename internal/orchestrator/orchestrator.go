// Package orchestrator runs the per-message pipeline: resolve the customer,
// route the text to an action, advance the conversation, refresh the dossier,
// apply the escalation policy and produce the reply.
//
// ProcessMessage never fails. Any error or panic inside the pipeline is
// logged with the step it happened in and turned into the tenant's fallback
// reply.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/parleyhq/parley/internal/dossier"
	"github.com/parleyhq/parley/internal/fsm"
	"github.com/parleyhq/parley/internal/intent"
	"github.com/parleyhq/parley/internal/queue"
	"github.com/parleyhq/parley/internal/rules"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/texts"
	"github.com/parleyhq/parley/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("parley/orchestrator")

// DefaultChannel is used when the inbound message names none.
const DefaultChannel = "whatsapp"

// Observer receives pipeline outcomes (metrics).
type Observer interface {
	Escalated(tenantID string, p models.Priority, reason string, created bool)
	Fallback(tenantID, step string)
}

// Orchestrator wires the engine components into the message pipeline.
type Orchestrator struct {
	store         store.Store
	engine        *fsm.Engine
	dossiers      *dossier.Builder
	rules         dossier.RuleProvider
	queue         *queue.Manager
	policy        Policy
	defaultTenant string
	observer      Observer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPolicy replaces the escalation policy.
func WithPolicy(p Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithDefaultTenant sets the tenant used for messages that carry none.
func WithDefaultTenant(id string) Option {
	return func(o *Orchestrator) { o.defaultTenant = id }
}

// WithObserver registers a pipeline observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// New creates an Orchestrator.
func New(s store.Store, engine *fsm.Engine, dossiers *dossier.Builder, rp dossier.RuleProvider, q *queue.Manager, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    s,
		engine:   engine,
		dossiers: dossiers,
		rules:    rp,
		queue:    q,
		policy:   DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// pipeline carries what the steps learn about the message.
type pipeline struct {
	step     string
	tenant   *models.Tenant
	rules    *rules.RuleSet
	customer *models.Customer
}

// ProcessMessage handles one inbound message and returns the reply to send.
func (o *Orchestrator) ProcessMessage(ctx context.Context, msg models.InboundMessage) (resp *models.Response) {
	ctx, span := tracer.Start(ctx, "orchestrator.ProcessMessage")
	defer span.End()

	tenantID := msg.TenantID
	if tenantID == "" {
		tenantID = o.defaultTenant
	}
	msg.TenantID = tenantID
	if msg.Channel == "" {
		msg.Channel = DefaultChannel
	}
	span.SetAttributes(attribute.String("parley.tenant", tenantID))

	p := &pipeline{step: "tenant"}
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			span.RecordError(err)
			span.SetStatus(codes.Error, "pipeline panic")
			resp = o.fallback(msg, p, err)
		}
	}()

	resp, err := o.process(ctx, msg, p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, p.step)
		return o.fallback(msg, p, err)
	}
	span.SetAttributes(
		attribute.String("parley.state", string(resp.State)),
		attribute.Bool("parley.escalated", resp.Escalated),
	)
	return resp
}

func (o *Orchestrator) process(ctx context.Context, msg models.InboundMessage, p *pipeline) (*models.Response, error) {
	tenant, err := o.store.GetTenant(ctx, msg.TenantID)
	if err != nil {
		return nil, fmt.Errorf("resolve tenant: %w", err)
	}
	if !tenant.Active {
		return nil, fmt.Errorf("tenant %s is inactive", tenant.ID)
	}
	p.tenant = tenant
	p.rules = o.rules.Get(ctx, tenant.ID)

	p.step = "client"
	client, err := o.engine.InitializeClient(ctx, tenant.ID, msg.From, msg.Channel, msg.Name)
	if err != nil {
		return nil, err
	}
	p.customer = client.Customer
	cs := client.Conversation

	p.step = "record"
	operatorID := ""
	if cs.State == models.StateAtendimentoHumano {
		if e, err := o.queue.Active(ctx, tenant.ID, p.customer.ID); err == nil {
			operatorID = e.OperatorID
		}
	}
	if err := o.record(ctx, p, models.DirectionInbound, cs.State, msg.Text, operatorID); err != nil {
		return nil, err
	}

	// A human owns the conversation; the bot stays quiet.
	if cs.State == models.StateAtendimentoHumano {
		return &models.Response{CustomerID: p.customer.ID, State: cs.State, Silent: true}, nil
	}

	p.step = "route"
	action := intent.Determine(msg.Text, cs.State)

	p.step = "transition"
	cs, err = o.advance(ctx, p, cs, action, msg.Text)
	if err != nil {
		return nil, err
	}

	p.step = "dossier"
	d, err := o.dossiers.Update(ctx, tenant.ID, p.customer.ID, msg.Text)
	if err != nil {
		return nil, err
	}

	p.step = "policy"
	decision := o.policy.Evaluate(action, cs.State, d, o.timeInState(cs))

	resp := &models.Response{CustomerID: p.customer.ID, Action: action, State: cs.State}
	if decision.Escalate {
		p.step = "escalate"
		if err := o.escalate(ctx, p, action, decision, d, resp); err != nil {
			return nil, err
		}
	} else {
		resp.Text = o.reply(ctx, p, cs.State)
	}

	p.step = "reply"
	if err := o.record(ctx, p, models.DirectionOutbound, resp.State, resp.Text, ""); err != nil {
		return nil, err
	}
	return resp, nil
}

// advance applies the routed action. Leaving the queue by customer request
// cancels the waiting entry in the same transaction as the state change; an
// invalid transition keeps the current state.
func (o *Orchestrator) advance(ctx context.Context, p *pipeline, cs *models.ConversationState, action models.Action, text string) (*models.ConversationState, error) {
	tenantID, customerID := p.tenant.ID, p.customer.ID
	extra := map[string]any{
		models.CtxLastIntent:  action,
		models.CtxLastMessage: text,
	}

	if cs.State == models.StateAguardandoHumano && (action == models.ActionCancel || action == models.ActionRoot) {
		_, err := o.queue.Cancel(ctx, tenantID, customerID, "customer left the queue")
		switch {
		case err == nil:
			return o.engine.MergeContext(ctx, tenantID, customerID, extra)
		case !errors.Is(err, queue.ErrNotFound):
			return nil, err
		}
	}

	res, err := o.engine.Transition(ctx, tenantID, customerID, action, extra)
	if errors.Is(err, fsm.ErrInvalidTransition) {
		log.Debug().Err(err).Str("tenant", tenantID).Str("customer", customerID).Msg("Keeping current state")
		return o.engine.MergeContext(ctx, tenantID, customerID, extra)
	}
	if err != nil {
		return nil, err
	}
	return res.Conversation, nil
}

func (o *Orchestrator) escalate(ctx context.Context, p *pipeline, action models.Action, dec Decision, d *models.Dossier, resp *models.Response) error {
	qa := models.ActionEscalate
	if action == models.ActionHuman {
		qa = models.ActionHuman
	}
	out, err := o.queue.Enqueue(ctx, queue.EnqueueRequest{
		TenantID:   p.tenant.ID,
		CustomerID: p.customer.ID,
		Action:     qa,
		Priority:   dec.Priority,
		Reason:     dec.Reason,
		Metadata:   map[string]any{"dossier": d.Snapshot()},
	})
	if err != nil {
		return err
	}

	key := texts.KeyEscalationConfirmation
	if !out.Created {
		key = texts.KeyEscalationPending
	}
	resp.Text = texts.Render(texts.Get(p.rules, key), o.vars(p, out.Position))
	resp.Escalated = true
	resp.Priority = out.Entry.Priority
	resp.Reason = dec.Reason
	resp.EntryID = out.Entry.ID
	if out.Transition != nil {
		resp.State = out.Transition.To
	}
	if o.observer != nil {
		o.observer.Escalated(p.tenant.ID, dec.Priority, dec.Reason, out.Created)
	}
	return nil
}

func (o *Orchestrator) reply(ctx context.Context, p *pipeline, state models.State) string {
	position := 0
	if state == models.StateAguardandoHumano {
		position = o.queue.Position(ctx, p.tenant.ID, p.customer.ID)
	}
	return texts.Render(texts.Get(p.rules, string(state)), o.vars(p, position))
}

func (o *Orchestrator) vars(p *pipeline, position int) map[string]string {
	v := map[string]string{}
	if p.customer != nil && p.customer.Name != "" {
		v["name"] = ", " + p.customer.Name
	}
	if position > 0 {
		v["position"] = strconv.Itoa(position)
	}
	return v
}

func (o *Orchestrator) timeInState(cs *models.ConversationState) time.Duration {
	since := cs.CreatedAt
	if cs.Context.LastTransitionAt != nil {
		since = *cs.Context.LastTransitionAt
	}
	return o.engine.Now().Sub(since)
}

func (o *Orchestrator) record(ctx context.Context, p *pipeline, dir models.Direction, state models.State, text, operatorID string) error {
	rec := &models.InteractionRecord{
		ID:         uuid.New().String(),
		TenantID:   p.tenant.ID,
		CustomerID: p.customer.ID,
		Direction:  dir,
		Channel:    p.customer.Channel,
		State:      state,
		Text:       text,
		OperatorID: operatorID,
		CreatedAt:  o.engine.Now(),
	}
	if err := o.store.AppendInteraction(ctx, rec); err != nil {
		return fmt.Errorf("record %s interaction: %w", dir, err)
	}
	return nil
}

// fallback builds the generic reply for a failed pipeline. The tenant's
// configured reply wins over its pack text and the built-in default.
func (o *Orchestrator) fallback(msg models.InboundMessage, p *pipeline, err error) *models.Response {
	log.Error().Err(err).
		Str("tenant", msg.TenantID).
		Str("from", msg.From).
		Str("step", p.step).
		Msg("Message pipeline failed, sending fallback reply")
	if o.observer != nil {
		o.observer.Fallback(msg.TenantID, p.step)
	}

	resp := &models.Response{Fallback: true}
	if p.customer != nil {
		resp.CustomerID = p.customer.ID
	}
	switch {
	case p.tenant != nil && p.tenant.FallbackReply != "":
		resp.Text = p.tenant.FallbackReply
	default:
		resp.Text = texts.Get(p.rules, texts.KeyFallback)
	}
	return resp
}
