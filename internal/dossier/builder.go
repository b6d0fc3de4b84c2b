// Package dossier derives the scored case profile of a customer from the
// conversation context, the interaction log and the tenant's extraction
// rules.
package dossier

import (
	"context"
	"fmt"
	"maps"

	"github.com/parleyhq/parley/internal/fsm"
	"github.com/parleyhq/parley/internal/rules"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/pkg/models"
	"github.com/rs/zerolog/log"
)

// DefaultHistoryLimit is how many interaction records a dossier shows.
const DefaultHistoryLimit = 20

// RuleProvider returns the compiled rules of a tenant. *rules.Loader
// implements it.
type RuleProvider interface {
	Get(ctx context.Context, tenantID string) *rules.RuleSet
}

// Builder computes dossiers and applies extraction rules.
type Builder struct {
	store        store.Store
	engine       *fsm.Engine
	rules        RuleProvider
	historyLimit int
}

// NewBuilder creates a Builder.
func NewBuilder(s store.Store, engine *fsm.Engine, rp RuleProvider) *Builder {
	return &Builder{store: s, engine: engine, rules: rp, historyLimit: DefaultHistoryLimit}
}

// Get returns the customer's dossier. A customer without conversation state
// gets the empty dossier, never an error.
func (b *Builder) Get(ctx context.Context, tenantID, customerID string) (*models.Dossier, error) {
	cs, err := b.store.GetConversation(ctx, tenantID, customerID)
	if store.IsNotFound(err) {
		return models.EmptyDossier(tenantID, customerID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return b.build(ctx, cs), nil
}

// Update applies the rules of the conversation's current category to text
// (the last inbound message when text is empty) and merges the captured
// fields into the collected map. It returns the recomputed dossier.
func (b *Builder) Update(ctx context.Context, tenantID, customerID, text string) (*models.Dossier, error) {
	rs := b.rules.Get(ctx, tenantID)

	var captured map[string]any
	cs, err := b.engine.Annotate(ctx, tenantID, customerID, func(cs *models.ConversationState) error {
		src := text
		if src == "" {
			src = cs.Context.LastMessage
		}
		if src == "" {
			return nil
		}
		captured = rs.Extract(FlowFor(cs.State), src)
		cs.Context.MergeCollected(captured)
		return nil
	})
	if store.IsNotFound(err) {
		return models.EmptyDossier(tenantID, customerID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("update dossier: %w", err)
	}
	if len(captured) > 0 {
		log.Debug().Str("tenant", tenantID).Str("customer", customerID).
			Int("fields", len(captured)).Msg("Dossier fields captured")
	}
	return b.buildWith(ctx, cs, rs), nil
}

func (b *Builder) build(ctx context.Context, cs *models.ConversationState) *models.Dossier {
	return b.buildWith(ctx, cs, b.rules.Get(ctx, cs.TenantID))
}

func (b *Builder) buildWith(ctx context.Context, cs *models.ConversationState, rs *rules.RuleSet) *models.Dossier {
	d := Compute(cs, rs)
	recs, err := b.store.ListInteractions(ctx, cs.TenantID, cs.CustomerID, b.historyLimit)
	if err != nil {
		// History is decorative; the scored profile is still correct without it.
		log.Warn().Err(err).Str("customer", cs.CustomerID).Msg("Dossier history unavailable")
		return d
	}
	for _, r := range recs {
		d.History = append(d.History, string(r.Direction)+": "+r.Text)
	}
	return d
}

// Compute derives a dossier from conversation state alone.
func Compute(cs *models.ConversationState, rs *rules.RuleSet) *models.Dossier {
	c := cs.Context
	flow := FlowFor(cs.State)
	collected := maps.Clone(c.Collected)
	if collected == nil {
		collected = map[string]any{}
	}
	return &models.Dossier{
		TenantID:     cs.TenantID,
		CustomerID:   cs.CustomerID,
		State:        cs.State,
		FlowType:     flow,
		Priority:     Priority(c),
		Collected:    collected,
		Pending:      Pending(flow, c),
		Approach:     Approach(flow, c),
		NextSteps:    NextSteps(cs.State),
		Completeness: Completeness(flow, c),
		Complexity:   Complexity(flow, c, rs),
		LastIntent:   c.LastIntent,
	}
}
