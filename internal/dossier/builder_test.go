package dossier_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/parleyhq/parley/internal/dossier"
	"github.com/parleyhq/parley/internal/fsm"
	"github.com/parleyhq/parley/internal/rules"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pack = `
vertical: celulares
rules:
  vendas:
    - field: produto
      pattern: "(iphone|galaxy|redmi)"
      flags: "i"
    - field: modelo
      pattern: "(?:iphone|galaxy)\\s*(\\w+)"
      flags: "i"
    - field: armazenamento
      pattern: "(\\d{2,4})\\s*gb"
      flags: "i"
    - field: pagamento
      pattern: "(pix|boleto|cart[aã]o)"
      flags: "i"
  suporte:
    - field: defeito
      pattern: "(n[aã]o liga|quebr)"
      flags: "i"
      boolean: true
  geral:
    - field: urgente
      pattern: "urgente"
      flags: "i"
`

type staticRules struct{ rs *rules.RuleSet }

func (s staticRules) Get(context.Context, string) *rules.RuleSet { return s.rs }

func newBuilder(t *testing.T) (*dossier.Builder, *fsm.Engine, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	p, err := rules.ParsePack([]byte(pack))
	require.NoError(t, err)
	rs, err := rules.Compile("t1", p)
	require.NoError(t, err)
	e := fsm.NewEngine(s)
	t.Cleanup(e.Scheduler().Stop)
	return dossier.NewBuilder(s, e, staticRules{rs}), e, s
}

func newCustomer(t *testing.T, e *fsm.Engine, actions ...models.Action) string {
	t.Helper()
	ctx := context.Background()
	c, err := e.InitializeClient(ctx, "t1", "+55119", "whatsapp", "")
	require.NoError(t, err)
	for _, a := range actions {
		_, err := e.Transition(ctx, "t1", c.Customer.ID, a, nil)
		require.NoError(t, err)
	}
	return c.Customer.ID
}

func TestGet_EmptyDossierForUnknownCustomer(t *testing.T) {
	b, _, _ := newBuilder(t)
	d, err := b.Get(context.Background(), "t1", "nobody")
	require.NoError(t, err)

	want := &models.Dossier{
		TenantID:   "t1",
		CustomerID: "nobody",
		FlowType:   models.FlowGeneral,
		Priority:   models.PriorityLow,
		Collected:  map[string]any{},
		Pending:    []string{},
		NextSteps:  []string{},
	}
	if diff := cmp.Diff(want, d); diff != "" {
		t.Errorf("Get() mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdate_SalesFlow(t *testing.T) {
	b, e, s := newBuilder(t)
	ctx := context.Background()
	id := newCustomer(t, e, models.ActionCatalog)

	d, err := b.Update(ctx, "t1", id, "quero um iPhone 15 de 256GB")
	require.NoError(t, err)
	assert.Equal(t, models.FlowSales, d.FlowType)
	if diff := cmp.Diff(map[string]any{"produto": "iPhone", "modelo": "15", "armazenamento": "256"}, d.Collected); diff != "" {
		t.Errorf("collected mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"pagamento"}, d.Pending)
	assert.InDelta(t, 0.75, d.Completeness, 1e-9)

	d, err = b.Update(ctx, "t1", id, "pago no pix")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, d.Completeness, 1e-9)
	assert.Empty(t, d.Pending)
	assert.Equal(t, "15", d.Collected["modelo"], "earlier fields survive a later merge")

	cs, err := s.GetConversation(ctx, "t1", id)
	require.NoError(t, err)
	assert.Equal(t, models.StateMenuCatalogo, cs.State)
}

func TestUpdate_CompletenessMonotonic(t *testing.T) {
	b, e, _ := newBuilder(t)
	ctx := context.Background()
	id := newCustomer(t, e, models.ActionCatalog)

	msgs := []string{"oi", "galaxy s23", "nada", "128gb", "urgente", "cartão", "tchau"}
	prev := 0.0
	for _, m := range msgs {
		d, err := b.Update(ctx, "t1", id, m)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, d.Completeness, prev, "after %q", m)
		prev = d.Completeness
	}
	assert.InDelta(t, 1.0, prev, 1e-9)
}

func TestUpdate_TechnicalPriorityAndComplexity(t *testing.T) {
	b, e, _ := newBuilder(t)
	ctx := context.Background()
	id := newCustomer(t, e, models.ActionSupport)

	d, err := b.Update(ctx, "t1", id, "meu celular não liga, é urgente")
	require.NoError(t, err)
	assert.Equal(t, models.FlowTechnical, d.FlowType)
	assert.Equal(t, models.PriorityUrgent, d.Priority)
	assert.InDelta(t, 0.4, d.Complexity, 1e-9)
	assert.Contains(t, d.Pending, "aparelho")
	assert.NotContains(t, d.Pending, "problema", "a defect report covers the problem field")
}

func TestUpdate_UsesLastMessageWhenTextEmpty(t *testing.T) {
	b, e, _ := newBuilder(t)
	ctx := context.Background()
	id := newCustomer(t, e, models.ActionCatalog)
	_, err := e.MergeContext(ctx, "t1", id, map[string]any{models.CtxLastMessage: "iphone 14"})
	require.NoError(t, err)

	d, err := b.Update(ctx, "t1", id, "")
	require.NoError(t, err)
	assert.Equal(t, "14", d.Collected["modelo"])
}

func TestUpdate_UnknownCustomer(t *testing.T) {
	b, _, _ := newBuilder(t)
	d, err := b.Update(context.Background(), "t1", "ghost", "iphone 15")
	require.NoError(t, err)
	assert.Equal(t, 0.0, d.Completeness)
}

func TestGet_IncludesHistory(t *testing.T) {
	b, e, s := newBuilder(t)
	ctx := context.Background()
	id := newCustomer(t, e)
	require.NoError(t, s.AppendInteraction(ctx, &models.InteractionRecord{
		ID: "r1", TenantID: "t1", CustomerID: id, Direction: models.DirectionInbound, Text: "oi", CreatedAt: time.Now(),
	}))

	d, err := b.Get(ctx, "t1", id)
	require.NoError(t, err)
	assert.Equal(t, []string{"in: oi"}, d.History)
	assert.Equal(t, models.StateInicio, d.State)
}
