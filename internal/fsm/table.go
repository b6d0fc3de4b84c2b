package fsm

import (
	"sort"

	"github.com/parleyhq/parley/pkg/models"
)

// InitialState is the state of a freshly initialised conversation.
const InitialState = models.StateInicio

// Table maps (current state, action) to the next state. It is shared by
// every tenant and never mutated after construction.
type Table map[models.State]map[models.Action]models.State

// Next looks up the transition for action from state.
func (t Table) Next(from models.State, action models.Action) (models.State, bool) {
	to, ok := t[from][action]
	return to, ok
}

// Has reports whether s is a declared state.
func (t Table) Has(s models.State) bool {
	_, ok := t[s]
	return ok
}

// States returns the declared states, sorted.
func (t Table) States() []models.State {
	out := make([]models.State, 0, len(t))
	for s := range t {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Actions returns the actions valid from s, sorted.
func (t Table) Actions(s models.State) []models.Action {
	out := make([]models.Action, 0, len(t[s]))
	for a := range t[s] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// botStates are the automated states that accept the global navigation
// actions.
var botStates = []models.State{
	models.StateInicio,
	models.StateMenuPrincipal,
	models.StateMenuCatalogo,
	models.StateCatalogoDetalhe,
	models.StateOrcamento,
	models.StateSuporteTecnico,
	models.StateSuporteDiagnostico,
	models.StateFinanceiro,
	models.StateEncerramento,
}

// DefaultTable builds the conversation flow.
func DefaultTable() Table {
	t := Table{}
	set := func(from models.State, action models.Action, to models.State) {
		if t[from] == nil {
			t[from] = map[models.Action]models.State{}
		}
		t[from][action] = to
	}

	for _, s := range botStates {
		set(s, models.ActionShowMenu, models.StateMenuPrincipal)
		set(s, models.ActionRoot, models.StateMenuPrincipal)
		set(s, models.ActionCatalog, models.StateMenuCatalogo)
		set(s, models.ActionQuote, models.StateOrcamento)
		set(s, models.ActionSupport, models.StateSuporteTecnico)
		set(s, models.ActionFinance, models.StateFinanceiro)
		set(s, models.ActionHuman, models.StateAguardandoHumano)
		set(s, models.ActionEscalate, models.StateAguardandoHumano)
		set(s, models.ActionClose, models.StateEncerramento)
		set(s, models.ActionStay, s)
		// An operator may pick up a customer from the queue UI at any point.
		set(s, models.ActionAssume, models.StateAtendimentoHumano)
	}

	set(models.StateMenuCatalogo, models.ActionProductDetail, models.StateCatalogoDetalhe)
	set(models.StateMenuCatalogo, models.ActionBack, models.StateMenuPrincipal)
	set(models.StateCatalogoDetalhe, models.ActionBack, models.StateMenuCatalogo)
	set(models.StateOrcamento, models.ActionBack, models.StateMenuCatalogo)
	set(models.StateSuporteTecnico, models.ActionDiagnose, models.StateSuporteDiagnostico)
	set(models.StateSuporteTecnico, models.ActionBack, models.StateMenuPrincipal)
	set(models.StateSuporteDiagnostico, models.ActionBack, models.StateSuporteTecnico)
	set(models.StateFinanceiro, models.ActionBack, models.StateMenuPrincipal)
	set(models.StateEncerramento, models.ActionAutoReset, models.StateMenuPrincipal)

	q := models.StateAguardandoHumano
	set(q, models.ActionAssume, models.StateAtendimentoHumano)
	set(q, models.ActionCancel, models.StateMenuPrincipal)
	set(q, models.ActionRoot, models.StateMenuPrincipal)
	set(q, models.ActionStay, q)
	set(q, models.ActionHuman, q)
	set(q, models.ActionEscalate, q)

	h := models.StateAtendimentoHumano
	set(h, models.ActionFinalize, models.StateEncerramento)
	set(h, models.ActionReclaim, models.StateAguardandoHumano)
	set(h, models.ActionCancel, models.StateMenuPrincipal)
	set(h, models.ActionAssume, h)
	set(h, models.ActionStay, h)
	set(h, models.ActionHuman, h)

	return t
}
