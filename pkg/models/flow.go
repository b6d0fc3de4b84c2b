package models

// ── Conversation states ──────────────────────────────────────

// State is a symbolic conversation state. Valid values are declared by the
// transition table in internal/fsm.
type State string

const (
	StateInicio             State = "INICIO"
	StateMenuPrincipal      State = "MENU_PRINCIPAL"
	StateMenuCatalogo       State = "MENU_CATALOGO"
	StateCatalogoDetalhe    State = "CATALOGO_DETALHE"
	StateOrcamento          State = "ORCAMENTO"
	StateSuporteTecnico     State = "SUPORTE_TECNICO"
	StateSuporteDiagnostico State = "SUPORTE_DIAGNOSTICO"
	StateFinanceiro         State = "FINANCEIRO"
	StateAguardandoHumano   State = "AGUARDANDO_HUMANO"
	StateAtendimentoHumano  State = "ATENDIMENTO_HUMANO"
	StateEncerramento       State = "ENCERRAMENTO"
)

// ── Actions ──────────────────────────────────────────────────

// Action is the symbolic input to the state machine.
type Action string

const (
	ActionShowMenu      Action = "show_menu"
	ActionRoot          Action = "root"
	ActionCatalog       Action = "catalog"
	ActionProductDetail Action = "product_detail"
	ActionQuote         Action = "quote"
	ActionSupport       Action = "support"
	ActionDiagnose      Action = "diagnose"
	ActionFinance       Action = "finance"
	ActionHuman         Action = "human"
	ActionEscalate      Action = "escalate"
	ActionBack          Action = "back"
	ActionClose         Action = "close"
	ActionStay          Action = "stay"
	ActionAssume        Action = "assume"
	ActionFinalize      Action = "finalize"
	ActionReclaim       Action = "reclaim"
	ActionCancel        Action = "cancel"
	ActionAutoReset     Action = "auto_reset"
)

// IsNavigational reports whether the action only moves around the menus and
// carries no detected customer intent.
func (a Action) IsNavigational() bool {
	switch a {
	case ActionShowMenu, ActionRoot, ActionBack, ActionStay, ActionAutoReset, "":
		return true
	}
	return false
}

// ── Priority ─────────────────────────────────────────────────

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank orders priorities; higher is more pressing.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	}
	return 0
}
