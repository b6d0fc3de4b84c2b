package dossier

import (
	"strings"

	"github.com/parleyhq/parley/internal/rules"
	"github.com/parleyhq/parley/pkg/models"
)

// flowOrder is checked in order against the state name; the first substring
// found decides the category.
var flowOrder = []struct {
	substr string
	flow   models.FlowType
}{
	{"SUPORTE", models.FlowTechnical},
	{"CATALOGO", models.FlowSales},
	{"ORCAMENTO", models.FlowSales},
	{"FINANCEIRO", models.FlowFinancial},
	{"HUMANO", models.FlowHuman},
}

// FlowFor returns the dossier category of a conversation state.
func FlowFor(state models.State) models.FlowType {
	s := string(state)
	for _, f := range flowOrder {
		if strings.Contains(s, f.substr) {
			return f.flow
		}
	}
	return models.FlowGeneral
}

// requiredFields lists the fields each category needs before a case is
// complete. Categories without an entry use the generic ratio.
var requiredFields = map[models.FlowType][]string{
	models.FlowSales:     {"produto", "modelo", "armazenamento", "pagamento"},
	models.FlowTechnical: {"aparelho", "problema", "garantia"},
	models.FlowFinancial: {"pedido", "assunto"},
}

// genericDenominator is the minimum denominator for categories without
// required fields.
const genericDenominator = 3

// Required returns the required fields of flow.
func Required(flow models.FlowType) []string {
	return requiredFields[flow]
}

// hasRequired treats "defeito" as satisfying "problema": a defect report is
// the problem description.
func hasRequired(c models.ConversationContext, field string) bool {
	if c.HasField(field) {
		return true
	}
	return field == "problema" && c.HasField("defeito")
}

// Completeness is present required fields over required fields for the
// category, or collected fields over max(collected, 3) for generic ones.
func Completeness(flow models.FlowType, c models.ConversationContext) float64 {
	req := requiredFields[flow]
	if len(req) == 0 {
		n := 0
		for k := range c.Collected {
			if c.HasField(k) {
				n++
			}
		}
		return float64(n) / float64(max(n, genericDenominator))
	}
	present := 0
	for _, f := range req {
		if hasRequired(c, f) {
			present++
		}
	}
	return float64(present) / float64(len(req))
}

// Pending returns the required fields not yet collected, in declaration order.
func Pending(flow models.FlowType, c models.ConversationContext) []string {
	out := []string{}
	for _, f := range requiredFields[flow] {
		if !hasRequired(c, f) {
			out = append(out, f)
		}
	}
	return out
}

// softSignals are the flags that raise priority to medium when two coincide.
var softSignals = []string{"reclamacao", "reincidente", "prazo"}

// Priority walks the fixed decision ladder.
func Priority(c models.ConversationContext) models.Priority {
	switch {
	case c.Flag("urgente"):
		return models.PriorityUrgent
	case c.LastIntent == models.ActionHuman:
		return models.PriorityHigh
	case c.Flag("defeito"):
		return models.PriorityHigh
	}
	n := 0
	for _, s := range softSignals {
		if c.Flag(s) {
			n++
		}
	}
	if n >= 2 {
		return models.PriorityMedium
	}
	return models.PriorityLow
}

// NegativeSignals are the flags the default complexity formula counts.
var NegativeSignals = []string{"defeito", "urgente", "reclamacao", "reincidente", "sem_solucao"}

// HighComplexity is the score from which a case counts as complex.
const HighComplexity = 0.4

// Signals returns the negative signals set in the context.
func Signals(c models.ConversationContext) []string {
	out := []string{}
	for _, s := range NegativeSignals {
		if c.Flag(s) {
			out = append(out, s)
		}
	}
	return out
}

// Complexity scores how hard a case is, in [0, 1]. A pack may define its own
// expression; otherwise it is the share of negative signals present.
func Complexity(flow models.FlowType, c models.ConversationContext, rs *rules.RuleSet) float64 {
	signals := Signals(c)
	if rs != nil {
		v, ok := rs.Complexity(rules.ComplexityEnv{
			Signals:     signals,
			Fields:      c.Collected,
			Flow:        string(flow),
			Transitions: int(c.TransitionSeq),
		})
		if ok {
			return clamp01(v)
		}
	}
	return float64(len(signals)) / float64(len(NegativeSignals))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Approach suggests how an agent should handle the case.
func Approach(flow models.FlowType, c models.ConversationContext) string {
	var s string
	switch flow {
	case models.FlowTechnical:
		if c.Flag("defeito") {
			s = "Coletar sintomas e número de série; verificar garantia antes de propor reparo."
		} else {
			s = "Conduzir diagnóstico básico com o cliente."
		}
	case models.FlowSales:
		if c.HasField("modelo") {
			s = "Apresentar condições e disponibilidade do modelo escolhido."
		} else {
			s = "Identificar o modelo de interesse e a faixa de preço."
		}
	case models.FlowFinancial:
		s = "Confirmar o pedido e conferir a situação do pagamento."
	case models.FlowHuman:
		s = "Revisar o histórico antes de responder ao cliente."
	default:
		s = "Entender a necessidade do cliente."
	}
	if c.Flag("urgente") {
		s = "Responder imediatamente. " + s
	}
	if c.Flag("reclamacao") {
		s += " Tratar com cuidado: há uma reclamação registrada."
	}
	return s
}

var nextSteps = map[models.State][]string{
	models.StateInicio:             {"Apresentar o menu principal"},
	models.StateMenuPrincipal:      {"Identificar o assunto do contato"},
	models.StateMenuCatalogo:       {"Identificar o produto de interesse"},
	models.StateCatalogoDetalhe:    {"Confirmar modelo e armazenamento", "Oferecer orçamento"},
	models.StateOrcamento:          {"Confirmar forma de pagamento", "Enviar orçamento"},
	models.StateSuporteTecnico:     {"Identificar o aparelho", "Descrever o problema"},
	models.StateSuporteDiagnostico: {"Verificar garantia", "Agendar assistência"},
	models.StateFinanceiro:         {"Localizar o pedido", "Resolver a pendência financeira"},
	models.StateAguardandoHumano:   {"Aguardar atendente disponível"},
	models.StateAtendimentoHumano:  {"Concluir o atendimento"},
	models.StateEncerramento:       {"Registrar desfecho"},
}

// NextSteps lists the canned next steps for state.
func NextSteps(state models.State) []string {
	return append([]string{}, nextSteps[state]...)
}
