// Package texts resolves canned response templates. A tenant's pack texts
// take precedence over the built-in defaults; a key missing from both yields
// the generic default reply.
package texts

import (
	"strings"

	"github.com/parleyhq/parley/pkg/models"
)

// Well-known template keys besides the state names.
const (
	KeyEscalationConfirmation = "escalation.confirmation"
	KeyEscalationPending      = "escalation.pending"
	KeyInvalidOption          = "invalid_option"
	KeyFallback               = "fallback"
	KeyDefault                = "default"
)

var defaults = map[string]string{
	string(models.StateInicio):             "Olá{{name}}! Sou o assistente virtual.",
	string(models.StateMenuPrincipal):      "Como posso ajudar?\n1 - Produtos\n2 - Suporte técnico\n3 - Financeiro\n4 - Falar com um atendente",
	string(models.StateMenuCatalogo):       "Catálogo:\n1 - Ver detalhes de um produto\n2 - Pedir orçamento\n0 - Voltar",
	string(models.StateCatalogoDetalhe):    "Me diga o modelo e a capacidade que procura.\n0 - Voltar",
	string(models.StateOrcamento):          "Para o orçamento, informe modelo, armazenamento e forma de pagamento.",
	string(models.StateSuporteTecnico):     "Descreva o problema do seu aparelho.\n1 - Iniciar diagnóstico\n0 - Voltar",
	string(models.StateSuporteDiagnostico): "Vamos ao diagnóstico. O aparelho está na garantia?",
	string(models.StateFinanceiro):         "Financeiro: informe o número do pedido e o assunto.\n0 - Voltar",
	string(models.StateAguardandoHumano):   "Você está na fila de atendimento. Posição: {{position}}.",
	string(models.StateAtendimentoHumano):  "Um atendente está com você.",
	string(models.StateEncerramento):       "Obrigado pelo contato{{name}}! Até logo.",

	KeyEscalationConfirmation: "Certo{{name}}! Vou te transferir para um atendente. Posição na fila: {{position}}.",
	KeyEscalationPending:      "Você já está na fila de atendimento. Posição: {{position}}.",
	KeyInvalidOption:          "Não entendi. Escolha uma das opções do menu.",
	KeyFallback:               "Desculpe, tivemos um problema. Tente novamente em instantes.",
	KeyDefault:                "Como posso ajudar?",
}

// Lookup is the per-tenant text source, satisfied by *rules.RuleSet.
type Lookup interface {
	Text(key string) (string, bool)
}

// Get returns the template for key, preferring the tenant's texts.
func Get(tenant Lookup, key string) string {
	if tenant != nil {
		if v, ok := tenant.Text(key); ok {
			return v
		}
	}
	if v, ok := defaults[key]; ok {
		return v
	}
	return defaults[KeyDefault]
}

// Default returns the built-in template for key.
func Default(key string) (string, bool) {
	v, ok := defaults[key]
	return v, ok
}

// Render replaces {{placeholder}} tokens. Unknown placeholders are removed.
func Render(tpl string, vars map[string]string) string {
	var b strings.Builder
	for {
		start := strings.Index(tpl, "{{")
		if start < 0 {
			b.WriteString(tpl)
			break
		}
		end := strings.Index(tpl[start:], "}}")
		if end < 0 {
			b.WriteString(tpl)
			break
		}
		b.WriteString(tpl[:start])
		name := strings.TrimSpace(tpl[start+2 : start+end])
		b.WriteString(vars[name])
		tpl = tpl[start+end+2:]
	}
	return b.String()
}
