// Package intent maps free-form customer text and the current conversation
// state to a symbolic action. The router is pure: it reads nothing and writes
// nothing, so callers may retry it freely.
//
// Resolution order:
//
//  1. Empty input: the state's empty-input default.
//  2. The keyword table, scanned in declaration order; the first action with a
//     matching keyword wins. Phrases match as substrings of the normalised
//     text. Single words of at least stemMin letters also match inside a
//     longer token ("celularzinho"); shorter ones ("pix", "tela") only match
//     whole tokens.
//  3. The state's literal responses (menu option numbers and synonyms).
//  4. The state's unmatched default.
//
// Text is normalised before matching: decomposed, stripped of combining
// marks, case folded and with punctuation collapsed to spaces.
package intent

import (
	"strings"
	"unicode"

	"github.com/parleyhq/parley/pkg/models"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// KeywordRule binds an action to the keywords that trigger it.
type KeywordRule struct {
	Action   models.Action
	Keywords []string
}

// Keywords is the ordered keyword table. Earlier rules win when keywords of
// several actions match the same message, so a request for a human beats any
// topic mentioned alongside it.
var Keywords = []KeywordRule{
	{models.ActionHuman, []string{"atendente", "humano", "pessoa", "operador", "falar com", "atendimento humano"}},
	{models.ActionSupport, []string{"defeito", "quebrou", "quebrado", "quebrada", "nao liga", "tela", "bateria", "conserto", "assistencia", "problema", "garantia"}},
	{models.ActionFinance, []string{"boleto", "pagamento", "fatura", "reembolso", "estorno", "cobranca", "pix", "nota fiscal"}},
	{models.ActionQuote, []string{"orcamento", "preco", "valor", "quanto custa", "quanto fica"}},
	{models.ActionCatalog, []string{"comprar", "compra", "iphone", "celular", "celulares", "produto", "produtos", "catalogo", "modelo", "samsung", "galaxy", "xiaomi"}},
	{models.ActionRoot, []string{"menu", "inicio", "recomecar"}},
	{models.ActionClose, []string{"obrigado", "obrigada", "tchau", "encerrar", "ate logo"}},
}

// Literals holds the per-state expected responses, keyed by normalised text.
var Literals = map[models.State]map[string]models.Action{
	models.StateInicio: {
		"1": models.ActionCatalog, "2": models.ActionSupport, "3": models.ActionFinance, "4": models.ActionHuman,
		"oi": models.ActionShowMenu, "ola": models.ActionShowMenu, "bom dia": models.ActionShowMenu,
		"boa tarde": models.ActionShowMenu, "boa noite": models.ActionShowMenu,
	},
	models.StateMenuPrincipal: {
		"1": models.ActionCatalog, "2": models.ActionSupport, "3": models.ActionFinance, "4": models.ActionHuman,
		"suporte": models.ActionSupport, "financeiro": models.ActionFinance,
	},
	models.StateMenuCatalogo: {
		"1": models.ActionProductDetail, "detalhes": models.ActionProductDetail,
		"2": models.ActionQuote,
		"0": models.ActionBack, "voltar": models.ActionBack,
	},
	models.StateCatalogoDetalhe: {
		"1": models.ActionQuote,
		"0": models.ActionBack, "voltar": models.ActionBack,
	},
	models.StateOrcamento: {
		"0": models.ActionBack, "voltar": models.ActionBack,
	},
	models.StateSuporteTecnico: {
		"1": models.ActionDiagnose, "diagnostico": models.ActionDiagnose,
		"0": models.ActionBack, "voltar": models.ActionBack,
	},
	models.StateSuporteDiagnostico: {
		"0": models.ActionBack, "voltar": models.ActionBack,
	},
	models.StateFinanceiro: {
		"0": models.ActionBack, "voltar": models.ActionBack,
	},
	models.StateAguardandoHumano: {
		"0": models.ActionCancel, "cancelar": models.ActionCancel, "desistir": models.ActionCancel,
	},
	models.StateEncerramento: {
		"1": models.ActionRoot,
	},
}

// Determine returns the action for text received in state.
func Determine(text string, state models.State) models.Action {
	normalized := Normalize(text)
	if normalized == "" {
		return emptyDefault(state)
	}

	tokens := strings.Fields(normalized)
	padded := " " + normalized + " "

	for _, rule := range Keywords {
		for _, kw := range rule.Keywords {
			if strings.Contains(kw, " ") {
				if strings.Contains(padded, " "+kw+" ") {
					return rule.Action
				}
				continue
			}
			if matchWord(tokens, kw) {
				return rule.Action
			}
		}
	}

	if a, ok := Literals[state][normalized]; ok {
		return a
	}
	return unmatchedDefault(state)
}

// stemMin is the shortest keyword matched inside a longer token.
const stemMin = 5

func matchWord(tokens []string, kw string) bool {
	for _, tok := range tokens {
		if tok == kw || (len(kw) >= stemMin && strings.Contains(tok, kw)) {
			return true
		}
	}
	return false
}

func emptyDefault(state models.State) models.Action {
	switch state {
	case models.StateInicio:
		return models.ActionShowMenu
	case models.StateAguardandoHumano, models.StateAtendimentoHumano:
		return models.ActionStay
	}
	return models.ActionRoot
}

func unmatchedDefault(state models.State) models.Action {
	switch state {
	case models.StateInicio:
		return models.ActionShowMenu
	case models.StateEncerramento:
		return models.ActionRoot
	}
	return models.ActionStay
}

// Normalize folds case, strips diacritics and collapses everything that is
// not a letter or digit into single spaces.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	folded := cases.Fold().String(stripped)

	var b strings.Builder
	space := true
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}
