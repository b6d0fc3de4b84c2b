package intent_test

import (
	"testing"

	"github.com/parleyhq/parley/internal/intent"
	"github.com/parleyhq/parley/pkg/models"
)

func TestDetermine(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		state models.State
		want  models.Action
	}{
		{"buy iphone from main menu", "quero comprar um iphone", models.StateMenuPrincipal, models.ActionCatalog},
		{"human request beats topic", "meu iPhone quebrou, quero falar com atendente", models.StateSuporteTecnico, models.ActionHuman},
		{"human request while closing", "Quero falar com ATENDENTE!", models.StateEncerramento, models.ActionHuman},
		{"accents and case", "Não LIGA de jeito nenhum", models.StateMenuPrincipal, models.ActionSupport},
		{"phrase match", "quanto custa o galaxy?", models.StateMenuCatalogo, models.ActionQuote},
		{"finance keyword", "segunda via do boleto", models.StateInicio, models.ActionFinance},
		{"root keyword", "menu", models.StateOrcamento, models.ActionRoot},
		{"close keyword", "obrigada, tchau", models.StateFinanceiro, models.ActionClose},
		{"menu option", "2", models.StateMenuPrincipal, models.ActionSupport},
		{"catalog option", " 1. ", models.StateMenuCatalogo, models.ActionProductDetail},
		{"back literal", "Voltar", models.StateCatalogoDetalhe, models.ActionBack},
		{"cancel queue", "cancelar", models.StateAguardandoHumano, models.ActionCancel},
		{"greeting", "Olá", models.StateInicio, models.ActionShowMenu},
		{"empty on first entry", "   ", models.StateInicio, models.ActionShowMenu},
		{"empty elsewhere", "", models.StateMenuCatalogo, models.ActionRoot},
		{"empty while queued", "", models.StateAguardandoHumano, models.ActionStay},
		{"unmatched stays", "hmm", models.StateSuporteDiagnostico, models.ActionStay},
		{"unmatched after closing", "hmm", models.StateEncerramento, models.ActionRoot},
		{"option out of range", "9", models.StateMenuPrincipal, models.ActionStay},
		{"short word needs whole token", "telado", models.StateMenuPrincipal, models.ActionStay},
		{"stem inside longer token", "quero um celularzinho barato", models.StateMenuPrincipal, models.ActionCatalog},
		{"stem with suffix", "tem garantias?", models.StateMenuCatalogo, models.ActionSupport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := intent.Determine(tt.text, tt.state); got != tt.want {
				t.Errorf("Determine(%q, %s) = %s, want %s", tt.text, tt.state, got, tt.want)
			}
		})
	}
}

func TestDetermine_Deterministic(t *testing.T) {
	for i := 0; i < 100; i++ {
		if got := intent.Determine("preço do iphone com defeito", models.StateMenuPrincipal); got != models.ActionSupport {
			t.Fatalf("Determine() = %s on iteration %d, want %s", got, i, models.ActionSupport)
		}
	}
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"Orçamento!!":       "orcamento",
		"  São   Paulo ":    "sao paulo",
		"NÃO-LIGA":          "nao liga",
		"iPhone 15, 256GB?": "iphone 15 256gb",
		"":                  "",
		"...":               "",
	}
	for in, want := range tests {
		if got := intent.Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}
