package rules_test

import (
	"testing"

	"github.com/parleyhq/parley/internal/rules"
	"github.com/parleyhq/parley/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const celularesPack = `
version: 2
vertical: celulares
texts:
  MENU_PRINCIPAL: "Bem-vindo a loja!"
  escalation.confirmation: "Um especialista vai te atender."
complexity: "len(signals) >= 2 ? 0.9 : 0.2"
rules:
  vendas:
    - field: modelo
      pattern: "iphone\\s*(\\d{1,2})"
      flags: "i"
    - field: armazenamento
      pattern: "(\\d{2,4})\\s*gb"
      flags: "i"
  suporte:
    - field: defeito
      pattern: "(n[aã]o liga|quebr|trinc)"
      flags: "i"
      boolean: true
    - field: aparelho
      pattern: "(iphone|galaxy)"
      flags: "i"
  geral:
    - field: urgente
      pattern: "urgente"
      flags: "i"
`

func compile(t *testing.T, src string) *rules.RuleSet {
	t.Helper()
	p, err := rules.ParsePack([]byte(src))
	require.NoError(t, err)
	rs, err := rules.Compile("t1", p)
	require.NoError(t, err)
	return rs
}

func TestExtract_CaptureGroupAndGeneralRules(t *testing.T) {
	rs := compile(t, celularesPack)

	got := rs.Extract(models.FlowSales, "Quero um iPhone 15 de 256GB, urgente!")
	assert.Equal(t, map[string]any{
		"modelo":        "15",
		"armazenamento": "256",
		"urgente":       true,
	}, got)
}

func TestExtract_BooleanRule(t *testing.T) {
	rs := compile(t, celularesPack)

	got := rs.Extract(models.FlowTechnical, "meu iphone nao liga")
	assert.Equal(t, true, got["defeito"])
	assert.Equal(t, "iphone", got["aparelho"])
	assert.NotContains(t, got, "modelo", "sales rules must not apply to the technical flow")
}

func TestExtract_NoMatch(t *testing.T) {
	rs := compile(t, celularesPack)
	assert.Empty(t, rs.Extract(models.FlowFinancial, "bom dia"))
}

func TestCompile_BadPatternFailsPack(t *testing.T) {
	p, err := rules.ParsePack([]byte(`
vertical: x
rules:
  vendas:
    - field: modelo
      pattern: "iphone("
`))
	require.NoError(t, err)
	_, err = rules.Compile("t1", p)
	assert.Error(t, err)
}

func TestParsePack_Validation(t *testing.T) {
	cases := map[string]string{
		"unknown group": "rules:\n  marketing:\n    - field: a\n      pattern: b\n",
		"missing field": "rules:\n  vendas:\n    - pattern: b\n",
		"bad flags":     "rules:\n  vendas:\n    - field: a\n      pattern: b\n      flags: q\n",
		"not yaml":      "rules: [",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := rules.ParsePack([]byte(src))
			assert.Error(t, err)
		})
	}
}

func TestComplexityExpression(t *testing.T) {
	rs := compile(t, celularesPack)

	v, ok := rs.Complexity(rules.ComplexityEnv{Signals: []string{"defeito", "urgente"}})
	require.True(t, ok)
	assert.InDelta(t, 0.9, v, 1e-9)

	v, ok = rs.Complexity(rules.ComplexityEnv{})
	require.True(t, ok)
	assert.InDelta(t, 0.2, v, 1e-9)

	_, ok = rules.EmptyRuleSet("t1").Complexity(rules.ComplexityEnv{})
	assert.False(t, ok)
}

func TestTextsAndFields(t *testing.T) {
	rs := compile(t, celularesPack)

	txt, ok := rs.Text("MENU_PRINCIPAL")
	assert.True(t, ok)
	assert.Equal(t, "Bem-vindo a loja!", txt)

	_, ok = rs.Text("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"armazenamento", "modelo"}, rs.Fields(models.FlowSales))
	assert.Equal(t, 5, rs.RuleCount())
	assert.False(t, rs.Empty())
	assert.True(t, rules.EmptyRuleSet("t1").Empty())
}
