package rules_test

import (
	"os"
	"testing"

	"github.com/parleyhq/parley/internal/rules"
	"github.com/parleyhq/parley/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The pack shipped in packs/ must always compile.
func TestShippedPack_Celulares(t *testing.T) {
	data, err := os.ReadFile("../../packs/celulares.yaml")
	require.NoError(t, err)
	p, err := rules.ParsePack(data)
	require.NoError(t, err)
	rs, err := rules.Compile("t1", p)
	require.NoError(t, err)
	assert.Equal(t, "celulares", rs.Vertical)

	sales := rs.Extract(models.FlowSales, "Quero um iPhone 15 Pro de 256GB no pix")
	assert.Equal(t, "iPhone", sales["produto"])
	assert.Contains(t, sales["modelo"], "15")
	assert.Equal(t, "256", sales["armazenamento"])
	assert.Equal(t, "pix", sales["pagamento"])

	support := rs.Extract(models.FlowTechnical, "meu galaxy não liga de novo, é urgente")
	assert.Equal(t, "galaxy", support["aparelho"])
	assert.Equal(t, true, support["defeito"])
	assert.Equal(t, true, support["reincidente"])
	assert.Equal(t, true, support["urgente"])

	score, ok := rs.Complexity(rules.ComplexityEnv{Signals: []string{"defeito", "reincidente"}, Flow: "suporte"})
	require.True(t, ok)
	assert.InDelta(t, 0.9, score, 1e-9)

	score, ok = rs.Complexity(rules.ComplexityEnv{Signals: []string{"defeito"}, Flow: "vendas"})
	require.True(t, ok)
	assert.InDelta(t, 0.2, score, 1e-9)
}
