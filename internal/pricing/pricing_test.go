package pricing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useFixture(t *testing.T, yamlBody string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))
	t.Setenv("MODELS_CONFIG_PATH", path)
	Reload()
	t.Cleanup(Reload)
}

const fixture = `
models:
  test-model:
    provider: openai
    version_tag: "v1"
    input_price_per_million: 2.0
    cached_input_price_per_million: 1.0
    output_price_per_million: 4.0
`

func TestCostForSplit_ExactFormula(t *testing.T) {
	useFixture(t, fixture)

	cost, found := CostForSplit("test-model", 1_000_000, 500_000, 250_000)
	require.True(t, found)
	// 1_000_000*2/1e6 + 500_000*1/1e6 + 250_000*4/1e6 = 2 + 0.5 + 1 = 3.5
	assert.True(t, cost.Equal(decimal.NewFromFloat(3.5)), "got %s", cost)
}

func TestCostForSplit_UnknownModelFallsBackToZero(t *testing.T) {
	useFixture(t, fixture)

	cost, found := CostForSplit("does-not-exist", 1000, 0, 1000)
	assert.False(t, found)
	assert.True(t, cost.IsZero())
}

func TestCostForSplit_NegativeTokensClampedToZero(t *testing.T) {
	useFixture(t, fixture)

	cost, found := CostForSplit("test-model", -1000, -1000, 250_000)
	require.True(t, found)
	assert.True(t, cost.Equal(decimal.NewFromFloat(1.0)), "got %s", cost)
}

func TestRowFor_MissingModel(t *testing.T) {
	useFixture(t, fixture)

	_, _, _, found := RowFor("nope")
	assert.False(t, found)
}

func TestRowFor_KnownModel(t *testing.T) {
	useFixture(t, fixture)

	input, cachedInput, output, found := RowFor("test-model")
	require.True(t, found)
	assert.True(t, input.Equal(decimal.NewFromFloat(2.0)))
	assert.True(t, cachedInput.Equal(decimal.NewFromFloat(1.0)))
	assert.True(t, output.Equal(decimal.NewFromFloat(4.0)))
}
