package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinLookup(t *testing.T) {
	table := Builtin()

	p, exists := table.Lookup("openai", "gpt-4o-mini")
	require.True(t, exists)
	assert.Equal(t, 0.00015, p.InputPer1K)
	assert.Equal(t, 0.0006, p.OutputPer1K)

	_, exists = table.Lookup("openai", "gpt-99")
	assert.False(t, exists)
	_, exists = table.Lookup("nobody", "gpt-4o")
	assert.False(t, exists)
}

func TestCostRounding(t *testing.T) {
	table := Builtin()

	// 1000 prompt + 1000 completion tokens of gpt-4o
	assert.Equal(t, 0.0125, table.Cost("openai", "gpt-4o", 1000, 1000))

	// unknown models price to zero
	assert.Equal(t, 0.0, table.Cost("openai", "gpt-99", 1000, 1000))

	// 333 tokens at 0.003/1k does not leave float dust
	assert.Equal(t, 0.000999, table.Cost("anthropic", "claude-3-5-sonnet", 333, 0))
}

func TestParseYAML(t *testing.T) {
	table, err := Parse([]byte(`
openai:
  gpt-4o:
    input_per_1k: 0.01
    output_per_1k: 0.02
local:
  llama3:
    input_per_1k: 0
    output_per_1k: 0
`))
	require.NoError(t, err)

	p, exists := table.Lookup("openai", "gpt-4o")
	require.True(t, exists)
	assert.Equal(t, 0.01, p.InputPer1K)

	_, exists = table.Lookup("local", "llama3")
	assert.True(t, exists)

	_, err = Parse([]byte(""))
	assert.Error(t, err)

	_, err = Parse([]byte("not: [valid: yaml"))
	assert.Error(t, err)
}
