package pricing

import (
	"math"
	"os"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// Price is the per-1k-token unit price of one model.
type Price struct {
	InputPer1K  float64 `yaml:"input_per_1k" json:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k" json:"output_per_1k"`
}

/**
 * Table maps provider -> model -> price. Loaded once at engine startup
 * and immutable afterwards; hot reload is out of scope. Unknown models
 * price to zero.
 */
type Table struct {
	prices map[string]map[string]Price
}

// Builtin returns the shipped price table, used when no pricing file is
// configured.
func Builtin() *Table {
	return &Table{prices: map[string]map[string]Price{
		"openai": {
			"gpt-4o":        {InputPer1K: 0.0025, OutputPer1K: 0.01},
			"gpt-4o-mini":   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
			"gpt-4-turbo":   {InputPer1K: 0.01, OutputPer1K: 0.03},
			"gpt-3.5-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015},
		},
		"anthropic": {
			"claude-3-opus":     {InputPer1K: 0.015, OutputPer1K: 0.075},
			"claude-3-5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
			"claude-3-haiku":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
		},
	}}
}

// LoadFile reads a YAML price table shaped
// provider -> model -> {input_per_1k, output_per_1k}.
func LoadFile(path string) (*Table, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "read pricing file %s", path)
	}
	return Parse(b)
}

func Parse(b []byte) (*Table, error) {
	prices := make(map[string]map[string]Price)
	if err := yaml.Unmarshal(b, &prices); err != nil {
		return nil, errors.Annotatef(err, "parse pricing table")
	}
	if len(prices) == 0 {
		return nil, errors.BadRequestf("pricing table is empty")
	}
	return &Table{prices: prices}, nil
}

// Lookup returns the price of provider/model and whether it is known.
func (t *Table) Lookup(provider, model string) (Price, bool) {
	models, exists := t.prices[provider]
	if !exists {
		return Price{}, false
	}
	p, exists := models[model]
	return p, exists
}

// Cost computes the currency cost of one call, rounded to 6 decimals.
func (t *Table) Cost(provider, model string, tokensPrompt, tokensCompletion int) float64 {
	p, exists := t.Lookup(provider, model)
	if !exists {
		return 0
	}
	cost := float64(tokensPrompt)/1000*p.InputPer1K + float64(tokensCompletion)/1000*p.OutputPer1K
	return Round6(cost)
}

// Round6 rounds to 6 decimal places, the precision every stored cost
// uses.
func Round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
