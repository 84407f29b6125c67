package pricing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/amerfu/llmbudget/internal/config"
)

var ErrUnknownModel = errors.New("unknown model")

// Rate is the cost per 1000 tokens of a model.
type Rate struct {
	Input  float64 `json:"input" yaml:"input"`
	Output float64 `json:"output" yaml:"output"`
}

// Cost returns the monetary cost of the given token counts at r.
func (r Rate) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1000*r.Input + float64(outputTokens)/1000*r.Output
}

// DefaultFallback is charged for unrecognised models during admission checks.
var DefaultFallback = Rate{Input: 0.01, Output: 0.03}

// DefaultRates is the built-in pricing table.
func DefaultRates() map[string]Rate {
	return map[string]Rate{
		"chatgpt-4o-latest": {Input: 0.005, Output: 0.015},
		"chatgpt-4o":        {Input: 0.005, Output: 0.015},
		"chatgpt-4o-mini":   {Input: 0.00015, Output: 0.0006},
		"gpt-4-turbo":       {Input: 0.01, Output: 0.03},
		"claude-3-5-sonnet": {Input: 0.003, Output: 0.015},
		"gemini-1-5-pro":    {Input: 0.00125, Output: 0.005},
		"llama-3-1-70b":     {Input: 0.0009, Output: 0.0009},
		"llama-3-1-8b":      {Input: 0.0002, Output: 0.0002},
	}
}

// Table maps model identifiers to rates. It is read-only after construction
// apart from Set, which is safe for concurrent use.
type Table struct {
	mu       sync.RWMutex
	rates    map[string]Rate
	fallback Rate

	chargeUnknown bool
}

// ModelPrice is one entry of a pricing listing.
type ModelPrice struct {
	Model string `json:"model"`
	Rate
}

// NewTable builds a table from the built-in rates overlaid with overrides.
func NewTable(overrides map[string]Rate, fallback Rate, chargeUnknown bool) (*Table, error) {
	if fallback.Input < 0 || fallback.Output < 0 {
		return nil, fmt.Errorf("fallback rate must be >= 0")
	}
	t := &Table{
		rates:         DefaultRates(),
		fallback:      fallback,
		chargeUnknown: chargeUnknown,
	}
	for model, rate := range overrides {
		if err := t.Set(model, rate); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// FromConfig builds the table from the pricing config section, loading the
// optional pricing file first so inline models win over it.
func FromConfig(cfg config.PricingConfig) (*Table, error) {
	overrides := make(map[string]Rate)
	if cfg.File != "" {
		fileRates, err := LoadFile(cfg.File)
		if err != nil {
			return nil, err
		}
		for model, rate := range fileRates {
			overrides[model] = rate
		}
	}
	for model, rate := range cfg.Models {
		overrides[model] = Rate{Input: rate.Input, Output: rate.Output}
	}

	fallback := Rate{Input: cfg.Fallback.Input, Output: cfg.Fallback.Output}
	if fallback == (Rate{}) {
		fallback = DefaultFallback
	}
	return NewTable(overrides, fallback, cfg.ChargeUnknownModels)
}

// Set adds or replaces the rate of model.
func (t *Table) Set(model string, rate Rate) error {
	if model == "" {
		return fmt.Errorf("model name is required")
	}
	if rate.Input < 0 || rate.Output < 0 {
		return fmt.Errorf("rate for %s must be >= 0", model)
	}
	t.mu.Lock()
	t.rates[normalize(model)] = rate
	t.mu.Unlock()
	return nil
}

// PriceOf returns the rate of model. Provider prefixes such as "openai/" are
// ignored when the full name is not found.
func (t *Table) PriceOf(model string) (Rate, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	name := normalize(model)
	if rate, ok := t.rates[name]; ok {
		return rate, nil
	}
	if i := strings.LastIndex(name, "/"); i >= 0 {
		if rate, ok := t.rates[name[i+1:]]; ok {
			return rate, nil
		}
	}
	return Rate{}, fmt.Errorf("%w: %s", ErrUnknownModel, model)
}

// EstimateRate is the rate used for admission checks. Unknown models get
// the fallback rate.
func (t *Table) EstimateRate(model string) (Rate, bool) {
	rate, err := t.PriceOf(model)
	if err != nil {
		return t.fallback, false
	}
	return rate, true
}

// ChargeRate is the rate used when recording actual usage. Unknown models
// are free unless charging them was enabled.
func (t *Table) ChargeRate(model string) (Rate, bool) {
	rate, err := t.PriceOf(model)
	if err != nil {
		if t.chargeUnknown {
			return t.fallback, false
		}
		return Rate{}, false
	}
	return rate, true
}

func (t *Table) Fallback() Rate {
	return t.fallback
}

// List returns every priced model sorted by name.
func (t *Table) List() []ModelPrice {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]ModelPrice, 0, len(t.rates))
	for model, rate := range t.rates {
		out = append(out, ModelPrice{Model: model, Rate: rate})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

func normalize(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}
