// Package pricing turns token counts into USD using a per-1K-token rate table.
package pricing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tokengate/tokengate/pkg/models"
)

// Unknown model policies.
const (
	UnknownDeny     = "deny"
	UnknownFallback = "fallback"
)

// Config controls estimation.
type Config struct {
	Models []models.ModelPricing `yaml:"models"`
	// UnknownModel is "deny" (default) or "fallback".
	UnknownModel        string              `yaml:"unknown_model"`
	Fallback            models.ModelPricing `yaml:"fallback"`
	DefaultOutputTokens int                 `yaml:"default_output_tokens"`
	// Tokenizer is "words" (default) or "tiktoken".
	Tokenizer string `yaml:"tokenizer"`
}

// DefaultConfig returns the built-in table with deny-on-unknown.
func DefaultConfig() Config {
	return Config{
		Models:              DefaultTable(),
		UnknownModel:        UnknownDeny,
		Fallback:            models.ModelPricing{Model: "fallback", PromptCost: 0.03, CompletionCost: 0.06},
		DefaultOutputTokens: 500,
		Tokenizer:           "words",
	}
}

// DefaultTable returns the built-in OpenAI rates, USD per 1K tokens.
func DefaultTable() []models.ModelPricing {
	return []models.ModelPricing{
		{Model: "gpt-4", PromptCost: 0.03, CompletionCost: 0.06},
		{Model: "gpt-4-32k", PromptCost: 0.06, CompletionCost: 0.12},
		{Model: "gpt-4-turbo", PromptCost: 0.01, CompletionCost: 0.03},
		{Model: "gpt-4o", PromptCost: 0.005, CompletionCost: 0.015},
		{Model: "gpt-4o-mini", PromptCost: 0.00015, CompletionCost: 0.0006},
		{Model: "gpt-3.5-turbo", PromptCost: 0.0005, CompletionCost: 0.0015},
		{Model: "text-embedding-3-small", PromptCost: 0.00002},
		{Model: "text-embedding-3-large", PromptCost: 0.00013},
		{Model: "text-embedding-ada-002", PromptCost: 0.0001},
	}
}

// Estimator prices requests before and after they run.
type Estimator struct {
	exact    map[string]models.ModelPricing
	prefixes []models.ModelPricing // longest first
	cfg      Config
	log      zerolog.Logger
}

// NewEstimator builds an Estimator. An empty table uses DefaultTable.
func NewEstimator(cfg Config, logger zerolog.Logger) (*Estimator, error) {
	if len(cfg.Models) == 0 {
		cfg.Models = DefaultTable()
	}
	if cfg.DefaultOutputTokens <= 0 {
		cfg.DefaultOutputTokens = 500
	}
	switch cfg.UnknownModel {
	case "":
		cfg.UnknownModel = UnknownDeny
	case UnknownDeny, UnknownFallback:
	default:
		return nil, fmt.Errorf("unknown_model: unsupported policy %q", cfg.UnknownModel)
	}

	e := &Estimator{
		exact: make(map[string]models.ModelPricing, len(cfg.Models)),
		cfg:   cfg,
		log:   logger.With().Str("component", "pricing").Logger(),
	}
	for _, p := range cfg.Models {
		if p.Model == "" {
			return nil, fmt.Errorf("pricing entry without model name")
		}
		if p.PromptCost < 0 || p.CompletionCost < 0 {
			return nil, fmt.Errorf("pricing for %s: negative rate", p.Model)
		}
		e.exact[p.Model] = p
		e.prefixes = append(e.prefixes, p)
	}
	sort.SliceStable(e.prefixes, func(i, j int) bool {
		return len(e.prefixes[i].Model) > len(e.prefixes[j].Model)
	})
	return e, nil
}

// Lookup returns the rates for model: exact name first, then the longest
// configured prefix.
func (e *Estimator) Lookup(model string) (models.ModelPricing, error) {
	if p, ok := e.exact[model]; ok {
		return p, nil
	}
	for _, p := range e.prefixes {
		if strings.HasPrefix(model, p.Model) {
			return p, nil
		}
	}
	if e.cfg.UnknownModel == UnknownFallback {
		e.log.Warn().Str("model", model).Msg("model not in pricing table; using fallback rates")
		return e.cfg.Fallback, nil
	}
	return models.ModelPricing{}, &models.UnknownModelError{Model: model}
}

// Known reports whether model resolves without the fallback.
func (e *Estimator) Known(model string) bool {
	if _, ok := e.exact[model]; ok {
		return true
	}
	for _, p := range e.prefixes {
		if strings.HasPrefix(model, p.Model) {
			return true
		}
	}
	return false
}

// Table returns the configured rates sorted by model name.
func (e *Estimator) Table() []models.ModelPricing {
	out := make([]models.ModelPricing, 0, len(e.exact))
	for _, p := range e.exact {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// DefaultOutputTokens is the output bound assumed when a request sets none.
func (e *Estimator) DefaultOutputTokens() int { return e.cfg.DefaultOutputTokens }

// Estimate prices a request before it runs. A nil expectedOutput assumes
// the configured default output bound.
func (e *Estimator) Estimate(model string, inputTokens int, expectedOutput *int) (float64, error) {
	out := e.cfg.DefaultOutputTokens
	if expectedOutput != nil && *expectedOutput >= 0 {
		out = *expectedOutput
	}
	return e.cost(model, inputTokens, out)
}

// ActualCost prices a completed request from its reported usage.
func (e *Estimator) ActualCost(model string, inputTokens, outputTokens int) (float64, error) {
	return e.cost(model, inputTokens, outputTokens)
}

func (e *Estimator) cost(model string, in, out int) (float64, error) {
	if in < 0 || out < 0 {
		return 0, fmt.Errorf("negative token count (input %d, output %d)", in, out)
	}
	p, err := e.Lookup(model)
	if err != nil {
		return 0, err
	}
	thousand := decimal.NewFromInt(1000)
	total := decimal.NewFromInt(int64(in)).Mul(decimal.NewFromFloat(p.PromptCost)).Div(thousand).
		Add(decimal.NewFromInt(int64(out)).Mul(decimal.NewFromFloat(p.CompletionCost)).Div(thousand))
	f, _ := total.Float64()
	return f, nil
}
