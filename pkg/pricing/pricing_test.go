package pricing

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokengate/tokengate/pkg/models"
)

func intp(n int) *int { return &n }

func TestEstimate(t *testing.T) {
	e, err := NewEstimator(DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)

	// 1000 in at 0.03 + 500 out at 0.06
	cost, err := e.Estimate("gpt-4", 1000, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.06, cost, 1e-12)

	cost, err = e.Estimate("gpt-4", 1000, intp(100))
	require.NoError(t, err)
	assert.InDelta(t, 0.036, cost, 1e-12)
}

func TestActualCost(t *testing.T) {
	e, err := NewEstimator(DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)

	cost, err := e.ActualCost("gpt-3.5-turbo", 2000, 1000)
	require.NoError(t, err)
	assert.InDelta(t, 0.0025, cost, 1e-12)

	_, err = e.ActualCost("gpt-4", -1, 0)
	assert.Error(t, err)
}

func TestLookupLongestPrefix(t *testing.T) {
	e, err := NewEstimator(DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)

	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4", "gpt-4"},
		{"gpt-4-0613", "gpt-4"},
		{"gpt-4o-mini-2024-07-18", "gpt-4o-mini"},
		{"gpt-4o-2024-05-13", "gpt-4o"},
		{"gpt-4-turbo-preview", "gpt-4-turbo"},
		{"gpt-3.5-turbo-0125", "gpt-3.5-turbo"},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			p, err := e.Lookup(tt.model)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Model)
		})
	}
}

func TestUnknownModelDenied(t *testing.T) {
	e, err := NewEstimator(DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)

	_, err = e.Estimate("claude-3-opus", 10, nil)
	var um *models.UnknownModelError
	require.ErrorAs(t, err, &um)
	assert.Equal(t, "claude-3-opus", um.Model)
	assert.Equal(t, models.CodeUnknownModel, um.Code())
	assert.False(t, e.Known("claude-3-opus"))
}

func TestUnknownModelFallbackIsLogged(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.UnknownModel = UnknownFallback
	e, err := NewEstimator(cfg, zerolog.New(&buf))
	require.NoError(t, err)

	cost, err := e.Estimate("mystery", 1000, intp(1000))
	require.NoError(t, err)
	assert.InDelta(t, 0.09, cost, 1e-12)
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), `"model":"mystery"`)
}

func TestNewEstimatorRejectsBadConfig(t *testing.T) {
	_, err := NewEstimator(Config{UnknownModel: "guess"}, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewEstimator(Config{Models: []models.ModelPricing{{Model: "x", PromptCost: -1}}}, zerolog.Nop())
	assert.Error(t, err)
}

func TestCustomTable(t *testing.T) {
	e, err := NewEstimator(Config{Models: []models.ModelPricing{
		{Model: "local", PromptCost: 0.001, CompletionCost: 0.002},
	}}, zerolog.Nop())
	require.NoError(t, err)

	cost, err := e.Estimate("local-7b", 500, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.0015, cost, 1e-12)
	assert.Len(t, e.Table(), 1)
	assert.Equal(t, 500, e.DefaultOutputTokens())
}

func TestWordCounter(t *testing.T) {
	var c TokenCounter = WordCounter{}
	assert.Equal(t, 12, c.CountText("three words  here"))
	assert.Equal(t, 0, c.CountText("   "))
	assert.Equal(t, 16, c.CountMessages([]models.ChatMessage{
		{Role: "user", Content: "hello world"},
		{Role: "system", Content: ""},
	}))
}

func TestNewTokenCounter(t *testing.T) {
	assert.IsType(t, WordCounter{}, NewTokenCounter("words", zerolog.Nop()))
	assert.IsType(t, &TiktokenCounter{}, NewTokenCounter("tiktoken", zerolog.Nop()))
}
