package ai

import (
	"context"
	"errors"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/quant-trader/internal/logger"
	"github.com/camuig/quant-trader/internal/model"
	"github.com/camuig/quant-trader/internal/strategy"
)

func TestParseDecisions(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"array", `[{"action":"BUY","ticker":"AAPL","confidence":80}]`, 1},
		{"single object", `{"action":"SELL","ticker":"AAPL"}`, 1},
		{"fenced", "```json\n[{\"action\":\"HOLD\",\"ticker\":\"A\"},{\"action\":\"BUY\",\"ticker\":\"B\"}]\n```", 2},
		{"think tags", "<think>let me see [1,2]</think>[]", 0},
		{"prose around array", `Here you go: [{"action":"BUY","ticker":"MSFT"}] good luck`, 1},
		{"prose around object", `Answer: {"action":"BUY","ticker":"MSFT"}.`, 1},
		{"empty", "   ", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDecisions(tt.input)
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}

	_, err := ParseDecisions("no json here")
	assert.Error(t, err)
}

func TestBuildUserPrompt(t *testing.T) {
	p := BuildUserPrompt(Request{
		Symbol:    "AAPL",
		LastPrice: 187.5,
		Changes:   map[string]float64{"change_1d": 1.25, "change_3h": -0.5},
		Headlines: []string{"Apple beats estimates"},
		Holding:   true, EntryPrice: 180, Quantity: 10,
	})
	assert.Contains(t, p, "## AAPL")
	assert.Contains(t, p, "| 1d | +1.25 |")
	assert.Contains(t, p, "Holding 10 at 180.0000")
	assert.Contains(t, p, "- Apple beats estimates")
}

type fakeChat struct {
	answer string
	err    error
}

func (f fakeChat) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: f.answer}}}}, nil
}

func newAdvisor(answer string) *Advisor {
	return &Advisor{client: fakeChat{answer: answer}, timeout: time.Second, minConfidence: 60, logger: logger.Nop()}
}

func TestAdvisorEvaluate(t *testing.T) {
	ctx := context.Background()
	idle := strategy.Input{Symbol: "AAPL", State: model.StateIdle, Market: model.MarketSnapshot{LastPrice: 187.5}}

	intent, err := newAdvisor(`[{"action":"BUY","ticker":"aapl","stop_loss":180,"take_profit":200,"confidence":75,"reasoning":"breakout"}]`).Evaluate(ctx, idle)
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, model.ActionBuy, intent.Action)
	assert.Equal(t, 187.5, intent.EntryPrice)
	assert.Equal(t, 180.0, intent.StopLoss)
	require.NoError(t, intent.Validate())

	intent, err = newAdvisor(`[{"action":"BUY","ticker":"AAPL","confidence":40}]`).Evaluate(ctx, idle)
	require.NoError(t, err)
	assert.Nil(t, intent, "below confidence floor")

	intent, err = newAdvisor(`[{"action":"SELL","ticker":"AAPL","confidence":90}]`).Evaluate(ctx, idle)
	require.NoError(t, err)
	assert.Nil(t, intent, "nothing to sell")

	holding := strategy.Input{
		Symbol: "AAPL", State: model.StateHolding,
		Market:  model.MarketSnapshot{LastPrice: 190},
		Context: model.InstanceContext{EntryPrice: 180, Quantity: 10},
	}
	intent, err = newAdvisor(`[{"action":"SELL","ticker":"AAPL","confidence":90,"reasoning":"reversal"}]`).Evaluate(ctx, holding)
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, 180.0, intent.EntryPrice)
	assert.Equal(t, 190.0, intent.SellPrice)
	assert.Equal(t, 190.0, intent.OrderPrice())

	intent, err = newAdvisor(`[{"action":"BUY","ticker":"MSFT","confidence":90}]`).Evaluate(ctx, idle)
	require.NoError(t, err)
	assert.Nil(t, intent, "decision for another ticker")

	a := &Advisor{client: fakeChat{err: errors.New("boom")}, timeout: time.Second, logger: logger.Nop()}
	_, err = a.Evaluate(ctx, idle)
	assert.Error(t, err)
}
