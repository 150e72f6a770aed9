package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/camuig/quant-trader/internal/config"
	"github.com/camuig/quant-trader/internal/logger"
	"github.com/camuig/quant-trader/internal/model"
	"github.com/camuig/quant-trader/internal/strategy"
	"github.com/camuig/quant-trader/internal/symbol"
)

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Advisor is a strategy.Evaluator that asks DeepSeek for a decision on one
// symbol at a time.
type Advisor struct {
	client        chatClient
	model         string
	timeout       time.Duration
	minConfidence int
	logger        *logger.Logger
}

func NewAdvisor(cfg *config.Config, log *logger.Logger) *Advisor {
	ocfg := openai.DefaultConfig(cfg.DeepSeek.APIKey)
	ocfg.BaseURL = cfg.DeepSeek.BaseURL

	return &Advisor{
		client:        openai.NewClientWithConfig(ocfg),
		model:         cfg.DeepSeek.Model,
		timeout:       cfg.DeepSeekTimeout(),
		minConfidence: cfg.DeepSeek.MinConfidence,
		logger:        log,
	}
}

func (a *Advisor) Evaluate(ctx context.Context, in strategy.Input) (*model.TradingIntent, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	holding := in.State == model.StateHolding
	req := Request{
		Symbol:     in.Symbol,
		LastPrice:  in.Market.LastPrice,
		Volume:     in.Market.Volume,
		Changes:    in.Market.Features,
		Headlines:  in.Market.Headlines,
		Holding:    holding,
		EntryPrice: in.Context.EntryPrice,
		Quantity:   in.Context.Quantity,
	}

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildUserPrompt(req)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("deepseek API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("deepseek returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	a.logger.Debug("AI raw response", "symbol", in.Symbol, "content", raw)

	decisions, err := ParseDecisions(raw)
	if err != nil {
		return nil, fmt.Errorf("parse AI response: %w", err)
	}
	return a.toIntent(in, decisions), nil
}

// toIntent picks the decision for in.Symbol and drops what the current
// position makes meaningless or what falls below the confidence floor.
func (a *Advisor) toIntent(in strategy.Input, decisions []Decision) *model.TradingIntent {
	want := symbol.Normalize(in.Symbol)
	for _, d := range decisions {
		if d.Ticker != "" && symbol.Normalize(d.Ticker) != want {
			continue
		}
		action := model.Action(strings.ToUpper(strings.TrimSpace(d.Action)))
		if action == model.ActionHold {
			return nil
		}
		if d.Confidence < a.minConfidence {
			a.logger.Info("AI decision below confidence floor",
				"symbol", in.Symbol, "action", action, "confidence", d.Confidence, "min", a.minConfidence)
			return nil
		}

		switch {
		case action == model.ActionBuy && in.State == model.StateIdle:
			return &model.TradingIntent{
				Action:     model.ActionBuy,
				Symbol:     want,
				EntryPrice: in.Market.LastPrice,
				StopLoss:   d.StopLoss,
				TakeProfit: d.TakeProfit,
				Confidence: d.Confidence,
				Reason:     d.Reasoning,
			}
		case action == model.ActionSell && in.State == model.StateHolding:
			return &model.TradingIntent{
				Action:     model.ActionSell,
				Symbol:     want,
				EntryPrice: in.Context.EntryPrice,
				SellPrice:  in.Market.LastPrice,
				Quantity:   in.Context.Quantity,
				Confidence: d.Confidence,
				Reason:     d.Reasoning,
			}
		}
		a.logger.Debug("AI decision does not fit position", "symbol", in.Symbol, "action", action, "state", in.State)
		return nil
	}
	return nil
}
