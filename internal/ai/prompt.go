package ai

import (
	"fmt"
	"sort"
	"strings"
)

const systemPrompt = `You are an experienced intraday equity trader.
You receive market data for ONE instrument (price changes over 3h/1d/3d/1w, volume, recent headlines) and whether a position is already held.
Decide BUY (open), SELL (close the held position) or HOLD.

Rules:
1. Never BUY when a position is already held.
2. SELL only when a position is held; explain why in reasoning.
3. For BUY give stop_loss and take_profit price levels.
4. confidence is 0-100.
5. Prefer strong short-term moves confirmed by volume or news.

Answer strictly with a JSON array:
[{"action":"BUY","ticker":"AAPL","stop_loss":180.0,"take_profit":195.0,"confidence":70,"reasoning":"..."}]
Return [] when nothing is worth doing.`

func BuildUserPrompt(req Request) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "## %s\n", req.Symbol)
	fmt.Fprintf(&sb, "Last price: %.4f\nVolume 24h: %.0f\n", req.LastPrice, req.Volume)

	if len(req.Changes) > 0 {
		keys := make([]string, 0, len(req.Changes))
		for k := range req.Changes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("\n| Window | Change % |\n|---|---|\n")
		for _, k := range keys {
			fmt.Fprintf(&sb, "| %s | %+.2f |\n", strings.TrimPrefix(k, "change_"), req.Changes[k])
		}
	}

	sb.WriteString("\n## Position\n")
	if req.Holding {
		fmt.Fprintf(&sb, "Holding %g at %.4f.\n", req.Quantity, req.EntryPrice)
	} else {
		sb.WriteString("No position.\n")
	}

	sb.WriteString("\n## News (24h)\n")
	if len(req.Headlines) == 0 {
		sb.WriteString("No relevant news.\n")
	}
	for _, h := range req.Headlines {
		fmt.Fprintf(&sb, "- %s\n", h)
	}

	sb.WriteString("\nAnswer with the JSON array only.")
	return sb.String()
}
