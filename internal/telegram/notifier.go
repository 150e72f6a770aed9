package telegram

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/camuig/quant-trader/internal/config"
	"github.com/camuig/quant-trader/internal/logger"
	"github.com/camuig/quant-trader/internal/model"
)

type Notifier struct {
	bot     *tgbotapi.BotAPI
	chatID  int64
	enabled bool
	logger  *logger.Logger
}

func NewNotifier(cfg *config.Config, log *logger.Logger) *Notifier {
	if !cfg.Telegram.Enabled {
		return &Notifier{enabled: false, logger: log}
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
	if err != nil {
		log.Error("failed to create telegram bot", "error", err)
		return &Notifier{enabled: false, logger: log}
	}

	log.Info("telegram bot connected", "username", bot.Self.UserName)

	return &Notifier{
		bot:     bot,
		chatID:  cfg.Telegram.ChatID,
		enabled: true,
		logger:  log,
	}
}

// NotifyTrade reports a filled order.
func (n *Notifier) NotifyTrade(strategy string, side model.Side, symbol string, qty, price float64) {
	emoji := "🟢"
	if side == model.SideSell {
		emoji = "🔴"
	}
	n.send(fmt.Sprintf("%s *%s* %s\nStrategy: %s\nQty: %g\nPrice: %.2f",
		emoji, side, escape(symbol), escape(strategy), qty, price))
}

// NotifyCritical escalates a condition that needs a human now.
func (n *Notifier) NotifyCritical(subject string, err error) {
	n.send(fmt.Sprintf("🚨 *CRITICAL* [%s]\n%v\nManual intervention required.", escape(subject), err))
}

func (n *Notifier) NotifyDiscrepancy(kind string, severity model.Severity, detail string) {
	n.send(fmt.Sprintf("⚖️ *%s* %s\n%s", severity, escape(kind), escape(detail)))
}

func (n *Notifier) NotifyError(context string, err error) {
	n.send(fmt.Sprintf("⚠️ *Error* [%s]\n%v", escape(context), err))
}

func (n *Notifier) NotifyStatus(message string) {
	n.send(message)
}

func (n *Notifier) send(text string) {
	if !n.enabled {
		n.logger.Debug("telegram disabled, message dropped", "text", text)
		return
	}

	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown

	if _, err := n.bot.Send(msg); err != nil {
		n.logger.Error("send telegram message", "error", err)
	}
}

var markdown = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

func escape(s string) string {
	return markdown.Replace(s)
}
