package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"jarvis/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramName           = "telegram"
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
	feedbackPrefix         = "fb|"
	feedbackTimeout        = 5 * time.Second
)

// telegramBot is the subset of *tgbotapi.BotAPI the channel calls.
type telegramBot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Telegram implements domain.Channel over the Bot API with long polling.
// Replies that were recorded in the interaction history carry a rating
// keyboard whose answers are stored as feedback.
type Telegram struct {
	token     string
	allowFrom []int64 // empty allows everyone
	parseMode string
	history   domain.InteractionStore

	bot    telegramBot
	bus    domain.MessageBus
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // user ids
	ParseMode string
	History   domain.InteractionStore // optional, enables rating buttons
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		parseMode: cfg.ParseMode,
		history:   cfg.History,
		logger:    cfg.Logger.With("channel", telegramName),
		sleep:     sleepCtx,
	}
}

func (t *Telegram) Name() string { return telegramName }

// Start connects to Telegram and polls for updates until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	bus.OnOutbound(telegramName, func(msg domain.OutboundMessage) {
		t.deliver(ctx, msg)
	})

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		}
	}
}

// Stop is a no-op. StopReceivingUpdates runs when Start's context ends and
// panics if called twice.
func (t *Telegram) Stop() error { return nil }

func (t *Telegram) Send(ctx context.Context, chatID string, content string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}
	if t.bot == nil {
		return errors.New("telegram bot not started")
	}
	t.sendMessage(ctx, id, content, nil)
	return nil
}

func (t *Telegram) deliver(ctx context.Context, msg domain.OutboundMessage) {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		t.logger.Error("invalid chat ID for telegram outbound", "chat_id", msg.ChatID, "err", err)
		return
	}
	var markup *tgbotapi.InlineKeyboardMarkup
	if t.history != nil && msg.Response != nil && msg.Response.InteractionID != "" {
		kb := feedbackKeyboard(msg.Response.InteractionID)
		markup = &kb
	}
	t.sendMessage(ctx, chatID, msg.Content, markup)
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		t.handleCallback(ctx, update.CallbackQuery)
		return
	}
	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}

	userID := update.Message.From.ID
	chatID := update.Message.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user", "user_id", userID, "username", update.Message.From.UserName)
		t.sendMessage(ctx, chatID, "Unauthorized. Your user ID is not in the allow list.", nil)
		return
	}

	text := strings.TrimSpace(update.Message.Text)
	if text == "" {
		return
	}

	t.logger.Info("telegram message received", "user_id", userID, "chat_id", chatID, "text_len", len(text))
	_, _ = t.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))

	// Slash commands go through the bus too; the dispatcher answers them.
	t.bus.Publish(domain.InboundMessage{
		Channel:   telegramName,
		ChatID:    strconv.FormatInt(chatID, 10),
		SenderID:  strconv.FormatInt(userID, 10),
		Content:   text,
		Timestamp: time.Unix(int64(update.Message.Date), 0),
	})
}

func (t *Telegram) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	id, rating, ok := parseFeedbackData(cq.Data)
	if !ok || t.history == nil {
		_, _ = t.bot.Request(tgbotapi.NewCallback(cq.ID, ""))
		return
	}
	if cq.From != nil && !t.isAllowed(cq.From.ID) {
		_, _ = t.bot.Request(tgbotapi.NewCallback(cq.ID, "Unauthorized"))
		return
	}

	fctx, cancel := context.WithTimeout(ctx, feedbackTimeout)
	defer cancel()
	answer := "Thanks for the feedback."
	if err := t.history.SetFeedback(fctx, id, rating, ""); err != nil {
		t.logger.Warn("failed to store feedback", "interaction", id, "err", err)
		answer = "Could not save feedback."
	}
	_, _ = t.bot.Request(tgbotapi.NewCallback(cq.ID, answer))

	if cq.Message != nil && cq.Message.Chat != nil {
		edit := tgbotapi.NewEditMessageReplyMarkup(cq.Message.Chat.ID, cq.Message.MessageID,
			tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}})
		_, _ = t.bot.Request(edit)
	}
}

func feedbackKeyboard(interactionID string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("👍", feedbackPrefix+interactionID+"|5"),
			tgbotapi.NewInlineKeyboardButtonData("👎", feedbackPrefix+interactionID+"|1"),
		),
	)
}

// parseFeedbackData reads "fb|<interaction id>|<rating>".
func parseFeedbackData(data string) (id string, rating int, ok bool) {
	rest, found := strings.CutPrefix(data, feedbackPrefix)
	if !found {
		return "", 0, false
	}
	id, r, found := strings.Cut(rest, "|")
	if !found || id == "" {
		return "", 0, false
	}
	rating, err := strconv.Atoi(r)
	if err != nil || rating < 1 || rating > 5 {
		return "", 0, false
	}
	return id, rating, true
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

// sendMessage splits text to the Telegram size limit. The keyboard, when
// given, is attached to the last chunk.
func (t *Telegram) sendMessage(ctx context.Context, chatID int64, text string, markup *tgbotapi.InlineKeyboardMarkup) {
	chunks := splitMessage(text, telegramMaxMsgLen)
	for i, chunk := range chunks {
		var m *tgbotapi.InlineKeyboardMarkup
		if i == len(chunks)-1 {
			m = markup
		}
		t.sendChunk(ctx, chatID, chunk, m)
	}
}

// sendChunk tries the configured parse mode first, then plain text, and
// backs off on rate limits and transient errors.
func (t *Telegram) sendChunk(ctx context.Context, chatID int64, text string, markup *tgbotapi.InlineKeyboardMarkup) {
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 {
			msg.ParseMode = t.parseMode
		}
		if markup != nil {
			msg.ReplyMarkup = *markup
		}

		_, err := t.bot.Send(msg)
		if err == nil {
			return
		}

		var wait time.Duration
		var apiErr *tgbotapi.Error
		switch {
		case errors.As(err, &apiErr) && apiErr.RetryAfter > 0:
			wait = time.Duration(apiErr.RetryAfter) * time.Second
		case strings.Contains(err.Error(), "Too Many Requests"):
			wait = time.Duration(attempt+1) * 3 * time.Second
		case attempt == 0 && msg.ParseMode != "" && strings.Contains(err.Error(), "can't parse entities"):
			t.logger.Warn("telegram markup rejected, retrying as plain text", "err", err, "parse_mode", t.parseMode)
			continue
		case attempt < telegramMaxSendRetries:
			wait = time.Duration(attempt+1) * time.Second
		default:
			t.logger.Error("telegram send failed after retries", "err", err, "attempts", attempt+1)
			return
		}

		t.logger.Warn("telegram send error, retrying", "err", err, "backoff", wait, "attempt", attempt+1)
		if t.sleep(ctx, wait) != nil {
			return
		}
	}
}

// splitMessage cuts msg into chunks of at most maxLen bytes, preferring
// newlines and never splitting a UTF-8 sequence.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}
		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		if cut == 0 {
			cut = maxLen
		}
		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
