package chat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	// MaxTextLength is the largest message text Telegram accepts, in runes.
	MaxTextLength = 4096

	maxCallbackAnswer = 200
	pollTimeout       = 60
)

// ErrNotModified is returned when Telegram rejects an edit because the new
// content equals the current content.
var ErrNotModified = errors.New("message is not modified")

// Error wraps a failed Telegram API call.
type Error struct {
	Op   string
	Code int
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("telegram %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying later may succeed.
func (e *Error) Temporary() bool {
	if e.Code == http.StatusTooManyRequests || e.Code >= 500 {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr)
}

// Config holds Telegram transport settings.
type Config struct {
	Token          string
	ChatID         int64
	OperatorChatID int64
	Timeout        time.Duration
}

// botAPI is the subset of *tgbotapi.BotAPI used by the transport.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Telegram is the chat transport backed by the Telegram Bot API. All cards
// are posted to a single chat.
type Telegram struct {
	bot        botAPI
	chatID     int64
	operatorID int64
	logger     *log.Logger
}

// NewTelegram connects to the Bot API and verifies the token.
func NewTelegram(cfg Config, logger *log.Logger) (*Telegram, error) {
	if logger == nil {
		logger = log.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	// Long polling holds the request open for pollTimeout seconds.
	client := &http.Client{
		Timeout: timeout + pollTimeout*time.Second,
		Transport: &http.Transport{
			DialContext:         (&net.Dialer{Timeout: 20 * time.Second}).DialContext,
			TLSHandshakeTimeout: 20 * time.Second,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Telegram: %w", err)
	}
	logger.Info("connected to Telegram", "bot", bot.Self.UserName)

	return newTelegram(bot, cfg, logger), nil
}

func newTelegram(bot botAPI, cfg Config, logger *log.Logger) *Telegram {
	operator := cfg.OperatorChatID
	if operator == 0 {
		operator = cfg.ChatID
	}
	return &Telegram{
		bot:        bot,
		chatID:     cfg.ChatID,
		operatorID: operator,
		logger:     logger,
	}
}

// PostCard posts a Markdown message and returns its message id.
func (t *Telegram) PostCard(ctx context.Context, text string, replyTo int) (int, error) {
	msg := tgbotapi.NewMessage(t.chatID, Truncate(text, MaxTextLength))
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.ReplyToMessageID = replyTo

	sent, err := t.bot.Send(msg)
	if err != nil {
		return 0, wrapError("sendMessage", err)
	}
	return sent.MessageID, nil
}

// EditText replaces the text of a card, keeping the given keyboard.
func (t *Telegram) EditText(ctx context.Context, card int, text string, kb Keyboard) error {
	edit := tgbotapi.NewEditMessageText(t.chatID, card, Truncate(text, MaxTextLength))
	edit.ParseMode = tgbotapi.ModeMarkdown
	if !kb.Empty() {
		markup := toMarkup(kb)
		edit.ReplyMarkup = &markup
	}
	_, err := t.bot.Request(edit)
	return wrapError("editMessageText", err)
}

// EditButtons replaces the inline keyboard of a card. An empty keyboard
// removes all buttons.
func (t *Telegram) EditButtons(ctx context.Context, card int, kb Keyboard) error {
	edit := tgbotapi.NewEditMessageReplyMarkup(t.chatID, card, toMarkup(kb))
	_, err := t.bot.Request(edit)
	return wrapError("editMessageReplyMarkup", err)
}

// SendDocument uploads a file to the chat.
func (t *Telegram) SendDocument(ctx context.Context, name string, data []byte) error {
	doc := tgbotapi.NewDocument(t.chatID, tgbotapi.FileBytes{Name: name, Bytes: data})
	_, err := t.bot.Send(doc)
	return wrapError("sendDocument", err)
}

// AnswerCallback acknowledges a button press, optionally as an alert dialog.
func (t *Telegram) AnswerCallback(ctx context.Context, id, text string, alert bool) error {
	cb := tgbotapi.NewCallback(id, Truncate(text, maxCallbackAnswer))
	cb.ShowAlert = alert
	_, err := t.bot.Request(cb)
	return wrapError("answerCallbackQuery", err)
}

// Reply posts a plain-text message replying to replyTo.
func (t *Telegram) Reply(ctx context.Context, replyTo int, text string) (int, error) {
	msg := tgbotapi.NewMessage(t.chatID, Truncate(text, MaxTextLength))
	msg.ReplyToMessageID = replyTo

	sent, err := t.bot.Send(msg)
	if err != nil {
		return 0, wrapError("sendMessage", err)
	}
	return sent.MessageID, nil
}

// Notify sends a plain-text message to the operator chat.
func (t *Telegram) Notify(ctx context.Context, text string) error {
	_, err := t.bot.Send(tgbotapi.NewMessage(t.operatorID, Truncate(text, MaxTextLength)))
	return wrapError("sendMessage", err)
}

// Listen starts long polling and delivers decoded events until ctx is done.
// Updates from chats other than the configured one are dropped.
func (t *Telegram) Listen(ctx context.Context) <-chan Event {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	u.AllowedUpdates = []string{"message", "callback_query"}
	updates := t.bot.GetUpdatesChan(u)

	out := make(chan Event, 100)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				t.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				ev, ok := t.convert(update)
				if !ok {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					t.bot.StopReceivingUpdates()
					return
				}
			}
		}
	}()
	return out
}

func (t *Telegram) convert(update tgbotapi.Update) (Event, bool) {
	if cq := update.CallbackQuery; cq != nil {
		if cq.Message == nil || cq.Message.Chat == nil || cq.Message.Chat.ID != t.chatID {
			t.logger.Debug("ignoring callback from foreign chat", "id", cq.ID)
			return nil, false
		}
		return NewPress(cq.ID, cq.Message.MessageID, cq.Data), true
	}

	msg := update.Message
	if msg == nil || msg.Chat == nil || msg.Chat.ID != t.chatID {
		return nil, false
	}
	if msg.IsCommand() {
		return Command{MessageID: msg.MessageID, Name: msg.Command(), Args: msg.CommandArguments()}, true
	}
	if msg.ReplyToMessage != nil && msg.Text != "" {
		return Reply{
			MessageID: msg.MessageID,
			ReplyTo:   msg.ReplyToMessage.MessageID,
			Text:      msg.Text,
		}, true
	}
	return nil, false
}

func toMarkup(kb Keyboard) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(kb))
	for _, row := range kb {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		rows = append(rows, buttons)
	}
	return tgbotapi.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToLower(err.Error()), "message is not modified") {
		return fmt.Errorf("%w: %v", ErrNotModified, err)
	}
	e := &Error{Op: op, Err: err}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		e.Code = apiErr.Code
	}
	return e
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
