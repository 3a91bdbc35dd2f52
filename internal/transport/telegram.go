package transport

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"go.uber.org/zap"

	"github.com/nteguem/armelle-manager-sub002/internal/conversation"
	"github.com/nteguem/armelle-manager-sub002/model"
)

const telegramChannel = "telegram"

// sendRetries bounds retransmission of a reply when the Telegram API is
// transiently unavailable.
const sendRetries = 3

// MessageHandler is the slice of the conversation manager the Telegram
// bridge needs.
type MessageHandler interface {
	HandleMessage(ctx context.Context, channel, channelUser, text, languageHint string) (*conversation.Turn, error)
}

// Telegram bridges Telegram long polling to the conversation manager. Each
// incoming text message becomes one conversation turn; the rendered reply is
// sent back to the originating chat. It also implements model.Sender so the
// dwell sweeper can notify users whose workflow expired between messages.
type Telegram struct {
	bot     *bot.Bot
	handler MessageHandler
	logger  *zap.Logger
}

// NewTelegram creates the bridge. Extra bot options are appended after the
// default handler registration, so callers can point the client at a test
// server.
func NewTelegram(token string, handler MessageHandler, logger *zap.Logger, opts ...bot.Option) (*Telegram, error) {
	t := &Telegram{handler: handler, logger: logger}

	options := append([]bot.Option{bot.WithDefaultHandler(t.handleUpdate)}, opts...)
	b, err := bot.New(token, options...)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	t.bot = b
	return t, nil
}

// Run starts long polling and blocks until ctx is cancelled.
func (t *Telegram) Run(ctx context.Context) {
	t.bot.Start(ctx)
}

// HealthCheck verifies the Telegram API is reachable, for the readiness
// endpoint.
func (t *Telegram) HealthCheck(ctx context.Context) error {
	_, err := t.bot.GetMe(ctx)
	return err
}

func (t *Telegram) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}
	msg := update.Message
	channelUser := strconv.FormatInt(msg.Chat.ID, 10)

	languageHint := ""
	if msg.From != nil {
		languageHint = msg.From.LanguageCode
	}

	turn, err := t.handler.HandleMessage(ctx, telegramChannel, channelUser, msg.Text, languageHint)
	if err != nil {
		t.logger.Error("telegram turn failed",
			zap.String("chat", channelUser),
			zap.Error(err),
		)
		return
	}
	if turn == nil {
		return
	}
	text := turn.Text()
	if text == "" {
		return
	}

	if err := t.send(ctx, msg.Chat.ID, text); err != nil {
		t.logger.Error("telegram send failed",
			zap.String("chat", channelUser),
			zap.Error(err),
		)
	}
}

// Send implements model.Sender. Sessions on other channels are skipped so a
// mixed-channel store does not break the sweeper.
func (t *Telegram) Send(ctx context.Context, sess *model.Session, text string) error {
	if sess.Channel != telegramChannel {
		return nil
	}
	chatID, err := strconv.ParseInt(sess.ChannelUser, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad chat id %q: %w", sess.ChannelUser, err)
	}
	return t.send(ctx, chatID, text)
}

func (t *Telegram) send(ctx context.Context, chatID int64, text string) error {
	op := func() error {
		_, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: chatID,
			Text:   text,
		})
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = 10 * time.Second
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, sendRetries), ctx))
}
