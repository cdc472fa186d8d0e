// Package telegram delivers daily questions to Telegram chats.
//
// The bot is send-only: no poller is started. A tenant's delivery target is
// its chat ID.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"qotdbot/internal/content"
	"qotdbot/internal/scheduler"
	logx "qotdbot/pkg/logx"
)

type Config struct {
	Token string
	// APIURL overrides the Bot API endpoint; empty uses Telegram's.
	APIURL string
	// Offline skips the getMe call on construction.
	Offline bool
	Timeout time.Duration
}

// Bot is the part of *tele.Bot used here.
type Bot interface {
	Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
	ChatByID(id int64) (*tele.Chat, error)
}

// Questions supplies the text to deliver.
type Questions interface {
	Peek(ctx context.Context, tenantID string) (content.Question, error)
	MarkAsked(ctx context.Context, tenantID string, questionID int64) error
}

// NewBot builds a send-only telebot client.
func NewBot(cfg Config) (*tele.Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     strings.TrimRight(cfg.APIURL, "/"),
		Offline: cfg.Offline,
		Poller:  &tele.LongPoller{Timeout: timeout},
	})
}

// Deliverer implements scheduler.Deliverer and scheduler.Directory.
type Deliverer struct {
	bot       Bot
	questions Questions
	log       logx.Logger
	name      string
}

func NewDeliverer(bot Bot, questions Questions, name string, log logx.Logger) *Deliverer {
	if log.IsZero() {
		log = logx.Nop()
	}
	if name == "" {
		name = "QOTD"
	}
	return &Deliverer{bot: bot, questions: questions, log: log, name: name}
}

// Deliver posts the tenant's next question to target. The question is only
// recorded as asked once Telegram accepted the message. An exhausted pool
// is a failed delivery without an error.
func (d *Deliverer) Deliver(ctx context.Context, tenantID, target string) (bool, error) {
	chatID, err := parseChatID(target)
	if err != nil {
		return false, err
	}
	q, err := d.questions.Peek(ctx, tenantID)
	if errors.Is(err, content.ErrExhausted) {
		d.log.Warn("no questions left", logx.String("tenant", tenantID))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pick question: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	msg, err := d.bot.Send(&tele.Chat{ID: chatID}, d.render(q), &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return false, classify(err)
	}
	if err := d.questions.MarkAsked(ctx, tenantID, q.ID); err != nil {
		// The message is already out.
		d.log.Warn("question sent but not recorded", logx.String("tenant", tenantID), logx.Int64("question", q.ID), logx.Err(err))
	}
	fields := []logx.Field{logx.String("tenant", tenantID), logx.Int64("question", q.ID), logx.Bool("custom", q.Custom())}
	if msg != nil {
		fields = append(fields, logx.Int("message", msg.ID))
	}
	d.log.Debug("question sent", fields...)
	return true, nil
}

// Exists reports whether the bot can still see the tenant's chat. The
// tenant ID is the chat ID. telebot takes no context, so a done ctx only
// abandons the lookup.
func (d *Deliverer) Exists(ctx context.Context, tenantID string) (bool, error) {
	chatID, err := parseChatID(tenantID)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	done := make(chan error, 1)
	go func() {
		_, err := d.bot.ChatByID(chatID)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case err = <-done:
	}
	if err != nil {
		if errors.Is(classify(err), scheduler.ErrTenantGone) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (d *Deliverer) render(q content.Question) string {
	source := "Default Question"
	if q.Custom() {
		source = "Custom Question"
	}
	return fmt.Sprintf("<b>%s</b>\n\n<i>%s • %s</i>", html.EscapeString(q.Text), html.EscapeString(d.name), source)
}

// classify maps errors meaning the chat is unreachable for good to
// scheduler.ErrTenantGone.
func classify(err error) error {
	for _, gone := range []error{
		tele.ErrChatNotFound,
		tele.ErrBlockedByUser,
		tele.ErrKickedFromGroup,
		tele.ErrKickedFromSuperGroup,
		tele.ErrUserIsDeactivated,
	} {
		if errors.Is(err, gone) {
			return fmt.Errorf("%w: %v", scheduler.ErrTenantGone, err)
		}
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "chat not found") || strings.Contains(msg, "bot was kicked") ||
		strings.Contains(msg, "not a member of the channel") {
		return fmt.Errorf("%w: %v", scheduler.ErrTenantGone, err)
	}
	return err
}

func parseChatID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: invalid chat id %q", s)
	}
	return id, nil
}
