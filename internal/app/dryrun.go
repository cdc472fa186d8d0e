package app

import (
	"context"
	"errors"

	"qotdbot/internal/content"
	logx "qotdbot/pkg/logx"
)

// logDeliverer stands in for Telegram when it is disabled: the question is
// logged and recorded as asked so the pool rotates as it would live.
type logDeliverer struct {
	questions *content.Store
	log       logx.Logger
}

func (d *logDeliverer) Deliver(ctx context.Context, tenantID, target string) (bool, error) {
	q, err := d.questions.Peek(ctx, tenantID)
	if errors.Is(err, content.ErrExhausted) {
		d.log.Info("no question left", logx.String("tenant", tenantID))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	d.log.Info("question (dry run)",
		logx.String("tenant", tenantID), logx.String("target", target),
		logx.Int64("question", q.ID), logx.String("text", q.Text))
	if err := d.questions.MarkAsked(ctx, tenantID, q.ID); err != nil {
		return false, err
	}
	return true, nil
}
