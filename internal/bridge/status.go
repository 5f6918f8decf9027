package bridge

import (
	"context"

	"github.com/bborn/tgmail/internal/chat"
	"github.com/bborn/tgmail/internal/tracking"
)

const placeholderText = "Message (original text not available)"

type statusRequest struct {
	status tracking.OpenStatus
	result chan (<-chan error)
}

// ApplyOpenStatus appends an open report to its card and waits for the edit.
// It implements tracking.Applier.
func (b *Bridge) ApplyOpenStatus(ctx context.Context, st tracking.OpenStatus) error {
	req := statusRequest{status: st, result: make(chan (<-chan error), 1)}
	select {
	case b.statusCh <- req:
	case <-b.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	var done <-chan error
	select {
	case done = <-req.result:
	case <-b.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-b.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) applyStatus(ctx context.Context, req statusRequest) {
	id := int(req.status.Card)
	line := chat.EscapeMarkdown(req.status.Line())

	s, ok := b.sessions.Get(id)
	if !ok {
		b.logger.Debug("open report for unknown card", "card", id)
		c := b.newCard(id, "")
		req.result <- c.SetText(ctx, placeholderText+"\n\n---\n"+line, nil)
		return
	}

	b.logger.Info("mail opened", "card", id, "user", req.status.IsUserOpen)
	text := initialText(s.Subject, s.OriginalBody) + "\n\n---\n" + line
	req.result <- s.card.SetTextKeepButtons(ctx, text)
}
