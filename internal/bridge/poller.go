package bridge

import (
	"context"
	"fmt"

	"github.com/bborn/tgmail/internal/mailbox"
)

// baseline picks the id new mail is compared against: the stored checkpoint,
// else the current newest message. Existing mail is never replayed.
func (b *Bridge) baseline(ctx context.Context) {
	last, err := b.checkpoint.Last()
	if err != nil {
		b.logger.Warn("failed to read checkpoint", "error", err)
	}
	if last != "" {
		b.last, b.baselined = last, true
		b.logger.Info("resuming from checkpoint", "last", last)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	defer cancel()
	id, err := b.mail.LatestMessageID(callCtx)
	if err != nil {
		b.logger.Warn("failed to read newest message, adopting it on the next poll", "error", err)
		return
	}
	b.last, b.baselined = id, true
	b.logger.Info("starting from newest message", "last", id)
}

// tick starts a poll unless one is still running.
func (b *Bridge) tick(ctx context.Context) {
	if b.polling {
		b.logger.Debug("previous poll still running, skipping tick")
		return
	}
	b.polling = true

	b.goWork(ctx, func(ctx context.Context) {
		msg, cardID, err := b.poll(ctx)
		b.post(ctx, func(ctx context.Context) {
			b.polling = false
			if err != nil {
				if IsTransient(err) {
					b.logger.Warn("poll failed", "error", err)
				} else {
					b.logger.Error("poll failed", "error", err)
				}
				return
			}
			if msg != nil {
				b.open(ctx, msg, cardID)
			}
		})
	})
}

// poll checks the newest inbox message and, when it is new, saves the
// checkpoint, fetches it and posts its card. It returns a nil message when
// there is nothing new.
func (b *Bridge) poll(ctx context.Context) (*mailbox.Message, int, error) {
	listCtx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	id, err := b.mail.LatestMessageID(listCtx)
	cancel()
	if err != nil {
		return nil, 0, classify("list inbox", err)
	}

	if !b.baselined {
		b.last, b.baselined = id, true
		b.logger.Info("adopted newest message as baseline", "last", id)
		return nil, 0, nil
	}
	if id == "" || id == b.last {
		return nil, 0, nil
	}

	if err := b.checkpoint.SetLast(id); err != nil {
		return nil, 0, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	b.last = id

	fetchCtx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	msg, err := b.mail.FetchMessage(fetchCtx, id)
	cancel()
	if err != nil {
		return nil, 0, classify("fetch message "+id, err)
	}

	postCtx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	cardID, err := b.chat.PostCard(postCtx, initialText(msg.Subject, msg.Body), 0)
	cancel()
	if err != nil {
		return nil, 0, classify("post card", err)
	}
	return msg, cardID, nil
}

// open registers the session for a freshly posted card, attaches its buttons
// and starts the automatic draft.
func (b *Bridge) open(ctx context.Context, msg *mailbox.Message, cardID int) {
	s := newSession(cardID, msg, b.cfg.Language)
	s.card = b.newCard(cardID, initialText(msg.Subject, msg.Body))
	s.ops = newFIFO(&b.wg)
	b.sessions.Add(s)

	b.logger.Info("new mail", "card", cardID, "mail", msg.ID, "from", msg.Sender, "subject", msg.Subject)

	s.card.SetButtons(ctx, mainKeyboard(s))
	b.startDraft(ctx, s, b.cfg.DefaultPrompt)
}
