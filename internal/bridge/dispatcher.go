package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/bborn/tgmail/internal/chat"
	"github.com/bborn/tgmail/internal/mailbox"
	"github.com/bborn/tgmail/internal/tracking"
)

const (
	readyText         = "Gmail-AI bot ready 🤖"
	notFoundText      = "Not found"
	askPromptText     = "✏️ Write the AI instruction (reply here)."
	askForwardText    = "✉️ Reply with the address."
	forwardedText     = "Forwarded"
	forwardErrPrefix  = "⚠️ Forward error: "
	callbackErrPrefix = "Err: "
)

var finishGlyphs = map[chat.Kind]string{
	chat.KindSend:   "📨",
	chat.KindDraft:  "💾",
	chat.KindTrash:  "🗑️",
	chat.KindReject: "❌",
}

func (b *Bridge) actionTable() map[chat.Kind]actionFunc {
	return map[chat.Kind]actionFunc{
		chat.KindTagMenu:      b.tagMenu,
		chat.KindTagSet:       b.tagSet,
		chat.KindBack:         b.back,
		chat.KindAsk:          b.ask,
		chat.KindStar:         b.toggleStar,
		chat.KindAttachMenu:   b.attachMenu,
		chat.KindAttach:       b.attachment,
		chat.KindForwardMenu:  b.forwardMenu,
		chat.KindForwardTo:    b.forwardTo,
		chat.KindForwardOther: b.forwardOther,
		chat.KindSend:         b.finish,
		chat.KindDraft:        b.finish,
		chat.KindTrash:        b.finish,
		chat.KindReject:       b.finish,
	}
}

func (b *Bridge) handle(ctx context.Context, ev chat.Event) {
	switch ev := ev.(type) {
	case chat.Press:
		b.press(ctx, ev)
	case chat.Reply:
		b.reply(ctx, ev)
	case chat.Command:
		b.command(ctx, ev)
	}
}

func (b *Bridge) press(ctx context.Context, p chat.Press) {
	if p.Err != nil {
		b.logger.Debug("undecodable button payload", "data", p.Data, "error", p.Err)
		b.answer(ctx, p.CallbackID, notFoundText, true)
		return
	}
	s, err := b.lookup(p.Action.Card)
	if err != nil {
		b.logger.Debug("ignoring press", "action", p.Action.Kind, "error", err)
		b.answer(ctx, p.CallbackID, notFoundText, true)
		return
	}
	fn, ok := b.actions[p.Action.Kind]
	if !ok {
		b.answer(ctx, p.CallbackID, notFoundText, true)
		return
	}
	fn(ctx, s, p)
}

func (b *Bridge) lookup(id int) (*Session, error) {
	s, ok := b.sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("card %d: %w", id, ErrNotFound)
	}
	return s, nil
}

// fail answers a press with the error as an alert.
func (b *Bridge) fail(ctx context.Context, s *Session, p chat.Press, err error) {
	b.logger.Error("action failed", "card", s.CardID, "action", p.Action.Kind, "error", err)
	b.answer(ctx, p.CallbackID, callbackErrPrefix+err.Error(), true)
}

func (b *Bridge) tagMenu(ctx context.Context, s *Session, p chat.Press) {
	s.card.SetButtons(ctx, tagKeyboard(s.CardID, b.labels, p.Action.N))
	b.answer(ctx, p.CallbackID, "", false)
}

func (b *Bridge) tagSet(ctx context.Context, s *Session, p chat.Press) {
	labelID := p.Action.Arg
	name, ok := b.labelNames[labelID]
	if !ok {
		b.answer(ctx, p.CallbackID, notFoundText, true)
		return
	}
	b.async(ctx, "add label", func(ctx context.Context) error {
		return b.mail.ModifyLabels(ctx, s.MailID, []string{labelID}, nil)
	}, func(ctx context.Context, err error) {
		if err != nil {
			b.fail(ctx, s, p, err)
			return
		}
		b.answer(ctx, p.CallbackID, "🏷️ "+name, false)
		s.card.SetButtons(ctx, mainKeyboard(s))
	})
}

func (b *Bridge) back(ctx context.Context, s *Session, p chat.Press) {
	s.card.SetButtons(ctx, mainKeyboard(s))
	b.answer(ctx, p.CallbackID, "", false)
}

func (b *Bridge) ask(ctx context.Context, s *Session, p chat.Press) {
	s.Awaiting = AwaitPrompt
	b.promptFollowUp(ctx, s, p, askPromptText)
}

func (b *Bridge) forwardOther(ctx context.Context, s *Session, p chat.Press) {
	s.Awaiting = AwaitForward
	b.promptFollowUp(ctx, s, p, askForwardText)
}

// promptFollowUp posts a question under the card and registers it as an
// alias, so a reply to either message reaches s.
func (b *Bridge) promptFollowUp(ctx context.Context, s *Session, p chat.Press, text string) {
	b.answer(ctx, p.CallbackID, "", false)

	var id int
	b.async(ctx, "post follow-up", func(ctx context.Context) error {
		var err error
		id, err = b.chat.Reply(ctx, s.CardID, text)
		return err
	}, func(ctx context.Context, err error) {
		if err != nil {
			b.logger.Error("failed to post follow-up", "card", s.CardID, "error", err)
			return
		}
		if s.alias != 0 {
			b.sessions.Remove(s.alias)
		}
		s.alias = id
		b.sessions.Alias(id, s)
	})
}

// toggleStar flips the star at once and reverts it if the mailbox update
// fails, unless a later toggle has already superseded it. Label updates for
// one message reach the mailbox in press order.
func (b *Bridge) toggleStar(ctx context.Context, s *Session, p chat.Press) {
	s.Starred = !s.Starred
	s.starSeq++
	seq, want := s.starSeq, s.Starred
	s.card.SetButtons(ctx, mainKeyboard(s))

	var add, remove []string
	if want {
		add = []string{mailbox.LabelStarred}
	} else {
		remove = []string{mailbox.LabelStarred}
	}

	b.serial(ctx, s.ops, "star", func(ctx context.Context) error {
		return b.mail.ModifyLabels(ctx, s.MailID, add, remove)
	}, func(ctx context.Context, err error) {
		if err != nil {
			if s.starSeq == seq {
				s.Starred = !want
				s.card.SetButtons(ctx, mainKeyboard(s))
			}
			b.fail(ctx, s, p, err)
			return
		}
		text := "⭐ off"
		if want {
			text = "⭐ on"
		}
		b.answer(ctx, p.CallbackID, text, false)
	})
}

func (b *Bridge) attachMenu(ctx context.Context, s *Session, p chat.Press) {
	s.card.SetButtons(ctx, attachmentKeyboard(s.CardID, s.Attachments))
	b.answer(ctx, p.CallbackID, "", false)
}

func (b *Bridge) attachment(ctx context.Context, s *Session, p chat.Press) {
	if p.Action.N >= len(s.Attachments) {
		b.answer(ctx, p.CallbackID, notFoundText, true)
		return
	}
	att := s.Attachments[p.Action.N]

	b.async(ctx, "send attachment", func(ctx context.Context) error {
		data, err := b.mail.AttachmentBytes(ctx, s.MailID, att)
		if err != nil {
			return err
		}
		return b.chat.SendDocument(ctx, att.Filename, data)
	}, func(ctx context.Context, err error) {
		if err != nil {
			b.fail(ctx, s, p, err)
			return
		}
		b.answer(ctx, p.CallbackID, "", false)
	})
}

func (b *Bridge) forwardMenu(ctx context.Context, s *Session, p chat.Press) {
	s.card.SetButtons(ctx, forwardKeyboard(s.CardID, b.cfg.ForwardTo))
	b.answer(ctx, p.CallbackID, "", false)
}

func (b *Bridge) forwardTo(ctx context.Context, s *Session, p chat.Press) {
	to := p.Action.Arg
	b.async(ctx, "forward", func(ctx context.Context) error {
		return b.mail.Forward(ctx, s.MailID, to)
	}, func(ctx context.Context, err error) {
		if err != nil {
			b.fail(ctx, s, p, err)
			return
		}
		b.logger.Info("forwarded", "card", s.CardID, "to", to)
		s.card.SetButtons(ctx, mainKeyboard(s))
		b.answer(ctx, p.CallbackID, forwardedText, false)
	})
}

// finish handles send, draft, trash and reject. The buttons are removed
// whatever the outcome.
func (b *Bridge) finish(ctx context.Context, s *Session, p chat.Press) {
	kind := p.Action.Kind
	done := func(ctx context.Context, err error) {
		if err != nil {
			b.fail(ctx, s, p, err)
		} else {
			b.logger.Info("mail handled", "card", s.CardID, "action", kind)
			b.answer(ctx, p.CallbackID, finishGlyphs[kind]+" ok", false)
		}
		s.card.SetButtons(ctx, nil)
	}

	var call func(context.Context) error
	switch kind {
	case chat.KindSend:
		r := b.outgoing(s)
		call = func(ctx context.Context) error { return b.mail.SendReply(ctx, r) }
	case chat.KindDraft:
		r := b.outgoing(s)
		call = func(ctx context.Context) error { return b.mail.SaveDraft(ctx, r) }
	case chat.KindTrash:
		call = func(ctx context.Context) error { return b.mail.Trash(ctx, s.MailID) }
	default:
		done(ctx, nil)
		return
	}
	b.async(ctx, string(kind), call, done)
}

// outgoing builds the reply for s, with a tracking pixel when configured.
func (b *Bridge) outgoing(s *Session) mailbox.Reply {
	r := mailbox.Reply{
		To:       s.Sender,
		Subject:  s.Subject,
		Body:     s.ReplyBody(),
		ThreadID: s.ThreadID,
	}
	if t := b.cfg.Tracking; t.Enabled && t.BaseURL != "" {
		r.PixelURL = tracking.PixelURL(t.BaseURL, b.newToken(), s.CardID, s.Subject, s.OriginalBody)
	}
	return r
}

// reply handles free text sent in reply to a card or a follow-up question.
func (b *Bridge) reply(ctx context.Context, r chat.Reply) {
	s, ok := b.sessions.Get(r.ReplyTo)
	if !ok {
		return
	}
	text := strings.TrimSpace(r.Text)

	switch s.Awaiting {
	case AwaitPrompt:
		b.consumeFollowUp(s)
		b.startDraft(ctx, s, text)
	case AwaitForward:
		b.consumeFollowUp(s)
		b.async(ctx, "forward", func(ctx context.Context) error {
			return b.mail.Forward(ctx, s.MailID, text)
		}, func(ctx context.Context, err error) {
			msg := "Forwarded to " + text
			if err != nil {
				b.logger.Error("forward failed", "card", s.CardID, "to", text, "error", err)
				msg = forwardErrPrefix + err.Error()
			}
			b.async(ctx, "reply", func(ctx context.Context) error {
				_, err := b.chat.Reply(ctx, s.CardID, msg)
				return err
			}, nil)
		})
	}
}

func (b *Bridge) consumeFollowUp(s *Session) {
	s.Awaiting = AwaitNone
	if s.alias != 0 {
		b.sessions.Remove(s.alias)
		s.alias = 0
	}
}

func (b *Bridge) command(ctx context.Context, c chat.Command) {
	if c.Name != "start" {
		return
	}
	b.async(ctx, "reply", func(ctx context.Context) error {
		_, err := b.chat.Reply(ctx, c.MessageID, readyText)
		return err
	}, nil)
}
