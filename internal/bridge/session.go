package bridge

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/bborn/tgmail/internal/chat"
	"github.com/bborn/tgmail/internal/mailbox"
)

// Await is what a session expects from the next free-text reply.
type Await int

const (
	AwaitNone Await = iota
	AwaitPrompt
	AwaitForward
)

func (a Await) String() string {
	switch a {
	case AwaitPrompt:
		return "prompt"
	case AwaitForward:
		return "forward"
	}
	return "none"
}

// Session is one mail message under review in the chat. All fields are owned
// by the bridge loop; the snapshot fields never change after creation.
type Session struct {
	CardID       int
	MailID       string
	ThreadID     string
	Sender       string
	Subject      string
	OriginalBody string
	Attachments  []mailbox.Attachment
	Language     string

	Starred  bool
	Draft    string
	hasDraft bool
	Awaiting Await

	// generation identifies the newest renderer pass.
	generation  uint64
	cancelDraft context.CancelFunc
	// starSeq counts star toggles so a failed update only reverts the
	// latest one.
	starSeq uint64
	// alias is the pending follow-up prompt message, if any.
	alias int

	card *card
	// ops serializes mailbox label changes for this message.
	ops *fifo
}

func newSession(cardID int, msg *mailbox.Message, language string) *Session {
	return &Session{
		CardID:       cardID,
		MailID:       msg.ID,
		ThreadID:     msg.ThreadID,
		Sender:       msg.Sender,
		Subject:      msg.Subject,
		OriginalBody: msg.Body,
		Attachments:  msg.Attachments,
		Language:     language,
		Starred:      msg.HasLabel(mailbox.LabelStarred),
	}
}

// HasDraft reports whether a renderer pass has completed with content.
func (s *Session) HasDraft() bool {
	return s.hasDraft
}

// ReplyBody is the text sent or drafted: the AI draft when present, else the
// original body.
func (s *Session) ReplyBody() string {
	if s.hasDraft {
		return s.Draft
	}
	return s.OriginalBody
}

func (s *Session) header() string {
	return cardHeader(s.Subject)
}

func cardHeader(subject string) string {
	return "📧 *" + chat.EscapeMarkdown(subject) + "*"
}

// initialText is the card as first posted: header and original body.
func initialText(subject, body string) string {
	return cardHeader(subject) + "\n\n" + chat.EscapeMarkdown(cut(body, MaxDraftLength))
}

// streamText is the card while and after a draft is rendered.
func (s *Session) streamText(draft string) string {
	return s.header() + "\n\n-----\n" + chat.EscapeMarkdown(draft)
}

// fitDraft cuts draft to MaxDraftLength and then to the longest prefix the
// card can render in full within the chat message limit.
func (s *Session) fitDraft(draft string) string {
	draft = cut(draft, MaxDraftLength)
	fits := func(d string) bool {
		return utf8.RuneCountInString(s.streamText(d)) <= chat.MaxTextLength
	}
	if fits(draft) {
		return draft
	}
	runes := []rune(draft)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if fits(string(runes[:mid])) {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo])
}

// currentText is the card showing the draft, or the original mail when
// there is none.
func (s *Session) currentText() string {
	if s.hasDraft {
		return s.streamText(s.Draft)
	}
	return initialText(s.Subject, s.OriginalBody)
}

func cut(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}
