package bridge

import (
	"strings"

	"github.com/bborn/tgmail/internal/chat"
	"github.com/bborn/tgmail/internal/mailbox"
)

// TagPageSize is the number of labels per tag picker page.
const TagPageSize = 30

var hiddenLabels = map[string]bool{
	"INBOX": true,
	"SENT":  true,
	"TRASH": true,
	"SPAM":  true,
	"DRAFT": true,
}

func act(kind chat.Kind, card int) chat.Action {
	return chat.Action{Kind: kind, Card: card}
}

func mainKeyboard(s *Session) chat.Keyboard {
	id := s.CardID
	star := "⭐ Star"
	if s.Starred {
		star = "⭐ Unstar"
	}
	kb := chat.Keyboard{
		chat.Row(chat.NewButton("📨 Send", act(chat.KindSend, id)), chat.NewButton("💾 Draft", act(chat.KindDraft, id))),
		chat.Row(chat.NewButton("✏️ Rewrite", act(chat.KindAsk, id)), chat.NewButton("❌ Reject", act(chat.KindReject, id))),
		chat.Row(chat.NewButton("🗑️ Trash", act(chat.KindTrash, id))),
		chat.Row(chat.NewButton(star, act(chat.KindStar, id))),
		chat.Row(
			chat.NewButton("🔁 Forward", act(chat.KindForwardMenu, id)),
			chat.NewButton("🏷️ Tag ➜", chat.Action{Kind: chat.KindTagMenu, Card: id, N: 0}),
		),
	}
	if len(s.Attachments) > 0 {
		kb = append(kb, chat.Row(chat.NewButton("📎 Attachments ➜", act(chat.KindAttachMenu, id))))
	}
	return kb
}

// pickableLabels drops system labels and categories.
func pickableLabels(labels []mailbox.Label) []mailbox.Label {
	var out []mailbox.Label
	for _, l := range labels {
		if hiddenLabels[l.ID] || strings.HasPrefix(l.ID, "CATEGORY_") {
			continue
		}
		out = append(out, l)
	}
	return out
}

func tagKeyboard(card int, labels []mailbox.Label, page int) chat.Keyboard {
	valid := pickableLabels(labels)
	start := page * TagPageSize
	end := min(start+TagPageSize, len(valid))

	var kb chat.Keyboard
	for i := start; i < end; i++ {
		a := chat.Action{Kind: chat.KindTagSet, Card: card, Arg: valid[i].ID}
		if len(a.Encode()) > chat.MaxCallbackData {
			continue
		}
		kb = append(kb, chat.Row(chat.NewButton("🏷️ "+cut(valid[i].Name, 20), a)))
	}

	var nav []chat.Button
	if page > 0 {
		nav = append(nav, chat.NewButton("⬅️ Prev", chat.Action{Kind: chat.KindTagMenu, Card: card, N: page - 1}))
	}
	if start+TagPageSize < len(valid) {
		nav = append(nav, chat.NewButton("Next ➡️", chat.Action{Kind: chat.KindTagMenu, Card: card, N: page + 1}))
	}
	nav = append(nav, chat.NewButton("⬅️ Back", act(chat.KindBack, card)))
	return append(kb, nav)
}

func attachmentKeyboard(card int, atts []mailbox.Attachment) chat.Keyboard {
	var kb chat.Keyboard
	for i, a := range atts {
		kb = append(kb, chat.Row(chat.NewButton("⬇️ "+cut(a.Filename, 25), chat.Action{Kind: chat.KindAttach, Card: card, N: i})))
	}
	return append(kb, chat.Row(chat.NewButton("⬅️ Back", act(chat.KindBack, card))))
}

func forwardKeyboard(card int, recipients []string) chat.Keyboard {
	var kb chat.Keyboard
	for _, addr := range recipients {
		a := chat.Action{Kind: chat.KindForwardTo, Card: card, Arg: addr}
		if len(a.Encode()) > chat.MaxCallbackData {
			continue
		}
		kb = append(kb, chat.Row(chat.NewButton(addr, a)))
	}
	kb = append(kb, chat.Row(chat.NewButton("✉️ Other…", act(chat.KindForwardOther, card))))
	return append(kb, chat.Row(chat.NewButton("⬅️ Back", act(chat.KindBack, card))))
}
