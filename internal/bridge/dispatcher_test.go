package bridge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/bborn/tgmail/internal/chat"
	"github.com/bborn/tgmail/internal/mailbox"
	"github.com/bborn/tgmail/internal/tracking"
)

func TestStarToggleParity(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("%d toggles", n), func(t *testing.T) {
			h := newHarness(t, nil)
			h.start(t)
			s := h.openSession(t, 10, testMessage("m1"))

			for range n {
				h.press(t, "starT|10")
			}

			var starred bool
			h.inLoop(t, func(context.Context) { starred = s.Starred })
			if starred != (n%2 == 1) {
				t.Errorf("after %d toggles Starred = %v", n, starred)
			}

			waitFor(t, "all label updates", func() bool { return len(h.mail.getCalls()) == n })
			for i, call := range h.mail.getCalls() {
				want := "modify m1 +STARRED"
				if i%2 == 1 {
					want = "modify m1 -STARRED"
				}
				if call != want {
					t.Errorf("call %d = %q, want %q", i, call, want)
				}
			}
			waitFor(t, "answers", func() bool { return len(h.chat.getAnswers()) == n })
		})
	}
}

func TestStarToggleRevertsOnFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.mail.modifyErr = errors.New("quota exceeded")
	h.start(t)
	s := h.openSession(t, 10, testMessage("m1"))

	h.press(t, "starT|10")
	waitFor(t, "error alert", func() bool {
		for _, a := range h.chat.getAnswers() {
			if a.alert && strings.HasPrefix(a.text, callbackErrPrefix) && strings.Contains(a.text, "quota exceeded") {
				return true
			}
		}
		return false
	})

	var starred bool
	h.inLoop(t, func(context.Context) { starred = s.Starred })
	if starred {
		t.Error("failed toggle was not reverted")
	}
	// Initial buttons, the optimistic "Unstar", then the revert.
	waitFor(t, "buttons restored", func() bool {
		return len(h.chat.buttonEdits(10)) == 3 && cell(h.chat.lastButtons(10), 3, 0) == "⭐ Star"
	})
}

func TestForwardToTypedAddress(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	s := h.openSession(t, 10, testMessage("m1"))

	h.press(t, "fwd|10")
	h.press(t, "fwdother|10")
	waitFor(t, "address question", func() bool { return h.chat.hasReply(askForwardText) })

	var alias int
	waitFor(t, "alias registration", func() bool {
		h.inLoop(t, func(context.Context) { alias = s.alias })
		return alias != 0
	})

	h.send(t, chat.Reply{MessageID: 500, ReplyTo: alias, Text: " a@b.com "})
	waitFor(t, "confirmation", func() bool { return h.chat.hasReply("Forwarded to a@b.com") })

	calls := h.mail.getCalls()
	if !slices.Equal(calls, []string{"forward m1 a@b.com"}) {
		t.Errorf("mailbox calls = %v, want exactly one forward", calls)
	}

	h.inLoop(t, func(context.Context) {
		if s.Awaiting != AwaitNone {
			t.Errorf("Awaiting = %v after reply", s.Awaiting)
		}
		if _, ok := h.b.sessions.Get(alias); ok {
			t.Error("alias still registered after use")
		}
	})

	// A second reply is ignored.
	h.send(t, chat.Reply{MessageID: 501, ReplyTo: 10, Text: "c@d.com"})
	time.Sleep(50 * time.Millisecond)
	if n := len(h.mail.getCalls()); n != 1 {
		t.Errorf("expected 1 mailbox call, got %d", n)
	}
}

func TestForwardMenu(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.openSession(t, 10, testMessage("m1"))

	h.press(t, "fwd|10")
	waitFor(t, "forward menu", func() bool {
		return cell(h.chat.lastButtons(10), 0, 0) == "boss@example.com"
	})

	h.press(t, "fwdto|10|boss@example.com")
	waitFor(t, "answer", func() bool { return h.chat.hasAnswer(forwardedText, false) })
	if calls := h.mail.getCalls(); !slices.Equal(calls, []string{"forward m1 boss@example.com"}) {
		t.Errorf("mailbox calls = %v", calls)
	}
	waitFor(t, "main buttons", func() bool {
		return cell(h.chat.lastButtons(10), 0, 0) == "📨 Send"
	})
}

func TestUnknownCardAnswersNotFound(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.openSession(t, 10, testMessage("m1"))

	h.press(t, "send|999")
	h.press(t, "garbage")
	h.press(t, "att|10|notanumber")

	waitFor(t, "alerts", func() bool {
		n := 0
		for _, a := range h.chat.getAnswers() {
			if a.text == notFoundText && a.alert {
				n++
			}
		}
		return n == 3
	})
	if calls := h.mail.getCalls(); len(calls) != 0 {
		t.Errorf("unexpected mailbox calls: %v", calls)
	}
}

func TestSendUsesDraftAndPixel(t *testing.T) {
	const base = "https://px.example.com/pixel"
	h := newHarness(t, func(c *Config) {
		c.Tracking = Tracking{Enabled: true, BaseURL: base}
	})
	h.b.newToken = func() string { return "tok" }
	h.ai.stream = chunks("Draft reply")
	h.start(t)
	s := h.openSession(t, 10, testMessage("m1"))

	waitFor(t, "draft", func() bool {
		var ok bool
		h.inLoop(t, func(context.Context) { ok = s.HasDraft() })
		return ok
	})

	h.press(t, "send|10")
	waitFor(t, "answer", func() bool { return h.chat.hasAnswer("📨 ok", false) })

	h.mail.mu.Lock()
	sent := append([]mailbox.Reply(nil), h.mail.sent...)
	h.mail.mu.Unlock()
	if len(sent) != 1 {
		t.Fatalf("expected 1 sent reply, got %d", len(sent))
	}
	want := mailbox.Reply{
		To:       "alice@example.com",
		Subject:  "Subject m1",
		Body:     "Draft reply",
		ThreadID: "thread-m1",
		PixelURL: tracking.PixelURL(base, "tok", 10, "Subject m1", "Body of m1"),
	}
	if sent[0] != want {
		t.Errorf("sent %+v\nwant %+v", sent[0], want)
	}

	waitFor(t, "buttons cleared", func() bool {
		edits := h.chat.buttonEdits(10)
		return len(edits) >= 2 && edits[len(edits)-1].Empty()
	})
}

func TestDraftWithoutAIUsesOriginalBody(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.openSession(t, 10, testMessage("m1"))

	h.press(t, "draft|10")
	waitFor(t, "answer", func() bool { return h.chat.hasAnswer("💾 ok", false) })

	h.mail.mu.Lock()
	defer h.mail.mu.Unlock()
	if len(h.mail.drafts) != 1 {
		t.Fatalf("expected 1 draft, got %d", len(h.mail.drafts))
	}
	if d := h.mail.drafts[0]; d.Body != "Body of m1" || d.PixelURL != "" {
		t.Errorf("unexpected draft: %+v", d)
	}
}

func TestRejectTouchesNothing(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.openSession(t, 10, testMessage("m1"))

	h.press(t, "reject|10")
	waitFor(t, "answer", func() bool { return h.chat.hasAnswer("❌ ok", false) })
	waitFor(t, "buttons cleared", func() bool {
		edits := h.chat.buttonEdits(10)
		return len(edits) >= 2 && edits[len(edits)-1].Empty()
	})
	if calls := h.mail.getCalls(); len(calls) != 0 {
		t.Errorf("unexpected mailbox calls: %v", calls)
	}
}

func TestTrashFailureAlerts(t *testing.T) {
	h := newHarness(t, nil)
	h.mail.trashErr = errors.New("forbidden")
	h.start(t)
	h.openSession(t, 10, testMessage("m1"))

	h.press(t, "trash|10")
	waitFor(t, "alert", func() bool {
		for _, a := range h.chat.getAnswers() {
			if a.alert && strings.Contains(a.text, "forbidden") {
				return true
			}
		}
		return false
	})
	if calls := h.mail.getCalls(); !slices.Equal(calls, []string{"trash m1"}) {
		t.Errorf("mailbox calls = %v", calls)
	}
	waitFor(t, "buttons cleared", func() bool {
		edits := h.chat.buttonEdits(10)
		return len(edits) >= 2 && edits[len(edits)-1].Empty()
	})
}

func TestTagPickerAndSet(t *testing.T) {
	h := newHarness(t, nil)
	h.mail.labels = []mailbox.Label{
		{ID: "INBOX", Name: "INBOX"},
		{ID: "Label_1", Name: "Work"},
		{ID: "CATEGORY_SOCIAL", Name: "Social"},
	}
	h.start(t)
	h.openSession(t, 10, testMessage("m1"))

	h.press(t, "tag|10|0")
	waitFor(t, "tag picker", func() bool {
		last := h.chat.lastButtons(10)
		return len(last) == 2 && cell(last, 0, 0) == "🏷️ Work"
	})

	h.press(t, "tagset|10|Label_9")
	waitFor(t, "not found", func() bool { return h.chat.hasAnswer(notFoundText, true) })

	h.press(t, "tagset|10|Label_1")
	waitFor(t, "label answer", func() bool { return h.chat.hasAnswer("🏷️ Work", false) })
	if calls := h.mail.getCalls(); !slices.Equal(calls, []string{"modify m1 +Label_1"}) {
		t.Errorf("mailbox calls = %v", calls)
	}
	waitFor(t, "main buttons", func() bool {
		return cell(h.chat.lastButtons(10), 0, 0) == "📨 Send"
	})
}

func TestAttachmentDownload(t *testing.T) {
	h := newHarness(t, nil)
	h.mail.attachment = []byte("%PDF")
	h.start(t)

	msg := testMessage("m1")
	msg.Attachments = []mailbox.Attachment{{Filename: "invoice.pdf", Size: 4, ID: "att-1"}}
	h.openSession(t, 10, msg)

	h.press(t, "attmenu|10")
	waitFor(t, "attachment menu", func() bool {
		last := h.chat.lastButtons(10)
		return len(last) == 2 && cell(last, 0, 0) == "⬇️ invoice.pdf"
	})

	h.press(t, "att|10|0")
	waitFor(t, "document", func() bool {
		h.chat.mu.Lock()
		defer h.chat.mu.Unlock()
		return len(h.chat.docs) == 1 && h.chat.docs[0] == "invoice.pdf"
	})

	h.press(t, "att|10|3")
	waitFor(t, "not found", func() bool { return h.chat.hasAnswer(notFoundText, true) })
}

func TestAskStartsNewDraft(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	s := h.openSession(t, 10, testMessage("m1"))

	h.press(t, "ask|10")
	waitFor(t, "prompt question", func() bool { return h.chat.hasReply(askPromptText) })

	// Replying to the card itself works as well as replying to the question.
	var awaiting Await
	h.inLoop(t, func(context.Context) { awaiting = s.Awaiting })
	if awaiting != AwaitPrompt {
		t.Fatalf("Awaiting = %v", awaiting)
	}
	h.ai.mu.Lock()
	h.ai.stream = chunks("Shorter.")
	h.ai.mu.Unlock()
	h.send(t, chat.Reply{MessageID: 600, ReplyTo: 10, Text: "make it shorter"})

	waitFor(t, "second request", func() bool { return len(h.ai.getRequests()) == 2 })
	if got := h.ai.getRequests()[1].Prompt; got != "make it shorter" {
		t.Errorf("prompt = %q", got)
	}
	waitFor(t, "new draft", func() bool {
		var d string
		h.inLoop(t, func(context.Context) { d = s.Draft })
		return d == "Shorter."
	})
}
