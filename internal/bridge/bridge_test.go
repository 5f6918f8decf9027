package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bborn/tgmail/internal/chat"
	"github.com/bborn/tgmail/internal/drafter"
	"github.com/bborn/tgmail/internal/mailbox"
	"github.com/charmbracelet/log"
)

// fakeMailbox records mutating calls in order.
type fakeMailbox struct {
	mu          sync.Mutex
	latest      string
	latestErr   error
	latestCalls int
	messages    map[string]*mailbox.Message
	labels      []mailbox.Label
	attachment  []byte
	modifyErr   error
	trashErr    error
	calls       []string
	sent        []mailbox.Reply
	drafts      []mailbox.Reply
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{messages: map[string]*mailbox.Message{}}
}

func (f *fakeMailbox) setLatest(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest, f.latestErr = id, err
	if id != "" && f.messages[id] == nil {
		f.messages[id] = testMessage(id)
	}
}

func (f *fakeMailbox) LatestMessageID(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latestCalls++
	return f.latest, f.latestErr
}

func (f *fakeMailbox) FetchMessage(ctx context.Context, id string) (*mailbox.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return nil, mailbox.ErrNotFound
	}
	return m, nil
}

func (f *fakeMailbox) ModifyLabels(ctx context.Context, id string, add, remove []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := "modify " + id
	for _, l := range add {
		call += " +" + l
	}
	for _, l := range remove {
		call += " -" + l
	}
	f.calls = append(f.calls, call)
	return f.modifyErr
}

func (f *fakeMailbox) SendReply(ctx context.Context, r mailbox.Reply) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "send "+r.To)
	f.sent = append(f.sent, r)
	return nil
}

func (f *fakeMailbox) SaveDraft(ctx context.Context, r mailbox.Reply) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "draft "+r.To)
	f.drafts = append(f.drafts, r)
	return nil
}

func (f *fakeMailbox) Forward(ctx context.Context, id, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "forward "+id+" "+to)
	return nil
}

func (f *fakeMailbox) Trash(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "trash "+id)
	return f.trashErr
}

func (f *fakeMailbox) AttachmentBytes(ctx context.Context, id string, a mailbox.Attachment) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attachment, nil
}

func (f *fakeMailbox) Labels(ctx context.Context) ([]mailbox.Label, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.labels, nil
}

func (f *fakeMailbox) getCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeMailbox) getLatestCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latestCalls
}

type streamFunc func(ctx context.Context, req drafter.Request) iter.Seq2[string, error]

type fakeDrafter struct {
	mu     sync.Mutex
	reqs   []drafter.Request
	stream streamFunc
}

func (f *fakeDrafter) Stream(ctx context.Context, req drafter.Request) iter.Seq2[string, error] {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	fn := f.stream
	f.mu.Unlock()
	if fn == nil {
		return func(yield func(string, error) bool) {}
	}
	return fn(ctx, req)
}

func (f *fakeDrafter) getRequests() []drafter.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]drafter.Request(nil), f.reqs...)
}

func chunks(cs ...string) streamFunc {
	return func(ctx context.Context, req drafter.Request) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) {
			for _, c := range cs {
				if !yield(c, nil) {
					return
				}
			}
		}
	}
}

type editCall struct {
	card        int
	text        string
	kb          chat.Keyboard
	buttonsOnly bool
}

type answerCall struct {
	id    string
	text  string
	alert bool
}

type replyCall struct {
	replyTo int
	text    string
}

type fakeTransport struct {
	mu      sync.Mutex
	nextID  int
	posts   []string
	edits   []editCall
	answers []answerCall
	replies []replyCall
	docs    []string
	notes   []string
	editErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{nextID: 100}
}

func (f *fakeTransport) PostCard(ctx context.Context, text string, replyTo int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.posts = append(f.posts, text)
	return f.nextID, nil
}

func (f *fakeTransport) EditText(ctx context.Context, card int, text string, kb chat.Keyboard) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	f.edits = append(f.edits, editCall{card: card, text: text, kb: kb})
	return nil
}

func (f *fakeTransport) EditButtons(ctx context.Context, card int, kb chat.Keyboard) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	f.edits = append(f.edits, editCall{card: card, kb: kb, buttonsOnly: true})
	return nil
}

func (f *fakeTransport) SendDocument(ctx context.Context, name string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, name)
	return nil
}

func (f *fakeTransport) AnswerCallback(ctx context.Context, id, text string, alert bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, answerCall{id: id, text: text, alert: alert})
	return nil
}

func (f *fakeTransport) Reply(ctx context.Context, replyTo int, text string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.replies = append(f.replies, replyCall{replyTo: replyTo, text: text})
	return f.nextID, nil
}

func (f *fakeTransport) Notify(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, text)
	return nil
}

func (f *fakeTransport) getPosts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.posts...)
}

func (f *fakeTransport) getEdits() []editCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]editCall(nil), f.edits...)
}

func (f *fakeTransport) textEdits(card int) []string {
	var out []string
	for _, e := range f.getEdits() {
		if e.card == card && !e.buttonsOnly {
			out = append(out, e.text)
		}
	}
	return out
}

func (f *fakeTransport) buttonEdits(card int) []chat.Keyboard {
	var out []chat.Keyboard
	for _, e := range f.getEdits() {
		if e.card == card && e.buttonsOnly {
			out = append(out, e.kb)
		}
	}
	return out
}

func (f *fakeTransport) lastButtons(card int) chat.Keyboard {
	edits := f.buttonEdits(card)
	if len(edits) == 0 {
		return nil
	}
	return edits[len(edits)-1]
}

// cell returns the text of a button, or "" when there is none.
func cell(kb chat.Keyboard, row, col int) string {
	if row >= len(kb) || col >= len(kb[row]) {
		return ""
	}
	return kb[row][col].Text
}

func (f *fakeTransport) getAnswers() []answerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]answerCall(nil), f.answers...)
}

func (f *fakeTransport) hasAnswer(text string, alert bool) bool {
	for _, a := range f.getAnswers() {
		if a.text == text && a.alert == alert {
			return true
		}
	}
	return false
}

func (f *fakeTransport) getReplies() []replyCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]replyCall(nil), f.replies...)
}

func (f *fakeTransport) hasReply(text string) bool {
	for _, r := range f.getReplies() {
		if r.text == text {
			return true
		}
	}
	return false
}

type memCheckpoint struct {
	mu       sync.Mutex
	last     string
	setErr   error
	setCalls int
}

func (m *memCheckpoint) Last() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, nil
}

func (m *memCheckpoint) SetLast(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCalls++
	if m.setErr != nil {
		return m.setErr
	}
	m.last = id
	return nil
}

func (m *memCheckpoint) get() (last string, calls int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.setCalls
}

func (m *memCheckpoint) setError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setErr = err
}

func testMessage(id string) *mailbox.Message {
	return &mailbox.Message{
		ID:       id,
		ThreadID: "thread-" + id,
		Sender:   "alice@example.com",
		Subject:  "Subject " + id,
		Body:     "Body of " + id,
	}
}

type harness struct {
	b      *Bridge
	mail   *fakeMailbox
	ai     *fakeDrafter
	chat   *fakeTransport
	cp     *memCheckpoint
	events chan chat.Event
	ctx    context.Context
}

func testConfig() Config {
	return Config{
		PollInterval:   time.Hour,
		Language:       "en",
		DefaultPrompt:  "reply politely",
		ForwardTo:      []string{"boss@example.com"},
		Workers:        4,
		MaxSessions:    100,
		RequestTimeout: 5 * time.Second,
	}
}

func newHarness(t *testing.T, configure func(*Config)) *harness {
	t.Helper()
	cfg := testConfig()
	if configure != nil {
		configure(&cfg)
	}
	h := &harness{
		mail:   newFakeMailbox(),
		ai:     &fakeDrafter{},
		chat:   newFakeTransport(),
		cp:     &memCheckpoint{},
		events: make(chan chat.Event),
	}
	h.b = New(cfg, h.mail, h.ai, h.chat, h.cp, log.New(io.Discard))
	return h
}

// start runs the bridge until the test ends.
func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx
	done := make(chan error, 1)
	go func() { done <- h.b.Run(ctx, h.events) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("bridge did not stop")
		}
	})
}

// inLoop runs fn on the bridge loop and waits for it.
func (h *harness) inLoop(t *testing.T, fn func(ctx context.Context)) {
	t.Helper()
	done := make(chan struct{})
	if !h.b.post(h.ctx, func(ctx context.Context) {
		fn(ctx)
		close(done)
	}) {
		t.Fatal("bridge loop is not running")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not run closure")
	}
}

func (h *harness) send(t *testing.T, ev chat.Event) {
	t.Helper()
	select {
	case h.events <- ev:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not accept event")
	}
}

func (h *harness) press(t *testing.T, data string) {
	t.Helper()
	h.send(t, chat.NewPress("cb-"+data, 0, data))
}

// openSession creates a session for msg on card id as the poller would.
func (h *harness) openSession(t *testing.T, id int, msg *mailbox.Message) *Session {
	t.Helper()
	var s *Session
	h.inLoop(t, func(ctx context.Context) {
		h.b.open(ctx, msg, id)
		s, _ = h.b.sessions.Get(id)
	})
	return s
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestPollCoalescesToNewestMail(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.PollInterval = 10 * time.Millisecond })
	h.cp.last = "m1"
	// m2 and m3 both arrived since the last poll.
	h.mail.setLatest("m3", nil)
	h.start(t)

	waitFor(t, "card to be posted", func() bool { return len(h.chat.getPosts()) == 1 })
	waitFor(t, "a few more polls", func() bool { return h.mail.getLatestCalls() >= 4 })

	posts := h.chat.getPosts()
	if len(posts) != 1 {
		t.Fatalf("expected 1 card, got %d", len(posts))
	}
	if !strings.Contains(posts[0], "Subject m3") {
		t.Errorf("card is not for the newest mail: %q", posts[0])
	}
	if last, _ := h.cp.get(); last != "m3" {
		t.Errorf("checkpoint = %q, want m3", last)
	}

	h.inLoop(t, func(context.Context) {
		s, ok := h.b.sessions.Get(101)
		if !ok {
			t.Error("no session for the posted card")
			return
		}
		if s.MailID != "m3" || s.Language != "en" {
			t.Errorf("unexpected session: %+v", s)
		}
	})
}

func TestPollAdoptsBaselineWithoutReplay(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.PollInterval = 10 * time.Millisecond })
	h.mail.setLatest("m1", nil)
	h.start(t)

	waitFor(t, "polls", func() bool { return h.mail.getLatestCalls() >= 4 })
	if n := len(h.chat.getPosts()); n != 0 {
		t.Fatalf("existing mail was replayed: %d cards", n)
	}

	h.mail.setLatest("m2", nil)
	waitFor(t, "card for new mail", func() bool { return len(h.chat.getPosts()) == 1 })
	if !strings.Contains(h.chat.getPosts()[0], "Subject m2") {
		t.Errorf("unexpected card: %q", h.chat.getPosts()[0])
	}
}

func TestPollAdoptsBaselineAfterStartupFailure(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.PollInterval = 10 * time.Millisecond })
	h.mail.setLatest("", errors.New("network down"))
	h.start(t)

	waitFor(t, "failed polls", func() bool { return h.mail.getLatestCalls() >= 3 })
	h.mail.setLatest("m1", nil)
	before := h.mail.getLatestCalls()
	waitFor(t, "successful polls", func() bool { return h.mail.getLatestCalls() >= before+3 })

	if n := len(h.chat.getPosts()); n != 0 {
		t.Fatalf("baseline mail was posted: %d cards", n)
	}

	h.mail.setLatest("m2", nil)
	waitFor(t, "card for new mail", func() bool { return len(h.chat.getPosts()) == 1 })
}

func TestPollDoesNotAdvanceWhenCheckpointFails(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.PollInterval = 10 * time.Millisecond })
	h.cp.last = "m1"
	h.cp.setErr = errors.New("disk full")
	h.mail.setLatest("m2", nil)
	h.start(t)

	waitFor(t, "checkpoint attempts", func() bool {
		_, calls := h.cp.get()
		return calls >= 2
	})
	if n := len(h.chat.getPosts()); n != 0 {
		t.Fatalf("card posted without a saved checkpoint: %d", n)
	}

	h.cp.setError(nil)
	waitFor(t, "card after recovery", func() bool { return len(h.chat.getPosts()) == 1 })
	if last, _ := h.cp.get(); last != "m2" {
		t.Errorf("checkpoint = %q, want m2", last)
	}
}

func TestNewCardGetsButtonsAndDraft(t *testing.T) {
	h := newHarness(t, nil)
	h.ai.stream = chunks("Thanks!")
	h.start(t)

	msg := testMessage("m1")
	msg.Labels = []string{mailbox.LabelInbox, mailbox.LabelStarred}
	s := h.openSession(t, 10, msg)

	waitFor(t, "draft", func() bool {
		var ok bool
		h.inLoop(t, func(context.Context) { ok = s.HasDraft() })
		return ok
	})

	// The card applies edits on its own goroutine, after the loop has
	// recorded the draft.
	waitFor(t, "buttons attached", func() bool { return len(h.chat.buttonEdits(10)) > 0 })
	var starLabel string
	h.inLoop(t, func(context.Context) { starLabel = mainKeyboard(s)[3][0].Text })
	if starLabel != "⭐ Unstar" {
		t.Errorf("starred mail shows %q", starLabel)
	}

	reqs := h.ai.getRequests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 draft request, got %d", len(reqs))
	}
	want := drafter.Request{Prompt: "reply politely", Source: "Body of m1", Language: "en"}
	if reqs[0] != want {
		t.Errorf("request = %+v, want %+v", reqs[0], want)
	}
}

func TestSlowDraftDoesNotBlockActions(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Workers = 1
		c.Streams = 1
	})
	h.ai.stream = func(ctx context.Context, req drafter.Request) iter.Seq2[string, error] {
		return func(yield func(string, error) bool) { <-ctx.Done() }
	}
	h.start(t)
	h.openSession(t, 10, testMessage("m1"))
	h.openSession(t, 11, testMessage("m2"))
	waitFor(t, "first draft request", func() bool { return len(h.ai.getRequests()) >= 1 })

	h.press(t, "starT|10")
	waitFor(t, "label update while drafts stream", func() bool {
		return slices.Contains(h.mail.getCalls(), "modify m1 +STARRED")
	})
	waitFor(t, "star answer", func() bool { return h.chat.hasAnswer("⭐ on", false) })
}

func TestStartCommand(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	h.send(t, chat.Command{MessageID: 5, Name: "start"})
	waitFor(t, "ready reply", func() bool { return h.chat.hasReply(readyText) })
	if r := h.chat.getReplies()[0]; r.replyTo != 5 {
		t.Errorf("reply sent to %d, want 5", r.replyTo)
	}
}

func TestWorkerPanicIsReported(t *testing.T) {
	h := newHarness(t, nil)
	h.ai.stream = func(ctx context.Context, req drafter.Request) iter.Seq2[string, error] {
		panic("boom")
	}
	h.start(t)

	h.openSession(t, 10, testMessage("m1"))
	waitFor(t, "operator notice", func() bool {
		h.chat.mu.Lock()
		defer h.chat.mu.Unlock()
		return len(h.chat.notes) == 1 && h.chat.notes[0] == "⚠️ Error: boom"
	})
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&TransientError{Op: "x", Err: errors.New("y")}, true},
		{&chat.Error{Op: "sendMessage", Code: 429, Err: errors.New("slow down")}, true},
		{&mailbox.Error{Op: "list", Code: 503, Err: errors.New("unavailable")}, true},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), true},
		{&mailbox.Error{Op: "get", Code: 404, Err: errors.New("gone")}, false},
		{errors.New("plain"), false},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	if classify("op", nil) != nil {
		t.Error("classify(nil) should be nil")
	}

	var te *TransientError
	if err := classify("list", &mailbox.Error{Code: 503, Err: errors.New("x")}); !errors.As(err, &te) || te.Op != "list" {
		t.Errorf("expected TransientError, got %v", err)
	}

	err := classify("get", &mailbox.Error{Code: 404, Err: errors.New("x")})
	if errors.As(err, &te) {
		t.Error("404 should not be transient")
	}
	if !errors.Is(err, mailbox.ErrNotFound) {
		t.Errorf("expected wrapped ErrNotFound, got %v", err)
	}
}
