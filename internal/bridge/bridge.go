// Package bridge connects the mailbox to the chat. A single loop goroutine
// owns every session; blocking calls run on a bounded pool of workers and
// hand their results back to the loop as closures.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bborn/tgmail/internal/chat"
	"github.com/bborn/tgmail/internal/drafter"
	"github.com/bborn/tgmail/internal/mailbox"
	"github.com/bborn/tgmail/internal/state"
	"github.com/bborn/tgmail/internal/tracking"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"
)

// MaxDraftLength bounds the rendered draft and the body shown on a new card,
// in runes.
const MaxDraftLength = 4000

const (
	defaultPollInterval   = 15 * time.Second
	defaultWorkers        = 8
	defaultRequestTimeout = 60 * time.Second
	defaultLanguage       = "it"
)

// Transport is the chat side of the bridge.
type Transport interface {
	PostCard(ctx context.Context, text string, replyTo int) (int, error)
	EditText(ctx context.Context, card int, text string, kb chat.Keyboard) error
	EditButtons(ctx context.Context, card int, kb chat.Keyboard) error
	SendDocument(ctx context.Context, name string, data []byte) error
	AnswerCallback(ctx context.Context, id, text string, alert bool) error
	Reply(ctx context.Context, replyTo int, text string) (int, error)
	Notify(ctx context.Context, text string) error
}

// Tracking configures the pixel added to outgoing replies.
type Tracking struct {
	Enabled bool
	BaseURL string
}

// Config holds bridge settings. Workers bounds mailbox and chat calls;
// Streams bounds draft streams separately and defaults to Workers.
type Config struct {
	PollInterval    time.Duration
	Language        string
	DefaultPrompt   string
	ForwardTo       []string
	Workers         int
	Streams         int
	MaxSessions     int
	MinEditInterval time.Duration
	RequestTimeout  time.Duration
	Tracking        Tracking
}

type actionFunc func(ctx context.Context, s *Session, p chat.Press)

// Bridge runs the poll loop and reacts to chat events.
type Bridge struct {
	cfg        Config
	mail       mailbox.Mailbox
	ai         drafter.Drafter
	chat       Transport
	checkpoint state.Checkpoint
	logger     *log.Logger

	sessions   *Registry
	labels     []mailbox.Label
	labelNames map[string]string
	actions    map[chat.Kind]actionFunc

	sem         *semaphore.Weighted
	streams     *semaphore.Weighted
	done        chan struct{}
	wg          sync.WaitGroup
	completions chan func(context.Context)
	statusCh    chan statusRequest

	// Poller state. Only the single in-flight poll touches last and
	// baselined; polling is loop-owned.
	last      string
	baselined bool
	polling   bool

	now      func() time.Time
	newToken func() string
}

// New creates a bridge. Run starts it.
func New(cfg Config, mail mailbox.Mailbox, ai drafter.Drafter, t Transport, cp state.Checkpoint, logger *log.Logger) *Bridge {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Streams <= 0 {
		cfg.Streams = cfg.Workers
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.MinEditInterval < 0 {
		cfg.MinEditInterval = 0
	}
	if cfg.Language == "" {
		cfg.Language = defaultLanguage
	}

	b := &Bridge{
		cfg:         cfg,
		mail:        mail,
		ai:          ai,
		chat:        t,
		checkpoint:  cp,
		logger:      logger,
		sessions:    NewRegistry(cfg.MaxSessions),
		labelNames:  map[string]string{},
		sem:         semaphore.NewWeighted(int64(cfg.Workers)),
		streams:     semaphore.NewWeighted(int64(cfg.Streams)),
		done:        make(chan struct{}),
		completions: make(chan func(context.Context)),
		statusCh:    make(chan statusRequest),
		now:         time.Now,
		newToken:    tracking.NewToken,
	}
	b.actions = b.actionTable()
	return b
}

// Run loads labels, settles the poll baseline and then serves until ctx is
// cancelled. It waits for in-flight workers before returning.
func (b *Bridge) Run(ctx context.Context, events <-chan chat.Event) error {
	b.loadLabels(ctx)
	b.baseline(ctx)

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	defer b.wg.Wait()
	defer close(b.done)

	b.logger.Info("bridge started", "interval", b.cfg.PollInterval, "language", b.cfg.Language, "workers", b.cfg.Workers)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("bridge stopping")
			return nil
		case <-ticker.C:
			b.guard(ctx, "poll", func() { b.tick(ctx) })
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			b.guard(ctx, "event", func() { b.handle(ctx, ev) })
		case req := <-b.statusCh:
			b.guard(ctx, "status", func() { b.applyStatus(ctx, req) })
		case fn := <-b.completions:
			b.guard(ctx, "completion", func() { fn(ctx) })
		}
	}
}

func (b *Bridge) loadLabels(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	defer cancel()

	labels, err := b.mail.Labels(callCtx)
	if err != nil {
		b.logger.Warn("failed to load labels, tag picker will be empty", "error", err)
		return
	}
	b.labels = labels
	for _, l := range labels {
		b.labelNames[l.ID] = l.Name
	}
	b.logger.Debug("loaded labels", "count", len(labels))
}

// guard runs fn on the loop, reporting a panic to the operator instead of
// crashing.
func (b *Bridge) guard(ctx context.Context, where string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("recovered panic", "in", where, "panic", r)
			b.notify(ctx, fmt.Sprintf("⚠️ Error: %v", r))
		}
	}()
	fn()
}

// goWork runs fn on a new goroutine once a worker slot is free.
func (b *Bridge) goWork(ctx context.Context, fn func(ctx context.Context)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.withWorker(ctx, fn)
	}()
}

// goStream runs fn on a new goroutine once a stream slot is free.
func (b *Bridge) goStream(ctx context.Context, fn func(ctx context.Context)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.withSlot(ctx, b.streams, fn)
	}()
}

// withWorker holds a worker slot while fn runs.
func (b *Bridge) withWorker(ctx context.Context, fn func(ctx context.Context)) {
	b.withSlot(ctx, b.sem, fn)
}

func (b *Bridge) withSlot(ctx context.Context, sem *semaphore.Weighted, fn func(ctx context.Context)) {
	if err := sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer sem.Release(1)
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("recovered panic in worker", "panic", r)
			notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.RequestTimeout)
			defer cancel()
			if err := b.chat.Notify(notifyCtx, fmt.Sprintf("⚠️ Error: %v", r)); err != nil {
				b.logger.Error("failed to notify operator", "error", err)
			}
		}
	}()
	fn(ctx)
}

// post hands fn to the loop. It gives up when ctx is done.
func (b *Bridge) post(ctx context.Context, fn func(context.Context)) bool {
	select {
	case b.completions <- fn:
		return true
	case <-ctx.Done():
		return false
	}
}

// exec performs call with the request timeout and delivers its error to then
// on the loop. A nil then only logs failures.
func (b *Bridge) exec(ctx context.Context, op string, call func(context.Context) error, then func(context.Context, error)) {
	callCtx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	err := classify(op, call(callCtx))
	cancel()

	if then == nil {
		if err != nil {
			b.logger.Warn("call failed", "op", op, "error", err, "transient", IsTransient(err))
		}
		return
	}
	b.post(ctx, func(ctx context.Context) { then(ctx, err) })
}

// async runs call on a worker.
func (b *Bridge) async(ctx context.Context, op string, call func(context.Context) error, then func(context.Context, error)) {
	b.goWork(ctx, func(ctx context.Context) {
		b.exec(ctx, op, call, then)
	})
}

// serial runs call on a worker after everything queued on q before it.
func (b *Bridge) serial(ctx context.Context, q *fifo, op string, call func(context.Context) error, then func(context.Context, error)) {
	q.push(func() {
		b.withWorker(ctx, func(ctx context.Context) {
			b.exec(ctx, op, call, then)
		})
	})
}

func (b *Bridge) answer(ctx context.Context, callbackID, text string, alert bool) {
	b.async(ctx, "answer callback", func(ctx context.Context) error {
		return b.chat.AnswerCallback(ctx, callbackID, text, alert)
	}, nil)
}

func (b *Bridge) notify(ctx context.Context, text string) {
	b.async(ctx, "notify operator", func(ctx context.Context) error {
		return b.chat.Notify(ctx, text)
	}, nil)
}

func (b *Bridge) newCard(id int, text string) *card {
	return newCard(id, text, b.chat, b.cfg.RequestTimeout, &b.wg, b.logger)
}
