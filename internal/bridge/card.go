package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bborn/tgmail/internal/chat"
	"github.com/charmbracelet/log"
)

// fifo runs functions one at a time in submission order. The drain goroutine
// exists only while work is pending.
type fifo struct {
	wg *sync.WaitGroup

	mu      sync.Mutex
	pending []func()
	running bool
}

func newFIFO(wg *sync.WaitGroup) *fifo {
	return &fifo{wg: wg}
}

func (q *fifo) push(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	q.wg.Add(1)
	go q.drain()
}

func (q *fifo) drain() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		fn()
	}
}

// card applies edits to one chat card in issue order. It remembers what was
// last rendered so repeated content costs no API call.
type card struct {
	id      int
	chat    Transport
	timeout time.Duration
	logger  *log.Logger
	queue   *fifo

	mu   sync.Mutex
	text string
	kb   chat.Keyboard
}

func newCard(id int, text string, t Transport, timeout time.Duration, wg *sync.WaitGroup, logger *log.Logger) *card {
	return &card{
		id:      id,
		chat:    t,
		timeout: timeout,
		logger:  logger,
		queue:   newFIFO(wg),
		text:    chat.Truncate(text, chat.MaxTextLength),
	}
}

type edit struct {
	text string
	kb   chat.Keyboard
	// buttonsOnly leaves the text alone.
	buttonsOnly bool
	// keepButtons edits the text and re-sends whatever buttons the card
	// shows when the edit is applied.
	keepButtons bool
}

// SetText replaces the card text and buttons.
func (c *card) SetText(ctx context.Context, text string, kb chat.Keyboard) <-chan error {
	return c.enqueue(ctx, edit{text: text, kb: kb})
}

// SetTextKeepButtons replaces the card text, leaving the buttons as they are.
func (c *card) SetTextKeepButtons(ctx context.Context, text string) <-chan error {
	return c.enqueue(ctx, edit{text: text, keepButtons: true})
}

// SetButtons replaces the card buttons. A nil keyboard removes them.
func (c *card) SetButtons(ctx context.Context, kb chat.Keyboard) <-chan error {
	return c.enqueue(ctx, edit{kb: kb, buttonsOnly: true})
}

// enqueue schedules e. The returned channel receives the outcome once.
func (c *card) enqueue(ctx context.Context, e edit) <-chan error {
	if !e.buttonsOnly {
		e.text = chat.Truncate(e.text, chat.MaxTextLength)
	}
	done := make(chan error, 1)
	c.queue.push(func() {
		err := c.apply(ctx, e)
		if err != nil {
			c.logger.Warn("card edit failed", "card", c.id, "error", err)
		}
		done <- err
	})
	return done
}

func (c *card) apply(ctx context.Context, e edit) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	text, kb := c.text, c.kb
	c.mu.Unlock()

	if e.buttonsOnly {
		e.text = text
	}
	if e.keepButtons {
		e.kb = kb
	}
	if e.text == text && e.kb.Equal(kb) {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var err error
	if e.buttonsOnly {
		err = c.chat.EditButtons(callCtx, c.id, e.kb)
	} else {
		err = c.chat.EditText(callCtx, c.id, e.text, e.kb)
	}
	if err != nil && !errors.Is(err, chat.ErrNotModified) {
		return fmt.Errorf("edit card %d: %w", c.id, err)
	}

	c.mu.Lock()
	c.text, c.kb = e.text, e.kb
	c.mu.Unlock()
	return nil
}

// rendered returns the last applied text and buttons.
func (c *card) rendered() (string, chat.Keyboard) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text, c.kb
}
