package bridge

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bborn/tgmail/internal/drafter"
)

// startDraft begins a renderer pass for s, superseding any pass in flight.
func (b *Bridge) startDraft(ctx context.Context, s *Session, prompt string) {
	if s.cancelDraft != nil {
		s.cancelDraft()
	}
	s.generation++
	gen := s.generation

	passCtx, cancel := context.WithCancel(ctx)
	s.cancelDraft = cancel

	req := drafter.Request{Prompt: prompt, Source: s.OriginalBody, Language: s.Language}
	b.logger.Debug("starting draft", "card", s.CardID, "generation", gen)
	b.goStream(passCtx, func(ctx context.Context) {
		b.render(ctx, s, gen, req)
	})
}

// render consumes one draft stream. Throttled progress edits and the final
// draft are applied on the loop, and only while gen is still the newest pass.
func (b *Bridge) render(ctx context.Context, s *Session, gen uint64, req drafter.Request) {
	streamCtx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	defer cancel()

	var buf strings.Builder
	var runes int
	var lastEdit time.Time
	for chunk, err := range b.ai.Stream(streamCtx, req) {
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Error("draft stream failed", "card", s.CardID, "error", err)
			}
			break
		}
		buf.WriteString(chunk)
		runes += utf8.RuneCountInString(chunk)
		if runes >= MaxDraftLength {
			break
		}

		if now := b.now(); now.Sub(lastEdit) >= b.cfg.MinEditInterval {
			lastEdit = now
			text := s.streamText(buf.String())
			b.post(ctx, func(loopCtx context.Context) {
				if s.generation != gen {
					return
				}
				s.card.SetTextKeepButtons(loopCtx, text)
			})
		}
	}
	if ctx.Err() != nil {
		// Superseded, evicted or shutting down.
		return
	}

	draft := s.fitDraft(buf.String())
	b.post(ctx, func(loopCtx context.Context) {
		if s.generation != gen {
			return
		}
		if s.cancelDraft != nil {
			s.cancelDraft()
			s.cancelDraft = nil
		}
		if blank(draft) {
			// Progress from a superseded pass may still be on the card.
			b.logger.Debug("empty draft", "card", s.CardID)
		} else {
			s.Draft, s.hasDraft = draft, true
		}
		s.card.SetTextKeepButtons(loopCtx, s.currentText())
	})
}
