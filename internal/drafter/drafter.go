// Package drafter produces AI reply drafts as a lazy sequence of text chunks.
package drafter

import (
	"context"
	"fmt"
	"iter"
	"strings"
)

// MaxSourceChars bounds the mail text included in a prompt.
const MaxSourceChars = 20000

// Request describes one drafting call.
type Request struct {
	// Prompt is the instruction, e.g. "write a polite reply".
	Prompt string
	// Source is the mail body the instruction applies to.
	Source   string
	Language string
}

// Drafter streams a completion for a request. The sequence ends early when
// the consumer stops ranging or ctx is cancelled; a failure is yielded once
// as the final element.
type Drafter interface {
	Stream(ctx context.Context, req Request) iter.Seq2[string, error]
}

// BuildPrompt renders the single user message sent to the model.
func BuildPrompt(req Request) string {
	source := req.Source
	if runes := []rune(source); len(runes) > MaxSourceChars {
		source = string(runes[:MaxSourceChars])
	}
	return fmt.Sprintf("%s\n\nRespond in %s.\n\n%s", req.Prompt, req.Language, source)
}

// nonBlank drops whitespace-only chunks.
func nonBlank(seq iter.Seq2[string, error]) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for chunk, err := range seq {
			if err == nil && strings.TrimSpace(chunk) == "" {
				continue
			}
			if !yield(chunk, err) {
				return
			}
		}
	}
}
