package drafter

import (
	"context"
	"fmt"
	"iter"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/charmbracelet/log"
)

const defaultModel = "claude-haiku-4-5-20251001"

// Config configures the Claude drafter.
type Config struct {
	APIKey    string
	Model     string
	MaxTokens int64
	// BaseURL overrides the API endpoint.
	BaseURL string
}

// Claude drafts replies with the Anthropic Messages streaming API.
type Claude struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
	logger    *log.Logger
}

// NewClaude creates a Claude drafter.
func NewClaude(cfg Config, logger *log.Logger) (*Claude, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("no API key configured")
	}
	if logger == nil {
		logger = log.Default()
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	return &Claude{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		logger:    logger,
	}, nil
}

// Stream implements Drafter. Whitespace-only chunks are not yielded.
func (c *Claude) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return nonBlank(c.deltas(ctx, req))
}

func (c *Claude) deltas(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stream := c.client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
			Model:     anthropic.F(c.model),
			MaxTokens: anthropic.Int(c.maxTokens),
			Messages: anthropic.F([]anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(BuildPrompt(req))),
			}),
		})
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			switch delta := event.Delta.(type) {
			case anthropic.ContentBlockDeltaEventDelta:
				if delta.Text == "" {
					continue
				}
				if !yield(delta.Text, nil) {
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			c.logger.Debug("stream failed", "model", c.model, "error", err)
			yield("", fmt.Errorf("claude API error: %w", err))
		}
	}
}
