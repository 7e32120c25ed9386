// Package provider implements the embedder and generator capability
// interfaces on OpenAI-compatible backends.
package provider

import (
	"context"
	"fmt"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/lectern-ai/lectern/pkg/domain"
)

const (
	maxAttempts  = 3
	initialDelay = 500 * time.Millisecond
)

// Config selects the backend and models.
type Config struct {
	APIKey         string
	BaseURL        string
	EmbeddingModel string
	LLMModel       string
}

// Client implements domain.Embedder and domain.Generator.
type Client struct {
	client openai.Client
	cfg    Config
}

func New(cfg Config) *Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{client: openai.NewClient(opts...), cfg: cfg}
}

// retry runs fn up to maxAttempts with exponential backoff. Only used for
// idempotent calls.
func retry(ctx context.Context, fn func() error) error {
	delay := initialDelay
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := retry(ctx, func() error {
		resp, err := c.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Model: openai.EmbeddingModel(c.cfg.EmbeddingModel),
			Input: openai.EmbeddingNewParamsInputUnion{
				OfString: openai.String(text),
			},
		})
		if err != nil {
			return err
		}
		if len(resp.Data) == 0 {
			return fmt.Errorf("no embedding data returned")
		}
		vec := make([]float32, len(resp.Data[0].Embedding))
		for i, v := range resp.Data[0].Embedding {
			vec[i] = float32(v)
		}
		out = vec
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: embed: %v", domain.ErrExternalService, err)
	}
	return out, nil
}

// Stream generates an answer token by token, invoking onToken for every
// fragment, and returns the concatenated text. The stream is not retried;
// a broken stream surfaces to the caller with whatever was generated.
func (c *Client) Stream(ctx context.Context, system, user string, onToken func(string)) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: c.cfg.LLMModel,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	var full string
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		token := chunk.Choices[0].Delta.Content
		if token == "" {
			continue
		}
		full += token
		if onToken != nil {
			onToken(token)
		}
	}
	if err := stream.Err(); err != nil {
		return full, fmt.Errorf("%w: stream generation: %v", domain.ErrExternalService, err)
	}
	return full, nil
}

// Complete generates the full answer in one call with usage accounting.
func (c *Client) Complete(ctx context.Context, system, user string) (string, domain.Usage, error) {
	params := openai.ChatCompletionNewParams{
		Model: c.cfg.LLMModel,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	}

	var text string
	var usage domain.Usage
	err := retry(ctx, func() error {
		resp, err := c.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("no completion choices returned")
		}
		text = resp.Choices[0].Message.Content
		usage = domain.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		}
		return nil
	})
	if err != nil {
		return "", domain.Usage{}, fmt.Errorf("%w: generation: %v", domain.ErrExternalService, err)
	}
	return text, usage, nil
}

// Health embeds a probe string to verify the backend is reachable.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(c.cfg.EmbeddingModel),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfString: openai.String("ping"),
		},
	})
	if err != nil {
		return fmt.Errorf("%w: embedding backend: %v", domain.ErrExternalService, err)
	}
	return nil
}
