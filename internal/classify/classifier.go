// Package classify derives the category and brand of an aggregate record
// from its canonical name and identifier variants using the Anthropic API.
// Classification is advisory enrichment: a failed or timed-out call never
// blocks reconciliation.
package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dealgrid/price_reconciler/internal/utils"
)

// ErrTimeout is returned when the wall-clock deadline elapses before a
// usable response arrives, retries included.
var ErrTimeout = errors.New("classify: deadline exceeded")

// Classification is the model's verdict for a record
type Classification struct {
	Category string `json:"category"`
	Brand    string `json:"brand"`
}

// Config holds classifier configuration
type Config struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Deadline    time.Duration // wall-clock budget across all attempts
	MaxAttempts int
	RetryDelay  time.Duration
}

// ApplyDefaults fills in zero-valued fields
func (c *Config) ApplyDefaults() {
	if c.Model == "" {
		c.Model = "claude-3-5-haiku-latest"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 256
	}
	if c.Deadline <= 0 {
		c.Deadline = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
}

// messageCreator is the slice of the Anthropic client the classifier uses
type messageCreator interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Classifier calls the Anthropic API to classify records
type Classifier struct {
	messages messageCreator
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a classifier backed by the real Anthropic client
func New(cfg Config, log *slog.Logger) *Classifier {
	cfg.ApplyDefaults()
	if log == nil {
		log = slog.Default()
	}

	client := anthropic.NewClient(
		option.WithAPIKey(cfg.APIKey),
		// the classifier runs its own retry loop with a wall-clock budget
		option.WithMaxRetries(0),
	)

	return &Classifier{
		messages: &client.Messages,
		cfg:      cfg,
		logger:   log,
		now:      utils.NowUTC,
	}
}

const systemPrompt = `You classify product listings for a price aggregation service.
Given a product's canonical name and known identifier variants, respond with a
single JSON object: {"category": "<short category>", "brand": "<brand or empty string>"}.
Respond with the JSON object only, no prose.`

// Classify returns the model's category/brand verdict for the record.
// It retries rate-limit and transport failures until Config.Deadline
// elapses; all other API errors fail immediately.
func (c *Classifier) Classify(ctx context.Context, canonicalName string, variants []string) (*Classification, error) {
	deadline := c.now().Add(c.cfg.Deadline)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	prompt := buildPrompt(canonicalName, variants)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrTimeout, lastErr)
			case <-time.After(c.cfg.RetryDelay):
			}
		}

		msg, err := c.messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(c.cfg.Model),
			MaxTokens: int64(c.cfg.MaxTokens),
			System: []anthropic.TextBlockParam{
				{Text: systemPrompt},
			},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
			}
			if !isRetryableAPIError(err) {
				return nil, fmt.Errorf("classify: request failed: %w", err)
			}
			lastErr = err
			c.logger.Warn("Classification attempt failed, will retry",
				"attempt", attempt,
				"error", err,
			)
			continue
		}

		result, err := parseResponse(msg)
		if err != nil {
			// a malformed body is not worth retrying at the same prompt
			return nil, err
		}
		return result, nil
	}

	return nil, fmt.Errorf("classify: retries exhausted: %w", lastErr)
}

func buildPrompt(canonicalName string, variants []string) string {
	var sb strings.Builder
	sb.WriteString("Product: ")
	sb.WriteString(canonicalName)
	if len(variants) > 0 {
		sb.WriteString("\nKnown identifiers: ")
		sb.WriteString(strings.Join(variants, ", "))
	}
	return sb.String()
}

// isRetryableAPIError reports whether the call should be retried:
// rate limits, overload and server-side failures qualify.
func isRetryableAPIError(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 529:
			return true
		}
		return false
	}
	// transport-level failures without an API status
	return true
}

func parseResponse(msg *anthropic.Message) (*Classification, error) {
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	raw := strings.TrimSpace(text.String())
	if raw == "" {
		return nil, errors.New("classify: empty response")
	}

	// tolerate fenced output even though the prompt forbids prose
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var result Classification
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("classify: malformed response: %w", err)
	}
	if result.Category == "" {
		return nil, errors.New("classify: response missing category")
	}
	result.Category = strings.ToLower(strings.TrimSpace(result.Category))
	result.Brand = strings.TrimSpace(result.Brand)
	return &result, nil
}
