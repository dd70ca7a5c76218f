package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cephiq/agentloop/internal/backoff"
	"github.com/cephiq/agentloop/internal/envelope"
	"github.com/cephiq/agentloop/internal/observability"
)

// Error types carried in synthesized error envelopes.
const (
	ErrTypeParse      = "json_parse_error"
	ErrTypeValidation = "validation_error"
	ErrTypeTruncated  = "truncated_response"
	ErrTypeAPI        = "api_error"
	ErrTypeRetries    = "max_retries_exceeded"
)

// ClientConfig tunes decision requests. Metrics is optional.
type ClientConfig struct {
	Model       string
	MaxTokens   int
	Temperature float64
	MaxRetries  int
	Metrics     *observability.Metrics
}

// Client turns completions into validated envelope decisions. Every failure
// mode comes back as a typed error envelope, never a panic: the decision
// loop always receives a well-formed decision.
type Client struct {
	provider Provider
	config   ClientConfig
	policy   backoff.Policy
	logger   *slog.Logger
}

// NewClient creates a decision client over the given provider.
func NewClient(provider Provider, cfg ClientConfig) *Client {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 8000
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	return &Client{
		provider: provider,
		config:   cfg,
		policy:   backoff.DefaultPolicy(),
		logger:   slog.Default().With("component", "llm", "provider", provider.Name()),
	}
}

// ProviderName reports the backing provider's name for labeling.
func (c *Client) ProviderName() string {
	return c.provider.Name()
}

// Decide runs one completion and pushes the output through the envelope
// codec: parse, normalize, auto-repair, validate. Validation failures are
// reported through the returned error list alongside the repaired envelope.
func (c *Client) Decide(ctx context.Context, system string, messages []Message) (*envelope.Envelope, *Usage, []string) {
	req := &CompletionRequest{
		Model:       c.config.Model,
		System:      system,
		Messages:    messages,
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
	}

	text, usage, err := c.provider.Complete(ctx, req)
	if err != nil {
		c.logger.Error("completion failed", "error", err)
		return envelope.NewErrorEnvelope(err.Error(), ErrTypeAPI), usage, nil
	}

	env, err := envelope.Parse(text)
	if err != nil {
		if errors.Is(err, envelope.ErrTruncated) {
			// Fail fast so the retry can ask for a longer response.
			c.logger.Warn("truncated response", "length", len(text))
			c.countRepair("truncated")
			return envelope.NewErrorEnvelope(err.Error(), ErrTypeTruncated), usage, nil
		}
		c.logger.Warn("unparseable response", "error", err)
		c.countRepair("parse_error")
		return envelope.NewErrorEnvelope(err.Error(), ErrTypeParse), usage, nil
	}

	env = envelope.Normalize(env)
	env = envelope.AutoRepair(env)

	if valid, problems := envelope.Validate(env); !valid {
		c.logger.Warn("envelope failed validation", "problems", len(problems))
		c.countRepair("validation_error")
		return env, usage, problems
	}
	return env, usage, nil
}

func (c *Client) countRepair(kind string) {
	if c.config.Metrics != nil {
		c.config.Metrics.EnvelopeRepairCounter.WithLabelValues(kind).Inc()
	}
}

// DecideWithRetry reprompts on parse and validation failures: the
// validator's findings are appended to the conversation with an instruction
// to emit a corrected envelope, with backoff between attempts.
func (c *Client) DecideWithRetry(ctx context.Context, system string, messages []Message) (*envelope.Envelope, *Usage) {
	total := &Usage{}
	convo := make([]Message, len(messages))
	copy(convo, messages)

	var lastEnv *envelope.Envelope
	for attempt := 1; attempt <= c.config.MaxRetries; attempt++ {
		env, usage, problems := c.Decide(ctx, system, convo)
		if usage != nil {
			total.InputTokens += usage.InputTokens
			total.OutputTokens += usage.OutputTokens
		}
		lastEnv = env

		feedback := retryFeedback(env, problems)
		if feedback == "" {
			return env, total
		}

		c.logger.Info("retrying decision", "attempt", attempt, "max", c.config.MaxRetries)
		convo = append(convo, Message{Role: "user", Content: feedback})

		if attempt < c.config.MaxRetries {
			if err := backoff.Sleep(ctx, c.policy.Delay(attempt)); err != nil {
				return env, total
			}
		}
	}

	c.logger.Error("decision retries exhausted", "attempts", c.config.MaxRetries)
	msg := fmt.Sprintf("no valid envelope after %d attempts", c.config.MaxRetries)
	if lastEnv != nil && lastEnv.Error != nil {
		msg = fmt.Sprintf("%s: last error %s", msg, lastEnv.Error.ErrorMessage)
	}
	return envelope.NewErrorEnvelope(msg, ErrTypeRetries), total
}

// retryFeedback builds the corrective user turn for a failed decision, or
// returns "" when the decision is acceptable.
func retryFeedback(env *envelope.Envelope, problems []string) string {
	if len(problems) > 0 {
		var sb strings.Builder
		sb.WriteString("Your previous envelope failed validation:\n")
		for _, p := range problems {
			sb.WriteString("- ")
			sb.WriteString(p)
			sb.WriteString("\n")
		}
		sb.WriteString("Please emit a valid envelope that fixes these issues.")
		return sb.String()
	}

	if env.State == envelope.StateError && env.Error != nil {
		switch env.Error.ErrorType {
		case ErrTypeParse:
			return "Your previous response was not parseable JSON. Emit exactly one JSON envelope object, nothing else."
		case ErrTypeTruncated:
			return "Your previous response was cut off mid-object. Emit a complete, shorter JSON envelope."
		}
	}
	return ""
}
