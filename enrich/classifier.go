// Package enrich extracts classification tags from post text through an
// OpenAI-compatible chat API. Refusals are permanent failures; transport
// faults are transient and retried at most once per message.
package enrich

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/postgraph/tagpipe/config"
	"github.com/postgraph/tagpipe/errors"
	"github.com/postgraph/tagpipe/message"
	"github.com/postgraph/tagpipe/metric"
	"github.com/postgraph/tagpipe/pkg/retry"
)

const systemPrompt = "Extract exactly 3-5 relevant tags from the given text. " +
	"Return them in lowercase snake_case format (e.g. machine_learning). " +
	"Do not return more than 5 tags or fewer than 3 tags. " +
	`Respond with a JSON object of the form {"extract_tags": ["tag_one", "tag_two"]}.`

// tagResponse matches the JSON object the model is instructed to return
type tagResponse struct {
	ExtractTags []string `json:"extract_tags"`
}

// Classifier turns free text into normalized tags using a chat model
type Classifier struct {
	model    llms.Model
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metric.Metrics
	retryCfg retry.Config
}

// Option configures a Classifier during construction
type Option func(*Classifier) error

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Classifier) error {
		if logger == nil {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Classifier", "WithLogger", "nil logger")
		}
		c.logger = logger
		return nil
	}
}

// WithMetrics wires the enrichment counters
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Classifier) error {
		c.metrics = m
		return nil
	}
}

// WithTimeout bounds each model call
func WithTimeout(timeout time.Duration) Option {
	return func(c *Classifier) error {
		if timeout <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Classifier", "WithTimeout", "non-positive timeout")
		}
		c.timeout = timeout
		return nil
	}
}

// New builds a Classifier backed by an OpenAI-compatible endpoint. An empty
// API key falls back to "none" for local services that skip authentication.
func New(cfg config.EnrichmentConfig, opts ...Option) (*Classifier, error) {
	token := cfg.APIKey
	if token == "" {
		token = "none"
	}

	clientOpts := []openai.Option{
		openai.WithToken(token),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, openai.WithBaseURL(cfg.BaseURL))
	}

	model, err := openai.New(clientOpts...)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Classifier", "New", "create chat client")
	}

	if cfg.Timeout > 0 {
		opts = append([]Option{WithTimeout(cfg.Timeout)}, opts...)
	}
	return NewWithModel(model, opts...)
}

// NewWithModel builds a Classifier around an existing model. Used by tests
// and by callers that manage the client themselves.
func NewWithModel(model llms.Model, opts ...Option) (*Classifier, error) {
	if model == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Classifier", "NewWithModel", "nil model")
	}

	c := &Classifier{
		model:    model,
		timeout:  30 * time.Second,
		logger:   slog.Default().With("component", "enrich"),
		retryCfg: retry.Once(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ExtractTags asks the model for 3-5 tags describing text and returns the
// normalized subset. Tags that are not lowercase snake_case are dropped with
// a warning. A refusal, an empty response, or a response with no valid tags
// is a permanent failure. Transport faults get one immediate retry.
func (c *Classifier) ExtractTags(ctx context.Context, text string) ([]message.Tag, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.WrapInvalid(errors.ErrEnrichmentRefused, "Classifier", "ExtractTags", "empty input text")
	}

	raw, err := retry.DoWithResult(ctx, c.retryCfg, func() ([]string, error) {
		return c.requestTags(ctx, text)
	})
	if err != nil {
		if stderrors.Is(err, errors.ErrEnrichmentRefused) {
			c.countRequest("refused")
		} else {
			c.countRequest("error")
		}
		return nil, err
	}

	tags, dropped := message.NormalizeTags(raw)
	for _, d := range dropped {
		c.logger.Warn("dropping tag that is not snake_case", "tag", d)
	}
	if c.metrics != nil && len(dropped) > 0 {
		c.metrics.TagsDropped.Add(float64(len(dropped)))
	}

	if len(tags) == 0 {
		c.countRequest("refused")
		return nil, errors.WrapFatal(errors.ErrEnrichmentRefused, "Classifier", "ExtractTags", "no valid tags in response")
	}

	c.countRequest("success")
	c.logger.Debug("tags extracted", "count", len(tags), "dropped", len(dropped))
	return tags, nil
}

// requestTags performs a single model call and parses the JSON body
func (c *Classifier) requestTags(ctx context.Context, text string) ([]string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	content := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(systemPrompt)},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(text)},
		},
	}

	response, err := c.model.GenerateContent(callCtx, content,
		llms.WithTemperature(0.0),
		llms.WithJSONMode(),
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "Classifier", "requestTags", "generate content")
	}

	if len(response.Choices) == 0 {
		return nil, retry.NonRetryable(
			errors.WrapFatal(errors.ErrEnrichmentRefused, "Classifier", "requestTags", "no choices returned"))
	}

	body := strings.TrimSpace(response.Choices[0].Content)
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimSuffix(body, "```")
	body = strings.TrimSpace(body)

	if body == "" {
		return nil, retry.NonRetryable(
			errors.WrapFatal(errors.ErrEnrichmentRefused, "Classifier", "requestTags", "empty response body"))
	}

	var parsed tagResponse
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		// Malformed JSON from the model is worth one more attempt
		return nil, errors.WrapTransient(err, "Classifier", "requestTags", "parse response")
	}

	if len(parsed.ExtractTags) == 0 {
		return nil, retry.NonRetryable(
			errors.WrapFatal(errors.ErrEnrichmentRefused, "Classifier", "requestTags", "model returned no tags"))
	}

	return parsed.ExtractTags, nil
}

func (c *Classifier) countRequest(outcome string) {
	if c.metrics != nil {
		c.metrics.EnrichmentRequests.WithLabelValues(outcome).Inc()
	}
}
