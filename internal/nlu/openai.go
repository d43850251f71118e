package nlu

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/StepFlow/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/tidwall/gjson"
)

// chatService defines the minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIOpts holds configuration for the OpenAI classifier.
type OpenAIOpts struct {
	APIKey  string
	Model   string
	Intents []string // intent labels the model may answer with
}

// OpenAIOption configures the OpenAI classifier.
type OpenAIOption func(*OpenAIOpts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) OpenAIOption {
	return func(o *OpenAIOpts) { o.APIKey = key }
}

// WithModel overrides the chat model.
func WithModel(model string) OpenAIOption {
	return func(o *OpenAIOpts) { o.Model = model }
}

// WithIntents sets the closed set of intents the model chooses from.
func WithIntents(intents ...string) OpenAIOption {
	return func(o *OpenAIOpts) { o.Intents = intents }
}

// OpenAIClassifier asks a chat model for a JSON classification.
type OpenAIClassifier struct {
	chat    chatService
	model   string
	intents []string
}

// NewOpenAIClassifier initializes a classifier backed by the OpenAI API.
func NewOpenAIClassifier(opts ...OpenAIOption) (*OpenAIClassifier, error) {
	cfg := OpenAIOpts{Model: openai.ChatModelGPT4oMini}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("NewOpenAIClassifier: client created", "model", cfg.Model, "intents", len(cfg.Intents))
	return &OpenAIClassifier{chat: &cli.Chat.Completions, model: cfg.Model, intents: cfg.Intents}, nil
}

func (c *OpenAIClassifier) systemPrompt(hints []string) string {
	var b strings.Builder
	b.WriteString("You classify one chat message for a booking assistant. ")
	b.WriteString(`Answer with a single JSON object: {"intent": string, "confidence": number, "entities": [{"role": string, "value": string}]}. `)
	if len(c.intents) > 0 {
		fmt.Fprintf(&b, "intent must be one of %q or empty when none applies. ", c.intents)
	}
	if len(hints) > 0 {
		fmt.Fprintf(&b, "The assistant is currently waiting for one of %q. ", hints)
	}
	fmt.Fprintf(&b, "Entity roles: %q for e-mail addresses, %q and %q for a person's name.", RoleEmail, RoleFirstName, RoleLastName)
	return b.String()
}

// Classify implements Classifier.
func (c *OpenAIClassifier) Classify(ctx context.Context, text string, hints []string) (Classification, error) {
	if strings.TrimSpace(text) == "" {
		return Classification{}, ErrEmptyText
	}
	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(c.systemPrompt(hints)),
			openai.UserMessage(text),
		},
		Temperature: openai.Float(0),
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		slog.Error("OpenAIClassifier Classify: request failed", "error", err)
		return Classification{}, fmt.Errorf("openai classification failed: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return Classification{}, ErrNoChoicesReturned
	}
	res, err := parseAnswer(resp.Choices[0].Message.Content)
	if err != nil {
		return Classification{}, err
	}
	if res.Intent != "" && len(c.intents) > 0 && !contains(c.intents, res.Intent) && !contains(hints, res.Intent) {
		slog.Debug("OpenAIClassifier Classify: dropping unknown intent", "intent", res.Intent)
		res.Intent = ""
	}
	slog.Debug("OpenAIClassifier Classify succeeded", "intent", res.Intent, "entities", len(res.Entities))
	return res, nil
}

// parseAnswer reads the model's JSON, tolerating surrounding prose or code fences.
func parseAnswer(content string) (Classification, error) {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end < start {
		return Classification{}, fmt.Errorf("%w: %q", ErrMalformedAnswer, content)
	}
	raw := content[start : end+1]
	if !gjson.Valid(raw) {
		return Classification{}, fmt.Errorf("%w: %q", ErrMalformedAnswer, raw)
	}
	answer := gjson.Parse(raw)
	res := Classification{
		Intent:     strings.TrimSpace(answer.Get("intent").String()),
		Confidence: answer.Get("confidence").Float(),
	}
	answer.Get("entities").ForEach(func(_, e gjson.Result) bool {
		role, value := e.Get("role").String(), strings.TrimSpace(e.Get("value").String())
		if role != "" && value != "" {
			res.Entities = append(res.Entities, models.Entity{Role: role, Value: value})
		}
		return true
	})
	return res, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
