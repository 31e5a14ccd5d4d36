package narrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	DefaultModel     = "gpt-4o-mini"
	DefaultMaxTokens = 150
	temperature      = 0.7
)

// OpenAI narrates tool results with a chat completion.
type OpenAI struct {
	client    openai.Client
	model     string
	maxTokens int64
	logger    *slog.Logger
}

// NewOpenAI creates an OpenAI narrator. Extra request options (base URL,
// retries) are passed through to the SDK client.
func NewOpenAI(apiKey, model string, maxTokens int, logger *slog.Logger, opts ...option.RequestOption) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	if model == "" {
		model = DefaultModel
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OpenAI{
		client:    openai.NewClient(opts...),
		model:     model,
		maxTokens: int64(maxTokens),
		logger:    logger,
	}, nil
}

// Narrate implements Narrator.
func (n *OpenAI) Narrate(ctx context.Context, req Request) string {
	lang := Language(req.Language)
	resp, err := n.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(n.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemMessage(lang)),
			openai.UserMessage(userPrompt(lang, req)),
		},
		MaxTokens:   openai.Int(n.maxTokens),
		Temperature: openai.Float(temperature),
	})
	if err != nil {
		n.logger.Warn("narration failed, using fallback", "tool", req.ToolName, "error", err)
		return Fallback(req)
	}
	if len(resp.Choices) == 0 {
		n.logger.Warn("narration returned no choices, using fallback", "tool", req.ToolName)
		return Fallback(req)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return Fallback(req)
	}
	return text
}

func systemMessage(lang string) string {
	return fmt.Sprintf("You are a helpful voice assistant. You turn technical API responses into natural, "+
		"conversational replies in %s.", languageNames[lang])
}

func userPrompt(lang string, req Request) string {
	data, err := json.MarshalIndent(req.Data, "", "  ")
	if err != nil {
		data = []byte(fmt.Sprint(req.Data))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "The user asked: %q\n\n", req.UserQuery)
	fmt.Fprintf(&b, "The %s function returned:\n%s\n\n", req.ToolName, data)
	fmt.Fprintf(&b, "Reply in %s only. Answer the question warmly using the returned data. ", languageNames[lang])
	b.WriteString("Keep it to two or three sentences that sound natural when spoken. ")
	b.WriteString("Do not mention APIs, functions or other technical details. ")
	b.WriteString("Return only the reply text.")
	return b.String()
}
