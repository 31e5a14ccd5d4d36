package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/genai"

	"github.com/alecgard/voxdesk/internal/toolschema"
)

// ErrEmptyResponse is returned when the model answers without candidates.
var ErrEmptyResponse = errors.New("model returned no candidates")

// Gemini is a Model backed by the Gemini API.
type Gemini struct {
	client *genai.Client
	logger *slog.Logger
}

// NewGemini creates a Gemini model client for the given API key.
func NewGemini(ctx context.Context, apiKey string, logger *slog.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gemini{client: client, logger: logger}, nil
}

// StartChat implements Model. No request is made until the first Send.
func (g *Gemini) StartChat(_ context.Context, cfg ChatConfig) (Chat, error) {
	if cfg.Model == "" {
		return nil, errors.New("model is required")
	}
	return &geminiChat{
		models: g.client.Models,
		model:  cfg.Model,
		config: generateConfig(cfg),
		logger: g.logger,
	}, nil
}

// contentGenerator is the subset of genai.Models a chat needs.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type geminiChat struct {
	models  contentGenerator
	model   string
	config  *genai.GenerateContentConfig
	history []*genai.Content
	pending []*genai.Part
	logger  *slog.Logger
}

func (c *geminiChat) Send(ctx context.Context, parts []Part) (*Response, error) {
	userParts := append(c.pending, toGenaiParts(parts)...)
	user := &genai.Content{Role: string(genai.RoleUser), Parts: userParts}

	contents := append(append([]*genai.Content{}, c.history...), user)
	resp, err := c.models.GenerateContent(ctx, c.model, contents, c.config)
	if err != nil {
		return nil, fmt.Errorf("generating content: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, ErrEmptyResponse
	}

	c.pending = nil
	c.history = append(c.history, user)
	cand := resp.Candidates[0]
	if cand.Content != nil && len(cand.Content.Parts) > 0 {
		model := cand.Content
		if model.Role == "" {
			model.Role = string(genai.RoleModel)
		}
		c.history = append(c.history, model)
	}

	out := fromGenaiResponse(resp)
	c.logger.Debug("gemini turn",
		"model", c.model,
		"finish_reason", string(cand.FinishReason),
		"total_tokens", out.Usage.TotalTokens,
	)
	return out, nil
}

func (c *geminiChat) Record(responses []FunctionResponse) {
	for _, r := range responses {
		c.pending = append(c.pending, &genai.Part{FunctionResponse: &genai.FunctionResponse{
			ID:       r.ID,
			Name:     r.Name,
			Response: r.Response,
		}})
	}
}

func generateConfig(cfg ChatConfig) *genai.GenerateContentConfig {
	gc := &genai.GenerateContentConfig{Temperature: cfg.Temperature}
	if cfg.SystemInstruction != "" {
		gc.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: cfg.SystemInstruction}},
		}
	}
	if len(cfg.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(cfg.Tools))
		for _, d := range cfg.Tools {
			decls = append(decls, toFunctionDeclaration(d))
		}
		gc.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return gc
}

var schemaTypes = map[string]genai.Type{
	"string":  genai.TypeString,
	"integer": genai.TypeInteger,
	"number":  genai.TypeNumber,
	"boolean": genai.TypeBoolean,
	"object":  genai.TypeObject,
}

func toFunctionDeclaration(d toolschema.Declaration) *genai.FunctionDeclaration {
	props := make(map[string]*genai.Schema, len(d.Parameters.Properties))
	for name, p := range d.Parameters.Properties {
		props[name] = &genai.Schema{
			Type:        schemaTypes[p.Type],
			Description: p.Description,
			Enum:        p.Enum,
		}
	}
	return &genai.FunctionDeclaration{
		Name:        d.Name,
		Description: d.Description,
		Parameters: &genai.Schema{
			Type:       genai.TypeObject,
			Properties: props,
			Required:   d.Parameters.Required,
		},
	}
}

func toGenaiParts(parts []Part) []*genai.Part {
	out := make([]*genai.Part, 0, len(parts))
	for _, p := range parts {
		switch {
		case p.FunctionResponse != nil:
			out = append(out, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID: p.FunctionResponse.ID, Name: p.FunctionResponse.Name, Response: p.FunctionResponse.Response,
			}})
		case p.FunctionCall != nil:
			out = append(out, &genai.Part{FunctionCall: &genai.FunctionCall{
				ID: p.FunctionCall.ID, Name: p.FunctionCall.Name, Args: p.FunctionCall.Args,
			}})
		default:
			out = append(out, &genai.Part{Text: p.Text})
		}
	}
	return out
}

func fromGenaiResponse(resp *genai.GenerateContentResponse) *Response {
	out := &Response{FinishReason: FinishOther}
	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		out.FinishReason = mapFinishReason(cand.FinishReason)
		if cand.Content != nil {
			for _, p := range cand.Content.Parts {
				if p == nil {
					continue
				}
				switch {
				case p.FunctionCall != nil:
					out.Parts = append(out.Parts, Part{FunctionCall: &FunctionCall{
						ID: p.FunctionCall.ID, Name: p.FunctionCall.Name, Args: p.FunctionCall.Args,
					}})
				case p.Text != "" && !p.Thought:
					out.Parts = append(out.Parts, Part{Text: p.Text})
				}
			}
		}
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = Usage{
			PromptTokens: int64(u.PromptTokenCount),
			OutputTokens: int64(u.CandidatesTokenCount),
			TotalTokens:  int64(u.TotalTokenCount),
		}
	}
	return out
}

func mapFinishReason(r genai.FinishReason) FinishReason {
	switch r {
	case genai.FinishReasonStop, "":
		return FinishStop
	case genai.FinishReasonMaxTokens:
		return FinishMaxTokens
	case genai.FinishReasonSafety:
		return FinishSafety
	case genai.FinishReasonMalformedFunctionCall:
		return FinishToolSchemaError
	default:
		return FinishOther
	}
}
