package llm

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/alecgard/voxdesk/internal/toolschema"
)

type fakeGenerator struct {
	calls [][]*genai.Content
	resp  []*genai.GenerateContentResponse
	err   error
}

func (f *fakeGenerator) GenerateContent(_ context.Context, _ string, contents []*genai.Content, _ *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.calls = append(f.calls, contents)
	if f.err != nil {
		return nil, f.err
	}
	r := f.resp[0]
	f.resp = f.resp[1:]
	return r, nil
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content:      &genai.Content{Role: "model", Parts: []*genai.Part{{Text: text}}},
			FinishReason: genai.FinishReasonStop,
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount: 10, CandidatesTokenCount: 5, TotalTokenCount: 15,
		},
	}
}

func TestChatKeepsHistoryAndDeliversToolResults(t *testing.T) {
	gen := &fakeGenerator{resp: []*genai.GenerateContentResponse{
		{Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{FunctionCall: &genai.FunctionCall{
				Name: "check_availability", Args: map[string]any{"day": "Monday"},
			}}}},
			FinishReason: genai.FinishReasonStop,
		}}},
		textResponse("Monday works."),
	}}
	chat := &geminiChat{models: gen, model: "gemini-2.5-flash", logger: slog.Default()}

	resp, err := chat.Send(context.Background(), []Part{TextPart("Is Monday free?")})
	require.NoError(t, err)
	calls := resp.FunctionCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "check_availability", calls[0].Name)
	assert.Equal(t, "Monday", calls[0].Args["day"])

	chat.Record([]FunctionResponse{{Name: "check_availability", Response: map[string]any{"available": true}}})
	resp, err = chat.Send(context.Background(), []Part{TextPart("Thanks")})
	require.NoError(t, err)
	assert.Equal(t, []string{"Monday works."}, resp.Texts())
	assert.Equal(t, int64(15), resp.Usage.TotalTokens)

	second := gen.calls[1]
	require.Len(t, second, 3)
	assert.Equal(t, "user", second[0].Role)
	assert.Equal(t, "model", second[1].Role)
	last := second[2]
	require.Len(t, last.Parts, 2)
	require.NotNil(t, last.Parts[0].FunctionResponse)
	assert.Equal(t, "check_availability", last.Parts[0].FunctionResponse.Name)
	assert.Equal(t, "Thanks", last.Parts[1].Text)
	assert.Empty(t, chat.pending)
}

func TestChatSendErrorKeepsState(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("quota")}
	chat := &geminiChat{models: gen, model: "m", logger: slog.Default()}
	chat.Record([]FunctionResponse{{Name: "t", Response: map[string]any{"ok": true}}})

	_, err := chat.Send(context.Background(), []Part{TextPart("hi")})
	require.Error(t, err)
	assert.Empty(t, chat.history)
	assert.Len(t, chat.pending, 1)
}

func TestChatEmptyCandidates(t *testing.T) {
	gen := &fakeGenerator{resp: []*genai.GenerateContentResponse{{}}}
	chat := &geminiChat{models: gen, model: "m", logger: slog.Default()}
	_, err := chat.Send(context.Background(), []Part{TextPart("hi")})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestMapFinishReason(t *testing.T) {
	tests := map[genai.FinishReason]FinishReason{
		genai.FinishReasonStop:                  FinishStop,
		"":                                      FinishStop,
		genai.FinishReasonMaxTokens:             FinishMaxTokens,
		genai.FinishReasonSafety:                FinishSafety,
		genai.FinishReasonMalformedFunctionCall: FinishToolSchemaError,
		genai.FinishReasonOther:                 FinishOther,
	}
	for in, want := range tests {
		assert.Equal(t, want, mapFinishReason(in), "finish reason %q", in)
	}
}

func TestGenerateConfigDeclarations(t *testing.T) {
	temp := float32(0.3)
	cfg := generateConfig(ChatConfig{
		Model:             "gemini-2.5-flash",
		SystemInstruction: "Be brief.",
		Temperature:       &temp,
		Tools: []toolschema.Declaration{{
			Name:        "check_availability",
			Description: "Check (Endpoint: GET /availability)",
			Parameters: toolschema.Parameters{
				Type: "object",
				Properties: map[string]toolschema.Property{
					"day":   {Type: "string", Description: "Day", Enum: []string{"Monday", "Tuesday"}},
					"party": {Type: "integer", Description: "Party size"},
				},
				Required: []string{"day", "party"},
			},
		}},
	})

	require.NotNil(t, cfg.SystemInstruction)
	assert.Equal(t, "Be brief.", cfg.SystemInstruction.Parts[0].Text)
	assert.Equal(t, &temp, cfg.Temperature)
	require.Len(t, cfg.Tools, 1)
	require.Len(t, cfg.Tools[0].FunctionDeclarations, 1)

	decl := cfg.Tools[0].FunctionDeclarations[0]
	assert.Equal(t, "check_availability", decl.Name)
	assert.Equal(t, genai.TypeObject, decl.Parameters.Type)
	assert.Equal(t, []string{"day", "party"}, decl.Parameters.Required)
	assert.Equal(t, genai.TypeString, decl.Parameters.Properties["day"].Type)
	assert.Equal(t, []string{"Monday", "Tuesday"}, decl.Parameters.Properties["day"].Enum)
	assert.Equal(t, genai.TypeInteger, decl.Parameters.Properties["party"].Type)
}

func TestGenerateConfigWithoutTools(t *testing.T) {
	cfg := generateConfig(ChatConfig{Model: "m"})
	assert.Nil(t, cfg.SystemInstruction)
	assert.Empty(t, cfg.Tools)
}
