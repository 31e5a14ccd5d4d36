package credits

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Usage types billed through the pricing table.
const (
	UsageSpeechToText      = "deepgram_nova_2_stt"
	UsageSpeechToTextChars = "deepgram_nova_2_stt_char"
	UsageTextToSpeech      = "elevenlabs_flash_v2_5_tts"
	UsageScribe            = "elevenlabs_scribe_v1_stt"
	UsageVoiceCall         = "voice_call"
	UsageToolCall          = "tool_call"
	UsageBundleCreation    = "bundle_creation"
	UsageDocumentUpload    = "document_upload"
)

// The helpers below pass raw quantities straight to UseCredits. Minutes are
// not pre-rounded; the calculator's ceiling is the only rounding step.

// UseLLMTokens charges for tokens consumed by model.
func (l *Ledger) UseLLMTokens(ctx context.Context, userID, tenantID, model string, tokens int64) (*Charge, error) {
	return l.UseCredits(ctx, UsageRequest{
		UserID:      userID,
		TenantID:    tenantID,
		UsageType:   model,
		Amount:      decimal.NewFromInt(tokens),
		Description: fmt.Sprintf("LLM %s (%d tokens)", model, tokens),
	})
}

// UseSpeechToText charges for streamed speech recognition.
func (l *Ledger) UseSpeechToText(ctx context.Context, userID, tenantID string, minutes decimal.Decimal) (*Charge, error) {
	return l.useMinutes(ctx, userID, tenantID, UsageSpeechToText, "Speech-to-text", minutes)
}

// UseSpeechToTextChars charges speech recognition by transcript length.
func (l *Ledger) UseSpeechToTextChars(ctx context.Context, userID, tenantID string, chars int64) (*Charge, error) {
	return l.UseCredits(ctx, UsageRequest{
		UserID:      userID,
		TenantID:    tenantID,
		UsageType:   UsageSpeechToTextChars,
		Amount:      decimal.NewFromInt(chars),
		Description: fmt.Sprintf("Speech-to-text by characters (%d chars)", chars),
	})
}

// UseTextToSpeech charges for synthesized audio.
func (l *Ledger) UseTextToSpeech(ctx context.Context, userID, tenantID string, minutes decimal.Decimal) (*Charge, error) {
	return l.useMinutes(ctx, userID, tenantID, UsageTextToSpeech, "Text-to-speech", minutes)
}

// UseScribe charges for batch transcription.
func (l *Ledger) UseScribe(ctx context.Context, userID, tenantID string, minutes decimal.Decimal) (*Charge, error) {
	return l.useMinutes(ctx, userID, tenantID, UsageScribe, "Transcription", minutes)
}

// UseVoiceCall charges for telephony minutes.
func (l *Ledger) UseVoiceCall(ctx context.Context, userID, tenantID string, minutes decimal.Decimal) (*Charge, error) {
	return l.useMinutes(ctx, userID, tenantID, UsageVoiceCall, "Voice call", minutes)
}

// UseToolCall charges one unit for an executed tool.
func (l *Ledger) UseToolCall(ctx context.Context, userID, tenantID, toolName string) (*Charge, error) {
	return l.useAction(ctx, userID, tenantID, UsageToolCall, fmt.Sprintf("Tool call %s", toolName))
}

// UseBundleCreation charges one unit for a regulatory bundle.
func (l *Ledger) UseBundleCreation(ctx context.Context, userID, tenantID string) (*Charge, error) {
	return l.useAction(ctx, userID, tenantID, UsageBundleCreation, "Bundle creation")
}

// UseDocumentUpload charges one unit for a document upload.
func (l *Ledger) UseDocumentUpload(ctx context.Context, userID, tenantID string) (*Charge, error) {
	return l.useAction(ctx, userID, tenantID, UsageDocumentUpload, "Document upload")
}

func (l *Ledger) useMinutes(ctx context.Context, userID, tenantID, usageType, label string, minutes decimal.Decimal) (*Charge, error) {
	return l.UseCredits(ctx, UsageRequest{
		UserID:      userID,
		TenantID:    tenantID,
		UsageType:   usageType,
		Amount:      minutes,
		Description: fmt.Sprintf("%s (%s minutes)", label, minutes.StringFixed(2)),
	})
}

func (l *Ledger) useAction(ctx context.Context, userID, tenantID, usageType, desc string) (*Charge, error) {
	return l.UseCredits(ctx, UsageRequest{
		UserID:      userID,
		TenantID:    tenantID,
		UsageType:   usageType,
		Amount:      decimal.NewFromInt(1),
		Description: desc,
	})
}
