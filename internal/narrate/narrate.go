// Package narrate turns raw tool results into short spoken-style replies.
package narrate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Request describes one tool result to narrate.
type Request struct {
	ToolName  string
	UserQuery string
	Language  string
	// Data is the decoded tool payload. Nil when the tool returned nothing
	// worth reading back.
	Data any
}

// Narrator converts a tool result to natural language. Implementations never
// fail: when conversion is not possible they return Fallback(req).
type Narrator interface {
	Narrate(ctx context.Context, req Request) string
}

const defaultLanguage = "es"

var fallbackMessages = map[string]string{
	"es": "Encontré la información que solicitaste.",
	"en": "I found the information you requested.",
	"fr": "J'ai trouvé les informations que vous avez demandées.",
	"de": "Ich habe die Informationen gefunden, die Sie angefordert haben.",
	"pt": "Encontrei as informações que você solicitou.",
	"it": "Ho trovato le informazioni che hai richiesto.",
	"hi": "मैंने आपके द्वारा अनुरोधित जानकारी पाया है।",
}

var languageNames = map[string]string{
	"es": "Spanish",
	"en": "English",
	"fr": "French",
	"de": "German",
	"pt": "Portuguese",
	"it": "Italian",
	"hi": "Hindi",
}

// Language reduces code to a supported base language, so "en-US" is "en".
// Unsupported or empty codes map to Spanish.
func Language(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if base, _, ok := strings.Cut(code, "-"); ok {
		code = base
	}
	if _, ok := fallbackMessages[code]; ok {
		return code
	}
	return defaultLanguage
}

// LanguageName returns the English name of code's supported language.
func LanguageName(code string) string {
	return languageNames[Language(code)]
}

// Fallback returns the canned acknowledgement for req's language followed by
// the result data, if any.
func Fallback(req Request) string {
	msg := fallbackMessages[Language(req.Language)]
	if req.Data == nil {
		return msg
	}
	return msg + " " + formatData(req.Data)
}

func formatData(data any) string {
	if s, ok := data.(string); ok {
		return s
	}
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprint(data)
	}
	return string(b)
}

// Plain is a Narrator that only produces fallback text. It is used when no
// narration model is configured.
type Plain struct{}

// Narrate implements Narrator.
func (Plain) Narrate(_ context.Context, req Request) string {
	return Fallback(req)
}
