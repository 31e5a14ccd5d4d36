package metering

import "time"

// Event kinds.
const (
	KindTool = "tool"
	KindLLM  = "llm"
)

// Event outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeError   = "error"
)

// Event records one metered action taken on behalf of a tenant: a tool
// dispatch or an LLM turn.
type Event struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	UserID     string    `json:"user_id"`
	SessionID  string    `json:"session_id,omitempty"`
	Kind       string    `json:"kind"`
	Name       string    `json:"name"`
	Outcome    string    `json:"outcome"`
	StatusCode int       `json:"status_code"`
	LatencyMs  int64     `json:"latency_ms"`
	Tokens     int64     `json:"tokens"`
	Credits    float64   `json:"credits"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// UsageSummary holds aggregate metrics for a set of events.
type UsageSummary struct {
	TotalEvents  int64   `json:"total_events"`
	ToolCalls    int64   `json:"tool_calls"`
	LLMTurns     int64   `json:"llm_turns"`
	ErrorCount   int64   `json:"error_count"`
	TotalTokens  int64   `json:"total_tokens"`
	TotalCredits float64 `json:"total_credits"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// UsageQuery defines filters and pagination for querying events.
type UsageQuery struct {
	TenantID  string    `json:"tenant_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Name      string    `json:"name,omitempty"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	Cursor    string    `json:"cursor,omitempty"`
	Limit     int       `json:"limit"`
}
