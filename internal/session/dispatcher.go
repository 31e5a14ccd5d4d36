package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alecgard/voxdesk/internal/credits"
	"github.com/alecgard/voxdesk/internal/metering"
	"github.com/alecgard/voxdesk/internal/router"
)

// EventRecorder receives usage events. *metering.Collector satisfies it.
type EventRecorder interface {
	Record(ev metering.Event)
}

// ToolBilling charges for executed tools.
type ToolBilling interface {
	UseToolCall(ctx context.Context, userID, tenantID, toolName string) (*credits.Charge, error)
}

// CallMeta identifies who a tool call is made for.
type CallMeta struct {
	TenantID  string
	UserID    string
	SessionID string
}

// Outcome is a dispatched tool call, reduced to what the conversation needs.
type Outcome struct {
	Tool string `json:"tool"`
	OK   bool   `json:"ok"`
	// Data is the decoded response body of a successful call.
	Data any `json:"data,omitempty"`
	// Text explains a failure in words the assistant can repeat.
	Text   string `json:"text,omitempty"`
	Status int    `json:"status,omitempty"`
}

// Dispatcher executes tool calls through a tenant router, bills them and
// records usage.
type Dispatcher struct {
	billing ToolBilling
	events  EventRecorder
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher. billing and events may be nil.
func NewDispatcher(billing ToolBilling, events EventRecorder, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{billing: billing, events: events, logger: logger}
}

// errNoTools is returned by Execute when the tenant has no router.
var errNoTools = fmt.Errorf("%w: no tools configured for this tenant", router.ErrUnknownTool)

// Dispatch runs name with args for the model. Configuration errors come back
// as Outcome text rather than errors.
func (d *Dispatcher) Dispatch(ctx context.Context, rt *router.Router, meta CallMeta, name string, args map[string]any) Outcome {
	if rt == nil {
		return Outcome{Tool: name, Text: "No tools configured for this tenant"}
	}
	out, err := d.Execute(ctx, rt, meta, name, args)
	if err != nil {
		return Outcome{Tool: name, Text: fmt.Sprintf("Error executing %s: %v", name, err)}
	}
	return out
}

// Execute runs name with args. An upstream failure is an Outcome with OK
// false; a call that never left the router (unknown tool, bad arguments,
// disallowed host, no router) is returned as an error.
func (d *Dispatcher) Execute(ctx context.Context, rt *router.Router, meta CallMeta, name string, args map[string]any) (Outcome, error) {
	if rt == nil {
		return Outcome{Tool: name}, errNoTools
	}

	res, err := rt.Execute(ctx, name, args)
	if err != nil {
		d.logger.Warn("tool call rejected", "tenant_id", meta.TenantID, "tool", name, "error", err)
		d.record(meta, name, metering.OutcomeError, 0, 0, 0, err.Error())
		return Outcome{Tool: name}, err
	}

	if !res.OK {
		d.record(meta, name, metering.OutcomeFailure, res.Status, res.Latency.Milliseconds(), 0, res.Error)
		return Outcome{Tool: name, Status: res.Status, Text: "Tool execution failed: " + res.Error}, nil
	}

	var charged float64
	if d.billing != nil && meta.UserID != "" {
		charge, err := d.billing.UseToolCall(ctx, meta.UserID, meta.TenantID, name)
		if err != nil {
			d.logger.Warn("tool call billing failed",
				"tenant_id", meta.TenantID, "user_id", meta.UserID, "tool", name, "error", err)
		} else {
			charged = charge.CreditsUsed.InexactFloat64()
		}
	}
	d.record(meta, name, metering.OutcomeSuccess, res.Status, res.Latency.Milliseconds(), charged, "")
	return Outcome{Tool: name, OK: true, Status: res.Status, Data: res.Data}, nil
}

func (d *Dispatcher) record(meta CallMeta, name, outcome string, status int, latencyMs int64, creditsUsed float64, errText string) {
	if d.events == nil {
		return
	}
	d.events.Record(metering.Event{
		TenantID:   meta.TenantID,
		UserID:     meta.UserID,
		SessionID:  meta.SessionID,
		Kind:       metering.KindTool,
		Name:       name,
		Outcome:    outcome,
		StatusCode: status,
		LatencyMs:  latencyMs,
		Credits:    creditsUsed,
		Error:      errText,
	})
}

// responsePayload is what the model is told about an outcome.
func (o Outcome) responsePayload() map[string]any {
	if o.OK {
		return map[string]any{"ok": true, "data": o.Data}
	}
	return map[string]any{"ok": false, "error": o.Text}
}
