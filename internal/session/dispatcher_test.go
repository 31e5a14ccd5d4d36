package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alecgard/voxdesk/internal/catalog"
	"github.com/alecgard/voxdesk/internal/credits"
	"github.com/alecgard/voxdesk/internal/metering"
	"github.com/alecgard/voxdesk/internal/router"
)

type fakeEvents struct {
	mu     sync.Mutex
	events []metering.Event
}

func (f *fakeEvents) Record(ev metering.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeEvents) all() []metering.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]metering.Event(nil), f.events...)
}

type fakeToolBilling struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeToolBilling) UseToolCall(_ context.Context, userID, _, toolName string) (*credits.Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, userID+":"+toolName)
	if f.err != nil {
		return nil, f.err
	}
	return &credits.Charge{CreditsUsed: decimal.RequireFromString("0.1"), UsageType: credits.UsageToolCall}, nil
}

func bookingTool() *catalog.Tool {
	return &catalog.Tool{
		ID:               "tool-1",
		Name:             "get_bookings",
		Method:           "GET",
		EndpointTemplate: "/bookings/{day}",
		Enabled:          true,
		Args: []catalog.ToolArg{
			{Name: "day", Type: catalog.ArgString, Location: catalog.LocationPath, Required: true},
		},
	}
}

func toolServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/bookings/monday":
			w.Write([]byte(`{"count":2}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"detail":"no such day"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testRouter(t *testing.T, baseURL string) *router.Router {
	t.Helper()
	spec, err := router.NewSpec("tenant-1", &catalog.APIConnection{ID: "conn-1", BaseURL: baseURL}, []*catalog.Tool{bookingTool()})
	require.NoError(t, err)
	rt, err := router.New(spec, router.WithRetry(router.RetryPolicy{MaxAttempts: 1}))
	require.NoError(t, err)
	return rt
}

var testMeta = CallMeta{TenantID: "tenant-1", UserID: "user-1", SessionID: "sess-1"}

func TestDispatchSuccessChargesAndRecords(t *testing.T) {
	srv := toolServer(t)
	billing := &fakeToolBilling{}
	events := &fakeEvents{}
	d := NewDispatcher(billing, events, nil)

	out := d.Dispatch(context.Background(), testRouter(t, srv.URL), testMeta, "get_bookings", map[string]any{"day": "monday"})

	require.True(t, out.OK, out.Text)
	assert.Equal(t, map[string]any{"count": float64(2)}, out.Data)
	assert.Equal(t, []string{"user-1:get_bookings"}, billing.calls)

	evs := events.all()
	require.Len(t, evs, 1)
	assert.Equal(t, metering.KindTool, evs[0].Kind)
	assert.Equal(t, metering.OutcomeSuccess, evs[0].Outcome)
	assert.Equal(t, 0.1, evs[0].Credits)
	assert.Equal(t, "sess-1", evs[0].SessionID)
}

func TestDispatchHTTPFailureIsNotCharged(t *testing.T) {
	srv := toolServer(t)
	billing := &fakeToolBilling{}
	events := &fakeEvents{}
	d := NewDispatcher(billing, events, nil)

	out := d.Dispatch(context.Background(), testRouter(t, srv.URL), testMeta, "get_bookings", map[string]any{"day": "sunday"})

	assert.False(t, out.OK)
	assert.Equal(t, http.StatusNotFound, out.Status)
	assert.Contains(t, out.Text, "Tool execution failed: ")
	assert.Empty(t, billing.calls)
	require.Len(t, events.all(), 1)
	assert.Equal(t, metering.OutcomeFailure, events.all()[0].Outcome)
}

func TestDispatchConfigErrors(t *testing.T) {
	srv := toolServer(t)
	events := &fakeEvents{}
	d := NewDispatcher(nil, events, nil)
	rt := testRouter(t, srv.URL)

	out := d.Dispatch(context.Background(), rt, testMeta, "delete_everything", nil)
	assert.False(t, out.OK)
	assert.Contains(t, out.Text, "Error executing delete_everything:")

	out = d.Dispatch(context.Background(), rt, testMeta, "get_bookings", map[string]any{})
	assert.False(t, out.OK)
	assert.Contains(t, out.Text, "Error executing get_bookings:")

	for _, ev := range events.all() {
		assert.Equal(t, metering.OutcomeError, ev.Outcome)
	}
}

func TestDispatchWithoutRouter(t *testing.T) {
	d := NewDispatcher(nil, nil, nil)
	out := d.Dispatch(context.Background(), nil, testMeta, "anything", nil)
	assert.False(t, out.OK)
	assert.Equal(t, "No tools configured for this tenant", out.Text)
}

func TestExecuteReturnsConfigErrors(t *testing.T) {
	srv := toolServer(t)
	events := &fakeEvents{}
	d := NewDispatcher(nil, events, nil)
	rt := testRouter(t, srv.URL)

	_, err := d.Execute(context.Background(), rt, testMeta, "delete_everything", nil)
	assert.ErrorIs(t, err, router.ErrUnknownTool)

	_, err = d.Execute(context.Background(), rt, testMeta, "get_bookings", map[string]any{})
	assert.True(t, router.IsConfigError(err), "got %v", err)

	_, err = d.Execute(context.Background(), nil, testMeta, "anything", nil)
	assert.ErrorIs(t, err, router.ErrUnknownTool)

	out, err := d.Execute(context.Background(), rt, testMeta, "get_bookings", map[string]any{"day": "monday"})
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Len(t, events.all(), 3)
}

func TestDispatchBillingFailureKeepsResult(t *testing.T) {
	srv := toolServer(t)
	billing := &fakeToolBilling{err: errors.New("db down")}
	d := NewDispatcher(billing, nil, nil)

	out := d.Dispatch(context.Background(), testRouter(t, srv.URL), testMeta, "get_bookings", map[string]any{"day": "monday"})
	assert.True(t, out.OK)
}

func TestResponsePayload(t *testing.T) {
	assert.Equal(t, map[string]any{"ok": true, "data": 1}, Outcome{OK: true, Data: 1}.responsePayload())
	assert.Equal(t, map[string]any{"ok": false, "error": "boom"}, Outcome{Text: "boom"}.responsePayload())
}
