// Package router executes LLM tool calls as HTTP requests against a
// tenant's configured API, behind a host allowlist.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/alecgard/voxdesk/internal/catalog"
)

// DefaultTimeout bounds every outbound tool request.
const DefaultTimeout = 15 * time.Second

const (
	defaultMaxResponseBytes = 1 << 20
	maxErrorText            = 1000
	maxRedirects            = 5
)

// Configuration errors. These are returned from Execute rather than folded
// into a Result and must not be retried.
var (
	ErrUnknownTool    = errors.New("unknown tool")
	ErrMissingPathArg = errors.New("missing path argument")
	ErrInvalidPathArg = errors.New("invalid path argument")
	ErrHostNotAllowed = errors.New("host not allowed")
	ErrInvalidURL     = errors.New("invalid tool url")
)

// Failure kinds reported in Result.Kind.
const (
	KindHTTP              = "http"
	KindTimeout           = "timeout"
	KindCanceled          = "canceled"
	KindConnectionRefused = "connection_refused"
	KindDNS               = "dns"
	KindNetwork           = "network"
	KindBlocked           = "blocked"
	KindDecode            = "decode"
	KindOther             = "other"
)

// IsConfigError reports whether err is a non-retryable configuration error.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrUnknownTool) ||
		errors.Is(err, ErrMissingPathArg) ||
		errors.Is(err, ErrInvalidPathArg) ||
		errors.Is(err, ErrHostNotAllowed) ||
		errors.Is(err, ErrInvalidURL)
}

// Result is the normalized outcome of a tool call.
type Result struct {
	OK     bool   `json:"ok"`
	Data   any    `json:"data,omitempty"`
	Status int    `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
	Kind   string `json:"kind,omitempty"`

	Attempts int           `json:"-"`
	Latency  time.Duration `json:"-"`
}

// MetricsRecorder is an optional interface for recording tool call metrics.
type MetricsRecorder interface {
	IncToolCall(tool, outcome string)
	ObserveToolDuration(tool string, seconds float64)
	IncToolRetry(tool, kind string)
}

// Router resolves and executes tool calls for a single tenant.
type Router struct {
	spec             *Spec
	allowed          []*regexp.Regexp
	extra            []*regexp.Regexp
	client           *http.Client
	retry            RetryPolicy
	getenv           func(string) string
	maxResponseBytes int64
	metrics          MetricsRecorder
	logger           *slog.Logger
}

// Option configures a Router.
type Option func(*Router) error

// WithAllowedDomains adds host patterns. Each pattern must fully match the
// request host. When no patterns are given the base URL's host is used.
func WithAllowedDomains(patterns ...string) Option {
	return func(r *Router) error {
		res, err := compileDomains(patterns)
		r.allowed = append(r.allowed, res...)
		return err
	}
}

// WithExtraAllowedDomains adds host patterns on top of the default or
// explicit allowlist instead of replacing it.
func WithExtraAllowedDomains(patterns ...string) Option {
	return func(r *Router) error {
		res, err := compileDomains(patterns)
		r.extra = append(r.extra, res...)
		return err
	}
}

func compileDomains(patterns []string) ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile(`^(?:` + p + `)$`)
		if err != nil {
			return nil, fmt.Errorf("compiling allowed domain %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// WithHTTPClient sets the client used for outbound calls. Its redirect
// policy is replaced so redirects are held to the same allowlist.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Router) error {
		cp := *c
		r.client = &cp
		return nil
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Router) error {
		if d > 0 {
			r.client.Timeout = d
		}
		return nil
	}
}

// WithRetry sets the retry policy for transport failures.
func WithRetry(p RetryPolicy) Option {
	return func(r *Router) error {
		r.retry = p
		return nil
	}
}

// WithEnv sets how auth secrets are looked up. Defaults to os.Getenv.
func WithEnv(getenv func(string) string) Option {
	return func(r *Router) error {
		r.getenv = getenv
		return nil
	}
}

// WithMaxResponseBytes caps how much of a response body is read.
func WithMaxResponseBytes(n int64) Option {
	return func(r *Router) error {
		if n > 0 {
			r.maxResponseBytes = n
		}
		return nil
	}
}

// WithMetrics sets the optional metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(r *Router) error {
		r.metrics = m
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) error {
		r.logger = l
		return nil
	}
}

// New builds a Router for spec.
func New(spec *Spec, opts ...Option) (*Router, error) {
	base, err := url.Parse(spec.BaseURL)
	if err != nil || base.Hostname() == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("%w: base url %q", ErrInvalidURL, spec.BaseURL)
	}

	r := &Router{
		spec:             spec,
		client:           &http.Client{Timeout: DefaultTimeout},
		retry:            DefaultRetryPolicy,
		getenv:           os.Getenv,
		maxResponseBytes: defaultMaxResponseBytes,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.client.Timeout <= 0 {
		r.client.Timeout = DefaultTimeout
	}
	if len(r.allowed) == 0 {
		r.allowed = []*regexp.Regexp{
			regexp.MustCompile(`^(?:` + regexp.QuoteMeta(strings.ToLower(base.Hostname())) + `)$`),
		}
	}
	r.allowed = append(r.allowed, r.extra...)
	r.client.CheckRedirect = r.checkRedirect
	return r, nil
}

// Spec returns the connection and tools the router was built from.
func (r *Router) Spec() *Spec {
	return r.spec
}

// Tools returns the tools the router can execute.
func (r *Router) Tools() []*catalog.Tool {
	tools := make([]*catalog.Tool, 0, len(r.spec.Tools))
	for _, t := range r.spec.Tools {
		tools = append(tools, t)
	}
	return tools
}

// HostAllowed reports whether host fully matches one of the allowlist patterns.
func (r *Router) HostAllowed(host string) bool {
	host = strings.ToLower(host)
	for _, re := range r.allowed {
		if re.MatchString(host) {
			return true
		}
	}
	return false
}

func (r *Router) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if !r.HostAllowed(req.URL.Hostname()) {
		return fmt.Errorf("%w: redirect to %q", ErrHostNotAllowed, req.URL.Hostname())
	}
	return nil
}

// call is a fully resolved outbound request, ready to be sent.
type call struct {
	tool   *catalog.Tool
	method string
	url    string
	body   []byte
}

// Execute runs the named tool with the given arguments. Configuration
// problems are returned as errors. Transport failures and non-200
// responses come back as a Result with OK set to false.
func (r *Router) Execute(ctx context.Context, name string, args map[string]any) (*Result, error) {
	c, err := r.prepare(name, args)
	if err != nil {
		if r.metrics != nil {
			r.metrics.IncToolCall(name, "rejected")
		}
		return nil, err
	}

	start := time.Now()
	res := r.send(ctx, c)
	res.Latency = time.Since(start)

	if r.metrics != nil {
		outcome := "ok"
		if !res.OK {
			outcome = res.Kind
		}
		r.metrics.IncToolCall(name, outcome)
		r.metrics.ObserveToolDuration(name, res.Latency.Seconds())
	}
	r.logger.Info("tool call",
		"tenant_id", r.spec.TenantID,
		"tool", name,
		"method", c.method,
		"ok", res.OK,
		"status", res.Status,
		"kind", res.Kind,
		"attempts", res.Attempts,
		"latency_ms", res.Latency.Milliseconds(),
	)
	return res, nil
}

// prepare resolves the tool, splits arguments by location and builds a URL
// that has passed the allowlist.
func (r *Router) prepare(name string, args map[string]any) (*call, error) {
	tool, ok := r.spec.Tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	pathVals := map[string]string{}
	query := url.Values{}
	body := map[string]any{}
	for _, a := range tool.Args {
		v, present := args[a.Name]
		switch a.Location {
		case catalog.LocationQuery:
			if present {
				query.Set(a.Name, formatValue(v))
			}
		case catalog.LocationBody:
			if present {
				body[a.Name] = v
			}
		default:
			if present {
				pathVals[a.Name] = formatValue(v)
			}
		}
	}

	path, err := catalog.FillPath(tool.EndpointTemplate, pathVals)
	if err != nil {
		if errors.Is(err, catalog.ErrMissingPathValue) {
			return nil, fmt.Errorf("%w: %v", ErrMissingPathArg, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidPathArg, err)
	}

	target := r.spec.BaseURL + "/" + strings.TrimLeft(path, "/")
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, target)
	}
	if !r.HostAllowed(u.Hostname()) {
		return nil, fmt.Errorf("%w: %q", ErrHostNotAllowed, u.Hostname())
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	c := &call{tool: tool, method: strings.ToUpper(tool.Method), url: u.String()}
	switch c.method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		c.body, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding body for %q: %w", name, err)
		}
	}
	return c, nil
}

// send issues the request, retrying transport failures per the policy.
func (r *Router) send(ctx context.Context, c *call) *Result {
	attempts := r.retry.attempts()
	for attempt := 1; ; attempt++ {
		resp, err := r.do(ctx, c)
		if err == nil {
			res := r.normalize(resp)
			res.Attempts = attempt
			return res
		}

		kind := classifyError(err)
		if attempt >= attempts || !retryable(kind, c.method) {
			return &Result{OK: false, Error: err.Error(), Kind: kind, Attempts: attempt}
		}
		if r.metrics != nil {
			r.metrics.IncToolRetry(c.tool.Name, kind)
		}
		delay := r.retry.Backoff(attempt)
		r.logger.Warn("retrying tool call",
			"tenant_id", r.spec.TenantID, "tool", c.tool.Name, "attempt", attempt, "kind", kind, "delay", delay)
		if err := sleep(ctx, delay); err != nil {
			return &Result{OK: false, Error: err.Error(), Kind: classifyError(err), Attempts: attempt}
		}
	}
}

func (r *Router) do(ctx context.Context, c *call) (*http.Response, error) {
	var body io.Reader
	if c.body != nil {
		body = bytes.NewReader(c.body)
	}
	req, err := http.NewRequestWithContext(ctx, c.method, c.url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	r.injectAuth(req)
	return r.client.Do(req)
}

// injectAuth resolves credentials from the environment on every call. Empty
// values are omitted rather than sent blank.
func (r *Router) injectAuth(req *http.Request) {
	a := r.spec.Auth
	switch a.Type {
	case catalog.AuthBearer:
		if token := r.getenv(a.TokenEnv); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	case catalog.AuthHeader:
		if a.HeaderName == "" {
			return
		}
		if v := r.getenv(a.ValueEnv); v != "" {
			req.Header.Set(a.HeaderName, v)
		}
	}
}

func (r *Router) normalize(resp *http.Response) *Result {
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, r.maxResponseBytes+1))
	if err != nil {
		return &Result{OK: false, Status: resp.StatusCode, Error: "reading response: " + err.Error(), Kind: classifyError(err)}
	}
	if int64(len(data)) > r.maxResponseBytes {
		return &Result{OK: false, Status: resp.StatusCode, Error: "response too large", Kind: KindDecode}
	}

	if resp.StatusCode != http.StatusOK {
		return &Result{OK: false, Status: resp.StatusCode, Error: truncate(strings.TrimSpace(string(data)), maxErrorText), Kind: KindHTTP}
	}

	var parsed any
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &parsed); err != nil {
			return &Result{OK: false, Status: resp.StatusCode, Error: "invalid JSON response: " + err.Error(), Kind: KindDecode}
		}
	}
	return &Result{OK: true, Status: resp.StatusCode, Data: parsed}
}

// classifyError categorizes an outbound HTTP client error.
func classifyError(err error) string {
	if errors.Is(err, ErrHostNotAllowed) {
		return KindBlocked
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindDNS
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return KindTimeout
		}
		if opErr.Op == "dial" {
			return KindConnectionRefused
		}
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindOther
}

// formatValue renders an argument for a path or query position.
func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(x)
	case json.Number:
		return x.String()
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
