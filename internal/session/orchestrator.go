// Package session runs conversational turns for tenant end users: it warms a
// model with the tenant's tools, forwards user messages, dispatches the tool
// calls the model asks for and turns the results into short spoken replies.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alecgard/voxdesk/internal/auth"
	"github.com/alecgard/voxdesk/internal/catalog"
	"github.com/alecgard/voxdesk/internal/credits"
	"github.com/alecgard/voxdesk/internal/llm"
	"github.com/alecgard/voxdesk/internal/metering"
	"github.com/alecgard/voxdesk/internal/narrate"
	"github.com/alecgard/voxdesk/internal/router"
	"github.com/alecgard/voxdesk/internal/toolschema"
)

// DefaultMaxReplyWords caps a reply when Config.MaxReplyWords is unset.
const DefaultMaxReplyWords = 150

// phrases are the canned texts for one language.
type phrases struct {
	prompt        string
	fallback      string
	failure       string
	schemaFailure string
}

// localized is keyed by the base codes narrate.Language returns.
var localized = map[string]phrases{
	"es": {
		prompt:        "Eres un asistente de voz amable para un negocio. Ayuda a quienes llaman con sus solicitudes usando las herramientas disponibles.",
		fallback:      "He procesado tu solicitud.",
		failure:       "Estoy teniendo problemas para procesar tu solicitud en este momento. Por favor, intenta de nuevo.",
		schemaFailure: "Estoy teniendo problemas con la configuración de las herramientas. Por favor, intenta más tarde.",
	},
	"en": {
		prompt:        "You are a friendly voice assistant for a business. Help callers with their requests using the available tools.",
		fallback:      "I've processed your request.",
		failure:       "I'm having trouble processing your request right now. Please try again.",
		schemaFailure: "I'm having trouble with the tool configuration. Please try again later.",
	},
	"fr": {
		prompt:        "Vous êtes un assistant vocal aimable pour une entreprise. Aidez les appelants avec leurs demandes en utilisant les outils disponibles.",
		fallback:      "J'ai traité votre demande.",
		failure:       "J'ai du mal à traiter votre demande pour le moment. Veuillez réessayer.",
		schemaFailure: "J'ai un problème avec la configuration des outils. Veuillez réessayer plus tard.",
	},
	"de": {
		prompt:        "Sie sind ein freundlicher Sprachassistent für ein Unternehmen. Helfen Sie Anrufern mit ihren Anliegen und nutzen Sie dafür die verfügbaren Werkzeuge.",
		fallback:      "Ich habe Ihre Anfrage bearbeitet.",
		failure:       "Ich habe gerade Probleme, Ihre Anfrage zu bearbeiten. Bitte versuchen Sie es erneut.",
		schemaFailure: "Es gibt ein Problem mit der Werkzeugkonfiguration. Bitte versuchen Sie es später erneut.",
	},
	"pt": {
		prompt:        "Você é um assistente de voz simpático para uma empresa. Ajude quem liga com os seus pedidos usando as ferramentas disponíveis.",
		fallback:      "Processei o seu pedido.",
		failure:       "Estou com dificuldades para processar o seu pedido agora. Por favor, tente novamente.",
		schemaFailure: "Estou com problemas na configuração das ferramentas. Por favor, tente mais tarde.",
	},
	"it": {
		prompt:        "Sei un assistente vocale cordiale per un'azienda. Aiuta chi chiama con le sue richieste usando gli strumenti disponibili.",
		fallback:      "Ho elaborato la tua richiesta.",
		failure:       "Sto avendo problemi a elaborare la tua richiesta in questo momento. Per favore, riprova.",
		schemaFailure: "Sto avendo problemi con la configurazione degli strumenti. Per favore, riprova più tardi.",
	},
	"hi": {
		prompt:        "आप एक व्यवसाय के लिए एक मददगार वॉइस असिस्टेंट हैं। उपलब्ध टूल्स का उपयोग करके कॉल करने वालों की मदद करें।",
		fallback:      "मैंने आपका अनुरोध पूरा कर दिया है।",
		failure:       "मुझे अभी आपका अनुरोध संसाधित करने में समस्या हो रही है। कृपया फिर से प्रयास करें।",
		schemaFailure: "मुझे टूल कॉन्फ़िगरेशन में समस्या हो रही है। कृपया बाद में प्रयास करें।",
	},
}

func phrasesFor(language string) phrases {
	return localized[narrate.Language(language)]
}

// voiceInstructions are appended to every system prompt.
const voiceInstructions = `

IMPORTANT INSTRUCTIONS:
- Keep replies under 50 words. Be direct.
- Never read out IDs, serial numbers or very long numbers. Say that the request was handled instead.
- Never say the id of a company or a user out loud.
- Prefer helpful, actionable information over technical detail.
- Use natural language that is easy to understand when spoken.`

// CatalogSource supplies a tenant's tool catalog.
type CatalogSource interface {
	Snapshot(ctx context.Context, tenantID string) (*catalog.Snapshot, error)
}

// Billing is the part of the credit ledger the orchestrator uses.
type Billing interface {
	ToolBilling
	HasCredits(ctx context.Context, userID string) (bool, error)
	UseLLMTokens(ctx context.Context, userID, tenantID, model string, tokens int64) (*credits.Charge, error)
}

// MetricsRecorder is an optional interface for recording session metrics.
type MetricsRecorder interface {
	SetActiveSessions(n int)
	AddLLMTokens(model string, tokens int64)
}

// Config tunes the orchestrator. Empty replies are chosen per session
// language; a non-empty one is used for every language.
type Config struct {
	// Model is used for tenants that do not name one.
	Model string
	// BillingUsageType is the usage type LLM tokens are charged under.
	BillingUsageType     string
	Temperature          *float32
	MaxReplyWords        int
	FallbackReply        string
	ErrorReply           string
	ToolSchemaErrorReply string
	// RouterOptions apply to every tenant router, e.g. timeouts and
	// extra allowed domains.
	RouterOptions []router.Option
	// BillingTimeout bounds background token metering.
	BillingTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxReplyWords <= 0 {
		c.MaxReplyWords = DefaultMaxReplyWords
	}
	if c.BillingTimeout <= 0 {
		c.BillingTimeout = 10 * time.Second
	}
}

// Reply is the assistant's answer to one user message.
type Reply struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"response"`
	ToolCalls []Outcome `json:"tool_calls,omitempty"`
	Truncated bool      `json:"truncated,omitempty"`
}

// Orchestrator owns the live sessions.
type Orchestrator struct {
	cfg        Config
	store      *Store
	catalog    CatalogSource
	model      llm.Model
	billing    Billing
	narrator   narrate.Narrator
	dispatcher *Dispatcher
	events     EventRecorder
	metrics    MetricsRecorder
	logger     *slog.Logger

	bg sync.WaitGroup
}

// NewOrchestrator wires an Orchestrator. events may be nil.
func NewOrchestrator(cfg Config, store *Store, cat CatalogSource, model llm.Model, billing Billing,
	narrator narrate.Narrator, events EventRecorder, logger *slog.Logger) *Orchestrator {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if narrator == nil {
		narrator = narrate.Plain{}
	}
	return &Orchestrator{
		cfg:        cfg,
		store:      store,
		catalog:    cat,
		model:      model,
		billing:    billing,
		narrator:   narrator,
		dispatcher: NewDispatcher(billing, events, logger),
		events:     events,
		logger:     logger,
	}
}

// SetMetrics sets the optional metrics recorder. A nil m disables it.
func (o *Orchestrator) SetMetrics(m MetricsRecorder) {
	o.metrics = m
	if m == nil {
		o.store.OnChange(nil)
		return
	}
	o.store.OnChange(m.SetActiveSessions)
}

// Dispatcher returns the tool dispatcher shared by all sessions.
func (o *Orchestrator) Dispatcher() *Dispatcher {
	return o.dispatcher
}

// Wait blocks until background work (pre-warming, token metering) is done.
func (o *Orchestrator) Wait() {
	o.bg.Wait()
}

// Start creates a session for userID. When the user has credits the session
// is warmed in the background so the first message is fast.
func (o *Orchestrator) Start(ctx context.Context, tenant *auth.Tenant, userID string) (*Session, error) {
	if tenant == nil {
		return nil, errors.New("tenant is required")
	}
	if strings.TrimSpace(userID) == "" {
		return nil, credits.ErrUserRequired
	}
	sess := &Session{
		ID:        uuid.NewString(),
		TenantID:  tenant.ID,
		UserID:    userID,
		Language:  tenant.LanguageCode,
		CreatedAt: time.Now().UTC(),
		tenant:    tenant,
	}
	o.store.Put(sess)
	o.logger.Info("session started", "session_id", sess.ID, "tenant_id", tenant.ID, "user_id", userID)

	ok, err := o.billing.HasCredits(ctx, userID)
	switch {
	case err != nil:
		o.logger.Warn("balance check failed, skipping pre-warm", "session_id", sess.ID, "error", err)
	case !ok:
		o.logger.Info("no credits, skipping pre-warm", "session_id", sess.ID, "user_id", userID)
	default:
		o.bg.Add(1)
		go func() {
			defer o.bg.Done()
			warmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if err := o.Warm(warmCtx, sess); err != nil {
				o.logger.Warn("pre-warm failed", "session_id", sess.ID, "error", err)
			}
		}()
	}
	return sess, nil
}

// Get returns a session owned by tenantID.
func (o *Orchestrator) Get(tenantID, sessionID string) (*Session, error) {
	sess, ok := o.store.Get(sessionID)
	if !ok || sess.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return sess, nil
}

// End drops a session owned by tenantID.
func (o *Orchestrator) End(tenantID, sessionID string) error {
	if _, err := o.Get(tenantID, sessionID); err != nil {
		return err
	}
	o.store.Delete(sessionID)
	o.logger.Info("session ended", "session_id", sessionID, "tenant_id", tenantID)
	return nil
}

// Warm builds the session's router, tool declarations, system prompt and
// chat. It is a no-op for a session that is already warm.
func (o *Orchestrator) Warm(ctx context.Context, sess *Session) error {
	sess.turn.Lock()
	defer sess.turn.Unlock()
	return o.warmLocked(ctx, sess)
}

func (o *Orchestrator) warmLocked(ctx context.Context, sess *Session) error {
	if sess.warm != nil {
		return nil
	}
	start := time.Now()

	rt, built, err := o.Toolset(ctx, sess.TenantID)
	if err != nil {
		return err
	}
	decls := built.Declarations

	prompt := SystemPrompt(sess.tenant.SystemPrompt, sess.Language)
	model := sess.tenant.Model
	if model == "" {
		model = o.cfg.Model
	}
	chat, err := o.model.StartChat(ctx, llm.ChatConfig{
		Model:             model,
		SystemInstruction: prompt,
		Tools:             decls,
		Temperature:       o.cfg.Temperature,
	})
	if err != nil {
		return fmt.Errorf("starting chat: %w", err)
	}

	sess.warm = &warmState{chat: chat, router: rt, declarations: decls, systemPrompt: prompt}
	o.logger.Info("session warmed",
		"session_id", sess.ID,
		"tenant_id", sess.TenantID,
		"tools", len(decls),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Toolset builds a router and tool declarations from the tenant's current
// catalog. Both are empty when the tenant has no enabled tools.
func (o *Orchestrator) Toolset(ctx context.Context, tenantID string) (*router.Router, toolschema.Result, error) {
	snap, err := o.catalog.Snapshot(ctx, tenantID)
	if err != nil {
		return nil, toolschema.Result{}, fmt.Errorf("loading tool catalog: %w", err)
	}
	if snap == nil || snap.Connection == nil || len(snap.Tools) == 0 {
		return nil, toolschema.Result{}, nil
	}

	spec, err := router.NewSpec(tenantID, snap.Connection, snap.Tools)
	if err != nil {
		return nil, toolschema.Result{}, fmt.Errorf("building router spec: %w", err)
	}
	opts := append([]router.Option{router.WithLogger(o.logger)}, o.cfg.RouterOptions...)
	rt, err := router.New(spec, opts...)
	if err != nil {
		return nil, toolschema.Result{}, fmt.Errorf("building router: %w", err)
	}
	return rt, toolschema.Build(tenantID, snap.Tools, o.logger), nil
}

// ExecuteTool runs a single tool outside of a conversation. The user must
// have credits; the call is billed like a model-requested one. Unknown tools,
// bad arguments and disallowed hosts are returned as router errors.
func (o *Orchestrator) ExecuteTool(ctx context.Context, tenantID, userID, name string, args map[string]any) (Outcome, error) {
	ok, err := o.billing.HasCredits(ctx, userID)
	if err != nil {
		return Outcome{}, fmt.Errorf("checking balance: %w", err)
	}
	if !ok {
		return Outcome{}, credits.ErrNoCredits
	}
	rt, _, err := o.Toolset(ctx, tenantID)
	if err != nil {
		return Outcome{}, err
	}
	return o.dispatcher.Execute(ctx, rt, CallMeta{TenantID: tenantID, UserID: userID}, name, args)
}

// SystemPrompt returns the tenant prompt, or the default for language,
// followed by the voice instructions and the reply language.
func SystemPrompt(tenantPrompt, language string) string {
	p := strings.TrimSpace(tenantPrompt)
	if p == "" {
		p = phrasesFor(language).prompt
	}
	return p + voiceInstructions + "\n- Always respond in " + narrate.LanguageName(language) + "."
}

func (o *Orchestrator) fallbackReply(language string) string {
	if o.cfg.FallbackReply != "" {
		return o.cfg.FallbackReply
	}
	return phrasesFor(language).fallback
}

func (o *Orchestrator) errorReply(language string) string {
	if o.cfg.ErrorReply != "" {
		return o.cfg.ErrorReply
	}
	return phrasesFor(language).failure
}

func (o *Orchestrator) toolSchemaErrorReply(language string) string {
	if o.cfg.ToolSchemaErrorReply != "" {
		return o.cfg.ToolSchemaErrorReply
	}
	return phrasesFor(language).schemaFailure
}

// SendMessage runs one conversational turn. Balance problems are returned as
// credit errors before the model is called. Model failures produce an
// apology reply rather than an error.
func (o *Orchestrator) SendMessage(ctx context.Context, tenantID, sessionID, text string) (*Reply, error) {
	sess, err := o.Get(tenantID, sessionID)
	if err != nil {
		return nil, err
	}

	sess.turn.Lock()
	defer sess.turn.Unlock()
	// The sweeper may have evicted the session while we waited for the turn.
	if cur, ok := o.store.Get(sessionID); !ok || cur != sess {
		return nil, ErrNotFound
	}
	sess.touch(time.Now())

	ok, err := o.billing.HasCredits(ctx, sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("checking balance: %w", err)
	}
	if !ok {
		return nil, credits.ErrNoCredits
	}

	if err := o.warmLocked(ctx, sess); err != nil {
		o.logger.Error("warming session failed", "session_id", sess.ID, "error", err)
		return nil, fmt.Errorf("initializing chat session: %w", err)
	}

	reply := &Reply{SessionID: sess.ID}
	turnStart := time.Now()
	resp, err := sess.warm.chat.Send(ctx, []llm.Part{llm.TextPart(text)})
	if err != nil {
		o.logger.Error("model turn failed", "session_id", sess.ID, "error", err)
		reply.Text = o.errorReply(sess.Language)
		return reply, nil
	}
	o.meterTokens(ctx, sess, resp.Usage, time.Since(turnStart))

	if resp.FinishReason == llm.FinishToolSchemaError {
		o.logger.Error("model rejected tool schema", "session_id", sess.ID, "tenant_id", sess.TenantID)
		reply.Text = o.toolSchemaErrorReply(sess.Language)
		return reply, nil
	}

	meta := CallMeta{TenantID: sess.TenantID, UserID: sess.UserID, SessionID: sess.ID}
	var segments []string
	var responses []llm.FunctionResponse
	for _, part := range resp.Parts {
		switch {
		case part.FunctionCall != nil:
			fc := part.FunctionCall
			if strings.TrimSpace(fc.Name) == "" {
				continue
			}
			out := o.dispatcher.Dispatch(ctx, sess.warm.router, meta, fc.Name, fc.Args)
			reply.ToolCalls = append(reply.ToolCalls, out)
			responses = append(responses, llm.FunctionResponse{ID: fc.ID, Name: fc.Name, Response: out.responsePayload()})
			segments = append(segments, o.speak(ctx, sess, text, out))
		case strings.TrimSpace(part.Text) != "":
			segments = append(segments, strings.TrimSpace(part.Text))
		}
	}
	if len(responses) > 0 {
		sess.warm.chat.Record(responses)
	}

	full := strings.TrimSpace(strings.Join(segments, " "))
	if full == "" {
		full = o.fallbackReply(sess.Language)
	}
	reply.Text, reply.Truncated = TruncateWords(full, o.cfg.MaxReplyWords)
	if reply.Truncated {
		o.logger.Info("reply truncated", "session_id", sess.ID, "max_words", o.cfg.MaxReplyWords)
	}
	return reply, nil
}

// speak renders a tool outcome as a sentence for the user.
func (o *Orchestrator) speak(ctx context.Context, sess *Session, userText string, out Outcome) string {
	if !out.OK {
		return out.Text
	}
	return o.narrator.Narrate(ctx, narrate.Request{
		ToolName:  out.Tool,
		UserQuery: userText,
		Language:  sess.Language,
		Data:      out.Data,
	})
}

// meterTokens charges and records the turn's tokens in the background.
func (o *Orchestrator) meterTokens(ctx context.Context, sess *Session, usage llm.Usage, latency time.Duration) {
	tokens := usage.TotalTokens
	if tokens == 0 {
		tokens = usage.PromptTokens + usage.OutputTokens
	}
	if tokens <= 0 {
		return
	}
	usageType := o.cfg.BillingUsageType
	if usageType == "" {
		usageType = sess.warmModel(o.cfg.Model)
	}
	if o.metrics != nil {
		o.metrics.AddLLMTokens(usageType, tokens)
	}

	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.BillingTimeout)
		defer cancel()

		ev := metering.Event{
			TenantID:  sess.TenantID,
			UserID:    sess.UserID,
			SessionID: sess.ID,
			Kind:      metering.KindLLM,
			Name:      usageType,
			Outcome:   metering.OutcomeSuccess,
			LatencyMs: latency.Milliseconds(),
			Tokens:    tokens,
		}
		charge, err := o.billing.UseLLMTokens(bctx, sess.UserID, sess.TenantID, usageType, tokens)
		if err != nil {
			o.logger.Warn("llm token billing failed",
				"session_id", sess.ID, "user_id", sess.UserID, "tokens", tokens, "error", err)
			ev.Outcome = metering.OutcomeFailure
			ev.Error = err.Error()
		} else {
			ev.Credits = charge.CreditsUsed.InexactFloat64()
		}
		if o.events != nil {
			o.events.Record(ev)
		}
	}()
}

func (s *Session) warmModel(fallback string) string {
	if s.tenant != nil && s.tenant.Model != "" {
		return s.tenant.Model
	}
	return fallback
}

// TruncateWords keeps at most max whitespace-separated words, appending
// "..." when anything was cut.
func TruncateWords(text string, max int) (string, bool) {
	words := strings.Fields(text)
	if max <= 0 || len(words) <= max {
		return text, false
	}
	return strings.Join(words[:max], " ") + "...", true
}
