package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/alecgard/voxdesk/internal/auth"
	"github.com/alecgard/voxdesk/internal/metrics"
	"github.com/alecgard/voxdesk/internal/ratelimit"
	"github.com/alecgard/voxdesk/internal/session"
)

const (
	wsMaxMessageBytes = 64 << 10
	wsIdleTimeout     = 5 * time.Minute
	wsWriteTimeout    = 10 * time.Second
	wsPingInterval    = time.Minute
	maxMessageChars   = 4000
)

// Connections authenticate with a bearer key rather than cookies, so any
// origin is accepted.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// sessionsHandler drives chat sessions over HTTP and WebSocket.
type sessionsHandler struct {
	sessions    *session.Orchestrator
	limiter     *ratelimit.Limiter
	perUserRate int
	metrics     *metrics.Metrics
}

func newSessionsHandler(sessions *session.Orchestrator, limiter *ratelimit.Limiter, perUserRate int, m *metrics.Metrics) *sessionsHandler {
	return &sessionsHandler{sessions: sessions, limiter: limiter, perUserRate: perUserRate, metrics: m}
}

type startSessionRequest struct {
	UserID string `json:"user_id"`
}

// Start handles POST /api/v1/sessions.
func (h *sessionsHandler) Start(w http.ResponseWriter, r *http.Request) {
	t := auth.TenantFromContext(r.Context())

	var req startSessionRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "user_id is required")
		return
	}

	sess, err := h.sessions.Start(r.Context(), t, req.UserID)
	if err != nil {
		writeServiceError(w, r, err, "failed to start session")
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

type sendMessageRequest struct {
	Message string `json:"message"`
}

// validMessage trims text and reports whether it is acceptable.
func validMessage(text string) (string, string) {
	text = strings.TrimSpace(text)
	switch {
	case text == "":
		return "", "message is required"
	case len([]rune(text)) > maxMessageChars:
		return "", "message is too long"
	}
	return text, ""
}

// SendMessage handles POST /api/v1/sessions/{id}/messages.
func (h *sessionsHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	t := auth.TenantFromContext(r.Context())

	sess, err := h.sessions.Get(t.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err, "failed to load session")
		return
	}

	var req sendMessageRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	text, problem := validMessage(req.Message)
	if problem != "" {
		writeError(w, http.StatusBadRequest, "validation_error", problem)
		return
	}

	if h.perUserRate > 0 {
		d := h.limiter.Take(userScopeKey(t.ID, sess.UserID), h.perUserRate)
		if !d.Allowed {
			h.rejected("user")
			ratelimit.WriteLimited(w, d)
			return
		}
	}

	reply, err := h.sessions.SendMessage(r.Context(), t.ID, sess.ID, text)
	if err != nil {
		writeServiceError(w, r, err, "failed to process message")
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// End handles DELETE /api/v1/sessions/{id}.
func (h *sessionsHandler) End(w http.ResponseWriter, r *http.Request) {
	t := auth.TenantFromContext(r.Context())
	if err := h.sessions.End(t.ID, chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, err, "failed to end session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// wsFrame is one message on the session socket in either direction.
type wsFrame struct {
	Type    string         `json:"type"`
	Message string         `json:"message,omitempty"`
	Reply   *session.Reply `json:"reply,omitempty"`
	Error   *errorDetail   `json:"error,omitempty"`
}

// Stream handles GET /api/v1/sessions/{id}/ws. The client sends
// {"type":"message","message":"..."} frames and receives one "reply" or
// "error" frame per message. Turns are processed in order. The session is
// not ended when the socket closes.
func (h *sessionsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	t := auth.TenantFromContext(r.Context())

	sess, err := h.sessions.Get(t.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err, "failed to load session")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		slog.Warn("websocket upgrade failed", "session_id", sess.ID, "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(wsMaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	})

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	// gorilla allows one concurrent writer; pings go through the same lock.
	writes := make(chan wsFrame)
	done := make(chan struct{})
	go h.writeLoop(conn, writes, done)
	defer func() {
		close(writes)
		<-done
	}()

	slog.Info("session stream opened", "session_id", sess.ID, "tenant_id", t.ID)

	for {
		var in wsFrame
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("session stream closed unexpectedly", "session_id", sess.ID, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))

		writes <- h.handleFrame(ctx, r, t, sess, in)
	}
}

func (h *sessionsHandler) handleFrame(ctx context.Context, r *http.Request, t *auth.Tenant, sess *session.Session, in wsFrame) wsFrame {
	if in.Type != "message" {
		return errorFrame("invalid_frame", `frame type must be "message"`)
	}
	text, problem := validMessage(in.Message)
	if problem != "" {
		return errorFrame("validation_error", problem)
	}

	// Socket frames bypass the HTTP middleware, so both buckets are taken here.
	scopes := []ratelimit.Scope{{Key: "tenant:" + t.ID, Rate: t.RateLimit}}
	if h.perUserRate > 0 {
		scopes = append(scopes, ratelimit.Scope{Key: userScopeKey(t.ID, sess.UserID), Rate: h.perUserRate})
	}
	if d := h.limiter.TakeAll(scopes...); !d.Allowed {
		h.rejected("stream")
		return errorFrame("rate_limited", "Rate limit exceeded. Try again later.")
	}

	reply, err := h.sessions.SendMessage(ctx, t.ID, sess.ID, text)
	if err != nil {
		if _, code, msg, ok := classifyError(err); ok {
			return errorFrame(code, msg)
		}
		reportError(r, err, "failed to process message")
		return errorFrame("internal_error", "failed to process message")
	}
	return wsFrame{Type: "reply", Reply: reply}
}

func (h *sessionsHandler) writeLoop(conn *websocket.Conn, frames <-chan wsFrame, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case f, ok := <-frames:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(wsWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(f); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				slog.Warn("session stream write failed", "error", err)
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Debug("session stream ping failed", "error", err)
			}
		}
	}
}

func (h *sessionsHandler) rejected(scope string) {
	if h.metrics != nil {
		h.metrics.IncRateLimitRejection(scope)
	}
}

func errorFrame(code, msg string) wsFrame {
	return wsFrame{Type: "error", Error: &errorDetail{Code: code, Message: msg}}
}

func userScopeKey(tenantID, userID string) string {
	return "user:" + tenantID + ":" + userID
}
