package httprpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/mcp-examples/calculator-go/auth"
	"github.com/mcp-examples/calculator-go/internal/engine"
	"github.com/mcp-examples/calculator-go/internal/health"
	"github.com/mcp-examples/calculator-go/internal/jsonrpc"
	"github.com/mcp-examples/calculator-go/internal/logctx"
	"github.com/mcp-examples/calculator-go/internal/metrics"
	"github.com/mcp-examples/calculator-go/mcpservice"
)

const (
	defaultMaxBodyBytes = 1 << 20
	defaultPingInterval = time.Second
	transportName       = "http"
)

var _ http.Handler = (*Handler)(nil)

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger. Records are decorated with logctx groups.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithAuthenticator guards POST and GET /mcp with bearer authentication.
// /health and /metrics stay public.
func WithAuthenticator(a auth.Authenticator, realm string) Option {
	return func(h *Handler) {
		h.authn = a
		h.realm = realm
	}
}

// WithPingInterval sets the delay between keep-alive events on GET /mcp.
func WithPingInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// WithMaxBodyBytes bounds the size of a POST body.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

// Handler serves MCP as plain JSON-RPC over HTTP: one request per POST, one
// JSON response per request. There are no sessions; every POST runs in a
// fresh session that lives for the duration of the request.
type Handler struct {
	root         http.Handler
	eng          *engine.Engine
	log          *slog.Logger
	authn        auth.Authenticator
	realm        string
	pingInterval time.Duration
	maxBodyBytes int64
}

// New builds the router for srv.
//
//	POST /mcp     JSON-RPC request -> JSON-RPC response
//	GET  /mcp     keep-alive event stream
//	GET  /health  liveness and tool names
//	GET  /metrics Prometheus exposition
func New(srv mcpservice.ServerCapabilities, opts ...Option) *Handler {
	h := &Handler{
		log:          slog.Default(),
		pingInterval: defaultPingInterval,
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = logctx.Wrap(h.log)
	h.eng = engine.NewEngine(srv, engine.WithLogger(h.log), engine.WithTransport(transportName))

	r := mux.NewRouter()
	r.Handle("/health", health.Handler(srv, h.log)).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	guard := auth.Middleware(h.authn, h.realm, h.log)
	r.Handle("/mcp", guard(http.HandlerFunc(h.handlePost))).Methods(http.MethodPost)
	r.Handle("/mcp", guard(http.HandlerFunc(h.handleEvents))).Methods(http.MethodGet)

	h.root = cors.AllowAll().Handler(r)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.root.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeResponse(w, http.StatusRequestEntityTooLarge, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, "request body too large", nil))
			h.log.WarnContext(ctx, "http.post.too_large")
			return
		}
		h.log.WarnContext(ctx, "http.post.read.fail", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	msg, err := jsonrpc.Decode(body)
	if err != nil {
		code, text := jsonrpc.ErrorCodeInvalidRequest, "invalid request"
		if jsonrpc.IsParseError(err) {
			code, text = jsonrpc.ErrorCodeParseError, "parse error"
		}
		h.writeResponse(w, http.StatusBadRequest, jsonrpc.NewErrorResponse(nil, code, text, nil))
		h.log.WarnContext(ctx, "jsonrpc.decode.fail", slog.String("err", err.Error()))
		return
	}

	sess := mcpservice.NewSessionState(uuid.NewString())
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.SessionID(),
		UserID:    auth.UserID(ctx),
		Transport: transportName,
	})

	res := h.eng.HandleMessage(ctx, sess, msg)
	if res == nil {
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "http.post.accepted", slog.String("type", msg.Type()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return
	}

	status := http.StatusOK
	if res.Error != nil && res.Error.Code == jsonrpc.ErrorCodeInternalError {
		status = http.StatusInternalServerError
	}
	h.writeResponse(w, status, res)
	h.log.InfoContext(ctx, "http.post.ok", slog.Int("status", status), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
}

func (h *Handler) writeResponse(w http.ResponseWriter, status int, res *jsonrpc.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.log.Error("http.write.fail", slog.String("err", err.Error()))
	}
}

// handleEvents keeps an event stream open for clients that expect one. The
// server never pushes messages here; it only emits a greeting and pings.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	write := func(v string) error {
		if _, err := fmt.Fprintf(w, "data: {\"type\":%q}\n\n", v); err != nil {
			return err
		}
		f.Flush()
		return nil
	}

	h.log.InfoContext(ctx, "sse.stream.start")
	if err := write("connection_established"); err != nil {
		return
	}

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "sse.stream.end")
			return
		case <-ticker.C:
			if err := write("ping"); err != nil {
				h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
		}
	}
}
