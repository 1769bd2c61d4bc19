package streaminghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/mcp-examples/calculator-go/auth"
	"github.com/mcp-examples/calculator-go/eventstore"
	"github.com/mcp-examples/calculator-go/internal/engine"
	"github.com/mcp-examples/calculator-go/internal/jsonrpc"
	"github.com/mcp-examples/calculator-go/internal/logctx"
	"github.com/mcp-examples/calculator-go/internal/metrics"
	"github.com/mcp-examples/calculator-go/mcp"
	"github.com/mcp-examples/calculator-go/mcpservice"
)

var (
	_ http.Handler = (*StreamingHTTPHandler)(nil)
)

// ErrSessionHeaderMissing is reported when a request needs a session but
// carries no Mcp-Session-Id.
var ErrSessionHeaderMissing = errors.New("missing mcp-session-id header")

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
	jsonMediaTypes        = []contenttype.MediaType{jsonMediaType}
)

const (
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"

	defaultEndpoint     = "/mcp"
	defaultMaxBodyBytes = 4 << 20
	defaultKeepAlive    = 25 * time.Second
)

// Connection states reported in logs.
const (
	stateNew          = "new"
	stateActive       = "active"
	stateDisconnected = "disconnected"
	stateResumed      = "resumed"
	stateExpired      = "expired"
	stateClosed       = "closed"
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a JSON-RPC
// message exchange is possible. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the StreamingHTTPHandler.
type Option func(*newConfig)

type newConfig struct {
	logger       *slog.Logger
	endpoint     string
	store        eventstore.Store
	stateless    bool
	jsonResponse bool
	authn        auth.Authenticator
	realm        string
	keepAlive    time.Duration
	sessionTTL   time.Duration
	maxBodyBytes int64
}

// WithLogger sets the slog logger used by the handler.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithEndpoint sets the path the transport is mounted on. Defaults to /mcp.
func WithEndpoint(path string) Option {
	return func(c *newConfig) { c.endpoint = path }
}

// WithEventStore makes sessions resumable: every outbound message is
// appended to store under the session id and carries the assigned id on the
// wire, so a client can reconnect with Last-Event-ID.
func WithEventStore(store eventstore.Store) Option {
	return func(c *newConfig) { c.store = store }
}

// WithStateless disables sessions. Every POST runs in a throwaway session,
// no Mcp-Session-Id is issued and GET and DELETE answer 405.
func WithStateless() Option {
	return func(c *newConfig) { c.stateless = true }
}

// WithJSONResponse answers requests with a single application/json body
// instead of an event stream.
func WithJSONResponse() Option {
	return func(c *newConfig) { c.jsonResponse = true }
}

// WithAuthenticator requires a bearer token on every request. The realm is
// advertised in WWW-Authenticate challenges and may be empty.
func WithAuthenticator(a auth.Authenticator, realm string) Option {
	return func(c *newConfig) {
		c.authn = a
		c.realm = strings.TrimSpace(realm)
	}
}

// WithKeepAlive sets the interval of SSE comment frames on idle GET streams.
// Zero or less disables them.
func WithKeepAlive(d time.Duration) Option {
	return func(c *newConfig) { c.keepAlive = d }
}

// WithSessionTTL expires sessions that have no open GET stream and saw no
// request for d. Zero, the default, keeps sessions until DELETE or Close.
func WithSessionTTL(d time.Duration) Option {
	return func(c *newConfig) { c.sessionTTL = d }
}

// WithMaxBodyBytes bounds the size of a POST body.
func WithMaxBodyBytes(n int64) Option {
	return func(c *newConfig) {
		if n > 0 {
			c.maxBodyBytes = n
		}
	}
}

// StreamingHTTPHandler implements the streamable HTTP transport of the Model
// Context Protocol.
type StreamingHTTPHandler struct {
	root http.Handler
	log  *slog.Logger
	eng  *engine.Engine

	store        eventstore.Store
	stateless    bool
	jsonResponse bool
	keepAlive    time.Duration
	sessionTTL   time.Duration
	maxBodyBytes int64
	transport    string

	mu       sync.Mutex
	sessions map[string]*session

	closeOnce sync.Once
	done      chan struct{}
}

// session is the process-local state behind an Mcp-Session-Id.
type session struct {
	*mcpservice.SessionState
	userID string

	// ctx outlives individual HTTP requests and ends on DELETE, expiry or Close.
	ctx    context.Context
	cancel context.CancelFunc

	// mu serializes append+deliver against replay+attach so a resuming
	// client never misses or reorders a message.
	mu       sync.Mutex
	listener *listener
	state    string
	lastSeen time.Time
	inflight int
}

// track marks a POST as in flight until the returned func runs.
func (s *session) track() func() {
	s.mu.Lock()
	s.inflight++
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.inflight--
		s.lastSeen = time.Now()
		s.mu.Unlock()
	}
}

// listener is the live standalone GET stream of a session.
type listener struct {
	wf   *lockedWriteFlusher
	done chan struct{}
	once sync.Once
}

func (l *listener) close() { l.once.Do(func() { close(l.done) }) }

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// New constructs a StreamingHTTPHandler serving srv.
//
// Without options the handler keeps sessions in memory but cannot resume
// streams. WithEventStore adds resumability and WithStateless drops sessions
// altogether; the two are mutually exclusive.
func New(srv mcpservice.ServerCapabilities, opts ...Option) (*StreamingHTTPHandler, error) {
	if srv == nil {
		return nil, fmt.Errorf("server is required")
	}

	cfg := &newConfig{
		logger:       slog.Default(),
		endpoint:     defaultEndpoint,
		keepAlive:    defaultKeepAlive,
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.stateless && cfg.store != nil {
		return nil, fmt.Errorf("an event store requires sessions; drop WithStateless")
	}
	if !strings.HasPrefix(cfg.endpoint, "/") {
		return nil, fmt.Errorf("endpoint must be an absolute path, got %q", cfg.endpoint)
	}

	h := &StreamingHTTPHandler{
		log:          logctx.Wrap(cfg.logger),
		store:        cfg.store,
		stateless:    cfg.stateless,
		jsonResponse: cfg.jsonResponse,
		keepAlive:    cfg.keepAlive,
		sessionTTL:   cfg.sessionTTL,
		maxBodyBytes: cfg.maxBodyBytes,
		transport:    "streamable",
		sessions:     make(map[string]*session),
		done:         make(chan struct{}),
	}
	if h.store != nil {
		h.transport = "stateful"
	}
	h.eng = engine.NewEngine(srv, engine.WithLogger(h.log), engine.WithTransport(h.transport))

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", cfg.endpoint), h.handlePostMCP)
	mux.HandleFunc(fmt.Sprintf("GET %s", cfg.endpoint), h.handleGetMCP)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", cfg.endpoint), h.handleDeleteMCP)
	h.root = auth.Middleware(cfg.authn, cfg.realm, h.log)(mux)

	if h.sessionTTL > 0 && !h.stateless {
		go h.expireLoop()
	}
	return h, nil
}

func (h *StreamingHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.root.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// Close terminates every session and stops the expiry loop. Stored events are
// left to the event store's retention policy.
func (h *StreamingHTTPHandler) Close() error {
	h.closeOnce.Do(func() { close(h.done) })

	h.mu.Lock()
	all := make([]*session, 0, len(h.sessions))
	for id, s := range h.sessions {
		all = append(all, s)
		delete(h.sessions, id)
	}
	h.mu.Unlock()

	for _, s := range all {
		h.closeSession(context.Background(), s, stateClosed, false)
	}
	return nil
}

// SessionCount returns the number of live sessions.
func (h *StreamingHTTPHandler) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *StreamingHTTPHandler) newSession(userID string) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		SessionState: mcpservice.NewSessionState(uuid.NewString()),
		userID:       userID,
		ctx:          ctx,
		cancel:       cancel,
		state:        stateNew,
		lastSeen:     time.Now(),
	}
}

// setState must be called with s.mu held.
func (h *StreamingHTTPHandler) setState(ctx context.Context, s *session, state string) {
	if s.state == state {
		return
	}
	h.log.DebugContext(ctx, "session.state", slog.String("from", s.state), slog.String("to", state))
	s.state = state
}

func (h *StreamingHTTPHandler) sessionContext(ctx context.Context, s *session) context.Context {
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       s.SessionID(),
		UserID:          s.userID,
		Transport:       h.transport,
		ProtocolVersion: s.ProtocolVersion(),
	})
	if !h.stateless {
		ctx = mcpservice.WithSessionNotifier(ctx, mcpservice.NotifierFunc(func(ctx context.Context, method mcp.Method, params any) error {
			return h.notify(ctx, s, nil, method, params)
		}))
	}
	return ctx
}

// lookupSession resolves the Mcp-Session-Id header. It writes the rejection
// itself and reports false when the request cannot proceed.
func (h *StreamingHTTPHandler) lookupSession(w http.ResponseWriter, r *http.Request) (*session, bool) {
	ctx := r.Context()
	id := r.Header.Get(mcpSessionIDHeader)
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, ErrSessionHeaderMissing.Error())
		h.log.WarnContext(ctx, "session.id.missing")
		return nil, false
	}

	h.mu.Lock()
	s := h.sessions[id]
	h.mu.Unlock()
	// A session is only visible to the principal that created it.
	if s == nil || s.userID != auth.UserID(ctx) {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.load.miss", slog.String("session_id", id))
		return nil, false
	}

	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" {
		if spv := s.ProtocolVersion(); spv != "" && pv != spv {
			writeJSONError(w, http.StatusBadRequest, "protocol version mismatch")
			h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
			return nil, false
		}
	}

	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
	return s, true
}

// handlePostMCP handles the POST /mcp endpoint, which is used by the client to send
// MCP messages to the server and to establish a session.
func (h *StreamingHTTPHandler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			h.log.WarnContext(ctx, "http.post.too_large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		h.log.WarnContext(ctx, "http.post.read.fail", slog.String("err", err.Error()))
		return
	}

	msg, err := jsonrpc.Decode(body)
	if err != nil {
		code, text := jsonrpc.ErrorCodeInvalidRequest, "invalid request"
		switch {
		case errors.Is(err, jsonrpc.ErrBatchUnsupported):
			text = "JSON-RPC batch arrays are not supported"
		case jsonrpc.IsParseError(err):
			code, text = jsonrpc.ErrorCodeParseError, "parse error"
		}
		h.writeJSON(ctx, w, http.StatusBadRequest, jsonrpc.NewErrorResponse(nil, code, text, nil))
		h.log.WarnContext(ctx, "jsonrpc.decode.fail", slog.String("err", err.Error()))
		return
	}

	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" && !mcp.IsSupportedProtocolVersion(pv) {
		writeJSONError(w, http.StatusBadRequest, "unsupported protocol version "+pv)
		h.log.WarnContext(ctx, "protocol.version.unsupported", slog.String("client_version", pv))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})
	r = r.WithContext(ctx)
	req := msg.AsRequest()

	var s *session
	switch {
	case h.stateless:
		s = h.newSession(auth.UserID(ctx))
		defer s.cancel()
	case r.Header.Get(mcpSessionIDHeader) == "":
		if req == nil || req.Method != string(mcp.InitializeMethod) {
			writeJSONError(w, http.StatusBadRequest, ErrSessionHeaderMissing.Error())
			h.log.InfoContext(ctx, "session.initialize.invalid")
			return
		}
		h.handleInitialize(w, r, req, start)
		return
	default:
		var ok bool
		if s, ok = h.lookupSession(w, r); !ok {
			return
		}
		if req != nil && req.Method == string(mcp.InitializeMethod) {
			writeJSONError(w, http.StatusConflict, "session already initialized")
			h.log.WarnContext(ctx, "session.initialize.redundant")
			return
		}
	}

	ctx = h.sessionContext(ctx, s)
	defer s.track()()
	if spv := s.ProtocolVersion(); spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}

	if msg.Type() != "request" {
		_ = h.eng.HandleMessage(ctx, s, msg)
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "http.post.accepted", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return
	}

	useJSON := h.jsonResponse
	if !useJSON && r.Header.Get("Accept") != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			if _, _, err := contenttype.GetAcceptableMediaType(r, jsonMediaTypes); err != nil {
				writeJSONError(w, http.StatusNotAcceptable, "accept must allow text/event-stream or application/json")
				h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
				return
			}
			useJSON = true
		}
	}

	if useJSON {
		res := h.eng.HandleRequest(ctx, s, req)
		if res == nil {
			w.WriteHeader(http.StatusAccepted)
			h.log.InfoContext(ctx, "rpc.inbound.cancelled")
			return
		}
		h.writeJSON(ctx, w, http.StatusOK, res)
		h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: r.Context()}

	setEventStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	reqCtx, cancel := h.requestContext(ctx, s)
	defer cancel()
	reqCtx = mcpservice.WithRequestNotifier(reqCtx, mcpservice.NotifierFunc(func(ctx context.Context, method mcp.Method, params any) error {
		return h.notify(ctx, s, wf, method, params)
	}))

	res := h.eng.HandleRequest(reqCtx, s, req)
	if res == nil {
		h.log.InfoContext(ctx, "rpc.inbound.cancelled")
		return
	}
	if err := h.deliver(reqCtx, s, wf, res); err != nil {
		h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
}

func (h *StreamingHTTPHandler) handleInitialize(w http.ResponseWriter, r *http.Request, req *jsonrpc.Request, start time.Time) {
	ctx := r.Context()
	s := h.newSession(auth.UserID(ctx))
	ctx = h.sessionContext(ctx, s)

	res := h.eng.HandleRequest(ctx, s, req)
	if res == nil || res.Error != nil {
		s.cancel()
		if res == nil {
			res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
		h.writeJSON(ctx, w, http.StatusBadRequest, res)
		h.log.InfoContext(ctx, "session.initialize.fail", slog.String("err", res.Error.Message))
		return
	}

	h.mu.Lock()
	h.sessions[s.SessionID()] = s
	h.mu.Unlock()
	metrics.SessionOpened()

	w.Header().Set(mcpSessionIDHeader, s.SessionID())
	if v := s.ProtocolVersion(); v != "" {
		w.Header().Set(mcpProtocolVersionHeader, v)
	}
	h.writeJSON(ctx, w, http.StatusOK, res)
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
}

// requestContext returns the context a request runs under. With an event
// store the request outlives its HTTP connection so the response still lands
// in the store for a resuming client; it ends with the session instead.
func (h *StreamingHTTPHandler) requestContext(ctx context.Context, s *session) (context.Context, context.CancelFunc) {
	if h.store == nil {
		return context.WithCancel(ctx)
	}
	rc, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(s.ctx, cancel)
	return rc, func() {
		stop()
		cancel()
	}
}

// handleGetMCP opens the standalone event stream of a session, replaying
// what the client missed when it presents Last-Event-ID.
func (h *StreamingHTTPHandler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if h.stateless {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONError(w, http.StatusMethodNotAllowed, "stateless server does not support GET")
		return
	}

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must allow text/event-stream")
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	s, ok := h.lookupSession(w, r)
	if !ok {
		return
	}

	var after int64
	resume := false
	if v := r.Header.Get(lastEventIDHeader); v != "" {
		n, err := eventstore.ParseEventID(v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid Last-Event-ID")
			h.log.WarnContext(ctx, "sse.last_event_id.invalid", slog.String("last_event_id", v))
			return
		}
		after, resume = n, true
	}

	ctx = h.sessionContext(ctx, s)
	ctx = logctx.WithStreamData(ctx, &logctx.StreamData{StreamID: s.SessionID(), LastEventID: after})

	if spv := s.ProtocolVersion(); spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}
	setEventStreamHeaders(w)
	w.WriteHeader(http.StatusOK)

	l := &listener{
		wf:   &lockedWriteFlusher{Writer: w, Flusher: f, ctx: r.Context()},
		done: make(chan struct{}),
	}

	h.log.InfoContext(ctx, "sse.stream.start", slog.Bool("resume", resume))
	if err := h.attach(ctx, s, l, after, resume); err != nil {
		h.log.ErrorContext(ctx, "sse.replay.fail", slog.String("err", err.Error()))
		h.detach(ctx, s, l)
		return
	}
	defer h.detach(ctx, s, l)
	// Headers reach the client only once the listener is live.
	l.wf.Flush()

	var tick <-chan time.Time
	if h.keepAlive > 0 {
		t := time.NewTicker(h.keepAlive)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "sse.stream.end", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return
		case <-l.done:
			h.log.InfoContext(ctx, "sse.stream.replaced")
			return
		case <-s.ctx.Done():
			h.log.InfoContext(ctx, "sse.stream.session_closed")
			return
		case <-tick:
			if err := writeSSEComment(l.wf, "ping"); err != nil {
				h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
		}
	}
}

// attach replays the stored suffix after the given id and then installs l
// as the live listener, both under the session lock.
func (h *StreamingHTTPHandler) attach(ctx context.Context, s *session, l *listener, after int64, resume bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if resume && h.store != nil {
		exists, err := h.store.Exists(ctx, s.SessionID())
		if err != nil {
			return fmt.Errorf("check stream: %w", err)
		}
		if !exists {
			metrics.ObserveResumption("unknown_stream")
			h.log.InfoContext(ctx, "sse.resume.unknown_stream")
		} else {
			n := 0
			for ev, err := range h.store.Replay(ctx, s.SessionID(), after) {
				if err != nil {
					return fmt.Errorf("replay: %w", err)
				}
				if err := writeSSEEvent(l.wf, eventstore.FormatEventID(ev.ID), ev.Payload); err != nil {
					return err
				}
				n++
			}
			metrics.ObserveResumption("replayed")
			h.log.InfoContext(ctx, "sse.resume.ok", slog.Int("replayed", n))
		}
		h.setState(ctx, s, stateResumed)
	}

	if s.listener != nil {
		s.listener.close()
	}
	s.listener = l
	h.setState(ctx, s, stateActive)
	return nil
}

func (h *StreamingHTTPHandler) detach(ctx context.Context, s *session, l *listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.close()
	if s.listener == l {
		s.listener = nil
		s.lastSeen = time.Now()
		if s.state == stateActive || s.state == stateResumed {
			h.setState(ctx, s, stateDisconnected)
		}
	}
}

// handleDeleteMCP terminates a session: in-flight requests are cancelled,
// the live stream is closed and the stored stream is purged.
func (h *StreamingHTTPHandler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	if h.stateless {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONError(w, http.StatusMethodNotAllowed, "stateless server does not support DELETE")
		return
	}

	s, ok := h.lookupSession(w, r)
	if !ok {
		return
	}
	ctx = h.sessionContext(ctx, s)

	h.mu.Lock()
	_, present := h.sessions[s.SessionID()]
	delete(h.sessions, s.SessionID())
	h.mu.Unlock()
	if !present {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.delete.miss")
		return
	}

	h.closeSession(ctx, s, stateClosed, true)
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
}

// closeSession must be called after s was removed from the session map.
func (h *StreamingHTTPHandler) closeSession(ctx context.Context, s *session, state string, purge bool) {
	s.cancel()
	cancelled := h.eng.CancelSession(s.SessionID())

	s.mu.Lock()
	if s.listener != nil {
		s.listener.close()
		s.listener = nil
	}
	h.setState(ctx, s, state)
	s.mu.Unlock()

	if purge && h.store != nil {
		if err := h.store.Purge(ctx, s.SessionID()); err != nil {
			h.log.ErrorContext(ctx, "session.purge.fail", slog.String("err", err.Error()))
		}
	}
	metrics.SessionClosed()
	h.log.InfoContext(ctx, "session.close", slog.String("state", state), slog.Int("cancelled", cancelled))
}

func (h *StreamingHTTPHandler) expireLoop() {
	interval := h.sessionTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-h.done:
			return
		case now := <-t.C:
			h.expire(now)
		}
	}
}

// expire closes sessions that have no live stream and no POST in flight and
// were last seen more than the TTL before now. It reports how many it closed
// and purges their stored streams.
func (h *StreamingHTTPHandler) expire(now time.Time) int {
	var idle []*session
	h.mu.Lock()
	for id, s := range h.sessions {
		s.mu.Lock()
		stale := s.listener == nil && s.inflight == 0 && now.Sub(s.lastSeen) > h.sessionTTL
		s.mu.Unlock()
		if stale {
			idle = append(idle, s)
			delete(h.sessions, id)
		}
	}
	h.mu.Unlock()

	for _, s := range idle {
		h.closeSession(h.sessionContext(context.Background(), s), s, stateExpired, true)
	}
	return len(idle)
}

// notify encodes a notification and delivers it. A nil stream targets the
// session's standalone GET stream.
func (h *StreamingHTTPHandler) notify(ctx context.Context, s *session, stream *lockedWriteFlusher, method mcp.Method, params any) error {
	note, err := jsonrpc.NewNotification(string(method), params)
	if err != nil {
		return err
	}
	return h.deliver(ctx, s, stream, note)
}

// deliver appends msg to the event store, when there is one, and writes it
// to stream, or to the live GET stream when stream is nil. Without a live
// stream the message is only stored. A failed write is not an error once the
// message is stored, because the client can resume and fetch it.
func (h *StreamingHTTPHandler) deliver(ctx context.Context, s *session, stream *lockedWriteFlusher, msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var id string
	if h.store != nil {
		n, err := h.store.Append(ctx, s.SessionID(), b)
		if err != nil {
			return fmt.Errorf("append outbound message: %w", err)
		}
		id = eventstore.FormatEventID(n)
	}

	live := stream
	if live == nil {
		if s.listener == nil {
			h.log.DebugContext(ctx, "sse.deliver.no_listener", slog.Bool("stored", id != ""))
			return nil
		}
		live = s.listener.wf
	}

	if err := writeSSEEvent(live, id, b); err != nil {
		if stream == nil {
			s.listener.close()
			s.listener = nil
			h.setState(ctx, s, stateDisconnected)
		}
		if id != "" {
			h.log.InfoContext(ctx, "sse.deliver.stored_only", slog.String("event_id", id), slog.String("err", err.Error()))
			return nil
		}
		return err
	}
	return nil
}

func (h *StreamingHTTPHandler) writeJSON(ctx context.Context, w http.ResponseWriter, status int, res *jsonrpc.Response) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.log.ErrorContext(ctx, "http.write.fail", slog.String("err", err.Error()))
	}
}

func setEventStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// writeSSEEvent writes one Server-Sent Event carrying payload as its data
// field and flushes it. An empty msgID omits the id line. The frame goes out
// in a single Write so keepalive comments cannot split it.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	var buf bytes.Buffer
	if msgID != "" {
		buf.WriteString("id: ")
		buf.WriteString(msgID)
		buf.WriteByte('\n')
	}
	buf.WriteString("data: ")
	buf.Write(payload)
	buf.WriteString("\n\n")
	if _, err := wf.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write SSE event: %w", err)
	}
	wf.Flush()
	return nil
}

func writeSSEComment(wf *lockedWriteFlusher, text string) error {
	if _, err := fmt.Fprintf(wf, ": %s\n\n", text); err != nil {
		return err
	}
	wf.Flush()
	return nil
}
