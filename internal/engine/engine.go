package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/mcp-examples/calculator-go/internal/jsonrpc"
	"github.com/mcp-examples/calculator-go/internal/logctx"
	"github.com/mcp-examples/calculator-go/internal/metrics"
	"github.com/mcp-examples/calculator-go/mcp"
	"github.com/mcp-examples/calculator-go/mcpservice"
)

// ErrCancelledByClient is the cancellation cause of a tool call aborted by
// notifications/cancelled.
var ErrCancelledByClient = errors.New("cancelled by client")

// Engine is the protocol core shared by every transport. It negotiates
// initialize, dispatches requests to the server capabilities, maps Go errors
// onto JSON-RPC error codes and tracks in-flight tool calls so they can be
// cancelled. It holds no transport state: sessions are owned by the caller.
type Engine struct {
	srv       mcpservice.ServerCapabilities
	log       *slog.Logger
	transport string

	// sessionID -> request id -> cancel
	inflightMu sync.Mutex
	inflight   map[string]map[string]context.CancelCauseFunc
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets a custom logger for the Engine.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithTransport names the transport in metrics and log records.
func WithTransport(name string) EngineOption {
	return func(e *Engine) {
		if name != "" {
			e.transport = name
		}
	}
}

func NewEngine(srv mcpservice.ServerCapabilities, opts ...EngineOption) *Engine {
	e := &Engine{
		srv:       srv,
		log:       slog.Default(),
		transport: "unknown",
		inflight:  make(map[string]map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Transport returns the transport name the engine was configured with.
func (e *Engine) Transport() string { return e.transport }

type versionSetter interface {
	SetProtocolVersion(v string)
}

// NegotiateProtocolVersion echoes requested when it is supported and otherwise
// offers the server's preferred revision.
func (e *Engine) NegotiateProtocolVersion(ctx context.Context, requested string) (string, error) {
	if mcp.IsSupportedProtocolVersion(requested) {
		return requested, nil
	}
	v, ok, err := e.srv.GetPreferredProtocolVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("get preferred protocol version: %w", err)
	}
	if ok && mcp.IsSupportedProtocolVersion(v) {
		return v, nil
	}
	return mcp.LatestProtocolVersion, nil
}

// Initialize handles the initialize handshake for sess and records the
// negotiated protocol version on it when possible.
func (e *Engine) Initialize(ctx context.Context, sess mcpservice.Session, req *mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	if req == nil {
		return nil, fmt.Errorf("initialize request required")
	}

	version, err := e.NegotiateProtocolVersion(ctx, req.ProtocolVersion)
	if err != nil {
		return nil, err
	}
	if vs, ok := sess.(versionSetter); ok {
		vs.SetProtocolVersion(version)
	}

	serverInfo, err := e.srv.GetServerInfo(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("get server info: %w", err)
	}

	initRes := &mcp.InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      serverInfo,
	}

	if instr, ok, err := e.srv.GetInstructions(ctx, sess); err != nil {
		return nil, fmt.Errorf("get instructions: %w", err)
	} else if ok {
		initRes.Instructions = instr
	}

	if _, ok, err := e.srv.GetToolsCapability(ctx, sess); err != nil {
		return nil, fmt.Errorf("get tools capability: %w", err)
	} else if ok {
		initRes.Capabilities.Tools = &struct {
			ListChanged bool `json:"listChanged"`
		}{}
	}

	if _, ok, err := e.srv.GetLoggingCapability(ctx, sess); err != nil {
		return nil, fmt.Errorf("get logging capability: %w", err)
	} else if ok {
		initRes.Capabilities.Logging = &struct{}{}
	}

	e.log.InfoContext(ctx, "engine.initialize.ok",
		slog.String("protocol_version", version),
		slog.String("client", req.ClientInfo.Name),
		slog.String("client_version", req.ClientInfo.Version),
	)

	return initRes, nil
}

// ListTools returns the tools offered to sess, or nil when the server has no
// tools capability.
func (e *Engine) ListTools(ctx context.Context, sess mcpservice.Session) ([]mcp.Tool, error) {
	cap, ok, err := e.srv.GetToolsCapability(ctx, sess)
	if err != nil {
		return nil, err
	}
	if !ok || cap == nil {
		return nil, nil
	}
	return cap.ListTools(ctx, sess)
}

// ServerInfo returns the implementation info reported to sess.
func (e *Engine) ServerInfo(ctx context.Context, sess mcpservice.Session) (mcp.ImplementationInfo, error) {
	return e.srv.GetServerInfo(ctx, sess)
}

// HandleMessage routes a decoded message. It returns the response to send for
// requests and nil for notifications, client responses and requests that were
// cancelled by the client.
func (e *Engine) HandleMessage(ctx context.Context, sess mcpservice.Session, msg *jsonrpc.AnyMessage) *jsonrpc.Response {
	switch msg.Type() {
	case "request":
		return e.HandleRequest(ctx, sess, msg.AsRequest())
	case "notification":
		if err := e.HandleNotification(ctx, sess, msg.AsRequest()); err != nil {
			e.log.InfoContext(ctx, "engine.handle_notification.invalid", slog.String("err", err.Error()))
		}
		return nil
	default:
		// The server never issues requests, so client responses are dropped.
		e.log.DebugContext(ctx, "engine.handle_response.ignored")
		return nil
	}
}

// HandleRequest dispatches a JSON-RPC request. Every failure, including a
// panic inside a tool handler, is converted into a JSON-RPC error response.
// The result is nil only when the client cancelled the request.
func (e *Engine) HandleRequest(ctx context.Context, sess mcpservice.Session, req *jsonrpc.Request) (res *jsonrpc.Response) {
	start := time.Now()
	ctx = mcpservice.WithSession(ctx, sess)
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: "request"})
	log := e.log.With(slog.String("method", req.Method))

	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(ctx, "engine.handle_request.panic", slog.Any("panic", r), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
		e.observe(req.Method, res)
	}()

	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return e.handleInitialize(ctx, log, sess, req)
	case mcp.PingMethod:
		return e.result(ctx, log, req, &mcp.EmptyResult{})
	case mcp.ToolsListMethod:
		return e.handleToolsList(ctx, log, sess, req)
	case mcp.ToolsCallMethod:
		return e.handleToolCall(ctx, log, sess, req)
	case mcp.LoggingSetLevelMethod:
		return e.handleSetLoggingLevel(ctx, log, sess, req)
	}

	log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found: "+req.Method, nil)
}

func (e *Engine) observe(method string, res *jsonrpc.Response) {
	switch mcp.Method(method) {
	case mcp.InitializeMethod, mcp.PingMethod, mcp.ToolsListMethod, mcp.ToolsCallMethod, mcp.LoggingSetLevelMethod:
	default:
		method = "other"
	}
	code := "ok"
	switch {
	case res == nil:
		code = "cancelled"
	case res.Error != nil:
		code = strconv.Itoa(int(res.Error.Code))
	}
	metrics.ObserveRPC(e.transport, method, code)
}

func (e *Engine) result(ctx context.Context, log *slog.Logger, req *jsonrpc.Request, v any) *jsonrpc.Response {
	res, err := jsonrpc.NewResultResponse(req.ID, v)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	return res
}

func (e *Engine) handleInitialize(ctx context.Context, log *slog.Logger, sess mcpservice.Session, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
	}
	initRes, err := e.Initialize(ctx, sess, &params)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	return e.result(ctx, log, req, initRes)
}

func (e *Engine) handleSetLoggingLevel(ctx context.Context, log *slog.Logger, sess mcpservice.Session, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()
	var params mcp.SetLevelRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
	}

	cap, ok, err := e.srv.GetLoggingCapability(ctx, sess)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	if !ok || cap == nil {
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "logging level not supported", nil)
	}

	if err := cap.SetLevel(ctx, sess, params.Level); err != nil {
		if errors.Is(err, mcpservice.ErrInvalidLoggingLevel) {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
		}
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.String("level", string(params.Level)), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return e.result(ctx, log, req, &mcp.EmptyResult{})
}

func (e *Engine) handleToolsList(ctx context.Context, log *slog.Logger, sess mcpservice.Session, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()

	var params mcp.ListToolsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
		}
	}

	cap, ok, err := e.srv.GetToolsCapability(ctx, sess)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	if !ok || cap == nil {
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "tools capability not supported", nil)
	}

	tools, err := cap.ListTools(ctx, sess)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	if tools == nil {
		tools = []mcp.Tool{}
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.Int("tool_count", len(tools)))
	return e.result(ctx, log, req, &mcp.ListToolsResult{Tools: tools})
}

func (e *Engine) handleToolCall(ctx context.Context, log *slog.Logger, sess mcpservice.Session, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()

	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
	}
	if params.Name == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "missing tool name"), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params: missing tool name", nil)
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})

	cap, ok, err := e.srv.GetToolsCapability(ctx, sess)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	if !ok || cap == nil {
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "tools capability not supported", nil)
	}

	toolCtx, release, err := e.track(ctx, sess, req.ID)
	if err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, err.Error(), nil)
	}
	defer release()

	if params.Meta != nil && params.Meta.ProgressToken != nil {
		toolCtx = mcpservice.WithProgressReporter(toolCtx, mcpservice.NewTokenProgressReporter(params.Meta.ProgressToken))
	}

	res, err := cap.CallTool(toolCtx, sess, &params)
	dur := time.Since(start)
	if err == nil {
		metrics.ObserveToolCall(params.Name, "ok", dur)
		log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", dur.Milliseconds()))
		return e.result(ctx, log, req, res)
	}

	var toolErr *mcpservice.ToolError
	switch {
	case errors.Is(context.Cause(toolCtx), ErrCancelledByClient):
		metrics.ObserveToolCall(params.Name, "cancelled", dur)
		log.InfoContext(ctx, "engine.handle_request.cancelled", slog.String("cause", context.Cause(toolCtx).Error()), slog.Int64("dur_ms", dur.Milliseconds()))
		return nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		metrics.ObserveToolCall(params.Name, "cancelled", dur)
		log.InfoContext(ctx, "engine.handle_request.cancelled", slog.Int64("dur_ms", dur.Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "request cancelled", nil)
	case errors.Is(err, mcpservice.ErrToolNotFound):
		metrics.ObserveToolCall(params.Name, "unknown_tool", dur)
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", dur.Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "unknown tool: "+params.Name, nil)
	case errors.Is(err, mcpservice.ErrInvalidArguments):
		metrics.ObserveToolCall(params.Name, "invalid_arguments", dur)
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", dur.Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
	case errors.As(err, &toolErr):
		metrics.ObserveToolCall(params.Name, "tool_error", dur)
		log.InfoContext(ctx, "engine.handle_request.tool_error", slog.String("err", err.Error()), slog.Int64("dur_ms", dur.Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCode(toolErr.Code), toolErr.Error(), nil)
	default:
		metrics.ObserveToolCall(params.Name, "error", dur)
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()), slog.Int64("dur_ms", dur.Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
}

// track registers a cancellable context for an in-flight request.
func (e *Engine) track(ctx context.Context, sess mcpservice.Session, id *jsonrpc.RequestID) (context.Context, func(), error) {
	sessID, reqID := sessionKey(sess), id.String()
	if reqID == "" {
		return nil, nil, errors.New("missing request id")
	}

	toolCtx, cancel := context.WithCancelCause(ctx)

	e.inflightMu.Lock()
	reqs := e.inflight[sessID]
	if reqs == nil {
		reqs = make(map[string]context.CancelCauseFunc)
		e.inflight[sessID] = reqs
	}
	if _, exists := reqs[reqID]; exists {
		e.inflightMu.Unlock()
		cancel(context.Canceled)
		return nil, nil, fmt.Errorf("duplicate request id %s", reqID)
	}
	reqs[reqID] = cancel
	e.inflightMu.Unlock()

	release := func() {
		e.inflightMu.Lock()
		if reqs := e.inflight[sessID]; reqs != nil {
			delete(reqs, reqID)
			if len(reqs) == 0 {
				delete(e.inflight, sessID)
			}
		}
		e.inflightMu.Unlock()
		cancel(context.Canceled)
	}
	return toolCtx, release, nil
}

func sessionKey(sess mcpservice.Session) string {
	if sess == nil {
		return ""
	}
	return sess.SessionID()
}

// HandleNotification processes a client notification. Only
// notifications/initialized and notifications/cancelled have an effect.
func (e *Engine) HandleNotification(ctx context.Context, sess mcpservice.Session, note *jsonrpc.Request) error {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: note.Method, Type: "notification"})

	switch mcp.Method(note.Method) {
	case mcp.InitializedNotificationMethod:
		e.log.InfoContext(ctx, "engine.session.initialized")
		return nil
	case mcp.CancelledNotificationMethod:
		var params mcp.CancelledNotification
		if err := json.Unmarshal(note.Params, &params); err != nil {
			return fmt.Errorf("decode cancelled notification: %w", err)
		}
		var id jsonrpc.RequestID
		if err := json.Unmarshal(params.RequestID, &id); err != nil {
			return fmt.Errorf("decode cancelled request id: %w", err)
		}
		hadCancel := e.CancelRequest(sessionKey(sess), id.String(), params.Reason)
		e.log.InfoContext(ctx, "engine.handle_notification.cancel",
			slog.String("request_id", id.String()),
			slog.String("reason", params.Reason),
			slog.Bool("had_cancel", hadCancel),
		)
		return nil
	}

	e.log.DebugContext(ctx, "engine.handle_notification.ignored")
	return nil
}

// CancelRequest aborts the in-flight request reqID of a session. It reports
// whether such a request was running.
func (e *Engine) CancelRequest(sessionID, reqID, reason string) bool {
	if reqID == "" {
		return false
	}
	e.inflightMu.Lock()
	cancel := e.inflight[sessionID][reqID]
	e.inflightMu.Unlock()
	if cancel == nil {
		return false
	}
	if reason == "" {
		reason = "cancelled"
	}
	cancel(fmt.Errorf("%w: %s", ErrCancelledByClient, reason))
	return true
}

// CancelSession aborts every in-flight request of a session, for example when
// the client deletes it.
func (e *Engine) CancelSession(sessionID string) int {
	e.inflightMu.Lock()
	reqs := e.inflight[sessionID]
	delete(e.inflight, sessionID)
	e.inflightMu.Unlock()
	for _, cancel := range reqs {
		cancel(fmt.Errorf("%w: session terminated", ErrCancelledByClient))
	}
	return len(reqs)
}
