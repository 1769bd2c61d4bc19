package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/mcp-examples/calculator-go/internal/engine"
	"github.com/mcp-examples/calculator-go/internal/jsonrpc"
	"github.com/mcp-examples/calculator-go/internal/logctx"
	"github.com/mcp-examples/calculator-go/mcp"
	"github.com/mcp-examples/calculator-go/mcpservice"
)

// Handler is a single-connection stdio transport that reads JSON-RPC messages
// from an io.Reader and writes responses to an io.Writer. By default, it uses
// os.Stdin and os.Stdout. The peer is identified using a UserProvider, which
// defaults to the current OS user.
//
// The handler is transport-only; it delegates all MCP semantics to the provided
// mcpservice.ServerCapabilities.
type Handler struct {
	srv          mcpservice.ServerCapabilities
	r            io.Reader
	w            io.Writer
	l            *slog.Logger
	userProvider UserProvider

	wmu sync.Mutex
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(srv mcpservice.ServerCapabilities, opts ...Option) *Handler {
	h := &Handler{
		srv:          srv,
		r:            os.Stdin,
		w:            os.Stdout,
		l:            slog.Default(),
		userProvider: OSUserProvider{},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.l = logctx.Wrap(h.l)
	return h
}

// Serve runs the stdio event loop until EOF on the reader or the context is
// canceled. It is safe to call at most once per Handler.
//
// Messages are newline-delimited. Requests are handled concurrently so a
// notifications/cancelled line can interrupt a long running tool call; the
// writer is shared under a mutex so every output line is a complete message.
// On EOF Serve waits for in-flight requests and returns nil.
func (h *Handler) Serve(ctx context.Context) error {
	eng := engine.NewEngine(h.srv, engine.WithLogger(h.l), engine.WithTransport("stdio"))

	userID, err := h.userProvider.CurrentUserID()
	if err != nil {
		h.l.WarnContext(ctx, "stdio.user.fail", slog.String("err", err.Error()))
	}

	sess := mcpservice.NewSessionState(uuid.NewString())
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.SessionID(),
		Transport: "stdio",
		UserID:    userID,
	})
	ctx = mcpservice.WithSessionNotifier(ctx, mcpservice.NotifierFunc(h.notify))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h.l.InfoContext(ctx, "stdio.serve.start")

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go h.readLoop(ctx, lines, readErr)

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case err := <-readErr:
			wg.Wait()
			if errors.Is(err, io.EOF) {
				h.l.InfoContext(ctx, "stdio.serve.eof")
				return nil
			}
			h.l.ErrorContext(ctx, "stdio.read.fail", slog.String("err", err.Error()))
			return fmt.Errorf("stdio: read: %w", err)
		case line := <-lines:
			h.handleLine(ctx, eng, sess, line, &wg)
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, lines chan<- []byte, readErr chan<- error) {
	br := bufio.NewReader(h.r)
	for {
		line, err := br.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			select {
			case lines <- trimmed:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			readErr <- err
			return
		}
	}
}

func (h *Handler) handleLine(ctx context.Context, eng *engine.Engine, sess *mcpservice.SessionState, line []byte, wg *sync.WaitGroup) {
	msg, err := jsonrpc.Decode(line)
	if err != nil {
		code, text := jsonrpc.ErrorCodeInvalidRequest, "invalid request"
		if jsonrpc.IsParseError(err) {
			code, text = jsonrpc.ErrorCodeParseError, "parse error"
		}
		h.l.InfoContext(ctx, "stdio.decode.fail", slog.String("err", err.Error()))
		h.writeMessage(ctx, jsonrpc.NewErrorResponse(nil, code, text, nil))
		return
	}

	switch msg.Type() {
	case "request":
		req := msg.AsRequest()
		reqCtx := logctx.WithRequestData(ctx, &logctx.RequestData{
			RequestID: req.ID.String(),
			Method:    req.Method,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res := eng.HandleRequest(reqCtx, sess, req); res != nil {
				h.writeMessage(reqCtx, res)
			}
		}()
	default:
		// Notifications are cheap and must be seen in order, notably
		// notifications/cancelled racing the request it refers to.
		_ = eng.HandleMessage(ctx, sess, msg)
	}
}

func (h *Handler) notify(ctx context.Context, method mcp.Method, params any) error {
	note, err := jsonrpc.NewNotification(string(method), params)
	if err != nil {
		return err
	}
	return h.writeJSONRPC(note)
}

func (h *Handler) writeMessage(ctx context.Context, v any) {
	if err := h.writeJSONRPC(v); err != nil {
		h.l.ErrorContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
	}
}

// writeJSONRPC writes v as a single line.
func (h *Handler) writeJSONRPC(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("stdio: marshal: %w", err)
	}
	b = append(b, '\n')

	h.wmu.Lock()
	defer h.wmu.Unlock()
	_, err = h.w.Write(b)
	return err
}
