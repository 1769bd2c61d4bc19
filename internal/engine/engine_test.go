package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-examples/calculator-go/calculator"
	"github.com/mcp-examples/calculator-go/internal/jsonrpc"
	"github.com/mcp-examples/calculator-go/internal/logging"
	"github.com/mcp-examples/calculator-go/mcp"
	"github.com/mcp-examples/calculator-go/mcpservice"
)

type emptyArgs struct{}

type testEngine struct {
	*Engine
	started chan struct{}
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	started := make(chan struct{}, 1)

	tools := calculator.Tools()
	tools = append(tools,
		mcpservice.NewTool[emptyArgs]("explode", func(ctx context.Context, s mcpservice.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[emptyArgs]) error {
			panic("boom")
		}),
		mcpservice.NewTool[emptyArgs]("block", func(ctx context.Context, s mcpservice.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[emptyArgs]) error {
			started <- struct{}{}
			<-ctx.Done()
			return ctx.Err()
		}),
		mcpservice.NewTool[emptyArgs]("progress", func(ctx context.Context, s mcpservice.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[emptyArgs]) error {
			if err := w.SendProgress(1, 2); err != nil {
				return err
			}
			return w.AppendText("done")
		}),
	)

	srv := mcpservice.NewServer(
		mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "test", Version: "0.0.1"}),
		mcpservice.WithToolsCapability(mcpservice.NewToolsContainer(tools...)),
		mcpservice.WithLoggingCapability(mcpservice.NewSlogLevelVarLogging(nil)),
	)
	return &testEngine{
		Engine:  NewEngine(srv, WithLogger(logging.Discard()), WithTransport("test")),
		started: started,
	}
}

func newRequest(t *testing.T, id any, method mcp.Method, params any) *jsonrpc.Request {
	t.Helper()
	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(id), string(method), params)
	require.NoError(t, err)
	return req
}

func callParams(name string, args any) map[string]any {
	return map[string]any{"name": name, "arguments": args}
}

func TestInitializeNegotiation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	sess := mcpservice.NewSessionState("s1")
	res, err := e.Initialize(ctx, sess, &mcp.InitializeRequest{ProtocolVersion: mcp.ProtocolVersion20241105})
	require.NoError(t, err)
	assert.Equal(t, mcp.ProtocolVersion20241105, res.ProtocolVersion)
	assert.Equal(t, mcp.ProtocolVersion20241105, sess.ProtocolVersion())
	assert.NotNil(t, res.Capabilities.Tools)
	assert.NotNil(t, res.Capabilities.Logging)
	assert.Equal(t, "test", res.ServerInfo.Name)

	res, err = e.Initialize(ctx, mcpservice.NewSessionState("s2"), &mcp.InitializeRequest{ProtocolVersion: "1999-01-01"})
	require.NoError(t, err)
	assert.Equal(t, mcp.LatestProtocolVersion, res.ProtocolVersion)
}

func TestHandleRequestInitializeAndPing(t *testing.T) {
	e := newTestEngine(t)
	sess := mcpservice.NewSessionState("s")

	res := e.HandleRequest(context.Background(), sess, newRequest(t, 1, mcp.InitializeMethod, mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.ImplementationInfo{Name: "client", Version: "1"},
	}))
	require.Nil(t, res.Error)
	var init mcp.InitializeResult
	require.NoError(t, json.Unmarshal(res.Result, &init))
	assert.Equal(t, mcp.LatestProtocolVersion, init.ProtocolVersion)

	res = e.HandleRequest(context.Background(), sess, newRequest(t, "p", mcp.PingMethod, nil))
	require.Nil(t, res.Error)
	assert.JSONEq(t, `{}`, string(res.Result))
	assert.Equal(t, "p", res.ID.String())
}

func TestToolsList(t *testing.T) {
	e := newTestEngine(t)
	res := e.HandleRequest(context.Background(), mcpservice.NewSessionState("s"), newRequest(t, 1, mcp.ToolsListMethod, nil))
	require.Nil(t, res.Error)

	var out mcp.ListToolsResult
	require.NoError(t, json.Unmarshal(res.Result, &out))
	var names []string
	for _, tool := range out.Tools {
		names = append(names, tool.Name)
	}
	assert.Subset(t, names, []string{"add_numbers", "subtract_numbers", "multiply_numbers", "divide_numbers", "power"})
}

func TestToolCallResults(t *testing.T) {
	e := newTestEngine(t)
	sess := mcpservice.NewSessionState("s")
	ctx := context.Background()

	res := e.HandleRequest(ctx, sess, newRequest(t, 1, mcp.ToolsCallMethod, callParams("add_numbers", map[string]any{"a": 5, "b": 3})))
	require.Nil(t, res.Error)
	var out mcp.CallToolResult
	require.NoError(t, json.Unmarshal(res.Result, &out))
	assert.Equal(t, 8.0, out.StructuredContent["result"])

	res = e.HandleRequest(ctx, sess, newRequest(t, 2, mcp.ToolsCallMethod, callParams("power", map[string]any{"base": 2, "exponent": 10})))
	require.Nil(t, res.Error)
	out = mcp.CallToolResult{}
	require.NoError(t, json.Unmarshal(res.Result, &out))
	assert.Equal(t, 1024.0, out.StructuredContent["result"])
}

func TestToolCallErrors(t *testing.T) {
	e := newTestEngine(t)
	sess := mcpservice.NewSessionState("s")
	ctx := context.Background()

	cases := []struct {
		name   string
		params any
		code   jsonrpc.ErrorCode
	}{
		{"division by zero", callParams("divide_numbers", map[string]any{"a": 1, "b": 0}), jsonrpc.ErrorCodeServerError},
		{"unknown tool", callParams("modulo", map[string]any{"a": 1, "b": 2}), jsonrpc.ErrorCodeInvalidParams},
		{"missing argument", callParams("add_numbers", map[string]any{"a": 1}), jsonrpc.ErrorCodeInvalidParams},
		{"wrong type", callParams("add_numbers", map[string]any{"a": "x", "b": 2}), jsonrpc.ErrorCodeInvalidParams},
		{"missing name", map[string]any{"arguments": map[string]any{}}, jsonrpc.ErrorCodeInvalidParams},
		{"panic", callParams("explode", map[string]any{}), jsonrpc.ErrorCodeInternalError},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := e.HandleRequest(ctx, sess, newRequest(t, i+1, mcp.ToolsCallMethod, tc.params))
			require.NotNil(t, res)
			require.NotNil(t, res.Error)
			assert.Equal(t, tc.code, res.Error.Code)
			assert.Nil(t, res.Result)
		})
	}

	res := e.HandleRequest(ctx, sess, newRequest(t, 99, mcp.ToolsCallMethod, callParams("divide_numbers", map[string]any{"a": 1, "b": 0})))
	assert.Equal(t, "division by zero", res.Error.Message)

	res = e.HandleRequest(ctx, sess, newRequest(t, 100, mcp.ToolsCallMethod, callParams("modulo", map[string]any{})))
	assert.Equal(t, "unknown tool: modulo", res.Error.Message)
}

func TestUnknownMethod(t *testing.T) {
	e := newTestEngine(t)
	res := e.HandleRequest(context.Background(), mcpservice.NewSessionState("s"), newRequest(t, 1, "resources/list", nil))
	require.NotNil(t, res.Error)
	assert.Equal(t, jsonrpc.ErrorCodeMethodNotFound, res.Error.Code)
}

func TestSetLevel(t *testing.T) {
	e := newTestEngine(t)
	sess := mcpservice.NewSessionState("s")
	ctx := context.Background()

	res := e.HandleRequest(ctx, sess, newRequest(t, 1, mcp.LoggingSetLevelMethod, mcp.SetLevelRequest{Level: mcp.LoggingLevelError}))
	require.Nil(t, res.Error)
	assert.Equal(t, mcp.LoggingLevelError, sess.LogLevel())

	res = e.HandleRequest(ctx, sess, newRequest(t, 2, mcp.LoggingSetLevelMethod, mcp.SetLevelRequest{Level: "chatty"}))
	require.NotNil(t, res.Error)
	assert.Equal(t, jsonrpc.ErrorCodeInvalidParams, res.Error.Code)
}

func TestCancelledNotification(t *testing.T) {
	e := newTestEngine(t)
	sess := mcpservice.NewSessionState("s")
	ctx := context.Background()

	done := make(chan *jsonrpc.Response, 1)
	go func() {
		done <- e.HandleRequest(ctx, sess, newRequest(t, 7, mcp.ToolsCallMethod, callParams("block", map[string]any{})))
	}()

	select {
	case <-e.started:
	case <-time.After(5 * time.Second):
		t.Fatal("tool never started")
	}

	note, err := jsonrpc.NewNotification(string(mcp.CancelledNotificationMethod), map[string]any{"requestId": 7, "reason": "user abort"})
	require.NoError(t, err)
	require.NoError(t, e.HandleNotification(ctx, sess, note))

	select {
	case res := <-done:
		assert.Nil(t, res, "cancelled requests must not produce a response")
	case <-time.After(5 * time.Second):
		t.Fatal("tool was not cancelled")
	}

	assert.False(t, e.CancelRequest("s", "7", ""), "request must be released after completion")
}

func TestCancelIsScopedToSession(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan *jsonrpc.Response, 1)
	go func() {
		done <- e.HandleRequest(ctx, mcpservice.NewSessionState("a"), newRequest(t, 1, mcp.ToolsCallMethod, callParams("block", map[string]any{})))
	}()
	<-e.started

	assert.False(t, e.CancelRequest("b", "1", ""))
	assert.Equal(t, 1, e.CancelSession("a"))

	res := <-done
	assert.Nil(t, res)
}

func TestTransportCancellationYieldsError(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan *jsonrpc.Response, 1)
	go func() {
		done <- e.HandleRequest(ctx, mcpservice.NewSessionState("s"), newRequest(t, 1, mcp.ToolsCallMethod, callParams("block", map[string]any{})))
	}()
	<-e.started
	cancel()

	res := <-done
	require.NotNil(t, res)
	require.NotNil(t, res.Error)
	assert.Equal(t, jsonrpc.ErrorCodeInternalError, res.Error.Code)
}

type capture struct {
	mu     sync.Mutex
	params []any
}

func (c *capture) Notify(ctx context.Context, method mcp.Method, params any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.params = append(c.params, params)
	return nil
}

func TestProgressToken(t *testing.T) {
	e := newTestEngine(t)
	rec := &capture{}
	ctx := mcpservice.WithRequestNotifier(context.Background(), rec)

	params := map[string]any{"name": "progress", "arguments": map[string]any{}, "_meta": map[string]any{"progressToken": "tok-1"}}
	res := e.HandleRequest(ctx, mcpservice.NewSessionState("s"), newRequest(t, 1, mcp.ToolsCallMethod, params))
	require.Nil(t, res.Error)

	require.Len(t, rec.params, 1)
	p := rec.params[0].(mcp.ProgressNotificationParams)
	assert.Equal(t, "tok-1", p.ProgressToken)
	assert.Equal(t, 1.0, p.Progress)
}

func TestHandleMessage(t *testing.T) {
	e := newTestEngine(t)
	sess := mcpservice.NewSessionState("s")

	msg, err := jsonrpc.Decode([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	require.NoError(t, err)
	assert.Nil(t, e.HandleMessage(context.Background(), sess, msg))

	msg, err = jsonrpc.Decode([]byte(`{"jsonrpc":"2.0","id":3,"method":"ping"}`))
	require.NoError(t, err)
	res := e.HandleMessage(context.Background(), sess, msg)
	require.NotNil(t, res)
	assert.Equal(t, "3", res.ID.String())

	msg, err = jsonrpc.Decode([]byte(`{"jsonrpc":"2.0","id":4,"result":{}}`))
	require.NoError(t, err)
	assert.Nil(t, e.HandleMessage(context.Background(), sess, msg))
}
