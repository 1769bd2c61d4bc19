package calculator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-examples/calculator-go/mcp"
	"github.com/mcp-examples/calculator-go/mcpservice"
)

type notification struct {
	method mcp.Method
	params any
}

type recorder struct {
	mu   sync.Mutex
	msgs []notification
}

func (r *recorder) Notify(ctx context.Context, method mcp.Method, params any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, notification{method: method, params: params})
	return nil
}

func (r *recorder) methods() []mcp.Method {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]mcp.Method, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.method)
	}
	return out
}

func callTool(ctx context.Context, t *testing.T, c *mcpservice.ToolsContainer, name string, args any) (*mcp.CallToolResult, error) {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return c.CallTool(ctx, mcpservice.NewSessionState("test"), &mcp.CallToolRequestReceived{Name: name, Arguments: raw})
}

func TestToolsListing(t *testing.T) {
	names := func(tools []mcpservice.StaticTool) []string {
		var out []string
		for _, tool := range tools {
			out = append(out, tool.Descriptor.Name)
		}
		return out
	}

	assert.Equal(t, []string{"add_numbers", "subtract_numbers", "multiply_numbers", "divide_numbers", "power"}, names(Tools()))
	assert.Equal(t,
		[]string{"add_numbers", "subtract_numbers", "multiply_numbers", "divide_numbers", "power", "get_info", "slow_calculation"},
		names(Tools(WithInfoTool(), WithSlowCalculation())),
	)

	for _, tool := range Tools() {
		schema := tool.Descriptor.InputSchema
		assert.Equal(t, "object", schema.Type)
		assert.Len(t, schema.Properties, 2, tool.Descriptor.Name)
		assert.Len(t, schema.Required, 2, tool.Descriptor.Name)
		for _, p := range schema.Properties {
			assert.Equal(t, "number", p.Type)
		}
		require.NotNil(t, tool.Descriptor.OutputSchema)
		assert.Contains(t, tool.Descriptor.OutputSchema.Properties, "result")
	}
}

func TestArithmeticTools(t *testing.T) {
	c := mcpservice.NewToolsContainer(Tools()...)
	ctx := context.Background()

	res, err := callTool(ctx, t, c, "add_numbers", map[string]any{"a": 5, "b": 3})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": 8.0}, res.StructuredContent)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "The sum of 5 and 3 is 8", res.Content[0].Text)

	res, err = callTool(ctx, t, c, "power", map[string]any{"base": 2, "exponent": 10})
	require.NoError(t, err)
	assert.Equal(t, 1024.0, res.StructuredContent["result"])

	res, err = callTool(ctx, t, c, PowerAlias, map[string]any{"base": 3, "exponent": 2})
	require.NoError(t, err)
	assert.Equal(t, 9.0, res.StructuredContent["result"])
}

func TestDivideByZeroTool(t *testing.T) {
	c := mcpservice.NewToolsContainer(Tools()...)
	_, err := callTool(context.Background(), t, c, "divide_numbers", map[string]any{"a": 1, "b": 0})
	require.ErrorIs(t, err, ErrDivisionByZero)

	var te *mcpservice.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, mcpservice.CodeToolFailure, te.Code)
}

func TestOverflowIsRejected(t *testing.T) {
	c := mcpservice.NewToolsContainer(Tools()...)
	_, err := callTool(context.Background(), t, c, "power", map[string]any{"base": 10, "exponent": 400})
	require.ErrorIs(t, err, ErrNotFinite)
}

func TestInvalidArguments(t *testing.T) {
	c := mcpservice.NewToolsContainer(Tools()...)
	ctx := context.Background()

	_, err := callTool(ctx, t, c, "add_numbers", map[string]any{"a": 5})
	require.ErrorIs(t, err, mcpservice.ErrInvalidArguments)

	_, err = callTool(ctx, t, c, "power", map[string]any{"a": 2, "b": 3})
	require.ErrorIs(t, err, mcpservice.ErrInvalidArguments)

	_, err = callTool(ctx, t, c, "multiply_numbers", map[string]any{"a": "2", "b": 3})
	require.ErrorIs(t, err, mcpservice.ErrInvalidArguments)

	_, err = callTool(ctx, t, c, "modulo", map[string]any{"a": 2, "b": 3})
	require.ErrorIs(t, err, mcpservice.ErrToolNotFound)
}

func TestRequestLogs(t *testing.T) {
	c := mcpservice.NewToolsContainer(Tools(WithRequestLogs())...)
	rec := &recorder{}
	ctx := mcpservice.WithRequestNotifier(context.Background(), rec)

	_, err := callTool(ctx, t, c, "add_numbers", map[string]any{"a": 5, "b": 3})
	require.NoError(t, err)
	require.Len(t, rec.msgs, 2)
	last := rec.msgs[1].params.(mcp.LoggingMessageNotification)
	assert.Equal(t, mcp.LoggingLevelInfo, last.Level)
	assert.Equal(t, LoggerName, last.Logger)
	assert.Equal(t, "Calculating: 5 + 3 = 8", last.Data)

	_, err = callTool(ctx, t, c, "divide_numbers", map[string]any{"a": 1, "b": 0})
	require.Error(t, err)
	errMsg := rec.msgs[len(rec.msgs)-1].params.(mcp.LoggingMessageNotification)
	assert.Equal(t, mcp.LoggingLevelError, errMsg.Level)
}

func TestSlowCalculation(t *testing.T) {
	c := mcpservice.NewToolsContainer(Tools(WithSlowCalculation())...)
	req, sess := &recorder{}, &recorder{}
	ctx := mcpservice.WithRequestNotifier(context.Background(), req)
	ctx = mcpservice.WithSessionNotifier(ctx, sess)
	ctx = mcpservice.WithProgressReporter(ctx, mcpservice.NewTokenProgressReporter("p1"))

	res, err := callTool(ctx, t, c, NameSlowCalculation, map[string]any{"count": 2, "interval": 0})
	require.NoError(t, err)
	assert.Equal(t, "Completed slow calculation with 2 steps", res.Content[0].Text)

	assert.Equal(t, []mcp.Method{
		mcp.LoggingMessageNotificationMethod, mcp.ProgressNotificationMethod,
		mcp.LoggingMessageNotificationMethod, mcp.ProgressNotificationMethod,
	}, req.methods())
	assert.Equal(t, []mcp.Method{mcp.ResourcesUpdatedNotificationMethod}, sess.methods())
}

func TestSlowCalculationCancelled(t *testing.T) {
	c := mcpservice.NewToolsContainer(Tools(WithSlowCalculation())...)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	_, err := callTool(ctx, t, c, NameSlowCalculation, map[string]any{"count": 5, "interval": 10})
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSlowCalculationBounds(t *testing.T) {
	c := mcpservice.NewToolsContainer(Tools(WithSlowCalculation())...)
	_, err := callTool(context.Background(), t, c, NameSlowCalculation, map[string]any{"count": 0})
	require.ErrorIs(t, err, mcpservice.ErrInvalidArguments)
}

func TestInfoTool(t *testing.T) {
	c := mcpservice.NewToolsContainer(Tools(WithInfoTool(), WithTransport("streamable-http"))...)
	res, err := callTool(context.Background(), t, c, NameInfo, map[string]any{})
	require.NoError(t, err)
	assert.Contains(t, res.Content[0].Text, "Transport: streamable-http")
	assert.Contains(t, res.Content[0].Text, "divide_numbers")
}

func TestInfoToolAcceptsExtraArguments(t *testing.T) {
	c := mcpservice.NewToolsContainer(Tools(WithInfoTool())...)
	res, err := callTool(context.Background(), t, c, NameInfo, map[string]any{"verbose": true})
	require.NoError(t, err)
	assert.Contains(t, res.Content[0].Text, "Simple Calculator MCP Server")

	_, err = callTool(context.Background(), t, c, "add_numbers", map[string]any{"a": 1, "b": 2, "c": 3})
	require.ErrorIs(t, err, mcpservice.ErrInvalidArguments)
}

func TestToolTitles(t *testing.T) {
	titles := map[string]string{}
	for _, tool := range Tools(WithInfoTool(), WithSlowCalculation()) {
		titles[tool.Descriptor.Name] = tool.Descriptor.Title
	}
	assert.Equal(t, map[string]string{
		"add_numbers":      "Add Numbers",
		"subtract_numbers": "Subtract Numbers",
		"multiply_numbers": "Multiply Numbers",
		"divide_numbers":   "Divide Numbers",
		"power":            "Power",
		"get_info":         "Server Info",
		"slow_calculation": "Slow Calculation",
	}, titles)

	for _, tool := range Tools(WithInfoTool()) {
		assert.Equal(t, tool.Descriptor.Name == NameInfo, tool.Descriptor.InputSchema.AdditionalProperties, tool.Descriptor.Name)
	}
}

func TestResultExpressionMeta(t *testing.T) {
	c := mcpservice.NewToolsContainer(Tools()...)
	ctx := context.Background()

	cases := []struct {
		tool string
		args map[string]any
		want string
	}{
		{"add_numbers", map[string]any{"a": 5, "b": 3}, "5 + 3"},
		{"multiply_numbers", map[string]any{"a": 4, "b": 2.5}, "4 × 2.5"},
		{"power", map[string]any{"base": 2, "exponent": 10}, "2 ^ 10"},
	}
	for _, tc := range cases {
		res, err := callTool(ctx, t, c, tc.tool, tc.args)
		require.NoError(t, err)
		assert.Equal(t, tc.want, res.Meta["expression"], tc.tool)
	}
}

func TestNewServer(t *testing.T) {
	srv := NewServer(WithServerInfo("calc", "9.9.9"))
	ctx := context.Background()
	sess := mcpservice.NewSessionState("s")

	info, err := srv.GetServerInfo(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, "calc", info.Name)
	assert.Equal(t, "9.9.9", info.Version)

	tools, ok, err := srv.GetToolsCapability(ctx, sess)
	require.NoError(t, err)
	require.True(t, ok)
	list, err := tools.ListTools(ctx, sess)
	require.NoError(t, err)
	assert.Len(t, list, len(Names))

	_, ok, err = srv.GetLoggingCapability(ctx, sess)
	require.NoError(t, err)
	assert.True(t, ok)
}
