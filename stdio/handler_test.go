package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mcp-examples/calculator-go/calculator"
	"github.com/mcp-examples/calculator-go/internal/jsonrpc"
	"github.com/mcp-examples/calculator-go/internal/logging"
	"github.com/mcp-examples/calculator-go/mcp"
	"github.com/mcp-examples/calculator-go/mcpservice"
)

// testHarness encapsulates pipes and collected output for stdio handler tests.
type testHarness struct {
	t      *testing.T
	stdinW io.WriteCloser
	done   chan error
	outMu  sync.Mutex
	lines  []string
}

func newHarness(t *testing.T, srv mcpservice.ServerCapabilities) *testHarness {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	h := NewHandler(srv, WithIO(inR, outW), WithLogger(logging.Discard()), WithUserProvider(StaticUserProvider("tester")))

	ctx, cancel := context.WithCancel(context.Background())
	th := &testHarness{t: t, stdinW: inW, done: make(chan error, 1)}

	go func() {
		th.done <- h.Serve(ctx)
	}()

	go func() {
		sc := bufio.NewScanner(outR)
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			th.outMu.Lock()
			th.lines = append(th.lines, line)
			th.outMu.Unlock()
		}
	}()

	t.Cleanup(func() {
		cancel()
		_ = inW.Close()
		_ = outW.Close()
	})
	return th
}

func (th *testHarness) sendRaw(s string) {
	th.t.Helper()
	if _, err := io.WriteString(th.stdinW, s+"\n"); err != nil {
		th.t.Fatalf("write stdin: %v", err)
	}
}

func (th *testHarness) send(id any, method mcp.Method, params any) {
	th.t.Helper()
	var (
		req *jsonrpc.Request
		err error
	)
	if id == nil {
		req, err = jsonrpc.NewNotification(string(method), params)
	} else {
		req, err = jsonrpc.NewRequest(jsonrpc.NewRequestID(id), string(method), params)
	}
	if err != nil {
		th.t.Fatalf("build %s: %v", method, err)
	}
	b, err := json.Marshal(req)
	if err != nil {
		th.t.Fatalf("marshal %s: %v", method, err)
	}
	th.sendRaw(string(b))
}

func (th *testHarness) nextLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		th.outMu.Lock()
		if len(th.lines) > 0 {
			s := th.lines[0]
			th.lines = th.lines[1:]
			th.outMu.Unlock()
			return s, nil
		}
		th.outMu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	return "", fmt.Errorf("timeout waiting for output line")
}

// nextResponse skips notifications and returns the next response line.
func (th *testHarness) nextResponse(timeout time.Duration) (*jsonrpc.Response, string) {
	th.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		line, err := th.nextLine(time.Until(deadline))
		if err != nil {
			th.t.Fatalf("waiting for response: %v", err)
		}
		var msg jsonrpc.AnyMessage
		mustUnmarshalJSON(th.t, line, &msg)
		if msg.Type() == "response" {
			return msg.AsResponse(), line
		}
	}
}

func (th *testHarness) initialize() *mcp.InitializeResult {
	th.t.Helper()
	th.send("init-1", mcp.InitializeMethod, mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.ImplementationInfo{Name: "client", Version: "0.0.1"},
	})
	res, _ := th.nextResponse(2 * time.Second)
	if res.Error != nil {
		th.t.Fatalf("initialize error: %+v", res.Error)
	}
	var initRes mcp.InitializeResult
	mustUnmarshalJSON(th.t, string(res.Result), &initRes)
	th.send(nil, mcp.InitializedNotificationMethod, nil)
	return &initRes
}

func mustUnmarshalJSON(t *testing.T, data string, v any) {
	t.Helper()
	if err := json.Unmarshal([]byte(data), v); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
}

func wantErrorCode(t *testing.T, res *jsonrpc.Response, want jsonrpc.ErrorCode) {
	t.Helper()
	if res.Error == nil {
		t.Fatalf("expected error %d, got result %s", want, res.Result)
	}
	if got := res.Error.Code; got != want {
		t.Fatalf("unexpected error code: want %d got %d", want, got)
	}
}

func structuredResult(t *testing.T, res *jsonrpc.Response) float64 {
	t.Helper()
	if res.Error != nil {
		t.Fatalf("tools/call error: %+v", res.Error)
	}
	var out mcp.CallToolResult
	mustUnmarshalJSON(t, string(res.Result), &out)
	v, ok := out.StructuredContent["result"].(float64)
	if !ok {
		t.Fatalf("missing structured result in %s", res.Result)
	}
	return v
}

func TestInitializeAndList(t *testing.T) {
	th := newHarness(t, calculator.NewServer(calculator.WithInfoTool()))

	initRes := th.initialize()
	if want, got := mcp.LatestProtocolVersion, initRes.ProtocolVersion; want != got {
		t.Fatalf("unexpected protocol version: want %q got %q", want, got)
	}
	if want, got := "simple-calculator", initRes.ServerInfo.Name; want != got {
		t.Fatalf("unexpected server name: want %q got %q", want, got)
	}
	if initRes.Capabilities.Tools == nil {
		t.Fatalf("expected tools capability")
	}

	th.send(1, mcp.ToolsListMethod, nil)
	res, _ := th.nextResponse(time.Second)
	if res.Error != nil {
		t.Fatalf("tools/list error: %+v", res.Error)
	}
	var list mcp.ListToolsResult
	mustUnmarshalJSON(t, string(res.Result), &list)
	if want, got := 6, len(list.Tools); want != got {
		t.Fatalf("unexpected tool count: want %d got %d", want, got)
	}
}

func TestToolCalls(t *testing.T) {
	th := newHarness(t, calculator.NewServer())
	th.initialize()

	th.send(1, mcp.ToolsCallMethod, map[string]any{"name": "add_numbers", "arguments": map[string]any{"a": 5, "b": 3}})
	res, _ := th.nextResponse(time.Second)
	if got := structuredResult(t, res); got != 8 {
		t.Fatalf("unexpected sum: want 8 got %v", got)
	}

	th.send(2, mcp.ToolsCallMethod, map[string]any{"name": "calculate_power", "arguments": map[string]any{"base": 2, "exponent": 10}})
	res, _ = th.nextResponse(time.Second)
	if got := structuredResult(t, res); got != 1024 {
		t.Fatalf("unexpected power: want 1024 got %v", got)
	}
}

func TestDivisionByZeroKeepsConnection(t *testing.T) {
	th := newHarness(t, calculator.NewServer())
	th.initialize()

	th.send(1, mcp.ToolsCallMethod, map[string]any{"name": "divide_numbers", "arguments": map[string]any{"a": 1, "b": 0}})
	res, _ := th.nextResponse(time.Second)
	wantErrorCode(t, res, jsonrpc.ErrorCodeServerError)

	th.send(2, mcp.PingMethod, nil)
	res, _ = th.nextResponse(time.Second)
	if res.Error != nil {
		t.Fatalf("ping error: %+v", res.Error)
	}
	if want, got := "2", res.ID.String(); want != got {
		t.Fatalf("unexpected id: want %s got %s", want, got)
	}
}

func TestMalformedInput(t *testing.T) {
	th := newHarness(t, calculator.NewServer())

	th.sendRaw(`{"jsonrpc":"2.0","id":1,"method":`)
	res, line := th.nextResponse(time.Second)
	wantErrorCode(t, res, jsonrpc.ErrorCodeParseError)
	if !strings.Contains(line, `"id":null`) {
		t.Fatalf("expected null id in %s", line)
	}

	th.sendRaw(`[{"jsonrpc":"2.0","id":1,"method":"ping"}]`)
	res, _ = th.nextResponse(time.Second)
	wantErrorCode(t, res, jsonrpc.ErrorCodeInvalidRequest)

	th.sendRaw(`{"jsonrpc":"1.0","id":1,"method":"ping"}`)
	res, _ = th.nextResponse(time.Second)
	wantErrorCode(t, res, jsonrpc.ErrorCodeInvalidRequest)

	th.send(9, "resources/list", nil)
	res, _ = th.nextResponse(time.Second)
	wantErrorCode(t, res, jsonrpc.ErrorCodeMethodNotFound)
}

func TestCancelledNotification(t *testing.T) {
	th := newHarness(t, calculator.NewServer(calculator.WithSlowCalculation()))
	th.initialize()

	th.send(1, mcp.ToolsCallMethod, map[string]any{"name": "slow_calculation", "arguments": map[string]any{"count": 5, "interval": 10}})

	// The first progress log proves the call is running.
	line, err := th.nextLine(2 * time.Second)
	if err != nil {
		t.Fatalf("waiting for progress log: %v", err)
	}
	if !strings.Contains(line, string(mcp.LoggingMessageNotificationMethod)) {
		t.Fatalf("expected a log notification, got %s", line)
	}

	th.send(nil, mcp.CancelledNotificationMethod, map[string]any{"requestId": 1, "reason": "test"})
	th.send(2, mcp.PingMethod, nil)

	res, _ := th.nextResponse(2 * time.Second)
	if want, got := "2", res.ID.String(); want != got {
		t.Fatalf("cancelled request must not be answered: want id %s got %s", want, got)
	}
}

func TestProgressAndLogNotifications(t *testing.T) {
	th := newHarness(t, calculator.NewServer(calculator.WithSlowCalculation()))
	th.initialize()

	th.send(1, mcp.ToolsCallMethod, map[string]any{
		"name":      "slow_calculation",
		"arguments": map[string]any{"count": 2, "interval": 0},
		"_meta":     map[string]any{"progressToken": "p"},
	})

	var methods []string
	for {
		line, err := th.nextLine(2 * time.Second)
		if err != nil {
			t.Fatalf("waiting for output: %v", err)
		}
		var msg jsonrpc.AnyMessage
		mustUnmarshalJSON(t, line, &msg)
		if msg.Type() == "response" {
			if msg.Error != nil {
				t.Fatalf("slow_calculation error: %+v", msg.Error)
			}
			break
		}
		methods = append(methods, msg.Method)
	}
	want := []string{
		"notifications/message", "notifications/progress",
		"notifications/message", "notifications/progress",
		"notifications/resources/updated",
	}
	if !reflect.DeepEqual(want, methods) {
		t.Fatalf("unexpected notifications: want %v got %v", want, methods)
	}
}

func TestServeReturnsOnEOF(t *testing.T) {
	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n" + `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"subtract_numbers","arguments":{"a":5,"b":3}}}`)
	var out bytes.Buffer

	h := NewHandler(calculator.NewServer(), WithIO(in, &out), WithLogger(logging.Discard()))
	if err := h.Serve(context.Background()); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 output lines, got %d: %q", len(lines), lines)
	}
	if !strings.Contains(out.String(), `"result":2`) {
		t.Fatalf("expected subtraction result in %s", out.String())
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	inR, inW := io.Pipe()
	defer inW.Close()

	h := NewHandler(calculator.NewServer(), WithIO(inR, io.Discard), WithLogger(logging.Discard()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
