package calculator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/mcp-examples/calculator-go/mcp"
	"github.com/mcp-examples/calculator-go/mcpservice"
)

// ErrNotFinite is returned when an operation overflows or produces NaN.
var ErrNotFinite = errors.New("result is not a finite number")

const (
	// LoggerName is the logger reported in notifications/message.
	LoggerName = "calculator"

	NameInfo            = "get_info"
	NameSlowCalculation = "slow_calculation"

	// ResultURI is announced via notifications/resources/updated once a slow
	// calculation completes.
	ResultURI = "http://example.com/calculation_result"
)

// BinaryArgs are the operands of add, subtract and multiply.
type BinaryArgs struct {
	A float64 `json:"a" jsonschema:"description=First number"`
	B float64 `json:"b" jsonschema:"description=Second number"`
}

// DivideArgs are the operands of divide_numbers.
type DivideArgs struct {
	A float64 `json:"a" jsonschema:"description=Dividend"`
	B float64 `json:"b" jsonschema:"description=Divisor"`
}

// PowerArgs are the operands of power.
type PowerArgs struct {
	Base     float64 `json:"base" jsonschema:"description=Base number"`
	Exponent float64 `json:"exponent" jsonschema:"description=Exponent"`
}

// SlowArgs configure slow_calculation. Nil fields take their defaults.
type SlowArgs struct {
	Count    *int     `json:"count,omitempty" jsonschema:"description=Number of steps,default=3,minimum=1,maximum=100"`
	Interval *float64 `json:"interval,omitempty" jsonschema:"description=Interval between steps in seconds,default=1,minimum=0,maximum=60"`
}

// InfoArgs is the empty argument object of get_info.
type InfoArgs struct{}

// Result is the structuredContent of every arithmetic tool.
type Result struct {
	Result float64 `json:"result" jsonschema:"description=Numeric result of the operation"`
}

type operands interface {
	operands() (float64, float64)
}

func (a BinaryArgs) operands() (float64, float64) { return a.A, a.B }
func (a DivideArgs) operands() (float64, float64) { return a.A, a.B }
func (a PowerArgs) operands() (float64, float64)  { return a.Base, a.Exponent }

// Option configures the tool set and server built by Tools and NewServer.
type Option func(*options)

type options struct {
	name         string
	version      string
	transport    string
	levelVar     *slog.LevelVar
	requestLogs  bool
	slow         bool
	info         bool
	instructions string
}

func buildOptions(opts []Option) options {
	o := options{
		name:         "simple-calculator",
		version:      "1.0.0",
		transport:    "stdio",
		instructions: "Use the arithmetic tools to add, subtract, multiply, divide or exponentiate numbers.",
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithServerInfo sets the name and version reported by initialize.
func WithServerInfo(name, version string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
		if version != "" {
			o.version = version
		}
	}
}

// WithTransport names the transport in get_info output.
func WithTransport(name string) Option {
	return func(o *options) { o.transport = name }
}

// WithLevelVar connects logging/setLevel to lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(o *options) { o.levelVar = lv }
}

// WithRequestLogs makes every arithmetic call emit notifications/message
// describing the calculation.
func WithRequestLogs() Option {
	return func(o *options) { o.requestLogs = true }
}

// WithSlowCalculation registers the slow_calculation tool.
func WithSlowCalculation() Option {
	return func(o *options) { o.slow = true }
}

// WithInfoTool registers the get_info tool.
func WithInfoTool() Option {
	return func(o *options) { o.info = true }
}

// Tools returns the MCP tool registrations for the configured set.
func Tools(opts ...Option) []mcpservice.StaticTool {
	return buildTools(buildOptions(opts))
}

func buildTools(o options) []mcpservice.StaticTool {
	tools := []mcpservice.StaticTool{
		arithmeticTool[BinaryArgs](NameAdd, "Add Numbers", "Add two numbers together", o),
		arithmeticTool[BinaryArgs](NameSubtract, "Subtract Numbers", "Subtract second number from first", o),
		arithmeticTool[BinaryArgs](NameMultiply, "Multiply Numbers", "Multiply two numbers", o),
		arithmeticTool[DivideArgs](NameDivide, "Divide Numbers", "Divide first number by second", o),
		arithmeticTool[PowerArgs](NamePower, "Power", "Raise base to exponent power", o, mcpservice.WithToolAliases(PowerAlias)),
	}
	if o.info {
		tools = append(tools, infoTool(o))
	}
	if o.slow {
		tools = append(tools, slowTool())
	}
	return tools
}

// NewServer returns the calculator as mcpservice.ServerCapabilities.
func NewServer(opts ...Option) mcpservice.ServerCapabilities {
	o := buildOptions(opts)
	return mcpservice.NewServer(
		mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: o.name, Version: o.version}),
		mcpservice.WithPreferredProtocolVersion(mcp.LatestProtocolVersion),
		mcpservice.WithInstructions(o.instructions),
		mcpservice.WithToolsCapability(mcpservice.NewToolsContainer(buildTools(o)...)),
		mcpservice.WithLoggingCapability(mcpservice.NewSlogLevelVarLogging(o.levelVar)),
	)
}

// arithmeticTool reports the evaluated expression under the "expression" key
// of the result's _meta.
func arithmeticTool[A operands](name Name, title, desc string, o options, extra ...mcpservice.ToolOption) mcpservice.StaticTool {
	toolOpts := append([]mcpservice.ToolOption{mcpservice.WithToolTitle(title), mcpservice.WithToolDescription(desc)}, extra...)
	return mcpservice.NewToolWithOutput[A, Result](string(name), func(ctx context.Context, s mcpservice.Session, w mcpservice.ToolResponseWriterTyped[Result], r *mcpservice.ToolRequest[A]) error {
		x, y := r.Args().operands()
		if o.requestLogs {
			_ = w.Log(mcp.LoggingLevelInfo, LoggerName, fmt.Sprintf("Processing %s with arguments: %s", name, rawArgs(r.RawArguments())))
		}

		res, err := Evaluate(name, x, y)
		if err == nil && (math.IsInf(res, 0) || math.IsNaN(res)) {
			err = ErrNotFinite
		}
		if err != nil {
			if o.requestLogs {
				msg := fmt.Sprintf("Error in %s: %v", name, err)
				if errors.Is(err, ErrDivisionByZero) {
					msg = "Division by zero attempted!"
				}
				_ = w.Log(mcp.LoggingLevelError, LoggerName, msg)
			}
			return mcpservice.NewToolError(err)
		}

		expr := fmt.Sprintf("%s %s %s", FormatNumber(x), symbol(name), FormatNumber(y))
		if o.requestLogs {
			_ = w.Log(mcp.LoggingLevelInfo, LoggerName, fmt.Sprintf("Calculating: %s = %s", expr, FormatNumber(res)))
		}
		w.SetMeta("expression", expr)
		if err := w.AppendText(Describe(name, x, y, res)); err != nil {
			return err
		}
		w.SetStructured(Result{Result: res})
		return nil
	}, toolOpts...)
}

func rawArgs(raw []byte) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func infoTool(o options) mcpservice.StaticTool {
	return mcpservice.NewTool[InfoArgs](NameInfo, func(ctx context.Context, s mcpservice.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[InfoArgs]) error {
		var b strings.Builder
		b.WriteString("Simple Calculator MCP Server\n\n")
		b.WriteString("This server provides basic arithmetic operations:\n")
		b.WriteString("- Addition (add_numbers)\n")
		b.WriteString("- Subtraction (subtract_numbers)\n")
		b.WriteString("- Multiplication (multiply_numbers)\n")
		b.WriteString("- Division (divide_numbers)\n")
		b.WriteString("- Power/Exponentiation (power)\n\n")
		fmt.Fprintf(&b, "Transport: %s\n", o.transport)
		if s != nil && s.ProtocolVersion() != "" {
			fmt.Fprintf(&b, "Protocol Version: %s\n", s.ProtocolVersion())
		}
		return w.AppendText(strings.TrimSpace(b.String()))
	},
		mcpservice.WithToolTitle("Server Info"),
		mcpservice.WithToolDescription("Get information about this MCP server"),
		mcpservice.WithToolAllowAdditionalProperties(true),
	)
}

func slowTool() mcpservice.StaticTool {
	return mcpservice.NewTool[SlowArgs](NameSlowCalculation, func(ctx context.Context, s mcpservice.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[SlowArgs]) error {
		count, interval := 3, time.Second
		if c := r.Args().Count; c != nil {
			count = *c
		}
		if iv := r.Args().Interval; iv != nil {
			interval = time.Duration(*iv * float64(time.Second))
		}

		for i := 1; i <= count; i++ {
			if err := w.Log(mcp.LoggingLevelInfo, LoggerName, fmt.Sprintf("Progress: %d/%d - Processing step %d", i, count, i)); err != nil {
				return err
			}
			if err := w.SendProgress(float64(i), float64(count)); err != nil {
				return err
			}
			if i < count {
				if err := sleep(ctx, interval); err != nil {
					return err
				}
			}
		}

		if err := mcpservice.ResourceUpdated(ctx, ResultURI); err != nil {
			return err
		}
		return w.AppendText(fmt.Sprintf("Completed slow calculation with %d steps", count))
	}, mcpservice.WithToolTitle("Slow Calculation"), mcpservice.WithToolDescription("Demonstrates streaming with a slow calculation"))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
