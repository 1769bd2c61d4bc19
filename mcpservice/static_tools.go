package mcpservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"

	"github.com/mcp-examples/calculator-go/mcp"
)

// ToolHandler is the function signature used to handle a tool invocation.
type ToolHandler func(ctx context.Context, session Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

// StaticTool pairs an MCP tool descriptor with its handler.
type StaticTool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
	// Aliases are additional names dispatched to Handler but never listed.
	Aliases []string
}

// ToolRequest is the container for tool call input and request metadata.
// It is generic over the typed argument struct A.
type ToolRequest[A any] struct {
	name string
	raw  json.RawMessage
	args A
}

func (r *ToolRequest[A]) Name() string                  { return r.name }
func (r *ToolRequest[A]) RawArguments() json.RawMessage { return r.raw }
func (r *ToolRequest[A]) Args() A                       { return r.args }

// ToolResponseWriterTyped extends ToolResponseWriter for typed output tools.
// It allows setting a structuredContent value of type O.
type ToolResponseWriterTyped[O any] interface {
	ToolResponseWriter
	SetStructured(v O)
}

type toolResponseWriterTyped[O any] struct {
	ToolResponseWriter
	structured any
}

func (tw *toolResponseWriterTyped[O]) SetStructured(v O) { tw.structured = v }

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	title                     string
	description               string
	allowAdditionalProperties bool // default false (strict)
	aliases                   []string
}

// WithToolTitle sets the human friendly title shown by clients.
func WithToolTitle(title string) ToolOption {
	return func(c *toolConfig) { c.title = title }
}

// WithToolDescription sets the tool description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolAllowAdditionalProperties controls whether unknown fields are allowed.
// When false (default), the generated schema sets additionalProperties=false and
// runtime decoding rejects unknown fields.
func WithToolAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// WithToolAliases registers extra names that dispatch to the same handler.
func WithToolAliases(names ...string) ToolOption {
	return func(c *toolConfig) { c.aliases = append(c.aliases, names...) }
}

// NewTool constructs a writer-based tool with typed input A. The JSON Schema of
// A is reflected once; every call is validated against it before decoding.
func NewTool[A any](name string, fn func(ctx context.Context, session Session, w ToolResponseWriter, r *ToolRequest[A]) error, opts ...ToolOption) StaticTool {
	cfg := buildToolConfig(opts)
	in := newInputSchema[A](cfg.allowAdditionalProperties)
	desc := mcp.Tool{
		Name:        name,
		Title:       cfg.title,
		Description: cfg.description,
		InputSchema: in.mcp,
	}

	handler := func(ctx context.Context, session Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		a, err := decodeArgs[A](in, req.Arguments)
		if err != nil {
			return nil, err
		}
		w := newToolResponseWriter(ctx)
		r := &ToolRequest[A]{name: req.Name, raw: req.Arguments, args: a}
		if err := fn(ctx, session, w, r); err != nil {
			return nil, err
		}
		return w.Result(), nil
	}

	return StaticTool{Descriptor: desc, Handler: handler, Aliases: cfg.aliases}
}

// NewToolWithOutput constructs a typed-input, typed-output tool. The value set
// with SetStructured is returned as structuredContent and its type is
// advertised as the tool's outputSchema.
func NewToolWithOutput[A, O any](name string, fn func(ctx context.Context, session Session, w ToolResponseWriterTyped[O], r *ToolRequest[A]) error, opts ...ToolOption) StaticTool {
	cfg := buildToolConfig(opts)
	in := newInputSchema[A](cfg.allowAdditionalProperties)
	outSchema := reflectToMCPOutputSchema[O]()
	desc := mcp.Tool{
		Name:         name,
		Title:        cfg.title,
		Description:  cfg.description,
		InputSchema:  in.mcp,
		OutputSchema: &outSchema,
	}
	handler := func(ctx context.Context, session Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		a, err := decodeArgs[A](in, req.Arguments)
		if err != nil {
			return nil, err
		}
		baseWriter := newToolResponseWriter(ctx)
		tw := &toolResponseWriterTyped[O]{ToolResponseWriter: baseWriter}
		r := &ToolRequest[A]{name: req.Name, raw: req.Arguments, args: a}
		if err := fn(ctx, session, tw, r); err != nil {
			return nil, err
		}
		res := baseWriter.Result()
		if tw.structured != nil {
			b, err := json.Marshal(tw.structured)
			if err != nil {
				return nil, fmt.Errorf("marshal structured content: %w", err)
			}
			var m map[string]any
			if err := json.Unmarshal(b, &m); err != nil {
				return nil, fmt.Errorf("structured content must be an object: %w", err)
			}
			res.StructuredContent = m
		}
		return res, nil
	}
	return StaticTool{Descriptor: desc, Handler: handler, Aliases: cfg.aliases}
}

func buildToolConfig(opts []ToolOption) toolConfig {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

type inputSchema struct {
	mcp       mcp.ToolInputSchema
	validator *gojsonschema.Schema
	strict    bool
}

func newInputSchema[A any](allowAdditional bool) inputSchema {
	s := reflectSchema[A](allowAdditional)
	return inputSchema{
		mcp:       toMCPInputSchema(s, allowAdditional),
		validator: compileValidator(s),
		strict:    !allowAdditional,
	}
}

// decodeArgs validates raw against the reflected schema and decodes it into A.
// Missing arguments are validated as an empty object so required properties
// are still enforced.
func decodeArgs[A any](in inputSchema, raw json.RawMessage) (A, error) {
	var a A
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = json.RawMessage(`{}`)
	}
	if in.validator != nil {
		res, err := in.validator.Validate(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return a, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
		if !res.Valid() {
			msgs := make([]string, 0, len(res.Errors()))
			for _, e := range res.Errors() {
				msgs = append(msgs, e.String())
			}
			return a, fmt.Errorf("%w: %s", ErrInvalidArguments, strings.Join(msgs, "; "))
		}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if in.strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(&a); err != nil {
		return a, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return a, nil
}

func reflectSchema[A any](allowAdditional bool) *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference:            true, // inline defs
		ExpandedStruct:            true, // put struct at root
		AllowAdditionalProperties: allowAdditional,
	}
	return r.Reflect(new(A))
}

// compileValidator turns the reflected schema into a gojsonschema validator.
// The $schema/$id keywords are dropped so the draft is auto-detected from the
// keywords actually used.
func compileValidator(s *jsonschema.Schema) *gojsonschema.Schema {
	if s == nil || s.Type != "object" {
		return nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil
	}
	delete(doc, "$schema")
	delete(doc, "$id")
	v, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil
	}
	return v
}

// toMCPInputSchema converts a reflected schema to the simplified
// mcp.ToolInputSchema. Non-object schemas become an empty object.
func toMCPInputSchema(s *jsonschema.Schema, allowAdditional bool) mcp.ToolInputSchema {
	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:                 "object",
			Properties:           map[string]mcp.SchemaProperty{},
			AdditionalProperties: allowAdditional,
		}
	}
	props, required := objectMembers(s)
	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: allowAdditional,
	}
}

// reflectToMCPOutputSchema reflects a Go type O into a mcp.ToolOutputSchema.
func reflectToMCPOutputSchema[O any]() mcp.ToolOutputSchema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(new(O))
	if s == nil || s.Type != "object" {
		return mcp.ToolOutputSchema{Type: "object", Properties: map[string]mcp.SchemaProperty{}}
	}
	props, required := objectMembers(s)
	return mcp.ToolOutputSchema{Type: "object", Properties: props, Required: required}
}

func objectMembers(s *jsonschema.Schema) (map[string]mcp.SchemaProperty, []string) {
	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toMCPProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}
	return props, required
}

// toMCPProperty recursively maps a jsonschema.Schema to the simplified MCP SchemaProperty.
func toMCPProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
		Default:     s.Default,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toMCPProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toMCPProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}

// ToolsContainer owns a mutable, threadsafe set of tool descriptors and handlers.
type ToolsContainer struct {
	mu       sync.RWMutex
	tools    []mcp.Tool             // descriptors for listing
	handlers map[string]ToolHandler // name or alias -> handler
}

var _ ToolsCapability = (*ToolsContainer)(nil)

// NewToolsContainer constructs a new ToolsContainer with the given tool definitions.
func NewToolsContainer(defs ...StaticTool) *ToolsContainer {
	st := &ToolsContainer{}
	st.Replace(defs...)
	return st
}

// Snapshot returns a copy of the current tool descriptors.
func (st *ToolsContainer) Snapshot() []mcp.Tool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]mcp.Tool, len(st.tools))
	copy(out, st.tools)
	return out
}

// Names returns the listed tool names in registration order.
func (st *ToolsContainer) Names() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]string, 0, len(st.tools))
	for _, t := range st.tools {
		out = append(out, t.Name)
	}
	return out
}

// Replace atomically replaces the entire tool set. On duplicate names the
// last definition wins.
func (st *ToolsContainer) Replace(defs ...StaticTool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.tools = make([]mcp.Tool, 0, len(defs))
	st.handlers = make(map[string]ToolHandler, len(defs))
	index := make(map[string]int, len(defs))
	for _, d := range defs {
		if i, ok := index[d.Descriptor.Name]; ok {
			st.tools[i] = d.Descriptor
		} else {
			index[d.Descriptor.Name] = len(st.tools)
			st.tools = append(st.tools, d.Descriptor)
		}
		st.register(d)
	}
}

// Add registers a new tool if it doesn't duplicate an existing name.
// Returns true if added.
func (st *ToolsContainer) Add(def StaticTool) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.handlers == nil {
		st.handlers = make(map[string]ToolHandler)
	}
	if _, exists := st.handlers[def.Descriptor.Name]; exists {
		return false
	}
	st.tools = append(st.tools, def.Descriptor)
	st.register(def)
	return true
}

func (st *ToolsContainer) register(def StaticTool) {
	if def.Handler == nil {
		return
	}
	st.handlers[def.Descriptor.Name] = def.Handler
	for _, alias := range def.Aliases {
		st.handlers[alias] = def.Handler
	}
}

// ListTools implements ToolsCapability.
func (st *ToolsContainer) ListTools(ctx context.Context, session Session) ([]mcp.Tool, error) {
	return st.Snapshot(), nil
}

// CallTool implements ToolsCapability.
func (st *ToolsContainer) CallTool(ctx context.Context, session Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
	if req == nil || req.Name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrToolNotFound)
	}
	st.mu.RLock()
	h := st.handlers[req.Name]
	st.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, req.Name)
	}
	return h(ctx, session, req)
}
