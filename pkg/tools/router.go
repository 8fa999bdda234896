package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loomworks/loom/pkg/models"
)

// DefaultCallTimeout bounds a single tool call unless configured otherwise.
const DefaultCallTimeout = 60 * time.Second

type registeredTool struct {
	def     models.ToolDefinition
	handler Handler
	schema  *jsonschema.Schema
}

// Masker scrubs secrets from event payloads in place and reports whether
// anything matched. Implemented by masking.Masker.
type Masker interface {
	MaskMap(payload map[string]any) bool
}

// Router maintains the tool registry and executes calls: policy check,
// parameter validation, timeout race, and tool.called / tool.result emission.
// Thread-safe.
type Router struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool

	emitter        Emitter
	masker         Masker
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// NewRouter creates an empty Router. emitter may be nil (no events).
func NewRouter(emitter Emitter, defaultTimeout time.Duration) *Router {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultCallTimeout
	}
	return &Router{
		tools:          make(map[string]*registeredTool),
		emitter:        emitter,
		defaultTimeout: defaultTimeout,
		logger:         slog.With("component", "tool_router"),
	}
}

// SetMasker installs a payload masker applied to every emitted event. Masked
// events carry the contains_secrets redaction flag.
func (r *Router) SetMasker(m Masker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.masker = m
}

// Register adds a tool. The JSON-schema parameters object is compiled once at
// registration; a tool with an invalid schema is rejected. Re-registering a
// name replaces the previous tool.
func (r *Router) Register(def models.ToolDefinition, handler Handler) error {
	if def.Name == "" {
		return &Error{Tool: def.Name, Err: fmt.Errorf("tool name is required")}
	}
	if handler == nil {
		return &Error{Tool: def.Name, Err: fmt.Errorf("handler is required")}
	}

	var schema *jsonschema.Schema
	if def.Parameters != nil {
		compiled, err := compileSchema(def.Name, def.Parameters)
		if err != nil {
			return &Error{Tool: def.Name, Err: fmt.Errorf("compile parameters schema: %w", err)}
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = &registeredTool{def: def, handler: handler, schema: schema}
	return nil
}

// Unregister removes a tool; unknown names are a no-op.
func (r *Router) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// List returns all registered tool definitions.
func (r *Router) List() []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]models.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.def)
	}
	return defs
}

// Get returns the definition for name.
func (r *Router) Get(name string) (models.ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return models.ToolDefinition{}, false
	}
	return t.def, true
}

// Has reports whether name is registered.
func (r *Router) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Count returns the number of registered tools.
func (r *Router) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Call executes one tool call end to end. It never returns an error: every
// failure mode becomes a Result with Success=false so the LLM can recover.
func (r *Router) Call(ctx context.Context, name string, params map[string]any, cctx CallContext) *Result {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return NotFoundResult(name)
	}

	if err := CheckPolicy(t.def, cctx.AgentContext); err != nil {
		return &Result{Success: false, Error: err.Error()}
	}

	if t.schema != nil {
		if err := t.schema.Validate(normalizeParams(params)); err != nil {
			return &Result{Success: false, Error: fmt.Sprintf("invalid parameters for %s: %v", name, err)}
		}
	}

	r.emit(ctx, cctx, models.EventToolCalled, models.PayloadMap(models.ToolCalledPayload{
		ToolCallID: cctx.ToolCallID,
		Name:       name,
		Parameters: params,
	}))

	start := time.Now()
	result := r.invoke(ctx, t, params, cctx)
	result.DurationMS = time.Since(start).Milliseconds()
	if result.ToolCallID == "" {
		result.ToolCallID = cctx.ToolCallID
	}

	r.emit(ctx, cctx, models.EventToolResult, models.PayloadMap(models.ToolResultPayload{
		ToolCallID: cctx.ToolCallID,
		Name:       name,
		Success:    result.Success,
		Error:      result.Error,
		DurationMS: result.DurationMS,
	}))
	return result
}

// invoke races the handler against the per-call timeout. The handler runs in
// its own goroutine; on timeout it is abandoned with a cancelled context.
func (r *Router) invoke(ctx context.Context, t *registeredTool, params map[string]any, cctx CallContext) *Result {
	callCtx, cancel := context.WithTimeout(ctx, r.defaultTimeout)
	defer cancel()

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", p)}
			}
		}()
		res, err := t.handler(callCtx, params, cctx)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return &Result{Success: false, Error: o.err.Error()}
		}
		if o.result == nil {
			return &Result{Success: true}
		}
		return o.result
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return &Result{Success: false, Error: fmt.Sprintf("tool %s aborted: %v", t.def.Name, ctx.Err())}
		}
		return &Result{Success: false, Error: fmt.Sprintf("tool %s timed out after %s", t.def.Name, r.defaultTimeout)}
	}
}

func (r *Router) emit(ctx context.Context, cctx CallContext, t models.EventType, payload map[string]any) {
	if r.emitter == nil {
		return
	}
	r.mu.RLock()
	masker := r.masker
	r.mu.RUnlock()

	e := models.NewEvent(cctx.SessionKey, cctx.RunID, t, payload)
	e.AgentID = cctx.AgentID
	e.StepID = cctx.StepID
	e.ParentSpanID = cctx.SpanID
	if masker != nil && payload != nil && masker.MaskMap(payload) {
		e.Redaction.ContainsSecrets = true
	}
	if err := r.emitter.Emit(ctx, e); err != nil {
		r.logger.Warn("event emission failed", "type", string(t), "run_id", cctx.RunID, "error", err)
	}
}

// compileSchema compiles a parameters object through a JSON round-trip so the
// compiler sees plain decoded values.
func compileSchema(name string, parameters map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(parameters)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, err
	}
	return c.Compile(resource)
}

// normalizeParams converts params into the plain decoded form the validator
// expects (e.g. ints become float64).
func normalizeParams(params map[string]any) any {
	if params == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return params
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return params
	}
	return doc
}
