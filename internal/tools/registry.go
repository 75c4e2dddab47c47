// ABOUTME: Registry of voice tool handlers and timeout-bounded dispatch
// ABOUTME: Every failure mode is folded into a Result with an error string

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultTimeout bounds a single tool call.
const DefaultTimeout = 30 * time.Second

// ErrDuplicateTool is returned when a tool name is registered twice.
var ErrDuplicateTool = errors.New("tool already registered")

// ErrMissingParam is wrapped by handlers when a required parameter is absent.
var ErrMissingParam = errors.New("missing parameter")

// Call is one invocation of a tool from a voice conversation.
type Call struct {
	ConversationID string
	OrganizationID string
	LeadID         string
	Phone          string
	Params         string // raw JSON object
}

// Param returns the parameter at path using gjson path syntax.
func (c Call) Param(path string) gjson.Result {
	return gjson.Get(c.Params, path)
}

// Handler executes a tool and returns a JSON-serializable result.
type Handler func(ctx context.Context, call Call) (any, error)

// Tool is a named handler.
type Tool struct {
	Name        string
	Description string
	Handler     Handler
}

// Result is what the voice agent receives back from a tool call.
type Result struct {
	Output json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// OK reports whether the call succeeded.
func (r Result) OK() bool {
	return r.Error == ""
}

// Registry maps tool names to handlers.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	timeout time.Duration
	logger  *slog.Logger
}

// NewRegistry creates an empty Registry. A zero timeout uses DefaultTimeout.
func NewRegistry(timeout time.Duration, logger *slog.Logger) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   make(map[string]Tool),
		timeout: timeout,
		logger:  logger.With("component", "tools"),
	}
}

// Register adds tools to the registry.
func (r *Registry) Register(tools ...Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		if _, exists := r.tools[t.Name]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
		}
		r.tools[t.Name] = t
	}
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Timeout returns the per-call bound.
func (r *Registry) Timeout() time.Duration {
	return r.timeout
}

// Call runs the named tool. It returns once the handler finishes or the
// timeout elapses, whichever comes first. A handler still running at the
// deadline keeps running with a cancelled context; its result is discarded.
func (r *Registry) Call(ctx context.Context, name string, call Call) Result {
	tool, ok := r.Get(name)
	if !ok {
		r.logger.Warn("unknown tool", "tool_name", name, "conversation_id", call.ConversationID)
		callDuration.WithLabelValues("unknown", "unknown_tool").Observe(0)
		return Result{Error: "Unknown tool: " + name}
	}
	if call.Params != "" && !gjson.Valid(call.Params) {
		callDuration.WithLabelValues(name, "invalid_params").Observe(0)
		return Result{Error: "invalid parameters for " + name}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan Result, 1)
	go func() {
		done <- r.run(ctx, tool, call)
	}()

	select {
	case res := <-done:
		outcome := "ok"
		if !res.OK() {
			outcome = "error"
			r.logger.Warn("tool call failed",
				"tool_name", name,
				"conversation_id", call.ConversationID,
				"error", res.Error)
		} else {
			r.logger.Info("tool call completed",
				"tool_name", name,
				"conversation_id", call.ConversationID,
				"duration", time.Since(start))
		}
		callDuration.WithLabelValues(name, outcome).Observe(time.Since(start).Seconds())
		return res
	case <-ctx.Done():
		callDuration.WithLabelValues(name, "timeout").Observe(time.Since(start).Seconds())
		r.logger.Warn("tool call timed out",
			"tool_name", name,
			"conversation_id", call.ConversationID,
			"timeout", r.timeout,
			"error", ctx.Err())
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{Error: fmt.Sprintf("%s timed out after %s", name, r.timeout)}
		}
		return Result{Error: fmt.Sprintf("%s cancelled", name)}
	}
}

func (r *Registry) run(ctx context.Context, tool Tool, call Call) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool handler panicked", "tool_name", tool.Name, "panic", p)
			res = Result{Error: tool.Name + " failed unexpectedly"}
		}
	}()

	out, err := tool.Handler(ctx, call)
	if err != nil {
		return Result{Error: err.Error()}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return Result{Error: fmt.Sprintf("encoding %s result: %v", tool.Name, err)}
	}
	return Result{Output: data}
}
