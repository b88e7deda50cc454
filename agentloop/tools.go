package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"

	"github.com/martinemde/sage/agenterr"
	"github.com/martinemde/sage/unifiedllm"
)

// ToolExecutor runs a tool with its decoded-on-demand arguments.
type ToolExecutor func(ctx context.Context, arguments json.RawMessage, env ExecutionEnvironment) (string, error)

// Tool pairs a provider-facing definition with its executor and the
// capabilities the Orchestrator schedules by.
type Tool struct {
	Definition unifiedllm.ToolDefinition
	Executor   ToolExecutor

	// ReadOnly tools never modify the workspace and skip checkpoints.
	ReadOnly bool
	// ParallelSafe tools may run concurrently with other parallel-safe,
	// read-only calls from the same assistant turn.
	ParallelSafe bool
	// RequiresUserInteraction tools are answered by the Loop through the
	// input channel rather than executed.
	RequiresUserInteraction bool
	// MaxDuration bounds one execution. Zero means no tool-level bound.
	MaxDuration time.Duration
	// Targets returns the files a call will write, for pre-tool checkpoints.
	Targets func(args map[string]any) []string
}

// Name returns the tool name.
func (t *Tool) Name() string { return t.Definition.Name }

// ToolRegistry manages tool registration and lookup.
type ToolRegistry struct {
	tools map[string]*Tool
	mu    sync.RWMutex
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]*Tool),
	}
}

// Register adds or replaces a tool in the registry.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Definition.Name] = &tool
}

// Unregister removes a tool from the registry.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a registered tool by name, or nil if not found.
func (r *ToolRegistry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Definitions returns all tool definitions sorted by name, so requests are
// stable across calls.
func (r *ToolRegistry) Definitions() []unifiedllm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]unifiedllm.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, tool.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns the sorted names of all registered tools.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// SchemaFor reflects a JSON schema for the parameters struct v. Fields
// without omitempty are required; descriptions come from
// `jsonschema:"description=..."` tags.
func SchemaFor(v any) map[string]any {
	r := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
		Anonymous:      true,
	}
	data, err := json.Marshal(r.Reflect(v))
	if err != nil {
		panic(fmt.Sprintf("agentloop: reflect schema for %T: %v", v, err))
	}
	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		panic(fmt.Sprintf("agentloop: decode schema for %T: %v", v, err))
	}
	delete(schema, "$schema")
	delete(schema, "$id")
	return schema
}

var argValidator = newArgValidator()

// newArgValidator reports fields by their JSON names so errors read the
// way the model wrote the arguments.
func newArgValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// DecodeArgs unmarshals raw tool arguments into v and checks its
// `validate` tags. Failures are KindTool errors so the model sees them as
// an ordinary tool error.
func DecodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return agenterr.New(agenterr.KindTool, "arguments", "invalid tool arguments: %v", err)
	}
	if err := argValidator.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return agenterr.New(agenterr.KindTool, "arguments", "%s is %s", verrs[0].Field(), verrs[0].Tag())
		}
		return agenterr.Wrap(agenterr.KindTool, "arguments", err)
	}
	return nil
}

// ParseToolArguments unmarshals tool call arguments into a map.
func ParseToolArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// GetStringArg extracts a string argument from parsed tool arguments.
func GetStringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
