// Package tools defines tool descriptors and the frozen registry the
// execution engine dispatches against.
//
// A descriptor couples a JSON-schema-validated input contract with the
// invoker that does the work. The registry is built once at process start
// and never mutated afterwards, which keeps /v1/tools ordering stable for
// the lifetime of the process.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/autosage/autosage/internal/structval"
	"github.com/autosage/autosage/pkg/models"
)

// Stability classifies how much a tool's contract can be relied on.
type Stability string

const (
	StabilityStable       Stability = "stable"
	StabilityExperimental Stability = "experimental"
	StabilityDeprecated   Stability = "deprecated"
)

// ErrDuplicateTool is returned when a descriptor name collides.
var ErrDuplicateTool = errors.New("duplicate_tool")

// ErrNotFound is returned by Lookup for unknown tool names.
var ErrNotFound = errors.New("tool not found")

// ExecContext carries the per-invocation workspace and limits into an
// invoker. It lives only for the duration of one call.
type ExecContext struct {
	// JobID identifies the invocation (job_NNNN or call_NNNN).
	JobID string

	// JobDir is the absolute path of the invocation's workspace. Invokers
	// must write artifacts only below this directory.
	JobDir string

	// RequestID is the propagated inbound request id, if any.
	RequestID string

	// Limits are the merged execution limits for this call.
	Limits models.Limits
}

// Invoker performs the tool's actual work. It runs synchronously on an
// engine worker and must honor ctx cancellation by returning promptly,
// possibly with a partial result. Failures are reported in-band through
// the returned ToolResult; a non-nil error is treated as a runtime fault.
type Invoker func(ctx context.Context, input structval.Value, ec *ExecContext) (*models.ToolResult, error)

// Example documents one valid input for a tool.
type Example struct {
	Title string          `json:"title"`
	Input structval.Value `json:"input"`
	Notes string          `json:"notes,omitempty"`
}

// Descriptor is the immutable description of one registered tool.
type Descriptor struct {
	Name        string          `json:"name"`
	Version     string          `json:"version"`
	Description string          `json:"description"`
	InputSchema structval.Value `json:"input_schema"`
	Stability   Stability       `json:"stability"`
	Tags        []string        `json:"tags"`
	Examples    []Example       `json:"examples,omitempty"`
	Invoke      Invoker         `json:"-"`

	compiled *jsonschema.Schema
}

// ValidateInput checks input against the tool's compiled schema.
func (d *Descriptor) ValidateInput(input structval.Value) error {
	if d.compiled == nil {
		return fmt.Errorf("tool %s: schema not compiled", d.Name)
	}
	if err := d.compiled.Validate(input.ToAny()); err != nil {
		return fmt.Errorf("input does not match schema for %s: %w", d.Name, err)
	}
	return nil
}

// HasTag reports whether the descriptor carries the tag.
func (d *Descriptor) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Filter narrows a registry listing.
type Filter struct {
	// Stability keeps only tools with the given stability, when non-empty.
	Stability Stability

	// Tags keeps tools carrying at least one of the given tags.
	Tags []string
}

// Registry is the frozen name -> descriptor mapping.
type Registry struct {
	byName map[string]*Descriptor
	names  []string
}

// Builder accumulates descriptors before the registry is frozen.
type Builder struct {
	byName map[string]*Descriptor
}

// NewBuilder returns an empty registry builder.
func NewBuilder() *Builder {
	return &Builder{byName: map[string]*Descriptor{}}
}

// Register validates and adds a descriptor. Registering a name twice
// fails with ErrDuplicateTool.
func (b *Builder) Register(d Descriptor) error {
	if err := validateDescriptor(&d); err != nil {
		return fmt.Errorf("tool %q: %w", d.Name, err)
	}
	if _, exists := b.byName[d.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, d.Name)
	}

	compiled, err := compileSchema(d.Name, d.InputSchema)
	if err != nil {
		return fmt.Errorf("tool %q: compile schema: %w", d.Name, err)
	}
	d.compiled = compiled

	if d.Stability == StabilityStable {
		if len(d.Examples) == 0 {
			return fmt.Errorf("tool %q: stable tools require at least one example", d.Name)
		}
		for i, ex := range d.Examples {
			if err := d.ValidateInput(ex.Input); err != nil {
				return fmt.Errorf("tool %q: example %d (%s) does not validate: %w", d.Name, i, ex.Title, err)
			}
		}
	}

	copied := d
	b.byName[d.Name] = &copied
	return nil
}

// MustRegister is Register for startup wiring where a failure is a bug.
func (b *Builder) MustRegister(d Descriptor) {
	if err := b.Register(d); err != nil {
		panic(err)
	}
}

// Build freezes the accumulated descriptors into a Registry.
func (b *Builder) Build() *Registry {
	names := make([]string, 0, len(b.byName))
	for name := range b.byName {
		names = append(names, name)
	}
	sort.Strings(names)

	byName := make(map[string]*Descriptor, len(b.byName))
	for name, d := range b.byName {
		byName[name] = d
	}
	return &Registry{byName: byName, names: names}
}

// Lookup returns the descriptor for name.
func (r *Registry) Lookup(name string) (*Descriptor, error) {
	d, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return d, nil
}

// List returns descriptors matching the filter, ordered lexicographically
// by name.
func (r *Registry) List(f Filter) []*Descriptor {
	out := make([]*Descriptor, 0, len(r.names))
	for _, name := range r.names {
		d := r.byName[name]
		if f.Stability != "" && d.Stability != f.Stability {
			continue
		}
		if len(f.Tags) > 0 {
			matched := false
			for _, tag := range f.Tags {
				if d.HasTag(tag) {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		out = append(out, d)
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int { return len(r.names) }

func validateDescriptor(d *Descriptor) error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(d.Version) == "" {
		return errors.New("version is required")
	}
	if strings.TrimSpace(d.Description) == "" {
		return errors.New("description is required")
	}
	switch d.Stability {
	case StabilityStable, StabilityExperimental, StabilityDeprecated:
	default:
		return fmt.Errorf("invalid stability %q", d.Stability)
	}
	if d.Invoke == nil {
		return errors.New("invoker is required")
	}

	schema := d.InputSchema
	if schema.Kind() != structval.KindObject {
		return errors.New("input_schema must be an object")
	}
	if schema.Field("type").StringValue() != "object" {
		return errors.New(`input_schema.type must be "object"`)
	}
	if props, ok := schema.Get("properties"); !ok || props.Kind() != structval.KindObject {
		return errors.New("input_schema.properties must be an object")
	}
	if req, ok := schema.Get("required"); !ok || req.Kind() != structval.KindArray {
		return errors.New("input_schema.required must be an array")
	}
	if _, ok := schema.Get("additionalProperties"); !ok {
		return errors.New("input_schema.additionalProperties must be explicit")
	}
	return nil
}

func compileSchema(name string, schema structval.Value) (*jsonschema.Schema, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	return jsonschema.CompileString("autosage://tools/"+name+".schema.json", string(data))
}

// ObjectSchema is a convenience builder for the common schema shape:
// type object, the given properties object, the listed required keys and
// additionalProperties=false.
func ObjectSchema(properties structval.Value, required ...string) structval.Value {
	schema := structval.Object()
	schema.Set("type", structval.String("object"))
	schema.Set("properties", properties)

	reqArr := structval.Array()
	for _, key := range required {
		reqArr.Append(structval.String(key))
	}
	schema.Set("required", reqArr)
	schema.Set("additionalProperties", structval.Bool(false))
	return schema
}

// Prop builds a schema fragment like {"type":"string","description":...}.
func Prop(typ, description string) structval.Value {
	p := structval.Object()
	p.Set("type", structval.String(typ))
	if description != "" {
		p.Set("description", structval.String(description))
	}
	return p
}
