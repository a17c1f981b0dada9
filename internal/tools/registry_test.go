package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/autosage/autosage/internal/structval"
	"github.com/autosage/autosage/pkg/models"
)

func nopInvoker(ctx context.Context, input structval.Value, ec *ExecContext) (*models.ToolResult, error) {
	return models.NewResult("nop"), nil
}

func testSchema() structval.Value {
	props := structval.Object()
	props.Set("message", Prop("string", "message to echo"))
	props.Set("n", Prop("integer", "repeat count"))
	return ObjectSchema(props, "message")
}

func testDescriptor(name string, stability Stability) Descriptor {
	exampleInput := structval.Object()
	exampleInput.Set("message", structval.String("hello"))
	return Descriptor{
		Name:        name,
		Version:     "1.0.0",
		Description: "test tool",
		InputSchema: testSchema(),
		Stability:   stability,
		Tags:        []string{"test"},
		Examples:    []Example{{Title: "basic", Input: exampleInput}},
		Invoke:      nopInvoker,
	}
}

func TestRegisterAndLookup(t *testing.T) {
	b := NewBuilder()
	if err := b.Register(testDescriptor("echo_json", StabilityStable)); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg := b.Build()

	d, err := reg.Lookup("echo_json")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if d.Name != "echo_json" || d.Stability != StabilityStable {
		t.Fatalf("unexpected descriptor %+v", d)
	}
	if _, err := reg.Lookup("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDuplicateRejected(t *testing.T) {
	b := NewBuilder()
	if err := b.Register(testDescriptor("echo_json", StabilityStable)); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := b.Register(testDescriptor("echo_json", StabilityStable))
	if !errors.Is(err, ErrDuplicateTool) {
		t.Fatalf("expected ErrDuplicateTool, got %v", err)
	}
}

func TestDescriptorValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Descriptor)
	}{
		{"empty name", func(d *Descriptor) { d.Name = " " }},
		{"empty version", func(d *Descriptor) { d.Version = "" }},
		{"empty description", func(d *Descriptor) { d.Description = "" }},
		{"bad stability", func(d *Descriptor) { d.Stability = "shiny" }},
		{"nil invoker", func(d *Descriptor) { d.Invoke = nil }},
		{"non-object schema", func(d *Descriptor) { d.InputSchema = structval.String("nope") }},
		{"schema type not object", func(d *Descriptor) {
			d.InputSchema = structval.Object()
			d.InputSchema.Set("type", structval.String("array"))
		}},
		{"stable without examples", func(d *Descriptor) {
			d.Stability = StabilityStable
			d.Examples = nil
		}},
	}
	for _, c := range cases {
		d := testDescriptor("t", StabilityExperimental)
		c.mutate(&d)
		if err := NewBuilder().Register(d); err == nil {
			t.Fatalf("%s: expected validation error", c.name)
		}
	}
}

func TestStableExampleMustValidate(t *testing.T) {
	d := testDescriptor("echo_json", StabilityStable)
	badInput := structval.Object()
	badInput.Set("n", structval.Int(2)) // missing required "message"
	d.Examples = []Example{{Title: "broken", Input: badInput}}
	if err := NewBuilder().Register(d); err == nil {
		t.Fatal("expected example validation failure")
	}
}

func TestValidateInput(t *testing.T) {
	b := NewBuilder()
	b.MustRegister(testDescriptor("echo_json", StabilityStable))
	reg := b.Build()
	d, _ := reg.Lookup("echo_json")

	good := structval.Object()
	good.Set("message", structval.String("hi"))
	good.Set("n", structval.Int(3))
	if err := d.ValidateInput(good); err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}

	wrongType := structval.Object()
	wrongType.Set("message", structval.String("hi"))
	wrongType.Set("n", structval.String("three"))
	if err := d.ValidateInput(wrongType); err == nil {
		t.Fatal("expected type mismatch to be rejected")
	}

	missing := structval.Object()
	missing.Set("n", structval.Int(1))
	if err := d.ValidateInput(missing); err == nil {
		t.Fatal("expected missing required key to be rejected")
	}

	extra := structval.Object()
	extra.Set("message", structval.String("hi"))
	extra.Set("bogus", structval.Bool(true))
	if err := d.ValidateInput(extra); err == nil {
		t.Fatal("expected additionalProperties=false to reject extras")
	}
}

func TestListSortedAndFiltered(t *testing.T) {
	b := NewBuilder()
	zephyr := testDescriptor("zephyr", StabilityExperimental)
	zephyr.Tags = []string{"cfd"}
	alpha := testDescriptor("alpha", StabilityStable)
	alpha.Tags = []string{"diagnostics"}
	mid := testDescriptor("mid", StabilityDeprecated)
	mid.Tags = []string{"cfd", "legacy"}
	b.MustRegister(zephyr)
	b.MustRegister(alpha)
	b.MustRegister(mid)
	reg := b.Build()

	all := reg.List(Filter{})
	if len(all) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(all))
	}
	if all[0].Name != "alpha" || all[1].Name != "mid" || all[2].Name != "zephyr" {
		t.Fatalf("listing not sorted: %s %s %s", all[0].Name, all[1].Name, all[2].Name)
	}

	stable := reg.List(Filter{Stability: StabilityStable})
	if len(stable) != 1 || stable[0].Name != "alpha" {
		t.Fatalf("stability filter failed: %+v", stable)
	}

	cfd := reg.List(Filter{Tags: []string{"cfd"}})
	if len(cfd) != 2 {
		t.Fatalf("tag filter failed: %+v", cfd)
	}
}
