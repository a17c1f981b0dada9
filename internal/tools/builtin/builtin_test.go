package builtin

import (
	"bytes"
	"context"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/autosage/autosage/internal/structval"
	"github.com/autosage/autosage/internal/tools"
	"github.com/autosage/autosage/pkg/models"
)

func newRegistry(t *testing.T, cfg Config) *tools.Registry {
	t.Helper()
	b := tools.NewBuilder()
	if err := Register(b, cfg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return b.Build()
}

func newExecContext(t *testing.T) *tools.ExecContext {
	t.Helper()
	return &tools.ExecContext{
		JobID:  "job_0001",
		JobDir: t.TempDir(),
		Limits: models.DefaultLimits(),
	}
}

func invoke(t *testing.T, reg *tools.Registry, name string, input structval.Value, ec *tools.ExecContext) *models.ToolResult {
	t.Helper()
	d, err := reg.Lookup(name)
	if err != nil {
		t.Fatalf("Lookup(%s): %v", name, err)
	}
	res, err := d.Invoke(context.Background(), input, ec)
	if err != nil {
		t.Fatalf("%s: invoke: %v", name, err)
	}
	return res
}

func TestRegisterAll(t *testing.T) {
	reg := newRegistry(t, Config{})
	if got := reg.Len(); got != 6 {
		t.Fatalf("registered %d tools, want 6", got)
	}
	for _, name := range []string{"echo_json", "echo.solve", "dsl_fit_open3d", "mesh_netgen", "spice_ngspice", "render_pack_vtk"} {
		if _, err := reg.Lookup(name); err != nil {
			t.Errorf("Lookup(%s): %v", name, err)
		}
	}
}

func TestEchoJSON(t *testing.T) {
	reg := newRegistry(t, Config{})
	input := structval.Object()
	input.Set("message", structval.String("ping"))
	input.Set("n", structval.Int(3))

	res := invoke(t, reg, "echo_json", input, newExecContext(t))
	if res.Status != models.StatusOK {
		t.Fatalf("status = %s, want ok", res.Status)
	}
	if res.Summary != "Echoed message 3 time(s)." {
		t.Errorf("summary = %q", res.Summary)
	}
	if got := strings.Count(res.Stdout, "ping"); got != 3 {
		t.Errorf("stdout contains %d pings, want 3", got)
	}
	repeat := res.Output.Field("repeat")
	if len(repeat.Items()) != 3 {
		t.Errorf("repeat has %d entries, want 3", len(repeat.Items()))
	}
}

func TestEchoSolveWritesSolution(t *testing.T) {
	reg := newRegistry(t, Config{})
	ec := newExecContext(t)
	input := structval.Object()
	input.Set("alpha", structval.Number(0.1))

	res := invoke(t, reg, "echo.solve", input, ec)
	if res.Status != models.StatusOK {
		t.Fatalf("status = %s: %s", res.Status, res.Summary)
	}
	if len(res.Artifacts) != 1 || res.Artifacts[0].Name != "solution.json" {
		t.Fatalf("artifacts = %+v", res.Artifacts)
	}
	data, err := os.ReadFile(filepath.Join(ec.JobDir, "solution.json"))
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	doc, err := structval.Decode(data)
	if err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if got := doc.Field("iterations").IntValue(); got != 32 {
		t.Errorf("iterations = %d, want 32", got)
	}
}

func TestEchoSolveRejectsAlpha(t *testing.T) {
	reg := newRegistry(t, Config{})
	input := structval.Object()
	input.Set("alpha", structval.Number(2))

	res := invoke(t, reg, "echo.solve", input, newExecContext(t))
	if res.Status != models.StatusError {
		t.Fatalf("status = %s, want error", res.Status)
	}
	if got := res.ErrorCode(); got != models.ErrInvalidInput {
		t.Errorf("error code = %s, want %s", got, models.ErrInvalidInput)
	}
}

func TestGeometryFitBox(t *testing.T) {
	reg := newRegistry(t, Config{})
	ec := newExecContext(t)
	input := structval.Object()
	input.Set("source", structval.String("v 0 0 0\nv 2 0 0\nv 0 3 0\nv 0 0 4\nf 1 2 3\n"))

	res := invoke(t, reg, "dsl_fit_open3d", input, ec)
	if res.Status != models.StatusOK {
		t.Fatalf("status = %s: %s", res.Status, res.Summary)
	}
	if _, err := os.Stat(filepath.Join(ec.JobDir, "geometry", "primitives.json")); err != nil {
		t.Fatalf("primitives.json missing: %v", err)
	}
	prim := res.Output.Field("primitives").Items()[0]
	if got := prim.Field("kind").StringValue(); got != "box" {
		t.Errorf("kind = %q, want box", got)
	}
	max := prim.Field("max").Items()
	if max[0].Float() != 2 || max[1].Float() != 3 || max[2].Float() != 4 {
		t.Errorf("max = %v %v %v", max[0].Float(), max[1].Float(), max[2].Float())
	}
}

func TestGeometryFitNotWatertight(t *testing.T) {
	reg := newRegistry(t, Config{})
	input := structval.Object()
	input.Set("source", structval.String("v 0 0 0\nv 1 0 0\nv 0 1 0\n"))

	res := invoke(t, reg, "dsl_fit_open3d", input, newExecContext(t))
	if res.Status != models.StatusError {
		t.Fatalf("status = %s, want error", res.Status)
	}
	if got := res.ErrorCode(); got != "ERR_NOT_WATERTIGHT" {
		t.Errorf("error code = %s, want ERR_NOT_WATERTIGHT", got)
	}
}

func TestGeometryFitRejectsEscapingPath(t *testing.T) {
	reg := newRegistry(t, Config{})
	input := structval.Object()
	input.Set("mesh_path", structval.String("../outside.obj"))

	res := invoke(t, reg, "dsl_fit_open3d", input, newExecContext(t))
	if res.Status != models.StatusError {
		t.Fatalf("status = %s, want error", res.Status)
	}
	if got := res.ErrorCode(); got != models.ErrInvalidInput {
		t.Errorf("error code = %s, want %s", got, models.ErrInvalidInput)
	}
}

func TestMeshWritesVTK(t *testing.T) {
	reg := newRegistry(t, Config{})
	ec := newExecContext(t)

	res := invoke(t, reg, "mesh_netgen", structval.Object(), ec)
	if res.Status != models.StatusOK {
		t.Fatalf("status = %s: %s", res.Status, res.Summary)
	}
	data, err := os.ReadFile(filepath.Join(ec.JobDir, "mesh", "part.vtk"))
	if err != nil {
		t.Fatalf("read mesh: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("# vtk DataFile")) {
		t.Errorf("vtk header missing: %q", data[:20])
	}
}

func TestMeshMissingBinary(t *testing.T) {
	reg := newRegistry(t, Config{NetgenBinary: "netgen-definitely-not-installed"})

	res := invoke(t, reg, "mesh_netgen", structval.Object(), newExecContext(t))
	if got := res.ErrorCode(); got != models.ErrMissingDep {
		t.Fatalf("error code = %s, want %s", got, models.ErrMissingDep)
	}
}

func TestSpiceOperatingPoint(t *testing.T) {
	reg := newRegistry(t, Config{})
	ec := newExecContext(t)
	input := structval.Object()
	input.Set("netlist", structval.String("* rc divider\nV1 in 0 5\nR1 in out 1k\nR2 out 0 1k\n.end\n"))

	res := invoke(t, reg, "spice_ngspice", input, ec)
	if res.Status != models.StatusOK {
		t.Fatalf("status = %s: %s", res.Status, res.Summary)
	}
	if got := res.Output.Field("element_count").IntValue(); got != 3 {
		t.Errorf("element_count = %d, want 3", got)
	}
	if _, err := os.Stat(filepath.Join(ec.JobDir, "op_point.json")); err != nil {
		t.Fatalf("op_point.json missing: %v", err)
	}
}

func TestSpiceRejectsNetlistWithoutEnd(t *testing.T) {
	reg := newRegistry(t, Config{})
	input := structval.Object()
	input.Set("netlist", structval.String("V1 in 0 5\nR1 in 0 1k\n"))

	res := invoke(t, reg, "spice_ngspice", input, newExecContext(t))
	if got := res.ErrorCode(); got != models.ErrSolverFailed {
		t.Fatalf("error code = %s, want %s", got, models.ErrSolverFailed)
	}
}

func TestRenderWritesPNG(t *testing.T) {
	reg := newRegistry(t, Config{})
	ec := newExecContext(t)

	res := invoke(t, reg, "render_pack_vtk", structval.Object(), ec)
	if res.Status != models.StatusOK {
		t.Fatalf("status = %s: %s", res.Status, res.Summary)
	}
	if len(res.Artifacts) != 1 || res.Artifacts[0].Name != "render/isometric_color.png" {
		t.Fatalf("artifacts = %+v", res.Artifacts)
	}
	f, err := os.Open(filepath.Join(ec.JobDir, "render", "isometric_color.png"))
	if err != nil {
		t.Fatalf("open render: %v", err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if img.Bounds().Dx() != 64 || img.Bounds().Dy() != 64 {
		t.Errorf("bounds = %v, want 64x64", img.Bounds())
	}
}

func TestRenderHeadlessDisabled(t *testing.T) {
	reg := newRegistry(t, Config{DisableHeadless: true})

	res := invoke(t, reg, "render_pack_vtk", structval.Object(), newExecContext(t))
	if got := res.ErrorCode(); got != "ERR_HEADLESS_CONTEXT_FAILED" {
		t.Fatalf("error code = %s, want ERR_HEADLESS_CONTEXT_FAILED", got)
	}
}
