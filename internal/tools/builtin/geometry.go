package builtin

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/autosage/autosage/internal/fsx"
	"github.com/autosage/autosage/internal/structval"
	"github.com/autosage/autosage/internal/tools"
	"github.com/autosage/autosage/pkg/models"
)

// Geometry-domain error codes.
const (
	errNotWatertight      = "ERR_NOT_WATERTIGHT"
	errPrimitiveFitExpire = "ERR_PRIMITIVE_FIT_TIMEOUT"
)

func geometryFitDescriptor() tools.Descriptor {
	props := structval.Object()
	props.Set("mesh_path", tools.Prop("string", "Workspace-relative path of an OBJ mesh to fit."))
	props.Set("source", tools.Prop("string", "Inline OBJ source; used when mesh_path is absent."))

	return tools.Descriptor{
		Name:        "dsl_fit_open3d",
		Version:     "0.4.0",
		Description: "Fit an axis-aligned bounding primitive to an OBJ mesh and write geometry/primitives.json.",
		InputSchema: tools.ObjectSchema(props),
		Stability:   tools.StabilityExperimental,
		Tags:        []string{"geometry"},
		Invoke:      invokeGeometryFit,
	}
}

func invokeGeometryFit(ctx context.Context, input structval.Value, ec *tools.ExecContext) (*models.ToolResult, error) {
	const solver = "dsl_fit_open3d"

	source := input.Field("source").StringValue()
	if meshPath := input.Field("mesh_path").StringValue(); meshPath != "" {
		resolved, err := fsx.ResolveWithin(ec.JobDir, meshPath)
		if err != nil {
			return models.ErrorResult(solver, models.ErrInvalidInput,
				fmt.Sprintf("mesh_path %q is not readable inside the workspace", meshPath)), nil
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return models.ErrorResult(solver, models.ErrInvalidInput,
				fmt.Sprintf("read mesh %q: %v", meshPath, err)), nil
		}
		source = string(data)
	}
	if source == "" {
		return models.ErrorResult(solver, models.ErrInvalidInput,
			"either mesh_path or source is required"), nil
	}

	vertices, err := parseOBJVertices(ctx, source)
	if err != nil {
		if ctx.Err() != nil {
			return models.ErrorResult(solver, errPrimitiveFitExpire, "primitive fit cancelled before completion"), nil
		}
		return models.ErrorResult(solver, models.ErrSolverFailed, err.Error()), nil
	}
	// A closed surface needs at least a tetrahedron's worth of vertices.
	if len(vertices) < 4 {
		return models.ErrorResult(solver, errNotWatertight,
			fmt.Sprintf("mesh has %d vertices; surface cannot be watertight", len(vertices))), nil
	}

	min, max := vertices[0], vertices[0]
	for _, v := range vertices[1:] {
		for i := 0; i < 3; i++ {
			if v[i] < min[i] {
				min[i] = v[i]
			}
			if v[i] > max[i] {
				max[i] = v[i]
			}
		}
	}

	primitive := structval.Object()
	primitive.Set("kind", structval.String("box"))
	primitive.Set("min", structval.Array(structval.Number(min[0]), structval.Number(min[1]), structval.Number(min[2])))
	primitive.Set("max", structval.Array(structval.Number(max[0]), structval.Number(max[1]), structval.Number(max[2])))
	primitive.Set("vertex_count", structval.Int(len(vertices)))

	doc := structval.Object()
	doc.Set("primitives", structval.Array(primitive))

	outDir := filepath.Join(ec.JobDir, "geometry")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create geometry dir: %w", err)
	}
	data, err := fsx.MarshalIndent(doc)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(outDir, "primitives.json"), data, 0o644); err != nil {
		return nil, fmt.Errorf("write primitives: %w", err)
	}

	res := models.NewResult(solver)
	res.Summary = fmt.Sprintf("Fitted 1 bounding primitive over %d vertices.", len(vertices))
	res.Artifacts = []models.Artifact{{Name: "geometry/primitives.json"}}
	res.Output = &doc
	res.SetMetric("vertex_count", structval.Int(len(vertices)))
	return res, nil
}

// parseOBJVertices extracts "v x y z" records, checking for cancellation
// between lines so very large meshes stay interruptible.
func parseOBJVertices(ctx context.Context, source string) ([][3]float64, error) {
	var vertices [][3]float64
	scanner := bufio.NewScanner(strings.NewReader(source))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if line%4096 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 || fields[0] != "v" {
			continue
		}
		var v [3]float64
		ok := true
		for i := 0; i < 3; i++ {
			f, err := strconv.ParseFloat(fields[i+1], 64)
			if err != nil {
				ok = false
				break
			}
			v[i] = f
		}
		if !ok {
			return nil, fmt.Errorf("malformed vertex on line %d", line)
		}
		vertices = append(vertices, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan obj: %w", err)
	}
	return vertices, nil
}
