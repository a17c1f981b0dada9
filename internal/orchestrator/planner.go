package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/autosage/autosage/internal/session"
	"github.com/autosage/autosage/internal/structval"
)

// HeuristicPlanner is the default plan source: it keys pipeline steps off
// keywords in the prompt. "analyze" runs the fit-then-render pipeline,
// "fit", "mesh" and "render" select their single steps; anything else is
// acknowledged without tool calls.
type HeuristicPlanner struct{}

// Plan implements PlanSource.
func (HeuristicPlanner) Plan(_ context.Context, manifest session.Manifest, prompt string) (Plan, error) {
	lower := strings.ToLower(prompt)
	analyze := strings.Contains(lower, "analyze") || strings.Contains(lower, "analyse")

	var input string
	for _, a := range manifest.Assets {
		if strings.HasPrefix(a, "input/") {
			input = a
			break
		}
	}

	var steps []PlannedCall
	if (analyze || strings.Contains(lower, "fit")) && input != "" {
		fitInput := structval.Object()
		fitInput.Set("mesh_path", structval.String(input))
		steps = append(steps, PlannedCall{
			Tool:   "dsl_fit_open3d",
			Stage:  "geometry_fit",
			Input:  fitInput,
			Assets: []string{"geometry/primitives.json"},
		})
	}
	if strings.Contains(lower, "mesh") {
		steps = append(steps, PlannedCall{
			Tool:   "mesh_netgen",
			Stage:  "mesh",
			Input:  structval.Object(),
			Assets: []string{"mesh/part.vtk"},
		})
	}
	if analyze || strings.Contains(lower, "render") {
		steps = append(steps, PlannedCall{
			Tool:   "render_pack_vtk",
			Stage:  "render",
			Input:  structval.Object(),
			Assets: []string{"render/isometric_color.png"},
		})
	}

	if len(steps) == 0 {
		return Plan{Ack: "Nothing to run for that prompt. Ask me to analyze, fit, mesh or render the uploaded part."}, nil
	}
	return Plan{Ack: fmt.Sprintf("Running %d solver step(s).", len(steps)), Steps: steps}, nil
}
