package builtin

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/autosage/autosage/internal/fsx"
	"github.com/autosage/autosage/internal/structval"
	"github.com/autosage/autosage/internal/tools"
	"github.com/autosage/autosage/pkg/models"
)

func echoJSONDescriptor() tools.Descriptor {
	props := structval.Object()
	props.Set("message", tools.Prop("string", "Message to echo back."))
	props.Set("n", tools.Prop("integer", "How many times to repeat the message (default 1)."))

	exampleInput := structval.Object()
	exampleInput.Set("message", structval.String("hello"))
	exampleInput.Set("n", structval.Int(2))

	return tools.Descriptor{
		Name:        "echo_json",
		Version:     "1.0.0",
		Description: "Echo a message back as structured output. Used for connectivity and determinism checks.",
		InputSchema: tools.ObjectSchema(props, "message"),
		Stability:   tools.StabilityStable,
		Tags:        []string{"diagnostics"},
		Examples: []tools.Example{{
			Title: "repeat twice",
			Input: exampleInput,
			Notes: "Returns the message and a repeat array of length n.",
		}},
		Invoke: invokeEchoJSON,
	}
}

func invokeEchoJSON(ctx context.Context, input structval.Value, ec *tools.ExecContext) (*models.ToolResult, error) {
	message := input.Field("message").StringValue()
	n := 1
	if v, ok := input.Get("n"); ok && !v.IsNull() {
		n = v.IntValue()
	}
	if n < 0 {
		n = 0
	}

	repeat := structval.Array()
	var stdout strings.Builder
	for i := 0; i < n; i++ {
		repeat.Append(structval.String(message))
		stdout.WriteString(message)
		stdout.WriteByte('\n')
	}

	output := structval.Object()
	output.Set("message", structval.String(message))
	output.Set("repeat", repeat)

	res := models.NewResult("echo_json")
	res.Summary = fmt.Sprintf("Echoed message %d time(s).", n)
	res.Stdout = stdout.String()
	res.Output = &output
	return res, nil
}

func echoSolveDescriptor() tools.Descriptor {
	props := structval.Object()
	props.Set("alpha", tools.Prop("number", "Relaxation factor in (0, 1); default 0.01."))

	exampleInput := structval.Object()
	exampleInput.Set("alpha", structval.Number(0.01))

	return tools.Descriptor{
		Name:        "echo.solve",
		Version:     "1.0.0",
		Description: "Run a deterministic relaxation loop and persist the residual history as an artifact. A fast stand-in for long-running solvers.",
		InputSchema: tools.ObjectSchema(props),
		Stability:   tools.StabilityStable,
		Tags:        []string{"diagnostics", "solver"},
		Examples: []tools.Example{{
			Title: "default relaxation",
			Input: exampleInput,
		}},
		Invoke: invokeEchoSolve,
	}
}

func invokeEchoSolve(ctx context.Context, input structval.Value, ec *tools.ExecContext) (*models.ToolResult, error) {
	alpha := 0.01
	if v, ok := input.Get("alpha"); ok && !v.IsNull() {
		alpha = v.Float()
	}
	if alpha <= 0 || alpha >= 1 {
		return models.ErrorResult("echo.solve", models.ErrInvalidInput,
			fmt.Sprintf("alpha must be in (0, 1), got %g", alpha)), nil
	}

	const iterations = 32
	residual := 1.0
	history := structval.Array()
	for i := 0; i < iterations; i++ {
		select {
		case <-ctx.Done():
			return models.ErrorResult("echo.solve", models.ErrTimeout, "solve cancelled"), nil
		default:
		}
		residual *= 1 - alpha
		history.Append(structval.Number(residual))
	}

	solution := structval.Object()
	solution.Set("alpha", structval.Number(alpha))
	solution.Set("iterations", structval.Int(iterations))
	solution.Set("final_residual", structval.Number(residual))
	solution.Set("residuals", history)

	artifactPath := filepath.Join(ec.JobDir, "solution.json")
	data, err := fsx.MarshalIndent(solution)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(artifactPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("write solution: %w", err)
	}

	res := models.NewResult("echo.solve")
	res.Summary = fmt.Sprintf("Converged to residual %.3e after %d iterations.", residual, iterations)
	res.Stdout = fmt.Sprintf("alpha=%g iterations=%d residual=%g\n", alpha, iterations, residual)
	res.Artifacts = []models.Artifact{{Name: "solution.json"}}
	res.Output = &solution
	res.SetMetric("iterations", structval.Int(iterations))
	res.SetMetric("final_residual", structval.Number(residual))
	if math.IsNaN(residual) || math.IsInf(residual, 0) {
		return models.ErrorResult("echo.solve", models.ErrSolverFailed, "residual diverged"), nil
	}
	return res, nil
}
