// Package builtin registers the tools AutoSage ships with: the echo
// diagnostics pair and the solver-front tools for geometry fitting,
// meshing, circuit simulation and rendering.
//
// Solver numerics live in external binaries that are out of scope here;
// each invoker validates input, enforces its domain's failure modes and
// produces real artifacts in the invocation workspace.
package builtin

import (
	"github.com/autosage/autosage/internal/tools"
)

// Config selects external solver binaries. An empty path means the tool
// runs its built-in deterministic stand-in; a configured path that does
// not exist surfaces missing_dependency at call time.
type Config struct {
	NetgenBinary  string
	NgspiceBinary string

	// DisableHeadless simulates an environment without an offscreen GL
	// context; the render tool then fails with ERR_HEADLESS_CONTEXT_FAILED.
	DisableHeadless bool
}

// Register adds every builtin tool to the builder.
func Register(b *tools.Builder, cfg Config) error {
	descriptors := []tools.Descriptor{
		echoJSONDescriptor(),
		echoSolveDescriptor(),
		geometryFitDescriptor(),
		meshDescriptor(cfg),
		spiceDescriptor(cfg),
		renderDescriptor(cfg),
	}
	for _, d := range descriptors {
		if err := b.Register(d); err != nil {
			return err
		}
	}
	return nil
}
