// Package models holds the wire-level types shared by the execution engine,
// the job store, the session manifold and the HTTP adapters.
package models

import (
	"fmt"
	"time"

	"github.com/autosage/autosage/internal/structval"
)

// Result status values. Tool-level failures are in-band: every invocation
// produces a ToolResult, never an error crossing the HTTP boundary.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Stable error identifiers surfaced in metrics.error_code and error.code.
const (
	ErrInvalidRequest  = "invalid_request"
	ErrInvalidInput    = "invalid_input"
	ErrUnknownTool     = "unknown_tool"
	ErrMissingDep      = "missing_dependency"
	ErrTimeout         = "timeout"
	ErrTooManyRequests = "too_many_requests"
	ErrPayloadTooLarge = "payload_too_large"
	ErrSolverFailed    = "solver_failed"
	ErrRuntime         = "runtime"
)

// timestampLayout is RFC 3339 UTC with millisecond precision, the format
// used by every persisted manifest and job summary.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// Timestamp is a time.Time that marshals as RFC 3339 UTC with millisecond
// precision.
type Timestamp time.Time

// Now returns the current time truncated to millisecond precision.
func Now() Timestamp {
	return Timestamp(time.Now().UTC().Truncate(time.Millisecond))
}

// Time returns the underlying time.Time.
func (t Timestamp) Time() time.Time { return time.Time(t) }

// IsZero reports whether the timestamp is unset.
func (t Timestamp) IsZero() bool { return time.Time(t).IsZero() }

// String formats the timestamp in the persisted layout.
func (t Timestamp) String() string {
	return time.Time(t).UTC().Format(timestampLayout)
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler. RFC 3339 values with other
// precisions are accepted for compatibility.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("models: invalid timestamp %s", s)
	}
	s = s[1 : len(s)-1]
	parsed, err := time.Parse(timestampLayout, s)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("models: invalid timestamp %q", s)
		}
	}
	*t = Timestamp(parsed.UTC())
	return nil
}

// Artifact describes a file produced by a tool invocation. Path is the URL
// under which the artifact can be fetched; Bytes is the file size at the
// time the result was produced.
type Artifact struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	MimeType string `json:"mime_type"`
	Bytes    int64  `json:"bytes"`
}

// ToolResult is the canonical in-band result of any tool invocation,
// successful or not.
type ToolResult struct {
	Status    string           `json:"status"`
	Solver    string           `json:"solver"`
	Summary   string           `json:"summary"`
	Stdout    string           `json:"stdout"`
	Stderr    string           `json:"stderr"`
	ExitCode  int              `json:"exit_code"`
	Artifacts []Artifact       `json:"artifacts"`
	Metrics   structval.Value  `json:"metrics"`
	Output    *structval.Value `json:"output"`
}

// NewResult returns an ok result skeleton for the named solver with an
// empty metrics object.
func NewResult(solver string) *ToolResult {
	return &ToolResult{
		Status:    StatusOK,
		Solver:    solver,
		Artifacts: []Artifact{},
		Metrics:   structval.Object(),
	}
}

// ErrorResult returns an error result carrying the given stable error code.
func ErrorResult(solver, code, message string) *ToolResult {
	res := NewResult(solver)
	res.Status = StatusError
	res.ExitCode = 1
	res.Summary = message
	res.Stderr = message
	res.SetMetric("error_code", structval.String(code))
	return res
}

// SetMetric stores a metric value, initializing the metrics object if the
// result was built by hand.
func (r *ToolResult) SetMetric(key string, v structval.Value) {
	if r.Metrics.Kind() != structval.KindObject {
		r.Metrics = structval.Object()
	}
	r.Metrics.Set(key, v)
}

// ErrorCode returns metrics.error_code, or "" for ok results.
func (r *ToolResult) ErrorCode() string {
	return r.Metrics.Field("error_code").StringValue()
}

// Limits bound a single tool invocation. Zero fields inherit the engine
// defaults.
type Limits struct {
	TimeoutMS        int   `json:"timeout_ms,omitempty"`
	MaxStdoutBytes   int   `json:"max_stdout_bytes,omitempty"`
	MaxStderrBytes   int   `json:"max_stderr_bytes,omitempty"`
	MaxArtifactBytes int64 `json:"max_artifact_bytes,omitempty"`
	MaxArtifacts     int   `json:"max_artifacts,omitempty"`
	MaxSummaryChars  int   `json:"max_summary_characters,omitempty"`
}

// DefaultLimits returns the engine-wide defaults.
func DefaultLimits() Limits {
	return Limits{
		TimeoutMS:        120_000,
		MaxStdoutBytes:   64 * 1024,
		MaxStderrBytes:   64 * 1024,
		MaxArtifactBytes: 64 * 1024 * 1024,
		MaxArtifacts:     64,
		MaxSummaryChars:  2000,
	}
}

// Merge overlays non-zero fields of o onto l and returns the merged limits.
func (l Limits) Merge(o Limits) Limits {
	if o.TimeoutMS > 0 {
		l.TimeoutMS = o.TimeoutMS
	}
	if o.MaxStdoutBytes > 0 {
		l.MaxStdoutBytes = o.MaxStdoutBytes
	}
	if o.MaxStderrBytes > 0 {
		l.MaxStderrBytes = o.MaxStderrBytes
	}
	if o.MaxArtifactBytes > 0 {
		l.MaxArtifactBytes = o.MaxArtifactBytes
	}
	if o.MaxArtifacts > 0 {
		l.MaxArtifacts = o.MaxArtifacts
	}
	if o.MaxSummaryChars > 0 {
		l.MaxSummaryChars = o.MaxSummaryChars
	}
	return l
}

// Timeout returns the wall-clock cap as a duration.
func (l Limits) Timeout() time.Duration {
	return time.Duration(l.TimeoutMS) * time.Millisecond
}
