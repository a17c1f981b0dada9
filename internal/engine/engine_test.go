package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/autosage/autosage/internal/structval"
	"github.com/autosage/autosage/internal/tools"
	"github.com/autosage/autosage/pkg/models"
)

// recordSink allocates workspaces under a temp root and records every
// lifecycle call so tests can assert ordering.
type recordSink struct {
	mu    sync.Mutex
	root  string
	next  int
	calls []string
}

func newRecordSink(t *testing.T) *recordSink {
	t.Helper()
	return &recordSink{root: t.TempDir()}
}

func (s *recordSink) Allocate(tool string, raw []byte) (Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := fmt.Sprintf("job_%04d", s.next)
	dir := filepath.Join(s.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Workspace{}, err
	}
	s.calls = append(s.calls, "allocate:"+tool)
	return Workspace{ID: id, Dir: dir, ArtifactBase: "/v1/jobs/" + id + "/artifacts"}, nil
}

func (s *recordSink) Started(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "started:"+id)
}

func (s *recordSink) Completed(id string, _ *models.ToolResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "completed:"+id)
}

func (s *recordSink) Failed(id string, _ *models.ToolResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "failed:"+id)
}

func (s *recordSink) callLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func emptySchema() structval.Value {
	return tools.ObjectSchema(structval.Object())
}

func descriptor(name string, invoke tools.Invoker) tools.Descriptor {
	return tools.Descriptor{
		Name:        name,
		Version:     "0.0.1",
		Description: "test tool " + name,
		InputSchema: emptySchema(),
		Stability:   tools.StabilityExperimental,
		Invoke:      invoke,
	}
}

func testEngine(t *testing.T, concurrency int, descs ...tools.Descriptor) *Engine {
	t.Helper()
	b := tools.NewBuilder()
	for _, d := range descs {
		if err := b.Register(d); err != nil {
			t.Fatalf("register %s: %v", d.Name, err)
		}
	}
	return New(Options{
		Registry:    b.Build(),
		Concurrency: concurrency,
		Grace:       200 * time.Millisecond,
	})
}

func okTool(name string) tools.Descriptor {
	return descriptor(name, func(ctx context.Context, input structval.Value, ec *tools.ExecContext) (*models.ToolResult, error) {
		res := models.NewResult(name)
		res.Summary = "done"
		return res, nil
	})
}

func TestUnknownTool(t *testing.T) {
	e := testEngine(t, 1, okTool("known"))
	res := e.Execute(context.Background(), Invocation{Tool: "does.not.exist", Input: structval.Object()}, newRecordSink(t))
	if res.Status != models.StatusError {
		t.Fatalf("status = %s, want error", res.Status)
	}
	if res.Solver != "does.not.exist" {
		t.Errorf("solver = %q, want does.not.exist", res.Solver)
	}
	if got := res.ErrorCode(); got != models.ErrUnknownTool {
		t.Errorf("error code = %s, want %s", got, models.ErrUnknownTool)
	}
}

func TestInvalidInput(t *testing.T) {
	props := structval.Object()
	props.Set("n", tools.Prop("integer", ""))
	d := okTool("strict")
	d.InputSchema = tools.ObjectSchema(props, "n")
	e := testEngine(t, 1, d)

	input := structval.Object()
	input.Set("n", structval.String("not a number"))
	res := e.Execute(context.Background(), Invocation{Tool: "strict", Input: input}, newRecordSink(t))
	if got := res.ErrorCode(); got != models.ErrInvalidInput {
		t.Fatalf("error code = %s, want %s", got, models.ErrInvalidInput)
	}
}

func TestSuccessNormalizesArtifacts(t *testing.T) {
	d := descriptor("writer", func(ctx context.Context, input structval.Value, ec *tools.ExecContext) (*models.ToolResult, error) {
		if err := os.WriteFile(filepath.Join(ec.JobDir, "out.json"), []byte(`{"ok":true}`), 0o644); err != nil {
			return nil, err
		}
		res := models.NewResult("writer")
		res.Summary = "wrote one artifact"
		res.Artifacts = []models.Artifact{{Name: "out.json"}}
		return res, nil
	})
	e := testEngine(t, 1, d)
	sink := newRecordSink(t)

	res := e.Execute(context.Background(), Invocation{
		Tool:      "writer",
		Input:     structval.Object(),
		RequestID: "req-42",
	}, sink)
	if res.Status != models.StatusOK {
		t.Fatalf("status = %s: %s", res.Status, res.Summary)
	}
	if len(res.Artifacts) != 1 {
		t.Fatalf("artifacts = %+v", res.Artifacts)
	}
	a := res.Artifacts[0]
	if a.Path != "/v1/jobs/job_0001/artifacts/out.json" {
		t.Errorf("path = %q", a.Path)
	}
	if a.Bytes != int64(len(`{"ok":true}`)) {
		t.Errorf("bytes = %d", a.Bytes)
	}
	if a.MimeType != "application/json" {
		t.Errorf("mime = %q", a.MimeType)
	}
	if got := res.Metrics.Field("request_id").StringValue(); got != "req-42" {
		t.Errorf("metrics.request_id = %q", got)
	}
	want := []string{"allocate:writer", "started:job_0001", "completed:job_0001"}
	if got := sink.callLog(); !equalStrings(got, want) {
		t.Errorf("sink calls = %v, want %v", got, want)
	}
}

func TestStdoutTruncation(t *testing.T) {
	d := descriptor("chatty", func(ctx context.Context, input structval.Value, ec *tools.ExecContext) (*models.ToolResult, error) {
		res := models.NewResult("chatty")
		res.Stdout = strings.Repeat("x", 10*1024)
		return res, nil
	})
	e := New(Options{
		Registry:    registryOf(t, d),
		Concurrency: 1,
		Defaults:    models.DefaultLimits().Merge(models.Limits{MaxStdoutBytes: 1024}),
	})

	res := e.Execute(context.Background(), Invocation{Tool: "chatty", Input: structval.Object()}, newRecordSink(t))
	if len(res.Stdout) > 1024 {
		t.Fatalf("stdout is %d bytes, cap 1024", len(res.Stdout))
	}
	if got := res.Metrics.Field("stdout_truncated_bytes").IntValue(); got < 9216 {
		t.Errorf("stdout_truncated_bytes = %d, want >= 9216", got)
	}
}

func TestSummaryTruncation(t *testing.T) {
	marker := "… limits: truncated"
	tests := []struct {
		name string
		cap  int
		want string
	}{
		// The marker counts against the cap.
		{"marker fits", 40, strings.Repeat("s", 40-len([]rune(marker))) + marker},
		// A cap smaller than the marker yields a bare cut.
		{"cap below marker", 10, strings.Repeat("s", 10)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := descriptor("verbose", func(ctx context.Context, input structval.Value, ec *tools.ExecContext) (*models.ToolResult, error) {
				res := models.NewResult("verbose")
				res.Summary = strings.Repeat("s", 100)
				return res, nil
			})
			e := New(Options{
				Registry:    registryOf(t, d),
				Concurrency: 1,
				Defaults:    models.DefaultLimits().Merge(models.Limits{MaxSummaryChars: tt.cap}),
			})

			res := e.Execute(context.Background(), Invocation{Tool: "verbose", Input: structval.Object()}, newRecordSink(t))
			if res.Summary != tt.want {
				t.Fatalf("summary = %q, want %q", res.Summary, tt.want)
			}
			if got := len([]rune(res.Summary)); got > tt.cap {
				t.Fatalf("summary is %d chars, cap %d", got, tt.cap)
			}
		})
	}
}

func TestOversizedArtifactRejected(t *testing.T) {
	d := descriptor("bulky", func(ctx context.Context, input structval.Value, ec *tools.ExecContext) (*models.ToolResult, error) {
		if err := os.WriteFile(filepath.Join(ec.JobDir, "big.bin"), make([]byte, 2048), 0o644); err != nil {
			return nil, err
		}
		res := models.NewResult("bulky")
		res.Artifacts = []models.Artifact{{Name: "big.bin"}}
		return res, nil
	})
	e := New(Options{
		Registry:    registryOf(t, d),
		Concurrency: 1,
		Defaults:    models.DefaultLimits().Merge(models.Limits{MaxArtifactBytes: 1024}),
	})

	res := e.Execute(context.Background(), Invocation{Tool: "bulky", Input: structval.Object()}, newRecordSink(t))
	if len(res.Artifacts) != 0 {
		t.Fatalf("artifacts = %+v, want none", res.Artifacts)
	}
	if got := res.Metrics.Field("artifact_rejected_count").IntValue(); got != 1 {
		t.Errorf("artifact_rejected_count = %d, want 1", got)
	}
}

func TestTimeout(t *testing.T) {
	d := descriptor("slow", func(ctx context.Context, input structval.Value, ec *tools.ExecContext) (*models.ToolResult, error) {
		<-ctx.Done()
		return models.NewResult("slow"), nil
	})
	e := testEngine(t, 1, d)

	res := e.Execute(context.Background(), Invocation{
		Tool:   "slow",
		Input:  structval.Object(),
		Limits: models.Limits{TimeoutMS: 50},
	}, newRecordSink(t))
	if got := res.ErrorCode(); got != models.ErrTimeout {
		t.Fatalf("error code = %s, want %s", got, models.ErrTimeout)
	}
}

func TestAdmissionRejection(t *testing.T) {
	release := make(chan struct{})
	running := make(chan struct{})
	d := descriptor("blocker", func(ctx context.Context, input structval.Value, ec *tools.ExecContext) (*models.ToolResult, error) {
		close(running)
		<-release
		return models.NewResult("blocker"), nil
	})
	e := testEngine(t, 1, d)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.Execute(context.Background(), Invocation{Tool: "blocker", Input: structval.Object()}, newRecordSink(t))
	}()
	<-running

	res := e.Execute(context.Background(), Invocation{Tool: "blocker", Input: structval.Object()}, newRecordSink(t))
	if got := res.ErrorCode(); got != models.ErrTooManyRequests {
		t.Fatalf("error code = %s, want %s", got, models.ErrTooManyRequests)
	}
	close(release)
	wg.Wait()
}

func TestPanicRecovered(t *testing.T) {
	d := descriptor("faulty", func(ctx context.Context, input structval.Value, ec *tools.ExecContext) (*models.ToolResult, error) {
		panic("index out of range")
	})
	e := testEngine(t, 1, d)

	res := e.Execute(context.Background(), Invocation{Tool: "faulty", Input: structval.Object()}, newRecordSink(t))
	if got := res.ErrorCode(); got != models.ErrRuntime {
		t.Fatalf("error code = %s, want %s", got, models.ErrRuntime)
	}
	if !strings.Contains(res.Stderr, "index out of range") {
		t.Errorf("stderr = %q, want the fault message", res.Stderr)
	}
}

func TestPresetWorkspaceSkipsAllocation(t *testing.T) {
	d := descriptor("writer", func(ctx context.Context, input structval.Value, ec *tools.ExecContext) (*models.ToolResult, error) {
		if err := os.WriteFile(filepath.Join(ec.JobDir, "note.txt"), []byte("hi"), 0o644); err != nil {
			return nil, err
		}
		res := models.NewResult("writer")
		res.Artifacts = []models.Artifact{{Name: "note.txt"}}
		return res, nil
	})
	e := testEngine(t, 1, d)
	dir := t.TempDir()

	res := e.Execute(context.Background(), Invocation{
		Tool:         "writer",
		Input:        structval.Object(),
		WorkDir:      dir,
		CallID:       "call_0001",
		ArtifactBase: "/v1/sessions/session_0001/assets",
	}, NopSink{})
	if res.Status != models.StatusOK {
		t.Fatalf("status = %s: %s", res.Status, res.Summary)
	}
	if got := res.Artifacts[0].Path; got != "/v1/sessions/session_0001/assets/note.txt" {
		t.Errorf("path = %q", got)
	}
}

func TestFailedInvocationNotifiesSink(t *testing.T) {
	d := descriptor("fails", func(ctx context.Context, input structval.Value, ec *tools.ExecContext) (*models.ToolResult, error) {
		return models.ErrorResult("fails", models.ErrSolverFailed, "no convergence"), nil
	})
	e := testEngine(t, 1, d)
	sink := newRecordSink(t)

	res := e.Execute(context.Background(), Invocation{Tool: "fails", Input: structval.Object()}, sink)
	if got := res.ErrorCode(); got != models.ErrSolverFailed {
		t.Fatalf("error code = %s", got)
	}
	want := []string{"allocate:fails", "started:job_0001", "failed:job_0001"}
	if got := sink.callLog(); !equalStrings(got, want) {
		t.Errorf("sink calls = %v, want %v", got, want)
	}
}

func registryOf(t *testing.T, descs ...tools.Descriptor) *tools.Registry {
	t.Helper()
	b := tools.NewBuilder()
	for _, d := range descs {
		if err := b.Register(d); err != nil {
			t.Fatalf("register %s: %v", d.Name, err)
		}
	}
	return b.Build()
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
