package session

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/autosage/autosage/internal/ids"
	"github.com/autosage/autosage/internal/structval"
)

func newManifold(t *testing.T, root string) *Manifold {
	t.Helper()
	m, err := NewManifold(Options{Root: root, IDs: &ids.Generator{}})
	if err != nil {
		t.Fatalf("NewManifold: %v", err)
	}
	return m
}

func TestSanitizeFilename(t *testing.T) {
	cases := []struct {
		in   string
		want string
		err  bool
	}{
		{in: "cube.obj", want: "cube.obj"},
		{in: "my model (v2).step", want: "mymodelv2.step"},
		{in: "../../etc/passwd", want: "passwd"},
		{in: "weird---name...obj", want: "weird-name.obj"},
		{in: "///", err: true},
		{in: "...", err: true},
		{in: "", err: true},
	}
	for _, tc := range cases {
		got, err := SanitizeFilename(tc.in)
		if tc.err {
			if err == nil {
				t.Errorf("SanitizeFilename(%q) = %q, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("SanitizeFilename(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCreateFromUpload(t *testing.T) {
	m := newManifold(t, t.TempDir())

	manifest, err := m.CreateFromUpload("cube.obj", []byte("v 0 0 0\n"))
	if err != nil {
		t.Fatalf("CreateFromUpload: %v", err)
	}
	if manifest.SessionID != "session_0001" {
		t.Fatalf("session_id = %q", manifest.SessionID)
	}
	if manifest.Status != StatusIdle || manifest.Stage != "created" {
		t.Errorf("status=%q stage=%q", manifest.Status, manifest.Stage)
	}
	if len(manifest.Assets) != 1 || manifest.Assets[0] != "input/cube.obj" {
		t.Errorf("assets = %v", manifest.Assets)
	}

	for _, sub := range []string{"input", "geometry", "mesh", "solve", "render", "logs"} {
		info, err := os.Stat(filepath.Join(m.Dir(manifest.SessionID), sub))
		if err != nil || !info.IsDir() {
			t.Errorf("subdir %s missing: %v", sub, err)
		}
	}
	data, err := os.ReadFile(filepath.Join(m.Dir(manifest.SessionID), "input", "cube.obj"))
	if err != nil || string(data) != "v 0 0 0\n" {
		t.Errorf("upload content = %q, err %v", data, err)
	}
}

func TestGetIsReadFromDisk(t *testing.T) {
	m := newManifold(t, t.TempDir())
	created, err := m.CreateFromUpload("part.step", []byte("ISO-10303"))
	if err != nil {
		t.Fatal(err)
	}

	got, err := m.Get(created.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SessionID != created.SessionID || got.Stage != "created" {
		t.Errorf("got %+v", got)
	}

	if _, err := m.Get("session_9999"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown session err = %v", err)
	}
}

func TestAppendUserPrompt(t *testing.T) {
	m := newManifold(t, t.TempDir())
	created, _ := m.CreateFromUpload("cube.obj", []byte("v"))

	got, err := m.AppendUserPrompt(created.SessionID, "Analyze this part")
	if err != nil {
		t.Fatalf("AppendUserPrompt: %v", err)
	}
	if len(got.Messages) != 1 {
		t.Fatalf("messages = %+v", got.Messages)
	}
	msg := got.Messages[0]
	if msg.Role != RoleUser || msg.Content != "Analyze this part" || msg.CreatedAt.IsZero() {
		t.Errorf("message = %+v", msg)
	}
}

func TestApplyTransition(t *testing.T) {
	m := newManifold(t, t.TempDir())
	created, _ := m.CreateFromUpload("cube.obj", []byte("v"))
	id := created.SessionID

	got, err := m.ApplyTransition(id, Transition{
		Status:      StatusProcessing,
		Stage:       "geometry_fit",
		PlannedTool: "dsl_fit_open3d",
	})
	if err != nil {
		t.Fatalf("ApplyTransition: %v", err)
	}
	if got.Status != StatusProcessing || got.Stage != "geometry_fit" || got.PlannedTool != "dsl_fit_open3d" {
		t.Fatalf("got %+v", got)
	}

	got, err = m.ApplyTransition(id, Transition{
		Status:           StatusProcessing,
		Stage:            "geometry_fit",
		AssistantMessage: "Executed dsl_fit_open3d.",
		AppendAssets:     []string{"geometry/primitives.json", "input/cube.obj", "geometry/primitives.json"},
	})
	if err != nil {
		t.Fatalf("ApplyTransition: %v", err)
	}
	if got.PlannedTool != "" {
		t.Errorf("planned_tool not cleared: %q", got.PlannedTool)
	}
	wantAssets := []string{"input/cube.obj", "geometry/primitives.json"}
	if len(got.Assets) != len(wantAssets) {
		t.Fatalf("assets = %v, want %v", got.Assets, wantAssets)
	}
	for i := range wantAssets {
		if got.Assets[i] != wantAssets[i] {
			t.Fatalf("assets = %v, want %v", got.Assets, wantAssets)
		}
	}
	if got.Messages[len(got.Messages)-1].Role != RoleAssistant {
		t.Errorf("last message = %+v", got.Messages[len(got.Messages)-1])
	}

	got, err = m.ApplyTransition(id, Transition{
		Status:   StatusError,
		Stage:    "geometry_fit",
		Metadata: map[string]structval.Value{"cancel_reason": structval.String("client_closed")},
	})
	if err != nil {
		t.Fatalf("ApplyTransition: %v", err)
	}
	if got.Metadata.Field("cancel_reason").StringValue() != "client_closed" {
		t.Errorf("metadata = %+v", got.Metadata)
	}
}

func TestReadAssetTraversal(t *testing.T) {
	m := newManifold(t, t.TempDir())
	created, _ := m.CreateFromUpload("cube.obj", []byte("v 0 0 0\n"))
	id := created.SessionID

	data, mime, err := m.ReadAsset(id, "input/cube.obj")
	if err != nil {
		t.Fatalf("ReadAsset: %v", err)
	}
	if string(data) != "v 0 0 0\n" || mime != "application/octet-stream" {
		t.Errorf("data=%q mime=%q", data, mime)
	}

	for _, rel := range []string{"../manifest.json", "../../secret", "..", "input/../../x"} {
		if _, _, err := m.ReadAsset(id, rel); !errors.Is(err, ErrAssetNotFound) {
			t.Errorf("ReadAsset(%q) err = %v, want ErrAssetNotFound", rel, err)
		}
	}
	// manifest.json itself resolves inside the workspace; serving it is fine.
	if _, _, err := m.ReadAsset(id, "manifest.json"); err != nil {
		t.Errorf("ReadAsset(manifest.json): %v", err)
	}
}

func TestCounterSeededFromDisk(t *testing.T) {
	root := t.TempDir()
	m := newManifold(t, root)
	if _, err := m.CreateFromUpload("a.obj", []byte("v")); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateFromUpload("b.obj", []byte("v")); err != nil {
		t.Fatal(err)
	}

	m2 := newManifold(t, root)
	manifest, err := m2.CreateFromUpload("c.obj", []byte("v"))
	if err != nil {
		t.Fatal(err)
	}
	if manifest.SessionID != "session_0003" {
		t.Fatalf("session_id = %q, want session_0003", manifest.SessionID)
	}
}
