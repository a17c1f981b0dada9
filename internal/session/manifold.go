// Package session owns per-session filesystem workspaces and their
// persisted manifests. The manifest on disk is authoritative; every
// mutation goes through an atomic rewrite under a per-session lock, so a
// reader always sees a complete document.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/autosage/autosage/internal/fsx"
	"github.com/autosage/autosage/internal/ids"
	"github.com/autosage/autosage/internal/observability"
	"github.com/autosage/autosage/internal/structval"
	"github.com/autosage/autosage/pkg/models"
)

// Session status values.
const (
	StatusIdle       = "idle"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// workspaceSubdirs are created for every session; tools write their
// artifacts into the subdirectory matching their pipeline stage.
var workspaceSubdirs = []string{"input", "geometry", "mesh", "solve", "render", "logs"}

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// ErrAssetNotFound covers missing assets and paths escaping the workspace;
// both look identical to callers so traversal probes learn nothing.
var ErrAssetNotFound = errors.New("asset not found")

// ErrInvalidFilename is returned when an uploaded filename sanitizes to
// nothing.
var ErrInvalidFilename = errors.New("invalid filename")

// Message is one entry in a session's conversation history.
type Message struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	CreatedAt models.Timestamp `json:"created_at"`
}

// Manifest is the persisted authoritative state of a session.
type Manifest struct {
	SessionID   string           `json:"session_id"`
	Status      string           `json:"status"`
	Stage       string           `json:"stage"`
	PlannedTool string           `json:"planned_tool,omitempty"`
	Messages    []Message        `json:"messages"`
	Assets      []string         `json:"assets"`
	Metadata    structval.Value  `json:"metadata"`
	CreatedAt   models.Timestamp `json:"created_at"`
	UpdatedAt   models.Timestamp `json:"updated_at"`
}

// Transition describes one atomic manifest mutation. Status and Stage are
// always applied; PlannedTool is always assigned, so an empty value clears
// it. Metadata keys are merged over the existing object.
type Transition struct {
	Status           string
	Stage            string
	PlannedTool      string
	AssistantMessage string
	AppendAssets     []string
	Metadata         map[string]structval.Value
}

// Options configures a Manifold.
type Options struct {
	// Root is the directory under which session workspaces live.
	Root string

	// IDs supplies session identifiers; the counter is seeded past any
	// directories already on disk.
	IDs *ids.Generator

	Logger *observability.Logger
}

// Manifold creates and mutates session workspaces.
type Manifold struct {
	root string
	gen  *ids.Generator
	log  *observability.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManifold creates the session root if needed and seeds the id counter
// from existing session directories.
func NewManifold(opts Options) (*Manifold, error) {
	if opts.Root == "" {
		return nil, errors.New("session: root is required")
	}
	if opts.IDs == nil {
		return nil, errors.New("session: id generator is required")
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create session root: %w", err)
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, err
	}

	m := &Manifold{
		root:  root,
		gen:   opts.IDs,
		log:   opts.Logger,
		locks: map[string]*sync.Mutex{},
	}
	m.seedCounter()
	return m, nil
}

// Root returns the absolute session root.
func (m *Manifold) Root() string { return m.root }

// Dir returns the workspace directory for a session id.
func (m *Manifold) Dir(id string) string { return filepath.Join(m.root, id) }

// SanitizeFilename keeps only [A-Za-z0-9._-] from the final path element,
// collapsing runs of separators. An empty outcome is rejected.
func SanitizeFilename(name string) (string, error) {
	base := filepath.Base(filepath.FromSlash(name))
	var b strings.Builder
	inRun := false
	for _, r := range base {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			inRun = false
		case r == '.' || r == '_' || r == '-':
			if !inRun {
				b.WriteRune(r)
				inRun = true
			}
		}
	}
	out := strings.Trim(b.String(), "._-")
	if out == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	return out, nil
}

// CreateFromUpload allocates a session, creates its workspace tree, writes
// the upload under input/ and persists the initial manifest.
func (m *Manifold) CreateFromUpload(filename string, data []byte) (Manifest, error) {
	safe, err := SanitizeFilename(filename)
	if err != nil {
		return Manifest{}, err
	}

	id := m.gen.NextSession()
	dir := m.Dir(id)
	for _, sub := range workspaceSubdirs {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return Manifest{}, fmt.Errorf("create workspace: %w", err)
		}
	}
	uploadRel := "input/" + safe
	if err := fsx.WriteFileAtomic(filepath.Join(dir, "input", safe), data, 0o644); err != nil {
		return Manifest{}, fmt.Errorf("write upload: %w", err)
	}

	now := models.Now()
	manifest := Manifest{
		SessionID: id,
		Status:    StatusIdle,
		Stage:     "created",
		Messages:  []Message{},
		Assets:    []string{uploadRel},
		Metadata:  structval.Object(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.persist(&manifest); err != nil {
		return Manifest{}, err
	}
	m.log.Info(context.Background(), "session created",
		"session_id", id, "upload", uploadRel, "bytes", len(data))
	return manifest, nil
}

// Get reads the manifest from disk and returns a snapshot.
func (m *Manifold) Get(id string) (Manifest, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return m.load(id)
}

// AppendUserPrompt appends a user message with a fresh timestamp.
func (m *Manifold) AppendUserPrompt(id, prompt string) (Manifest, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	manifest, err := m.load(id)
	if err != nil {
		return Manifest{}, err
	}
	now := models.Now()
	manifest.Messages = append(manifest.Messages, Message{
		Role:      RoleUser,
		Content:   prompt,
		CreatedAt: now,
	})
	manifest.UpdatedAt = now
	if err := m.persist(&manifest); err != nil {
		return Manifest{}, err
	}
	return manifest, nil
}

// ApplyTransition atomically merges the transition into the manifest and
// returns the new snapshot. Appended assets are deduplicated preserving
// first-insertion order.
func (m *Manifold) ApplyTransition(id string, tr Transition) (Manifest, error) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	manifest, err := m.load(id)
	if err != nil {
		return Manifest{}, err
	}

	now := models.Now()
	manifest.Status = tr.Status
	manifest.Stage = tr.Stage
	manifest.PlannedTool = tr.PlannedTool
	if tr.AssistantMessage != "" {
		manifest.Messages = append(manifest.Messages, Message{
			Role:      RoleAssistant,
			Content:   tr.AssistantMessage,
			CreatedAt: now,
		})
	}
	if len(tr.AppendAssets) > 0 {
		seen := make(map[string]bool, len(manifest.Assets))
		for _, a := range manifest.Assets {
			seen[a] = true
		}
		for _, a := range tr.AppendAssets {
			if a == "" || seen[a] {
				continue
			}
			seen[a] = true
			manifest.Assets = append(manifest.Assets, a)
		}
	}
	if len(tr.Metadata) > 0 {
		if manifest.Metadata.Kind() != structval.KindObject {
			manifest.Metadata = structval.Object()
		}
		for k, v := range tr.Metadata {
			manifest.Metadata.Set(k, v)
		}
	}
	manifest.UpdatedAt = now

	if err := m.persist(&manifest); err != nil {
		return Manifest{}, err
	}
	return manifest, nil
}

// ReadAsset resolves a workspace-relative path, defending against
// traversal, and returns the bytes with an inferred content type.
func (m *Manifold) ReadAsset(id, rel string) ([]byte, string, error) {
	dir := m.Dir(id)
	if _, err := os.Stat(filepath.Join(dir, "manifest.json")); err != nil {
		return nil, "", fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	real, err := fsx.ResolveWithin(dir, rel)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s", ErrAssetNotFound, rel)
	}
	info, err := os.Stat(real)
	if err != nil || !info.Mode().IsRegular() {
		return nil, "", fmt.Errorf("%w: %s", ErrAssetNotFound, rel)
	}
	data, err := os.ReadFile(real)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s", ErrAssetNotFound, rel)
	}
	return data, fsx.ContentTypeFor(rel), nil
}

func (m *Manifold) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock
}

func (m *Manifold) load(id string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(m.Dir(id), "manifest.json"))
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest for %s: %w", id, err)
	}
	return manifest, nil
}

func (m *Manifold) persist(manifest *Manifest) error {
	path := filepath.Join(m.Dir(manifest.SessionID), "manifest.json")
	if err := fsx.WriteJSONAtomic(path, manifest); err != nil {
		return fmt.Errorf("persist manifest %s: %w", manifest.SessionID, err)
	}
	return nil
}

// seedCounter scans existing session directories so new ids continue past
// them after a restart.
func (m *Manifold) seedCounter() {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return
	}
	var maxSeen int64
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), ids.PrefixSession) {
			continue
		}
		if n, err := strconv.ParseInt(strings.TrimPrefix(entry.Name(), ids.PrefixSession), 10, 64); err == nil && n > maxSeen {
			maxSeen = n
		}
	}
	m.gen.SeedSessions(maxSeen)
}
