// Package jobs tracks asynchronous tool executions. Each job owns one
// directory under the run root holding request.json, summary.json,
// result.json and whatever artifacts the tool wrote; the filesystem is the
// system of record and the in-memory index is rebuilt from it on startup.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/autosage/autosage/internal/engine"
	"github.com/autosage/autosage/internal/fsx"
	"github.com/autosage/autosage/internal/ids"
	"github.com/autosage/autosage/internal/observability"
	"github.com/autosage/autosage/pkg/models"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// ErrArtifactNotFound covers missing artifacts and any path that does not
// resolve inside the job directory. Traversal attempts are indistinguishable
// from absent files on purpose.
var ErrArtifactNotFound = errors.New("artifact not found")

// JobError is the terminal error recorded on a failed job.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Record is the persisted job state, written to summary.json on every
// transition. Result lives in result.json and is attached on reads.
type Record struct {
	ID         string            `json:"id"`
	ToolName   string            `json:"tool_name"`
	Status     Status            `json:"status"`
	CreatedAt  models.Timestamp  `json:"created_at"`
	StartedAt  *models.Timestamp `json:"started_at,omitempty"`
	FinishedAt *models.Timestamp `json:"finished_at,omitempty"`
	Summary    string            `json:"summary,omitempty"`
	Error      *JobError         `json:"error,omitempty"`

	Result *models.ToolResult `json:"result,omitempty"`
}

func (r *Record) clone() Record {
	out := *r
	if r.StartedAt != nil {
		ts := *r.StartedAt
		out.StartedAt = &ts
	}
	if r.FinishedAt != nil {
		ts := *r.FinishedAt
		out.FinishedAt = &ts
	}
	return out
}

// Options configures a Store.
type Options struct {
	// Root is the run root; job directories are created below it.
	Root string

	// IDs supplies job identifiers. Hydration seeds its job counter so new
	// ids never collide with directories already on disk.
	IDs *ids.Generator

	Logger  *observability.Logger
	Metrics *observability.Metrics

	// LoadFromDisk rebuilds the index from existing job directories.
	LoadFromDisk bool
}

// Store is the job index. All transitions serialize through one mutex;
// readers get snapshots.
type Store struct {
	root    string
	gen     *ids.Generator
	log     *observability.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	jobs    map[string]*Record
	order   []string
	changed chan struct{}
}

// NewStore creates the run root if needed and optionally hydrates from it.
func NewStore(opts Options) (*Store, error) {
	if opts.Root == "" {
		return nil, errors.New("jobs: root is required")
	}
	if opts.IDs == nil {
		return nil, errors.New("jobs: id generator is required")
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewTestMetrics()
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create run root: %w", err)
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, err
	}

	s := &Store{
		root:    root,
		gen:     opts.IDs,
		log:     opts.Logger,
		metrics: opts.Metrics,
		jobs:    map[string]*Record{},
		changed: make(chan struct{}),
	}
	if opts.LoadFromDisk {
		s.hydrate()
	}
	return s, nil
}

// Root returns the absolute run root.
func (s *Store) Root() string { return s.root }

// Create allocates the next job id, creates its directory and persists the
// initial queued record. rawRequest, when non-empty, is written verbatim to
// request.json.
func (s *Store) Create(toolName string, rawRequest []byte) (Record, error) {
	id := s.gen.NextJob()
	dir := filepath.Join(s.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Record{}, fmt.Errorf("create job dir: %w", err)
	}
	if len(rawRequest) > 0 {
		if err := fsx.WriteFileAtomic(filepath.Join(dir, "request.json"), rawRequest, 0o644); err != nil {
			return Record{}, fmt.Errorf("write request: %w", err)
		}
	}

	rec := &Record{
		ID:        id,
		ToolName:  toolName,
		Status:    StatusQueued,
		CreatedAt: models.Now(),
	}
	if err := s.persist(rec); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	s.jobs[id] = rec
	s.order = append(s.order, id)
	s.notifyLocked()
	s.mu.Unlock()
	return rec.clone(), nil
}

// Start marks a queued job running. Any other starting state is a no-op.
func (s *Store) Start(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return
	}
	if rec.Status != StatusQueued {
		s.log.Warn(context.Background(), "ignoring start of non-queued job",
			"job_id", id, "status", string(rec.Status))
		return
	}
	now := models.Now()
	rec.StartedAt = &now
	rec.Status = StatusRunning
	if err := s.persist(rec); err != nil {
		s.log.Error(context.Background(), "persist job record", "job_id", id, "error", err.Error())
	}
	s.notifyLocked()
}

// Complete marks a running job succeeded and writes result.json. Completing
// a non-running job is a no-op.
func (s *Store) Complete(id string, result *models.ToolResult) {
	s.finish(id, StatusSucceeded, result, nil)
}

// Fail marks a queued or running job failed. The error code and message
// come from the result.
func (s *Store) Fail(id string, result *models.ToolResult) {
	var jerr *JobError
	if result != nil {
		jerr = &JobError{Code: result.ErrorCode(), Message: result.Summary}
	}
	s.finish(id, StatusFailed, result, jerr)
}

func (s *Store) finish(id string, status Status, result *models.ToolResult, jerr *JobError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return
	}
	switch rec.Status {
	case StatusRunning:
	case StatusQueued:
		// Jobs can fail before dispatch (validation, admission); succeeding
		// from queued would skip the running state.
		if status != StatusFailed {
			s.log.Warn(context.Background(), "ignoring completion of queued job", "job_id", id)
			return
		}
	default:
		s.log.Warn(context.Background(), "ignoring transition of terminal job",
			"job_id", id, "status", string(rec.Status))
		return
	}

	now := models.Now()
	rec.FinishedAt = &now
	rec.Status = status
	rec.Error = jerr
	if result != nil {
		rec.Result = result
		rec.Summary = result.Summary
		if err := fsx.WriteJSONAtomic(filepath.Join(s.root, id, "result.json"), result); err != nil {
			s.log.Error(context.Background(), "persist job result", "job_id", id, "error", err.Error())
		}
	}
	if err := s.persist(rec); err != nil {
		s.log.Error(context.Background(), "persist job record", "job_id", id, "error", err.Error())
	}
	s.metrics.JobsCompleted.WithLabelValues(string(status)).Inc()
	s.notifyLocked()
}

// Get returns a snapshot of the record.
func (s *Store) Get(id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return rec.clone(), nil
}

// List returns snapshots most-recent-first. limit <= 0 means no limit.
func (s *Store) List(limit, offset int) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, s.jobs[s.order[i]].clone())
	}
	if offset > 0 {
		if offset >= len(out) {
			return []Record{}
		}
		out = out[offset:]
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// WaitTerminal blocks until the job reaches a terminal state, the timeout
// elapses or ctx is cancelled. It returns the latest snapshot and whether
// the job is terminal.
func (s *Store) WaitTerminal(ctx context.Context, id string, timeout time.Duration) (Record, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		rec, ok := s.jobs[id]
		if !ok {
			s.mu.Unlock()
			return Record{}, false
		}
		if rec.Status.Terminal() {
			snap := rec.clone()
			s.mu.Unlock()
			return snap, true
		}
		snap := rec.clone()
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ch:
		case <-deadline.C:
			return snap, false
		case <-ctx.Done():
			return snap, false
		}
	}
}

// ListArtifacts enumerates regular files in the job directory, excluding
// directories and symlinks, sorted by name.
func (s *Store) ListArtifacts(id string) ([]models.Artifact, error) {
	dir, err := s.dirOf(id)
	if err != nil {
		return nil, err
	}

	var out []models.Artifact
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		out = append(out, models.Artifact{
			Name:     name,
			Path:     "/v1/jobs/" + id + "/artifacts/" + name,
			MimeType: fsx.ContentTypeFor(name),
			Bytes:    info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list artifacts for %s: %w", id, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ReadArtifact returns the artifact bytes and inferred content type. Any
// path that does not resolve to a regular file strictly inside the job
// directory yields ErrArtifactNotFound.
func (s *Store) ReadArtifact(id, name string) ([]byte, string, error) {
	dir, err := s.dirOf(id)
	if err != nil {
		return nil, "", err
	}
	real, err := fsx.ResolveWithin(dir, name)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s", ErrArtifactNotFound, name)
	}
	info, err := os.Stat(real)
	if err != nil || !info.Mode().IsRegular() {
		return nil, "", fmt.Errorf("%w: %s", ErrArtifactNotFound, name)
	}
	data, err := os.ReadFile(real)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s", ErrArtifactNotFound, name)
	}
	return data, fsx.ContentTypeFor(name), nil
}

// Prune removes terminal jobs that finished before the cutoff, deleting
// their directories. It returns how many jobs were removed.
func (s *Store) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	kept := s.order[:0]
	for _, id := range s.order {
		rec := s.jobs[id]
		if rec.Status.Terminal() && rec.FinishedAt != nil && rec.FinishedAt.Time().Before(cutoff) {
			if err := os.RemoveAll(filepath.Join(s.root, id)); err != nil {
				s.log.Error(context.Background(), "remove pruned job dir", "job_id", id, "error", err.Error())
				kept = append(kept, id)
				continue
			}
			delete(s.jobs, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return removed
}

// Allocate implements engine.Sink by creating a fresh job.
func (s *Store) Allocate(tool string, rawRequest []byte) (engine.Workspace, error) {
	rec, err := s.Create(tool, rawRequest)
	if err != nil {
		return engine.Workspace{}, err
	}
	return s.Workspace(rec.ID), nil
}

// Started implements engine.Sink.
func (s *Store) Started(id string) { s.Start(id) }

// Completed implements engine.Sink.
func (s *Store) Completed(id string, result *models.ToolResult) { s.Complete(id, result) }

// Failed implements engine.Sink.
func (s *Store) Failed(id string, result *models.ToolResult) { s.Fail(id, result) }

// Workspace returns the engine workspace for an existing job.
func (s *Store) Workspace(id string) engine.Workspace {
	return engine.Workspace{
		ID:           id,
		Dir:          filepath.Join(s.root, id),
		ArtifactBase: "/v1/jobs/" + id + "/artifacts",
	}
}

func (s *Store) dirOf(id string) (string, error) {
	s.mu.Lock()
	_, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return filepath.Join(s.root, id), nil
}

// persist writes summary.json for the record. Result is stripped; it lives
// in result.json.
func (s *Store) persist(rec *Record) error {
	onDisk := rec.clone()
	onDisk.Result = nil
	path := filepath.Join(s.root, rec.ID, "summary.json")
	if err := fsx.WriteJSONAtomic(path, onDisk); err != nil {
		return fmt.Errorf("persist %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// hydrate rebuilds the index from job_*/summary.json files and seeds the id
// counter past the highest existing suffix. Corrupt directories are skipped
// with a warning.
func (s *Store) hydrate() {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		s.log.Warn(context.Background(), "hydrate: read run root", "error", err.Error())
		return
	}

	var maxSeen int64
	var loaded []string
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), ids.PrefixJob) {
			continue
		}
		id := entry.Name()
		if n, err := strconv.ParseInt(strings.TrimPrefix(id, ids.PrefixJob), 10, 64); err == nil && n > maxSeen {
			maxSeen = n
		}

		data, err := os.ReadFile(filepath.Join(s.root, id, "summary.json"))
		if err != nil {
			s.log.Warn(context.Background(), "hydrate: skipping job without summary", "job_id", id)
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil || rec.ID != id {
			s.log.Warn(context.Background(), "hydrate: skipping corrupt job record", "job_id", id)
			continue
		}
		if resData, err := os.ReadFile(filepath.Join(s.root, id, "result.json")); err == nil {
			var result models.ToolResult
			if err := json.Unmarshal(resData, &result); err == nil {
				rec.Result = &result
			}
		}
		s.jobs[id] = &rec
		loaded = append(loaded, id)
	}

	sort.Strings(loaded)
	s.order = loaded
	s.gen.SeedJobs(maxSeen)
	if len(loaded) > 0 {
		s.log.Info(context.Background(), "hydrated job store",
			"jobs", len(loaded), "next_suffix", maxSeen+1)
	}
}
