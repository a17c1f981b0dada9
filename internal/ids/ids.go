// Package ids generates the per-family request identifiers used across the
// HTTP surface: responses, chat completions, tool calls, jobs and sessions.
//
// Each family draws from its own monotonically increasing counter, so within
// one process the sequences never collide and suffixes never repeat.
package ids

import (
	"fmt"
	"sync/atomic"
)

// Family prefixes.
const (
	PrefixResponse       = "resp_"
	PrefixChatCompletion = "chatcmpl_"
	PrefixToolCall       = "call_"
	PrefixJob            = "job_"
	PrefixSession        = "session_"
)

// Generator hands out zero-padded monotonic IDs for each family.
// The zero value is ready to use; the first ID of every family is NNNN=0001.
type Generator struct {
	resp    atomic.Int64
	chat    atomic.Int64
	call    atomic.Int64
	job     atomic.Int64
	session atomic.Int64
}

func format(prefix string, n int64) string {
	return fmt.Sprintf("%s%04d", prefix, n)
}

// NextResponse returns the next resp_NNNN identifier.
func (g *Generator) NextResponse() string {
	return format(PrefixResponse, g.resp.Add(1))
}

// NextChatCompletion returns the next chatcmpl_NNNN identifier.
func (g *Generator) NextChatCompletion() string {
	return format(PrefixChatCompletion, g.chat.Add(1))
}

// NextToolCall returns the next call_NNNN identifier.
func (g *Generator) NextToolCall() string {
	return format(PrefixToolCall, g.call.Add(1))
}

// NextJob returns the next job_NNNN identifier.
func (g *Generator) NextJob() string {
	return format(PrefixJob, g.job.Add(1))
}

// NextSession returns the next session_NNNN identifier.
func (g *Generator) NextSession() string {
	return format(PrefixSession, g.session.Add(1))
}

// SeedJobs raises the job counter so the next job ID is at least n+1.
// Used by store hydration after scanning pre-existing job directories.
func (g *Generator) SeedJobs(n int64) {
	for {
		cur := g.job.Load()
		if cur >= n {
			return
		}
		if g.job.CompareAndSwap(cur, n) {
			return
		}
	}
}

// SeedSessions raises the session counter so the next session ID is at
// least n+1.
func (g *Generator) SeedSessions(n int64) {
	for {
		cur := g.session.Load()
		if cur >= n {
			return
		}
		if g.session.CompareAndSwap(cur, n) {
			return
		}
	}
}
