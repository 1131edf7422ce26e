// Package agentcli implements the agent-CLI gateway: a process-wide
// FIFO around invocations of the local agent CLI,
// the sandbox-lifecycle cache with conflict recovery, prompt assembly
// from a template file, session-file persistence, and the
// empty-response retry wrapper used by the DM and scheduler handlers.
package agentcli

import (
	"context"
	"regexp"
	"time"
)

// Source tags who is asking the agent to run, which feeds the prompt's
// {{source}} token and the progress-hint gating rule.
type Source string

const (
	SourceDM        Source = "dm"
	SourceScheduler Source = "scheduler"
	SourceManual    Source = "manual"
)

// SessionTarget names which session file a call reads and writes.
// "main" is shared across sources; "isolated" is one file per schedule
// name, so recurring tasks keep independent conversation context.
type SessionTarget struct {
	Isolated bool
	Name     string // schedule name, only meaningful when Isolated
}

// MainSession is the shared session target used by DM and manual sends.
var MainSession = SessionTarget{}

// IsolatedSession returns the per-schedule session target for name.
func IsolatedSession(name string) SessionTarget {
	return SessionTarget{Isolated: true, Name: name}
}

var sanitizeRe = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// sanitizedFilename replaces every character outside [A-Za-z0-9_-] with
// an underscore. Two schedule names that collapse to the same
// sanitized form share a session file; catching that is a
// settings-validation concern, not this package's.
func sanitizedFilename(name string) string {
	return sanitizeRe.ReplaceAllString(name, "_")
}

// Attachment is a file the user sent alongside their message.
type Attachment struct {
	Name string
	Path string
}

// Options carries the per-call parameters to SendToAgent.
type Options struct {
	BypassMode    bool
	Attachments   []Attachment
	Source        Source
	AuthorID      string
	SessionTarget SessionTarget
}

// Result is what SendToAgent returns on success.
type Result struct {
	Response  string
	SessionID string
}

// Config is the subset of daemon settings the gateway needs.
type Config struct {
	EnableSandbox    bool
	SandboxBinary    string // defaults to "sandbox"
	AgentBinary      string // defaults to "claude"
	ClaudeTimeout    time.Duration
	Env              map[string]string
	DataDir          string // root of persisted state; session files and sandbox id file live under here
	PromptTemplate   string // path to the per-message prompt template (substituted, becomes the positional prompt)
	SystemPromptFile string // path passed verbatim to --append-system-prompt-file
	ProjectWorkspace string // workspace directory passed to sandbox creation
}

func (c Config) sandboxBinary() string {
	if c.SandboxBinary != "" {
		return c.SandboxBinary
	}
	return "sandbox"
}

func (c Config) agentBinary() string {
	if c.AgentBinary != "" {
		return c.AgentBinary
	}
	return "claude"
}

// authErrorSubstrings is the set C2 exposes via IsAuthError, used by
// the DM handler to route to the auth-recovery outbound.
var authErrorSubstrings = []string{
	"Expected token to be set for this request, but none was present",
	"Not logged in",
	"Please run /login",
}

// sandboxGoneSubstrings identifies a container that has disappeared out
// from under the cached sandbox id.
var sandboxGoneSubstrings = []string{
	"No such container",
	"is not running",
}

const sessionNotFoundSubstring = "No conversation found with session ID"

const conflictSubstring = "credentials conflict for this workspace"

// EmptyResponseError describes a blank or whitespace-only runner
// response. It is exported; SendWithEmptyRetry neither produces nor
// returns it, and reports an empty response as an empty string instead.
type EmptyResponseError struct{}

func (EmptyResponseError) Error() string { return "agent returned an empty response" }

// AgentRunner abstracts the process that actually executes the agent
// CLI, whether directly on the host or inside a sandbox.
type AgentRunner interface {
	Run(ctx context.Context, argv []string, env []string) (stdout, stderr []byte, err error)
}
