package agentcli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loopwire-labs/loopwire/internal/events"
)

// Gateway is the agent-CLI invocation subsystem: C2. One Gateway per
// process; all calls serialize through its FIFO because the agent CLI
// is stateful through its session file and the sandbox is a shared
// mutable resource.
type Gateway struct {
	cfg       Config
	fifo      chan struct{} // capacity 1; acquired for the duration of one call
	sandbox   *sandboxCell
	sandboxes SandboxRunner
	runner    AgentRunner
}

// New builds a Gateway from cfg. When cfg.EnableSandbox is false the
// agent CLI runs directly on the host instead of through a sandbox.
func New(cfg Config) *Gateway {
	g := &Gateway{
		cfg:       cfg,
		fifo:      make(chan struct{}, 1),
		sandbox:   newSandboxCell(cfg.DataDir + "/sandbox_id.txt"),
		sandboxes: newExecSandboxRunner(cfg.sandboxBinary()),
	}
	if cfg.EnableSandbox {
		g.runner = &sandboxAgentRunner{gateway: g}
	} else {
		g.runner = &hostAgentRunner{binary: cfg.agentBinary()}
	}
	return g
}

// NewWithRunner builds a Gateway like New, but with the AgentRunner
// supplied directly instead of derived from cfg.EnableSandbox — used by
// other packages' tests to exercise a Gateway without shelling out.
func NewWithRunner(cfg Config, runner AgentRunner) *Gateway {
	g := New(cfg)
	g.runner = runner
	return g
}

// acquire blocks until this call owns the FIFO slot, then returns a
// release function. Calls park here in submission order.
func (g *Gateway) acquire(ctx context.Context) (func(), error) {
	select {
	case g.fifo <- struct{}{}:
		return func() { <-g.fifo }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendToAgent is C2's one public call. It serializes through the FIFO,
// assembles the prompt, invokes the agent CLI, and persists the
// resulting session id.
func (g *Gateway) SendToAgent(ctx context.Context, userMessage string, opts Options) (Result, error) {
	release, err := g.acquire(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("agent fifo: %w", err)
	}
	defer release()

	return g.invoke(ctx, userMessage, opts, true)
}

// invoke runs one attempt, with two single-retry recovery rules layered
// on top: sandbox-gone invalidates caches and retries once; a stale
// session id clears the session file and retries once. allowRetry is
// false on the recursive retry call so neither rule can loop more than
// once.
func (g *Gateway) invoke(ctx context.Context, userMessage string, opts Options, allowRetry bool) (Result, error) {
	timeout := g.cfg.ClaudeTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	prompt, err := buildPrompt(g.cfg.PromptTemplate, userMessage, opts, time.Now())
	if err != nil {
		return Result{}, fmt.Errorf("build prompt: %w", err)
	}

	sessionPath := g.sessionPath(opts.SessionTarget)
	resumeID, err := readSessionFile(sessionPath)
	if err != nil {
		return Result{}, err
	}

	argv := buildArgv(g.cfg.SystemPromptFile, prompt, resumeID, opts.BypassMode)
	env := composeEnv(g.cfg.Env)

	stdout, stderr, err := g.runner.Run(callCtx, argv, env)
	if err != nil {
		errText := strings.TrimSpace(string(stderr))
		if errText == "" {
			errText = err.Error()
		}

		if allowRetry && isSandboxGone(errors.New(errText)) {
			slog.Warn("agent sandbox gone, retrying once", "error", errText)
			g.sandbox.clear()
			if err := g.ClearSession(opts.SessionTarget); err != nil {
				slog.Warn("clear session after sandbox-gone", "error", err)
			}
			return g.invoke(ctx, userMessage, opts, false)
		}

		if allowRetry && strings.Contains(errText, sessionNotFoundSubstring) {
			slog.Warn("agent session not found, retrying once", "error", errText)
			if err := g.ClearSession(opts.SessionTarget); err != nil {
				slog.Warn("clear session after stale session id", "error", err)
			}
			return g.invoke(ctx, userMessage, opts, false)
		}

		return Result{}, fmt.Errorf("run agent cli: %s", errText)
	}

	parsed, err := parseAgentStdout(string(opts.Source), stdout, stderr)
	if err != nil {
		return Result{}, events.Terminal(err)
	}

	if err := writeSessionFile(sessionPath, parsed.SessionID); err != nil {
		slog.Warn("persist agent session id", "error", err)
	}

	return Result{Response: parsed.Result, SessionID: parsed.SessionID}, nil
}

// IsAuthError reports whether err's message indicates the agent CLI is
// not authenticated, the signal the DM handler uses to route to the
// auth-recovery outbound instead of a generic terminal failure.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range authErrorSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// EmptyResponseAttempts is 1 initial call plus 3 retries.
const EmptyResponseAttempts = 4

const emptyResponseDelay = time.Second

// SendWithEmptyRetry wraps SendToAgent with the empty-response retry
// policy: call up to EmptyResponseAttempts times, returning the first
// response whose trimmed text is non-empty; after the final attempt
// return the last result regardless, even if still empty.
func (g *Gateway) SendWithEmptyRetry(ctx context.Context, userMessage string, opts Options) (Result, error) {
	var last Result
	for attempt := 1; attempt <= EmptyResponseAttempts; attempt++ {
		res, err := g.SendToAgent(ctx, userMessage, opts)
		if err != nil {
			return Result{}, err
		}
		last = res
		if strings.TrimSpace(res.Response) != "" {
			return res, nil
		}
		if attempt < EmptyResponseAttempts {
			slog.Info("agent returned empty response, retrying", "attempt", attempt)
			select {
			case <-time.After(emptyResponseDelay):
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		}
	}
	return last, nil
}
