package agentcli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// SandboxInfo is one row of `sandbox list --json` output.
type SandboxInfo struct {
	ID        string `json:"id"`
	Workspace string `json:"workspace"`
}

// SandboxRunner manages the lifecycle of the container that hosts the
// agent CLI. The default implementation shells out to an external
// sandbox-management binary; tests supply a fake.
type SandboxRunner interface {
	Create(ctx context.Context, workspace string) (id string, err error)
	List(ctx context.Context) ([]SandboxInfo, error)
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Exec(ctx context.Context, id string, argv []string, env []string) (stdout, stderr []byte, err error)
}

// execSandboxRunner drives an external `sandbox` CLI as a subprocess.
type execSandboxRunner struct {
	binary string
}

func newExecSandboxRunner(binary string) *execSandboxRunner {
	return &execSandboxRunner{binary: binary}
}

func (r *execSandboxRunner) Create(ctx context.Context, workspace string) (string, error) {
	var out, errOut bytes.Buffer
	cmd := exec.CommandContext(ctx, r.binary, "run", "--workspace", workspace)
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %s", err, strings.TrimSpace(errOut.String()))
	}
	return strings.TrimSpace(out.String()), nil
}

func (r *execSandboxRunner) List(ctx context.Context) ([]SandboxInfo, error) {
	var out, errOut bytes.Buffer
	cmd := exec.CommandContext(ctx, r.binary, "list", "--json")
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %s", err, strings.TrimSpace(errOut.String()))
	}
	var infos []SandboxInfo
	if err := json.Unmarshal(out.Bytes(), &infos); err != nil {
		return nil, fmt.Errorf("parse sandbox list: %w", err)
	}
	return infos, nil
}

func (r *execSandboxRunner) Stop(ctx context.Context, id string) error {
	return r.run(ctx, "stop", id)
}

func (r *execSandboxRunner) Remove(ctx context.Context, id string) error {
	return r.run(ctx, "rm", id)
}

func (r *execSandboxRunner) run(ctx context.Context, args ...string) error {
	var errOut bytes.Buffer
	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %s", err, strings.TrimSpace(errOut.String()))
	}
	return nil
}

func (r *execSandboxRunner) Exec(ctx context.Context, id string, argv []string, env []string) ([]byte, []byte, error) {
	args := append([]string{"exec", id, "--"}, argv...)
	var out, errOut bytes.Buffer
	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Env = env
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	err := cmd.Run()
	return out.Bytes(), errOut.Bytes(), err
}

// sandboxCell is a small synchronized value mirrored to an on-disk
// path. The on-disk value is only ever read when the in-memory value
// is empty, so a process restart picks up the last known sandbox id.
type sandboxCell struct {
	mu    sync.Mutex
	value string
	path  string
}

func newSandboxCell(path string) *sandboxCell {
	return &sandboxCell{path: path}
}

func (c *sandboxCell) get() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value != "" {
		return c.value, nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read sandbox id file: %w", err)
	}
	c.value = strings.TrimSpace(string(data))
	return c.value, nil
}

func (c *sandboxCell) set(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("mkdir for sandbox id file: %w", err)
	}
	if err := os.WriteFile(c.path, []byte(id), 0o644); err != nil {
		return fmt.Errorf("write sandbox id file: %w", err)
	}
	c.value = id
	return nil
}

func (c *sandboxCell) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = ""
	_ = os.Remove(c.path)
}

// ensureSandbox returns the sandbox id to use, checking in-memory
// cache, then on-disk file, then creating a new one. A
// "credentials conflict" creation failure is recovered by finding and
// removing the conflicting sandbox and retrying exactly once.
func (g *Gateway) ensureSandbox(ctx context.Context) (string, error) {
	if id, err := g.sandbox.get(); err != nil {
		return "", err
	} else if id != "" {
		return id, nil
	}

	id, err := g.sandboxes.Create(ctx, g.cfg.ProjectWorkspace)
	if err != nil {
		if !strings.Contains(err.Error(), conflictSubstring) {
			return "", fmt.Errorf("create sandbox: %w", err)
		}
		if err := g.recoverFromConflict(ctx); err != nil {
			return "", fmt.Errorf("recover from sandbox conflict: %w", err)
		}
		id, err = g.sandboxes.Create(ctx, g.cfg.ProjectWorkspace)
		if err != nil {
			return "", fmt.Errorf("create sandbox after conflict recovery: %w", err)
		}
	}

	if err := g.sandbox.set(id); err != nil {
		return "", err
	}
	return id, nil
}

func (g *Gateway) recoverFromConflict(ctx context.Context) error {
	infos, err := g.sandboxes.List(ctx)
	if err != nil {
		return fmt.Errorf("list sandboxes: %w", err)
	}
	for _, info := range infos {
		if info.Workspace != g.cfg.ProjectWorkspace {
			continue
		}
		if err := g.sandboxes.Stop(ctx, info.ID); err != nil {
			return fmt.Errorf("stop conflicting sandbox %s: %w", info.ID, err)
		}
		if err := g.sandboxes.Remove(ctx, info.ID); err != nil {
			return fmt.Errorf("remove conflicting sandbox %s: %w", info.ID, err)
		}
		return nil
	}
	return fmt.Errorf("no sandbox found with workspace %q to recover from", g.cfg.ProjectWorkspace)
}

// isSandboxGone reports whether err's message matches the sandbox-gone
// set the gateway treats specially.
func isSandboxGone(err error) bool {
	if err == nil {
		return false
	}
	for _, s := range sandboxGoneSubstrings {
		if strings.Contains(err.Error(), s) {
			return true
		}
	}
	return false
}
