package agentcli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// sessionPath resolves a SessionTarget to its backing file under the
// gateway's data directory: "main" is a single shared file, "isolated"
// is one file per sanitized schedule name.
func (g *Gateway) sessionPath(t SessionTarget) string {
	if t.Isolated {
		return filepath.Join(g.cfg.DataDir, "sessions", sanitizedFilename(t.Name)+".txt")
	}
	return filepath.Join(g.cfg.DataDir, "session_id.txt")
}

func readSessionFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read session file %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func writeSessionFile(path, sessionID string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for session file %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(sessionID), 0o644); err != nil {
		return fmt.Errorf("write session file %s: %w", path, err)
	}
	return nil
}

// ClearSession deletes the session file for target — the !reset
// command's effect.
func (g *Gateway) ClearSession(t SessionTarget) error {
	path := g.sessionPath(t)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear session file %s: %w", path, err)
	}
	return nil
}

// CurrentSession returns the persisted session id for target, or "" if
// none has been recorded yet — the !session command's effect.
func (g *Gateway) CurrentSession(t SessionTarget) (string, error) {
	return readSessionFile(g.sessionPath(t))
}
