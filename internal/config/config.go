// Package config loads and validates the daemon's on-disk settings
// file and its required environment variables. Settings are read-only
// once loaded at boot, except for the scheduler's SettingsLoader, which
// re-reads this same file on every firing.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/loopwire-labs/loopwire/internal/schedule"
)

// Settings is the on-disk JSON settings file's shape. Unknown top-level
// keys are rejected — see Load.
type Settings struct {
	BypassMode    bool              `json:"bypass-mode"`
	EnableSandbox *bool             `json:"enable_sandbox"` // nil means default true
	ClaudeTimeoutSeconds int          `json:"claude_timeout_seconds"`
	HeartbeatIntervalSeconds int      `json:"discord_connection_heartbeat_interval_seconds"`
	ReconnectGraceSeconds    int      `json:"discord_connection_reconnect_grace_seconds"`
	Env       map[string]string      `json:"env"`
	ScheduleEntries []scheduleSettingsJSON `json:"schedules"`

	// DMRooms maps an allowed user id to the fixed DM room id the bot
	// already shares with that user, so recovery can address the room
	// directly instead of resolving it from the user id.
	DMRooms map[string]string `json:"dm_rooms"`
}

// scheduleSettingsJSON mirrors one schedules[] entry's on-disk shape;
// kept distinct from schedule.Config so json tags don't leak onto the
// package the scheduler actually runs against.
type scheduleSettingsJSON struct {
	Name          string `json:"name"`
	Cron          string `json:"cron"`
	Timezone      string `json:"timezone"`
	Prompt        string `json:"prompt"`
	DiscordNotify bool   `json:"discord_notify"`
	PromptFile    string `json:"prompt_file,omitempty"`
	Skippable     bool   `json:"skippable,omitempty"`
	SessionMode   string `json:"session_mode,omitempty"`
}

// Env is the required-environment half of configuration: the bot's own
// chat-platform account, its login secret, and the allowlisted user
// ids, validated at boot.
type Env struct {
	MatrixUserID   string // the bot's own Matrix account id, e.g. "@loopwire-bot:example.org"
	BotToken       string // login password for MatrixUserID — never the account id itself
	AllowedUserIDs []string
}

const (
	minClaudeTimeout   = 10
	maxClaudeTimeout   = 7200
	minHeartbeat       = 10
	maxHeartbeat       = 300
	minReconnectGrace  = 5
	maxReconnectGrace  = 120

	defaultClaudeTimeout  = 1800
	defaultHeartbeat      = 60
	defaultReconnectGrace = 30
)

var envKeyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
var reservedEnvKeys = map[string]bool{"FORCE_COLOR": true, "CLAUDECODE": true}

// snowflakeRe matches the allowed-user-id shape: an 17-20 digit numeric
// id, the identifier space this bridge's allowlist is expressed in
// regardless of which chat platform actually carries the message.
var snowflakeRe = regexp.MustCompile(`^\d{17,20}$`)

// matrixRoomIDRe matches a Matrix room id, "!opaque:server" — a
// different identifier space from the numeric allowlist above, which is
// why dm_rooms needs its own entries rather than reusing allowed ids.
var matrixRoomIDRe = regexp.MustCompile(`^![^:\s]+:\S+$`)

// Load reads and validates the settings file at path. Unknown
// top-level keys are rejected.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}

	var s Settings
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}

	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("invalid settings %s: %w", path, err)
	}

	for key, val := range s.Env {
		s.Env[key] = resolveEnv(val)
	}

	return &s, nil
}

func (s *Settings) validate() error {
	if s.ClaudeTimeoutSeconds == 0 {
		s.ClaudeTimeoutSeconds = defaultClaudeTimeout
	}
	if s.ClaudeTimeoutSeconds < minClaudeTimeout || s.ClaudeTimeoutSeconds > maxClaudeTimeout {
		return fmt.Errorf("claude_timeout_seconds %d out of range [%d..%d]", s.ClaudeTimeoutSeconds, minClaudeTimeout, maxClaudeTimeout)
	}

	if s.HeartbeatIntervalSeconds == 0 {
		s.HeartbeatIntervalSeconds = defaultHeartbeat
	}
	if s.HeartbeatIntervalSeconds < minHeartbeat || s.HeartbeatIntervalSeconds > maxHeartbeat {
		return fmt.Errorf("discord_connection_heartbeat_interval_seconds %d out of range [%d..%d]", s.HeartbeatIntervalSeconds, minHeartbeat, maxHeartbeat)
	}

	if s.ReconnectGraceSeconds == 0 {
		s.ReconnectGraceSeconds = defaultReconnectGrace
	}
	if s.ReconnectGraceSeconds < minReconnectGrace || s.ReconnectGraceSeconds > maxReconnectGrace {
		return fmt.Errorf("discord_connection_reconnect_grace_seconds %d out of range [%d..%d]", s.ReconnectGraceSeconds, minReconnectGrace, maxReconnectGrace)
	}

	for key := range s.Env {
		if !envKeyRe.MatchString(key) {
			return fmt.Errorf("env key %q does not match %s", key, envKeyRe.String())
		}
		if reservedEnvKeys[key] {
			return fmt.Errorf("env key %q is reserved", key)
		}
	}

	for userID, roomID := range s.DMRooms {
		if userID == "" {
			return fmt.Errorf("dm_rooms has an empty user id key")
		}
		if !matrixRoomIDRe.MatchString(roomID) {
			return fmt.Errorf("dm_rooms[%q] = %q is not a Matrix room id", userID, roomID)
		}
	}

	seenNames := map[string]bool{}
	for _, sc := range s.ScheduleEntries {
		if sc.Name == "" || sc.Cron == "" || sc.Timezone == "" {
			return fmt.Errorf("schedule entry missing name/cron/timezone: %+v", sc)
		}
		if seenNames[sc.Name] {
			return fmt.Errorf("duplicate schedule name %q", sc.Name)
		}
		seenNames[sc.Name] = true
		if sc.SessionMode != "" && sc.SessionMode != "main" && sc.SessionMode != "isolated" {
			return fmt.Errorf("schedule %q: invalid session_mode %q", sc.Name, sc.SessionMode)
		}
	}

	return nil
}

// SandboxEnabled returns the effective enable_sandbox value, true by
// default.
func (s *Settings) SandboxEnabled() bool {
	if s.EnableSandbox == nil {
		return true
	}
	return *s.EnableSandbox
}

// DMRoomID returns the Matrix room id configured for userID, if any.
func (s *Settings) DMRoomID(userID string) (string, bool) {
	roomID, ok := s.DMRooms[userID]
	return roomID, ok
}

// Schedules converts the on-disk schedules[] entries to
// schedule.Config, the shape the scheduler package runs against.
func (s *Settings) Schedules() []schedule.Config {
	out := make([]schedule.Config, 0, len(s.ScheduleEntries))
	for _, sc := range s.ScheduleEntries {
		out = append(out, schedule.Config{
			Name:          sc.Name,
			Cron:          sc.Cron,
			Timezone:      sc.Timezone,
			Prompt:        sc.Prompt,
			DiscordNotify: sc.DiscordNotify,
			PromptFile:    sc.PromptFile,
			Skippable:     sc.Skippable,
			SessionMode:   sc.SessionMode,
		})
	}
	return out
}

// LoadEnv reads and validates the required environment: the bot's
// Matrix account id, its login password, and a comma-separated list of
// allowed user ids.
func LoadEnv() (*Env, error) {
	userID := os.Getenv("MATRIX_USER_ID")
	if userID == "" {
		return nil, fmt.Errorf("MATRIX_USER_ID is required")
	}

	token := os.Getenv("BOT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("BOT_TOKEN is required")
	}

	raw := os.Getenv("ALLOWED_USER_IDS")
	if raw == "" {
		return nil, fmt.Errorf("ALLOWED_USER_IDS is required")
	}

	var ids []string
	for _, part := range strings.Split(raw, ",") {
		id := strings.TrimSpace(part)
		if id == "" {
			continue
		}
		if !snowflakeRe.MatchString(id) {
			return nil, fmt.Errorf("ALLOWED_USER_IDS contains a non-snowflake id: %q", id)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("ALLOWED_USER_IDS must contain at least one id")
	}

	return &Env{MatrixUserID: userID, BotToken: token, AllowedUserIDs: ids}, nil
}

// resolveEnv replaces a "$ENV_VAR"-shaped string with the named
// environment variable's value. Values that aren't $-prefixed pass
// through unchanged.
func resolveEnv(s string) string {
	if len(s) > 1 && s[0] == '$' {
		if v := os.Getenv(s[1:]); v != "" {
			return v
		}
	}
	return s
}
