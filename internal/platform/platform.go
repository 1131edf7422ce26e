// Package platform implements the connection supervisor (spec
// component C3) and the chat-platform adapter contract it manages:
// login, heartbeat diagnosis, exponential-backoff forced reconnect,
// and the readiness barrier that gates outbound work.
package platform

import (
	"context"
	"time"

	"github.com/loopwire-labs/loopwire/internal/events"
)

// Channel is the subset of a fetched channel the daemon needs.
type Channel struct {
	ID       string
	IsDM     bool
	Sendable bool
}

// Message is the subset of a fetched platform message the daemon needs.
type Message struct {
	ID          string
	ChannelID   string
	AuthorID    string
	AuthorIsBot bool
	Text        string
	HasFiles    bool
	Position    int64 // monotonic sequence used for offset comparisons
}

// InboundMessage is what the adapter hands the supervisor's OnDM
// callback when it observes a new DM in real time.
type InboundMessage = Message

// Handlers are the callbacks a Gateway drives as connection and
// message events occur. The supervisor installs these before Login.
type Handlers struct {
	OnReady       func()
	OnError       func(err error)
	OnDisconnect  func()
	OnInvalidated func()
	OnDM          func(msg InboundMessage)
}

// Gateway abstracts the chat-platform client library itself, the
// external collaborator that actually speaks the wire protocol.
// Everything the DM lifecycle, outbound delivery, and reconcile/recovery
// components need from the platform goes through this interface so the
// concrete transport (here, a Matrix client) is a pluggable detail.
type Gateway interface {
	SetHandlers(h Handlers)
	Login(ctx context.Context, token string) error
	Close() error
	Ping(ctx context.Context) (time.Duration, error)

	FetchDMChannel(ctx context.Context, channelID string) (Channel, error)
	FetchMessage(ctx context.Context, channelID, messageID string) (Message, error)
	FetchMessagesAfter(ctx context.Context, channelID, afterID string, limit int) ([]Message, error)
	FetchMostRecentMessage(ctx context.Context, roomID string) (Message, bool, error)

	AddReaction(ctx context.Context, channelID, messageID, emoji string) error
	SendUserDM(ctx context.Context, userID, text string, files []events.OutboundFile) error
	SendChannelMessage(ctx context.Context, channelID, text string, files []events.OutboundFile) error
	Typing(ctx context.Context, channelID string) error
}

// Reaction emoji constants used by the DM lifecycle state machine.
const (
	ReactionEye   = "\U0001F440" // 👀
	ReactionCheck = "✅"     // ✅
	ReactionCross = "❌"     // ❌
)

// TerminalErrorCodes is the chat-platform error-code set treated as
// terminal regardless of retry budget.
var TerminalErrorCodes = map[int]string{
	10003: "unknown channel",
	10008: "unknown message",
	50001: "missing access",
	50013: "missing permissions",
}

// CodeError carries a chat-platform error code so handlers can consult
// TerminalErrorCodes without string-matching.
type CodeError struct {
	Code int
	Err  error
}

func (e *CodeError) Error() string { return e.Err.Error() }
func (e *CodeError) Unwrap() error { return e.Err }

// IsTerminalCode reports whether err carries one of TerminalErrorCodes.
func IsTerminalCode(err error) bool {
	ce, ok := err.(*CodeError)
	if !ok {
		return false
	}
	_, terminal := TerminalErrorCodes[ce.Code]
	return terminal
}
