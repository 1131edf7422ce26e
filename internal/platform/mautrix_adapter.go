package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/loopwire-labs/loopwire/internal/events"
)

// MautrixConfig configures the concrete Gateway implementation: login
// against a Matrix homeserver, used here as the daemon's chat-platform
// transport.
type MautrixConfig struct {
	HomeserverURL   string
	UserID          string
	CredentialsPath string // where the access token + device id are persisted across restarts
}

// credentials is what gets persisted to CredentialsPath so a restart
// doesn't force a fresh login.
type credentials struct {
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}

func loadCredentials(path string) (*credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var c credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return &c, nil
}

func saveCredentials(path string, c *credentials) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// MautrixGateway implements Gateway against a real Matrix homeserver:
// DM-capable room fetch, message fetch with paging, reaction add, DM
// send, typing.
type MautrixGateway struct {
	cfg MautrixConfig

	mu     sync.Mutex
	client *mautrix.Client
	h      Handlers

	syncCancel context.CancelFunc
}

// NewMautrixGateway constructs an unauthenticated gateway; call Login
// to establish a session.
func NewMautrixGateway(cfg MautrixConfig) *MautrixGateway {
	return &MautrixGateway{cfg: cfg}
}

func (g *MautrixGateway) SetHandlers(h Handlers) {
	g.mu.Lock()
	g.h = h
	g.mu.Unlock()
}

// Login establishes (or restores, via persisted credentials) a Matrix
// session and starts the sync loop in the background. Login does not
// retry: every failure is returned to the caller, and failures carrying
// M_FORBIDDEN, M_UNKNOWN_TOKEN or M_INVALID_PARAM are labelled as
// rejected. The supervisor's reconnect loop calls Login again after any
// failure.
func (g *MautrixGateway) Login(ctx context.Context, token string) error {
	client, err := mautrix.NewClient(g.cfg.HomeserverURL, "", "")
	if err != nil {
		return fmt.Errorf("construct matrix client: %w", err)
	}

	creds, err := loadCredentials(g.cfg.CredentialsPath)
	if err != nil {
		slog.Warn("load persisted matrix credentials", "error", err)
	}

	if creds != nil && creds.AccessToken != "" {
		client.AccessToken = creds.AccessToken
		client.DeviceID = id.DeviceID(creds.DeviceID)
		client.UserID = id.UserID(g.cfg.UserID)
	} else {
		resp, err := client.Login(ctx, &mautrix.ReqLogin{
			Type:             mautrix.AuthTypePassword,
			Identifier:       mautrix.UserIdentifier{Type: mautrix.IdentifierTypeUser, User: g.cfg.UserID},
			Password:         token,
			StoreCredentials: true,
		})
		if err != nil {
			if isNonRetryableLoginError(err) {
				return fmt.Errorf("login rejected, not retrying: %w", err)
			}
			return fmt.Errorf("login: %w", err)
		}
		client.AccessToken = resp.AccessToken
		client.DeviceID = resp.DeviceID
		client.UserID = resp.UserID
		if err := saveCredentials(g.cfg.CredentialsPath, &credentials{
			AccessToken: resp.AccessToken,
			DeviceID:    string(resp.DeviceID),
		}); err != nil {
			slog.Warn("persist matrix credentials", "error", err)
		}
	}

	g.mu.Lock()
	g.client = client
	g.mu.Unlock()

	syncer := mautrix.NewDefaultSyncer()
	syncer.OnEventType(event.EventMessage, g.handleTimelineEvent)
	client.Syncer = syncer

	syncCtx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.syncCancel = cancel
	g.mu.Unlock()

	go g.runSyncLoop(syncCtx, client)

	g.fireReady()
	return nil
}

func isNonRetryableLoginError(err error) bool {
	msg := err.Error()
	for _, s := range []string{"M_FORBIDDEN", "M_UNKNOWN_TOKEN", "M_INVALID_PARAM"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// runSyncLoop keeps calling SyncWithContext, and on error reports it
// through the OnError handler (which asks the supervisor for a
// reconnect) and waits 15s before syncing again.
func (g *MautrixGateway) runSyncLoop(ctx context.Context, client *mautrix.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := client.SyncWithContext(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("matrix sync error", "error", err)
			g.fireError(err)
			select {
			case <-time.After(15 * time.Second):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (g *MautrixGateway) handlers() Handlers {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.h
}

func (g *MautrixGateway) fireReady() {
	if h := g.handlers(); h.OnReady != nil {
		h.OnReady()
	}
}

func (g *MautrixGateway) fireError(err error) {
	if h := g.handlers(); h.OnError != nil {
		h.OnError(err)
	}
}

func (g *MautrixGateway) handleTimelineEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == g.client.UserID {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}
	h := g.handlers()
	if h.OnDM == nil {
		return
	}
	h.OnDM(InboundMessage{
		ID:        string(evt.ID),
		ChannelID: string(evt.RoomID),
		AuthorID:  string(evt.Sender),
		Text:      content.Body,
		Position:  int64(evt.Timestamp),
	})
}

func (g *MautrixGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.syncCancel != nil {
		g.syncCancel()
	}
	if g.client != nil {
		g.client.StopSync()
	}
	return nil
}

func (g *MautrixGateway) Ping(ctx context.Context) (time.Duration, error) {
	g.mu.Lock()
	client := g.client
	g.mu.Unlock()
	if client == nil {
		return 0, fmt.Errorf("not connected")
	}
	start := time.Now()
	_, err := client.Whoami(ctx)
	if err != nil {
		return 0, fmt.Errorf("whoami ping: %w", err)
	}
	return time.Since(start), nil
}

func (g *MautrixGateway) FetchDMChannel(ctx context.Context, channelID string) (Channel, error) {
	g.mu.Lock()
	client := g.client
	g.mu.Unlock()
	if client == nil {
		return Channel{}, fmt.Errorf("not connected")
	}

	_, err := client.JoinedMembers(ctx, id.RoomID(channelID))
	if err != nil {
		return Channel{}, translateMatrixError(err, "channel")
	}
	return Channel{ID: channelID, IsDM: true, Sendable: true}, nil
}

func (g *MautrixGateway) FetchMessage(ctx context.Context, channelID, messageID string) (Message, error) {
	g.mu.Lock()
	client := g.client
	g.mu.Unlock()
	if client == nil {
		return Message{}, fmt.Errorf("not connected")
	}

	evt, err := client.GetEvent(ctx, id.RoomID(channelID), id.EventID(messageID))
	if err != nil {
		return Message{}, translateMatrixError(err, "message")
	}
	content, _ := evt.Content.Parsed.(*event.MessageEventContent)
	text := ""
	if content != nil {
		text = content.Body
	}
	return Message{
		ID:        messageID,
		ChannelID: channelID,
		AuthorID:  string(evt.Sender),
		Text:      text,
		Position:  int64(evt.Timestamp),
	}, nil
}

func (g *MautrixGateway) FetchMessagesAfter(ctx context.Context, channelID, afterID string, limit int) ([]Message, error) {
	g.mu.Lock()
	client := g.client
	g.mu.Unlock()
	if client == nil {
		return nil, fmt.Errorf("not connected")
	}

	resp, err := client.Messages(ctx, id.RoomID(channelID), afterID, "", mautrix.DirectionForward, nil, limit)
	if err != nil {
		return nil, translateMatrixError(err, "messages")
	}

	out := make([]Message, 0, len(resp.Chunk))
	for _, evt := range resp.Chunk {
		if evt.Type != event.EventMessage {
			continue
		}
		_ = evt.Content.ParseRaw(evt.Type)
		content, _ := evt.Content.Parsed.(*event.MessageEventContent)
		text := ""
		if content != nil {
			text = content.Body
		}
		out = append(out, Message{
			ID:        string(evt.ID),
			ChannelID: channelID,
			AuthorID:  string(evt.Sender),
			Text:      text,
			Position:  int64(evt.Timestamp),
		})
	}
	return out, nil
}

// FetchMostRecentMessage fetches the newest message in roomID. Callers
// resolve the room id themselves (this adapter targets personal bridge
// deployments where each allowed user has one fixed, pre-known DM room
// with the bot, configured rather than discovered) — there is no
// separate user-to-room lookup here.
func (g *MautrixGateway) FetchMostRecentMessage(ctx context.Context, roomID string) (Message, bool, error) {
	msgs, err := g.FetchMessagesAfter(ctx, roomID, "", 1)
	if err != nil {
		return Message{}, false, err
	}
	if len(msgs) == 0 {
		return Message{}, false, nil
	}
	return msgs[0], true, nil
}

func (g *MautrixGateway) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	g.mu.Lock()
	client := g.client
	g.mu.Unlock()
	if client == nil {
		return fmt.Errorf("not connected")
	}
	_, err := client.SendReaction(ctx, id.RoomID(channelID), id.EventID(messageID), emoji)
	if err != nil {
		return translateMatrixError(err, "reaction")
	}
	return nil
}

func (g *MautrixGateway) SendUserDM(ctx context.Context, userID, text string, files []events.OutboundFile) error {
	return g.SendChannelMessage(ctx, userID, text, files)
}

func (g *MautrixGateway) SendChannelMessage(ctx context.Context, channelID, text string, files []events.OutboundFile) error {
	g.mu.Lock()
	client := g.client
	g.mu.Unlock()
	if client == nil {
		return fmt.Errorf("not connected")
	}

	if text != "" {
		if _, err := client.SendText(ctx, id.RoomID(channelID), text); err != nil {
			return translateMatrixError(err, "send")
		}
	}
	for _, f := range files {
		if err := g.sendFile(ctx, client, channelID, f); err != nil {
			return err
		}
	}
	return nil
}

func (g *MautrixGateway) sendFile(ctx context.Context, client *mautrix.Client, channelID string, f events.OutboundFile) error {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return fmt.Errorf("read attachment %s: %w", f.Path, err)
	}
	uploaded, err := client.UploadBytes(ctx, data, "application/octet-stream")
	if err != nil {
		return translateMatrixError(err, "upload")
	}
	_, err = client.SendMessageEvent(ctx, id.RoomID(channelID), event.EventMessage, &event.MessageEventContent{
		MsgType: event.MsgFile,
		Body:    f.Name,
		URL:     uploaded.ContentURI.CUString(),
	})
	if err != nil {
		return translateMatrixError(err, "send file")
	}
	return nil
}

func (g *MautrixGateway) Typing(ctx context.Context, channelID string) error {
	g.mu.Lock()
	client := g.client
	g.mu.Unlock()
	if client == nil {
		return fmt.Errorf("not connected")
	}
	_, err := client.UserTyping(ctx, id.RoomID(channelID), true, 9*time.Second)
	if err != nil {
		return translateMatrixError(err, "typing")
	}
	return nil
}

// translateMatrixError maps the handful of Matrix errors that have a
// direct analogue in the terminal error-code set into a
// platform.CodeError, so handlers can classify them without
// string-matching on the transport's own vocabulary.
func translateMatrixError(err error, op string) error {
	var httpErr mautrix.HTTPError
	if ok := asHTTPError(err, &httpErr); ok {
		switch {
		case httpErr.RespError != nil && httpErr.RespError.ErrCode == "M_NOT_FOUND":
			code := 10008
			if op == "channel" {
				code = 10003
			}
			return &CodeError{Code: code, Err: fmt.Errorf("%s: %w", op, err)}
		case httpErr.RespError != nil && httpErr.RespError.ErrCode == "M_FORBIDDEN":
			return &CodeError{Code: 50001, Err: fmt.Errorf("%s: %w", op, err)}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func asHTTPError(err error, out *mautrix.HTTPError) bool {
	he, ok := err.(mautrix.HTTPError)
	if !ok {
		return false
	}
	*out = he
	return true
}
