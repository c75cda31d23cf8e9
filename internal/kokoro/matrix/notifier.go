// Package matrix mirrors companion-initiated messages to Matrix rooms, so a
// user who is away from the chat client still hears from the companion.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/kokoro/common/retry"
	"github.com/bdobrica/kokoro/common/spec/envelope"
)

// Config holds Matrix relay configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// Rooms maps a Kokoro user id to the Matrix room that receives their
	// companion's messages. Unmapped users are skipped.
	Rooms map[string]string
	// DisplayName resolves a character id to the name shown in the room.
	// Nil uses the id.
	DisplayName func(characterID string) string
	Logger      *slog.Logger
}

// Notifier sends initiative messages to mapped rooms.
type Notifier struct {
	client *mautrix.Client
	cfg    Config
	logger *slog.Logger
	policy retry.Policy
}

// New creates a Notifier. It does not contact the homeserver.
func New(cfg Config) (*Notifier, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: create client: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := retry.DefaultPolicy
	policy.Retryable = retryable
	return &Notifier{client: client, cfg: cfg, logger: logger, policy: policy}, nil
}

// retryable rejects errors another attempt cannot fix.
func retryable(err error) bool {
	return !errors.Is(err, mautrix.MForbidden) &&
		!errors.Is(err, mautrix.MUnknownToken) &&
		!errors.Is(err, mautrix.MMissingToken) &&
		!errors.Is(err, context.Canceled)
}

// JoinRooms joins every mapped room. Rooms the homeserver refuses with
// M_FORBIDDEN (typically: already a member) are logged and skipped.
func (n *Notifier) JoinRooms(ctx context.Context) error {
	for userID, roomID := range n.cfg.Rooms {
		_, err := n.client.JoinRoomByID(ctx, id.RoomID(roomID))
		if err == nil {
			continue
		}
		if errors.Is(err, mautrix.MForbidden) {
			n.logger.Warn("matrix: join refused, continuing", "room", roomID, "user_id", userID)
			continue
		}
		return fmt.Errorf("matrix: join room %s: %w", roomID, err)
	}
	return nil
}

// Relay posts msg to the user's room, prefixed with the character's name.
// Users without a room are a no-op.
func (n *Notifier) Relay(ctx context.Context, userID, characterID string, msg envelope.Message) error {
	roomID, ok := n.cfg.Rooms[userID]
	if !ok {
		return nil
	}
	name := characterID
	if n.cfg.DisplayName != nil {
		if dn := n.cfg.DisplayName(characterID); dn != "" {
			name = dn
		}
	}
	content := event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          name + ": " + msg.Text,
		Format:        event.FormatHTML,
		FormattedBody: "<b>" + html.EscapeString(name) + "</b>: " + html.EscapeString(msg.Text),
	}

	err := retry.Do(ctx, n.policy, func(ctx context.Context) error {
		_, err := n.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content)
		return err
	})
	if err != nil {
		return fmt.Errorf("matrix: send to %s: %w", roomID, err)
	}
	n.logger.Debug("matrix: relayed initiative", "user_id", userID, "character_id", characterID, "room", roomID)
	return nil
}
