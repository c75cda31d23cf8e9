package initiative

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/bdobrica/kokoro/common/spec/envelope"
)

// ClientConfig configures a push-channel Client.
type ClientConfig struct {
	// URL is the hub endpoint, e.g. ws://localhost:8080/v1/initiative/ws.
	URL         string
	UserID      string
	CharacterID string
	Timezone    string
	// Display shows companion-initiated messages. It is called with the
	// character the messages belong to, which may differ from CharacterID
	// for pushes. It reports whether the messages were taken into a
	// conversation; only then is the batch acknowledged and removed from
	// the queue.
	Display func(characterID string, msgs []envelope.Message) bool
	Logger  *slog.Logger
}

// Client is the chat side of the push channel.
type Client struct {
	cfg    ClientConfig
	conn   *websocket.Conn
	logger *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the hub and sends the opening check. Any failure here
// means "no initiative this cycle": the caller logs it and carries on.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.UserID == "" || cfg.CharacterID == "" {
		return nil, errors.New("initiative: user and character are required")
	}
	if cfg.Display == nil {
		return nil, errors.New("initiative: Display callback is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	header := http.Header{}
	header.Set(UserHeader, cfg.UserID)
	conn, _, err := websocket.Dial(ctx, cfg.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("initiative: dial: %w", err)
	}

	c := &Client{cfg: cfg, conn: conn, logger: logger, done: make(chan struct{})}
	if err := c.send(ctx, envelope.CheckInitiative(cfg.UserID, cfg.CharacterID, cfg.Timezone)); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("initiative: check: %w", err)
	}
	go c.readLoop()
	return c, nil
}

// Done is closed when the channel ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close ends the channel.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close(websocket.StatusNormalClosure, "bye")
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	ctx := context.Background()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				c.logger.Debug("initiative: channel closed", "err", err)
			}
			return
		}
		f, err := envelope.ParseFrame(data)
		if err != nil {
			c.logger.Debug("initiative: dropping invalid frame", "err", err)
			continue
		}
		if f.Type != envelope.TypeInitiative {
			continue
		}
		c.receive(ctx, f)
	}
}

// receive shows non-empty batches in order and acknowledges the ones
// Display accepted. An empty answer to the check changes nothing and is
// not acknowledged.
func (c *Client) receive(ctx context.Context, f *envelope.Frame) {
	if len(f.Messages) == 0 {
		return
	}
	if !c.cfg.Display(f.CharacterID, f.Messages) {
		c.logger.Debug("initiative: batch left pending", "character_id", f.CharacterID, "messages", len(f.Messages))
		return
	}
	if err := c.send(ctx, envelope.AckPending(c.cfg.UserID, f.CharacterID)); err != nil {
		c.logger.Debug("initiative: ack failed", "character_id", f.CharacterID, "err", err)
	}
}

func (c *Client) send(ctx context.Context, f envelope.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}
