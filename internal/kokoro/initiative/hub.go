package initiative

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/bdobrica/kokoro/common/spec/envelope"
)

// UserHeader identifies the connecting user on the push channel.
const UserHeader = "X-Kokoro-User"

const writeTimeout = 5 * time.Second

type hubConn struct {
	conn   *websocket.Conn
	userID string
}

// Hub is the server side of the push channel. Connections are grouped by
// user; a delivery reaches every connection of the user whatever
// conversation it has open.
type Hub struct {
	queue  Queue
	ledger Ledger
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	conns map[string]map[*hubConn]struct{}
}

// NewHub returns a Hub answering checks from queue and recording presence
// in ledger. ledger may be nil.
func NewHub(queue Queue, ledger Ledger, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		queue:  queue,
		ledger: ledger,
		logger: logger,
		now:    time.Now,
		conns:  make(map[string]map[*hubConn]struct{}),
	}
}

// ServeHTTP upgrades the request and serves frames until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(UserHeader)
	if userID == "" {
		userID = r.URL.Query().Get("user")
	}
	if userID == "" {
		http.Error(w, "missing user", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("initiative: websocket accept failed", "err", err)
		return
	}
	c := &hubConn{conn: conn, userID: userID}
	h.add(c)
	h.logger.Debug("initiative: client connected", "user_id", userID)

	defer func() {
		h.remove(c)
		conn.CloseNow()
		h.logger.Debug("initiative: client disconnected", "user_id", userID)
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		f, err := envelope.ParseFrame(data)
		if err != nil {
			h.logger.Debug("initiative: dropping invalid frame", "user_id", userID, "err", err)
			continue
		}
		if f.UserID != userID {
			h.logger.Warn("initiative: frame for another user ignored", "user_id", userID)
			continue
		}
		h.handle(ctx, c, f)
	}
}

func (h *Hub) handle(ctx context.Context, c *hubConn, f *envelope.Frame) {
	switch f.Type {
	case envelope.TypeCheckInitiative:
		h.seen(ctx, f.UserID, f.CharacterID, f.Timezone)
		msgs, err := h.queue.Pending(ctx, f.UserID, f.CharacterID)
		if err != nil {
			h.logger.Warn("initiative: pending lookup failed", "user_id", f.UserID,
				"character_id", f.CharacterID, "err", err)
			msgs = nil
		}
		if err := h.write(ctx, c, envelope.Initiative(f.CharacterID, envelope.KindPending, msgs)); err != nil {
			h.logger.Debug("initiative: reply to check failed", "user_id", f.UserID, "err", err)
		}
	case envelope.TypeAckPending:
		h.seen(ctx, f.UserID, f.CharacterID, "")
		if err := h.queue.Ack(ctx, f.UserID, f.CharacterID); err != nil {
			h.logger.Warn("initiative: ack failed", "user_id", f.UserID,
				"character_id", f.CharacterID, "err", err)
		}
	default:
		h.logger.Debug("initiative: unexpected frame from client", "type", f.Type)
	}
}

func (h *Hub) seen(ctx context.Context, userID, characterID, timezone string) {
	if h.ledger == nil {
		return
	}
	if err := h.ledger.Seen(ctx, userID, characterID, timezone, h.now()); err != nil {
		h.logger.Warn("initiative: record presence failed", "user_id", userID, "err", err)
	}
}

// Deliver pushes msg to every live connection of userID and returns how
// many received it. Zero means the user is offline; the message stays in
// the queue for the next check.
func (h *Hub) Deliver(ctx context.Context, userID, characterID string, msg envelope.Message) int {
	frame := envelope.Initiative(characterID, envelope.KindPush, []envelope.Message{msg})
	delivered := 0
	for _, c := range h.snapshot(userID) {
		if err := h.write(ctx, c, frame); err != nil {
			h.logger.Debug("initiative: push failed", "user_id", userID, "err", err)
			continue
		}
		delivered++
	}
	return delivered
}

// Connected returns the number of live connections for userID.
func (h *Hub) Connected(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[userID])
}

// Connections returns the number of live connections across all users.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.conns {
		n += len(set)
	}
	return n
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, set := range h.conns {
		for c := range set {
			c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		delete(h.conns, userID)
	}
}

func (h *Hub) write(ctx context.Context, c *hubConn, f envelope.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (h *Hub) add(c *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[c.userID]
	if !ok {
		set = make(map[*hubConn]struct{})
		h.conns[c.userID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) remove(c *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.conns[c.userID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.conns, c.userID)
	}
}

func (h *Hub) snapshot(userID string) []*hubConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*hubConn, 0, len(h.conns[userID]))
	for c := range h.conns[userID] {
		out = append(out, c)
	}
	return out
}
