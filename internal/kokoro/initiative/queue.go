package initiative

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/bdobrica/kokoro/common/spec/envelope"
)

// Queue holds companion-authored messages the user has not seen yet.
type Queue interface {
	// Push appends msg to the pair's pending list.
	Push(ctx context.Context, userID, characterID string, msg envelope.Message) error
	// Pending lists the pair's messages oldest first.
	Pending(ctx context.Context, userID, characterID string) ([]envelope.Message, error)
	// Ack purges everything pending for the pair.
	Ack(ctx context.Context, userID, characterID string) error
}

// Presence is the sweeper's view of a (user, character) pair.
type Presence struct {
	UserID      string
	CharacterID string
	// Timezone is an IANA name; empty means UTC.
	Timezone string
	LastSeen time.Time
	// LastInitiative is zero when the companion never spoke first.
	LastInitiative time.Time
}

// Owed reports whether the companion may speak first: the user was last
// seen before cutoff and has not been messaged since.
func (p Presence) Owed(cutoff time.Time) bool {
	return p.LastSeen.Before(cutoff) && !p.LastInitiative.After(p.LastSeen)
}

// Ledger records when pairs were last active.
type Ledger interface {
	// Seen records activity. An empty timezone keeps the stored one.
	Seen(ctx context.Context, userID, characterID, timezone string, at time.Time) error
	// Idle returns the pairs owed an initiative at cutoff.
	Idle(ctx context.Context, cutoff time.Time) ([]Presence, error)
	// MarkInitiated records that the companion spoke first at at.
	MarkInitiated(ctx context.Context, userID, characterID string, at time.Time) error
}

type pairKey struct{ user, character string }

// MemoryQueue is an in-process Queue and Ledger. It is safe for concurrent
// use and loses everything on restart.
type MemoryQueue struct {
	mu       sync.Mutex
	pending  map[pairKey][]envelope.Message
	presence map[pairKey]Presence
}

// NewMemoryQueue returns an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		pending:  make(map[pairKey][]envelope.Message),
		presence: make(map[pairKey]Presence),
	}
}

func (q *MemoryQueue) Push(_ context.Context, userID, characterID string, msg envelope.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := pairKey{userID, characterID}
	q.pending[k] = append(q.pending[k], msg)
	return nil
}

func (q *MemoryQueue) Pending(_ context.Context, userID, characterID string) ([]envelope.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.pending[pairKey{userID, characterID}]), nil
}

func (q *MemoryQueue) Ack(_ context.Context, userID, characterID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, pairKey{userID, characterID})
	return nil
}

func (q *MemoryQueue) Seen(_ context.Context, userID, characterID, timezone string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := pairKey{userID, characterID}
	p, ok := q.presence[k]
	if !ok {
		p = Presence{UserID: userID, CharacterID: characterID}
	}
	if timezone != "" {
		p.Timezone = timezone
	}
	if at.After(p.LastSeen) {
		p.LastSeen = at
	}
	q.presence[k] = p
	return nil
}

func (q *MemoryQueue) Idle(_ context.Context, cutoff time.Time) ([]Presence, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Presence
	for _, p := range q.presence {
		if p.Owed(cutoff) {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b Presence) int { return a.LastSeen.Compare(b.LastSeen) })
	return out, nil
}

func (q *MemoryQueue) MarkInitiated(_ context.Context, userID, characterID string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := pairKey{userID, characterID}
	p, ok := q.presence[k]
	if !ok {
		return nil
	}
	p.LastInitiative = at
	q.presence[k] = p
	return nil
}

var (
	_ Queue  = (*MemoryQueue)(nil)
	_ Ledger = (*MemoryQueue)(nil)
)
