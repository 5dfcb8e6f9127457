// Package events fans committed game facts out to the sockets that care
// about them. Every game has a broadcast channel both seats subscribe
// to; every user additionally has a private channel for notifications
// that must reach them while they are looking elsewhere.
package events

import (
	"sync"

	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

// Game-channel events. Within one game they are delivered to every
// subscriber in publish order.
const (
	EventGameCreated        EventType = "GAME_CREATED"
	EventPlyCommitted       EventType = "PLY_COMMITTED"
	EventClockSnapshot      EventType = "CLOCK_SNAPSHOT"
	EventStatusChanged      EventType = "STATUS_CHANGED"
	EventNegotiationUpdated EventType = "NEGOTIATION_UPDATED"
	EventPresenceChanged    EventType = "PRESENCE_CHANGED"
)

// User-channel events, delivered out-of-band when the recipient has no
// live subscription to the game in question.
const (
	EventDrawOfferReceived      EventType = "DRAW_OFFER_RECEIVED"
	EventUndoRequestReceived    EventType = "UNDO_REQUEST_RECEIVED"
	EventResumeRequestReceived  EventType = "RESUME_REQUEST_RECEIVED"
	EventRematchRequestReceived EventType = "REMATCH_REQUEST_RECEIVED"
)

// Event represents a single fact in the system. GameID selects the game
// broadcast channel. When UserID is set the event goes to that user's
// private channel instead; GameID then only says which game it is about.
type Event struct {
	Type    EventType   `json:"type"`
	GameID  string      `json:"game_id,omitempty"`
	UserID  string      `json:"user_id,omitempty"`
	Payload interface{} `json:"payload"`
}

// Subscription is one receiver's ordered view of a channel. Drain C
// until it closes; it closes after Close or after the dispatcher drops
// the subscription for not keeping up.
type Subscription struct {
	C <-chan Event

	c       chan Event
	d       *Dispatcher
	gameID  string
	userID  string
	perUser bool

	detached bool // guarded by d.mu
	once     sync.Once
}

// Close detaches the subscription and closes C. Safe to call twice.
func (s *Subscription) Close() {
	s.d.remove(s)
	s.once.Do(func() { close(s.c) })
}

// Dispatcher is the central fan-out point between game sessions and
// connections. Publishing never blocks: a subscriber whose buffer is
// full is dropped on the spot, on the theory that a socket that far
// behind needs a resync anyway, not a longer queue.
type Dispatcher struct {
	mu    sync.RWMutex
	games map[string]map[*Subscription]struct{}
	users map[string]map[*Subscription]struct{}

	// watching counts, per user, the games that user holds a live game
	// subscription for. It decides whether an out-of-band notification
	// would be a duplicate.
	watching map[string]map[string]int

	buffer int
	logger *zap.Logger
}

// NewDispatcher creates a dispatcher with the given per-subscription
// buffer size.
func NewDispatcher(buffer int, logger *zap.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}

	return &Dispatcher{
		games:    make(map[string]map[*Subscription]struct{}),
		users:    make(map[string]map[*Subscription]struct{}),
		watching: make(map[string]map[string]int),
		buffer:   buffer,
		logger:   logger,
	}
}

// SubscribeGame attaches a receiver to a game's broadcast channel.
// userID says on whose behalf the socket watches; it may be empty and is
// only used to suppress duplicate out-of-band notifications.
func (d *Dispatcher) SubscribeGame(gameID, userID string) *Subscription {
	sub := &Subscription{
		c:      make(chan Event, d.buffer),
		d:      d,
		gameID: gameID,
		userID: userID,
	}
	sub.C = sub.c

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.games[gameID] == nil {
		d.games[gameID] = make(map[*Subscription]struct{})
	}
	d.games[gameID][sub] = struct{}{}

	if userID != "" {
		if d.watching[userID] == nil {
			d.watching[userID] = make(map[string]int)
		}
		d.watching[userID][gameID]++
	}

	return sub
}

// SubscribeUser attaches a receiver to a user's private channel.
func (d *Dispatcher) SubscribeUser(userID string) *Subscription {
	sub := &Subscription{
		c:       make(chan Event, d.buffer),
		d:       d,
		userID:  userID,
		perUser: true,
	}
	sub.C = sub.c

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.users[userID] == nil {
		d.users[userID] = make(map[*Subscription]struct{})
	}
	d.users[userID][sub] = struct{}{}

	return sub
}

// Publish routes an event to its channel's current subscribers. Order is
// preserved per subscriber because delivery happens on the caller's
// goroutine, one send per subscriber, under the registry lock.
func (d *Dispatcher) Publish(event Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if event.UserID != "" {
		// Out-of-band: skip entirely if the user already watches the
		// game this event is about.
		if event.GameID != "" && d.watching[event.UserID][event.GameID] > 0 {
			return
		}

		for sub := range d.users[event.UserID] {
			d.deliver(sub, event)
		}

		return
	}

	for sub := range d.games[event.GameID] {
		d.deliver(sub, event)
	}
}

// deliver sends to one subscriber, evicting it when its buffer is full.
// Caller holds d.mu.
func (d *Dispatcher) deliver(sub *Subscription, event Event) {
	select {
	case sub.c <- event:
	default:
		d.evict(sub)
		d.logger.Warn("dropping slow event subscriber",
			zap.String("game_id", sub.gameID),
			zap.String("user_id", sub.userID),
			zap.String("event", string(event.Type)),
		)
	}
}

// evict detaches and closes a subscriber. Caller holds d.mu.
func (d *Dispatcher) evict(sub *Subscription) {
	d.detach(sub)
	sub.once.Do(func() { close(sub.c) })
}

// remove detaches a subscriber on its own request.
func (d *Dispatcher) remove(sub *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detach(sub)
}

// detach unlinks the subscription from the registries. Caller holds d.mu.
func (d *Dispatcher) detach(sub *Subscription) {
	if sub.detached {
		return
	}
	sub.detached = true

	if sub.perUser {
		if set, ok := d.users[sub.userID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(d.users, sub.userID)
			}
		}

		return
	}

	if set, ok := d.games[sub.gameID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(d.games, sub.gameID)
		}
	}

	if sub.userID != "" {
		if counts, ok := d.watching[sub.userID]; ok {
			counts[sub.gameID]--
			if counts[sub.gameID] <= 0 {
				delete(counts, sub.gameID)
			}
			if len(counts) == 0 {
				delete(d.watching, sub.userID)
			}
		}
	}
}
