package game

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tecu23/live-server/pkg/chess"
	"github.com/tecu23/live-server/pkg/messages"
)

// OfferKind names a negotiation sub-protocol.
type OfferKind string

const (
	OfferDraw    OfferKind = "draw"
	OfferUndo    OfferKind = "undo"
	OfferResume  OfferKind = "resume"
	OfferRematch OfferKind = "rematch"
)

// Offer is one outstanding proposal from one seat to the other. It
// resolves exactly once: accepted, declined, or expired.
type Offer struct {
	ID        uuid.UUID
	Kind      OfferKind
	By        chess.Color
	CreatedAt time.Time
	ExpiresAt time.Time // zero: persists until answered or the game ends

	// RematchColor is the color the inviter asked to play in the
	// follow-up game. Only rematch offers carry it; empty means no
	// stated choice, in which case the seats swap.
	RematchColor chess.Color
}

// rematchSeats resolves who holds which color in the follow-up game. The
// inviter gets the color they asked for; absent a stated choice they get
// the opposite of what they just played.
func (o *Offer) rematchSeats(inviterID, opponentID string) (whiteID, blackID string) {
	want := o.RematchColor
	if want == "" {
		want = o.By.Opp()
	}

	if want == chess.White {
		return inviterID, opponentID
	}

	return opponentID, inviterID
}

func (o *Offer) lapsed(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt)
}

// negotiations tracks at most one outstanding offer per kind. It is
// owned by the session actor and needs no locking.
type negotiations struct {
	pending map[OfferKind]*Offer
}

func newNegotiations() *negotiations {
	return &negotiations{pending: make(map[OfferKind]*Offer)}
}

// open registers a new offer, enforcing the one-outstanding-per-kind
// rule. An offer of the same kind that already lapsed is swept aside and
// returned so the caller can announce its expiry.
func (n *negotiations) open(
	kind OfferKind,
	by chess.Color,
	now time.Time,
	ttl time.Duration,
) (*Offer, *Offer, error) {
	var swept *Offer

	if cur, ok := n.pending[kind]; ok {
		if !cur.lapsed(now) {
			return nil, nil, ErrOfferAlreadyPending
		}

		delete(n.pending, kind)
		swept = cur
	}

	off := &Offer{
		ID:        uuid.New(),
		Kind:      kind,
		By:        by,
		CreatedAt: now,
	}
	if ttl > 0 {
		off.ExpiresAt = now.Add(ttl)
	}

	n.pending[kind] = off

	return off, swept, nil
}

// take resolves the outstanding offer of a kind in favor of the
// answering seat. Answers to an offer that lapsed, was never opened, or
// that the answerer opened themselves all fail with ErrOfferExpired:
// from the answerer's point of view there is nothing for them to answer.
func (n *negotiations) take(kind OfferKind, by chess.Color, now time.Time) (*Offer, error) {
	cur, ok := n.pending[kind]
	if !ok {
		return nil, ErrOfferExpired
	}

	if cur.lapsed(now) {
		delete(n.pending, kind)
		return nil, ErrOfferExpired
	}

	if cur.By == by {
		return nil, ErrOfferExpired
	}

	delete(n.pending, kind)

	return cur, nil
}

// find returns the pending offer of a kind, if any.
func (n *negotiations) find(kind OfferKind) (*Offer, bool) {
	off, ok := n.pending[kind]
	return off, ok
}

// expire removes and returns every offer lapsed as of now.
func (n *negotiations) expire(now time.Time) []*Offer {
	var out []*Offer

	for kind, off := range n.pending {
		if off.lapsed(now) {
			delete(n.pending, kind)
			out = append(out, off)
		}
	}

	return out
}

// clearAll empties the table and returns what was pending, for the
// expiry announcements a finishing game owes.
func (n *negotiations) clearAll() []*Offer {
	out := make([]*Offer, 0, len(n.pending))
	for kind, off := range n.pending {
		delete(n.pending, kind)
		out = append(out, off)
	}

	return out
}

// views renders the table for a state payload, in stable order.
func (n *negotiations) views(now time.Time) []messages.PendingOfferPayload {
	out := make([]messages.PendingOfferPayload, 0, len(n.pending))

	for _, off := range n.pending {
		if off.lapsed(now) {
			continue
		}

		view := messages.PendingOfferPayload{
			Kind:  string(off.Kind),
			By:    string(off.By),
			Color: string(off.RematchColor),
		}
		if !off.ExpiresAt.IsZero() {
			view.ExpiresAt = off.ExpiresAt.UnixMilli()
		}

		out = append(out, view)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })

	if len(out) == 0 {
		return nil
	}

	return out
}
