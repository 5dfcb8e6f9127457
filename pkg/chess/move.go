package chess

import (
	"errors"
	"fmt"
)

// ErrMalformedMove rejects input that does not even look like a move.
// Legality against a position is the rules layer's call, not ours.
var ErrMalformedMove = errors.New("malformed move")

// Square is a board coordinate in algebraic form, "a1" through "h8".
type Square string

// ParseSquare checks the two-byte shape of a square name.
func ParseSquare(s string) (Square, error) {
	if len(s) != 2 || s[0] < 'a' || s[0] > 'h' || s[1] < '1' || s[1] > '8' {
		return "", fmt.Errorf("%w: bad square %q", ErrMalformedMove, s)
	}

	return Square(s), nil
}

// File returns the square's file letter, 'a' through 'h'.
func (s Square) File() byte { return s[0] }

// Rank returns the square's rank digit, '1' through '8'.
func (s Square) Rank() byte { return s[1] }

// Promotion is the piece a pawn turns into, as a lowercase UCI letter.
type Promotion byte

const (
	NoPromotion     Promotion = 0
	PromoteToQueen  Promotion = 'q'
	PromoteToRook   Promotion = 'r'
	PromoteToBishop Promotion = 'b'
	PromoteToKnight Promotion = 'n'
)

// Move is a shape-checked half-move in coordinate form: origin square,
// destination square and an optional promotion piece. Parsing here is
// purely syntactic so that garbage is rejected before any board state is
// consulted.
type Move struct {
	From      Square
	To        Square
	Promotion Promotion
}

// ParseMove decodes the compact coordinate form "e2e4" or "e7e8q".
// Anything else fails with ErrMalformedMove.
func ParseMove(s string) (Move, error) {
	if len(s) != 4 && len(s) != 5 {
		return Move{}, fmt.Errorf("%w: %q", ErrMalformedMove, s)
	}

	from, err := ParseSquare(s[0:2])
	if err != nil {
		return Move{}, fmt.Errorf("%w: %q", ErrMalformedMove, s)
	}

	to, err := ParseSquare(s[2:4])
	if err != nil {
		return Move{}, fmt.Errorf("%w: %q", ErrMalformedMove, s)
	}

	mv := Move{From: from, To: to}

	if len(s) == 5 {
		switch p := Promotion(s[4]); p {
		case PromoteToQueen, PromoteToRook, PromoteToBishop, PromoteToKnight:
			mv.Promotion = p
		default:
			return Move{}, fmt.Errorf("%w: bad promotion in %q", ErrMalformedMove, s)
		}
	}

	return mv, nil
}

// String renders the move back to its coordinate form.
func (m Move) String() string {
	b := make([]byte, 0, 5)
	b = append(b, m.From...)
	b = append(b, m.To...)

	if m.Promotion != NoPromotion {
		b = append(b, byte(m.Promotion))
	}

	return string(b)
}
