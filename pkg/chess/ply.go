package chess

// Ply is one committed half-move as the server records it: who played
// what, where it landed in the sequence, and the position it produced.
type Ply struct {
	Seq      int    `json:"seq"` // 1-based, gapless within a game
	Color    Color  `json:"color"`
	UCI      string `json:"uci"`
	SAN      string `json:"san"`
	FEN      string `json:"fen"`      // position after the move
	SpentMs  int64  `json:"spent_ms"` // think time charged to the mover
	ClientAt int64  `json:"client_at,omitempty"` // sender's wall clock, unix ms, informational only
}

// UCIList flattens plies to their UCI strings, oldest first.
func UCIList(plies []Ply) []string {
	out := make([]string, len(plies))
	for i, p := range plies {
		out[i] = p.UCI
	}

	return out
}
