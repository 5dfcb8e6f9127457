package repository

import (
	"fmt"
	"strings"

	"github.com/tecu23/live-server/pkg/chess"
	"github.com/tecu23/live-server/pkg/game"
	"github.com/tecu23/live-server/pkg/rules"
)

// BuildPGN renders an archived game as PGN text: the seven-tag roster
// plus the extras consumers expect (TimeControl, Termination, and the
// SetUp/FEN pair for games from a custom position), then the movetext
// from the recorded SANs.
func BuildPGN(rec game.ArchiveRecord) string {
	var b strings.Builder

	date := rec.FinishedAt
	if date.IsZero() {
		date = rec.StartedAt
	}

	result := rec.Result
	if result == "" {
		result = string(game.ResultNone)
	}

	b.WriteString(fmt.Sprintf("[Event %q]\n", eventName(rec.Mode)))
	b.WriteString("[Site \"live-server\"]\n")
	if date.IsZero() {
		b.WriteString("[Date \"????.??.??\"]\n")
	} else {
		b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	}
	b.WriteString(fmt.Sprintf("[White %q]\n", sanitizeTag(rec.WhiteID)))
	b.WriteString(fmt.Sprintf("[Black %q]\n", sanitizeTag(rec.BlackID)))
	b.WriteString(fmt.Sprintf("[Result %q]\n", result))
	b.WriteString(fmt.Sprintf("[TimeControl %q]\n", rec.TimeControl.String()))
	if rec.Cause != "" {
		b.WriteString(fmt.Sprintf("[Termination %q]\n", sanitizeTag(rec.Cause)))
	}
	if rec.InitialFEN != "" && rec.InitialFEN != rules.StartingFEN {
		b.WriteString("[SetUp \"1\"]\n")
		b.WriteString(fmt.Sprintf("[FEN %q]\n", sanitizeTag(rec.InitialFEN)))
	}
	b.WriteString("\n")

	b.WriteString(movetext(rec.Plies, result))

	return b.String()
}

func movetext(plies []chess.Ply, result string) string {
	var b strings.Builder

	num := 1
	i := 0

	// A custom position may open with black to move; PGN marks that
	// with an ellipsis on the first number.
	if len(plies) > 0 && plies[0].Color == chess.Black {
		b.WriteString(fmt.Sprintf("%d... %s ", num, plies[0].SAN))
		num++
		i = 1
	}

	for ; i < len(plies); i += 2 {
		b.WriteString(fmt.Sprintf("%d. %s", num, plies[i].SAN))
		if i+1 < len(plies) {
			b.WriteString(" ")
			b.WriteString(plies[i+1].SAN)
		}
		b.WriteString(" ")
		num++
	}

	b.WriteString(result)

	return b.String()
}

func eventName(mode string) string {
	switch mode {
	case string(game.ModeRated):
		return "Rated game"
	case string(game.ModeCasual):
		return "Casual game"
	}

	return "Game"
}

func sanitizeTag(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
