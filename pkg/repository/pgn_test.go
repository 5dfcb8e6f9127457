package repository

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tecu23/live-server/pkg/chess"
	"github.com/tecu23/live-server/pkg/game"
	"github.com/tecu23/live-server/pkg/rules"
)

func foolsMateRecord() game.ArchiveRecord {
	return game.ArchiveRecord{
		GameID:     "g1",
		Mode:       "casual",
		WhiteID:    "alice",
		BlackID:    "bob",
		InitialFEN: rules.StartingFEN,
		Plies: []chess.Ply{
			{Seq: 1, Color: chess.White, UCI: "f2f3", SAN: "f3"},
			{Seq: 2, Color: chess.Black, UCI: "e7e5", SAN: "e5"},
			{Seq: 3, Color: chess.White, UCI: "g2g4", SAN: "g4"},
			{Seq: 4, Color: chess.Black, UCI: "d8h4", SAN: "Qh4#"},
		},
		Cause:  "checkmate",
		Result: "0-1",
		TimeControl: chess.TimeControl{
			WhiteTime: 180_000, BlackTime: 180_000,
			WhiteIncrement: 2_000, BlackIncrement: 2_000,
		},
		StartedAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		FinishedAt: time.Date(2025, 6, 1, 12, 3, 0, 0, time.UTC),
	}
}

func TestBuildPGNFullGame(t *testing.T) {
	pgn := BuildPGN(foolsMateRecord())

	assert.Contains(t, pgn, `[Event "Casual game"]`)
	assert.Contains(t, pgn, `[Date "2025.06.01"]`)
	assert.Contains(t, pgn, `[White "alice"]`)
	assert.Contains(t, pgn, `[Black "bob"]`)
	assert.Contains(t, pgn, `[Result "0-1"]`)
	assert.Contains(t, pgn, `[TimeControl "180+2"]`)
	assert.Contains(t, pgn, `[Termination "checkmate"]`)
	assert.NotContains(t, pgn, "[SetUp", "standard start needs no FEN tag")

	assert.Contains(t, pgn, "1. f3 e5 2. g4 Qh4# 0-1")
}

func TestBuildPGNCustomPositionBlackToMove(t *testing.T) {
	rec := foolsMateRecord()
	rec.InitialFEN = "k7/2Q5/8/8/8/8/8/K7 b - - 0 1"
	rec.Plies = []chess.Ply{
		{Seq: 1, Color: chess.Black, UCI: "a8b8", SAN: "Kb8"},
		{Seq: 2, Color: chess.White, UCI: "c7b6", SAN: "Qb6+"},
		{Seq: 3, Color: chess.Black, UCI: "b8a8", SAN: "Ka8"},
	}
	rec.Result = "*"
	rec.Cause = "abandonment"

	pgn := BuildPGN(rec)

	assert.Contains(t, pgn, `[SetUp "1"]`)
	assert.Contains(t, pgn, `[FEN "k7/2Q5/8/8/8/8/8/K7 b - - 0 1"]`)
	assert.Contains(t, pgn, "1... Kb8 2. Qb6+ Ka8 *")
}

func TestBuildPGNNoPlies(t *testing.T) {
	rec := foolsMateRecord()
	rec.Plies = nil
	rec.Result = ""

	pgn := BuildPGN(rec)

	require.True(t, strings.HasSuffix(strings.TrimSpace(pgn), "*"),
		"a voided game still carries the unknown-result marker")
}

func TestBuildPGNSanitizesTagValues(t *testing.T) {
	rec := foolsMateRecord()
	rec.WhiteID = `ali"ce`

	pgn := BuildPGN(rec)

	assert.Contains(t, pgn, `[White "ali'ce"]`)
}
