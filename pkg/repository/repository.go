// Package repository stores finished games. The live-state store owns a
// game while it is running; once a session finishes, its archive record
// lands here and becomes the queryable history.
package repository

import (
	"context"
	"errors"

	"github.com/tecu23/live-server/pkg/game"
)

// ErrNotFound is returned when the requested game was never archived.
var ErrNotFound = errors.New("game not found")

// Archive is the finished-game store.
type Archive interface {
	// Save persists a finished game. Saving the same game twice is a
	// no-op; archive records never change.
	Save(ctx context.Context, rec game.ArchiveRecord) error

	// Get returns one archived game by ID.
	Get(ctx context.Context, gameID string) (game.ArchiveRecord, error)

	// ListByUser returns games the user played in, most recently
	// finished first, at most limit entries.
	ListByUser(ctx context.Context, userID string, limit int) ([]game.ArchiveRecord, error)
}
