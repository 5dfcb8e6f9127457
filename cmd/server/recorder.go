package main

import (
	"github.com/tecu23/live-server/pkg/game"
	"github.com/tecu23/live-server/pkg/livestate"
	"github.com/tecu23/live-server/pkg/repository"
)

// gameRecorder fans session persistence out to the configured stores:
// live snapshots to redis while a game runs, the finished record to the
// archive workers. The live side may be absent.
type gameRecorder struct {
	live     *livestate.Store
	archiver *repository.Archiver
}

func newGameRecorder(live *livestate.Store, archiver *repository.Archiver) *gameRecorder {
	return &gameRecorder{live: live, archiver: archiver}
}

func (r *gameRecorder) SaveLive(rec game.LiveRecord) {
	if r.live != nil {
		r.live.SaveLive(rec)
	}
}

func (r *gameRecorder) DropLive(gameID string) {
	if r.live != nil {
		r.live.DropLive(gameID)
	}
}

func (r *gameRecorder) ArchiveFinished(rec game.ArchiveRecord) {
	r.archiver.Enqueue(rec)
}
