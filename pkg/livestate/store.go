// Package livestate keeps the state of running games in Redis so a
// restarted process can pick every game back up where it stood.
package livestate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tecu23/live-server/pkg/game"
)

const (
	gameKeyPrefix = "live:game:"
	indexKey      = "live:games"

	// Live records outlive any reasonable pause; unfinished games older
	// than this are garbage.
	defaultTTL = 48 * time.Hour

	writeBacklog = 256
	writeTimeout = 5 * time.Second
)

type op struct {
	drop bool
	id   string
	rec  game.LiveRecord
}

// Store persists live game records. Writes are taken over by a single
// worker goroutine in submission order, so the session actor never waits
// on Redis and a newer snapshot is never overwritten by an older one.
type Store struct {
	rdb *redis.Client
	ttl time.Duration

	ops      chan op
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	logger *zap.Logger
}

// New wraps an existing client. A non-positive ttl keeps the default
// record expiry.
func New(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}

	s := &Store{
		rdb:    rdb,
		ttl:    ttl,
		ops:    make(chan op, writeBacklog),
		done:   make(chan struct{}),
		logger: logger,
	}

	s.wg.Add(1)
	go s.writer()

	return s
}

// Connect dials Redis from a URL, verifies the connection and returns a
// running store.
func Connect(redisURL string, ttl time.Duration, logger *zap.Logger) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return New(rdb, ttl, logger), nil
}

// Close stops the writer after draining queued writes, then releases the
// client.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	return s.rdb.Close()
}

// SaveLive queues an upsert of the game's live record. It returns
// immediately.
func (s *Store) SaveLive(rec game.LiveRecord) {
	s.enqueue(op{id: rec.GameID, rec: rec})
}

// DropLive queues removal of a game's live record, used when the game
// finishes and moves to the archive.
func (s *Store) DropLive(gameID string) {
	s.enqueue(op{drop: true, id: gameID})
}

// FindLive returns a game's live record when one exists.
func (s *Store) FindLive(ctx context.Context, gameID string) (game.LiveRecord, bool, error) {
	raw, err := s.rdb.Get(ctx, gameKeyPrefix+gameID).Bytes()
	if errors.Is(err, redis.Nil) {
		return game.LiveRecord{}, false, nil
	}
	if err != nil {
		return game.LiveRecord{}, false, err
	}

	var rec game.LiveRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return game.LiveRecord{}, false, err
	}

	return rec, true, nil
}

// ListLive returns every live record, cleaning index entries whose
// record already expired.
func (s *Store) ListLive(ctx context.Context) ([]game.LiveRecord, error) {
	ids, err := s.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, err
	}

	var out []game.LiveRecord
	for _, id := range ids {
		rec, ok, err := s.FindLive(ctx, id)
		if err != nil {
			s.logger.Warn("skipping unreadable live record",
				zap.String("game_id", id),
				zap.Error(err))
			continue
		}
		if !ok {
			s.rdb.SRem(ctx, indexKey, id)
			continue
		}

		out = append(out, rec)
	}

	return out, nil
}

func (s *Store) enqueue(o op) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.ops <- o:
	default:
		s.logger.Warn("live-state write backlog full, dropping write",
			zap.String("game_id", o.id))
	}
}

func (s *Store) writer() {
	defer s.wg.Done()

	for {
		select {
		case o := <-s.ops:
			s.apply(o)
		case <-s.done:
			// Flush whatever was accepted before shutdown.
			for {
				select {
				case o := <-s.ops:
					s.apply(o)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) apply(o op) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if o.drop {
		pipe := s.rdb.Pipeline()
		pipe.Del(ctx, gameKeyPrefix+o.id)
		pipe.SRem(ctx, indexKey, o.id)
		if _, err := pipe.Exec(ctx); err != nil {
			s.logger.Error("dropping live record failed",
				zap.String("game_id", o.id),
				zap.Error(err))
		}
		return
	}

	raw, err := json.Marshal(o.rec)
	if err != nil {
		s.logger.Error("encoding live record failed",
			zap.String("game_id", o.id),
			zap.Error(err))
		return
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, gameKeyPrefix+o.id, raw, s.ttl)
	pipe.SAdd(ctx, indexKey, o.id)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("saving live record failed",
			zap.String("game_id", o.id),
			zap.Error(err))
	}
}
