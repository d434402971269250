package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/bugcanvas/annotsync/internal/domain"
	"github.com/bugcanvas/annotsync/internal/store"
)

// Redis stores one JSON dump per room under annotsync:room:<id>.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(ctx context.Context, addr string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	log.Info().Str("module", "adapters.persist").Str("addr", addr).Msg("redis snapshot store ready")
	return &Redis{rdb: rdb}, nil
}

func roomKey(room domain.RoomID) string {
	return "annotsync:room:" + string(room)
}

func (r *Redis) Save(ctx context.Context, room domain.RoomID, d store.Dump) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode dump: %w", err)
	}
	if err := r.rdb.Set(ctx, roomKey(room), payload, 0).Err(); err != nil {
		return fmt.Errorf("save snapshot %s: %w", room, err)
	}
	return nil
}

func (r *Redis) Load(ctx context.Context, room domain.RoomID) (*store.Dump, error) {
	payload, err := r.rdb.Get(ctx, roomKey(room)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", room, err)
	}
	var d store.Dump
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", room, err)
	}
	return &d, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
