package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wpcall/wpcall/internals/metrics"
)

const roomKeyPrefix = "wpcall:room:"

// RoomKey returns the Redis key holding a room's record.
func RoomKey(roomID string) string {
	return roomKeyPrefix + roomID
}

// RedisStore persists room records in Redis.
type RedisStore struct {
	redis  *redis.Client
	logger *zap.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr, password string, db int, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}

	logger.Info("Redis connection established",
		zap.String("addr", addr),
		zap.Int("db", db),
	)

	return &RedisStore{redis: client, logger: logger}, nil
}

func (s *RedisStore) Load(ctx context.Context, roomID string) (*RoomRecord, error) {
	start := time.Now()
	data, err := s.redis.Get(ctx, RoomKey(roomID)).Bytes()
	if err == redis.Nil {
		metrics.ObserveStore(start, nil)
		return nil, nil
	}
	metrics.ObserveStore(start, err)
	if err != nil {
		s.logger.Error("Failed to load room record",
			zap.String("room_id", roomID),
			zap.Error(err),
		)
		return nil, err
	}

	var rec RoomRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Error("Failed to unmarshal room record",
			zap.String("room_id", roomID),
			zap.Error(err),
		)
		return nil, err
	}

	return &rec, nil
}

func (s *RedisStore) Save(ctx context.Context, roomID string, rec *RoomRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	start := time.Now()
	err = s.redis.Set(ctx, RoomKey(roomID), data, 0).Err()
	metrics.ObserveStore(start, err)
	if err != nil {
		s.logger.Error("Failed to persist room record",
			zap.String("room_id", roomID),
			zap.Error(err),
		)
	}
	return err
}

func (s *RedisStore) Close() error {
	return s.redis.Close()
}
