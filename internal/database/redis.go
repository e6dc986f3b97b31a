package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/tariel-x/duocall/internal/roomstore"
)

const redisDocumentsKey = "duocall:documents"

// RedisRepository keeps every document as a field of one hash.
type RedisRepository struct {
	rdb *redis.Client
	key string
}

var _ roomstore.Persister = (*RedisRepository)(nil)

func NewRedisRepository(rdb *redis.Client) *RedisRepository {
	return &RedisRepository{rdb: rdb, key: redisDocumentsKey}
}

// ConnectRedis opens a client and checks the server is reachable.
func ConnectRedis(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

func (r *RedisRepository) SaveDocument(ctx context.Context, doc roomstore.Document) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return r.rdb.HSet(ctx, r.key, doc.Path, payload).Err()
}

func (r *RedisRepository) DeleteDocument(ctx context.Context, path string) error {
	return r.rdb.HDel(ctx, r.key, path).Err()
}

func (r *RedisRepository) LoadDocuments(ctx context.Context) ([]roomstore.Document, error) {
	fields, err := r.rdb.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, err
	}
	docs := make([]roomstore.Document, 0, len(fields))
	for path, payload := range fields {
		var doc roomstore.Document
		if err := json.Unmarshal([]byte(payload), &doc); err != nil {
			slog.Default().Warn("redis skip corrupt document", "path", path, "error", err)
			continue
		}
		docs = append(docs, doc)
	}
	roomstore.SortDocuments(docs)
	return docs, nil
}
