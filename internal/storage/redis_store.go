package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"courier/internal/models"
	"courier/internal/redis"
)

const redisSessionsKey = "courier:sessions"

// RedisStore keeps every session as a field of one Redis hash.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, key: redisSessionsKey}
}

func (s *RedisStore) LoadAll(ctx context.Context) (map[string]*models.Session, error) {
	fields, err := s.client.HGetAll(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", s.key, err)
	}
	out := make(map[string]*models.Session, len(fields))
	var corrupt []error
	for userID, payload := range fields {
		sess, err := decodeSession(userID, payload)
		if err != nil {
			corrupt = append(corrupt, err)
		}
		out[userID] = sess
	}
	return out, errors.Join(corrupt...)
}

func (s *RedisStore) SaveAll(ctx context.Context, sessions map[string]*models.Session) error {
	fields := make(map[string]interface{}, len(sessions))
	for userID, sess := range sessions {
		payload, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("encode session %s: %w", userID, err)
		}
		fields[userID] = payload
	}
	return s.client.HSetAll(ctx, s.key, fields)
}

func (s *RedisStore) SaveSession(ctx context.Context, sess *models.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.UserID, err)
	}
	return s.client.HSet(ctx, s.key, sess.UserID, payload)
}
