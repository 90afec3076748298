package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matheus3301/chatsync/internal/chat"
)

// RedisBackend shares typing records between agents. Each record is a key
// typing:<chatID>:<userID> with an expiry; changes are published on the
// channel typing:<chatID>.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend creates a backend on client.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func redisKey(chatID, userID string) string {
	return "typing:" + chatID + ":" + userID
}

func redisChannel(chatID string) string {
	return "typing:" + chatID
}

type redisStatus struct {
	ChatID    string `json:"chatId"`
	UserID    string `json:"userId"`
	IsTyping  bool   `json:"isTyping"`
	Timestamp int64  `json:"timestamp"`
}

func encodeStatus(s chat.TypingStatus) ([]byte, error) {
	return json.Marshal(redisStatus{
		ChatID:    s.ChatID,
		UserID:    s.UserID,
		IsTyping:  s.IsTyping,
		Timestamp: s.Timestamp.UnixMilli(),
	})
}

func decodeStatus(data string) (chat.TypingStatus, error) {
	var rs redisStatus
	if err := json.Unmarshal([]byte(data), &rs); err != nil {
		return chat.TypingStatus{}, err
	}
	return chat.TypingStatus{
		ChatID:    rs.ChatID,
		UserID:    rs.UserID,
		IsTyping:  rs.IsTyping,
		Timestamp: time.UnixMilli(rs.Timestamp),
	}, nil
}

func (r *RedisBackend) Put(ctx context.Context, status chat.TypingStatus, ttl time.Duration) error {
	payload, err := encodeStatus(status)
	if err != nil {
		return err
	}
	key := redisKey(status.ChatID, status.UserID)

	pipe := r.client.TxPipeline()
	if status.IsTyping {
		pipe.Set(ctx, key, payload, ttl)
	} else {
		pipe.Del(ctx, key)
	}
	pipe.Publish(ctx, redisChannel(status.ChatID), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put typing status: %w", err)
	}
	return nil
}

func (r *RedisBackend) Active(ctx context.Context, chatID string) ([]chat.TypingStatus, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, redisKey(chatID, "*"), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan typing keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read typing keys: %w", err)
	}
	var active []chat.TypingStatus
	for _, v := range values {
		data, ok := v.(string)
		if !ok {
			continue // expired between SCAN and MGET
		}
		status, err := decodeStatus(data)
		if err != nil || !status.IsTyping {
			continue
		}
		active = append(active, status)
	}
	return active, nil
}

func (r *RedisBackend) Watch(ctx context.Context, chatID string) (<-chan chat.TypingStatus, func(), error) {
	pubsub := r.client.Subscribe(ctx, redisChannel(chatID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe typing channel: %w", err)
	}

	out := make(chan chat.TypingStatus, 16)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			status, err := decodeStatus(msg.Payload)
			if err != nil {
				continue
			}
			select {
			case out <- status:
			default:
			}
		}
	}()
	return out, func() { _ = pubsub.Close() }, nil
}
