package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// 只删除自己持有的锁
var releaseLockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// GenerationLock is a domain.ConversationLocker backed by Redis, so only one
// instance runs a generation for a conversation at a time.
type GenerationLock struct {
	client *redis.Client
	ttl    time.Duration
}

func NewGenerationLock(client *redis.Client, ttl time.Duration) *GenerationLock {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &GenerationLock{client: client, ttl: ttl}
}

func (l *GenerationLock) Acquire(ctx context.Context, conversationID, owner string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(conversationID), owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire generation lock: %w", err)
	}
	return ok, nil
}

func (l *GenerationLock) Release(ctx context.Context, conversationID, owner string) error {
	err := releaseLockScript.Run(ctx, l.client, []string{l.key(conversationID)}, owner).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("release generation lock: %w", err)
	}
	return nil
}

func (l *GenerationLock) key(conversationID string) string {
	return fmt.Sprintf("generation_lock:%s", conversationID)
}
