// Package redis holds the Redis-backed repositories. The engine keeps
// device push tokens here so invite, cancel, and missed-call signals
// can reach a user's devices without a round trip to the document store.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"peercall-engine/pkg/constants"
	"peercall-engine/pkg/logger"
	"peercall-engine/pkg/push"
)

// PushTokenRepository stores device push tokens in Redis.
//
// Layout:
//
//	push:token:{token}       -> JSON push.Token
//	push:user:{userID}:tokens -> set of token strings
type PushTokenRepository struct {
	client *redis.Client
}

// NewPushTokenRepository creates a push token repository
func NewPushTokenRepository(client *redis.Client) *PushTokenRepository {
	return &PushTokenRepository{client: client}
}

func tokenKey(token string) string {
	return fmt.Sprintf("push:token:%s", token)
}

func userTokensKey(userID string) string {
	return fmt.Sprintf("push:user:%s:tokens", userID)
}

// Store writes a token and indexes it under its user
func (r *PushTokenRepository) Store(ctx context.Context, token *push.Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	if err := r.client.Set(ctx, tokenKey(token.Token), data, constants.PushTokenExpiry).Err(); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	userKey := userTokensKey(token.UserID)
	if err := r.client.SAdd(ctx, userKey, token.Token).Err(); err != nil {
		return fmt.Errorf("failed to add token to user set: %w", err)
	}
	if err := r.client.Expire(ctx, userKey, constants.PushTokenExpiry).Err(); err != nil {
		logger.Warn("failed to set expiration on user token set",
			zap.String("user_id", token.UserID), zap.Error(err))
	}

	logger.Debug("push token stored",
		zap.String("user_id", token.UserID),
		zap.String("token_type", string(token.Type)))
	return nil
}

// GetByToken returns the token record, or nil when not registered
func (r *PushTokenRepository) GetByToken(ctx context.Context, tokenStr string) (*push.Token, error) {
	data, err := r.client.Get(ctx, tokenKey(tokenStr)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var token push.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return &token, nil
}

// GetByUserID returns all registered tokens for a user. Tokens that
// expired out of the value keyspace are pruned from the index lazily.
func (r *PushTokenRepository) GetByUserID(ctx context.Context, userID string) ([]*push.Token, error) {
	members, err := r.client.SMembers(ctx, userTokensKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user tokens: %w", err)
	}

	var result []*push.Token
	for _, tokenStr := range members {
		token, err := r.GetByToken(ctx, tokenStr)
		if err != nil {
			logger.Warn("failed to get token",
				zap.String("user_id", userID), zap.Error(err))
			continue
		}
		if token == nil {
			r.client.SRem(ctx, userTokensKey(userID), tokenStr)
			continue
		}
		result = append(result, token)
	}
	return result, nil
}

// MarkInactive flags a token so it is skipped on future sends
func (r *PushTokenRepository) MarkInactive(ctx context.Context, tokenStr string) error {
	token, err := r.GetByToken(ctx, tokenStr)
	if err != nil {
		return err
	}
	if token == nil {
		return nil
	}

	token.Active = false
	token.UpdatedAt = time.Now().Unix()

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := r.client.Set(ctx, tokenKey(tokenStr), data, constants.PushTokenExpiry).Err(); err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}

	logger.Debug("push token marked inactive", zap.String("user_id", token.UserID))
	return nil
}

// DeleteByUserID removes every token registered for a user
func (r *PushTokenRepository) DeleteByUserID(ctx context.Context, userID string) error {
	userKey := userTokensKey(userID)
	members, err := r.client.SMembers(ctx, userKey).Result()
	if err != nil {
		return fmt.Errorf("failed to get user tokens: %w", err)
	}

	for _, tokenStr := range members {
		if err := r.client.Del(ctx, tokenKey(tokenStr)).Err(); err != nil {
			logger.Warn("failed to delete token",
				zap.String("user_id", userID), zap.Error(err))
		}
	}

	if err := r.client.Del(ctx, userKey).Err(); err != nil {
		return fmt.Errorf("failed to delete user token set: %w", err)
	}

	logger.Debug("push tokens deleted for user",
		zap.String("user_id", userID), zap.Int("count", len(members)))
	return nil
}
