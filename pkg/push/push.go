// Package push delivers out-of-band signals to user devices: the
// incoming-call alert, its cancellation, and missed-call notices.
// Providers send to raw device tokens; the Service resolves a user ID
// to their registered tokens first.
package push

import (
	"context"
	"time"

	"go.uber.org/zap"

	"peercall-engine/pkg/logger"
)

// Provider defines the interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
}

// Notification represents one push payload. A Notification with an
// empty Title is sent as a data-only (silent) push where the provider
// supports it.
type Notification struct {
	Title    string            `json:"title,omitempty"`
	Body     string            `json:"body,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal
	Sound    string            `json:"sound,omitempty"`
	Category string            `json:"category,omitempty"`
}

// TokenType represents the push transport a token belongs to
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"
	TokenTypeAPNs TokenType = "apns"
)

// Token is one registered device token for a user
type Token struct {
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	DeviceID  string    `json:"device_id,omitempty"`
	Platform  string    `json:"platform,omitempty"` // ios, android
	Active    bool      `json:"active"`
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
}

// TokenRepository stores and retrieves device tokens
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByUserID(ctx context.Context, userID string) ([]*Token, error)
	GetByToken(ctx context.Context, token string) (*Token, error)
	MarkInactive(ctx context.Context, token string) error
	DeleteByUserID(ctx context.Context, userID string) error
}

// Service resolves user IDs to device tokens and fans pushes out
// through the configured provider.
type Service struct {
	provider Provider
	repo     TokenRepository
}

// NewService creates a push service on the given provider and token store
func NewService(provider Provider, repo TokenRepository) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
	}
}

// RegisterToken registers or refreshes a device token for a user
func (s *Service) RegisterToken(ctx context.Context, token *Token) error {
	now := time.Now().Unix()
	if existing, err := s.repo.GetByToken(ctx, token.Token); err == nil && existing != nil {
		existing.Active = true
		existing.UpdatedAt = now
		existing.DeviceID = token.DeviceID
		existing.Platform = token.Platform
		return s.repo.Store(ctx, existing)
	}

	token.Active = true
	if token.CreatedAt == 0 {
		token.CreatedAt = now
	}
	token.UpdatedAt = now
	return s.repo.Store(ctx, token)
}

// UnregisterAllTokens removes every token registered for a user
func (s *Service) UnregisterAllTokens(ctx context.Context, userID string) error {
	return s.repo.DeleteByUserID(ctx, userID)
}

// SendToUser delivers a notification to every active device of a user.
// A user with no registered tokens is not an error; the push is simply
// skipped.
func (s *Service) SendToUser(ctx context.Context, notification *Notification, userID string) (*SendResult, error) {
	tokens, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	var active []string
	for _, token := range tokens {
		if token.Active {
			active = append(active, token.Token)
		}
	}
	if len(active) == 0 {
		logger.Debug("no active push tokens for user", zap.String("user_id", userID))
		return &SendResult{}, nil
	}

	result, err := s.provider.Send(ctx, notification, active)
	if err != nil {
		return nil, err
	}

	if len(result.InvalidTokens) > 0 {
		s.retireInvalidTokens(ctx, result.InvalidTokens)
	}
	return result, nil
}

// retireInvalidTokens marks tokens rejected by the provider as inactive
func (s *Service) retireInvalidTokens(ctx context.Context, invalid []string) {
	for _, token := range invalid {
		if err := s.repo.MarkInactive(ctx, token); err != nil {
			logger.Warn("failed to mark push token inactive",
				zap.String("token_prefix", maskPushToken(token)),
				zap.Error(err))
		}
	}
}

// MockProvider records sends without delivering anything. Used in
// tests and when no real provider is configured.
type MockProvider struct {
	NotificationsSent int
}

// Send implements Provider
func (m *MockProvider) Send(_ context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.NotificationsSent++
	logger.Debug("mock push send",
		zap.String("title", notification.Title),
		zap.Int("token_count", len(tokens)))
	return &SendResult{SuccessCount: len(tokens)}, nil
}

// maskPushToken returns a log-safe form of a device token
func maskPushToken(token string) string {
	if len(token) <= 16 {
		return "********"
	}
	return token[:8] + "..." + token[len(token)-8:]
}
