package memory

import (
	"context"
	"sync"

	"peercall-engine/pkg/push"
)

// TokenStore is an in-memory push.TokenRepository for tests and for
// running the agent without Redis.
type TokenStore struct {
	mu     sync.Mutex
	tokens map[string]*push.Token // keyed by token string
}

// NewTokenStore creates an empty token store
func NewTokenStore() *TokenStore {
	return &TokenStore{tokens: make(map[string]*push.Token)}
}

// Store registers or replaces a token
func (s *TokenStore) Store(_ context.Context, token *push.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *token
	s.tokens[token.Token] = &clone
	return nil
}

// GetByToken returns the token record, or nil when absent
func (s *TokenStore) GetByToken(_ context.Context, tokenStr string) (*push.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[tokenStr]
	if !ok {
		return nil, nil
	}
	clone := *token
	return &clone, nil
}

// GetByUserID returns all tokens registered for a user
func (s *TokenStore) GetByUserID(_ context.Context, userID string) ([]*push.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*push.Token
	for _, token := range s.tokens {
		if token.UserID == userID {
			clone := *token
			result = append(result, &clone)
		}
	}
	return result, nil
}

// MarkInactive flags a token so sends skip it
func (s *TokenStore) MarkInactive(_ context.Context, tokenStr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token, ok := s.tokens[tokenStr]; ok {
		token.Active = false
	}
	return nil
}

// DeleteByUserID removes every token for a user
func (s *TokenStore) DeleteByUserID(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, token := range s.tokens {
		if token.UserID == userID {
			delete(s.tokens, key)
		}
	}
	return nil
}
