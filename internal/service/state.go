package service

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// StateManager signs and verifies the OAuth state parameter. The state is a
// short-lived HS256 JWT binding the authorize redirect to the initiating
// user, so the flow handler stays stateless: nothing is persisted until the
// callback arrives.
type StateManager struct {
	secret []byte
	ttl    time.Duration
}

// NewStateManager creates a new state manager
func NewStateManager(secret string, ttl time.Duration) *StateManager {
	return &StateManager{
		secret: []byte(secret),
		ttl:    ttl,
	}
}

// Sign issues a state token for an authorize redirect started by userID
func (m *StateManager) Sign(userID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"jti":     uuid.New().String(),
		"exp":     now.Add(m.ttl).Unix(),
		"iat":     now.Unix(),
		"purpose": "oauth_state",
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign state: %w", err)
	}

	return signed, nil
}

// Verify checks signature, purpose and freshness and returns the bound
// user id plus the state's unique id for replay tracking
func (m *StateManager) Verify(state string) (userID, jti string, err error) {
	token, err := jwt.Parse(state, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to parse state: %w", err)
	}

	if !token.Valid {
		return "", "", fmt.Errorf("invalid state token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", fmt.Errorf("invalid state claims")
	}

	if claims["purpose"] != "oauth_state" {
		return "", "", fmt.Errorf("invalid state purpose")
	}

	userID, ok = claims["user_id"].(string)
	if !ok || userID == "" {
		return "", "", fmt.Errorf("invalid user_id in state")
	}

	jti, ok = claims["jti"].(string)
	if !ok || jti == "" {
		return "", "", fmt.Errorf("invalid jti in state")
	}

	exp, ok := claims["exp"].(float64)
	if !ok {
		return "", "", fmt.Errorf("invalid exp in state")
	}
	if time.Now().Unix() > int64(exp) {
		return "", "", fmt.Errorf("state is expired")
	}

	return userID, jti, nil
}
