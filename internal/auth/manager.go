// Package auth provides bearer-token authentication for the HTTP API.
// Two credential forms are accepted: short-lived JWT access tokens issued by
// Login, and long-lived API keys stored hashed in the user-config store.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/getsimpletool/mcpo-simple-server/internal/store"
)

const apiKeyPrefix = "mcpo-"

// Manager validates credentials and issues tokens
type Manager struct {
	store      *store.Store
	jwtSecret  []byte
	apiKeyHMAC []byte
	tokenTTL   time.Duration
}

// NewManager creates an auth manager.
// apiKeyEncryptionKey may be empty, in which case the JWT secret is reused
// for API key hashing.
func NewManager(st *store.Store, jwtSecret, apiKeyEncryptionKey string) *Manager {
	hmacKey := apiKeyEncryptionKey
	if hmacKey == "" {
		hmacKey = jwtSecret
	}
	return &Manager{
		store:      st,
		jwtSecret:  []byte(jwtSecret),
		apiKeyHMAC: []byte(hmacKey),
		tokenTTL:   24 * time.Hour,
	}
}

type claims struct {
	Group string `json:"grp"`
	jwt.RegisteredClaims
}

// Login verifies a password and returns a signed access token
func (m *Manager) Login(username, password string) (string, error) {
	u, err := m.store.GetUser(username)
	if err != nil {
		// Same failure for unknown user and wrong password
		return "", ErrInvalidCredentials
	}
	if u.Disabled {
		return "", ErrUserDisabled
	}
	if !CheckPassword(u.HashedPassword, password) {
		return "", ErrInvalidCredentials
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Group: u.Group,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenTTL)),
		},
	})
	signed, err := token.SignedString(m.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken parses a JWT and resolves the identity
func (m *Manager) ValidateAccessToken(tokenString string) (*Identity, error) {
	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.jwtSecret, nil
	})
	if err != nil || !token.Valid || c.Subject == "" {
		return nil, ErrInvalidToken
	}

	u, err := m.store.GetUser(c.Subject)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if u.Disabled {
		return nil, ErrUserDisabled
	}
	return &Identity{Username: u.Username, Group: u.Group}, nil
}

// CreateAPIKey issues a new API key for a user. The plaintext key is
// returned exactly once; only its HMAC is persisted.
func (m *Manager) CreateAPIKey(username string) (string, string, error) {
	id := uuid.NewString()
	key := apiKeyPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := m.store.PutAPIKey(m.hashKey(key), id, username); err != nil {
		return "", "", err
	}
	return key, id, nil
}

// ValidateAPIKey resolves a plaintext API key to an identity
func (m *Manager) ValidateAPIKey(key string) (*Identity, error) {
	if !strings.HasPrefix(key, apiKeyPrefix) {
		return nil, ErrInvalidToken
	}
	username, err := m.store.LookupAPIKey(m.hashKey(key))
	if err != nil {
		return nil, ErrInvalidToken
	}
	u, err := m.store.GetUser(username)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if u.Disabled {
		return nil, ErrUserDisabled
	}
	return &Identity{Username: u.Username, Group: u.Group}, nil
}

// RevokeAPIKey deletes an API key by its plaintext form
func (m *Manager) RevokeAPIKey(key string) error {
	return m.store.DeleteAPIKey(m.hashKey(key))
}

// RevokeAPIKeyByID deletes one of the user's API keys by its public id
func (m *Manager) RevokeAPIKeyByID(username, id string) error {
	return m.store.DeleteAPIKeyByID(username, id)
}

// IsAPIKey reports whether a bearer credential looks like an API key
// rather than a JWT
func IsAPIKey(credential string) bool {
	return strings.HasPrefix(credential, apiKeyPrefix)
}

func (m *Manager) hashKey(key string) string {
	mac := hmac.New(sha256.New, m.apiKeyHMAC)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}
