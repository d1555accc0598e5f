// Package store persists per-user configuration: credentials, API keys,
// user-level environment variables, and MCP server specs.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrSpecNotFound   = errors.New("server spec not found")
	ErrAPIKeyNotFound = errors.New("api key not found")
	ErrEnvKeyNotFound = errors.New("environment variable not found")
)

// User groups
const (
	GroupAdmin = "admins"
	GroupUser  = "users"
)

// ServerSpec is a user-supplied MCP server definition
type ServerSpec struct {
	Command     string            `json:"command"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Description string            `json:"description,omitempty"`
	Disabled    bool              `json:"disabled,omitempty"`
}

// User is the persisted per-user document
type User struct {
	Username       string            `json:"username"`
	HashedPassword string            `json:"-"`
	Group          string            `json:"group"`
	Disabled       bool              `json:"disabled"`
	Env            map[string]string `json:"env"`
	CreatedAt      time.Time         `json:"created_at"`
}

// IsAdmin reports whether the user belongs to the admin group
func (u *User) IsAdmin() bool {
	return u.Group == GroupAdmin
}

// APIKey is the stored form of an issued API key (the key itself is only
// returned once at creation time; we keep a hash)
type APIKey struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// Store handles user-config persistence
type Store struct {
	db *sql.DB
}

// NewStore creates a new user-config store with SQLite backend
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "users.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		hashed_password TEXT NOT NULL,
		user_group TEXT NOT NULL DEFAULT 'users',
		disabled INTEGER NOT NULL DEFAULT 0,
		env TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS mcpservers (
		username TEXT NOT NULL,
		name TEXT NOT NULL,
		spec TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (username, name)
	);
	CREATE TABLE IF NOT EXISTS api_keys (
		key_hash TEXT PRIMARY KEY,
		id TEXT NOT NULL,
		username TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_api_keys_username ON api_keys(username);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Users ---

// CreateUser inserts a new user record
func (s *Store) CreateUser(username, hashedPassword, group string) error {
	_, err := s.db.Exec(
		`INSERT INTO users (username, hashed_password, user_group) VALUES (?, ?, ?)`,
		username, hashedPassword, group,
	)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// GetUser returns a user by username
func (s *Store) GetUser(username string) (*User, error) {
	var u User
	var disabled int
	var envJSON string

	err := s.db.QueryRow(
		`SELECT username, hashed_password, user_group, disabled, env, created_at FROM users WHERE username = ?`,
		username,
	).Scan(&u.Username, &u.HashedPassword, &u.Group, &disabled, &envJSON, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}

	u.Disabled = disabled != 0
	if err := json.Unmarshal([]byte(envJSON), &u.Env); err != nil {
		return nil, fmt.Errorf("failed to decode user env: %w", err)
	}
	if u.Env == nil {
		u.Env = map[string]string{}
	}
	return &u, nil
}

// ListUsernames returns all known usernames
func (s *Store) ListUsernames() ([]string, error) {
	rows, err := s.db.Query(`SELECT username FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan username: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// SetPassword replaces the stored password hash for a user
func (s *Store) SetPassword(username, hashedPassword string) error {
	res, err := s.db.Exec(`UPDATE users SET hashed_password = ? WHERE username = ?`, hashedPassword, username)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// --- User-level environment ---

// GetUserEnv returns the user-level env map
func (s *Store) GetUserEnv(username string) (map[string]string, error) {
	u, err := s.GetUser(username)
	if err != nil {
		return nil, err
	}
	return u.Env, nil
}

// PutUserEnv replaces the user-level env map
func (s *Store) PutUserEnv(username string, env map[string]string) error {
	if env == nil {
		env = map[string]string{}
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode env: %w", err)
	}
	res, err := s.db.Exec(`UPDATE users SET env = ? WHERE username = ?`, string(data), username)
	if err != nil {
		return fmt.Errorf("failed to update env: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetUserEnvKey sets one key in the user-level env map
func (s *Store) SetUserEnvKey(username, key, value string) error {
	env, err := s.GetUserEnv(username)
	if err != nil {
		return err
	}
	env[key] = value
	return s.PutUserEnv(username, env)
}

// DeleteUserEnvKey removes one key from the user-level env map.
// Deleting a missing key is an error so the HTTP layer can surface 404.
func (s *Store) DeleteUserEnvKey(username, key string) error {
	env, err := s.GetUserEnv(username)
	if err != nil {
		return err
	}
	if _, ok := env[key]; !ok {
		return fmt.Errorf("%w: %s", ErrEnvKeyNotFound, key)
	}
	delete(env, key)
	return s.PutUserEnv(username, env)
}

// --- Server specs ---

// PutServerSpec creates or replaces a server spec for a user
func (s *Store) PutServerSpec(username, name string, spec ServerSpec) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("failed to encode spec: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO mcpservers (username, name, spec, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(username, name) DO UPDATE SET spec = excluded.spec, updated_at = excluded.updated_at`,
		username, name, string(data), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert spec: %w", err)
	}
	return nil
}

// GetServerSpec returns one server spec
func (s *Store) GetServerSpec(username, name string) (*ServerSpec, error) {
	var data string
	err := s.db.QueryRow(
		`SELECT spec FROM mcpservers WHERE username = ? AND name = ?`,
		username, name,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrSpecNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query spec: %w", err)
	}

	var spec ServerSpec
	if err := json.Unmarshal([]byte(data), &spec); err != nil {
		return nil, fmt.Errorf("failed to decode spec: %w", err)
	}
	return &spec, nil
}

// ListServerSpecs returns all server specs for a user
func (s *Store) ListServerSpecs(username string) (map[string]ServerSpec, error) {
	rows, err := s.db.Query(`SELECT name, spec FROM mcpservers WHERE username = ? ORDER BY name`, username)
	if err != nil {
		return nil, fmt.Errorf("failed to list specs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	specs := make(map[string]ServerSpec)
	for rows.Next() {
		var name, data string
		if err := rows.Scan(&name, &data); err != nil {
			return nil, fmt.Errorf("failed to scan spec: %w", err)
		}
		var spec ServerSpec
		if err := json.Unmarshal([]byte(data), &spec); err != nil {
			return nil, fmt.Errorf("failed to decode spec %q: %w", name, err)
		}
		specs[name] = spec
	}
	return specs, rows.Err()
}

// DeleteServerSpec removes a server spec
func (s *Store) DeleteServerSpec(username, name string) error {
	res, err := s.db.Exec(`DELETE FROM mcpservers WHERE username = ? AND name = ?`, username, name)
	if err != nil {
		return fmt.Errorf("failed to delete spec: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSpecNotFound
	}
	return nil
}

// --- API keys ---

// PutAPIKey stores a hashed API key for a user
func (s *Store) PutAPIKey(keyHash, id, username string) error {
	_, err := s.db.Exec(
		`INSERT INTO api_keys (key_hash, id, username) VALUES (?, ?, ?)`,
		keyHash, id, username,
	)
	if err != nil {
		return fmt.Errorf("failed to insert api key: %w", err)
	}
	return nil
}

// LookupAPIKey resolves a hashed API key to its owning username
func (s *Store) LookupAPIKey(keyHash string) (string, error) {
	var username string
	err := s.db.QueryRow(`SELECT username FROM api_keys WHERE key_hash = ?`, keyHash).Scan(&username)
	if err == sql.ErrNoRows {
		return "", ErrAPIKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query api key: %w", err)
	}
	return username, nil
}

// DeleteAPIKey revokes an API key by hash
func (s *Store) DeleteAPIKey(keyHash string) error {
	res, err := s.db.Exec(`DELETE FROM api_keys WHERE key_hash = ?`, keyHash)
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAPIKeyNotFound
	}
	return nil
}

// DeleteAPIKeyByID revokes one of a user's API keys by its public id
func (s *Store) DeleteAPIKeyByID(username, id string) error {
	res, err := s.db.Exec(`DELETE FROM api_keys WHERE username = ? AND id = ?`, username, id)
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAPIKeyNotFound
	}
	return nil
}

// ListAPIKeys returns metadata for a user's API keys
func (s *Store) ListAPIKeys(username string) ([]*APIKey, error) {
	rows, err := s.db.Query(
		`SELECT id, username, created_at FROM api_keys WHERE username = ? ORDER BY created_at DESC`,
		username,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.Username, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}
