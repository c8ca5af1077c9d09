package storage

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// HashToken returns the storage key for a session token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (s *Store) CreateUser(name string) (User, error) {
	u := User{ID: uuid.New().String(), Name: name, CreatedAt: time.Now().UTC().Truncate(time.Second)}
	if _, err := s.db.Exec(`INSERT INTO users (id, name, created_at) VALUES (?, ?, ?)`,
		u.ID, u.Name, formatTime(u.CreatedAt)); err != nil {
		return User{}, fmt.Errorf("inserting user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUser(id string) (User, error) {
	var u User
	var createdAt string
	err := s.db.QueryRow(`SELECT id, name, created_at FROM users WHERE id = ?`, id).Scan(&u.ID, &u.Name, &createdAt)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.CreatedAt, err = parseTime("created_at", createdAt)
	return u, err
}

// CreateSession stores a token for userID. A zero ttl means the session never expires.
func (s *Store) CreateSession(userID, token string, ttl time.Duration) error {
	now := time.Now()
	var expires any
	if ttl > 0 {
		expires = formatTime(now.Add(ttl))
	}
	_, err := s.db.Exec(`INSERT INTO sessions (token_hash, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		HashToken(token), userID, formatTime(now), expires)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// UserForToken resolves a session token to its user id. Expired or unknown
// tokens return ErrNotFound.
func (s *Store) UserForToken(token string) (string, error) {
	var userID string
	var expires sql.NullString
	err := s.db.QueryRow(`SELECT user_id, expires_at FROM sessions WHERE token_hash = ?`, HashToken(token)).Scan(&userID, &expires)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if expires.Valid && expires.String != "" {
		t, err := parseTime("expires_at", expires.String)
		if err != nil {
			return "", err
		}
		if time.Now().After(t) {
			return "", ErrNotFound
		}
	}
	return userID, nil
}

func (s *Store) DeleteSession(token string) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE token_hash = ?`, HashToken(token))
	if err != nil {
		return err
	}
	return expectRows(res)
}
