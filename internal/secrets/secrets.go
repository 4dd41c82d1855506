// Package secrets stores the account credentials used to authenticate sends.
package secrets

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrNotFound      = errors.New("no stored credentials")
	ErrInvalidKey    = errors.New("secret key must be 32 bytes")
	ErrDecryptFailed = errors.New("credentials could not be decrypted")
)

// Credentials is the access/refresh token pair for the posting account.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Valid reports whether there is anything to authenticate with.
func (c Credentials) Valid() bool {
	return c.AccessToken != "" || c.RefreshToken != ""
}

type Store interface {
	// Load returns ErrNotFound when nothing is stored.
	Load(ctx context.Context) (Credentials, error)
	Save(ctx context.Context, c Credentials) error
	Clear(ctx context.Context) error
}

// Memory keeps credentials in process memory. Used in tests and when no key
// is configured.
type Memory struct {
	mu    sync.RWMutex
	creds *Credentials
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Load(context.Context) (Credentials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.creds == nil {
		return Credentials{}, ErrNotFound
	}
	return *m.creds, nil
}

func (m *Memory) Save(_ context.Context, c Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = &c
	return nil
}

func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = nil
	return nil
}
