package api

import (
	"context"
	"sync"

	"github.com/johndauphine/scan-migrate/internal/logging"
	"github.com/johndauphine/scan-migrate/internal/scan"
)

// Session binds a client to one instance and its token.
type Session struct {
	client   *Client
	instance string
	creds    Credentials
}

// Instance returns the instance name.
func (s *Session) Instance() string { return s.instance }

// AccountID returns the authenticated account id.
func (s *Session) AccountID() scan.ObjectID { return s.creds.AccountID }

func (s *Session) DownloadFile(ctx context.Context, fileID int64) (scan.DownloadedFile, error) {
	return s.client.DownloadFile(ctx, s.instance, s.creds.Token, fileID)
}

func (s *Session) UploadFile(ctx context.Context, f scan.DownloadedFile, inputType string) (scan.ObjectID, error) {
	return s.client.UploadFile(ctx, s.instance, s.creds.Token, f, inputType)
}

func (s *Session) CreateScan(ctx context.Context, payload map[string]any) (scan.ObjectID, error) {
	return s.client.CreateScan(ctx, s.instance, s.creds.Token, payload)
}

type tokenKey struct {
	instance, username, password string
}

// TokenCache authenticates each instance/credential pair once and hands out
// sessions sharing that token. Create one per run.
type TokenCache struct {
	client *Client

	mu      sync.Mutex
	entries map[tokenKey]Credentials
}

// NewTokenCache creates an empty cache backed by client.
func NewTokenCache(client *Client) *TokenCache {
	return &TokenCache{client: client, entries: make(map[tokenKey]Credentials)}
}

// Session returns a session for the given credentials, authenticating on
// first use. Failed attempts are not cached.
func (tc *TokenCache) Session(ctx context.Context, instance, username, password string) (*Session, error) {
	key := tokenKey{instance, username, password}

	tc.mu.Lock()
	defer tc.mu.Unlock()

	if creds, ok := tc.entries[key]; ok {
		return &Session{client: tc.client, instance: instance, creds: creds}, nil
	}

	creds, err := tc.client.Authenticate(ctx, instance, username, password)
	if err != nil {
		return nil, err
	}
	logging.Info("Authenticated to %s as %s (account %s)", instance, username, creds.AccountID)
	tc.entries[key] = creds
	return &Session{client: tc.client, instance: instance, creds: creds}, nil
}

// Len returns how many credential sets are cached.
func (tc *TokenCache) Len() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.entries)
}
