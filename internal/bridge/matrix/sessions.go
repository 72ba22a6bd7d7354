package matrix

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"maunium.net/go/mautrix"
)

// SessionCache logs identities in on demand and caches the resulting clients
// so the bridge does not re-authenticate for every message it sends as an
// agent.  Sessions invalidated by the homeserver (M_UNKNOWN_TOKEN) are
// dropped and re-established on the next call.
type SessionCache struct {
	homeserverURL string
	serverName    string

	mu       sync.Mutex
	sessions map[string]*Client // keyed by localpart
}

// NewSessionCache creates an empty cache for the given homeserver.
func NewSessionCache(homeserverURL, serverName string) *SessionCache {
	return &SessionCache{
		homeserverURL: homeserverURL,
		serverName:    serverName,
		sessions:      make(map[string]*Client),
	}
}

// Get returns a logged-in client for the identity, reusing a cached session
// when one exists.
func (s *SessionCache) Get(ctx context.Context, localpart, password string) (*Client, error) {
	s.mu.Lock()
	cached, ok := s.sessions[localpart]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	client, err := Login(ctx, s.homeserverURL, localpart, password, s.serverName)
	if err != nil {
		return nil, fmt.Errorf("session login for %s: %w", localpart, err)
	}

	s.mu.Lock()
	s.sessions[localpart] = client
	s.mu.Unlock()
	return client, nil
}

// Invalidate drops the cached session for a localpart.
func (s *SessionCache) Invalidate(localpart string) {
	s.mu.Lock()
	delete(s.sessions, localpart)
	s.mu.Unlock()
}

// WithSession runs fn with a session for the identity, retrying once with a
// fresh login when the homeserver reports the cached token as invalid.
func (s *SessionCache) WithSession(ctx context.Context, localpart, password string, fn func(*Client) error) error {
	client, err := s.Get(ctx, localpart, password)
	if err != nil {
		return err
	}
	err = fn(client)
	if err != nil && errors.Is(err, mautrix.MUnknownToken) {
		s.Invalidate(localpart)
		client, err = s.Get(ctx, localpart, password)
		if err != nil {
			return err
		}
		return fn(client)
	}
	return err
}
