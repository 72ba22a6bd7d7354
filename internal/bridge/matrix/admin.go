package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/synapseadmin"
)

// ErrAdminTokenUnavailable marks operations that need admin privileges when
// no admin session could be established.  Callers degrade to a no-op.
var ErrAdminTokenUnavailable = errors.New("matrix: admin token unavailable")

// AdminClient holds a lazily established, cached admin session.  A failed
// admin login never crashes the caller; operations that require it return
// ErrAdminTokenUnavailable instead.
type AdminClient struct {
	homeserverURL string
	serverName    string
	localpart     string
	password      string
	sharedSecret  string

	mu      sync.Mutex
	session *Client
}

// NewAdminClient creates an admin client for the given credentials.
// sharedSecret may be empty; it enables the Synapse shared-secret
// registration fallback when set.
func NewAdminClient(homeserverURL, serverName, localpart, password, sharedSecret string) *AdminClient {
	return &AdminClient{
		homeserverURL: homeserverURL,
		serverName:    serverName,
		localpart:     localpart,
		password:      password,
		sharedSecret:  sharedSecret,
	}
}

// Session returns the cached admin session, logging in on first use.
func (a *AdminClient) Session(ctx context.Context) (*Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		return a.session, nil
	}
	client, err := Login(ctx, a.homeserverURL, a.localpart, a.password, a.serverName)
	if err != nil {
		slog.Warn("admin login failed; admin-scoped operations degrade to no-op", "user", a.localpart, "err", err)
		return nil, fmt.Errorf("%w: %v", ErrAdminTokenUnavailable, err)
	}
	a.session = client
	return client, nil
}

// Token returns the cached admin access token.
func (a *AdminClient) Token(ctx context.Context) (string, error) {
	session, err := a.Session(ctx)
	if err != nil {
		return "", err
	}
	return session.AccessToken(), nil
}

// Invalidate drops the cached session so the next call logs in again.
func (a *AdminClient) Invalidate() {
	a.mu.Lock()
	a.session = nil
	a.mu.Unlock()
}

// UpdateDisplayName sets another user's display name through the Synapse
// admin API.  Used when the bridge does not hold that account's own token.
func (a *AdminClient) UpdateDisplayName(ctx context.Context, userID, displayName string) error {
	err := a.updateDisplayNameOnce(ctx, userID, displayName)
	if err != nil && errors.Is(err, mautrix.MUnknownToken) {
		a.Invalidate()
		err = a.updateDisplayNameOnce(ctx, userID, displayName)
	}
	return err
}

func (a *AdminClient) updateDisplayNameOnce(ctx context.Context, userID, displayName string) error {
	session, err := a.Session(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	cli := session.Mautrix()
	u := cli.BuildURL(mautrix.SynapseAdminURLPath{"v2", "users", userID})
	_, err = cli.MakeFullRequest(ctx, mautrix.FullRequest{
		Method:      http.MethodPut,
		URL:         u,
		RequestJSON: map[string]any{"displayname": displayName},
	})
	if err != nil {
		return fmt.Errorf("matrix: admin set displayname of %s: %w", userID, err)
	}
	return nil
}

// SharedSecretRegister registers an account through the Synapse admin
// shared-secret API.  Returns ErrAdminTokenUnavailable-style degradation when
// no shared secret is configured.
func (a *AdminClient) SharedSecretRegister(ctx context.Context, localpart, password, displayName string) (userID, accessToken string, err error) {
	if a.sharedSecret == "" {
		return "", "", fmt.Errorf("matrix: no registration shared secret configured")
	}
	cli, err := mautrix.NewClient(a.homeserverURL, "", "")
	if err != nil {
		return "", "", fmt.Errorf("matrix: create client: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()
	admin := &synapseadmin.Client{Client: cli}
	resp, err := admin.SharedSecretRegister(ctx, a.sharedSecret, synapseadmin.ReqSharedSecretRegister{
		Username:    localpart,
		Password:    password,
		Displayname: displayName,
		UserType:    "bot",
		Admin:       false,
	})
	if err != nil {
		return "", "", fmt.Errorf("matrix: shared-secret register %s: %w", localpart, err)
	}
	return resp.UserID.String(), resp.AccessToken, nil
}
