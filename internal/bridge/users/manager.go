// Package users provisions and maintains Matrix accounts: one per Letta
// agent plus the fixed service accounts (MCP bot, mail bridge).
package users

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"maunium.net/go/mautrix"

	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/config"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/matrix"
)

// devPassword replaces generated passwords when DEV_MODE is on, so local
// test environments can log in as agents without reading the mapping file.
const devPassword = "letta-dev-password"

// ExistsState is the outcome of a user-existence probe.
type ExistsState int

const (
	// NotFound means the localpart is free to register.
	NotFound ExistsState = iota
	// Exists means the probe login unexpectedly succeeded.
	Exists
	// ExistsAuthFailed means the account exists but the probe password was
	// rejected, which is the normal signal for an already-provisioned user.
	ExistsAuthFailed
)

// Manager creates and maintains bridge-owned Matrix accounts.
type Manager struct {
	cfg     config.Matrix
	admin   *matrix.AdminClient
	devMode bool
}

// NewManager creates a user manager.  admin enables display-name updates for
// accounts whose token the bridge does not hold, and the shared-secret
// registration fallback.
func NewManager(cfg config.Matrix, admin *matrix.AdminClient, devMode bool) *Manager {
	return &Manager{cfg: cfg, admin: admin, devMode: devMode}
}

// GenerateUsername derives a stable Matrix localpart from a Letta agent ID.
// The leading "agent-" token is dropped, hyphens become underscores, and any
// character outside [A-Za-z0-9_] is removed.  The result always carries the
// "agent_" prefix, so provisioned identities are recognizable by localpart.
func GenerateUsername(agentID string) string {
	s := strings.TrimPrefix(agentID, "agent-")
	s = strings.ReplaceAll(s, "-", "_")
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		}
	}
	return "agent_" + strings.ToLower(b.String())
}

const passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GeneratePassword returns a random 16-character alphanumeric password, or
// the fixed dev password in dev mode.
func (m *Manager) GeneratePassword() (string, error) {
	if m.devMode {
		return devPassword, nil
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("users: generate password: %w", err)
	}
	for i, b := range buf {
		buf[i] = passwordAlphabet[int(b)%len(passwordAlphabet)]
	}
	return string(buf), nil
}

// CheckUserExists probes an account by logging in with its expected
// password.  Synapse answers M_FORBIDDEN both for a wrong password and for an
// unknown user, so ExistsAuthFailed really means "not usable as-is": callers
// follow up with CreateUser, which is idempotent for taken localparts.
func (m *Manager) CheckUserExists(ctx context.Context, localpart, password string) (ExistsState, error) {
	_, err := matrix.Login(ctx, m.cfg.HomeserverURL, localpart, password, m.cfg.ServerName)
	if err == nil {
		return Exists, nil
	}
	switch {
	case errors.Is(err, mautrix.MForbidden):
		return ExistsAuthFailed, nil
	case matrix.HTTPStatus(err) == 0:
		// Transport failure; nothing can be concluded about the account.
		return NotFound, fmt.Errorf("users: existence probe for %s: %w", localpart, err)
	}
	return NotFound, nil
}

// CreateUser registers a Matrix account and sets its display name.  An
// already-registered localpart is treated as success.  When open registration
// is refused, the Synapse shared-secret admin API is tried as a fallback.
func (m *Manager) CreateUser(ctx context.Context, localpart, password, displayName string) (userID string, existed bool, err error) {
	userID, token, err := matrix.RegisterDummy(ctx, m.cfg.HomeserverURL, localpart, password, "letta-bridge")
	switch {
	case err == nil:
		// fallthrough to display-name handling below

	case errors.Is(err, mautrix.MUserInUse):
		slog.Debug("user already registered", "user", localpart)
		if displayName != "" {
			if dnErr := m.UpdateDisplayName(ctx, m.cfg.UserID(localpart), displayName); dnErr != nil {
				slog.Warn("display name update failed", "user", localpart, "err", dnErr)
			}
		}
		return m.cfg.UserID(localpart), true, nil

	case errors.Is(err, mautrix.MForbidden) || matrix.HTTPStatus(err) == 403:
		slog.Info("open registration refused, trying shared-secret registration", "user", localpart)
		userID, token, err = m.admin.SharedSecretRegister(ctx, localpart, password, displayName)
		if err != nil {
			return "", false, fmt.Errorf("users: register %s: %w", localpart, err)
		}
		// Shared-secret registration already applied the display name.
		return userID, false, nil

	default:
		return "", false, fmt.Errorf("users: register %s: %w", localpart, err)
	}

	if displayName != "" && token != "" {
		client, cErr := matrix.NewClient(m.cfg.HomeserverURL, userID, token, m.cfg.ServerName)
		if cErr == nil {
			if dnErr := client.SetOwnDisplayName(ctx, displayName); dnErr != nil {
				slog.Warn("display name set failed after registration", "user", localpart, "err", dnErr)
			}
		}
	}
	slog.Info("registered matrix user", "user", userID)
	return userID, false, nil
}

// UpdateDisplayName sets a user's display name through the admin API,
// degrading to a no-op when no admin session is available.
func (m *Manager) UpdateDisplayName(ctx context.Context, userID, displayName string) error {
	err := m.admin.UpdateDisplayName(ctx, userID, displayName)
	if errors.Is(err, matrix.ErrAdminTokenUnavailable) {
		slog.Warn("skipping display name update, no admin session", "user", userID)
		return nil
	}
	return err
}

// coreUser is one fixed service account the bridge guarantees exists.
type coreUser struct {
	localpart   string
	password    string
	displayName string
}

// EnsureCoreUsersExist creates the service accounts that agent rooms depend
// on: the main bridge bot, the Matrix admin, and the optional MCP and mail
// bridge bots.  Failures are logged per account and do not abort the others;
// only the error of the last failing account is returned.
func (m *Manager) EnsureCoreUsersExist(ctx context.Context) error {
	var core []coreUser
	if m.cfg.Username != "" && m.cfg.Password != "" {
		core = append(core, coreUser{config.Localpart(m.cfg.Username), m.cfg.Password, "Letta Bot"})
	}
	// The admin defaults to the main bot account; only a distinct admin
	// needs its own bootstrap.
	if m.cfg.AdminUsername != "" && m.cfg.AdminPassword != "" && m.cfg.AdminUsername != m.cfg.Username {
		core = append(core, coreUser{config.Localpart(m.cfg.AdminUsername), m.cfg.AdminPassword, "Matrix Admin"})
	}
	if m.cfg.MCPUsername != "" && m.cfg.MCPPassword != "" {
		core = append(core, coreUser{config.Localpart(m.cfg.MCPUsername), m.cfg.MCPPassword, "Letta MCP"})
	}
	if m.cfg.MailBridgeUsername != "" && m.cfg.MailBridgePassword != "" {
		core = append(core, coreUser{config.Localpart(m.cfg.MailBridgeUsername), m.cfg.MailBridgePassword, "Mail Bridge"})
	}

	var lastErr error
	for _, u := range core {
		state, err := m.CheckUserExists(ctx, u.localpart, u.password)
		if err != nil {
			slog.Warn("core user existence check failed", "user", u.localpart, "err", err)
			lastErr = err
			continue
		}
		if state == Exists {
			continue
		}
		// Either missing or present with a different password; registration
		// tells the two apart (M_USER_IN_USE is success).
		if _, _, err := m.CreateUser(ctx, u.localpart, u.password, u.displayName); err != nil {
			slog.Error("core user creation failed", "user", u.localpart, "err", err)
			lastErr = err
		}
	}
	return lastErr
}
