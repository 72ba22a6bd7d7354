package users

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/config"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/matrix"
)

func TestGenerateUsername(t *testing.T) {
	tests := []struct {
		agentID string
		want    string
	}{
		{"agent-d5f71d82-446f-4e0c-9916-69a3d0b163b0", "agent_d5f71d82_446f_4e0c_9916_69a3d0b163b0"},
		{"agent-simple", "agent_simple"},
		{"no-prefix-id", "agent_no_prefix_id"},
		{"agent-Weird!Chars#99", "agent_weirdchars99"},
		{"agent-", "agent_"},
	}
	for _, tt := range tests {
		if got := GenerateUsername(tt.agentID); got != tt.want {
			t.Errorf("GenerateUsername(%q) = %q, want %q", tt.agentID, got, tt.want)
		}
	}
}

func TestGeneratePassword(t *testing.T) {
	m := NewManager(config.Matrix{}, nil, false)
	p1, err := m.GeneratePassword()
	if err != nil {
		t.Fatalf("GeneratePassword: %v", err)
	}
	if len(p1) != 16 {
		t.Errorf("password length = %d, want 16", len(p1))
	}
	for _, r := range p1 {
		if !strings.ContainsRune(passwordAlphabet, r) {
			t.Errorf("password contains %q outside the alphabet", r)
		}
	}
	p2, _ := m.GeneratePassword()
	if p1 == p2 {
		t.Error("two generated passwords are identical")
	}
}

func TestGeneratePassword_DevMode(t *testing.T) {
	m := NewManager(config.Matrix{}, nil, true)
	p, err := m.GeneratePassword()
	if err != nil {
		t.Fatalf("GeneratePassword: %v", err)
	}
	if p != devPassword {
		t.Errorf("dev password = %q, want %q", p, devPassword)
	}
}

// fakeHomeserver builds a minimal Synapse-ish test server.
type fakeHomeserver struct {
	mux *http.ServeMux
	// registered accounts by localpart → password
	accounts map[string]string
}

func newFakeHomeserver(t *testing.T) (*fakeHomeserver, *httptest.Server) {
	t.Helper()
	f := &fakeHomeserver{mux: http.NewServeMux(), accounts: map[string]string{}}

	f.mux.HandleFunc("POST /_matrix/client/v3/login", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Identifier struct {
				User string `json:"user"`
			} `json:"identifier"`
			Password string `json:"password"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		pass, ok := f.accounts[req.Identifier.User]
		if !ok || pass != req.Password {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]string{"errcode": "M_FORBIDDEN", "error": "Invalid username or password"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"user_id":      "@" + req.Identifier.User + ":example.org",
			"access_token": "token-" + req.Identifier.User,
			"device_id":    "TEST",
		})
	})

	f.mux.HandleFunc("POST /_matrix/client/v3/register", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
			Auth     *struct {
				Type string `json:"type"`
			} `json:"auth"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Auth == nil {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{
				"session": "sess",
				"flows":   []map[string]any{{"stages": []string{"m.login.dummy"}}},
			})
			return
		}
		if _, taken := f.accounts[req.Username]; taken {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"errcode": "M_USER_IN_USE", "error": "User ID already taken."})
			return
		}
		f.accounts[req.Username] = req.Password
		json.NewEncoder(w).Encode(map[string]string{
			"user_id":      "@" + req.Username + ":example.org",
			"access_token": "token-" + req.Username,
			"device_id":    "TEST",
		})
	})

	// Profile endpoints used by SetOwnDisplayName.
	f.mux.HandleFunc("/_matrix/client/v3/profile/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	})

	srv := httptest.NewServer(f.mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func testManager(srvURL string, f *fakeHomeserver) *Manager {
	cfg := config.Matrix{
		HomeserverURL: srvURL,
		ServerName:    "example.org",
		AdminUsername: "@admin:example.org",
		AdminPassword: "adminpass",
	}
	admin := matrix.NewAdminClient(srvURL, "example.org", "admin", "adminpass", "")
	return NewManager(cfg, admin, false)
}

func TestEnsureCoreUsersExist_BootstrapsBotAndAdmin(t *testing.T) {
	f, srv := newFakeHomeserver(t)
	cfg := config.Matrix{
		HomeserverURL: srv.URL,
		ServerName:    "example.org",
		Username:      "@letta",
		Password:      "botpass12345678",
		AdminUsername: "@matrixadmin",
		AdminPassword: "adminpass1234567",
		MCPUsername:   "@mcpbot",
		MCPPassword:   "mcppass123456789",
	}
	admin := matrix.NewAdminClient(srv.URL, "example.org", "matrixadmin", "adminpass1234567", "")
	m := NewManager(cfg, admin, false)

	if err := m.EnsureCoreUsersExist(context.Background()); err != nil {
		t.Fatalf("EnsureCoreUsersExist: %v", err)
	}
	for localpart, password := range map[string]string{
		"letta":       "botpass12345678",
		"matrixadmin": "adminpass1234567",
		"mcpbot":      "mcppass123456789",
	} {
		if f.accounts[localpart] != password {
			t.Errorf("core user %q not registered", localpart)
		}
	}
}

func TestEnsureCoreUsersExist_AdminSharedWithBotOnce(t *testing.T) {
	f, srv := newFakeHomeserver(t)
	cfg := config.Matrix{
		HomeserverURL: srv.URL,
		ServerName:    "example.org",
		Username:      "@letta",
		Password:      "botpass12345678",
		// Admin fell back to the main bot account in config loading.
		AdminUsername: "@letta",
		AdminPassword: "botpass12345678",
	}
	m := NewManager(cfg, matrix.NewAdminClient(srv.URL, "example.org", "letta", "botpass12345678", ""), false)

	if err := m.EnsureCoreUsersExist(context.Background()); err != nil {
		t.Fatalf("EnsureCoreUsersExist: %v", err)
	}
	if f.accounts["letta"] != "botpass12345678" {
		t.Error("bot account not registered")
	}
	if len(f.accounts) != 1 {
		t.Errorf("accounts = %v, want only the shared bot/admin account", f.accounts)
	}
}

func TestCheckUserExists(t *testing.T) {
	f, srv := newFakeHomeserver(t)
	f.accounts["taken"] = "realpassword12345"
	m := testManager(srv.URL, f)

	state, err := m.CheckUserExists(context.Background(), "taken", "realpassword12345")
	if err != nil {
		t.Fatalf("CheckUserExists(taken, correct): %v", err)
	}
	if state != Exists {
		t.Errorf("state = %v, want Exists", state)
	}

	state, err = m.CheckUserExists(context.Background(), "taken", "wrongpassword")
	if err != nil {
		t.Fatalf("CheckUserExists(taken, wrong): %v", err)
	}
	if state != ExistsAuthFailed {
		t.Errorf("state = %v, want ExistsAuthFailed", state)
	}
}

func TestCreateUser_Registers(t *testing.T) {
	f, srv := newFakeHomeserver(t)
	m := testManager(srv.URL, f)

	userID, existed, err := m.CreateUser(context.Background(), "agent_abc", "pass1234pass1234", "Scratch")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if existed {
		t.Error("fresh registration reported as existing")
	}
	if userID != "@agent_abc:example.org" {
		t.Errorf("userID = %q", userID)
	}
	if f.accounts["agent_abc"] != "pass1234pass1234" {
		t.Error("account not registered on the server")
	}
}

func TestCreateUser_AlreadyInUse(t *testing.T) {
	f, srv := newFakeHomeserver(t)
	f.accounts["admin"] = "adminpass"
	f.accounts["agent_abc"] = "oldpassword12345"

	// Admin display-name endpoint (hit via the in-use path).
	f.mux.HandleFunc("PUT /_synapse/admin/v2/users/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	})

	m := testManager(srv.URL, f)
	userID, existed, err := m.CreateUser(context.Background(), "agent_abc", "newpassword12345", "Scratch")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if !existed {
		t.Error("existing account not reported as existing")
	}
	if userID != "@agent_abc:example.org" {
		t.Errorf("userID = %q", userID)
	}
	if f.accounts["agent_abc"] != "oldpassword12345" {
		t.Error("existing account password clobbered")
	}
}
