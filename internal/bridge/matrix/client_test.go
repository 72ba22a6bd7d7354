package matrix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeHomeserver records the requests the client makes so tests can assert
// on transaction ids and endpoint usage.
type fakeHomeserver struct {
	mu       sync.Mutex
	sendTxns []string
	typing   []bool
	joins    int
	joinCode int
	joinBody string
}

func newHomeserver(t *testing.T) (*fakeHomeserver, *httptest.Server) {
	t.Helper()
	hs := &fakeHomeserver{joinCode: http.StatusOK}
	mux := http.NewServeMux()

	mux.HandleFunc("PUT /_matrix/client/v3/rooms/{room}/send/{type}/{txn}", func(w http.ResponseWriter, r *http.Request) {
		hs.mu.Lock()
		hs.sendTxns = append(hs.sendTxns, r.PathValue("txn"))
		hs.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"event_id": "$sent"})
	})
	mux.HandleFunc("PUT /_matrix/client/v3/rooms/{room}/redact/{event}/{txn}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"event_id": "$redaction"})
	})
	mux.HandleFunc("PUT /_matrix/client/v3/rooms/{room}/typing/{user}", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Typing bool `json:"typing"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		hs.mu.Lock()
		hs.typing = append(hs.typing, body.Typing)
		hs.mu.Unlock()
		w.Write([]byte("{}"))
	})
	mux.HandleFunc("POST /_matrix/client/v3/rooms/{room}/join", func(w http.ResponseWriter, r *http.Request) {
		hs.mu.Lock()
		hs.joins++
		code, body := hs.joinCode, hs.joinBody
		hs.mu.Unlock()
		if code != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			w.Write([]byte(body))
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"room_id": r.PathValue("room")})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return hs, srv
}

func testClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(baseURL, "@letta:example.org", "secret-token", "example.org")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestSendText_FreshTxnIDPerSend(t *testing.T) {
	hs, srv := newHomeserver(t)
	c := testClient(t, srv.URL)

	for i := 0; i < 3; i++ {
		eventID, err := c.SendText(context.Background(), "!r:example.org", "hello")
		if err != nil {
			t.Fatalf("SendText: %v", err)
		}
		if eventID != "$sent" {
			t.Errorf("event id = %q", eventID)
		}
	}

	hs.mu.Lock()
	defer hs.mu.Unlock()
	if len(hs.sendTxns) != 3 {
		t.Fatalf("sends = %d, want 3", len(hs.sendTxns))
	}
	seen := map[string]bool{}
	for _, txn := range hs.sendTxns {
		if txn == "" {
			t.Error("empty transaction id")
		}
		if seen[txn] {
			t.Errorf("transaction id %q reused", txn)
		}
		seen[txn] = true
	}
}

func TestTyping_ClearTriggersExpiryWorkaround(t *testing.T) {
	hs, srv := newHomeserver(t)
	c := testClient(t, srv.URL)

	if err := c.Typing(context.Background(), "!r:example.org", true, 25*time.Second); err != nil {
		t.Fatalf("Typing(true): %v", err)
	}
	if err := c.Typing(context.Background(), "!r:example.org", false, 0); err != nil {
		t.Fatalf("Typing(false): %v", err)
	}

	hs.mu.Lock()
	defer hs.mu.Unlock()
	// Start is one send; clear is typing=false followed by the 1ms
	// typing=true that forces expiry.
	want := []bool{true, false, true}
	if len(hs.typing) != len(want) {
		t.Fatalf("typing sends = %v", hs.typing)
	}
	for i := range want {
		if hs.typing[i] != want[i] {
			t.Errorf("typing send %d = %v, want %v", i, hs.typing[i], want[i])
		}
	}
}

func TestStartTyping_StopClearsIndicator(t *testing.T) {
	hs, srv := newHomeserver(t)
	c := testClient(t, srv.URL)

	stop := c.StartTyping(context.Background(), "!r:example.org")
	stop()

	hs.mu.Lock()
	defer hs.mu.Unlock()
	want := []bool{true, false, true}
	if len(hs.typing) != len(want) {
		t.Fatalf("typing sends = %v", hs.typing)
	}
	for i := range want {
		if hs.typing[i] != want[i] {
			t.Errorf("typing send %d = %v, want %v", i, hs.typing[i], want[i])
		}
	}
}

func TestJoinRoom_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		body     string
		wantKind JoinErrorKind
	}{
		{"forbidden", 403, `{"errcode":"M_FORBIDDEN","error":"You are not invited to this room."}`, JoinForbidden},
		{"unknown room", 404, `{"errcode":"M_NOT_FOUND","error":"Unknown room"}`, JoinUnknownRoom},
		{"unrecognized", 404, `{"errcode":"M_UNRECOGNIZED","error":"Unrecognized request"}`, JoinUnrecognizedRequest},
		{"rate limited", 429, `{"errcode":"M_LIMIT_EXCEEDED","error":"Too Many Requests"}`, JoinRateLimited},
		{"bad token", 401, `{"errcode":"M_UNKNOWN_TOKEN","error":"Invalid access token"}`, JoinUnknownToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs, srv := newHomeserver(t)
			hs.joinCode, hs.joinBody = tt.code, tt.body
			c := testClient(t, srv.URL)

			_, err := c.JoinRoom(context.Background(), "!r:example.org")
			je := AsJoinError(err)
			if je == nil {
				t.Fatalf("err = %v, want JoinError", err)
			}
			if je.Kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", je.Kind, tt.wantKind)
			}
			if je.Status != tt.code {
				t.Errorf("status = %d, want %d", je.Status, tt.code)
			}
			if je.Hint() == "" {
				t.Error("empty hint")
			}
		})
	}
}

func TestIsAlreadyJoined(t *testing.T) {
	hs, srv := newHomeserver(t)
	hs.joinCode = 403
	hs.joinBody = `{"errcode":"M_FORBIDDEN","error":"@agent_x:example.org is already in the room."}`
	c := testClient(t, srv.URL)

	_, err := c.JoinRoom(context.Background(), "!r:example.org")
	if !IsAlreadyJoined(err) {
		t.Errorf("IsAlreadyJoined(%v) = false", err)
	}

	hs.joinBody = `{"errcode":"M_FORBIDDEN","error":"You are not invited to this room."}`
	_, err = c.JoinRoom(context.Background(), "!r:example.org")
	if IsAlreadyJoined(err) {
		t.Errorf("IsAlreadyJoined(%v) = true for a genuine 403", err)
	}
}

func TestJoinRoom_Succeeds(t *testing.T) {
	hs, srv := newHomeserver(t)
	c := testClient(t, srv.URL)

	roomID, err := c.JoinRoom(context.Background(), "!r:example.org")
	if err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if !strings.HasPrefix(roomID, "!r") {
		t.Errorf("room id = %q", roomID)
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.joins != 1 {
		t.Errorf("joins = %d", hs.joins)
	}
}
