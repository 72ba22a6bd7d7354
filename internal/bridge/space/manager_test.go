package space

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/config"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/matrix"
	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/store"
)

type fakeServer struct {
	createRequests []map[string]any
	// state[roomID][type/key] = content
	state map[string]map[string]map[string]map[string]any
	// rooms that respond 404 to state reads
	missing map[string]bool
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	f := &fakeServer{
		state:   map[string]map[string]map[string]map[string]any{},
		missing: map[string]bool{},
	}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /_matrix/client/v3/createRoom", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		f.createRequests = append(f.createRequests, req)
		json.NewEncoder(w).Encode(map[string]string{"room_id": "!space1:example.org"})
	})

	mux.HandleFunc("/_matrix/client/v3/rooms/", func(w http.ResponseWriter, r *http.Request) {
		// /_matrix/client/v3/rooms/{roomID}/state/{type}/{key}
		parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/_matrix/client/v3/rooms/"), "/", 4)
		if len(parts) < 3 || parts[1] != "state" {
			http.NotFound(w, r)
			return
		}
		roomID, evtType := parts[0], parts[2]
		key := ""
		if len(parts) == 4 {
			key = parts[3]
		}
		if f.missing[roomID] {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"errcode": "M_NOT_FOUND", "error": "Room not found"})
			return
		}
		switch r.Method {
		case http.MethodPut:
			var content map[string]any
			json.NewDecoder(r.Body).Decode(&content)
			if f.state[roomID] == nil {
				f.state[roomID] = map[string]map[string]map[string]any{}
			}
			if f.state[roomID][evtType] == nil {
				f.state[roomID][evtType] = map[string]map[string]any{}
			}
			f.state[roomID][evtType][key] = content
			json.NewEncoder(w).Encode(map[string]string{"event_id": "$state1"})
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{"creator": "@letta:example.org"})
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func testManager(t *testing.T, srvURL string) (*Manager, *store.SpaceStore) {
	t.Helper()
	bot, err := matrix.NewClient(srvURL, "@letta:example.org", "token", "example.org")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	spaces, err := store.NewSpaceStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSpaceStore: %v", err)
	}
	cfg := config.Matrix{
		HomeserverURL: srvURL,
		ServerName:    "example.org",
		Username:      "@letta:example.org",
		AdminUsername: "@admin:example.org",
	}
	return NewManager(bot, cfg, spaces), spaces
}

func TestEnsureSpace_CreatesAndPersists(t *testing.T) {
	f, srv := newFakeServer(t)
	m, spaces := testManager(t, srv.URL)

	spaceID, created, err := m.EnsureSpace(context.Background())
	if err != nil {
		t.Fatalf("EnsureSpace: %v", err)
	}
	if !created {
		t.Error("first EnsureSpace did not report created")
	}
	if spaceID != "!space1:example.org" {
		t.Errorf("spaceID = %q", spaceID)
	}
	if len(f.createRequests) != 1 {
		t.Fatalf("createRoom called %d times", len(f.createRequests))
	}

	req := f.createRequests[0]
	cc, _ := req["creation_content"].(map[string]any)
	if cc["type"] != "m.space" {
		t.Errorf("creation_content type = %v", cc["type"])
	}
	if req["name"] != SpaceName {
		t.Errorf("name = %v", req["name"])
	}
	if req["preset"] != "private_chat" {
		t.Errorf("preset = %v", req["preset"])
	}
	pl, _ := req["power_level_content_override"].(map[string]any)
	events, _ := pl["events"].(map[string]any)
	if events["m.space.child"] != float64(50) {
		t.Errorf("m.space.child power level = %v", events["m.space.child"])
	}

	if saved := spaces.Get(); saved == nil || saved.SpaceID != spaceID {
		t.Errorf("space config not persisted: %+v", saved)
	}

	// Second call reuses the saved space without creating another.
	spaceID2, created2, err := m.EnsureSpace(context.Background())
	if err != nil {
		t.Fatalf("second EnsureSpace: %v", err)
	}
	if created2 || spaceID2 != spaceID {
		t.Errorf("second call: id=%q created=%v", spaceID2, created2)
	}
	if len(f.createRequests) != 1 {
		t.Errorf("createRoom called again on reuse")
	}
}

func TestEnsureSpace_RecreatesWhenMissing(t *testing.T) {
	f, srv := newFakeServer(t)
	m, spaces := testManager(t, srv.URL)

	if err := spaces.Put(store.SpaceConfig{SpaceID: "!gone:example.org", Name: SpaceName}); err != nil {
		t.Fatal(err)
	}
	f.missing["!gone:example.org"] = true

	spaceID, created, err := m.EnsureSpace(context.Background())
	if err != nil {
		t.Fatalf("EnsureSpace: %v", err)
	}
	if !created || spaceID != "!space1:example.org" {
		t.Errorf("id=%q created=%v, want recreation", spaceID, created)
	}
}

func TestAddRoomToSpace_WritesBothLinks(t *testing.T) {
	f, srv := newFakeServer(t)
	m, _ := testManager(t, srv.URL)

	err := m.AddRoomToSpace(context.Background(), "!space1:example.org", "!room1:example.org", "Scratch")
	if err != nil {
		t.Fatalf("AddRoomToSpace: %v", err)
	}

	child := f.state["!space1:example.org"]["m.space.child"]["!room1:example.org"]
	if child == nil {
		t.Fatal("child link not written")
	}
	if child["suggested"] != true {
		t.Errorf("suggested = %v", child["suggested"])
	}
	if child["order"] != "Scratch" {
		t.Errorf("order = %v", child["order"])
	}
	via, _ := child["via"].([]any)
	if len(via) != 1 || via[0] != "example.org" {
		t.Errorf("via = %v", via)
	}

	parent := f.state["!room1:example.org"]["m.space.parent"]["!space1:example.org"]
	if parent == nil {
		t.Fatal("parent link not written")
	}
	if parent["canonical"] != true {
		t.Errorf("canonical = %v", parent["canonical"])
	}
}

func TestCheckRoomExists(t *testing.T) {
	f, srv := newFakeServer(t)
	m, _ := testManager(t, srv.URL)

	exists, err := m.CheckRoomExists(context.Background(), "!present:example.org")
	if err != nil || !exists {
		t.Errorf("present room: exists=%v err=%v", exists, err)
	}

	f.missing["!gone:example.org"] = true
	exists, err = m.CheckRoomExists(context.Background(), "!gone:example.org")
	if err != nil || exists {
		t.Errorf("missing room: exists=%v err=%v", exists, err)
	}
}
