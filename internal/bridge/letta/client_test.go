package letta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestListAllAgents_Paginates(t *testing.T) {
	pages := map[string][]Agent{
		"": make([]Agent, listPageSize),
	}
	for i := range pages[""] {
		pages[""][i] = Agent{ID: fmt.Sprintf("agent-%03d", i), Name: fmt.Sprintf("a%d", i)}
	}
	lastFirstPage := pages[""][listPageSize-1].ID
	pages[lastFirstPage] = []Agent{
		{ID: "agent-extra", Name: "extra"},
		{ID: "agent-000", Name: "duplicate"}, // duplicate across pages
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		after := r.URL.Query().Get("after")
		json.NewEncoder(w).Encode(pages[after])
	}))
	defer srv.Close()

	agents, err := NewClient(srv.URL, "").ListAllAgents(context.Background())
	if err != nil {
		t.Fatalf("ListAllAgents: %v", err)
	}
	if len(agents) != listPageSize+1 {
		t.Fatalf("got %d agents, want %d", len(agents), listPageSize+1)
	}
}

func TestListAllAgents_StuckCursorStops(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		// Always return the same full page regardless of cursor.
		agents := make([]Agent, listPageSize)
		for i := range agents {
			agents[i] = Agent{ID: fmt.Sprintf("agent-%03d", i)}
		}
		json.NewEncoder(w).Encode(agents)
	}))
	defer srv.Close()

	agents, err := NewClient(srv.URL, "").ListAllAgents(context.Background())
	if err != nil {
		t.Fatalf("ListAllAgents: %v", err)
	}
	if len(agents) != listPageSize {
		t.Fatalf("got %d agents, want %d", len(agents), listPageSize)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("made %d requests, want 2 (stuck cursor should stop pagination)", n)
	}
}

func TestSendMessage_RetriesTransientFault(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "internal", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(Response{Messages: []ResponseMessage{
			{MessageType: "assistant_message", Content: "hi"},
		}})
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL, "").SendMessage(context.Background(), "agent-1", []MessageCreate{{Role: "user", Content: "hello"}})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(resp.Messages) != 1 || resp.Messages[0].Content != "hi" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("made %d requests, want 2", n)
	}
}

func TestSendMessage_BusyConversation(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error":"CONVERSATION_BUSY"}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").SendMessage(context.Background(), "agent-1", nil)
	var busy *ConversationBusyError
	if !errors.As(err, &busy) {
		t.Fatalf("error = %v, want ConversationBusyError", err)
	}
	if busy.AgentID != "agent-1" {
		t.Errorf("AgentID = %q, want agent-1", busy.AgentID)
	}
	if n := calls.Load(); n != int32(sendAttempts) {
		t.Errorf("made %d requests, want %d", n, sendAttempts)
	}
}

func TestSendMessage_ClientErrorDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"agent not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").SendMessage(context.Background(), "missing", nil)
	var api *APIError
	if !errors.As(err, &api) || api.Status != http.StatusNotFound {
		t.Fatalf("error = %v, want 404 APIError", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("made %d requests, want 1", n)
	}
}

func TestAPIError_TruncatesBody(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	err := newAPIError(500, long)
	if len(err.Body) != 200 {
		t.Errorf("body length = %d, want 200", len(err.Body))
	}
}

func TestClient_SendsBearerToken(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode([]Agent{})
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL, "secret-token").ListAgentsPage(context.Background(), "", 10); err != nil {
		t.Fatalf("ListAgentsPage: %v", err)
	}
	if got != "Bearer secret-token" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestFindFolderByName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]Folder{
			{ID: "folder-1", Name: "matrix-room-a"},
			{ID: "folder-2", Name: "matrix-room-b"},
		})
	}))
	defer srv.Close()

	cli := NewClient(srv.URL, "")
	folder, err := cli.FindFolderByName(context.Background(), "matrix-room-b")
	if err != nil {
		t.Fatalf("FindFolderByName: %v", err)
	}
	if folder == nil || folder.ID != "folder-2" {
		t.Fatalf("folder = %+v, want folder-2", folder)
	}

	folder, err = cli.FindFolderByName(context.Background(), "matrix-room-c")
	if err != nil {
		t.Fatalf("FindFolderByName: %v", err)
	}
	if folder != nil {
		t.Fatalf("folder = %+v, want nil", folder)
	}
}
