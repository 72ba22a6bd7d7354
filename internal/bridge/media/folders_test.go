package media

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/oculairmedia/letta-matrix-bridge/internal/bridge/letta"
)

// fakeLetta serves the folder endpoints IndexFile exercises.
type fakeLetta struct {
	mu            sync.Mutex
	folders       []letta.Folder
	uploads       map[string][]string // folderID → filenames
	pollsToFinish int
	attached      map[string][]string // agentID → folderIDs
	embeddings    []map[string]any
}

func newFakeLetta(t *testing.T) (*fakeLetta, *httptest.Server) {
	t.Helper()
	f := &fakeLetta{
		uploads:  map[string][]string{},
		attached: map[string][]string{},
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/folders/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(f.folders)
	})
	mux.HandleFunc("POST /v1/folders/", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		folder := letta.Folder{ID: "folder-1", Name: req["name"].(string)}
		f.folders = append(f.folders, folder)
		if emb, ok := req["embedding_config"].(map[string]any); ok {
			f.embeddings = append(f.embeddings, emb)
		}
		f.mu.Unlock()
		json.NewEncoder(w).Encode(folder)
	})
	mux.HandleFunc("POST /v1/folders/{id}/upload", func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 20)
		_, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		f.mu.Lock()
		f.uploads[r.PathValue("id")] = append(f.uploads[r.PathValue("id")], header.Filename)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"id": "file-1"})
	})
	mux.HandleFunc("GET /v1/folders/{id}/files", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status := "completed"
		if f.pollsToFinish > 0 {
			f.pollsToFinish--
			status = "parsing"
		}
		f.mu.Unlock()
		json.NewEncoder(w).Encode([]letta.FolderFile{{ID: "file-1", FileName: "doc.pdf", ProcessingStatus: status}})
	})
	mux.HandleFunc("GET /v1/agents/{id}/folders", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		ids := f.attached[r.PathValue("id")]
		f.mu.Unlock()
		out := make([]letta.Folder, 0, len(ids))
		for _, id := range ids {
			out = append(out, letta.Folder{ID: id})
		}
		json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("PATCH /v1/agents/{agent}/folders/attach/{folder}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.attached[r.PathValue("agent")] = append(f.attached[r.PathValue("agent")], r.PathValue("folder"))
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{})
	})
	mux.HandleFunc("GET /v1/agents/{id}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(letta.Agent{ID: r.PathValue("id"), Name: "Scratch"})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func TestIndexFile_FullPipeline(t *testing.T) {
	f, srv := newFakeLetta(t)
	f.pollsToFinish = 1

	fi := NewFolderIndexer(letta.NewClient(srv.URL, ""), letta.EmbeddingConfig{
		Model: "text-embedding-3-small", EndpointType: "openai", Dim: 1536, ChunkSize: 300,
	})
	folderID, err := fi.IndexFile(context.Background(), "!room:example.org", "agent-1", "doc.pdf", []byte("%PDF"))
	if err != nil {
		t.Fatalf("IndexFile: %v", err)
	}
	if folderID != "folder-1" {
		t.Errorf("folderID = %q", folderID)
	}
	if got := f.uploads["folder-1"]; len(got) != 1 || got[0] != "doc.pdf" {
		t.Errorf("uploads = %v", got)
	}
	if got := f.attached["agent-1"]; len(got) != 1 || got[0] != "folder-1" {
		t.Errorf("attached = %v", got)
	}
	if len(f.embeddings) != 1 || f.embeddings[0]["embedding_model"] != "text-embedding-3-small" {
		t.Errorf("embedding config = %v", f.embeddings)
	}
}

func TestIndexFile_ReusesFolderAndAttachment(t *testing.T) {
	f, srv := newFakeLetta(t)
	f.folders = []letta.Folder{{ID: "folder-9", Name: FolderNameForRoom("!room:example.org")}}
	f.attached["agent-1"] = []string{"folder-9"}

	fi := NewFolderIndexer(letta.NewClient(srv.URL, ""), letta.EmbeddingConfig{})
	folderID, err := fi.IndexFile(context.Background(), "!room:example.org", "agent-1", "doc.pdf", []byte("%PDF"))
	if err != nil {
		t.Fatalf("IndexFile: %v", err)
	}
	if folderID != "folder-9" {
		t.Errorf("folderID = %q", folderID)
	}
	if len(f.embeddings) != 0 {
		t.Error("folder recreated instead of reused")
	}
	if got := f.attached["agent-1"]; len(got) != 1 {
		t.Errorf("folder re-attached: %v", got)
	}
}
