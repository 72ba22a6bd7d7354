package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// AgentMapping records the Matrix identity provisioned for one Letta agent.
type AgentMapping struct {
	AgentID        string            `json:"agent_id"`
	AgentName      string            `json:"agent_name"`
	MatrixUserID   string            `json:"matrix_user_id"`
	MatrixPassword string            `json:"matrix_password"`
	Created        bool              `json:"created"`
	RoomID         string            `json:"room_id,omitempty"`
	RoomCreated    bool              `json:"room_created"`
	// InvitationStatus tracks each invitee's state: "invited", "joined" or
	// "failed".  Failed entries are retried on the next provisioning pass.
	InvitationStatus map[string]string `json:"invitation_status,omitempty"`
}

// Clone returns a deep copy so callers can mutate freely.
func (m *AgentMapping) Clone() *AgentMapping {
	out := *m
	if m.InvitationStatus != nil {
		out.InvitationStatus = make(map[string]string, len(m.InvitationStatus))
		for k, v := range m.InvitationStatus {
			out.InvitationStatus[k] = v
		}
	}
	return &out
}

// mappingSchema validates the mapping file on load so a corrupt or
// hand-edited file fails fast instead of surfacing as nil-map panics later.
const mappingSchema = `{
	"type": "object",
	"additionalProperties": {
		"type": "object",
		"required": ["agent_id", "agent_name", "matrix_user_id"],
		"properties": {
			"agent_id":        {"type": "string", "minLength": 1},
			"agent_name":      {"type": "string"},
			"matrix_user_id":  {"type": "string", "pattern": "^@"},
			"matrix_password": {"type": "string"},
			"created":         {"type": "boolean"},
			"room_id":         {"type": "string"},
			"room_created":    {"type": "boolean"},
			"invitation_status": {
				"type": "object",
				"additionalProperties": {"enum": ["invited", "joined", "failed"]}
			}
		}
	}
}`

var compiledMappingSchema = jsonschema.MustCompileString("agent_user_mappings.schema.json", mappingSchema)

// MappingStore persists agent→Matrix-user mappings as a JSON file keyed by
// agent ID.  Writes are serialized and atomic (temp file + rename) so a crash
// mid-write never leaves a truncated file.
type MappingStore struct {
	path string

	mu       sync.Mutex
	mappings map[string]*AgentMapping
}

// NewMappingStore loads agent_user_mappings.json from dataDir, creating an
// empty store when the file does not exist.
func NewMappingStore(dataDir string) (*MappingStore, error) {
	s := &MappingStore{
		path:     filepath.Join(dataDir, "agent_user_mappings.json"),
		mappings: make(map[string]*AgentMapping),
	}
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read mappings: %w", err)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("store: parse mappings: %w", err)
	}
	if err := compiledMappingSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("store: mapping file failed validation: %w", err)
	}
	if err := json.Unmarshal(raw, &s.mappings); err != nil {
		return nil, fmt.Errorf("store: parse mappings: %w", err)
	}
	for id, m := range s.mappings {
		if m.AgentID == "" {
			m.AgentID = id
		}
	}
	slog.Info("loaded agent mappings", "count", len(s.mappings), "path", s.path)
	return s, nil
}

// Get returns a copy of the mapping for an agent, or nil when absent.
func (s *MappingStore) Get(agentID string) *AgentMapping {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.mappings[agentID]; ok {
		return m.Clone()
	}
	return nil
}

// GetByRoomID returns the mapping whose room matches, or nil.
func (s *MappingStore) GetByRoomID(roomID string) *AgentMapping {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mappings {
		if m.RoomID == roomID {
			return m.Clone()
		}
	}
	return nil
}

// GetByMatrixUserID returns the mapping for a provisioned Matrix user, or nil.
func (s *MappingStore) GetByMatrixUserID(userID string) *AgentMapping {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mappings {
		if m.MatrixUserID == userID {
			return m.Clone()
		}
	}
	return nil
}

// Snapshot returns a copy of all mappings keyed by agent ID.
func (s *MappingStore) Snapshot() map[string]*AgentMapping {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*AgentMapping, len(s.mappings))
	for id, m := range s.mappings {
		out[id] = m.Clone()
	}
	return out
}

// IsAgentUser reports whether userID is one of the bridge's provisioned
// agent identities.
func (s *MappingStore) IsAgentUser(userID string) bool {
	return s.GetByMatrixUserID(userID) != nil
}

// Put stores (a copy of) the mapping and writes the file.
func (s *MappingStore) Put(m *AgentMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings[m.AgentID] = m.Clone()
	return s.writeLocked()
}

// Update applies fn to the stored mapping for agentID and persists the
// result.  fn receives a copy; returning an error aborts without writing.
func (s *MappingStore) Update(agentID string, fn func(*AgentMapping) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[agentID]
	if !ok {
		return fmt.Errorf("store: no mapping for agent %s", agentID)
	}
	clone := m.Clone()
	if err := fn(clone); err != nil {
		return err
	}
	s.mappings[agentID] = clone
	return s.writeLocked()
}

// writeLocked serializes the mapping table to disk atomically.  Caller holds mu.
func (s *MappingStore) writeLocked() error {
	raw, err := json.MarshalIndent(s.mappings, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode mappings: %w", err)
	}
	return atomicWrite(s.path, raw)
}

// atomicWrite writes data to a sibling temp file and renames it into place.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("store: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("store: rename into place: %w", err)
	}
	return nil
}
