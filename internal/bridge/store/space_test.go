package store

import (
	"testing"
	"time"
)

func TestSpaceStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSpaceStore(dir)
	if err != nil {
		t.Fatalf("NewSpaceStore: %v", err)
	}
	if s.Get() != nil {
		t.Fatal("fresh store has a space config")
	}

	cfg := SpaceConfig{
		SpaceID:   "!space:example.org",
		Name:      "Letta Agents",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.Put(cfg); err != nil {
		t.Fatalf("Put: %v", err)
	}

	reloaded, err := NewSpaceStore(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got := reloaded.Get()
	if got == nil {
		t.Fatal("space config missing after reload")
	}
	if got.SpaceID != cfg.SpaceID || got.Name != cfg.Name {
		t.Errorf("got %+v, want %+v", got, cfg)
	}
}

func TestSpaceStore_GetReturnsCopy(t *testing.T) {
	s, err := NewSpaceStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSpaceStore: %v", err)
	}
	if err := s.Put(SpaceConfig{SpaceID: "!a:example.org", Name: "Letta Agents"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got := s.Get()
	got.SpaceID = "!mutated:example.org"
	if s.Get().SpaceID != "!a:example.org" {
		t.Error("stored config mutated through returned copy")
	}
}
