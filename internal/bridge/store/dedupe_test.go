package store

import (
	"fmt"
	"testing"
)

func TestDedupe_SeenOnce(t *testing.T) {
	d := NewDedupe()
	if d.Seen("$event1") {
		t.Error("first sighting reported as seen")
	}
	if !d.Seen("$event1") {
		t.Error("second sighting not reported as seen")
	}
	if d.Seen("$event2") {
		t.Error("distinct event reported as seen")
	}
}

func TestDedupe_EvictsOldest(t *testing.T) {
	d := NewDedupe()
	for i := 0; i < dedupeCapacity+1; i++ {
		d.Seen(fmt.Sprintf("$event%d", i))
	}
	if d.Len() != dedupeCapacity {
		t.Errorf("Len = %d, want %d", d.Len(), dedupeCapacity)
	}
	// The oldest entry was evicted, so it reads as unseen again.
	if d.Seen("$event0") {
		t.Error("evicted event still reported as seen")
	}
	if !d.Seen(fmt.Sprintf("$event%d", dedupeCapacity)) {
		t.Error("recent event not reported as seen")
	}
}
