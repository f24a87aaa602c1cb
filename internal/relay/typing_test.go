package relay

import (
	"sort"
	"testing"
	"time"
)

func TestTypingTracker(t *testing.T) {
	now := time.Now()
	tracker := NewTypingTracker(3 * time.Second)
	tracker.now = func() time.Time { return now }

	tracker.Start("conv1", "alice")
	tracker.Start("conv1", "bob")
	tracker.Start("conv2", "alice")

	active := tracker.Active("conv1")
	sort.Strings(active)
	if len(active) != 2 || active[0] != "alice" || active[1] != "bob" {
		t.Errorf("expected [alice bob] typing in conv1, got %v", active)
	}

	if tracker.Count() != 3 {
		t.Errorf("expected 3 live entries, got %d", tracker.Count())
	}

	// Stop reports whether an entry existed
	if !tracker.Stop("conv1", "alice") {
		t.Error("Stop should report true for present entry")
	}
	if tracker.Stop("conv1", "alice") {
		t.Error("Stop should report false for absent entry")
	}
	if tracker.Stop("nope", "alice") {
		t.Error("Stop should report false for unknown conversation")
	}

	// Re-arm extends expiry
	now = now.Add(2 * time.Second)
	tracker.Start("conv1", "bob")

	// 2s later the original entries would be expired, bob's re-armed one is not
	now = now.Add(2 * time.Second)
	active = tracker.Active("conv1")
	if len(active) != 1 || active[0] != "bob" {
		t.Errorf("expected only re-armed bob, got %v", active)
	}
	if users := tracker.Active("conv2"); users != nil {
		t.Errorf("expected conv2 typing expired, got %v", users)
	}

	// Full expiry
	now = now.Add(5 * time.Second)
	if tracker.Count() != 0 {
		t.Errorf("expected all entries expired, got %d", tracker.Count())
	}
	if snap := tracker.Snapshot(); len(snap) != 0 {
		t.Errorf("expected empty snapshot, got %v", snap)
	}
}
