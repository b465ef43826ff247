package service

import "testing"

func TestRequestTracker_ExclusiveCreate(t *testing.T) {
	tr := NewRequestTracker()

	if err := tr.Create("alice", "r1"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Create("alice", "r1"); err == nil {
		t.Fatal("duplicate (user, request id) should fail")
	}
	// Same id for a different user is fine.
	if err := tr.Create("bob", "r1"); err != nil {
		t.Fatal(err)
	}
}

func TestRequestTracker_KillSwitch(t *testing.T) {
	tr := NewRequestTracker()
	tr.Create("alice", "r1")

	if tr.Killed("alice", "r1") {
		t.Fatal("fresh request should not be killed")
	}
	tr.SetKillSwitch("alice", "r1", true)
	if !tr.Killed("alice", "r1") {
		t.Fatal("kill switch should be observed")
	}
	tr.SetKillSwitch("alice", "r1", false)
	if tr.Killed("alice", "r1") {
		t.Fatal("kill switch should be clearable")
	}
}

func TestRequestTracker_KillSwitchUnknownRequestIsNoop(t *testing.T) {
	tr := NewRequestTracker()
	tr.SetKillSwitch("alice", "ghost", true)
	if tr.Killed("alice", "ghost") {
		t.Fatal("unknown request should never report killed")
	}
}

func TestRequestTracker_FinalizeReleasesID(t *testing.T) {
	tr := NewRequestTracker()
	tr.Create("alice", "r1")
	tr.Finalize("alice", "r1")

	if err := tr.Create("alice", "r1"); err != nil {
		t.Fatalf("id should be reusable after finalize: %v", err)
	}
}
