package registry

import (
	"testing"
	"time"

	"github.com/screenlink/screenlink/broker/internal/models"
)

func testAgent(queueLimit int) *ConnectedAgent {
	a := newConnectedAgent("conn-1", nil, queueLimit)
	a.IsInternal = true
	a.DBID = "db-1"
	return a
}

func TestParseOSType(t *testing.T) {
	cases := map[string]string{
		"Windows 11 Pro": models.OSWindows,
		"win32":          models.OSWindows,
		"Ubuntu Linux":   models.OSLinux,
		"Darwin":         models.OSMacOS,
		"macOS 15":       models.OSMacOS,
		"":               models.OSMacOS,
	}
	for in, want := range cases {
		if got := ParseOSType(in); got != want {
			t.Errorf("ParseOSType(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestPendingRequestLifecycle(t *testing.T) {
	a := testAgent(10)

	pr := &PendingRequest{Done: make(chan CommandOutcome, 1), StartedAt: time.Now()}
	a.AddPending("req-1", pr)

	if a.PendingCount() != 1 {
		t.Errorf("Expected 1 pending request, got %d", a.PendingCount())
	}
	if got := a.TakePending("req-1"); got != pr {
		t.Error("TakePending returned wrong entry")
	}
	if a.TakePending("req-1") != nil {
		t.Error("TakePending should return nil for a consumed id")
	}
}

func TestTakeAllPendingEmptiesTable(t *testing.T) {
	a := testAgent(10)
	for i := 0; i < 3; i++ {
		a.AddPending(string(rune('a'+i)), &PendingRequest{Done: make(chan CommandOutcome, 1)})
	}
	taken := a.TakeAllPending()
	if len(taken) != 3 {
		t.Errorf("Expected 3 taken, got %d", len(taken))
	}
	if a.PendingCount() != 0 {
		t.Errorf("Expected empty table, got %d", a.PendingCount())
	}
}

func TestQueueBound(t *testing.T) {
	a := testAgent(2)

	for i := 0; i < 2; i++ {
		if err := a.Enqueue(&QueuedCommand{Method: "ping", Done: make(chan CommandOutcome, 1)}); err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
	}
	if err := a.Enqueue(&QueuedCommand{Method: "ping", Done: make(chan CommandOutcome, 1)}); err == nil {
		t.Error("Expected enqueue beyond the bound to fail")
	}
	if a.QueuedCount() != 2 {
		t.Errorf("Expected 2 queued, got %d", a.QueuedCount())
	}
}

func TestDrainQueuePreservesOrder(t *testing.T) {
	a := testAgent(10)
	methods := []string{"first", "second", "third"}
	for _, m := range methods {
		a.Enqueue(&QueuedCommand{Method: m, Done: make(chan CommandOutcome, 1)})
	}
	drained := a.DrainQueue()
	if len(drained) != 3 {
		t.Fatalf("Expected 3 drained, got %d", len(drained))
	}
	for i, m := range methods {
		if drained[i].Method != m {
			t.Errorf("Position %d: expected %s, got %s", i, m, drained[i].Method)
		}
	}
	if a.QueuedCount() != 0 {
		t.Error("Expected queue to be empty after drain")
	}
}

func TestApplyStateChangeReturnsPreviousPowerState(t *testing.T) {
	a := testAgent(10)

	sleep := models.PowerStateSleep
	prev := a.ApplyStateChange(&models.HeartbeatPayload{PowerState: &sleep})
	if prev != models.PowerStatePassive {
		t.Errorf("Expected previous PASSIVE, got %s", prev)
	}
	if a.PowerState() != models.PowerStateSleep {
		t.Errorf("Expected SLEEP after merge, got %s", a.PowerState())
	}

	// The wake edge is only visible because the previous state is captured
	// before the merge.
	active := models.PowerStateActive
	prev = a.ApplyStateChange(&models.HeartbeatPayload{PowerState: &active})
	if prev != models.PowerStateSleep {
		t.Errorf("Expected previous SLEEP, got %s", prev)
	}
	if a.PowerState() != models.PowerStateActive {
		t.Errorf("Expected ACTIVE after merge, got %s", a.PowerState())
	}
}

func TestApplyStateChangeMergesPartialPayload(t *testing.T) {
	a := testAgent(10)

	locked := true
	task := "indexing"
	a.ApplyStateChange(&models.HeartbeatPayload{IsScreenLocked: &locked, CurrentTask: &task})

	if !a.IsScreenLocked() {
		t.Error("Expected screen locked")
	}
	if a.CurrentTask() != "indexing" {
		t.Errorf("Expected task indexing, got %s", a.CurrentTask())
	}
	// Power state untouched by a partial payload.
	if a.PowerState() != models.PowerStatePassive {
		t.Errorf("Expected PASSIVE, got %s", a.PowerState())
	}
}

func TestSendJSONAfterCloseFails(t *testing.T) {
	a := testAgent(10)
	if err := a.SendJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("SendJSON on open mock agent failed: %v", err)
	}
	a.markClosed()
	if err := a.SendJSON(map[string]string{"type": "ping"}); err == nil {
		t.Error("Expected SendJSON after close to fail")
	}
}

func TestAgentName(t *testing.T) {
	a := testAgent(10)
	if a.Name() != "Unnamed Agent" {
		t.Errorf("Expected fallback name, got %s", a.Name())
	}
	a.Hostname = "host-1"
	if a.Name() != "host-1" {
		t.Errorf("Expected hostname, got %s", a.Name())
	}
	a.DisplayName = "Alice's MacBook Pro"
	if a.Name() != "Alice's MacBook Pro" {
		t.Errorf("Expected display name, got %s", a.Name())
	}
}
