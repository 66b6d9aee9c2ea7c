package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/screenlink/screenlink/broker/internal/db"
	"github.com/screenlink/screenlink/broker/internal/models"
	"github.com/screenlink/screenlink/broker/internal/registry"
)

func newTestRouter(t *testing.T, agents ...*registry.ConnectedAgent) (*Router, sqlmock.Sqlmock, func()) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	mock.MatchExpectationsInOrder(false)
	database := db.NewDatabaseForTesting(mockDB)
	r := NewRouter(&fakeRegistry{agents: agents}, database, nil)
	return r, mock, func() { mockDB.Close() }
}

// echoAgent answers every request frame sent to the agent with a canned
// response, exercising the real correlation path.
func echoAgent(r *Router, agent *registry.ConnectedAgent, result string) {
	go func() {
		for raw := range agent.Send {
			var frame models.RequestMessage
			if err := json.Unmarshal(raw, &frame); err != nil || frame.Type != models.BrokerMsgRequest {
				continue
			}
			r.HandleResponse(agent, &models.AgentEnvelope{
				Type:   models.AgentMsgResponse,
				ID:     frame.ID,
				Result: json.RawMessage(result),
			})
		}
	}()
}

func TestSendCommandCorrelatesResponse(t *testing.T) {
	agent := registry.NewAgentForTesting("conn-1", "echo-box")
	agent.OwnerUserID = "user-1"
	r, mock, cleanup := newTestRouter(t, agent)
	defer cleanup()

	mock.ExpectExec("INSERT INTO command_logs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE command_logs").WillReturnResult(sqlmock.NewResult(0, 1))

	echoAgent(r, agent, `{"ok":true}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := r.SendCommand(ctx, "conn-1", "ping", nil, registry.CommandMeta{})
	if err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}

	var parsed map[string]bool
	if err := json.Unmarshal(result, &parsed); err != nil || !parsed["ok"] {
		t.Errorf("Expected {\"ok\":true}, got %s", result)
	}
	if agent.PendingCount() != 0 {
		t.Errorf("Expected pending table drained, got %d", agent.PendingCount())
	}
}

func TestSendCommandAgentError(t *testing.T) {
	agent := registry.NewAgentForTesting("conn-1", "error-box")
	r, mock, cleanup := newTestRouter(t, agent)
	defer cleanup()

	mock.ExpectExec("INSERT INTO command_logs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE command_logs").WillReturnResult(sqlmock.NewResult(0, 1))

	go func() {
		for raw := range agent.Send {
			var frame models.RequestMessage
			if json.Unmarshal(raw, &frame) == nil && frame.Type == models.BrokerMsgRequest {
				r.HandleResponse(agent, &models.AgentEnvelope{
					Type:  models.AgentMsgError,
					ID:    frame.ID,
					Error: &models.AgentError{Message: "tool crashed"},
				})
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := r.SendCommand(ctx, "conn-1", "tools/call", nil, registry.CommandMeta{})
	if err == nil || err.Error() != "tool crashed" {
		t.Errorf("Expected 'tool crashed', got %v", err)
	}
}

func TestSendCommandUnknownAgent(t *testing.T) {
	r, _, cleanup := newTestRouter(t)
	defer cleanup()

	_, err := r.SendCommand(context.Background(), "nope", "ping", nil, registry.CommandMeta{})
	if err == nil {
		t.Error("Expected error for unknown agent")
	}
}

func TestSleepQueueDrainsOnWake(t *testing.T) {
	agent := registry.NewAgentForTesting("conn-1", "sleepy-box")
	agent.OwnerUserID = "user-1"
	r, mock, cleanup := newTestRouter(t, agent)
	defer cleanup()

	// One log row for the eventual dispatch after wake.
	mock.ExpectExec("INSERT INTO command_logs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE command_logs").WillReturnResult(sqlmock.NewResult(0, 1))

	sleep := models.PowerStateSleep
	agent.ApplyStateChange(&models.HeartbeatPayload{PowerState: &sleep})

	done := make(chan error, 1)
	var result json.RawMessage
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		res, err := r.SendCommand(ctx, "conn-1", "tools/call",
			map[string]interface{}{"name": "ping"}, registry.CommandMeta{})
		result = res
		done <- err
	}()

	// The command queues instead of dispatching while asleep.
	waitFor(t, func() bool { return agent.QueuedCount() == 1 })
	select {
	case err := <-done:
		t.Fatalf("Command completed while agent was asleep: %v", err)
	default:
	}

	// Wake up; the drain dispatches and the echo answers.
	echoAgent(r, agent, `{"status":"done"}`)
	active := models.PowerStateActive
	agent.ApplyStateChange(&models.HeartbeatPayload{PowerState: &active})
	r.ProcessQueuedCommands(agent)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Queued command failed after wake: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Queued command never completed after wake")
	}

	var parsed map[string]string
	if err := json.Unmarshal(result, &parsed); err != nil || parsed["status"] != "done" {
		t.Errorf("Expected queued command result, got %s", result)
	}
	if agent.QueuedCount() != 0 {
		t.Errorf("Expected empty queue after drain, got %d", agent.QueuedCount())
	}
}

func TestEmergencyStopCancelsPending(t *testing.T) {
	agent := registry.NewAgentForTesting("conn-1", "busy-box")
	r, mock, cleanup := newTestRouter(t, agent)
	defer cleanup()

	mock.ExpectExec("UPDATE command_logs").WillReturnResult(sqlmock.NewResult(0, 1))

	pending := &registry.PendingRequest{Done: make(chan registry.CommandOutcome, 1), CommandLogID: "log-1"}
	agent.AddPending("req-1", pending)
	qc := &registry.QueuedCommand{Method: "ping", Done: make(chan registry.CommandOutcome, 1)}
	agent.Enqueue(qc)

	stopped := r.EmergencyStop(agent)
	if stopped != 2 {
		t.Errorf("Expected 2 cancelled, got %d", stopped)
	}

	outcome := <-pending.Done
	if outcome.Err == nil || outcome.Err.Error() != "Emergency stop" {
		t.Errorf("Expected 'Emergency stop', got %v", outcome.Err)
	}
	// Queued items are discarded, never re-dispatched.
	outcome = <-qc.Done
	if outcome.Err == nil {
		t.Error("Expected queued command to be cancelled")
	}
	if agent.QueuedCount() != 0 || agent.PendingCount() != 0 {
		t.Error("Expected all work cleared after emergency stop")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Condition never became true")
}
