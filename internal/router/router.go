// Package router forwards commands to agents and correlates their responses.
//
// The router is the only component that writes request frames to agent
// sockets. Each dispatch:
//  1. Writes a command_logs row in SENT state.
//  2. Registers a pending request keyed by a fresh uuid.
//  3. Sends {type:"request", id, method, params} to the agent.
//  4. Waits for the correlated response, the 30 s timeout, or caller
//     cancellation, and finalizes the audit row exactly once.
//
// Commands for sleeping agents are enqueued instead and dispatched in FIFO
// order when the agent wakes.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/screenlink/screenlink/broker/internal/activity"
	"github.com/screenlink/screenlink/broker/internal/db"
	"github.com/screenlink/screenlink/broker/internal/errors"
	"github.com/screenlink/screenlink/broker/internal/logger"
	"github.com/screenlink/screenlink/broker/internal/models"
	"github.com/screenlink/screenlink/broker/internal/registry"
)

// CommandTimeout bounds every forwarded command.
const CommandTimeout = 30 * time.Second

// AgentRegistry is the registry surface the router needs. The in-process
// registry satisfies it; a shared-store variant can replace it without
// touching the router.
type AgentRegistry interface {
	GetAgent(id string) *registry.ConnectedAgent
	OnlineAgentsForUser(userID string) []*registry.ConnectedAgent
}

// CommandEventPublisher receives command audit events. Implementations must
// never block.
type CommandEventPublisher interface {
	CommandCompleted(agentID, method string, success bool)
}

// Router dispatches commands over agent sockets.
type Router struct {
	registry    AgentRegistry
	commandLogs *db.CommandLogDB
	activity    *activity.Tracker
	events      CommandEventPublisher
	log         *zerolog.Logger
}

// SetEventPublisher attaches an audit event sink for command outcomes.
func (r *Router) SetEventPublisher(p CommandEventPublisher) {
	r.events = p
}

// NewRouter creates a new command router.
//
// Example:
//
//	router := router.NewRouter(reg, database, tracker)
func NewRouter(reg AgentRegistry, database *db.Database, tracker *activity.Tracker) *Router {
	return &Router{
		registry:    reg,
		commandLogs: db.NewCommandLogDB(database.DB()),
		activity:    tracker,
		log:         logger.Router(),
	}
}

// SendCommand forwards a command to an agent and waits for the correlated
// response.
//
// Resolution failures, disconnects, timeouts and agent-side errors all
// surface as errors; the audit row is finalized in every case.
func (r *Router) SendCommand(ctx context.Context, agentID, method string, params interface{}, meta registry.CommandMeta) (json.RawMessage, error) {
	agent := r.registry.GetAgent(agentID)
	if agent == nil {
		return nil, errors.AgentNotFound(agentID)
	}

	if !agent.SocketOpen() {
		return nil, errors.AgentNotConnected(agent.Name())
	}

	if r.activity != nil {
		r.activity.RecordCommand(agent.OwnerUserID)
	}

	// Sleeping agents get the command queued; the caller's wait is fulfilled
	// when the wake drain dispatches it.
	if agent.PowerState() == models.PowerStateSleep {
		qc := &registry.QueuedCommand{
			Method:     method,
			Params:     params,
			Meta:       meta,
			Done:       make(chan registry.CommandOutcome, 1),
			EnqueuedAt: time.Now(),
		}
		if err := agent.Enqueue(qc); err != nil {
			return nil, errors.AgentQueueFull()
		}
		r.log.Info().
			Str("agentId", agent.DBID).
			Str("method", method).
			Int("queued", agent.QueuedCount()).
			Msg("Agent asleep, command queued")

		select {
		case outcome := <-qc.Done:
			return outcome.Result, outcome.Err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return r.dispatch(ctx, agent, method, params, meta)
}

// dispatch performs one correlated request/response exchange.
func (r *Router) dispatch(ctx context.Context, agent *registry.ConnectedAgent, method string, params interface{}, meta registry.CommandMeta) (json.RawMessage, error) {
	requestID := uuid.New().String()

	logCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	logID, err := r.commandLogs.CreateSent(logCtx, agent.DBID, meta.AIConnectionID, method, meta.ToolName, params, meta.IPAddress)
	cancel()
	if err != nil {
		r.log.Error().Err(err).Str("method", method).Msg("Failed to create command log")
		return nil, errors.DatabaseError(err)
	}

	pending := &registry.PendingRequest{
		Done:         make(chan registry.CommandOutcome, 1),
		CommandLogID: logID,
		Method:       method,
		StartedAt:    time.Now(),
	}
	agent.AddPending(requestID, pending)

	frame := models.RequestMessage{
		Type:   models.BrokerMsgRequest,
		ID:     requestID,
		Method: method,
		Params: params,
	}
	if err := agent.SendJSON(frame); err != nil {
		agent.TakePending(requestID)
		r.finalizeLog(logID, models.CommandStatusFailed, nil, err.Error())
		return nil, errors.AgentNotConnected(agent.Name())
	}

	timer := time.NewTimer(CommandTimeout)
	defer timer.Stop()

	select {
	case outcome := <-pending.Done:
		return outcome.Result, outcome.Err

	case <-timer.C:
		// The response may still race in; whoever takes the pending entry
		// first owns the outcome.
		if agent.TakePending(requestID) != nil {
			r.finalizeLog(logID, models.CommandStatusTimeout, nil, "Request timeout")
			r.publishOutcome(agent, method, false)
			r.log.Warn().
				Str("agentId", agent.DBID).
				Str("method", method).
				Str("requestId", requestID).
				Msg("Command timed out")
			return nil, errors.CommandTimeout()
		}
		outcome := <-pending.Done
		return outcome.Result, outcome.Err

	case <-ctx.Done():
		if agent.TakePending(requestID) != nil {
			r.finalizeLog(logID, models.CommandStatusFailed, nil, "Caller cancelled")
			return nil, ctx.Err()
		}
		outcome := <-pending.Done
		return outcome.Result, outcome.Err
	}
}

// HandleResponse resolves the pending request matching a response or error
// frame from an agent. Called by the socket read loop.
func (r *Router) HandleResponse(agent *registry.ConnectedAgent, env *models.AgentEnvelope) {
	pending := agent.TakePending(env.ID)
	if pending == nil {
		r.log.Debug().
			Str("agentId", agent.DBID).
			Str("requestId", env.ID).
			Msg("Response for unknown request (timed out or cancelled)")
		return
	}

	if env.Type == models.AgentMsgError || env.Error != nil {
		message := "Agent error"
		if env.Error != nil && env.Error.Message != "" {
			message = env.Error.Message
		}
		r.finalizeLog(pending.CommandLogID, models.CommandStatusFailed, nil, message)
		r.publishOutcome(agent, pending.Method, false)
		pending.Done <- registry.CommandOutcome{Err: fmt.Errorf("%s", message)}
		return
	}

	r.finalizeLog(pending.CommandLogID, models.CommandStatusCompleted, env.Result, "")
	r.publishOutcome(agent, pending.Method, true)
	pending.Done <- registry.CommandOutcome{Result: env.Result}
}

func (r *Router) publishOutcome(agent *registry.ConnectedAgent, method string, success bool) {
	if r.events != nil {
		r.events.CommandCompleted(agent.DBID, method, success)
	}
}

// finalizeLog moves the audit row out of SENT. Transport problems are logged
// and swallowed: the caller's outcome is already decided.
func (r *Router) finalizeLog(logID, status string, result json.RawMessage, errorMessage string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var resultVal interface{}
	if len(result) > 0 {
		resultVal = json.RawMessage(result)
	}
	var errMsg *string
	if errorMessage != "" {
		errMsg = &errorMessage
	}
	if err := r.commandLogs.Complete(ctx, logID, status, resultVal, errMsg); err != nil {
		r.log.Error().Err(err).Str("commandLogId", logID).Msg("Failed to finalize command log")
	}
}

// ProcessQueuedCommands drains the per-agent queue in enqueue order after a
// wake from SLEEP. Each command runs through the normal dispatch path; its
// waiting caller receives the outcome.
func (r *Router) ProcessQueuedCommands(agent *registry.ConnectedAgent) {
	queued := agent.DrainQueue()
	if len(queued) == 0 {
		return
	}
	r.log.Info().
		Str("agentId", agent.DBID).
		Int("count", len(queued)).
		Msg("Dispatching queued commands after wake")

	go func() {
		for _, qc := range queued {
			ctx, cancel := context.WithTimeout(context.Background(), CommandTimeout+5*time.Second)
			result, err := r.dispatch(ctx, agent, qc.Method, qc.Params, qc.Meta)
			cancel()
			qc.Done <- registry.CommandOutcome{Result: result, Err: err}
		}
	}()
}

// EmergencyStop cancels all outstanding pending requests for an agent with
// the "Emergency stop" error. Queued commands are not re-dispatched.
func (r *Router) EmergencyStop(agent *registry.ConnectedAgent) int {
	pending := agent.TakeAllPending()
	for _, pr := range pending {
		r.finalizeLog(pr.CommandLogID, models.CommandStatusFailed, nil, "Emergency stop")
		pr.Done <- registry.CommandOutcome{Err: fmt.Errorf("Emergency stop")}
	}
	stopped := len(pending)
	for _, qc := range agent.DrainQueue() {
		qc.Done <- registry.CommandOutcome{Err: fmt.Errorf("Emergency stop")}
		stopped++
	}
	r.log.Warn().
		Str("agentId", agent.DBID).
		Int("cancelled", stopped).
		Msg("Emergency stop executed")
	return stopped
}
