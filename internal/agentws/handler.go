// Package agentws implements the WebSocket endpoint desktop agents connect to.
//
// CONNECTION LIFECYCLE:
//  1. Agent opens GET /api/agents/connect
//  2. Connection is upgraded from HTTP to WebSocket
//  3. The first frame must be a register message (deadline 10 s); anything
//     else closes the socket with code 4000
//  4. The registry installs the connection (displacing any previous socket
//     from the same machine) and replies with a registered frame
//  5. readLoop and writePump run until the socket closes
//  6. On disconnect the registry unregisters the connection
//
// MESSAGE FLOW:
// Agent → Broker: response/error (correlated), pong, heartbeat, state_change
// Broker → Agent: request, config, heartbeat_ack, ping
//
// Thread Safety: readLoop and writePump run concurrently; the registry and
// per-agent locks handle all synchronization.
package agentws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/screenlink/screenlink/broker/internal/logger"
	"github.com/screenlink/screenlink/broker/internal/models"
	"github.com/screenlink/screenlink/broker/internal/registry"
	"github.com/screenlink/screenlink/broker/internal/router"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed for the first (register) frame
	registerWait = 10 * time.Second

	// Control-ping period for transport liveness. Protocol-level heartbeats
	// are separate and power-state dependent.
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512 KB

	// Inbound frame throttle per connection. Generous: a chatty agent at
	// ACTIVE cadence stays far below this.
	inboundRate  = 50
	inboundBurst = 100
)

// Handler handles WebSocket connections for agents.
type Handler struct {
	registry *registry.Registry
	router   *router.Router
	upgrader websocket.Upgrader
	log      *zerolog.Logger
}

// NewHandler creates a new WebSocket handler for agents.
//
// Example:
//
//	handler := agentws.NewHandler(reg, cmdRouter)
//	router.GET("/api/agents/connect", handler.HandleConnection)
func NewHandler(reg *registry.Registry, cmdRouter *router.Router) *Handler {
	return &Handler{
		registry: reg,
		router:   cmdRouter,
		log:      logger.AgentSocket(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Agents are native processes, not browsers; origin checks
				// do not apply.
				return true
			},
		},
	}
}

// RegisterRoutes registers the agent socket route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/agents/connect", h.HandleConnection)
}

// HandleConnection upgrades the socket and runs the connection lifecycle.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("remote", c.ClientIP()).Msg("WebSocket upgrade failed")
		return
	}

	conn.SetReadLimit(maxMessageSize)

	// The first frame must register the agent.
	conn.SetReadDeadline(time.Now().Add(registerWait))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}

	var env models.AgentEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != models.AgentMsgRegister {
		h.closeWith(conn, models.CloseRegistrationFailed, "Expected register message")
		return
	}
	var payload models.RegisterPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			h.closeWith(conn, models.CloseRegistrationFailed, "Invalid register payload")
			return
		}
	} else {
		// Some agent builds inline the registration fields in the envelope.
		if err := json.Unmarshal(raw, &payload); err != nil {
			h.closeWith(conn, models.CloseRegistrationFailed, "Invalid register payload")
			return
		}
	}

	agent, err := h.registry.Register(c.Request.Context(), conn, &payload, c.ClientIP())
	if err != nil {
		h.log.Warn().Err(err).Str("remote", c.ClientIP()).Msg("Registration rejected")
		h.closeWith(conn, models.CloseRegistrationFailed, "Registration failed")
		return
	}

	conn.SetReadDeadline(time.Time{})

	go h.writePump(agent)
	h.readLoop(agent)
}

func (h *Handler) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	conn.Close()
}

// readLoop reads frames from the socket and dispatches them by type.
// Runs on the connection's goroutine; exits on any read error.
func (h *Handler) readLoop(agent *registry.ConnectedAgent) {
	defer func() {
		h.registry.Unregister(agent.ConnectionID, "Agent disconnected")
		if agent.Conn != nil {
			agent.Conn.Close()
		}
	}()

	limiter := rate.NewLimiter(rate.Limit(inboundRate), inboundBurst)

	agent.Conn.SetPongHandler(func(string) error {
		agent.TouchPing()
		return nil
	})

	for {
		_, raw, err := agent.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn().Err(err).Str("agentId", agent.DBID).Msg("Unexpected close")
			} else {
				h.log.Info().Str("agentId", agent.DBID).Msg("Agent disconnected")
			}
			return
		}

		if !limiter.Allow() {
			h.log.Warn().Str("agentId", agent.DBID).Msg("Inbound frame rate exceeded, dropping frame")
			continue
		}

		var env models.AgentEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			h.log.Warn().Err(err).Str("agentId", agent.DBID).Msg("Invalid frame from agent")
			continue
		}

		switch env.Type {
		case models.AgentMsgResponse, models.AgentMsgError:
			h.router.HandleResponse(agent, &env)

		case models.AgentMsgPong:
			h.registry.UpdatePing(agent)

		case models.AgentMsgHeartbeat:
			h.handleHeartbeat(agent, &env)

		case models.AgentMsgStateChange:
			h.handleStateChange(agent, &env)

		default:
			h.log.Warn().Str("agentId", agent.DBID).Str("type", env.Type).Msg("Unknown message type")
		}
	}
}

// handleHeartbeat merges the optional state payload, re-projects the license,
// and replies with a heartbeat_ack.
func (h *Handler) handleHeartbeat(agent *registry.ConnectedAgent, env *models.AgentEnvelope) {
	h.registry.UpdatePing(agent)

	payload := parseHeartbeatPayload(env.Payload)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	prev, err := h.registry.UpdateState(ctx, agent, payload)
	if err != nil {
		h.log.Error().Err(err).Str("agentId", agent.DBID).Msg("Failed to persist heartbeat state")
	}

	check, err := h.registry.CheckLicenseStatus(ctx, agent)
	if err != nil {
		h.log.Error().Err(err).Str("agentId", agent.DBID).Msg("License check failed")
		check = &registry.LicenseCheck{Status: agent.LicenseStatus}
	}

	ack := models.HeartbeatAck{
		Type:            models.BrokerMsgHeartbeatAck,
		ID:              env.ID,
		LicenseStatus:   check.Status,
		LicenseChanged:  check.Changed,
		LicenseMessage:  check.Message,
		PendingCommands: agent.QueuedCount() > 0,
		Config:          check.Config,
	}
	if err := agent.SendJSON(ack); err != nil {
		h.log.Warn().Err(err).Str("agentId", agent.DBID).Msg("Failed to send heartbeat_ack")
	}

	h.maybeWake(agent, prev)
}

// handleStateChange applies a deliberate transition, pushes the matching
// heartbeat config, and drains the queue on a wake from SLEEP.
func (h *Handler) handleStateChange(agent *registry.ConnectedAgent, env *models.AgentEnvelope) {
	payload := parseHeartbeatPayload(env.Payload)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	prev, err := h.registry.UpdateState(ctx, agent, payload)
	if err != nil {
		h.log.Error().Err(err).Str("agentId", agent.DBID).Msg("Failed to persist state change")
	}

	next := agent.PowerState()
	if payload != nil && payload.PowerState != nil && prev != next {
		cfg := models.ConfigMessage{
			Type: models.BrokerMsgConfig,
			ID:   env.ID,
			Config: models.AgentConfig{
				HeartbeatInterval: models.HeartbeatIntervalFor(next),
				PowerState:        next,
			},
		}
		if err := agent.SendJSON(cfg); err != nil {
			h.log.Warn().Err(err).Str("agentId", agent.DBID).Msg("Failed to send config")
		}
	}

	h.maybeWake(agent, prev)
}

// maybeWake drains the sleep queue on the SLEEP → awake edge. The previous
// power state is captured before the in-memory merge; comparing after would
// miss the edge.
func (h *Handler) maybeWake(agent *registry.ConnectedAgent, prevPowerState string) {
	if prevPowerState == models.PowerStateSleep && agent.PowerState() != models.PowerStateSleep {
		h.router.ProcessQueuedCommands(agent)
	}
}

func parseHeartbeatPayload(raw json.RawMessage) *models.HeartbeatPayload {
	if len(raw) == 0 {
		return nil
	}
	var p models.HeartbeatPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil
	}
	return &p
}

// writePump writes frames from the Send channel to the socket and keeps the
// transport alive with control pings.
func (h *Handler) writePump(agent *registry.ConnectedAgent) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if agent.Conn != nil {
			agent.Conn.Close()
		}
	}()

	for {
		select {
		case message, ok := <-agent.Send:
			agent.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				agent.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := agent.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.log.Warn().Err(err).Str("agentId", agent.DBID).Msg("Write error")
				return
			}

		case <-ticker.C:
			agent.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := agent.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
