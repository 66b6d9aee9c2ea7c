// Package events publishes broker lifecycle events over NATS for external
// consumers (dashboards, alerting, billing).
//
// Publishing is strictly fire-and-forget: the broker's hot paths call the
// publisher and must never block or fail because of it. When NATS is
// disabled or unreachable the publisher is a no-op.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/screenlink/screenlink/broker/internal/logger"
)

// Config holds NATS connection configuration
type Config struct {
	URL     string
	Enabled bool
}

// Publisher publishes broker events to NATS.
type Publisher struct {
	nc  *nats.Conn
	log *zerolog.Logger
}

// AgentEvent is the payload of agent lifecycle events.
type AgentEvent struct {
	AgentID   string    `json:"agentId"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// CommandEvent is the payload of command audit events.
type CommandEvent struct {
	AgentID   string    `json:"agentId"`
	Method    string    `json:"method"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// NewPublisher connects to NATS. A disabled config returns a no-op publisher.
func NewPublisher(cfg Config) (*Publisher, error) {
	log := logger.GetLogger()
	if !cfg.Enabled {
		return &Publisher{log: log}, nil
	}

	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}

	nc, err := nats.Connect(url,
		nats.Name("screenlink-broker"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info().Str("url", url).Msg("NATS event publisher connected")
	return &Publisher{nc: nc, log: log}, nil
}

// Close drains the connection.
func (p *Publisher) Close() error {
	if p.nc != nil {
		return p.nc.Drain()
	}
	return nil
}

// publish serializes and publishes, logging failures without returning them.
func (p *Publisher) publish(subject string, payload interface{}) {
	if p.nc == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Msg("Failed to marshal event")
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Msg("Failed to publish event")
	}
}

// AgentOnline publishes an agent-online event.
func (p *Publisher) AgentOnline(agentID, userID string) {
	p.publish(SubjectAgentOnline, AgentEvent{AgentID: agentID, UserID: userID, Timestamp: time.Now()})
}

// AgentOffline publishes an agent-offline event.
func (p *Publisher) AgentOffline(agentID, userID string) {
	p.publish(SubjectAgentOffline, AgentEvent{AgentID: agentID, UserID: userID, Timestamp: time.Now()})
}

// CommandCompleted publishes a command audit event.
func (p *Publisher) CommandCompleted(agentID, method string, success bool) {
	subject := SubjectCommandCompleted
	if !success {
		subject = SubjectCommandFailed
	}
	p.publish(subject, CommandEvent{AgentID: agentID, Method: method, Success: success, Timestamp: time.Now()})
}
