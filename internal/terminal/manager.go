// Package terminal relays interactive shell sessions between browser viewers
// and agents.
//
// A logged-in user session mints a short-lived one-shot token over HTTP
// (Handler.MintToken); the viewer redeems it when opening its WebSocket. The manager starts a shell session on the agent
// (terminal_start), polls terminal_output every 100 ms, and relays bytes both
// ways until either side closes, then sends terminal_stop.
package terminal

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/screenlink/screenlink/broker/internal/logger"
	"github.com/screenlink/screenlink/broker/internal/registry"
	"github.com/screenlink/screenlink/broker/internal/router"
)

// TokenTTL is the life of a minted viewer token.
const TokenTTL = 5 * time.Minute

// pollInterval is the cadence of terminal_output polling.
const pollInterval = 100 * time.Millisecond

// sessionToken is a minted, not-yet-redeemed viewer token.
type sessionToken struct {
	AgentConnectionID string
	UserID            string
	RemoteAddress     string
	ExpiresAt         time.Time
}

// Session is one live viewer ↔ agent relay.
type Session struct {
	ID                string
	AgentConnectionID string
	AgentSessionID    string // shell session id on the agent
	UserID            string
	Viewer            *websocket.Conn
	CreatedAt         time.Time

	mu           sync.Mutex
	lastActivity time.Time
	stopped      bool
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.stopped = true
	return true
}

// Manager owns tokens and live sessions.
type Manager struct {
	mu       sync.Mutex
	tokens   map[string]*sessionToken
	sessions map[string]*Session

	registry *registry.Registry
	router   *router.Router
	log      *zerolog.Logger
}

// NewManager creates a terminal session manager.
func NewManager(reg *registry.Registry, cmdRouter *router.Router) *Manager {
	return &Manager{
		tokens:   make(map[string]*sessionToken),
		sessions: make(map[string]*Session),
		registry: reg,
		router:   cmdRouter,
		log:      logger.Terminal(),
	}
}

// CreateSessionToken mints a one-shot viewer token for an agent.
func (m *Manager) CreateSessionToken(agentConnectionID, userID, remoteAddress string) (string, time.Time, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate terminal token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	expires := time.Now().Add(TokenTTL)

	m.mu.Lock()
	m.pruneExpiredLocked()
	m.tokens[tok] = &sessionToken{
		AgentConnectionID: agentConnectionID,
		UserID:            userID,
		RemoteAddress:     remoteAddress,
		ExpiresAt:         expires,
	}
	m.mu.Unlock()

	return tok, expires, nil
}

// pruneExpiredLocked lazily drops stale tokens. Caller holds the lock.
func (m *Manager) pruneExpiredLocked() {
	now := time.Now()
	for t, st := range m.tokens {
		if now.After(st.ExpiresAt) {
			delete(m.tokens, t)
		}
	}
}

// redeemToken validates and deletes a token (one-shot).
func (m *Manager) redeemToken(tok string) (*sessionToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneExpiredLocked()
	st, ok := m.tokens[tok]
	if !ok {
		return nil, fmt.Errorf("invalid or expired terminal token")
	}
	delete(m.tokens, tok)
	return st, nil
}

// CreateSession redeems a token, starts the shell on the agent, and runs the
// relay until either side closes. Blocks for the life of the session.
func (m *Manager) CreateSession(viewer *websocket.Conn, tok, viewerAddr string) error {
	st, err := m.redeemToken(tok)
	if err != nil {
		return err
	}

	agent := m.registry.GetAgent(st.AgentConnectionID)
	if agent == nil || !agent.SocketOpen() {
		return fmt.Errorf("agent is no longer connected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), router.CommandTimeout)
	raw, err := m.router.SendCommand(ctx, agent.ConnectionID, "terminal_start",
		map[string]interface{}{}, registry.CommandMeta{})
	cancel()
	if err != nil {
		return fmt.Errorf("failed to start shell session: %w", err)
	}

	var started struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &started); err != nil || started.SessionID == "" {
		return fmt.Errorf("agent returned no shell session id")
	}

	session := &Session{
		ID:                uuid.New().String(),
		AgentConnectionID: agent.ConnectionID,
		AgentSessionID:    started.SessionID,
		UserID:            st.UserID,
		Viewer:            viewer,
		CreatedAt:         time.Now(),
	}
	session.touch()

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	m.log.Info().
		Str("sessionId", session.ID).
		Str("agentId", agent.DBID).
		Str("viewer", viewerAddr).
		Msg("Terminal session started")

	stopPoll := make(chan struct{})
	go m.pollLoop(session, stopPoll)

	m.viewerLoop(session)

	close(stopPoll)
	m.teardown(session)
	return nil
}

// viewerLoop reads viewer frames (input and resize) until the socket closes.
func (m *Manager) viewerLoop(s *Session) {
	for {
		_, raw, err := s.Viewer.ReadMessage()
		if err != nil {
			return
		}
		s.touch()

		var frame struct {
			Type string `json:"type"`
			Data string `json:"data,omitempty"`
			Cols int    `json:"cols,omitempty"`
			Rows int    `json:"rows,omitempty"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			// Bare bytes are treated as input.
			m.handleViewerInput(s, string(raw))
			continue
		}

		switch frame.Type {
		case "resize":
			m.handleResize(s, frame.Cols, frame.Rows)
		default:
			m.handleViewerInput(s, frame.Data)
		}
	}
}

// handleViewerInput forwards keystrokes to the agent shell.
func (m *Manager) handleViewerInput(s *Session, data string) {
	ctx, cancel := context.WithTimeout(context.Background(), router.CommandTimeout)
	defer cancel()
	_, err := m.router.SendCommand(ctx, s.AgentConnectionID, "terminal_input",
		map[string]interface{}{"sessionId": s.AgentSessionID, "data": data},
		registry.CommandMeta{})
	if err != nil {
		m.log.Warn().Err(err).Str("sessionId", s.ID).Msg("Failed to forward terminal input")
	}
}

// handleResize forwards a viewport change to the agent shell.
func (m *Manager) handleResize(s *Session, cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), router.CommandTimeout)
	defer cancel()
	_, err := m.router.SendCommand(ctx, s.AgentConnectionID, "terminal_resize",
		map[string]interface{}{"sessionId": s.AgentSessionID, "cols": cols, "rows": rows},
		registry.CommandMeta{})
	if err != nil {
		m.log.Warn().Err(err).Str("sessionId", s.ID).Msg("Failed to forward terminal resize")
	}
}

// pollLoop fetches shell output every 100 ms and relays it to the viewer.
func (m *Manager) pollLoop(s *Session, stop <-chan struct{}) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), router.CommandTimeout)
			raw, err := m.router.SendCommand(ctx, s.AgentConnectionID, "terminal_output",
				map[string]interface{}{"sessionId": s.AgentSessionID},
				registry.CommandMeta{})
			cancel()
			if err != nil {
				m.log.Warn().Err(err).Str("sessionId", s.ID).Msg("Terminal output poll failed")
				s.Viewer.Close()
				return
			}

			var out struct {
				Data string `json:"data"`
			}
			if err := json.Unmarshal(raw, &out); err != nil || out.Data == "" {
				continue
			}
			s.touch()
			s.Viewer.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.Viewer.WriteMessage(websocket.TextMessage, []byte(out.Data)); err != nil {
				return
			}
		}
	}
}

// teardown stops the agent-side shell and forgets the session.
func (m *Manager) teardown(s *Session) {
	if !s.stop() {
		return
	}

	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	s.Viewer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), router.CommandTimeout)
	defer cancel()
	if _, err := m.router.SendCommand(ctx, s.AgentConnectionID, "terminal_stop",
		map[string]interface{}{"sessionId": s.AgentSessionID},
		registry.CommandMeta{}); err != nil {
		m.log.Warn().Err(err).Str("sessionId", s.ID).Msg("Failed to stop agent shell session")
	}

	m.log.Info().Str("sessionId", s.ID).Msg("Terminal session closed")
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
