package registry

import (
	"context"

	"github.com/screenlink/screenlink/broker/internal/models"
)

// RegisterMock installs a loopback agent with no real socket. Used by the
// debug endpoints for integration testing; the outbound frame channel is
// drained and discarded.
func (r *Registry) RegisterMock(ctx context.Context, payload *models.RegisterPayload) (*ConnectedAgent, error) {
	agent, err := r.Register(ctx, nil, payload, "127.0.0.1")
	if err != nil {
		return nil, err
	}
	agent.IsInternal = true

	// Drain outbound frames so senders never see a full buffer.
	go func() {
		for range agent.Send {
		}
	}()

	return agent, nil
}
