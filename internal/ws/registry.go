package ws

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/table-sync/internal/types"
	"github.com/example/table-sync/internal/wire"
)

// ConnectionRegistry tracks live observer connections. A connection receives
// table broadcasts only once it has completed the registration handshake.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[*Connection]bool
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{conns: make(map[*Connection]bool)}
}

// Register adds a connection in the pending state.
func (r *ConnectionRegistry) Register(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = false
	r.updateGauges()
}

// MarkReady makes a registered connection eligible for broadcasts.
func (r *ConnectionRegistry) MarkReady(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c]; !ok {
		return
	}
	r.conns[c] = true
	r.updateGauges()
}

// Unregister removes the connection.
func (r *ConnectionRegistry) Unregister(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c)
	r.updateGauges()
}

// Ready returns the identities of connections that completed the handshake.
func (r *ConnectionRegistry) Ready() []types.ObserverID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]types.ObserverID, 0, len(r.conns))
	for c, ready := range r.conns {
		if ready {
			ids = append(ids, c.Observer())
		}
	}
	return ids
}

// DeliverBinary sends an encoded frame to every ready connection the audience
// covers and returns the number of successful enqueues.
func (r *ConnectionRegistry) DeliverBinary(audience types.Scope, payload []byte) int {
	r.mu.RLock()
	recipients := make([]*Connection, 0, len(r.conns))
	for c, ready := range r.conns {
		if ready && audience.Visible(c.Observer()) {
			recipients = append(recipients, c)
		}
	}
	r.mu.RUnlock()

	sent := 0
	depth := 0
	for _, conn := range recipients {
		if err := conn.SendBinary(payload); err == nil {
			sent++
		}
		depth += len(conn.send)
	}
	gatewaySendQueueDepth.Set(float64(depth))
	return sent
}

// Publish encodes msg and delivers it to local connections. It lets the
// registry act as the host's publisher when no cross-instance bus is used.
func (r *ConnectionRegistry) Publish(ctx context.Context, audience types.Scope, msg wire.Message) error {
	_, span := tracer.Start(ctx, "ws.deliver", trace.WithAttributes(
		attribute.String("table", string(msg.Name)),
		attribute.String("kind", string(msg.Kind)),
	))
	defer span.End()

	payload, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	r.DeliverBinary(audience, payload)
	return nil
}

func (r *ConnectionRegistry) updateGauges() {
	ready := 0
	for _, ok := range r.conns {
		if ok {
			ready++
		}
	}
	gatewayConnections.WithLabelValues("ready").Set(float64(ready))
	gatewayConnections.WithLabelValues("pending").Set(float64(len(r.conns) - ready))
}
