package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/table-sync/internal/types"
	"github.com/example/table-sync/internal/wire"
)

const maxFrameSize = 1 << 20

var errSendBufferFull = errors.New("send buffer full")

type connectionOptions struct {
	heartbeatInterval  time.Duration
	heartbeatTolerance int
	sendBufferSize     int
	writeTimeout       time.Duration
}

// Connection is an upgraded observer session. Outbound frames are queued and
// written by a single writer goroutine.
type Connection struct {
	conn      *websocket.Conn
	identity  ClientIdentity
	registry  *ConnectionRegistry
	logger    zerolog.Logger
	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	opts connectionOptions

	lastPong  atomic.Int64
	replaying atomic.Bool
	onClose   func()
}

func newConnection(wsConn *websocket.Conn, id ClientIdentity, registry *ConnectionRegistry, logger zerolog.Logger, opts connectionOptions, onClose func()) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:     wsConn,
		identity: id,
		registry: registry,
		logger:   logger,
		send:     make(chan []byte, opts.sendBufferSize),
		ctx:      ctx,
		cancel:   cancel,
		opts:     opts,
		onClose:  onClose,
	}
	c.lastPong.Store(time.Now().UnixNano())
	return c
}

// Observer returns the identity assigned to this connection by the gateway.
func (c *Connection) Observer() types.ObserverID { return c.identity.Observer }

// Spectator reports whether the connection was opened as a spectator.
func (c *Connection) Spectator() bool { return c.identity.Spectator }

// Metadata exposes the caller-supplied client metadata, if any.
func (c *Connection) Metadata() map[string]string { return c.identity.Metadata }

// Context exposes the lifecycle context for hooks.
func (c *Connection) Context() context.Context { return c.ctx }

// Registry returns the shared connection registry.
func (c *Connection) Registry() *ConnectionRegistry { return c.registry }

// Send encodes msg and enqueues it for delivery.
func (c *Connection) Send(msg wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return c.SendBinary(data)
}

// SendBinary enqueues an encoded frame for the writer goroutine. While the
// registration replay is running the call waits for room in the buffer, up
// to the write timeout. Otherwise a full buffer closes the connection and the
// observer resynchronizes on reconnect.
func (c *Connection) SendBinary(payload []byte) error {
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
	}
	if c.replaying.Load() {
		return c.enqueueWait(payload)
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		c.dropForBackpressure()
		return errSendBufferFull
	}
}

func (c *Connection) enqueueWait(payload []byte) error {
	var timeout <-chan time.Time
	if c.opts.writeTimeout > 0 {
		timer := time.NewTimer(c.opts.writeTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	case <-timeout:
		c.dropForBackpressure()
		return errSendBufferFull
	}
}

func (c *Connection) dropForBackpressure() {
	c.logger.Warn().Msg("send buffer full; closing connection")
	gatewayFrames.WithLabelValues("out", "dropped").Inc()
	c.closeWithFrame(websocket.CloseTryAgainLater, "backpressure")
}

// Run starts the read/write pumps until the connection is closed.
func (c *Connection) Run(hooks Hooks) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer wg.Done()
		c.heartbeatLoop()
	}()

	if err := c.readLoop(hooks); err != nil {
		c.logger.Debug().Err(err).Msg("read loop exited")
	}
	c.Close()
	wg.Wait()
	if hooks.OnDisconnect != nil {
		hooks.OnDisconnect(c)
	}
}

// Close tears the connection down. It is safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *Connection) readLoop(hooks Hooks) error {
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		return nil
	})

	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		if messageType != websocket.BinaryMessage {
			c.closeWithFrame(websocket.CloseUnsupportedData, "text frames not supported")
			return fmt.Errorf("text frames unsupported")
		}
		if err := c.handleBinary(payload, hooks); err != nil {
			c.closeWithFrame(websocket.ClosePolicyViolation, err.Error())
			return err
		}
	}
}

func (c *Connection) handleBinary(payload []byte, hooks Hooks) error {
	msg, err := wire.Decode(payload)
	if err != nil {
		gatewayFrames.WithLabelValues("in", "malformed").Inc()
		c.logger.Warn().Err(err).Msg("dropping undecodable frame")
		return nil
	}
	gatewayFrames.WithLabelValues("in", string(msg.Kind)).Inc()

	if msg.Kind == wire.KindObserverConnected {
		if msg.Observer != c.identity.Observer {
			c.logger.Warn().
				Str("announced", msg.Observer.String()).
				Msg("observer announced a different identity; keeping assigned one")
			msg.Observer = c.identity.Observer
		}
		c.replaying.Store(true)
		defer c.replaying.Store(false)
		c.registry.MarkReady(c)
		if hooks.OnObserverConnected != nil {
			return hooks.OnObserverConnected(c.ctx, c, msg)
		}
		return nil
	}

	if hooks.OnMessage != nil {
		return hooks.OnMessage(c.ctx, c, msg)
	}
	return nil
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case payload := <-c.send:
			if c.opts.writeTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				c.logger.Debug().Err(err).Msg("write loop error")
				c.closeWithFrame(websocket.CloseInternalServerErr, "write error")
				return
			}
			gatewayFrames.WithLabelValues("out", "sent").Inc()
		}
	}
}

func (c *Connection) heartbeatLoop() {
	if c.opts.heartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.opts.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.writeTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat ping failed")
				c.Close()
				return
			}
			if c.opts.heartbeatTolerance > 0 {
				last := time.Unix(0, c.lastPong.Load())
				allowed := c.opts.heartbeatInterval * time.Duration(c.opts.heartbeatTolerance)
				if time.Since(last) > allowed {
					c.logger.Debug().Msg("heartbeat tolerance exceeded")
					c.closeWithFrame(websocket.CloseGoingAway, "missed heartbeats")
					return
				}
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// closeWithFrame sends a close frame and tears the connection down.
func (c *Connection) closeWithFrame(code int, reason string) {
	if len(reason) > 123 {
		reason = reason[:123]
	}
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.Close()
}

// Hooks are invoked from the connection's read goroutine.
type Hooks struct {
	// OnObserverConnected runs after the registration handshake, once the
	// connection already receives broadcasts. Sends made while it runs wait
	// for buffer space instead of closing the connection.
	OnObserverConnected MessageHook
	// OnMessage receives every other decoded frame.
	OnMessage    MessageHook
	OnDisconnect DisconnectHook
}

type MessageHook func(ctx context.Context, conn *Connection, msg wire.Message) error
type DisconnectHook func(conn *Connection)

// ClientIdentity is what the gateway knows about a connecting observer.
type ClientIdentity struct {
	Observer  types.ObserverID
	Spectator bool
	Metadata  map[string]string
}
