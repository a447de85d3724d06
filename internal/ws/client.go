package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/table-sync/internal/types"
	"github.com/example/table-sync/internal/wire"
)

// Client is the observer side of a gateway connection.
type Client struct {
	conn     *websocket.Conn
	observer types.ObserverID
	logger   zerolog.Logger

	writeMu      sync.Mutex
	writeTimeout time.Duration
}

// Dial connects to the gateway at url. The identity assigned by the gateway
// is read from the upgrade response.
func Dial(ctx context.Context, url string, header http.Header, logger zerolog.Logger) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	observer := types.UnassignedObserver
	if raw := resp.Header.Get(ObserverHeader); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("parse %s header: %w", ObserverHeader, err)
		}
		observer = types.ObserverID(id)
	}

	return &Client{
		conn:         conn,
		observer:     observer,
		logger:       logger.With().Str("observer", observer.String()).Logger(),
		writeTimeout: 5 * time.Second,
	}, nil
}

// Observer returns the identity the gateway assigned to this client.
func (c *Client) Observer() types.ObserverID { return c.observer }

// Announce sends msg to the host. It satisfies session.Announcer.
func (c *Client) Announce(ctx context.Context, msg wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Run reads frames until ctx is cancelled or the connection fails, passing
// each decoded message to handle. Undecodable frames are logged and skipped.
func (c *Client) Run(ctx context.Context, handle func(wire.Message) error) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		msg, err := wire.Decode(payload)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		if err := handle(msg); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Debug().Err(err).
				Str("table", string(msg.Name)).
				Str("kind", string(msg.Kind)).
				Msg("message not applied")
		}
	}
}

// Close sends a normal closure and releases the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
