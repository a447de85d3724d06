package ws

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/table-sync/internal/types"
)

// ObserverHeader carries the assigned observer identity in the upgrade response.
const ObserverHeader = "X-Observer-Id"

// Authenticator resolves the identity of an inbound HTTP request before the
// connection is upgraded to WebSocket.
type Authenticator interface {
	Authenticate(r *http.Request) (ClientIdentity, error)
}

// AuthFunc is an adapter to allow the use of ordinary functions as authenticators.
type AuthFunc func(r *http.Request) (ClientIdentity, error)

// Authenticate implements Authenticator.
func (f AuthFunc) Authenticate(r *http.Request) (ClientIdentity, error) {
	return f(r)
}

// SequentialIdentities assigns identities from the observer_id query
// parameter or, when absent, from an increasing counter that skips every
// identity already claimed through the query. Requests with spectator=1 stay
// unassigned.
func SequentialIdentities() Authenticator {
	var (
		mu      sync.Mutex
		next    types.ObserverID
		claimed = make(map[types.ObserverID]struct{})
	)
	return AuthFunc(func(r *http.Request) (ClientIdentity, error) {
		query := r.URL.Query()
		if spectator, _ := strconv.ParseBool(query.Get("spectator")); spectator {
			return ClientIdentity{Observer: types.UnassignedObserver, Spectator: true}, nil
		}

		mu.Lock()
		defer mu.Unlock()
		if raw := query.Get("observer_id"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 32)
			if err != nil || id < 0 {
				return ClientIdentity{}, errors.New("invalid observer_id")
			}
			claimed[types.ObserverID(id)] = struct{}{}
			return ClientIdentity{Observer: types.ObserverID(id)}, nil
		}
		for {
			id := next
			next++
			if _, taken := claimed[id]; !taken {
				claimed[id] = struct{}{}
				return ClientIdentity{Observer: id}, nil
			}
		}
	})
}

// GatewayConfig controls the runtime behaviour of the WebSocket gateway.
type GatewayConfig struct {
	HeartbeatInterval  time.Duration
	HeartbeatTolerance int
	SendBuffer         int
	WriteTimeout       time.Duration
}

// Gateway upgrades HTTP requests into observer connections and wires them
// into the ConnectionRegistry.
type Gateway struct {
	auth     Authenticator
	registry *ConnectionRegistry
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	hooks    Hooks
	cfg      GatewayConfig
}

// NewGateway creates a Gateway with sane defaults.
func NewGateway(auth Authenticator, registry *ConnectionRegistry, logger zerolog.Logger, hooks Hooks, cfg GatewayConfig) (*Gateway, error) {
	if auth == nil {
		return nil, errors.New("authenticator is required")
	}
	if registry == nil {
		return nil, errors.New("connection registry is required")
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTolerance == 0 {
		cfg.HeartbeatTolerance = 2
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Gateway{
		auth:     auth,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
		hooks:  hooks,
		cfg:    cfg,
	}, nil
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	identity, err := g.auth.Authenticate(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	started := time.Now()
	header := http.Header{}
	header.Set(ObserverHeader, identity.Observer.String())
	wsConn, err := g.upgrader.Upgrade(w, r, header)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		g.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	gatewayUpgradeLatency.Observe(time.Since(started).Seconds())

	childLogger := g.logger.With().
		Str("observer", identity.Observer.String()).
		Bool("spectator", identity.Spectator).
		Logger()
	var connection *Connection
	connection = newConnection(wsConn, identity, g.registry, childLogger, connectionOptions{
		heartbeatInterval:  g.cfg.HeartbeatInterval,
		heartbeatTolerance: g.cfg.HeartbeatTolerance,
		sendBufferSize:     g.cfg.SendBuffer,
		writeTimeout:       g.cfg.WriteTimeout,
	}, func() {
		g.registry.Unregister(connection)
	})

	g.registry.Register(connection)
	childLogger.Info().Msg("websocket connection established")

	go connection.Run(g.hooks)
}
