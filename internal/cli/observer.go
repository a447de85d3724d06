package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/example/table-sync/internal/replica"
	"github.com/example/table-sync/internal/session"
	syncstate "github.com/example/table-sync/internal/sync"
	"github.com/example/table-sync/internal/wire"
	"github.com/example/table-sync/internal/ws"
)

// observer wires a gateway client to a replicator through the reorder buffer.
type observer struct {
	client     *ws.Client
	identity   *session.Identity
	replicator *replica.Replicator
	buffer     *syncstate.ReorderBuffer
	registrar  *session.Registrar
	logger     zerolog.Logger
}

func newLogger(w io.Writer, verbose bool) zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, NoColor: true}).Level(level).With().Timestamp().Logger()
}

func dialURL(opts *RootOptions) (string, error) {
	u, err := url.Parse(opts.Addr)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", opts.Addr, err)
	}
	q := u.Query()
	if opts.Spectator {
		q.Set("spectator", "1")
	} else if opts.ObserverID >= 0 {
		q.Set("observer_id", strconv.Itoa(opts.ObserverID))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func connect(ctx context.Context, opts *RootOptions, logger zerolog.Logger) (*observer, error) {
	target, err := dialURL(opts)
	if err != nil {
		return nil, err
	}
	client, err := ws.Dial(ctx, target, nil, logger)
	if err != nil {
		return nil, err
	}

	identity := session.NewIdentity()
	identity.SetSpectator(opts.Spectator)
	identity.Set(client.Observer())

	logger = logger.With().Str("observer", client.Observer().String()).Logger()
	return &observer{
		client:     client,
		identity:   identity,
		replicator: replica.NewReplicator(identity, logger),
		buffer:     syncstate.NewReorderBuffer(syncstate.NewSequenceTracker(), logger),
		registrar:  session.NewRegistrar(identity, client, logger),
		logger:     logger,
	}, nil
}

// run registers with the host and applies inbound messages until ctx ends.
func (o *observer) run(ctx context.Context) error {
	defer o.client.Close()

	go func() {
		if err := o.registrar.RegisterObserver(ctx); err != nil && ctx.Err() == nil {
			o.logger.Error().Err(err).Msg("registration failed")
		}
	}()

	err := o.client.Run(ctx, func(msg wire.Message) error {
		return o.buffer.HandleMessage(msg, func(m wire.Message) error {
			return o.replicator.Apply(ctx, m)
		})
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
