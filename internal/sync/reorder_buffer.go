package syncstate

import (
	"errors"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/example/table-sync/internal/types"
	"github.com/example/table-sync/internal/wire"
)

// ErrSequenceGap is returned when a message is held because an earlier
// message for the same table has not arrived yet.
var ErrSequenceGap = errors.New("message delayed: sequence gap detected")

const defaultMaxPending = 64

// Applier is invoked when a message is ready to be applied.
type Applier func(wire.Message) error

// ReorderBuffer delivers messages for each table in owner sequence order.
// Full updates resynchronize a table unless they are older than what has
// already been applied; a full update at the current seq is accepted as a
// deliberate resync. Unsequenced messages
// (Seq == 0) and messages for tables without a full update yet pass through.
type ReorderBuffer struct {
	mu         sync.Mutex
	tracker    *SequenceTracker
	pending    map[types.TableName][]wire.Message
	maxPending int
	logger     zerolog.Logger
	reorders   *prometheus.CounterVec
}

// NewReorderBuffer constructs a buffer with the provided tracker and logger.
func NewReorderBuffer(tracker *SequenceTracker, logger zerolog.Logger) *ReorderBuffer {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "sequence",
		Name:      "messages_total",
		Help:      "Sequenced messages by outcome (reordered, stale, skipped).",
	}, []string{"outcome"})

	if err := prometheus.Register(counter); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			counter = regErr.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	return &ReorderBuffer{
		tracker:    tracker,
		pending:    make(map[types.TableName][]wire.Message),
		maxPending: defaultMaxPending,
		logger:     logger,
		reorders:   counter,
	}
}

// HandleMessage applies msg if it is next in sequence for its table, queues it
// if predecessors are missing, and drops it if it is stale.
func (b *ReorderBuffer) HandleMessage(msg wire.Message, apply Applier) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if msg.Seq == 0 {
		return apply(msg)
	}

	if msg.Kind == wire.KindFullUpdate {
		if last, known := b.tracker.Last(msg.Name); known && msg.Seq < last {
			b.dropStale(msg, last)
			return nil
		}
		err := apply(msg)
		b.tracker.Reset(msg.Name, msg.Seq)
		b.discardThrough(msg.Name, msg.Seq)
		if drainErr := b.drain(msg.Name, apply); err == nil {
			err = drainErr
		}
		return err
	}

	last, known := b.tracker.Last(msg.Name)
	switch {
	case !known:
		return apply(msg)
	case msg.Seq <= last:
		b.dropStale(msg, last)
		return nil
	case msg.Seq > last+1:
		b.enqueue(msg)
		b.logger.Info().
			Str("table", string(msg.Name)).
			Uint64("seq", msg.Seq).
			Uint64("expected", last+1).
			Msg("queued message pending predecessors")
		if len(b.pending[msg.Name]) > b.maxPending {
			return b.skipGap(msg.Name, apply)
		}
		return ErrSequenceGap
	}

	err := apply(msg)
	b.tracker.Advance(msg.Name, msg.Seq)
	if drainErr := b.drain(msg.Name, apply); err == nil {
		err = drainErr
	}
	return err
}

func (b *ReorderBuffer) dropStale(msg wire.Message, last uint64) {
	b.reorders.WithLabelValues("stale").Inc()
	b.logger.Debug().
		Str("table", string(msg.Name)).
		Str("kind", string(msg.Kind)).
		Uint64("seq", msg.Seq).
		Uint64("last", last).
		Msg("dropping stale message")
}

// Pending returns the number of held messages for table.
func (b *ReorderBuffer) Pending(table types.TableName) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[table])
}

// drain applies queued messages that are now next in sequence.
func (b *ReorderBuffer) drain(table types.TableName, apply Applier) error {
	var firstErr error
	for {
		queue := b.pending[table]
		if len(queue) == 0 {
			delete(b.pending, table)
			return firstErr
		}
		last, _ := b.tracker.Last(table)
		next := queue[0]
		if next.Seq > last+1 {
			return firstErr
		}
		b.pending[table] = queue[1:]
		if next.Seq <= last {
			continue
		}

		b.reorders.WithLabelValues("reordered").Inc()
		if err := apply(next); err != nil && firstErr == nil {
			firstErr = err
		}
		b.tracker.Advance(table, next.Seq)
	}
}

// skipGap gives up on missing predecessors and applies what is held.
func (b *ReorderBuffer) skipGap(table types.TableName, apply Applier) error {
	queue := b.pending[table]
	b.reorders.WithLabelValues("skipped").Inc()
	b.logger.Warn().
		Str("table", string(table)).
		Int("held", len(queue)).
		Msg("sequence gap not filled; applying held messages")
	b.tracker.Reset(table, queue[0].Seq-1)
	return b.drain(table, apply)
}

func (b *ReorderBuffer) enqueue(msg wire.Message) {
	queue := append(b.pending[msg.Name], msg)
	sort.SliceStable(queue, func(i, j int) bool { return queue[i].Seq < queue[j].Seq })
	b.pending[msg.Name] = queue
}

func (b *ReorderBuffer) discardThrough(table types.TableName, seq uint64) {
	queue := b.pending[table]
	kept := queue[:0]
	for _, msg := range queue {
		if msg.Seq > seq {
			kept = append(kept, msg)
		}
	}
	if len(kept) == 0 {
		delete(b.pending, table)
		return
	}
	b.pending[table] = kept
}
