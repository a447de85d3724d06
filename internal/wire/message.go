package wire

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/example/table-sync/internal/types"
)

// Kind tags the variant carried by a Message.
type Kind string

const (
	KindFullUpdate        Kind = "pt_fu"
	KindIncrementalUpdate Kind = "pt_uk"
	KindKeyDeletion       Kind = "pt_kd"
	KindObserverConnected Kind = "pt_connected"
)

var (
	// ErrUnknownKind is returned when a frame carries an unrecognised kind tag.
	ErrUnknownKind = errors.New("unknown message kind")
	// ErrMalformed is returned when a frame cannot be decoded into a Message.
	ErrMalformed = errors.New("malformed message")
)

// Message is the tagged variant exchanged between owner and observer. Only
// the fields belonging to Kind are meaningful.
type Message struct {
	Kind Kind
	ID   string
	Name types.TableName
	Seq  uint64

	// Contents is the full table for KindFullUpdate; nil deletes the replica.
	Contents types.Table
	// Changes holds the merged entries for KindIncrementalUpdate.
	Changes types.ChangeSet
	// Keys holds the removed keys for KindKeyDeletion.
	Keys types.DeletionSet
	// Observer is the announcing identity for KindObserverConnected.
	Observer types.ObserverID
}

// FullUpdate replaces (or, with a nil table, removes) the named replica.
func FullUpdate(name types.TableName, table types.Table) Message {
	return Message{Kind: KindFullUpdate, ID: newID(), Name: name, Contents: table}
}

// IncrementalUpdate merges changes into the named replica.
func IncrementalUpdate(name types.TableName, changes types.ChangeSet) Message {
	return Message{Kind: KindIncrementalUpdate, ID: newID(), Name: name, Changes: changes}
}

// KeyDeletion removes keys from the named replica.
func KeyDeletion(name types.TableName, keys ...string) Message {
	return Message{Kind: KindKeyDeletion, ID: newID(), Name: name, Keys: types.NewDeletionSet(keys...)}
}

// ObserverConnected is the registration handshake sent by an observer.
func ObserverConnected(id types.ObserverID) Message {
	return Message{Kind: KindObserverConnected, ID: newID(), Observer: id}
}

// Validate checks that the fields required by Kind are present.
func (m Message) Validate() error {
	switch m.Kind {
	case KindFullUpdate, KindIncrementalUpdate, KindKeyDeletion:
		if m.Name == "" {
			return fmt.Errorf("%w: %s without table name", ErrMalformed, m.Kind)
		}
	case KindObserverConnected:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	return nil
}

func newID() string {
	return uuid.NewString()
}
