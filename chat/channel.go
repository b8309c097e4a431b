package chat

import (
	"context"
	"time"
)

// EventKind identifies realtime events.
type EventKind int

const (
	// EventMessage carries a new or confirmed message.
	EventMessage EventKind = iota + 1
	// EventDeleted carries server ids removed by any party.
	EventDeleted
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Event is one push notification of a conversation subscription.
type Event struct {
	Kind       EventKind
	Message    Confirmation
	DeletedIDs []string
}

// Subscription is a joined conversation feed. Events of one conversation
// arrive in send order; replays after reconnect are possible.
type Subscription interface {
	// Next blocks until the next event, ctx cancellation or subscription loss.
	Next(ctx context.Context) (Event, error)
	// Close releases the subscription. It is safe to call more than once.
	Close() error
}

// RealtimeChannel opens subscriptions scoped to one sender/recipient pair.
type RealtimeChannel interface {
	Join(ctx context.Context, self, peer string) (Subscription, error)
}

// Outbound is a send request handed to the transport.
type Outbound struct {
	Sender       string
	Recipient    string
	Ciphertext   []byte
	SelfDestruct time.Duration
	SentAt       time.Time
}

// Transport is the request/response side of the server.
type Transport interface {
	Send(ctx context.Context, out Outbound) (Receipt, error)
	FetchHistory(ctx context.Context, sender, recipient string) ([]Message, error)
}

// Deleter is implemented by transports that can broadcast explicit deletions.
type Deleter interface {
	Delete(ctx context.Context, self, peer string, ids []string) error
}

// ReadMarker is implemented by transports that can publish read receipts.
type ReadMarker interface {
	MarkRead(ctx context.Context, reader, peer string, ids []string) error
}

// Peer is one entry of the roster.
type Peer struct {
	Identity    string
	DisplayName string
	PublicKey   string
}

// Roster lists available conversation partners.
type Roster interface {
	ListPeers(ctx context.Context) ([]Peer, error)
}

// Crypto turns plaintext into the opaque ciphertext carried by messages.
type Crypto interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}
