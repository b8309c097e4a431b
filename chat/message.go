// Package chat reconciles optimistic local messages with server
// confirmations and keeps a two-party conversation consistent across
// reconnects and self-destruct deadlines.
package chat

import (
	"bytes"
	"strconv"
	"time"
)

// Key identifies one conversation between exactly two identities.
type Key string

// ConversationKey returns the order-independent key for identities a and b.
func ConversationKey(a, b string) Key {
	lo, hi := a, b
	if hi < lo {
		lo, hi = hi, lo
	}
	// Length prefix keeps the pairing unambiguous for identities containing '|'.
	return Key(strconv.Itoa(len(lo)) + ":" + lo + "|" + hi)
}

// Status is the delivery state of a message.
type Status uint8

const (
	StatusPending Status = iota + 1
	StatusFailed
	StatusSent
	StatusDelivered
	StatusRead
	StatusExpired
	StatusRemoved
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusExpired:
		return "expired"
	case StatusRemoved:
		return "removed"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusRemoved
}

// rank orders the forward delivery path. Failed sits beside pending.
func (s Status) rank() int {
	switch s {
	case StatusPending, StatusFailed:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 4
	}
}

// CanTransition reports whether a message in status s may move to next.
//
// Forward moves along pending → sent → delivered → read are allowed, as is
// any non-terminal status to expired or removed. Failed is only entered from
// pending and only left towards pending (explicit retry) or forward when a
// late confirmation arrives. Everything else is a downgrade and is rejected.
func (s Status) CanTransition(next Status) bool {
	if s == next || s.Terminal() {
		return false
	}
	switch next {
	case StatusExpired, StatusRemoved:
		return true
	case StatusFailed:
		return s == StatusPending
	case StatusPending:
		return s == StatusFailed
	case StatusSent, StatusDelivered, StatusRead:
		return next.rank() > s.rank()
	default:
		return false
	}
}

// Advance returns next when the transition is allowed, ErrInvalidTransition otherwise.
func (s Status) Advance(next Status) (Status, error) {
	if !s.CanTransition(next) {
		return s, &TransitionError{From: s, To: next}
	}
	return next, nil
}

// Message is one entry of a conversation log.
type Message struct {
	// LocalID is generated on this side and never changes.
	LocalID string
	// ID is the server-assigned identifier; empty until acknowledged.
	ID              string
	ConversationKey Key
	Sender          string
	Recipient       string
	Ciphertext      []byte
	SentAt          time.Time
	SelfDestruct    time.Duration
	Status          Status
	// LocalOnly is true until the first server confirmation arrives.
	LocalOnly bool
	// Attempts counts transport sends for locally originated messages.
	Attempts int

	seq uint64
	// confirmed is the store sequence at which the server id was assigned.
	confirmed uint64
}

// ExpiresAt returns the self-destruct deadline, if any.
func (m Message) ExpiresAt() (time.Time, bool) {
	if m.SelfDestruct <= 0 {
		return time.Time{}, false
	}
	return m.SentAt.Add(m.SelfDestruct), true
}

// ExpiredAt reports whether the self-destruct deadline is at or before now.
func (m Message) ExpiredAt(now time.Time) bool {
	deadline, ok := m.ExpiresAt()
	return ok && !now.Before(deadline)
}

func (m Message) sameContent(sender, recipient string, ciphertext []byte) bool {
	return m.Sender == sender && m.Recipient == recipient && bytes.Equal(m.Ciphertext, ciphertext)
}

func (m Message) clone() Message {
	out := m
	out.Ciphertext = append([]byte(nil), m.Ciphertext...)
	return out
}
