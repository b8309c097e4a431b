package storage

import (
	"database/sql"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrInvalid indicates a row failed validation before reaching SQLite.
	ErrInvalid = errors.New("storage: invalid record")
)

// Peer is a registered participant of the relay.
type Peer struct {
	Identity    string `db:"identity"`
	DisplayName string `db:"display_name"`
	PublicKey   string `db:"public_key"`
	CreatedAt   int64  `db:"created_at"`
	LastSeenAt  int64  `db:"last_seen_at"`
}

// Message is a stored ciphertext. Times are Unix milliseconds.
type Message struct {
	ID              string        `db:"id"`
	ConversationKey string        `db:"conversation_key"`
	Sender          string        `db:"sender"`
	Recipient       string        `db:"recipient"`
	Ciphertext      []byte        `db:"ciphertext"`
	SentAt          int64         `db:"sent_at"`
	SelfDestruct    int64         `db:"self_destruct"`
	ExpiresAt       sql.NullInt64 `db:"expires_at"`
	IsRead          bool          `db:"is_read"`
}

// SelfDestructDuration returns the self-destruct delay.
func (m Message) SelfDestructDuration() time.Duration {
	return time.Duration(m.SelfDestruct) * time.Millisecond
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
