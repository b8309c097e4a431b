package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// UpsertPeer registers a peer or refreshes its display name, key and
// last-seen time. An empty public key keeps the stored one.
func (s *Store) UpsertPeer(peer Peer) error {
	peer.Identity = strings.TrimSpace(peer.Identity)
	if peer.Identity == "" {
		return fmt.Errorf("%w: identity is required", ErrInvalid)
	}
	if strings.TrimSpace(peer.DisplayName) == "" {
		peer.DisplayName = peer.Identity
	}
	now := nowUnixMilli()
	if peer.CreatedAt == 0 {
		peer.CreatedAt = now
	}
	if peer.LastSeenAt == 0 {
		peer.LastSeenAt = now
	}

	_, err := s.db.NamedExec(
		`INSERT INTO peers (
			identity,
			display_name,
			public_key,
			created_at,
			last_seen_at
		) VALUES (:identity, :display_name, :public_key, :created_at, :last_seen_at)
		ON CONFLICT(identity) DO UPDATE SET
			display_name = excluded.display_name,
			public_key = CASE
				WHEN excluded.public_key != '' THEN excluded.public_key
				ELSE peers.public_key
			END,
			last_seen_at = excluded.last_seen_at`,
		peer,
	)
	if err != nil {
		return fmt.Errorf("upsert peer %q: %w", peer.Identity, err)
	}

	return nil
}

// GetPeer fetches a peer by identity.
func (s *Store) GetPeer(identity string) (*Peer, error) {
	var peer Peer
	err := s.db.Get(&peer,
		`SELECT identity, display_name, public_key, created_at, last_seen_at
		FROM peers
		WHERE identity = ?`,
		identity,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", identity, err)
	}
	return &peer, nil
}

// ListPeers returns all peers sorted by display name.
func (s *Store) ListPeers() ([]Peer, error) {
	peers := make([]Peer, 0)
	err := s.db.Select(&peers,
		`SELECT identity, display_name, public_key, created_at, last_seen_at
		FROM peers
		ORDER BY display_name, identity`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	return peers, nil
}
