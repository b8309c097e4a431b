package storage

import (
	"errors"
	"testing"
)

func TestPeerUpsertAndList(t *testing.T) {
	store := newTestStore(t)

	if err := store.UpsertPeer(Peer{Identity: "u-2", DisplayName: "Bob", PublicKey: "key-bob"}); err != nil {
		t.Fatalf("UpsertPeer bob failed: %v", err)
	}
	if err := store.UpsertPeer(Peer{Identity: "u-1", DisplayName: "Alice", PublicKey: "key-alice"}); err != nil {
		t.Fatalf("UpsertPeer alice failed: %v", err)
	}

	got, err := store.GetPeer("u-2")
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if got.DisplayName != "Bob" || got.PublicKey != "key-bob" {
		t.Fatalf("unexpected peer: %+v", got)
	}
	if got.CreatedAt == 0 || got.LastSeenAt == 0 {
		t.Fatalf("timestamps not set: %+v", got)
	}

	// Refresh without a key keeps the stored key.
	if err := store.UpsertPeer(Peer{Identity: "u-2", DisplayName: "Bobby", LastSeenAt: got.LastSeenAt + 10}); err != nil {
		t.Fatalf("UpsertPeer refresh failed: %v", err)
	}
	refreshed, err := store.GetPeer("u-2")
	if err != nil {
		t.Fatalf("GetPeer after refresh failed: %v", err)
	}
	if refreshed.DisplayName != "Bobby" || refreshed.PublicKey != "key-bob" {
		t.Fatalf("unexpected refreshed peer: %+v", refreshed)
	}
	if refreshed.CreatedAt != got.CreatedAt {
		t.Fatalf("created_at changed on refresh: %d -> %d", got.CreatedAt, refreshed.CreatedAt)
	}
	if refreshed.LastSeenAt != got.LastSeenAt+10 {
		t.Fatalf("last_seen_at not refreshed: %d", refreshed.LastSeenAt)
	}

	peers, err := store.ListPeers()
	if err != nil {
		t.Fatalf("ListPeers failed: %v", err)
	}
	if len(peers) != 2 || peers[0].Identity != "u-1" || peers[1].Identity != "u-2" {
		t.Fatalf("unexpected peer order: %+v", peers)
	}
}

func TestPeerValidationAndNotFound(t *testing.T) {
	store := newTestStore(t)

	if err := store.UpsertPeer(Peer{Identity: "  "}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if _, err := store.GetPeer("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.UpsertPeer(Peer{Identity: "u-3"}); err != nil {
		t.Fatalf("UpsertPeer without name failed: %v", err)
	}
	peer, err := store.GetPeer("u-3")
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if peer.DisplayName != "u-3" {
		t.Fatalf("expected identity as display name, got %q", peer.DisplayName)
	}
}
