package storage

import (
	"bytes"
	"errors"
	"strconv"
	"testing"
)

func TestSaveMessageComputesKeyAndDeadline(t *testing.T) {
	store := newTestStore(t)

	saved := mustSave(t, store, "m1", "bob", "alice", 10_000, 30_000)
	if saved.ConversationKey != keyOf("alice", "bob") {
		t.Fatalf("unexpected conversation key %q", saved.ConversationKey)
	}
	if !saved.ExpiresAt.Valid || saved.ExpiresAt.Int64 != 40_000 {
		t.Fatalf("unexpected expires_at: %+v", saved.ExpiresAt)
	}

	got, err := store.GetMessage("m1")
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if !bytes.Equal(got.Ciphertext, []byte("ciphertext-m1")) {
		t.Fatalf("ciphertext mismatch: %q", got.Ciphertext)
	}
	if got.SelfDestructDuration().Seconds() != 30 {
		t.Fatalf("unexpected self destruct: %v", got.SelfDestructDuration())
	}

	forever := mustSave(t, store, "m2", "alice", "bob", 11_000, 0)
	if forever.ExpiresAt.Valid {
		t.Fatalf("message without self destruct must not expire")
	}

	if _, err := store.GetMessage("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveMessageValidation(t *testing.T) {
	store := newTestStore(t)

	invalid := []Message{
		{Sender: "a", Recipient: "b", Ciphertext: []byte("x")},
		{ID: "1", Recipient: "b", Ciphertext: []byte("x")},
		{ID: "1", Sender: "a", Recipient: "a", Ciphertext: []byte("x")},
		{ID: "1", Sender: "a", Recipient: "b"},
		{ID: "1", Sender: "a", Recipient: "b", Ciphertext: []byte("x"), SelfDestruct: -1},
		{ID: "1", Sender: "a", Recipient: "b", Ciphertext: []byte("x"), ConversationKey: keyOf("a", "c")},
	}
	for i, message := range invalid {
		if _, err := store.SaveMessage(message); !errors.Is(err, ErrInvalid) {
			t.Fatalf("case %d: expected ErrInvalid, got %v", i, err)
		}
	}

	mustSave(t, store, "dup", "a", "b", 1, 0)
	if _, err := store.SaveMessage(Message{ID: "dup", Sender: "a", Recipient: "b", Ciphertext: []byte("x")}); err == nil {
		t.Fatalf("expected duplicate id to fail")
	}
}

func TestGetConversationOrderingAndExpiry(t *testing.T) {
	store := newTestStore(t)
	key := keyOf("alice", "bob")

	mustSave(t, store, "late", "alice", "bob", 3_000, 0)
	mustSave(t, store, "early", "bob", "alice", 1_000, 0)
	mustSave(t, store, "tie-a", "alice", "bob", 2_000, 0)
	mustSave(t, store, "tie-b", "bob", "alice", 2_000, 0)
	mustSave(t, store, "burn", "bob", "alice", 2_500, 1_000)
	mustSave(t, store, "other", "alice", "carol", 1_500, 0)

	conversation, err := store.GetConversation(key, 3_000, 0)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	want := []string{"early", "tie-a", "tie-b", "burn", "late"}
	if got := messageIDs(conversation); !equalStrings(got, want) {
		t.Fatalf("unexpected order: got %v want %v", got, want)
	}

	// burn expires at exactly 3500.
	conversation, err = store.GetConversation(key, 3_500, 0)
	if err != nil {
		t.Fatalf("GetConversation after deadline failed: %v", err)
	}
	want = []string{"early", "tie-a", "tie-b", "late"}
	if got := messageIDs(conversation); !equalStrings(got, want) {
		t.Fatalf("unexpected after expiry: got %v want %v", got, want)
	}

	limited, err := store.GetConversation(key, 3_500, 2)
	if err != nil {
		t.Fatalf("GetConversation with limit failed: %v", err)
	}
	want = []string{"tie-b", "late"}
	if got := messageIDs(limited); !equalStrings(got, want) {
		t.Fatalf("limit must keep the newest: got %v want %v", got, want)
	}
}

func TestMarkReadOnlyAffectsRecipient(t *testing.T) {
	store := newTestStore(t)
	key := keyOf("alice", "bob")

	mustSave(t, store, "to-alice", "bob", "alice", 1_000, 0)
	mustSave(t, store, "to-bob", "alice", "bob", 2_000, 0)

	changed, err := store.MarkRead(key, "alice", []string{"to-alice", "to-bob", "missing"})
	if err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if len(changed) != 1 || changed[0].ID != "to-alice" || !changed[0].IsRead {
		t.Fatalf("unexpected changed rows: %+v", changed)
	}

	again, err := store.MarkRead(key, "alice", []string{"to-alice"})
	if err != nil {
		t.Fatalf("second MarkRead failed: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no rows on second MarkRead, got %d", len(again))
	}

	got, err := store.GetMessage("to-bob")
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if got.IsRead {
		t.Fatalf("message to bob must stay unread")
	}
}

func TestDeleteMessagesIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	key := keyOf("alice", "bob")

	mustSave(t, store, "5", "alice", "bob", 1_000, 0)
	mustSave(t, store, "7", "bob", "alice", 2_000, 0)
	mustSave(t, store, "9", "alice", "carol", 3_000, 0)

	deleted, err := store.DeleteMessages(key, []string{"5"})
	if err != nil {
		t.Fatalf("DeleteMessages failed: %v", err)
	}
	if !equalStrings(deleted, []string{"5"}) {
		t.Fatalf("unexpected deleted ids: %v", deleted)
	}

	deleted, err = store.DeleteMessages(key, []string{"5", "7", "9"})
	if err != nil {
		t.Fatalf("second DeleteMessages failed: %v", err)
	}
	if !equalStrings(deleted, []string{"7"}) {
		t.Fatalf("expected only 7 to be deleted, got %v", deleted)
	}

	if _, err := store.GetMessage("9"); err != nil {
		t.Fatalf("message of another conversation deleted: %v", err)
	}
	remaining, err := store.GetConversation(key, 0, 0)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected empty conversation, got %v", messageIDs(remaining))
	}
}

func TestDeleteExpiredGroupsByConversation(t *testing.T) {
	store := newTestStore(t)

	mustSave(t, store, "ab-1", "alice", "bob", 1_000, 1_000)
	mustSave(t, store, "ab-2", "bob", "alice", 1_500, 500)
	mustSave(t, store, "ab-3", "bob", "alice", 1_500, 10_000)
	mustSave(t, store, "ac-1", "alice", "carol", 1_000, 2_000)
	mustSave(t, store, "keep", "alice", "carol", 1_000, 0)

	expired, err := store.DeleteExpired(2_000)
	if err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}
	if len(expired) != 1 {
		t.Fatalf("expected one conversation, got %v", expired)
	}
	if got := expired[keyOf("alice", "bob")]; !equalStrings(got, []string{"ab-1", "ab-2"}) {
		t.Fatalf("unexpected expired ids: %v", got)
	}

	expired, err = store.DeleteExpired(3_000)
	if err != nil {
		t.Fatalf("second DeleteExpired failed: %v", err)
	}
	if got := expired[keyOf("alice", "carol")]; !equalStrings(got, []string{"ac-1"}) {
		t.Fatalf("unexpected expired ids: %v", expired)
	}

	none, err := store.DeleteExpired(3_000)
	if err != nil {
		t.Fatalf("third DeleteExpired failed: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected nothing left to expire, got %v", none)
	}
	if _, err := store.GetMessage("keep"); err != nil {
		t.Fatalf("non-expiring message deleted: %v", err)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestChunkIDsBoundsStatementSize(t *testing.T) {
	ids := make([]string, 2*maxIDsPerStatement+1)
	chunks := chunkIDs(ids)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != maxIDsPerStatement || len(chunks[2]) != 1 {
		t.Fatalf("unexpected chunk sizes %d %d", len(chunks[0]), len(chunks[2]))
	}
	if len(chunkIDs(nil)) != 0 {
		t.Fatalf("no ids must yield no chunks")
	}
}

func TestLargeBacklogsAreDeletedAndMarked(t *testing.T) {
	store := newTestStore(t)
	key := keyOf("alice", "bob")

	const backlog = 2*maxIDsPerStatement + 100
	ids := make([]string, 0, backlog)
	for i := 0; i < backlog; i++ {
		id := "m-" + strconv.Itoa(i)
		ids = append(ids, id)
		// Every other message self-destructs after one second.
		mustSave(t, store, id, "alice", "bob", int64(i), int64(1_000*(i%2)))
	}

	read, err := store.MarkRead(key, "bob", ids)
	if err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if len(read) != backlog {
		t.Fatalf("expected %d read, got %d", backlog, len(read))
	}

	expired, err := store.DeleteExpired(1_000_000)
	if err != nil {
		t.Fatalf("DeleteExpired failed: %v", err)
	}
	if got := len(expired[key]); got != backlog/2 {
		t.Fatalf("expected %d expired, got %d", backlog/2, got)
	}

	deleted, err := store.DeleteMessages(key, ids)
	if err != nil {
		t.Fatalf("DeleteMessages failed: %v", err)
	}
	if len(deleted) != backlog/2 {
		t.Fatalf("expected %d deleted, got %d", backlog/2, len(deleted))
	}
	left, err := store.GetConversation(key, 0, 0)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("expected empty conversation, got %d rows", len(left))
	}
}
