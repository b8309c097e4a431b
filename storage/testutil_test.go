package storage

import (
	"testing"

	"securechat/chat"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir, "", Options{})
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustSave(t *testing.T, store *Store, id, sender, recipient string, sentAt, selfDestruct int64) Message {
	t.Helper()

	saved, err := store.SaveMessage(Message{
		ID:           id,
		Sender:       sender,
		Recipient:    recipient,
		Ciphertext:   []byte("ciphertext-" + id),
		SentAt:       sentAt,
		SelfDestruct: selfDestruct,
	})
	if err != nil {
		t.Fatalf("save message %q: %v", id, err)
	}
	return saved
}

func keyOf(a, b string) string {
	return string(chat.ConversationKey(a, b))
}
