package chat

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// MessageStore holds one ordered partition per conversation.
//
// Partitions never share mutable state; the store only guards the map that
// hands them out.
type MessageStore struct {
	clock Clock
	seq   atomic.Uint64

	mu         sync.RWMutex
	partitions map[Key]*Partition
}

// NewMessageStore creates an empty store. A nil clock uses SystemClock.
func NewMessageStore(clock Clock) *MessageStore {
	if clock == nil {
		clock = SystemClock()
	}
	return &MessageStore{
		clock:      clock,
		partitions: make(map[Key]*Partition),
	}
}

// Partition returns the partition for key, creating it if needed.
func (s *MessageStore) Partition(key Key) *Partition {
	s.mu.RLock()
	p := s.partitions[key]
	s.mu.RUnlock()
	if p != nil {
		return p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p = s.partitions[key]; p != nil {
		return p
	}
	p = &Partition{
		key:     key,
		clock:   s.clock,
		seq:     &s.seq,
		byID:    make(map[string]*Message),
		byLocal: make(map[string]*Message),
		removed: make(map[string]struct{}),
	}
	s.partitions[key] = p
	return p
}

// Append inserts msg into the partition of its conversation.
func (s *MessageStore) Append(msg Message) (Message, error) {
	return s.Partition(msg.ConversationKey).Append(msg)
}

// Get returns the ordered, non-expired messages of one conversation.
func (s *MessageStore) Get(key Key) []Message {
	s.mu.RLock()
	p := s.partitions[key]
	s.mu.RUnlock()
	if p == nil {
		return []Message{}
	}
	return p.Get()
}

// Remove prunes messages with the given server ids from every conversation.
// Unknown ids are ignored.
func (s *MessageStore) Remove(ids ...string) []Message {
	s.mu.RLock()
	parts := make([]*Partition, 0, len(s.partitions))
	for _, p := range s.partitions {
		parts = append(parts, p)
	}
	s.mu.RUnlock()

	var removed []Message
	for _, p := range parts {
		removed = append(removed, p.Remove(ids...)...)
	}
	return removed
}

// Partition is the ordered log of one conversation.
type Partition struct {
	key   Key
	clock Clock
	seq   *atomic.Uint64

	mu      sync.RWMutex
	entries []*Message
	byID    map[string]*Message
	byLocal map[string]*Message
	// removed holds tombstones for server ids ("id:") and local ids ("local:").
	removed map[string]struct{}
	// unconfirmed holds local-only entries removed before the server named
	// them; their late ack or echo must not bring them back.
	unconfirmed []Message
}

// Key returns the conversation key of the partition.
func (p *Partition) Key() Key {
	return p.key
}

// Append inserts msg keeping entries ordered by SentAt, ties by insertion.
//
// A LocalID is generated when missing. Messages whose id was removed before
// are rejected with ErrRemoved.
func (p *Partition) Append(msg Message) (Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored, err := p.appendLocked(msg)
	if err != nil {
		return Message{}, err
	}
	return stored.clone(), nil
}

func (p *Partition) appendLocked(msg Message) (*Message, error) {
	if msg.ConversationKey == "" {
		msg.ConversationKey = p.key
	}
	if msg.ConversationKey != p.key {
		return nil, ErrWrongConversation
	}
	if msg.ID != "" {
		if p.tombstonedLocked(msg.ID, "") {
			return nil, ErrRemoved
		}
		if _, exists := p.byID[msg.ID]; exists {
			return nil, ErrDuplicateID
		}
	}
	if msg.LocalID == "" {
		msg.LocalID = uuid.NewString()
	} else if p.tombstonedLocked("", msg.LocalID) {
		return nil, ErrRemoved
	} else if _, exists := p.byLocal[msg.LocalID]; exists {
		return nil, ErrDuplicateID
	}
	if msg.Status == 0 {
		msg.Status = StatusPending
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = p.clock.Now()
	}

	entry := msg.clone()
	entry.seq = p.seq.Add(1)
	entry.confirmed = 0
	if entry.ID != "" {
		entry.confirmed = entry.seq
	}

	n := len(p.entries)
	if n == 0 || !p.entries[n-1].SentAt.After(entry.SentAt) {
		p.entries = append(p.entries, &entry)
	} else {
		i := sort.Search(n, func(i int) bool {
			return p.entries[i].SentAt.After(entry.SentAt)
		})
		p.entries = append(p.entries, nil)
		copy(p.entries[i+1:], p.entries[i:])
		p.entries[i] = &entry
	}

	p.byLocal[entry.LocalID] = &entry
	if entry.ID != "" {
		p.byID[entry.ID] = &entry
	}
	return &entry, nil
}

// Get returns a copy of the ordered entries whose deadline has not passed.
func (p *Partition) Get() []Message {
	now := p.clock.Now()

	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Message, 0, len(p.entries))
	for _, entry := range p.entries {
		if entry.ExpiredAt(now) {
			continue
		}
		out = append(out, entry.clone())
	}
	return out
}

// Len returns the number of entries, including ones past their deadline
// that have not been removed yet.
func (p *Partition) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Lookup returns the message with the given local id.
func (p *Partition) Lookup(localID string) (Message, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.byLocal[localID]
	if !ok {
		return Message{}, false
	}
	return entry.clone(), true
}

// LookupID returns the message with the given server id.
func (p *Partition) LookupID(id string) (Message, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.byID[id]
	if !ok {
		return Message{}, false
	}
	return entry.clone(), true
}

// Remove prunes entries by server id. Absent ids are ignored and every id is
// remembered so it can never be appended again.
func (p *Partition) Remove(ids ...string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	var targets []*Message
	for _, id := range ids {
		if id == "" {
			continue
		}
		if entry, ok := p.byID[id]; ok {
			targets = append(targets, entry)
		}
		p.removed["id:"+id] = struct{}{}
	}
	return p.removeLocked(targets)
}

// RemoveLocal prunes entries by local id with the same guarantees as Remove.
func (p *Partition) RemoveLocal(localIDs ...string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	var targets []*Message
	for _, localID := range localIDs {
		if localID == "" {
			continue
		}
		if entry, ok := p.byLocal[localID]; ok {
			targets = append(targets, entry)
		}
		p.removed["local:"+localID] = struct{}{}
	}
	return p.removeLocked(targets)
}

// Removed reports whether the server id was removed from this partition.
func (p *Partition) Removed(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tombstonedLocked(id, "")
}

// Update applies fn to the entry with localID. fn must not change
// identifiers other than assigning an empty ID.
func (p *Partition) Update(localID string, fn func(*Message) error) (Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.byLocal[localID]
	if !ok {
		return Message{}, ErrUnknownMessage
	}
	if err := p.mutateLocked(entry, fn); err != nil {
		return Message{}, err
	}
	return entry.clone(), nil
}

func (p *Partition) mutateLocked(entry *Message, fn func(*Message) error) error {
	draft := *entry
	if err := fn(&draft); err != nil {
		return err
	}
	if draft.LocalID != entry.LocalID || draft.ConversationKey != entry.ConversationKey {
		return errors.New("chat: update may not change message identity")
	}
	if !draft.SentAt.Equal(entry.SentAt) {
		return errors.New("chat: update may not change sent time")
	}
	assigned := draft.ID != entry.ID
	if assigned {
		if entry.ID != "" {
			return errors.New("chat: update may not reassign a server id")
		}
		if p.tombstonedLocked(draft.ID, "") {
			return ErrRemoved
		}
		if _, taken := p.byID[draft.ID]; taken {
			return ErrDuplicateID
		}
	}

	draft.seq, draft.confirmed = entry.seq, entry.confirmed
	*entry = draft
	if assigned {
		entry.confirmed = p.seq.Add(1)
		p.byID[entry.ID] = entry
	}
	return nil
}

// Watermark returns the current store sequence. A message whose server id
// is assigned later carries a larger confirmation sequence.
func (p *Partition) Watermark() uint64 {
	return p.seq.Load()
}

func (p *Partition) removeLocked(targets []*Message) []Message {
	if len(targets) == 0 {
		return nil
	}

	drop := make(map[*Message]struct{}, len(targets))
	for _, entry := range targets {
		drop[entry] = struct{}{}
	}

	removed := make([]Message, 0, len(drop))
	kept := p.entries[:0]
	for _, entry := range p.entries {
		if _, ok := drop[entry]; !ok {
			kept = append(kept, entry)
			continue
		}
		delete(p.byLocal, entry.LocalID)
		p.removed["local:"+entry.LocalID] = struct{}{}
		if entry.ID != "" {
			delete(p.byID, entry.ID)
			p.removed["id:"+entry.ID] = struct{}{}
		} else if entry.LocalOnly {
			p.unconfirmed = append(p.unconfirmed, entry.clone())
		}
		removed = append(removed, entry.clone())
	}
	for i := len(kept); i < len(p.entries); i++ {
		p.entries[i] = nil
	}
	p.entries = kept
	return removed
}

func (p *Partition) tombstonedLocked(id, localID string) bool {
	if id != "" {
		if _, ok := p.removed["id:"+id]; ok {
			return true
		}
	}
	if localID != "" {
		if _, ok := p.removed["local:"+localID]; ok {
			return true
		}
	}
	return false
}

// forgetLocked tombstones id on behalf of the removed local-only entry
// localID, or of the oldest removed one with the given content when
// localID is empty. It reports whether such an entry was found.
func (p *Partition) forgetLocked(id, localID, sender, recipient string, ciphertext []byte) bool {
	for i, gone := range p.unconfirmed {
		if localID != "" && gone.LocalID != localID {
			continue
		}
		if localID == "" && !gone.sameContent(sender, recipient, ciphertext) {
			continue
		}
		p.unconfirmed = append(p.unconfirmed[:i], p.unconfirmed[i+1:]...)
		if id != "" {
			p.removed["id:"+id] = struct{}{}
		}
		return true
	}
	if localID != "" && id != "" && p.tombstonedLocked("", localID) {
		p.removed["id:"+id] = struct{}{}
		return true
	}
	return false
}

// oldestUnmatchedLocked returns the earliest local-only entry with identical
// sender, recipient and ciphertext.
func (p *Partition) oldestUnmatchedLocked(sender, recipient string, ciphertext []byte) *Message {
	for _, entry := range p.entries {
		if !entry.LocalOnly {
			continue
		}
		if entry.Status != StatusPending && entry.Status != StatusSent && entry.Status != StatusFailed {
			continue
		}
		if entry.sameContent(sender, recipient, ciphertext) {
			return entry
		}
	}
	return nil
}
