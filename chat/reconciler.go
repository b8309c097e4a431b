package chat

import (
	"time"

	"go.uber.org/zap"
)

// Confirmation is a server echo or inbound message delivered by the
// realtime channel or replayed from history.
type Confirmation struct {
	// ID is the server id; it may be empty for transports that do not assign one.
	ID           string
	Sender       string
	Recipient    string
	Ciphertext   []byte
	SentAt       time.Time
	SelfDestruct time.Duration
	// Read marks a read receipt rather than a plain delivery.
	Read bool
}

// Receipt is the transport acknowledgment of one send.
type Receipt struct {
	ID     string
	SentAt time.Time
}

// Outcome classifies what a reconciliation did to the partition.
type Outcome int

const (
	// OutcomeIgnored means the partition did not change.
	OutcomeIgnored Outcome = iota
	// OutcomeMatched means an optimistic entry was converted in place.
	OutcomeMatched
	// OutcomeUpdated means an already confirmed entry advanced its status.
	OutcomeUpdated
	// OutcomeAppended means a new entry was added.
	OutcomeAppended
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMatched:
		return "matched"
	case OutcomeUpdated:
		return "updated"
	case OutcomeAppended:
		return "appended"
	default:
		return "ignored"
	}
}

// Result reports a reconciliation outcome and the affected message.
type Result struct {
	Outcome Outcome
	Message Message
}

// Changed reports whether the partition was modified.
func (r Result) Changed() bool {
	return r.Outcome != OutcomeIgnored
}

// Reconciler merges confirmations into a partition for one local identity.
type Reconciler struct {
	self   string
	logger *zap.Logger
}

// NewReconciler creates a reconciler for the local identity self.
func NewReconciler(self string, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{self: self, logger: logger}
}

// Reconcile applies one confirmation event.
//
// Known server ids only advance status. Otherwise a confirmation of our own
// send converts the oldest local-only entry with identical sender,
// recipient and ciphertext, or is dropped when that entry was already
// removed. Anything left is appended as delivered.
func (r *Reconciler) Reconcile(p *Partition, c Confirmation) (Result, error) {
	target := StatusDelivered
	if c.Read {
		target = StatusRead
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if c.ID != "" {
		if p.tombstonedLocked(c.ID, "") {
			r.logger.Debug("confirmation for removed message ignored",
				zap.String("conversation", string(p.key)),
				zap.String("id", c.ID))
			return Result{}, nil
		}
		if entry, ok := p.byID[c.ID]; ok {
			return r.advanceLocked(p, entry, target, OutcomeUpdated)
		}
	}

	if c.Sender == r.self {
		if entry := p.oldestUnmatchedLocked(c.Sender, c.Recipient, c.Ciphertext); entry != nil {
			err := p.mutateLocked(entry, func(m *Message) error {
				if c.ID != "" {
					m.ID = c.ID
				}
				m.LocalOnly = false
				if m.Status.CanTransition(target) {
					m.Status = target
				}
				return nil
			})
			if err != nil {
				return Result{}, err
			}
			return Result{Outcome: OutcomeMatched, Message: entry.clone()}, nil
		}
		if p.forgetLocked(c.ID, "", c.Sender, c.Recipient, c.Ciphertext) {
			r.logger.Debug("confirmation for message removed before its ack ignored",
				zap.String("conversation", string(p.key)),
				zap.String("id", c.ID))
			return Result{}, nil
		}
	}

	if c.ID == "" {
		for _, entry := range p.entries {
			if entry.LocalOnly || !entry.SentAt.Equal(c.SentAt) {
				continue
			}
			if entry.sameContent(c.Sender, c.Recipient, c.Ciphertext) {
				return r.advanceLocked(p, entry, target, OutcomeUpdated)
			}
		}
	}

	sentAt := c.SentAt
	if sentAt.IsZero() {
		sentAt = p.clock.Now()
	}
	candidate := Message{
		ID:              c.ID,
		ConversationKey: p.key,
		Sender:          c.Sender,
		Recipient:       c.Recipient,
		Ciphertext:      c.Ciphertext,
		SentAt:          sentAt,
		SelfDestruct:    c.SelfDestruct,
		Status:          target,
	}
	if candidate.ExpiredAt(p.clock.Now()) {
		return Result{}, nil
	}

	if c.Sender == r.self {
		r.logger.Debug("reconciliation miss, appending self-sent confirmation",
			zap.String("conversation", string(p.key)),
			zap.String("id", c.ID))
	}

	entry, err := p.appendLocked(candidate)
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeAppended, Message: entry.clone()}, nil
}

// Acknowledge applies the transport acknowledgment of the local send localID.
func (r *Reconciler) Acknowledge(p *Partition, localID string, receipt Receipt) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.byLocal[localID]
	if !ok {
		// Removed while its send was in flight; the server id stays removed.
		p.forgetLocked(receipt.ID, localID, "", "", nil)
		return Result{}, ErrUnknownMessage
	}
	if receipt.ID == "" {
		return r.advanceLocked(p, entry, StatusSent, OutcomeUpdated)
	}
	if entry.ID == receipt.ID {
		return r.advanceLocked(p, entry, StatusSent, OutcomeUpdated)
	}
	if p.tombstonedLocked(receipt.ID, "") {
		return Result{}, nil
	}
	if _, taken := p.byID[receipt.ID]; taken {
		// An echo already handed this id to an identical older entry; that
		// entry's own acknowledgment will hand its id back to this one.
		return Result{}, nil
	}

	if entry.ID != "" {
		// This entry took another identical message's id through a content
		// match. Give the acknowledged id to the oldest twin still waiting.
		twin := p.oldestUnmatchedLocked(entry.Sender, entry.Recipient, entry.Ciphertext)
		if twin == nil {
			r.logger.Debug("acknowledgment without waiting entry",
				zap.String("conversation", string(p.key)),
				zap.String("id", receipt.ID))
			return Result{}, nil
		}
		entry = twin
	}

	err := p.mutateLocked(entry, func(m *Message) error {
		m.ID = receipt.ID
		m.LocalOnly = false
		if m.Status.CanTransition(StatusSent) {
			m.Status = StatusSent
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeMatched, Message: entry.clone()}, nil
}

func (r *Reconciler) advanceLocked(p *Partition, entry *Message, target Status, outcome Outcome) (Result, error) {
	if !entry.Status.CanTransition(target) && !entry.LocalOnly {
		return Result{}, nil
	}
	err := p.mutateLocked(entry, func(m *Message) error {
		m.LocalOnly = false
		if m.Status.CanTransition(target) {
			m.Status = target
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: outcome, Message: entry.clone()}, nil
}
