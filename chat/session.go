package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultAckTimeout bounds the wait for a transport acknowledgment.
	DefaultAckTimeout = 10 * time.Second
)

// DefaultRejoinBackoff is the wait before each rejoin attempt after the
// realtime subscription breaks. The last value repeats.
var DefaultRejoinBackoff = []time.Duration{
	0,
	time.Second,
	5 * time.Second,
	15 * time.Second,
}

// State is the lifecycle state of a Session.
type State int32

const (
	StateIdle State = iota
	StateSubscribed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribed:
		return "subscribed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Identity is the local participant a session acts for.
type Identity struct {
	ID          string
	DisplayName string
}

// RetryPolicy controls automatic resends of unacknowledged messages.
// The zero value never retries automatically.
type RetryPolicy struct {
	// MaxAttempts is the number of automatic resends after the first send.
	MaxAttempts int
	Backoff     time.Duration
}

// ChangeKind classifies session notifications.
type ChangeKind int

const (
	ChangeAppended ChangeKind = iota + 1
	ChangeUpdated
	ChangeRemoved
	ChangeAdvisory
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAppended:
		return "appended"
	case ChangeUpdated:
		return "updated"
	case ChangeRemoved:
		return "removed"
	case ChangeAdvisory:
		return "advisory"
	default:
		return "unknown"
	}
}

// Change is one notification emitted by a session.
type Change struct {
	Kind ChangeKind
	// Message is set for appended and updated changes.
	Message Message
	// Removed holds the pruned messages with their terminal status.
	Removed []Message
	// Reason explains removals and advisories.
	Reason string
	// Err carries the failure behind a failed send or an advisory.
	Err error
}

// SessionOptions configures a Session.
type SessionOptions struct {
	Self      Identity
	Peer      string
	Transport Transport
	Channel   RealtimeChannel
	// Crypto is only needed for SendText and Decrypt.
	Crypto Crypto
	// Store is shared with other sessions when set; each session only
	// touches its own partition.
	Store  *MessageStore
	Clock  Clock
	Logger *zap.Logger

	AckTimeout    time.Duration
	Retry         RetryPolicy
	RejoinBackoff []time.Duration

	// OnChange is called from the session worker, one change at a time.
	// It must not block for long and must not call Close.
	OnChange func(Change)
}

// Session drives one open conversation.
//
// Inbound events, acknowledgments and expirations are applied by a single
// worker goroutine. Send inserts optimistically in the caller's goroutine
// and never waits for the network.
type Session struct {
	options    SessionOptions
	key        Key
	partition  *Partition
	reconciler *Reconciler
	expiry     *ExpiryScheduler
	clock      Clock
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// ops is the worker mailbox. It is unbounded so callers such as Send
	// never wait behind a slow OnChange; opsReady holds at most one wakeup.
	opsMu    sync.Mutex
	ops      []func()
	opsReady chan struct{}

	stateMu sync.RWMutex
	state   State
	group   *errgroup.Group

	subMu sync.Mutex
	sub   Subscription

	retryMu      sync.Mutex
	retryTimers  map[string]Timer
	retryStopped bool

	sends     sync.WaitGroup
	closeOnce sync.Once
}

// NewSession validates options and returns an idle session.
func NewSession(options SessionOptions) (*Session, error) {
	if options.Self.ID == "" {
		return nil, errors.New("chat: self identity is required")
	}
	if options.Peer == "" {
		return nil, errors.New("chat: peer identity is required")
	}
	if options.Peer == options.Self.ID {
		return nil, errors.New("chat: peer must differ from self")
	}
	if options.Transport == nil {
		return nil, errors.New("chat: transport is required")
	}
	if options.Channel == nil {
		return nil, errors.New("chat: realtime channel is required")
	}
	if options.Clock == nil {
		options.Clock = SystemClock()
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.Store == nil {
		options.Store = NewMessageStore(options.Clock)
	}
	if options.AckTimeout <= 0 {
		options.AckTimeout = DefaultAckTimeout
	}
	if options.Retry.MaxAttempts < 0 {
		options.Retry.MaxAttempts = 0
	}
	if len(options.RejoinBackoff) == 0 {
		options.RejoinBackoff = append([]time.Duration(nil), DefaultRejoinBackoff...)
	}

	key := ConversationKey(options.Self.ID, options.Peer)
	logger := options.Logger.With(
		zap.String("self", options.Self.ID),
		zap.String("peer", options.Peer),
	)

	s := &Session{
		options:     options,
		key:         key,
		partition:   options.Store.Partition(key),
		reconciler:  NewReconciler(options.Self.ID, logger),
		clock:       options.Clock,
		logger:      logger,
		opsReady:    make(chan struct{}, 1),
		retryTimers: make(map[string]Timer),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.expiry = NewExpiryScheduler(options.Clock, s.onExpire)
	return s, nil
}

// Key returns the conversation key.
func (s *Session) Key() Key {
	return s.key
}

// Peer returns the remote identity.
func (s *Session) Peer() string {
	return s.options.Peer
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Messages returns the ordered, non-expired conversation.
func (s *Session) Messages() []Message {
	return s.partition.Get()
}

// Lookup returns the message with the given local id.
func (s *Session) Lookup(localID string) (Message, bool) {
	return s.partition.Lookup(localID)
}

// PendingExpirations returns the number of armed self-destruct deadlines.
func (s *Session) PendingExpirations() int {
	return s.expiry.Pending()
}

// Join subscribes to the conversation, starts the worker and seeds the
// partition from history. A history failure is reported as an advisory and
// does not fail the join.
func (s *Session) Join(ctx context.Context) error {
	ctx, release := s.bind(ctx)
	defer release()

	if err := s.subscribe(ctx); err != nil {
		return err
	}

	history, err := s.options.Transport.FetchHistory(ctx, s.options.Self.ID, s.options.Peer)
	if err != nil {
		s.advise("history unavailable", &TransportError{Op: "history", Err: err})
		return nil
	}
	s.call(func() {
		s.applyHistory(history, false, 0)
	})
	return nil
}

func (s *Session) subscribe(ctx context.Context) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	switch s.state {
	case StateClosed:
		return ErrSessionClosed
	case StateSubscribed:
		return ErrAlreadyJoined
	}

	sub, err := s.options.Channel.Join(ctx, s.options.Self.ID, s.options.Peer)
	if err != nil {
		if s.ctx.Err() != nil {
			return ErrSessionClosed
		}
		return &TransportError{Op: "join", Err: err}
	}
	if s.ctx.Err() != nil {
		_ = sub.Close()
		return ErrSessionClosed
	}

	s.subMu.Lock()
	s.sub = sub
	s.subMu.Unlock()

	group, groupCtx := errgroup.WithContext(s.ctx)
	group.Go(func() error {
		return s.work(groupCtx)
	})
	group.Go(func() error {
		return s.pump(groupCtx)
	})
	s.group = group
	s.state = StateSubscribed

	s.logger.Debug("session subscribed")
	return nil
}

// Send appends an optimistic pending message and hands it to the
// transport in the background.
func (s *Session) Send(ciphertext []byte, selfDestruct time.Duration) (Message, error) {
	if len(ciphertext) == 0 {
		return Message{}, ErrEmptyCiphertext
	}
	if selfDestruct < 0 {
		selfDestruct = 0
	}

	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if err := s.requireSubscribedLocked(); err != nil {
		return Message{}, err
	}

	msg, err := s.partition.Append(Message{
		ConversationKey: s.key,
		Sender:          s.options.Self.ID,
		Recipient:       s.options.Peer,
		Ciphertext:      ciphertext,
		SentAt:          s.clock.Now(),
		SelfDestruct:    selfDestruct,
		Status:          StatusPending,
		LocalOnly:       true,
		Attempts:        1,
	})
	if err != nil {
		return Message{}, err
	}

	s.arm(msg)
	s.notify(Change{Kind: ChangeAppended, Message: msg})
	s.transmitLocked(msg)
	return msg, nil
}

// SendText encrypts plaintext with the session Crypto and sends it.
func (s *Session) SendText(plaintext string, selfDestruct time.Duration) (Message, error) {
	if s.options.Crypto == nil {
		return Message{}, ErrNoCrypto
	}
	if plaintext == "" {
		return Message{}, ErrEmptyCiphertext
	}
	ciphertext, err := s.options.Crypto.Encrypt([]byte(plaintext))
	if err != nil {
		return Message{}, err
	}
	return s.Send(ciphertext, selfDestruct)
}

// Decrypt returns the plaintext of msg using the session Crypto.
func (s *Session) Decrypt(msg Message) (string, error) {
	if s.options.Crypto == nil {
		return "", ErrNoCrypto
	}
	plaintext, err := s.options.Crypto.Decrypt(msg.Ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Retry resends a failed message.
func (s *Session) Retry(localID string) (Message, error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if err := s.requireSubscribedLocked(); err != nil {
		return Message{}, err
	}

	msg, err := s.partition.Update(localID, func(m *Message) error {
		if m.Status != StatusFailed {
			return ErrNotRetryable
		}
		next, err := m.Status.Advance(StatusPending)
		if err != nil {
			return err
		}
		m.Status = next
		m.Attempts++
		return nil
	})
	if err != nil {
		return Message{}, err
	}

	s.notify(Change{Kind: ChangeUpdated, Message: msg})
	s.transmitLocked(msg)
	return msg, nil
}

// Delete removes confirmed messages locally and asks the server to
// broadcast the deletion to the peer.
func (s *Session) Delete(ctx context.Context, ids ...string) error {
	if err := s.requireSubscribed(); err != nil {
		return err
	}
	deleter, ok := s.options.Transport.(Deleter)
	if !ok {
		return ErrUnsupported
	}

	s.call(func() {
		s.applyDeletion(ids, StatusRemoved, "deleted")
	})

	ctx, release := s.bind(ctx)
	defer release()
	if err := deleter.Delete(ctx, s.options.Self.ID, s.options.Peer, ids); err != nil {
		return &TransportError{Op: "delete", Err: err}
	}
	return nil
}

// MarkRead publishes read receipts for messages received from the peer.
func (s *Session) MarkRead(ctx context.Context, ids ...string) error {
	if err := s.requireSubscribed(); err != nil {
		return err
	}
	marker, ok := s.options.Transport.(ReadMarker)
	if !ok {
		return ErrUnsupported
	}

	inbound := make([]string, 0, len(ids))
	for _, id := range ids {
		if msg, ok := s.partition.LookupID(id); ok && msg.Sender == s.options.Peer {
			inbound = append(inbound, id)
		}
	}
	if len(inbound) == 0 {
		return nil
	}

	ctx, release := s.bind(ctx)
	defer release()
	if err := marker.MarkRead(ctx, s.options.Self.ID, s.options.Peer, inbound); err != nil {
		return &TransportError{Op: "read", Err: err}
	}
	return nil
}

// Close releases the subscription, cancels every deadline and retry, and
// waits for background work to finish. It is safe to call more than once.
func (s *Session) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.cancel()

		s.stateMu.Lock()
		s.state = StateClosed
		group := s.group
		s.stateMu.Unlock()

		s.subMu.Lock()
		sub := s.sub
		s.sub = nil
		s.subMu.Unlock()
		if sub != nil {
			if err := sub.Close(); err != nil {
				closeErr = &TransportError{Op: "leave", Err: err}
			}
		}

		cancelled := s.expiry.Stop()
		s.stopRetries()
		if group != nil {
			_ = group.Wait()
		}
		s.sends.Wait()

		s.logger.Debug("session closed", zap.Int("cancelled_deadlines", cancelled))
	})
	return closeErr
}

func (s *Session) requireSubscribed() error {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.requireSubscribedLocked()
}

func (s *Session) requireSubscribedLocked() error {
	switch s.state {
	case StateSubscribed:
		return nil
	case StateClosed:
		return ErrSessionClosed
	default:
		return ErrNotSubscribed
	}
}

// bind derives a context that is also cancelled when the session closes.
func (s *Session) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Session) work(ctx context.Context) error {
	for {
		select {
		case <-s.opsReady:
		case <-ctx.Done():
			return nil
		}
		for {
			s.opsMu.Lock()
			batch := s.ops
			s.ops = nil
			s.opsMu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, op := range batch {
				if ctx.Err() != nil {
					return nil
				}
				op()
			}
		}
	}
}

// enqueue queues op for the worker without blocking. It reports false once
// the session is closed.
func (s *Session) enqueue(op func()) bool {
	if s.ctx.Err() != nil {
		return false
	}
	s.opsMu.Lock()
	s.ops = append(s.ops, op)
	s.opsMu.Unlock()
	select {
	case s.opsReady <- struct{}{}:
	default:
	}
	return true
}

// call runs op on the worker and waits for it. It must not be used from
// the worker itself.
func (s *Session) call(op func()) bool {
	done := make(chan struct{})
	if !s.enqueue(func() {
		op()
		close(done)
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) notify(change Change) {
	s.enqueue(func() {
		s.emit(change)
	})
}

func (s *Session) emit(change Change) {
	if s.options.OnChange != nil {
		s.options.OnChange(change)
	}
}

func (s *Session) advise(reason string, err error) {
	s.logger.Warn(reason, zap.Error(err))
	s.notify(Change{Kind: ChangeAdvisory, Reason: reason, Err: err})
}

func (s *Session) pump(ctx context.Context) error {
	for {
		s.subMu.Lock()
		sub := s.sub
		s.subMu.Unlock()
		if sub == nil {
			return nil
		}

		event, err := sub.Next(ctx)
		if err == nil {
			// The next event is read only after this one is applied.
			if !s.call(func() { s.apply(event) }) {
				return nil
			}
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		s.advise("realtime subscription lost", &TransportError{Op: "subscribe", Err: err})
		if !s.rejoin(ctx, sub) {
			return nil
		}
	}
}

func (s *Session) rejoin(ctx context.Context, broken Subscription) bool {
	_ = broken.Close()

	for attempt := 0; ; attempt++ {
		if !s.sleep(ctx, s.backoffForAttempt(attempt)) {
			return false
		}

		sub, err := s.options.Channel.Join(ctx, s.options.Self.ID, s.options.Peer)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			s.logger.Warn("rejoin failed", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}

		s.subMu.Lock()
		if ctx.Err() != nil {
			s.subMu.Unlock()
			_ = sub.Close()
			return false
		}
		s.sub = sub
		s.subMu.Unlock()

		s.logger.Info("realtime subscription restored", zap.Int("attempt", attempt+1))
		s.resync(ctx)
		return true
	}
}

// resync replays history after a rejoin so events missed while
// disconnected are recovered and deletions are noticed. Only messages
// confirmed before the fetch started can be judged missing from it.
func (s *Session) resync(ctx context.Context) {
	mark := s.partition.Watermark()
	history, err := s.options.Transport.FetchHistory(ctx, s.options.Self.ID, s.options.Peer)
	if err != nil {
		if ctx.Err() == nil {
			s.advise("history unavailable", &TransportError{Op: "history", Err: err})
		}
		return
	}
	s.enqueue(func() {
		s.applyHistory(history, true, mark)
	})
}

func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	fired := make(chan struct{})
	timer := s.clock.AfterFunc(d, func() {
		close(fired)
	})
	select {
	case <-fired:
		return true
	case <-ctx.Done():
		timer.Stop()
		return false
	}
}

func (s *Session) backoffForAttempt(attempt int) time.Duration {
	backoff := s.options.RejoinBackoff
	if attempt < len(backoff) {
		return backoff[attempt]
	}
	return backoff[len(backoff)-1]
}

func (s *Session) apply(event Event) {
	switch event.Kind {
	case EventMessage:
		s.applyConfirmation(event.Message)
	case EventDeleted:
		s.applyDeletion(event.DeletedIDs, StatusRemoved, "deleted")
	default:
		s.logger.Debug("unknown realtime event ignored", zap.Int("kind", int(event.Kind)))
	}
}

// applyHistory merges a history snapshot. With prune set, confirmed
// messages inside the snapshot window that the snapshot lacks are removed,
// unless they were confirmed after mark.
func (s *Session) applyHistory(history []Message, prune bool, mark uint64) {
	seen := make(map[string]struct{}, len(history))
	var windowStart time.Time
	for i, msg := range history {
		if i == 0 || msg.SentAt.Before(windowStart) {
			windowStart = msg.SentAt
		}
		if msg.ID != "" {
			seen[msg.ID] = struct{}{}
		}
		s.applyConfirmation(Confirmation{
			ID:           msg.ID,
			Sender:       msg.Sender,
			Recipient:    msg.Recipient,
			Ciphertext:   msg.Ciphertext,
			SentAt:       msg.SentAt,
			SelfDestruct: msg.SelfDestruct,
			Read:         msg.Status == StatusRead,
		})
	}
	if !prune {
		return
	}

	var missing []string
	for _, msg := range s.partition.Get() {
		if msg.ID == "" || msg.LocalOnly || msg.confirmed > mark || msg.SentAt.Before(windowStart) {
			continue
		}
		if _, ok := seen[msg.ID]; !ok {
			missing = append(missing, msg.ID)
		}
	}
	if len(missing) > 0 {
		s.applyDeletion(missing, StatusRemoved, "deleted while disconnected")
	}
}

func (s *Session) applyConfirmation(c Confirmation) {
	if ConversationKey(c.Sender, c.Recipient) != s.key {
		s.logger.Warn("confirmation for another conversation dropped",
			zap.String("sender", c.Sender),
			zap.String("recipient", c.Recipient))
		return
	}

	result, err := s.reconciler.Reconcile(s.partition, c)
	if err != nil {
		s.logger.Warn("reconcile confirmation", zap.String("id", c.ID), zap.Error(err))
		return
	}

	switch result.Outcome {
	case OutcomeAppended:
		s.arm(result.Message)
		s.emit(Change{Kind: ChangeAppended, Message: result.Message})
	case OutcomeMatched, OutcomeUpdated:
		s.cancelRetry(result.Message.LocalID)
		s.emit(Change{Kind: ChangeUpdated, Message: result.Message})
	}
}

func (s *Session) applyDeletion(ids []string, terminal Status, reason string) {
	removed := s.partition.Remove(ids...)
	if len(removed) < len(ids) {
		s.logger.Debug("deletion for absent messages ignored",
			zap.Int("requested", len(ids)),
			zap.Int("removed", len(removed)))
	}
	s.finishRemoval(removed, terminal, reason)
}

func (s *Session) onExpire(localID string) {
	s.enqueue(func() {
		removed := s.partition.RemoveLocal(localID)
		s.finishRemoval(removed, StatusExpired, "expired")
	})
}

func (s *Session) finishRemoval(removed []Message, terminal Status, reason string) {
	if len(removed) == 0 {
		return
	}
	localIDs := make([]string, 0, len(removed))
	for i := range removed {
		localIDs = append(localIDs, removed[i].LocalID)
		removed[i].Status = terminal
	}
	s.expiry.Cancel(localIDs...)
	s.cancelRetry(localIDs...)
	s.emit(Change{Kind: ChangeRemoved, Removed: removed, Reason: reason})
}

func (s *Session) arm(msg Message) {
	if deadline, ok := msg.ExpiresAt(); ok {
		s.expiry.Schedule(msg.LocalID, deadline)
	}
}

// transmitLocked starts one background send. stateMu must be held.
func (s *Session) transmitLocked(msg Message) {
	out := Outbound{
		Sender:       msg.Sender,
		Recipient:    msg.Recipient,
		Ciphertext:   msg.Ciphertext,
		SelfDestruct: msg.SelfDestruct,
		SentAt:       msg.SentAt,
	}
	localID := msg.LocalID

	s.sends.Add(1)
	go func() {
		defer s.sends.Done()

		ctx, cancel := context.WithTimeout(s.ctx, s.options.AckTimeout)
		receipt, err := s.options.Transport.Send(ctx, out)
		cancel()
		if s.ctx.Err() != nil {
			return
		}
		if err != nil {
			s.enqueue(func() { s.sendFailed(localID, err) })
			return
		}
		s.enqueue(func() { s.acknowledged(localID, receipt) })
	}()
}

func (s *Session) acknowledged(localID string, receipt Receipt) {
	result, err := s.reconciler.Acknowledge(s.partition, localID, receipt)
	if err != nil {
		if errors.Is(err, ErrUnknownMessage) {
			s.logger.Debug("acknowledgment for removed message", zap.String("id", receipt.ID))
			return
		}
		s.logger.Warn("apply acknowledgment", zap.String("id", receipt.ID), zap.Error(err))
		return
	}
	if result.Changed() {
		s.cancelRetry(result.Message.LocalID)
		s.emit(Change{Kind: ChangeUpdated, Message: result.Message})
	}
}

func (s *Session) sendFailed(localID string, cause error) {
	failure := &TransportError{Op: "send", Err: cause}

	msg, ok := s.partition.Lookup(localID)
	if !ok || !msg.LocalOnly || msg.Status != StatusPending {
		return
	}
	if msg.Attempts <= s.options.Retry.MaxAttempts {
		s.logger.Warn("send failed, retrying",
			zap.String("local_id", localID),
			zap.Int("attempt", msg.Attempts),
			zap.Error(cause))
		s.scheduleRetry(localID)
		return
	}

	failed, err := s.partition.Update(localID, func(m *Message) error {
		next, err := m.Status.Advance(StatusFailed)
		if err != nil {
			return err
		}
		m.Status = next
		return nil
	})
	if err != nil {
		return
	}
	s.logger.Warn("send failed", zap.String("local_id", localID), zap.Error(cause))
	s.emit(Change{Kind: ChangeUpdated, Message: failed, Err: failure})
}

func (s *Session) scheduleRetry(localID string) {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	if s.retryStopped {
		return
	}
	if existing := s.retryTimers[localID]; existing != nil {
		existing.Stop()
	}
	s.retryTimers[localID] = s.clock.AfterFunc(s.options.Retry.Backoff, func() {
		s.resend(localID)
	})
}

func (s *Session) resend(localID string) {
	s.retryMu.Lock()
	delete(s.retryTimers, localID)
	s.retryMu.Unlock()

	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.state != StateSubscribed {
		return
	}

	msg, err := s.partition.Update(localID, func(m *Message) error {
		if !m.LocalOnly || m.Status != StatusPending {
			return ErrNotRetryable
		}
		m.Attempts++
		return nil
	})
	if err != nil {
		return
	}
	s.transmitLocked(msg)
}

func (s *Session) cancelRetry(localIDs ...string) {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	for _, localID := range localIDs {
		if timer := s.retryTimers[localID]; timer != nil {
			timer.Stop()
			delete(s.retryTimers, localID)
		}
	}
}

func (s *Session) stopRetries() {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	s.retryStopped = true
	for localID, timer := range s.retryTimers {
		timer.Stop()
		delete(s.retryTimers, localID)
	}
}
