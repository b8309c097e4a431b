package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: epoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward and runs every due timer in deadline
// order on the calling goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	kept := c.timers[:0]
	for _, t := range c.timers {
		switch {
		case t.stopped || t.fired:
		case !t.at.After(c.now):
			t.fired = true
			due = append(due, t)
		default:
			kept = append(kept, t)
		}
	}
	c.timers = kept
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.fn()
	}
}

func (c *fakeClock) armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type fakeTransport struct {
	mu         sync.Mutex
	sent       []Outbound
	sendFn     func(ctx context.Context, out Outbound) (Receipt, error)
	history    []Message
	historyErr error
	fetches    int
	onFetch    func(n int)
	deleted    [][]string
	read       [][]string
	nextID     int
}

func (f *fakeTransport) Send(ctx context.Context, out Outbound) (Receipt, error) {
	f.mu.Lock()
	f.sent = append(f.sent, out)
	fn := f.sendFn
	if fn == nil {
		f.nextID++
		id := fmt.Sprintf("srv-%d", f.nextID)
		f.mu.Unlock()
		return Receipt{ID: id, SentAt: out.SentAt}, nil
	}
	f.mu.Unlock()
	return fn(ctx, out)
}

func (f *fakeTransport) FetchHistory(_ context.Context, _, _ string) ([]Message, error) {
	f.mu.Lock()
	f.fetches++
	n, hook := f.fetches, f.onFetch
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return append([]Message(nil), f.history...), nil
}

func (f *fakeTransport) Delete(_ context.Context, _, _ string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, append([]string(nil), ids...))
	return nil
}

func (f *fakeTransport) MarkRead(_ context.Context, _, _ string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read = append(f.read, append([]string(nil), ids...))
	return nil
}

func (f *fakeTransport) setHistory(history ...Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = history
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

var errSubscriptionClosed = errors.New("fake subscription closed")

type fakeChannel struct {
	mu      sync.Mutex
	subs    []*fakeSub
	joinErr error
}

func (c *fakeChannel) Join(_ context.Context, _, _ string) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joinErr != nil {
		return nil, c.joinErr
	}
	sub := &fakeSub{
		events: make(chan Event, 64),
		broken: make(chan error, 1),
		closed: make(chan struct{}),
	}
	c.subs = append(c.subs, sub)
	return sub, nil
}

func (c *fakeChannel) joins() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *fakeChannel) current() *fakeSub {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) == 0 {
		return nil
	}
	return c.subs[len(c.subs)-1]
}

type fakeSub struct {
	events    chan Event
	broken    chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *fakeSub) Next(ctx context.Context) (Event, error) {
	select {
	case event := <-s.events:
		return event, nil
	case err := <-s.broken:
		return Event{}, err
	case <-s.closed:
		return Event{}, errSubscriptionClosed
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (s *fakeSub) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSub) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeSub) push(event Event) {
	s.events <- event
}

func (s *fakeSub) breakWith(err error) {
	s.broken <- err
}

// reverseCrypto is a reversible stand-in for a real cipher.
type reverseCrypto struct{}

func (reverseCrypto) Encrypt(plaintext []byte) ([]byte, error) {
	out := make([]byte, len(plaintext))
	for i, b := range plaintext {
		out[len(plaintext)-1-i] = b ^ 0x5a
	}
	return out, nil
}

func (reverseCrypto) Decrypt(ciphertext []byte) ([]byte, error) {
	out := make([]byte, len(ciphertext))
	for i, b := range ciphertext {
		out[len(ciphertext)-1-i] = b ^ 0x5a
	}
	return out, nil
}

type changeLog struct {
	mu      sync.Mutex
	changes []Change
}

func (l *changeLog) record(c Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, c)
}

func (l *changeLog) ofKind(kind ChangeKind) []Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Change
	for _, c := range l.changes {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}
