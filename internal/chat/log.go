package chat

import "sync"

// Log is the ordered, append-only record of received message text.
//
// A single writer appends; any number of readers take snapshots or follow
// the log through a Subscription. Entries are never reordered or removed and
// duplicates are kept. Once frozen, the log rejects further appends.
type Log struct {
	mu     sync.RWMutex
	msgs   []string
	frozen bool
	subs   map[*Subscription]struct{}
}

// NewLog creates an empty Log.
func NewLog() *Log {
	return &Log{
		subs: make(map[*Subscription]struct{}),
	}
}

// Append adds text to the end of the log and wakes subscribers.
// It reports false, leaving the log untouched, if the log is frozen.
func (l *Log) Append(text string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.frozen {
		return false
	}
	l.msgs = append(l.msgs, text)
	for sub := range l.subs {
		sub.notify()
	}
	return true
}

// Freeze stops the log from accepting appends and closes every
// subscription's notification channel. Calling it again is a no-op.
func (l *Log) Freeze() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.frozen {
		return
	}
	l.frozen = true
	for sub := range l.subs {
		close(sub.c)
	}
}

// Frozen reports whether Freeze has been called.
func (l *Log) Frozen() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.frozen
}

// Len returns the number of messages in the log.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.msgs)
}

// Snapshot returns a copy of every message in arrival order.
func (l *Log) Snapshot() []string {
	return l.Since(0)
}

// Since returns a copy of the messages from index n on.
func (l *Log) Since(n int) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n < 0 {
		n = 0
	}
	if n >= len(l.msgs) {
		return nil
	}
	out := make([]string, len(l.msgs)-n)
	copy(out, l.msgs[n:])
	return out
}

// Subscribe returns a Subscription positioned at the start of the log, so
// the first Next call also yields messages appended before subscribing.
func (l *Log) Subscribe() *Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()

	sub := &Subscription{log: l, c: make(chan struct{}, 1)}
	if l.frozen {
		close(sub.c)
		return sub
	}
	l.subs[sub] = struct{}{}
	if len(l.msgs) > 0 {
		sub.notify()
	}
	return sub
}

func (l *Log) unsubscribe(sub *Subscription) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.subs[sub]; !ok {
		return
	}
	delete(l.subs, sub)
	if !l.frozen {
		close(sub.c)
	}
}

// SubscriberCount returns the number of open subscriptions.
func (l *Log) SubscriberCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subs)
}

// Subscription follows a Log without ever blocking its writer.
//
// C receives a token whenever new messages may be available; tokens
// coalesce, so a reader drains with Next after each wake-up. C is closed
// when the log is frozen or the subscription is closed; call Next once more
// after that to collect the tail.
type Subscription struct {
	log  *Log
	c    chan struct{}
	mu   sync.Mutex
	next int
}

// C returns the notification channel.
func (s *Subscription) C() <-chan struct{} {
	return s.c
}

// Next returns the messages appended since the previous call.
func (s *Subscription) Next() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.log.Since(s.next)
	s.next += len(msgs)
	return msgs
}

// Close detaches the subscription from its log.
func (s *Subscription) Close() {
	s.log.unsubscribe(s)
}

// notify must be called with the log's lock held.
func (s *Subscription) notify() {
	select {
	case s.c <- struct{}{}:
	default:
	}
}
