package events

import (
	"sync"
	"time"

	"github.com/devicelab-dev/optics-runner/pkg/core"
)

type (
	// Bus fans out events per session. Publish never blocks: a subscriber
	// whose buffer is full is closed and flagged as lagged
	Bus struct {
		mu         sync.Mutex
		streams    map[string]*stream
		bufferSize int
		replaySize int
	}

	// Options configures a Bus
	Options struct {
		BufferSize int // Channel capacity per subscriber
		ReplaySize int // Events retained per session, 0 disables replay
	}

	// SubscribeOptions selects where a subscription starts
	SubscribeOptions struct {
		Replay   bool   // Deliver retained events first
		AfterSeq uint64 // Only replay events with a greater sequence
	}

	// Subscription is one consumer of a session's events
	Subscription struct {
		bus       *Bus
		sessionID string
		ch        chan Event
		lagged    bool
		closed    bool
	}

	stream struct {
		seq  uint64
		subs map[*Subscription]struct{}
		ring *ring
	}
)

const DefaultBufferSize = 256

// NewBus creates an empty Bus
func NewBus(opts Options) *Bus {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	return &Bus{
		streams:    map[string]*stream{},
		bufferSize: opts.BufferSize,
		replaySize: max(opts.ReplaySize, 0),
	}
}

// Open registers a session stream. Publishing to a session that was never
// opened, or was already terminated, is a no-op
func (b *Bus) Open(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.streams[sessionID]; ok {
		return
	}
	b.streams[sessionID] = &stream{
		subs: map[*Subscription]struct{}{},
		ring: newRing(b.replaySize),
	}
}

// Publish assigns the next sequence number and delivers ev to every
// subscriber of the session. It reports whether the stream was open.
// A SessionTerminated event closes the stream after delivery
func (b *Bus) Publish(sessionID string, ev Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[sessionID]
	if !ok {
		return false
	}
	s.seq++
	ev.Seq = s.seq
	ev.SessionID = sessionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	s.ring.push(ev)

	for sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.lagged = true
			b.closeLocked(s, sub)
		}
	}

	if ev.Type == SessionTerminated {
		for sub := range s.subs {
			b.closeLocked(s, sub)
		}
		delete(b.streams, sessionID)
	}
	return true
}

// Subscribe starts a subscription at the current tail of the session's
// stream, or at the retained history when replay was requested and the
// bus keeps a replay buffer
func (b *Bus) Subscribe(sessionID string, opts SubscribeOptions) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[sessionID]
	if !ok {
		return nil, core.ErrSessionNotFound.WithDetails(map[string]any{"session_id": sessionID})
	}

	var history []Event
	if opts.Replay {
		history = s.ring.after(opts.AfterSeq)
	}
	sub := &Subscription{
		bus:       b,
		sessionID: sessionID,
		ch:        make(chan Event, b.bufferSize+len(history)),
	}
	for _, ev := range history {
		sub.ch <- ev
	}
	s.subs[sub] = struct{}{}
	return sub, nil
}

// Subscribers returns the number of live subscriptions for a session
func (b *Bus) Subscribers(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[sessionID]; ok {
		return len(s.subs)
	}
	return 0
}

// LastSeq returns the last sequence number published for a session
func (b *Bus) LastSeq(sessionID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[sessionID]; ok {
		return s.seq
	}
	return 0
}

// Close ends every stream without publishing termination events
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.streams {
		for sub := range s.subs {
			b.closeLocked(s, sub)
		}
		delete(b.streams, id)
	}
}

func (b *Bus) closeLocked(s *stream, sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(s.subs, sub)
	close(sub.ch)
}

// C returns the event channel. It is closed when the session terminates,
// the subscriber lags or Close is called
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close ends the subscription. It is safe to call more than once
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if st, ok := s.bus.streams[s.sessionID]; ok {
		s.bus.closeLocked(st, s)
		return
	}
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Lagged reports whether the subscription was closed for falling behind
func (s *Subscription) Lagged() bool {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return s.lagged
}
