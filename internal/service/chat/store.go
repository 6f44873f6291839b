package chat

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/the-mirror/backend/internal/model/chat"
)

// ErrDuplicateMessageID is returned when appending a message whose id is already in the store.
var ErrDuplicateMessageID = errors.New("duplicate message id")

// EventKind describes a store mutation.
type EventKind string

const (
	EventAppend EventKind = "append"
	EventPatch  EventKind = "patch"
	EventReset  EventKind = "reset"
	// EventIdle follows the last mutation of a main turn, once the busy flag is released.
	EventIdle EventKind = "idle"
)

// Event is a store mutation delivered to subscribers. Message holds the full record after the
// change, so consumers may skip intermediate patches without losing the final text.
type Event struct {
	Kind     EventKind      `json:"kind"`
	Message  *chat.Message  `json:"message,omitempty"`
	Messages []chat.Message `json:"messages,omitempty"`
}

// Store holds the ordered transcript of one conversation. Messages live in an arena slice
// addressed through an id index, so patches always reach their target by identity.
type Store struct {
	mu       sync.RWMutex
	messages []chat.Message
	index    map[string]int
	seen     map[string]struct{}

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool

	logger *zap.Logger
	now    func() time.Time
}

// NewStore returns an empty store.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		messages: make([]chat.Message, 0, 16),
		index:    make(map[string]int),
		seen:     make(map[string]struct{}),
		subs:     make(map[int]chan Event),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Append adds msg at the end of the transcript. Missing id and timestamp are filled in.
func (s *Store) Append(msg chat.Message) (chat.Message, error) {
	s.mu.Lock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if _, ok := s.seen[msg.ID]; ok {
		s.mu.Unlock()
		return chat.Message{}, ErrDuplicateMessageID
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}

	s.index[msg.ID] = len(s.messages)
	s.seen[msg.ID] = struct{}{}
	s.messages = append(s.messages, msg)

	evt := msg
	s.publish(Event{Kind: EventAppend, Message: &evt})
	s.mu.Unlock()
	return msg, nil
}

// PatchByID applies patch to the message with the given id. It is a no-op returning false
// when no such message exists.
func (s *Store) PatchByID(id string, patch chat.Patch) bool {
	s.mu.Lock()
	pos, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return false
	}

	updated := patch.Apply(s.messages[pos])
	s.messages[pos] = updated

	s.publish(Event{Kind: EventPatch, Message: &updated})
	s.mu.Unlock()
	return true
}

// Get returns a copy of the message with the given id.
func (s *Store) Get(id string) (chat.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.index[id]
	if !ok {
		return chat.Message{}, false
	}
	return s.messages[pos], true
}

// Snapshot returns a copy of the transcript in conversation order.
func (s *Store) Snapshot() []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	copied := make([]chat.Message, len(s.messages))
	copy(copied, s.messages)
	return copied
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Reset replaces the transcript with msgs. Ids used before the reset stay retired.
func (s *Store) Reset(msgs ...chat.Message) ([]chat.Message, error) {
	s.mu.Lock()
	next := make([]chat.Message, 0, max(len(msgs), 16))
	index := make(map[string]int, len(msgs))
	for _, msg := range msgs {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if _, dup := index[msg.ID]; dup {
			s.mu.Unlock()
			return nil, ErrDuplicateMessageID
		}
		if _, used := s.seen[msg.ID]; used {
			s.mu.Unlock()
			return nil, ErrDuplicateMessageID
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = s.now()
		}
		index[msg.ID] = len(next)
		next = append(next, msg)
	}

	for id := range index {
		s.seen[id] = struct{}{}
	}
	s.messages = next
	s.index = index

	copied := make([]chat.Message, len(next))
	copy(copied, next)

	s.publish(Event{Kind: EventReset, Messages: copied})
	s.mu.Unlock()
	return copied, nil
}

// Subscribe returns a channel receiving every mutation after the call. A subscriber that
// falls more than buffer events behind has its channel closed and must resync with Watch.
// The returned func unsubscribes and closes the channel.
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	s.subMu.Lock()
	if s.closed {
		s.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (s *Store) Subscribers() int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return len(s.subs)
}

// Close ends every subscription; later subscriptions receive an already closed channel.
// Messages stay readable.
func (s *Store) Close() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

// Closed reports whether Close has been called. A subscription channel that closes while the
// store is open was dropped for lagging.
func (s *Store) Closed() bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return s.closed
}

// Signal publishes a non-mutating event of the given kind in store order.
func (s *Store) Signal(kind EventKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publish(Event{Kind: kind})
}

// Watch subscribes and returns the transcript as of the subscription point, so no mutation
// falls between the snapshot and the first event.
func (s *Store) Watch(buffer int) ([]chat.Message, <-chan Event, func()) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := make([]chat.Message, len(s.messages))
	copy(snapshot, s.messages)
	events, cancel := s.Subscribe(buffer)
	return snapshot, events, cancel
}

// publish runs under s.mu so subscribers observe mutations in store order.
func (s *Store) publish(evt Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for id, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// A subscriber that misses an event has a stale transcript; end it.
			delete(s.subs, id)
			close(ch)
			s.logger.Warn("closing lagging store subscription",
				zap.Int("subscriber", id),
				zap.String("kind", string(evt.Kind)))
		}
	}
}
