package campusmatch

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// MessageStore
// ============================================================================

// MessageStore holds the ordered, deduplicated message sequence of one
// conversation. Order is insertion/confirmation order, never timestamp
// order, so rendering stays stable under clock skew. All methods are
// goroutine-safe; the store is the reactive read model of the UI while the
// session's event loop mutates it.
type MessageStore struct {
	mu        sync.RWMutex
	order     []*Message
	byID      map[string]*Message
	byLocalID map[string]*Message
	updates   chan struct{}
}

// NewMessageStore creates an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		byID:      make(map[string]*Message),
		byLocalID: make(map[string]*Message),
		updates:   make(chan struct{}, 1),
	}
}

// Updates signals after every mutation, coalescing bursts into one pending
// tick. Observers re-read the store when it fires.
func (s *MessageStore) Updates() <-chan struct{} {
	return s.updates
}

func (s *MessageStore) signal() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// InsertOptimistic appends a pending message and returns its localId
// correlation token, generating one when the caller did not. Local-only:
// it always succeeds.
func (s *MessageStore) InsertOptimistic(m Message) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.LocalID == "" {
		m.LocalID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.ID = ""
	m.Seen = false

	entry := &m
	s.order = append(s.order, entry)
	s.byLocalID[m.LocalID] = entry
	s.signal()
	return m.LocalID
}

// Reconcile merges a server-confirmed record. A pending entry with the same
// localId is replaced in place, preserving its position; an unknown id is
// appended; a known id is a no-op, tolerating the transport's at-least-once
// redelivery.
func (s *MessageStore) Reconcile(server Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if server.ID != "" {
		if _, ok := s.byID[server.ID]; ok {
			return
		}
	}

	if server.LocalID != "" {
		if entry, ok := s.byLocalID[server.LocalID]; ok {
			if entry.ID != "" && entry.ID != server.ID {
				delete(s.byID, entry.ID)
			}
			entry.ID = server.ID
			entry.Content = server.Content
			entry.SenderID = server.SenderID
			if server.ReplyTo != "" {
				entry.ReplyTo = server.ReplyTo
			}
			if !server.CreatedAt.IsZero() {
				entry.CreatedAt = server.CreatedAt
			}
			// seen is monotonic: a stale server copy never reverts it.
			entry.Seen = entry.Seen || server.Seen
			if entry.ID != "" {
				s.byID[entry.ID] = entry
			}
			s.signal()
			return
		}
	}

	entry := &server
	s.order = append(s.order, entry)
	if entry.ID != "" {
		s.byID[entry.ID] = entry
	}
	if entry.LocalID != "" {
		s.byLocalID[entry.LocalID] = entry
	}
	s.signal()
}

// Remove deletes the message identified by server id or localId. Whether the
// removal was local-only or cross-party is the coordinator's concern; the
// store ends in the same state either way.
func (s *MessageStore) Remove(ref string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.lookup(ref)
	if entry == nil {
		return false
	}
	for i, e := range s.order {
		if e == entry {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if entry.ID != "" {
		delete(s.byID, entry.ID)
	}
	if entry.LocalID != "" {
		delete(s.byLocalID, entry.LocalID)
	}
	s.signal()
	return true
}

// Get returns a copy of the message identified by server id or localId.
func (s *MessageStore) Get(ref string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if entry := s.lookup(ref); entry != nil {
		return *entry, true
	}
	return Message{}, false
}

func (s *MessageStore) lookup(ref string) *Message {
	if entry, ok := s.byID[ref]; ok {
		return entry
	}
	if entry, ok := s.byLocalID[ref]; ok {
		return entry
	}
	return nil
}

// MarkSeenBy marks every message not sent by readerID as seen: those are the
// messages the reader just acknowledged. Called with the local user id when
// the view opens, and with the remote participant id on a messages-seen
// event. Idempotent, and seen never reverts.
func (s *MessageStore) MarkSeenBy(readerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, entry := range s.order {
		if entry.SenderID != readerID && !entry.Seen {
			entry.Seen = true
			changed = true
		}
	}
	if changed {
		s.signal()
	}
}

// Clear empties the store. Messages reconciled afterwards insert normally;
// cleared entries cannot resurface.
func (s *MessageStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.byID = make(map[string]*Message)
	s.byLocalID = make(map[string]*Message)
	s.signal()
}

// Len returns the number of messages.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Messages returns a snapshot of the sequence in store order.
func (s *MessageStore) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.order))
	for i, entry := range s.order {
		out[i] = *entry
	}
	return out
}

// DayGroups projects the sequence into calendar-day groups for
// presentation. Pure projection over store order, computed per call.
func (s *MessageStore) DayGroups() []DayGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var groups []DayGroup
	for _, entry := range s.order {
		t := entry.CreatedAt
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
		if len(groups) == 0 || !groups[len(groups)-1].Day.Equal(day) {
			groups = append(groups, DayGroup{Day: day})
		}
		g := &groups[len(groups)-1]
		g.Messages = append(g.Messages, *entry)
	}
	return groups
}
