package campusmatch

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertOptimistic(t *testing.T) {
	s := NewMessageStore()

	localID := s.InsertOptimistic(Message{
		ConversationID: "conv-1",
		SenderID:       "u1",
		Content:        "hi",
	})
	require.NotEmpty(t, localID)
	require.Equal(t, 1, s.Len())

	m, ok := s.Get(localID)
	require.True(t, ok)
	assert.True(t, m.Pending())
	assert.Equal(t, DeliveryPending, m.DeliveryState())
	assert.False(t, m.CreatedAt.IsZero())
}

func TestReconcileReplacesPendingInPlace(t *testing.T) {
	s := NewMessageStore()

	s.InsertOptimistic(Message{LocalID: "L0", SenderID: "u1", Content: "first"})
	s.InsertOptimistic(Message{LocalID: "L1", SenderID: "u1", Content: "hi"})
	s.InsertOptimistic(Message{LocalID: "L2", SenderID: "u1", Content: "third"})

	s.Reconcile(Message{ID: "S1", LocalID: "L1", Content: "hi", SenderID: "u1", CreatedAt: time.Now()})

	require.Equal(t, 3, s.Len())
	msgs := s.Messages()
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "S1", msgs[1].ID)
	assert.Equal(t, DeliverySent, msgs[1].DeliveryState())
	assert.Equal(t, "third", msgs[2].Content)
}

func TestReconcileIdempotentUnderRedelivery(t *testing.T) {
	s := NewMessageStore()

	server := Message{ID: "S1", LocalID: "L1", Content: "hi", SenderID: "u1"}
	s.InsertOptimistic(Message{LocalID: "L1", SenderID: "u1", Content: "hi"})
	s.Reconcile(server)
	s.Reconcile(server)
	s.Reconcile(server)

	require.Equal(t, 1, s.Len())
	m, ok := s.Get("S1")
	require.True(t, ok)
	assert.Equal(t, "hi", m.Content)
}

func TestReconcileAppendsUnknown(t *testing.T) {
	s := NewMessageStore()

	s.Reconcile(Message{ID: "S1", SenderID: "u2", Content: "hello"})
	s.Reconcile(Message{ID: "S1", SenderID: "u2", Content: "hello"})

	require.Equal(t, 1, s.Len())
}

func TestOrderIsArrivalOrderNotTimestampOrder(t *testing.T) {
	s := NewMessageStore()
	now := time.Now()

	// Confirmations arrive out of timestamp order (clock skew between the
	// two participants).
	s.Reconcile(Message{ID: "S2", SenderID: "u2", Content: "b", CreatedAt: now})
	s.Reconcile(Message{ID: "S1", SenderID: "u1", Content: "a", CreatedAt: now.Add(-time.Hour)})
	s.Reconcile(Message{ID: "S3", SenderID: "u2", Content: "c", CreatedAt: now.Add(-2 * time.Hour)})

	msgs := s.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "S2", msgs[0].ID)
	assert.Equal(t, "S1", msgs[1].ID)
	assert.Equal(t, "S3", msgs[2].ID)
}

func TestInterleavedOptimisticAndRemote(t *testing.T) {
	s := NewMessageStore()

	s.InsertOptimistic(Message{LocalID: "L1", SenderID: "u1", Content: "mine"})
	s.Reconcile(Message{ID: "S9", SenderID: "u2", Content: "theirs"})
	s.Reconcile(Message{ID: "S10", LocalID: "L1", SenderID: "u1", Content: "mine"})

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	// The pending entry keeps its original position.
	assert.Equal(t, "S10", msgs[0].ID)
	assert.Equal(t, "S9", msgs[1].ID)
}

func TestMarkSeenBy(t *testing.T) {
	s := NewMessageStore()
	s.Reconcile(Message{ID: "S1", SenderID: "u1", Content: "mine"})
	s.Reconcile(Message{ID: "S2", SenderID: "u2", Content: "theirs"})

	// The remote participant read the conversation: my message is seen.
	s.MarkSeenBy("u2")

	mine, _ := s.Get("S1")
	theirs, _ := s.Get("S2")
	assert.True(t, mine.Seen)
	assert.Equal(t, DeliverySeen, mine.DeliveryState())
	assert.False(t, theirs.Seen)
}

func TestSeenIsMonotonic(t *testing.T) {
	s := NewMessageStore()
	s.InsertOptimistic(Message{LocalID: "L1", SenderID: "u1", Content: "hi"})
	s.Reconcile(Message{ID: "S1", LocalID: "L1", SenderID: "u1", Seen: true})

	// A stale server copy with seen=false must not revert the flag.
	s.Reconcile(Message{ID: "S1", LocalID: "L1", SenderID: "u1", Seen: false})
	s.MarkSeenBy("u1")

	m, _ := s.Get("S1")
	assert.True(t, m.Seen)
}

func TestRemoveByIDAndLocalID(t *testing.T) {
	s := NewMessageStore()
	localID := s.InsertOptimistic(Message{SenderID: "u1", Content: "pending"})
	s.Reconcile(Message{ID: "S1", SenderID: "u2", Content: "confirmed"})

	assert.True(t, s.Remove(localID))
	assert.True(t, s.Remove("S1"))
	assert.False(t, s.Remove("S1"))
	assert.Equal(t, 0, s.Len())
}

func TestClearThenStrayReconcile(t *testing.T) {
	s := NewMessageStore()
	for i := 0; i < 5; i++ {
		s.Reconcile(Message{ID: fmt.Sprintf("S%d", i), SenderID: "u2", Content: "old"})
	}

	s.Clear()
	// A stale in-flight confirmation lands after the clear.
	s.Reconcile(Message{ID: "S99", SenderID: "u2", Content: "late"})

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "S99", msgs[0].ID)
}

func TestDayGroups(t *testing.T) {
	s := NewMessageStore()
	day1 := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	s.Reconcile(Message{ID: "S1", SenderID: "u1", CreatedAt: day1})
	s.Reconcile(Message{ID: "S2", SenderID: "u2", CreatedAt: day1.Add(time.Hour)})
	s.Reconcile(Message{ID: "S3", SenderID: "u1", CreatedAt: day2})

	groups := s.DayGroups()
	require.Len(t, groups, 2)
	assert.Len(t, groups[0].Messages, 2)
	assert.Len(t, groups[1].Messages, 1)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), groups[0].Day)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), groups[1].Day)
}

func TestDayGroupsEmptyStore(t *testing.T) {
	s := NewMessageStore()
	assert.Empty(t, s.DayGroups())
}

func TestUpdatesSignalCoalesces(t *testing.T) {
	s := NewMessageStore()

	s.InsertOptimistic(Message{SenderID: "u1", Content: "a"})
	s.InsertOptimistic(Message{SenderID: "u1", Content: "b"})

	select {
	case <-s.Updates():
	default:
		t.Fatal("expected a pending update tick")
	}
	select {
	case <-s.Updates():
		t.Fatal("burst should coalesce into one tick")
	default:
	}

	// Duplicate redelivery mutates nothing and stays silent.
	s.Reconcile(Message{ID: "S1", SenderID: "u2"})
	<-s.Updates()
	s.Reconcile(Message{ID: "S1", SenderID: "u2"})
	select {
	case <-s.Updates():
		t.Fatal("no-op reconcile must not signal")
	default:
	}
}
