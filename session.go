package campusmatch

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// chatAPI is the slice of the HTTP client the coordinator depends on.
type chatAPI interface {
	Messages(ctx context.Context, conversationID string) ([]Message, error)
	SendMessage(ctx context.Context, req SendMessageRequest) (*Message, error)
	DeleteMessage(ctx context.Context, conversationID, messageID string, forEveryone bool) error
	ClearConversation(ctx context.Context, conversationID string) error
	MarkSeen(ctx context.Context, conversationID string) error
	ReportUser(ctx context.Context, userID, reason string) error
	BlockUser(ctx context.Context, userID string) error
}

// realtimeTransport is the slice of the realtime client the coordinator
// depends on.
type realtimeTransport interface {
	State() ConnState
	Subscribe(conversationID string) (<-chan Event, func())
	OnConnected(func())
	JoinConversation(ctx context.Context, conversationID string) error
	SendChatMessage(ctx context.Context, conversationID, content, localID, replyTo string) error
	SendTyping(ctx context.Context, conversationID string, isTyping bool) error
	SendDelete(ctx context.Context, conversationID, messageID string, forEveryone bool) error
}

var (
	_ chatAPI           = (*Client)(nil)
	_ realtimeTransport = (*RealtimeClient)(nil)
)

// ============================================================================
// Chat
// ============================================================================

// Chat is the top-level entry point of the messaging engine. It owns the
// shared realtime connection reference and hands out one ConversationSession
// per open chat view.
type Chat struct {
	api    chatAPI
	rt     realtimeTransport
	selfID string
	log    zerolog.Logger

	mu        sync.Mutex
	sessions  map[string]*ConversationSession
	connEpoch uint64
}

// NewChat creates the engine for the authenticated user selfID. The realtime
// client is shared across all conversation sessions; each session owns its
// message store and typing tracker exclusively.
func NewChat(client *Client, rt *RealtimeClient, selfID string) *Chat {
	return newChat(client, rt, selfID, client.log)
}

func newChat(api chatAPI, rt realtimeTransport, selfID string, log zerolog.Logger) *Chat {
	c := &Chat{
		api:      api,
		rt:       rt,
		selfID:   selfID,
		log:      log.With().Str("component", "chat").Logger(),
		sessions: make(map[string]*ConversationSession),
	}
	// Conversation rooms are connection-scoped server-side, so every open
	// session rejoins after a reconnect.
	rt.OnConnected(c.handleConnected)
	return c
}

// Connected reports whether the realtime channel is live. False means the
// engine is in degraded HTTP-only mode.
func (c *Chat) Connected() bool {
	return c.rt.State() == StateConnected
}

// OpenConversation joins the conversation's realtime room, loads history,
// marks it read, and starts the session's event loop. The returned session
// is ready for rendering. Opening an already open conversation returns the
// live session.
func (c *Chat) OpenConversation(ctx context.Context, conversationID string) (*ConversationSession, error) {
	c.mu.Lock()
	if existing, ok := c.sessions[conversationID]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	epoch := c.connEpoch
	c.mu.Unlock()

	s := &ConversationSession{
		conversationID: conversationID,
		selfID:         c.selfID,
		api:            c.api,
		rt:             c.rt,
		store:          NewMessageStore(),
		typing:         NewTypingTracker(),
		notices:        make(chan Notice, 16),
		done:           make(chan struct{}),
		log:            c.log.With().Str("conversation_id", conversationID).Logger(),
	}
	s.onClose = func() { c.dropSession(conversationID, s) }

	if c.rt.State() == StateConnected {
		if err := c.rt.JoinConversation(ctx, conversationID); err != nil {
			s.log.Debug().Err(err).Msg("join failed, continuing in http mode")
		}
	}

	// Subscribe before the history fetch so nothing arriving in between is
	// lost; reconciliation absorbs any overlap.
	s.events, s.unsubscribe = c.rt.Subscribe(conversationID)

	history, err := c.api.Messages(ctx, conversationID)
	if err != nil {
		s.unsubscribe()
		s.typing.Stop()
		return nil, err
	}
	for _, m := range history {
		s.store.Reconcile(m)
	}

	// Opening the view reads everything the other party sent.
	s.store.MarkSeenBy(c.selfID)
	if err := c.api.MarkSeen(ctx, conversationID); err != nil {
		s.notice(Notice{Kind: NoticeSeenFailed, Text: "could not mark conversation read"})
	}

	c.mu.Lock()
	if existing, ok := c.sessions[conversationID]; ok {
		// Lost the race to another open call.
		c.mu.Unlock()
		s.unsubscribe()
		s.typing.Stop()
		return existing, nil
	}
	c.sessions[conversationID] = s
	// A reconnect between the initial join and this registration is not
	// covered by handleConnected, which only sees registered sessions.
	missedReconnect := c.connEpoch != epoch
	c.mu.Unlock()

	if missedReconnect && c.rt.State() == StateConnected {
		if err := c.rt.JoinConversation(ctx, conversationID); err != nil {
			s.log.Debug().Err(err).Msg("join after reconnect failed")
		}
	}

	go s.run()
	return s, nil
}

// CloseConversation tears down the session for conversationID, if open.
func (c *Chat) CloseConversation(conversationID string) {
	c.mu.Lock()
	s := c.sessions[conversationID]
	c.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

func (c *Chat) dropSession(conversationID string, s *ConversationSession) {
	c.mu.Lock()
	if c.sessions[conversationID] == s {
		delete(c.sessions, conversationID)
	}
	c.mu.Unlock()
}

func (c *Chat) handleConnected() {
	c.mu.Lock()
	c.connEpoch++
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	ctx := context.Background()
	for _, id := range ids {
		if err := c.rt.JoinConversation(ctx, id); err != nil {
			c.log.Debug().Err(err).Str("conversation_id", id).Msg("rejoin failed")
		}
	}
}

// ============================================================================
// ConversationSession
// ============================================================================

// ConversationSession is the sync coordinator for one open chat: it applies
// inbound events to the store and typing tracker strictly in arrival order,
// and arbitrates outbound intents between the realtime channel and the HTTP
// fallback. Close releases the subscription and all timers on every exit
// path.
type ConversationSession struct {
	conversationID string
	selfID         string
	api            chatAPI
	rt             realtimeTransport
	store          *MessageStore
	typing         *TypingTracker
	log            zerolog.Logger

	events      <-chan Event
	unsubscribe func()
	notices     chan Notice
	done        chan struct{}
	closeOnce   sync.Once
	onClose     func()
}

// ConversationID returns the conversation this session is bound to.
func (s *ConversationSession) ConversationID() string { return s.conversationID }

// Store exposes the reactive message read model.
func (s *ConversationSession) Store() *MessageStore { return s.store }

// Typing exposes the typing tracker read model.
func (s *ConversationSession) Typing() *TypingTracker { return s.typing }

// Notices is the stream of transient, dismissible failure notices.
func (s *ConversationSession) Notices() <-chan Notice { return s.notices }

// Degraded reports whether intents currently take the HTTP fallback path.
func (s *ConversationSession) Degraded() bool {
	return s.rt.State() != StateConnected
}

// run applies inbound events one at a time, in transport arrival order.
// Timestamps never reorder anything.
func (s *ConversationSession) run() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.events:
			if !ok {
				return
			}
			s.apply(ev)
		}
	}
}

func (s *ConversationSession) apply(ev Event) {
	switch e := ev.(type) {
	case NewMessageEvent:
		if e.Message.SenderID != s.selfID {
			// A message from the remote means they stopped typing, even
			// if the stop event got lost.
			s.typing.SetRemoteTyping(false)
		}
		s.store.Reconcile(e.Message)
	case MessageDeletedEvent:
		if e.ForEveryone {
			s.store.Remove(e.MessageID)
		}
	case ChatClearedEvent:
		s.store.Clear()
	case UserClearedChatEvent:
		s.store.Clear()
	case UserTypingEvent:
		if e.ParticipantID != s.selfID {
			s.typing.SetRemoteTyping(e.IsTyping)
		}
	case MessagesSeenEvent:
		if e.ParticipantID != s.selfID {
			s.store.MarkSeenBy(e.ParticipantID)
		}
	}
}

// Send validates, inserts an optimistic pending entry, and transmits. It
// returns the localId of the new entry, or "" when the trimmed content is
// empty or the session is closed (both silent no-ops).
func (s *ConversationSession) Send(ctx context.Context, content, replyTo string) string {
	if !s.alive() {
		return ""
	}
	trimmed := trimContent(content)
	if trimmed == "" {
		return ""
	}

	localID := s.store.InsertOptimistic(Message{
		ConversationID: s.conversationID,
		SenderID:       s.selfID,
		Content:        trimmed,
		ReplyTo:        replyTo,
	})
	s.transmit(ctx, localID, trimmed, replyTo)
	return localID
}

// Resend retries a message that is still pending, for example after a
// send-failed notice. It never duplicates the entry.
func (s *ConversationSession) Resend(ctx context.Context, localID string) error {
	if !s.alive() {
		return ErrSessionClosed
	}
	m, ok := s.store.Get(localID)
	if !ok || !m.Pending() {
		return nil
	}
	s.transmit(ctx, m.LocalID, m.Content, m.ReplyTo)
	return nil
}

// transmit picks the path: realtime when connected, HTTP otherwise. The
// realtime confirmation arrives as a new-message event; the HTTP response is
// synthesized into a reconcile.
func (s *ConversationSession) transmit(ctx context.Context, localID, content, replyTo string) {
	if s.rt.State() == StateConnected {
		err := s.rt.SendChatMessage(ctx, s.conversationID, content, localID, replyTo)
		if err == nil {
			return
		}
		s.log.Debug().Err(err).Msg("realtime send failed, falling back to http")
	}
	go s.sendFallback(localID, content, replyTo)
}

func (s *ConversationSession) sendFallback(localID, content, replyTo string) {
	// Deliberately not tied to the caller's context: the request is allowed
	// to finish after the UI moved on; its completion is ignored if the
	// session is gone.
	resp, err := s.api.SendMessage(context.Background(), SendMessageRequest{
		ConversationID: s.conversationID,
		Content:        content,
		LocalID:        localID,
		ReplyTo:        replyTo,
	})
	if !s.alive() {
		return
	}
	if err != nil {
		s.log.Debug().Err(err).Str("local_id", localID).Msg("fallback send failed")
		s.notice(Notice{Kind: NoticeSendFailed, Text: "message not sent, tap to retry", LocalID: localID})
		return
	}
	confirmed := *resp
	if confirmed.LocalID == "" {
		confirmed.LocalID = localID
	}
	s.store.Reconcile(confirmed)
}

// DeleteMessage removes the message identified by ref (id or localId).
// A still-pending message is removed locally without any network call.
// forEveryone only takes effect for messages the local user owns.
func (s *ConversationSession) DeleteMessage(ctx context.Context, ref string, forEveryone bool) error {
	if !s.alive() {
		return ErrSessionClosed
	}
	m, ok := s.store.Get(ref)
	if !ok {
		return nil
	}
	if m.Pending() {
		s.store.Remove(m.LocalID)
		return nil
	}

	global := forEveryone && m.SenderID == s.selfID
	go s.deleteRemote(m, global)
	return nil
}

func (s *ConversationSession) deleteRemote(m Message, global bool) {
	err := s.api.DeleteMessage(context.Background(), s.conversationID, m.ID, global)
	if !s.alive() {
		return
	}
	if err != nil && !IsNotFound(err) {
		s.notice(Notice{Kind: NoticeDeleteFailed, Text: "could not delete message", LocalID: m.LocalID})
		return
	}
	// NotFound means the server never saw this id: the race of deleting a
	// just-confirmed message. Treat as a local removal, silently.
	s.store.Remove(m.ref())

	if global && err == nil && s.rt.State() == StateConnected {
		if rtErr := s.rt.SendDelete(context.Background(), s.conversationID, m.ID, true); rtErr != nil {
			s.log.Debug().Err(rtErr).Msg("delete broadcast failed")
		}
	}
}

// Clear empties the conversation. The local store is cleared immediately;
// there is no rollback if the server call fails, only a notice.
func (s *ConversationSession) Clear(ctx context.Context) error {
	if !s.alive() {
		return ErrSessionClosed
	}
	s.store.Clear()
	go func() {
		err := s.api.ClearConversation(context.Background(), s.conversationID)
		if !s.alive() {
			return
		}
		if err != nil {
			s.notice(Notice{Kind: NoticeClearFailed, Text: "could not clear conversation"})
		}
	}()
	return nil
}

// ReportUser files a moderation report against another user, typically the
// remote participant. Nothing changes locally; a failure surfaces as a
// notice.
func (s *ConversationSession) ReportUser(ctx context.Context, userID, reason string) error {
	if !s.alive() {
		return ErrSessionClosed
	}
	go func() {
		err := s.api.ReportUser(context.Background(), userID, reason)
		if !s.alive() {
			return
		}
		if err != nil {
			s.notice(Notice{Kind: NoticeReportFailed, Text: "could not report user"})
		}
	}()
	return nil
}

// BlockUser blocks another user. The server dissolves the match; the session
// keeps running until that teardown arrives. A failure surfaces as a notice.
func (s *ConversationSession) BlockUser(ctx context.Context, userID string) error {
	if !s.alive() {
		return ErrSessionClosed
	}
	go func() {
		err := s.api.BlockUser(context.Background(), userID)
		if !s.alive() {
			return
		}
		if err != nil {
			s.notice(Notice{Kind: NoticeBlockFailed, Text: "could not block user"})
		}
	}()
	return nil
}

// SetTyping forwards a local typing transition to the remote party.
// Realtime-only and lossy: no fallback, no error surfaced.
func (s *ConversationSession) SetTyping(ctx context.Context, isTyping bool) {
	if !s.alive() {
		return
	}
	if !s.typing.AnnounceLocal(isTyping) {
		return
	}
	if s.rt.State() != StateConnected {
		return
	}
	if err := s.rt.SendTyping(ctx, s.conversationID, isTyping); err != nil {
		s.log.Debug().Err(err).Msg("typing send failed")
	}
}

// Close tears the session down: cancels the event subscription, stops the
// typing timer, and detaches from the engine. Idempotent; in-flight HTTP
// completions are ignored afterwards.
func (s *ConversationSession) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.unsubscribe()
		s.typing.Stop()
		if s.onClose != nil {
			s.onClose()
		}
	})
}

func (s *ConversationSession) alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *ConversationSession) notice(n Notice) {
	select {
	case s.notices <- n:
	default:
		s.log.Warn().Str("kind", string(n.Kind)).Msg("notice buffer full, dropping")
	}
}
