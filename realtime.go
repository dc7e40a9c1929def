package campusmatch

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// Event names, client to server.
const (
	cmdJoinConversation = "join-conversation"
	cmdSendMessage      = "send-message"
	cmdTyping           = "typing"
	cmdDeleteMessage    = "delete-message"
)

// Event names, server to client.
const (
	evtAuthenticated   = "authenticated"
	evtNewMessage      = "new-message"
	evtMessageDeleted  = "message-deleted"
	evtChatCleared     = "chat-cleared"
	evtUserTyping      = "user-typing"
	evtMessagesSeen    = "messages-seen"
	evtUserClearedChat = "user-cleared-chat"
)

// realtimeEnvelope is the wire format for all realtime traffic.
type realtimeEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type realtimeCommand struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// ============================================================================
// Inbound events
// ============================================================================

// Event is a server-originated conversation event. It is a closed set: the
// Sync Coordinator dispatches on the concrete type in a single type switch.
type Event interface {
	// conversation returns the conversation the event is scoped to, or ""
	// when the wire payload carries no conversation id.
	conversation() string
}

// NewMessageEvent carries a full server-confirmed message record, including
// the localId when the message originated from this client.
type NewMessageEvent struct {
	Message Message
}

func (e NewMessageEvent) conversation() string { return e.Message.ConversationID }

// MessageDeletedEvent signals a message removal. Only ForEveryone deletions
// are broadcast across parties.
type MessageDeletedEvent struct {
	MessageID      string
	ForEveryone    bool
	ConversationID string
}

func (e MessageDeletedEvent) conversation() string { return e.ConversationID }

// ChatClearedEvent signals the conversation was emptied.
type ChatClearedEvent struct {
	ConversationID string
}

func (e ChatClearedEvent) conversation() string { return e.ConversationID }

// UserClearedChatEvent signals the identified participant cleared the chat.
type UserClearedChatEvent struct {
	ConversationID string
	ParticipantID  string
}

func (e UserClearedChatEvent) conversation() string { return e.ConversationID }

// UserTypingEvent signals a typing-state change of a participant.
type UserTypingEvent struct {
	ConversationID string
	ParticipantID  string
	IsTyping       bool
}

func (e UserTypingEvent) conversation() string { return e.ConversationID }

// MessagesSeenEvent signals the identified participant read the conversation.
type MessagesSeenEvent struct {
	ConversationID string
	ParticipantID  string
}

func (e MessagesSeenEvent) conversation() string { return e.ConversationID }

// decodeEvent maps a wire envelope to its typed event. Unknown event names
// return (nil, nil) and are skipped; the server may add events this client
// version does not understand.
func decodeEvent(env realtimeEnvelope) (Event, error) {
	switch env.Event {
	case evtNewMessage:
		var m Message
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return NewMessageEvent{Message: m}, nil
	case evtMessageDeleted:
		var p struct {
			MessageID         string `json:"messageId"`
			DeleteForEveryone bool   `json:"deleteForEveryone"`
			ConversationID    string `json:"conversationId"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return MessageDeletedEvent{MessageID: p.MessageID, ForEveryone: p.DeleteForEveryone, ConversationID: p.ConversationID}, nil
	case evtChatCleared:
		var p struct {
			ConversationID string `json:"conversationId"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return ChatClearedEvent{ConversationID: p.ConversationID}, nil
	case evtUserClearedChat:
		var p struct {
			ConversationID string `json:"conversationId"`
			ParticipantID  string `json:"participantId"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return UserClearedChatEvent{ConversationID: p.ConversationID, ParticipantID: p.ParticipantID}, nil
	case evtUserTyping:
		var p struct {
			ConversationID string `json:"conversationId"`
			ParticipantID  string `json:"participantId"`
			IsTyping       bool   `json:"isTyping"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return UserTypingEvent{ConversationID: p.ConversationID, ParticipantID: p.ParticipantID, IsTyping: p.IsTyping}, nil
	case evtMessagesSeen:
		var p struct {
			ConversationID string `json:"conversationId"`
			ParticipantID  string `json:"participantId"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return MessagesSeenEvent{ConversationID: p.ConversationID, ParticipantID: p.ParticipantID}, nil
	}
	return nil, nil
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime client.
type RealtimeConfig struct {
	Token                string
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HandshakeTimeout     time.Duration
	// SubscriptionBuffer is the per-conversation event channel capacity.
	SubscriptionBuffer int
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 5 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.SubscriptionBuffer == 0 {
		c.SubscriptionBuffer = 64
	}
}

// ConnState represents the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// Subscription registry
// ============================================================================

type subscription struct {
	conversationID string
	ch             chan Event
}

// subscriptionRegistry fans inbound events out to open conversation
// sessions. (De)registration is safe while the read loop is delivering.
type subscriptionRegistry struct {
	mu   sync.RWMutex
	subs map[*subscription]struct{}
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{subs: make(map[*subscription]struct{})}
}

func (r *subscriptionRegistry) add(conversationID string, buffer int) (*subscription, func()) {
	sub := &subscription{
		conversationID: conversationID,
		ch:             make(chan Event, buffer),
	}
	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, sub)
			r.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub, cancel
}

// deliver routes ev to subscriptions in arrival order. Events with no
// conversation id on the wire go to every subscription; applying them is
// idempotent downstream. A full subscriber drops the event rather than
// stalling delivery to the others.
func (r *subscriptionRegistry) deliver(ev Event, log zerolog.Logger) {
	conv := ev.conversation()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for sub := range r.subs {
		if conv != "" && sub.conversationID != conv {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			log.Warn().
				Str("conversation_id", sub.conversationID).
				Msg("subscriber buffer full, dropping event")
		}
	}
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient owns the single duplex realtime connection of an
// authenticated session. It reconnects automatically with bounded
// exponential backoff and surfaces every failure as an observable event,
// never as an error to the caller: the application must be able to run in
// degraded HTTP-only mode indefinitely.
type RealtimeClient struct {
	baseURL string
	config  *RealtimeConfig
	log     zerolog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	running          bool
	closeCh          chan struct{}

	recon    *reconnector
	registry *subscriptionRegistry

	cbMu           sync.RWMutex
	onConnected    []func()
	onConnectError []func(error)
	onDisconnected []func(reason string)
	onReconnecting []func(attempt int, delay time.Duration)
}

func newRealtimeClient(baseURL string, cfg *RealtimeConfig, log zerolog.Logger) *RealtimeClient {
	return &RealtimeClient{
		baseURL:  baseURL,
		config:   cfg,
		log:      log.With().Str("component", "realtime").Logger(),
		state:    StateDisconnected,
		closeCh:  make(chan struct{}),
		recon:    newReconnector(cfg),
		registry: newSubscriptionRegistry(),
	}
}

// OnConnected registers a handler invoked after each successful handshake,
// including reconnects.
func (rt *RealtimeClient) OnConnected(h func()) {
	rt.cbMu.Lock()
	rt.onConnected = append(rt.onConnected, h)
	rt.cbMu.Unlock()
}

// OnConnectError registers a handler for failed connection attempts.
func (rt *RealtimeClient) OnConnectError(h func(error)) {
	rt.cbMu.Lock()
	rt.onConnectError = append(rt.onConnectError, h)
	rt.cbMu.Unlock()
}

// OnDisconnected registers a handler for lost connections.
func (rt *RealtimeClient) OnDisconnected(h func(reason string)) {
	rt.cbMu.Lock()
	rt.onDisconnected = append(rt.onDisconnected, h)
	rt.cbMu.Unlock()
}

// OnReconnecting registers a handler invoked before each backoff wait.
func (rt *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	rt.cbMu.Lock()
	rt.onReconnecting = append(rt.onReconnecting, h)
	rt.cbMu.Unlock()
}

// State returns the current connection state.
func (rt *RealtimeClient) State() ConnState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// Subscribe returns an ordered event stream filtered to one conversation and
// a cancel func releasing it. Events arrive in transport order.
func (rt *RealtimeClient) Subscribe(conversationID string) (<-chan Event, func()) {
	sub, cancel := rt.registry.add(conversationID, rt.config.SubscriptionBuffer)
	return sub.ch, cancel
}

// Open starts the connection loop. Connection failures never reach the
// caller; they feed the backoff policy and are observable via the lifecycle
// callbacks. Calling Open while already running is a no-op.
func (rt *RealtimeClient) Open(ctx context.Context) {
	rt.mu.Lock()
	if rt.running || rt.intentionalClose {
		rt.mu.Unlock()
		return
	}
	rt.running = true
	rt.state = StateConnecting
	rt.mu.Unlock()

	go rt.run(ctx)
}

// Close tears the connection down: terminal, idempotent, cancels any pending
// reconnect wait and releases the transport handle.
func (rt *RealtimeClient) Close() {
	rt.mu.Lock()
	if rt.intentionalClose {
		rt.mu.Unlock()
		return
	}
	rt.intentionalClose = true
	rt.state = StateDisconnected
	conn := rt.conn
	rt.conn = nil
	close(rt.closeCh)
	rt.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
}

func (rt *RealtimeClient) closed() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.intentionalClose
}

func (rt *RealtimeClient) run(ctx context.Context) {
	for {
		err := rt.connect(ctx)
		if rt.closed() || ctx.Err() != nil {
			return
		}

		if err == nil {
			serverClosed := rt.readLoop(ctx)
			if rt.closed() || ctx.Err() != nil {
				return
			}
			if serverClosed {
				// A deliberate server-side reset: re-dial right away
				// instead of waiting out the backoff.
				rt.recon.reset()
				rt.log.Info().Msg("server closed connection, redialing")
				continue
			}
		} else {
			rt.log.Debug().Err(err).Msg("connect attempt failed")
			rt.emitConnectError(err)
		}

		if !rt.recon.shouldReconnect() {
			rt.setState(StateDisconnected)
			rt.log.Warn().Msg("reconnect budget exhausted, staying in http-only mode")
			return
		}

		delay := rt.recon.nextDelay()
		rt.setState(StateReconnecting)
		rt.emitReconnecting(rt.recon.attempt, delay)

		select {
		case <-time.After(delay):
		case <-rt.closeCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// connect dials and performs the authenticated handshake within the
// handshake timeout. The first server frame must be "authenticated".
func (rt *RealtimeClient) connect(ctx context.Context) error {
	rt.setState(StateConnecting)

	wsURL := strings.Replace(rt.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/realtime?token=" + rt.config.Token

	dialCtx, cancel := context.WithTimeout(ctx, rt.config.HandshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		rt.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(dialCtx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		rt.setState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}

	var env realtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event != evtAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		rt.setState(StateDisconnected)
		return fmt.Errorf("expected %q handshake, got %q", evtAuthenticated, env.Event)
	}

	rt.mu.Lock()
	if rt.intentionalClose {
		rt.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return nil
	}
	rt.conn = conn
	rt.state = StateConnected
	rt.mu.Unlock()

	rt.recon.markConnected()
	rt.log.Info().Msg("realtime connected")
	rt.emitConnected()
	return nil
}

// readLoop consumes frames until the connection drops. It reports whether
// the remote side closed the socket with a close frame, as opposed to a
// network-level failure.
func (rt *RealtimeClient) readLoop(ctx context.Context) (serverClosed bool) {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()
	if conn == nil {
		return false
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.mu.Lock()
			intentional := rt.intentionalClose
			rt.conn = nil
			if !intentional {
				rt.state = StateDisconnected
			}
			rt.mu.Unlock()

			if intentional {
				return false
			}
			rt.log.Debug().Err(err).Msg("realtime read failed")
			rt.emitDisconnected(err.Error())
			return websocket.CloseStatus(err) != -1
		}

		var env realtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		ev, err := decodeEvent(env)
		if err != nil {
			rt.log.Warn().Err(err).Str("event", env.Event).Msg("dropping malformed event")
			continue
		}
		if ev == nil {
			continue
		}
		rt.registry.deliver(ev, rt.log)
	}
}

// ============================================================================
// Outbound commands
// ============================================================================

// JoinConversation enters the conversation's realtime room.
func (rt *RealtimeClient) JoinConversation(ctx context.Context, conversationID string) error {
	return rt.send(ctx, realtimeCommand{
		Event: cmdJoinConversation,
		Data:  map[string]string{"conversationId": conversationID},
	})
}

// SendChatMessage emits a message over the realtime channel. localID is the
// correlation token echoed back on the confirming new-message event.
func (rt *RealtimeClient) SendChatMessage(ctx context.Context, conversationID, content, localID, replyTo string) error {
	data := map[string]string{
		"conversationId": conversationID,
		"content":        content,
		"localId":        localID,
	}
	if replyTo != "" {
		data["replyTo"] = replyTo
	}
	return rt.send(ctx, realtimeCommand{Event: cmdSendMessage, Data: data})
}

// SendTyping emits a typing-state transition. Best-effort: there is no HTTP
// fallback for typing.
func (rt *RealtimeClient) SendTyping(ctx context.Context, conversationID string, isTyping bool) error {
	return rt.send(ctx, realtimeCommand{
		Event: cmdTyping,
		Data: map[string]interface{}{
			"conversationId": conversationID,
			"isTyping":       isTyping,
		},
	})
}

// SendDelete emits a delete so the remote party's open session reflects the
// removal live.
func (rt *RealtimeClient) SendDelete(ctx context.Context, conversationID, messageID string, forEveryone bool) error {
	return rt.send(ctx, realtimeCommand{
		Event: cmdDeleteMessage,
		Data: map[string]interface{}{
			"messageId":      messageID,
			"conversationId": conversationID,
			"forEveryone":    forEveryone,
		},
	})
}

func (rt *RealtimeClient) send(ctx context.Context, cmd realtimeCommand) error {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// ============================================================================
// Lifecycle emit helpers
// ============================================================================

func (rt *RealtimeClient) setState(s ConnState) {
	rt.mu.Lock()
	if !rt.intentionalClose {
		rt.state = s
	}
	rt.mu.Unlock()
}

func (rt *RealtimeClient) emitConnected() {
	rt.cbMu.RLock()
	handlers := append([]func(){}, rt.onConnected...)
	rt.cbMu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (rt *RealtimeClient) emitConnectError(err error) {
	rt.cbMu.RLock()
	handlers := append([]func(error){}, rt.onConnectError...)
	rt.cbMu.RUnlock()
	for _, h := range handlers {
		go h(err)
	}
}

func (rt *RealtimeClient) emitDisconnected(reason string) {
	rt.cbMu.RLock()
	handlers := append([]func(string){}, rt.onDisconnected...)
	rt.cbMu.RUnlock()
	for _, h := range handlers {
		go h(reason)
	}
}

func (rt *RealtimeClient) emitReconnecting(attempt int, delay time.Duration) {
	rt.cbMu.RLock()
	handlers := append([]func(int, time.Duration){}, rt.onReconnecting...)
	rt.cbMu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}
