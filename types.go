package campusmatch

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error response from the CampusMatch API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is an APIError for a resource the server
// never persisted. Deleting an unconfirmed message produces this class.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusNotFound || apiErr.Code == "NOT_FOUND"
	}
	return false
}

// Package sentinels.
var (
	// ErrNotConnected is returned by realtime commands when no live
	// transport exists.
	ErrNotConnected = errors.New("campusmatch: realtime not connected")
	// ErrSessionClosed is returned by session intents after Close.
	ErrSessionClosed = errors.New("campusmatch: conversation session closed")
)

// ============================================================================
// Messages
// ============================================================================

// DeliveryState is the derived per-message lifecycle state.
type DeliveryState string

const (
	// DeliveryPending means the message exists only locally: it carries a
	// localId but no server-assigned id yet.
	DeliveryPending DeliveryState = "pending"
	// DeliverySent means the server confirmed persistence.
	DeliverySent DeliveryState = "sent"
	// DeliverySeen means the recipient acknowledged reading.
	DeliverySeen DeliveryState = "seen"
)

// Message is a single chat message in a two-party conversation (a "match").
type Message struct {
	// ID is assigned by the server once persisted; empty while pending.
	ID string `json:"id,omitempty"`
	// LocalID is the client-generated correlation token, unique per send
	// attempt. The server echoes it back on the confirming event.
	LocalID        string `json:"localId,omitempty"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
	// ReplyTo references another message by id or localId. Weak reference:
	// it may dangle if the target was deleted.
	ReplyTo   string    `json:"replyTo,omitempty"`
	Seen      bool      `json:"seen"`
	CreatedAt time.Time `json:"createdAt"`
}

// Pending reports whether the message has not been confirmed by the server.
func (m Message) Pending() bool {
	return m.ID == ""
}

// DeliveryState derives the lifecycle state. It is never stored or
// transmitted verbatim.
func (m Message) DeliveryState() DeliveryState {
	switch {
	case m.ID == "":
		return DeliveryPending
	case m.Seen:
		return DeliverySeen
	default:
		return DeliverySent
	}
}

// ref returns the stable lookup key for the message: server id when
// confirmed, localId otherwise.
func (m Message) ref() string {
	if m.ID != "" {
		return m.ID
	}
	return m.LocalID
}

// DayGroup is one calendar day of messages, for the grouped read model.
type DayGroup struct {
	Day      time.Time
	Messages []Message
}

// SendMessageRequest is the payload for the HTTP send-message fallback.
type SendMessageRequest struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	LocalID        string `json:"localId"`
	ReplyTo        string `json:"replyTo,omitempty"`
}

// ============================================================================
// Notices
// ============================================================================

// NoticeKind classifies a transient, dismissible failure notice.
type NoticeKind string

const (
	NoticeSendFailed   NoticeKind = "send_failed"
	NoticeDeleteFailed NoticeKind = "delete_failed"
	NoticeClearFailed  NoticeKind = "clear_failed"
	NoticeSeenFailed   NoticeKind = "seen_failed"
	NoticeReportFailed NoticeKind = "report_failed"
	NoticeBlockFailed  NoticeKind = "block_failed"
)

// Notice is a non-fatal failure surfaced to the UI. The affected message, if
// any, is identified by LocalID and remains pending and resendable.
type Notice struct {
	Kind    NoticeKind
	Text    string
	LocalID string
}

func trimContent(content string) string {
	return strings.TrimSpace(content)
}
