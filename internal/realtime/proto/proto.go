// Package proto defines the WebSocket wire types exchanged between clients
// and the realtime core: one JSON object per frame, a "type" discriminator
// plus type-specific fields at the top level (no envelope nesting).
package proto

import (
	"encoding/json"
	"time"

	"github.com/wireloom/relaycore/pkg/domain"
)

// Client → server event type discriminators.
const (
	ClientPing            = "ping"
	ClientSubscribe       = "subscribe"
	ClientUnsubscribe     = "unsubscribe"
	ClientSendMessage     = "send_message"
	ClientEditMessage     = "edit_message"
	ClientDeleteMessage   = "delete_message"
	ClientTyping          = "typing"
	ClientRead            = "read"
	ClientReact           = "react"
)

// Server → client event type discriminators.
const (
	ServerPong             = "pong"
	ServerMessageAck       = "message_ack"
	ServerNewMessage       = "new_message"
	ServerMessageUpdated   = "message_updated"
	ServerMessageDeleted   = "message_deleted"
	ServerDeliveryReceipt  = "delivery_receipt"
	ServerReadReceipt      = "read_receipt"
	ServerTyping           = "typing"
	ServerPresence         = "presence"
	ServerReactionUpdated  = "reaction_updated"
	ServerError            = "error"
)

// Envelope is used only to sniff the "type" field of an inbound frame before
// decoding it into its specific shape.
type Envelope struct {
	Type string `json:"type"`
}

// Inbound client event payloads.

type SubscribeFrame struct {
	ConversationIDs []string `json:"conversationIds"`
}

type UnsubscribeFrame struct {
	ConversationIDs []string `json:"conversationIds"`
}

type SendMessageFrame struct {
	ID             string                `json:"id"`
	ConversationID string                `json:"conversationId"`
	Content        string                `json:"content,omitempty"`
	Variant        domain.MessageVariant `json:"type"`
	ReplyToID      string                `json:"replyToId,omitempty"`
	AttachmentIDs  []string              `json:"attachmentIds,omitempty"`
}

type EditMessageFrame struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

type DeleteMessageFrame struct {
	ID string `json:"id"`
}

type TypingFrame struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type ReadFrame struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type ReactFrame struct {
	MessageID string  `json:"messageId"`
	Emoji     *string `json:"emoji"`
}

// Outbound server event payloads. Each carries its own "type" field so it
// can be marshaled directly as the whole frame.

type PongEvent struct {
	Type string `json:"type"`
}

func NewPongEvent() PongEvent { return PongEvent{Type: ServerPong} }

type MessageAckEvent struct {
	Type         string     `json:"type"`
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	Timestamp    *time.Time `json:"timestamp,omitempty"`
	Error        string     `json:"error,omitempty"`
	RetryAfterMs int64      `json:"retryAfterMs,omitempty"`
}

func NewMessageAckOK(id string, createdAt time.Time) MessageAckEvent {
	return MessageAckEvent{Type: ServerMessageAck, ID: id, Status: "ok", Timestamp: &createdAt}
}

func NewMessageAckError(id, code string) MessageAckEvent {
	return MessageAckEvent{Type: ServerMessageAck, ID: id, Status: "error", Error: code}
}

// NewMessageAckRateLimited builds a RATE_LIMITED error ack carrying how long
// until the current fixed window rolls over. The message path applies no
// send quota, so the dispatcher never emits this ack.
func NewMessageAckRateLimited(id string, retryAfter time.Duration) MessageAckEvent {
	return MessageAckEvent{Type: ServerMessageAck, ID: id, Status: "error", Error: "RATE_LIMITED", RetryAfterMs: retryAfter.Milliseconds()}
}

// MessageView is a message as broadcast on the wire: sender, attachments and
// reactions denormalized alongside the authoritative lifecycle timestamps.
type MessageView struct {
	domain.Message
	Attachments []domain.Attachment `json:"attachments,omitempty"`
	Reactions   []domain.Reaction   `json:"reactions,omitempty"`
}

type NewMessageEvent struct {
	Type string `json:"type"`
	MessageView
}

func NewNewMessageEvent(view MessageView) NewMessageEvent {
	return NewMessageEvent{Type: ServerNewMessage, MessageView: view}
}

type MessageUpdatedEvent struct {
	Type           string    `json:"type"`
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Content        string    `json:"content"`
	EditedAt       time.Time `json:"editedAt"`
}

type MessageDeletedEvent struct {
	Type           string `json:"type"`
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
}

type DeliveryReceiptEvent struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	DeliveredAt    time.Time `json:"deliveredAt"`
}

type ReadReceiptEvent struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	MessageID      string    `json:"messageId"`
	ReadAt         time.Time `json:"readAt"`
}

type TypingEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

type PresenceEvent struct {
	Type       string    `json:"type"`
	UserID     string    `json:"userId"`
	Status     string    `json:"status"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

type ReactionUpdatedEvent struct {
	Type           string  `json:"type"`
	MessageID      string  `json:"messageId"`
	ConversationID string  `json:"conversationId"`
	UserID         string  `json:"userId"`
	Emoji          *string `json:"emoji"`
}

type ErrorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewErrorEvent(code, message string) ErrorEvent {
	return ErrorEvent{Type: ServerError, Code: code, Message: message}
}

// Marshal encodes any outbound event struct to its wire bytes.
func Marshal(event any) ([]byte, error) {
	return json.Marshal(event)
}
