// Package messaging implements the Message State Machine: validate,
// persist, and advance every message through its authoritative lifecycle,
// broadcasting each transition on the Fan-out Bus.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wireloom/relaycore/internal/realtime/proto"
	"github.com/wireloom/relaycore/pkg/domain"
	"github.com/wireloom/relaycore/pkg/store"
)

// Publisher is the subset of the Fan-out Bus the engine needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// PresenceOracle answers whether a user counts as online on any instance.
// The realtime app wires this to the Presence Tracker, which decides from
// the Durable Store's last_seen_at window alone.
type PresenceOracle interface {
	IsUserOnline(userID string) bool
}

// AttachmentResolver turns a stored object key into a short-lived, directly
// fetchable URL. The realtime app wires this to the object store; an
// attachment's persisted "URL" column is actually its storage key, resolved
// fresh on every hydrate so links can't be scraped once and reused forever.
// Delete removes the backing blob once its message is deleted.
type AttachmentResolver interface {
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
}

const attachmentURLExpiry = time.Hour

// Engine advances messages through send/edit/delete/read and emits the
// corresponding server events onto the Fan-out Bus.
type Engine struct {
	store       store.Store
	publisher   Publisher
	presence    PresenceOracle
	attachments AttachmentResolver
	now         func() time.Time
}

// New constructs a Message State Machine engine.
func New(s store.Store, publisher Publisher, presence PresenceOracle) *Engine {
	return &Engine{store: s, publisher: publisher, presence: presence, now: func() time.Time { return time.Now().UTC() }}
}

// WithAttachmentResolver wires an object store for presigning attachment
// URLs at hydrate time. Optional: without it, attachment URLs are passed
// through unresolved.
func (e *Engine) WithAttachmentResolver(r AttachmentResolver) *Engine {
	e.attachments = r
	return e
}

func (e *Engine) publish(ctx context.Context, topic string, event any) {
	payload, err := proto.Marshal(event)
	if err != nil {
		return
	}
	_ = e.publisher.Publish(ctx, topic, payload)
}

// AfterAck is returned by Send alongside the ack and performs the
// new_message publish (and, for non-channels, the delivery-receipt
// attempt). The dispatcher must invoke it only once the ack has already
// been written to the sender's socket, per spec.md §5's ordering guarantee:
// "the ack is written directly to the originating socket immediately after
// persist, prior to publish." It is nil when there is nothing to publish
// (validation failure, or a retried send that found an existing row).
type AfterAck func(ctx context.Context)

// Send validates membership and upserts the message keyed by its
// client-chosen id, returning an ack to write immediately. The caller must
// invoke the returned AfterAck (if non-nil) only after writing the ack to
// the sender's socket; AfterAck is what actually publishes new_message and
// attempts a delivery receipt.
func (e *Engine) Send(ctx context.Context, senderID string, frame proto.SendMessageFrame) (proto.MessageAckEvent, AfterAck) {
	if frame.ID == "" || frame.ConversationID == "" {
		return proto.NewMessageAckError(frame.ID, domain.Code(domain.ErrInvalidMessage)), nil
	}

	conversation, ok, err := e.store.GetConversation(frame.ConversationID)
	if err != nil {
		return proto.NewMessageAckError(frame.ID, "INTERNAL"), nil
	}
	if !ok {
		return proto.NewMessageAckError(frame.ID, domain.Code(domain.ErrNotFound)), nil
	}

	membership, ok, err := e.store.GetMembership(frame.ConversationID, senderID)
	if err != nil {
		return proto.NewMessageAckError(frame.ID, "INTERNAL"), nil
	}
	if !ok {
		return proto.NewMessageAckError(frame.ID, domain.Code(domain.ErrForbidden)), nil
	}
	if conversation.IsChannel() && membership.Role != domain.MemberRoleAdmin {
		return proto.NewMessageAckError(frame.ID, domain.Code(domain.ErrForbidden)), nil
	}

	msg := domain.Message{
		ID:             frame.ID,
		ConversationID: frame.ConversationID,
		SenderID:       senderID,
		Content:        frame.Content,
		Variant:        frame.Variant,
		ReplyToID:      frame.ReplyToID,
		AttachmentIDs:  frame.AttachmentIDs,
		CreatedAt:      e.now(),
	}
	stored, inserted, err := e.store.UpsertMessage(msg)
	if err != nil {
		if err == domain.ErrSenderMismatch {
			return proto.NewMessageAckError(frame.ID, domain.Code(err)), nil
		}
		return proto.NewMessageAckError(frame.ID, "INTERNAL"), nil
	}

	if err := e.store.TouchConversation(frame.ConversationID, e.now()); err != nil {
		// Non-fatal: the message is already durable. A trigger on the
		// Durable Store also bumps this on insert as a second line of
		// defense.
		_ = err
	}

	ack := proto.NewMessageAckOK(stored.ID, stored.CreatedAt)
	if !inserted {
		return ack, nil
	}

	afterAck := func(ctx context.Context) {
		view := e.hydrate(ctx, stored)
		e.publish(ctx, frame.ConversationID, proto.NewNewMessageEvent(view))
		if !conversation.IsChannel() {
			e.tryDeliver(ctx, conversation, stored, senderID)
		}
	}
	return ack, afterAck
}

// tryDeliver sets delivered_at the first time another member is observed
// online, per spec.md's "immediately after publishing new_message".
func (e *Engine) tryDeliver(ctx context.Context, conversation domain.Conversation, msg domain.Message, senderID string) {
	members, err := e.store.ListMembers(conversation.ID)
	if err != nil {
		return
	}
	anyoneOnline := false
	for _, m := range members {
		if m.UserID == senderID {
			continue
		}
		if e.presence != nil && e.presence.IsUserOnline(m.UserID) {
			anyoneOnline = true
			break
		}
	}
	if !anyoneOnline {
		return
	}
	e.markDelivered(ctx, conversation.ID, msg.ID)
}

func (e *Engine) markDelivered(ctx context.Context, conversationID, messageID string) {
	at := e.now()
	changed, err := e.store.SetDeliveredAt(messageID, at)
	if err != nil || !changed {
		return
	}
	e.publish(ctx, conversationID, proto.DeliveryReceiptEvent{
		Type:           proto.ServerDeliveryReceipt,
		ConversationID: conversationID,
		MessageID:      messageID,
		DeliveredAt:    at,
	})
}

// Read advances read_at (and, if unset, delivered_at) for one message and
// records the reader's high-water mark on the membership. Idempotent:
// repeat calls with the same messageID produce no further broadcast.
func (e *Engine) Read(ctx context.Context, readerID string, frame proto.ReadFrame) error {
	if _, ok, err := e.store.GetMembership(frame.ConversationID, readerID); err != nil {
		return fmt.Errorf("check membership: %w", err)
	} else if !ok {
		return domain.ErrForbidden
	}

	if err := e.store.SetLastReadMessageID(frame.ConversationID, readerID, frame.MessageID); err != nil {
		return fmt.Errorf("set last read: %w", err)
	}

	at := e.now()
	// Reading implies delivery: if delivered_at is still null, set both to
	// the same timestamp before attempting the read guard.
	_, _ = e.store.SetDeliveredAt(frame.MessageID, at)
	changed, err := e.store.SetReadAt(frame.MessageID, at)
	if err != nil {
		return fmt.Errorf("set read at: %w", err)
	}
	if !changed {
		return nil
	}
	e.publish(ctx, frame.ConversationID, proto.ReadReceiptEvent{
		Type:           proto.ServerReadReceipt,
		ConversationID: frame.ConversationID,
		UserID:         readerID,
		MessageID:      frame.MessageID,
		ReadAt:         at,
	})
	return nil
}

// Edit updates a text message's content within the edit window, sender only.
func (e *Engine) Edit(ctx context.Context, editorID string, frame proto.EditMessageFrame) error {
	msg, ok, err := e.store.GetMessage(frame.ID)
	if err != nil {
		return fmt.Errorf("get message: %w", err)
	}
	if !ok {
		return domain.ErrNotFound
	}
	if msg.SenderID != editorID {
		return domain.ErrForbidden
	}
	if !msg.Editable(e.now()) {
		return domain.ErrConflict
	}
	updated, err := e.store.EditMessage(frame.ID, frame.Content, e.now())
	if err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	e.publish(ctx, updated.ConversationID, proto.MessageUpdatedEvent{
		Type:           proto.ServerMessageUpdated,
		ID:             updated.ID,
		ConversationID: updated.ConversationID,
		Content:        updated.Content,
		EditedAt:       *updated.EditedAt,
	})
	return nil
}

// Delete soft-deletes a message, sender only. Lifecycle timestamps survive.
func (e *Engine) Delete(ctx context.Context, requesterID string, frame proto.DeleteMessageFrame) error {
	msg, ok, err := e.store.GetMessage(frame.ID)
	if err != nil {
		return fmt.Errorf("get message: %w", err)
	}
	if !ok {
		return domain.ErrNotFound
	}
	if msg.SenderID != requesterID {
		return domain.ErrForbidden
	}
	deleted, err := e.store.DeleteMessage(frame.ID, e.now())
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	e.deleteAttachments(ctx, msg.AttachmentIDs)
	e.publish(ctx, deleted.ConversationID, proto.MessageDeletedEvent{
		Type:           proto.ServerMessageDeleted,
		ID:             deleted.ID,
		ConversationID: deleted.ConversationID,
	})
	return nil
}

// deleteAttachments best-effort purges the blobs backing a deleted message.
// The message row is already tombstoned; a failure here leaves an orphaned object
// rather than blocking the delete the sender already sees acknowledged.
func (e *Engine) deleteAttachments(ctx context.Context, attachmentIDs []string) {
	if e.attachments == nil || len(attachmentIDs) == 0 {
		return
	}
	attachments, err := e.store.GetAttachmentsByIDs(attachmentIDs)
	if err != nil {
		slog.Warn("load attachments for delete failed", "err", err)
		return
	}
	for _, att := range attachments {
		if err := e.attachments.Delete(ctx, att.URL); err != nil {
			slog.Warn("attachment blob delete failed", "attachmentId", att.ID, "err", err)
		}
	}
}

// ReconcileDelivery implements Reconciliation on Fetch (spec.md §4.7): on
// reconnect/subscribe, any conversation message with no delivered_at yet,
// where the reconnecting user is a recipient, gets one now. Channels never
// produce delivery receipts (spec.md §4.4/§4.7), matching Send's own
// tryDeliver, which never marks a channel message delivered in the first
// place.
func (e *Engine) ReconcileDelivery(ctx context.Context, conversationID, recipientID string) {
	conversation, ok, err := e.store.GetConversation(conversationID)
	if err != nil || !ok || conversation.IsChannel() {
		return
	}
	pending, err := e.store.ListUndeliveredForRecipient(conversationID, recipientID)
	if err != nil {
		return
	}
	for _, msg := range pending {
		e.markDelivered(ctx, conversationID, msg.ID)
	}
}

func (e *Engine) hydrate(ctx context.Context, msg domain.Message) proto.MessageView {
	view := proto.MessageView{Message: msg}
	if len(msg.AttachmentIDs) == 0 {
		return view
	}
	attachments, err := e.store.GetAttachmentsByIDs(msg.AttachmentIDs)
	if err != nil {
		return view
	}
	if e.attachments != nil {
		for i, att := range attachments {
			if url, err := e.attachments.PresignGet(ctx, att.URL, attachmentURLExpiry); err == nil {
				attachments[i].URL = url
			}
		}
	}
	view.Attachments = attachments
	return view
}
