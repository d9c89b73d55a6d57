// Package typing implements the Typing Relay: a purely transient fan-out of
// typing indicators. Nothing here is persisted; a typing frame that never
// reaches a peer live is simply lost, by design. The Durable Store is
// consulted only to authorise the sender against the conversation, the same
// membership check every other dispatcher template step performs.
package typing

import (
	"context"

	"github.com/wireloom/relaycore/internal/realtime/proto"
	"github.com/wireloom/relaycore/pkg/domain"
	"github.com/wireloom/relaycore/pkg/store"
)

// Publisher is the subset of the Fan-out Bus the relay needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Relay publishes typing indicators onto the Fan-out Bus for delivery to
// every instance subscribed to the conversation's topic.
type Relay struct {
	store     store.Store
	publisher Publisher
}

// New constructs a Typing Relay.
func New(s store.Store, publisher Publisher) *Relay {
	return &Relay{store: s, publisher: publisher}
}

// Relay publishes one typing event, attributing it to userID regardless of
// what (if anything) the client frame claims. Rejects callers who are not
// members of the conversation.
func (r *Relay) Relay(ctx context.Context, userID string, frame proto.TypingFrame) error {
	if _, ok, err := r.store.GetMembership(frame.ConversationID, userID); err != nil {
		return err
	} else if !ok {
		return domain.ErrForbidden
	}

	event := proto.TypingEvent{
		Type:           proto.ServerTyping,
		ConversationID: frame.ConversationID,
		UserID:         userID,
		IsTyping:       frame.IsTyping,
	}
	payload, err := proto.Marshal(event)
	if err != nil {
		return err
	}
	return r.publisher.Publish(ctx, frame.ConversationID, payload)
}
