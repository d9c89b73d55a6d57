// Package reactions implements the Reaction Store: a react frame with a
// non-nil emoji upserts one reaction per (message, user); a nil emoji
// removes it. Every change broadcasts reaction_updated on the message's
// conversation.
package reactions

import (
	"context"
	"time"

	"github.com/wireloom/relaycore/internal/realtime/proto"
	"github.com/wireloom/relaycore/pkg/domain"
	"github.com/wireloom/relaycore/pkg/store"
)

// Publisher is the subset of the Fan-out Bus the store needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Store handles react frames against the Durable Store.
type Store struct {
	store     store.Store
	publisher Publisher
	now       func() time.Time
}

// New constructs a Reaction Store.
func New(s store.Store, publisher Publisher) *Store {
	return &Store{store: s, publisher: publisher, now: func() time.Time { return time.Now().UTC() }}
}

// React upserts or removes the caller's reaction on a message, provided they
// belong to the message's conversation, then broadcasts the result.
func (r *Store) React(ctx context.Context, userID string, frame proto.ReactFrame) error {
	msg, ok, err := r.store.GetMessage(frame.MessageID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotFound
	}
	if _, ok, err := r.store.GetMembership(msg.ConversationID, userID); err != nil {
		return err
	} else if !ok {
		return domain.ErrForbidden
	}

	if frame.Emoji == nil {
		if err := r.store.DeleteReaction(frame.MessageID, userID); err != nil {
			return err
		}
	} else {
		reaction := domain.Reaction{
			MessageID: frame.MessageID,
			UserID:    userID,
			Emoji:     *frame.Emoji,
			CreatedAt: r.now(),
		}
		if err := r.store.UpsertReaction(reaction); err != nil {
			return err
		}
	}

	event := proto.ReactionUpdatedEvent{
		Type:           proto.ServerReactionUpdated,
		MessageID:      frame.MessageID,
		ConversationID: msg.ConversationID,
		UserID:         userID,
		Emoji:          frame.Emoji,
	}
	payload, err := proto.Marshal(event)
	if err != nil {
		return err
	}
	return r.publisher.Publish(ctx, msg.ConversationID, payload)
}
