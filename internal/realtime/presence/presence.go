// Package presence implements the Presence Tracker: it bumps a user's
// last_seen_at on attach and on every inbound frame, and broadcasts a
// presence event on every conversation the user belongs to: "online" on
// every attach, "offline" once the user's last local session detaches.
package presence

import (
	"context"
	"time"

	"github.com/wireloom/relaycore/internal/realtime/proto"
	"github.com/wireloom/relaycore/pkg/store"
)

// Publisher is the subset of the Fan-out Bus the tracker needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// LocalOracle answers whether a user still has another live session on this
// instance. Wired to the Connection Registry.
type LocalOracle interface {
	IsUserLocallyOnline(userID string) bool
}

// Tracker derives and broadcasts presence transitions.
type Tracker struct {
	store     store.Store
	publisher Publisher
	local     LocalOracle
	now       func() time.Time
}

// New constructs a Presence Tracker.
func New(s store.Store, publisher Publisher, local LocalOracle) *Tracker {
	return &Tracker{store: s, publisher: publisher, local: local, now: func() time.Time { return time.Now().UTC() }}
}

func (t *Tracker) broadcast(ctx context.Context, userID, status string, at time.Time) {
	conversationIDs, err := t.store.ListConversationIDsForUser(userID)
	if err != nil {
		return
	}
	event := proto.PresenceEvent{
		Type:       proto.ServerPresence,
		UserID:     userID,
		Status:     status,
		LastSeenAt: at,
	}
	payload, err := proto.Marshal(event)
	if err != nil {
		return
	}
	for _, conversationID := range conversationIDs {
		_ = t.publisher.Publish(ctx, conversationID, payload)
	}
}

// Attach records the user coming online and broadcasts "online" to every
// conversation they belong to. Called once per new connection.
func (t *Tracker) Attach(ctx context.Context, userID string) error {
	at := t.now()
	if err := t.store.TouchLastSeen(userID, at); err != nil {
		return err
	}
	t.broadcast(ctx, userID, "online", at)
	return nil
}

// Heartbeat refreshes last_seen_at on any inbound frame without emitting a
// presence event; the user was already known online.
func (t *Tracker) Heartbeat(userID string) error {
	return t.store.TouchLastSeen(userID, t.now())
}

// Detach records the disconnect and, only if the user has no other live
// session anywhere on this instance, broadcasts "offline". Remote instances
// are not consulted: presence is best-effort and eventually consistent
// across the fleet, exactly like last_seen_at itself.
func (t *Tracker) Detach(ctx context.Context, userID string) {
	if t.local != nil && t.local.IsUserLocallyOnline(userID) {
		return
	}
	at := t.now()
	if err := t.store.TouchLastSeen(userID, at); err != nil {
		return
	}
	t.broadcast(ctx, userID, "offline", at)
}

// IsUserOnline satisfies messaging.PresenceOracle: online if seen within the
// presence window, regardless of which instance last touched the row.
func (t *Tracker) IsUserOnline(userID string) bool {
	user, ok, err := t.store.GetUserByID(userID)
	if err != nil || !ok {
		return false
	}
	return user.IsOnline(t.now())
}
