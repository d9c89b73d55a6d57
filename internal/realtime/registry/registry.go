// Package registry implements the per-instance Connection Registry: the
// process-local index of live sessions by user and by subscribed
// conversation. It never persists state; a crashed instance's sessions
// simply vanish from the index.
package registry

import "sync"

// Session is anything the registry can fan events out to. wsproto.Conn
// implements this.
type Session interface {
	// UserID identifies the authenticated user bound to this session.
	UserID() string
	// Send enqueues raw bytes for delivery on this session's socket. It must
	// never block the caller; a full send queue closes the session instead.
	Send(payload []byte) bool
}

// TopicTransition reports whether a topic's local-subscriber count crossed
// zero in either direction, driving the Fan-out Bus's subscribe/unsubscribe.
type TopicTransition int

const (
	// NoTransition means the topic's subscription state to the bus is unchanged.
	NoTransition TopicTransition = iota
	// BecameSubscribed means this was the first local subscriber for the topic.
	BecameSubscribed
	// BecameUnsubscribed means the last local subscriber for the topic just left.
	BecameUnsubscribed
)

type userBucket struct {
	mu       sync.RWMutex
	sessions map[Session]struct{}
}

type topicBucket struct {
	mu       sync.RWMutex
	sessions map[Session]struct{}
}

// Registry is the per-instance Connection & Subscription Registry.
type Registry struct {
	usersMu sync.RWMutex
	users   map[string]*userBucket

	topicsMu sync.RWMutex
	topics   map[string]*topicBucket

	subsMu sync.Mutex
	subs   map[Session]map[string]struct{} // session -> subscribed conversation ids, for detach cleanup
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{
		users:  make(map[string]*userBucket),
		topics: make(map[string]*topicBucket),
		subs:   make(map[Session]map[string]struct{}),
	}
}

// Attach registers a session for a user after auth succeeds.
func (r *Registry) Attach(session Session) {
	userID := session.UserID()
	r.usersMu.Lock()
	bucket, ok := r.users[userID]
	if !ok {
		bucket = &userBucket{sessions: make(map[Session]struct{})}
		r.users[userID] = bucket
	}
	r.usersMu.Unlock()

	bucket.mu.Lock()
	bucket.sessions[session] = struct{}{}
	bucket.mu.Unlock()

	r.subsMu.Lock()
	r.subs[session] = make(map[string]struct{})
	r.subsMu.Unlock()
}

// Subscribe adds session to each conversation topic's local index. The
// returned map reports, per conversationID, whether this subscription
// caused a 0→1 transition that the caller must reflect on the Fan-out Bus.
func (r *Registry) Subscribe(session Session, conversationIDs []string) map[string]TopicTransition {
	out := make(map[string]TopicTransition, len(conversationIDs))
	for _, topic := range conversationIDs {
		out[topic] = r.subscribeOne(session, topic)
	}
	return out
}

func (r *Registry) subscribeOne(session Session, topic string) TopicTransition {
	r.topicsMu.Lock()
	bucket, ok := r.topics[topic]
	if !ok {
		bucket = &topicBucket{sessions: make(map[Session]struct{})}
		r.topics[topic] = bucket
	}
	r.topicsMu.Unlock()

	bucket.mu.Lock()
	wasEmpty := len(bucket.sessions) == 0
	_, already := bucket.sessions[session]
	bucket.sessions[session] = struct{}{}
	bucket.mu.Unlock()

	r.subsMu.Lock()
	if r.subs[session] != nil {
		r.subs[session][topic] = struct{}{}
	}
	r.subsMu.Unlock()

	if already {
		return NoTransition
	}
	if wasEmpty {
		return BecameSubscribed
	}
	return NoTransition
}

// Unsubscribe removes session from each conversation topic's local index.
// The returned map reports, per conversationID, whether the topic's local
// set became empty (the caller must release the bus subscription).
func (r *Registry) Unsubscribe(session Session, conversationIDs []string) map[string]TopicTransition {
	out := make(map[string]TopicTransition, len(conversationIDs))
	for _, topic := range conversationIDs {
		out[topic] = r.unsubscribeOne(session, topic)
	}
	return out
}

func (r *Registry) unsubscribeOne(session Session, topic string) TopicTransition {
	r.topicsMu.RLock()
	bucket, ok := r.topics[topic]
	r.topicsMu.RUnlock()

	r.subsMu.Lock()
	if r.subs[session] != nil {
		delete(r.subs[session], topic)
	}
	r.subsMu.Unlock()

	if !ok {
		return NoTransition
	}

	bucket.mu.Lock()
	if _, present := bucket.sessions[session]; !present {
		bucket.mu.Unlock()
		return NoTransition
	}
	delete(bucket.sessions, session)
	becameEmpty := len(bucket.sessions) == 0
	bucket.mu.Unlock()

	if becameEmpty {
		return BecameUnsubscribed
	}
	return NoTransition
}

// Detach removes session from both indices. It returns the set of
// conversation topics that lost their last local subscriber, and whether
// the user has any remaining local session (false ⇒ candidate for an
// offline presence broadcast).
func (r *Registry) Detach(session Session) (emptiedTopics []string, userStillLocal bool) {
	r.subsMu.Lock()
	topics := r.subs[session]
	delete(r.subs, session)
	r.subsMu.Unlock()

	for topic := range topics {
		if r.unsubscribeOne(session, topic) == BecameUnsubscribed {
			emptiedTopics = append(emptiedTopics, topic)
		}
	}

	userID := session.UserID()
	r.usersMu.RLock()
	bucket, ok := r.users[userID]
	r.usersMu.RUnlock()
	if !ok {
		return emptiedTopics, false
	}
	bucket.mu.Lock()
	delete(bucket.sessions, session)
	remaining := len(bucket.sessions)
	bucket.mu.Unlock()
	return emptiedTopics, remaining > 0
}

// IsUserLocallyOnline reports whether the user has at least one live
// session on this instance.
func (r *Registry) IsUserLocallyOnline(userID string) bool {
	r.usersMu.RLock()
	bucket, ok := r.users[userID]
	r.usersMu.RUnlock()
	if !ok {
		return false
	}
	bucket.mu.RLock()
	defer bucket.mu.RUnlock()
	return len(bucket.sessions) > 0
}

// LocalSessionsForUser returns the live sessions for a user on this instance.
func (r *Registry) LocalSessionsForUser(userID string) []Session {
	r.usersMu.RLock()
	bucket, ok := r.users[userID]
	r.usersMu.RUnlock()
	if !ok {
		return nil
	}
	bucket.mu.RLock()
	defer bucket.mu.RUnlock()
	out := make([]Session, 0, len(bucket.sessions))
	for s := range bucket.sessions {
		out = append(out, s)
	}
	return out
}

// BroadcastLocal writes payload to every session currently subscribed to
// topic on this instance. It is the only local fan-out primitive; remote
// delivery happens via the Fan-out Bus republishing into this same method
// on every other instance.
func (r *Registry) BroadcastLocal(topic string, payload []byte) {
	r.topicsMu.RLock()
	bucket, ok := r.topics[topic]
	r.topicsMu.RUnlock()
	if !ok {
		return
	}
	bucket.mu.RLock()
	sessions := make([]Session, 0, len(bucket.sessions))
	for s := range bucket.sessions {
		sessions = append(sessions, s)
	}
	bucket.mu.RUnlock()
	for _, s := range sessions {
		s.Send(payload)
	}
}
