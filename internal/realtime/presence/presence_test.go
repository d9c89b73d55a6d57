package presence

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wireloom/relaycore/pkg/domain"
	"github.com/wireloom/relaycore/pkg/store"
)

type fakeStore struct {
	mu          sync.Mutex
	users       map[string]domain.User
	memberships map[string][]string // userID -> conversationIDs
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: make(map[string]domain.User), memberships: make(map[string][]string)}
}

func (s *fakeStore) TouchLastSeen(userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[userID]
	u.ID = userID
	u.LastSeenAt = at
	s.users[userID] = u
	return nil
}

func (s *fakeStore) GetUserByID(id string) (domain.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok, nil
}

func (s *fakeStore) ListConversationIDsForUser(userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memberships[userID], nil
}

// storeStub satisfies store.Store by embedding the (nil) interface for
// methods the tracker never calls, and forwarding the three it does to a
// fakeStore.
type storeStub struct {
	store.Store
	fs *fakeStore
}

func (s storeStub) TouchLastSeen(userID string, at time.Time) error {
	return s.fs.TouchLastSeen(userID, at)
}
func (s storeStub) GetUserByID(id string) (domain.User, bool, error) { return s.fs.GetUserByID(id) }
func (s storeStub) ListConversationIDsForUser(userID string) ([]string, error) {
	return s.fs.ListConversationIDsForUser(userID)
}

type fakePublisher struct {
	mu        sync.Mutex
	published []string // topic + payload joined
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, topic+"|"+string(payload))
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func (p *fakePublisher) containsAll(sub string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.published) == 0 {
		return false
	}
	for _, entry := range p.published {
		if !strings.Contains(entry, sub) {
			return false
		}
	}
	return true
}

type fakeLocal struct {
	online map[string]bool
}

func (l fakeLocal) IsUserLocallyOnline(userID string) bool { return l.online[userID] }

func TestAttachTouchesLastSeenAndBroadcastsOnlineToAllConversations(t *testing.T) {
	fs := newFakeStore()
	fs.memberships["u1"] = []string{"c1", "c2"}
	pub := &fakePublisher{}
	tracker := New(storeStub{fs: fs}, pub, nil)
	tracker.now = func() time.Time { return time.Unix(1000, 0).UTC() }

	if err := tracker.Attach(context.Background(), "u1"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if pub.count() != 2 {
		t.Fatalf("published to %d topics, want 2", pub.count())
	}
	if !pub.containsAll(`"online"`) {
		t.Fatal("expected online status in every published event")
	}
}

func TestDetachSkipsBroadcastWhenUserStillLocallyOnline(t *testing.T) {
	fs := newFakeStore()
	fs.memberships["u1"] = []string{"c1"}
	pub := &fakePublisher{}
	tracker := New(storeStub{fs: fs}, pub, fakeLocal{online: map[string]bool{"u1": true}})
	tracker.now = func() time.Time { return time.Unix(1000, 0).UTC() }

	tracker.Detach(context.Background(), "u1")
	if pub.count() != 0 {
		t.Fatalf("published %d events, want 0 while another session remains", pub.count())
	}
}

func TestDetachBroadcastsOfflineWhenNoLocalSessionRemains(t *testing.T) {
	fs := newFakeStore()
	fs.memberships["u1"] = []string{"c1"}
	pub := &fakePublisher{}
	tracker := New(storeStub{fs: fs}, pub, fakeLocal{online: map[string]bool{}})
	tracker.now = func() time.Time { return time.Unix(2000, 0).UTC() }

	tracker.Detach(context.Background(), "u1")
	if pub.count() != 1 {
		t.Fatalf("published %d events, want 1", pub.count())
	}
	if !pub.containsAll(`"offline"`) {
		t.Fatal("expected offline status")
	}
}

func TestIsUserOnlineReflectsPresenceWindow(t *testing.T) {
	fs := newFakeStore()
	now := time.Unix(10_000, 0).UTC()
	fs.users["u1"] = domain.User{ID: "u1", LastSeenAt: now.Add(-5 * time.Second)}
	fs.users["u2"] = domain.User{ID: "u2", LastSeenAt: now.Add(-60 * time.Second)}
	tracker := New(storeStub{fs: fs}, nil, nil)
	tracker.now = func() time.Time { return now }

	if !tracker.IsUserOnline("u1") {
		t.Fatal("u1 seen 5s ago should be online")
	}
	if tracker.IsUserOnline("u2") {
		t.Fatal("u2 seen 60s ago should be offline")
	}
	if tracker.IsUserOnline("unknown") {
		t.Fatal("unknown user should be offline")
	}
}
