package messaging

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wireloom/relaycore/internal/realtime/proto"
	"github.com/wireloom/relaycore/pkg/domain"
)

// memoryStore is a minimal in-memory implementation of store.Store good
// enough to drive the state machine's decision logic in tests.
type memoryStore struct {
	mu            sync.Mutex
	conversations map[string]domain.Conversation
	memberships   map[string]domain.Membership // conversationID+"/"+userID
	messages      map[string]domain.Message
	attachments   map[string]domain.Attachment
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		conversations: make(map[string]domain.Conversation),
		memberships:   make(map[string]domain.Membership),
		messages:      make(map[string]domain.Message),
		attachments:   make(map[string]domain.Attachment),
	}
}

func memberKey(conversationID, userID string) string { return conversationID + "/" + userID }

func (m *memoryStore) addConversation(c domain.Conversation) { m.conversations[c.ID] = c }
func (m *memoryStore) addMember(conversationID, userID string, role domain.MembershipRole) {
	m.memberships[memberKey(conversationID, userID)] = domain.Membership{
		ConversationID: conversationID, UserID: userID, Role: role, JoinedAt: time.Now().UTC(),
	}
}

func (m *memoryStore) SaveUser(domain.User) error                        { return nil }
func (m *memoryStore) HasUserEmail(string) (bool, error)                 { return false, nil }
func (m *memoryStore) GetUserByEmail(string) (domain.User, bool, error)  { return domain.User{}, false, nil }
func (m *memoryStore) GetUserByID(string) (domain.User, bool, error)     { return domain.User{}, false, nil }
func (m *memoryStore) ListUsers() ([]domain.User, error)                 { return nil, nil }
func (m *memoryStore) UserCount() (int, error)                           { return 0, nil }
func (m *memoryStore) TouchLastSeen(string, time.Time) error             { return nil }

func (m *memoryStore) SaveConversation(c domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[c.ID] = c
	return nil
}
func (m *memoryStore) GetConversation(id string) (domain.Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	return c, ok, nil
}
func (m *memoryStore) TouchConversation(id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil
	}
	c.UpdatedAt = at
	m.conversations[id] = c
	return nil
}
func (m *memoryStore) AddMembership(mem domain.Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memberships[memberKey(mem.ConversationID, mem.UserID)] = mem
	return nil
}
func (m *memoryStore) GetMembership(conversationID, userID string) (domain.Membership, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.memberships[memberKey(conversationID, userID)]
	return mem, ok, nil
}
func (m *memoryStore) ListMembers(conversationID string) ([]domain.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Membership
	for _, mem := range m.memberships {
		if mem.ConversationID == conversationID {
			out = append(out, mem)
		}
	}
	return out, nil
}
func (m *memoryStore) ListConversationIDsForUser(userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, mem := range m.memberships {
		if mem.UserID == userID {
			out = append(out, mem.ConversationID)
		}
	}
	return out, nil
}
func (m *memoryStore) SetLastReadMessageID(conversationID, userID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memberKey(conversationID, userID)
	mem := m.memberships[key]
	mem.LastReadMessageID = messageID
	m.memberships[key] = mem
	return nil
}

func (m *memoryStore) CreateInviteToken(domain.InviteToken) error { return nil }
func (m *memoryStore) GetInviteToken(string) (domain.InviteToken, bool, error) {
	return domain.InviteToken{}, false, nil
}

func (m *memoryStore) UpsertMessage(msg domain.Message) (domain.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.messages[msg.ID]
	if ok {
		if existing.SenderID != msg.SenderID || existing.ConversationID != msg.ConversationID {
			return domain.Message{}, false, domain.ErrSenderMismatch
		}
		return existing, false, nil
	}
	m.messages[msg.ID] = msg
	return msg, true, nil
}
func (m *memoryStore) GetMessage(id string) (domain.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	return msg, ok, nil
}
func (m *memoryStore) ListMessages(conversationID string, before time.Time, limit int) ([]domain.Message, error) {
	return nil, nil
}
func (m *memoryStore) ListUndeliveredForRecipient(conversationID, recipientID string) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID && msg.DeliveredAt == nil && msg.SenderID != recipientID {
			out = append(out, msg)
		}
	}
	return out, nil
}
func (m *memoryStore) SetDeliveredAt(messageID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok || msg.DeliveredAt != nil {
		return false, nil
	}
	msg.DeliveredAt = &at
	m.messages[messageID] = msg
	return true, nil
}
func (m *memoryStore) SetReadAt(messageID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok || msg.ReadAt != nil || msg.DeliveredAt == nil {
		return false, nil
	}
	msg.ReadAt = &at
	m.messages[messageID] = msg
	return true, nil
}
func (m *memoryStore) EditMessage(id, content string, editedAt time.Time) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.messages[id]
	msg.Content = content
	msg.EditedAt = &editedAt
	m.messages[id] = msg
	return msg, nil
}
func (m *memoryStore) DeleteMessage(id string, deletedAt time.Time) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.messages[id]
	msg.DeletedAt = &deletedAt
	m.messages[id] = msg
	return msg, nil
}

func (m *memoryStore) UpsertReaction(domain.Reaction) error         { return nil }
func (m *memoryStore) DeleteReaction(string, string) error          { return nil }
func (m *memoryStore) GetAttachmentsByIDs(ids []string) ([]domain.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Attachment
	for _, id := range ids {
		if a, ok := m.attachments[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []publishedEvent
}

type publishedEvent struct {
	topic   string
	payload []byte
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, publishedEvent{topic: topic, payload: payload})
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func (p *fakePublisher) last() publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published[len(p.published)-1]
}

type fakePresence struct {
	online map[string]bool
}

func (f *fakePresence) IsUserOnline(userID string) bool { return f.online[userID] }

func setup(t *testing.T) (*Engine, *memoryStore, *fakePublisher) {
	t.Helper()
	s := newMemoryStore()
	s.addConversation(domain.Conversation{ID: "c_1", Variant: domain.ConversationDirect})
	s.addMember("c_1", "u_a", domain.MemberRoleMember)
	s.addMember("c_1", "u_b", domain.MemberRoleMember)
	pub := &fakePublisher{}
	presence := &fakePresence{online: map[string]bool{"u_b": true}}
	e := New(s, pub, presence)
	return e, s, pub
}

// send is the test helper standing in for the dispatcher: it invokes Send
// and then, matching spec.md §5's "ack before publish" ordering, applies
// AfterAck only once the ack has been observed.
func send(e *Engine, senderID string, frame proto.SendMessageFrame) proto.MessageAckEvent {
	ack, afterAck := e.Send(context.Background(), senderID, frame)
	if afterAck != nil {
		afterAck(context.Background())
	}
	return ack
}

func TestSendCreatesMessageAndBroadcasts(t *testing.T) {
	e, s, pub := setup(t)
	ack := send(e, "u_a", proto.SendMessageFrame{
		ID: "m_1", ConversationID: "c_1", Content: "hi", Variant: domain.MessageText,
	})
	if ack.Status != "ok" {
		t.Fatalf("ack status = %q, want ok", ack.Status)
	}
	if _, ok, _ := s.GetMessage("m_1"); !ok {
		t.Fatal("expected message persisted")
	}
	if pub.count() < 1 {
		t.Fatal("expected at least one broadcast")
	}
}

func TestSendAcksBeforePublishing(t *testing.T) {
	e, _, pub := setup(t)
	ack, afterAck := e.Send(context.Background(), "u_a", proto.SendMessageFrame{
		ID: "m_order", ConversationID: "c_1", Content: "hi", Variant: domain.MessageText,
	})
	if ack.Status != "ok" {
		t.Fatalf("ack status = %q, want ok", ack.Status)
	}
	if pub.count() != 0 {
		t.Fatal("expected no publish before AfterAck is invoked")
	}
	if afterAck == nil {
		t.Fatal("expected a non-nil AfterAck for a newly inserted message")
	}
	afterAck(context.Background())
	if pub.count() < 1 {
		t.Fatal("expected AfterAck to publish new_message")
	}
}

func TestSendIsIdempotentOnRetry(t *testing.T) {
	e, _, pub := setup(t)
	frame := proto.SendMessageFrame{ID: "m_2", ConversationID: "c_1", Content: "hi", Variant: domain.MessageText}
	first := send(e, "u_a", frame)
	second := send(e, "u_a", frame)

	if first.Timestamp == nil || second.Timestamp == nil {
		t.Fatal("expected timestamps on both acks")
	}
	if !first.Timestamp.Equal(*second.Timestamp) {
		t.Fatalf("timestamps differ: %v vs %v", first.Timestamp, second.Timestamp)
	}
	newMessageCount := 0
	for _, e := range pub.published {
		if strings.Contains(string(e.payload), `"new_message"`) {
			newMessageCount++
		}
	}
	if newMessageCount != 1 {
		t.Fatalf("published %d new_message events, want exactly one for the insert", newMessageCount)
	}
}

func TestSendRejectsSenderMismatch(t *testing.T) {
	e, _, _ := setup(t)
	frame := proto.SendMessageFrame{ID: "m_3", ConversationID: "c_1", Content: "hi", Variant: domain.MessageText}
	send(e, "u_a", frame)
	ack := send(e, "u_b", frame)
	if ack.Status != "error" || ack.Error != "FORBIDDEN" {
		t.Fatalf("ack = %+v, want FORBIDDEN error", ack)
	}
}

func TestSendToChannelRejectsNonAdmin(t *testing.T) {
	e, s, _ := setup(t)
	s.addConversation(domain.Conversation{ID: "c_chan", Variant: domain.ConversationChannel})
	s.addMember("c_chan", "u_a", domain.MemberRoleAdmin)
	s.addMember("c_chan", "u_b", domain.MemberRoleMember)

	ack := send(e, "u_b", proto.SendMessageFrame{
		ID: "m_4", ConversationID: "c_chan", Content: "hi", Variant: domain.MessageText,
	})
	if ack.Status != "error" || ack.Error != "FORBIDDEN" {
		t.Fatalf("ack = %+v, want FORBIDDEN", ack)
	}
}

func TestChannelNeverProducesDeliveryReceipt(t *testing.T) {
	e, s, pub := setup(t)
	s.addConversation(domain.Conversation{ID: "c_chan", Variant: domain.ConversationChannel})
	s.addMember("c_chan", "u_a", domain.MemberRoleAdmin)
	s.addMember("c_chan", "u_b", domain.MemberRoleMember)

	send(e, "u_a", proto.SendMessageFrame{
		ID: "m_5", ConversationID: "c_chan", Content: "hi", Variant: domain.MessageText,
	})
	for _, evt := range pub.published {
		if strings.Contains(string(evt.payload), "delivery_receipt") {
			t.Fatal("expected no delivery_receipt for a channel")
		}
	}
}

func TestReadSetsDeliveredWhenMissingAndIsIdempotent(t *testing.T) {
	e, s, pub := setup(t)
	// Take u_b offline so Send leaves delivered_at unset for Read to fill in.
	e.presence = &fakePresence{online: map[string]bool{}}
	send(e, "u_a", proto.SendMessageFrame{ID: "m_6", ConversationID: "c_1", Content: "hi", Variant: domain.MessageText})
	if msg, _, _ := s.GetMessage("m_6"); msg.DeliveredAt != nil {
		t.Fatal("expected delivered_at unset before the read")
	}

	if err := e.Read(context.Background(), "u_b", proto.ReadFrame{ConversationID: "c_1", MessageID: "m_6"}); err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, _, _ := s.GetMessage("m_6")
	if msg.DeliveredAt == nil || msg.ReadAt == nil {
		t.Fatal("expected both delivered_at and read_at set")
	}
	if !msg.DeliveredAt.Equal(*msg.ReadAt) {
		t.Fatalf("expected delivered_at == read_at when delivery was implied by read")
	}

	before := pub.count()
	if err := e.Read(context.Background(), "u_b", proto.ReadFrame{ConversationID: "c_1", MessageID: "m_6"}); err != nil {
		t.Fatalf("second read: %v", err)
	}
	if pub.count() != before {
		t.Fatal("expected no further broadcast on repeated read")
	}
}

func TestEditRejectsAfterWindow(t *testing.T) {
	e, s, _ := setup(t)
	past := time.Now().UTC().Add(-domain.EditWindow - time.Minute)
	s.messages["m_old"] = domain.Message{ID: "m_old", ConversationID: "c_1", SenderID: "u_a", Variant: domain.MessageText, CreatedAt: past}

	err := e.Edit(context.Background(), "u_a", proto.EditMessageFrame{ID: "m_old", Content: "too late"})
	if err != domain.ErrConflict {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestEditRejectsNonSender(t *testing.T) {
	e, s, _ := setup(t)
	s.messages["m_x"] = domain.Message{ID: "m_x", ConversationID: "c_1", SenderID: "u_a", Variant: domain.MessageText, CreatedAt: time.Now().UTC()}

	err := e.Edit(context.Background(), "u_b", proto.EditMessageFrame{ID: "m_x", Content: "hijack"})
	if err != domain.ErrForbidden {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestDeletePreservesLifecycleTimestamps(t *testing.T) {
	e, s, _ := setup(t)
	deliveredAt := time.Now().UTC()
	s.messages["m_d"] = domain.Message{ID: "m_d", ConversationID: "c_1", SenderID: "u_a", Variant: domain.MessageText, CreatedAt: deliveredAt, DeliveredAt: &deliveredAt}

	if err := e.Delete(context.Background(), "u_a", proto.DeleteMessageFrame{ID: "m_d"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	msg, _, _ := s.GetMessage("m_d")
	if msg.DeletedAt == nil {
		t.Fatal("expected deleted_at set")
	}
	if msg.DeliveredAt == nil {
		t.Fatal("expected delivered_at preserved across delete")
	}
}

func TestReconcileDeliveryHealsUndeliveredMessagesOnReconnect(t *testing.T) {
	e, s, pub := setup(t)
	s.messages["m_pending"] = domain.Message{ID: "m_pending", ConversationID: "c_1", SenderID: "u_a", Variant: domain.MessageText, CreatedAt: time.Now().UTC()}

	e.ReconcileDelivery(context.Background(), "c_1", "u_b")

	msg, _, _ := s.GetMessage("m_pending")
	if msg.DeliveredAt == nil {
		t.Fatal("expected delivered_at set by reconciliation")
	}
	if pub.count() != 1 {
		t.Fatalf("expected exactly one delivery_receipt broadcast, got %d", pub.count())
	}
}

func TestReconcileDeliverySkipsChannels(t *testing.T) {
	e, s, pub := setup(t)
	s.addConversation(domain.Conversation{ID: "c_chan", Variant: domain.ConversationChannel})
	s.addMember("c_chan", "u_a", domain.MemberRoleAdmin)
	s.addMember("c_chan", "u_b", domain.MemberRoleMember)
	s.messages["m_chan_pending"] = domain.Message{ID: "m_chan_pending", ConversationID: "c_chan", SenderID: "u_a", Variant: domain.MessageText, CreatedAt: time.Now().UTC()}

	e.ReconcileDelivery(context.Background(), "c_chan", "u_b")

	msg, _, _ := s.GetMessage("m_chan_pending")
	if msg.DeliveredAt != nil {
		t.Fatal("expected delivered_at to remain unset for a channel message")
	}
	if pub.count() != 0 {
		t.Fatalf("expected no delivery_receipt broadcast for a channel, got %d", pub.count())
	}
}

type fakeAttachmentResolver struct {
	mu      sync.Mutex
	deleted []string
	failOn  string
}

func (*fakeAttachmentResolver) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://cdn.example/" + key, nil
}

func (r *fakeAttachmentResolver) Delete(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if key == r.failOn {
		return fmt.Errorf("delete %s: object store unreachable", key)
	}
	r.deleted = append(r.deleted, key)
	return nil
}

func TestSendResolvesAttachmentURLsWhenResolverWired(t *testing.T) {
	e, s, pub := setup(t)
	s.attachments["a_1"] = domain.Attachment{ID: "a_1", URL: "objects/a_1.png", MimeType: "image/png"}
	e.WithAttachmentResolver(&fakeAttachmentResolver{})

	ack := send(e, "u_a", proto.SendMessageFrame{
		ID: "m_att", ConversationID: "c_1", Variant: domain.MessageImage, AttachmentIDs: []string{"a_1"},
	})
	if ack.Status != "ok" {
		t.Fatalf("ack status = %q, want ok", ack.Status)
	}
	// new_message is published first; u_b is online, so a delivery_receipt
	// follows it.
	if !strings.Contains(string(pub.published[0].payload), "https://cdn.example/objects/a_1.png") {
		t.Fatalf("expected resolved attachment URL in broadcast, got %s", pub.published[0].payload)
	}
}

func TestDeletePurgesAttachmentBlobs(t *testing.T) {
	e, s, _ := setup(t)
	s.attachments["a_1"] = domain.Attachment{ID: "a_1", URL: "objects/a_1.png", MimeType: "image/png"}
	resolver := &fakeAttachmentResolver{}
	e.WithAttachmentResolver(resolver)

	send(e, "u_a", proto.SendMessageFrame{
		ID: "m_att_del", ConversationID: "c_1", Variant: domain.MessageImage, AttachmentIDs: []string{"a_1"},
	})

	if err := e.Delete(context.Background(), "u_a", proto.DeleteMessageFrame{ID: "m_att_del"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(resolver.deleted) != 1 || resolver.deleted[0] != "objects/a_1.png" {
		t.Fatalf("expected attachment blob deleted, got %v", resolver.deleted)
	}
}

func TestDeleteSucceedsEvenWhenAttachmentBlobDeleteFails(t *testing.T) {
	e, s, _ := setup(t)
	s.attachments["a_1"] = domain.Attachment{ID: "a_1", URL: "objects/a_1.png", MimeType: "image/png"}
	resolver := &fakeAttachmentResolver{failOn: "objects/a_1.png"}
	e.WithAttachmentResolver(resolver)

	send(e, "u_a", proto.SendMessageFrame{
		ID: "m_att_del2", ConversationID: "c_1", Variant: domain.MessageImage, AttachmentIDs: []string{"a_1"},
	})

	if err := e.Delete(context.Background(), "u_a", proto.DeleteMessageFrame{ID: "m_att_del2"}); err != nil {
		t.Fatalf("delete should succeed even when blob cleanup fails: %v", err)
	}
}
