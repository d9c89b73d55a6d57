package wsproto

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wireloom/relaycore/internal/realtime/messaging"
	"github.com/wireloom/relaycore/internal/realtime/proto"
	"github.com/wireloom/relaycore/internal/realtime/registry"
	"github.com/wireloom/relaycore/pkg/domain"
)

type fakeMessagingEngine struct {
	mu           sync.Mutex
	sendCalls    []proto.SendMessageFrame
	editErr      error
	deleteErr    error
	readErr      error
	reconciled   []string
	sendResponse proto.MessageAckEvent
	// afterAck, when set, is returned by Send as the AfterAck closure, so
	// tests can observe what the dispatcher has already done (e.g. whether
	// the ack is already sitting in the socket's send queue) by the time it
	// runs.
	afterAck func()
}

func (f *fakeMessagingEngine) Send(ctx context.Context, senderID string, frame proto.SendMessageFrame) (proto.MessageAckEvent, messaging.AfterAck) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls = append(f.sendCalls, frame)
	if f.afterAck == nil {
		return f.sendResponse, nil
	}
	return f.sendResponse, func(context.Context) { f.afterAck() }
}
func (f *fakeMessagingEngine) Read(ctx context.Context, readerID string, frame proto.ReadFrame) error {
	return f.readErr
}
func (f *fakeMessagingEngine) Edit(ctx context.Context, editorID string, frame proto.EditMessageFrame) error {
	return f.editErr
}
func (f *fakeMessagingEngine) Delete(ctx context.Context, requesterID string, frame proto.DeleteMessageFrame) error {
	return f.deleteErr
}
func (f *fakeMessagingEngine) ReconcileDelivery(ctx context.Context, conversationID, recipientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciled = append(f.reconciled, conversationID)
}

type fakeReactionEngine struct{ err error }

func (f *fakeReactionEngine) React(ctx context.Context, userID string, frame proto.ReactFrame) error {
	return f.err
}

type fakeTypingEngine struct{ calls int }

func (f *fakeTypingEngine) Relay(ctx context.Context, userID string, frame proto.TypingFrame) error {
	f.calls++
	return nil
}

type fakeMembershipChecker struct {
	members map[string]bool
}

func (f *fakeMembershipChecker) GetMembership(conversationID, userID string) (domain.Membership, bool, error) {
	if f.members[conversationID] {
		return domain.Membership{ConversationID: conversationID, UserID: userID}, true, nil
	}
	return domain.Membership{}, false, nil
}

type fakeBus struct {
	mu            sync.Mutex
	subscribed    []string
	unsubscribed  []string
}

func (b *fakeBus) Subscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribed = append(b.subscribed, topic)
	return nil
}
func (b *fakeBus) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribed = append(b.unsubscribed, topic)
	return nil
}

func newTestConn(engines Engines, bus Bus) *Conn {
	return &Conn{
		userID:   "u1",
		send:     make(chan []byte, 16),
		registry: registry.New(),
		bus:      bus,
		engines:  engines,
		logger:   slog.Default(),
	}
}

func drain(t *testing.T, c *Conn) string {
	t.Helper()
	select {
	case payload := <-c.send:
		return string(payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return ""
	}
}

func TestDispatchPingRespondsPong(t *testing.T) {
	c := newTestConn(Engines{}, nil)
	c.dispatch(context.Background(), []byte(`{"type":"ping"}`))
	if !strings.Contains(drain(t, c), `"pong"`) {
		t.Fatal("expected pong frame")
	}
}

func TestDispatchMalformedFrameProducesErrorEvent(t *testing.T) {
	c := newTestConn(Engines{}, nil)
	c.dispatch(context.Background(), []byte(`not json`))
	if !strings.Contains(drain(t, c), "INVALID_MESSAGE") {
		t.Fatal("expected INVALID_MESSAGE error event")
	}
}

func TestDispatchUnknownTypeIsIgnoredWithoutReply(t *testing.T) {
	c := newTestConn(Engines{}, nil)
	c.dispatch(context.Background(), []byte(`{"type":"self_destruct"}`))
	select {
	case payload := <-c.send:
		t.Fatalf("expected no reply, got %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatchSendMessageForwardsToEngineAndAcks(t *testing.T) {
	fm := &fakeMessagingEngine{sendResponse: proto.NewMessageAckOK("m1", time.Now())}
	c := newTestConn(Engines{Messaging: fm}, nil)

	frame, _ := json.Marshal(proto.SendMessageFrame{ID: "m1", ConversationID: "c1", Content: "hi"})
	env := append([]byte(`{"type":"send_message",`), frame[1:]...)
	c.dispatch(context.Background(), env)

	if len(fm.sendCalls) != 1 || fm.sendCalls[0].ID != "m1" {
		t.Fatalf("expected one Send call for m1, got %+v", fm.sendCalls)
	}
	if !strings.Contains(drain(t, c), "message_ack") {
		t.Fatal("expected message_ack frame")
	}
}

func TestDispatchSendWritesAckBeforePublishing(t *testing.T) {
	var c *Conn
	publishCalls := 0
	fm := &fakeMessagingEngine{sendResponse: proto.NewMessageAckOK("m1", time.Now())}
	fm.afterAck = func() {
		publishCalls++
		if len(c.send) == 0 {
			t.Fatal("expected the ack to already be queued on the socket before AfterAck (publish) runs")
		}
	}
	c = newTestConn(Engines{Messaging: fm}, nil)

	frame, _ := json.Marshal(proto.SendMessageFrame{ID: "m1", ConversationID: "c1", Content: "hi"})
	env := append([]byte(`{"type":"send_message",`), frame[1:]...)
	c.dispatch(context.Background(), env)

	if publishCalls != 1 {
		t.Fatalf("expected AfterAck to run exactly once, got %d", publishCalls)
	}
	if !strings.Contains(drain(t, c), "message_ack") {
		t.Fatal("expected message_ack frame")
	}
}

func TestDispatchClosesSessionAfterMalformedFrameThreshold(t *testing.T) {
	c := newTestConn(Engines{}, nil)

	for i := 0; i < malformedFrameThreshold-1; i++ {
		c.dispatch(context.Background(), []byte(`not json`))
		drain(t, c)
	}
	if c.malformedFrames != malformedFrameThreshold-1 {
		t.Fatalf("malformedFrames = %d, want %d", c.malformedFrames, malformedFrameThreshold-1)
	}

	c.dispatch(context.Background(), []byte(`not json`))
	drain(t, c)
	if c.malformedFrames != malformedFrameThreshold {
		t.Fatalf("malformedFrames = %d, want %d", c.malformedFrames, malformedFrameThreshold)
	}
}

func TestServeClosesSocketAfterMalformedFrameThreshold(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r, "u1", registry.New(), nil, Engines{}, slog.Default())
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		conn.Serve(context.Background())
	}))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	for i := 0; i < malformedFrameThreshold; i++ {
		if err := client.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := client.ReadMessage(); err != nil {
			if _, ok := err.(*websocket.CloseError); !ok {
				t.Fatalf("expected a close frame after the malformed frame threshold, got %v (%T)", err, err)
			}
			return
		}
	}
}

func TestDispatchEditPropagatesErrorAsErrorEvent(t *testing.T) {
	fm := &fakeMessagingEngine{editErr: domain.ErrConflict}
	c := newTestConn(Engines{Messaging: fm}, nil)

	frame, _ := json.Marshal(proto.EditMessageFrame{ID: "m1", Content: "edited"})
	env := append([]byte(`{"type":"edit_message",`), frame[1:]...)
	c.dispatch(context.Background(), env)

	if !strings.Contains(drain(t, c), "CONFLICT") {
		t.Fatal("expected CONFLICT error event")
	}
}

func TestDispatchSubscribeBindsBusOnFirstLocalSubscriberAndReconciles(t *testing.T) {
	fm := &fakeMessagingEngine{}
	bus := &fakeBus{}
	c := newTestConn(Engines{Messaging: fm}, bus)

	frame, _ := json.Marshal(struct {
		Type            string   `json:"type"`
		ConversationIDs []string `json:"conversationIds"`
	}{Type: "subscribe", ConversationIDs: []string{"c1"}})
	c.dispatch(context.Background(), frame)

	if len(bus.subscribed) != 1 || bus.subscribed[0] != "c1" {
		t.Fatalf("expected bus subscribe to c1, got %v", bus.subscribed)
	}
	if len(fm.reconciled) != 1 || fm.reconciled[0] != "c1" {
		t.Fatalf("expected reconcile on c1, got %v", fm.reconciled)
	}
}

func TestDispatchSubscribeRejectsNonMemberConversation(t *testing.T) {
	fm := &fakeMessagingEngine{}
	bus := &fakeBus{}
	membership := &fakeMembershipChecker{members: map[string]bool{"c1": true}}
	c := newTestConn(Engines{Messaging: fm, Membership: membership}, bus)

	frame, _ := json.Marshal(struct {
		Type            string   `json:"type"`
		ConversationIDs []string `json:"conversationIds"`
	}{Type: "subscribe", ConversationIDs: []string{"c1", "c-not-a-member"}})
	c.dispatch(context.Background(), frame)

	if !strings.Contains(drain(t, c), "FORBIDDEN") {
		t.Fatal("expected FORBIDDEN error event for the non-member conversation")
	}
	if len(bus.subscribed) != 1 || bus.subscribed[0] != "c1" {
		t.Fatalf("expected bus subscribe only to c1, got %v", bus.subscribed)
	}
	if len(fm.reconciled) != 1 || fm.reconciled[0] != "c1" {
		t.Fatalf("expected reconcile only on c1, got %v", fm.reconciled)
	}
}

func TestDispatchSubscribeAllMembersRejectedSubscribesNothing(t *testing.T) {
	bus := &fakeBus{}
	membership := &fakeMembershipChecker{}
	c := newTestConn(Engines{Membership: membership}, bus)

	frame, _ := json.Marshal(struct {
		Type            string   `json:"type"`
		ConversationIDs []string `json:"conversationIds"`
	}{Type: "subscribe", ConversationIDs: []string{"c-not-a-member"}})
	c.dispatch(context.Background(), frame)

	if !strings.Contains(drain(t, c), "FORBIDDEN") {
		t.Fatal("expected FORBIDDEN error event")
	}
	if len(bus.subscribed) != 0 {
		t.Fatalf("expected no bus subscriptions, got %v", bus.subscribed)
	}
}

func TestDispatchReactForwardsToEngine(t *testing.T) {
	fr := &fakeReactionEngine{}
	c := newTestConn(Engines{Reactions: fr}, nil)

	emoji := "🎉"
	frame, _ := json.Marshal(struct {
		Type      string  `json:"type"`
		MessageID string  `json:"messageId"`
		Emoji     *string `json:"emoji"`
	}{Type: "react", MessageID: "m1", Emoji: &emoji})
	c.dispatch(context.Background(), frame)

	select {
	case payload := <-c.send:
		t.Fatalf("expected no error event on success, got %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatchReactErrorSurfacesAsErrorEvent(t *testing.T) {
	fr := &fakeReactionEngine{err: domain.ErrNotFound}
	c := newTestConn(Engines{Reactions: fr}, nil)

	emoji := "🎉"
	frame, _ := json.Marshal(struct {
		Type      string  `json:"type"`
		MessageID string  `json:"messageId"`
		Emoji     *string `json:"emoji"`
	}{Type: "react", MessageID: "missing", Emoji: &emoji})
	c.dispatch(context.Background(), frame)

	if !strings.Contains(drain(t, c), "NOT_FOUND") {
		t.Fatal("expected NOT_FOUND error event")
	}
}

func TestDispatchTypingCallsRelay(t *testing.T) {
	ft := &fakeTypingEngine{}
	c := newTestConn(Engines{Typing: ft}, nil)

	frame, _ := json.Marshal(proto.TypingFrame{ConversationID: "c1", IsTyping: true})
	env := append([]byte(`{"type":"typing",`), frame[1:]...)
	c.dispatch(context.Background(), env)

	if ft.calls != 1 {
		t.Fatalf("relay calls = %d, want 1", ft.calls)
	}
}

func TestSendClosesQueueOnBackpressure(t *testing.T) {
	c := &Conn{userID: "u1", send: make(chan []byte, 1)}
	if !c.Send([]byte("a")) {
		t.Fatal("first send should succeed")
	}
	if c.Send([]byte("b")) {
		t.Fatal("second send should fail once the queue is full")
	}
	if _, open := <-c.send; !open {
		t.Fatal("expected the buffered first payload before the close")
	}
	if _, open := <-c.send; open {
		t.Fatal("expected send channel to be closed after backpressure")
	}
}
