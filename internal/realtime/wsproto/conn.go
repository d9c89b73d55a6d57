// Package wsproto is the Protocol Dispatcher: it upgrades a socket, binds it
// to an authenticated user, and pumps frames between the wire and the
// realtime engines (messaging, presence, reactions, typing). Grounded on the
// classic gorilla/websocket read-pump/write-pump split, one goroutine per
// direction per connection.
package wsproto

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wireloom/relaycore/internal/realtime/messaging"
	"github.com/wireloom/relaycore/internal/realtime/proto"
	"github.com/wireloom/relaycore/internal/realtime/registry"
	"github.com/wireloom/relaycore/pkg/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 1 << 20 // 1MB
	sendBufferSize = 256

	// malformedFrameThreshold is how many malformed frames a single
	// connection may send before the Protocol Dispatcher tears it down,
	// per spec.md §4.3: "a session is not torn down for bad frames unless
	// the rate exceeds a configured threshold."
	malformedFrameThreshold = 20
)

// CloseAuthFailure is the protocol-level WebSocket close code for any
// authentication failure at connect time, per spec.md §6 ("4001 for any
// authentication failure (missing or invalid credential)").
const CloseAuthFailure = 4001

// RejectUnauthorized completes the WebSocket handshake and immediately
// closes it with CloseAuthFailure. The Auth Gate's credential check fails
// before a Conn exists, but spec.md §6 ties the 4001 code to a WebSocket
// close frame, which can only be sent after the handshake completes.
func RejectUnauthorized(w http.ResponseWriter, r *http.Request, reason string) error {
	socket, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	_ = socket.SetWriteDeadline(time.Now().Add(writeWait))
	_ = socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(CloseAuthFailure, reason))
	return socket.Close()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Bus is the subset of the Fan-out Bus a connection's subscriptions drive.
type Bus interface {
	Subscribe(topic string) error
	Unsubscribe(topic string) error
}

// Engines groups the handlers a Conn dispatches frames to.
type Engines struct {
	Messaging  MessagingEngine
	Presence   PresenceEngine
	Reactions  ReactionEngine
	Typing     TypingEngine
	Membership MembershipChecker
}

// MembershipChecker authorises a user against a conversation before the
// dispatcher lets a frame touch it. The realtime app wires this to
// store.Store.GetMembership, the same primitive messaging.Engine and
// reactions.Store already authorise against.
type MembershipChecker interface {
	GetMembership(conversationID, userID string) (domain.Membership, bool, error)
}

// MessagingEngine is the subset of messaging.Engine the dispatcher calls.
type MessagingEngine interface {
	// Send returns the ack to write immediately and an AfterAck to invoke
	// only once that ack has been written to the sender's socket (spec.md
	// §5: ack before publish). AfterAck is nil when there is nothing left
	// to publish.
	Send(ctx context.Context, senderID string, frame proto.SendMessageFrame) (proto.MessageAckEvent, messaging.AfterAck)
	Read(ctx context.Context, readerID string, frame proto.ReadFrame) error
	Edit(ctx context.Context, editorID string, frame proto.EditMessageFrame) error
	Delete(ctx context.Context, requesterID string, frame proto.DeleteMessageFrame) error
	ReconcileDelivery(ctx context.Context, conversationID, recipientID string)
}

// PresenceEngine is the subset of presence.Tracker the dispatcher calls.
type PresenceEngine interface {
	Attach(ctx context.Context, userID string) error
	Heartbeat(userID string) error
	Detach(ctx context.Context, userID string)
}

// ReactionEngine is the subset of reactions.Store the dispatcher calls.
type ReactionEngine interface {
	React(ctx context.Context, userID string, frame proto.ReactFrame) error
}

// TypingEngine is the subset of typing.Relay the dispatcher calls.
type TypingEngine interface {
	Relay(ctx context.Context, userID string, frame proto.TypingFrame) error
}

// Conn is one authenticated client session. It implements registry.Session.
type Conn struct {
	socket   *websocket.Conn
	userID   string
	send     chan []byte
	registry *registry.Registry
	bus      Bus
	engines  Engines
	logger   *slog.Logger

	malformedFrames int
}

// Upgrade completes the WebSocket handshake and hands the caller a Conn
// bound to userID. The caller is responsible for running Serve.
func Upgrade(w http.ResponseWriter, r *http.Request, userID string, reg *registry.Registry, bus Bus, engines Engines, logger *slog.Logger) (*Conn, error) {
	socket, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		socket:   socket,
		userID:   userID,
		send:     make(chan []byte, sendBufferSize),
		registry: reg,
		bus:      bus,
		engines:  engines,
		logger:   logger,
	}, nil
}

// UserID satisfies registry.Session.
func (c *Conn) UserID() string { return c.userID }

// Send satisfies registry.Session: enqueues payload without blocking,
// closing the session's queue on backpressure rather than stalling the
// caller (typically the Fan-out Bus's consumer goroutine).
func (c *Conn) Send(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		close(c.send)
		return false
	}
}

// Serve runs the connection until the socket closes: registers with the
// registry, starts the write pump, and blocks on the read pump. It returns
// once the connection is fully torn down.
func (c *Conn) Serve(ctx context.Context) {
	c.registry.Attach(c)
	if c.engines.Presence != nil {
		_ = c.engines.Presence.Attach(ctx, c.userID)
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()

	c.readPump(ctx)

	emptiedTopics, _ := c.registry.Detach(c)
	for _, topic := range emptiedTopics {
		if c.bus != nil {
			if err := c.bus.Unsubscribe(topic); err != nil {
				c.logger.Warn("bus unsubscribe on detach failed", "topic", topic, "err", err)
			}
		}
	}
	if c.engines.Presence != nil {
		c.engines.Presence.Detach(ctx, c.userID)
	}

	_ = c.socket.Close()
	<-writerDone
}

func (c *Conn) readPump(ctx context.Context) {
	c.socket.SetReadLimit(maxFrameBytes)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.socket.ReadMessage()
		if err != nil {
			return
		}
		if c.engines.Presence != nil {
			_ = c.engines.Presence.Heartbeat(c.userID)
		}
		c.dispatch(ctx, data)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case payload, ok := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.socket.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch implements the Protocol Dispatcher's per-frame template: parse,
// authorise (delegated to the engine), persist, ack, publish. Unknown
// variants are logged and ignored; malformed frames get one error event
// each, and the session is only torn down once malformedFrameThreshold is
// exceeded (spec.md §4.3).
func (c *Conn) dispatch(ctx context.Context, data []byte) {
	var envelope proto.Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.rejectMalformed("malformed frame")
		return
	}

	switch envelope.Type {
	case proto.ClientPing:
		c.writeEvent(proto.NewPongEvent())

	case proto.ClientSubscribe:
		var frame proto.SubscribeFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.rejectMalformed("malformed subscribe frame")
			return
		}
		authorized := c.authorizedConversations(frame.ConversationIDs)
		if len(authorized) == 0 {
			return
		}
		transitions := c.registry.Subscribe(c, authorized)
		for topic, transition := range transitions {
			if transition == registry.BecameSubscribed && c.bus != nil {
				if err := c.bus.Subscribe(topic); err != nil {
					c.logger.Warn("bus subscribe failed", "topic", topic, "err", err)
				}
			}
			if c.engines.Messaging != nil {
				c.engines.Messaging.ReconcileDelivery(ctx, topic, c.userID)
			}
		}

	case proto.ClientUnsubscribe:
		var frame proto.UnsubscribeFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.rejectMalformed("malformed unsubscribe frame")
			return
		}
		transitions := c.registry.Unsubscribe(c, frame.ConversationIDs)
		for topic, transition := range transitions {
			if transition == registry.BecameUnsubscribed && c.bus != nil {
				if err := c.bus.Unsubscribe(topic); err != nil {
					c.logger.Warn("bus unsubscribe failed", "topic", topic, "err", err)
				}
			}
		}

	case proto.ClientSendMessage:
		var frame proto.SendMessageFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.rejectMalformed("malformed send_message frame")
			return
		}
		ack, afterAck := c.engines.Messaging.Send(ctx, c.userID, frame)
		c.writeEvent(ack)
		if afterAck != nil {
			afterAck(ctx)
		}

	case proto.ClientEditMessage:
		var frame proto.EditMessageFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.rejectMalformed("malformed edit_message frame")
			return
		}
		if err := c.engines.Messaging.Edit(ctx, c.userID, frame); err != nil {
			c.writeError(domain.Code(err), err.Error())
		}

	case proto.ClientDeleteMessage:
		var frame proto.DeleteMessageFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.rejectMalformed("malformed delete_message frame")
			return
		}
		if err := c.engines.Messaging.Delete(ctx, c.userID, frame); err != nil {
			c.writeError(domain.Code(err), err.Error())
		}

	case proto.ClientRead:
		var frame proto.ReadFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.rejectMalformed("malformed read frame")
			return
		}
		if err := c.engines.Messaging.Read(ctx, c.userID, frame); err != nil {
			c.writeError(domain.Code(err), err.Error())
		}

	case proto.ClientTyping:
		var frame proto.TypingFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.rejectMalformed("malformed typing frame")
			return
		}
		if c.engines.Typing != nil {
			if err := c.engines.Typing.Relay(ctx, c.userID, frame); err != nil {
				c.logger.Warn("typing relay failed", "err", err)
			}
		}

	case proto.ClientReact:
		var frame proto.ReactFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.rejectMalformed("malformed react frame")
			return
		}
		if err := c.engines.Reactions.React(ctx, c.userID, frame); err != nil {
			c.writeError(domain.Code(err), err.Error())
		}

	default:
		c.logger.Info("ignoring unknown client event", "type", envelope.Type)
	}
}

// rejectMalformed reports a single INVALID_MESSAGE error for a malformed
// frame and counts it toward malformedFrameThreshold. Past the threshold,
// the session is closed rather than tolerating an unbounded stream of bad
// frames from one client.
func (c *Conn) rejectMalformed(message string) {
	c.writeError("INVALID_MESSAGE", message)
	c.malformedFrames++
	if c.malformedFrames < malformedFrameThreshold {
		return
	}
	c.logger.Warn("closing session after too many malformed frames", "user", c.userID, "count", c.malformedFrames)
	if c.socket != nil {
		_ = c.socket.Close()
	}
}

// authorizedConversations filters conversationIDs down to those c.userID is
// a member of, per spec.md §4.1's "subscribe(session, conversations) — after
// per-conversation membership check, add session to each topic's local
// index." Rejected ids are reported back as FORBIDDEN, one event each, so a
// client can distinguish "not a member" from a silently dropped id.
func (c *Conn) authorizedConversations(conversationIDs []string) []string {
	if c.engines.Membership == nil {
		return conversationIDs
	}
	authorized := make([]string, 0, len(conversationIDs))
	for _, id := range conversationIDs {
		if _, ok, err := c.engines.Membership.GetMembership(id, c.userID); err == nil && ok {
			authorized = append(authorized, id)
			continue
		}
		c.writeError(domain.Code(domain.ErrForbidden), "not a member of "+id)
	}
	return authorized
}

func (c *Conn) writeEvent(event any) {
	payload, err := proto.Marshal(event)
	if err != nil {
		return
	}
	c.Send(payload)
}

func (c *Conn) writeError(code, message string) {
	c.writeEvent(proto.NewErrorEvent(code, message))
}
