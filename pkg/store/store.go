package store

import (
	"time"

	"github.com/wireloom/relaycore/pkg/domain"
)

// Store defines persistence for users, conversations, messages, reactions
// and attachments. All lifecycle-advancing writes are guarded updates
// (WHERE column IS NULL) so callers get idempotent, monotonic semantics
// without taking an explicit lock.
type Store interface {
	// users
	SaveUser(domain.User) error
	HasUserEmail(email string) (bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)
	ListUsers() ([]domain.User, error)
	UserCount() (int, error)
	TouchLastSeen(userID string, at time.Time) error

	// conversations & membership
	SaveConversation(domain.Conversation) error
	GetConversation(id string) (domain.Conversation, bool, error)
	TouchConversation(id string, at time.Time) error
	AddMembership(domain.Membership) error
	GetMembership(conversationID, userID string) (domain.Membership, bool, error)
	ListMembers(conversationID string) ([]domain.Membership, error)
	ListConversationIDsForUser(userID string) ([]string, error)
	SetLastReadMessageID(conversationID, userID, messageID string) error

	// invites
	CreateInviteToken(domain.InviteToken) error
	GetInviteToken(token string) (domain.InviteToken, bool, error)

	// messages
	//
	// UpsertMessage inserts msg if msg.ID is new. If msg.ID already exists it
	// returns the stored row unchanged (created_at is never bumped) and
	// inserted=false; if the existing row's sender or conversation differs
	// from msg's, it returns domain.ErrSenderMismatch.
	UpsertMessage(msg domain.Message) (stored domain.Message, inserted bool, err error)
	GetMessage(id string) (domain.Message, bool, error)
	ListMessages(conversationID string, before time.Time, limit int) ([]domain.Message, error)
	ListUndeliveredForRecipient(conversationID, recipientID string) ([]domain.Message, error)
	// SetDeliveredAt sets delivered_at := at under the guard delivered_at IS
	// NULL. Returns changed=false if the guard did not hold (already set).
	SetDeliveredAt(messageID string, at time.Time) (changed bool, err error)
	// SetReadAt sets read_at := at under the guard read_at IS NULL AND
	// delivered_at IS NOT NULL. Returns changed=false if the guard did not
	// hold (already read, or not yet delivered).
	SetReadAt(messageID string, at time.Time) (changed bool, err error)
	EditMessage(id, content string, editedAt time.Time) (domain.Message, error)
	DeleteMessage(id string, deletedAt time.Time) (domain.Message, error)

	// reactions
	UpsertReaction(domain.Reaction) error
	DeleteReaction(messageID, userID string) error

	// attachments
	GetAttachmentsByIDs(ids []string) ([]domain.Attachment, error)
}

// SessionStore persists session tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}

// UserSessionRevoker is an optional capability that revokes all sessions
// issued for a user since a cutoff time.
type UserSessionRevoker interface {
	RevokeUserSessions(userID string, since time.Time) error
}

// UserRefreshTokenRevoker is an optional capability that revokes all refresh
// tokens for a user.
type UserRefreshTokenRevoker interface {
	RevokeUserRefreshTokens(userID string) error
}

// JWK represents a JSON Web Key entry used by JWKS endpoints.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

// JWKSProvider is an optional capability exposed by session stores that can
// publish JSON Web Keys.
type JWKSProvider interface {
	JWKS() []JWK
}
