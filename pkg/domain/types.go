package domain

import "time"

// UserRole distinguishes ordinary chat users from platform admins. It is
// unrelated to ConversationRole, which is scoped to a single conversation.
type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

type UserStatus string

const (
	StatusActive   UserStatus = "active"
	StatusDisabled UserStatus = "disabled"
)

const presenceWindow = 30 * time.Second

// User is both the authd account record and the core's chat profile: one
// row serves both services against the shared store.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	DisplayName  string     `json:"displayName"`
	AvatarURL    string     `json:"avatarUrl,omitempty"`
	Role         UserRole   `json:"role"`
	Status       UserStatus `json:"status"`
	LastSeenAt   time.Time  `json:"lastSeenAt"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// IsOnline derives presence from LastSeenAt as of now.
func (u User) IsOnline(now time.Time) bool {
	return now.Sub(u.LastSeenAt) < presenceWindow
}

type ConversationVariant string

const (
	ConversationDirect  ConversationVariant = "direct"
	ConversationGroup   ConversationVariant = "group"
	ConversationChannel ConversationVariant = "channel"
)

type Conversation struct {
	ID        string              `json:"id"`
	Variant   ConversationVariant `json:"variant"`
	Name      string              `json:"name,omitempty"`
	CreatedAt time.Time           `json:"createdAt"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

// IsChannel reports whether only admin-role members may send, and whether
// delivery receipts are suppressed.
func (c Conversation) IsChannel() bool {
	return c.Variant == ConversationChannel
}

type MembershipRole string

const (
	MemberRoleAdmin  MembershipRole = "admin"
	MemberRoleMember MembershipRole = "member"
)

type Membership struct {
	ConversationID    string         `json:"conversationId"`
	UserID            string         `json:"userId"`
	Role              MembershipRole `json:"role"`
	LastReadMessageID string         `json:"lastReadMessageId,omitempty"`
	JoinedAt          time.Time      `json:"joinedAt"`
}

type MessageVariant string

const (
	MessageText   MessageVariant = "text"
	MessageImage  MessageVariant = "image"
	MessageVideo  MessageVariant = "video"
	MessageVoice  MessageVariant = "voice"
	MessageSystem MessageVariant = "system"
)

// EditWindow is how long after CreatedAt a sender may edit a text message.
const EditWindow = 5 * time.Minute

type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	Content        string         `json:"content,omitempty"`
	Variant        MessageVariant `json:"type"`
	ReplyToID      string         `json:"replyToId,omitempty"`
	AttachmentIDs  []string       `json:"attachmentIds,omitempty"`
	EditedAt       *time.Time     `json:"editedAt,omitempty"`
	DeletedAt      *time.Time     `json:"deletedAt,omitempty"`
	DeliveredAt    *time.Time     `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time     `json:"readAt,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// Redacted returns a copy with content removed, for soft-deleted messages.
func (m Message) Redacted() Message {
	m.Content = ""
	m.AttachmentIDs = nil
	return m
}

func (m Message) IsDeleted() bool {
	return m.DeletedAt != nil
}

// Editable reports whether the message may still be edited by sender at 'now'.
func (m Message) Editable(now time.Time) bool {
	return m.Variant == MessageText && m.DeletedAt == nil && now.Sub(m.CreatedAt) < EditWindow
}

type Reaction struct {
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

type Attachment struct {
	ID          string  `json:"id"`
	MessageID   string  `json:"messageId,omitempty"`
	URL         string  `json:"url"`
	MimeType    string  `json:"mimeType"`
	SizeBytes   int64   `json:"sizeBytes"`
	ThumbURL    string  `json:"thumbUrl,omitempty"`
	WidthPx     int     `json:"widthPx,omitempty"`
	HeightPx    int     `json:"heightPx,omitempty"`
	DurationSec float64 `json:"durationSec,omitempty"`
}

type InviteToken struct {
	Token          string    `json:"token"`
	ConversationID string    `json:"conversationId"`
	CreatedAt      time.Time `json:"createdAt"`
}
