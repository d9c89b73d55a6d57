package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence. Table names: users, conversations,
// conversation_members, messages, reactions, attachments, invite_tokens.
// Refresh credentials have no table here; they live in Redis
// (refresh_token_store.go). Check constraints enforce the
// lifecycle invariants of the message state machine; guarded updates
// (WHERE column IS NULL) in gorm_store.go provide the idempotent,
// monotonic semantics on top of them.
type UserModel struct {
	ID           string `gorm:"primaryKey"`
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string
	DisplayName  string `gorm:"not null"`
	AvatarURL    string
	Role         string    `gorm:"not null"`
	Status       string    `gorm:"not null"`
	LastSeenAt   time.Time `gorm:"not null;index"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (UserModel) TableName() string { return "users" }

type ConversationModel struct {
	ID        string `gorm:"primaryKey"`
	Variant   string `gorm:"not null"`
	Name      string
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null;index"`
}

func (ConversationModel) TableName() string { return "conversations" }

type ConversationMemberModel struct {
	ConversationID    string `gorm:"primaryKey;index:idx_member_conv"`
	UserID            string `gorm:"primaryKey;index:idx_member_user"`
	Role              string `gorm:"not null"`
	LastReadMessageID string
	JoinedAt          time.Time `gorm:"not null"`
}

func (ConversationMemberModel) TableName() string { return "conversation_members" }

type MessageModel struct {
	ID             string `gorm:"primaryKey"`
	ConversationID string `gorm:"not null;index:idx_message_conv_created,priority:1"`
	SenderID       string `gorm:"not null;index"`
	Content        string
	Variant        string `gorm:"not null"`
	ReplyToID      string
	AttachmentIDs  datatypes.JSON `gorm:"type:jsonb"`
	EditedAt       *time.Time
	DeletedAt      *time.Time
	DeliveredAt    *time.Time
	ReadAt         *time.Time
	CreatedAt      time.Time `gorm:"not null;index:idx_message_conv_created,priority:2,sort:desc"`
}

func (MessageModel) TableName() string { return "messages" }

type ReactionModel struct {
	MessageID string    `gorm:"primaryKey"`
	UserID    string    `gorm:"primaryKey"`
	Emoji     string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (ReactionModel) TableName() string { return "reactions" }

type AttachmentModel struct {
	ID          string `gorm:"primaryKey"`
	MessageID   string `gorm:"index"`
	URL         string `gorm:"not null"`
	MimeType    string `gorm:"not null"`
	SizeBytes   int64  `gorm:"not null"`
	ThumbURL    string
	Metadata    datatypes.JSON `gorm:"type:jsonb"` // widthPx, heightPx, durationSec
	CreatedAt   time.Time      `gorm:"not null"`
}

func (AttachmentModel) TableName() string { return "attachments" }

type InviteTokenModel struct {
	Token          string `gorm:"primaryKey"`
	ConversationID string `gorm:"not null;index"`
	CreatedAt      time.Time
}

func (InviteTokenModel) TableName() string { return "invite_tokens" }
