package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/wireloom/relaycore/pkg/domain"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const migrateLockID int64 = 73217321

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB, runs auto-migrations under an advisory lock so
// that multiple realtimed/authd instances starting concurrently don't race
// each other's DDL, and returns a ready Store.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&UserModel{},
			&ConversationModel{},
			&ConversationMemberModel{},
			&MessageModel{},
			&ReactionModel{},
			&AttachmentModel{},
			&InviteTokenModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_name = 'messages' AND constraint_name = 'messages_lifecycle_order'
				) THEN
					ALTER TABLE messages ADD CONSTRAINT messages_lifecycle_order
						CHECK (delivered_at IS NULL OR delivered_at >= created_at);
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_name = 'messages' AND constraint_name = 'messages_read_after_delivered'
				) THEN
					ALTER TABLE messages ADD CONSTRAINT messages_read_after_delivered
						CHECK (read_at IS NULL OR delivered_at IS NOT NULL);
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure lifecycle check constraints: %w", err)
		}
		return tx.Exec(`
			CREATE OR REPLACE FUNCTION bump_conversation_updated_at() RETURNS trigger AS $$
			BEGIN
				UPDATE conversations SET updated_at = NEW.created_at WHERE id = NEW.conversation_id;
				RETURN NEW;
			END;
			$$ LANGUAGE plpgsql;

			DROP TRIGGER IF EXISTS trg_bump_conversation_updated_at ON messages;
			CREATE TRIGGER trg_bump_conversation_updated_at
				AFTER INSERT ON messages
				FOR EACH ROW EXECUTE FUNCTION bump_conversation_updated_at();
		`).Error
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// --- users ---

func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "password_hash", "display_name", "avatar_url", "role", "status", "last_seen_at", "updated_at"}),
	}).Create(&model).Error
}

func (s *GormStore) HasUserEmail(email string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

func (s *GormStore) ListUsers() ([]domain.User, error) {
	var models []UserModel
	if err := s.db.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.User, 0, len(models))
	for _, m := range models {
		res = append(res, userFromModel(m))
	}
	return res, nil
}

func (s *GormStore) UserCount() (int, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

func (s *GormStore) TouchLastSeen(userID string, at time.Time) error {
	return s.db.Model(&UserModel{}).Where("id = ?", userID).
		Update("last_seen_at", at.UTC()).Error
}

// --- conversations & membership ---

func (s *GormStore) SaveConversation(c domain.Conversation) error {
	model := conversationToModel(c)
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error
}

func (s *GormStore) GetConversation(id string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	return conversationFromModel(model), true, nil
}

func (s *GormStore) TouchConversation(id string, at time.Time) error {
	return s.db.Model(&ConversationModel{}).Where("id = ?", id).
		Update("updated_at", at.UTC()).Error
}

func (s *GormStore) AddMembership(m domain.Membership) error {
	model := membershipToModel(m)
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error
}

func (s *GormStore) GetMembership(conversationID, userID string) (domain.Membership, bool, error) {
	var model ConversationMemberModel
	err := s.db.Where("conversation_id = ? AND user_id = ?", conversationID, userID).First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Membership{}, false, nil
		}
		return domain.Membership{}, false, err
	}
	return membershipFromModel(model), true, nil
}

func (s *GormStore) ListMembers(conversationID string) ([]domain.Membership, error) {
	var models []ConversationMemberModel
	if err := s.db.Where("conversation_id = ?", conversationID).Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Membership, 0, len(models))
	for _, m := range models {
		res = append(res, membershipFromModel(m))
	}
	return res, nil
}

func (s *GormStore) ListConversationIDsForUser(userID string) ([]string, error) {
	var ids []string
	if err := s.db.Model(&ConversationMemberModel{}).
		Where("user_id = ?", userID).
		Pluck("conversation_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *GormStore) SetLastReadMessageID(conversationID, userID, messageID string) error {
	return s.db.Model(&ConversationMemberModel{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Update("last_read_message_id", messageID).Error
}

// --- invites ---

func (s *GormStore) CreateInviteToken(t domain.InviteToken) error {
	model := InviteTokenModel{Token: t.Token, ConversationID: t.ConversationID, CreatedAt: t.CreatedAt}
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error
}

func (s *GormStore) GetInviteToken(token string) (domain.InviteToken, bool, error) {
	var model InviteTokenModel
	if err := s.db.First(&model, "token = ?", token).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.InviteToken{}, false, nil
		}
		return domain.InviteToken{}, false, err
	}
	return domain.InviteToken{Token: model.Token, ConversationID: model.ConversationID, CreatedAt: model.CreatedAt}, true, nil
}

// --- messages ---

// UpsertMessage implements the client-id-keyed idempotent send: ON CONFLICT
// DO NOTHING leaves the first-written row untouched, then a plain read
// tells the caller whether their write won the race and whether the
// sender/conversation agree with what is already stored.
func (s *GormStore) UpsertMessage(msg domain.Message) (domain.Message, bool, error) {
	model, err := messageToModel(msg)
	if err != nil {
		return domain.Message{}, false, err
	}
	var stored domain.Message
	var inserted bool
	err = s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
		if res.Error != nil {
			return res.Error
		}
		inserted = res.RowsAffected == 1
		var existing MessageModel
		if err := tx.First(&existing, "id = ?", msg.ID).Error; err != nil {
			return err
		}
		converted, err := messageFromModel(existing)
		if err != nil {
			return err
		}
		stored = converted
		return nil
	})
	if err != nil {
		return domain.Message{}, false, err
	}
	if !inserted && (stored.SenderID != msg.SenderID || stored.ConversationID != msg.ConversationID) {
		return domain.Message{}, false, domain.ErrSenderMismatch
	}
	return stored, inserted, nil
}

func (s *GormStore) GetMessage(id string) (domain.Message, bool, error) {
	var model MessageModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	msg, err := messageFromModel(model)
	return msg, true, err
}

func (s *GormStore) ListMessages(conversationID string, before time.Time, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.db.Where("conversation_id = ?", conversationID)
	if !before.IsZero() {
		query = query.Where("created_at < ?", before.UTC())
	}
	var models []MessageModel
	if err := query.Order("created_at DESC, id DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for i := len(models) - 1; i >= 0; i-- {
		msg, err := messageFromModel(models[i])
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (s *GormStore) ListUndeliveredForRecipient(conversationID, recipientID string) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.Where("conversation_id = ? AND sender_id <> ? AND delivered_at IS NULL", conversationID, recipientID).
		Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, m := range models {
		msg, err := messageFromModel(m)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (s *GormStore) SetDeliveredAt(messageID string, at time.Time) (bool, error) {
	res := s.db.Model(&MessageModel{}).
		Where("id = ? AND delivered_at IS NULL", messageID).
		Update("delivered_at", at.UTC())
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) SetReadAt(messageID string, at time.Time) (bool, error) {
	res := s.db.Model(&MessageModel{}).
		Where("id = ? AND read_at IS NULL AND delivered_at IS NOT NULL", messageID).
		Update("read_at", at.UTC())
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) EditMessage(id, content string, editedAt time.Time) (domain.Message, error) {
	res := s.db.Model(&MessageModel{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Updates(map[string]any{"content": content, "edited_at": editedAt.UTC()})
	if res.Error != nil {
		return domain.Message{}, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.Message{}, domain.ErrConflict
	}
	msg, ok, err := s.GetMessage(id)
	if err != nil {
		return domain.Message{}, err
	}
	if !ok {
		return domain.Message{}, domain.ErrNotFound
	}
	return msg, nil
}

func (s *GormStore) DeleteMessage(id string, deletedAt time.Time) (domain.Message, error) {
	if err := s.db.Model(&MessageModel{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Update("deleted_at", deletedAt.UTC()).Error; err != nil {
		return domain.Message{}, err
	}
	msg, ok, err := s.GetMessage(id)
	if err != nil {
		return domain.Message{}, err
	}
	if !ok {
		return domain.Message{}, domain.ErrNotFound
	}
	return msg, nil
}

// --- reactions ---

func (s *GormStore) UpsertReaction(r domain.Reaction) error {
	model := ReactionModel{MessageID: r.MessageID, UserID: r.UserID, Emoji: r.Emoji, CreatedAt: r.CreatedAt}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"emoji", "created_at"}),
	}).Create(&model).Error
}

func (s *GormStore) DeleteReaction(messageID, userID string) error {
	return s.db.Delete(&ReactionModel{}, "message_id = ? AND user_id = ?", messageID, userID).Error
}

// --- attachments ---

func (s *GormStore) GetAttachmentsByIDs(ids []string) ([]domain.Attachment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var models []AttachmentModel
	if err := s.db.Where("id IN ?", ids).Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Attachment, 0, len(models))
	for _, m := range models {
		res = append(res, attachmentFromModel(m))
	}
	return res, nil
}

// --- model <-> domain conversion ---

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		DisplayName:  u.DisplayName,
		AvatarURL:    u.AvatarURL,
		Role:         string(u.Role),
		Status:       string(u.Status),
		LastSeenAt:   u.LastSeenAt,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	status := domain.UserStatus(m.Status)
	if status == "" {
		status = domain.StatusActive
	}
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		DisplayName:  m.DisplayName,
		AvatarURL:    m.AvatarURL,
		Role:         domain.UserRole(m.Role),
		Status:       status,
		LastSeenAt:   m.LastSeenAt,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func conversationToModel(c domain.Conversation) ConversationModel {
	return ConversationModel{
		ID:        c.ID,
		Variant:   string(c.Variant),
		Name:      c.Name,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	return domain.Conversation{
		ID:        m.ID,
		Variant:   domain.ConversationVariant(m.Variant),
		Name:      m.Name,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func membershipToModel(m domain.Membership) ConversationMemberModel {
	return ConversationMemberModel{
		ConversationID:    m.ConversationID,
		UserID:            m.UserID,
		Role:              string(m.Role),
		LastReadMessageID: m.LastReadMessageID,
		JoinedAt:          m.JoinedAt,
	}
}

func membershipFromModel(m ConversationMemberModel) domain.Membership {
	return domain.Membership{
		ConversationID:    m.ConversationID,
		UserID:            m.UserID,
		Role:              domain.MembershipRole(m.Role),
		LastReadMessageID: m.LastReadMessageID,
		JoinedAt:          m.JoinedAt,
	}
}

func messageToModel(msg domain.Message) (MessageModel, error) {
	raw, err := json.Marshal(msg.AttachmentIDs)
	if err != nil {
		return MessageModel{}, err
	}
	return MessageModel{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		Variant:        string(msg.Variant),
		ReplyToID:      msg.ReplyToID,
		AttachmentIDs:  datatypes.JSON(raw),
		EditedAt:       msg.EditedAt,
		DeletedAt:      msg.DeletedAt,
		DeliveredAt:    msg.DeliveredAt,
		ReadAt:         msg.ReadAt,
		CreatedAt:      msg.CreatedAt,
	}, nil
}

func messageFromModel(m MessageModel) (domain.Message, error) {
	var attachmentIDs []string
	if len(m.AttachmentIDs) > 0 {
		if err := json.Unmarshal(m.AttachmentIDs, &attachmentIDs); err != nil {
			return domain.Message{}, err
		}
	}
	return domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Variant:        domain.MessageVariant(m.Variant),
		ReplyToID:      m.ReplyToID,
		AttachmentIDs:  attachmentIDs,
		EditedAt:       m.EditedAt,
		DeletedAt:      m.DeletedAt,
		DeliveredAt:    m.DeliveredAt,
		ReadAt:         m.ReadAt,
		CreatedAt:      m.CreatedAt,
	}, nil
}

func attachmentFromModel(m AttachmentModel) domain.Attachment {
	att := domain.Attachment{
		ID:        m.ID,
		MessageID: m.MessageID,
		URL:       m.URL,
		MimeType:  m.MimeType,
		SizeBytes: m.SizeBytes,
		ThumbURL:  m.ThumbURL,
	}
	if len(m.Metadata) > 0 {
		var meta struct {
			WidthPx     int     `json:"widthPx"`
			HeightPx    int     `json:"heightPx"`
			DurationSec float64 `json:"durationSec"`
		}
		if json.Unmarshal(m.Metadata, &meta) == nil {
			att.WidthPx = meta.WidthPx
			att.HeightPx = meta.HeightPx
			att.DurationSec = meta.DurationSec
		}
	}
	return att
}
