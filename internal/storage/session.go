package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/easeaico/persona-chat/internal/types"
)

// sessionModel maps to the sessions table.
type sessionModel struct {
	ID          int64  `gorm:"primaryKey"`
	CharacterID string `gorm:"size:128;not null;index"`
	Name        string `gorm:"size:255"`
	CreatedAt   time.Time
	UpdatedAt   time.Time `gorm:"index"`
}

func (sessionModel) TableName() string {
	return "sessions"
}

// messageModel maps to the messages table.
type messageModel struct {
	ID        int64  `gorm:"primaryKey"`
	SessionID int64  `gorm:"not null;index"`
	Role      string `gorm:"size:16;not null"`
	Content   string `gorm:"type:text;not null"`
	CreatedAt time.Time
}

func (messageModel) TableName() string {
	return "messages"
}

// summaryModel maps to the summaries table.
type summaryModel struct {
	ID        int64  `gorm:"primaryKey"`
	SessionID int64  `gorm:"not null;index"`
	Content   string `gorm:"type:text;not null"`
	CreatedAt time.Time
}

func (summaryModel) TableName() string {
	return "summaries"
}

// SessionRepo accesses sessions, their messages and summaries.
type SessionRepo struct {
	db *gorm.DB
}

// NewSessionRepo returns a SessionRepo.
func NewSessionRepo(db *gorm.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

func (r *SessionRepo) CreateSession(ctx context.Context, characterID string) (int64, error) {
	now := time.Now()
	record := sessionModel{
		CharacterID: characterID,
		Name:        types.SessionName(characterID, now),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		return 0, fmt.Errorf("failed to insert session: %w", err)
	}
	return record.ID, nil
}

// AppendMessage 在会话行上加锁，保证同一会话的追加严格串行。
func (r *SessionRepo) AppendMessage(ctx context.Context, sessionID int64, role types.Role, content string) (int64, error) {
	var record messageModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session sessionModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", sessionID).
			Take(&session).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.ErrSessionNotFound
			}
			return err
		}

		record = messageModel{
			SessionID: sessionID,
			Role:      string(role),
			Content:   content,
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		return tx.Model(&sessionModel{}).
			Where("id = ?", sessionID).
			Update("updated_at", time.Now()).Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to append message to session %d: %w", sessionID, err)
	}
	return record.ID, nil
}

func (r *SessionRepo) GetMessages(ctx context.Context, sessionID int64) ([]types.StoredMessage, error) {
	if _, err := r.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	var records []messageModel
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	results := make([]types.StoredMessage, 0, len(records))
	for _, record := range records {
		results = append(results, types.StoredMessage{
			ID:        record.ID,
			SessionID: record.SessionID,
			Role:      types.Role(record.Role),
			Content:   record.Content,
			CreatedAt: record.CreatedAt,
		})
	}
	return results, nil
}

func (r *SessionRepo) GetSession(ctx context.Context, sessionID int64) (*types.SessionInfo, error) {
	var info types.SessionInfo
	result := r.db.WithContext(ctx).Raw(`
		SELECT s.id, s.character_id, s.name, s.created_at, s.updated_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id) AS message_count
		FROM sessions s
		WHERE s.id = ?`, sessionID).Scan(&info)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("session %d: %w", sessionID, types.ErrSessionNotFound)
	}
	return &info, nil
}

func (r *SessionRepo) ListRecentSessions(ctx context.Context, limit int) ([]types.SessionInfo, error) {
	if limit <= 0 {
		limit = 10
	}
	var results []types.SessionInfo
	if err := r.db.WithContext(ctx).Raw(`
		SELECT s.id, s.character_id, s.name, s.created_at, s.updated_at, COUNT(m.id) AS message_count
		FROM sessions s
		LEFT JOIN messages m ON m.session_id = s.id
		GROUP BY s.id
		ORDER BY s.updated_at DESC, s.id DESC
		LIMIT ?`, limit).Scan(&results).Error; err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return results, nil
}

// DeleteSession 删除会话及其消息和摘要，返回会话是否存在。
func (r *SessionRepo) DeleteSession(ctx context.Context, sessionID int64) (bool, error) {
	var deleted bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&summaryModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", sessionID).Delete(&messageModel{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", sessionID).Delete(&sessionModel{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete session %d: %w", sessionID, err)
	}
	return deleted, nil
}

func (r *SessionRepo) AddSummary(ctx context.Context, sessionID int64, text string) (int64, error) {
	record := summaryModel{SessionID: sessionID, Content: text}
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		return 0, fmt.Errorf("failed to insert summary: %w", err)
	}
	return record.ID, nil
}

func (r *SessionRepo) GetLatestSummary(ctx context.Context, sessionID int64) (string, bool, error) {
	var record summaryModel
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id DESC").
		Limit(1).
		Find(&record).Error; err != nil {
		return "", false, fmt.Errorf("failed to query latest summary: %w", err)
	}
	if record.ID == 0 {
		return "", false, nil
	}
	return record.Content, true, nil
}
