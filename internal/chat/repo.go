package chat

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) SaveChat(ctx context.Context, c *Chat) error {
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *Repo) GetChatByID(ctx context.Context, id string) (*Chat, error) {
	var c Chat
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ListChats returns the owner's chats, newest first.
func (r *Repo) ListChats(ctx context.Context, ownerID string, limit int) ([]Chat, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var chats []Chat
	if err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Limit(limit).
		Find(&chats).Error; err != nil {
		return nil, err
	}
	return chats, nil
}

// DeleteChat removes a chat and its messages.
func (r *Repo) DeleteChat(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chat_id = ?", id).Delete(&Message{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Chat{}, "id = ?", id).Error
	})
}

func (r *Repo) UpdateChatTitle(ctx context.Context, id, title string) error {
	return r.db.WithContext(ctx).Model(&Chat{}).
		Where("id = ?", id).
		Update("title", title).Error
}

func (r *Repo) SaveMessages(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(msgs).Error
}

// ListRecentMessages returns the chat's newest messages in ASC order
// (oldest of the window first). Message ids are time-ordered uuids, so the
// id tiebreaker keeps same-timestamp rows in insertion order.
func (r *Repo) ListRecentMessages(ctx context.Context, chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 6
	}
	var desc []Message
	if err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&desc).Error; err != nil {
		return nil, err
	}
	asc := make([]Message, 0, len(desc))
	for i := len(desc) - 1; i >= 0; i-- {
		asc = append(asc, desc[i])
	}
	return asc, nil
}

func (r *Repo) UpdateMessageContent(ctx context.Context, id string, parts string) error {
	return r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ?", id).
		Update("parts", parts).Error
}

// Title job CRUD

// CreateTitleJobOrGetExisting inserts a job unless the chat already has one;
// the existing job is returned in that case.
func (r *Repo) CreateTitleJobOrGetExisting(ctx context.Context, job *TitleJob) (*TitleJob, bool, error) {
	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}

	var existing TitleJob
	getErr := r.db.WithContext(ctx).
		Where("chat_id = ?", job.ChatID).
		First(&existing).Error
	if getErr == nil {
		return &existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

func (r *Repo) GetTitleJobByID(ctx context.Context, id string) (*TitleJob, error) {
	var j TitleJob
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *Repo) MarkTitleJobRunning(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&TitleJob{}).
		Where("id = ? AND status = ?", id, TitleJobQueued).
		Update("status", TitleJobRunning).Error
}

func (r *Repo) MarkTitleJobSucceeded(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&TitleJob{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": TitleJobSucceeded, "error": nil}).Error
}

func (r *Repo) MarkTitleJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&TitleJob{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": TitleJobFailed, "error": errMsg}).Error
}
